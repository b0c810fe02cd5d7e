package vault

import (
	"fmt"
	"time"

	"github.com/raaihank/pii-sentinel/internal/privacy"
)

// Placeholder renders the marker that replaces a span in tokenized text
func Placeholder(id string, category privacy.PIIType) string {
	return fmt.Sprintf("<enc:id=%s;type=%s>", id, category)
}

// TokenRecord holds one encrypted span. The plaintext is not retained.
type TokenRecord struct {
	ID       string          `json:"id"`
	Category privacy.PIIType `json:"category"`
	Nonce    []byte          `json:"nonce"`
	Cipher   []byte          `json:"cipher"`
}

// Metadata is everything needed to restore a tokenized text. It is produced
// once per tokenization run and must not be modified afterwards.
type Metadata struct {
	Algorithm     Algorithm              `json:"algorithm"`
	Key           []byte                 `json:"key,omitempty"`
	Tokens        map[string]TokenRecord `json:"tokens"`
	TokenizedText string                 `json:"tokenized_text"`
	CreatedAt     time.Time              `json:"created_at"`
}

// WithoutKey returns a copy that is safe to persist next to the ciphertext
func (m *Metadata) WithoutKey() *Metadata {
	tokens := make(map[string]TokenRecord, len(m.Tokens))
	for id, rec := range m.Tokens {
		tokens[id] = rec
	}
	return &Metadata{
		Algorithm:     m.Algorithm,
		Tokens:        tokens,
		TokenizedText: m.TokenizedText,
		CreatedAt:     m.CreatedAt,
	}
}
