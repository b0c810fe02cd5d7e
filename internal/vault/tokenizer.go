package vault

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/logger"
	"github.com/raaihank/pii-sentinel/internal/privacy"
)

// maxIDAttempts bounds regeneration of colliding token ids
const maxIDAttempts = 16

var (
	// ErrInvalidMatches is returned when spans overlap, fall outside the
	// text, or do not describe the text they claim to cover
	ErrInvalidMatches = errors.New("invalid match set")
	// ErrTokenIDExhausted is returned when no unique token id could be drawn
	ErrTokenIDExhausted = errors.New("could not allocate unique token id")
)

// Tokenizer encrypts PII spans and substitutes placeholders for them
type Tokenizer struct {
	algorithm Algorithm
	keys      KeySource
	nonces    io.Reader
	newID     func() string
	logger    *logger.Logger
}

// Option configures a Tokenizer
type Option func(*Tokenizer)

// WithAlgorithm selects the AEAD suite
func WithAlgorithm(alg Algorithm) Option {
	return func(t *Tokenizer) { t.algorithm = alg }
}

// WithKeySource overrides where run keys come from
func WithKeySource(keys KeySource) Option {
	return func(t *Tokenizer) { t.keys = keys }
}

// WithNonceReader overrides the nonce randomness source
func WithNonceReader(r io.Reader) Option {
	return func(t *Tokenizer) { t.nonces = r }
}

// WithIDGenerator overrides token id generation
func WithIDGenerator(fn func() string) Option {
	return func(t *Tokenizer) { t.newID = fn }
}

// NewTokenizer creates a tokenizer. Defaults: AES-256-GCM, crypto/rand keys
// and nonces, 8-character ids.
func NewTokenizer(log *logger.Logger, opts ...Option) *Tokenizer {
	t := &Tokenizer{
		algorithm: AlgorithmAESGCM,
		keys:      RandomKeySource{},
		nonces:    rand.Reader,
		newID:     shortID,
		logger:    log,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Tokenize replaces every match in text with a placeholder and returns the
// tokenized text together with the metadata needed to restore it. A fresh
// key is generated for the run and a fresh nonce for every span.
func (t *Tokenizer) Tokenize(text string, matches []privacy.Match) (string, *Metadata, error) {
	spans, err := sortedSpans(text, matches)
	if err != nil {
		return "", nil, err
	}

	key, err := t.keys.NewKey()
	if err != nil {
		return "", nil, err
	}
	aead, err := newAEAD(t.algorithm, key)
	if err != nil {
		return "", nil, err
	}

	tokens := make(map[string]TokenRecord, len(spans))
	var out strings.Builder
	out.Grow(len(text))
	cursor := 0

	for _, m := range spans {
		id, err := t.uniqueID(text, tokens, m.Category)
		if err != nil {
			return "", nil, err
		}

		nonce := make([]byte, NonceSize)
		if _, err := io.ReadFull(t.nonces, nonce); err != nil {
			return "", nil, fmt.Errorf("generating nonce: %w", err)
		}

		ciphertext := aead.Seal(nil, nonce, []byte(text[m.Start:m.End]), associatedData(id, string(m.Category)))

		out.WriteString(text[cursor:m.Start])
		out.WriteString(Placeholder(id, m.Category))
		cursor = m.End

		tokens[id] = TokenRecord{
			ID:       id,
			Category: m.Category,
			Nonce:    nonce,
			Cipher:   ciphertext,
		}
	}
	out.WriteString(text[cursor:])

	meta := &Metadata{
		Algorithm:     t.algorithm,
		Key:           key,
		Tokens:        tokens,
		TokenizedText: out.String(),
		CreatedAt:     time.Now().UTC(),
	}

	t.logger.Debug("Text tokenized",
		zap.Int("tokens", len(tokens)),
		zap.String("algorithm", string(t.algorithm)),
		zap.Int("input_length", len(text)),
		zap.Int("output_length", len(meta.TokenizedText)),
	)

	return meta.TokenizedText, meta, nil
}

// sortedSpans copies matches, orders them by Start and checks that they are
// in bounds, exact and non-overlapping
func sortedSpans(text string, matches []privacy.Match) ([]privacy.Match, error) {
	spans := make([]privacy.Match, len(matches))
	copy(spans, matches)
	sort.SliceStable(spans, func(i, j int) bool {
		return spans[i].Start < spans[j].Start
	})

	prevEnd := 0
	for i, m := range spans {
		if m.Start < 0 || m.Start >= m.End || m.End > len(text) {
			return nil, fmt.Errorf("%w: span [%d,%d) outside text of length %d", ErrInvalidMatches, m.Start, m.End, len(text))
		}
		if i > 0 && m.Start < prevEnd {
			return nil, fmt.Errorf("%w: span [%d,%d) overlaps previous span", ErrInvalidMatches, m.Start, m.End)
		}
		if m.Text != "" && text[m.Start:m.End] != m.Text {
			return nil, fmt.Errorf("%w: span [%d,%d) does not match its text", ErrInvalidMatches, m.Start, m.End)
		}
		if !m.Category.Valid() {
			return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidMatches, m.Category)
		}
		prevEnd = m.End
	}
	return spans, nil
}

// uniqueID draws an id that is unused in this run and whose placeholder does
// not already occur in the source text
func (t *Tokenizer) uniqueID(text string, used map[string]TokenRecord, category privacy.PIIType) (string, error) {
	checkText := strings.Contains(text, "<enc:id=")
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := t.newID()
		if _, dup := used[id]; dup {
			continue
		}
		if checkText && strings.Contains(text, Placeholder(id, category)) {
			continue
		}
		return id, nil
	}
	return "", ErrTokenIDExhausted
}

// shortID returns the first 8 hex characters of a random UUID
func shortID() string {
	return uuid.New().String()[:8]
}
