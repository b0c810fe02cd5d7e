package vault

import (
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/logger"
)

// ErrMissingMetadata is returned when no metadata accompanies tokenized text
var ErrMissingMetadata = errors.New("tokenization metadata is required")

// Restoration is the result of a detokenization run
type Restoration struct {
	Text    string   `json:"text"`
	Failed  []string `json:"failed_tokens"`
	Missing []string `json:"missing_tokens"`
}

// Detokenizer restores tokenized text using its metadata and key
type Detokenizer struct {
	logger *logger.Logger
}

// NewDetokenizer creates a detokenizer
func NewDetokenizer(log *logger.Logger) *Detokenizer {
	return &Detokenizer{logger: log}
}

// Detokenize replaces every placeholder that belongs to meta with its
// decrypted value. Placeholders are located by their exact rendering and
// substituted in one pass, so restored values are never rescanned. A token that fails
// authentication keeps its placeholder and is listed in Failed. When every
// attempted decryption fails the key is considered wrong: ErrInvalidKey is
// returned and the text comes back unchanged.
func (d *Detokenizer) Detokenize(tokenizedText string, meta *Metadata, key []byte) (*Restoration, error) {
	unchanged := &Restoration{Text: tokenizedText, Failed: []string{}, Missing: []string{}}
	if meta == nil {
		return unchanged, ErrMissingMetadata
	}

	aead, err := newAEAD(meta.Algorithm, key)
	if err != nil {
		return unchanged, err
	}

	type occurrence struct {
		start, end int
		plaintext  []byte
	}

	var (
		attempted   int
		seen        = make(map[string]bool, len(meta.Tokens))
		failed      = []string{}
		occurrences []occurrence
	)

	ids := make([]string, 0, len(meta.Tokens))
	for id := range meta.Tokens {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rec := meta.Tokens[id]
		placeholder := Placeholder(id, rec.Category)

		var found []int
		for offset := 0; ; {
			i := strings.Index(tokenizedText[offset:], placeholder)
			if i < 0 {
				break
			}
			found = append(found, offset+i)
			offset += i + len(placeholder)
		}
		if len(found) == 0 {
			continue
		}
		seen[id] = true
		attempted++

		var plaintext []byte
		if len(rec.Nonce) == aead.NonceSize() {
			plaintext, err = aead.Open(nil, rec.Nonce, rec.Cipher, associatedData(id, string(rec.Category)))
		} else {
			err = errors.New("nonce has wrong length")
		}
		if err != nil {
			d.logger.Warn("Token failed authentication, leaving placeholder in place",
				zap.String("token_id", id),
				zap.String("category", string(rec.Category)),
				zap.Error(err),
			)
			failed = append(failed, id)
			continue
		}

		for _, start := range found {
			occurrences = append(occurrences, occurrence{start: start, end: start + len(placeholder), plaintext: plaintext})
		}
	}

	// placeholders hold a single '<', so occurrences of distinct ids never overlap
	sort.Slice(occurrences, func(i, j int) bool { return occurrences[i].start < occurrences[j].start })

	var (
		out      strings.Builder
		cursor   int
		restored = attempted - len(failed)
	)
	out.Grow(len(tokenizedText))
	for _, occ := range occurrences {
		out.WriteString(tokenizedText[cursor:occ.start])
		out.Write(occ.plaintext)
		cursor = occ.end
	}

	if attempted > 0 && restored == 0 {
		unchanged.Failed = failed
		return unchanged, ErrInvalidKey
	}

	out.WriteString(tokenizedText[cursor:])

	missing := []string{}
	for id := range meta.Tokens {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)

	d.logger.Debug("Text detokenized",
		zap.Int("restored", restored),
		zap.Int("failed", len(failed)),
		zap.Int("missing", len(missing)),
	)

	return &Restoration{
		Text:    out.String(),
		Failed:  failed,
		Missing: missing,
	}, nil
}
