package vault

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/pii-sentinel/internal/logger"
	"github.com/raaihank/pii-sentinel/internal/privacy"
)

type fixedKeySource struct {
	key []byte
}

func (f fixedKeySource) NewKey() ([]byte, error) {
	return append([]byte(nil), f.key...), nil
}

func emailMatch() privacy.Match {
	return privacy.Match{
		Text:       "test@example.com",
		Category:   privacy.PIIEmail,
		Start:      9,
		End:        25,
		Confidence: 0.95,
		Source:     privacy.SourcePattern,
	}
}

func TestTokenize(t *testing.T) {
	log := logger.NewNop()
	text := "Contact: test@example.com today"

	t.Run("SingleEmail", func(t *testing.T) {
		tok := NewTokenizer(log)
		out, meta, err := tok.Tokenize(text, []privacy.Match{emailMatch()})
		require.NoError(t, err)

		assert.Regexp(t, regexp.MustCompile(`^Contact: <enc:id=[0-9a-f]{8};type=email> today$`), out)
		assert.Equal(t, out, meta.TokenizedText)
		assert.Len(t, meta.Key, KeySize)
		require.Len(t, meta.Tokens, 1)

		for id, rec := range meta.Tokens {
			assert.Equal(t, id, rec.ID)
			assert.Equal(t, privacy.PIIEmail, rec.Category)
			assert.Len(t, rec.Nonce, NonceSize)

			aead, err := newAEAD(meta.Algorithm, meta.Key)
			require.NoError(t, err)
			plain, err := aead.Open(nil, rec.Nonce, rec.Cipher, associatedData(id, string(rec.Category)))
			require.NoError(t, err)
			assert.Equal(t, "test@example.com", string(plain))
		}
	})

	t.Run("NoMatches", func(t *testing.T) {
		out, meta, err := NewTokenizer(log).Tokenize(text, nil)
		require.NoError(t, err)
		assert.Equal(t, text, out)
		assert.Empty(t, meta.Tokens)
	})

	t.Run("UnsortedInput", func(t *testing.T) {
		in := "a@b.io and c@d.io"
		matches := []privacy.Match{
			{Text: "c@d.io", Category: privacy.PIIEmail, Start: 11, End: 17},
			{Text: "a@b.io", Category: privacy.PIIEmail, Start: 0, End: 6},
		}
		ids := []string{"aaaaaaaa", "bbbbbbbb"}
		next := 0
		tok := NewTokenizer(log, WithIDGenerator(func() string {
			id := ids[next]
			next++
			return id
		}))

		out, _, err := tok.Tokenize(in, matches)
		require.NoError(t, err)
		assert.Equal(t, "<enc:id=aaaaaaaa;type=email> and <enc:id=bbbbbbbb;type=email>", out)
		assert.Equal(t, "c@d.io", matches[0].Text, "input slice must not be reordered")
	})

	t.Run("InvalidMatches", func(t *testing.T) {
		cases := map[string][]privacy.Match{
			"overlap": {
				{Category: privacy.PIIOther, Start: 0, End: 10},
				{Category: privacy.PIIOther, Start: 5, End: 15},
			},
			"out of range":   {{Category: privacy.PIIOther, Start: 20, End: 40}},
			"empty range":    {{Category: privacy.PIIOther, Start: 3, End: 3}},
			"text mismatch":  {{Text: "nope", Category: privacy.PIIOther, Start: 0, End: 4}},
			"bad category":   {{Category: privacy.PIIType("secret"), Start: 0, End: 4}},
			"negative start": {{Category: privacy.PIIOther, Start: -1, End: 4}},
		}
		for name, matches := range cases {
			t.Run(name, func(t *testing.T) {
				_, meta, err := NewTokenizer(log).Tokenize(text, matches)
				assert.ErrorIs(t, err, ErrInvalidMatches)
				assert.Nil(t, meta)
			})
		}
	})

	t.Run("NonceUniqueness", func(t *testing.T) {
		in := strings.Repeat("x@y.io ", 50)
		var matches []privacy.Match
		for i := 0; i < 50; i++ {
			start := i * 7
			matches = append(matches, privacy.Match{Text: "x@y.io", Category: privacy.PIIEmail, Start: start, End: start + 6})
		}

		_, meta, err := NewTokenizer(log).Tokenize(in, matches)
		require.NoError(t, err)
		require.Len(t, meta.Tokens, 50)

		nonces := make(map[string]bool)
		ciphers := make(map[string]bool)
		for _, rec := range meta.Tokens {
			nonces[string(rec.Nonce)] = true
			ciphers[string(rec.Cipher)] = true
		}
		assert.Len(t, nonces, 50)
		assert.Len(t, ciphers, 50, "identical plaintexts must not produce identical ciphertexts")
	})

	t.Run("IDCollisionRegenerates", func(t *testing.T) {
		in := "a@b.io c@d.io"
		ids := []string{"dup00000", "dup00000", "fresh000"}
		next := 0
		tok := NewTokenizer(log, WithIDGenerator(func() string {
			id := ids[next]
			next++
			return id
		}))
		_, meta, err := tok.Tokenize(in, []privacy.Match{
			{Category: privacy.PIIEmail, Start: 0, End: 6},
			{Category: privacy.PIIEmail, Start: 7, End: 13},
		})
		require.NoError(t, err)
		assert.Contains(t, meta.Tokens, "dup00000")
		assert.Contains(t, meta.Tokens, "fresh000")
	})

	t.Run("PlaceholderAlreadyInText", func(t *testing.T) {
		in := "see <enc:id=taken000;type=email> and a@b.io"
		ids := []string{"taken000", "other000"}
		next := 0
		tok := NewTokenizer(log, WithIDGenerator(func() string {
			id := ids[next]
			next++
			return id
		}))
		out, meta, err := tok.Tokenize(in, []privacy.Match{
			{Category: privacy.PIIEmail, Start: 37, End: 43},
		})
		require.NoError(t, err)
		assert.Contains(t, meta.Tokens, "other000")
		assert.Equal(t, "see <enc:id=taken000;type=email> and <enc:id=other000;type=email>", out)
	})

	t.Run("IDExhausted", func(t *testing.T) {
		tok := NewTokenizer(log, WithIDGenerator(func() string { return "same0000" }))
		_, _, err := tok.Tokenize("a@b.io c@d.io", []privacy.Match{
			{Category: privacy.PIIEmail, Start: 0, End: 6},
			{Category: privacy.PIIEmail, Start: 7, End: 13},
		})
		assert.ErrorIs(t, err, ErrTokenIDExhausted)
	})

	t.Run("NonceReaderFailure", func(t *testing.T) {
		tok := NewTokenizer(log, WithNonceReader(bytes.NewReader(nil)))
		_, _, err := tok.Tokenize(text, []privacy.Match{emailMatch()})
		assert.Error(t, err)
	})
}

func TestDetokenize(t *testing.T) {
	log := logger.NewNop()
	det := NewDetokenizer(log)
	text := "Contact: test@example.com today"

	for _, alg := range []Algorithm{AlgorithmAESGCM, AlgorithmChaCha20Poly1305} {
		t.Run("RoundTrip/"+string(alg), func(t *testing.T) {
			in := "Name: Siti, IC 900101-14-5678, phone 012-3456789, café ☕ mail siti@example.my"
			matches := []privacy.Match{
				{Category: privacy.PIIName, Start: 6, End: 10},
				{Category: privacy.PIINationalID, Start: 15, End: 29},
				{Category: privacy.PIIPhone, Start: 37, End: 48},
				{Category: privacy.PIIEmail, Start: strings.Index(in, "siti@"), End: len(in)},
			}

			out, meta, err := NewTokenizer(log, WithAlgorithm(alg)).Tokenize(in, matches)
			require.NoError(t, err)
			assert.NotContains(t, out, "900101-14-5678")
			assert.Equal(t, alg, meta.Algorithm)

			res, err := det.Detokenize(out, meta, meta.Key)
			require.NoError(t, err)
			assert.Equal(t, in, res.Text)
			assert.Empty(t, res.Failed)
			assert.Empty(t, res.Missing)
		})
	}

	t.Run("WrongKey", func(t *testing.T) {
		out, meta, err := NewTokenizer(log).Tokenize(text, []privacy.Match{emailMatch()})
		require.NoError(t, err)

		wrong := bytes.Repeat([]byte{0x42}, KeySize)
		res, err := det.Detokenize(out, meta, wrong)
		assert.ErrorIs(t, err, ErrInvalidKey)
		assert.Equal(t, out, res.Text)
		assert.Len(t, res.Failed, 1)
	})

	t.Run("WrongKeyLength", func(t *testing.T) {
		out, meta, err := NewTokenizer(log).Tokenize(text, []privacy.Match{emailMatch()})
		require.NoError(t, err)

		res, err := det.Detokenize(out, meta, []byte("short"))
		assert.ErrorIs(t, err, ErrInvalidKey)
		assert.Equal(t, out, res.Text)
	})

	t.Run("PartialFailure", func(t *testing.T) {
		in := "a@b.io and c@d.io"
		ids := []string{"first000", "second00"}
		next := 0
		tok := NewTokenizer(log, WithIDGenerator(func() string {
			id := ids[next]
			next++
			return id
		}))
		out, meta, err := tok.Tokenize(in, []privacy.Match{
			{Category: privacy.PIIEmail, Start: 0, End: 6},
			{Category: privacy.PIIEmail, Start: 11, End: 17},
		})
		require.NoError(t, err)

		rec := meta.Tokens["second00"]
		rec.Cipher = append([]byte(nil), rec.Cipher...)
		rec.Cipher[0] ^= 0xff
		meta.Tokens["second00"] = rec

		res, err := det.Detokenize(out, meta, meta.Key)
		require.NoError(t, err)
		assert.Equal(t, "a@b.io and <enc:id=second00;type=email>", res.Text)
		assert.Equal(t, []string{"second00"}, res.Failed)
	})

	t.Run("SwappedCiphertextsRejected", func(t *testing.T) {
		in := "a@b.io and c@d.io"
		ids := []string{"first000", "second00"}
		next := 0
		tok := NewTokenizer(log, WithIDGenerator(func() string {
			id := ids[next]
			next++
			return id
		}))
		out, meta, err := tok.Tokenize(in, []privacy.Match{
			{Category: privacy.PIIEmail, Start: 0, End: 6},
			{Category: privacy.PIIEmail, Start: 11, End: 17},
		})
		require.NoError(t, err)

		a, b := meta.Tokens["first000"], meta.Tokens["second00"]
		a.Cipher, b.Cipher = b.Cipher, a.Cipher
		a.Nonce, b.Nonce = b.Nonce, a.Nonce
		meta.Tokens["first000"], meta.Tokens["second00"] = a, b

		res, err := det.Detokenize(out, meta, meta.Key)
		assert.ErrorIs(t, err, ErrInvalidKey)
		assert.Equal(t, out, res.Text)
		assert.ElementsMatch(t, []string{"first000", "second00"}, res.Failed)
	})

	t.Run("MissingPlaceholder", func(t *testing.T) {
		out, meta, err := NewTokenizer(log).Tokenize(text, []privacy.Match{emailMatch()})
		require.NoError(t, err)

		var id string
		for k := range meta.Tokens {
			id = k
		}
		edited := strings.Replace(out, Placeholder(id, privacy.PIIEmail), "[removed]", 1)

		res, err := det.Detokenize(edited, meta, meta.Key)
		require.NoError(t, err)
		assert.Equal(t, "Contact: [removed] today", res.Text)
		assert.Equal(t, []string{id}, res.Missing)
	})

	t.Run("PlaintextNotRescanned", func(t *testing.T) {
		in := "x <enc:id=inner000;type=email> y"
		tok := NewTokenizer(log, WithIDGenerator(func() string { return "outer000" }))
		out, meta, err := tok.Tokenize(in, []privacy.Match{
			{Category: privacy.PIIOther, Start: 2, End: 30},
		})
		require.NoError(t, err)
		meta.Tokens["inner000"] = TokenRecord{ID: "inner000", Category: privacy.PIIEmail}

		res, err := det.Detokenize(out, meta, meta.Key)
		require.NoError(t, err)
		assert.Equal(t, in, res.Text)
		assert.Equal(t, []string{"inner000"}, res.Missing)
	})

	t.Run("PlaceholderLikePrefixes", func(t *testing.T) {
		inputs := []string{
			"<enc:id=x;type=test@example.com end",
			"note <enc:id=a;type=b test@example.com end",
			"<enc:id=<enc:id=;type=test@example.com> <",
		}
		for _, in := range inputs {
			start := strings.Index(in, "test@example.com")
			out, meta, err := NewTokenizer(log).Tokenize(in, []privacy.Match{
				{Category: privacy.PIIEmail, Start: start, End: start + len("test@example.com")},
			})
			require.NoError(t, err, in)

			res, err := det.Detokenize(out, meta, meta.Key)
			require.NoError(t, err, in)
			assert.Equal(t, in, res.Text)
			assert.Empty(t, res.Missing, in)
			assert.Empty(t, res.Failed, in)
		}
	})

	t.Run("RepeatedPlaceholderRestoredEverywhere", func(t *testing.T) {
		out, meta, err := NewTokenizer(log).Tokenize(text, []privacy.Match{emailMatch()})
		require.NoError(t, err)

		res, err := det.Detokenize(out+" / "+out, meta, meta.Key)
		require.NoError(t, err)
		assert.Equal(t, text+" / "+text, res.Text)
	})

	t.Run("NilMetadata", func(t *testing.T) {
		res, err := det.Detokenize("abc", nil, make([]byte, KeySize))
		assert.True(t, errors.Is(err, ErrMissingMetadata))
		assert.Equal(t, "abc", res.Text)
	})
}

func TestMetadataWithoutKey(t *testing.T) {
	_, meta, err := NewTokenizer(logger.NewNop(), WithKeySource(fixedKeySource{key: bytes.Repeat([]byte{1}, KeySize)})).
		Tokenize("Contact: test@example.com today", []privacy.Match{emailMatch()})
	require.NoError(t, err)

	stored := meta.WithoutKey()
	assert.Nil(t, stored.Key)
	assert.Equal(t, meta.TokenizedText, stored.TokenizedText)
	assert.Len(t, stored.Tokens, 1)
	assert.Equal(t, bytes.Repeat([]byte{1}, KeySize), meta.Key, "original keeps its key")
}

func TestParseAlgorithm(t *testing.T) {
	for in, want := range map[string]Algorithm{
		"":                  AlgorithmAESGCM,
		"aes-256-gcm":       AlgorithmAESGCM,
		"chacha20-poly1305": AlgorithmChaCha20Poly1305,
	} {
		got, err := ParseAlgorithm(in)
		require.NoError(t, err, fmt.Sprintf("algorithm %q", in))
		assert.Equal(t, want, got)
	}

	_, err := ParseAlgorithm("rot13")
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}
