package privacy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/pii-sentinel/internal/logger"
)

type stubGenerator struct {
	mu       sync.Mutex
	response string
	err      error
	prompts  []string
	delay    time.Duration
}

func (g *stubGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()

	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return g.response, g.err
}

func (g *stubGenerator) Model() string { return "stub" }

func (g *stubGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func TestModelDetector(t *testing.T) {
	log := logger.NewNop()
	text := "My name is Ali bin Abu and I live in Kuala Lumpur."

	t.Run("ValidSpans", func(t *testing.T) {
		gen := &stubGenerator{response: `Sure! {"pii_found":[
			{"text":"Ali bin Abu","type":"name","start_position":11,"end_position":22,"confidence":0.92},
			{"text":"Kuala Lumpur","type":"location","start_position":37,"end_position":49}
		]} hope that helps`}
		d := NewModelDetector(gen, log)

		matches := d.Detect(context.Background(), text)
		require.Len(t, matches, 2)
		assert.Equal(t, PIIName, matches[0].Category)
		assert.Equal(t, "Ali bin Abu", matches[0].Text)
		assert.InDelta(t, 0.92, matches[0].Confidence, 1e-9)
		assert.Equal(t, SourceModel, matches[0].Source)

		assert.Equal(t, PIIAddress, matches[1].Category)
		assert.InDelta(t, 0.5, matches[1].Confidence, 1e-9)
		for _, m := range matches {
			assert.True(t, m.ValidIn(text))
		}
	})

	t.Run("RelocatesMisreportedOffsets", func(t *testing.T) {
		gen := &stubGenerator{response: `{"pii_found":[{"text":"Kuala Lumpur","type":"address","start_position":30,"end_position":42,"confidence":0.8}]}`}
		matches := NewModelDetector(gen, log).Detect(context.Background(), text)
		require.Len(t, matches, 1)
		assert.Equal(t, 37, matches[0].Start)
		assert.Equal(t, 49, matches[0].End)
	})

	t.Run("RuneOffsets", func(t *testing.T) {
		multibyte := "Café owner: Zoë Tan"
		gen := &stubGenerator{response: `{"pii_found":[{"text":"Zoë Tan","type":"name","start_position":12,"end_position":19,"confidence":0.9}]}`}
		matches := NewModelDetector(gen, log).Detect(context.Background(), multibyte)
		require.Len(t, matches, 1)
		assert.Equal(t, "Zoë Tan", multibyte[matches[0].Start:matches[0].End])
	})

	t.Run("DropsHallucinatedSpans", func(t *testing.T) {
		gen := &stubGenerator{response: `{"pii_found":[{"text":"Siti Aminah","type":"name","start_position":0,"end_position":11,"confidence":0.99},{"text":"","type":"name"}]}`}
		assert.Empty(t, NewModelDetector(gen, log).Detect(context.Background(), text))
	})

	t.Run("ClampsConfidence", func(t *testing.T) {
		gen := &stubGenerator{response: `{"pii_found":[{"text":"Ali bin Abu","type":"name","confidence":7}]}`}
		matches := NewModelDetector(gen, log).Detect(context.Background(), text)
		require.Len(t, matches, 1)
		assert.Equal(t, 1.0, matches[0].Confidence)
	})

	t.Run("MalformedResponse", func(t *testing.T) {
		for _, resp := range []string{"I found nothing", `{"pii_found": [`, `} backwards {`} {
			gen := &stubGenerator{response: resp}
			matches := NewModelDetector(gen, log).Detect(context.Background(), text)
			assert.NotNil(t, matches, resp)
			assert.Empty(t, matches, resp)
		}
	})

	t.Run("GeneratorError", func(t *testing.T) {
		gen := &stubGenerator{err: errors.New("connection refused")}
		matches := NewModelDetector(gen, log).Detect(context.Background(), text)
		assert.NotNil(t, matches)
		assert.Empty(t, matches)
	})

	t.Run("Timeout", func(t *testing.T) {
		gen := &stubGenerator{response: `{"pii_found":[]}`, delay: time.Second}
		start := time.Now()
		matches := NewModelDetector(gen, log, WithTimeout(20*time.Millisecond)).Detect(context.Background(), text)
		assert.Empty(t, matches)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})

	t.Run("SampleLimit", func(t *testing.T) {
		gen := &stubGenerator{response: `{"pii_found":[{"text":"Kuala Lumpur","type":"address"}]}`}
		d := NewModelDetector(gen, log, WithSampleLimit(22))

		assert.Empty(t, d.Detect(context.Background(), text))
		require.Equal(t, 1, gen.calls())
		assert.Contains(t, gen.prompts[0], `"""My name is Ali bin Abu"""`)
	})

	t.Run("EmptyTextSkipsModel", func(t *testing.T) {
		gen := &stubGenerator{}
		assert.Empty(t, NewModelDetector(gen, log).Detect(context.Background(), "  \n "))
		assert.Equal(t, 0, gen.calls())
	})

	t.Run("Cache", func(t *testing.T) {
		gen := &stubGenerator{response: `{"pii_found":[{"text":"Ali bin Abu","type":"name","confidence":0.9}]}`}
		cache := &mapCache{data: map[string][]byte{}}
		d := NewModelDetector(gen, log, WithCache(cache))

		first := d.Detect(context.Background(), text)
		second := d.Detect(context.Background(), text)
		assert.Equal(t, first, second)
		assert.Equal(t, 1, gen.calls())
		assert.Len(t, cache.data, 1)
	})
}

func TestLocateSpan(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	sample := "id 123, again id 123"

	t.Run("PicksOccurrenceNearestHint", func(t *testing.T) {
		start, end, ok := locateSpan(sample, ReportedSpan{Text: "123", Start: f(15), End: f(18)}, 256)
		require.True(t, ok)
		assert.Equal(t, 17, start)
		assert.Equal(t, 20, end)
	})

	t.Run("OutsideWindow", func(t *testing.T) {
		_, _, ok := locateSpan(sample, ReportedSpan{Text: "123", Start: f(10), End: f(13)}, 0)
		assert.False(t, ok)
	})

	t.Run("NoOffsets", func(t *testing.T) {
		start, _, ok := locateSpan(sample, ReportedSpan{Text: "again"}, 256)
		require.True(t, ok)
		assert.Equal(t, 8, start)
	})
}

func TestParseResponse(t *testing.T) {
	spans, err := ParseResponse("prefix {\"pii_found\":[{\"text\":\"x\",\"type\":\"email\"}]} suffix")
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "x", spans[0].Text)
	assert.Nil(t, spans[0].Confidence)

	_, err = ParseResponse("no braces here")
	assert.ErrorIs(t, err, ErrNoJSONObject)

	_, err = ParseResponse("{not json}")
	assert.Error(t, err)
}

func TestParseCategory(t *testing.T) {
	tests := map[string]PIIType{
		"email":           PIIEmail,
		"Phone Number":    PIIPhone,
		"NRIC":            PIINationalID,
		"credit-card":     PIICreditCard,
		"ip_address":      PIIIPAddress,
		"date_of_birth":   PIIDateOfBirth,
		"drivers license": PIIDriverLicense,
		"race":            PIIEthnicity,
		"religion":        PIIReligion,
		"favourite_color": PIIOther,
		"":                PIIOther,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseCategory(in), in)
	}
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "héll", TruncateRunes("héllo", 4))
	assert.Equal(t, "héllo", TruncateRunes("héllo", 10))
	assert.Equal(t, "héllo", TruncateRunes("héllo", 0))
	assert.True(t, strings.HasPrefix(BuildPrompt("abc"), "You review documents"))
}
