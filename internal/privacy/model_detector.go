package privacy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/raaihank/pii-sentinel/internal/logger"
	"go.uber.org/zap"
)

const (
	// DefaultSampleLimit bounds the number of runes sent to the model
	DefaultSampleLimit = 2000

	// DefaultRelocationWindow is how far (in bytes) around a reported offset
	// the detector searches for a reported span that did not line up
	DefaultRelocationWindow = 256

	// defaultModelConfidence is used when the model omits a score
	defaultModelConfidence = 0.5

	// maxLoggedResponse caps how much of a malformed reply is logged
	maxLoggedResponse = 500
)

var (
	// ErrNoJSONObject is returned when a reply contains no {...} block
	ErrNoJSONObject = errors.New("no JSON object in model response")
)

// Generator is the external text-generation service
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Model() string
}

// ResponseCache stores validated model findings keyed by sample hash
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// ModelDetector asks a generative model to enumerate PII spans
type ModelDetector struct {
	generator   Generator
	cache       ResponseCache
	logger      *logger.Logger
	sampleLimit int
	window      int
	timeout     time.Duration
}

// ModelOption configures a ModelDetector
type ModelOption func(*ModelDetector)

// WithSampleLimit overrides the number of runes submitted to the model
func WithSampleLimit(limit int) ModelOption {
	return func(d *ModelDetector) {
		if limit > 0 {
			d.sampleLimit = limit
		}
	}
}

// WithRelocationWindow overrides the search window for misreported offsets
func WithRelocationWindow(window int) ModelOption {
	return func(d *ModelDetector) {
		if window >= 0 {
			d.window = window
		}
	}
}

// WithTimeout bounds the generation call
func WithTimeout(timeout time.Duration) ModelOption {
	return func(d *ModelDetector) { d.timeout = timeout }
}

// WithCache enables response caching
func WithCache(cache ResponseCache) ModelOption {
	return func(d *ModelDetector) { d.cache = cache }
}

// NewModelDetector creates a model-backed detector
func NewModelDetector(generator Generator, log *logger.Logger, opts ...ModelOption) *ModelDetector {
	d := &ModelDetector{
		generator:   generator,
		logger:      log,
		sampleLimit: DefaultSampleLimit,
		window:      DefaultRelocationWindow,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect submits a bounded prefix of text to the model and returns the spans
// it reports, after verifying each against the text. Any failure of the
// external service or of its reply yields an empty result.
func (d *ModelDetector) Detect(ctx context.Context, text string) []Match {
	sample := TruncateRunes(text, d.sampleLimit)
	if strings.TrimSpace(sample) == "" {
		return []Match{}
	}

	cacheKey := d.cacheKey(sample)
	if cached, ok := d.fromCache(ctx, cacheKey); ok {
		return cached
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	response, err := d.generator.Generate(ctx, BuildPrompt(sample))
	if err != nil {
		d.logger.Warn("Model detector unavailable, continuing without model results",
			zap.String("model", d.generator.Model()),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return []Match{}
	}

	reported, err := ParseResponse(response)
	if err != nil {
		d.logger.Warn("Discarding malformed model response",
			zap.String("model", d.generator.Model()),
			zap.String("raw_response", truncateForLog(response)),
			zap.Error(err),
		)
		return []Match{}
	}

	matches := d.validate(sample, reported)

	d.logger.Debug("Model detection completed",
		zap.String("model", d.generator.Model()),
		zap.Int("reported", len(reported)),
		zap.Int("accepted", len(matches)),
		zap.Duration("duration", time.Since(start)),
	)

	d.toCache(ctx, cacheKey, matches)
	return matches
}

// ReportedSpan is one element of the model's pii_found array
type ReportedSpan struct {
	Text       string   `json:"text"`
	Type       string   `json:"type"`
	Start      *float64 `json:"start_position"`
	End        *float64 `json:"end_position"`
	Confidence *float64 `json:"confidence"`
}

type modelReply struct {
	PIIFound []ReportedSpan `json:"pii_found"`
}

// ParseResponse extracts the substring between the first '{' and the last
// '}' of a reply and decodes it
func ParseResponse(response string) ([]ReportedSpan, error) {
	first := strings.Index(response, "{")
	last := strings.LastIndex(response, "}")
	if first == -1 || last == -1 || last < first {
		return nil, ErrNoJSONObject
	}

	var reply modelReply
	if err := json.Unmarshal([]byte(response[first:last+1]), &reply); err != nil {
		return nil, fmt.Errorf("failed to decode model response: %w", err)
	}
	return reply.PIIFound, nil
}

// ParseCategory maps an external category string onto the closed tag set.
// Unrecognised strings map to PIIOther.
func ParseCategory(s string) PIIType {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)

	switch normalized {
	case "email", "email_address":
		return PIIEmail
	case "phone", "phone_number", "telephone", "mobile":
		return PIIPhone
	case "nric", "ic", "national_id", "ssn":
		return PIINationalID
	case "credit_card", "card_number":
		return PIICreditCard
	case "ip", "ip_address":
		return PIIIPAddress
	case "passport", "passport_number":
		return PIIPassport
	case "name", "full_name", "person":
		return PIIName
	case "address", "location":
		return PIIAddress
	case "date_of_birth", "dob", "birth_date", "age":
		return PIIDateOfBirth
	case "driver_license", "drivers_license", "driving_license":
		return PIIDriverLicense
	case "bank_account", "account_number":
		return PIIBankAccount
	case "religion":
		return PIIReligion
	case "ethnicity", "race":
		return PIIEthnicity
	default:
		return PIIOther
	}
}

// validate converts reported spans into matches whose offsets have been
// checked against sample. Spans that cannot be located are dropped.
func (d *ModelDetector) validate(sample string, reported []ReportedSpan) []Match {
	matches := make([]Match, 0, len(reported))
	for _, span := range reported {
		if span.Text == "" {
			continue
		}

		start, end, ok := locateSpan(sample, span, d.window)
		if !ok {
			d.logger.Debug("Rejecting model span with unverifiable offsets",
				zap.String("category", string(ParseCategory(span.Type))),
				zap.Int("length", len(span.Text)),
			)
			continue
		}

		confidence := defaultModelConfidence
		if span.Confidence != nil {
			confidence = clamp01(*span.Confidence)
		}

		matches = append(matches, Match{
			Text:       sample[start:end],
			Category:   ParseCategory(span.Type),
			Start:      start,
			End:        end,
			Confidence: confidence,
			Source:     SourceModel,
		})
	}
	return matches
}

// locateSpan returns byte offsets of span.Text in sample. Reported offsets
// are tried as byte offsets, then as rune offsets, then the text is searched
// for within window bytes of the reported start.
func locateSpan(sample string, span ReportedSpan, window int) (int, int, bool) {
	hint := 0
	if span.Start != nil && span.End != nil {
		start, end := int(*span.Start), int(*span.End)
		if start >= 0 && start < end && end <= len(sample) && sample[start:end] == span.Text {
			return start, end, true
		}

		if bs, ok := runeToByteOffset(sample, start); ok {
			if be, ok := runeToByteOffset(sample, end); ok && bs < be && sample[bs:be] == span.Text {
				return bs, be, true
			}
		}
		hint = start
	}

	if hint < 0 {
		hint = 0
	}
	if hint > len(sample) {
		hint = len(sample)
	}

	lo := hint - window
	if lo < 0 {
		lo = 0
	}
	hi := hint + window + len(span.Text)
	if hi > len(sample) {
		hi = len(sample)
	}

	best := -1
	region := sample[lo:hi]
	for offset := 0; offset <= len(region); {
		idx := strings.Index(region[offset:], span.Text)
		if idx == -1 {
			break
		}
		pos := lo + offset + idx
		if best == -1 || abs(pos-hint) < abs(best-hint) {
			best = pos
		}
		offset += idx + 1
	}

	if best == -1 {
		return 0, 0, false
	}
	return best, best + len(span.Text), true
}

// runeToByteOffset converts a rune index into a byte index of s
func runeToByteOffset(s string, runeIdx int) (int, bool) {
	if runeIdx < 0 {
		return 0, false
	}
	count := 0
	for i := range s {
		if count == runeIdx {
			return i, true
		}
		count++
	}
	if count == runeIdx {
		return len(s), true
	}
	return 0, false
}

// TruncateRunes returns the prefix of s holding at most limit runes
func TruncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}

// BuildPrompt renders the instruction sent to the model
func BuildPrompt(sample string) string {
	var b strings.Builder
	b.WriteString("You review documents for personal data. List every piece of personally identifiable information in the text below.\n\n")
	b.WriteString("Text:\n\"\"\"")
	b.WriteString(sample)
	b.WriteString("\"\"\"\n\n")
	b.WriteString("Look for: full names, home or postal addresses, dates of birth or ages, national identity numbers (NRIC/IC), ")
	b.WriteString("passport numbers, driver license numbers, bank account and credit card numbers, phone numbers, email addresses, ")
	b.WriteString("IP addresses, religious affiliation, ethnicity, and any other personal identifier.\n")
	b.WriteString("Ignore company names, generic terms, system messages and placeholders.\n\n")
	b.WriteString("Answer with JSON only, in exactly this shape:\n")
	b.WriteString(`{"pii_found":[{"text":"exact substring","type":"name|address|date_of_birth|driver_license|passport|bank_account|credit_card|email|phone|nric|ip_address|ethnicity|religion|other","start_position":0,"end_position":0,"confidence":0.0}]}`)
	b.WriteString("\nstart_position and end_position are character offsets into the text; confidence is between 0 and 1.\n")
	return b.String()
}

func (d *ModelDetector) cacheKey(sample string) string {
	h := sha256.New()
	h.Write([]byte(d.generator.Model()))
	h.Write([]byte{0})
	h.Write([]byte(sample))
	return hex.EncodeToString(h.Sum(nil))
}

func (d *ModelDetector) fromCache(ctx context.Context, key string) ([]Match, bool) {
	if d.cache == nil {
		return nil, false
	}
	data, ok, err := d.cache.Get(ctx, key)
	if err != nil {
		d.logger.Warn("Model response cache lookup failed", zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var matches []Match
	if err := json.Unmarshal(data, &matches); err != nil {
		d.logger.Warn("Ignoring corrupt cached model response", zap.Error(err))
		return nil, false
	}
	return matches, true
}

func (d *ModelDetector) toCache(ctx context.Context, key string, matches []Match) {
	if d.cache == nil {
		return
	}
	data, err := json.Marshal(matches)
	if err != nil {
		return
	}
	if err := d.cache.Set(ctx, key, data); err != nil {
		d.logger.Warn("Failed to cache model response", zap.Error(err))
	}
}

func truncateForLog(s string) string {
	if len(s) <= maxLoggedResponse {
		return s
	}
	return strings.ToValidUTF8(s[:maxLoggedResponse], "") + "..."
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
