// Package pipeline wires the detectors, the aggregator and the vault into the
// operations the service exposes. Dependencies are injected at construction
// so every collaborator can be replaced in tests.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raaihank/pii-sentinel/internal/logger"
	"github.com/raaihank/pii-sentinel/internal/privacy"
	"github.com/raaihank/pii-sentinel/internal/store"
	"github.com/raaihank/pii-sentinel/internal/vault"
	"github.com/raaihank/pii-sentinel/internal/websocket"
)

var (
	// ErrTextNotFound is returned when a document has no extracted text or the
	// supplied text is empty
	ErrTextNotFound = errors.New("text not found")
	// ErrAlreadyRunning is returned when another run holds the document lock
	ErrAlreadyRunning = errors.New("detection already running for this document version")
	// ErrStoreUnavailable is returned by document operations without a store
	ErrStoreUnavailable = errors.New("document store is not configured")
	// ErrInvalidThreshold is returned for thresholds outside [0,1]
	ErrInvalidThreshold = errors.New("threshold must be between 0 and 1")
)

// PatternDetector finds spans with deterministic rules
type PatternDetector interface {
	Detect(text string) []privacy.Match
}

// ModelDetector finds spans with an external model. It degrades to an empty
// result on failure.
type ModelDetector interface {
	Detect(ctx context.Context, text string) []privacy.Match
}

// Store is the persistence the document operations need
type Store interface {
	GetExtractedText(ctx context.Context, documentID string, version int) (*store.ExtractedText, error)
	SavePIIResult(ctx context.Context, result *store.PIIResult) error
	GetPIIResult(ctx context.Context, documentID string) (*store.PIIResult, error)
	SaveTokenized(ctx context.Context, artifact *store.TokenizedArtifact) error
	GetTokenized(ctx context.Context, documentID string) (*store.TokenizedArtifact, error)
	LogActivity(ctx context.Context, activity *store.Activity) error
	ListActivity(ctx context.Context, documentID string, limit int) ([]*store.Activity, error)
}

// Locker provides at-most-one run per key
type Locker interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Notifier receives events for review UIs
type Notifier interface {
	BroadcastEvent(event websocket.Event)
}

// Result is the outcome of one detection run
type Result struct {
	Matches      []privacy.Match `json:"matches"`
	Summary      privacy.Summary `json:"summary"`
	PatternCount int             `json:"pattern_candidates"`
	ModelCount   int             `json:"model_candidates"`
	ModelUsed    string          `json:"model_used,omitempty"`
	Duration     time.Duration   `json:"duration"`
}

// Pipeline runs detection and tokenization with injected collaborators
type Pipeline struct {
	patterns    PatternDetector
	model       ModelDetector
	modelName   string
	threshold   atomic.Uint64
	tokenizer   *vault.Tokenizer
	detokenizer *vault.Detokenizer
	store       Store
	locker      Locker
	notifier    Notifier
	logger      *logger.Logger
	runTimeout  time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithModelDetector enables the model detector under the given model name
func WithModelDetector(detector ModelDetector, modelName string) Option {
	return func(p *Pipeline) {
		p.model = detector
		p.modelName = modelName
	}
}

// WithThreshold sets the initial aggregation threshold
func WithThreshold(threshold float64) Option {
	return func(p *Pipeline) { p.threshold.Store(math.Float64bits(threshold)) }
}

// WithTokenizer replaces the default tokenizer
func WithTokenizer(t *vault.Tokenizer) Option {
	return func(p *Pipeline) { p.tokenizer = t }
}

// WithStore enables the document operations
func WithStore(s Store) Option {
	return func(p *Pipeline) { p.store = s }
}

// WithLocker replaces the in-process run lock
func WithLocker(l Locker) Option {
	return func(p *Pipeline) { p.locker = l }
}

// WithNotifier sets where detection and tokenization events are sent
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// WithRunTimeout bounds a background document run. Non-positive values
// keep the default.
func WithRunTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.runTimeout = d
		}
	}
}

// New creates a pipeline around a pattern detector
func New(patterns PatternDetector, log *logger.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		patterns:   patterns,
		logger:     log.WithComponent("pipeline"),
		locker:     newMemoryLocker(),
		runTimeout: 5 * time.Minute,
	}
	p.threshold.Store(math.Float64bits(privacy.DefaultThreshold))

	for _, opt := range opts {
		opt(p)
	}

	if p.tokenizer == nil {
		p.tokenizer = vault.NewTokenizer(log)
	}
	p.detokenizer = vault.NewDetokenizer(log)
	p.baseCtx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Threshold returns the current aggregation threshold
func (p *Pipeline) Threshold() float64 {
	return math.Float64frombits(p.threshold.Load())
}

// SetThreshold changes the aggregation threshold for subsequent runs
func (p *Pipeline) SetThreshold(threshold float64) error {
	if threshold < 0 || threshold > 1 || math.IsNaN(threshold) {
		return ErrInvalidThreshold
	}
	p.threshold.Store(math.Float64bits(threshold))
	return nil
}

// ModelName returns the model in use, or "" when the model detector is off
func (p *Pipeline) ModelName() string {
	if p.model == nil {
		return ""
	}
	return p.modelName
}

// Detect runs both detectors over text concurrently and aggregates their
// findings
func (p *Pipeline) Detect(ctx context.Context, text string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrTextNotFound
	}

	start := time.Now()
	var patternMatches, modelMatches []privacy.Match

	g, gctx := errgroup.WithContext(ctx)
	if p.model != nil {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("Model detector panicked, continuing with pattern results", zap.Any("panic", r))
					modelMatches = nil
				}
			}()
			modelMatches = p.model.Detect(gctx, text)
			return nil
		})
	}
	patternMatches = p.patterns.Detect(text)
	if err := g.Wait(); err != nil {
		return nil, err
	}

	matches := privacy.Aggregate(patternMatches, modelMatches, p.Threshold())

	return &Result{
		Matches:      matches,
		Summary:      privacy.Summarize(matches),
		PatternCount: len(patternMatches),
		ModelCount:   len(modelMatches),
		ModelUsed:    p.ModelName(),
		Duration:     time.Since(start),
	}, nil
}

// ProcessDocument detects PII in a stored document version (0 = latest) and
// persists the result. The version is resolved before locking, so only one
// run per concrete document version proceeds at a time.
func (p *Pipeline) ProcessDocument(ctx context.Context, documentID string, version int) (*Result, error) {
	if p.store == nil {
		return nil, ErrStoreUnavailable
	}

	log := p.logger.WithDocumentID(documentID)

	extracted, err := p.store.GetExtractedText(ctx, documentID, version)
	if errors.Is(err, store.ErrNotFound) {
		err = fmt.Errorf("%w: %v", ErrTextNotFound, err)
	}
	if err != nil {
		p.fail(ctx, log, documentID, version, err)
		return nil, err
	}
	version = extracted.Version
	lockKey := fmt.Sprintf("%s:%d", documentID, version)

	acquired, err := p.locker.Acquire(ctx, lockKey)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !acquired {
		log.Info("Detection already in progress, skipping", zap.Int("version", version))
		p.recordActivity(ctx, store.ActivityDetectionSkipped, documentID, true, map[string]interface{}{"version": version})
		p.notifyDetection(documentID, version, "skipped", nil, nil)
		return nil, ErrAlreadyRunning
	}
	defer func() {
		// release even if ctx has expired
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.locker.Release(releaseCtx, lockKey); err != nil {
			log.Warn("Failed to release run lock", zap.Error(err))
		}
	}()

	p.recordActivity(ctx, store.ActivityDetectionStarted, documentID, true, map[string]interface{}{"version": version})

	result, err := p.processLocked(ctx, extracted)
	if err != nil {
		p.fail(ctx, log, documentID, version, err)
		return nil, err
	}

	log.LogDetection(result.Summary.Total, categoryCounts(result.Summary), result.Summary.HighConfidenceCount, result.ModelUsed != "")
	p.recordActivity(ctx, store.ActivityDetectionCompleted, documentID, true, map[string]interface{}{
		"version":               version,
		"total":                 result.Summary.Total,
		"high_confidence_count": result.Summary.HighConfidenceCount,
		"duration_ms":           result.Duration.Milliseconds(),
	})
	p.notifyDetection(documentID, version, "completed", result, nil)

	return result, nil
}

func (p *Pipeline) fail(ctx context.Context, log *logger.Logger, documentID string, version int, err error) {
	log.Error("PII detection failed", zap.Int("version", version), zap.Error(err))
	p.recordActivity(ctx, store.ActivityDetectionError, documentID, false, map[string]interface{}{
		"version": version,
		"error":   err.Error(),
	})
	p.notifyDetection(documentID, version, "error", nil, err)
}

func (p *Pipeline) processLocked(ctx context.Context, extracted *store.ExtractedText) (*Result, error) {
	result, err := p.Detect(ctx, extracted.Text)
	if err != nil {
		return nil, err
	}

	if err := p.store.SavePIIResult(ctx, &store.PIIResult{
		DocumentID: extracted.DocumentID,
		Version:    extracted.Version,
		Summary:    result.Summary,
		ModelUsed:  result.ModelUsed,
		Duration:   result.Duration,
	}); err != nil {
		return nil, fmt.Errorf("failed to save PII result: %w", err)
	}

	return result, nil
}

// Submit starts a background detection run for a document and returns
// immediately. Panics in the run are recovered and logged.
func (p *Pipeline) Submit(documentID string, version int) error {
	if p.store == nil {
		return ErrStoreUnavailable
	}
	if documentID == "" {
		return ErrTextNotFound
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx, cancel := context.WithTimeout(p.baseCtx, p.runTimeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Recovered panic in background detection",
					zap.String("document_id", documentID),
					zap.Any("panic", r),
				)
				p.recordActivity(context.Background(), store.ActivityDetectionError, documentID, false, map[string]interface{}{
					"version": version,
					"error":   fmt.Sprint(r),
				})
			}
		}()

		// errors are already logged and recorded by ProcessDocument
		_, _ = p.ProcessDocument(ctx, documentID, version)
	}()

	return nil
}

// Wait blocks until all submitted runs have finished
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close cancels in-flight background runs and waits for them to return
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

// LatestResult returns the most recent stored detection result for a document
func (p *Pipeline) LatestResult(ctx context.Context, documentID string) (*store.PIIResult, error) {
	if p.store == nil {
		return nil, ErrStoreUnavailable
	}
	return p.store.GetPIIResult(ctx, documentID)
}

// LatestTokenized returns the most recent stored tokenized artifact. Its
// metadata has no key.
func (p *Pipeline) LatestTokenized(ctx context.Context, documentID string) (*store.TokenizedArtifact, error) {
	if p.store == nil {
		return nil, ErrStoreUnavailable
	}
	return p.store.GetTokenized(ctx, documentID)
}

// Activity returns the newest audit rows for a document
func (p *Pipeline) Activity(ctx context.Context, documentID string, limit int) ([]*store.Activity, error) {
	if p.store == nil {
		return nil, ErrStoreUnavailable
	}
	return p.store.ListActivity(ctx, documentID, limit)
}

// Tokenize replaces matches in text with placeholders
func (p *Pipeline) Tokenize(text string, matches []privacy.Match) (string, *vault.Metadata, error) {
	if text == "" {
		return "", nil, ErrTextNotFound
	}
	return p.tokenizer.Tokenize(text, matches)
}

// Detokenize restores a tokenized text with its metadata and key
func (p *Pipeline) Detokenize(ctx context.Context, tokenizedText string, meta *vault.Metadata, key []byte) (*vault.Restoration, error) {
	restoration, err := p.detokenizer.Detokenize(tokenizedText, meta, key)
	success := err == nil
	details := map[string]interface{}{}
	if restoration != nil {
		details["failed_tokens"] = len(restoration.Failed)
		details["missing_tokens"] = len(restoration.Missing)
	}
	p.recordActivity(ctx, store.ActivityDetokenization, "", success, details)
	return restoration, err
}

// TokenizeDocument tokenizes the text behind a document's latest detection
// result with that result's matches. The keyless metadata is stored; the
// returned metadata still carries the key and is the caller's only copy.
func (p *Pipeline) TokenizeDocument(ctx context.Context, documentID string) (*vault.Metadata, error) {
	if p.store == nil {
		return nil, ErrStoreUnavailable
	}

	result, err := p.store.GetPIIResult(ctx, documentID)
	if err != nil {
		return nil, err
	}
	extracted, err := p.store.GetExtractedText(ctx, documentID, result.Version)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrTextNotFound, err)
	}
	if err != nil {
		return nil, err
	}

	_, meta, err := p.Tokenize(extracted.Text, result.Summary.Matches)
	if err != nil {
		return nil, err
	}

	if err := p.store.SaveTokenized(ctx, &store.TokenizedArtifact{
		DocumentID: documentID,
		Version:    extracted.Version,
		Metadata:   meta.WithoutKey(),
	}); err != nil {
		return nil, fmt.Errorf("failed to save tokenized artifact: %w", err)
	}

	p.recordActivity(ctx, store.ActivityTokenization, documentID, true, map[string]interface{}{
		"version":   extracted.Version,
		"tokens":    len(meta.Tokens),
		"algorithm": string(meta.Algorithm),
	})
	if p.notifier != nil {
		p.notifier.BroadcastEvent(websocket.Event{
			Type:       websocket.EventTypeTokenization,
			DocumentID: documentID,
			Data: websocket.TokenizationEvent{
				DocumentID: documentID,
				Version:    extracted.Version,
				Tokens:     len(meta.Tokens),
				Algorithm:  string(meta.Algorithm),
			},
		})
	}

	return meta, nil
}

// recordActivity writes an audit row when a store is configured. Failures
// are logged only.
func (p *Pipeline) recordActivity(ctx context.Context, activity, documentID string, success bool, details map[string]interface{}) {
	if p.store == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := p.store.LogActivity(ctx, &store.Activity{
		Activity:   activity,
		DocumentID: documentID,
		Success:    success,
		Details:    details,
	}); err != nil {
		p.logger.Warn("Failed to record activity",
			zap.String("activity", activity),
			zap.String("document_id", documentID),
			zap.Error(err),
		)
	}
}

func (p *Pipeline) notifyDetection(documentID string, version int, status string, result *Result, runErr error) {
	if p.notifier == nil {
		return
	}
	ev := websocket.DetectionEvent{
		DocumentID: documentID,
		Version:    version,
		Status:     status,
	}
	if result != nil {
		ev.Total = result.Summary.Total
		ev.ByCategory = categoryCounts(result.Summary)
		ev.HighConfidenceCount = result.Summary.HighConfidenceCount
		ev.ModelUsed = result.ModelUsed
		ev.ProcessingMS = float64(result.Duration.Microseconds()) / 1000
	}
	if runErr != nil {
		ev.Error = runErr.Error()
	}
	p.notifier.BroadcastEvent(websocket.Event{
		Type:       websocket.EventTypeDetection,
		DocumentID: documentID,
		Data:       ev,
	})
}

func categoryCounts(summary privacy.Summary) map[string]int {
	out := make(map[string]int, len(summary.ByCategory))
	for category, n := range summary.ByCategory {
		out[string(category)] = n
	}
	return out
}
