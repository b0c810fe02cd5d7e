package store

import (
	"time"

	"github.com/raaihank/pii-sentinel/internal/privacy"
	"github.com/raaihank/pii-sentinel/internal/vault"
)

// Activity names recorded in the activity log
const (
	ActivityDetectionStarted   = "pii_detection_started"
	ActivityDetectionCompleted = "pii_detection_completed"
	ActivityDetectionError     = "pii_detection_error"
	ActivityDetectionSkipped   = "pii_detection_skipped"
	ActivityTokenization       = "tokenization_completed"
	ActivityDetokenization     = "detokenization_completed"
)

// Document is an uploaded file whose text has been extracted
type Document struct {
	ID           string    `db:"id" json:"id"`
	Filename     string    `db:"filename" json:"filename"`
	MimeType     string    `db:"mime_type" json:"mime_type"`
	PIIProcessed bool      `db:"pii_processed" json:"pii_processed"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// ExtractedText is one extraction of a document's text. Each re-extraction
// gets a new version.
type ExtractedText struct {
	ID         int64     `db:"id" json:"id"`
	DocumentID string    `db:"document_id" json:"document_id"`
	Version    int       `db:"version" json:"version"`
	Text       string    `db:"text" json:"text"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// PIIResult is a persisted detection run
type PIIResult struct {
	ID         int64           `json:"id"`
	DocumentID string          `json:"document_id"`
	Version    int             `json:"version"`
	Summary    privacy.Summary `json:"summary"`
	ModelUsed  string          `json:"model_used,omitempty"`
	Duration   time.Duration   `json:"duration"`
	CreatedAt  time.Time       `json:"created_at"`
}

// TokenizedArtifact is a stored tokenized text. Its metadata never carries
// the key.
type TokenizedArtifact struct {
	ID         int64           `json:"id"`
	DocumentID string          `json:"document_id"`
	Version    int             `json:"version"`
	Metadata   *vault.Metadata `json:"metadata"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Activity is one audit log row
type Activity struct {
	ID         int64                  `json:"id"`
	Activity   string                 `json:"activity"`
	DocumentID string                 `json:"document_id,omitempty"`
	Success    bool                   `json:"success"`
	Details    map[string]interface{} `json:"details,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

type piiResultRow struct {
	ID                  int64     `db:"id"`
	DocumentID          string    `db:"document_id"`
	Version             int       `db:"version"`
	Total               int       `db:"total"`
	HighConfidenceCount int       `db:"high_confidence_count"`
	ByCategory          []byte    `db:"by_category"`
	Matches             []byte    `db:"matches"`
	ModelUsed           string    `db:"model_used"`
	DurationMs          int64     `db:"duration_ms"`
	CreatedAt           time.Time `db:"created_at"`
}

type tokenizedRow struct {
	ID         int64     `db:"id"`
	DocumentID string    `db:"document_id"`
	Version    int       `db:"version"`
	Metadata   []byte    `db:"metadata"`
	CreatedAt  time.Time `db:"created_at"`
}

type activityRow struct {
	ID         int64     `db:"id"`
	Activity   string    `db:"activity"`
	DocumentID string    `db:"document_id"`
	Success    bool      `db:"success"`
	Details    []byte    `db:"details"`
	CreatedAt  time.Time `db:"created_at"`
}
