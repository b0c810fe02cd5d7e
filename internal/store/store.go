package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/logger"
	"github.com/raaihank/pii-sentinel/internal/privacy"
	"github.com/raaihank/pii-sentinel/internal/vault"
)

var (
	// ErrNotFound is returned when a requested row does not exist
	ErrNotFound = errors.New("not found")
	// ErrKeyPresent is returned when tokenization metadata still carries its key
	ErrKeyPresent = errors.New("refusing to store metadata that contains its key")
)

// Store persists documents, detection results and tokenized artifacts in
// PostgreSQL
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// Config contains database configuration
type Config struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL DEFAULT '',
		mime_type TEXT NOT NULL DEFAULT '',
		pii_processed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS extracted_text (
		id BIGSERIAL PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents (id),
		version INTEGER NOT NULL,
		text TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (document_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS pii_results (
		id BIGSERIAL PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents (id),
		version INTEGER NOT NULL,
		total INTEGER NOT NULL,
		high_confidence_count INTEGER NOT NULL,
		by_category JSONB NOT NULL,
		matches JSONB NOT NULL,
		model_used TEXT NOT NULL DEFAULT '',
		duration_ms BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS tokenized_artifacts (
		id BIGSERIAL PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents (id),
		version INTEGER NOT NULL,
		metadata JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS activity_log (
		id BIGSERIAL PRIMARY KEY,
		activity TEXT NOT NULL,
		document_id TEXT,
		success BOOLEAN NOT NULL,
		details JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_extracted_text_document ON extracted_text (document_id, version DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_pii_results_document ON pii_results (document_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_tokenized_document ON tokenized_artifacts (document_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_log_created ON activity_log (created_at)`,
}

// NewStore connects to PostgreSQL and applies the schema
func NewStore(config *Config, log *logger.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	store := &Store{
		db:     db,
		logger: log.WithComponent("store"),
	}

	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	store.logger.Info("Document store initialized successfully",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Int("max_idle_conns", config.MaxIdleConns))

	return store, nil
}

// initialize checks the connection and creates missing tables
func (s *Store) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return nil
}

// SaveExtractedText records a new extraction for a document, creating the
// document row if needed, and returns the new version number
func (s *Store) SaveExtractedText(ctx context.Context, doc *Document, text string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, filename, mime_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET updated_at = NOW()`,
		doc.ID, doc.Filename, doc.MimeType)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert document: %w", err)
	}

	var version int
	err = tx.GetContext(ctx, &version, `
		INSERT INTO extracted_text (document_id, version, text)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2
		FROM extracted_text WHERE document_id = $1
		RETURNING version`,
		doc.ID, text)
	if err != nil {
		return 0, fmt.Errorf("failed to insert extracted text: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit extracted text: %w", err)
	}

	s.logger.Debug("Extracted text stored",
		zap.String("document_id", doc.ID),
		zap.Int("version", version),
		zap.Int("length", len(text)))

	return version, nil
}

// GetExtractedText returns one extraction of a document. Version 0 selects
// the latest.
func (s *Store) GetExtractedText(ctx context.Context, documentID string, version int) (*ExtractedText, error) {
	var row ExtractedText
	var err error
	if version > 0 {
		err = s.db.GetContext(ctx, &row, `
			SELECT id, document_id, version, text, created_at
			FROM extracted_text WHERE document_id = $1 AND version = $2`,
			documentID, version)
	} else {
		err = s.db.GetContext(ctx, &row, `
			SELECT id, document_id, version, text, created_at
			FROM extracted_text WHERE document_id = $1
			ORDER BY version DESC LIMIT 1`,
			documentID)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("extracted text for %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load extracted text: %w", err)
	}
	return &row, nil
}

// SavePIIResult stores a detection run and marks the document processed
func (s *Store) SavePIIResult(ctx context.Context, result *PIIResult) error {
	byCategory, err := json.Marshal(result.Summary.ByCategory)
	if err != nil {
		return fmt.Errorf("failed to encode categories: %w", err)
	}
	matches, err := json.Marshal(result.Summary.Matches)
	if err != nil {
		return fmt.Errorf("failed to encode matches: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO pii_results
			(document_id, version, total, high_confidence_count, by_category, matches, model_used, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		result.DocumentID,
		result.Version,
		result.Summary.Total,
		result.Summary.HighConfidenceCount,
		byCategory,
		matches,
		result.ModelUsed,
		result.Duration.Milliseconds(),
	).Scan(&result.ID, &result.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert PII result: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET pii_processed = TRUE, updated_at = NOW() WHERE id = $1`,
		result.DocumentID); err != nil {
		return fmt.Errorf("failed to mark document processed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit PII result: %w", err)
	}
	return nil
}

// GetPIIResult returns the most recent detection run for a document
func (s *Store) GetPIIResult(ctx context.Context, documentID string) (*PIIResult, error) {
	var row piiResultRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, document_id, version, total, high_confidence_count,
			by_category, matches, model_used, duration_ms, created_at
		FROM pii_results WHERE document_id = $1
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("PII result for %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load PII result: %w", err)
	}

	result := &PIIResult{
		ID:         row.ID,
		DocumentID: row.DocumentID,
		Version:    row.Version,
		ModelUsed:  row.ModelUsed,
		Duration:   time.Duration(row.DurationMs) * time.Millisecond,
		CreatedAt:  row.CreatedAt,
		Summary: privacy.Summary{
			Total:               row.Total,
			HighConfidenceCount: row.HighConfidenceCount,
		},
	}
	if err := json.Unmarshal(row.ByCategory, &result.Summary.ByCategory); err != nil {
		return nil, fmt.Errorf("failed to decode categories: %w", err)
	}
	if err := json.Unmarshal(row.Matches, &result.Summary.Matches); err != nil {
		return nil, fmt.Errorf("failed to decode matches: %w", err)
	}
	return result, nil
}

// SaveTokenized stores a tokenized artifact. Metadata that still holds its
// key is rejected.
func (s *Store) SaveTokenized(ctx context.Context, artifact *TokenizedArtifact) error {
	if artifact.Metadata == nil {
		return fmt.Errorf("tokenized artifact has no metadata")
	}
	if len(artifact.Metadata.Key) > 0 {
		return ErrKeyPresent
	}

	data, err := json.Marshal(artifact.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO tokenized_artifacts (document_id, version, metadata)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		artifact.DocumentID, artifact.Version, data,
	).Scan(&artifact.ID, &artifact.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert tokenized artifact: %w", err)
	}

	s.logger.Debug("Tokenized artifact stored",
		zap.String("document_id", artifact.DocumentID),
		zap.Int64("id", artifact.ID),
		zap.Int("tokens", len(artifact.Metadata.Tokens)))

	return nil
}

// GetTokenized returns the most recent tokenized artifact for a document
func (s *Store) GetTokenized(ctx context.Context, documentID string) (*TokenizedArtifact, error) {
	var row tokenizedRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, document_id, version, metadata, created_at
		FROM tokenized_artifacts WHERE document_id = $1
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tokenized artifact for %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenized artifact: %w", err)
	}

	var meta vault.Metadata
	if err := json.Unmarshal(row.Metadata, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &TokenizedArtifact{
		ID:         row.ID,
		DocumentID: row.DocumentID,
		Version:    row.Version,
		Metadata:   &meta,
		CreatedAt:  row.CreatedAt,
	}, nil
}

// LogActivity appends a row to the activity log
func (s *Store) LogActivity(ctx context.Context, activity *Activity) error {
	var details []byte
	if len(activity.Details) > 0 {
		var err error
		if details, err = json.Marshal(activity.Details); err != nil {
			return fmt.Errorf("failed to encode activity details: %w", err)
		}
	}

	var documentID sql.NullString
	if activity.DocumentID != "" {
		documentID = sql.NullString{String: activity.DocumentID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (activity, document_id, success, details)
		VALUES ($1, $2, $3, $4)`,
		activity.Activity, documentID, activity.Success, details)
	if err != nil {
		return fmt.Errorf("failed to log activity: %w", err)
	}
	return nil
}

// ListActivity returns the newest activity rows, optionally for one document
func (s *Store) ListActivity(ctx context.Context, documentID string, limit int) ([]*Activity, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, activity, COALESCE(document_id, '') AS document_id, success,
			COALESCE(details, 'null'::jsonb) AS details, created_at
		FROM activity_log`
	args := []interface{}{}
	if documentID != "" {
		query += ` WHERE document_id = $1`
		args = append(args, documentID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	var rows []activityRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}

	out := make([]*Activity, 0, len(rows))
	for _, row := range rows {
		a := &Activity{
			ID:         row.ID,
			Activity:   row.Activity,
			DocumentID: row.DocumentID,
			Success:    row.Success,
			CreatedAt:  row.CreatedAt,
		}
		if err := json.Unmarshal(row.Details, &a.Details); err != nil {
			s.logger.Warn("Skipping undecodable activity details", zap.Int64("id", row.ID), zap.Error(err))
		}
		out = append(out, a)
	}
	return out, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// maskDatabaseURL masks sensitive information in database URL for logging
func maskDatabaseURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
