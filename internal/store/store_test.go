package store

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/pii-sentinel/internal/logger"
	"github.com/raaihank/pii-sentinel/internal/privacy"
	"github.com/raaihank/pii-sentinel/internal/vault"
)

func TestMaskDatabaseURL(t *testing.T) {
	assert.Equal(t,
		"postgres://sentinel:***@db:5432/pii?sslmode=disable",
		maskDatabaseURL("postgres://sentinel:hunter2@db:5432/pii?sslmode=disable"))
	assert.Equal(t, "postgres://db/pii", maskDatabaseURL("postgres://db/pii"))
}

func TestSaveTokenizedRejectsKey(t *testing.T) {
	s := &Store{logger: logger.NewNop()}

	_, meta, err := vault.NewTokenizer(logger.NewNop()).Tokenize(
		"Contact: test@example.com today",
		[]privacy.Match{{Category: privacy.PIIEmail, Start: 9, End: 25}},
	)
	require.NoError(t, err)

	err = s.SaveTokenized(context.Background(), &TokenizedArtifact{DocumentID: "doc-1", Metadata: meta})
	assert.ErrorIs(t, err, ErrKeyPresent)

	err = s.SaveTokenized(context.Background(), &TokenizedArtifact{DocumentID: "doc-1"})
	assert.Error(t, err)
}

func TestSchemaCoversAllTables(t *testing.T) {
	for _, table := range []string{"documents", "extracted_text", "pii_results", "tokenized_artifacts", "activity_log"} {
		found := false
		for _, stmt := range schema {
			if strings.HasPrefix(stmt, "CREATE TABLE IF NOT EXISTS "+table+" ") {
				found = true
				break
			}
		}
		assert.True(t, found, "missing CREATE TABLE for %s", table)
	}
}
