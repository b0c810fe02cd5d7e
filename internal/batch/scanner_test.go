package batch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/segmentio/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/pii-sentinel/internal/logger"
	"github.com/raaihank/pii-sentinel/internal/pipeline"
	"github.com/raaihank/pii-sentinel/internal/privacy"
	"github.com/raaihank/pii-sentinel/internal/store"
)

func newPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	log := logger.NewNop()
	detector, err := privacy.New([]string{"all"}, log)
	require.NoError(t, err)
	p := pipeline.New(detector, log)
	t.Cleanup(p.Close)
	return p
}

func readLines(t *testing.T, buf *bytes.Buffer) []RecordResult {
	t.Helper()
	var lines []RecordResult
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var line RecordResult
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, sc.Err())
	return lines
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

type failingDetector struct{}

func (failingDetector) Detect(_ context.Context, text string) (*pipeline.Result, error) {
	if strings.Contains(text, "boom") {
		return nil, errors.New("detector failed")
	}
	return &pipeline.Result{Summary: privacy.Summarize(nil)}, nil
}

type memorySink struct {
	mu      sync.Mutex
	texts   map[string]string
	results map[string]*store.PIIResult
}

func (m *memorySink) SaveExtractedText(_ context.Context, doc *store.Document, text string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts[doc.ID] = text
	return 1, nil
}

func (m *memorySink) SavePIIResult(_ context.Context, r *store.PIIResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[r.DocumentID] = r
	return nil
}

func TestScanFile(t *testing.T) {
	t.Run("JSONLines", func(t *testing.T) {
		path := writeFile(t, "docs.jsonl", strings.Join([]string{
			`{"document_id":"a","text":"Contact: test@example.com today"}`,
			`{"document_id":"b","text":"   "}`,
			`{"document_id":"c","text":"nothing to see here"}`,
		}, "\n"))

		s, err := NewScanner(newPipeline(t), nil, &Config{BatchSize: 2, WorkerCount: 2, IncludeMatches: true}, logger.NewNop())
		require.NoError(t, err)

		var out bytes.Buffer
		res, err := s.ScanFile(context.Background(), path, &out)
		require.NoError(t, err)
		assert.Equal(t, int64(3), res.TotalRecords)
		assert.Equal(t, int64(2), res.ProcessedOK)
		assert.Equal(t, int64(1), res.Skipped)
		assert.Equal(t, int64(1), res.RecordsWithPII)
		assert.NoError(t, res.Err())

		lines := readLines(t, &out)
		require.Len(t, lines, 2)
		assert.Equal(t, "a", lines[0].DocumentID)
		assert.Equal(t, 1, lines[0].Total)
		require.Len(t, lines[0].Matches, 1)
		assert.Equal(t, "test@example.com", lines[0].Matches[0].Text)
		assert.Equal(t, "c", lines[1].DocumentID)
		assert.Equal(t, 0, lines[1].Total)
	})

	t.Run("CSV", func(t *testing.T) {
		path := writeFile(t, "docs.csv", "text,document_id\n\"Server 10.0.0.1 is down\",srv\nplain text,\n")

		s, err := NewScanner(newPipeline(t), nil, nil, logger.NewNop())
		require.NoError(t, err)

		var out bytes.Buffer
		res, err := s.ScanFile(context.Background(), path, &out)
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.ProcessedOK)

		lines := readLines(t, &out)
		require.Len(t, lines, 2)
		assert.Equal(t, "srv", lines[0].DocumentID)
		assert.Equal(t, 1, lines[0].ByCategory[privacy.PIIIPAddress])
		assert.Equal(t, "record-2", lines[1].DocumentID)
	})

	t.Run("CSVWithoutTextColumn", func(t *testing.T) {
		path := writeFile(t, "bad.csv", "id,body\n1,hello\n")
		s, err := NewScanner(newPipeline(t), nil, nil, logger.NewNop())
		require.NoError(t, err)

		_, err = s.ScanFile(context.Background(), path, &bytes.Buffer{})
		assert.Error(t, err)
	})

	t.Run("Parquet", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "docs.parquet")
		f, err := os.Create(path)
		require.NoError(t, err)
		w := parquet.NewWriter(f, parquet.SchemaOf(Record{}))
		require.NoError(t, w.Write(&Record{DocumentID: "p1", Text: "mail me at a.b@example.org"}))
		require.NoError(t, w.Write(&Record{DocumentID: "p2", Text: "no pii"}))
		require.NoError(t, w.Close())
		require.NoError(t, f.Close())

		s, err := NewScanner(newPipeline(t), nil, nil, logger.NewNop())
		require.NoError(t, err)

		var out bytes.Buffer
		res, err := s.ScanFile(context.Background(), path, &out)
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.TotalRecords)
		assert.Equal(t, int64(1), res.RecordsWithPII)

		lines := readLines(t, &out)
		require.Len(t, lines, 2)
		assert.Equal(t, "p1", lines[0].DocumentID)
		assert.Equal(t, 1, lines[0].ByCategory[privacy.PIIEmail])
	})

	t.Run("MissingFile", func(t *testing.T) {
		s, err := NewScanner(newPipeline(t), nil, nil, logger.NewNop())
		require.NoError(t, err)
		_, err = s.ScanFile(context.Background(), filepath.Join(t.TempDir(), "nope.jsonl"), &bytes.Buffer{})
		assert.Error(t, err)
	})
}

func TestScanRecordsCollectsFailures(t *testing.T) {
	s, err := NewScanner(failingDetector{}, nil, &Config{BatchSize: 10, WorkerCount: 3, MaxTextBytes: 32}, logger.NewNop())
	require.NoError(t, err)

	records := []Record{
		{DocumentID: "ok", Text: "fine"},
		{DocumentID: "bad", Text: "boom"},
		{DocumentID: "huge", Text: strings.Repeat("x", 64)},
	}

	var out bytes.Buffer
	res, err := s.ScanRecords(context.Background(), records, &out)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ProcessedOK)
	assert.Equal(t, int64(2), res.ProcessedFailed)
	assert.Len(t, res.Errors, 2)

	var merr *multierror.Error
	require.ErrorAs(t, res.Err(), &merr)
	assert.Len(t, merr.Errors, 2)

	lines := readLines(t, &out)
	require.Len(t, lines, 3)
	assert.Equal(t, "detector failed", lines[1].Error)
	assert.Contains(t, lines[2].Error, "exceeds")
}

func TestScanPersists(t *testing.T) {
	_, err := NewScanner(newPipeline(t), nil, &Config{Persist: true}, logger.NewNop())
	require.Error(t, err)

	sink := &memorySink{texts: map[string]string{}, results: map[string]*store.PIIResult{}}
	s, err := NewScanner(newPipeline(t), sink, &Config{Persist: true}, logger.NewNop())
	require.NoError(t, err)

	var out bytes.Buffer
	res, err := s.ScanRecords(context.Background(), []Record{{DocumentID: "d1", Text: "reach test@example.com"}}, &out)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ProcessedOK)

	assert.Equal(t, "reach test@example.com", sink.texts["d1"])
	require.Contains(t, sink.results, "d1")
	assert.Equal(t, 1, sink.results["d1"].Summary.Total)
	assert.Equal(t, 1, readLines(t, &out)[0].Version)
}

func TestScanStopsOnCancel(t *testing.T) {
	s, err := NewScanner(failingDetector{}, nil, nil, logger.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.ScanRecords(ctx, []Record{{Text: "fine"}}, &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetectFileFormat(t *testing.T) {
	tests := map[string]FileFormat{
		"data.csv":         FormatCSV,
		"DATA.CSV":         FormatCSV,
		"data.parquet":     FormatParquet,
		"data.jsonl":       FormatJSONL,
		"data.json":        FormatJSONL,
		"no-extension":     FormatJSONL,
		"dir.csv/data.txt": FormatJSONL,
	}
	for name, want := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, want, DetectFileFormat(name))
		})
	}
}
