// Package batch scans datasets of documents for PII and writes one JSON line
// per document.
package batch

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raaihank/pii-sentinel/internal/logger"
	"github.com/raaihank/pii-sentinel/internal/pipeline"
	"github.com/raaihank/pii-sentinel/internal/store"
)

// Detector runs detection over one text
type Detector interface {
	Detect(ctx context.Context, text string) (*pipeline.Result, error)
}

// Sink persists scanned documents
type Sink interface {
	SaveExtractedText(ctx context.Context, doc *store.Document, text string) (int, error)
	SavePIIResult(ctx context.Context, result *store.PIIResult) error
}

// Scanner reads a dataset and runs every record through a Detector
type Scanner struct {
	detector Detector
	sink     Sink
	config   *Config
	logger   *logger.Logger
}

// NewScanner creates a scanner. sink may be nil unless config.Persist is set.
func NewScanner(detector Detector, sink Sink, config *Config, log *logger.Logger) (*Scanner, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Persist && sink == nil {
		return nil, errors.New("persist requires a document store")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	return &Scanner{
		detector: detector,
		sink:     sink,
		config:   config,
		logger:   log.WithComponent("batch"),
	}, nil
}

// recordSource yields records in batches; an empty batch means end of input
type recordSource func() ([]Record, error)

// ScanFile scans a CSV, Parquet or JSON-lines file and writes results to out.
// Per-record failures are collected in the Result; the returned error is set
// only when the scan itself could not continue.
func (s *Scanner) ScanFile(ctx context.Context, path string, out io.Writer) (*Result, error) {
	format := DetectFileFormat(path)
	s.logger.Info("Starting scan",
		zap.String("file", path),
		zap.String("format", string(format)),
		zap.Int("batch_size", s.config.BatchSize),
		zap.Int("workers", s.config.WorkerCount))

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer file.Close()

	var source recordSource
	switch format {
	case FormatCSV:
		source, err = s.csvSource(file)
	case FormatParquet:
		reader := parquet.NewReader(file)
		defer reader.Close()
		source = s.parquetSource(reader)
	default:
		source = s.jsonSource(file)
	}
	if err != nil {
		return nil, err
	}

	return s.scan(ctx, source, out)
}

// ScanRecords scans an in-memory record set
func (s *Scanner) ScanRecords(ctx context.Context, records []Record, out io.Writer) (*Result, error) {
	next := 0
	return s.scan(ctx, func() ([]Record, error) {
		end := next + s.config.BatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[next:end]
		next = end
		return batch, nil
	}, out)
}

// scan drains source batch by batch
func (s *Scanner) scan(ctx context.Context, source recordSource, out io.Writer) (*Result, error) {
	start := time.Now()
	result := &Result{}
	encoder := json.NewEncoder(out)

	for {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}

		batch, err := source()
		if err != nil {
			result.Duration = time.Since(start)
			return result, fmt.Errorf("failed to read batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		lines := s.processBatch(ctx, batch, result.TotalRecords)
		for i, line := range lines {
			result.TotalRecords++
			switch {
			case line == nil:
				result.Skipped++
				continue
			case line.Error != "":
				result.ProcessedFailed++
				result.addError(fmt.Errorf("record %s: %s", line.DocumentID, line.Error))
			default:
				result.ProcessedOK++
				result.TotalMatches += int64(line.Total)
				if line.Total > 0 {
					result.RecordsWithPII++
				}
			}
			if err := encoder.Encode(line); err != nil {
				result.Duration = time.Since(start)
				return result, fmt.Errorf("failed to write result for %s: %w", batch[i].DocumentID, err)
			}
		}

		if s.config.ProgressReport > 0 && result.TotalRecords%int64(s.config.ProgressReport) < int64(len(batch)) {
			s.reportProgress(result, start)
		}
	}

	result.Duration = time.Since(start)
	s.logger.Info("Scan completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("skipped", result.Skipped),
		zap.Int64("records_with_pii", result.RecordsWithPII),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// processBatch runs a batch on the worker pool. The returned slice is in
// input order; nil entries are skipped records.
func (s *Scanner) processBatch(ctx context.Context, batch []Record, offset int64) []*RecordResult {
	lines := make([]*RecordResult, len(batch))

	g := new(errgroup.Group)
	g.SetLimit(s.config.WorkerCount)
	for i := range batch {
		i := i
		g.Go(func() error {
			record := batch[i]
			if record.DocumentID == "" {
				record.DocumentID = fmt.Sprintf("record-%d", offset+int64(i)+1)
			}
			lines[i] = s.processRecord(ctx, record)
			return nil
		})
	}
	_ = g.Wait()

	return lines
}

func (s *Scanner) processRecord(ctx context.Context, record Record) *RecordResult {
	if strings.TrimSpace(record.Text) == "" {
		s.logger.Debug("Skipping record with empty text", zap.String("document_id", record.DocumentID))
		return nil
	}

	line := &RecordResult{DocumentID: record.DocumentID}
	if s.config.MaxTextBytes > 0 && len(record.Text) > s.config.MaxTextBytes {
		line.Error = fmt.Sprintf("text exceeds %d bytes", s.config.MaxTextBytes)
		return line
	}

	res, err := s.detector.Detect(ctx, record.Text)
	if err != nil {
		line.Error = err.Error()
		return line
	}

	line.Total = res.Summary.Total
	line.ByCategory = res.Summary.ByCategory
	line.HighConf = res.Summary.HighConfidenceCount
	line.ModelUsed = res.ModelUsed
	line.ProcessingMS = res.Duration.Milliseconds()
	if s.config.IncludeMatches {
		line.Matches = res.Matches
	}

	if s.config.Persist {
		version, err := s.persist(ctx, record, res)
		if err != nil {
			line.Error = err.Error()
			return line
		}
		line.Version = version
	}

	return line
}

func (s *Scanner) persist(ctx context.Context, record Record, res *pipeline.Result) (int, error) {
	version, err := s.sink.SaveExtractedText(ctx, &store.Document{ID: record.DocumentID}, record.Text)
	if err != nil {
		return 0, fmt.Errorf("failed to store text: %w", err)
	}
	err = s.sink.SavePIIResult(ctx, &store.PIIResult{
		DocumentID: record.DocumentID,
		Version:    version,
		Summary:    res.Summary,
		ModelUsed:  res.ModelUsed,
		Duration:   res.Duration,
	})
	if err != nil {
		return version, fmt.Errorf("failed to store result: %w", err)
	}
	return version, nil
}

// csvSource reads a CSV with a header row. The text column is required;
// document_id is optional.
func (s *Scanner) csvSource(r io.Reader) (recordSource, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	idCol, textCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "document_id", "id":
			idCol = i
		case "text":
			textCol = i
		}
	}
	if textCol < 0 {
		return nil, fmt.Errorf("CSV header has no text column: %v", header)
	}
	s.logger.Info("CSV header detected", zap.Strings("columns", header))

	return func() ([]Record, error) {
		var batch []Record
		for len(batch) < s.config.BatchSize {
			row, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				s.logger.Warn("Failed to read CSV record", zap.Error(err))
				continue
			}
			if textCol >= len(row) {
				s.logger.Warn("Invalid CSV record length", zap.Int("length", len(row)))
				continue
			}

			record := Record{Text: row[textCol]}
			if idCol >= 0 && idCol < len(row) {
				record.DocumentID = strings.TrimSpace(row[idCol])
			}
			batch = append(batch, record)
		}
		return batch, nil
	}, nil
}

func (s *Scanner) parquetSource(reader *parquet.Reader) recordSource {
	return func() ([]Record, error) {
		var batch []Record
		for len(batch) < s.config.BatchSize {
			var record Record
			err := reader.Read(&record)
			if err == io.EOF {
				break
			}
			if err != nil {
				return batch, fmt.Errorf("failed to read Parquet record: %w", err)
			}
			batch = append(batch, record)
		}
		return batch, nil
	}
}

func (s *Scanner) jsonSource(r io.Reader) recordSource {
	decoder := json.NewDecoder(r)
	return func() ([]Record, error) {
		var batch []Record
		for len(batch) < s.config.BatchSize {
			var record Record
			err := decoder.Decode(&record)
			if err == io.EOF {
				break
			}
			if err != nil {
				// the decoder cannot resynchronise after a syntax error
				return batch, fmt.Errorf("failed to read JSON record: %w", err)
			}
			batch = append(batch, record)
		}
		return batch, nil
	}
}

func (s *Scanner) reportProgress(result *Result, start time.Time) {
	elapsed := time.Since(start)
	s.logger.Info("Scan progress",
		zap.Int64("records_processed", result.TotalRecords),
		zap.Int64("records_ok", result.ProcessedOK),
		zap.Int64("records_failed", result.ProcessedFailed),
		zap.Float64("rate_per_sec", float64(result.TotalRecords)/elapsed.Seconds()),
		zap.Duration("elapsed", elapsed))
}
