package batch

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/raaihank/pii-sentinel/internal/privacy"
)

// Record is one input document
type Record struct {
	DocumentID string `parquet:"document_id" json:"document_id"`
	Text       string `parquet:"text" json:"text"`
}

// RecordResult is one line of the JSON-lines output
type RecordResult struct {
	DocumentID   string                  `json:"document_id"`
	Version      int                     `json:"version,omitempty"`
	Total        int                     `json:"total"`
	ByCategory   map[privacy.PIIType]int `json:"by_category,omitempty"`
	HighConf     int                     `json:"high_confidence_count"`
	Matches      []privacy.Match         `json:"matches,omitempty"`
	ModelUsed    string                  `json:"model_used,omitempty"`
	ProcessingMS int64                   `json:"processing_ms"`
	Error        string                  `json:"error,omitempty"`
}

// Result summarizes a scan
type Result struct {
	TotalRecords    int64         `json:"total_records"`
	ProcessedOK     int64         `json:"processed_ok"`
	ProcessedFailed int64         `json:"processed_failed"`
	Skipped         int64         `json:"skipped"`
	RecordsWithPII  int64         `json:"records_with_pii"`
	TotalMatches    int64         `json:"total_matches"`
	Duration        time.Duration `json:"duration"`
	Errors          []string      `json:"errors,omitempty"`

	errs *multierror.Error
}

// Err returns every per-record failure combined, or nil
func (r *Result) Err() error {
	return r.errs.ErrorOrNil()
}

func (r *Result) addError(err error) {
	r.errs = multierror.Append(r.errs, err)
	r.Errors = append(r.Errors, err.Error())
}

// Config contains scan configuration
type Config struct {
	BatchSize      int  `yaml:"batch_size" mapstructure:"batch_size"`
	WorkerCount    int  `yaml:"worker_count" mapstructure:"worker_count"`
	MaxTextBytes   int  `yaml:"max_text_bytes" mapstructure:"max_text_bytes"`
	IncludeMatches bool `yaml:"include_matches" mapstructure:"include_matches"`
	Persist        bool `yaml:"persist" mapstructure:"persist"`
	ProgressReport int  `yaml:"progress_report" mapstructure:"progress_report"`
}

// DefaultConfig returns the scan defaults
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      100,
		WorkerCount:    4,
		MaxTextBytes:   1 << 20,
		IncludeMatches: true,
		ProgressReport: 1000,
	}
}

// FileFormat represents supported input formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSONL   FileFormat = "jsonl"
)

// DetectFileFormat picks the format from the file extension. Unknown
// extensions are read as JSON lines.
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return FormatCSV
	case ".parquet":
		return FormatParquet
	default:
		return FormatJSONL
	}
}
