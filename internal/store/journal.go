package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"tradewind/internal/domain"
)

// Compile-time interface check.
var _ Journal = (*ParquetJournal)(nil)

// ParquetJournal appends fills and drift records to daily Parquet files.
// It is an audit trail only; the SQLite store remains the rehydration
// source.
type ParquetJournal struct {
	DataDir string

	mu sync.Mutex
}

// NewParquetJournal creates a journal rooted at the given data directory.
func NewParquetJournal(dataDir string) *ParquetJournal {
	return &ParquetJournal{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// FillRecord is the Parquet schema for executed fills.
type FillRecord struct {
	ClientOrderID string  `parquet:"client_order_id"`
	Symbol        string  `parquet:"symbol"`
	Side          string  `parquet:"side"`
	Qty           string  `parquet:"qty"`
	Price         string  `parquet:"price"`
	Timestamp     int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
}

// DriftRecordRow is the Parquet schema for reconciliation drift records.
type DriftRecordRow struct {
	Kind       string `parquet:"kind"`
	Ref        string `parquet:"ref"`
	Local      string `parquet:"local"`
	Remote     string `parquet:"remote"`
	Resolution string `parquet:"resolution"`
	DetectedAt int64  `parquet:"detected_at,timestamp(millisecond)"` // Unix ms
}

// AppendFill appends one fill to today's fill file.
func (j *ParquetJournal) AppendFill(f domain.Fill) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	path := j.dailyPath("fills", f.Timestamp)
	rec := FillRecord{
		ClientOrderID: f.ClientOrderID,
		Symbol:        f.Symbol,
		Side:          string(f.Side),
		Qty:           f.Qty.String(),
		Price:         f.Price.String(),
		Timestamp:     f.Timestamp.UnixMilli(),
	}
	return appendParquet(path, rec)
}

// AppendDrift appends one drift record to today's drift file.
func (j *ParquetJournal) AppendDrift(d domain.DriftRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	path := j.dailyPath("drift", d.DetectedAt)
	rec := DriftRecordRow{
		Kind:       string(d.Kind),
		Ref:        d.Ref,
		Local:      d.Local,
		Remote:     d.Remote,
		Resolution: d.Resolution,
		DetectedAt: d.DetectedAt.UnixMilli(),
	}
	return appendParquet(path, rec)
}

// dailyPath returns <dataDir>/journal/<kind>/<YYYY-MM-DD>.parquet.
func (j *ParquetJournal) dailyPath(kind string, t time.Time) string {
	date := t.UTC().Format("2006-01-02")
	return filepath.Join(j.DataDir, "journal", kind, date+".parquet")
}

// appendParquet reads the existing records (if any), appends the new one,
// and rewrites the file. Journal volumes are small enough that
// read-append-rewrite beats maintaining a streaming writer across restarts.
func appendParquet[T any](path string, rec T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var records []T
	if _, err := os.Stat(path); err == nil {
		existing, err := parquet.ReadFile[T](path)
		if err != nil {
			return fmt.Errorf("reading journal %s: %w", path, err)
		}
		records = existing
	}
	records = append(records, rec)
	if err := parquet.WriteFile(path, records); err != nil {
		return fmt.Errorf("writing journal %s: %w", path, err)
	}
	return nil
}
