// Package report exports per-document transform summaries as parquet so
// that batch runs can be audited with the usual columnar tooling. Records
// hold counts and tag names only.
package report

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/parquet-go"

	"github.com/raaihank/moltshield/internal/gatekeeper"
)

// Record summarizes one sanitized document.
type Record struct {
	Document   string  `parquet:"document" json:"document"`
	Output     string  `parquet:"output" json:"output"`
	SessionID  string  `parquet:"session_id" json:"session_id"`
	Masked     int64   `parquet:"masked" json:"masked"`
	Redacted   int64   `parquet:"redacted" json:"redacted"`
	Shuffled   int64   `parquet:"shuffled" json:"shuffled"`
	Shadowed   int64   `parquet:"shadowed" json:"shadowed"`
	Unshadowed string  `parquet:"unshadowed" json:"unshadowed"`
	DurationMS float64 `parquet:"duration_ms" json:"duration_ms"`
	CreatedAt  int64   `parquet:"created_at_ms" json:"created_at_ms"`
	Error      string  `parquet:"error" json:"error,omitempty"`
}

// FromResult builds a record for a sanitized file.
func FromResult(sessionID string, fr *gatekeeper.FileResult, elapsed time.Duration) Record {
	r := Record{
		SessionID:  sessionID,
		DurationMS: float64(elapsed.Microseconds()) / 1000,
		CreatedAt:  time.Now().UnixMilli(),
	}
	if fr == nil {
		return r
	}
	r.Document = filepath.Base(fr.Input)
	r.Output = filepath.Base(fr.Output)
	if res := fr.Result; res != nil {
		r.Masked = int64(res.Stats.Masked)
		r.Redacted = int64(res.Stats.Redacted)
		r.Shuffled = int64(res.Stats.Shuffled)
		r.Shadowed = int64(res.Stats.Shadowed)
		r.Unshadowed = strings.Join(res.Stats.Unshadowed, ",")
	}
	return r
}

// Failed builds a record for a document that could not be sanitized.
func Failed(sessionID, input string, err error) Record {
	return Record{
		Document:  filepath.Base(input),
		SessionID: sessionID,
		CreatedAt: time.Now().UnixMilli(),
		Error:     err.Error(),
	}
}

// Collector gathers records from concurrent workers.
type Collector struct {
	mu      sync.Mutex
	records []Record
}

// Add appends a record.
func (c *Collector) Add(r Record) {
	c.mu.Lock()
	c.records = append(c.records, r)
	c.mu.Unlock()
}

// Records returns a copy of what was collected.
func (c *Collector) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.records...)
}

// Write encodes records as parquet.
func Write(w io.Writer, records []Record) error {
	pw := parquet.NewWriter(w, parquet.SchemaOf(Record{}))
	for i := range records {
		if err := pw.Write(&records[i]); err != nil {
			return fmt.Errorf("failed to write report record: %w", err)
		}
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("failed to finalize report: %w", err)
	}
	return nil
}

// WriteFile writes records to path, replacing any existing file.
func WriteFile(path string, records []Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	if err := Write(file, records); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// ReadFile loads a report written by WriteFile.
func ReadFile(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open report: %w", err)
	}
	defer file.Close()

	reader := parquet.NewReader(file)
	defer reader.Close()

	var out []Record
	for {
		var record Record
		err := reader.Read(&record)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read report record: %w", err)
		}
		out = append(out, record)
	}
	return out, nil
}
