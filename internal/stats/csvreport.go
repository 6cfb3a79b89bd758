package stats

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// IntervalHeaders are the columns written by an IntervalWriter.
var IntervalHeaders = []string{
	"timestamp", "elapsed_s", "collecting", "ops", "failures", "skipped",
	"exceeded", "rate", "recent_rate", "mean_us", "p50_us", "p95_us", "p99_us", "max_us",
}

// IntervalWriter appends one CSV row per snapshot, giving a time series of
// a run that can be plotted after the fact. Safe for concurrent use.
type IntervalWriter struct {
	mu     sync.Mutex
	closer io.Closer
	buffer *bufio.Writer
	writer *csv.Writer
	rows   int64
	closed bool
}

// CreateIntervalFile creates path, including missing directories, and
// writes the header row.
func CreateIntervalFile(path string) (*IntervalWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", path, err)
	}
	w, err := NewIntervalWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

// NewIntervalWriter writes to wc, which is closed by Close.
func NewIntervalWriter(wc io.WriteCloser) (*IntervalWriter, error) {
	buffer := bufio.NewWriterSize(wc, 16*1024)
	w := &IntervalWriter{closer: wc, buffer: buffer, writer: csv.NewWriter(buffer)}
	if err := w.writer.Write(IntervalHeaders); err != nil {
		return nil, fmt.Errorf("failed to write headers: %w", err)
	}
	return w, nil
}

// Write appends s taken at time at and flushes it, so the file stays
// useful if the process is killed.
func (w *IntervalWriter) Write(at time.Time, s Snapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("interval writer is closed")
	}

	row := []string{
		at.UTC().Format(time.RFC3339Nano),
		strconv.FormatFloat(s.Elapsed.Seconds(), 'f', 3, 64),
		strconv.FormatBool(s.Collecting),
		strconv.FormatInt(s.Ops, 10),
		strconv.FormatInt(s.Failures, 10),
		strconv.FormatInt(s.Skipped, 10),
		strconv.FormatInt(s.Exceeded, 10),
		strconv.FormatFloat(s.Rate, 'f', 2, 64),
		strconv.FormatFloat(s.RecentRate, 'f', 2, 64),
		micros(s.Mean), micros(s.P50), micros(s.P95), micros(s.P99), micros(s.Max),
	}
	if err := w.writer.Write(row); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	w.rows++
	return w.flushLocked()
}

func (w *IntervalWriter) flushLocked() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		return fmt.Errorf("csv flush error: %w", err)
	}
	return w.buffer.Flush()
}

// Rows returns the number of data rows written.
func (w *IntervalWriter) Rows() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// Close flushes and closes the underlying file. Later calls do nothing.
func (w *IntervalWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return errors.Join(w.flushLocked(), w.closer.Close())
}

func micros(d time.Duration) string {
	return strconv.FormatInt(d.Microseconds(), 10)
}
