package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TraceEntry is one optimizer iteration, stored as a JSON line.
type TraceEntry struct {
	Iteration    int       `json:"iteration"`
	Value        float64   `json:"value"`
	GradientNorm float64   `json:"gradientNorm,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Params       []float64 `json:"params,omitempty"`
}

func tracePath(baseDir, jobID string) string {
	return filepath.Join(baseDir, "jobs", jobID, "trace.jsonl")
}

// TraceWriter appends entries to a job's trace.jsonl. It is safe for
// concurrent use.
type TraceWriter struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
}

// NewTraceWriter opens the trace of jobID, truncating it unless appendMode
// is set.
func NewTraceWriter(baseDir, jobID string, appendMode bool) (*TraceWriter, error) {
	path := tracePath(baseDir, jobID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	buf := bufio.NewWriterSize(f, 64*1024)
	return &TraceWriter{file: f, buf: buf, enc: json.NewEncoder(buf)}, nil
}

// Write buffers one entry; Encode terminates it with a newline.
func (w *TraceWriter) Write(entry TraceEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(entry); err != nil {
		return fmt.Errorf("failed to write trace entry: %w", err)
	}
	return nil
}

// Flush pushes buffered entries to disk.
func (w *TraceWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace writer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace file: %w", err)
	}
	return nil
}

func (w *TraceWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	if flushErr != nil {
		return fmt.Errorf("failed to flush on close: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close trace file: %w", closeErr)
	}
	return nil
}

// ReadTrace loads every entry of a job's trace.
func ReadTrace(baseDir, jobID string) ([]TraceEntry, error) {
	f, err := os.Open(tracePath(baseDir, jobID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &NotFoundError{JobID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	defer f.Close()

	var entries []TraceEntry
	dec := json.NewDecoder(bufio.NewReader(f))
	for {
		var e TraceEntry
		err := dec.Decode(&e)
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode trace entry %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
}

// DeleteTrace removes a job's trace. A missing trace is not an error.
func DeleteTrace(baseDir, jobID string) error {
	err := os.Remove(tracePath(baseDir, jobID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete trace file: %w", err)
	}
	return nil
}
