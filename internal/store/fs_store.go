package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cwbudde/meansquares/internal/imaging"
)

// FSStore keeps one directory per job under <baseDir>/jobs/<jobID>/ holding
// checkpoint.json, trace.jsonl and PNG artifacts. Writes go through a temp
// file and rename, so concurrent readers never see partial files.
type FSStore struct {
	baseDir string
}

// NewFSStore creates baseDir if needed.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

func (s *FSStore) BaseDir() string { return s.baseDir }

func (s *FSStore) jobDir(jobID string) string {
	return filepath.Join(s.baseDir, "jobs", jobID)
}

func (s *FSStore) checkpointPath(jobID string) string {
	return filepath.Join(s.jobDir(jobID), "checkpoint.json")
}

func checkJobID(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}
	if strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return fmt.Errorf("invalid jobID %q", jobID)
	}
	return nil
}

// writeAtomic writes data next to path and renames it into place.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *FSStore) SaveCheckpoint(jobID string, cp *Checkpoint) error {
	if err := checkJobID(jobID); err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}
	if err := writeAtomic(s.checkpointPath(jobID), data); err != nil {
		return err
	}

	slog.Debug("Checkpoint saved", "job_id", jobID, "iteration", cp.Iteration, "best_value", cp.BestValue)
	return nil
}

func (s *FSStore) LoadCheckpoint(jobID string) (*Checkpoint, error) {
	if err := checkJobID(jobID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.checkpointPath(jobID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &NotFoundError{JobID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}
	return &cp, nil
}

// ListCheckpoints returns every readable checkpoint, newest first. Corrupt
// checkpoints are logged and skipped.
func (s *FSStore) ListCheckpoints() ([]CheckpointInfo, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, "jobs"))
	if errors.Is(err, fs.ErrNotExist) {
		return []CheckpointInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs directory: %w", err)
	}

	infos := []CheckpointInfo{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cp, err := s.LoadCheckpoint(entry.Name())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			slog.Warn("Skipping unreadable checkpoint", "job_id", entry.Name(), "error", err)
			continue
		}
		infos = append(infos, cp.ToInfo())
	}

	slices.SortFunc(infos, func(a, b CheckpointInfo) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return infos, nil
}

func (s *FSStore) DeleteCheckpoint(jobID string) error {
	if err := checkJobID(jobID); err != nil {
		return err
	}

	dir := s.jobDir(jobID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return &NotFoundError{JobID: jobID}
	} else if err != nil {
		return fmt.Errorf("failed to stat job directory: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove job directory: %w", err)
	}

	slog.Debug("Checkpoint deleted", "job_id", jobID)
	return nil
}

func (s *FSStore) imagePath(jobID, name string) string {
	return filepath.Join(s.jobDir(jobID), name+".png")
}

func (s *FSStore) SaveImage(jobID, name string, img *imaging.Image) error {
	if err := checkJobID(jobID); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := imaging.WritePNG(&buf, img); err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return writeAtomic(s.imagePath(jobID, name), buf.Bytes())
}

func (s *FSStore) OpenImage(jobID, name string) (io.ReadCloser, error) {
	if err := checkJobID(jobID); err != nil {
		return nil, err
	}
	f, err := os.Open(s.imagePath(jobID, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &NotFoundError{JobID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	return f, nil
}

func (s *FSStore) OpenTrace(jobID string, appendMode bool) (*TraceWriter, error) {
	if err := checkJobID(jobID); err != nil {
		return nil, err
	}
	return NewTraceWriter(s.baseDir, jobID, appendMode)
}

func (s *FSStore) ReadTrace(jobID string) ([]TraceEntry, error) {
	if err := checkJobID(jobID); err != nil {
		return nil, err
	}
	return ReadTrace(s.baseDir, jobID)
}
