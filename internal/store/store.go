// Package store persists registration checkpoints, iteration traces and
// result images on the filesystem.
package store

import (
	"fmt"
	"io"

	"github.com/cwbudde/meansquares/internal/imaging"
)

// Store is the checkpoint persistence interface. Implementations must be
// safe for concurrent use.
//
// Load and Delete return an error matching ErrNotFound when the job has no
// checkpoint.
type Store interface {
	// SaveCheckpoint atomically writes cp, replacing any previous one.
	SaveCheckpoint(jobID string, cp *Checkpoint) error
	LoadCheckpoint(jobID string) (*Checkpoint, error)
	ListCheckpoints() ([]CheckpointInfo, error)

	// DeleteCheckpoint removes the job directory with its trace and images.
	DeleteCheckpoint(jobID string) error

	// SaveImage writes img as a 16-bit PNG artifact of the job.
	SaveImage(jobID, name string, img *imaging.Image) error
	OpenImage(jobID, name string) (io.ReadCloser, error)

	// OpenTrace returns a writer for the job's iteration trace.
	OpenTrace(jobID string, appendMode bool) (*TraceWriter, error)
	ReadTrace(jobID string) ([]TraceEntry, error)
}

// ErrNotFound is returned when a requested checkpoint does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	if e.JobID != "" {
		return "checkpoint not found: " + e.JobID
	}
	return "checkpoint not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// ValidationError reports a malformed checkpoint.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// CompatibilityError reports a checkpoint that cannot be resumed with a
// given job configuration.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return fmt.Sprintf("compatibility error: %s mismatch (expected %s, got %s)", e.Field, e.Expected, e.Actual)
}
