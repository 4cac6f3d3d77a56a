package metric

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is wrapped by every ConfigError.
	ErrNotConfigured = errors.New("metric not configured")

	// ErrNoValidSamples is matched by EmptyAcceptanceError. A metric that
	// accepted no samples has no defined value; reporting zero would look like
	// a perfect match.
	ErrNoValidSamples = errors.New("no valid samples")
)

// ConfigError reports a missing or inconsistent collaborator. It is raised
// before any sample is processed.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return "metric configuration error: " + e.Field + " " + e.Reason
}

func (e *ConfigError) Unwrap() error {
	return ErrNotConfigured
}

// EmptyAcceptanceError is returned when every candidate sample was rejected.
type EmptyAcceptanceError struct {
	Candidates int
}

func (e *EmptyAcceptanceError) Error() string {
	return fmt.Sprintf("no valid samples: all %d candidate samples were rejected", e.Candidates)
}

func (e *EmptyAcceptanceError) Is(target error) bool {
	return target == ErrNoValidSamples
}

// ParameterError reports a parameter vector of the wrong length.
type ParameterError struct {
	Expected int
	Got      int
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("expected %d transform parameters, got %d", e.Expected, e.Got)
}
