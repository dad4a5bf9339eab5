package job

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for job operations.
var (
	// ErrInvalidRequest indicates a malformed create request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound indicates no job matches the given id.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition indicates an illegal state change.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrConflict indicates the job state changed underneath the caller,
	// typically because a terminal state was already recorded.
	ErrConflict = errors.New("job state conflict")

	// ErrForbidden indicates the caller does not own the job.
	ErrForbidden = errors.New("forbidden")
)

// ValidationError lists every problem found in a create request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Problems, "; ")
}

// Unwrap lets callers match ErrInvalidRequest.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}

// ConflictError reports the state found when a compare-and-set lost.
type ConflictError struct {
	JobID    string
	Expected State
	Actual   State
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s: expected state %s, found %s", e.JobID, e.Expected, e.Actual)
}

// Unwrap lets callers match ErrConflict.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// IsNotFound returns true if err indicates a missing job.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if err indicates a lost state race.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsInvalidRequest returns true if err indicates a rejected create request.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}
