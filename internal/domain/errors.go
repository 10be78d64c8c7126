package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// HTTPError is implemented by errors that map onto an HTTP status.
type HTTPError interface {
	error
	StatusCode() int
}

// Sentinel kinds, matched with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrOptimisticConflict = errors.New("document changed since last read")
	ErrMergeConflict      = errors.New("merge conflict")
	ErrRemoteUnavailable  = errors.New("remote repository unavailable")
	ErrValidation         = errors.New("validation failed")
)

// NotFoundError reports a missing document, branch or path.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }
func (e *NotFoundError) StatusCode() int      { return http.StatusNotFound }

// ValidationError rejects a malformed payload before anything is written.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error        { return e.Err }
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
func (e *ValidationError) StatusCode() int      { return http.StatusBadRequest }

// OptimisticConflictError is returned when a guarded write finds a newer
// stored timestamp than the one the caller read.
type OptimisticConflictError struct {
	ID       string
	Expected time.Time
	Actual   time.Time
}

func (e *OptimisticConflictError) Error() string {
	return fmt.Sprintf("document %q was updated at %s, expected %s",
		e.ID, e.Actual.Format(time.RFC3339Nano), e.Expected.Format(time.RFC3339Nano))
}

func (e *OptimisticConflictError) Is(target error) bool { return target == ErrOptimisticConflict }
func (e *OptimisticConflictError) StatusCode() int      { return http.StatusConflict }

// MergeConflictError carries overlapping edits that need a human decision.
type MergeConflictError struct {
	Path    string
	Details any
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict in %s", e.Path)
}

func (e *MergeConflictError) Is(target error) bool { return target == ErrMergeConflict }
func (e *MergeConflictError) StatusCode() int      { return http.StatusConflict }

// RemoteError wraps a failed repository API call. It is retryable unless
// Status says otherwise.
type RemoteError struct {
	Op     string
	Status int
	Err    error
}

func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error        { return e.Err }
func (e *RemoteError) Is(target error) bool { return target == ErrRemoteUnavailable }
func (e *RemoteError) StatusCode() int      { return http.StatusBadGateway }

// Retryable reports whether repeating the call might succeed.
func (e *RemoteError) Retryable() bool {
	if e.Status == 0 {
		return true
	}
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// NotFound builds a NotFoundError.
func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// Invalid builds a ValidationError.
func Invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// StatusCode maps any error onto an HTTP status, defaulting to 500.
func StatusCode(err error) int {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrOptimisticConflict), errors.Is(err, ErrMergeConflict):
		return http.StatusConflict
	case errors.Is(err, ErrRemoteUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
