package app

import (
	"errors"
	"net/http"

	"docsflow/api/internal/domain"
)

// mapError turns an error into the JSON error envelope. Conflicts carry
// their details so the client can render both sides.
func mapError(err error) (status int, code, message string, details any) {
	status = domain.StatusCode(err)

	var mergeErr *domain.MergeConflictError
	var guardErr *domain.OptimisticConflictError
	switch {
	case errors.As(err, &mergeErr):
		return status, "MERGE_CONFLICT", mergeErr.Error(), mergeErr.Details
	case errors.As(err, &guardErr):
		return status, "STALE_DOCUMENT", guardErr.Error(), map[string]any{"updatedAt": guardErr.Actual}
	case errors.Is(err, domain.ErrNotFound):
		return status, "NOT_FOUND", err.Error(), nil
	case errors.Is(err, domain.ErrValidation):
		return status, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, domain.ErrRemoteUnavailable):
		return status, "REMOTE_UNAVAILABLE", "Repository request failed", nil
	}
	if status == http.StatusInternalServerError {
		return status, "SERVER_ERROR", "Server error", nil
	}
	return status, "ERROR", err.Error(), nil
}
