package app

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"

	"doctrack/api/internal/auth"
	"doctrack/api/internal/lifecycle"
	"doctrack/api/internal/listing"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError translates service errors into HTTP responses. Validation is
// checked before Forbidden because an unknown status is marked as both.
func mapError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}

	hint := lifecycle.Hint(err)
	message := func(fallback string) string {
		if hint != "" {
			return hint
		}
		return fallback
	}

	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	case errors.Is(err, lifecycle.ErrValidation):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message("Invalid request."), nil)
	case errors.Is(err, lifecycle.ErrReceiverNotFound):
		return domainError(http.StatusNotFound, "RECEIVER_NOT_FOUND", message("Receiver office not found."), nil)
	case errors.Is(err, lifecycle.ErrNotFound):
		return domainError(http.StatusNotFound, "NOT_FOUND", message("Document not found."), nil)
	case errors.Is(err, lifecycle.ErrForbidden):
		var denied *lifecycle.DeniedError
		if errors.As(err, &denied) {
			details := map[string]any{
				"reason":   denied.Reason,
				"toStatus": denied.To,
			}
			if denied.Visible {
				details["fromStatus"] = denied.From
			}
			return domainError(http.StatusForbidden, "FORBIDDEN", message("Forbidden"), details)
		}
		return domainError(http.StatusForbidden, "FORBIDDEN", message("Forbidden"), nil)
	case errors.Is(err, lifecycle.ErrConflict):
		return domainError(http.StatusConflict, "CONFLICT", message("Document was updated concurrently."), nil)
	case errors.Is(err, lifecycle.ErrKeyGenerationExhausted):
		return domainError(http.StatusInternalServerError, "KEY_GENERATION_EXHAUSTED", message("Failed to generate a unique document key."), nil)
	case errors.Is(err, listing.ErrArchiveUnavailable):
		return domainError(http.StatusServiceUnavailable, "EXPORTS_UNAVAILABLE", message("Export archiving is not enabled."), nil)
	}
	return domainError(http.StatusInternalServerError, "SERVER_ERROR", "Server error.", nil)
}
