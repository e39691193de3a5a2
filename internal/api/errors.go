package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"gradeflow/internal/api/shared"
	"gradeflow/internal/pipeline"
	"gradeflow/internal/service/grading"
	"gradeflow/internal/store"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// leaking internal error types or messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, store.ErrResultNotFound),
		errors.Is(err, store.ErrCheckpointNotFound),
		errors.Is(err, pipeline.ErrRunNotFound):
		return http.StatusNotFound

	case errors.Is(err, grading.ErrInvalidSubmission),
		errors.Is(err, pipeline.ErrInvalidInput),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-facing message for err.
func GetSafeErrorMessage(err error) string {
	switch {
	case err == nil:
		return "An unexpected error occurred"

	case errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, pipeline.ErrRunNotFound):
		return "Task not found"

	case errors.Is(err, store.ErrResultNotFound):
		return "Task result not found"

	case errors.Is(err, store.ErrCheckpointNotFound):
		return "Task status not found"

	case errors.Is(err, grading.ErrInvalidSubmission),
		errors.Is(err, pipeline.ErrInvalidInput):
		return "Invalid grading submission"

	case errors.Is(err, store.ErrInvalidEntity):
		return "Invalid entity data"

	case errors.Is(err, store.ErrDuplicate):
		return "Resource already exists"

	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError turns a validator error into a user-friendly
// message without echoing request contents back.
func SanitizeValidationError(err error) string {
	errMsg := err.Error()

	if strings.Contains(errMsg, "Field validation") {
		// Example: "Key: 'SubmitGradingRequest.AnswerFiles' Error:Field
		// validation for 'AnswerFiles' failed on the 'required' tag"
		parts := strings.Split(errMsg, "Error:")
		if len(parts) >= 2 {
			fieldParts := strings.Split(parts[1], "'")
			if len(fieldParts) >= 3 {
				field := fieldParts[1]
				var tag string
				if len(fieldParts) >= 5 {
					tag = fieldParts[3]
				}
				if tag != "" {
					return fmt.Sprintf("Invalid %s: %s", field, validationTagMessage(tag))
				}
				return fmt.Sprintf("Invalid %s", field)
			}
		}
	}

	return "Validation error"
}

func validationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min":
		return "too short"
	case "max":
		return "too long"
	case "oneof":
		return "invalid value"
	case "dive":
		return "invalid element"
	default:
		return "validation failed"
	}
}

// HandleAPIError writes the standard error response for err. userMessage
// overrides the derived safe message when non-empty.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, userMessage string) {
	status := MapErrorToStatusCode(err)
	if userMessage == "" {
		userMessage = GetSafeErrorMessage(err)
	}
	shared.RespondWithErrorAndLog(w, r, status, userMessage, err)
}
