package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/unitylab/clipforge/internal/domain"
)

// Envelope is the standard API response wrapper.
type Envelope struct {
	Data  any       `json:"data,omitempty"`
	Error *APIError `json:"error,omitempty"`
}

// APIError represents an error in the API response.
type APIError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// FieldError represents a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// JSON writes a JSON response with the standard envelope.
func JSON(c echo.Context, status int, data any) error {
	return c.JSON(status, Envelope{Data: data})
}

// HTTPErrorHandler is the global error handler for echo.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, apiErr := mapError(err)
	if jsonErr := c.JSON(status, Envelope{Error: &apiErr}); jsonErr != nil {
		slog.Error("failed to send error response", "error", jsonErr)
	}
}

func mapError(err error) (int, APIError) {
	// Handle echo's own HTTP errors (404, 405, etc.)
	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		msg, _ := echoErr.Message.(string)
		if msg == "" {
			msg = http.StatusText(echoErr.Code)
		}
		return echoErr.Code, APIError{
			Code:    http.StatusText(echoErr.Code),
			Message: msg,
		}
	}

	switch {
	case errors.Is(err, domain.ErrUnknownPlan):
		return http.StatusBadRequest, APIError{
			Code:    "unknown_plan",
			Message: "Unknown plan. Use: express | priority | standard",
		}
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, APIError{
			Code:    "invalid_input",
			Message: err.Error(),
		}
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound, APIError{
			Code:    "job_not_found",
			Message: "The requested job was not found",
		}
	case errors.Is(err, domain.ErrExperimentNotFound):
		return http.StatusNotFound, APIError{
			Code:    "experiment_not_found",
			Message: "The requested experiment was not found",
		}
	case errors.Is(err, domain.ErrIllegalTransition):
		return http.StatusConflict, APIError{
			Code:    "illegal_transition",
			Message: err.Error(),
		}
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, APIError{
			Code:    "conflict",
			Message: "The resource already exists or conflicts with current state",
		}
	default:
		var validationErr *domain.ValidationError
		if errors.As(err, &validationErr) {
			return http.StatusBadRequest, APIError{
				Code:    "validation_error",
				Message: "Validation failed",
				Details: []FieldError{
					{Field: validationErr.Field, Message: validationErr.Message},
				},
			}
		}

		slog.Error("unhandled error", "error", err)
		return http.StatusInternalServerError, APIError{
			Code:    "internal_error",
			Message: "An unexpected error occurred",
		}
	}
}
