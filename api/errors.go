package api

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/apprh/leave-engine/leave"
)

// =============================================================================
// ERROR MAPPING - leave errors to HTTP status and machine-readable code
// =============================================================================

const (
	CodeInvalidInput        = "INVALID_INPUT"
	CodeForbidden           = "FORBIDDEN"
	CodeInvalidState        = "INVALID_STATE"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeNotFound            = "NOT_FOUND"
	CodeInternal            = "INTERNAL_ERROR"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

// statusFor maps an error from the leave package to its HTTP status and code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, leave.ErrValidation):
		return http.StatusBadRequest, CodeInvalidInput
	case errors.Is(err, leave.ErrUnauthorized):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, leave.ErrInvalidTransition):
		return http.StatusConflict, CodeInvalidState
	case errors.Is(err, leave.ErrInsufficientBalance):
		return http.StatusConflict, CodeInsufficientBalance
	case errors.Is(err, leave.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// toErrorResponse builds the body for err. Internal errors are not echoed
// back to the client.
func toErrorResponse(err error) (int, ErrorResponse) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		return status, ErrorResponse{Error: "internal error", Code: code}
	}

	resp := ErrorResponse{Error: err.Error(), Code: code}
	var vErr *leave.ValidationError
	if errors.As(err, &vErr) {
		resp.Field = vErr.Field
	}
	return status, resp
}

// bindingError converts the first failed validator rule into a ValidationError.
// Field names come from the json tags.
func bindingError(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return &leave.ValidationError{Message: "invalid request body"}
	}

	e := errs[0]
	switch e.Tag() {
	case "required":
		return &leave.ValidationError{Field: e.Field(), Message: "is required"}
	case "gte", "min":
		return &leave.ValidationError{Field: e.Field(), Message: "must be at least " + e.Param()}
	case "lte", "max":
		return &leave.ValidationError{Field: e.Field(), Message: "must be at most " + e.Param()}
	default:
		return &leave.ValidationError{Field: e.Field(), Message: "is invalid"}
	}
}
