/*
errors.go - Error taxonomy for the leave workflow

ERROR CATEGORIES:
  ErrValidation          malformed input (bad dates, empty required reason)
  ErrUnauthorized        actor lacks the role for the operation
  ErrInvalidTransition   request is not in a state that permits the transition,
                         including "already decided by a racing caller"
  ErrInsufficientBalance ledger debit precondition failed
  ErrNotFound            unknown request, balance or employee

Every structured error unwraps to exactly one of the sentinels so callers
can branch with errors.Is and still read details with errors.As.

Nothing here is retried automatically. Retrying is a caller concern.
*/
package leave

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation          = errors.New("validation failed")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotFound            = errors.New("not found")

	// ErrStatusConflict is returned by stores when a compare-and-set on a
	// request's status finds a different status than expected. The service
	// reports it to callers as an InvalidTransitionError.
	ErrStatusConflict = errors.New("request status changed concurrently")
)

// ErrRejectionReasonRequired is returned by reject_manager and reject_rh
// when no reason is given.
var ErrRejectionReasonRequired = &ValidationError{
	Field:   "rejection_reason",
	Message: "is required when rejecting a request",
}

// ErrOverlappingRequest is returned on creation when overlap checks are on
// and the employee already holds a live request covering one of the days.
var ErrOverlappingRequest = &ValidationError{
	Field:   "start_date",
	Message: "overlaps an existing leave request",
}

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type UnauthorizedError struct {
	ActorID   string
	Operation string
	Reason    string
}

func (e *UnauthorizedError) Error() string {
	msg := fmt.Sprintf("actor %q is not allowed to %s", e.ActorID, e.Operation)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *UnauthorizedError) Unwrap() error { return ErrUnauthorized }

type InvalidTransitionError struct {
	Transition Transition
	From       Status
	// Concurrent is set when the request changed between the read and the
	// compare-and-set, i.e. another caller decided it first.
	Concurrent bool
}

func (e *InvalidTransitionError) Error() string {
	if e.Concurrent {
		return fmt.Sprintf("cannot %s: request was already decided by another caller", e.Transition)
	}
	if e.Transition == TransitionCancel && e.From == StatusRHApproved {
		return "cannot cancel: request is already RH_APPROVED"
	}
	return fmt.Sprintf("cannot %s a request in status %s", e.Transition, e.From)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

type InsufficientBalanceError struct {
	EmployeeID string
	LeaveType  LeaveType
	Available  int
	Requested  int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance for %s: available %d, requested %d",
		e.LeaveType, e.EmployeeID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

type NotFoundError struct {
	Kind string // "request", "balance", "employee"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is caused by the caller's input or
// the request's state, as opposed to an infrastructure failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInsufficientBalance)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
