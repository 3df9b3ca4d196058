/*
ledger.go - Balance ledger with atomic debit/credit

PURPOSE:
  The ledger owns the allocated/used counters per (employee, leave type)
  and is the only component that mutates them during the workflow. It has
  no knowledge of request states.

CRITICAL INVARIANT:
  0 <= used <= allocated after every mutation.

  Debit checks "used + days <= allocated" and increments in a single store
  operation (BalanceStore.AddUsed). No two concurrent debits may both pass
  the check against the same pre-debit value.

UNPAID LEAVE:
  Debit and Credit on UNPAID always succeed and touch nothing. Unpaid leave
  is not constrained by an allocation.

FAILURES:
  ErrInsufficientBalance and ErrNotFound are returned as-is, never
  downgraded. A failed call leaves the balance unchanged.
*/
package leave

import (
	"context"
	"errors"
	"time"
)

// Ledger is the balance ledger used by the workflow.
type Ledger interface {
	GetBalance(ctx context.Context, employeeID string, leaveType LeaveType) (Balance, error)

	// Debit increments used by days, or fails with *InsufficientBalanceError.
	Debit(ctx context.Context, employeeID string, leaveType LeaveType, days int) error

	// Credit reverses a prior debit: used = max(0, used-days).
	Credit(ctx context.Context, employeeID string, leaveType LeaveType, days int) error
}

// =============================================================================
// DEFAULT LEDGER - Implementation using BalanceStore
// =============================================================================

type DefaultLedger struct {
	Store BalanceStore

	// Now stamps updated_at on every mutation.
	Now func() time.Time
}

func NewLedger(store BalanceStore) *DefaultLedger {
	return &DefaultLedger{Store: store, Now: time.Now}
}

var _ Ledger = (*DefaultLedger)(nil)

func (l *DefaultLedger) GetBalance(ctx context.Context, employeeID string, leaveType LeaveType) (Balance, error) {
	if !leaveType.Tracked() {
		return Balance{}, &NotFoundError{Kind: "balance", ID: balanceID(employeeID, leaveType)}
	}
	return l.Store.GetBalance(ctx, employeeID, leaveType)
}

func (l *DefaultLedger) Debit(ctx context.Context, employeeID string, leaveType LeaveType, days int) error {
	if err := checkDays(days); err != nil {
		return err
	}
	if !leaveType.Tracked() {
		return nil
	}

	b, err := l.Store.AddUsed(ctx, employeeID, leaveType, days, l.Now().UTC())
	if errors.Is(err, ErrInsufficientBalance) {
		return &InsufficientBalanceError{
			EmployeeID: employeeID,
			LeaveType:  leaveType,
			Available:  b.Remaining(),
			Requested:  days,
		}
	}
	return err
}

func (l *DefaultLedger) Credit(ctx context.Context, employeeID string, leaveType LeaveType, days int) error {
	if err := checkDays(days); err != nil {
		return err
	}
	if !leaveType.Tracked() {
		return nil
	}
	_, err := l.Store.SubtractUsed(ctx, employeeID, leaveType, days, l.Now().UTC())
	return err
}

func checkDays(days int) error {
	if days < 1 {
		return &ValidationError{Field: "days", Message: "must be at least 1"}
	}
	return nil
}

func balanceID(employeeID string, leaveType LeaveType) string {
	return employeeID + "/" + string(leaveType)
}

// BalanceNotFound builds the error stores return for a missing balance record.
func BalanceNotFound(employeeID string, leaveType LeaveType) error {
	return &NotFoundError{Kind: "balance", ID: balanceID(employeeID, leaveType)}
}

// RequestNotFound builds the error stores return for an unknown request id.
func RequestNotFound(id string) error {
	return &NotFoundError{Kind: "request", ID: id}
}

// EmployeeNotFound builds the error stores return for an unknown employee.
func EmployeeNotFound(id string) error {
	return &NotFoundError{Kind: "employee", ID: id}
}
