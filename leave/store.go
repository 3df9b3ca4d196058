/*
store.go - Persistence interfaces for requests, balances and the directory

KEY INTERFACES:
  RequestStore: insert, read, list and compare-and-set requests
  BalanceStore: balance records and the conditional counter updates
  Directory:    employee -> manager relationship used for authorization
  Store:        all of the above plus WithTx

ATOMICITY CONTRACT:
  AddUsed must apply "used + days <= allocated" and the increment as one
  step. Two concurrent calls on the same (employee, leave type) must never
  both observe the pre-increment value.

  SetAllocated only ever writes allocated on an existing record. It never
  writes used, so a debit committed concurrently is kept.

  CompareAndSetRequest writes the request only if its stored status is
  still the expected one. Otherwise it returns ErrStatusConflict.

  WithTx runs fn against a transactional view. If fn returns an error
  nothing it wrote is kept.

IMPLEMENTATIONS:
  - store/memory:   mutex + snapshot rollback, for tests and dev
  - store/sqlite:   database/sql + go-sqlite3
  - store/postgres: pgx pool
*/
package leave

import (
	"context"
	"time"
)

type RequestStore interface {
	// InsertRequest persists a new request.
	InsertRequest(ctx context.Context, req Request) error

	// GetRequest returns a *NotFoundError when the id is unknown.
	GetRequest(ctx context.Context, id string) (*Request, error)

	// ListRequests returns matching requests, newest first.
	ListRequests(ctx context.Context, filter RequestFilter) ([]Request, error)

	// CompareAndSetRequest overwrites the stored request with req only if the
	// stored status equals expected.
	CompareAndSetRequest(ctx context.Context, req Request, expected Status) error
}

type BalanceStore interface {
	GetBalance(ctx context.Context, employeeID string, leaveType LeaveType) (Balance, error)
	ListBalances(ctx context.Context, employeeID string) ([]Balance, error)

	// SaveBalance inserts or replaces a balance record. Seeding only; the
	// service never calls it.
	SaveBalance(ctx context.Context, b Balance) error

	// SetAllocated creates the record with used = 0, or sets allocated on an
	// existing one if used <= allocated. On ErrInsufficientBalance the
	// returned balance is the unchanged record.
	SetAllocated(ctx context.Context, employeeID string, leaveType LeaveType, allocated int, at time.Time) (Balance, error)

	// AddUsed increments used by days if used+days <= allocated.
	// On ErrInsufficientBalance the returned balance is the unchanged record.
	AddUsed(ctx context.Context, employeeID string, leaveType LeaveType, days int, at time.Time) (Balance, error)

	// SubtractUsed sets used = max(0, used-days).
	SubtractUsed(ctx context.Context, employeeID string, leaveType LeaveType, days int, at time.Time) (Balance, error)

	// SetUsed replaces used if the new value does not exceed allocated.
	SetUsed(ctx context.Context, employeeID string, leaveType LeaveType, used int, at time.Time) (Balance, error)
}

type Directory interface {
	SaveEmployee(ctx context.Context, e Employee) error
	GetEmployee(ctx context.Context, id string) (*Employee, error)

	// IsManagerOf reports whether managerID is the line manager of employeeID.
	IsManagerOf(ctx context.Context, managerID, employeeID string) (bool, error)
}

type Store interface {
	RequestStore
	BalanceStore
	Directory

	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// REQUEST FILTER
// =============================================================================

// RequestFilter narrows ListRequests. Zero-valued fields are ignored.
// Date bounds are inclusive and compared on calendar days.
type RequestFilter struct {
	EmployeeID string
	Statuses   []Status
	LeaveType  LeaveType

	StartFrom time.Time // start_date >= StartFrom
	StartTo   time.Time // start_date <= StartTo
	EndFrom   time.Time // end_date >= EndFrom

	CreatedBefore time.Time // created_at < CreatedBefore
}

// Matches applies the filter to a single request. Stores that cannot push
// the filter down to a query use it directly.
func (f RequestFilter) Matches(r Request) bool {
	if f.EmployeeID != "" && r.EmployeeID != f.EmployeeID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, r.Status) {
		return false
	}
	if f.LeaveType != "" && r.LeaveType != f.LeaveType {
		return false
	}
	if !f.StartFrom.IsZero() && r.StartDate.Before(Day(f.StartFrom)) {
		return false
	}
	if !f.StartTo.IsZero() && r.StartDate.After(Day(f.StartTo)) {
		return false
	}
	if !f.EndFrom.IsZero() && r.EndDate.Before(Day(f.EndFrom)) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !r.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

func containsStatus(list []Status, s Status) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
