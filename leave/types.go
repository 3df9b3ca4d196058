/*
Package leave implements the leave-request approval workflow and the
balance ledger it debits.

PURPOSE:
  An employee submits a leave request, the line manager approves or
  rejects it, then HR approves or rejects it. HR approval is the only
  step with a side effect: it debits the employee's balance for the
  requested leave type. The debit and the status change are one unit.

KEY CONCEPTS IN THIS FILE (types.go):
  - LeaveType: category of absence, decides whether a balance applies
  - Status:    lifecycle state of a request
  - Actor:     the authenticated caller and the roles it holds
  - Request:   the workflow entity
  - Balance:   allocated/used counters per (employee, leave type)

LIFECYCLE:
  PENDING ──approve_manager──▶ MANAGER_APPROVED ──approve_rh──▶ RH_APPROVED
     │                               │
     ├──reject_manager──▶ REJECTED ◀─┤ reject_rh
     └──cancel──────────▶ CANCELLED ◀┘ cancel

  RH_APPROVED, REJECTED and CANCELLED are terminal. A terminal request is
  a read-only historical record.

SEE ALSO:
  - workflow.go: transition table and role requirements
  - ledger.go:   Debit/Credit with the 0 <= used <= allocated invariant
  - request.go:  Service, the entry point for callers
*/
package leave

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// LEAVE TYPE
// =============================================================================

type LeaveType string

const (
	TypeAnnual    LeaveType = "ANNUAL"
	TypeSick      LeaveType = "SICK"
	TypePersonal  LeaveType = "PERSONAL"
	TypeMaternity LeaveType = "MATERNITY"
	TypePaternity LeaveType = "PATERNITY"
	TypeUnpaid    LeaveType = "UNPAID"
)

// LeaveTypes lists every known leave type in display order.
var LeaveTypes = []LeaveType{TypeAnnual, TypeSick, TypePersonal, TypeMaternity, TypePaternity, TypeUnpaid}

func (t LeaveType) Valid() bool {
	for _, known := range LeaveTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Tracked reports whether requests of this type are constrained by a balance.
// Unpaid leave is never checked against an allocation.
func (t LeaveType) Tracked() bool { return t.Valid() && t != TypeUnpaid }

// ParseLeaveType accepts any casing ("annual", "Annual", "ANNUAL").
func ParseLeaveType(s string) (LeaveType, error) {
	t := LeaveType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", &ValidationError{Field: "leave_type", Message: fmt.Sprintf("unknown leave type %q", s)}
	}
	return t, nil
}

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusPending         Status = "PENDING"
	StatusManagerApproved Status = "MANAGER_APPROVED"
	StatusRHApproved      Status = "RH_APPROVED"
	StatusRejected        Status = "REJECTED"
	StatusCancelled       Status = "CANCELLED"
)

var Statuses = []Status{StatusPending, StatusManagerApproved, StatusRHApproved, StatusRejected, StatusCancelled}

func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusRHApproved || s == StatusRejected || s == StatusCancelled
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", s)}
	}
	return st, nil
}

// =============================================================================
// ACTOR - Who is calling
// =============================================================================

type Role string

const (
	RoleEmployee Role = "EMPLOYEE"
	RoleManager  Role = "MANAGER"
	RoleHR       Role = "HR"
	RoleAdmin    Role = "ADMIN"
)

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	switch r {
	case RoleEmployee, RoleManager, RoleHR, RoleAdmin:
		return r, nil
	}
	return "", &ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %q", s)}
}

// Actor is the authenticated party invoking an operation. Identity and roles
// come from the authentication layer; this package only checks them.
type Actor struct {
	ID    string
	Roles []Role
}

func NewActor(id string, roles ...Role) Actor {
	return Actor{ID: id, Roles: roles}
}

func (a Actor) HasRole(role Role) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (a Actor) HasAnyRole(roles ...Role) bool {
	for _, r := range roles {
		if a.HasRole(r) {
			return true
		}
	}
	return false
}

// =============================================================================
// REQUEST - The workflow entity
// =============================================================================

type Request struct {
	ID         string
	EmployeeID string
	LeaveType  LeaveType
	StartDate  time.Time // UTC midnight
	EndDate    time.Time // UTC midnight, inclusive
	Days       int
	Reason     string
	Status     Status

	RejectionReason string

	ManagerDecidedBy  string
	ManagerDecisionAt *time.Time
	RHDecidedBy       string
	RHDecisionAt      *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsCurrent reports whether an approved leave covers the given day.
func (r Request) IsCurrent(day time.Time) bool {
	d := Day(day)
	return r.Status == StatusRHApproved && !d.Before(r.StartDate) && !d.After(r.EndDate)
}

// IsUpcoming reports whether an approved leave starts after the given day.
func (r Request) IsUpcoming(day time.Time) bool {
	return r.Status == StatusRHApproved && r.StartDate.After(Day(day))
}

// IsPast reports whether the leave ended before the given day.
func (r Request) IsPast(day time.Time) bool {
	return r.EndDate.Before(Day(day))
}

// AwaitingDecision reports whether someone still has to act on the request.
func (r Request) AwaitingDecision() bool {
	return r.Status == StatusPending || r.Status == StatusManagerApproved
}

// =============================================================================
// EMPLOYEE - Directory entry used for manager checks
// =============================================================================

type Employee struct {
	ID        string
	Name      string
	ManagerID string
}

// =============================================================================
// DATES
// =============================================================================

const DateLayout = "2006-01-02"

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func ParseDate(field, s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, &ValidationError{Field: field, Message: "invalid date format, expected YYYY-MM-DD"}
	}
	return t, nil
}

// InclusiveDays counts calendar days from start to end, both included.
func InclusiveDays(start, end time.Time) int {
	return int(Day(end).Sub(Day(start)).Hours()/24) + 1
}
