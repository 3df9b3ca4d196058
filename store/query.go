// Package store holds what the SQL-backed leave stores share: the request
// columns and the goqu builder that turns a leave.RequestFilter into SQL.
package store

import (
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // dialect registration
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/apprh/leave-engine/leave"
)

const (
	TableRequests = "leave_requests"

	ColID                = "id"
	ColEmployeeID        = "employee_id"
	ColLeaveType         = "leave_type"
	ColStartDate         = "start_date"
	ColEndDate           = "end_date"
	ColDays              = "days"
	ColReason            = "reason"
	ColStatus            = "status"
	ColRejectionReason   = "rejection_reason"
	ColManagerDecidedBy  = "manager_decided_by"
	ColManagerDecisionAt = "manager_decision_at"
	ColRHDecidedBy       = "rh_decided_by"
	ColRHDecisionAt      = "rh_decision_at"
	ColCreatedAt         = "created_at"
	ColUpdatedAt         = "updated_at"
)

// RequestColumns is the column order every request scan expects.
var RequestColumns = []any{
	ColID, ColEmployeeID, ColLeaveType, ColStartDate, ColEndDate, ColDays,
	ColReason, ColStatus, ColRejectionReason,
	ColManagerDecidedBy, ColManagerDecisionAt, ColRHDecidedBy, ColRHDecisionAt,
	ColCreatedAt, ColUpdatedAt,
}

// Dialect describes how a SQL store encodes its values.
type Dialect struct {
	Name string              // goqu dialect: "sqlite3" or "postgres"
	Day  func(time.Time) any // calendar-day columns
	Time func(time.Time) any // timestamp columns
}

// SelectRequests builds the prepared ListRequests query for filter,
// newest first with id as tie-breaker.
func SelectRequests(d Dialect, filter leave.RequestFilter) (string, []any, error) {
	var where []exp.Expression

	if filter.EmployeeID != "" {
		where = append(where, goqu.C(ColEmployeeID).Eq(filter.EmployeeID))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		where = append(where, goqu.Ex{ColStatus: statuses})
	}
	if filter.LeaveType != "" {
		where = append(where, goqu.C(ColLeaveType).Eq(string(filter.LeaveType)))
	}
	if !filter.StartFrom.IsZero() {
		where = append(where, goqu.C(ColStartDate).Gte(d.Day(filter.StartFrom)))
	}
	if !filter.StartTo.IsZero() {
		where = append(where, goqu.C(ColStartDate).Lte(d.Day(filter.StartTo)))
	}
	if !filter.EndFrom.IsZero() {
		where = append(where, goqu.C(ColEndDate).Gte(d.Day(filter.EndFrom)))
	}
	if !filter.CreatedBefore.IsZero() {
		where = append(where, goqu.C(ColCreatedAt).Lt(d.Time(filter.CreatedBefore)))
	}

	stmt := goqu.Dialect(d.Name).
		From(TableRequests).
		Prepared(true).
		Select(RequestColumns...).
		Order(goqu.I(ColCreatedAt).Desc(), goqu.I(ColID).Desc())
	if len(where) > 0 {
		stmt = stmt.Where(goqu.And(where...))
	}

	query, args, err := stmt.ToSQL()
	if err != nil {
		return "", nil, fmt.Errorf("failed to build request query: %w", err)
	}
	return query, args, nil
}
