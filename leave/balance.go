package leave

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BALANCE - Allocation and usage for one (employee, leave type)
// =============================================================================

// Balance holds the counters for one employee and one tracked leave type.
//
// INVARIANT: 0 <= Used <= Allocated after every mutation.
type Balance struct {
	EmployeeID string
	LeaveType  LeaveType
	Allocated  int
	Used       int
	UpdatedAt  time.Time
}

func (b Balance) Remaining() int { return b.Allocated - b.Used }

// CanDebit reports whether days more can be used without exceeding the allocation.
func (b Balance) CanDebit(days int) bool { return b.Used+days <= b.Allocated }

func (b Balance) Validate() error {
	if b.EmployeeID == "" {
		return &ValidationError{Field: "employee_id", Message: "is required"}
	}
	if !b.LeaveType.Tracked() {
		return &ValidationError{Field: "leave_type", Message: "has no balance"}
	}
	if b.Allocated < 0 {
		return &ValidationError{Field: "allocated", Message: "must not be negative"}
	}
	if b.Used < 0 || b.Used > b.Allocated {
		return &ValidationError{Field: "used", Message: "must be between 0 and allocated"}
	}
	return nil
}

// =============================================================================
// MONTHLY VIEW
// =============================================================================

const monthsPerYear = 12

// BalanceSummary is a balance plus the monthly breakdown shown to employees.
// The yearly allocation is spread evenly over twelve months.
type BalanceSummary struct {
	Balance

	MonthlyAllowance   decimal.Decimal
	UsedThisMonth      int
	RemainingThisMonth decimal.Decimal
}

// MonthlyAllowance returns allocated / 12 rounded to two decimal places.
func (b Balance) MonthlyAllowance() decimal.Decimal {
	return decimal.NewFromInt(int64(b.Allocated)).
		Div(decimal.NewFromInt(monthsPerYear)).
		Round(2)
}

func summarize(b Balance, usedThisMonth int) BalanceSummary {
	monthly := b.MonthlyAllowance()
	return BalanceSummary{
		Balance:            b,
		MonthlyAllowance:   monthly,
		UsedThisMonth:      usedThisMonth,
		RemainingThisMonth: monthly.Sub(decimal.NewFromInt(int64(usedThisMonth))),
	}
}

// monthBounds returns the first and last day of the month containing t.
func monthBounds(t time.Time) (time.Time, time.Time) {
	first := Date(t.Year(), t.Month(), 1)
	return first, first.AddDate(0, 1, -1)
}
