/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the leave domain model from the external API contract.

NAMING CONVENTION:
  - *DTO:  Response types returned to clients
  - *Body: Request body types from clients

TYPES:
  Requests:
    CreateRequestBody, RejectBody, RequestDTO

  Balances:
    ProvisionBody, CreditBody, RecalculateBody, BalanceDTO, BalanceSummaryDTO

  Directory:
    EmployeeBody, EmployeeDTO

  Monitor:
    AlertsDTO

VALIDATION:
  Bodies carry go-playground/validator tags for shape checks (presence,
  ranges). Domain rules (date order, reason on reject, role checks) stay in
  the leave package so every caller gets them.

SEE ALSO:
  - handlers.go: Uses these types
  - errors.go: Converts validator failures into INVALID_INPUT
*/
package api

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/apprh/leave-engine/leave"
)

// =============================================================================
// REQUEST BODIES
// =============================================================================

type CreateRequestBody struct {
	EmployeeID string `json:"employee_id" validate:"required"`
	LeaveType  string `json:"leave_type" validate:"required"`
	StartDate  string `json:"start_date" validate:"required"`
	EndDate    string `json:"end_date" validate:"required"`
	Reason     string `json:"reason" validate:"required"`
	Days       *int   `json:"days,omitempty" validate:"omitempty,gte=1"`
}

// RejectBody is accepted by reject-manager and reject-rh. An empty reason
// is rejected by the service, not by the binding.
type RejectBody struct {
	RejectionReason string `json:"rejection_reason"`
}

type ProvisionBody struct {
	Allocated *int `json:"allocated" validate:"required,gte=0"`
}

type CreditBody struct {
	Days int `json:"days" validate:"gte=1"`
}

// RecalculateBody selects the year to rebuild. Zero means the current year.
type RecalculateBody struct {
	Year int `json:"year" validate:"omitempty,gte=1970,lte=9999"`
}

type EmployeeBody struct {
	Name      string `json:"name"`
	ManagerID string `json:"manager_id"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type RequestDTO struct {
	ID                string  `json:"id"`
	EmployeeID        string  `json:"employee_id"`
	LeaveType         string  `json:"leave_type"`
	StartDate         string  `json:"start_date"`
	EndDate           string  `json:"end_date"`
	Days              int     `json:"days"`
	Reason            string  `json:"reason"`
	Status            string  `json:"status"`
	RejectionReason   string  `json:"rejection_reason,omitempty"`
	ManagerDecidedBy  string  `json:"manager_decided_by,omitempty"`
	ManagerDecisionAt *string `json:"manager_decision_at,omitempty"`
	RHDecidedBy       string  `json:"rh_decided_by,omitempty"`
	RHDecisionAt      *string `json:"rh_decision_at,omitempty"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
}

type BalanceDTO struct {
	EmployeeID string `json:"employee_id"`
	LeaveType  string `json:"leave_type"`
	Allocated  int    `json:"allocated"`
	Used       int    `json:"used"`
	Remaining  int    `json:"remaining"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

// BalanceSummaryDTO adds the monthly breakdown. Decimals marshal as strings.
type BalanceSummaryDTO struct {
	BalanceDTO
	MonthlyAllowance   decimal.Decimal `json:"monthly_allowance"`
	UsedThisMonth      int             `json:"used_this_month"`
	RemainingThisMonth decimal.Decimal `json:"remaining_this_month"`
}

type EmployeeDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ManagerID string `json:"manager_id,omitempty"`
}

type AlertsDTO struct {
	CheckedAt  string       `json:"checked_at,omitempty"`
	StaleAfter string       `json:"stale_after"`
	Requests   []RequestDTO `json:"requests"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toRequestDTO(r leave.Request) RequestDTO {
	return RequestDTO{
		ID:                r.ID,
		EmployeeID:        r.EmployeeID,
		LeaveType:         string(r.LeaveType),
		StartDate:         r.StartDate.Format(leave.DateLayout),
		EndDate:           r.EndDate.Format(leave.DateLayout),
		Days:              r.Days,
		Reason:            r.Reason,
		Status:            string(r.Status),
		RejectionReason:   r.RejectionReason,
		ManagerDecidedBy:  r.ManagerDecidedBy,
		ManagerDecisionAt: formatTimePtr(r.ManagerDecisionAt),
		RHDecidedBy:       r.RHDecidedBy,
		RHDecisionAt:      formatTimePtr(r.RHDecisionAt),
		CreatedAt:         r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         r.UpdatedAt.Format(time.RFC3339),
	}
}

func toRequestDTOs(reqs []leave.Request) []RequestDTO {
	out := make([]RequestDTO, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, toRequestDTO(r))
	}
	return out
}

func toBalanceDTO(b leave.Balance) BalanceDTO {
	dto := BalanceDTO{
		EmployeeID: b.EmployeeID,
		LeaveType:  string(b.LeaveType),
		Allocated:  b.Allocated,
		Used:       b.Used,
		Remaining:  b.Remaining(),
	}
	if !b.UpdatedAt.IsZero() {
		dto.UpdatedAt = b.UpdatedAt.Format(time.RFC3339)
	}
	return dto
}

func toBalanceSummaryDTO(s leave.BalanceSummary) BalanceSummaryDTO {
	return BalanceSummaryDTO{
		BalanceDTO:         toBalanceDTO(s.Balance),
		MonthlyAllowance:   s.MonthlyAllowance,
		UsedThisMonth:      s.UsedThisMonth,
		RemainingThisMonth: s.RemainingThisMonth,
	}
}

func toEmployeeDTO(e leave.Employee) EmployeeDTO {
	return EmployeeDTO{ID: e.ID, Name: e.Name, ManagerID: e.ManagerID}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// =============================================================================
// VALIDATOR
// =============================================================================

// newValidator reports field names by their json tag so error responses
// name the field the client actually sent.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
