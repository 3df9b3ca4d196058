/*
handlers.go - HTTP API handlers for the leave approval workflow

PURPOSE:
  Exposes the leave service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every rule to the leave package.

ENDPOINTS:
  Requests:
    POST   /api/requests                         Create a leave request
    GET    /api/requests                         List (employee_id, status, leave_type)
    GET    /api/requests/current                 Approved leaves covering ?date= (default today)
    GET    /api/requests/upcoming                Approved leaves starting after ?date=
    GET    /api/requests/pending-approval        Requests awaiting a decision
    GET    /api/requests/alerts                  Latest stale request report
    GET    /api/requests/{id}                    Get one request
    POST   /api/requests/{id}/approve-manager    Manager approval
    POST   /api/requests/{id}/reject-manager     Manager rejection (rejection_reason)
    POST   /api/requests/{id}/approve-rh         HR approval, debits the balance
    POST   /api/requests/{id}/reject-rh          HR rejection (rejection_reason)
    POST   /api/requests/{id}/cancel             Cancel by owner or admin

  Balances:
    GET    /api/balances/{employee_id}                           All balances
    GET    /api/balances/{employee_id}/{leave_type}              Balance + monthly view (?as_of=)
    PUT    /api/balances/{employee_id}/{leave_type}              Provision allocation
    POST   /api/balances/{employee_id}/{leave_type}/credit       Correction credit
    POST   /api/balances/{employee_id}/{leave_type}/recalculate  Rebuild used from approvals

  Directory:
    GET    /api/employees/{id}                   Get employee
    PUT    /api/employees/{id}                   Create or update employee

REQUEST FLOW:
  1. ActorMiddleware attaches the caller from X-Actor-ID / X-Actor-Roles
  2. Decode and shape-check the body (validator tags)
  3. Call the leave service
  4. Serialize response, or map the error (errors.go)

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error to status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/apprh/leave-engine/leave"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *leave.Service
	Monitor *PendingMonitor

	logger   *zap.Logger
	validate *validator.Validate
	now      func() time.Time
}

// NewHandler creates a handler. monitor may be nil, in which case the alerts
// endpoint computes nothing and returns an empty report.
func NewHandler(service *leave.Service, monitor *PendingMonitor, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.L()
	}
	return &Handler{
		Service:  service,
		Monitor:  monitor,
		logger:   logger.Named("api.handler"),
		validate: newValidator(),
		now:      time.Now,
	}
}

func (h *Handler) today() time.Time { return leave.Day(h.now().UTC()) }

// =============================================================================
// REQUEST ENDPOINTS
// =============================================================================

// CreateRequest handles POST /api/requests
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var body CreateRequestBody
	if !h.bind(w, r, &body, false) {
		return
	}

	leaveType, err := leave.ParseLeaveType(body.LeaveType)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	start, err := leave.ParseDate("start_date", body.StartDate)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	end, err := leave.ParseDate("end_date", body.EndDate)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	req, err := h.Service.CreateRequest(r.Context(), ActorFromContext(r.Context()), leave.CreateInput{
		EmployeeID: body.EmployeeID,
		LeaveType:  leaveType,
		StartDate:  start,
		EndDate:    end,
		Reason:     body.Reason,
		Days:       body.Days,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toRequestDTO(*req))
}

// ListRequests handles GET /api/requests
// status accepts a comma-separated list.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := leave.RequestFilter{EmployeeID: strings.TrimSpace(q.Get("employee_id"))}

	for _, raw := range strings.Split(q.Get("status"), ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		status, err := leave.ParseStatus(raw)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	if raw := q.Get("leave_type"); raw != "" {
		lt, err := leave.ParseLeaveType(raw)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		filter.LeaveType = lt
	}

	reqs, err := h.Service.ListRequests(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTOs(reqs))
}

// GetRequest handles GET /api/requests/{id}
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Service.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*req))
}

// CurrentLeaves handles GET /api/requests/current
func (h *Handler) CurrentLeaves(w http.ResponseWriter, r *http.Request) {
	day, ok := h.dateParam(w, r, "date")
	if !ok {
		return
	}
	reqs, err := h.Service.CurrentLeaves(r.Context(), day)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTOs(reqs))
}

// UpcomingLeaves handles GET /api/requests/upcoming
func (h *Handler) UpcomingLeaves(w http.ResponseWriter, r *http.Request) {
	day, ok := h.dateParam(w, r, "date")
	if !ok {
		return
	}
	reqs, err := h.Service.UpcomingLeaves(r.Context(), day)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTOs(reqs))
}

// PendingApproval handles GET /api/requests/pending-approval
func (h *Handler) PendingApproval(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Service.PendingApproval(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTOs(reqs))
}

// Alerts handles GET /api/requests/alerts
// Serves the monitor's last report, running a check first if none exists.
func (h *Handler) Alerts(w http.ResponseWriter, r *http.Request) {
	if h.Monitor == nil {
		writeJSON(w, http.StatusOK, AlertsDTO{Requests: []RequestDTO{}})
		return
	}

	checkedAt, reqs := h.Monitor.Latest()
	if checkedAt.IsZero() {
		var err error
		if reqs, err = h.Monitor.Check(r.Context()); err != nil {
			writeServiceError(w, err)
			return
		}
		checkedAt, _ = h.Monitor.Latest()
	}

	writeJSON(w, http.StatusOK, AlertsDTO{
		CheckedAt:  checkedAt.Format(time.RFC3339),
		StaleAfter: h.Monitor.StaleAfter.String(),
		Requests:   toRequestDTOs(reqs),
	})
}

// Transition returns the handler for POST /api/requests/{id}/<transition>.
// Rejections read rejection_reason from the body; other transitions ignore it.
func (h *Handler) Transition(t leave.Transition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var reason string
		if t.RequiresReason() {
			var body RejectBody
			if !h.bind(w, r, &body, true) {
				return
			}
			reason = body.RejectionReason
		}

		req, err := h.Service.Apply(r.Context(), t, chi.URLParam(r, "id"), ActorFromContext(r.Context()), reason)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRequestDTO(*req))
	}
}

// =============================================================================
// BALANCE ENDPOINTS
// =============================================================================

// ListBalances handles GET /api/balances/{employee_id}
func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.Service.ListBalances(r.Context(), chi.URLParam(r, "employee_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	out := make([]BalanceDTO, 0, len(balances))
	for _, b := range balances {
		out = append(out, toBalanceDTO(b))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetBalance handles GET /api/balances/{employee_id}/{leave_type}
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	leaveType, ok := leaveTypeParam(w, r)
	if !ok {
		return
	}
	asOf, ok := h.dateParam(w, r, "as_of")
	if !ok {
		return
	}

	summary, err := h.Service.BalanceSummary(r.Context(), chi.URLParam(r, "employee_id"), leaveType, asOf)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceSummaryDTO(summary))
}

// ProvisionBalance handles PUT /api/balances/{employee_id}/{leave_type}
func (h *Handler) ProvisionBalance(w http.ResponseWriter, r *http.Request) {
	leaveType, ok := leaveTypeParam(w, r)
	if !ok {
		return
	}
	var body ProvisionBody
	if !h.bind(w, r, &body, false) {
		return
	}

	b, err := h.Service.ProvisionBalance(r.Context(), ActorFromContext(r.Context()),
		chi.URLParam(r, "employee_id"), leaveType, *body.Allocated)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// CreditBalance handles POST /api/balances/{employee_id}/{leave_type}/credit
func (h *Handler) CreditBalance(w http.ResponseWriter, r *http.Request) {
	leaveType, ok := leaveTypeParam(w, r)
	if !ok {
		return
	}
	var body CreditBody
	if !h.bind(w, r, &body, false) {
		return
	}

	b, err := h.Service.CreditBalance(r.Context(), ActorFromContext(r.Context()),
		chi.URLParam(r, "employee_id"), leaveType, body.Days)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// RecalculateBalance handles POST /api/balances/{employee_id}/{leave_type}/recalculate
func (h *Handler) RecalculateBalance(w http.ResponseWriter, r *http.Request) {
	leaveType, ok := leaveTypeParam(w, r)
	if !ok {
		return
	}
	var body RecalculateBody
	if !h.bind(w, r, &body, true) {
		return
	}
	if body.Year == 0 {
		body.Year = h.today().Year()
	}

	b, err := h.Service.RecalculateBalance(r.Context(), ActorFromContext(r.Context()),
		chi.URLParam(r, "employee_id"), leaveType, body.Year)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// =============================================================================
// DIRECTORY ENDPOINTS
// =============================================================================

// GetEmployee handles GET /api/employees/{id}
func (h *Handler) GetEmployee(w http.ResponseWriter, r *http.Request) {
	e, err := h.Service.GetEmployee(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeDTO(*e))
}

// SaveEmployee handles PUT /api/employees/{id}
func (h *Handler) SaveEmployee(w http.ResponseWriter, r *http.Request) {
	var body EmployeeBody
	if !h.bind(w, r, &body, false) {
		return
	}

	e, err := h.Service.SaveEmployee(r.Context(), ActorFromContext(r.Context()), leave.Employee{
		ID:        chi.URLParam(r, "id"),
		Name:      body.Name,
		ManagerID: body.ManagerID,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeDTO(*e))
}

// =============================================================================
// HELPERS
// =============================================================================

// bind decodes the JSON body into dst and runs the validator. With optional
// set, an empty body is accepted as the zero value. Returns false after
// writing the error response.
func (h *Handler) bind(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	switch {
	case errors.Is(err, io.EOF) && optional:
	case err != nil:
		writeServiceError(w, &leave.ValidationError{Message: "invalid JSON body"})
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		writeServiceError(w, bindingError(err))
		return false
	}
	return true
}

// dateParam reads an optional YYYY-MM-DD query parameter, defaulting to today.
func (h *Handler) dateParam(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return h.today(), true
	}
	day, err := leave.ParseDate(name, raw)
	if err != nil {
		writeServiceError(w, err)
		return time.Time{}, false
	}
	return day, true
}

func leaveTypeParam(w http.ResponseWriter, r *http.Request) (leave.LeaveType, bool) {
	lt, err := leave.ParseLeaveType(chi.URLParam(r, "leave_type"))
	if err != nil {
		writeServiceError(w, err)
		return "", false
	}
	return lt, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeServiceError(w http.ResponseWriter, err error) {
	status, resp := toErrorResponse(err)
	writeJSON(w, status, resp)
}
