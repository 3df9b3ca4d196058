/*
request.go - Leave request lifecycle with transactional guarantees

PURPOSE:
  Service is the entry point for the (excluded) UI/API layer. It creates
  requests and drives them through the five transitions of workflow.go.

TRANSITION FLOW:
  1. Role check against the static table (Actor.Permits). Runs before the
     request is even loaded, so callers without the role learn nothing
     about its state.
  2. Load the request (ErrNotFound).
  3. Relationship check: manager transitions need the actor to be the
     employee's line manager, cancel needs the owner or an administrator.
  4. Input check: rejecting needs a non-empty reason.
  5. State check: the current status must be a source of the transition.
  6. Inside Store.WithTx: compare-and-set the status on the status read in
     step 2, then (approve_rh only) debit the ledger. Any failure rolls
     both back.

RACING APPROVALS:
  Two HR users approving the same request both pass step 5 with
  MANAGER_APPROVED. Only one compare-and-set in step 6 can succeed; the
  other sees ErrStatusConflict and is told InvalidTransition. The debit
  lives in the same transaction as the winning compare-and-set, so it is
  applied exactly once. Losers fail fast, nothing is retried.

SEE ALSO:
  - workflow.go: the transition table
  - ledger.go:   Debit semantics
  - store.go:    CompareAndSetRequest and WithTx contracts
*/
package leave

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store          Store
	newLedger      func(BalanceStore) Ledger
	logger         *zap.Logger
	now            func() time.Time
	newID          func() string
	rejectOverlaps bool
}

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLedger replaces the ledger built on top of the store. The factory is
// called with the transactional store view, so a replacement must do its
// writes through the BalanceStore it is given.
func WithLedger(factory func(BalanceStore) Ledger) Option {
	return func(s *Service) { s.newLedger = factory }
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// WithOverlapCheck rejects new requests whose dates overlap a live request
// of the same employee.
func WithOverlapCheck(on bool) Option {
	return func(s *Service) { s.rejectOverlaps = on }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: zap.L(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	s.newLedger = func(bs BalanceStore) Ledger {
		l := NewLedger(bs)
		l.Now = s.clock
		return l
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("leave.service")
	return s
}

func (s *Service) clock() time.Time { return s.now().UTC() }

// =============================================================================
// CREATE
// =============================================================================

// CreateInput carries a new request. Days is optional; when nil it is derived
// as the inclusive calendar-day count between StartDate and EndDate. An
// explicit Days may be lower (working days) but never higher.
type CreateInput struct {
	EmployeeID string
	LeaveType  LeaveType
	StartDate  time.Time
	EndDate    time.Time
	Reason     string
	Days       *int
}

// CreateRequest stores a new PENDING request. Employees create requests for
// themselves, administrators for anyone.
func (s *Service) CreateRequest(ctx context.Context, actor Actor, in CreateInput) (*Request, error) {
	log := s.logger.With(
		zap.String("actor_id", actor.ID),
		zap.String("employee_id", in.EmployeeID),
		zap.String("leave_type", string(in.LeaveType)),
	)
	log.Debug("create leave requested")

	if !actor.HasRole(RoleAdmin) && !(actor.HasRole(RoleEmployee) && actor.ID == strings.TrimSpace(in.EmployeeID)) {
		log.Warn("create leave unauthorized")
		return nil, &UnauthorizedError{
			ActorID:   actor.ID,
			Operation: "create a leave request",
			Reason:    "only the employee or an administrator may submit",
		}
	}

	now := s.clock()
	req, err := newRequest(in, now)
	if err != nil {
		log.Warn("create leave validation failed", zap.Error(err))
		return nil, err
	}
	req.ID = s.newID()

	if s.rejectOverlaps {
		overlapping, err := s.store.ListRequests(ctx, RequestFilter{
			EmployeeID: req.EmployeeID,
			Statuses:   []Status{StatusPending, StatusManagerApproved, StatusRHApproved},
			StartTo:    req.EndDate,
			EndFrom:    req.StartDate,
		})
		if err != nil {
			log.Error("create leave overlap check failed", zap.Error(err))
			return nil, err
		}
		if len(overlapping) > 0 {
			log.Warn("create leave overlap detected", zap.String("existing_request_id", overlapping[0].ID))
			return nil, ErrOverlappingRequest
		}
	}

	if err := s.store.InsertRequest(ctx, req); err != nil {
		log.Error("create leave persist failed", zap.Error(err))
		return nil, err
	}

	log.Info("create leave success", zap.String("request_id", req.ID), zap.Int("days", req.Days))
	return &req, nil
}

func newRequest(in CreateInput, now time.Time) (Request, error) {
	employeeID := strings.TrimSpace(in.EmployeeID)
	if employeeID == "" {
		return Request{}, &ValidationError{Field: "employee_id", Message: "is required"}
	}
	if !in.LeaveType.Valid() {
		return Request{}, &ValidationError{Field: "leave_type", Message: "is not a known leave type"}
	}
	if in.StartDate.IsZero() {
		return Request{}, &ValidationError{Field: "start_date", Message: "is required"}
	}
	if in.EndDate.IsZero() {
		return Request{}, &ValidationError{Field: "end_date", Message: "is required"}
	}
	start, end := Day(in.StartDate), Day(in.EndDate)
	if end.Before(start) {
		return Request{}, &ValidationError{Field: "end_date", Message: "must not be before start_date"}
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return Request{}, &ValidationError{Field: "reason", Message: "is required"}
	}

	days := InclusiveDays(start, end)
	if in.Days != nil {
		if *in.Days < 1 {
			return Request{}, &ValidationError{Field: "days", Message: "must be at least 1"}
		}
		if *in.Days > days {
			return Request{}, &ValidationError{
				Field:   "days",
				Message: fmt.Sprintf("must not exceed the %d days between start_date and end_date", days),
			}
		}
		days = *in.Days
	}

	return Request{
		EmployeeID: employeeID,
		LeaveType:  in.LeaveType,
		StartDate:  start,
		EndDate:    end,
		Days:       days,
		Reason:     reason,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func (s *Service) ApproveManager(ctx context.Context, id string, actor Actor) (*Request, error) {
	return s.Apply(ctx, TransitionApproveManager, id, actor, "")
}

func (s *Service) RejectManager(ctx context.Context, id string, actor Actor, reason string) (*Request, error) {
	return s.Apply(ctx, TransitionRejectManager, id, actor, reason)
}

// ApproveRH is the final approval. It debits the balance in the same
// transaction as the status change; on *InsufficientBalanceError the request
// stays MANAGER_APPROVED.
func (s *Service) ApproveRH(ctx context.Context, id string, actor Actor) (*Request, error) {
	return s.Apply(ctx, TransitionApproveRH, id, actor, "")
}

func (s *Service) RejectRH(ctx context.Context, id string, actor Actor, reason string) (*Request, error) {
	return s.Apply(ctx, TransitionRejectRH, id, actor, reason)
}

func (s *Service) Cancel(ctx context.Context, id string, actor Actor) (*Request, error) {
	return s.Apply(ctx, TransitionCancel, id, actor, "")
}

// Apply performs transition t on request id. reason is only read by the
// rejecting transitions.
func (s *Service) Apply(ctx context.Context, t Transition, id string, actor Actor, reason string) (*Request, error) {
	log := s.logger.With(
		zap.String("transition", string(t)),
		zap.String("request_id", id),
		zap.String("actor_id", actor.ID),
	)
	log.Debug("transition requested")

	if !t.Valid() {
		return nil, &ValidationError{Field: "transition", Message: "is not a known transition"}
	}
	if !actor.Permits(t) {
		log.Warn("transition unauthorized", zap.Any("roles", actor.Roles))
		return nil, &UnauthorizedError{ActorID: actor.ID, Operation: string(t), Reason: "missing required role"}
	}

	current, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeFor(ctx, t, actor, *current); err != nil {
		log.Warn("transition unauthorized", zap.Error(err))
		return nil, err
	}

	reason = strings.TrimSpace(reason)
	if rules[t].requiresReason && reason == "" {
		log.Warn("transition rejected", zap.Error(ErrRejectionReasonRequired))
		return nil, ErrRejectionReasonRequired
	}
	if !t.AllowedFrom(current.Status) {
		err := &InvalidTransitionError{Transition: t, From: current.Status}
		log.Warn("transition rejected", zap.Error(err))
		return nil, err
	}

	next := t.apply(*current, actor, reason, s.clock())

	err = s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.CompareAndSetRequest(ctx, next, current.Status); err != nil {
			if errors.Is(err, ErrStatusConflict) {
				return &InvalidTransitionError{Transition: t, From: current.Status, Concurrent: true}
			}
			return err
		}
		if rules[t].debits {
			return s.newLedger(tx).Debit(ctx, next.EmployeeID, next.LeaveType, next.Days)
		}
		return nil
	})
	if err != nil {
		if IsClientError(err) || IsNotFound(err) {
			log.Warn("transition rejected", zap.Error(err))
		} else {
			log.Error("transition failed", zap.Error(err))
		}
		return nil, err
	}

	log.Info("transition applied",
		zap.String("employee_id", next.EmployeeID),
		zap.String("status", string(next.Status)),
	)
	return &next, nil
}

func (s *Service) authorizeFor(ctx context.Context, t Transition, actor Actor, req Request) error {
	switch t {
	case TransitionApproveManager, TransitionRejectManager:
		ok, err := s.store.IsManagerOf(ctx, actor.ID, req.EmployeeID)
		if err != nil {
			return err
		}
		if !ok {
			return &UnauthorizedError{ActorID: actor.ID, Operation: string(t), Reason: "not the employee's manager"}
		}
	case TransitionCancel:
		if !actor.HasRole(RoleAdmin) && actor.ID != req.EmployeeID {
			return &UnauthorizedError{ActorID: actor.ID, Operation: string(t), Reason: "not the request owner"}
		}
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) GetRequest(ctx context.Context, id string) (*Request, error) {
	return s.store.GetRequest(ctx, id)
}

// ListRequests is read-only and restartable: calling it again re-queries.
func (s *Service) ListRequests(ctx context.Context, filter RequestFilter) ([]Request, error) {
	return s.store.ListRequests(ctx, filter)
}

// CurrentLeaves lists approved leaves covering day.
func (s *Service) CurrentLeaves(ctx context.Context, day time.Time) ([]Request, error) {
	return s.store.ListRequests(ctx, RequestFilter{
		Statuses: []Status{StatusRHApproved},
		StartTo:  day,
		EndFrom:  day,
	})
}

// UpcomingLeaves lists approved leaves starting after day.
func (s *Service) UpcomingLeaves(ctx context.Context, day time.Time) ([]Request, error) {
	return s.store.ListRequests(ctx, RequestFilter{
		Statuses:  []Status{StatusRHApproved},
		StartFrom: Day(day).AddDate(0, 0, 1),
	})
}

// PendingApproval lists requests still waiting for a manager or HR decision.
func (s *Service) PendingApproval(ctx context.Context) ([]Request, error) {
	return s.store.ListRequests(ctx, RequestFilter{
		Statuses: []Status{StatusPending, StatusManagerApproved},
	})
}

// StaleRequests lists requests awaiting a decision created before cutoff.
func (s *Service) StaleRequests(ctx context.Context, cutoff time.Time) ([]Request, error) {
	return s.store.ListRequests(ctx, RequestFilter{
		Statuses:      []Status{StatusPending, StatusManagerApproved},
		CreatedBefore: cutoff,
	})
}

func (s *Service) GetBalance(ctx context.Context, employeeID string, leaveType LeaveType) (Balance, error) {
	return s.newLedger(s.store).GetBalance(ctx, employeeID, leaveType)
}
