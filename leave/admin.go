package leave

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// BALANCE ADMINISTRATION - HR operations outside the request workflow
// =============================================================================

func (s *Service) requireHR(actor Actor, operation string) error {
	if actor.HasAnyRole(RoleHR, RoleAdmin) {
		return nil
	}
	return &UnauthorizedError{ActorID: actor.ID, Operation: operation, Reason: "requires HR or ADMIN"}
}

// ProvisionBalance sets the yearly allocation for an employee. An existing
// record keeps its used counter; the new allocation may not go below it.
func (s *Service) ProvisionBalance(ctx context.Context, actor Actor, employeeID string, leaveType LeaveType, allocated int) (Balance, error) {
	employeeID = strings.TrimSpace(employeeID)
	log := s.logger.With(
		zap.String("actor_id", actor.ID),
		zap.String("employee_id", employeeID),
		zap.String("leave_type", string(leaveType)),
	)
	if err := s.requireHR(actor, "provision balance"); err != nil {
		log.Warn("provision balance unauthorized")
		return Balance{}, err
	}

	candidate := Balance{EmployeeID: employeeID, LeaveType: leaveType, Allocated: allocated}
	if err := candidate.Validate(); err != nil {
		log.Warn("provision balance failed", zap.Error(err))
		return Balance{}, err
	}

	b, err := s.store.SetAllocated(ctx, employeeID, leaveType, allocated, s.clock())
	if errors.Is(err, ErrInsufficientBalance) {
		err = &ValidationError{
			Field:   "allocated",
			Message: fmt.Sprintf("must not be below the %d days already used", b.Used),
		}
	}
	if err != nil {
		log.Warn("provision balance failed", zap.Error(err))
		return Balance{}, err
	}

	log.Info("provision balance success", zap.Int("allocated", b.Allocated), zap.Int("used", b.Used))
	return b, nil
}

// CreditBalance returns days to an employee's balance. It is the manual
// correction path; no request transition ever credits.
func (s *Service) CreditBalance(ctx context.Context, actor Actor, employeeID string, leaveType LeaveType, days int) (Balance, error) {
	employeeID = strings.TrimSpace(employeeID)
	log := s.logger.With(
		zap.String("actor_id", actor.ID),
		zap.String("employee_id", employeeID),
		zap.String("leave_type", string(leaveType)),
		zap.Int("days", days),
	)
	if err := s.requireHR(actor, "credit balance"); err != nil {
		log.Warn("credit balance unauthorized")
		return Balance{}, err
	}

	var out Balance
	err := s.store.WithTx(ctx, func(tx Store) error {
		ledger := s.newLedger(tx)
		if err := ledger.Credit(ctx, employeeID, leaveType, days); err != nil {
			return err
		}
		b, err := ledger.GetBalance(ctx, employeeID, leaveType)
		out = b
		return err
	})
	if err != nil {
		log.Warn("credit balance failed", zap.Error(err))
		return Balance{}, err
	}

	log.Info("credit balance success", zap.Int("used", out.Used))
	return out, nil
}

// RecalculateBalance rebuilds used from the RH_APPROVED requests of the
// given year, keyed on their start date.
func (s *Service) RecalculateBalance(ctx context.Context, actor Actor, employeeID string, leaveType LeaveType, year int) (Balance, error) {
	employeeID = strings.TrimSpace(employeeID)
	log := s.logger.With(
		zap.String("actor_id", actor.ID),
		zap.String("employee_id", employeeID),
		zap.String("leave_type", string(leaveType)),
		zap.Int("year", year),
	)
	if err := s.requireHR(actor, "recalculate balance"); err != nil {
		log.Warn("recalculate balance unauthorized")
		return Balance{}, err
	}
	if !leaveType.Tracked() {
		return Balance{}, &ValidationError{Field: "leave_type", Message: "has no balance"}
	}

	var out Balance
	err := s.store.WithTx(ctx, func(tx Store) error {
		approved, err := tx.ListRequests(ctx, RequestFilter{
			EmployeeID: employeeID,
			LeaveType:  leaveType,
			Statuses:   []Status{StatusRHApproved},
			StartFrom:  Date(year, time.January, 1),
			StartTo:    Date(year, time.December, 31),
		})
		if err != nil {
			return err
		}
		used := 0
		for _, r := range approved {
			used += r.Days
		}

		b, err := tx.SetUsed(ctx, employeeID, leaveType, used, s.clock())
		if errors.Is(err, ErrInsufficientBalance) {
			return &InsufficientBalanceError{
				EmployeeID: employeeID,
				LeaveType:  leaveType,
				Available:  b.Allocated,
				Requested:  used,
			}
		}
		out = b
		return err
	})
	if err != nil {
		log.Warn("recalculate balance failed", zap.Error(err))
		return Balance{}, err
	}

	log.Info("recalculate balance success", zap.Int("used", out.Used))
	return out, nil
}

func (s *Service) ListBalances(ctx context.Context, employeeID string) ([]Balance, error) {
	return s.store.ListBalances(ctx, employeeID)
}

// BalanceSummary returns the balance with the monthly breakdown for the
// month containing asOf.
func (s *Service) BalanceSummary(ctx context.Context, employeeID string, leaveType LeaveType, asOf time.Time) (BalanceSummary, error) {
	b, err := s.GetBalance(ctx, employeeID, leaveType)
	if err != nil {
		return BalanceSummary{}, err
	}

	first, last := monthBounds(asOf)
	approved, err := s.store.ListRequests(ctx, RequestFilter{
		EmployeeID: employeeID,
		LeaveType:  leaveType,
		Statuses:   []Status{StatusRHApproved},
		StartFrom:  first,
		StartTo:    last,
	})
	if err != nil {
		return BalanceSummary{}, err
	}

	used := 0
	for _, r := range approved {
		used += r.Days
	}
	return summarize(b, used), nil
}

// =============================================================================
// DIRECTORY
// =============================================================================

// SaveEmployee registers an employee and their line manager.
func (s *Service) SaveEmployee(ctx context.Context, actor Actor, e Employee) (*Employee, error) {
	if err := s.requireHR(actor, "save employee"); err != nil {
		return nil, err
	}

	e.ID = strings.TrimSpace(e.ID)
	e.ManagerID = strings.TrimSpace(e.ManagerID)
	e.Name = strings.TrimSpace(e.Name)
	if e.ID == "" {
		return nil, &ValidationError{Field: "id", Message: "is required"}
	}
	if e.ManagerID == e.ID {
		return nil, &ValidationError{Field: "manager_id", Message: "must not be the employee"}
	}

	if err := s.store.SaveEmployee(ctx, e); err != nil {
		s.logger.Error("save employee failed", zap.String("employee_id", e.ID), zap.Error(err))
		return nil, err
	}
	s.logger.Info("save employee success", zap.String("employee_id", e.ID), zap.String("manager_id", e.ManagerID))
	return &e, nil
}

func (s *Service) GetEmployee(ctx context.Context, id string) (*Employee, error) {
	return s.store.GetEmployee(ctx, id)
}
