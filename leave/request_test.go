package leave_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apprh/leave-engine/leave"
)

// =============================================================================
// CREATE
// =============================================================================

func TestCreateRequest_DerivesInclusiveDays(t *testing.T) {
	// GIVEN: no explicit days
	// WHEN: creating a request
	// THEN: days = (end - start) + 1, always >= 1
	cases := []struct {
		name       string
		start, end time.Time
		want       int
	}{
		{"single day", leave.Date(2025, time.April, 1), leave.Date(2025, time.April, 1), 1},
		{"one week", leave.Date(2025, time.April, 7), leave.Date(2025, time.April, 13), 7},
		{"across month end", leave.Date(2025, time.January, 30), leave.Date(2025, time.February, 2), 4},
		{"across leap day", leave.Date(2024, time.February, 28), leave.Date(2024, time.March, 1), 3},
		{"across DST change", leave.Date(2025, time.March, 29), leave.Date(2025, time.March, 31), 3},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			req, err := f.svc.CreateRequest(f.ctx, employee, leave.CreateInput{
				EmployeeID: employee.ID,
				LeaveType:  leave.TypeAnnual,
				StartDate:  tc.start,
				EndDate:    tc.end,
				Reason:     "rest",
			})
			require.NoError(t, err)
			assert.Equal(t, tc.want, req.Days)
			assert.Equal(t, leave.StatusPending, req.Status)
			assert.GreaterOrEqual(t, req.Days, 1)
		})
	}
}

func TestCreateRequest_StoresNormalizedRequest(t *testing.T) {
	f := newFixture(t)
	explicit := 2

	req, err := f.svc.CreateRequest(f.ctx, employee, leave.CreateInput{
		EmployeeID: " emp-1 ",
		LeaveType:  leave.TypePersonal,
		StartDate:  time.Date(2025, time.April, 3, 15, 30, 0, 0, time.UTC),
		EndDate:    leave.Date(2025, time.April, 4),
		Reason:     "  moving house ",
		Days:       &explicit,
	})
	require.NoError(t, err)

	assert.Equal(t, "req-1", req.ID)
	assert.Equal(t, "emp-1", req.EmployeeID)
	assert.Equal(t, "moving house", req.Reason)
	assert.Equal(t, leave.Date(2025, time.April, 3), req.StartDate, "truncated to the calendar day")
	assert.Equal(t, 2, req.Days)
	assert.Equal(t, now, req.CreatedAt)

	stored, err := f.svc.GetRequest(f.ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, *req, *stored)
}

func TestCreateRequest_Validation(t *testing.T) {
	zero, negative, thirty := 0, -3, 30
	start := leave.Date(2025, time.April, 10)

	cases := []struct {
		name  string
		in    leave.CreateInput
		field string
	}{
		{"unknown leave type", leave.CreateInput{EmployeeID: "emp-1", LeaveType: "SABBATICAL", StartDate: start, EndDate: start, Reason: "x"}, "leave_type"},
		{"missing start", leave.CreateInput{EmployeeID: "emp-1", LeaveType: leave.TypeSick, EndDate: start, Reason: "x"}, "start_date"},
		{"missing end", leave.CreateInput{EmployeeID: "emp-1", LeaveType: leave.TypeSick, StartDate: start, Reason: "x"}, "end_date"},
		{"end before start", leave.CreateInput{EmployeeID: "emp-1", LeaveType: leave.TypeSick, StartDate: start, EndDate: start.AddDate(0, 0, -1), Reason: "x"}, "end_date"},
		{"blank reason", leave.CreateInput{EmployeeID: "emp-1", LeaveType: leave.TypeSick, StartDate: start, EndDate: start, Reason: "   "}, "reason"},
		{"zero days", leave.CreateInput{EmployeeID: "emp-1", LeaveType: leave.TypeSick, StartDate: start, EndDate: start, Reason: "x", Days: &zero}, "days"},
		{"negative days", leave.CreateInput{EmployeeID: "emp-1", LeaveType: leave.TypeSick, StartDate: start, EndDate: start, Reason: "x", Days: &negative}, "days"},
		{"days beyond dates", leave.CreateInput{EmployeeID: "emp-1", LeaveType: leave.TypeSick, StartDate: start, EndDate: start, Reason: "x", Days: &thirty}, "days"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.CreateRequest(f.ctx, employee, tc.in)

			var vErr *leave.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tc.field, vErr.Field)
			assert.ErrorIs(t, err, leave.ErrValidation)

			all, err := f.svc.ListRequests(f.ctx, leave.RequestFilter{})
			require.NoError(t, err)
			assert.Empty(t, all, "nothing stored on validation failure")
		})
	}
}

func TestCreateRequest_Authorization(t *testing.T) {
	start := leave.Date(2025, time.April, 10)
	input := leave.CreateInput{EmployeeID: "emp-1", LeaveType: leave.TypeAnnual, StartDate: start, EndDate: start, Reason: "x"}

	cases := []struct {
		name    string
		actor   leave.Actor
		allowed bool
	}{
		{"employee for self", employee, true},
		{"admin for anyone", admin, true},
		{"colleague", colleague, false},
		{"manager for report", manager, false},
		{"hr", hr, false},
		{"no roles", leave.NewActor("emp-1"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.CreateRequest(f.ctx, tc.actor, input)
			if tc.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, leave.ErrUnauthorized)
			}
		})
	}
}

func TestCreateRequest_OverlapCheck(t *testing.T) {
	// GIVEN: overlap checks on and a live request for April 1-5
	// WHEN: submitting April 5-6, then April 6-7
	// THEN: the first is refused, the second is accepted
	f := newFixture(t, leave.WithOverlapCheck(true))
	f.submit(t, leave.TypeAnnual, 5)

	_, err := f.svc.CreateRequest(f.ctx, employee, leave.CreateInput{
		EmployeeID: employee.ID, LeaveType: leave.TypeSick,
		StartDate: leave.Date(2025, time.April, 5), EndDate: leave.Date(2025, time.April, 6),
		Reason: "flu",
	})
	assert.ErrorIs(t, err, leave.ErrValidation)
	assert.Equal(t, leave.ErrOverlappingRequest, err)

	_, err = f.svc.CreateRequest(f.ctx, employee, leave.CreateInput{
		EmployeeID: employee.ID, LeaveType: leave.TypeSick,
		StartDate: leave.Date(2025, time.April, 6), EndDate: leave.Date(2025, time.April, 7),
		Reason: "flu",
	})
	assert.NoError(t, err)
}

func TestCreateRequest_OverlapIgnoresClosedRequests(t *testing.T) {
	f := newFixture(t, leave.WithOverlapCheck(true))
	first := f.submit(t, leave.TypeAnnual, 5)
	_, err := f.svc.Cancel(f.ctx, first.ID, employee)
	require.NoError(t, err)

	again := f.submit(t, leave.TypeAnnual, 5)
	assert.Equal(t, leave.StatusPending, again.Status)
}

// =============================================================================
// BALANCE SCENARIOS
// =============================================================================

func TestApproveRH_InsufficientBalance_LeavesRequestManagerApproved(t *testing.T) {
	// GIVEN: ANNUAL allocated=20 used=18, a 3-day request at MANAGER_APPROVED
	// WHEN: HR approves
	// THEN: InsufficientBalance, status unchanged, used still 18
	f := newFixture(t)
	f.balance(t, "emp-1", leave.TypeAnnual, 20, 18)
	req := f.managerApproved(t, leave.TypeAnnual, 3)

	_, err := f.svc.ApproveRH(f.ctx, req.ID, hr)

	require.ErrorIs(t, err, leave.ErrInsufficientBalance)
	var balErr *leave.InsufficientBalanceError
	require.ErrorAs(t, err, &balErr)
	assert.Equal(t, 2, balErr.Available)
	assert.Equal(t, 3, balErr.Requested)

	assert.Equal(t, leave.StatusManagerApproved, f.status(t, req.ID))
	assert.Equal(t, 18, f.used(t, "emp-1", leave.TypeAnnual))
}

func TestApproveRH_ExactFit_DebitsToZeroRemaining(t *testing.T) {
	// GIVEN: same employee, a 2-day request
	// WHEN: HR approves
	// THEN: RH_APPROVED, used=20, remaining=0
	f := newFixture(t)
	f.balance(t, "emp-1", leave.TypeAnnual, 20, 18)
	req := f.managerApproved(t, leave.TypeAnnual, 2)

	approved, err := f.svc.ApproveRH(f.ctx, req.ID, hr)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusRHApproved, approved.Status)

	b, err := f.svc.GetBalance(f.ctx, "emp-1", leave.TypeAnnual)
	require.NoError(t, err)
	assert.Equal(t, 20, b.Used)
	assert.Equal(t, 0, b.Remaining())
}

func TestApproveRH_DebitsExactlyRequestedDays(t *testing.T) {
	for _, lt := range []leave.LeaveType{leave.TypeAnnual, leave.TypeSick, leave.TypePersonal, leave.TypeMaternity, leave.TypePaternity} {
		t.Run(string(lt), func(t *testing.T) {
			f := newFixture(t)
			f.balance(t, "emp-1", lt, 30, 4)
			req := f.managerApproved(t, lt, 6)

			_, err := f.svc.ApproveRH(f.ctx, req.ID, hr)
			require.NoError(t, err)
			assert.Equal(t, 10, f.used(t, "emp-1", lt))
		})
	}
}

func TestApproveRH_Unpaid_NeedsNoBalance(t *testing.T) {
	f := newFixture(t)
	req := f.managerApproved(t, leave.TypeUnpaid, 40)

	approved, err := f.svc.ApproveRH(f.ctx, req.ID, hr)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusRHApproved, approved.Status)

	_, err = f.svc.GetBalance(f.ctx, "emp-1", leave.TypeUnpaid)
	assert.ErrorIs(t, err, leave.ErrNotFound)
}

func TestApproveRH_MissingBalance_NotFound(t *testing.T) {
	// Every tracked type needs a provisioned record, not only ANNUAL and SICK.
	for _, lt := range []leave.LeaveType{leave.TypeSick, leave.TypePersonal, leave.TypeMaternity, leave.TypePaternity} {
		t.Run(string(lt), func(t *testing.T) {
			f := newFixture(t)
			req := f.managerApproved(t, lt, 1)

			_, err := f.svc.ApproveRH(f.ctx, req.ID, hr)
			assert.ErrorIs(t, err, leave.ErrNotFound)
			assert.Equal(t, leave.StatusManagerApproved, f.status(t, req.ID))
		})
	}
}

func TestApproveRH_StampsBalanceWithServiceClock(t *testing.T) {
	later := now.Add(48 * time.Hour)
	f := newFixture(t, leave.WithClock(func() time.Time { return later }))
	f.balance(t, "emp-1", leave.TypeAnnual, 10, 0)
	req := f.managerApproved(t, leave.TypeAnnual, 2)

	approved, err := f.svc.ApproveRH(f.ctx, req.ID, hr)
	require.NoError(t, err)

	b, err := f.store.GetBalance(f.ctx, "emp-1", leave.TypeAnnual)
	require.NoError(t, err)
	require.NotNil(t, approved.RHDecisionAt)
	assert.Equal(t, *approved.RHDecisionAt, b.UpdatedAt)
	assert.Equal(t, later, b.UpdatedAt)
}

// =============================================================================
// CANCEL
// =============================================================================

func TestCancel_Pending_ThenApproveManagerIsInvalid(t *testing.T) {
	// GIVEN: a PENDING request
	// WHEN: the employee cancels it, then the manager tries to approve
	// THEN: CANCELLED, no balance change, approve_manager -> InvalidTransition
	f := newFixture(t)
	f.balance(t, "emp-1", leave.TypeAnnual, 25, 3)
	req := f.submit(t, leave.TypeAnnual, 5)

	cancelled, err := f.svc.Cancel(f.ctx, req.ID, employee)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusCancelled, cancelled.Status)
	assert.Equal(t, 3, f.used(t, "emp-1", leave.TypeAnnual))

	_, err = f.svc.ApproveManager(f.ctx, req.ID, manager)
	var trErr *leave.InvalidTransitionError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, leave.StatusCancelled, trErr.From)
	assert.False(t, trErr.Concurrent)
}

func TestCancel_ManagerApproved_Succeeds(t *testing.T) {
	f := newFixture(t)
	req := f.managerApproved(t, leave.TypeAnnual, 2)

	cancelled, err := f.svc.Cancel(f.ctx, req.ID, employee)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusCancelled, cancelled.Status)
}

func TestCancel_RHApproved_IsInvalidWithDistinctMessage(t *testing.T) {
	f := newFixture(t)
	f.balance(t, "emp-1", leave.TypeAnnual, 25, 0)
	req := f.managerApproved(t, leave.TypeAnnual, 2)
	_, err := f.svc.ApproveRH(f.ctx, req.ID, hr)
	require.NoError(t, err)

	_, err = f.svc.Cancel(f.ctx, req.ID, employee)
	assert.ErrorIs(t, err, leave.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "already RH_APPROVED")

	assert.Equal(t, leave.StatusRHApproved, f.status(t, req.ID))
	assert.Equal(t, 2, f.used(t, "emp-1", leave.TypeAnnual), "no credit on a refused cancel")
}

func TestCancel_Ownership(t *testing.T) {
	f := newFixture(t)
	req := f.submit(t, leave.TypeAnnual, 2)

	_, err := f.svc.Cancel(f.ctx, req.ID, colleague)
	assert.ErrorIs(t, err, leave.ErrUnauthorized)

	cancelled, err := f.svc.Cancel(f.ctx, req.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusCancelled, cancelled.Status)
}

// =============================================================================
// REJECT
// =============================================================================

func TestReject_RequiresReason(t *testing.T) {
	f := newFixture(t)
	pending := f.submit(t, leave.TypeAnnual, 1)
	approved := f.managerApproved(t, leave.TypeAnnual, 1)

	for _, reason := range []string{"", "   ", "\t\n"} {
		_, err := f.svc.RejectManager(f.ctx, pending.ID, manager, reason)
		assert.ErrorIs(t, err, leave.ErrValidation)
		assert.Equal(t, leave.ErrRejectionReasonRequired, err)

		_, err = f.svc.RejectRH(f.ctx, approved.ID, hr, reason)
		assert.ErrorIs(t, err, leave.ErrValidation)
	}

	assert.Equal(t, leave.StatusPending, f.status(t, pending.ID))
	assert.Equal(t, leave.StatusManagerApproved, f.status(t, approved.ID))
}

func TestReject_RecordsReasonAndDecision(t *testing.T) {
	f := newFixture(t)
	pending := f.submit(t, leave.TypeAnnual, 1)
	approved := f.managerApproved(t, leave.TypeAnnual, 1)

	rejected, err := f.svc.RejectManager(f.ctx, pending.ID, manager, " team offsite ")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusRejected, rejected.Status)
	assert.Equal(t, "team offsite", rejected.RejectionReason)
	assert.Equal(t, "mgr-1", rejected.ManagerDecidedBy)
	require.NotNil(t, rejected.ManagerDecisionAt)
	assert.Equal(t, now, *rejected.ManagerDecisionAt)

	rejected, err = f.svc.RejectRH(f.ctx, approved.ID, hr, "blackout period")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusRejected, rejected.Status)
	assert.Equal(t, "blackout period", rejected.RejectionReason)
	assert.Equal(t, "hr-1", rejected.RHDecidedBy)
	assert.Equal(t, "mgr-1", rejected.ManagerDecidedBy, "manager decision kept")
}

// =============================================================================
// AUTHORIZATION
// =============================================================================

func TestAuthorization_RoleCheckedBeforeState(t *testing.T) {
	// GIVEN: a REJECTED request
	// WHEN: an employee without HR role calls approve_rh
	// THEN: Unauthorized, not InvalidTransition
	f := newFixture(t)
	req := f.submit(t, leave.TypeAnnual, 1)
	_, err := f.svc.RejectManager(f.ctx, req.ID, manager, "no")
	require.NoError(t, err)

	_, err = f.svc.ApproveRH(f.ctx, req.ID, employee)
	assert.ErrorIs(t, err, leave.ErrUnauthorized)

	// Same answer for an id that does not exist.
	_, err = f.svc.ApproveRH(f.ctx, "missing", employee)
	assert.ErrorIs(t, err, leave.ErrUnauthorized)
}

func TestAuthorization_TransitionRoleMatrix(t *testing.T) {
	cases := []struct {
		name  string
		t     leave.Transition
		actor leave.Actor
		want  error
	}{
		{"employee cannot approve as manager", leave.TransitionApproveManager, employee, leave.ErrUnauthorized},
		{"hr cannot approve as manager", leave.TransitionApproveManager, hr, leave.ErrUnauthorized},
		{"another team's manager", leave.TransitionApproveManager, otherMgr, leave.ErrUnauthorized},
		{"line manager", leave.TransitionApproveManager, manager, nil},
		{"admin is not a manager", leave.TransitionRejectManager, admin, leave.ErrUnauthorized},
		{"employee cannot approve as hr", leave.TransitionApproveRH, employee, leave.ErrUnauthorized},
		{"manager cannot approve as hr", leave.TransitionApproveRH, manager, leave.ErrUnauthorized},
		{"hr cannot cancel without employee role", leave.TransitionCancel, leave.NewActor("hr-2", leave.RoleHR), leave.ErrUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			req := f.submit(t, leave.TypeUnpaid, 1)

			_, err := f.svc.Apply(f.ctx, tc.t, req.ID, tc.actor, "reason")
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, leave.StatusPending, f.status(t, req.ID))
		})
	}
}

func TestApply_UnknownTransition(t *testing.T) {
	f := newFixture(t)
	req := f.submit(t, leave.TypeAnnual, 1)

	_, err := f.svc.Apply(f.ctx, leave.Transition("approve_ceo"), req.ID, admin, "")
	assert.ErrorIs(t, err, leave.ErrValidation)
}

func TestApply_UnknownRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ApproveRH(f.ctx, "missing", hr)
	assert.ErrorIs(t, err, leave.ErrNotFound)
}

// =============================================================================
// STATE MACHINE
// =============================================================================

func TestTransitions_TerminalStatesAreFinal(t *testing.T) {
	f := newFixture(t)
	f.balance(t, "emp-1", leave.TypeAnnual, 25, 0)

	rhApproved := f.managerApproved(t, leave.TypeAnnual, 1)
	_, err := f.svc.ApproveRH(f.ctx, rhApproved.ID, hr)
	require.NoError(t, err)

	rejected := f.submit(t, leave.TypeAnnual, 1)
	_, err = f.svc.RejectManager(f.ctx, rejected.ID, manager, "no")
	require.NoError(t, err)

	cancelled := f.submit(t, leave.TypeAnnual, 1)
	_, err = f.svc.Cancel(f.ctx, cancelled.ID, employee)
	require.NoError(t, err)

	actors := map[leave.Transition]leave.Actor{
		leave.TransitionApproveManager: manager,
		leave.TransitionRejectManager:  manager,
		leave.TransitionApproveRH:      hr,
		leave.TransitionRejectRH:       hr,
		leave.TransitionCancel:         employee,
	}
	for _, id := range []string{rhApproved.ID, rejected.ID, cancelled.ID} {
		before := f.status(t, id)
		for tr, actor := range actors {
			_, err := f.svc.Apply(f.ctx, tr, id, actor, "because")
			assert.ErrorIs(t, err, leave.ErrInvalidTransition, "%s from %s", tr, before)
		}
		assert.Equal(t, before, f.status(t, id))
	}
	assert.Equal(t, 1, f.used(t, "emp-1", leave.TypeAnnual))
}

func TestTransitions_WrongSourceState(t *testing.T) {
	f := newFixture(t)
	f.balance(t, "emp-1", leave.TypeAnnual, 25, 0)
	pending := f.submit(t, leave.TypeAnnual, 1)
	approved := f.managerApproved(t, leave.TypeAnnual, 1)

	_, err := f.svc.ApproveRH(f.ctx, pending.ID, hr)
	assert.ErrorIs(t, err, leave.ErrInvalidTransition, "HR cannot skip the manager")

	_, err = f.svc.ApproveManager(f.ctx, approved.ID, manager)
	assert.ErrorIs(t, err, leave.ErrInvalidTransition, "manager cannot approve twice")

	assert.Equal(t, 0, f.used(t, "emp-1", leave.TypeAnnual))
}

func TestTransitions_FullApprovalRecordsBothDecisions(t *testing.T) {
	f := newFixture(t)
	f.balance(t, "emp-1", leave.TypeSick, 10, 0)
	req := f.managerApproved(t, leave.TypeSick, 3)

	final, err := f.svc.ApproveRH(f.ctx, req.ID, hr)
	require.NoError(t, err)
	assert.Equal(t, "mgr-1", final.ManagerDecidedBy)
	assert.Equal(t, "hr-1", final.RHDecidedBy)
	require.NotNil(t, final.ManagerDecisionAt)
	require.NotNil(t, final.RHDecisionAt)
	assert.Empty(t, final.RejectionReason)

	stored, err := f.svc.GetRequest(f.ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusRHApproved, stored.Status)
	assert.Equal(t, "hr-1", stored.RHDecidedBy)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestApproveRH_ConcurrentOnSameRequest_DebitsOnce(t *testing.T) {
	// GIVEN: one MANAGER_APPROVED request for 4 days
	// WHEN: N HR callers approve it at once
	// THEN: exactly one RH_APPROVED, N-1 InvalidTransition, one debit
	const n = 16
	f := newFixture(t)
	f.balance(t, "emp-1", leave.TypeAnnual, 25, 0)
	req := f.managerApproved(t, leave.TypeAnnual, 4)

	var wg sync.WaitGroup
	results := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			actor := leave.NewActor(fmt.Sprintf("hr-%d", i), leave.RoleHR)
			_, results[i] = f.svc.ApproveRH(f.ctx, req.ID, actor)
		}(i)
	}
	close(start)
	wg.Wait()

	succeeded, invalid := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, leave.ErrInvalidTransition):
			invalid++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, n-1, invalid)
	assert.Equal(t, leave.StatusRHApproved, f.status(t, req.ID))
	assert.Equal(t, 4, f.used(t, "emp-1", leave.TypeAnnual))
}

func TestApproveRH_ConcurrentOnSameBalance_NeverOverdraws(t *testing.T) {
	// GIVEN: 5 days left and five 2-day requests at MANAGER_APPROVED
	// WHEN: all are approved at once
	// THEN: two succeed, three fail with InsufficientBalance, used=4
	f := newFixture(t)
	f.balance(t, "emp-1", leave.TypeAnnual, 5, 0)

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = f.managerApproved(t, leave.TypeAnnual, 2).ID
	}

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = f.svc.ApproveRH(f.ctx, id, hr)
		}(i, id)
	}
	wg.Wait()

	ok, short := 0, 0
	for i, err := range errs {
		switch {
		case err == nil:
			ok++
			assert.Equal(t, leave.StatusRHApproved, f.status(t, ids[i]))
		case errors.Is(err, leave.ErrInsufficientBalance):
			short++
			assert.Equal(t, leave.StatusManagerApproved, f.status(t, ids[i]))
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 2, ok)
	assert.Equal(t, 3, short)
	assert.Equal(t, 4, f.used(t, "emp-1", leave.TypeAnnual))
}

// =============================================================================
// INJECTED LEDGER
// =============================================================================

type stubLedger struct {
	mu     sync.Mutex
	debits []string
	err    error
}

func (l *stubLedger) GetBalance(_ context.Context, employeeID string, leaveType leave.LeaveType) (leave.Balance, error) {
	return leave.Balance{}, leave.BalanceNotFound(employeeID, leaveType)
}

func (l *stubLedger) Debit(_ context.Context, employeeID string, leaveType leave.LeaveType, days int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.debits = append(l.debits, fmt.Sprintf("%s/%s/%d", employeeID, leaveType, days))
	return nil
}

func (l *stubLedger) Credit(context.Context, string, leave.LeaveType, int) error { return nil }

func TestApproveRH_UsesInjectedLedger(t *testing.T) {
	stub := &stubLedger{}
	f := newFixture(t, leave.WithLedger(func(leave.BalanceStore) leave.Ledger { return stub }))
	req := f.managerApproved(t, leave.TypeAnnual, 3)

	_, err := f.svc.ApproveRH(f.ctx, req.ID, hr)
	require.NoError(t, err)
	assert.Equal(t, []string{"emp-1/ANNUAL/3"}, stub.debits)
}

func TestApproveRH_LedgerFailureRollsBackStatus(t *testing.T) {
	stub := &stubLedger{err: errors.New("ledger unavailable")}
	f := newFixture(t, leave.WithLedger(func(leave.BalanceStore) leave.Ledger { return stub }))
	req := f.managerApproved(t, leave.TypeAnnual, 3)

	_, err := f.svc.ApproveRH(f.ctx, req.ID, hr)
	assert.EqualError(t, err, "ledger unavailable")
	assert.Equal(t, leave.StatusManagerApproved, f.status(t, req.ID))
}

func TestNonApprovingTransitions_NeverTouchLedger(t *testing.T) {
	stub := &stubLedger{err: errors.New("must not be called")}
	f := newFixture(t, leave.WithLedger(func(leave.BalanceStore) leave.Ledger { return stub }))

	a := f.managerApproved(t, leave.TypeAnnual, 1)
	_, err := f.svc.RejectRH(f.ctx, a.ID, hr, "no")
	require.NoError(t, err)

	b := f.submit(t, leave.TypeAnnual, 1)
	_, err = f.svc.RejectManager(f.ctx, b.ID, manager, "no")
	require.NoError(t, err)

	c := f.managerApproved(t, leave.TypeAnnual, 1)
	_, err = f.svc.Cancel(f.ctx, c.ID, employee)
	require.NoError(t, err)
}

// =============================================================================
// VIEWS
// =============================================================================

func TestViews_CurrentUpcomingPending(t *testing.T) {
	f := newFixture(t)
	f.balance(t, "emp-1", leave.TypeAnnual, 25, 0)

	// April 1-3, approved.
	approved := f.managerApproved(t, leave.TypeAnnual, 3)
	_, err := f.svc.ApproveRH(f.ctx, approved.ID, hr)
	require.NoError(t, err)

	pending := f.submit(t, leave.TypeAnnual, 1)
	awaitingHR := f.managerApproved(t, leave.TypeAnnual, 1)

	current, err := f.svc.CurrentLeaves(f.ctx, leave.Date(2025, time.April, 3))
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, approved.ID, current[0].ID)

	current, err = f.svc.CurrentLeaves(f.ctx, leave.Date(2025, time.April, 4))
	require.NoError(t, err)
	assert.Empty(t, current)

	upcoming, err := f.svc.UpcomingLeaves(f.ctx, now)
	require.NoError(t, err)
	require.Len(t, upcoming, 1)
	assert.Equal(t, approved.ID, upcoming[0].ID)

	upcoming, err = f.svc.UpcomingLeaves(f.ctx, leave.Date(2025, time.April, 1))
	require.NoError(t, err)
	assert.Empty(t, upcoming, "a leave that started is no longer upcoming")

	awaiting, err := f.svc.PendingApproval(f.ctx)
	require.NoError(t, err)
	var ids []string
	for _, r := range awaiting {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{pending.ID, awaitingHR.ID}, ids)
}

func TestListRequests_Filters(t *testing.T) {
	f := newFixture(t)
	f.submit(t, leave.TypeAnnual, 1)
	f.submit(t, leave.TypeSick, 1)
	_, err := f.svc.CreateRequest(f.ctx, colleague, leave.CreateInput{
		EmployeeID: colleague.ID, LeaveType: leave.TypeSick,
		StartDate: leave.Date(2025, time.May, 2), EndDate: leave.Date(2025, time.May, 2),
		Reason: "dentist",
	})
	require.NoError(t, err)

	mine, err := f.svc.ListRequests(f.ctx, leave.RequestFilter{EmployeeID: "emp-1"})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	sick, err := f.svc.ListRequests(f.ctx, leave.RequestFilter{LeaveType: leave.TypeSick})
	require.NoError(t, err)
	assert.Len(t, sick, 2)

	// Restartable: the same query gives the same answer.
	again, err := f.svc.ListRequests(f.ctx, leave.RequestFilter{LeaveType: leave.TypeSick})
	require.NoError(t, err)
	assert.Equal(t, sick, again)
}
