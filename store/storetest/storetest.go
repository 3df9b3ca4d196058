// Package storetest holds the behaviour every leave.Store must share.
// Each store package runs it from its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apprh/leave-engine/leave"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) leave.Store

// Run executes the shared suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("RequestRoundTrip", func(t *testing.T) { testRequestRoundTrip(t, newStore(t)) })
	t.Run("RequestNotFound", func(t *testing.T) { testRequestNotFound(t, newStore(t)) })
	t.Run("ListRequestsFilters", func(t *testing.T) { testListRequestsFilters(t, newStore(t)) })
	t.Run("CompareAndSet", func(t *testing.T) { testCompareAndSet(t, newStore(t)) })
	t.Run("BalanceCounters", func(t *testing.T) { testBalanceCounters(t, newStore(t)) })
	t.Run("BalanceNotFound", func(t *testing.T) { testBalanceNotFound(t, newStore(t)) })
	t.Run("SetAllocatedKeepsUsed", func(t *testing.T) { testSetAllocatedKeepsUsed(t, newStore(t)) })
	t.Run("ConcurrentAddUsed", func(t *testing.T) { testConcurrentAddUsed(t, newStore(t)) })
	t.Run("WithTxRollback", func(t *testing.T) { testWithTxRollback(t, newStore(t)) })
	t.Run("Directory", func(t *testing.T) { testDirectory(t, newStore(t)) })
}

// =============================================================================
// FIXTURES
// =============================================================================

var base = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

// stamp is the mutation time passed to the counter updates.
var stamp = base.Add(24 * time.Hour)

func request(id, employeeID string, status leave.Status, start time.Time, days int, created time.Time) leave.Request {
	return leave.Request{
		ID:         id,
		EmployeeID: employeeID,
		LeaveType:  leave.TypeAnnual,
		StartDate:  leave.Day(start),
		EndDate:    leave.Day(start).AddDate(0, 0, days-1),
		Days:       days,
		Reason:     "holiday",
		Status:     status,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func balance(employeeID string, allocated, used int) leave.Balance {
	return leave.Balance{
		EmployeeID: employeeID,
		LeaveType:  leave.TypeAnnual,
		Allocated:  allocated,
		Used:       used,
		UpdatedAt:  base,
	}
}

// =============================================================================
// REQUESTS
// =============================================================================

func testRequestRoundTrip(t *testing.T, s leave.Store) {
	ctx := context.Background()
	decided := base.Add(time.Hour)

	req := request("req-1", "emp-1", leave.StatusPending, leave.Date(2025, time.March, 10), 5, base)
	require.NoError(t, s.InsertRequest(ctx, req))

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "emp-1", got.EmployeeID)
	assert.Equal(t, leave.TypeAnnual, got.LeaveType)
	assert.True(t, req.StartDate.Equal(got.StartDate))
	assert.True(t, req.EndDate.Equal(got.EndDate))
	assert.Equal(t, 5, got.Days)
	assert.Equal(t, leave.StatusPending, got.Status)
	assert.Nil(t, got.ManagerDecisionAt)
	assert.True(t, base.Equal(got.CreatedAt))

	next := *got
	next.Status = leave.StatusManagerApproved
	next.ManagerDecidedBy = "mgr-1"
	next.ManagerDecisionAt = &decided
	next.UpdatedAt = decided
	require.NoError(t, s.CompareAndSetRequest(ctx, next, leave.StatusPending))

	got, err = s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusManagerApproved, got.Status)
	assert.Equal(t, "mgr-1", got.ManagerDecidedBy)
	require.NotNil(t, got.ManagerDecisionAt)
	assert.True(t, decided.Equal(*got.ManagerDecisionAt))
}

func testRequestNotFound(t *testing.T, s leave.Store) {
	_, err := s.GetRequest(context.Background(), "missing")
	assert.ErrorIs(t, err, leave.ErrNotFound)

	var nf *leave.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "request", nf.Kind)
}

func testListRequestsFilters(t *testing.T, s leave.Store) {
	ctx := context.Background()

	fixtures := []leave.Request{
		request("a", "emp-1", leave.StatusPending, leave.Date(2025, time.April, 1), 3, base),
		request("b", "emp-1", leave.StatusRHApproved, leave.Date(2025, time.March, 3), 5, base.Add(time.Minute)),
		request("c", "emp-2", leave.StatusManagerApproved, leave.Date(2025, time.March, 5), 1, base.Add(2*time.Minute)),
		request("d", "emp-2", leave.StatusRejected, leave.Date(2025, time.June, 1), 2, base.Add(3*time.Minute)),
	}
	fixtures[3].LeaveType = leave.TypeSick
	for _, r := range fixtures {
		require.NoError(t, s.InsertRequest(ctx, r))
	}

	ids := func(rs []leave.Request) []string {
		out := make([]string, 0, len(rs))
		for _, r := range rs {
			out = append(out, r.ID)
		}
		return out
	}

	all, err := s.ListRequests(ctx, leave.RequestFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c", "b", "a"}, ids(all), "newest first")

	byEmployee, err := s.ListRequests(ctx, leave.RequestFilter{EmployeeID: "emp-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(byEmployee))

	awaiting, err := s.ListRequests(ctx, leave.RequestFilter{
		Statuses: []leave.Status{leave.StatusPending, leave.StatusManagerApproved},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids(awaiting))

	sick, err := s.ListRequests(ctx, leave.RequestFilter{LeaveType: leave.TypeSick})
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, ids(sick))

	// b covers March 3-7; c is March 5 only.
	covering, err := s.ListRequests(ctx, leave.RequestFilter{
		StartTo: leave.Date(2025, time.March, 6),
		EndFrom: leave.Date(2025, time.March, 6),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(covering))

	march, err := s.ListRequests(ctx, leave.RequestFilter{
		StartFrom: leave.Date(2025, time.March, 1),
		StartTo:   leave.Date(2025, time.March, 31),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, ids(march))

	old, err := s.ListRequests(ctx, leave.RequestFilter{CreatedBefore: base.Add(90 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(old))
}

func testCompareAndSet(t *testing.T, s leave.Store) {
	ctx := context.Background()
	req := request("req-1", "emp-1", leave.StatusManagerApproved, leave.Date(2025, time.May, 1), 2, base)
	require.NoError(t, s.InsertRequest(ctx, req))

	stale := req
	stale.Status = leave.StatusRejected
	err := s.CompareAndSetRequest(ctx, stale, leave.StatusPending)
	assert.ErrorIs(t, err, leave.ErrStatusConflict)

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusManagerApproved, got.Status, "failed compare-and-set must not write")

	missing := request("nope", "emp-1", leave.StatusCancelled, leave.Date(2025, time.May, 1), 1, base)
	err = s.CompareAndSetRequest(ctx, missing, leave.StatusPending)
	assert.ErrorIs(t, err, leave.ErrNotFound)
}

// =============================================================================
// BALANCES
// =============================================================================

func testBalanceCounters(t *testing.T, s leave.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveBalance(ctx, balance("emp-1", 10, 2)))

	b, err := s.AddUsed(ctx, "emp-1", leave.TypeAnnual, 8, stamp)
	require.NoError(t, err)
	assert.Equal(t, 10, b.Used)
	assert.True(t, stamp.Equal(b.UpdatedAt), "updated_at is the caller's time")

	b, err = s.AddUsed(ctx, "emp-1", leave.TypeAnnual, 1, stamp)
	assert.ErrorIs(t, err, leave.ErrInsufficientBalance)
	assert.Equal(t, 10, b.Used, "unchanged balance is returned on failure")

	b, err = s.SubtractUsed(ctx, "emp-1", leave.TypeAnnual, 3, stamp)
	require.NoError(t, err)
	assert.Equal(t, 7, b.Used)

	b, err = s.SubtractUsed(ctx, "emp-1", leave.TypeAnnual, 50, stamp)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Used, "credit floors at zero")

	b, err = s.SetUsed(ctx, "emp-1", leave.TypeAnnual, 4, stamp)
	require.NoError(t, err)
	assert.Equal(t, 4, b.Used)

	_, err = s.SetUsed(ctx, "emp-1", leave.TypeAnnual, 11, stamp)
	assert.ErrorIs(t, err, leave.ErrInsufficientBalance)

	require.NoError(t, s.SaveBalance(ctx, leave.Balance{
		EmployeeID: "emp-1", LeaveType: leave.TypeSick, Allocated: 10, UpdatedAt: base,
	}))
	list, err := s.ListBalances(ctx, "emp-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, leave.TypeAnnual, list[0].LeaveType)
	assert.Equal(t, 4, list[0].Used)
	assert.Equal(t, leave.TypeSick, list[1].LeaveType)
}

func testBalanceNotFound(t *testing.T, s leave.Store) {
	ctx := context.Background()

	_, err := s.GetBalance(ctx, "ghost", leave.TypeAnnual)
	assert.ErrorIs(t, err, leave.ErrNotFound)

	_, err = s.AddUsed(ctx, "ghost", leave.TypeAnnual, 1, stamp)
	assert.ErrorIs(t, err, leave.ErrNotFound)
}

func testSetAllocatedKeepsUsed(t *testing.T, s leave.Store) {
	// GIVEN: no record, then a record with 5 days already used
	// WHEN: setting the allocation
	// THEN: the record is created with used 0, used survives every change,
	//       and an allocation below used is refused without writing
	ctx := context.Background()

	b, err := s.SetAllocated(ctx, "emp-1", leave.TypeAnnual, 20, base)
	require.NoError(t, err)
	assert.Equal(t, 20, b.Allocated)
	assert.Equal(t, 0, b.Used)

	_, err = s.AddUsed(ctx, "emp-1", leave.TypeAnnual, 5, base)
	require.NoError(t, err)

	b, err = s.SetAllocated(ctx, "emp-1", leave.TypeAnnual, 25, stamp)
	require.NoError(t, err)
	assert.Equal(t, 25, b.Allocated)
	assert.Equal(t, 5, b.Used)
	assert.True(t, stamp.Equal(b.UpdatedAt))

	b, err = s.SetAllocated(ctx, "emp-1", leave.TypeAnnual, 5, stamp)
	require.NoError(t, err)
	assert.Equal(t, 5, b.Used, "allocation may equal used")

	b, err = s.SetAllocated(ctx, "emp-1", leave.TypeAnnual, 4, stamp.Add(time.Hour))
	assert.ErrorIs(t, err, leave.ErrInsufficientBalance)
	assert.Equal(t, 5, b.Allocated, "unchanged balance is returned on failure")

	got, err := s.GetBalance(ctx, "emp-1", leave.TypeAnnual)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Allocated)
	assert.Equal(t, 5, got.Used)
	assert.True(t, stamp.Equal(got.UpdatedAt))
}

func testConcurrentAddUsed(t *testing.T, s leave.Store) {
	// GIVEN: 10 days allocated
	// WHEN: 20 callers each try to use 1 day at once
	// THEN: exactly 10 succeed and used never exceeds allocated
	ctx := context.Background()
	require.NoError(t, s.SaveBalance(ctx, balance("emp-1", 10, 0)))

	var wg sync.WaitGroup
	var ok, insufficient atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AddUsed(ctx, "emp-1", leave.TypeAnnual, 1, stamp)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, leave.ErrInsufficientBalance):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, int32(10), insufficient.Load())

	b, err := s.GetBalance(ctx, "emp-1", leave.TypeAnnual)
	require.NoError(t, err)
	assert.Equal(t, 10, b.Used)
}

func testWithTxRollback(t *testing.T, s leave.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveBalance(ctx, balance("emp-1", 10, 0)))
	require.NoError(t, s.InsertRequest(ctx,
		request("req-1", "emp-1", leave.StatusManagerApproved, leave.Date(2025, time.May, 1), 3, base)))

	boom := fmt.Errorf("boom")
	err := s.WithTx(ctx, func(tx leave.Store) error {
		req, err := tx.GetRequest(ctx, "req-1")
		if err != nil {
			return err
		}
		next := *req
		next.Status = leave.StatusRHApproved
		if err := tx.CompareAndSetRequest(ctx, next, leave.StatusManagerApproved); err != nil {
			return err
		}
		if _, err := tx.AddUsed(ctx, "emp-1", leave.TypeAnnual, 3, stamp); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusManagerApproved, got.Status, "status rolled back")

	b, err := s.GetBalance(ctx, "emp-1", leave.TypeAnnual)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Used, "debit rolled back")

	// A committed transaction keeps both writes.
	err = s.WithTx(ctx, func(tx leave.Store) error {
		next := *got
		next.Status = leave.StatusRHApproved
		if err := tx.CompareAndSetRequest(ctx, next, leave.StatusManagerApproved); err != nil {
			return err
		}
		_, err := tx.AddUsed(ctx, "emp-1", leave.TypeAnnual, 3, stamp)
		return err
	})
	require.NoError(t, err)

	got, err = s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusRHApproved, got.Status)
	b, err = s.GetBalance(ctx, "emp-1", leave.TypeAnnual)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Used)
}

// =============================================================================
// DIRECTORY
// =============================================================================

func testDirectory(t *testing.T, s leave.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveEmployee(ctx, leave.Employee{ID: "mgr-1", Name: "Claire"}))
	require.NoError(t, s.SaveEmployee(ctx, leave.Employee{ID: "emp-1", Name: "Hugo", ManagerID: "mgr-1"}))

	e, err := s.GetEmployee(ctx, "emp-1")
	require.NoError(t, err)
	assert.Equal(t, "Hugo", e.Name)
	assert.Equal(t, "mgr-1", e.ManagerID)

	ok, err := s.IsManagerOf(ctx, "mgr-1", "emp-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsManagerOf(ctx, "emp-1", "mgr-1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.IsManagerOf(ctx, "mgr-1", "unknown")
	require.NoError(t, err)
	assert.False(t, ok)

	// Saving again replaces the manager.
	require.NoError(t, s.SaveEmployee(ctx, leave.Employee{ID: "emp-1", Name: "Hugo", ManagerID: "mgr-2"}))
	ok, err = s.IsManagerOf(ctx, "mgr-1", "emp-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.GetEmployee(ctx, "nobody")
	assert.ErrorIs(t, err, leave.ErrNotFound)
}
