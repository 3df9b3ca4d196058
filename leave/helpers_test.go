package leave_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/apprh/leave-engine/leave"
	"github.com/apprh/leave-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	employee  = leave.NewActor("emp-1", leave.RoleEmployee)
	colleague = leave.NewActor("emp-2", leave.RoleEmployee)
	manager   = leave.NewActor("mgr-1", leave.RoleEmployee, leave.RoleManager)
	otherMgr  = leave.NewActor("mgr-2", leave.RoleEmployee, leave.RoleManager)
	hr        = leave.NewActor("hr-1", leave.RoleEmployee, leave.RoleHR)
	admin     = leave.NewActor("admin-1", leave.RoleAdmin)
)

// now is fixed so created_at and decision timestamps are predictable.
var now = time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

type fixture struct {
	ctx   context.Context
	store *memory.Store
	svc   *leave.Service
}

func newFixture(t *testing.T, opts ...leave.Option) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	require.NoError(t, store.SaveEmployee(ctx, leave.Employee{ID: "mgr-1", Name: "Claire"}))
	require.NoError(t, store.SaveEmployee(ctx, leave.Employee{ID: "mgr-2", Name: "Paul"}))
	require.NoError(t, store.SaveEmployee(ctx, leave.Employee{ID: "emp-1", Name: "Hugo", ManagerID: "mgr-1"}))
	require.NoError(t, store.SaveEmployee(ctx, leave.Employee{ID: "emp-2", Name: "Lina", ManagerID: "mgr-2"}))

	var seq atomic.Int64
	base := []leave.Option{
		leave.WithLogger(zaptest.NewLogger(t)),
		leave.WithClock(func() time.Time { return now }),
		leave.WithIDGenerator(func() string { return fmt.Sprintf("req-%d", seq.Add(1)) }),
	}
	return &fixture{
		ctx:   ctx,
		store: store,
		svc:   leave.NewService(store, append(base, opts...)...),
	}
}

func (f *fixture) balance(t *testing.T, employeeID string, leaveType leave.LeaveType, allocated, used int) {
	t.Helper()
	require.NoError(t, f.store.SaveBalance(f.ctx, leave.Balance{
		EmployeeID: employeeID,
		LeaveType:  leaveType,
		Allocated:  allocated,
		Used:       used,
		UpdatedAt:  now,
	}))
}

func (f *fixture) used(t *testing.T, employeeID string, leaveType leave.LeaveType) int {
	t.Helper()
	b, err := f.store.GetBalance(f.ctx, employeeID, leaveType)
	require.NoError(t, err)
	return b.Used
}

// submit creates a request of the given length starting April 1st.
func (f *fixture) submit(t *testing.T, leaveType leave.LeaveType, days int) *leave.Request {
	t.Helper()
	start := leave.Date(2025, time.April, 1)
	req, err := f.svc.CreateRequest(f.ctx, employee, leave.CreateInput{
		EmployeeID: employee.ID,
		LeaveType:  leaveType,
		StartDate:  start,
		EndDate:    start.AddDate(0, 0, days-1),
		Reason:     "family trip",
	})
	require.NoError(t, err)
	return req
}

// managerApproved creates a request and takes it to MANAGER_APPROVED.
func (f *fixture) managerApproved(t *testing.T, leaveType leave.LeaveType, days int) *leave.Request {
	t.Helper()
	req := f.submit(t, leaveType, days)
	req, err := f.svc.ApproveManager(f.ctx, req.ID, manager)
	require.NoError(t, err)
	return req
}

func (f *fixture) status(t *testing.T, id string) leave.Status {
	t.Helper()
	req, err := f.svc.GetRequest(f.ctx, id)
	require.NoError(t, err)
	return req.Status
}
