// Package memory provides an in-memory leave.Store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/apprh/leave-engine/leave"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Store struct {
	mu        sync.RWMutex
	requests  map[string]leave.Request
	balances  map[key]leave.Balance
	employees map[string]leave.Employee
}

type key struct {
	EmployeeID string
	LeaveType  leave.LeaveType
}

func New() *Store {
	return &Store{
		requests:  make(map[string]leave.Request),
		balances:  make(map[key]leave.Balance),
		employees: make(map[string]leave.Employee),
	}
}

var _ leave.Store = (*Store)(nil)

// =============================================================================
// REQUESTS
// =============================================================================

func (m *Store) InsertRequest(_ context.Context, req leave.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertRequestLocked(req)
}

func (m *Store) insertRequestLocked(req leave.Request) error {
	if _, ok := m.requests[req.ID]; ok {
		return &leave.ValidationError{Field: "id", Message: "already exists"}
	}
	m.requests[req.ID] = req
	return nil
}

func (m *Store) GetRequest(_ context.Context, id string) (*leave.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRequestLocked(id)
}

func (m *Store) getRequestLocked(id string) (*leave.Request, error) {
	r, ok := m.requests[id]
	if !ok {
		return nil, leave.RequestNotFound(id)
	}
	return &r, nil
}

func (m *Store) ListRequests(_ context.Context, filter leave.RequestFilter) ([]leave.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listRequestsLocked(filter), nil
}

func (m *Store) listRequestsLocked(filter leave.RequestFilter) []leave.Request {
	var result []leave.Request
	for _, r := range m.requests {
		if filter.Matches(r) {
			result = append(result, r)
		}
	}
	// Newest first, id as tie-breaker so the order is stable.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result
}

func (m *Store) CompareAndSetRequest(_ context.Context, req leave.Request, expected leave.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.casRequestLocked(req, expected)
}

func (m *Store) casRequestLocked(req leave.Request, expected leave.Status) error {
	stored, ok := m.requests[req.ID]
	if !ok {
		return leave.RequestNotFound(req.ID)
	}
	if stored.Status != expected {
		return leave.ErrStatusConflict
	}
	m.requests[req.ID] = req
	return nil
}

// =============================================================================
// BALANCES
// =============================================================================

func (m *Store) GetBalance(_ context.Context, employeeID string, leaveType leave.LeaveType) (leave.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBalanceLocked(employeeID, leaveType)
}

func (m *Store) getBalanceLocked(employeeID string, leaveType leave.LeaveType) (leave.Balance, error) {
	b, ok := m.balances[key{employeeID, leaveType}]
	if !ok {
		return leave.Balance{}, leave.BalanceNotFound(employeeID, leaveType)
	}
	return b, nil
}

func (m *Store) ListBalances(_ context.Context, employeeID string) ([]leave.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listBalancesLocked(employeeID), nil
}

func (m *Store) listBalancesLocked(employeeID string) []leave.Balance {
	var result []leave.Balance
	for k, b := range m.balances {
		if k.EmployeeID == employeeID {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].LeaveType < result[j].LeaveType })
	return result
}

func (m *Store) SaveBalance(_ context.Context, b leave.Balance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveBalanceLocked(b)
}

func (m *Store) saveBalanceLocked(b leave.Balance) error {
	if err := b.Validate(); err != nil {
		return err
	}
	m.balances[key{b.EmployeeID, b.LeaveType}] = b
	return nil
}

func (m *Store) SetAllocated(_ context.Context, employeeID string, leaveType leave.LeaveType, allocated int, at time.Time) (leave.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setAllocatedLocked(employeeID, leaveType, allocated, at)
}

func (m *Store) setAllocatedLocked(employeeID string, leaveType leave.LeaveType, allocated int, at time.Time) (leave.Balance, error) {
	k := key{employeeID, leaveType}
	b, ok := m.balances[k]
	if !ok {
		b = leave.Balance{EmployeeID: employeeID, LeaveType: leaveType}
	} else if b.Used > allocated {
		return b, leave.ErrInsufficientBalance
	}
	b.Allocated = allocated
	b.UpdatedAt = at
	if err := b.Validate(); err != nil {
		return leave.Balance{}, err
	}
	m.balances[k] = b
	return b, nil
}

func (m *Store) AddUsed(_ context.Context, employeeID string, leaveType leave.LeaveType, days int, at time.Time) (leave.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addUsedLocked(employeeID, leaveType, days, at)
}

// addUsedLocked checks and increments under the write lock, so no other
// caller can observe the pre-increment value in between.
func (m *Store) addUsedLocked(employeeID string, leaveType leave.LeaveType, days int, at time.Time) (leave.Balance, error) {
	b, err := m.getBalanceLocked(employeeID, leaveType)
	if err != nil {
		return leave.Balance{}, err
	}
	if !b.CanDebit(days) {
		return b, leave.ErrInsufficientBalance
	}
	b.Used += days
	b.UpdatedAt = at
	m.balances[key{employeeID, leaveType}] = b
	return b, nil
}

func (m *Store) SubtractUsed(_ context.Context, employeeID string, leaveType leave.LeaveType, days int, at time.Time) (leave.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subtractUsedLocked(employeeID, leaveType, days, at)
}

func (m *Store) subtractUsedLocked(employeeID string, leaveType leave.LeaveType, days int, at time.Time) (leave.Balance, error) {
	b, err := m.getBalanceLocked(employeeID, leaveType)
	if err != nil {
		return leave.Balance{}, err
	}
	b.Used = max(0, b.Used-days)
	b.UpdatedAt = at
	m.balances[key{employeeID, leaveType}] = b
	return b, nil
}

func (m *Store) SetUsed(_ context.Context, employeeID string, leaveType leave.LeaveType, used int, at time.Time) (leave.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setUsedLocked(employeeID, leaveType, used, at)
}

func (m *Store) setUsedLocked(employeeID string, leaveType leave.LeaveType, used int, at time.Time) (leave.Balance, error) {
	b, err := m.getBalanceLocked(employeeID, leaveType)
	if err != nil {
		return leave.Balance{}, err
	}
	if used < 0 || used > b.Allocated {
		return b, leave.ErrInsufficientBalance
	}
	b.Used = used
	b.UpdatedAt = at
	m.balances[key{employeeID, leaveType}] = b
	return b, nil
}

// =============================================================================
// DIRECTORY
// =============================================================================

func (m *Store) SaveEmployee(_ context.Context, e leave.Employee) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.employees[e.ID] = e
	return nil
}

func (m *Store) GetEmployee(_ context.Context, id string) (*leave.Employee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getEmployeeLocked(id)
}

func (m *Store) getEmployeeLocked(id string) (*leave.Employee, error) {
	e, ok := m.employees[id]
	if !ok {
		return nil, leave.EmployeeNotFound(id)
	}
	return &e, nil
}

func (m *Store) IsManagerOf(_ context.Context, managerID, employeeID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isManagerOfLocked(managerID, employeeID), nil
}

func (m *Store) isManagerOfLocked(managerID, employeeID string) bool {
	e, ok := m.employees[employeeID]
	return ok && managerID != "" && e.ManagerID == managerID
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole of fn, so transactions are serial.
func (m *Store) WithTx(ctx context.Context, fn func(leave.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	requests  map[string]leave.Request
	balances  map[key]leave.Balance
	employees map[string]leave.Employee
}

func (m *Store) snapshot() snapshot {
	s := snapshot{
		requests:  make(map[string]leave.Request, len(m.requests)),
		balances:  make(map[key]leave.Balance, len(m.balances)),
		employees: make(map[string]leave.Employee, len(m.employees)),
	}
	for k, v := range m.requests {
		s.requests[k] = v
	}
	for k, v := range m.balances {
		s.balances[k] = v
	}
	for k, v := range m.employees {
		s.employees[k] = v
	}
	return s
}

func (m *Store) restore(s snapshot) {
	m.requests = s.requests
	m.balances = s.balances
	m.employees = s.employees
}

// txView runs every call against the parent while WithTx holds its lock.
type txView struct {
	parent *Store
}

func (tv *txView) InsertRequest(_ context.Context, req leave.Request) error {
	return tv.parent.insertRequestLocked(req)
}

func (tv *txView) GetRequest(_ context.Context, id string) (*leave.Request, error) {
	return tv.parent.getRequestLocked(id)
}

func (tv *txView) ListRequests(_ context.Context, filter leave.RequestFilter) ([]leave.Request, error) {
	return tv.parent.listRequestsLocked(filter), nil
}

func (tv *txView) CompareAndSetRequest(_ context.Context, req leave.Request, expected leave.Status) error {
	return tv.parent.casRequestLocked(req, expected)
}

func (tv *txView) GetBalance(_ context.Context, employeeID string, leaveType leave.LeaveType) (leave.Balance, error) {
	return tv.parent.getBalanceLocked(employeeID, leaveType)
}

func (tv *txView) ListBalances(_ context.Context, employeeID string) ([]leave.Balance, error) {
	return tv.parent.listBalancesLocked(employeeID), nil
}

func (tv *txView) SaveBalance(_ context.Context, b leave.Balance) error {
	return tv.parent.saveBalanceLocked(b)
}

func (tv *txView) SetAllocated(_ context.Context, employeeID string, leaveType leave.LeaveType, allocated int, at time.Time) (leave.Balance, error) {
	return tv.parent.setAllocatedLocked(employeeID, leaveType, allocated, at)
}

func (tv *txView) AddUsed(_ context.Context, employeeID string, leaveType leave.LeaveType, days int, at time.Time) (leave.Balance, error) {
	return tv.parent.addUsedLocked(employeeID, leaveType, days, at)
}

func (tv *txView) SubtractUsed(_ context.Context, employeeID string, leaveType leave.LeaveType, days int, at time.Time) (leave.Balance, error) {
	return tv.parent.subtractUsedLocked(employeeID, leaveType, days, at)
}

func (tv *txView) SetUsed(_ context.Context, employeeID string, leaveType leave.LeaveType, used int, at time.Time) (leave.Balance, error) {
	return tv.parent.setUsedLocked(employeeID, leaveType, used, at)
}

func (tv *txView) SaveEmployee(_ context.Context, e leave.Employee) error {
	tv.parent.employees[e.ID] = e
	return nil
}

func (tv *txView) GetEmployee(_ context.Context, id string) (*leave.Employee, error) {
	return tv.parent.getEmployeeLocked(id)
}

func (tv *txView) IsManagerOf(_ context.Context, managerID, employeeID string) (bool, error) {
	return tv.parent.isManagerOfLocked(managerID, employeeID), nil
}

// WithTx on a view joins the enclosing transaction.
func (tv *txView) WithTx(_ context.Context, fn func(leave.Store) error) error {
	return fn(tv)
}
