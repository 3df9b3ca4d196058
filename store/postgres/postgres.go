/*
Package postgres provides a PostgreSQL implementation of leave.Store on a
pgx connection pool.

The guarded statements are the same as in store/sqlite. Under READ
COMMITTED a concurrent UPDATE on the same row waits for the first writer
and re-evaluates its WHERE clause against the committed row, so
"used + days <= allocated" and "status = expected" cannot both pass for
two callers on the same pre-image.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apprh/leave-engine/leave"
	"github.com/apprh/leave-engine/store"
)

const uniqueViolation = "23505"

var dialect = store.Dialect{
	Name: "postgres",
	Day:  func(t time.Time) any { return leave.Day(t) },
	Time: func(t time.Time) any { return t.UTC() },
}

type Store struct {
	pool *pgxpool.Pool
}

var _ leave.Store = (*Store)(nil)

// New connects to dsn and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	s := NewFromPool(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// NewFromPool wraps an existing pool. The caller owns the schema.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS leave_requests (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		start_date DATE NOT NULL,
		end_date DATE NOT NULL,
		days INTEGER NOT NULL CHECK (days >= 1),
		reason TEXT NOT NULL,
		status TEXT NOT NULL,
		rejection_reason TEXT NOT NULL DEFAULT '',
		manager_decided_by TEXT NOT NULL DEFAULT '',
		manager_decision_at TIMESTAMPTZ,
		rh_decided_by TEXT NOT NULL DEFAULT '',
		rh_decision_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_leave_requests_employee
		ON leave_requests(employee_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_leave_requests_status
		ON leave_requests(status);
	CREATE INDEX IF NOT EXISTS idx_leave_requests_dates
		ON leave_requests(start_date, end_date);

	CREATE TABLE IF NOT EXISTS leave_balances (
		employee_id TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		allocated INTEGER NOT NULL CHECK (allocated >= 0),
		used INTEGER NOT NULL DEFAULT 0 CHECK (used >= 0 AND used <= allocated),
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (employee_id, leave_type)
	);

	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		manager_id TEXT NOT NULL DEFAULT ''
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Reset removes all rows. The shared store suite calls it between cases.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE leave_requests, leave_balances, employees`)
	return err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// REQUEST STORE
// =============================================================================

const requestColumns = `id, employee_id, leave_type, start_date, end_date, days, reason, status,
	rejection_reason, manager_decided_by, manager_decision_at, rh_decided_by, rh_decision_at,
	created_at, updated_at`

func (s *Store) InsertRequest(ctx context.Context, r leave.Request) error {
	return insertRequest(ctx, s.pool, r)
}

func insertRequest(ctx context.Context, q querier, r leave.Request) error {
	_, err := q.Exec(ctx,
		`INSERT INTO leave_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.EmployeeID, string(r.LeaveType), leave.Day(r.StartDate), leave.Day(r.EndDate),
		r.Days, r.Reason, string(r.Status), r.RejectionReason,
		r.ManagerDecidedBy, r.ManagerDecisionAt, r.RHDecidedBy, r.RHDecisionAt,
		r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &leave.ValidationError{Field: "id", Message: "already exists"}
		}
		return fmt.Errorf("failed to insert request: %w", err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (*leave.Request, error) {
	return getRequest(ctx, s.pool, id)
}

func getRequest(ctx context.Context, q querier, id string) (*leave.Request, error) {
	r, err := scanRequest(q.QueryRow(ctx, `SELECT `+requestColumns+` FROM leave_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, leave.RequestNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return &r, nil
}

func (s *Store) ListRequests(ctx context.Context, filter leave.RequestFilter) ([]leave.Request, error) {
	return listRequests(ctx, s.pool, filter)
}

func listRequests(ctx context.Context, q querier, filter leave.RequestFilter) ([]leave.Request, error) {
	query, args, err := store.SelectRequests(dialect, filter)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer rows.Close()

	var requests []leave.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

func (s *Store) CompareAndSetRequest(ctx context.Context, r leave.Request, expected leave.Status) error {
	return casRequest(ctx, s.pool, r, expected)
}

func casRequest(ctx context.Context, q querier, r leave.Request, expected leave.Status) error {
	tag, err := q.Exec(ctx, `
		UPDATE leave_requests SET
			status = $1, rejection_reason = $2,
			manager_decided_by = $3, manager_decision_at = $4,
			rh_decided_by = $5, rh_decision_at = $6,
			updated_at = $7
		WHERE id = $8 AND status = $9`,
		string(r.Status), r.RejectionReason,
		r.ManagerDecidedBy, r.ManagerDecisionAt,
		r.RHDecidedBy, r.RHDecisionAt,
		r.UpdatedAt.UTC(),
		r.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := getRequest(ctx, q, r.ID); err != nil {
			return err
		}
		return leave.ErrStatusConflict
	}
	return nil
}

func scanRequest(row pgx.Row) (leave.Request, error) {
	var r leave.Request
	var leaveType, status string
	if err := row.Scan(
		&r.ID, &r.EmployeeID, &leaveType, &r.StartDate, &r.EndDate, &r.Days, &r.Reason, &status,
		&r.RejectionReason, &r.ManagerDecidedBy, &r.ManagerDecisionAt, &r.RHDecidedBy, &r.RHDecisionAt,
		&r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return leave.Request{}, err
	}
	r.LeaveType = leave.LeaveType(leaveType)
	r.Status = leave.Status(status)
	r.StartDate = leave.Day(r.StartDate)
	r.EndDate = leave.Day(r.EndDate)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

// =============================================================================
// BALANCE STORE
// =============================================================================

const balanceColumns = `employee_id, leave_type, allocated, used, updated_at`

func (s *Store) GetBalance(ctx context.Context, employeeID string, leaveType leave.LeaveType) (leave.Balance, error) {
	return getBalance(ctx, s.pool, employeeID, leaveType)
}

func getBalance(ctx context.Context, q querier, employeeID string, leaveType leave.LeaveType) (leave.Balance, error) {
	b, err := scanBalance(q.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM leave_balances WHERE employee_id = $1 AND leave_type = $2`,
		employeeID, string(leaveType)))
	if errors.Is(err, pgx.ErrNoRows) {
		return leave.Balance{}, leave.BalanceNotFound(employeeID, leaveType)
	}
	if err != nil {
		return leave.Balance{}, fmt.Errorf("failed to get balance: %w", err)
	}
	return b, nil
}

func (s *Store) ListBalances(ctx context.Context, employeeID string) ([]leave.Balance, error) {
	return listBalances(ctx, s.pool, employeeID)
}

func listBalances(ctx context.Context, q querier, employeeID string) ([]leave.Balance, error) {
	rows, err := q.Query(ctx,
		`SELECT `+balanceColumns+` FROM leave_balances WHERE employee_id = $1 ORDER BY leave_type ASC`,
		employeeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var balances []leave.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (s *Store) SaveBalance(ctx context.Context, b leave.Balance) error {
	return saveBalance(ctx, s.pool, b)
}

func saveBalance(ctx context.Context, q querier, b leave.Balance) error {
	if err := b.Validate(); err != nil {
		return err
	}
	_, err := q.Exec(ctx, `
		INSERT INTO leave_balances (`+balanceColumns+`)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (employee_id, leave_type) DO UPDATE SET
			allocated = EXCLUDED.allocated,
			used = EXCLUDED.used,
			updated_at = EXCLUDED.updated_at`,
		b.EmployeeID, string(b.LeaveType), b.Allocated, b.Used, b.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	return nil
}

// SetAllocated upserts the allocation. ON CONFLICT DO UPDATE locks the row
// and checks the guard against the latest committed used, so a debit that
// commits first is never overwritten.
func (s *Store) SetAllocated(ctx context.Context, employeeID string, leaveType leave.LeaveType, allocated int, at time.Time) (leave.Balance, error) {
	return setAllocated(ctx, s.pool, employeeID, leaveType, allocated, at)
}

func setAllocated(ctx context.Context, q querier, employeeID string, leaveType leave.LeaveType, allocated int, at time.Time) (leave.Balance, error) {
	return updateBalance(ctx, q, employeeID, leaveType, `
		INSERT INTO leave_balances (`+balanceColumns+`)
		VALUES ($1, $2, $3, 0, $4)
		ON CONFLICT (employee_id, leave_type) DO UPDATE SET
			allocated = EXCLUDED.allocated,
			updated_at = EXCLUDED.updated_at
		WHERE leave_balances.used <= EXCLUDED.allocated
		RETURNING `+balanceColumns,
		employeeID, string(leaveType), allocated, at.UTC())
}

func (s *Store) AddUsed(ctx context.Context, employeeID string, leaveType leave.LeaveType, days int, at time.Time) (leave.Balance, error) {
	return addUsed(ctx, s.pool, employeeID, leaveType, days, at)
}

func addUsed(ctx context.Context, q querier, employeeID string, leaveType leave.LeaveType, days int, at time.Time) (leave.Balance, error) {
	return updateBalance(ctx, q, employeeID, leaveType, `
		UPDATE leave_balances SET used = used + $1, updated_at = $2
		WHERE employee_id = $3 AND leave_type = $4 AND used + $1 <= allocated
		RETURNING `+balanceColumns,
		days, at.UTC(), employeeID, string(leaveType))
}

func (s *Store) SubtractUsed(ctx context.Context, employeeID string, leaveType leave.LeaveType, days int, at time.Time) (leave.Balance, error) {
	return subtractUsed(ctx, s.pool, employeeID, leaveType, days, at)
}

func subtractUsed(ctx context.Context, q querier, employeeID string, leaveType leave.LeaveType, days int, at time.Time) (leave.Balance, error) {
	return updateBalance(ctx, q, employeeID, leaveType, `
		UPDATE leave_balances SET used = GREATEST(0, used - $1), updated_at = $2
		WHERE employee_id = $3 AND leave_type = $4
		RETURNING `+balanceColumns,
		days, at.UTC(), employeeID, string(leaveType))
}

func (s *Store) SetUsed(ctx context.Context, employeeID string, leaveType leave.LeaveType, used int, at time.Time) (leave.Balance, error) {
	return setUsed(ctx, s.pool, employeeID, leaveType, used, at)
}

func setUsed(ctx context.Context, q querier, employeeID string, leaveType leave.LeaveType, used int, at time.Time) (leave.Balance, error) {
	return updateBalance(ctx, q, employeeID, leaveType, `
		UPDATE leave_balances SET used = $1, updated_at = $2
		WHERE employee_id = $3 AND leave_type = $4 AND $1 >= 0 AND $1 <= allocated
		RETURNING `+balanceColumns,
		used, at.UTC(), employeeID, string(leaveType))
}

// updateBalance runs a guarded write ... RETURNING. No row back on an
// existing record means the guard refused it.
func updateBalance(ctx context.Context, q querier, employeeID string, leaveType leave.LeaveType, query string, args ...any) (leave.Balance, error) {
	b, err := scanBalance(q.QueryRow(ctx, query, args...))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return leave.Balance{}, fmt.Errorf("failed to update balance: %w", err)
	}

	current, err := getBalance(ctx, q, employeeID, leaveType)
	if err != nil {
		return leave.Balance{}, err
	}
	return current, leave.ErrInsufficientBalance
}

func scanBalance(row pgx.Row) (leave.Balance, error) {
	var b leave.Balance
	var leaveType string
	if err := row.Scan(&b.EmployeeID, &leaveType, &b.Allocated, &b.Used, &b.UpdatedAt); err != nil {
		return leave.Balance{}, err
	}
	b.LeaveType = leave.LeaveType(leaveType)
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

// =============================================================================
// DIRECTORY
// =============================================================================

func (s *Store) SaveEmployee(ctx context.Context, e leave.Employee) error {
	return saveEmployee(ctx, s.pool, e)
}

func saveEmployee(ctx context.Context, q querier, e leave.Employee) error {
	_, err := q.Exec(ctx, `
		INSERT INTO employees (id, name, manager_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			manager_id = EXCLUDED.manager_id`,
		e.ID, e.Name, e.ManagerID)
	if err != nil {
		return fmt.Errorf("failed to save employee: %w", err)
	}
	return nil
}

func (s *Store) GetEmployee(ctx context.Context, id string) (*leave.Employee, error) {
	return getEmployee(ctx, s.pool, id)
}

func getEmployee(ctx context.Context, q querier, id string) (*leave.Employee, error) {
	var e leave.Employee
	err := q.QueryRow(ctx, `SELECT id, name, manager_id FROM employees WHERE id = $1`, id).
		Scan(&e.ID, &e.Name, &e.ManagerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, leave.EmployeeNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get employee: %w", err)
	}
	return &e, nil
}

func (s *Store) IsManagerOf(ctx context.Context, managerID, employeeID string) (bool, error) {
	return isManagerOf(ctx, s.pool, managerID, employeeID)
}

func isManagerOf(ctx context.Context, q querier, managerID, employeeID string) (bool, error) {
	if managerID == "" {
		return false, nil
	}
	var ok bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM employees WHERE id = $1 AND manager_id = $2)`,
		employeeID, managerID,
	).Scan(&ok)
	return ok, err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(leave.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type txStore struct {
	tx pgx.Tx
}

func (ts *txStore) InsertRequest(ctx context.Context, r leave.Request) error {
	return insertRequest(ctx, ts.tx, r)
}

func (ts *txStore) GetRequest(ctx context.Context, id string) (*leave.Request, error) {
	return getRequest(ctx, ts.tx, id)
}

func (ts *txStore) ListRequests(ctx context.Context, filter leave.RequestFilter) ([]leave.Request, error) {
	return listRequests(ctx, ts.tx, filter)
}

func (ts *txStore) CompareAndSetRequest(ctx context.Context, r leave.Request, expected leave.Status) error {
	return casRequest(ctx, ts.tx, r, expected)
}

func (ts *txStore) GetBalance(ctx context.Context, employeeID string, leaveType leave.LeaveType) (leave.Balance, error) {
	return getBalance(ctx, ts.tx, employeeID, leaveType)
}

func (ts *txStore) ListBalances(ctx context.Context, employeeID string) ([]leave.Balance, error) {
	return listBalances(ctx, ts.tx, employeeID)
}

func (ts *txStore) SaveBalance(ctx context.Context, b leave.Balance) error {
	return saveBalance(ctx, ts.tx, b)
}

func (ts *txStore) SetAllocated(ctx context.Context, employeeID string, leaveType leave.LeaveType, allocated int, at time.Time) (leave.Balance, error) {
	return setAllocated(ctx, ts.tx, employeeID, leaveType, allocated, at)
}

func (ts *txStore) AddUsed(ctx context.Context, employeeID string, leaveType leave.LeaveType, days int, at time.Time) (leave.Balance, error) {
	return addUsed(ctx, ts.tx, employeeID, leaveType, days, at)
}

func (ts *txStore) SubtractUsed(ctx context.Context, employeeID string, leaveType leave.LeaveType, days int, at time.Time) (leave.Balance, error) {
	return subtractUsed(ctx, ts.tx, employeeID, leaveType, days, at)
}

func (ts *txStore) SetUsed(ctx context.Context, employeeID string, leaveType leave.LeaveType, used int, at time.Time) (leave.Balance, error) {
	return setUsed(ctx, ts.tx, employeeID, leaveType, used, at)
}

func (ts *txStore) SaveEmployee(ctx context.Context, e leave.Employee) error {
	return saveEmployee(ctx, ts.tx, e)
}

func (ts *txStore) GetEmployee(ctx context.Context, id string) (*leave.Employee, error) {
	return getEmployee(ctx, ts.tx, id)
}

func (ts *txStore) IsManagerOf(ctx context.Context, managerID, employeeID string) (bool, error) {
	return isManagerOf(ctx, ts.tx, managerID, employeeID)
}

func (ts *txStore) WithTx(_ context.Context, fn func(leave.Store) error) error {
	return fn(ts)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
