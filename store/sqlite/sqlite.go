/*
Package sqlite provides a SQLite-backed implementation of leave.Store.

KEY TABLES:
  leave_requests: one row per request, status updated in place
  leave_balances: allocated/used counters per (employee, leave type)
  employees:      directory with the line manager of each employee

CONCURRENCY:
  The balance check and increment are one conditional UPDATE:

    UPDATE leave_balances SET used = used + ?
    WHERE employee_id = ? AND leave_type = ? AND used + ? <= allocated

  A request transition is a compare-and-set on the stored status:

    UPDATE leave_requests SET ... WHERE id = ? AND status = ?

  Zero affected rows means the guard failed. The CHECK constraints on
  leave_balances hold the invariant even if a caller bypasses the guard.

  The pool is limited to one connection: SQLite allows a single writer,
  and ":memory:" databases are per-connection. A caller inside WithTx must
  only use the transactional store it is handed.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/leave.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := leave.NewService(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - leave/store.go: Interface definitions
  - store/query.go: ListRequests query builder
  - store/memory:   In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/apprh/leave-engine/leave"
	"github.com/apprh/leave-engine/store"
)

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var dialect = store.Dialect{
	Name: "sqlite3",
	Day:  func(t time.Time) any { return formatDay(t) },
	Time: func(t time.Time) any { return formatTime(t) },
}

// Store implements leave.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ leave.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS leave_requests (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		leave_type TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		days INTEGER NOT NULL CHECK (days >= 1),
		reason TEXT NOT NULL,
		status TEXT NOT NULL,
		rejection_reason TEXT NOT NULL DEFAULT '',
		manager_decided_by TEXT NOT NULL DEFAULT '',
		manager_decision_at TEXT,
		rh_decided_by TEXT NOT NULL DEFAULT '',
		rh_decision_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
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
		updated_at TEXT NOT NULL,
		PRIMARY KEY (employee_id, leave_type)
	);

	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		manager_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_employees_manager
		ON employees(manager_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// REQUEST STORE
// =============================================================================

const requestColumns = `id, employee_id, leave_type, start_date, end_date, days, reason, status,
	rejection_reason, manager_decided_by, manager_decision_at, rh_decided_by, rh_decision_at,
	created_at, updated_at`

func (s *Store) InsertRequest(ctx context.Context, r leave.Request) error {
	return insertRequest(ctx, s.db, r)
}

func insertRequest(ctx context.Context, db execer, r leave.Request) error {
	query := `INSERT INTO leave_requests (` + requestColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.ExecContext(ctx, query,
		r.ID, r.EmployeeID, string(r.LeaveType), formatDay(r.StartDate), formatDay(r.EndDate),
		r.Days, r.Reason, string(r.Status), r.RejectionReason,
		r.ManagerDecidedBy, formatTimePtr(r.ManagerDecisionAt),
		r.RHDecidedBy, formatTimePtr(r.RHDecisionAt),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &leave.ValidationError{Field: "id", Message: "already exists"}
		}
		return fmt.Errorf("failed to insert request: %w", err)
	}
	return nil
}

// GetRequest retrieves a request by ID.
func (s *Store) GetRequest(ctx context.Context, id string) (*leave.Request, error) {
	return getRequest(ctx, s.db, id)
}

func getRequest(ctx context.Context, db execer, id string) (*leave.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM leave_requests WHERE id = ?`

	r, err := scanRequest(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, leave.RequestNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return &r, nil
}

func (s *Store) ListRequests(ctx context.Context, filter leave.RequestFilter) ([]leave.Request, error) {
	return listRequests(ctx, s.db, filter)
}

func listRequests(ctx context.Context, db execer, filter leave.RequestFilter) ([]leave.Request, error) {
	query, args, err := store.SelectRequests(dialect, filter)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
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
	return casRequest(ctx, s.db, r, expected)
}

func casRequest(ctx context.Context, db execer, r leave.Request, expected leave.Status) error {
	query := `
		UPDATE leave_requests SET
			status = ?, rejection_reason = ?,
			manager_decided_by = ?, manager_decision_at = ?,
			rh_decided_by = ?, rh_decision_at = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
	`
	res, err := db.ExecContext(ctx, query,
		string(r.Status), r.RejectionReason,
		r.ManagerDecidedBy, formatTimePtr(r.ManagerDecisionAt),
		r.RHDecidedBy, formatTimePtr(r.RHDecisionAt),
		formatTime(r.UpdatedAt),
		r.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the id is unknown or another caller moved the status first.
		if _, err := getRequest(ctx, db, r.ID); err != nil {
			return err
		}
		return leave.ErrStatusConflict
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (leave.Request, error) {
	var r leave.Request
	var leaveType, status, start, end, created, updated string
	var managerAt, rhAt sql.NullString

	if err := row.Scan(
		&r.ID, &r.EmployeeID, &leaveType, &start, &end, &r.Days, &r.Reason, &status,
		&r.RejectionReason, &r.ManagerDecidedBy, &managerAt, &r.RHDecidedBy, &rhAt,
		&created, &updated,
	); err != nil {
		return leave.Request{}, err
	}

	r.LeaveType = leave.LeaveType(leaveType)
	r.Status = leave.Status(status)
	r.StartDate = parseDay(start)
	r.EndDate = parseDay(end)
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	r.ManagerDecisionAt = parseTimePtr(managerAt)
	r.RHDecisionAt = parseTimePtr(rhAt)
	return r, nil
}

// =============================================================================
// BALANCE STORE
// =============================================================================

const balanceColumns = `employee_id, leave_type, allocated, used, updated_at`

func (s *Store) GetBalance(ctx context.Context, employeeID string, leaveType leave.LeaveType) (leave.Balance, error) {
	return getBalance(ctx, s.db, employeeID, leaveType)
}

func getBalance(ctx context.Context, db execer, employeeID string, leaveType leave.LeaveType) (leave.Balance, error) {
	query := `SELECT ` + balanceColumns + ` FROM leave_balances WHERE employee_id = ? AND leave_type = ?`

	b, err := scanBalance(db.QueryRowContext(ctx, query, employeeID, string(leaveType)))
	if errors.Is(err, sql.ErrNoRows) {
		return leave.Balance{}, leave.BalanceNotFound(employeeID, leaveType)
	}
	if err != nil {
		return leave.Balance{}, fmt.Errorf("failed to get balance: %w", err)
	}
	return b, nil
}

func (s *Store) ListBalances(ctx context.Context, employeeID string) ([]leave.Balance, error) {
	return listBalances(ctx, s.db, employeeID)
}

func listBalances(ctx context.Context, db execer, employeeID string) ([]leave.Balance, error) {
	query := `SELECT ` + balanceColumns + ` FROM leave_balances WHERE employee_id = ? ORDER BY leave_type ASC`

	rows, err := db.QueryContext(ctx, query, employeeID)
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

// SaveBalance inserts or replaces a balance record.
func (s *Store) SaveBalance(ctx context.Context, b leave.Balance) error {
	return saveBalance(ctx, s.db, b)
}

func saveBalance(ctx context.Context, db execer, b leave.Balance) error {
	if err := b.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO leave_balances (` + balanceColumns + `)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(employee_id, leave_type) DO UPDATE SET
			allocated = excluded.allocated,
			used = excluded.used,
			updated_at = excluded.updated_at
	`
	_, err := db.ExecContext(ctx, query,
		b.EmployeeID, string(b.LeaveType), b.Allocated, b.Used, formatTime(b.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	return nil
}

// SetAllocated upserts the allocation. The conflict branch leaves used alone
// and only fires while used fits under the new allocation.
func (s *Store) SetAllocated(ctx context.Context, employeeID string, leaveType leave.LeaveType, allocated int, at time.Time) (leave.Balance, error) {
	return setAllocated(ctx, s.db, employeeID, leaveType, allocated, at)
}

func setAllocated(ctx context.Context, db execer, employeeID string, leaveType leave.LeaveType, allocated int, at time.Time) (leave.Balance, error) {
	query := `
		INSERT INTO leave_balances (` + balanceColumns + `)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(employee_id, leave_type) DO UPDATE SET
			allocated = excluded.allocated,
			updated_at = excluded.updated_at
		WHERE leave_balances.used <= excluded.allocated
	`
	return updateBalance(ctx, db, employeeID, leaveType, query,
		employeeID, string(leaveType), allocated, formatTime(at))
}

func (s *Store) AddUsed(ctx context.Context, employeeID string, leaveType leave.LeaveType, days int, at time.Time) (leave.Balance, error) {
	return addUsed(ctx, s.db, employeeID, leaveType, days, at)
}

func addUsed(ctx context.Context, db execer, employeeID string, leaveType leave.LeaveType, days int, at time.Time) (leave.Balance, error) {
	query := `
		UPDATE leave_balances SET used = used + ?, updated_at = ?
		WHERE employee_id = ? AND leave_type = ? AND used + ? <= allocated
	`
	return updateBalance(ctx, db, employeeID, leaveType, query,
		days, formatTime(at), employeeID, string(leaveType), days)
}

func (s *Store) SubtractUsed(ctx context.Context, employeeID string, leaveType leave.LeaveType, days int, at time.Time) (leave.Balance, error) {
	return subtractUsed(ctx, s.db, employeeID, leaveType, days, at)
}

func subtractUsed(ctx context.Context, db execer, employeeID string, leaveType leave.LeaveType, days int, at time.Time) (leave.Balance, error) {
	query := `
		UPDATE leave_balances SET used = MAX(0, used - ?), updated_at = ?
		WHERE employee_id = ? AND leave_type = ?
	`
	return updateBalance(ctx, db, employeeID, leaveType, query,
		days, formatTime(at), employeeID, string(leaveType))
}

func (s *Store) SetUsed(ctx context.Context, employeeID string, leaveType leave.LeaveType, used int, at time.Time) (leave.Balance, error) {
	return setUsed(ctx, s.db, employeeID, leaveType, used, at)
}

func setUsed(ctx context.Context, db execer, employeeID string, leaveType leave.LeaveType, used int, at time.Time) (leave.Balance, error) {
	query := `
		UPDATE leave_balances SET used = ?, updated_at = ?
		WHERE employee_id = ? AND leave_type = ? AND ? >= 0 AND ? <= allocated
	`
	return updateBalance(ctx, db, employeeID, leaveType, query,
		used, formatTime(at), employeeID, string(leaveType), used, used)
}

// updateBalance runs a guarded write and returns the record afterwards.
// Zero affected rows on an existing record means the guard refused it.
func updateBalance(ctx context.Context, db execer, employeeID string, leaveType leave.LeaveType, query string, args ...any) (leave.Balance, error) {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return leave.Balance{}, fmt.Errorf("failed to update balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return leave.Balance{}, err
	}

	b, err := getBalance(ctx, db, employeeID, leaveType)
	if err != nil {
		return leave.Balance{}, err
	}
	if n == 0 {
		return b, leave.ErrInsufficientBalance
	}
	return b, nil
}

func scanBalance(row scanner) (leave.Balance, error) {
	var b leave.Balance
	var leaveType, updated string
	if err := row.Scan(&b.EmployeeID, &leaveType, &b.Allocated, &b.Used, &updated); err != nil {
		return leave.Balance{}, err
	}
	b.LeaveType = leave.LeaveType(leaveType)
	b.UpdatedAt = parseTime(updated)
	return b, nil
}

// =============================================================================
// DIRECTORY
// =============================================================================

// SaveEmployee saves an employee to the database.
func (s *Store) SaveEmployee(ctx context.Context, e leave.Employee) error {
	return saveEmployee(ctx, s.db, e)
}

func saveEmployee(ctx context.Context, db execer, e leave.Employee) error {
	query := `
		INSERT INTO employees (id, name, manager_id)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			manager_id = excluded.manager_id
	`
	_, err := db.ExecContext(ctx, query, e.ID, e.Name, e.ManagerID)
	if err != nil {
		return fmt.Errorf("failed to save employee: %w", err)
	}
	return nil
}

// GetEmployee retrieves an employee by ID.
func (s *Store) GetEmployee(ctx context.Context, id string) (*leave.Employee, error) {
	return getEmployee(ctx, s.db, id)
}

func getEmployee(ctx context.Context, db execer, id string) (*leave.Employee, error) {
	var e leave.Employee
	err := db.QueryRowContext(ctx,
		`SELECT id, name, manager_id FROM employees WHERE id = ?`, id,
	).Scan(&e.ID, &e.Name, &e.ManagerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, leave.EmployeeNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get employee: %w", err)
	}
	return &e, nil
}

func (s *Store) IsManagerOf(ctx context.Context, managerID, employeeID string) (bool, error) {
	return isManagerOf(ctx, s.db, managerID, employeeID)
}

func isManagerOf(ctx context.Context, db execer, managerID, employeeID string) (bool, error) {
	if managerID == "" {
		return false, nil
	}
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM employees WHERE id = ? AND manager_id = ?`,
		employeeID, managerID,
	).Scan(&count)
	return count > 0, err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(leave.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
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

// WithTx on a transactional store joins the enclosing transaction.
func (ts *txStore) WithTx(_ context.Context, fn func(leave.Store) error) error {
	return fn(ts)
}

// =============================================================================
// ENCODING
// =============================================================================

func formatDay(t time.Time) string { return t.Format(leave.DateLayout) }

func parseDay(s string) time.Time {
	t, _ := time.Parse(leave.DateLayout, s)
	return t
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
