/*
monitor.go - Stale request monitor

PURPOSE:
  Periodically lists leave requests that have waited too long for a
  decision (PENDING or MANAGER_APPROVED, created more than StaleAfter ago)
  and logs a warning for each one. The latest result is kept in memory and
  served by GET /api/requests/alerts.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Never mutates requests; it only reads and reports

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - StaleAfter:    Age after which a request is reported (default: 72 hours)
  - Enabled:       Whether the monitor is active (default: true)

USAGE:
  monitor := NewPendingMonitor(service, logger)
  monitor.Start()
  // ... later
  monitor.Stop()

SEE ALSO:
  - handlers.go: Alerts endpoint
  - leave/request.go: Service.StaleRequests
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/apprh/leave-engine/leave"
)

const (
	DefaultStaleAfter    = 72 * time.Hour
	DefaultCheckInterval = time.Hour
)

// StaleLister is the read the monitor needs from the leave service.
type StaleLister interface {
	StaleRequests(ctx context.Context, cutoff time.Time) ([]leave.Request, error)
}

// PendingMonitor reports requests stuck in the approval pipeline.
type PendingMonitor struct {
	Source        StaleLister
	CheckInterval time.Duration
	StaleAfter    time.Duration
	Enabled       bool
	Now           func() time.Time

	logger *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	resultMu  sync.RWMutex
	checkedAt time.Time
	latest    []leave.Request
}

func NewPendingMonitor(source StaleLister, logger *zap.Logger) *PendingMonitor {
	if logger == nil {
		logger = zap.L()
	}
	return &PendingMonitor{
		Source:        source,
		CheckInterval: DefaultCheckInterval,
		StaleAfter:    DefaultStaleAfter,
		Enabled:       true,
		Now:           time.Now,
		logger:        logger.Named("leave.monitor"),
	}
}

// Start begins periodic checks. Calling Start on a running monitor is a no-op.
func (m *PendingMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.Enabled {
		m.logger.Info("monitor disabled, not starting")
		return
	}
	if m.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.stop = make(chan struct{})
	m.ticker = time.NewTicker(m.CheckInterval)
	m.wg.Add(1)

	go m.run(ctx)

	m.logger.Info("monitor started",
		zap.Duration("check_interval", m.CheckInterval),
		zap.Duration("stale_after", m.StaleAfter),
	)
}

// Stop halts the monitor and waits for an in-flight check to return.
func (m *PendingMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ticker == nil {
		return
	}
	m.ticker.Stop()
	m.cancel()
	close(m.stop)
	m.wg.Wait()
	m.ticker = nil
	m.logger.Info("monitor stopped")
}

func (m *PendingMonitor) run(ctx context.Context) {
	defer m.wg.Done()

	m.checkAndLog(ctx)

	for {
		select {
		case <-m.ticker.C:
			m.checkAndLog(ctx)
		case <-m.stop:
			return
		}
	}
}

func (m *PendingMonitor) checkAndLog(ctx context.Context) {
	if _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
		m.logger.Error("stale request check failed", zap.Error(err))
	}
}

// Check runs one pass, stores the result and returns it.
func (m *PendingMonitor) Check(ctx context.Context) ([]leave.Request, error) {
	now := m.Now().UTC()
	stale, err := m.Source.StaleRequests(ctx, now.Add(-m.StaleAfter))
	if err != nil {
		return nil, err
	}

	for _, r := range stale {
		m.logger.Warn("leave request awaiting decision",
			zap.String("request_id", r.ID),
			zap.String("employee_id", r.EmployeeID),
			zap.String("status", string(r.Status)),
			zap.Duration("age", now.Sub(r.CreatedAt)),
		)
	}

	m.resultMu.Lock()
	m.checkedAt = now
	m.latest = stale
	m.resultMu.Unlock()

	return stale, nil
}

// Latest returns the result of the last check. A zero time means no check
// has completed yet.
func (m *PendingMonitor) Latest() (time.Time, []leave.Request) {
	m.resultMu.RLock()
	defer m.resultMu.RUnlock()

	out := make([]leave.Request, len(m.latest))
	copy(out, m.latest)
	return m.checkedAt, out
}
