// Package housekeeping runs periodic cleanup jobs for the server.
package housekeeping

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pavelanni/examforge/internal/store"
)

const (
	// SessionSchedule removes expired auth sessions at the top of every hour.
	SessionSchedule = "0 0 * * * *"
	// RunSchedule purges old run records daily at 03:30.
	RunSchedule = "0 30 3 * * *"
)

// Manager owns the cron scheduler and the jobs registered on it.
type Manager struct {
	cron      *cron.Cron
	store     *store.Store
	retention time.Duration
	now       func() time.Time
}

// New creates a manager. Runs older than retention are purged; a
// non-positive retention keeps runs forever.
func New(st *store.Store, retention time.Duration) *Manager {
	return &Manager{
		cron:      cron.New(cron.WithSeconds()),
		store:     st,
		retention: retention,
		now:       time.Now,
	}
}

// Start registers the jobs and starts the scheduler.
func (m *Manager) Start() error {
	if _, err := m.cron.AddFunc(SessionSchedule, func() { _, _ = m.CleanupSessions() }); err != nil {
		return fmt.Errorf("schedule session cleanup: %w", err)
	}
	if m.retention > 0 {
		if _, err := m.cron.AddFunc(RunSchedule, func() { _, _ = m.PurgeRuns() }); err != nil {
			return fmt.Errorf("schedule run purge: %w", err)
		}
	}
	m.cron.Start()
	slog.Info("housekeeping started", "jobs", len(m.cron.Entries()), "run_retention", m.retention)
	return nil
}

// Stop stops the scheduler and waits for running jobs.
func (m *Manager) Stop() {
	<-m.cron.Stop().Done()
	slog.Info("housekeeping stopped")
}

// CleanupSessions deletes expired auth sessions.
func (m *Manager) CleanupSessions() (int64, error) {
	n, err := m.store.CleanupExpiredSessions()
	if err != nil {
		slog.Error("session cleanup failed", "error", err)
		return 0, err
	}
	if n > 0 {
		slog.Info("expired sessions removed", "count", n)
	}
	return n, nil
}

// PurgeRuns deletes runs that finished before the retention window.
func (m *Manager) PurgeRuns() (int64, error) {
	if m.retention <= 0 {
		return 0, nil
	}
	cutoff := m.now().Add(-m.retention)
	n, err := m.store.PurgeRunsBefore(cutoff)
	if err != nil {
		slog.Error("run purge failed", "error", err)
		return 0, err
	}
	slog.Info("old runs purged", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	return n, nil
}
