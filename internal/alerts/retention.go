package alerts

import (
	"context"
	"time"

	"github.com/haasonsaas/relay/internal/backoff"
	"github.com/haasonsaas/relay/internal/notify"
)

// enqueueLocked hands a revision to the persistence worker. A full queue
// drops the revision with a warning rather than stalling publishing.
func (m *Manager) enqueueLocked(record notify.AlertRecord) {
	if m.store == nil || m.stopped {
		return
	}
	select {
	case m.persist <- record:
	default:
		m.logger.Warn("alert persistence queue full, dropping revision",
			"alert_id", record.AlertID,
			"revision", record.Revision,
		)
	}
}

func (m *Manager) persistLoop(ctx context.Context, queue <-chan notify.AlertRecord, done chan<- struct{}) {
	defer close(done)
	for record := range queue {
		if m.store == nil {
			continue
		}
		err := backoff.Retry(ctx, m.clock, m.cfg.PersistBackoff, m.cfg.PersistAttempts, func(ctx context.Context) error {
			return m.store.AppendAlert(ctx, record)
		})
		if err != nil {
			m.logger.Error("failed to persist alert revision",
				"alert_id", record.AlertID,
				"revision", record.Revision,
				"error", err,
			)
		}
	}
}

func (m *Manager) armSweepLocked() {
	if m.stopped {
		return
	}
	now := m.clock.Now()
	next := m.schedule.Next(now)
	delay := next.Sub(now)
	if delay <= 0 {
		delay = time.Second
	}
	m.sweepTimer = m.clock.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, _, err := m.Sweep(ctx); err != nil {
			m.logger.Warn("alert sweep failed", "error", err)
		}
		m.mu.Lock()
		m.armSweepLocked()
		m.mu.Unlock()
	})
}

// Sweep archives resolved alerts older than the retention window and, when
// a store retention is configured, prunes old store rows.
func (m *Manager) Sweep(ctx context.Context) (archived int, pruned int64, err error) {
	m.mu.Lock()
	now := m.clock.Now()
	cutoff := now.Add(-m.cfg.Retention)
	for id, t := range m.alerts {
		if t.alert.Status != StatusResolved || t.alert.ResolvedAt.After(cutoff) {
			continue
		}
		delete(m.alerts, id)
		archived++
	}
	store, retention := m.store, m.storeRetention
	m.mu.Unlock()

	if store != nil && retention > 0 {
		pruned, err = store.Prune(ctx, now.Add(-retention))
	}
	if archived > 0 || pruned > 0 {
		m.logger.Info("alert sweep", "archived", archived, "pruned", pruned)
	}
	return archived, pruned, err
}
