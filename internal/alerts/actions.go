package alerts

import (
	"context"
	"fmt"

	"github.com/haasonsaas/relay/internal/auth"
)

// Acknowledge marks an alert as seen by identity and cancels its
// escalation. Acknowledging an acknowledged alert is a no-op.
func (m *Manager) Acknowledge(ctx context.Context, alertID string, by auth.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.actionTargetLocked(alertID, by)
	if err != nil {
		return err
	}
	if t.alert.Status == StatusAcknowledged {
		return nil
	}
	if !t.alert.Status.CanTransition(StatusAcknowledged) {
		return &ActionError{AlertID: alertID, Err: fmt.Errorf("%w: %s to %s", ErrInvalidTransition, t.alert.Status, StatusAcknowledged)}
	}
	m.disarmLocked(t)
	now := m.clock.Now()
	t.alert.Status = StatusAcknowledged
	t.alert.AcknowledgedBy = by.UserID
	t.alert.AcknowledgedAt = now
	t.alert.Revision++
	t.alert.UpdatedAt = now
	m.publishLocked(ctx, t, by.UserID)
	m.metrics.AlertTransition(t.alert.Category, string(StatusAcknowledged))
	m.logger.Info("alert acknowledged", "alert_id", alertID, "user_id", by.UserID)
	return nil
}

// Resolve closes an alert. Resolved is terminal.
func (m *Manager) Resolve(ctx context.Context, alertID string, by auth.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.actionTargetLocked(alertID, by)
	if err != nil {
		return err
	}
	if !t.alert.Status.CanTransition(StatusResolved) {
		return &ActionError{AlertID: alertID, Err: fmt.Errorf("%w: %s to %s", ErrInvalidTransition, t.alert.Status, StatusResolved)}
	}
	m.resolveLocked(ctx, t, by.UserID)
	return nil
}

func (m *Manager) actionTargetLocked(alertID string, by auth.Identity) (*tracked, error) {
	t, ok := m.alerts[alertID]
	if !ok {
		return nil, &ActionError{AlertID: alertID, Err: ErrNotFound}
	}
	if !m.permitted(by, t.alert) {
		return nil, &ActionError{AlertID: alertID, Err: ErrForbidden}
	}
	return t, nil
}

func (m *Manager) resolveLocked(ctx context.Context, t *tracked, actor string) {
	m.disarmLocked(t)
	now := m.clock.Now()
	t.alert.Status = StatusResolved
	t.alert.ResolvedBy = actor
	t.alert.ResolvedAt = now
	t.alert.Revision++
	t.alert.UpdatedAt = now
	if t.key != "" {
		if id, ok := m.dedup.Get(t.key); ok && id == t.alert.ID {
			m.dedup.Remove(t.key)
		}
	}
	m.publishLocked(ctx, t, actor)
	m.metrics.AlertTransition(t.alert.Category, string(StatusResolved))
	m.refreshOpenLocked(t.alert.Category)
	m.logger.Info("alert resolved", "alert_id", t.alert.ID, "actor", actor)
}

// CancelPersonal stops the escalation timers of open alerts whose only
// audience is userID's personal room. The alerts stay open. It returns how
// many timers were cancelled.
func (m *Manager) CancelPersonal(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancelled := 0
	for _, t := range m.alerts {
		if t.timer == nil || !t.alert.Status.Open() || !t.alert.personalOnly(userID) {
			continue
		}
		m.disarmLocked(t)
		cancelled++
	}
	if cancelled > 0 {
		m.logger.Info("personal escalations cancelled", "user_id", userID, "count", cancelled)
	}
	return cancelled
}

// SessionEnded implements the hub's session observer.
func (m *Manager) SessionEnded(_ context.Context, userID string) {
	m.CancelPersonal(userID)
}
