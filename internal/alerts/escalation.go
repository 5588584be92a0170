package alerts

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/relay/internal/observability"
)

// armLocked (re)starts the escalation timer of t.
func (m *Manager) armLocked(t *tracked, after time.Duration) {
	m.disarmLocked(t)
	if m.stopped {
		return
	}
	gen := t.gen
	id := t.alert.ID
	t.timer = m.clock.AfterFunc(after, func() {
		m.escalate(id, gen)
	})
}

// disarmLocked cancels the pending timer of t. A timer that already fired
// sees a newer generation and does nothing.
func (m *Manager) disarmLocked(t *tracked) {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (m *Manager) canEscalate(alert Alert, category Category) bool {
	switch alert.Status {
	case StatusActive:
		return true
	case StatusEscalated:
		return category.Repeat
	}
	return false
}

// escalate widens the audience of an unacknowledged alert and raises its
// priority. The audience is notified before the change is committed; a
// failed notification leaves the alert as it was and retries after
// EscalationRetry.
func (m *Manager) escalate(id string, gen uint64) {
	m.mu.Lock()
	t, ok := m.alerts[id]
	if !ok || t.gen != gen || m.stopped {
		m.mu.Unlock()
		return
	}
	category, known := m.catalog.Category(t.alert.Category)
	if !known || !m.canEscalate(t.alert, category) {
		m.mu.Unlock()
		return
	}
	t.timer = nil
	next := t.alert.clone()
	next.Status = StatusEscalated
	next.Priority = next.Priority.Elevated()
	next.Escalations++
	next.Audience = unionRooms(next.Audience, expandRooms(category.EscalateTo, next.OwnerID))
	notifier := m.notifier
	t.failures++
	attempt := t.failures
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.NotifyTimeout)
	defer cancel()
	ctx, span := m.tracer.Start(ctx, "alerts.escalate",
		attribute.String("alert.id", id),
		attribute.String("alert.category", category.Name),
		attribute.Int("alert.attempt", attempt),
	)
	defer span.End()

	var err error
	if notifier != nil {
		err = notifier.NotifyAlert(ctx, next.Audience, next.Frame())
	}

	m.mu.Lock()
	t, ok = m.alerts[id]
	if !ok || t.gen != gen || m.stopped {
		// Acknowledged, resolved or cancelled while notifying.
		m.mu.Unlock()
		return
	}
	if err != nil {
		escErr := &EscalationError{AlertID: id, Category: category.Name, Attempt: attempt, Err: err}
		observability.RecordError(span, escErr)
		m.metrics.AlertEscalation(category.Name, false)
		m.logger.Warn("alert escalation failed",
			"alert_id", id,
			"category", category.Name,
			"attempt", attempt,
			"retry_in", m.cfg.EscalationRetry,
			"error", escErr,
		)
		m.armLocked(t, m.cfg.EscalationRetry)
		m.mu.Unlock()
		return
	}

	t.failures = 0
	t.alert.Status = StatusEscalated
	t.alert.Priority = next.Priority
	t.alert.Escalations = next.Escalations
	t.alert.Audience = next.Audience
	t.alert.Revision++
	t.alert.UpdatedAt = m.clock.Now()
	m.enqueueLocked(t.alert.record("system:escalation", t.alert.UpdatedAt))
	m.metrics.AlertEscalation(category.Name, true)
	m.metrics.AlertTransition(category.Name, string(StatusEscalated))
	if category.Repeat {
		m.armLocked(t, category.EscalationTimeout)
	}
	escalated := t.alert.clone()
	sinks := m.sinks
	m.logger.Warn("alert escalated",
		"alert_id", id,
		"category", category.Name,
		"priority", escalated.Priority,
		"escalations", escalated.Escalations,
		"audience", escalated.Audience,
	)
	m.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.AlertEscalated(ctx, escalated); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("escalation sink failed", "alert_id", id, "error", err)
		}
	}
}
