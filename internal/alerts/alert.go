package alerts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/notify"
	"github.com/haasonsaas/relay/pkg/protocol"
)

// Status is the lifecycle state of an alert.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusEscalated    Status = "escalated"
	StatusResolved     Status = "resolved"
)

// Open reports whether the alert still needs attention.
func (s Status) Open() bool { return s != StatusResolved }

// CanTransition reports whether s may move to next. Transitions only go
// forward and resolved is terminal.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusActive:
		return next == StatusAcknowledged || next == StatusEscalated || next == StatusResolved
	case StatusEscalated:
		return next == StatusAcknowledged || next == StatusResolved
	case StatusAcknowledged:
		return next == StatusResolved
	}
	return false
}

var (
	// ErrNotFound is returned for unknown or archived alert ids.
	ErrNotFound = errors.New("alerts: not found")
	// ErrInvalidTransition is returned when a status change would go
	// backwards or leave resolved.
	ErrInvalidTransition = errors.New("alerts: invalid transition")
	// ErrForbidden is returned when the actor cannot see the alert.
	ErrForbidden = errors.New("alerts: not permitted")
)

// ActionError wraps a rejected acknowledge or resolve. FrameReason is the
// reason sent back in the error frame.
type ActionError struct {
	AlertID string
	Err     error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("alert %s: %v", e.AlertID, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// FrameReason maps the failure to a wire reason.
func (e *ActionError) FrameReason() string {
	switch {
	case errors.Is(e.Err, ErrNotFound):
		return protocol.ReasonUnknownAlert
	case errors.Is(e.Err, ErrForbidden):
		return protocol.ReasonNotPermitted
	case errors.Is(e.Err, ErrInvalidTransition):
		return protocol.ReasonAlertClosed
	}
	return protocol.ReasonInvalidFrame
}

// EscalationError reports that the escalation audience could not be
// notified. The alert keeps its status and the escalation is retried.
type EscalationError struct {
	AlertID  string
	Category string
	Attempt  int
	Err      error
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("escalate alert %s (%s) attempt %d: %v", e.AlertID, e.Category, e.Attempt, e.Err)
}

func (e *EscalationError) Unwrap() error { return e.Err }

// Alert is a stateful derivative of one or more domain events.
type Alert struct {
	ID       string          `json:"id"`
	Category string          `json:"category"`
	EntityID string          `json:"entityId,omitempty"`
	OwnerID  string          `json:"ownerId,omitempty"`
	Priority Priority        `json:"priority"`
	Status   Status          `json:"status"`
	Title    string          `json:"title"`
	Message  string          `json:"message"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	// Audience is the set of rooms currently notified about the alert;
	// escalation widens it.
	Audience    []string `json:"audience"`
	Occurrences int      `json:"occurrences"`
	Escalations int      `json:"escalations"`
	// Seq is the sequence of the most recent event merged into the alert.
	Seq      uint64 `json:"seq"`
	Revision int    `json:"revision"`

	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	AcknowledgedBy string    `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt time.Time `json:"acknowledgedAt,omitzero"`
	ResolvedBy     string    `json:"resolvedBy,omitempty"`
	ResolvedAt     time.Time `json:"resolvedAt,omitzero"`
}

// Frame converts the alert to an outbound alert frame.
func (a Alert) Frame() protocol.Frame {
	return protocol.Frame{
		Type:        protocol.TypeAlert,
		ID:          a.ID,
		Category:    a.Category,
		Priority:    string(a.Priority),
		Title:       a.Title,
		Message:     a.Message,
		Status:      string(a.Status),
		Occurrences: a.Occurrences,
		Escalations: a.Escalations,
		Data:        a.Payload,
	}
}

func (a Alert) record(actor string, at time.Time) notify.AlertRecord {
	return notify.AlertRecord{
		AlertID:     a.ID,
		Revision:    a.Revision,
		Category:    a.Category,
		EntityID:    a.EntityID,
		Priority:    string(a.Priority),
		Status:      string(a.Status),
		Title:       a.Title,
		Message:     a.Message,
		Occurrences: a.Occurrences,
		Escalations: a.Escalations,
		Actor:       actor,
		RecordedAt:  at,
	}
}

func (a Alert) clone() Alert {
	a.Audience = append([]string(nil), a.Audience...)
	return a
}

// personalOnly reports whether every audience room is a user's personal room.
func (a Alert) personalOnly(userID string) bool {
	if len(a.Audience) == 0 {
		return false
	}
	room := events.UserRoom(userID)
	for _, r := range a.Audience {
		if r != room {
			return false
		}
	}
	return true
}

// messageFor builds the human-readable message of an alert. A "message"
// string in the payload wins.
func messageFor(event events.Event) string {
	if len(event.Payload) > 0 {
		var body struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(event.Payload, &body); err == nil && strings.TrimSpace(body.Message) != "" {
			return strings.TrimSpace(body.Message)
		}
	}
	if event.EntityID != "" {
		return fmt.Sprintf("%s for %s", event.Kind, event.EntityID)
	}
	return string(event.Kind)
}

// dedupKey correlates events for the same category and entity. Events
// without an entity fall back to their owner.
func dedupKey(category string, event events.Event) string {
	subject := strings.TrimSpace(event.EntityID)
	if subject == "" {
		subject = strings.TrimSpace(event.OwnerID)
	}
	if subject == "" {
		return ""
	}
	return category + "|" + subject
}
