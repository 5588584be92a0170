// Package notify persists routed events and alert state changes so that
// clients returning from an outage can catch up on what they missed.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/events"
)

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("notify: store closed")

// ErrNotFound is returned when an alert has no recorded revisions.
var ErrNotFound = errors.New("notify: not found")

// Audience selects the events a connection may replay: everything addressed
// to the user's personal room or to any room the connection is a member of.
type Audience struct {
	UserID string
	Rooms  []string
}

// RoomSet returns the de-duplicated room list including the personal room.
func (a Audience) RoomSet() []string {
	seen := make(map[string]struct{}, len(a.Rooms)+1)
	out := make([]string, 0, len(a.Rooms)+1)
	add := func(room string) {
		room = strings.TrimSpace(room)
		if room == "" {
			return
		}
		if _, ok := seen[room]; ok {
			return
		}
		seen[room] = struct{}{}
		out = append(out, room)
	}
	if strings.TrimSpace(a.UserID) != "" {
		add(events.UserRoom(strings.TrimSpace(a.UserID)))
	}
	for _, room := range a.Rooms {
		add(room)
	}
	return out
}

// AlertRecord is one persisted revision of an alert.
type AlertRecord struct {
	AlertID     string    `json:"alertId"`
	Revision    int       `json:"revision"`
	Category    string    `json:"category"`
	EntityID    string    `json:"entityId,omitempty"`
	Priority    string    `json:"priority"`
	Status      string    `json:"status"`
	Title       string    `json:"title"`
	Message     string    `json:"message,omitempty"`
	Occurrences int       `json:"occurrences"`
	Escalations int       `json:"escalations"`
	Actor       string    `json:"actor,omitempty"`
	RecordedAt  time.Time `json:"recordedAt"`
}

// Store is the persistent notification log.
type Store interface {
	// AppendEvent stores a routed event. Seq and Rooms must be set.
	AppendEvent(ctx context.Context, event events.Event) error
	// FetchSince returns events with seq > cursor addressed to the audience,
	// in ascending seq order. limit <= 0 means no limit.
	FetchSince(ctx context.Context, audience Audience, cursor uint64, limit int) ([]events.Event, error)
	// LastSeq returns the highest stored sequence, or zero.
	LastSeq(ctx context.Context) (uint64, error)
	// AppendAlert stores one alert revision.
	AppendAlert(ctx context.Context, record AlertRecord) error
	// AlertHistory returns every revision of an alert, oldest first, or
	// ErrNotFound.
	AlertHistory(ctx context.Context, alertID string) ([]AlertRecord, error)
	// Prune deletes events and alert revisions stored before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

func validateEvent(event events.Event) error {
	if event.Seq == 0 {
		return fmt.Errorf("%w: seq is required", events.ErrInvalidEvent)
	}
	if err := event.Validate(); err != nil {
		return err
	}
	return nil
}

func validateAlert(record AlertRecord) error {
	if strings.TrimSpace(record.AlertID) == "" {
		return fmt.Errorf("alert id is required")
	}
	if record.Revision <= 0 {
		return fmt.Errorf("alert %s: revision must be positive", record.AlertID)
	}
	return nil
}
