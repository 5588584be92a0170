package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/haasonsaas/relay/internal/events"
)

type storedEvent struct {
	event    events.Event
	storedAt time.Time
}

type storedAlert struct {
	record   AlertRecord
	storedAt time.Time
}

// MemoryStore keeps the log in process memory. It is the default when no
// database is configured and loses history on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	events   []storedEvent
	alerts   map[string][]storedAlert
	maxItems int
	clock    clock.Clock
	closed   bool
}

// NewMemoryStore creates a store holding at most maxEvents events (zero is
// unbounded). A nil clock uses wall time.
func NewMemoryStore(maxEvents int, clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	if maxEvents < 0 {
		maxEvents = 0
	}
	return &MemoryStore{
		alerts:   make(map[string][]storedAlert),
		maxItems: maxEvents,
		clock:    clk,
	}
}

func (s *MemoryStore) AppendEvent(_ context.Context, event events.Event) error {
	if err := validateEvent(event); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	event.Rooms = append([]string(nil), event.Rooms...)
	entry := storedEvent{event: event, storedAt: s.clock.Now()}

	// The router appends in seq order; tolerate out-of-order writers anyway.
	idx := sort.Search(len(s.events), func(i int) bool { return s.events[i].event.Seq >= event.Seq })
	if idx < len(s.events) && s.events[idx].event.Seq == event.Seq {
		s.events[idx] = entry
	} else {
		s.events = append(s.events, storedEvent{})
		copy(s.events[idx+1:], s.events[idx:])
		s.events[idx] = entry
	}
	if s.maxItems > 0 && len(s.events) > s.maxItems {
		s.events = append([]storedEvent(nil), s.events[len(s.events)-s.maxItems:]...)
	}
	return nil
}

func (s *MemoryStore) FetchSince(_ context.Context, audience Audience, cursor uint64, limit int) ([]events.Event, error) {
	rooms := audience.RoomSet()
	wanted := make(map[string]struct{}, len(rooms))
	for _, room := range rooms {
		wanted[room] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	start := sort.Search(len(s.events), func(i int) bool { return s.events[i].event.Seq > cursor })
	var out []events.Event
	for _, entry := range s.events[start:] {
		if !addressedTo(entry.event, wanted) {
			continue
		}
		event := entry.event
		event.Rooms = append([]string(nil), event.Rooms...)
		out = append(out, event)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func addressedTo(event events.Event, wanted map[string]struct{}) bool {
	for _, room := range event.Rooms {
		if _, ok := wanted[room]; ok {
			return true
		}
	}
	return false
}

func (s *MemoryStore) LastSeq(context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	if len(s.events) == 0 {
		return 0, nil
	}
	return s.events[len(s.events)-1].event.Seq, nil
}

func (s *MemoryStore) AppendAlert(_ context.Context, record AlertRecord) error {
	if err := validateAlert(record); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	history := s.alerts[record.AlertID]
	for i, existing := range history {
		if existing.record.Revision == record.Revision {
			history[i] = storedAlert{record: record, storedAt: s.clock.Now()}
			return nil
		}
	}
	history = append(history, storedAlert{record: record, storedAt: s.clock.Now()})
	sort.Slice(history, func(i, j int) bool { return history[i].record.Revision < history[j].record.Revision })
	s.alerts[record.AlertID] = history
	return nil
}

func (s *MemoryStore) AlertHistory(_ context.Context, alertID string) ([]AlertRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	history := s.alerts[alertID]
	if len(history) == 0 {
		return nil, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	out := make([]AlertRecord, 0, len(history))
	for _, entry := range history {
		out = append(out, entry.record)
	}
	return out, nil
}

func (s *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	var removed int64
	kept := s.events[:0]
	for _, entry := range s.events {
		if entry.storedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	s.events = kept

	for id, history := range s.alerts {
		remaining := history[:0]
		for _, entry := range history {
			if entry.storedAt.Before(cutoff) {
				removed++
				continue
			}
			remaining = append(remaining, entry)
		}
		if len(remaining) == 0 {
			delete(s.alerts, id)
		} else {
			s.alerts[id] = remaining
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
