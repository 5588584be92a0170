package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/notify"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/rooms"
	"github.com/haasonsaas/relay/pkg/protocol"
)

// Receipt describes one publish.
type Receipt struct {
	Seq       uint64   `json:"seq"`
	Delivered int      `json:"delivered"`
	Failed    int      `json:"failed"`
	Rooms     []string `json:"rooms"`
}

// EventObserver sees every published event in sequence order. It is called
// synchronously while publishing is serialized, so it must not publish.
type EventObserver interface {
	EventPublished(ctx context.Context, event events.Event, receipt Receipt)
}

// EventObserverFunc adapts a function to EventObserver.
type EventObserverFunc func(ctx context.Context, event events.Event, receipt Receipt)

// EventPublished implements EventObserver.
func (f EventObserverFunc) EventPublished(ctx context.Context, event events.Event, receipt Receipt) {
	f(ctx, event, receipt)
}

// dropFunc disconnects a connection that failed a write.
type dropFunc func(conn *Connection, code int, reason string)

// Router assigns sequence numbers and fans events out to room members.
type Router struct {
	// mu serializes sequencing, persistence and enqueueing so that every
	// connection sees events in sequence order.
	mu  sync.Mutex
	seq uint64

	routes      events.Routes
	rooms       *rooms.Manager
	registry    *Registry
	store       notify.Store
	replayLimit int
	drop        dropFunc

	observersMu sync.RWMutex
	observers   map[int]EventObserver
	nextID      int

	clock   clock.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

func newRouter(h *Hub) *Router {
	return &Router{
		routes:      h.routes,
		rooms:       h.rooms,
		registry:    h.registry,
		store:       h.store,
		replayLimit: h.config.ReplayLimit,
		drop:        h.drop,
		observers:   make(map[int]EventObserver),
		clock:       h.clock,
		logger:      h.logger.With("component", "router"),
		metrics:     h.metrics,
		tracer:      h.tracer,
	}
}

// seed continues the sequence from the highest persisted event.
func (r *Router) seed(ctx context.Context) error {
	last, err := r.store.LastSeq(ctx)
	if err != nil {
		return fmt.Errorf("seed sequence: %w", err)
	}
	r.mu.Lock()
	if last > r.seq {
		r.seq = last
	}
	r.mu.Unlock()
	return nil
}

// LastSeq returns the last assigned sequence number.
func (r *Router) LastSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Subscribe registers an event observer and returns its unsubscribe func.
func (r *Router) Subscribe(observer EventObserver) func() {
	r.observersMu.Lock()
	id := r.nextID
	r.nextID++
	r.observers[id] = observer
	r.observersMu.Unlock()
	return func() {
		r.observersMu.Lock()
		delete(r.observers, id)
		r.observersMu.Unlock()
	}
}

func (r *Router) eventObservers() []EventObserver {
	r.observersMu.RLock()
	defer r.observersMu.RUnlock()
	ids := make([]int, 0, len(r.observers))
	for id := range r.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]EventObserver, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.observers[id])
	}
	return out
}

// Publish sequences event, persists it for catch-up and enqueues it to every
// live connection in its resolved rooms. A failed enqueue disconnects that
// connection only.
func (r *Router) Publish(ctx context.Context, event events.Event) (Receipt, error) {
	if err := event.Validate(); err != nil {
		return Receipt{}, err
	}
	ctx, span := r.tracer.Start(ctx, "router.publish", attribute.String("event.kind", string(event.Kind)))
	defer span.End()
	start := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	event.Seq = r.seq
	if event.OccurredAt.IsZero() {
		event.OccurredAt = start.UTC()
	}
	event.Rooms = r.routes.Resolve(event)
	span.SetAttributes(attribute.Int64("event.seq", int64(event.Seq)))

	if err := r.store.AppendEvent(ctx, event); err != nil {
		// Live delivery continues; only catch-up for this event is lost.
		r.logger.Warn("persist event failed", "seq", event.Seq, "kind", event.Kind, "error", err)
		observability.RecordError(span, err)
	}

	data, err := protocol.Encode(protocol.Event(event.Seq, string(event.Kind), event.Payload, event.OccurredAt))
	if err != nil {
		return Receipt{}, fmt.Errorf("encode event %d: %w", event.Seq, err)
	}
	delivered, failed := r.fanOut(event.Rooms, data)
	receipt := Receipt{Seq: event.Seq, Delivered: delivered, Failed: failed, Rooms: event.Rooms}

	for _, observer := range r.eventObservers() {
		observer.EventPublished(ctx, event, receipt)
	}

	r.metrics.EventPublished(string(event.Kind), delivered, failed, r.clock.Since(start))
	r.logger.Debug("event published",
		"seq", event.Seq,
		"kind", event.Kind,
		"rooms", strings.Join(event.Rooms, ","),
		"delivered", delivered,
		"failed", failed,
	)
	return receipt, nil
}

// Deliver enqueues an unsequenced frame (alerts) to every member of rooms.
func (r *Router) Deliver(ctx context.Context, rooms []string, frame protocol.Frame) (Receipt, error) {
	_, span := r.tracer.Start(ctx, "router.deliver", attribute.String("frame.type", frame.Type))
	defer span.End()

	data, err := protocol.Encode(frame)
	if err != nil {
		observability.RecordError(span, err)
		return Receipt{}, fmt.Errorf("encode %s frame: %w", frame.Type, err)
	}
	delivered, failed := r.fanOut(rooms, data)
	return Receipt{Delivered: delivered, Failed: failed, Rooms: rooms}, nil
}

// recipients resolves rooms to distinct live connections. Personal rooms
// also reach the user's registered connections directly.
func (r *Router) recipients(roomNames []string) []*Connection {
	seen := make(map[string]struct{})
	var out []*Connection
	add := func(conn *Connection) {
		if conn == nil || !conn.Alive() {
			return
		}
		if _, ok := seen[conn.id]; ok {
			return
		}
		seen[conn.id] = struct{}{}
		out = append(out, conn)
	}
	for _, name := range roomNames {
		for _, member := range r.rooms.MembersOf(name) {
			conn, _ := member.(*Connection)
			add(conn)
		}
		if userID, ok := strings.CutPrefix(name, "user:"); ok && userID != "" {
			for _, conn := range r.registry.ConnectionsFor(userID) {
				add(conn)
			}
		}
	}
	return out
}

func (r *Router) fanOut(roomNames []string, data []byte) (delivered, failed int) {
	for _, conn := range r.recipients(roomNames) {
		if err := conn.enqueueRaw(data); err != nil {
			failed++
			conn.logger.Warn("delivery failed", "error", err)
			if errors.Is(err, ErrSendBufferFull) {
				go r.drop(conn, protocol.CloseTryAgainLater, protocol.ReasonSlowConsumer)
			}
			continue
		}
		delivered++
	}
	return delivered, failed
}

// Replay sends the events conn missed after cursor followed by
// sync_complete. The store is read in pages of replayLimit until a short
// page, so sync_complete always marks the end of the backlog.
func (r *Router) Replay(ctx context.Context, conn *Connection, cursor uint64) error {
	ctx, span := r.tracer.Start(ctx, "router.replay", attribute.Int64("cursor", int64(cursor)))
	defer span.End()

	audience := notify.Audience{UserID: conn.identity.UserID, Rooms: conn.membership.Rooms()}
	last := cursor
	replayed, pages := 0, 0
	for {
		missed, err := r.store.FetchSince(ctx, audience, last, r.replayLimit)
		if err != nil {
			observability.RecordError(span, err)
			_ = conn.enqueue(protocol.Error(protocol.ReasonSyncFailed))
			return fmt.Errorf("fetch since %d: %w", last, err)
		}
		pages++
		for _, event := range missed {
			frame := protocol.Event(event.Seq, string(event.Kind), event.Payload, event.OccurredAt)
			if err := conn.enqueueWait(ctx, frame); err != nil {
				if errors.Is(err, ErrSendBufferFull) {
					go r.drop(conn, protocol.CloseTryAgainLater, protocol.ReasonSlowConsumer)
				}
				return fmt.Errorf("replay seq %d: %w", event.Seq, err)
			}
			last = event.Seq
		}
		replayed += len(missed)
		if r.replayLimit <= 0 || len(missed) < r.replayLimit {
			break
		}
	}
	r.metrics.EventsReplayed(replayed)
	span.SetAttributes(attribute.Int("replay.pages", pages))
	conn.logger.Debug("replayed events", "cursor", cursor, "count", replayed, "pages", pages, "last", last)
	return conn.enqueueWait(ctx, protocol.SyncComplete(last))
}
