package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/backoff"
	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/notify"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/rooms"
	"github.com/haasonsaas/relay/pkg/protocol"
)

type sentAlert struct {
	rooms []string
	frame protocol.Frame
}

// recordingNotifier records frames and fails the first failEscalations
// escalation frames.
type recordingNotifier struct {
	mu              sync.Mutex
	sent            []sentAlert
	failEscalations int
	attempts        int
}

func (n *recordingNotifier) NotifyAlert(_ context.Context, roomNames []string, frame protocol.Frame) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if frame.Status == string(StatusEscalated) {
		n.attempts++
		if n.failEscalations > 0 {
			n.failEscalations--
			return errors.New("hub unavailable")
		}
	}
	n.sent = append(n.sent, sentAlert{rooms: append([]string(nil), roomNames...), frame: frame})
	return nil
}

func (n *recordingNotifier) escalationAttempts() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attempts
}

func (n *recordingNotifier) last() sentAlert {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return sentAlert{}
	}
	return n.sent[len(n.sent)-1]
}

type testEnv struct {
	manager  *Manager
	clock    *clock.Mock
	notifier *recordingNotifier
	store    *notify.MemoryStore
	metrics  *observability.Metrics
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	clk := clock.NewMock()
	env := &testEnv{
		clock:    clk,
		notifier: &recordingNotifier{},
		store:    notify.NewMemoryStore(0, clk),
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
	}
	m, err := New(cfg, Options{
		Notifier:       env.notifier,
		Authorizer:     rooms.NewManager(rooms.DefaultPolicy(), nil),
		Store:          env.store,
		StoreRetention: 48 * time.Hour,
		Clock:          clk,
		Metrics:        env.metrics,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	env.manager = m
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return env
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// armed reports whether the alert has a pending escalation timer.
func armed(m *Manager, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.alerts[id]
	return ok && t.timer != nil
}

func admin() auth.Identity {
	return auth.Identity{UserID: "A1", Role: auth.RoleAdmin, Status: auth.StatusActive}
}

func stockOut(seq uint64, sku string) events.Event {
	return events.Event{Seq: seq, Kind: events.KindStockOut, EntityID: sku, Payload: []byte(`{"message":"SKU ` + sku + ` is out"}`)}
}

func mustIngest(t *testing.T, m *Manager, event events.Event) (Alert, Outcome) {
	t.Helper()
	alert, outcome, err := m.Ingest(context.Background(), event)
	if err != nil {
		t.Fatalf("Ingest(%s) error = %v", event.Kind, err)
	}
	return alert, outcome
}

func TestIngestMergesWithinDedupWindow(t *testing.T) {
	env := newTestEnv(t, Config{})
	m := env.manager

	first, outcome := mustIngest(t, m, stockOut(1, "SKU1"))
	if outcome != OutcomeCreated {
		t.Fatalf("first outcome = %s, want created", outcome)
	}
	if first.Status != StatusActive || first.Priority != PriorityCritical || first.Message != "SKU SKU1 is out" {
		t.Fatalf("created alert = %+v", first)
	}

	env.clock.Add(30 * time.Second)
	second, outcome := mustIngest(t, m, stockOut(2, "SKU1"))
	if outcome != OutcomeMerged || second.ID != first.ID {
		t.Fatalf("second ingest = %s %s, want merged into %s", outcome, second.ID, first.ID)
	}
	if second.Occurrences != 2 || second.Seq != 2 {
		t.Fatalf("merged alert = %+v", second)
	}

	if _, outcome := mustIngest(t, m, stockOut(2, "SKU1")); outcome != OutcomeDuplicate {
		t.Fatalf("replayed seq outcome = %s, want duplicate", outcome)
	}
	if got := len(m.List(Filter{})); got != 1 {
		t.Fatalf("List() len = %d, want 1", got)
	}

	if _, outcome := mustIngest(t, m, stockOut(3, "SKU2")); outcome != OutcomeCreated {
		t.Fatalf("other entity outcome = %s, want created", outcome)
	}

	env.clock.Add(3 * time.Minute)
	third, outcome := mustIngest(t, m, stockOut(4, "SKU1"))
	if outcome != OutcomeCreated || third.ID == first.ID {
		t.Fatalf("after window = %s %s, want a new alert", outcome, third.ID)
	}

	if got := testutil.ToFloat64(env.metrics.Alerts.WithLabelValues(CategoryStockOut, "merged")); got != 1 {
		t.Errorf("merged counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(env.metrics.OpenAlerts.WithLabelValues(CategoryStockOut)); got != 3 {
		t.Errorf("open gauge = %v, want 3", got)
	}
}

func TestIngestIgnoresUntriggeredKinds(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, outcome := mustIngest(t, env.manager, events.Event{Seq: 1, Kind: events.KindOrderReady, EntityID: "O1"})
	if outcome != OutcomeIgnored {
		t.Fatalf("outcome = %s, want ignored", outcome)
	}
	if _, _, err := env.manager.Ingest(context.Background(), events.Event{}); !errors.Is(err, events.ErrInvalidEvent) {
		t.Fatalf("Ingest(empty) error = %v", err)
	}
}

func TestAcknowledgedAlertNeverEscalates(t *testing.T) {
	env := newTestEnv(t, Config{})
	m := env.manager

	alert, _ := mustIngest(t, m, stockOut(1, "SKU1"))
	env.clock.Add(5 * time.Minute)
	if err := m.Acknowledge(context.Background(), alert.ID, admin()); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if armed(m, alert.ID) {
		t.Fatal("timer still armed after acknowledge")
	}
	env.clock.Add(time.Hour)

	got, err := m.Get(alert.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusAcknowledged || got.Escalations != 0 || got.AcknowledgedBy != "A1" {
		t.Fatalf("alert = %+v, want acknowledged without escalation", got)
	}
	if env.notifier.escalationAttempts() != 0 {
		t.Fatalf("escalation attempts = %d", env.notifier.escalationAttempts())
	}
	if err := m.Acknowledge(context.Background(), alert.ID, admin()); err != nil {
		t.Fatalf("second Acknowledge() error = %v", err)
	}
}

func TestUnacknowledgedAlertEscalatesOnce(t *testing.T) {
	env := newTestEnv(t, Config{})
	m := env.manager

	alert, _ := mustIngest(t, m, events.Event{Seq: 1, Kind: events.KindStockLow, EntityID: "SKU9"})
	if alert.Priority != PriorityMedium {
		t.Fatalf("priority = %s", alert.Priority)
	}

	env.clock.Add(time.Hour)
	waitFor(t, "escalation", func() bool {
		a, _ := m.Get(alert.ID)
		return a.Status == StatusEscalated
	})

	env.clock.Add(6 * time.Hour)
	time.Sleep(20 * time.Millisecond)

	got, _ := m.Get(alert.ID)
	if got.Escalations != 1 || got.Priority != PriorityHigh {
		t.Fatalf("alert = %+v, want one escalation at high", got)
	}
	if fmt.Sprint(got.Audience) != fmt.Sprint([]string{events.RoomStock, events.RoomAdmin}) {
		t.Fatalf("audience = %v, want stock and admin rooms", got.Audience)
	}
	last := env.notifier.last()
	if last.frame.Status != string(StatusEscalated) || last.rooms[len(last.rooms)-1] != events.RoomAdmin {
		t.Fatalf("last notification = %+v", last)
	}
	if env.notifier.escalationAttempts() != 1 {
		t.Fatalf("escalation attempts = %d, want 1", env.notifier.escalationAttempts())
	}
	if got := testutil.ToFloat64(env.metrics.AlertEscalations.WithLabelValues(CategoryStockLow, "ok")); got != 1 {
		t.Errorf("escalation counter = %v, want 1", got)
	}

	if err := m.Acknowledge(context.Background(), alert.ID, admin()); err != nil {
		t.Fatalf("Acknowledge(escalated) error = %v", err)
	}
}

func TestRepeatCategoryEscalatesAgain(t *testing.T) {
	env := newTestEnv(t, Config{})
	m := env.manager

	alert, _ := mustIngest(t, m, events.Event{Seq: 1, Kind: events.KindSuspicious, OwnerID: "U1"})
	env.clock.Add(5 * time.Minute)
	waitFor(t, "first escalation", func() bool {
		a, _ := m.Get(alert.ID)
		return a.Escalations == 1 && armed(m, alert.ID)
	})
	env.clock.Add(5 * time.Minute)
	waitFor(t, "second escalation", func() bool {
		a, _ := m.Get(alert.ID)
		return a.Escalations == 2
	})
	got, _ := m.Get(alert.ID)
	if fmt.Sprint(got.Audience) != fmt.Sprint([]string{events.RoomAdmin, events.RoomOnCall}) {
		t.Fatalf("audience = %v, want admin and on-call rooms", got.Audience)
	}
}

func TestEscalationFailureRetriesLater(t *testing.T) {
	env := newTestEnv(t, Config{EscalationRetry: time.Minute})
	env.notifier.failEscalations = 1
	m := env.manager

	alert, _ := mustIngest(t, m, stockOut(1, "SKU1"))
	env.clock.Add(10 * time.Minute)
	waitFor(t, "failed attempt and retry timer", func() bool {
		return env.notifier.escalationAttempts() == 1 && armed(m, alert.ID)
	})

	got, _ := m.Get(alert.ID)
	if got.Status != StatusActive || got.Escalations != 0 {
		t.Fatalf("alert after failure = %+v, want unchanged", got)
	}
	if got := testutil.ToFloat64(env.metrics.AlertEscalations.WithLabelValues(CategoryStockOut, "failed")); got != 1 {
		t.Errorf("failed counter = %v, want 1", got)
	}

	env.clock.Add(time.Minute)
	waitFor(t, "retried escalation", func() bool {
		a, _ := m.Get(alert.ID)
		return a.Status == StatusEscalated
	})
}

func TestAutoResolution(t *testing.T) {
	env := newTestEnv(t, Config{})
	m := env.manager

	alert, _ := mustIngest(t, m, stockOut(1, "SKU1"))
	other, _ := mustIngest(t, m, stockOut(2, "SKU2"))

	_, outcome := mustIngest(t, m, events.Event{Seq: 3, Kind: events.KindStockRestocked, EntityID: "SKU1"})
	if outcome != OutcomeResolved {
		t.Fatalf("outcome = %s, want resolved", outcome)
	}
	got, _ := m.Get(alert.ID)
	if got.Status != StatusResolved || got.ResolvedBy != "system:stock.replenished" {
		t.Fatalf("alert = %+v", got)
	}
	if still, _ := m.Get(other.ID); still.Status != StatusActive {
		t.Fatalf("unrelated alert = %s", still.Status)
	}

	env.clock.Add(15 * time.Minute)
	waitFor(t, "unrelated escalation", func() bool {
		a, _ := m.Get(other.ID)
		return a.Status == StatusEscalated
	})
	if got, _ := m.Get(alert.ID); got.Escalations != 0 {
		t.Fatalf("resolved alert escalated: %+v", got)
	}

	again, outcome := mustIngest(t, m, stockOut(4, "SKU1"))
	if outcome != OutcomeCreated || again.ID == alert.ID {
		t.Fatalf("new stock out = %s %s, want a fresh alert", outcome, again.ID)
	}
}

func TestActionErrors(t *testing.T) {
	env := newTestEnv(t, Config{})
	m := env.manager
	ctx := context.Background()
	alert, _ := mustIngest(t, m, stockOut(1, "SKU1"))

	client := auth.Identity{UserID: "U1", Role: auth.RoleClient, Status: auth.StatusActive}
	comptoir := auth.Identity{UserID: "C1", Role: auth.RoleComptoir, Status: auth.StatusActive}

	tests := []struct {
		name       string
		action     func() error
		wantErr    error
		wantReason string
	}{
		{"unknown alert", func() error { return m.Acknowledge(ctx, "missing", admin()) }, ErrNotFound, protocol.ReasonUnknownAlert},
		{"client cannot see stock alerts", func() error { return m.Acknowledge(ctx, alert.ID, client) }, ErrForbidden, protocol.ReasonNotPermitted},
		{"comptoir resolves", func() error { return m.Resolve(ctx, alert.ID, comptoir) }, nil, ""},
		{"resolve twice", func() error { return m.Resolve(ctx, alert.ID, admin()) }, ErrInvalidTransition, protocol.ReasonAlertClosed},
		{"acknowledge resolved", func() error { return m.Acknowledge(ctx, alert.ID, admin()) }, ErrInvalidTransition, protocol.ReasonAlertClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			var actionErr *ActionError
			if !errors.As(err, &actionErr) || actionErr.FrameReason() != tt.wantReason {
				t.Fatalf("FrameReason() of %v, want %s", err, tt.wantReason)
			}
		})
	}
}

func TestCancelPersonalStopsOnlyPersonalTimers(t *testing.T) {
	env := newTestEnv(t, Config{})
	m := env.manager

	quota, _ := mustIngest(t, m, events.Event{Seq: 1, Kind: events.KindQuotaExceeded, EntityID: "Q1", OwnerID: "U1"})
	if len(quota.Audience) != 1 || quota.Audience[0] != "user:U1" {
		t.Fatalf("quota audience = %v", quota.Audience)
	}
	stock, _ := mustIngest(t, m, stockOut(2, "SKU1"))

	m.SessionEnded(context.Background(), "U1")
	if armed(m, quota.ID) {
		t.Fatal("personal alert timer still armed")
	}
	if !armed(m, stock.ID) {
		t.Fatal("shared alert timer was cancelled")
	}
	if n := m.CancelPersonal("U1"); n != 0 {
		t.Fatalf("second CancelPersonal() = %d, want 0", n)
	}

	env.clock.Add(time.Hour)
	waitFor(t, "shared escalation", func() bool {
		a, _ := m.Get(stock.ID)
		return a.Status == StatusEscalated
	})
	if got, _ := m.Get(quota.ID); got.Status != StatusActive || got.Escalations != 0 {
		t.Fatalf("personal alert = %+v, want active without escalation", got)
	}
}

func TestListFilters(t *testing.T) {
	env := newTestEnv(t, Config{})
	m := env.manager
	mustIngest(t, m, stockOut(1, "SKU1"))
	mustIngest(t, m, events.Event{Seq: 2, Kind: events.KindQuotaExceeded, EntityID: "Q1", OwnerID: "U1"})
	mustIngest(t, m, events.Event{Seq: 3, Kind: events.KindQuotaExceeded, EntityID: "Q2", OwnerID: "U2"})

	u1 := auth.Identity{UserID: "U1", Role: auth.RoleClient, Status: auth.StatusActive}
	if got := m.List(Filter{Viewer: &u1}); len(got) != 1 || got[0].OwnerID != "U1" {
		t.Fatalf("List(viewer U1) = %+v", got)
	}
	if got := m.List(Filter{Category: CategoryQuotaExceeded}); len(got) != 2 {
		t.Fatalf("List(category) len = %d", len(got))
	}
	a := admin()
	if got := m.List(Filter{Viewer: &a, OpenOnly: true}); len(got) != 1 {
		t.Fatalf("List(admin) len = %d, want 1", len(got))
	}
}

func TestSweepArchivesResolvedAlerts(t *testing.T) {
	env := newTestEnv(t, Config{Retention: time.Hour})
	m := env.manager
	ctx := context.Background()

	resolved, _ := mustIngest(t, m, stockOut(1, "SKU1"))
	open, _ := mustIngest(t, m, stockOut(2, "SKU2"))
	if err := m.Acknowledge(ctx, open.ID, admin()); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if err := m.Resolve(ctx, resolved.ID, admin()); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if archived, _, err := m.Sweep(ctx); err != nil || archived != 0 {
		t.Fatalf("early Sweep() = %d, %v", archived, err)
	}
	env.clock.Add(2 * time.Hour)
	archived, _, err := m.Sweep(ctx)
	if err != nil || archived != 1 {
		t.Fatalf("Sweep() = %d, %v, want 1", archived, err)
	}
	if _, err := m.Get(resolved.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(archived) error = %v", err)
	}
	if _, err := m.Get(open.ID); err != nil {
		t.Fatalf("Get(open) error = %v", err)
	}
}

func TestScheduledSweepPrunesStore(t *testing.T) {
	env := newTestEnv(t, Config{SweepSchedule: "@every 1h"})
	ctx := context.Background()
	if err := env.store.AppendEvent(ctx, events.Event{Seq: 1, Kind: events.KindStockOut, Rooms: []string{events.RoomStock}}); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}
	env.clock.Add(49 * time.Hour)
	env.manager.Start(ctx)

	env.clock.Add(time.Hour)
	waitFor(t, "store prune", func() bool {
		seq, err := env.store.LastSeq(ctx)
		return err == nil && seq == 0
	})
}

func TestRevisionsArePersisted(t *testing.T) {
	env := newTestEnv(t, Config{})
	m := env.manager
	ctx := context.Background()
	m.Start(ctx)

	alert, _ := mustIngest(t, m, stockOut(1, "SKU1"))
	mustIngest(t, m, stockOut(2, "SKU1"))
	if err := m.Acknowledge(ctx, alert.ID, admin()); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	history, err := env.store.AlertHistory(ctx, alert.ID)
	if err != nil {
		t.Fatalf("AlertHistory() error = %v", err)
	}
	var statuses []string
	for _, rec := range history {
		statuses = append(statuses, fmt.Sprintf("%d:%s:%d", rec.Revision, rec.Status, rec.Occurrences))
	}
	want := []string{"1:active:1", "2:active:2", "3:acknowledged:2"}
	if fmt.Sprint(statuses) != fmt.Sprint(want) {
		t.Fatalf("history = %v, want %v", statuses, want)
	}
	if history[2].Actor != "A1" {
		t.Fatalf("actor = %q", history[2].Actor)
	}

	if _, _, err := m.Ingest(ctx, stockOut(3, "SKU3")); !errors.Is(err, ErrStopped) {
		t.Fatalf("Ingest after Stop error = %v", err)
	}
}

// flakyStore fails the first failures alert writes.
type flakyStore struct {
	*notify.MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) AppendAlert(ctx context.Context, record notify.AlertRecord) error {
	s.mu.Lock()
	s.calls++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return s.MemoryStore.AppendAlert(ctx, record)
}

func (s *flakyStore) attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestPersistenceRetriesOnTheManagerClock(t *testing.T) {
	clk := clock.NewMock()
	store := &flakyStore{MemoryStore: notify.NewMemoryStore(0, clk), failures: 2}
	cfg := Config{PersistBackoff: backoff.Policy{Base: time.Hour, Cap: time.Hour, Factor: 2}}
	m, err := New(cfg, Options{
		Notifier:   &recordingNotifier{},
		Authorizer: rooms.NewManager(rooms.DefaultPolicy(), nil),
		Store:      store,
		Clock:      clk,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	m.Start(ctx)
	t.Cleanup(func() { _ = m.Stop(ctx) })

	alert, _ := mustIngest(t, m, stockOut(1, "SKU1"))
	waitFor(t, "first write", func() bool { return store.attempts() == 1 })

	// An hour-long backoff only passes on the mock clock.
	waitFor(t, "revision persisted after retries", func() bool {
		clk.Add(time.Hour)
		_, err := store.AlertHistory(ctx, alert.ID)
		return err == nil
	})
	if n := store.attempts(); n < 3 {
		t.Fatalf("write attempts = %d, want at least 3", n)
	}
}
