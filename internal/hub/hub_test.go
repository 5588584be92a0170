package hub

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/notify"
	"github.com/haasonsaas/relay/pkg/protocol"
)

// fakeTransport records frames written by a connection's writer.
type fakeTransport struct {
	mu        sync.Mutex
	frames    []protocol.Frame
	closeCode int
	closed    bool
	block     chan struct{}
	written   chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{written: make(chan struct{}, 1024)}
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	if f.block != nil {
		<-f.block
	}
	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
	f.written <- struct{}{}
	return nil
}

func (f *fakeTransport) WriteControl(_ int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(data) >= 2 {
		f.closeCode = int(binary.BigEndian.Uint16(data[:2]))
	}
	return nil
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) snapshot() []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Frame(nil), f.frames...)
}

// waitFor polls cond until it holds or the deadline passes.
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

func (f *fakeTransport) eventSeqs() []uint64 {
	var out []uint64
	for _, frame := range f.snapshot() {
		if frame.Type == protocol.TypeEvent {
			out = append(out, frame.Seq)
		}
	}
	return out
}

func rejectAll(context.Context, string) (auth.Identity, error) {
	return auth.Identity{}, auth.ErrInvalidCredential
}

func newTestHub(t *testing.T, cfg Config, clk clock.Clock) *Hub {
	t.Helper()
	h, err := New(cfg, Options{
		Gate:  auth.NewGate(auth.VerifierFunc(rejectAll), nil),
		Clock: clk,
		Store: notify.NewMemoryStore(0, clk),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { h.Stop(context.Background()) })
	return h
}

func identity(userID string, role auth.Role) auth.Identity {
	return auth.Identity{UserID: userID, Role: role, Status: auth.StatusActive}
}

func TestPublishReachesResolvedRoomsOnly(t *testing.T) {
	h := newTestHub(t, Config{}, clock.NewMock())

	type peer struct {
		transport *fakeTransport
		conn      *Connection
	}
	peers := map[string]*peer{}
	for _, id := range []auth.Identity{
		identity("C1", auth.RoleComptoir),
		identity("A1", auth.RoleAdmin),
		identity("U1", auth.RoleClient),
		identity("U2", auth.RoleClient),
		identity("M1", auth.RoleCommercial),
	} {
		tr := newFakeTransport()
		conn := h.accept("conn-"+id.UserID, id, tr)
		if conn == nil {
			t.Fatalf("accept(%s) returned nil", id.UserID)
		}
		peers[id.UserID] = &peer{transport: tr, conn: conn}
	}

	receipt, err := h.Publish(context.Background(), events.Event{
		Kind:     events.KindOrderValidated,
		EntityID: "O-1",
		OwnerID:  "U1",
		Payload:  json.RawMessage(`{"status":"validated"}`),
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	want := []string{events.RoomAdmin, events.RoomComptoir, "user:U1"}
	if len(receipt.Rooms) != len(want) {
		t.Fatalf("receipt rooms = %v, want %v", receipt.Rooms, want)
	}
	for i := range want {
		if receipt.Rooms[i] != want[i] {
			t.Fatalf("receipt rooms = %v, want %v", receipt.Rooms, want)
		}
	}
	if receipt.Delivered != 3 || receipt.Failed != 0 {
		t.Fatalf("receipt = %+v, want 3 delivered", receipt)
	}

	for _, userID := range []string{"C1", "A1", "U1"} {
		tr := peers[userID].transport
		waitFor(t, userID+" event", func() bool { return len(tr.eventSeqs()) == 1 })
		if got := tr.eventSeqs()[0]; got != receipt.Seq {
			t.Fatalf("%s got seq %d, want %d", userID, got, receipt.Seq)
		}
	}

	// A later event addressed to the others proves they skipped the first.
	second, err := h.Publish(context.Background(), events.Event{
		Kind:   events.KindOrderCreated,
		Target: events.Target{Users: []string{"U2", "M1"}},
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	for _, userID := range []string{"U2", "M1"} {
		tr := peers[userID].transport
		waitFor(t, userID+" event", func() bool { return len(tr.eventSeqs()) == 1 })
		if got := tr.eventSeqs(); got[0] != second.Seq {
			t.Fatalf("%s events = %v, want only %d", userID, got, second.Seq)
		}
	}
}

func TestPublishSequencesAreMonotonicAndSeeded(t *testing.T) {
	clk := clock.NewMock()
	store := notify.NewMemoryStore(0, clk)
	_ = store.AppendEvent(context.Background(), events.Event{Seq: 41, Kind: events.KindStockLow, Rooms: []string{events.RoomStock}})

	h, err := New(Config{}, Options{Gate: auth.NewGate(auth.VerifierFunc(rejectAll), nil), Clock: clk, Store: store})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Stop(context.Background())

	for want := uint64(42); want < 45; want++ {
		receipt, err := h.Publish(context.Background(), events.Event{Kind: events.KindStockLow})
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		if receipt.Seq != want {
			t.Fatalf("seq = %d, want %d", receipt.Seq, want)
		}
	}
	last, _ := store.LastSeq(context.Background())
	if last != 44 {
		t.Fatalf("store last seq = %d, want 44", last)
	}
}

func TestPublishRejectsInvalidEvent(t *testing.T) {
	h := newTestHub(t, Config{}, clock.NewMock())
	if _, err := h.Publish(context.Background(), events.Event{}); !errors.Is(err, events.ErrInvalidEvent) {
		t.Fatalf("Publish() error = %v, want ErrInvalidEvent", err)
	}
}

func TestHeartbeatSweepEvictsSilentConnections(t *testing.T) {
	clk := clock.NewMock()
	h := newTestHub(t, Config{HeartbeatInterval: 25 * time.Second, HeartbeatTimeout: 60 * time.Second}, clk)
	// Sweeps are driven by hand below.
	h.Monitor().Stop()

	silentTr := newFakeTransport()
	silent := h.accept("silent", identity("C1", auth.RoleComptoir), silentTr)
	liveTr := newFakeTransport()
	live := h.accept("live", identity("C2", auth.RoleComptoir), liveTr)

	clk.Add(50 * time.Second)
	live.touch(clk.Now())
	probed, evicted := h.Monitor().Sweep()
	if probed != 2 || evicted != 0 {
		t.Fatalf("first sweep probed=%d evicted=%d", probed, evicted)
	}

	clk.Add(25 * time.Second)
	probed, evicted = h.Monitor().Sweep()
	if probed != 1 || evicted != 1 {
		t.Fatalf("second sweep probed=%d evicted=%d", probed, evicted)
	}
	if _, ok := h.Registry().Get(silent.ID()); ok {
		t.Fatal("silent connection still registered")
	}
	if rooms := silent.Membership().Rooms(); len(rooms) != 0 {
		t.Fatalf("silent connection still in rooms %v", rooms)
	}
	for _, member := range h.Rooms().MembersOf(events.RoomComptoir) {
		if member.ID() == silent.ID() {
			t.Fatal("silent connection still a member of comptoir:all")
		}
	}
	if code, reason := silent.CloseCode(); code != protocol.CloseGoingAway || reason != protocol.ReasonHeartbeatTimeout {
		t.Fatalf("close = %d %q", code, reason)
	}
	waitFor(t, "silent transport closed", func() bool {
		silentTr.mu.Lock()
		defer silentTr.mu.Unlock()
		return silentTr.closed && silentTr.closeCode == protocol.CloseGoingAway
	})
	if !live.Alive() {
		t.Fatal("live connection evicted")
	}
	waitFor(t, "heartbeat frame", func() bool {
		for _, frame := range liveTr.snapshot() {
			if frame.Type == protocol.TypeHeartbeat {
				return true
			}
		}
		return false
	})
}

func TestMonitorTickEvictsWithinOneInterval(t *testing.T) {
	clk := clock.NewMock()
	h := newTestHub(t, Config{HeartbeatInterval: 25 * time.Second, HeartbeatTimeout: 60 * time.Second}, clk)
	conn := h.accept("quiet", identity("U1", auth.RoleClient), newFakeTransport())

	clk.Add(50 * time.Second)
	if !conn.Alive() {
		t.Fatal("connection evicted before the timeout elapsed")
	}
	clk.Add(25 * time.Second)
	waitFor(t, "eviction on next tick", func() bool { return !conn.Alive() })
	waitFor(t, "unregistered", func() bool { return h.Stats().Connections == 0 })
}

func TestMonitorStartStopIdempotent(t *testing.T) {
	clk := clock.NewMock()
	h := newTestHub(t, Config{}, clk)
	m := h.Monitor()
	if !m.IsRunning() {
		t.Fatal("monitor not running after hub start")
	}
	m.Start(context.Background())
	m.Stop()
	m.Stop()
	if m.IsRunning() {
		t.Fatal("monitor still running after Stop")
	}
}

func TestSlowConsumerIsDropped(t *testing.T) {
	h := newTestHub(t, Config{SendBuffer: 1}, clock.NewMock())

	tr := newFakeTransport()
	tr.block = make(chan struct{})
	defer close(tr.block)
	conn := h.accept("slow", identity("A1", auth.RoleAdmin), tr)

	var failed int
	for i := 0; i < 4; i++ {
		receipt, err := h.Publish(context.Background(), events.Event{Kind: events.KindStockOut})
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		failed += receipt.Failed
	}
	if failed == 0 {
		t.Fatal("expected at least one failed delivery")
	}
	waitFor(t, "slow consumer dropped", func() bool { return !conn.Alive() })
	waitFor(t, "slow consumer unregistered", func() bool {
		_, ok := h.Registry().Get("slow")
		return !ok
	})
	if code, _ := conn.CloseCode(); code != protocol.CloseTryAgainLater {
		t.Fatalf("close code = %d, want %d", code, protocol.CloseTryAgainLater)
	}
}

type recordingSessions struct {
	mu    sync.Mutex
	ended []string
}

func (r *recordingSessions) SessionEnded(_ context.Context, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, userID)
}

func TestDeauthorizeClosesEveryConnection(t *testing.T) {
	h := newTestHub(t, Config{}, clock.NewMock())
	sessions := &recordingSessions{}
	unsubscribe := h.OnSessionEnd(sessions)
	defer unsubscribe()

	tab1 := h.accept("tab-1", identity("U1", auth.RoleClient), newFakeTransport())
	tab2 := h.accept("tab-2", identity("U1", auth.RoleClient), newFakeTransport())
	other := h.accept("other", identity("U2", auth.RoleClient), newFakeTransport())

	if n := h.Deauthorize(context.Background(), "U1"); n != 2 {
		t.Fatalf("Deauthorize() closed %d, want 2", n)
	}
	for _, conn := range []*Connection{tab1, tab2} {
		if code, reason := conn.CloseCode(); code != protocol.CloseAccountInactive || reason != protocol.ReasonAccountInactive {
			t.Fatalf("%s close = %d %q", conn.ID(), code, reason)
		}
	}
	if !other.Alive() {
		t.Fatal("unrelated user disconnected")
	}
	if len(h.Registry().ConnectionsFor("U1")) != 0 {
		t.Fatal("U1 still registered")
	}
	if len(h.Rooms().MembersOf("user:U1")) != 0 {
		t.Fatal("U1 personal room not purged")
	}
	if len(sessions.ended) != 1 || sessions.ended[0] != "U1" {
		t.Fatalf("session observers saw %v", sessions.ended)
	}

	if n := h.Logout(context.Background(), "U2"); n != 1 {
		t.Fatalf("Logout() closed %d, want 1", n)
	}
	if code, _ := other.CloseCode(); code != protocol.CloseNormal {
		t.Fatalf("logout close code = %d", code)
	}
}

func TestSuspensionEventDeauthorizesAfterDelivery(t *testing.T) {
	h := newTestHub(t, Config{}, clock.NewMock())
	adminTr := newFakeTransport()
	h.accept("admin", identity("A1", auth.RoleAdmin), adminTr)
	victim := h.accept("victim", identity("U7", auth.RoleClient), newFakeTransport())

	receipt, err := h.Publish(context.Background(), events.Event{Kind: events.KindUserSuspended, EntityID: "U7"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if receipt.Delivered != 1 {
		t.Fatalf("delivered = %d, want 1 (admin)", receipt.Delivered)
	}
	if code, _ := victim.CloseCode(); code != protocol.CloseAccountInactive {
		t.Fatalf("victim close code = %d", code)
	}
	waitFor(t, "admin notified", func() bool { return len(adminTr.eventSeqs()) == 1 })
}

type recordingPresence struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingPresence) UserOnline(identity auth.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "online:"+identity.UserID)
}

func (r *recordingPresence) UserOffline(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "offline:"+userID)
}

func TestPresenceSignalsFirstAndLastConnection(t *testing.T) {
	h := newTestHub(t, Config{}, clock.NewMock())
	presence := &recordingPresence{}
	defer h.SubscribePresence(presence)()

	tab1 := h.accept("tab-1", identity("U1", auth.RoleClient), newFakeTransport())
	tab2 := h.accept("tab-2", identity("U1", auth.RoleClient), newFakeTransport())
	h.drop(tab1, protocol.CloseNormal, protocol.ReasonDisconnected)
	h.drop(tab2, protocol.CloseNormal, protocol.ReasonDisconnected)
	h.drop(tab2, protocol.CloseNormal, protocol.ReasonDisconnected)

	want := []string{"online:U1", "offline:U1"}
	if len(presence.events) != len(want) || presence.events[0] != want[0] || presence.events[1] != want[1] {
		t.Fatalf("presence = %v, want %v", presence.events, want)
	}
}

func TestStats(t *testing.T) {
	h := newTestHub(t, Config{}, clock.NewMock())
	h.accept("a", identity("A1", auth.RoleAdmin), newFakeTransport())
	h.accept("c1", identity("U1", auth.RoleClient), newFakeTransport())
	h.accept("c2", identity("U1", auth.RoleClient), newFakeTransport())
	h.accept("c3", identity("U2", auth.RoleClient), newFakeTransport())

	stats := h.Stats()
	if stats.ConnectedUsers != 3 || stats.Connections != 4 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.PerRoleCounts["client"] != 2 || stats.PerRoleCounts["admin"] != 1 {
		t.Fatalf("per role = %v", stats.PerRoleCounts)
	}
	// role:admin, user:A1, admin:all, stock:alerts, finance:all,
	// role:client, user:U1, user:U2.
	if stats.RoomCount != 8 {
		t.Fatalf("room count = %d, want 8", stats.RoomCount)
	}
}

func TestStoppedHubRefusesPublish(t *testing.T) {
	h := newTestHub(t, Config{}, clock.NewMock())
	conn := h.accept("a", identity("A1", auth.RoleAdmin), newFakeTransport())
	h.Stop(context.Background())
	if code, _ := conn.CloseCode(); code != protocol.CloseGoingAway {
		t.Fatalf("close code = %d, want 1001", code)
	}
	if _, err := h.Publish(context.Background(), events.Event{Kind: events.KindStockLow}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Publish() error = %v, want ErrStopped", err)
	}
}

func TestHandshakeOvertakenByDeauthorizationIsClosed(t *testing.T) {
	h := newTestHub(t, Config{}, clock.NewMock())
	ctx := context.Background()

	// The handshake authenticated before the deauthorization and registers
	// after its connection snapshot was taken.
	epoch := h.revocationEpoch()
	if n := h.Deauthorize(ctx, "U7"); n != 0 {
		t.Fatalf("Deauthorize() closed %d, want 0", n)
	}
	late := newFakeTransport()
	if conn := h.acceptSince("late", identity("U7", auth.RoleClient), late, epoch); conn != nil {
		t.Fatal("acceptSince() admitted a deauthorized user")
	}
	waitFor(t, "close frame", func() bool {
		late.mu.Lock()
		defer late.mu.Unlock()
		return late.closeCode == protocol.CloseAccountInactive
	})
	if n := len(h.Registry().ConnectionsFor("U7")); n != 0 {
		t.Fatalf("U7 has %d registered connections", n)
	}

	other := h.acceptSince("other", identity("U8", auth.RoleClient), newFakeTransport(), epoch)
	if other == nil || !other.Alive() {
		t.Fatal("unrelated user refused")
	}
	// Later handshakes are judged by the directory alone.
	fresh := h.acceptSince("fresh", identity("U7", auth.RoleClient), newFakeTransport(), h.revocationEpoch())
	if fresh == nil || !fresh.Alive() {
		t.Fatal("handshake started after the deauthorization refused")
	}
}
