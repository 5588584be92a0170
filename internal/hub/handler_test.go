package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/ratelimit"
	"github.com/haasonsaas/relay/internal/rooms"
	"github.com/haasonsaas/relay/pkg/protocol"
)

var testUsers = map[string]auth.Identity{
	"tok-admin":     {UserID: "A1", Role: auth.RoleAdmin, Status: auth.StatusActive},
	"tok-comptoir":  {UserID: "C1", Role: auth.RoleComptoir, Status: auth.StatusActive},
	"tok-u1":        {UserID: "U1", Role: auth.RoleClient, Status: auth.StatusActive},
	"tok-suspended": {UserID: "U9", Role: auth.RoleClient, Status: auth.StatusSuspended},
}

func testVerifier(_ context.Context, credential string) (auth.Identity, error) {
	if credential == "tok-outage" {
		return auth.Identity{}, errors.New("directory unreachable")
	}
	identity, ok := testUsers[credential]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidCredential
	}
	return identity, nil
}

func newServedHub(t *testing.T, cfg Config) (*Hub, *httptest.Server) {
	t.Helper()
	clk := clock.NewMock()
	h, err := New(cfg, Options{Gate: auth.NewGate(auth.VerifierFunc(testVerifier), nil), Clock: clk})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Stop(context.Background())
		srv.Close()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) protocol.Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

func writeFrame(t *testing.T, ws *websocket.Conn, frame protocol.Frame) {
	t.Helper()
	if err := ws.WriteJSON(frame); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

// connect dials with token and consumes auth_success and the auto-join
// confirmations.
func connect(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	ws := dial(t, srv, token)
	first := readFrame(t, ws)
	if first.Type != protocol.TypeAuthSuccess {
		t.Fatalf("first frame = %+v, want auth_success", first)
	}
	for range rooms.DefaultPolicy().AutoJoinRooms(testUsers[token]) {
		if frame := readFrame(t, ws); frame.Type != protocol.TypeRoomJoined {
			t.Fatalf("frame = %+v, want room_joined", frame)
		}
	}
	return ws
}

func expectClose(t *testing.T, ws *websocket.Conn, code int, reason string) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("read error = %v, want close %d", err, code)
		}
		if closeErr.Code != code || closeErr.Text != reason {
			t.Fatalf("close = %d %q, want %d %q", closeErr.Code, closeErr.Text, code, reason)
		}
		return
	}
}

func TestHandshakeEchoesVerifiedIdentity(t *testing.T) {
	_, srv := newServedHub(t, Config{})
	ws := dial(t, srv, "tok-u1")
	frame := readFrame(t, ws)
	if frame.Type != protocol.TypeAuthSuccess || frame.Identity == nil {
		t.Fatalf("frame = %+v", frame)
	}
	if frame.Identity.UserID != "U1" || frame.Identity.Role != "client" {
		t.Fatalf("identity = %+v", frame.Identity)
	}
}

func TestHandshakeRejections(t *testing.T) {
	h, srv := newServedHub(t, Config{})

	tests := []struct {
		name   string
		token  string
		code   int
		reason string
	}{
		{name: "suspended account", token: "tok-suspended", code: protocol.CloseAccountInactive, reason: protocol.ReasonAccountInactive},
		{name: "unknown credential", token: "tok-forged", code: protocol.CloseInvalidCredential, reason: protocol.ReasonInvalidCredential},
		{name: "verifier outage", token: "tok-outage", code: protocol.CloseInternalError, reason: protocol.ReasonUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := dial(t, srv, tt.token)
			expectClose(t, ws, tt.code, tt.reason)
		})
	}
	if stats := h.Stats(); stats.Connections != 0 {
		t.Fatalf("rejected handshakes were registered: %+v", stats)
	}
	if len(h.Registry().ConnectionsFor("U9")) != 0 {
		t.Fatal("suspended user registered")
	}
}

func TestFirstFrameCredential(t *testing.T) {
	_, srv := newServedHub(t, Config{})

	ws := dial(t, srv, "")
	writeFrame(t, ws, protocol.Auth("tok-comptoir"))
	if frame := readFrame(t, ws); frame.Type != protocol.TypeAuthSuccess {
		t.Fatalf("frame = %+v, want auth_success", frame)
	}

	other := dial(t, srv, "")
	writeFrame(t, other, protocol.JoinRoom(events.RoomAdmin))
	expectClose(t, other, protocol.CloseMissingCredential, protocol.ReasonMissingCredential)
}

func TestHandshakeTimeoutWithoutCredential(t *testing.T) {
	_, srv := newServedHub(t, Config{HandshakeTimeout: 50 * time.Millisecond})
	ws := dial(t, srv, "")
	expectClose(t, ws, protocol.CloseMissingCredential, protocol.ReasonMissingCredential)
}

func TestRoomFramesOverTheWire(t *testing.T) {
	_, srv := newServedHub(t, Config{})
	ws := connect(t, srv, "tok-u1")

	writeFrame(t, ws, protocol.JoinRoom(events.RoomAdmin))
	if frame := readFrame(t, ws); frame.Type != protocol.TypeRoomError || frame.Reason != protocol.ReasonNotPermitted {
		t.Fatalf("join admin:all = %+v, want room_error", frame)
	}
	writeFrame(t, ws, protocol.JoinRoom("user:U2"))
	if frame := readFrame(t, ws); frame.Type != protocol.TypeRoomError || frame.Room != "user:U2" {
		t.Fatalf("join user:U2 = %+v, want room_error", frame)
	}
	writeFrame(t, ws, protocol.LeaveRoom("role:client"))
	if frame := readFrame(t, ws); frame.Type != protocol.TypeRoomLeft || frame.Room != "role:client" {
		t.Fatalf("leave = %+v, want room_left", frame)
	}
	writeFrame(t, ws, protocol.JoinRoom("role:client"))
	if frame := readFrame(t, ws); frame.Type != protocol.TypeRoomJoined {
		t.Fatalf("rejoin = %+v, want room_joined", frame)
	}

	// Malformed frames are answered, not fatal.
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"join_room"}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if frame := readFrame(t, ws); frame.Type != protocol.TypeError || frame.Reason != protocol.ReasonInvalidFrame {
		t.Fatalf("frame = %+v, want invalid_frame error", frame)
	}
	writeFrame(t, ws, protocol.HeartbeatAck())
	writeFrame(t, ws, protocol.JoinRoom("role:client"))
	if frame := readFrame(t, ws); frame.Type != protocol.TypeRoomJoined {
		t.Fatalf("connection unusable after bad frame: %+v", frame)
	}
}

func TestRequestSyncReplaysMissedEvents(t *testing.T) {
	h, srv := newServedHub(t, Config{})
	ctx := context.Background()

	// U1 is offline for all three.
	first, _ := h.Publish(ctx, events.Event{Kind: events.KindOrderCreated, OwnerID: "U1"})
	_, _ = h.Publish(ctx, events.Event{Kind: events.KindOrderCreated, OwnerID: "U2"})
	third, _ := h.Publish(ctx, events.Event{Kind: events.KindOrderValidated, OwnerID: "U1"})

	ws := connect(t, srv, "tok-u1")
	writeFrame(t, ws, protocol.RequestSync(first.Seq))

	frame := readFrame(t, ws)
	if frame.Type != protocol.TypeEvent || frame.Seq != third.Seq || frame.Kind != string(events.KindOrderValidated) {
		t.Fatalf("replayed = %+v, want seq %d", frame, third.Seq)
	}
	frame = readFrame(t, ws)
	if frame.Type != protocol.TypeSyncComplete || frame.Cursor != third.Seq {
		t.Fatalf("frame = %+v, want sync_complete %d", frame, third.Seq)
	}

	// Nothing missed: cursor echoes back.
	writeFrame(t, ws, protocol.RequestSync(third.Seq))
	frame = readFrame(t, ws)
	if frame.Type != protocol.TypeSyncComplete || frame.Cursor != third.Seq {
		t.Fatalf("frame = %+v, want empty sync_complete", frame)
	}
}

func TestLiveEventsOverTheWire(t *testing.T) {
	h, srv := newServedHub(t, Config{})
	comptoir := connect(t, srv, "tok-comptoir")
	client := connect(t, srv, "tok-u1")

	receipt, err := h.Publish(context.Background(), events.Event{
		Kind:    events.KindOrderValidated,
		OwnerID: "U1",
		Payload: json.RawMessage(`{"orderId":"O-1"}`),
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	for _, ws := range []*websocket.Conn{comptoir, client} {
		frame := readFrame(t, ws)
		if frame.Type != protocol.TypeEvent || frame.Seq != receipt.Seq || string(frame.Data) != `{"orderId":"O-1"}` {
			t.Fatalf("frame = %+v", frame)
		}
	}
}

type denyingActions struct{}

type notFound struct{}

func (notFound) Error() string       { return "alert not found" }
func (notFound) FrameReason() string { return protocol.ReasonUnknownAlert }

func (denyingActions) Acknowledge(context.Context, string, auth.Identity) error { return notFound{} }
func (denyingActions) Resolve(context.Context, string, auth.Identity) error     { return nil }

func TestAlertFramesUseActions(t *testing.T) {
	h, srv := newServedHub(t, Config{})
	ws := connect(t, srv, "tok-admin")

	writeFrame(t, ws, protocol.Frame{Type: protocol.TypeAckAlert, ID: "missing"})
	if frame := readFrame(t, ws); frame.Type != protocol.TypeError || frame.Reason != protocol.ReasonUnknownAlert {
		t.Fatalf("frame = %+v, want unknown_alert without actions", frame)
	}

	h.SetAlertActions(denyingActions{})
	writeFrame(t, ws, protocol.Frame{Type: protocol.TypeAckAlert, ID: "missing"})
	if frame := readFrame(t, ws); frame.Type != protocol.TypeError || frame.Reason != protocol.ReasonUnknownAlert {
		t.Fatalf("frame = %+v, want unknown_alert", frame)
	}
}

func TestInboundRateLimit(t *testing.T) {
	_, srv := newServedHub(t, Config{InboundRate: ratelimit.Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: true}})
	ws := connect(t, srv, "tok-u1")

	writeFrame(t, ws, protocol.JoinRoom("role:client"))
	if frame := readFrame(t, ws); frame.Type != protocol.TypeRoomJoined {
		t.Fatalf("frame = %+v, want room_joined", frame)
	}
	writeFrame(t, ws, protocol.JoinRoom("role:client"))
	if frame := readFrame(t, ws); frame.Type != protocol.TypeError || frame.Reason != protocol.ReasonRateLimited {
		t.Fatalf("frame = %+v, want rate_limited", frame)
	}
}

func TestLogoutClosesCleanly(t *testing.T) {
	h, srv := newServedHub(t, Config{})
	ws := connect(t, srv, "tok-u1")
	if n := h.Logout(context.Background(), "U1"); n != 1 {
		t.Fatalf("Logout() = %d, want 1", n)
	}
	expectClose(t, ws, protocol.CloseNormal, protocol.ReasonLogout)
}

func TestStoppingHubRefusesUpgrade(t *testing.T) {
	h, srv := newServedHub(t, Config{})
	h.Stop(context.Background())
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestRequestSyncPagesThroughTheBacklog(t *testing.T) {
	h, srv := newServedHub(t, Config{ReplayLimit: 2})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := h.Publish(ctx, events.Event{Kind: events.KindStockLow, EntityID: "SKU1"}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	tests := []struct {
		cursor uint64
		want   []uint64
	}{
		{cursor: 0, want: []uint64{1, 2, 3, 4, 5}},
		{cursor: 1, want: []uint64{2, 3, 4, 5}},
		{cursor: 4, want: []uint64{5}},
	}
	ws := connect(t, srv, "tok-comptoir")
	for _, tt := range tests {
		writeFrame(t, ws, protocol.RequestSync(tt.cursor))
		for _, seq := range tt.want {
			if frame := readFrame(t, ws); frame.Type != protocol.TypeEvent || frame.Seq != seq {
				t.Fatalf("cursor %d: frame = %+v, want event %d", tt.cursor, frame, seq)
			}
		}
		if frame := readFrame(t, ws); frame.Type != protocol.TypeSyncComplete || frame.Cursor != 5 {
			t.Fatalf("cursor %d: frame = %+v, want sync_complete 5", tt.cursor, frame)
		}
	}
}

func TestRequestSyncCoversRoomsJoinedFirst(t *testing.T) {
	h, srv := newServedHub(t, Config{})
	missed, err := h.Publish(context.Background(), events.Event{
		Kind:   events.KindOrderReady,
		Target: events.Target{Rooms: []string{events.RoomComptoir}},
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	ws := connect(t, srv, "tok-admin")
	writeFrame(t, ws, protocol.JoinRoom(events.RoomComptoir))
	if frame := readFrame(t, ws); frame.Type != protocol.TypeRoomJoined {
		t.Fatalf("frame = %+v, want room_joined", frame)
	}
	writeFrame(t, ws, protocol.RequestSync(0))
	if frame := readFrame(t, ws); frame.Type != protocol.TypeEvent || frame.Seq != missed.Seq {
		t.Fatalf("frame = %+v, want replayed seq %d", frame, missed.Seq)
	}
	if frame := readFrame(t, ws); frame.Type != protocol.TypeSyncComplete || frame.Cursor != missed.Seq {
		t.Fatalf("frame = %+v, want sync_complete", frame)
	}
}
