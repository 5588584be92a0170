// Package client keeps a reconnecting real-time session against the relay
// hub: it authenticates, catches up from the last seen sequence, re-joins
// its rooms and backs off on abnormal closes.
package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/internal/backoff"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/protocol"
)

// Config tunes a session.
type Config struct {
	URL         string         `yaml:"url"`
	Rooms       []string       `yaml:"rooms"`
	Backoff     backoff.Policy `yaml:"backoff"`
	MaxAttempts int            `yaml:"max_attempts"`
	DialTimeout time.Duration  `yaml:"dial_timeout"`
	// ReadTimeout is the longest silence tolerated from the hub, which
	// pings at its heartbeat interval. It should be about twice that.
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{
		Backoff:     backoff.DefaultPolicy(),
		MaxAttempts: 10,
		DialTimeout: 10 * time.Second,
		ReadTimeout: 60 * time.Second,
	}
}

// Handler receives session callbacks. Every field is optional. Callbacks
// run without the session lock held; OnEvent is called in sequence order.
type Handler struct {
	OnEvent       func(frame protocol.Frame)
	OnAlert       func(frame protocol.Frame)
	OnStateChange func(from, to State)
	// OnForceLogout is called once when the hub rejects the credential.
	OnForceLogout func(code int, reason string)
	OnRoomError   func(room, reason string)
}

// Options carries the collaborators of a Client.
type Options struct {
	Dialer     Dialer
	Credential CredentialFunc
	Handler    Handler
	Clock      clock.Clock
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

// Client is one reconnect session. It never holds two live transports.
type Client struct {
	mu      sync.Mutex
	cfg     Config
	dialer  Dialer
	creds   CredentialFunc
	handler Handler

	state    State
	attempts int
	lastSeq  uint64
	desired  map[string]struct{}
	identity *protocol.Identity
	// generation identifies the current transport; callbacks from older
	// transports and timers are ignored.
	generation uint64
	conn       Conn
	timer      *clock.Timer
	syncing    bool
	pending    []protocol.Frame

	writeMu sync.Mutex

	clock   clock.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates an idle Client.
func New(cfg Config, opts Options) *Client {
	d := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = d.DialTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = d.ReadTimeout
	}
	cfg.Backoff = cfg.Backoff.Normalize()
	dialer := opts.Dialer
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:     cfg,
		dialer:  dialer,
		creds:   opts.Credential,
		handler: opts.Handler,
		state:   StateIdle,
		desired: make(map[string]struct{}),
		clock:   clk,
		logger:  logger.With("component", "client"),
		metrics: opts.Metrics,
	}
	for _, room := range cfg.Rooms {
		if room = strings.TrimSpace(room); room != "" {
			c.desired[room] = struct{}{}
		}
	}
	return c
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastSeq returns the highest event sequence delivered to OnEvent.
func (c *Client) LastSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// Attempts returns the consecutive failed connection attempts.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Identity returns the identity of the last auth_success, if any.
func (c *Client) Identity() (protocol.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return protocol.Identity{}, false
	}
	return *c.identity, true
}

// Start connects from Idle. It is a no-op while Connecting, Open or in
// Backoff, and returns ErrSessionFailed while Failed.
func (c *Client) Start() error {
	c.mu.Lock()
	var notes []func()
	switch {
	case c.state == StateFailed:
		c.mu.Unlock()
		return ErrSessionFailed
	case c.state.Active():
		c.mu.Unlock()
		return nil
	}
	notes = c.connectLocked(notes)
	c.mu.Unlock()
	run(notes)
	return nil
}

// Stop closes the session cleanly and cancels any pending reconnect.
func (c *Client) Stop() {
	c.mu.Lock()
	c.generation++
	c.stopTimerLocked()
	conn := c.conn
	c.conn = nil
	c.syncing = false
	c.pending = nil
	notes := c.setStateLocked(nil, StateIdle)
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(protocol.CloseNormal, protocol.ReasonLogout)
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	run(notes)
}

// Reset leaves Failed for Idle with a fresh credential source, e.g. after
// the user logged in again. A nil source keeps the previous one.
func (c *Client) Reset(creds CredentialFunc) {
	c.mu.Lock()
	if creds != nil {
		c.creds = creds
	}
	if c.state != StateFailed {
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	notes := c.setStateLocked(nil, StateIdle)
	c.mu.Unlock()
	run(notes)
}

// Join adds room to the desired set and joins it now when Open.
func (c *Client) Join(room string) {
	c.changeRoom(room, true)
}

// Leave removes room from the desired set and leaves it now when Open.
func (c *Client) Leave(room string) {
	c.changeRoom(room, false)
}

func (c *Client) changeRoom(room string, join bool) {
	room = strings.TrimSpace(room)
	if room == "" {
		return
	}
	c.mu.Lock()
	if join {
		c.desired[room] = struct{}{}
	} else {
		delete(c.desired, room)
	}
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return
	}
	frame := protocol.LeaveRoom(room)
	if join {
		frame = protocol.JoinRoom(room)
	}
	c.send(conn, frame)
}

// Rooms returns the desired room set, sorted.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desiredLocked()
}

func (c *Client) desiredLocked() []string {
	out := make([]string, 0, len(c.desired))
	for room := range c.desired {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// Acknowledge sends ack_alert for id when Open.
func (c *Client) Acknowledge(id string) bool {
	return c.sendIfOpen(protocol.Frame{Type: protocol.TypeAckAlert, ID: id})
}

// ResolveAlert sends resolve_alert for id when Open.
func (c *Client) ResolveAlert(id string) bool {
	return c.sendIfOpen(protocol.Frame{Type: protocol.TypeResolveAlert, ID: id})
}

func (c *Client) sendIfOpen(frame protocol.Frame) bool {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return false
	}
	return c.send(conn, frame)
}

func (c *Client) connectLocked(notes []func()) []func() {
	c.stopTimerLocked()
	c.generation++
	gen := c.generation
	notes = c.setStateLocked(notes, StateConnecting)
	creds := c.creds
	go c.run(gen, creds)
	return notes
}

func (c *Client) run(gen uint64, creds CredentialFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	credential, err := mustCredential(ctx, creds)
	if err != nil {
		cancel()
		c.closed(gen, &TransportError{Code: protocol.CloseMissingCredential, Reason: protocol.ReasonMissingCredential, Err: err})
		return
	}
	conn, err := c.dialer.Dial(ctx, c.cfg.URL, credential)
	cancel()
	if err != nil {
		c.closed(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.generation || c.state != StateConnecting {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	for {
		c.extendReadDeadline(conn)
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			c.closed(gen, err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.handleFrame(gen, conn, frame)
	}
}

// readDeadliner is implemented by transports with read deadlines, such as
// *websocket.Conn.
type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// extendReadDeadline gives the hub ReadTimeout to send the next frame. A
// half-open transport then fails the read instead of hanging. The deadline
// is wall time since the network stack enforces it.
func (c *Client) extendReadDeadline(conn Conn) {
	if d, ok := conn.(readDeadliner); ok {
		_ = d.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
}

func (c *Client) handleFrame(gen uint64, conn Conn, frame protocol.Frame) {
	switch frame.Type {
	case protocol.TypeAuthSuccess:
		c.opened(gen, conn, frame)
	case protocol.TypeEvent:
		c.mu.Lock()
		if gen != c.generation {
			c.mu.Unlock()
			return
		}
		if c.syncing {
			c.pending = append(c.pending, frame)
			c.mu.Unlock()
			return
		}
		deliver := c.acceptLocked([]protocol.Frame{frame})
		c.mu.Unlock()
		c.deliver(deliver)
	case protocol.TypeSyncComplete:
		c.mu.Lock()
		if gen != c.generation {
			c.mu.Unlock()
			return
		}
		pending := c.pending
		c.pending = nil
		c.syncing = false
		sort.SliceStable(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })
		deliver := c.acceptLocked(pending)
		c.mu.Unlock()
		c.logger.Debug("sync complete", "cursor", frame.Cursor, "delivered", len(deliver))
		c.deliver(deliver)
	case protocol.TypeHeartbeat:
		c.send(conn, protocol.HeartbeatAck())
	case protocol.TypeAlert:
		if c.handler.OnAlert != nil {
			c.handler.OnAlert(frame)
		}
	case protocol.TypeRoomError:
		c.mu.Lock()
		delete(c.desired, frame.Room)
		c.mu.Unlock()
		c.logger.Warn("room join denied", "room", frame.Room, "reason", frame.Reason)
		if c.handler.OnRoomError != nil {
			c.handler.OnRoomError(frame.Room, frame.Reason)
		}
	case protocol.TypeError:
		c.logger.Warn("hub rejected frame", "reason", frame.Reason)
	case protocol.TypeRoomJoined, protocol.TypeRoomLeft:
		c.logger.Debug("room membership changed", "type", frame.Type, "room", frame.Room)
	}
}

// acceptLocked drops frames at or below the last delivered sequence and
// advances it. Frames without a sequence always pass.
func (c *Client) acceptLocked(frames []protocol.Frame) []protocol.Frame {
	out := frames[:0:0]
	for _, frame := range frames {
		if frame.Seq != 0 {
			if frame.Seq <= c.lastSeq {
				continue
			}
			c.lastSeq = frame.Seq
		}
		out = append(out, frame)
	}
	return out
}

func (c *Client) deliver(frames []protocol.Frame) {
	if c.handler.OnEvent == nil {
		return
	}
	for _, frame := range frames {
		c.handler.OnEvent(frame)
	}
}

func (c *Client) opened(gen uint64, conn Conn, frame protocol.Frame) {
	c.mu.Lock()
	if gen != c.generation || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	c.identity = frame.Identity
	c.syncing = true
	c.pending = nil
	cursor := c.lastSeq
	roomNames := c.desiredLocked()
	notes := c.setStateLocked(nil, StateOpen)
	c.mu.Unlock()

	c.metrics.ClientOutcome("connected")
	c.logger.Info("session open", "cursor", cursor, "rooms", len(roomNames))
	run(notes)

	// The hub handles frames in order, so the joins land before the replay
	// and it covers every desired room.
	for _, room := range roomNames {
		c.send(conn, protocol.JoinRoom(room))
	}
	c.send(conn, protocol.RequestSync(cursor))
}

// closed applies the close rules: clean closes go Idle, auth-class closes
// fail the session and force a logout, anything else backs off until
// MaxAttempts is exceeded.
func (c *Client) closed(gen uint64, err error) {
	code, reason := closeOf(err)

	c.mu.Lock()
	if gen != c.generation || !c.state.Active() {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.syncing = false
	c.pending = nil

	var notes []func()
	switch {
	case protocol.IsCleanClose(code):
		c.attempts = 0
		notes = c.setStateLocked(notes, StateIdle)
		c.metrics.ClientOutcome("closed")
		c.logger.Info("session closed", "reason", reason)
	case protocol.IsAuthClose(code):
		notes = c.setStateLocked(notes, StateFailed)
		if fn := c.handler.OnForceLogout; fn != nil {
			notes = append(notes, func() { fn(code, reason) })
		}
		c.metrics.ClientOutcome("auth_failed")
		c.logger.Warn("credential rejected, session failed", "code", code, "reason", reason)
	default:
		c.attempts++
		if c.attempts > c.cfg.MaxAttempts {
			notes = c.setStateLocked(notes, StateFailed)
			c.metrics.ClientOutcome("exhausted")
			c.logger.Error("reconnect attempts exhausted",
				"attempts", c.attempts-1,
				"error", &TransportError{Code: code, Reason: reason, Err: err},
			)
			break
		}
		delay := backoff.Delay(c.cfg.Backoff, c.attempts-1)
		notes = c.setStateLocked(notes, StateBackoff)
		next := c.generation
		c.timer = c.clock.AfterFunc(delay, func() { c.retry(next) })
		c.metrics.ClientOutcome("retry")
		c.logger.Warn("transport lost, retrying",
			"code", code,
			"attempt", c.attempts,
			"delay", delay,
			"error", err,
		)
	}
	c.mu.Unlock()
	run(notes)
}

func (c *Client) retry(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.state != StateBackoff {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	notes := c.connectLocked(nil)
	c.mu.Unlock()
	run(notes)
}

func (c *Client) send(conn Conn, frame protocol.Frame) bool {
	data, err := protocol.Encode(frame)
	if err != nil {
		c.logger.Error("encode frame", "type", frame.Type, "error", err)
		return false
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("write failed", "type", frame.Type, "error", err)
		return false
	}
	return true
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) setStateLocked(notes []func(), to State) []func() {
	from := c.state
	if from == to {
		return notes
	}
	c.state = to
	if fn := c.handler.OnStateChange; fn != nil {
		notes = append(notes, func() { fn(from, to) })
	}
	return notes
}

func run(notes []func()) {
	for _, fn := range notes {
		fn()
	}
}
