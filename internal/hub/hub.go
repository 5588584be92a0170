// Package hub accepts authenticated websocket connections, tracks them per
// user and per room, and fans domain events and alerts out to them.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/notify"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/ratelimit"
	"github.com/haasonsaas/relay/internal/rooms"
	"github.com/haasonsaas/relay/pkg/protocol"
)

// ErrStopped is returned once the hub is shutting down.
var ErrStopped = errors.New("hub stopped")

// Config tunes the hub.
type Config struct {
	SendBuffer        int              `yaml:"send_buffer"`
	HeartbeatInterval time.Duration    `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration    `yaml:"heartbeat_timeout"`
	HandshakeTimeout  time.Duration    `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration    `yaml:"write_timeout"`
	MaxFrameBytes     int64            `yaml:"max_frame_bytes"`
	ReplayLimit       int              `yaml:"replay_limit"`
	RegistryShards    int              `yaml:"registry_shards"`
	InboundRate       ratelimit.Config `yaml:"inbound_rate"`
	AllowedOrigins    []string         `yaml:"allowed_origins"`
}

// DefaultConfig returns the hub defaults: a 25s probe interval with a 60s
// silence window.
func DefaultConfig() Config {
	return Config{
		SendBuffer:        256,
		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxFrameBytes:     64 << 10,
		ReplayLimit:       1000,
		RegistryShards:    32,
		InboundRate:       ratelimit.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.ReplayLimit <= 0 {
		c.ReplayLimit = d.ReplayLimit
	}
	if c.RegistryShards <= 0 {
		c.RegistryShards = d.RegistryShards
	}
	return c
}

// Authenticator admits or rejects a handshake credential. *auth.Gate
// satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (auth.Identity, error)
}

// AlertActions handles ack_alert and resolve_alert frames.
type AlertActions interface {
	Acknowledge(ctx context.Context, alertID string, by auth.Identity) error
	Resolve(ctx context.Context, alertID string, by auth.Identity) error
}

// SessionObserver is told after a user's session was ended by logout or
// deauthorization and every connection is closed.
type SessionObserver interface {
	SessionEnded(ctx context.Context, userID string)
}

// Options carries the collaborators of a Hub. Gate is required.
type Options struct {
	Gate    Authenticator
	Rooms   *rooms.Manager
	Store   notify.Store
	Routes  events.Routes
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Stats is the operational snapshot exposed to dashboards.
type Stats struct {
	ConnectedUsers int            `json:"connectedUsers"`
	Connections    int            `json:"connections"`
	PerRoleCounts  map[string]int `json:"perRoleCounts"`
	RoomCount      int            `json:"roomCount"`
	LastSeq        uint64         `json:"lastSeq"`
}

// Hub owns the registry, room manager, router and heartbeat monitor.
type Hub struct {
	config   Config
	gate     Authenticator
	rooms    *rooms.Manager
	registry *Registry
	router   *Router
	monitor  *Monitor
	store    notify.Store
	routes   events.Routes
	upgrader websocket.Upgrader

	clock   clock.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	actionsMu sync.RWMutex
	actions   AlertActions

	sessionsMu sync.RWMutex
	sessions   map[int]SessionObserver
	nextSess   int

	// revoked remembers recent deauthorizations so that a handshake which
	// authenticated before one and registered after it is still closed.
	revokeMu  sync.Mutex
	revoked   map[string]revocation
	revokeSeq atomic.Uint64

	started  atomic.Bool
	stopping atomic.Bool
}

type revocation struct {
	seq uint64
	at  time.Time
}

// New builds a hub. Missing optional collaborators get in-memory defaults.
func New(cfg Config, opts Options) (*Hub, error) {
	if opts.Gate == nil {
		return nil, fmt.Errorf("hub: authentication gate is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Rooms == nil {
		opts.Rooms = rooms.NewManager(rooms.DefaultPolicy(), opts.Logger)
	}
	if opts.Store == nil {
		opts.Store = notify.NewMemoryStore(0, opts.Clock)
	}
	if opts.Routes == nil {
		opts.Routes = events.DefaultRoutes()
	}
	cfg = cfg.withDefaults()

	h := &Hub{
		config:   cfg,
		gate:     opts.Gate,
		rooms:    opts.Rooms,
		registry: NewRegistry(cfg.RegistryShards),
		store:    opts.Store,
		routes:   opts.Routes,
		clock:    opts.Clock,
		logger:   opts.Logger.With("component", "hub"),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		sessions: make(map[int]SessionObserver),
		revoked:  make(map[string]revocation),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	if opts.Metrics != nil {
		h.rooms.SetObserver(opts.Metrics)
	}
	h.router = newRouter(h)
	h.monitor = newMonitor(h)
	return h, nil
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Start seeds the sequence counter from the store and starts the heartbeat
// monitor.
func (h *Hub) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := h.router.seed(ctx); err != nil {
		h.started.Store(false)
		return err
	}
	h.monitor.Start(ctx)
	h.logger.Info("hub started", "last_seq", h.router.LastSeq())
	return nil
}

// Stop refuses new handshakes, stops the monitor and closes every connection
// with 1001.
func (h *Hub) Stop(context.Context) {
	if !h.stopping.CompareAndSwap(false, true) {
		return
	}
	h.monitor.Stop()
	conns := h.registry.All()
	for _, conn := range conns {
		h.drop(conn, protocol.CloseGoingAway, protocol.ReasonShutdown)
	}
	h.logger.Info("hub stopped", "closed", len(conns))
}

// Rooms returns the room manager.
func (h *Hub) Rooms() *rooms.Manager { return h.rooms }

// Registry returns the connection registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Monitor returns the heartbeat monitor.
func (h *Hub) Monitor() *Monitor { return h.monitor }

// Publish routes event to its audience. Events that revoke a user's access
// deauthorize that user after the event has been delivered.
func (h *Hub) Publish(ctx context.Context, event events.Event) (Receipt, error) {
	if h.stopping.Load() {
		return Receipt{}, ErrStopped
	}
	receipt, err := h.router.Publish(ctx, event)
	if err != nil {
		return Receipt{}, err
	}
	if event.Kind.Deauthorizes() {
		if userID := subjectOf(event); userID != "" {
			h.Deauthorize(ctx, userID)
		}
	}
	return receipt, nil
}

func subjectOf(event events.Event) string {
	if id := strings.TrimSpace(event.OwnerID); id != "" {
		return id
	}
	return strings.TrimSpace(event.EntityID)
}

// Deliver sends an unsequenced frame to every member of roomNames.
func (h *Hub) Deliver(ctx context.Context, roomNames []string, frame protocol.Frame) (Receipt, error) {
	return h.router.Deliver(ctx, roomNames, frame)
}

// NotifyAlert delivers an alert frame. It fails only when every recipient
// write failed; an empty audience is not an error.
func (h *Hub) NotifyAlert(ctx context.Context, roomNames []string, frame protocol.Frame) error {
	receipt, err := h.router.Deliver(ctx, roomNames, frame)
	if err != nil {
		return err
	}
	if receipt.Delivered == 0 && receipt.Failed > 0 {
		return fmt.Errorf("alert %s: all %d deliveries failed", frame.ID, receipt.Failed)
	}
	return nil
}

// Subscribe registers an event observer.
func (h *Hub) Subscribe(observer EventObserver) func() {
	return h.router.Subscribe(observer)
}

// SubscribePresence registers a presence observer.
func (h *Hub) SubscribePresence(observer PresenceObserver) func() {
	return h.registry.SubscribePresence(observer)
}

// OnSessionEnd registers a session observer.
func (h *Hub) OnSessionEnd(observer SessionObserver) func() {
	h.sessionsMu.Lock()
	id := h.nextSess
	h.nextSess++
	h.sessions[id] = observer
	h.sessionsMu.Unlock()
	return func() {
		h.sessionsMu.Lock()
		delete(h.sessions, id)
		h.sessionsMu.Unlock()
	}
}

// SetAlertActions installs the handler for alert frames.
func (h *Hub) SetAlertActions(actions AlertActions) {
	h.actionsMu.Lock()
	h.actions = actions
	h.actionsMu.Unlock()
}

func (h *Hub) alertActions() AlertActions {
	h.actionsMu.RLock()
	defer h.actionsMu.RUnlock()
	return h.actions
}

// Logout closes every connection of userID with a clean close.
func (h *Hub) Logout(ctx context.Context, userID string) int {
	return h.endSession(ctx, userID, protocol.CloseNormal, protocol.ReasonLogout)
}

// Deauthorize closes every connection of userID with account_inactive so the
// client forces a logout instead of reconnecting.
func (h *Hub) Deauthorize(ctx context.Context, userID string) int {
	h.markRevoked(userID)
	return h.endSession(ctx, userID, protocol.CloseAccountInactive, protocol.ReasonAccountInactive)
}

func (h *Hub) endSession(ctx context.Context, userID string, code int, reason string) int {
	conns := h.registry.ConnectionsFor(userID)
	for _, conn := range conns {
		h.drop(conn, code, reason)
	}

	h.sessionsMu.RLock()
	ids := make([]int, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	observers := make([]SessionObserver, 0, len(ids))
	for _, id := range ids {
		observers = append(observers, h.sessions[id])
	}
	h.sessionsMu.RUnlock()
	for _, observer := range observers {
		observer.SessionEnded(ctx, userID)
	}

	h.logger.Info("session ended", "user_id", userID, "reason", reason, "connections", len(conns))
	return len(conns)
}

// markRevoked records a deauthorization of userID. It must happen before the
// registry snapshot in endSession.
func (h *Hub) markRevoked(userID string) {
	now := h.clock.Now()
	ttl := 2 * h.config.HandshakeTimeout
	h.revokeMu.Lock()
	defer h.revokeMu.Unlock()
	for id, r := range h.revoked {
		if now.Sub(r.at) > ttl {
			delete(h.revoked, id)
		}
	}
	h.revoked[userID] = revocation{seq: h.revokeSeq.Add(1), at: now}
}

// revocationEpoch returns the latest deauthorization number. Handshakes read
// it before authenticating.
func (h *Hub) revocationEpoch() uint64 {
	return h.revokeSeq.Load()
}

// revokedSince reports whether userID was deauthorized after epoch.
func (h *Hub) revokedSince(userID string, epoch uint64) bool {
	h.revokeMu.Lock()
	defer h.revokeMu.Unlock()
	r, ok := h.revoked[userID]
	return ok && r.seq > epoch
}

// drop closes conn, removes it from every room and unregisters it. Only the
// first call for a connection has any effect.
func (h *Hub) drop(conn *Connection, code int, reason string) {
	if !conn.close(code, reason) {
		return
	}
	left := h.rooms.PurgeConnection(conn)
	h.registry.Unregister(conn.id)

	h.metrics.ConnectionClosed(string(conn.identity.Role), reason)
	users, _, _ := h.registry.Counts()
	h.metrics.SetConnectedUsers(users)
	conn.logger.Info("connection closed", "code", code, "reason", reason, "rooms_left", len(left))
}

// Stats returns the current connection snapshot.
func (h *Hub) Stats() Stats {
	users, conns, perRole := h.registry.Counts()
	return Stats{
		ConnectedUsers: users,
		Connections:    conns,
		PerRoleCounts:  perRole,
		RoomCount:      h.rooms.RoomCount(),
		LastSeq:        h.router.LastSeq(),
	}
}
