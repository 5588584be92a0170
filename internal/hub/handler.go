package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/ratelimit"
	"github.com/haasonsaas/relay/internal/rooms"
	"github.com/haasonsaas/relay/pkg/protocol"
)

// reasoner is implemented by errors that carry a wire reason for error frames.
type reasoner interface {
	FrameReason() string
}

// ServeHTTP upgrades the request, authenticates it and serves the connection
// until it closes. The credential comes from the Authorization header, the
// token query parameter, or an auth frame sent first.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.stopping.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	credential := auth.CredentialFromRequest(r)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	ws.SetReadLimit(h.config.MaxFrameBytes)

	if credential == "" {
		credential, err = h.awaitAuthFrame(ws)
		if err != nil {
			h.logger.Debug("no credential presented", "error", err, "remote_addr", r.RemoteAddr)
			h.metrics.AuthFailed(protocol.ReasonMissingCredential)
			h.rejectHandshake(ws, protocol.CloseMissingCredential, protocol.ReasonMissingCredential)
			return
		}
	}

	connID := uuid.NewString()
	ctx := observability.AddConnectionID(r.Context(), connID)
	epoch := h.revocationEpoch()
	authCtx, cancel := context.WithTimeout(ctx, h.config.HandshakeTimeout)
	ctx, span := h.tracer.Start(authCtx, "hub.authenticate")
	identity, err := h.gate.Authenticate(ctx, credential)
	span.End()
	cancel()
	if err != nil {
		var authErr *auth.Error
		if errors.As(err, &authErr) {
			h.metrics.AuthFailed(authErr.Reason)
			h.rejectHandshake(ws, authErr.Code, authErr.Reason)
			return
		}
		h.logger.Error("credential verification unavailable", "error", err)
		h.metrics.AuthFailed(protocol.ReasonUnavailable)
		h.rejectHandshake(ws, protocol.CloseInternalError, protocol.ReasonUnavailable)
		return
	}

	ctx = observability.AddUserID(observability.AddConnectionID(r.Context(), connID), identity.UserID)
	conn := h.acceptSince(connID, identity, ws, epoch)
	if conn == nil {
		return
	}
	h.readLoop(ctx, conn, ws)
	h.drop(conn, protocol.CloseNormal, protocol.ReasonDisconnected)
}

// accept registers an authenticated transport, auto-joins its rooms and
// starts its writer. It returns nil when the hub is stopping.
func (h *Hub) accept(connID string, identity auth.Identity, transport Transport) *Connection {
	return h.acceptSince(connID, identity, transport, h.revocationEpoch())
}

// acceptSince is accept for a handshake that read epoch before it
// authenticated. It also returns nil, closing with account_inactive, when
// the user was deauthorized after epoch.
func (h *Hub) acceptSince(connID string, identity auth.Identity, transport Transport, epoch uint64) *Connection {
	var inbound *ratelimit.Bucket
	if h.config.InboundRate.Enabled {
		inbound = ratelimit.NewBucket(h.config.InboundRate, h.clock)
	}
	conn := newConnection(connID, identity, transport, h.clock.Now(), h.config, inbound, h.logger)

	_ = conn.enqueue(protocol.AuthSuccess(identity.UserID, string(identity.Role)))
	if err := h.registry.Register(conn); err != nil {
		_ = transport.Close()
		return nil
	}
	for _, room := range h.rooms.AutoJoin(conn) {
		_ = conn.enqueue(protocol.RoomJoined(room))
	}
	h.metrics.ConnectionOpened(string(identity.Role))
	users, _, _ := h.registry.Counts()
	h.metrics.SetConnectedUsers(users)

	go func() {
		if err := conn.writeLoop(); err != nil {
			conn.logger.Debug("write failed", "error", err)
			h.drop(conn, protocol.CloseGoingAway, protocol.ReasonDisconnected)
		}
	}()
	if h.stopping.Load() {
		h.drop(conn, protocol.CloseGoingAway, protocol.ReasonShutdown)
		return nil
	}
	if h.revokedSince(identity.UserID, epoch) {
		conn.logger.Info("handshake overtaken by deauthorization")
		h.drop(conn, protocol.CloseAccountInactive, protocol.ReasonAccountInactive)
		return nil
	}
	conn.logger.Info("connection accepted", "role", identity.Role, "rooms", strings.Join(conn.membership.Rooms(), ","))
	return conn
}

func (h *Hub) awaitAuthFrame(ws *websocket.Conn) (string, error) {
	_ = ws.SetReadDeadline(time.Now().Add(h.config.HandshakeTimeout))
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	_, data, err := ws.ReadMessage()
	if err != nil {
		return "", err
	}
	frame, err := protocol.DecodeInbound(data)
	if err != nil {
		return "", err
	}
	if frame.Type != protocol.TypeAuth || strings.TrimSpace(frame.Token) == "" {
		return "", fmt.Errorf("first frame is %q, not auth", frame.Type)
	}
	return frame.Token, nil
}

func (h *Hub) rejectHandshake(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.config.WriteTimeout))
	_ = ws.Close()
}

func (h *Hub) readLoop(ctx context.Context, conn *Connection, ws *websocket.Conn) {
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		conn.touch(h.clock.Now())
		if messageType != websocket.TextMessage {
			continue
		}
		if !conn.allowInbound() {
			_ = conn.enqueue(protocol.Error(protocol.ReasonRateLimited))
			continue
		}
		frame, err := protocol.DecodeInbound(data)
		if err != nil {
			conn.logger.Debug("invalid frame", "error", err)
			_ = conn.enqueue(protocol.Error(protocol.ReasonInvalidFrame))
			continue
		}
		h.handleFrame(ctx, conn, frame)
	}
}

// handleFrame dispatches one decoded inbound frame.
func (h *Hub) handleFrame(ctx context.Context, conn *Connection, frame protocol.Frame) {
	switch frame.Type {
	case protocol.TypeJoinRoom:
		err := h.rooms.Join(conn, frame.Room)
		var denied *rooms.DeniedError
		switch {
		case err == nil:
			_ = conn.enqueue(protocol.RoomJoined(frame.Room))
		case errors.As(err, &denied):
			_ = conn.enqueue(protocol.RoomError(frame.Room, denied.Reason))
		}
	case protocol.TypeLeaveRoom:
		h.rooms.Leave(conn, frame.Room)
		_ = conn.enqueue(protocol.RoomLeft(frame.Room))
	case protocol.TypeHeartbeatAck:
		// Activity was recorded on read.
	case protocol.TypeRequestSync:
		if err := h.router.Replay(ctx, conn, frame.Cursor); err != nil {
			conn.logger.Warn("replay failed", "cursor", frame.Cursor, "error", err)
		}
	case protocol.TypeAckAlert, protocol.TypeResolveAlert:
		h.handleAlertAction(ctx, conn, frame)
	default:
		_ = conn.enqueue(protocol.Error(protocol.ReasonInvalidFrame))
	}
}

func (h *Hub) handleAlertAction(ctx context.Context, conn *Connection, frame protocol.Frame) {
	actions := h.alertActions()
	if actions == nil {
		_ = conn.enqueue(protocol.Error(protocol.ReasonUnknownAlert))
		return
	}
	var err error
	if frame.Type == protocol.TypeAckAlert {
		err = actions.Acknowledge(ctx, frame.ID, conn.identity)
	} else {
		err = actions.Resolve(ctx, frame.ID, conn.identity)
	}
	if err == nil {
		return
	}
	reason := protocol.ReasonInvalidFrame
	var r reasoner
	if errors.As(err, &r) {
		reason = r.FrameReason()
	}
	conn.logger.Debug("alert action rejected", "type", frame.Type, "alert_id", frame.ID, "error", err)
	_ = conn.enqueue(protocol.Error(reason))
}
