package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/relay/internal/alerts"
	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/hub"
	"github.com/haasonsaas/relay/internal/notify"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/protocol"
)

const maxBodyBytes = 1 << 20

type identityHandler func(w http.ResponseWriter, r *http.Request, identity auth.Identity)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	if s.registry != nil {
		mux.Handle("GET "+s.config.Observability.Metrics.Path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle(s.config.Server.WebsocketPath, s.hub)

	mux.HandleFunc("POST /api/events", s.authenticated(s.adminOnly(s.handlePublish)))
	mux.HandleFunc("GET /api/stats", s.authenticated(s.adminOnly(s.handleStats)))
	mux.HandleFunc("POST /api/users/{id}/logout", s.authenticated(s.adminOnly(s.handleLogout)))
	mux.HandleFunc("POST /api/users/{id}/deauthorize", s.authenticated(s.adminOnly(s.handleDeauthorize)))
	mux.HandleFunc("GET /api/alerts", s.authenticated(s.handleListAlerts))
	mux.HandleFunc("GET /api/alerts/{id}/history", s.authenticated(s.adminOnly(s.handleAlertHistory)))
	mux.HandleFunc("POST /api/alerts/{id}/ack", s.authenticated(s.handleAcknowledge))
	mux.HandleFunc("POST /api/alerts/{id}/resolve", s.authenticated(s.handleResolve))

	return s.withRequestID(mux)
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(observability.AddRequestID(r.Context(), requestID)))
	})
}

// authenticated verifies the caller's bearer credential through the same
// gate as websocket handshakes, then applies the per-caller rate limit.
func (s *Server) authenticated(next identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.gate.Authenticate(r.Context(), auth.CredentialFromRequest(r))
		if err != nil {
			var authErr *auth.Error
			if !errors.As(err, &authErr) {
				s.logger.ErrorContext(r.Context(), "credential verification unavailable", "error", err)
				writeError(w, http.StatusServiceUnavailable, protocol.ReasonUnavailable, "credential verification unavailable")
				return
			}
			s.metrics.AuthFailed(authErr.Reason)
			status := http.StatusUnauthorized
			if authErr.Code == protocol.CloseAccountInactive {
				status = http.StatusForbidden
			}
			writeError(w, status, authErr.Reason, authErr.Error())
			return
		}

		if s.apiLimiter != nil && !s.apiLimiter.Allow(identity.UserID) {
			wait := s.apiLimiter.WaitTime(identity.UserID)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, protocol.ReasonRateLimited, "rate limit exceeded")
			return
		}

		ctx := observability.AddUserID(r.Context(), identity.UserID)
		next(w, r.WithContext(ctx), identity)
	}
}

func (s *Server) adminOnly(next identityHandler) identityHandler {
	return func(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
		if !identity.IsAdmin() {
			writeError(w, http.StatusForbidden, protocol.ReasonNotPermitted, "admin role required")
			return
		}
		next(w, r, identity)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": s.clock.Since(s.startTime).Round(time.Second).String(),
	})
}

// publishRequest is the body of POST /api/events. Seq is assigned by the
// router and ignored here.
type publishRequest struct {
	Kind       events.Kind     `json:"kind"`
	EntityID   string          `json:"entityId"`
	OwnerID    string          `json:"ownerId"`
	Target     events.Target   `json:"target"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurredAt"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var req publishRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ReasonInvalidFrame, err.Error())
		return
	}
	receipt, err := s.hub.Publish(r.Context(), events.Event{
		Kind:       req.Kind,
		EntityID:   req.EntityID,
		OwnerID:    req.OwnerID,
		Target:     req.Target,
		Payload:    req.Payload,
		OccurredAt: req.OccurredAt,
	})
	switch {
	case err == nil:
	case errors.Is(err, events.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, protocol.ReasonInvalidFrame, err.Error())
		return
	case errors.Is(err, hub.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, protocol.ReasonShutdown, err.Error())
		return
	default:
		s.logger.ErrorContext(r.Context(), "publish failed", "kind", req.Kind, "error", err)
		writeError(w, http.StatusInternalServerError, "publish_failed", err.Error())
		return
	}
	s.logger.DebugContext(r.Context(), "event published", "kind", req.Kind, "seq", receipt.Seq, "publisher", identity.UserID)
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request, _ auth.Identity) {
	writeJSON(w, http.StatusOK, s.hub.Stats())
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	userID := r.PathValue("id")
	closed := s.hub.Logout(r.Context(), userID)
	s.logger.InfoContext(r.Context(), "user logged out", "target_user", userID, "by", identity.UserID, "closed", closed)
	writeJSON(w, http.StatusOK, map[string]int{"closed": closed})
}

func (s *Server) handleDeauthorize(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	userID := r.PathValue("id")
	closed := s.hub.Deauthorize(r.Context(), userID)
	s.logger.InfoContext(r.Context(), "user deauthorized", "target_user", userID, "by", identity.UserID, "closed", closed)
	writeJSON(w, http.StatusOK, map[string]int{"closed": closed})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	query := r.URL.Query()
	filter := alerts.Filter{
		Status:   alerts.Status(query.Get("status")),
		Category: query.Get("category"),
		Viewer:   &identity,
	}
	if open, err := strconv.ParseBool(query.Get("open")); err == nil {
		filter.OpenOnly = open
	}
	list := s.alerts.List(filter)
	if list == nil {
		list = []alerts.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "total": len(list)})
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	history, err := s.store.AlertHistory(r.Context(), r.PathValue("id"))
	if errors.Is(err, notify.ErrNotFound) {
		writeError(w, http.StatusNotFound, protocol.ReasonUnknownAlert, err.Error())
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "alert history failed", "error", err)
		writeError(w, http.StatusInternalServerError, "history_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	s.alertAction(w, r, identity, s.alerts.Acknowledge)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	s.alertAction(w, r, identity, s.alerts.Resolve)
}

type alertAction func(ctx context.Context, alertID string, by auth.Identity) error

func (s *Server) alertAction(w http.ResponseWriter, r *http.Request, identity auth.Identity, action alertAction) {
	alertID := r.PathValue("id")
	if err := action(r.Context(), alertID, identity); err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, alerts.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, alerts.ErrForbidden):
			status = http.StatusForbidden
		case errors.Is(err, alerts.ErrInvalidTransition):
			status = http.StatusConflict
		}
		reason := protocol.ReasonInvalidFrame
		var actionErr *alerts.ActionError
		if errors.As(err, &actionErr) {
			reason = actionErr.FrameReason()
		}
		writeError(w, status, reason, err.Error())
		return
	}
	alert, err := s.alerts.Get(alertID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"id": alertID})
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, errorResponse{Error: message, Reason: reason})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The client may have gone away; there is nobody left to tell.
	_ = json.NewEncoder(w).Encode(payload)
}
