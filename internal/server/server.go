// Package server assembles the relay process: the websocket hub, the alert
// manager, the HTTP API and the gRPC health endpoint.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/haasonsaas/relay/internal/alerts"
	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/hub"
	"github.com/haasonsaas/relay/internal/notify"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/ratelimit"
	"github.com/haasonsaas/relay/internal/rooms"
)

// healthService is the name reported by the gRPC health server besides the
// empty overall status.
const healthService = "relay.Hub"

// Options carries process-level collaborators.
type Options struct {
	// ConfigPath enables hot reload of the rooms section when set.
	ConfigPath string
	Version    string
	Logger     *slog.Logger
	Clock      clock.Clock
	// Registry receives the metrics. A fresh registry is used when nil.
	Registry *prometheus.Registry
}

// Server owns every long-lived component of a relay process.
type Server struct {
	config     *config.Config
	configPath string
	logger     *slog.Logger
	clock      clock.Clock
	startTime  time.Time

	registry       *prometheus.Registry
	metrics        *observability.Metrics
	tracer         *observability.Tracer
	shutdownTracer func(context.Context) error

	store       notify.Store
	directoryDB *sql.DB
	gate        *auth.Gate
	verifier    auth.Verifier
	rooms       *rooms.Manager
	hub         *hub.Hub
	alerts      *alerts.Manager
	apiLimiter  *ratelimit.Limiter
	unsubscribe []func()

	handler      http.Handler
	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener
	health       *health.Server
	watcher      *config.Watcher

	mu      sync.Mutex
	started bool
	stopped bool
}

// New builds every component from cfg without opening listeners.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	s := &Server{
		config:     cfg,
		configPath: opts.ConfigPath,
		logger:     logger.With("component", "server"),
		clock:      clk,
		startTime:  clk.Now(),
		registry:   opts.Registry,
	}

	if cfg.Observability.Metrics.Enabled {
		if s.registry == nil {
			s.registry = prometheus.NewRegistry()
			s.registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
		}
		s.metrics = observability.NewMetrics(s.registry)
	}

	traceCfg := cfg.Observability.Tracing
	traceCfg.ServiceVersion = opts.Version
	tracer, shutdownTracer, err := observability.NewTracer(ctx, traceCfg)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.tracer = tracer
	s.shutdownTracer = shutdownTracer

	if err := s.build(ctx); err != nil {
		s.release(ctx)
		return nil, err
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) build(ctx context.Context) error {
	cfg := s.config

	store, err := notify.Open(ctx, cfg.Store, s.clock, s.logger)
	if err != nil {
		return fmt.Errorf("open notification store: %w", err)
	}
	s.store = store

	verifier, err := s.buildVerifier()
	if err != nil {
		return err
	}
	s.verifier = verifier
	s.gate = auth.NewGate(verifier, s.logger)

	policy, err := cfg.Rooms.Policy()
	if err != nil {
		return fmt.Errorf("rooms policy: %w", err)
	}
	s.rooms = rooms.NewManager(policy, s.logger)

	h, err := hub.New(cfg.Hub, hub.Options{
		Gate:    s.gate,
		Rooms:   s.rooms,
		Store:   s.store,
		Routes:  events.DefaultRoutes(),
		Clock:   s.clock,
		Logger:  s.logger,
		Metrics: s.metrics,
		Tracer:  s.tracer,
	})
	if err != nil {
		return fmt.Errorf("create hub: %w", err)
	}
	s.hub = h

	catalog, err := cfg.Alerts.Catalog()
	if err != nil {
		return fmt.Errorf("alert catalog: %w", err)
	}
	var sinks []alerts.Sink
	if slack := alerts.NewSlackSink(cfg.Escalation.Slack); slack != nil {
		sinks = append(sinks, slack)
	}
	manager, err := alerts.New(cfg.Alerts.Config, alerts.Options{
		Catalog:        catalog,
		Notifier:       s.hub,
		Sinks:          sinks,
		Authorizer:     s.rooms,
		Store:          s.store,
		StoreRetention: cfg.Store.Retention,
		Clock:          s.clock,
		Logger:         s.logger,
		Metrics:        s.metrics,
		Tracer:         s.tracer,
	})
	if err != nil {
		return fmt.Errorf("create alert manager: %w", err)
	}
	s.alerts = manager

	s.hub.SetAlertActions(s.alerts)
	s.unsubscribe = append(s.unsubscribe,
		s.hub.Subscribe(hub.EventObserverFunc(s.ingestAlert)),
		s.hub.OnSessionEnd(s.alerts),
	)

	if cfg.Server.APIRate.Enabled {
		s.apiLimiter = ratelimit.NewLimiter(cfg.Server.APIRate, s.clock)
	}
	return nil
}

func (s *Server) ingestAlert(ctx context.Context, event events.Event, _ hub.Receipt) {
	if _, _, err := s.alerts.Ingest(ctx, event); err != nil && !errors.Is(err, alerts.ErrStopped) {
		s.logger.Warn("alert ingest failed", "kind", event.Kind, "seq", event.Seq, "error", err)
	}
}

// buildVerifier chains API keys in front of JWTs. Either may be absent but
// not both; config validation guarantees that.
func (s *Server) buildVerifier() (auth.Verifier, error) {
	cfg := s.config.Auth
	var chain []auth.Verifier

	keys := auth.NewAPIKeys(cfg.APIKeys)
	if keys.Enabled() {
		chain = append(chain, keys)
	}

	if strings.TrimSpace(cfg.JWTSecret) != "" {
		directory, err := s.buildDirectory()
		if err != nil {
			return nil, err
		}
		tokens := auth.NewJWTService(cfg.JWTSecret, cfg.TokenExpiry, cfg.Issuer)
		chain = append(chain, auth.NewJWTVerifier(tokens, directory))
	}
	if len(chain) == 0 {
		return nil, errors.New("no credential verifier configured")
	}
	return boundedVerifier(firstMatch(chain), cfg.Verify.Timeout), nil
}

func (s *Server) buildDirectory() (auth.Directory, error) {
	dir := s.config.Auth.Directory
	if dir.Driver == "" {
		return auth.NewMemoryDirectory(s.config.Auth.Users)
	}
	db, err := sql.Open(dir.Driver, dir.DSN)
	if err != nil {
		return nil, fmt.Errorf("open user directory: %w", err)
	}
	s.directoryDB = db
	return auth.NewSQLDirectory(db, dir.Driver), nil
}

// firstMatch tries each verifier in order and returns the first identity.
// A verifier that rejects the credential passes it on; an outage stops the
// chain.
func firstMatch(chain []auth.Verifier) auth.Verifier {
	if len(chain) == 1 {
		return chain[0]
	}
	return auth.VerifierFunc(func(ctx context.Context, credential string) (auth.Identity, error) {
		var lastErr error
		for _, v := range chain {
			identity, err := v.Verify(ctx, credential)
			if err == nil {
				return identity, nil
			}
			if !errors.Is(err, auth.ErrInvalidCredential) {
				return auth.Identity{}, err
			}
			lastErr = err
		}
		return auth.Identity{}, lastErr
	})
}

func boundedVerifier(v auth.Verifier, timeout time.Duration) auth.Verifier {
	if timeout <= 0 {
		return v
	}
	return auth.VerifierFunc(func(ctx context.Context, credential string) (auth.Identity, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return v.Verify(ctx, credential)
	})
}

// Handler returns the HTTP handler serving the websocket endpoint and the API.
func (s *Server) Handler() http.Handler { return s.handler }

// Hub returns the websocket hub.
func (s *Server) Hub() *hub.Hub { return s.hub }

// Alerts returns the alert manager.
func (s *Server) Alerts() *alerts.Manager { return s.alerts }

// Start starts the hub, the alert manager, the config watcher and the
// listeners. A zero HTTP port or a negative gRPC port skips that listener.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if s.stopped {
		return errors.New("server stopped")
	}

	if err := s.hub.Start(ctx); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}
	s.alerts.Start(ctx)

	if s.configPath != "" {
		watcher, err := config.Watch(ctx, s.configPath, 0, s.logger, s.reloadRooms)
		if err != nil {
			s.logger.Warn("config hot reload disabled", "path", s.configPath, "error", err)
		} else {
			s.watcher = watcher
		}
	}

	if err := s.startHTTPServer(); err != nil {
		return err
	}
	if err := s.startGRPCServer(); err != nil {
		return err
	}
	s.started = true
	s.logger.Info("relay started", "http_port", s.config.Server.HTTPPort, "grpc_port", s.config.Server.GRPCPort)
	return nil
}

func (s *Server) reloadRooms(cfg *config.Config) {
	policy, err := cfg.Rooms.Policy()
	if err != nil {
		s.logger.Error("rooms reload rejected", "error", err)
		return
	}
	s.rooms.SetPolicy(policy)
	s.logger.Info("rooms policy reloaded", "rules", len(cfg.Rooms.Rules))
}

func (s *Server) startHTTPServer() error {
	if s.config.Server.HTTPPort == 0 {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.HTTPPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: s.config.Server.ReadHeaderTimeout,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpServer = server
	s.httpListener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", addr)
	return nil
}

func (s *Server) startGRPCServer() error {
	if s.config.Server.GRPCPort < 0 {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.GRPCPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(loggingInterceptor(s.logger)),
		grpc.ChainStreamInterceptor(streamLoggingInterceptor(s.logger)),
	)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	s.grpcListener = listener

	go func() {
		if err := s.grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("grpc server error", "error", err)
		}
	}()
	s.logger.Info("starting grpc health server", "addr", addr)
	return nil
}

// Stop drains the listeners, closes every websocket with 1001, stops the
// alert manager and releases the stores.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	var errs []error
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close config watcher: %w", err))
		}
	}
	s.hub.Stop(ctx)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
	}
	if err := s.alerts.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop alerts: %w", err))
	}
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
	if err := s.release(ctx); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("relay stopped")
	return errors.Join(errs...)
}

func (s *Server) release(ctx context.Context) error {
	var errs []error
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if s.directoryDB != nil {
		if err := s.directoryDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close directory: %w", err))
		}
	}
	if s.shutdownTracer != nil {
		if err := s.shutdownTracer(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	return errors.Join(errs...)
}

// loggingInterceptor logs unary RPC calls.
func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		logger.Debug("rpc call", "method", info.FullMethod)
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Error("rpc error", "method", info.FullMethod, "error", err)
		}
		return resp, err
	}
}

// streamLoggingInterceptor logs streaming RPC calls. Health watches are
// long-lived streams.
func streamLoggingInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		logger.Debug("stream started", "method", info.FullMethod)
		err := handler(srv, ss)
		if err != nil {
			logger.Error("stream error", "method", info.FullMethod, "error", err)
		}
		return err
	}
}
