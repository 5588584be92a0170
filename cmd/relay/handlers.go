package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/client"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/server"
	"github.com/haasonsaas/relay/pkg/protocol"
)

// runServe loads the configuration, starts the server and blocks until a
// shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logCfg, closeLog, err := cfg.Logging.LogConfig()
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()
	if debug {
		logCfg.Level = "debug"
	}
	logger, err := observability.NewLogger(logCfg)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	slog.SetDefault(logger)

	logger.Info("starting relay",
		"version", version,
		"commit", commit,
		"config", configPath,
		"store", cfg.Store.Driver,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv, err := server.New(ctx, cfg, server.Options{
		ConfigPath: configPath,
		Version:    version,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		_ = srv.Stop(shutdownCtx)
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("relay stopped gracefully")
	return nil
}

type watchOptions struct {
	configPath  string
	url         string
	token       string
	rooms       []string
	maxAttempts int
	json        bool
}

// clientConfig reads the client section when a configuration file exists
// and falls back to the built-in defaults otherwise.
func clientConfig(path string) (client.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return config.Default().Client, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return client.Config{}, err
	}
	return cfg.Client, nil
}

func runWatch(ctx context.Context, out io.Writer, opts watchOptions) error {
	if strings.TrimSpace(opts.token) == "" {
		return errors.New("a --token is required (or set RELAY_TOKEN)")
	}
	cfg, err := clientConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.url != "" {
		cfg.URL = opts.url
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return fmt.Errorf("invalid hub url %q: %w", cfg.URL, err)
	}
	cfg.Rooms = append(cfg.Rooms, opts.rooms...)
	if opts.maxAttempts > 0 {
		cfg.MaxAttempts = opts.maxAttempts
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p := newFramePrinter(out, opts.json)
	failed := make(chan error, 1)
	fail := func(err error) {
		select {
		case failed <- err:
		default:
		}
	}

	session := client.New(cfg, client.Options{
		Dialer:     client.WebsocketDialer{},
		Credential: client.StaticCredential(opts.token),
		Logger:     slog.Default(),
		Handler: client.Handler{
			OnEvent: p.print,
			OnAlert: p.print,
			OnStateChange: func(from, to client.State) {
				p.status(fmt.Sprintf("%s -> %s", from, to))
				if to == client.StateFailed {
					fail(client.ErrSessionFailed)
				}
			},
			OnForceLogout: func(code int, reason string) {
				fail(fmt.Errorf("credential rejected by hub: %d %s", code, reason))
			},
			OnRoomError: func(room, reason string) {
				p.status(fmt.Sprintf("room %s refused: %s", room, reason))
			},
		},
	})
	if err := session.Start(); err != nil {
		return err
	}
	defer session.Stop()

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return err
	}
}

// framePrinter writes frames as JSON lines, or as a short summary when
// stdout is a terminal.
type framePrinter struct {
	mu     sync.Mutex
	out    io.Writer
	pretty bool
}

func newFramePrinter(out io.Writer, forceJSON bool) *framePrinter {
	pretty := false
	if f, ok := out.(*os.File); ok && !forceJSON {
		pretty = term.IsTerminal(int(f.Fd()))
	}
	return &framePrinter{out: out, pretty: pretty}
}

func (p *framePrinter) print(frame protocol.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pretty {
		data, err := json.Marshal(frame)
		if err != nil {
			return
		}
		fmt.Fprintln(p.out, string(data))
		return
	}
	switch frame.Type {
	case protocol.TypeEvent:
		fmt.Fprintf(p.out, "%s  #%-6d %-28s %s\n",
			frame.OccurredAt.Local().Format(time.TimeOnly), frame.Seq, frame.Kind, string(frame.Data))
	case protocol.TypeAlert:
		fmt.Fprintf(p.out, "%s  ALERT [%s/%s] %s %s (%s, x%d)\n",
			time.Now().Format(time.TimeOnly), frame.Priority, frame.Status, frame.Title, frame.Message, frame.ID, frame.Occurrences)
	default:
		fmt.Fprintf(p.out, "%s  %s\n", time.Now().Format(time.TimeOnly), frame.Type)
	}
}

func (p *framePrinter) status(line string) {
	if !p.pretty {
		slog.Info("session", "state", line)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s  -- %s\n", time.Now().Format(time.TimeOnly), line)
}

type publishOptions struct {
	kind    string
	entity  string
	owner   string
	payload string
	rooms   []string
	users   []string
}

func (o publishOptions) request() (map[string]any, error) {
	body := map[string]any{"kind": events.Kind(strings.TrimSpace(o.kind))}
	if o.entity != "" {
		body["entityId"] = o.entity
	}
	if o.owner != "" {
		body["ownerId"] = o.owner
	}
	if o.payload != "" {
		if !json.Valid([]byte(o.payload)) {
			return nil, errors.New("--payload is not valid JSON")
		}
		body["payload"] = json.RawMessage(o.payload)
	}
	if len(o.rooms) > 0 || len(o.users) > 0 {
		body["target"] = events.Target{Rooms: o.rooms, Users: o.users}
	}
	return body, nil
}

func runPublish(ctx context.Context, out io.Writer, api apiOptions, opts publishOptions) error {
	body, err := opts.request()
	if err != nil {
		return err
	}
	c, err := newAPIClient(api)
	if err != nil {
		return err
	}
	var receipt struct {
		Seq       uint64 `json:"seq"`
		Delivered int    `json:"delivered"`
		Failed    int    `json:"failed"`
	}
	if err := c.postJSON(ctx, "/api/events", body, &receipt); err != nil {
		return err
	}
	fmt.Fprintf(out, "published seq=%d delivered=%d failed=%d\n", receipt.Seq, receipt.Delivered, receipt.Failed)
	return nil
}

func runStats(ctx context.Context, out io.Writer, api apiOptions) error {
	c, err := newAPIClient(api)
	if err != nil {
		return err
	}
	var stats map[string]any
	if err := c.getJSON(ctx, "/api/stats", &stats); err != nil {
		return err
	}
	return printJSON(out, stats)
}

type tokenOptions struct {
	configPath string
	userID     string
	role       string
	expiry     time.Duration
}

func runToken(out io.Writer, opts tokenOptions) error {
	role, err := auth.ParseRole(opts.role)
	if err != nil {
		return err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return errors.New("auth.jwt_secret is not configured")
	}
	expiry := cfg.Auth.TokenExpiry
	if opts.expiry > 0 {
		expiry = opts.expiry
	}
	token, err := auth.NewJWTService(cfg.Auth.JWTSecret, expiry, cfg.Auth.Issuer).Issue(strings.TrimSpace(opts.userID), role)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

type alertListOptions struct {
	status   string
	category string
	open     bool
}

func runAlertsList(ctx context.Context, out io.Writer, api apiOptions, opts alertListOptions) error {
	c, err := newAPIClient(api)
	if err != nil {
		return err
	}
	query := url.Values{}
	if opts.status != "" {
		query.Set("status", opts.status)
	}
	if opts.category != "" {
		query.Set("category", opts.category)
	}
	if opts.open {
		query.Set("open", "true")
	}
	path := "/api/alerts"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var resp struct {
		Alerts []map[string]any `json:"alerts"`
		Total  int              `json:"total"`
	}
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return err
	}
	if resp.Total == 0 {
		fmt.Fprintln(out, "no alerts")
		return nil
	}
	for _, a := range resp.Alerts {
		fmt.Fprintf(out, "%v  %-16v %-9v %-12v %v\n", a["id"], a["category"], a["priority"], a["status"], a["title"])
	}
	return nil
}

func runAlertAction(ctx context.Context, out io.Writer, api apiOptions, action, alertID string) error {
	c, err := newAPIClient(api)
	if err != nil {
		return err
	}
	var alert map[string]any
	if err := c.postJSON(ctx, "/api/alerts/"+url.PathEscape(alertID)+"/"+action, nil, &alert); err != nil {
		return err
	}
	fmt.Fprintf(out, "alert %s is %v\n", alertID, alert["status"])
	return nil
}

func runAlertHistory(ctx context.Context, out io.Writer, api apiOptions, alertID string) error {
	c, err := newAPIClient(api)
	if err != nil {
		return err
	}
	var resp map[string]any
	if err := c.getJSON(ctx, "/api/alerts/"+url.PathEscape(alertID)+"/history", &resp); err != nil {
		return err
	}
	return printJSON(out, resp)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
