// Package config loads the relay configuration from YAML or JSON5 files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/alerts"
	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/client"
	"github.com/haasonsaas/relay/internal/hub"
	"github.com/haasonsaas/relay/internal/notify"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/ratelimit"
	"github.com/haasonsaas/relay/internal/rooms"
)

// Config is the root configuration.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Hub           hub.Config          `yaml:"hub"`
	Rooms         RoomsConfig         `yaml:"rooms"`
	Alerts        AlertsConfig        `yaml:"alerts"`
	Store         notify.Config       `yaml:"store"`
	Escalation    EscalationConfig    `yaml:"escalation"`
	Client        client.Config       `yaml:"client"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host              string           `yaml:"host"`
	HTTPPort          int              `yaml:"http_port"`
	GRPCPort          int              `yaml:"grpc_port"`
	WebsocketPath     string           `yaml:"websocket_path"`
	ReadHeaderTimeout time.Duration    `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration    `yaml:"shutdown_timeout"`
	APIRate           ratelimit.Config `yaml:"api_rate"`
}

// AuthConfig configures credential verification. JWTs are checked against
// the user directory; API keys identify service callers.
type AuthConfig struct {
	JWTSecret   string              `yaml:"jwt_secret"`
	Issuer      string              `yaml:"issuer"`
	TokenExpiry time.Duration       `yaml:"token_expiry"`
	APIKeys     []auth.APIKeyConfig `yaml:"api_keys"`
	Users       []auth.UserConfig   `yaml:"users"`
	Directory   DirectoryConfig     `yaml:"directory"`
	Verify      VerifyConfig        `yaml:"verify"`
}

// DirectoryConfig selects where user status is looked up. An empty driver
// uses the static users list.
type DirectoryConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// VerifyConfig bounds a single credential verification.
type VerifyConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// RoomsConfig is the hot-reloadable authorization table.
type RoomsConfig struct {
	Rules    []rooms.RuleConfig  `yaml:"rules"`
	AutoJoin map[string][]string `yaml:"auto_join"`
}

// Policy compiles the table, falling back to the built-in rules and
// auto-join set for whichever part is empty.
func (r RoomsConfig) Policy() (*rooms.Policy, error) {
	rules := r.Rules
	if len(rules) == 0 {
		rules = rooms.DefaultRules()
	}
	autoJoin := r.AutoJoin
	if len(autoJoin) == 0 {
		autoJoin = rooms.DefaultAutoJoin()
	}
	return rooms.NewPolicy(rules, autoJoin)
}

type AlertsConfig struct {
	alerts.Config `yaml:",inline"`
	// Categories replaces the built-in catalog when set.
	Categories []alerts.Category `yaml:"categories"`
}

// Catalog compiles the configured or built-in categories.
func (a AlertsConfig) Catalog() (*alerts.Catalog, error) {
	categories := a.Categories
	if len(categories) == 0 {
		categories = alerts.DefaultCategories()
	}
	return alerts.NewCatalog(categories)
}

type EscalationConfig struct {
	Slack alerts.SlackConfig `yaml:"slack"`
}

type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	Output         string   `yaml:"output"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// LogConfig converts the section for observability.NewLogger. The returned
// closer releases a log file, if one was opened.
func (l LoggingConfig) LogConfig() (observability.LogConfig, func() error, error) {
	cfg := observability.LogConfig{
		Level:          l.Level,
		Format:         l.Format,
		AddSource:      l.AddSource,
		RedactPatterns: l.RedactPatterns,
	}
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(l.Output)) {
	case "", "stdout":
		cfg.Output = os.Stdout
		return cfg, noop, nil
	case "stderr":
		cfg.Output = os.Stderr
		return cfg, noop, nil
	}
	file, err := os.OpenFile(l.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return cfg, noop, fmt.Errorf("open log output: %w", err)
	}
	cfg.Output = file
	return cfg, file.Close, nil
}

type ObservabilityConfig struct {
	Metrics MetricsConfig             `yaml:"metrics"`
	Tracing observability.TraceConfig `yaml:"tracing"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, used when no
// file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.GRPCPort == 0 {
		cfg.Server.GRPCPort = 50051
	}
	if cfg.Server.WebsocketPath == "" {
		cfg.Server.WebsocketPath = "/ws"
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Server.APIRate == (ratelimit.Config{}) {
		cfg.Server.APIRate = ratelimit.Config{RequestsPerSecond: 20, BurstSize: 40, Enabled: true}
	}

	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "relay"
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Auth.Verify.Timeout == 0 {
		cfg.Auth.Verify.Timeout = 5 * time.Second
	}

	hubDefaults := hub.DefaultConfig()
	if cfg.Hub.InboundRate == (ratelimit.Config{}) {
		cfg.Hub.InboundRate = hubDefaults.InboundRate
	}
	if cfg.Hub.SendBuffer == 0 {
		cfg.Hub.SendBuffer = hubDefaults.SendBuffer
	}
	if cfg.Hub.HeartbeatInterval == 0 {
		cfg.Hub.HeartbeatInterval = hubDefaults.HeartbeatInterval
	}
	if cfg.Hub.HeartbeatTimeout == 0 {
		cfg.Hub.HeartbeatTimeout = hubDefaults.HeartbeatTimeout
	}
	if cfg.Hub.HandshakeTimeout == 0 {
		cfg.Hub.HandshakeTimeout = hubDefaults.HandshakeTimeout
	}

	alertDefaults := alerts.DefaultConfig()
	if cfg.Alerts.DedupWindow == 0 {
		cfg.Alerts.DedupWindow = alertDefaults.DedupWindow
	}
	if cfg.Alerts.Retention == 0 {
		cfg.Alerts.Retention = alertDefaults.Retention
	}
	if cfg.Alerts.SweepSchedule == "" {
		cfg.Alerts.SweepSchedule = alertDefaults.SweepSchedule
	}
	if cfg.Alerts.EscalationRetry == 0 {
		cfg.Alerts.EscalationRetry = alertDefaults.EscalationRetry
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = notify.DriverMemory
	}
	if cfg.Store.Retention == 0 {
		cfg.Store.Retention = 7 * 24 * time.Hour
	}

	clientDefaults := client.DefaultConfig()
	if cfg.Client.MaxAttempts == 0 {
		cfg.Client.MaxAttempts = clientDefaults.MaxAttempts
	}
	if cfg.Client.Backoff.Base == 0 {
		cfg.Client.Backoff = clientDefaults.Backoff
	}
	if cfg.Client.ReadTimeout == 0 {
		cfg.Client.ReadTimeout = clientDefaults.ReadTimeout
	}
	if cfg.Client.URL == "" {
		cfg.Client.URL = fmt.Sprintf("ws://localhost:%d%s", cfg.Server.HTTPPort, cfg.Server.WebsocketPath)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Metrics.Path == "" {
		cfg.Observability.Metrics.Path = "/metrics"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "relay"
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var issues []string
	if err := ValidateVersion(c.Version); err != nil {
		issues = append(issues, err.Error())
	}
	if !validPort(c.Server.HTTPPort) {
		issues = append(issues, fmt.Sprintf("server.http_port %d out of range", c.Server.HTTPPort))
	}
	if c.Server.GRPCPort != -1 && !validPort(c.Server.GRPCPort) {
		issues = append(issues, fmt.Sprintf("server.grpc_port %d out of range (-1 disables)", c.Server.GRPCPort))
	}
	if !strings.HasPrefix(c.Server.WebsocketPath, "/") {
		issues = append(issues, "server.websocket_path must start with /")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" && len(c.Auth.APIKeys) == 0 {
		issues = append(issues, "auth.jwt_secret or auth.api_keys is required")
	}
	if secret := strings.TrimSpace(c.Auth.JWTSecret); secret != "" && len(secret) < 16 {
		issues = append(issues, "auth.jwt_secret must be at least 16 characters")
	}
	for i, key := range c.Auth.APIKeys {
		if strings.TrimSpace(key.Key) == "" {
			issues = append(issues, fmt.Sprintf("auth.api_keys[%d].key is required", i))
		}
		if _, err := auth.ParseRole(key.Role); err != nil {
			issues = append(issues, fmt.Sprintf("auth.api_keys[%d].role: %v", i, err))
		}
	}
	switch c.Auth.Directory.Driver {
	case "", notify.DriverPostgres, notify.DriverSQLite:
	default:
		issues = append(issues, fmt.Sprintf("auth.directory.driver %q is not supported", c.Auth.Directory.Driver))
	}
	if c.Hub.HeartbeatTimeout > 0 && c.Hub.HeartbeatTimeout <= c.Hub.HeartbeatInterval {
		issues = append(issues, "hub.heartbeat_timeout must exceed hub.heartbeat_interval")
	}
	if c.Client.ReadTimeout > 0 && c.Client.ReadTimeout <= c.Hub.HeartbeatInterval {
		issues = append(issues, "client.read_timeout must exceed hub.heartbeat_interval")
	}
	if _, err := c.Rooms.Policy(); err != nil {
		issues = append(issues, fmt.Sprintf("rooms: %v", err))
	}
	if _, err := c.Alerts.Catalog(); err != nil {
		issues = append(issues, fmt.Sprintf("alerts.categories: %v", err))
	}
	switch c.Store.Driver {
	case notify.DriverMemory, notify.DriverPostgres, notify.DriverSQLite:
	default:
		issues = append(issues, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Store.Driver != notify.DriverMemory && strings.TrimSpace(c.Store.DSN) == "" {
		issues = append(issues, "store.dsn is required for "+c.Store.Driver)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		issues = append(issues, fmt.Sprintf("logging.level %q is invalid", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q is invalid", c.Logging.Format))
	}
	if len(issues) == 0 {
		return nil
	}
	return errors.New("invalid config:\n- " + strings.Join(issues, "\n- "))
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}
