package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/backoff"
	"github.com/haasonsaas/relay/internal/cache"
	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/notify"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/protocol"
)

// Notifier delivers alert frames to rooms. It is called with the manager
// lock held and must not block; *hub.Hub satisfies it.
type Notifier interface {
	NotifyAlert(ctx context.Context, rooms []string, frame protocol.Frame) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, rooms []string, frame protocol.Frame) error

// NotifyAlert implements Notifier.
func (f NotifierFunc) NotifyAlert(ctx context.Context, rooms []string, frame protocol.Frame) error {
	return f(ctx, rooms, frame)
}

// Sink receives escalated alerts on a side channel such as Slack. Sink
// failures are logged and never block an escalation.
type Sink interface {
	AlertEscalated(ctx context.Context, alert Alert) error
}

// Authorizer decides whether an identity may see a room. *rooms.Manager
// satisfies it.
type Authorizer interface {
	Authorize(identity auth.Identity, room string) error
}

// Outcome describes what Ingest did with an event.
type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeCreated   Outcome = "created"
	OutcomeMerged    Outcome = "merged"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeResolved  Outcome = "resolved"
)

// ErrStopped is returned by Ingest after Stop.
var ErrStopped = errors.New("alerts: manager stopped")

var scheduleParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Config tunes the lifecycle manager.
type Config struct {
	DedupWindow     time.Duration  `yaml:"dedup_window"`
	MaxTracked      int            `yaml:"max_tracked"`
	EscalationRetry time.Duration  `yaml:"escalation_retry"`
	NotifyTimeout   time.Duration  `yaml:"notify_timeout"`
	Retention       time.Duration  `yaml:"retention"`
	SweepSchedule   string         `yaml:"sweep_schedule"`
	PersistQueue    int            `yaml:"persist_queue"`
	PersistAttempts int            `yaml:"persist_attempts"`
	PersistBackoff  backoff.Policy `yaml:"persist_backoff"`
}

// DefaultConfig returns the lifecycle defaults.
func DefaultConfig() Config {
	return Config{
		DedupWindow:     2 * time.Minute,
		MaxTracked:      10000,
		EscalationRetry: time.Minute,
		NotifyTimeout:   10 * time.Second,
		Retention:       24 * time.Hour,
		SweepSchedule:   "@every 5m",
		PersistQueue:    256,
		PersistAttempts: 5,
		PersistBackoff: backoff.Policy{
			Base:   200 * time.Millisecond,
			Cap:    5 * time.Second,
			Factor: 2,
			Jitter: 0.2,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.MaxTracked <= 0 {
		c.MaxTracked = d.MaxTracked
	}
	if c.EscalationRetry <= 0 {
		c.EscalationRetry = d.EscalationRetry
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = d.NotifyTimeout
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if strings.TrimSpace(c.SweepSchedule) == "" {
		c.SweepSchedule = d.SweepSchedule
	}
	if c.PersistQueue <= 0 {
		c.PersistQueue = d.PersistQueue
	}
	if c.PersistAttempts <= 0 {
		c.PersistAttempts = d.PersistAttempts
	}
	if c.PersistBackoff.Base <= 0 {
		c.PersistBackoff = d.PersistBackoff
	}
	return c
}

// Options carries the collaborators of a Manager. All are optional.
type Options struct {
	Catalog    *Catalog
	Notifier   Notifier
	Sinks      []Sink
	Authorizer Authorizer
	Store      notify.Store
	// StoreRetention, when positive, makes each sweep prune store rows
	// older than it.
	StoreRetention time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
	Metrics        *observability.Metrics
	Tracer         *observability.Tracer
}

type tracked struct {
	alert Alert
	key   string
	timer *clock.Timer
	// gen invalidates timers that fired after being superseded.
	gen      uint64
	failures int
}

// Manager owns every open alert, its dedup window entry and its
// escalation timer.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	schedule cron.Schedule
	catalog  *Catalog
	alerts   map[string]*tracked
	dedup    *cache.Window[string]

	notifier       Notifier
	sinks          []Sink
	authorizer     Authorizer
	store          notify.Store
	storeRetention time.Duration

	persist       chan notify.AlertRecord
	persistDone   chan struct{}
	persistCancel context.CancelFunc
	sweepTimer    *clock.Timer
	started       bool
	stopped       bool

	clock   clock.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// New creates a Manager. Timers are armed immediately; Start launches the
// persistence worker and the retention sweep.
func New(cfg Config, opts Options) (*Manager, error) {
	cfg = cfg.withDefaults()
	schedule, err := scheduleParser.Parse(strings.TrimSpace(cfg.SweepSchedule))
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.SweepSchedule, err)
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog, err = NewCatalog(DefaultCategories())
		if err != nil {
			return nil, err
		}
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		schedule: schedule,
		catalog:  catalog,
		alerts:   make(map[string]*tracked),
		dedup: cache.NewWindow[string](cache.WindowOptions{
			TTL:     cfg.DedupWindow,
			MaxSize: cfg.MaxTracked,
		}, clk),
		notifier:       opts.Notifier,
		sinks:          opts.Sinks,
		authorizer:     opts.Authorizer,
		store:          opts.Store,
		storeRetention: opts.StoreRetention,
		persist:        make(chan notify.AlertRecord, cfg.PersistQueue),
		clock:          clk,
		logger:         logger.With("component", "alerts"),
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
	}
	return m, nil
}

// Catalog returns the category catalog.
func (m *Manager) Catalog() *Catalog { return m.catalog }

// SetNotifier replaces the notifier. It exists because the hub and the
// manager reference each other.
func (m *Manager) SetNotifier(n Notifier) {
	m.mu.Lock()
	m.notifier = n
	m.mu.Unlock()
}

// Start launches the persistence worker and schedules the retention sweep.
// It is a no-op when already started.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.persistCancel = cancel
	m.persistDone = make(chan struct{})
	go m.persistLoop(workerCtx, m.persist, m.persistDone)

	m.armSweepLocked()
	m.logger.Info("alert manager started",
		"dedup_window", m.cfg.DedupWindow,
		"sweep_schedule", m.cfg.SweepSchedule,
	)
}

// Stop cancels every timer and drains the persistence queue until ctx is
// done. Open alerts stay in memory but no longer escalate.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	for _, t := range m.alerts {
		m.disarmLocked(t)
	}
	if m.sweepTimer != nil {
		m.sweepTimer.Stop()
		m.sweepTimer = nil
	}
	close(m.persist)
	done, cancel := m.persistDone, m.persistCancel
	m.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		cancel()
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

// Ingest applies one published event: it first resolves open alerts the
// kind clears, then creates or merges the alert the kind triggers.
func (m *Manager) Ingest(ctx context.Context, event events.Event) (Alert, Outcome, error) {
	if err := event.Validate(); err != nil {
		return Alert{}, OutcomeIgnored, err
	}
	ctx, span := m.tracer.Start(ctx, "alerts.ingest", attribute.String("event.kind", string(event.Kind)))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return Alert{}, OutcomeIgnored, ErrStopped
	}

	outcome := OutcomeIgnored
	if m.autoResolveLocked(ctx, event) > 0 {
		outcome = OutcomeResolved
	}

	category, ok := m.catalog.Triggered(event.Kind)
	if !ok {
		return Alert{}, outcome, nil
	}

	key := dedupKey(category.Name, event)
	if key != "" {
		if id, found := m.dedup.Get(key); found {
			if t, live := m.alerts[id]; live && t.alert.Status.Open() {
				if event.Seq != 0 && event.Seq == t.alert.Seq {
					m.metrics.AlertIngested(category.Name, string(OutcomeDuplicate))
					return t.alert.clone(), OutcomeDuplicate, nil
				}
				m.mergeLocked(ctx, t, event)
				m.dedup.Put(key, id)
				m.metrics.AlertIngested(category.Name, string(OutcomeMerged))
				return t.alert.clone(), OutcomeMerged, nil
			}
		}
	}

	alert := m.createLocked(ctx, category, key, event)
	m.metrics.AlertIngested(category.Name, string(OutcomeCreated))
	return alert, OutcomeCreated, nil
}

func (m *Manager) createLocked(ctx context.Context, category Category, key string, event events.Event) Alert {
	now := m.clock.Now()
	audience := expandRooms(category.Audience, event.OwnerID)
	if len(audience) == 0 {
		audience = expandRooms(category.EscalateTo, event.OwnerID)
	}
	if len(audience) == 0 {
		audience = []string{events.RoomAdmin}
	}
	alert := Alert{
		ID:          uuid.NewString(),
		Category:    category.Name,
		EntityID:    event.EntityID,
		OwnerID:     event.OwnerID,
		Priority:    category.Priority,
		Status:      StatusActive,
		Title:       category.Title,
		Message:     messageFor(event),
		Payload:     event.Payload,
		Audience:    audience,
		Occurrences: 1,
		Seq:         event.Seq,
		Revision:    1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	t := &tracked{alert: alert, key: key}
	m.alerts[alert.ID] = t
	if key != "" {
		m.dedup.Put(key, alert.ID)
	}
	m.armLocked(t, category.EscalationTimeout)
	m.publishLocked(ctx, t, "")
	m.metrics.AlertTransition(category.Name, string(StatusActive))
	m.refreshOpenLocked(category.Name)
	m.logger.Info("alert created",
		"alert_id", alert.ID,
		"category", category.Name,
		"entity_id", alert.EntityID,
		"seq", alert.Seq,
	)
	return alert.clone()
}

func (m *Manager) mergeLocked(ctx context.Context, t *tracked, event events.Event) {
	t.alert.Occurrences++
	t.alert.Seq = event.Seq
	t.alert.Message = messageFor(event)
	if len(event.Payload) > 0 {
		t.alert.Payload = event.Payload
	}
	t.alert.Revision++
	t.alert.UpdatedAt = m.clock.Now()
	m.publishLocked(ctx, t, "")
	m.logger.Debug("alert merged",
		"alert_id", t.alert.ID,
		"occurrences", t.alert.Occurrences,
		"seq", event.Seq,
	)
}

// autoResolveLocked resolves open alerts of every category event.Kind
// clears, for the same entity.
func (m *Manager) autoResolveLocked(ctx context.Context, event events.Event) int {
	names := m.catalog.Resolved(event.Kind)
	if len(names) == 0 {
		return 0
	}
	keys := make(map[string]struct{}, len(names))
	for _, name := range names {
		if key := dedupKey(name, event); key != "" {
			keys[key] = struct{}{}
		}
	}
	resolved := 0
	for _, t := range m.sortedLocked() {
		if !t.alert.Status.Open() {
			continue
		}
		if _, ok := keys[t.key]; !ok {
			continue
		}
		m.resolveLocked(ctx, t, "system:"+string(event.Kind))
		resolved++
	}
	return resolved
}

// publishLocked notifies the alert's audience and queues a revision for
// persistence.
func (m *Manager) publishLocked(ctx context.Context, t *tracked, actor string) {
	if m.notifier != nil {
		if err := m.notifier.NotifyAlert(ctx, t.alert.Audience, t.alert.Frame()); err != nil {
			m.logger.Warn("alert notification failed",
				"alert_id", t.alert.ID,
				"status", t.alert.Status,
				"error", err,
			)
		}
	}
	m.enqueueLocked(t.alert.record(actor, t.alert.UpdatedAt))
}

func (m *Manager) refreshOpenLocked(category string) {
	if m.metrics == nil {
		return
	}
	open := 0
	for _, t := range m.alerts {
		if t.alert.Category == category && t.alert.Status.Open() {
			open++
		}
	}
	m.metrics.SetOpenAlerts(category, open)
}

func (m *Manager) sortedLocked() []*tracked {
	out := make([]*tracked, 0, len(m.alerts))
	for _, t := range m.alerts {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].alert.CreatedAt.Equal(out[j].alert.CreatedAt) {
			return out[i].alert.CreatedAt.Before(out[j].alert.CreatedAt)
		}
		return out[i].alert.ID < out[j].alert.ID
	})
	return out
}

// Get returns one alert by id.
func (m *Manager) Get(id string) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.alerts[id]
	if !ok {
		return Alert{}, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return t.alert.clone(), nil
}

// Filter narrows List.
type Filter struct {
	Status   Status
	Category string
	OpenOnly bool
	// Viewer, when set, hides alerts none of whose rooms the viewer may see.
	Viewer *auth.Identity
}

// List returns matching alerts, oldest first.
func (m *Manager) List(filter Filter) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Alert
	for _, t := range m.sortedLocked() {
		a := t.alert
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.Category != "" && a.Category != filter.Category {
			continue
		}
		if filter.OpenOnly && !a.Status.Open() {
			continue
		}
		if filter.Viewer != nil && !m.permitted(*filter.Viewer, a) {
			continue
		}
		out = append(out, a.clone())
	}
	return out
}

func (m *Manager) permitted(identity auth.Identity, alert Alert) bool {
	if m.authorizer == nil {
		return true
	}
	for _, room := range alert.Audience {
		if m.authorizer.Authorize(identity, room) == nil {
			return true
		}
	}
	return false
}
