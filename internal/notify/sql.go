package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lib/pq"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/haasonsaas/relay/internal/events"
)

// Supported SQL drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config selects and tunes the notification store.
type Config struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxEvents       int           `yaml:"max_events"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	Retention       time.Duration `yaml:"retention"`
}

// Open builds the store described by cfg.
func Open(ctx context.Context, cfg Config, clk clock.Clock, logger *slog.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", DriverMemory:
		return NewMemoryStore(cfg.MaxEvents, clk), nil
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("store dsn is required for driver %s", driver)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if driver == DriverSQLite {
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store, err := NewSQLStore(ctx, db, driver, clk, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// SQLStore persists the log in postgres or sqlite. Timestamps are stored as
// unix nanoseconds so both dialects compare them numerically.
type SQLStore struct {
	db     *sql.DB
	driver string
	clock  clock.Clock
	logger *slog.Logger
}

// NewSQLStore wraps db and ensures the schema exists.
func NewSQLStore(ctx context.Context, db *sql.DB, driver string, clk clock.Clock, logger *slog.Logger) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	store := newSQLStore(db, driver, clk, logger)
	if err := store.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func newSQLStore(db *sql.DB, driver string, clk clock.Clock, logger *slog.Logger) *SQLStore {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{db: db, driver: driver, clock: clk, logger: logger.With("component", "notify")}
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS relay_events (
			seq BIGINT PRIMARY KEY,
			kind TEXT NOT NULL,
			entity_id TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			occurred_at BIGINT NOT NULL,
			stored_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS relay_event_rooms (
			seq BIGINT NOT NULL,
			room TEXT NOT NULL,
			PRIMARY KEY (seq, room)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relay_event_rooms_room ON relay_event_rooms (room, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_relay_events_stored_at ON relay_events (stored_at)`,
		`CREATE TABLE IF NOT EXISTS relay_alerts (
			alert_id TEXT NOT NULL,
			revision INTEGER NOT NULL,
			category TEXT NOT NULL,
			entity_id TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			occurrences INTEGER NOT NULL DEFAULT 1,
			escalations INTEGER NOT NULL DEFAULT 0,
			actor TEXT NOT NULL DEFAULT '',
			recorded_at BIGINT NOT NULL,
			stored_at BIGINT NOT NULL,
			PRIMARY KEY (alert_id, revision)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relay_alerts_stored_at ON relay_alerts (stored_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure notify schema: %w", err)
		}
	}
	return nil
}

// placeholder returns the n-th (1-based) bind parameter for the dialect.
func (s *SQLStore) placeholder(n int) string {
	if s.driver == DriverPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func (s *SQLStore) placeholders(from, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = s.placeholder(from + i)
	}
	return strings.Join(parts, ",")
}

func (s *SQLStore) AppendEvent(ctx context.Context, event events.Event) error {
	if err := validateEvent(event); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append event: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insertEvent := fmt.Sprintf(
		`INSERT INTO relay_events (seq, kind, entity_id, owner_id, payload, occurred_at, stored_at) VALUES (%s)`,
		s.placeholders(1, 7))
	if _, err := tx.ExecContext(ctx, insertEvent,
		int64(event.Seq),
		string(event.Kind),
		event.EntityID,
		event.OwnerID,
		string(event.Payload),
		event.OccurredAt.UnixNano(),
		s.clock.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("append event %d: %w", event.Seq, err)
	}

	if len(event.Rooms) > 0 {
		var query strings.Builder
		query.WriteString("INSERT INTO relay_event_rooms (seq, room) VALUES ")
		args := make([]any, 0, len(event.Rooms)*2)
		for i, room := range event.Rooms {
			if i > 0 {
				query.WriteString(",")
			}
			query.WriteString("(" + s.placeholders(len(args)+1, 2) + ")")
			args = append(args, int64(event.Seq), room)
		}
		if _, err := tx.ExecContext(ctx, query.String(), args...); err != nil {
			return fmt.Errorf("append event %d rooms: %w", event.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event %d: %w", event.Seq, err)
	}
	return nil
}

func (s *SQLStore) FetchSince(ctx context.Context, audience Audience, cursor uint64, limit int) ([]events.Event, error) {
	rooms := audience.RoomSet()
	if len(rooms) == 0 {
		return nil, nil
	}

	var query strings.Builder
	query.WriteString(`SELECT e.seq, e.kind, e.entity_id, e.owner_id, e.payload, e.occurred_at FROM relay_events e WHERE e.seq > `)
	query.WriteString(s.placeholder(1))
	args := []any{int64(cursor)}
	if s.driver == DriverPostgres {
		query.WriteString(` AND EXISTS (SELECT 1 FROM relay_event_rooms r WHERE r.seq = e.seq AND r.room = ANY($2))`)
		args = append(args, pq.Array(rooms))
	} else {
		query.WriteString(` AND EXISTS (SELECT 1 FROM relay_event_rooms r WHERE r.seq = e.seq AND r.room IN (`)
		query.WriteString(s.placeholders(2, len(rooms)))
		query.WriteString(`))`)
		for _, room := range rooms {
			args = append(args, room)
		}
	}
	query.WriteString(` ORDER BY e.seq ASC`)
	if limit > 0 {
		query.WriteString(` LIMIT ` + s.placeholder(len(args)+1))
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("fetch events since %d: %w", cursor, err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			seq        int64
			kind       string
			event      events.Event
			payload    string
			occurredAt int64
		)
		if err := rows.Scan(&seq, &kind, &event.EntityID, &event.OwnerID, &payload, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Seq = uint64(seq)
		event.Kind = events.Kind(kind)
		if payload != "" {
			event.Payload = json.RawMessage(payload)
		}
		event.OccurredAt = time.Unix(0, occurredAt).UTC()
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (s *SQLStore) LastSeq(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM relay_events`).Scan(&seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("last seq: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

func (s *SQLStore) AppendAlert(ctx context.Context, record AlertRecord) error {
	if err := validateAlert(record); err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO relay_alerts
		(alert_id, revision, category, entity_id, priority, status, title, message, occurrences, escalations, actor, recorded_at, stored_at)
		VALUES (%s)`, s.placeholders(1, 13))
	_, err := s.db.ExecContext(ctx, query,
		record.AlertID,
		record.Revision,
		record.Category,
		record.EntityID,
		record.Priority,
		record.Status,
		record.Title,
		record.Message,
		record.Occurrences,
		record.Escalations,
		record.Actor,
		record.RecordedAt.UnixNano(),
		s.clock.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append alert %s rev %d: %w", record.AlertID, record.Revision, err)
	}
	return nil
}

func (s *SQLStore) AlertHistory(ctx context.Context, alertID string) ([]AlertRecord, error) {
	query := `SELECT alert_id, revision, category, entity_id, priority, status, title, message, occurrences, escalations, actor, recorded_at
		FROM relay_alerts WHERE alert_id = ` + s.placeholder(1) + ` ORDER BY revision ASC`
	rows, err := s.db.QueryContext(ctx, query, alertID)
	if err != nil {
		return nil, fmt.Errorf("alert history %s: %w", alertID, err)
	}
	defer rows.Close()

	var out []AlertRecord
	for rows.Next() {
		var (
			record     AlertRecord
			recordedAt int64
		)
		if err := rows.Scan(
			&record.AlertID,
			&record.Revision,
			&record.Category,
			&record.EntityID,
			&record.Priority,
			&record.Status,
			&record.Title,
			&record.Message,
			&record.Occurrences,
			&record.Escalations,
			&record.Actor,
			&recordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		record.RecordedAt = time.Unix(0, recordedAt).UTC()
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	return out, nil
}

func (s *SQLStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p := s.placeholder(1)
	statements := []string{
		`DELETE FROM relay_event_rooms WHERE seq IN (SELECT seq FROM relay_events WHERE stored_at < ` + p + `)`,
		`DELETE FROM relay_events WHERE stored_at < ` + p,
		`DELETE FROM relay_alerts WHERE stored_at < ` + p,
	}
	var removed int64
	for i, stmt := range statements {
		res, err := tx.ExecContext(ctx, stmt, cutoff.UnixNano())
		if err != nil {
			return 0, fmt.Errorf("prune: %w", err)
		}
		// Room rows are bookkeeping for their event; count events and alerts only.
		if i == 0 {
			continue
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("prune rows affected: %w", err)
		}
		removed += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	if removed > 0 {
		s.logger.Info("pruned notification log", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
