// Package sqlite implements a durable event log for brain runs using
// pure-Go SQLite. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	cortex "github.com/arimelias/cortex"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and row counts. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store persists canonical events keyed by (brain_run_id, ts). It doubles as
// a cortex.Adapter, so wiring it into a BrainRunner records every run; the
// stored log feeds cortex.Resume.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ cortex.Adapter = (*Store)(nil)

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: event store opened", "path", dbPath)
	return s
}

// Init creates the events table.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	ddl := `CREATE TABLE IF NOT EXISTS brain_events (
		brain_run_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (brain_run_id, ts)
	)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create brain_events: %w", err)
	}
	s.logger.Debug("sqlite: init done", "took", time.Since(start))
	return nil
}

// Dispatch appends one event. Re-delivery of an already stored (run, ts)
// pair is a no-op, so replays after a crash are safe.
func (s *Store) Dispatch(ctx context.Context, ev cortex.Event) error {
	payload, err := ev.Canonical()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO brain_events (brain_run_id, ts, type, payload) VALUES (?, ?, ?, ?)`,
		ev.BrainRunID, ev.Timestamp, string(ev.Type), string(payload))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	s.logger.Debug("sqlite: event stored", "run_id", ev.BrainRunID, "type", ev.Type, "ts", ev.Timestamp)
	return nil
}

// LoadEvents returns a run's full event history in stream order.
func (s *Store) LoadEvents(ctx context.Context, brainRunID string) ([]cortex.Event, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM brain_events WHERE brain_run_id = ? ORDER BY ts ASC`, brainRunID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []cortex.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev, err := cortex.DecodeEvent([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.logger.Debug("sqlite: events loaded", "run_id", brainRunID, "count", len(out), "took", time.Since(start))
	return out, nil
}

// Runs lists stored run ids with their latest event type, newest first.
func (s *Store) Runs(ctx context.Context, limit int) (map[string]cortex.EventType, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.brain_run_id, e.type
		FROM brain_events e
		JOIN (
			SELECT brain_run_id, MAX(ts) AS max_ts
			FROM brain_events GROUP BY brain_run_id
		) last ON last.brain_run_id = e.brain_run_id AND last.max_ts = e.ts
		ORDER BY e.ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]cortex.EventType)
	for rows.Next() {
		var id, typ string
		if err := rows.Scan(&id, &typ); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out[id] = cortex.EventType(typ)
	}
	return out, rows.Err()
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }
