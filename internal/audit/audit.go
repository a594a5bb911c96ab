// Package audit records the operational audit trail spec.md §7 calls for:
// circuit-breaker transitions and chaos injections, not conversation
// content. It is grounded on the teacher's lib/audit/logger.go (a sql.DB
// sink fed from a buffered channel so callers never block on disk I/O) and
// lib/health/checker.go's *sql.DB plumbing, adapted from Postgres to an
// embedded mattn/go-sqlite3 database so the simulator stays a single binary.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/coder/llmsimulator/internal/engine"
)

// EventKind distinguishes the two trail categories spec.md §7 names.
type EventKind string

const (
	EventChaosInjected     EventKind = "chaos_injected"
	EventBreakerTransition EventKind = "breaker_transition"
)

// Event is one audit trail entry.
type Event struct {
	Timestamp time.Time
	Kind      EventKind
	Family    engine.Family
	ModelID   string
	Detail    string // rule name, or "open"/"closed"/"half_open"
	Extra     map[string]any
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	family     TEXT NOT NULL,
	model_id   TEXT NOT NULL,
	detail     TEXT NOT NULL,
	extra      TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_events_kind ON audit_events(kind);
`

// Trail writes Events to sqlite from a single background goroutine, so the
// request-handling path never blocks on disk I/O — matching the teacher's
// logger, which drains a buffered channel rather than writing inline.
type Trail struct {
	db     *sql.DB
	events chan Event
	log    *slog.Logger
	done   chan struct{}
}

// Open creates (or reuses) the sqlite database at path and starts the
// background writer. Callers must call Close to drain pending events.
func Open(path string, log *slog.Logger) (*Trail, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("audit: opening %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: creating schema: %w", err)
	}

	t := &Trail{
		db:     db,
		events: make(chan Event, 256),
		log:    log,
		done:   make(chan struct{}),
	}
	go t.run()
	return t, nil
}

func (t *Trail) run() {
	defer close(t.done)
	for ev := range t.events {
		if err := t.write(ev); err != nil {
			t.log.Error("audit: write failed", "error", err, "kind", ev.Kind)
		}
	}
}

func (t *Trail) write(ev Event) error {
	var extra []byte
	if len(ev.Extra) > 0 {
		var err error
		extra, err = json.Marshal(ev.Extra)
		if err != nil {
			return fmt.Errorf("marshaling extra: %w", err)
		}
	}
	_, err := t.db.Exec(
		`INSERT INTO audit_events (timestamp, kind, family, model_id, detail, extra) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Timestamp.UTC().Format(time.RFC3339Nano), string(ev.Kind), string(ev.Family), ev.ModelID, ev.Detail, string(extra),
	)
	return err
}

// Record enqueues an event, non-blocking unless the buffer is full, in which
// case it is dropped and logged — the audit trail is best-effort, not a
// delivery guarantee, matching the teacher's channel-drop behavior under
// backpressure.
func (t *Trail) Record(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.log.Warn("audit: buffer full, dropping event", "kind", ev.Kind)
	}
}

// ChaosInjected records a chaos-rule firing (§7).
func (t *Trail) ChaosInjected(family engine.Family, modelID, ruleName string, kind engine.ErrorKind) {
	t.Record(Event{
		Timestamp: time.Now(),
		Kind:      EventChaosInjected,
		Family:    family,
		ModelID:   modelID,
		Detail:    ruleName,
		Extra:     map[string]any{"error_kind": string(kind)},
	})
}

// BreakerTransition records a circuit breaker state change (§7).
func (t *Trail) BreakerTransition(family engine.Family, modelID, toState string) {
	t.Record(Event{
		Timestamp: time.Now(),
		Kind:      EventBreakerTransition,
		Family:    family,
		ModelID:   modelID,
		Detail:    toState,
	})
}

// Recent returns the most recent n audit events, newest first. No HTTP
// route serves it.
func (t *Trail) Recent(ctx context.Context, n int) ([]Event, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT timestamp, kind, family, model_id, detail, extra FROM audit_events ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var ts, kind, family, extra string
		if err := rows.Scan(&ts, &kind, &family, &ev.ModelID, &ev.Detail, &extra); err != nil {
			return nil, err
		}
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		ev.Kind = EventKind(kind)
		ev.Family = engine.Family(family)
		if extra != "" {
			_ = json.Unmarshal([]byte(extra), &ev.Extra)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Ping reports whether the underlying database is reachable, for the
// readiness probe — grounded on the teacher's health.DatabaseCheck.
func (t *Trail) Ping(ctx context.Context) error {
	return t.db.PingContext(ctx)
}

// Close drains pending events and closes the database.
func (t *Trail) Close() error {
	close(t.events)
	<-t.done
	return t.db.Close()
}
