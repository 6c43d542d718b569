// Package eventlog archives the event fabric to SQLite. A background
// writer subscribes to the whole bus and appends every event; readers
// query the archive for display in the CLI, the dashboard, and the events
// history endpoint.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"hive/pkg/eventbus"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	topic      TEXT NOT NULL,
	worker_id  TEXT NOT NULL DEFAULT '',
	payload    TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_topic ON events(topic);
CREATE INDEX IF NOT EXISTS idx_events_worker ON events(worker_id);
`

// Event is one archived bus event.
type Event struct {
	ID        int64
	Topic     string
	WorkerID  string
	Payload   string
	CreatedAt time.Time
}

// Log owns the SQLite archive.
type Log struct {
	db     *sql.DB
	logger *zap.Logger
	sub    *eventbus.Subscription
	done   chan struct{}
}

// Open creates or opens the archive database at dbPath with WAL enabled.
func Open(dbPath string, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("event log schema: %w", err)
	}
	return &Log{db: db, logger: logger}, nil
}

// Attach subscribes the writer to the bus; every published event is
// appended to the archive until Close.
func (l *Log) Attach(ctx context.Context, bus *eventbus.Bus) {
	l.sub = bus.Subscribe("*")
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-l.sub.C:
				if !ok {
					return
				}
				if err := l.append(ev); err != nil {
					l.logger.Warn("event append failed",
						zap.String("topic", ev.Topic), zap.Error(err))
				}
			}
		}
	}()
}

// append inserts one event row.
func (l *Log) append(ev eventbus.Event) error {
	workerID := ""
	if v, ok := ev.Data["id"].(string); ok {
		workerID = v
	}
	payload := ""
	if len(ev.Data) > 0 {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payload = string(data)
	}
	_, err := l.db.Exec(
		"INSERT INTO events (topic, worker_id, payload, created_at) VALUES (?, ?, ?, ?)",
		ev.Topic, workerID, payload, ev.At.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Close detaches the writer and closes the database. Safe to call when
// Attach was never used.
func (l *Log) Close() error {
	if l.sub != nil {
		l.sub.Close()
		<-l.done
	}
	return l.db.Close()
}

// QueryOpts filters archive queries.
type QueryOpts struct {
	WorkerID string
	Topic    string // exact topic, or a "worker:" style prefix ending in *
	After    *time.Time
	Before   *time.Time
	Limit    int
}

// Query returns matching events, newest first.
func (l *Log) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	query, args := buildQuery(opts)
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Topic, &e.WorkerID, &e.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
			e.CreatedAt = t
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// buildQuery assembles the filtered SELECT.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT id, topic, worker_id, payload, created_at FROM events WHERE 1=1"

	if opts.WorkerID != "" {
		conditions = append(conditions, "worker_id = ?")
		args = append(args, opts.WorkerID)
	}
	if opts.Topic != "" {
		if strings.HasSuffix(opts.Topic, "*") {
			conditions = append(conditions, "topic LIKE ?")
			args = append(args, strings.TrimSuffix(opts.Topic, "*")+"%")
		} else {
			conditions = append(conditions, "topic = ?")
			args = append(args, opts.Topic)
		}
	}
	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.UTC().Format(time.RFC3339Nano))
	}
	if opts.Before != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.Before.UTC().Format(time.RFC3339Nano))
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return query, args
}
