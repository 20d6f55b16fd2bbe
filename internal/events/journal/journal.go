// Package journal persists orchestration events to sqlite for later
// inspection.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/events/bus"
	"github.com/devflow/devflow/internal/orchestrator/broadcast"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	task_id    TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL DEFAULT '',
	timestamp  DATETIME NOT NULL,
	data       TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_events_task_id ON events(task_id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
`

// Writer queue size. Bursts beyond this lose events rather than slowing
// the engine down.
const queueSize = 1024

// Record is one persisted event row.
type Record struct {
	ID        string    `db:"id" json:"id"`
	Type      string    `db:"type" json:"type"`
	TaskID    string    `db:"task_id" json:"task_id"`
	Source    string    `db:"source" json:"source"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	Data      string    `db:"data" json:"data"`
}

// Journal is an append-only sqlite event log. Writes happen on a single
// background goroutine fed by a bounded queue.
type Journal struct {
	db     *sqlx.DB
	queue  chan *bus.Event
	done   chan struct{}
	logger *logger.Logger
}

// Open creates or opens a journal database at path.
func Open(path string, log *logger.Logger) (*Journal, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}

	j := &Journal{
		db:     db,
		queue:  make(chan *bus.Event, queueSize),
		done:   make(chan struct{}),
		logger: log.WithComponent("journal"),
	}
	go j.writeLoop()
	return j, nil
}

// Attach wires the journal into a broadcaster as a sink.
func (j *Journal) Attach(b *broadcast.Broadcaster) {
	b.AddSink(func(channels []string, event *bus.Event) {
		select {
		case j.queue <- event:
		default:
			j.logger.Warn("journal queue full, dropping event",
				zap.String("event_type", event.Type),
				zap.String("task_id", event.TaskID))
		}
	})
}

func (j *Journal) writeLoop() {
	defer close(j.done)
	for event := range j.queue {
		if err := j.insert(event); err != nil {
			j.logger.Error("failed to persist event",
				zap.String("event_id", event.ID),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
}

func (j *Journal) insert(event *bus.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		data = []byte("{}")
	}
	_, err = j.db.Exec(
		`INSERT OR IGNORE INTO events (id, type, task_id, source, timestamp, data) VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.Type, event.TaskID, event.Source, event.Timestamp.UTC(), string(data),
	)
	return err
}

// Record persists a single event synchronously.
func (j *Journal) Record(ctx context.Context, event *bus.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		data = []byte("{}")
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (id, type, task_id, source, timestamp, data) VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.Type, event.TaskID, event.Source, event.Timestamp.UTC(), string(data),
	)
	return err
}

// TaskEvents returns all persisted events for a task in chronological order.
func (j *Journal) TaskEvents(ctx context.Context, taskID string) ([]Record, error) {
	var records []Record
	err := j.db.SelectContext(ctx, &records,
		`SELECT id, type, task_id, source, timestamp, data FROM events WHERE task_id = ? ORDER BY timestamp ASC, rowid ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	return records, nil
}

// Recent returns the latest events, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []Record
	err := j.db.SelectContext(ctx, &records,
		`SELECT id, type, task_id, source, timestamp, data FROM events ORDER BY timestamp DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	return records, nil
}

// Close drains the write queue and closes the database.
func (j *Journal) Close() error {
	close(j.queue)
	<-j.done
	return j.db.Close()
}
