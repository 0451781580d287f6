package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/edfpipe/idgen"
)

// Pipeline event types.
const (
	EventUploadAssembled  = "upload_assembled"
	EventUploadIncomplete = "upload_incomplete"
	EventJobEnqueued      = "job_enqueued"
	EventJobFinished      = "job_finished"
	EventJobFailed        = "job_failed"
	EventJobArchived      = "job_archived"
)

// Event is one pipeline transition worth keeping after the logs rotate.
type Event struct {
	Type     string
	UploadID string
	JobID    string
	Detail   string
	Success  bool
}

// EventLog appends pipeline events to the pipeline_events table. Writes are
// best effort: a failing insert is logged and swallowed.
type EventLog struct {
	db    *sql.DB
	newID idgen.Generator
}

// NewEventLog returns an EventLog over db, which must carry Schema.
func NewEventLog(db *sql.DB) *EventLog {
	return &EventLog{db: db, newID: idgen.Prefixed("evt_", idgen.Default)}
}

// Record inserts ev. A nil EventLog is a no-op.
func (l *EventLog) Record(ctx context.Context, ev Event) {
	if l == nil {
		return
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO pipeline_events (event_id, event_type, upload_id, job_id, detail, success, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		l.newID(), ev.Type, ev.UploadID, ev.JobID, ev.Detail, ev.Success, time.Now().Unix())
	if err != nil {
		slog.Warn("pipeline event insert failed", "error", err, "event_type", ev.Type)
	}
}

// ForJob returns the events recorded for jobID, oldest first.
func (l *EventLog) ForJob(ctx context.Context, jobID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_type, upload_id, job_id, detail, success
		FROM pipeline_events WHERE job_id = ? ORDER BY created_at, rowid`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Type, &ev.UploadID, &ev.JobID, &ev.Detail, &ev.Success); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RetentionConfig specifies per-table retention in days. Zero means keep.
type RetentionConfig struct {
	EventDays     int
	HeartbeatDays int
}

// Cleanup deletes event and heartbeat rows older than the retention window.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()
	targets := []struct {
		query string
		days  int
	}{
		{"DELETE FROM pipeline_events WHERE created_at < ?", cfg.EventDays},
		{"DELETE FROM worker_heartbeats WHERE timestamp < ?", cfg.HeartbeatDays},
	}
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		if _, err := db.ExecContext(ctx, t.query, now-int64(t.days*86400)); err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
	}
	return nil
}
