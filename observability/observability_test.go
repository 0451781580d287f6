package observability

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/edfpipe/dbopen"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNewLogger_FanOut(t *testing.T) {
	var console, file bytes.Buffer
	logger := NewLogger(&console, &file, slog.LevelInfo)
	logger.Info("chunk stored", "upload_id", "up-1", "chunk_index", 2)
	logger.Debug("filtered")

	if !strings.Contains(console.String(), "upload_id=up-1") {
		t.Errorf("console missing text record: %q", console.String())
	}
	var rec map[string]any
	if err := json.Unmarshal(file.Bytes(), &rec); err != nil {
		t.Fatalf("file record not JSON: %v (%q)", err, file.String())
	}
	if rec["msg"] != "chunk stored" || rec["upload_id"] != "up-1" {
		t.Errorf("file record = %v", rec)
	}
	if strings.Contains(console.String(), "filtered") {
		t.Error("debug record should be filtered at info level")
	}
}

func TestSetupLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "edfpipe.log")
	logger, cleanup := SetupLogger(path, slog.LevelInfo)
	logger.Info("hello")
	if err := cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, cleanupNone := SetupLogger("", slog.LevelInfo); cleanupNone() != nil {
		t.Fatal("stderr-only cleanup should be a no-op")
	}
}

func TestHeartbeat_WriteAndLatest(t *testing.T) {
	db := setupObsDB(t)
	ctx := context.Background()

	hs, err := LatestHeartbeat(ctx, db, "w1", time.Minute)
	if err != nil || hs != nil {
		t.Fatalf("before any beat: %v, %v", hs, err)
	}

	hw := NewHeartbeatWriter(db, "w1", time.Hour, func() int { return 2 })
	if err := hw.WriteHeartbeat(ctx); err != nil {
		t.Fatalf("WriteHeartbeat: %v", err)
	}
	hs, err = LatestHeartbeat(ctx, db, "w1", time.Minute)
	if err != nil {
		t.Fatalf("LatestHeartbeat: %v", err)
	}
	if hs == nil || !hs.Alive || hs.JobsInFlight != 2 {
		t.Fatalf("status = %+v", hs)
	}
}

func TestHeartbeat_Stale(t *testing.T) {
	db := setupObsDB(t)
	old := time.Now().Add(-time.Hour).Unix()
	_, err := db.Exec(`INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp)
		VALUES ('w1', 'h', 1, ?)`, old)
	if err != nil {
		t.Fatal(err)
	}
	hs, err := LatestHeartbeat(context.Background(), db, "w1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hs.Alive || hs.StaleSince == nil {
		t.Fatalf("expected stale heartbeat, got %+v", hs)
	}
}

func TestHeartbeat_RunStopsOnCancel(t *testing.T) {
	db := setupObsDB(t)
	hw := NewHeartbeatWriter(db, "w2", 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hw.Run(ctx)
	time.Sleep(35 * time.Millisecond)
	cancel()
	select {
	case <-hw.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	var n int
	db.QueryRow(`SELECT COUNT(*) FROM worker_heartbeats WHERE worker_name = 'w2'`).Scan(&n)
	if n < 1 {
		t.Fatalf("heartbeats = %d, want >= 1", n)
	}
}

func TestEventLog(t *testing.T) {
	db := setupObsDB(t)
	ctx := context.Background()
	el := NewEventLog(db)

	el.Record(ctx, Event{Type: EventJobEnqueued, UploadID: "up-1", JobID: "job-1", Success: true})
	el.Record(ctx, Event{Type: EventJobFailed, JobID: "job-1", Detail: "timeout"})
	el.Record(ctx, Event{Type: EventJobEnqueued, JobID: "job-2", Success: true})

	evs, err := el.ForJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].Type != EventJobEnqueued || evs[1].Detail != "timeout" || evs[1].Success {
		t.Fatalf("events = %+v", evs)
	}

	var nilLog *EventLog
	nilLog.Record(ctx, Event{Type: EventJobFailed})
}

func TestCleanup(t *testing.T) {
	db := setupObsDB(t)
	ctx := context.Background()
	old := time.Now().AddDate(0, 0, -10).Unix()
	db.Exec(`INSERT INTO pipeline_events (event_id, event_type, created_at) VALUES ('e1', 'x', ?)`, old)
	db.Exec(`INSERT INTO pipeline_events (event_id, event_type, created_at) VALUES ('e2', 'x', ?)`, time.Now().Unix())
	db.Exec(`INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp) VALUES ('w', 'h', 1, ?)`, old)

	if err := Cleanup(ctx, db, RetentionConfig{EventDays: 7, HeartbeatDays: 7}); err != nil {
		t.Fatal(err)
	}
	var ev, hb int
	db.QueryRow(`SELECT COUNT(*) FROM pipeline_events`).Scan(&ev)
	db.QueryRow(`SELECT COUNT(*) FROM worker_heartbeats`).Scan(&hb)
	if ev != 1 || hb != 0 {
		t.Fatalf("after cleanup: events=%d heartbeats=%d", ev, hb)
	}
}
