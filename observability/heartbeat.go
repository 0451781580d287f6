package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// HeartbeatWriter records periodic liveness rows for a worker process so
// the HTTP side can tell whether anyone is draining the queue.
type HeartbeatWriter struct {
	db         *sql.DB
	workerName string
	hostname   string
	workerPID  int
	interval   time.Duration
	inFlight   func() int
	done       chan struct{}
}

// NewHeartbeatWriter creates a writer. inFlight reports the number of jobs
// currently executing; nil reports zero.
func NewHeartbeatWriter(db *sql.DB, workerName string, interval time.Duration, inFlight func() int) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if inFlight == nil {
		inFlight = func() int { return 0 }
	}
	return &HeartbeatWriter{
		db:         db,
		workerName: workerName,
		hostname:   hostname,
		workerPID:  os.Getpid(),
		interval:   interval,
		inFlight:   inFlight,
		done:       make(chan struct{}),
	}
}

// Run writes one heartbeat immediately, then one per interval until ctx is
// cancelled.
func (hw *HeartbeatWriter) Run(ctx context.Context) {
	defer close(hw.done)
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	for {
		if err := hw.WriteHeartbeat(ctx); err != nil && ctx.Err() == nil {
			slog.Error("heartbeat write failed", "error", err, "worker", hw.workerName)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Done is closed when Run returns.
func (hw *HeartbeatWriter) Done() <-chan struct{} { return hw.done }

// WriteHeartbeat writes a single heartbeat row.
func (hw *HeartbeatWriter) WriteHeartbeat(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (
			worker_name, hostname, worker_pid, timestamp,
			goroutines_count, memory_alloc_mb, jobs_in_flight
		) VALUES (?,?,?,?,?,?,?)`,
		hw.workerName, hw.hostname, hw.workerPID, time.Now().Unix(),
		runtime.NumGoroutine(), float64(mem.Alloc)/1024/1024, hw.inFlight())
	if err != nil {
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	return nil
}

// HeartbeatStatus is the latest heartbeat for a worker with a staleness verdict.
type HeartbeatStatus struct {
	WorkerName   string         `json:"worker_name"`
	Hostname     string         `json:"hostname"`
	PID          int            `json:"pid"`
	Timestamp    time.Time      `json:"timestamp"`
	JobsInFlight int            `json:"jobs_in_flight"`
	Alive        bool           `json:"alive"`
	StaleSince   *time.Duration `json:"stale_since,omitempty"`
}

// LatestHeartbeat returns the most recent heartbeat for workerName, or nil
// when none has been written. stalenessThreshold is typically three times
// the heartbeat interval.
func LatestHeartbeat(ctx context.Context, db *sql.DB, workerName string, stalenessThreshold time.Duration) (*HeartbeatStatus, error) {
	row := db.QueryRowContext(ctx, `
		SELECT worker_name, hostname, worker_pid, timestamp, jobs_in_flight
		FROM worker_heartbeats
		WHERE worker_name = ?
		ORDER BY timestamp DESC LIMIT 1`, workerName)

	var hs HeartbeatStatus
	var ts int64
	err := row.Scan(&hs.WorkerName, &hs.Hostname, &hs.PID, &ts, &hs.JobsInFlight)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest heartbeat: %w", err)
	}

	hs.Timestamp = time.Unix(ts, 0)
	age := time.Since(hs.Timestamp)
	if age <= stalenessThreshold {
		hs.Alive = true
	} else {
		stale := age - stalenessThreshold
		hs.StaleSince = &stale
	}
	return &hs, nil
}
