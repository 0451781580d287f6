// Package trace logs the SQL run by the pipeline.
//
// It registers a "sqlite-trace" driver wrapping modernc.org/sqlite. Every
// Exec and Query through it is logged with the trace, session, upload and
// job IDs found on the context:
//
//	trace.Configure(logger, 100*time.Millisecond)
//	db, _ := dbopen.Open(path, dbopen.WithTrace())
//
// Statements log at Debug, slow ones at Warn and failures at Error. PRAGMA
// statements are skipped unless slow or failed.
package trace

import (
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	sqlite "modernc.org/sqlite"
)

// DriverName is the database/sql driver name registered by this package.
const DriverName = "sqlite-trace"

// DefaultSlow is the duration above which a statement logs at Warn.
const DefaultSlow = 100 * time.Millisecond

type settings struct {
	logger *slog.Logger
	slow   time.Duration
}

var (
	mu  sync.RWMutex
	cur = settings{slow: DefaultSlow}

	statements atomic.Int64
	slowCount  atomic.Int64
	failures   atomic.Int64
)

// Configure sets the logger and slow threshold. A nil logger means
// slog.Default(); slow <= 0 keeps DefaultSlow.
func Configure(logger *slog.Logger, slow time.Duration) {
	if slow <= 0 {
		slow = DefaultSlow
	}
	mu.Lock()
	cur = settings{logger: logger, slow: slow}
	mu.Unlock()
}

func current() settings {
	mu.RLock()
	defer mu.RUnlock()
	s := cur
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Stats counts statements seen by the driver since start.
type Stats struct {
	Statements int64 `json:"statements"`
	Slow       int64 `json:"slow"`
	Errors     int64 `json:"errors"`
}

// Snapshot returns the current counters.
func Snapshot() Stats {
	return Stats{
		Statements: statements.Load(),
		Slow:       slowCount.Load(),
		Errors:     failures.Load(),
	}
}

func init() {
	sql.Register(DriverName, &Driver{Driver: &sqlite.Driver{}})
}
