package shield

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// MaintenanceMode answers 503 while the maintenance flag is set. The flag
// lives in the maintenance table so every serve process sharing the database
// sees it, and is cached in memory between reloads.
type MaintenanceMode struct {
	db      *sql.DB
	active  atomic.Bool
	message atomic.Value // string
	exclude []string
}

// NewMaintenanceMode creates a maintenance mode checker. Paths matching any
// of excludePrefixes are never blocked.
func NewMaintenanceMode(db *sql.DB, excludePrefixes ...string) *MaintenanceMode {
	m := &MaintenanceMode{
		db:      db,
		exclude: excludePrefixes,
	}
	m.message.Store("Service under maintenance, please retry later.")
	m.Reload(context.Background())
	return m
}

// SetMaintenance turns the flag on or off. An empty message keeps the
// stored one.
func SetMaintenance(ctx context.Context, db *sql.DB, active bool, message string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE maintenance SET active = ?, message = COALESCE(NULLIF(?, ''), message)
		WHERE id = 1`, boolInt(active), message)
	return err
}

// Active reports whether maintenance mode is currently on.
func (m *MaintenanceMode) Active() bool {
	return m.active.Load()
}

// Message returns the current maintenance message.
func (m *MaintenanceMode) Message() string {
	s, _ := m.message.Load().(string)
	return s
}

// StartReloader reloads the flag every 5 seconds until ctx is cancelled.
func (m *MaintenanceMode) StartReloader(ctx context.Context) {
	tick := time.NewTicker(5 * time.Second)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				m.Reload(ctx)
			}
		}
	}()
}

// Reload re-reads the flag. A missing table or row means maintenance off.
func (m *MaintenanceMode) Reload(ctx context.Context) {
	var active int
	var message string
	err := m.db.QueryRowContext(ctx, `SELECT active, message FROM maintenance WHERE id = 1`).Scan(&active, &message)
	if err != nil {
		if m.active.Load() {
			slog.Info("maintenance: flag cleared (table missing or empty)")
		}
		m.active.Store(false)
		return
	}

	was := m.active.Load()
	m.active.Store(active == 1)
	if message != "" {
		m.message.Store(message)
	}
	if active == 1 && !was {
		slog.Warn("maintenance: mode enabled", "message", message)
	} else if active != 1 && was {
		slog.Info("maintenance: mode disabled")
	}
}

// Middleware blocks requests with a 503 JSON error while maintenance is on.
func (m *MaintenanceMode) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.active.Load() {
			next.ServeHTTP(w, r)
			return
		}
		for _, prefix := range m.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("Retry-After", "300")
		WriteError(w, http.StatusServiceUnavailable, "maintenance", m.Message())
	})
}
