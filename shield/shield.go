// Package shield holds the HTTP middleware shared by the edfpipe endpoints:
// security headers, request body limits, request tracing, per-IP rate
// limiting, maintenance mode and HEAD handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack(db, logger, maxBody) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultStack returns the standard middleware stack, outermost first:
// Maintenance, HeadAsGet, SecurityHeaders, MaxBody, TraceID, RateLimiter.
// /healthz bypasses maintenance and rate limiting.
func DefaultStack(db *sql.DB, logger *slog.Logger, maxBody int64) ([]func(http.Handler) http.Handler, *MaintenanceMode, *RateLimiter) {
	mm := NewMaintenanceMode(db, "/healthz")
	rl := NewRateLimiter(db, "/healthz")
	return []func(http.Handler) http.Handler{
		mm.Middleware,
		HeadAsGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(maxBody),
		Trace(logger),
		rl.Middleware,
	}, mm, rl
}

// WriteError writes the JSON error body every edfpipe endpoint uses.
func WriteError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   msg,
		"code":    code,
	})
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
