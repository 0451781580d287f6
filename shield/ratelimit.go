package shield

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig defines the rate limit for a single endpoint.
type RateLimitConfig struct {
	MaxRequests int
	Window      time.Duration
	Enabled     bool
}

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter provides per-IP, per-endpoint fixed-window rate limiting.
// Rules live in the rate_limits table (see Schema), keyed "METHOD /path",
// and are cached in memory until the next reload.
type RateLimiter struct {
	db      *sql.DB
	exclude []string

	mu      sync.Mutex
	rules   map[string]RateLimitConfig
	buckets map[string]*bucket
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter reading rules from db. Paths with
// one of excludePrefixes are never limited.
func NewRateLimiter(db *sql.DB, excludePrefixes ...string) *RateLimiter {
	rl := &RateLimiter{
		db:      db,
		exclude: excludePrefixes,
		rules:   make(map[string]RateLimitConfig),
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	rl.Reload(context.Background())
	return rl
}

// SeedRules upserts rules into the rate_limits table.
func SeedRules(ctx context.Context, db *sql.DB, rules map[string]RateLimitConfig) error {
	for endpoint, cfg := range rules {
		_, err := db.ExecContext(ctx, `
			INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(endpoint) DO UPDATE SET
				max_requests = excluded.max_requests,
				window_seconds = excluded.window_seconds,
				enabled = excluded.enabled`,
			endpoint, cfg.MaxRequests, int(cfg.Window/time.Second), boolInt(cfg.Enabled))
		if err != nil {
			return fmt.Errorf("shield: seed rate limit %q: %w", endpoint, err)
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// StartReloader reloads rules every minute and drops expired buckets
// every five, until ctx is cancelled.
func (rl *RateLimiter) StartReloader(ctx context.Context) {
	reloadTick := time.NewTicker(time.Minute)
	gcTick := time.NewTicker(5 * time.Minute)
	go func() {
		defer reloadTick.Stop()
		defer gcTick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-reloadTick.C:
				rl.Reload(ctx)
			case <-gcTick.C:
				rl.gc()
			}
		}
	}()
}

// Reload re-reads the rules. On error the previous rules stay in force.
func (rl *RateLimiter) Reload(ctx context.Context) {
	rows, err := rl.db.QueryContext(ctx, `SELECT endpoint, max_requests, window_seconds, enabled FROM rate_limits`)
	if err != nil {
		slog.Warn("ratelimit: failed to reload rules", "error", err)
		return
	}
	defer rows.Close()

	rules := make(map[string]RateLimitConfig)
	for rows.Next() {
		var endpoint string
		var cfg RateLimitConfig
		var window, enabled int
		if err := rows.Scan(&endpoint, &cfg.MaxRequests, &window, &enabled); err != nil {
			continue
		}
		cfg.Window = time.Duration(window) * time.Second
		cfg.Enabled = enabled == 1
		rules[endpoint] = cfg
	}

	rl.mu.Lock()
	rl.rules = rules
	rl.mu.Unlock()
	slog.Debug("ratelimit: rules reloaded", "count", len(rules))
}

func (rl *RateLimiter) gc() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if now.After(b.resetAt) {
			delete(rl.buckets, key)
		}
	}
}

// allow counts one request and reports whether it fits the window. When it
// does not, retry is the time left until the window resets.
func (rl *RateLimiter) allow(ip, endpoint string) (ok bool, retry time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cfg, found := rl.rules[endpoint]
	if !found || !cfg.Enabled || cfg.Window <= 0 {
		return true, 0
	}
	key := ip + " " + endpoint
	now := rl.now()
	b, found := rl.buckets[key]
	if !found || now.After(b.resetAt) {
		rl.buckets[key] = &bucket{count: 1, resetAt: now.Add(cfg.Window)}
		return true, 0
	}
	b.count++
	if b.count <= cfg.MaxRequests {
		return true, 0
	}
	return false, b.resetAt.Sub(now)
}

// Middleware answers 429 with a JSON error once a client exceeds the rule
// for the requested endpoint.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		endpoint := r.Method + " " + r.URL.Path
		ip := ExtractIP(r)
		ok, retry := rl.allow(ip, endpoint)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		GetLogger(r.Context()).Warn("ratelimit: request blocked", "ip", ip, "endpoint", endpoint)
		secs := int(retry.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		WriteError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
