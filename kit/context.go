// Package kit carries request-scoped values through context: the trace ID
// minted by shield, the browser session that owns the request, and the
// upload or job being worked on. Log lines pick these up via Attrs.
package kit

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	TraceIDKey    contextKey = "kit_trace_id"
	SessionIDKey  contextKey = "kit_session_id"
	UploadIDKey   contextKey = "kit_upload_id"
	JobIDKey      contextKey = "kit_job_id"
	RemoteAddrKey contextKey = "kit_remote_addr"
)

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}
func GetSessionID(ctx context.Context) string {
	v, _ := ctx.Value(SessionIDKey).(string)
	return v
}

func WithUploadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, UploadIDKey, id)
}
func GetUploadID(ctx context.Context) string {
	v, _ := ctx.Value(UploadIDKey).(string)
	return v
}

func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, JobIDKey, id)
}
func GetJobID(ctx context.Context) string {
	v, _ := ctx.Value(JobIDKey).(string)
	return v
}

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, RemoteAddrKey, addr)
}
func GetRemoteAddr(ctx context.Context) string {
	v, _ := ctx.Value(RemoteAddrKey).(string)
	return v
}

// Attrs returns the non-empty context values as slog attributes, in a fixed
// order.
func Attrs(ctx context.Context) []any {
	var out []any
	add := func(k, v string) {
		if v != "" {
			out = append(out, slog.String(k, v))
		}
	}
	add("trace_id", GetTraceID(ctx))
	add("session_id", GetSessionID(ctx))
	add("upload_id", GetUploadID(ctx))
	add("job_id", GetJobID(ctx))
	return out
}

// Logger returns base enriched with Attrs(ctx).
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if attrs := Attrs(ctx); len(attrs) > 0 {
		return base.With(attrs...)
	}
	return base
}
