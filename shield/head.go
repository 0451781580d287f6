package shield

import (
	"context"
	"net/http"
)

type headKey struct{}

// HeadAsGet routes HEAD through the GET handlers so downloads and status
// endpoints answer HEAD with their real headers instead of 405. The handler
// sees a GET on a copy of the request; IsHead tells it the body is never
// sent, and anything it writes anyway is discarded here.
func HeadAsGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		get := r.WithContext(context.WithValue(r.Context(), headKey{}, true))
		get.Method = http.MethodGet
		next.ServeHTTP(headWriter{w}, get)
	})
}

// IsHead reports whether the request reached the handler as a HEAD.
// Handlers use it to skip opening large files.
func IsHead(ctx context.Context) bool {
	v, _ := ctx.Value(headKey{}).(bool)
	return v
}

type headWriter struct {
	http.ResponseWriter
}

func (h headWriter) Write(p []byte) (int, error) { return len(p), nil }

func (h headWriter) Unwrap() http.ResponseWriter { return h.ResponseWriter }
