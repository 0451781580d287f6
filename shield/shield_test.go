package shield

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/edfpipe/dbopen"
	"github.com/hazyhaar/edfpipe/kit"
)

func shieldDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func decodeError(t *testing.T, body io.Reader) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(body).Decode(&m); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return m
}

func TestMaintenance_Off(t *testing.T) {
	mm := NewMaintenanceMode(shieldDB(t))
	w := httptest.NewRecorder()
	mm.Middleware(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/processing", nil))
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Errorf("got %d %q", w.Code, w.Body.String())
	}
}

func TestMaintenance_OnWithExclusions(t *testing.T) {
	db := shieldDB(t)
	if err := SetMaintenance(context.Background(), db, true, "disk swap"); err != nil {
		t.Fatal(err)
	}
	mm := NewMaintenanceMode(db, "/healthz")
	h := mm.Middleware(okHandler())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/upload_chunks", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	if ra := w.Header().Get("Retry-After"); ra != "300" {
		t.Errorf("Retry-After = %q", ra)
	}
	body := decodeError(t, w.Body)
	if body["code"] != "maintenance" || body["error"] != "disk swap" || body["success"] != false {
		t.Errorf("body = %v", body)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/healthz blocked: %d", w.Code)
	}
}

func TestMaintenance_Toggle(t *testing.T) {
	db := shieldDB(t)
	ctx := context.Background()
	mm := NewMaintenanceMode(db)
	if mm.Active() {
		t.Fatal("expected off initially")
	}

	SetMaintenance(ctx, db, true, "")
	mm.Reload(ctx)
	if !mm.Active() {
		t.Fatal("expected on after toggle")
	}
	if !strings.Contains(mm.Message(), "maintenance") {
		t.Errorf("empty message replaced the default: %q", mm.Message())
	}

	SetMaintenance(ctx, db, false, "")
	mm.Reload(ctx)
	if mm.Active() {
		t.Fatal("expected off after second toggle")
	}
}

func TestMaintenance_NoTable(t *testing.T) {
	// WHAT: no maintenance table at all.
	// WHY: a fresh database must not block traffic.
	mm := NewMaintenanceMode(dbopen.OpenMemory(t))
	if mm.Active() {
		t.Error("expected maintenance off when table missing")
	}
}

func TestRateLimiter(t *testing.T) {
	db := shieldDB(t)
	ctx := context.Background()
	err := SeedRules(ctx, db, map[string]RateLimitConfig{
		"POST /upload_chunks": {MaxRequests: 2, Window: time.Minute, Enabled: true},
		"POST /parse_file":    {MaxRequests: 1, Window: time.Minute, Enabled: false},
	})
	if err != nil {
		t.Fatal(err)
	}
	rl := NewRateLimiter(db, "/healthz")
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }
	h := rl.Middleware(okHandler())

	hit := func(method, path, ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	for i := 0; i < 2; i++ {
		if w := hit("POST", "/upload_chunks", "10.0.0.1"); w.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i, w.Code)
		}
	}
	w := hit("POST", "/upload_chunks", "10.0.0.1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
	if body := decodeError(t, w.Body); body["code"] != "rate_limited" {
		t.Errorf("body = %v", body)
	}

	if w := hit("POST", "/upload_chunks", "10.0.0.2"); w.Code != http.StatusOK {
		t.Errorf("other IP limited: %d", w.Code)
	}
	for i := 0; i < 3; i++ {
		if w := hit("POST", "/parse_file", "10.0.0.1"); w.Code != http.StatusOK {
			t.Errorf("disabled rule enforced: %d", w.Code)
		}
	}

	now = now.Add(61 * time.Second)
	if w := hit("POST", "/upload_chunks", "10.0.0.1"); w.Code != http.StatusOK {
		t.Errorf("window did not reset: %d", w.Code)
	}
	rl.gc()
	if len(rl.buckets) != 1 {
		t.Errorf("buckets after gc = %d", len(rl.buckets))
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		xff, remote, want string
	}{
		{"", "192.0.2.1:5000", "192.0.2.1"},
		{"203.0.113.7, 10.0.0.1", "10.0.0.1:80", "203.0.113.7"},
		{" 203.0.113.8 ", "10.0.0.1:80", "203.0.113.8"},
		{"", "unix", "unix"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = tt.remote
		if tt.xff != "" {
			r.Header.Set("X-Forwarded-For", tt.xff)
		}
		if got := ExtractIP(r); got != tt.want {
			t.Errorf("ExtractIP(%q, %q) = %q, want %q", tt.xff, tt.remote, got, tt.want)
		}
	}
}

func TestMaxBody(t *testing.T) {
	var readErr error
	h := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	req := httptest.NewRequest("POST", "/upload_chunks", bytes.NewReader(make([]byte, 32)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("declared length over cap: %d", w.Code)
	}

	// Unknown length: the limit applies while reading.
	req = httptest.NewRequest("POST", "/upload_chunks", io.NopCloser(bytes.NewReader(make([]byte, 32))))
	req.ContentLength = -1
	h.ServeHTTP(httptest.NewRecorder(), req)
	if !IsTooLarge(readErr) {
		t.Errorf("read err = %v", readErr)
	}

	req = httptest.NewRequest("POST", "/upload_chunks", strings.NewReader("small"))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if readErr != nil {
		t.Errorf("small body: %v", readErr)
	}
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(DefaultHeaders())(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	for k, v := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := w.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	w = httptest.NewRecorder()
	SecurityHeaders(HeaderConfig{})(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Header().Get("X-Frame-Options") != "" {
		t.Error("empty config still set headers")
	}
}

func TestTrace(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var seen string
	h := Trace(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = kit.GetTraceID(r.Context())
		GetLogger(r.Context()).Info("inside")
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/progress_status", nil))
	if seen == "" || w.Header().Get("X-Trace-ID") != seen {
		t.Fatalf("trace id %q, header %q", seen, w.Header().Get("X-Trace-ID"))
	}
	if !strings.Contains(buf.String(), `"trace_id":"`+seen+`"`) {
		t.Errorf("log lacks trace id: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"status":418`) {
		t.Errorf("completion line lacks status: %s", buf.String())
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Trace-ID", "client-abc123")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if seen != "client-abc123" {
		t.Errorf("incoming trace id dropped: %q", seen)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Trace-ID", "bad id\n")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen == "bad id\n" {
		t.Error("unsafe trace id accepted")
	}
}

func TestHeadAsGet(t *testing.T) {
	var method string
	var head bool
	h := HeadAsGet(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, head = r.Method, IsHead(r.Context())
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.7"))
	}))

	req := httptest.NewRequest("HEAD", "/download/x.pdf", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if method != http.MethodGet || !head {
		t.Errorf("handler saw method=%s head=%v", method, head)
	}
	if req.Method != http.MethodHead {
		t.Errorf("caller's request mutated to %s", req.Method)
	}
	if w.Body.Len() != 0 || w.Header().Get("Content-Type") != "application/pdf" {
		t.Errorf("head response: body=%q type=%q", w.Body.String(), w.Header().Get("Content-Type"))
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/download/x.pdf", nil))
	if head || w.Body.String() != "%PDF-1.7" {
		t.Errorf("get: head=%v body=%q", head, w.Body.String())
	}
}
