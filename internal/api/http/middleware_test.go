package apihttp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestCorsMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{"no whitelist reflects", nil, "http://example.com", "http://example.com"},
		{"whitelisted", []string{"http://a.com", "http://b.com"}, "http://b.com", "http://b.com"},
		{"rejected", []string{"http://a.com"}, "http://evil.com", ""},
		{"trailing slash trimmed", []string{"http://a.com/"}, "http://a.com", "http://a.com"},
		{"spaces trimmed", []string{"  http://a.com  "}, "http://a.com", "http://a.com"},
		{"same origin", []string{"http://a.com"}, "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/caches", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			rec := httptest.NewRecorder()
			corsMiddleware(tc.allowed, okHandler).ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.want {
				t.Errorf("ACAO = %q, want %q", got, tc.want)
			}
			if rec.Code != http.StatusOK {
				t.Errorf("handler should still run, got %d", rec.Code)
			}
		})
	}
}

func TestCorsMiddlewarePreflight(t *testing.T) {
	called := false
	handler := corsMiddleware(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/caches", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 for preflight, got %d", rec.Code)
	}
	if called {
		t.Error("preflight should not call the next handler")
	}
	if rec.Header().Get("Access-Control-Expose-Headers") == "" {
		t.Error("expected Expose-Headers header to be set")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	handler := rateLimitMiddleware(0.001, 1, okHandler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("expected Retry-After: 1, got %q", got)
	}
	if !strings.Contains(rec.Body.String(), "rate_limited") {
		t.Errorf("expected rate_limited in body, got %q", rec.Body.String())
	}

	for _, path := range []string{"/health", "/metrics", "/caches/abc/stream"} {
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s should bypass the limiter, got %d", path, rec.Code)
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
	}{
		{"string", "test panic"},
		{"error", fmt.Errorf("something went wrong")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handler := recoveryMiddleware(slog.Default(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				panic(tc.value)
			}))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/caches", nil))
			if rec.Code != http.StatusInternalServerError {
				t.Errorf("expected 500, got %d", rec.Code)
			}
		})
	}
}

func TestInstrumentLogsRoute(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	handler := instrument(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("missing"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/caches/abc", nil))
	if rec.Code != http.StatusNotFound || rec.Body.String() != "missing" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line: %v (%s)", err, buf.String())
	}
	if entry["level"] != "WARN" || entry["status"] != float64(http.StatusNotFound) || entry["path"] != "/caches/abc" {
		t.Errorf("log entry = %v", entry)
	}

	buf.Reset()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if buf.Len() != 0 {
		t.Errorf("/metrics should not be logged: %s", buf.String())
	}
}

type fakeHijacker struct {
	http.ResponseWriter
}

func (f *fakeHijacker) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return nil, nil, nil
}

func TestStatusRecorderHijack(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: &fakeHijacker{ResponseWriter: httptest.NewRecorder()}}
	if _, _, err := rec.Hijack(); err != nil {
		t.Errorf("hijack through recorder: %v", err)
	}
	rec = &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rec.Hijack(); err == nil {
		t.Error("expected an error from a writer without Hijack")
	}
}

func TestRequestLevel(t *testing.T) {
	tests := []struct {
		path   string
		status int
		want   slog.Level
	}{
		{"/caches", 500, slog.LevelError},
		{"/caches", 404, slog.LevelWarn},
		{"/caches", 201, slog.LevelInfo},
		{"/health", 200, slog.LevelDebug},
		{"/caches/abc/stream", 206, slog.LevelDebug},
		{"/caches/abc/stream", 500, slog.LevelError},
	}
	for _, tc := range tests {
		if got := requestLevel(tc.path, tc.status); got != tc.want {
			t.Errorf("requestLevel(%q, %d) = %v, want %v", tc.path, tc.status, got, tc.want)
		}
	}
}

func TestRouteOf(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/metrics", "/metrics"},
		{"/health", "/health"},
		{"/sources", "/sources"},
		{"/sessions", "/sessions"},
		{"/sessions/abc", "/sessions/:id"},
		{"/sessions/abc/sources/x/restart", "/sessions/:id/sources/:source/restart"},
		{"/caches", "/caches"},
		{"/caches/abc", "/caches/:id"},
		{"/caches/abc/stream", "/caches/:id/stream"},
		{"/caches/abc/pause", "/caches/:id/pause"},
		{"/caches/abc/resume", "/caches/:id/resume"},
		{"/history", "/history"},
		{"/ws", "/ws"},
		{"/unknown", "/other"},
		{"/caches/abc/extra", "/other"},
		{"/sessions/abc/sources/x", "/other"},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			if got := routeOf(tc.path); got != tc.want {
				t.Errorf("routeOf(%q) = %q, want %q", tc.path, got, tc.want)
			}
		})
	}
}

func TestMiddlewareChainRecoveryOutermost(t *testing.T) {
	logger := slog.Default()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test chain panic")
	})
	chain := recoveryMiddleware(logger,
		rateLimitMiddleware(100, 200,
			corsMiddleware(nil,
				instrument(logger, inner))))

	req := httptest.NewRequest(http.MethodGet, "/caches", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 from recovery middleware, got %d", rec.Code)
	}
}
