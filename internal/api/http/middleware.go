package apihttp

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"torrentstream/mediaengine/internal/metrics"
)

// statusRecorder remembers the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes WebSocket upgrades through.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer cannot be hijacked")
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// corsMiddleware reflects allowed origins. An empty list allows any origin;
// requests without an Origin header get no CORS headers.
func corsMiddleware(allowed []string, next http.Handler) http.Handler {
	whitelist := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		if origin = strings.TrimRight(strings.TrimSpace(origin), "/"); origin != "" {
			whitelist[origin] = true
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			h := w.Header()
			if len(whitelist) == 0 || whitelist[strings.TrimRight(origin, "/")] {
				h.Set("Access-Control-Allow-Origin", origin)
			}
			h.Set("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Range")
			h.Set("Access-Control-Expose-Headers", "Content-Range, Accept-Ranges, Content-Length")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument logs every request and records its route metrics. /metrics
// itself is neither logged nor counted.
func instrument(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route := routeOf(r.URL.Path)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		logger.LogAttrs(r.Context(), requestLevel(r.URL.Path, rec.status), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", elapsed),
			slog.String("remote", r.RemoteAddr),
		)
	})
}

func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				logger.Error("handler panic",
					slog.Any("panic", v),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				)
				writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// routeOf maps a request path to a bounded metrics label.
func routeOf(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 1:
		switch parts[0] {
		case "health", "metrics", "sources", "sessions", "caches", "history", "ws":
			return path
		}
	case parts[0] == "sessions" && len(parts) == 2:
		return "/sessions/:id"
	case parts[0] == "sessions" && len(parts) == 5 && parts[2] == "sources" && parts[4] == "restart":
		return "/sessions/:id/sources/:source/restart"
	case parts[0] == "caches" && len(parts) == 2:
		return "/caches/:id"
	case parts[0] == "caches" && len(parts) == 3:
		switch parts[2] {
		case "stream", "pause", "resume":
			return "/caches/:id/" + parts[2]
		}
	}
	return "/other"
}

// requestLevel keeps health checks and stream range requests out of the
// info log unless they fail.
func requestLevel(path string, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case unthrottled(path):
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// unthrottled paths bypass the rate limiter.
func unthrottled(path string) bool {
	return path == "/health" || path == "/metrics" || isStreamPath(path)
}

// rateLimitMiddleware applies one token bucket to the whole API.
func rateLimitMiddleware(rps float64, burst int, next http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !unthrottled(r.URL.Path) && !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
