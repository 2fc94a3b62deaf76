package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"torrentstream/mediaengine/internal/domain"
	"torrentstream/mediaengine/internal/fetch"
	"torrentstream/mediaengine/internal/lazycache"
	"torrentstream/mediaengine/internal/mediacache"
)

type MediaFetcher interface {
	NewSession(ctx context.Context, request domain.MediaFetchRequest, opts ...fetch.SessionOption) *fetch.Session
	Sources() []domain.SourceInfo
	Diagnostics() []fetch.SourceHealth
}

type MediaStorage interface {
	Cache(ctx context.Context, media domain.Media, metadata domain.MediaCacheMetadata) (*mediacache.MediaCache, error)
	Delete(ctx context.Context, cache *mediacache.MediaCache) error
	List() []*mediacache.MediaCache
	Get(id domain.CacheID) (*mediacache.MediaCache, error)
	Subscribe(ctx context.Context) <-chan []*mediacache.MediaCache
	History() *lazycache.Cache[domain.MediaCacheRecord]
}

const (
	defaultMaxSessions   = 32
	defaultStatsInterval = time.Second
)

type Server struct {
	fetcher        MediaFetcher
	storage        MediaStorage
	allowedOrigins []string
	maxSessions    int
	statsInterval  time.Duration
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub

	// ctx outlives requests; fetch sessions and broadcasters run under it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sessionsMu sync.Mutex
	sessions   map[string]*fetch.Session
	order      []string
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithMaxSessions caps live fetch sessions; the oldest is closed first.
func WithMaxSessions(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxSessions = n
		}
	}
}

func WithStatsInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.statsInterval = d
		}
	}
}

func NewServer(fetcher MediaFetcher, storage MediaStorage, opts ...ServerOption) *Server {
	s := &Server{
		fetcher:       fetcher,
		storage:       storage,
		maxSessions:   defaultMaxSessions,
		statsInterval: defaultStatsInterval,
		sessions:      make(map[string]*fetch.Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wsHub = newWSHub(s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/sources", s.handleSources)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/sessions/", s.handleSessionByID)
	mux.HandleFunc("/caches", s.handleCaches)
	mux.HandleFunc("/caches/", s.handleCacheByID)
	mux.HandleFunc("/history", s.handleHistory)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(instrument(s.logger, mux), "mediaengine",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(100, 200, corsMiddleware(s.allowedOrigins, traced)))

	if storage != nil {
		s.wg.Add(1)
		go s.broadcastCaches()
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close stops broadcasters, closes every fetch session and disconnects
// WebSocket clients.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()

	s.sessionsMu.Lock()
	sessions := make([]*fetch.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*fetch.Session)
	s.order = nil
	s.sessionsMu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	s.wsHub.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, sourcesResponse{
		Items:  s.fetcher.Sources(),
		Health: s.fetcher.Diagnostics(),
	})
}

type sourcesResponse struct {
	Items  []domain.SourceInfo  `json:"items"`
	Health []fetch.SourceHealth `json:"health"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client, ok := s.wsHub.join(conn)
	if !ok {
		conn.Close()
		return
	}
	go client.writeLoop()
	go client.readLoop()

	if s.storage != nil {
		s.wsHub.Broadcast("caches", cacheViews(s.storage.List()))
	}
}

// broadcastCaches pushes the cache list on every change and the caches'
// stats on a ticker while clients are connected.
func (s *Server) broadcastCaches() {
	defer s.wg.Done()
	updates := s.storage.Subscribe(s.ctx)
	ticker := time.NewTicker(s.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case list, ok := <-updates:
			if !ok {
				return
			}
			s.wsHub.Broadcast("caches", cacheViews(list))
		case <-ticker.C:
			if s.wsHub.clientCount() == 0 {
				continue
			}
			s.wsHub.Broadcast("caches", cacheViews(s.storage.List()))
		}
	}
}

// watchSession broadcasts the session's snapshot after each change until it
// completes or the server stops.
func (s *Server) watchSession(sess *fetch.Session) {
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	for range sess.Changes(ctx) {
		snap := sess.Snapshot()
		snap.Results = nil
		s.wsHub.Broadcast("session", snap)
		if snap.Completed {
			return
		}
	}
}

func isStreamPath(path string) bool {
	return strings.HasPrefix(path, "/caches/") && strings.HasSuffix(path, "/stream")
}
