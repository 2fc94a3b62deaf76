package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	apihttp "torrentstream/mediaengine/internal/api/http"
	"torrentstream/mediaengine/internal/app"
	"torrentstream/mediaengine/internal/domain/ports"
	"torrentstream/mediaengine/internal/fetch"
	"torrentstream/mediaengine/internal/mediacache"
	"torrentstream/mediaengine/internal/metrics"
	boltrepo "torrentstream/mediaengine/internal/repository/bolt"
	mongorepo "torrentstream/mediaengine/internal/repository/mongo"
	"torrentstream/mediaengine/internal/services/torrent/engine/anacrolix"
	"torrentstream/mediaengine/internal/source/cached"
	"torrentstream/mediaengine/internal/source/torrentsearch"
	"torrentstream/mediaengine/internal/telemetry"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Error("config load failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "mediaengine")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "mediaengine"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("repository", cfg.Repository),
		slog.String("dataDir", cfg.TorrentDataDir),
		slog.String("searchService", cfg.SearchServiceURL),
		slog.Bool("redisCache", cfg.RedisAddr != ""),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
	defer cancel()

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		logger.Error("repository open failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	engine, err := anacrolix.New(anacrolix.Config{
		DataDir:         cfg.TorrentDataDir,
		MaxConns:        cfg.TorrentMaxConns,
		MetadataTimeout: cfg.MetadataTimeout(),
	})
	if err != nil {
		logger.Error("torrent engine init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var source ports.MediaSource = torrentsearch.New(torrentsearch.Config{BaseURL: cfg.SearchServiceURL})
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		backend := cached.NewRedisBackend(redisClient)
		if err := backend.Ping(ctx); err != nil {
			logger.Warn("redis ping failed, results will not be cached", slog.String("error", err.Error()))
		}
		source = cached.Wrap(source, backend, cached.WithTTL(cfg.RedisTTL()), cached.WithLogger(logger))
	}

	retry := fetch.DefaultRetryConfig()
	retry.MaxAttempts = cfg.FetchRetryAttempts
	retry.InitialDelay = cfg.FetchRetryDelay()
	fetcher := fetch.NewFetcher([]ports.MediaSource{source},
		fetch.WithRetry(retry),
		fetch.WithRateLimit(cfg.SourceRatePerSec, 2),
		fetch.WithMaxConcurrent(cfg.SourceMaxConcurrent),
		fetch.WithLogger(logger),
	)

	storage := mediacache.NewStorage(engine, repo,
		mediacache.WithLogger(logger),
		mediacache.WithHistoryPageSize(cfg.HistoryPageSize),
	)

	// Restore in the background so the HTTP server starts immediately.
	go func() {
		if err := storage.Restore(rootCtx); err != nil {
			logger.Warn("restore caches failed", slog.String("error", err.Error()))
		}
	}()

	handler := apihttp.NewServer(fetcher, storage,
		apihttp.WithLogger(logger),
		apihttp.WithAllowedOrigins(cfg.AllowedOrigins()),
	)

	go updateCacheMetrics(rootCtx, storage)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	if err := storage.Close(); err != nil {
		logger.Warn("storage close error", slog.String("error", err.Error()))
	}
	if err := engine.Close(); err != nil {
		logger.Warn("engine close error", slog.String("error", err.Error()))
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if err := closeRepo(shutdownCtx); err != nil {
		logger.Warn("repository close error", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
}

// openRepository returns the configured cache record store and its closer.
func openRepository(ctx context.Context, cfg app.Config, logger *slog.Logger) (ports.MediaCacheRepository, func(context.Context) error, error) {
	if cfg.Repository == app.RepositoryMongo {
		client, err := mongorepo.Connect(ctx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
		if err != nil {
			return nil, nil, err
		}
		if err := client.Ping(ctx, readpref.Primary()); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		repo := mongorepo.NewRepository(client, cfg.MongoDatabase, cfg.MongoCollection)
		if err := repo.EnsureIndexes(ctx); err != nil {
			logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
		}
		return repo, client.Disconnect, nil
	}

	repo, err := boltrepo.Open(cfg.BoltPath)
	if err != nil {
		return nil, nil, err
	}
	return repo, func(context.Context) error { return repo.Close() }, nil
}

func updateCacheMetrics(ctx context.Context, storage *mediacache.Storage) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var speed int64
			for _, c := range storage.List() {
				speed += c.Stats().DownloadSpeed
			}
			metrics.DownloadSpeedBytes.Set(float64(speed))
		}
	}
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	opts := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
