// Package fetch fans one media request out to every configured source and
// aggregates their results into a deduplicated, observable session.
package fetch

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"torrentstream/mediaengine/internal/domain"
	"torrentstream/mediaengine/internal/domain/ports"
)

const defaultMaxConcurrentSources = 10

// Fetcher is long-lived and shared by every session: it owns per-source rate
// limits, the concurrency bound and health records.
type Fetcher struct {
	sources  []ports.MediaSource
	retry    RetryConfig
	limiters map[string]*rate.Limiter
	sem      *semaphore.Weighted
	health   *healthTracker
	logger   *slog.Logger
	tracer   trace.Tracer
}

type Option func(*Fetcher)

func WithRetry(cfg RetryConfig) Option {
	return func(f *Fetcher) { f.retry = cfg }
}

// WithRateLimit limits how often each source is called across all sessions.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(f *Fetcher) {
		if perSecond <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		for _, source := range f.sources {
			f.limiters[source.ID()] = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithMaxConcurrent bounds how many source pipelines run at once.
func WithMaxConcurrent(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func NewFetcher(sources []ports.MediaSource, opts ...Option) *Fetcher {
	f := &Fetcher{
		sources:  append([]ports.MediaSource(nil), sources...),
		retry:    DefaultRetryConfig(),
		limiters: make(map[string]*rate.Limiter, len(sources)),
		sem:      semaphore.NewWeighted(defaultMaxConcurrentSources),
		health:   newHealthTracker(),
		logger:   slog.Default(),
		tracer:   otel.Tracer("torrentstream/mediaengine/fetch"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fetcher) Sources() []domain.SourceInfo {
	items := make([]domain.SourceInfo, 0, len(f.sources))
	for _, source := range f.sources {
		items = append(items, source.Info())
	}
	return items
}

func (f *Fetcher) Diagnostics() []SourceHealth {
	ids := make([]string, 0, len(f.sources))
	for _, source := range f.sources {
		ids = append(ids, source.ID())
	}
	return f.health.snapshot(ids)
}

// NewSession starts one pipeline per source. The session lives until Close
// or until ctx is cancelled.
func (f *Fetcher) NewSession(ctx context.Context, request domain.MediaFetchRequest, opts ...SessionOption) *Session {
	s := newSession(ctx, f, request, opts...)
	s.start()
	return s
}

func (f *Fetcher) waitRate(ctx context.Context, sourceID string) error {
	limiter, ok := f.limiters[sourceID]
	if !ok {
		return nil
	}
	return limiter.Wait(ctx)
}
