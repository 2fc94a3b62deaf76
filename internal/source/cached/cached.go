// Package cached decorates a media source with a shared result cache so a
// repeated request replays without touching the provider.
package cached

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"torrentstream/mediaengine/internal/domain"
	"torrentstream/mediaengine/internal/domain/ports"
)

const (
	defaultTTL      = 30 * time.Minute
	defaultPageSize = 50
)

// Backend stores full result lists by key.
type Backend interface {
	Get(ctx context.Context, key string) ([]domain.MediaMatch, bool, error)
	Set(ctx context.Context, key string, items []domain.MediaMatch, ttl time.Duration) error
}

type Option func(*Source)

func WithTTL(ttl time.Duration) Option {
	return func(s *Source) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPageSize(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type Source struct {
	inner    ports.MediaSource
	backend  Backend
	ttl      time.Duration
	pageSize int
	logger   *slog.Logger
}

func Wrap(inner ports.MediaSource, backend Backend, opts ...Option) *Source {
	s := &Source{
		inner:    inner,
		backend:  backend,
		ttl:      defaultTTL,
		pageSize: defaultPageSize,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("source", inner.ID()))
	return s
}

func (s *Source) ID() string              { return s.inner.ID() }
func (s *Source) Info() domain.SourceInfo { return s.inner.Info() }

// Fetch replays a cached result list when one exists. Otherwise the inner
// source is paged through and the complete list is stored once it is
// exhausted. Backend failures degrade to a plain fetch.
func (s *Source) Fetch(ctx context.Context, req domain.MediaFetchRequest) (ports.SizedSource[domain.MediaMatch], error) {
	key := cacheKey(s.inner.ID(), req)
	items, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		s.logger.Warn("result cache read failed", slog.String("error", err.Error()))
	}
	if ok {
		s.logger.Debug("result cache hit", slog.Int("items", len(items)))
		return &replay{items: items, pageSize: s.pageSize}, nil
	}

	inner, err := s.inner.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return &recorder{inner: inner, owner: s, key: key}, nil
}

func cacheKey(sourceID string, req domain.MediaFetchRequest) string {
	names := make([]string, 0, len(req.SubjectNames))
	for _, n := range req.SubjectNames {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			names = append(names, n)
		}
	}
	raw, _ := json.Marshal(struct {
		Subject string   `json:"s"`
		Episode string   `json:"e"`
		Names   []string `json:"n"`
		Sort    string   `json:"o"`
		Ep      string   `json:"p"`
	}{req.SubjectID, req.EpisodeID, names, string(req.EpisodeSort), string(req.EpisodeEp)})
	sum := sha256.Sum256(raw)
	return sourceID + ":" + hex.EncodeToString(sum[:16])
}

type replay struct {
	mu       sync.Mutex
	items    []domain.MediaMatch
	pageSize int
	pos      int
}

func (r *replay) TotalSize() int { return len(r.items) }

func (r *replay) NextPage(ctx context.Context) ([]domain.MediaMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pos >= len(r.items) {
		return nil, nil
	}
	end := r.pos + r.pageSize
	if end > len(r.items) {
		end = len(r.items)
	}
	page := r.items[r.pos:end]
	r.pos = end
	return page, nil
}

// recorder passes pages through and stores the accumulated list when the
// inner source is exhausted. Incomplete runs are never stored.
type recorder struct {
	inner ports.SizedSource[domain.MediaMatch]
	owner *Source
	key   string

	mu     sync.Mutex
	items  []domain.MediaMatch
	stored bool
}

func (r *recorder) TotalSize() int { return r.inner.TotalSize() }

func (r *recorder) NextPage(ctx context.Context) ([]domain.MediaMatch, error) {
	page, err := r.inner.NextPage(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(page) > 0 {
		r.items = append(r.items, page...)
		return page, nil
	}
	if !r.stored {
		r.stored = true
		if err := r.owner.backend.Set(ctx, r.key, r.items, r.owner.ttl); err != nil {
			r.owner.logger.Warn("result cache write failed", slog.String("error", err.Error()))
		}
	}
	return nil, nil
}
