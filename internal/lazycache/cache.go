// Package lazycache accumulates the pages of a PagedSource into an observable
// list. All mutation is serialized by one cancellable lock, so at most one
// page fetch is in flight per cache.
package lazycache

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"torrentstream/mediaengine/internal/domain/ports"
	"torrentstream/mediaengine/internal/metrics"
	"torrentstream/mediaengine/internal/observable"
)

type Option func(*options)

type options struct {
	name   string
	logger *slog.Logger
}

// WithName labels the cache in logs and metrics.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

type Cache[T any] struct {
	factory func() ports.PagedSource[T]
	name    string
	logger  *slog.Logger

	lock *semaphore.Weighted

	// Guarded by lock.
	source  ports.PagedSource[T]
	pending []T

	data       *observable.Value[[]T]
	generation *observable.Value[uint64]
	completed  atomic.Bool
}

// New returns an empty cache. factory is called lazily by RequestMore and on
// every Refresh; it must not perform I/O itself.
func New[T any](factory func() ports.PagedSource[T], opts ...Option) *Cache[T] {
	o := options{name: "default", logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[T]{
		factory:    factory,
		name:       o.name,
		logger:     o.logger.With(slog.String("cache", o.name)),
		lock:       semaphore.NewWeighted(1),
		data:       observable.NewValue[[]T](nil),
		generation: observable.NewValue[uint64](0),
	}
}

// RequestMore fetches one more page and appends it. It returns false when the
// source is exhausted, leaving the data unchanged. A page that arrives after
// ctx is cancelled is not committed; it is handed out by the next call.
func (c *Cache[T]) RequestMore(ctx context.Context) (bool, error) {
	if err := c.lock.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer c.lock.Release(1)

	if c.completed.Load() {
		return false, nil
	}
	if c.source == nil {
		c.source = c.factory()
	}

	var page []T
	if c.pending != nil {
		page, c.pending = c.pending, nil
	} else {
		var err error
		page, err = c.source.NextPage(ctx)
		if err != nil {
			metrics.LazyCachePagesTotal.WithLabelValues(c.name, "error").Inc()
			return false, err
		}
	}

	if err := ctx.Err(); err != nil {
		if len(page) > 0 {
			c.pending = page
		}
		metrics.LazyCachePagesTotal.WithLabelValues(c.name, "cancelled").Inc()
		return false, err
	}

	if len(page) == 0 {
		c.completed.Store(true)
		metrics.LazyCachePagesTotal.WithLabelValues(c.name, "exhausted").Inc()
		return false, nil
	}

	c.data.Update(func(current []T) []T {
		next := make([]T, 0, len(current)+len(page))
		next = append(next, current...)
		return append(next, page...)
	})
	metrics.LazyCachePagesTotal.WithLabelValues(c.name, "ok").Inc()
	return true, nil
}

// Refresh replaces the data with the first page of a new source. On failure
// the current data and source are kept and the error is returned.
func (c *Cache[T]) Refresh(ctx context.Context) error {
	if err := c.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.lock.Release(1)

	source := c.factory()
	page, err := source.NextPage(ctx)
	if err != nil {
		metrics.LazyCachePagesTotal.WithLabelValues(c.name, "error").Inc()
		return err
	}
	if err := ctx.Err(); err != nil {
		metrics.LazyCachePagesTotal.WithLabelValues(c.name, "cancelled").Inc()
		return err
	}

	c.source = source
	c.pending = nil
	c.completed.Store(len(page) == 0)
	c.data.Set(append([]T(nil), page...))
	c.generation.Update(func(g uint64) uint64 { return g + 1 })
	metrics.LazyCachePagesTotal.WithLabelValues(c.name, "refresh").Inc()
	return nil
}

// Invalidate clears the data and drops the current source without calling
// the factory. The next RequestMore starts a new source.
func (c *Cache[T]) Invalidate(ctx context.Context) error {
	if err := c.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.lock.Release(1)

	c.source = nil
	c.pending = nil
	c.completed.Store(false)
	c.data.Set(nil)
	c.generation.Update(func(g uint64) uint64 { return g + 1 })
	return nil
}

// Mutate applies transform to a copy of the current data. The source is not
// touched.
func (c *Cache[T]) Mutate(ctx context.Context, transform func([]T) []T) error {
	if err := c.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.lock.Release(1)

	c.data.Update(func(current []T) []T {
		return transform(append([]T(nil), current...))
	})
	return nil
}

// Data returns the current snapshot. Callers must not modify it.
func (c *Cache[T]) Data() []T {
	return c.data.Get()
}

// Subscribe replays the current snapshot and then every change.
func (c *Cache[T]) Subscribe(ctx context.Context) <-chan []T {
	return c.data.Subscribe(ctx)
}

// Completed reports whether the current source reported exhaustion.
func (c *Cache[T]) Completed() bool {
	return c.completed.Load()
}

// AllData drives RequestMore while the returned channel is read, emitting the
// accumulated list after each page. Whenever the source is replaced by
// Refresh or Invalidate it starts over from the current snapshot. Both
// channels are closed when ctx is done or a page fetch fails; the failure is
// sent on the error channel first.
func (c *Cache[T]) AllData(ctx context.Context) (<-chan []T, <-chan error) {
	out := make(chan []T, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(out)
		for {
			gen := c.generation.Get()
			if !emit(ctx, out, c.Data()) {
				return
			}
			for c.generation.Get() == gen {
				more, err := c.RequestMore(ctx)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					c.logger.Warn("lazy cache page fetch failed", slog.String("error", err.Error()))
					errs <- err
					return
				}
				if !more {
					break
				}
				if !emit(ctx, out, c.Data()) {
					return
				}
			}
			if _, err := c.generation.Wait(ctx, func(g uint64) bool { return g != gen }); err != nil {
				return
			}
		}
	}()
	return out, errs
}

func emit[T any](ctx context.Context, out chan<- []T, data []T) bool {
	select {
	case out <- data:
		return true
	case <-ctx.Done():
		return false
	}
}
