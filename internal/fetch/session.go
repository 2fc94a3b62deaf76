package fetch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"torrentstream/mediaengine/internal/domain"
	"torrentstream/mediaengine/internal/domain/ports"
	"torrentstream/mediaengine/internal/metrics"
	"torrentstream/mediaengine/internal/observable"
)

var (
	ErrSourceRunning = errors.New("source is still running")
	ErrSourceBlocked = errors.New("source temporarily blocked after repeated failures")
)

// DownstreamError marks a failure raised by a consumer of the results rather
// than by the source. It settles the source as Abandoned and is never retried.
type DownstreamError struct {
	Err error
}

func (e *DownstreamError) Error() string { return "downstream consumer: " + e.Err.Error() }
func (e *DownstreamError) Unwrap() error { return e.Err }

// Consumer receives every new page of a source's results, after title
// deduplication. A returned error or panic abandons that source.
type Consumer func(ctx context.Context, sourceID string, page []domain.MediaMatch) error

type SessionOption func(*Session)

func WithConsumer(consumer Consumer) SessionOption {
	return func(s *Session) { s.consumer = consumer }
}

// SourceResult is the observable state of one source within a session.
type SourceResult struct {
	SourceID string
	Info     domain.SourceInfo
	State    *observable.Value[domain.MediaSourceState]
	Progress *observable.Value[domain.Progress]
	Results  *observable.Value[[]domain.MediaMatch]
}

type Session struct {
	id        string
	fetcher   *Fetcher
	request   domain.MediaFetchRequest
	consumer  Consumer
	logger    *slog.Logger
	createdAt time.Time

	results []*SourceResult
	byID    map[string]*SourceResult
	sources map[string]ports.MediaSource

	// Bumped after every per-source change; drives the aggregate streams.
	version *observable.Value[uint64]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	// running maps a source to the token of its latest run.
	running   map[string]uint64
	runSeq    uint64
	closed    bool
	closeOnce sync.Once
}

func newSession(ctx context.Context, f *Fetcher, request domain.MediaFetchRequest, opts ...SessionOption) *Session {
	sessionCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:        newSessionID(),
		fetcher:   f,
		request:   request,
		createdAt: time.Now().UTC(),
		byID:      make(map[string]*SourceResult, len(f.sources)),
		sources:   make(map[string]ports.MediaSource, len(f.sources)),
		version:   observable.NewValue[uint64](0),
		ctx:       sessionCtx,
		cancel:    cancel,
		running:   make(map[string]uint64, len(f.sources)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = f.logger.With(slog.String("session", s.id))

	for _, source := range f.sources {
		sr := &SourceResult{
			SourceID: source.ID(),
			Info:     source.Info(),
			State:    observable.NewValue(domain.SourceStateIdle()),
			Progress: observable.NewValue(domain.Progress{Total: domain.UnknownTotal}),
			Results:  observable.NewValue[[]domain.MediaMatch](nil),
		}
		s.results = append(s.results, sr)
		s.byID[sr.SourceID] = sr
		s.sources[sr.SourceID] = source
	}
	metrics.ActiveFetchSessions.Inc()
	return s
}

func newSessionID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}

func (s *Session) ID() string                        { return s.id }
func (s *Session) Request() domain.MediaFetchRequest { return s.request }
func (s *Session) CreatedAt() time.Time              { return s.createdAt }

// Sources returns the per-source results in configuration order.
func (s *Session) Sources() []*SourceResult {
	return append([]*SourceResult(nil), s.results...)
}

func (s *Session) Source(sourceID string) (*SourceResult, bool) {
	sr, ok := s.byID[sourceID]
	return sr, ok
}

func (s *Session) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sr := range s.results {
		s.launchLocked(s.sources[sr.SourceID])
	}
}

func (s *Session) launchLocked(source ports.MediaSource) {
	id := source.ID()
	s.runSeq++
	token := s.runSeq
	s.running[id] = token
	s.setState(s.byID[id], domain.SourceStateIdle())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(source)
		s.mu.Lock()
		if s.running[id] == token {
			delete(s.running, id)
		}
		s.mu.Unlock()
	}()
}

// Restart re-runs a source that reached a terminal state. A source counts as
// finished as soon as its terminal state is published.
func (s *Session) Restart(sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrClosed
	}
	source, ok := s.sources[sourceID]
	if !ok {
		return fmt.Errorf("%w: source %s", domain.ErrNotFound, sourceID)
	}
	if _, ok := s.running[sourceID]; ok && !s.byID[sourceID].State.Get().IsTerminal() {
		return ErrSourceRunning
	}
	s.fetcher.health.reset(sourceID)
	s.launchLocked(source)
	return nil
}

func (s *Session) run(source ports.MediaSource) {
	id := source.ID()
	sr := s.byID[id]
	started := time.Now()

	ctx, span := s.fetcher.tracer.Start(s.ctx, "fetch.source",
		trace.WithAttributes(
			attribute.String("source.id", id),
			attribute.String("subject.id", s.request.SubjectID),
			attribute.String("episode.sort", s.request.EpisodeSort.String()),
		))
	defer span.End()

	if blocked, until, lastErr := s.fetcher.health.blocked(id, started); blocked {
		s.finish(ctx, sr, span, fmt.Errorf("%w until %s: %s", ErrSourceBlocked, until.Format(time.RFC3339), lastErr), started)
		return
	}

	if err := s.fetcher.sem.Acquire(ctx, 1); err != nil {
		s.finish(ctx, sr, span, err, started)
		return
	}
	defer s.fetcher.sem.Release(1)

	s.setState(sr, domain.SourceStateWorking())
	err := RetryWithBackoff(ctx, s.fetcher.retry, func() error {
		if err := s.fetcher.waitRate(ctx, id); err != nil {
			return err
		}
		return s.collect(ctx, source, sr)
	})
	if ctx.Err() == nil {
		s.fetcher.health.record(id, err, time.Since(started), time.Now())
	}
	s.finish(ctx, sr, span, err, started)
}

// collect runs one attempt. Every attempt starts from an empty result list.
func (s *Session) collect(ctx context.Context, source ports.MediaSource, sr *SourceResult) error {
	sr.Results.Set(nil)
	sr.Progress.Set(domain.Progress{Total: domain.UnknownTotal})
	s.touch()

	paged, err := source.Fetch(ctx, s.request)
	if err != nil {
		return err
	}
	total := paged.TotalSize()
	if total < 0 {
		total = domain.UnknownTotal
	}
	sr.Progress.Set(domain.Progress{Total: total})
	s.touch()

	seen := make(map[string]struct{})
	received := 0
	for {
		page, err := paged.NextPage(ctx)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		received += len(page)

		fresh := dedupByTitle(page, seen)
		if len(fresh) > 0 && s.consumer != nil {
			if err := s.consume(ctx, sr.SourceID, fresh); err != nil {
				return &DownstreamError{Err: err}
			}
		}
		if len(fresh) > 0 {
			sr.Results.Update(func(current []domain.MediaMatch) []domain.MediaMatch {
				next := make([]domain.MediaMatch, 0, len(current)+len(fresh))
				next = append(next, current...)
				return append(next, fresh...)
			})
		}
		sr.Progress.Set(domain.Progress{Current: received, Total: total})
		s.touch()
	}
}

func (s *Session) consume(ctx context.Context, sourceID string, page []domain.MediaMatch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer panic: %v", r)
		}
	}()
	return s.consumer(ctx, sourceID, page)
}

func (s *Session) finish(ctx context.Context, sr *SourceResult, span trace.Span, err error, started time.Time) {
	var state domain.MediaSourceState
	var downstream *DownstreamError
	switch {
	case err == nil:
		state = domain.SourceStateSucceed()
	case ctx.Err() != nil:
		state = domain.SourceStateAbandoned(ctx.Err())
	case errors.As(err, &downstream):
		state = domain.SourceStateAbandoned(downstream.Err)
	default:
		state = domain.SourceStateFailed(err)
	}
	s.setState(sr, state)

	metrics.SourceRequestsTotal.WithLabelValues(sr.SourceID, string(state.Phase)).Inc()
	attrs := []any{
		slog.String("source", sr.SourceID),
		slog.String("state", string(state.Phase)),
		slog.Int("results", len(sr.Results.Get())),
		slog.Duration("elapsed", time.Since(started)),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		attrs = append(attrs, slog.String("error", err.Error()))
		s.logger.Warn("media source finished with error", attrs...)
		return
	}
	s.logger.Info("media source finished", attrs...)
}

func (s *Session) setState(sr *SourceResult, state domain.MediaSourceState) {
	sr.State.Set(state)
	s.touch()
}

func (s *Session) touch() {
	s.version.Update(func(v uint64) uint64 { return v + 1 })
}

// dedupByTitle drops items whose title was already seen in this source.
func dedupByTitle(page []domain.MediaMatch, seen map[string]struct{}) []domain.MediaMatch {
	out := make([]domain.MediaMatch, 0, len(page))
	for _, item := range page {
		key := strings.ToLower(strings.TrimSpace(item.Media.OriginalTitle))
		if key == "" {
			key = "id:" + item.Media.MediaID
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}

// Cumulative returns every source's results in source order with duplicate
// media IDs removed; the first occurrence wins.
func (s *Session) Cumulative() []domain.MediaMatch {
	seen := make(map[string]struct{})
	var out []domain.MediaMatch
	for _, sr := range s.results {
		for _, item := range sr.Results.Get() {
			if _, dup := seen[item.Media.MediaID]; dup {
				continue
			}
			seen[item.Media.MediaID] = struct{}{}
			out = append(out, item)
		}
	}
	return out
}

// Progress returns the overall progress in [0, 1]. Sources that do not know
// their total are left out of the ratio; if none knows it, progress is 1.
// Once every source is terminal progress is 1 regardless of the ratio.
func (s *Session) Progress() float64 {
	if s.Completed() {
		return 1
	}
	var current, total int
	known := false
	for _, sr := range s.results {
		p := sr.Progress.Get()
		if !p.TotalKnown() {
			continue
		}
		known = true
		current += min(p.Current, p.Total)
		total += p.Total
	}
	if !known || total == 0 {
		return 1
	}
	return min(float64(current)/float64(total), 1)
}

// Completed reports whether every source reached a terminal state.
func (s *Session) Completed() bool {
	for _, sr := range s.results {
		if !sr.State.Get().IsTerminal() {
			return false
		}
	}
	return true
}

// Wait blocks until the session completes or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	_, err := s.version.Wait(ctx, func(uint64) bool { return s.Completed() })
	return err
}

func (s *Session) WatchCumulative(ctx context.Context) <-chan []domain.MediaMatch {
	return watch(ctx, s.version, s.Cumulative)
}

func (s *Session) WatchProgress(ctx context.Context) <-chan float64 {
	return watch(ctx, s.version, s.Progress)
}

// Changes emits a version number after every change of any source.
func (s *Session) Changes(ctx context.Context) <-chan uint64 {
	return s.version.Subscribe(ctx)
}

func watch[T any](ctx context.Context, version *observable.Value[uint64], compute func() T) <-chan T {
	out := make(chan T, 1)
	go func() {
		defer close(out)
		for range version.Subscribe(ctx) {
			select {
			case out <- compute():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Close cancels every in-flight source call and waits for the pipelines to
// stop. Sources that were not terminal settle as Abandoned.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		s.wg.Wait()
		for _, sr := range s.results {
			if !sr.State.Get().IsTerminal() {
				s.setState(sr, domain.SourceStateAbandoned(context.Canceled))
			}
		}
		metrics.ActiveFetchSessions.Dec()
	})
}

// SourceSnapshot is a point-in-time view of one source.
type SourceSnapshot struct {
	Info        domain.SourceInfo       `json:"info"`
	State       domain.MediaSourceState `json:"state"`
	Progress    domain.Progress         `json:"progress"`
	ResultCount int                     `json:"resultCount"`
}

type SessionSnapshot struct {
	ID        string                   `json:"id"`
	Request   domain.MediaFetchRequest `json:"request"`
	CreatedAt time.Time                `json:"createdAt"`
	Sources   []SourceSnapshot         `json:"sources"`
	Progress  float64                  `json:"progress"`
	Completed bool                     `json:"completed"`
	Results   []domain.MediaMatch      `json:"results"`
}

func (s *Session) Snapshot() SessionSnapshot {
	snap := SessionSnapshot{
		ID:        s.id,
		Request:   s.request,
		CreatedAt: s.createdAt,
		Progress:  s.Progress(),
		Completed: s.Completed(),
		Results:   s.Cumulative(),
	}
	for _, sr := range s.results {
		snap.Sources = append(snap.Sources, SourceSnapshot{
			Info:        sr.Info,
			State:       sr.State.Get(),
			Progress:    sr.Progress.Get(),
			ResultCount: len(sr.Results.Get()),
		})
	}
	return snap
}
