// Package mediacache turns a chosen media candidate into a torrent-backed
// cache entry and keeps the list of entries observable.
package mediacache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"torrentstream/mediaengine/internal/domain"
	"torrentstream/mediaengine/internal/domain/ports"
	"torrentstream/mediaengine/internal/lazycache"
	"torrentstream/mediaengine/internal/metrics"
	"torrentstream/mediaengine/internal/observable"
	"torrentstream/mediaengine/internal/torrent"
)

const (
	defaultHistoryPageSize = 50
	defaultStatsInterval   = time.Second
	restorePageSize        = 100
)

type Option func(*Storage)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Storage) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithHistoryPageSize(n int) Option {
	return func(s *Storage) {
		if n > 0 {
			s.historyPageSize = n
		}
	}
}

func WithStatsInterval(d time.Duration) Option {
	return func(s *Storage) {
		if d > 0 {
			s.statsInterval = d
		}
	}
}

type Storage struct {
	downloader ports.TorrentDownloader
	repo       ports.MediaCacheRepository
	logger     *slog.Logger

	historyPageSize int
	statsInterval   time.Duration

	// inflight holds one channel per cache id being created or restored;
	// it is closed when that attempt finishes.
	inflightMu sync.Mutex
	inflight   map[domain.CacheID]chan struct{}

	// entries shares one FileEntry per torrent file so every cache on the
	// same file votes on the same entry.
	entriesMu sync.Mutex
	entries   map[entryKey]*sharedEntry

	caches *observable.Value[[]*MediaCache]

	history *lazycache.Cache[domain.MediaCacheRecord]
	// historyShift counts records inserted into (+) or removed from (-)
	// loaded history so open pagers keep their repository offset aligned.
	historyShift atomic.Int64

	now func() time.Time
}

func NewStorage(downloader ports.TorrentDownloader, repo ports.MediaCacheRepository, opts ...Option) *Storage {
	s := &Storage{
		downloader:      downloader,
		repo:            repo,
		logger:          slog.Default(),
		historyPageSize: defaultHistoryPageSize,
		statsInterval:   defaultStatsInterval,
		inflight:        make(map[domain.CacheID]chan struct{}),
		entries:         make(map[entryKey]*sharedEntry),
		caches:          observable.NewValue[[]*MediaCache](nil),
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.history = lazycache.New(func() ports.PagedSource[domain.MediaCacheRecord] {
		return &recordPager{repo: s.repo, limit: s.historyPageSize, shift: &s.historyShift, base: s.historyShift.Load()}
	}, lazycache.WithName("history"), lazycache.WithLogger(s.logger))
	return s
}

// Cache returns the cache for media, creating it when needed. It returns as
// soon as the file is selected and the download started.
func (s *Storage) Cache(ctx context.Context, media domain.Media, metadata domain.MediaCacheMetadata) (*MediaCache, error) {
	if !media.Download.IsTorrent() {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedMedia, media.Download.Kind)
	}
	if metadata.SubjectName == "" {
		metadata.SubjectName = metadata.Request.PrimaryName()
	}
	id := domain.CacheID(torrent.CacheKey(media.MediaID, metadata.Request.SubjectID, metadata.Request.EpisodeID, metadata.SubjectName))

	unlock, err := s.lockID(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if existing, err := s.Get(id); err == nil {
		return existing, nil
	}

	handle, err := s.downloader.FetchTorrent(ctx, media.Download.URI)
	if err != nil {
		return nil, err
	}
	session, err := s.downloader.StartDownload(ctx, handle)
	if err != nil {
		return nil, err
	}

	file, ok := torrent.SelectFile(session.Files(), torrent.TargetFromRequest(metadata.Request))
	if !ok {
		_ = session.Close()
		return nil, fmt.Errorf("%w: no video file in torrent %s", domain.ErrUnsupportedMedia, session.InfoHash())
	}

	record := domain.MediaCacheRecord{
		CacheID:    id,
		Origin:     media,
		Metadata:   metadata,
		InfoHash:   session.InfoHash(),
		FileIndex:  file.Index,
		FilePath:   file.Path,
		TotalBytes: file.Length,
		CreatedAt:  s.now(),
	}
	cache, err := s.open(record, session)
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	if err := s.repo.Save(ctx, record); err != nil {
		_ = cache.close()
		return nil, fmt.Errorf("save cache record: %w", err)
	}

	s.add(cache)
	s.prependHistory(ctx, record)

	s.logger.Info("media cache created",
		slog.String("cacheId", string(id)),
		slog.String("mediaId", media.MediaID),
		slog.String("infoHash", record.InfoHash),
		slog.String("file", record.FilePath),
		slog.Int64("bytes", record.TotalBytes),
	)
	return cache, nil
}

// lockID waits until no other Cache or Restore call is working on id and
// claims it. Calls for different ids never wait on each other.
func (s *Storage) lockID(ctx context.Context, id domain.CacheID) (func(), error) {
	for {
		s.inflightMu.Lock()
		busy, ok := s.inflight[id]
		if !ok {
			done := make(chan struct{})
			s.inflight[id] = done
			s.inflightMu.Unlock()
			return func() {
				s.inflightMu.Lock()
				delete(s.inflight, id)
				s.inflightMu.Unlock()
				close(done)
			}, nil
		}
		s.inflightMu.Unlock()

		select {
		case <-busy:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type entryKey struct {
	infoHash  string
	fileIndex int
}

type sharedEntry struct {
	entry *torrent.FileEntry
	// refs is guarded by Storage.entriesMu.
	refs int
}

// acquireEntry returns the live entry for the file, creating it on first
// use. The returned release drops the reference once; the last reference
// erases the file when asked to.
func (s *Storage) acquireEntry(session ports.TorrentSession, index int) (*torrent.FileEntry, func(context.Context, bool) error, error) {
	key := entryKey{infoHash: session.InfoHash(), fileIndex: index}

	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()

	shared, ok := s.entries[key]
	if !ok {
		entry, err := torrent.EntryForIndex(session, index, s.downloader.DataDir(), s.logger)
		if err != nil {
			return nil, nil, err
		}
		shared = &sharedEntry{entry: entry}
		s.entries[key] = shared
	}
	shared.refs++

	var once sync.Once
	release := func(ctx context.Context, erase bool) error {
		var err error
		once.Do(func() {
			s.entriesMu.Lock()
			defer s.entriesMu.Unlock()
			shared.refs--
			if shared.refs > 0 {
				return
			}
			delete(s.entries, key)
			if erase {
				err = shared.entry.DeleteFiles(ctx)
			}
		})
		return err
	}
	return shared.entry, release, nil
}

// open attaches a cache to a started session and takes its download lease.
func (s *Storage) open(record domain.MediaCacheRecord, session ports.TorrentSession) (*MediaCache, error) {
	entry, release, err := s.acquireEntry(session, record.FileIndex)
	if err != nil {
		return nil, err
	}
	lease, err := entry.CreateHandle()
	if err != nil {
		_ = release(context.Background(), false)
		return nil, err
	}
	prio := domain.PriorityNormal
	if record.Paused {
		prio = domain.PriorityNone
	}
	if err := lease.Resume(prio); err != nil {
		_ = lease.Close()
		_ = release(context.Background(), false)
		return nil, err
	}
	return &MediaCache{
		session:       session,
		entry:         entry,
		lease:         lease,
		release:       release,
		persist:       s.repo.Save,
		statsInterval: s.statsInterval,
		record:        record,
		done:          make(chan struct{}),
	}, nil
}

func (s *Storage) add(cache *MediaCache) {
	list := s.caches.Update(func(current []*MediaCache) []*MediaCache {
		next := make([]*MediaCache, 0, len(current)+1)
		next = append(next, current...)
		return append(next, cache)
	})
	metrics.ActiveCaches.Set(float64(len(list)))
}

func (s *Storage) remove(id domain.CacheID) {
	list := s.caches.Update(func(current []*MediaCache) []*MediaCache {
		next := make([]*MediaCache, 0, len(current))
		for _, c := range current {
			if c.ID() != id {
				next = append(next, c)
			}
		}
		return next
	})
	metrics.ActiveCaches.Set(float64(len(list)))
}

// Delete erases the cache's files and forgets it. Cleanup failures are
// logged; only cancellation is returned.
func (s *Storage) Delete(ctx context.Context, cache *MediaCache) error {
	id := cache.ID()
	logger := s.logger.With(slog.String("cacheId", string(id)))

	if err := cache.DeleteFiles(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		logger.Warn("delete cache files failed", slog.String("error", err.Error()))
	}
	s.remove(id)

	if err := s.repo.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		logger.Warn("delete cache record failed", slog.String("error", err.Error()))
	}

	if err := s.history.Mutate(ctx, func(items []domain.MediaCacheRecord) []domain.MediaCacheRecord {
		out := items[:0]
		for _, r := range items {
			if r.CacheID != id {
				out = append(out, r)
			}
		}
		if len(out) < len(items) {
			s.historyShift.Add(-1)
		}
		return out
	}); err != nil {
		return err
	}
	logger.Info("media cache deleted")
	return nil
}

// prependHistory inserts a new record into loaded history. Nothing is
// inserted before the first page arrives; the repository delivers it then.
func (s *Storage) prependHistory(ctx context.Context, record domain.MediaCacheRecord) {
	err := s.history.Mutate(ctx, func(items []domain.MediaCacheRecord) []domain.MediaCacheRecord {
		if len(items) == 0 && !s.history.Completed() {
			return items
		}
		s.historyShift.Add(1)
		return append([]domain.MediaCacheRecord{record}, items...)
	})
	if err != nil {
		s.logger.Warn("history update skipped",
			slog.String("cacheId", string(record.CacheID)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Storage) List() []*MediaCache {
	return append([]*MediaCache(nil), s.caches.Get()...)
}

// Subscribe replays the current list and then every change.
func (s *Storage) Subscribe(ctx context.Context) <-chan []*MediaCache {
	return s.caches.Subscribe(ctx)
}

func (s *Storage) Get(id domain.CacheID) (*MediaCache, error) {
	for _, c := range s.caches.Get() {
		if c.ID() == id {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: cache %s", domain.ErrNotFound, id)
}

// History pages persisted records from the repository, newest first.
func (s *Storage) History() *lazycache.Cache[domain.MediaCacheRecord] {
	return s.history
}

// Restore reopens every persisted cache. Records that cannot be reopened
// are logged and skipped.
func (s *Storage) Restore(ctx context.Context) error {
	var records []domain.MediaCacheRecord
	for offset := 0; ; offset += restorePageSize {
		page, err := s.repo.List(ctx, offset, restorePageSize)
		if err != nil {
			return fmt.Errorf("list cache records: %w", err)
		}
		records = append(records, page...)
		if len(page) < restorePageSize {
			break
		}
	}
	if len(records) == 0 {
		return nil
	}

	s.logger.Info("restoring media caches", slog.Int("count", len(records)))

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.restore(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// restore reopens one record. Only cancellation is returned.
func (s *Storage) restore(ctx context.Context, rec domain.MediaCacheRecord) error {
	logger := s.logger.With(slog.String("cacheId", string(rec.CacheID)))
	if !rec.Origin.Download.IsTorrent() {
		logger.Warn("restore: unsupported source", slog.String("kind", string(rec.Origin.Download.Kind)))
		return nil
	}

	unlock, err := s.lockID(ctx, rec.CacheID)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := s.Get(rec.CacheID); err == nil {
		return nil
	}

	handle, err := s.downloader.FetchTorrent(ctx, rec.Origin.Download.URI)
	if err != nil {
		logger.Warn("restore: fetch failed", slog.String("error", err.Error()))
		return ctx.Err()
	}
	session, err := s.downloader.StartDownload(ctx, handle)
	if err != nil {
		logger.Warn("restore: start failed", slog.String("error", err.Error()))
		return ctx.Err()
	}
	cache, err := s.open(rec, session)
	if err != nil {
		_ = session.Close()
		logger.Warn("restore: open failed", slog.String("error", err.Error()))
		return nil
	}
	s.add(cache)
	logger.Info("restored media cache", slog.String("file", rec.FilePath))
	return nil
}

// Close releases every torrent without deleting files.
func (s *Storage) Close() error {
	var errs []error
	for _, c := range s.caches.Get() {
		if c.IsDeleted() {
			continue
		}
		if err := c.close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.caches.Set(nil)
	metrics.ActiveCaches.Set(0)
	return errors.Join(errs...)
}

// recordPager pages repository records, newest first, for the history cache.
type recordPager struct {
	mu      sync.Mutex
	repo    ports.MediaCacheRepository
	limit   int
	fetched int
	shift   *atomic.Int64
	base    int64
}

func (p *recordPager) NextPage(ctx context.Context) ([]domain.MediaCacheRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	offset := p.fetched + int(p.shift.Load()-p.base)
	if offset < 0 {
		offset = 0
	}
	page, err := p.repo.List(ctx, offset, p.limit)
	if err != nil {
		return nil, err
	}
	p.fetched += len(page)
	return page, nil
}
