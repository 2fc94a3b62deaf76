package mediacache

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"torrentstream/mediaengine/internal/domain"
	"torrentstream/mediaengine/internal/domain/ports"
	"torrentstream/mediaengine/internal/torrent"
)

// MediaCache is one persisted caching decision backed by a file inside a
// torrent. It holds a Normal priority lease on the file while not paused.
type MediaCache struct {
	session       ports.TorrentSession
	entry         *torrent.FileEntry
	lease         *torrent.FileHandle
	release       func(ctx context.Context, erase bool) error
	persist       func(context.Context, domain.MediaCacheRecord) error
	statsInterval time.Duration

	mu     sync.Mutex
	record domain.MediaCacheRecord

	deleted    atomic.Bool
	done       chan struct{}
	deleteOnce sync.Once
	deleteErr  error
}

func (c *MediaCache) ID() domain.CacheID {
	return c.record.CacheID
}

func (c *MediaCache) Origin() domain.Media {
	return c.record.Origin
}

func (c *MediaCache) Metadata() domain.MediaCacheMetadata {
	return c.record.Metadata
}

func (c *MediaCache) TotalSize() int64 {
	return c.record.TotalBytes
}

func (c *MediaCache) Record() domain.MediaCacheRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record
}

func (c *MediaCache) Entry() *torrent.FileEntry {
	return c.entry
}

func (c *MediaCache) IsDeleted() bool {
	return c.deleted.Load()
}

// Stats reports the shared file. A deleted cache always reports Deleted,
// even while other caches keep the file.
func (c *MediaCache) Stats() torrent.FileStats {
	stats := c.entry.Stats()
	if c.IsDeleted() {
		stats.Deleted = true
	}
	return stats
}

// WatchProgress streams the file's stats until ctx is done or the cache is
// deleted. The last value after deletion has Deleted set.
func (c *MediaCache) WatchProgress(ctx context.Context) <-chan torrent.FileStats {
	ctx, cancel := context.WithCancel(ctx)
	src := c.entry.WatchStats(ctx, c.statsInterval)
	out := make(chan torrent.FileStats, 1)
	go func() {
		defer close(out)
		defer cancel()
		for {
			var stats torrent.FileStats
			select {
			case next, ok := <-src:
				if !ok {
					return
				}
				stats = next
			case <-c.done:
				stats = c.Stats()
			}
			if c.IsDeleted() {
				stats.Deleted = true
			}
			select {
			case out <- stats:
			case <-ctx.Done():
				return
			}
			if stats.Deleted {
				return
			}
		}
	}()
	return out
}

// Pause withdraws this cache's vote. Playback readers keep downloading what
// they need.
func (c *MediaCache) Pause(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.lease.Pause(); err != nil {
		return err
	}
	return c.setPaused(ctx, true)
}

func (c *MediaCache) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.lease.Resume(domain.PriorityNormal); err != nil {
		return err
	}
	return c.setPaused(ctx, false)
}

func (c *MediaCache) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record.Paused
}

func (c *MediaCache) setPaused(ctx context.Context, paused bool) error {
	c.mu.Lock()
	if c.record.Paused == paused {
		c.mu.Unlock()
		return nil
	}
	c.record.Paused = paused
	record := c.record
	c.mu.Unlock()

	if c.persist == nil {
		return nil
	}
	return c.persist(ctx, record)
}

// NewReader opens the file for playback. The reader holds its own High
// priority handle, released on Close.
func (c *MediaCache) NewReader() (io.ReadSeekCloser, error) {
	if c.IsDeleted() {
		return nil, domain.ErrClosed
	}
	h, err := c.entry.CreateHandle()
	if err != nil {
		return nil, err
	}
	if err := h.Resume(domain.PriorityHigh); err != nil {
		_ = h.Close()
		return nil, err
	}
	r, err := h.NewReader()
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	return &playbackReader{ReadSeekCloser: r, handle: h}, nil
}

type playbackReader struct {
	io.ReadSeekCloser
	handle *torrent.FileHandle
	once   sync.Once
}

func (r *playbackReader) Close() error {
	var err error
	r.once.Do(func() {
		err = r.ReadSeekCloser.Close()
		_ = r.handle.Close()
	})
	return err
}

// DeleteFiles withdraws this cache from the file and releases the torrent.
// The file is erased from disk only when no other live cache uses it. It is
// irreversible; later calls return the first result.
func (c *MediaCache) DeleteFiles(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.deleteOnce.Do(func() {
		c.deleted.Store(true)
		close(c.done)
		_ = c.lease.Close()
		entryErr := c.release(ctx, true)
		sessionErr := c.session.Close()
		c.deleteErr = errors.Join(entryErr, sessionErr)
	})
	return c.deleteErr
}

// close releases the lease and the torrent without touching files.
func (c *MediaCache) close() error {
	_ = c.lease.Close()
	_ = c.release(context.Background(), false)
	return c.session.Close()
}

// View is the serializable state of a cache.
type View struct {
	Record   domain.MediaCacheRecord `json:"record"`
	Stats    torrent.FileStats       `json:"stats"`
	Priority string                  `json:"priority"`
}

func (c *MediaCache) View() View {
	stats := c.Stats()
	return View{Record: c.Record(), Stats: stats, Priority: stats.Priority.String()}
}
