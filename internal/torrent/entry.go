// Package torrent maps one logical file inside a torrent onto the engine's
// pieces, exposes its download statistics and arbitrates its priority among
// concurrent consumers.
package torrent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"torrentstream/mediaengine/internal/domain"
	"torrentstream/mediaengine/internal/domain/ports"
	"torrentstream/mediaengine/internal/metrics"
)

const defaultStatsInterval = time.Second

// FileStats is a point-in-time view of one file's download.
type FileStats struct {
	DownloadedBytes int64           `json:"downloadedBytes"`
	TotalBytes      int64           `json:"totalBytes"`
	Progress        float64         `json:"progress"`
	DownloadSpeed   int64           `json:"downloadSpeed"`
	Peers           int             `json:"peers"`
	CompletedPieces int             `json:"completedPieces"`
	TotalPieces     int             `json:"totalPieces"`
	Priority        domain.Priority `json:"priority"`
	Finished        bool            `json:"finished"`
	Deleted         bool            `json:"deleted"`
}

type FileEntry struct {
	Index         int
	Offset        int64
	Length        int64
	PathInTorrent string
	// RelativePath is the file's location under the engine's data directory.
	RelativePath string

	session ports.TorrentSession
	dataDir string
	logger  *slog.Logger

	piecesOnce sync.Once
	pieces     []domain.Piece
	piecesErr  error

	// mu guards votes and is held while the effective priority is pushed to
	// the session, so pushes are serialized per file.
	mu        sync.Mutex
	votes     map[*FileHandle]domain.Priority
	effective domain.Priority

	deleted atomic.Bool

	speedMu sync.Mutex
	speed   speedSample
}

type speedSample struct {
	at    time.Time
	bytes int64
}

// NewFileEntry describes file within session. The file starts ignored until
// a handle votes for it.
func NewFileEntry(session ports.TorrentSession, file domain.TorrentFile, dataDir string, logger *slog.Logger) *FileEntry {
	if logger == nil {
		logger = slog.Default()
	}
	relative := path.Clean(strings.ReplaceAll(file.Path, "\\", "/"))
	return &FileEntry{
		Index:         file.Index,
		Offset:        file.Offset,
		Length:        file.Length,
		PathInTorrent: strings.TrimPrefix(relative, session.Name()+"/"),
		RelativePath:  relative,
		session:       session,
		dataDir:       dataDir,
		logger: logger.With(
			slog.String("infoHash", session.InfoHash()),
			slog.Int("fileIndex", file.Index),
		),
		votes:     make(map[*FileHandle]domain.Priority),
		effective: domain.PriorityNone,
	}
}

// EntryForIndex finds the file with the given index in session.
func EntryForIndex(session ports.TorrentSession, index int, dataDir string, logger *slog.Logger) (*FileEntry, error) {
	for _, f := range session.Files() {
		if f.Index == index {
			return NewFileEntry(session, f, dataDir, logger), nil
		}
	}
	return nil, fmt.Errorf("%w: file %d in torrent %s", domain.ErrNotFound, index, session.InfoHash())
}

func (e *FileEntry) InfoHash() string { return e.session.InfoHash() }

// Pieces returns the pieces covering the file. The mapping is computed once.
func (e *FileEntry) Pieces() ([]domain.Piece, error) {
	e.piecesOnce.Do(func() {
		e.pieces, e.piecesErr = MatchPiecesForFile(e.session.Pieces(), e.Offset, e.Length)
		if e.piecesErr != nil {
			e.logger.Error("piece layout mismatch", slog.String("error", e.piecesErr.Error()))
		}
	})
	return e.pieces, e.piecesErr
}

// CreateHandle opens a new lease on the file. It carries no vote until
// Resume is called.
func (e *FileEntry) CreateHandle() (*FileHandle, error) {
	if e.deleted.Load() {
		return nil, domain.ErrClosed
	}
	if _, err := e.Pieces(); err != nil {
		return nil, err
	}
	return &FileHandle{entry: e}, nil
}

// EffectivePriority is the maximum of all live votes, or PriorityNone when
// there are none.
func (e *FileEntry) EffectivePriority() domain.Priority {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.effective
}

// HandleCount returns the number of handles that currently hold a vote.
func (e *FileEntry) HandleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.votes)
}

func (e *FileEntry) vote(h *FileHandle, prio domain.Priority) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if h.closed {
		return domain.ErrClosed
	}
	if e.deleted.Load() {
		return domain.ErrClosed
	}
	e.votes[h] = prio
	return e.pushLocked()
}

func (e *FileEntry) dropVote(h *FileHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	delete(e.votes, h)
	if e.deleted.Load() {
		return nil
	}
	return e.pushLocked()
}

func (e *FileEntry) pushLocked() error {
	next := domain.PriorityNone
	for _, prio := range e.votes {
		next = domain.MaxPriority(next, prio)
	}
	if next == e.effective {
		return nil
	}
	if err := e.session.SetFilePriority(e.Index, next); err != nil {
		return fmt.Errorf("set file priority %s: %w", next, err)
	}
	e.logger.Debug("file priority changed",
		slog.String("from", e.effective.String()),
		slog.String("to", next.String()),
		slog.Int("handles", len(e.votes)),
	)
	e.effective = next
	metrics.FilePriorityChangesTotal.WithLabelValues(next.String()).Inc()
	return nil
}

func (e *FileEntry) Stats() FileStats {
	return e.statsAt(time.Now())
}

func (e *FileEntry) statsAt(now time.Time) FileStats {
	downloaded := e.session.FileBytesCompleted(e.Index)
	if downloaded > e.Length {
		downloaded = e.Length
	}
	stats := FileStats{
		DownloadedBytes: downloaded,
		TotalBytes:      e.Length,
		DownloadSpeed:   e.sampleSpeed(downloaded, now),
		Peers:           e.session.Stats().Peers,
		Priority:        e.EffectivePriority(),
		Deleted:         e.deleted.Load(),
	}
	if e.Length > 0 {
		stats.Progress = float64(downloaded) / float64(e.Length)
	} else {
		stats.Progress = 1
	}
	if pieces, err := e.Pieces(); err == nil {
		stats.TotalPieces = len(pieces)
		for _, p := range pieces {
			if e.session.PieceState(p.Index) == domain.PieceFinished {
				stats.CompletedPieces++
			}
		}
	}
	stats.Finished = downloaded >= e.Length
	return stats
}

// sampleSpeed derives bytes/s from the previous sample.
func (e *FileEntry) sampleSpeed(current int64, now time.Time) int64 {
	e.speedMu.Lock()
	defer e.speedMu.Unlock()

	prev := e.speed
	e.speed = speedSample{at: now, bytes: current}
	if prev.at.IsZero() {
		return 0
	}
	dt := now.Sub(prev.at).Seconds()
	if dt <= 0 {
		return 0
	}
	delta := current - prev.bytes
	if delta < 0 {
		delta = 0
	}
	return int64(float64(delta) / dt)
}

// WatchStats emits the file's stats immediately and then every interval. A
// slow reader sees the newest sample. The channel is closed when ctx is done
// or after the file is deleted.
func (e *FileEntry) WatchStats(ctx context.Context, interval time.Duration) <-chan FileStats {
	if interval <= 0 {
		interval = defaultStatsInterval
	}
	out := make(chan FileStats, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			stats := e.Stats()
			select {
			case out <- stats:
			default:
				select {
				case <-out:
				default:
				}
				out <- stats
			}
			if stats.Deleted {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

func (e *FileEntry) NewReader() (io.ReadSeekCloser, error) {
	if e.deleted.Load() {
		return nil, domain.ErrClosed
	}
	return e.session.NewReader(e.Index)
}

func (e *FileEntry) IsDeleted() bool {
	return e.deleted.Load()
}

// DeleteFiles stops downloading the file and removes it from disk. It is
// irreversible and idempotent.
func (e *FileEntry) DeleteFiles(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	if e.deleted.Swap(true) {
		e.mu.Unlock()
		return nil
	}
	for h := range e.votes {
		h.closed = true
	}
	clear(e.votes)
	var pushErr error
	if e.effective != domain.PriorityNone {
		pushErr = e.session.SetFilePriority(e.Index, domain.PriorityNone)
		e.effective = domain.PriorityNone
	}
	e.mu.Unlock()

	if pushErr != nil {
		e.logger.Warn("ignore file before delete failed", slog.String("error", pushErr.Error()))
	}
	if err := removeFiles(e.dataDir, []string{e.RelativePath}); err != nil {
		return errors.Join(pushErr, err)
	}
	e.logger.Info("file deleted", slog.String("path", e.RelativePath))
	return nil
}
