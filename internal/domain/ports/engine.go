package ports

import (
	"context"
	"io"

	"torrentstream/mediaengine/internal/domain"
)

// TorrentHandle identifies a torrent whose metadata has been resolved.
type TorrentHandle interface {
	InfoHash() string
	Name() string
}

type TorrentDownloader interface {
	// FetchTorrent resolves uri (magnet, .torrent URL or path) to a handle.
	// Failures wrap domain.ErrFetchTimeout, domain.ErrFetchNetwork or
	// domain.ErrEngine.
	FetchTorrent(ctx context.Context, uri string) (TorrentHandle, error)
	StartDownload(ctx context.Context, handle TorrentHandle) (TorrentSession, error)
	DataDir() string
	Close() error
}

type TorrentSession interface {
	InfoHash() string
	Name() string
	Files() []domain.TorrentFile
	Pieces() []domain.Piece
	PieceState(index int) domain.PieceState
	SetFilePriority(fileIndex int, prio domain.Priority) error
	FileBytesCompleted(fileIndex int) int64
	Stats() domain.TorrentStats
	NewReader(fileIndex int) (io.ReadSeekCloser, error)
	Close() error
}
