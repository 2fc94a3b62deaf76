package anacrolix

import (
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/anacrolix/torrent"

	"torrentstream/mediaengine/internal/domain"
	"torrentstream/mediaengine/internal/domain/ports"
)

// activeTorrent is a started torrent shared by every Session on it.
type activeTorrent struct {
	t  *torrent.Torrent
	id string
	// refs is guarded by Engine.mu.
	refs int
}

// Session is one caller's reference to a started torrent. The torrent is
// dropped when its last Session closes.
type Session struct {
	engine  *Engine
	active  *activeTorrent
	torrent *torrent.Torrent
	id      string

	closeOnce sync.Once
}

var _ ports.TorrentSession = (*Session)(nil)

func (s *Session) InfoHash() string { return s.id }
func (s *Session) Name() string     { return s.torrent.Name() }

func (s *Session) Files() []domain.TorrentFile {
	return mapFiles(s.torrent)
}

func mapFiles(t *torrent.Torrent) (mapped []domain.TorrentFile) {
	if !torrentInfoReady(t) {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mapFiles panic recovered",
				slog.Any("error", r),
				slog.String("stack", string(debug.Stack())),
			)
			mapped = nil
		}
	}()

	files := t.Files()
	mapped = make([]domain.TorrentFile, 0, len(files))
	for i, f := range files {
		mapped = append(mapped, domain.TorrentFile{
			Index:  i,
			Path:   f.Path(),
			Offset: f.Offset(),
			Length: f.Length(),
		})
	}
	return mapped
}

func torrentInfoReady(t *torrent.Torrent) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.GotInfo():
		return true
	default:
		return false
	}
}

func (s *Session) Pieces() []domain.Piece {
	if !torrentInfoReady(s.torrent) {
		return nil
	}
	info := s.torrent.Info()
	n := s.torrent.NumPieces()
	pieces := make([]domain.Piece, 0, n)
	for i := 0; i < n; i++ {
		p := info.Piece(i)
		pieces = append(pieces, domain.Piece{Index: i, Offset: p.Offset(), Size: p.Length()})
	}
	return pieces
}

func (s *Session) PieceState(index int) domain.PieceState {
	if index < 0 || index >= s.torrent.NumPieces() {
		return domain.PieceNotAvailable
	}
	ps := s.torrent.PieceState(index)
	return mapPieceState(ps.Complete, ps.Checking, ps.Partial, ps.Ok)
}

func (s *Session) file(index int) (*torrent.File, error) {
	if !torrentInfoReady(s.torrent) {
		return nil, fmt.Errorf("%w: metadata not ready", domain.ErrEngine)
	}
	files := s.torrent.Files()
	if index < 0 || index >= len(files) {
		return nil, fmt.Errorf("%w: file %d", domain.ErrNotFound, index)
	}
	return files[index], nil
}

func (s *Session) SetFilePriority(fileIndex int, prio domain.Priority) error {
	f, err := s.file(fileIndex)
	if err != nil {
		return err
	}
	f.SetPriority(mapPriority(prio))
	return nil
}

func (s *Session) FileBytesCompleted(fileIndex int) int64 {
	f, err := s.file(fileIndex)
	if err != nil {
		return 0
	}
	return f.BytesCompleted()
}

func (s *Session) Stats() domain.TorrentStats {
	stats := s.torrent.Stats()
	out := domain.TorrentStats{
		Peers:        stats.ActivePeers,
		BytesRead:    stats.BytesReadUsefulData.Int64(),
		BytesWritten: stats.BytesWrittenData.Int64(),
	}
	if torrentInfoReady(s.torrent) {
		out.BytesCompleted = s.torrent.BytesCompleted()
		out.Length = s.torrent.Length()
	}
	return out
}

func (s *Session) NewReader(fileIndex int) (io.ReadSeekCloser, error) {
	f, err := s.file(fileIndex)
	if err != nil {
		return nil, err
	}
	return f.NewReader(), nil
}

// Close releases this reference to the torrent. It is idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.engine.release(s.active)
	})
	return err
}
