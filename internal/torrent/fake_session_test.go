package torrent

import (
	"bytes"
	"io"
	"sync"

	"torrentstream/mediaengine/internal/domain"
)

type nopReadSeekCloser struct{ *bytes.Reader }

func (nopReadSeekCloser) Close() error { return nil }

type fakeSession struct {
	mu         sync.Mutex
	name       string
	files      []domain.TorrentFile
	pieces     []domain.Piece
	finished   map[int]bool
	completed  map[int]int64
	priorities map[int]domain.Priority
	pushes     []domain.Priority
	pushErr    error
	peers      int
}

func newFakeSession(name string, pieceSize int64, files ...domain.TorrentFile) *fakeSession {
	var total int64
	for _, f := range files {
		if end := f.Offset + f.Length; end > total {
			total = end
		}
	}
	return &fakeSession{
		name:       name,
		files:      files,
		pieces:     UniformPieces(total, pieceSize),
		finished:   make(map[int]bool),
		completed:  make(map[int]int64),
		priorities: make(map[int]domain.Priority),
	}
}

func (s *fakeSession) InfoHash() string            { return "abc123" }
func (s *fakeSession) Name() string                { return s.name }
func (s *fakeSession) Files() []domain.TorrentFile { return s.files }
func (s *fakeSession) Pieces() []domain.Piece      { return s.pieces }
func (s *fakeSession) Close() error                { return nil }
func (s *fakeSession) Stats() domain.TorrentStats  { return domain.TorrentStats{Peers: s.peers} }

func (s *fakeSession) PieceState(index int) domain.PieceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished[index] {
		return domain.PieceFinished
	}
	return domain.PieceReady
}

func (s *fakeSession) SetFilePriority(fileIndex int, prio domain.Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pushErr != nil {
		return s.pushErr
	}
	s.priorities[fileIndex] = prio
	s.pushes = append(s.pushes, prio)
	return nil
}

func (s *fakeSession) priority(fileIndex int) domain.Priority {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.priorities[fileIndex]; ok {
		return p
	}
	return domain.PriorityNone
}

func (s *fakeSession) FileBytesCompleted(fileIndex int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed[fileIndex]
}

func (s *fakeSession) setCompleted(fileIndex int, n int64) {
	s.mu.Lock()
	s.completed[fileIndex] = n
	s.mu.Unlock()
}

func (s *fakeSession) NewReader(fileIndex int) (io.ReadSeekCloser, error) {
	for _, f := range s.files {
		if f.Index == fileIndex {
			return nopReadSeekCloser{bytes.NewReader(make([]byte, f.Length))}, nil
		}
	}
	return nil, domain.ErrNotFound
}
