package mediacache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"torrentstream/mediaengine/internal/domain"
	"torrentstream/mediaengine/internal/domain/ports"
	"torrentstream/mediaengine/internal/torrent"
)

type nopReadSeekCloser struct{ *bytes.Reader }

func (nopReadSeekCloser) Close() error { return nil }

type fakeHandle struct {
	hash string
	name string
}

func (h fakeHandle) InfoHash() string { return h.hash }
func (h fakeHandle) Name() string     { return h.name }

type fakeSession struct {
	mu         sync.Mutex
	hash       string
	name       string
	files      []domain.TorrentFile
	pieces     []domain.Piece
	priorities map[int]domain.Priority
	closed     int
}

func newFakeSession(hash, name string, files ...domain.TorrentFile) *fakeSession {
	var total int64
	for _, f := range files {
		if end := f.Offset + f.Length; end > total {
			total = end
		}
	}
	return &fakeSession{
		hash:       hash,
		name:       name,
		files:      files,
		pieces:     torrent.UniformPieces(total, 16),
		priorities: make(map[int]domain.Priority),
	}
}

func (s *fakeSession) InfoHash() string                 { return s.hash }
func (s *fakeSession) Name() string                     { return s.name }
func (s *fakeSession) Files() []domain.TorrentFile      { return s.files }
func (s *fakeSession) Pieces() []domain.Piece           { return s.pieces }
func (s *fakeSession) PieceState(int) domain.PieceState { return domain.PieceReady }
func (s *fakeSession) FileBytesCompleted(int) int64     { return 0 }
func (s *fakeSession) Stats() domain.TorrentStats       { return domain.TorrentStats{} }

func (s *fakeSession) SetFilePriority(fileIndex int, prio domain.Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priorities[fileIndex] = prio
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

func (s *fakeSession) NewReader(fileIndex int) (io.ReadSeekCloser, error) {
	for _, f := range s.files {
		if f.Index == fileIndex {
			return nopReadSeekCloser{bytes.NewReader(make([]byte, f.Length))}, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeDownloader serves one prepared session per URI.
type fakeDownloader struct {
	mu       sync.Mutex
	dataDir  string
	sessions map[string]*fakeSession
	fetches  int
	fetchErr error
	gates    map[string]*fetchGate
}

// fetchGate holds FetchTorrent for one URI until release is closed.
type fetchGate struct {
	entered chan struct{}
	once    sync.Once
	release chan struct{}
}

func newFakeDownloader(dataDir string) *fakeDownloader {
	return &fakeDownloader{
		dataDir:  dataDir,
		sessions: make(map[string]*fakeSession),
		gates:    make(map[string]*fetchGate),
	}
}

func (d *fakeDownloader) block(uri string) *fetchGate {
	g := &fetchGate{entered: make(chan struct{}), release: make(chan struct{})}
	d.mu.Lock()
	d.gates[uri] = g
	d.mu.Unlock()
	return g
}

func (d *fakeDownloader) add(uri string, s *fakeSession) {
	d.mu.Lock()
	d.sessions[uri] = s
	d.mu.Unlock()
}

func (d *fakeDownloader) FetchTorrent(ctx context.Context, uri string) (ports.TorrentHandle, error) {
	d.mu.Lock()
	d.fetches++
	gate := d.gates[uri]
	d.mu.Unlock()

	if gate != nil {
		gate.once.Do(func() { close(gate.entered) })
		select {
		case <-gate.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fetchErr != nil {
		return nil, d.fetchErr
	}
	s, ok := d.sessions[uri]
	if !ok {
		return nil, domain.ErrFetchNetwork
	}
	return fakeHandle{hash: s.hash, name: s.name}, nil
}

func (d *fakeDownloader) StartDownload(ctx context.Context, h ports.TorrentHandle) (ports.TorrentSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sessions {
		if s.hash == h.InfoHash() {
			return s, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (d *fakeDownloader) fetchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fetches
}

func (d *fakeDownloader) DataDir() string { return d.dataDir }
func (d *fakeDownloader) Close() error    { return nil }

// memoryRepo keeps records newest first.
type memoryRepo struct {
	mu      sync.Mutex
	records map[domain.CacheID]domain.MediaCacheRecord
	saveErr error
	lists   int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{records: make(map[domain.CacheID]domain.MediaCacheRecord)}
}

func (r *memoryRepo) Save(_ context.Context, rec domain.MediaCacheRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.records[rec.CacheID] = rec
	return nil
}

func (r *memoryRepo) Get(_ context.Context, id domain.CacheID) (domain.MediaCacheRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return domain.MediaCacheRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (r *memoryRepo) List(_ context.Context, offset, limit int) ([]domain.MediaCacheRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lists++
	all := make([]domain.MediaCacheRecord, 0, len(r.records))
	for _, rec := range r.records {
		all = append(all, rec)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CacheID > all[j].CacheID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (r *memoryRepo) Delete(_ context.Context, id domain.CacheID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.records, id)
	return nil
}

func (r *memoryRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

var errBoom = errors.New("boom")
