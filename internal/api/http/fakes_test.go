package apihttp

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	"torrentstream/mediaengine/internal/domain"
	"torrentstream/mediaengine/internal/domain/ports"
	"torrentstream/mediaengine/internal/torrent"
)

type byteReader struct{ *bytes.Reader }

func (byteReader) Close() error { return nil }

type fakeHandle struct{ hash, name string }

func (h fakeHandle) InfoHash() string { return h.hash }
func (h fakeHandle) Name() string     { return h.name }

// fakeTorrent serves file contents from memory; every piece is ready.
type fakeTorrent struct {
	mu         sync.Mutex
	hash       string
	files      []domain.TorrentFile
	content    map[int][]byte
	pieces     []domain.Piece
	priorities map[int]domain.Priority
}

func newFakeTorrent(hash string, files map[string][]byte) *fakeTorrent {
	t := &fakeTorrent{hash: hash, content: make(map[int][]byte), priorities: make(map[int]domain.Priority)}
	var offset int64
	idx := 0
	for _, name := range sortedKeys(files) {
		data := files[name]
		t.files = append(t.files, domain.TorrentFile{Index: idx, Path: name, Offset: offset, Length: int64(len(data))})
		t.content[idx] = data
		offset += int64(len(data))
		idx++
	}
	t.pieces = torrent.UniformPieces(offset, 16)
	return t
}

func (t *fakeTorrent) InfoHash() string                 { return t.hash }
func (t *fakeTorrent) Name() string                     { return t.hash }
func (t *fakeTorrent) Files() []domain.TorrentFile      { return t.files }
func (t *fakeTorrent) Pieces() []domain.Piece           { return t.pieces }
func (t *fakeTorrent) PieceState(int) domain.PieceState { return domain.PieceReady }
func (t *fakeTorrent) Stats() domain.TorrentStats       { return domain.TorrentStats{} }
func (t *fakeTorrent) Close() error                     { return nil }

func (t *fakeTorrent) FileBytesCompleted(fileIndex int) int64 {
	return int64(len(t.content[fileIndex]))
}

func (t *fakeTorrent) SetFilePriority(fileIndex int, prio domain.Priority) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.priorities[fileIndex] = prio
	return nil
}

func (t *fakeTorrent) NewReader(fileIndex int) (io.ReadSeekCloser, error) {
	data, ok := t.content[fileIndex]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return byteReader{bytes.NewReader(data)}, nil
}

type fakeDownloader struct {
	mu       sync.Mutex
	dataDir  string
	torrents map[string]*fakeTorrent
}

func newFakeDownloader(dataDir string) *fakeDownloader {
	return &fakeDownloader{dataDir: dataDir, torrents: make(map[string]*fakeTorrent)}
}

func (d *fakeDownloader) add(uri string, t *fakeTorrent) {
	d.mu.Lock()
	d.torrents[uri] = t
	d.mu.Unlock()
}

func (d *fakeDownloader) FetchTorrent(_ context.Context, uri string) (ports.TorrentHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.torrents[uri]
	if !ok {
		return nil, domain.ErrFetchNetwork
	}
	return fakeHandle{hash: t.hash, name: t.hash}, nil
}

func (d *fakeDownloader) StartDownload(_ context.Context, h ports.TorrentHandle) (ports.TorrentSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.torrents {
		if t.hash == h.InfoHash() {
			return t, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (d *fakeDownloader) DataDir() string { return d.dataDir }
func (d *fakeDownloader) Close() error    { return nil }

type pagedMatches struct {
	mu    sync.Mutex
	pages [][]domain.MediaMatch
	total int
}

func (p *pagedMatches) NextPage(context.Context) ([]domain.MediaMatch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pages) == 0 {
		return nil, nil
	}
	page := p.pages[0]
	p.pages = p.pages[1:]
	return page, nil
}

func (p *pagedMatches) TotalSize() int { return p.total }

type stubSource struct {
	id    string
	err   error
	pages [][]domain.MediaMatch

	mu      sync.Mutex
	fetched int
}

func (s *stubSource) ID() string { return s.id }

func (s *stubSource) Info() domain.SourceInfo {
	return domain.SourceInfo{ID: s.id, Label: s.id, Kind: domain.SourceKindBitTorrent}
}

func (s *stubSource) Fetch(context.Context, domain.MediaFetchRequest) (ports.SizedSource[domain.MediaMatch], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetched++
	if s.err != nil {
		return nil, s.err
	}
	total := 0
	for _, p := range s.pages {
		total += len(p)
	}
	pages := make([][]domain.MediaMatch, len(s.pages))
	copy(pages, s.pages)
	return &pagedMatches{pages: pages, total: total}, nil
}

func (s *stubSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetched
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
