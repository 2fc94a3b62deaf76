package anacrolix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"torrentstream/mediaengine/internal/domain"
	"torrentstream/mediaengine/internal/domain/ports"
)

// defaultMaxConns caps established peer connections per torrent.
const defaultMaxConns = 35

// addMagnetTimeout bounds AddMagnet, which can block on the client's
// internal mutex while another torrent resolves metadata.
const (
	addMagnetTimeout       = 10 * time.Second
	defaultMetadataTimeout = 2 * time.Minute
	maxTorrentFileBytes    = 10 << 20
)

type Config struct {
	DataDir         string
	MaxConns        int
	MetadataTimeout time.Duration
	HTTPClient      *http.Client
}

// Engine downloads torrents through one anacrolix client. It implements
// ports.TorrentDownloader.
type Engine struct {
	client          *torrent.Client
	dataDir         string
	metadataTimeout time.Duration
	httpClient      *http.Client

	mu     sync.Mutex
	active map[string]*activeTorrent
}

var _ ports.TorrentDownloader = (*Engine)(nil)

func New(cfg Config) (*Engine, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		clientConfig.DataDir = cfg.DataDir
	}
	if cfg.MaxConns > 0 {
		clientConfig.EstablishedConnsPerTorrent = cfg.MaxConns
	} else {
		clientConfig.EstablishedConnsPerTorrent = defaultMaxConns
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEngine, err)
	}
	e := NewWithClient(client, clientConfig.DataDir)
	if cfg.MetadataTimeout > 0 {
		e.metadataTimeout = cfg.MetadataTimeout
	}
	if cfg.HTTPClient != nil {
		e.httpClient = cfg.HTTPClient
	}
	return e, nil
}

func NewWithClient(client *torrent.Client, dataDir string) *Engine {
	return &Engine{
		client:          client,
		dataDir:         dataDir,
		metadataTimeout: defaultMetadataTimeout,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		active: make(map[string]*activeTorrent),
	}
}

func (e *Engine) DataDir() string { return e.dataDir }

type handle struct {
	t *torrent.Torrent
}

func (h *handle) InfoHash() string { return h.t.InfoHash().HexString() }
func (h *handle) Name() string     { return h.t.Name() }

// FetchTorrent resolves uri to a torrent with metadata. uri may be a magnet
// link, an http(s) URL of a .torrent file or a local path.
func (e *Engine) FetchTorrent(ctx context.Context, uri string) (ports.TorrentHandle, error) {
	if e.client == nil {
		return nil, fmt.Errorf("%w: torrent client not configured", domain.ErrEngine)
	}
	uri = strings.TrimSpace(uri)

	var (
		t   *torrent.Torrent
		err error
	)
	switch {
	case strings.HasPrefix(uri, "magnet:"):
		t, err = e.addMagnet(ctx, uri)
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		t, err = e.addRemoteFile(ctx, uri)
	default:
		t, err = e.addLocalFile(strings.TrimPrefix(uri, "file://"))
	}
	if err != nil {
		return nil, err
	}

	if err := e.waitForInfo(ctx, t); err != nil {
		return nil, err
	}
	return &handle{t: t}, nil
}

type addResult struct {
	t   *torrent.Torrent
	err error
}

func (e *Engine) addMagnet(ctx context.Context, uri string) (*torrent.Torrent, error) {
	ch := make(chan addResult, 1)
	go func() {
		t, err := e.client.AddMagnet(uri)
		ch <- addResult{t, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%w: add magnet: %v", domain.ErrEngine, res.err)
		}
		return res.t, nil
	case <-time.After(addMagnetTimeout):
		go e.dropLate(ch)
		return nil, fmt.Errorf("%w: torrent client busy", domain.ErrFetchTimeout)
	case <-ctx.Done():
		go e.dropLate(ch)
		return nil, ctx.Err()
	}
}

// dropLate drops a torrent whose AddMagnet completed after the caller left,
// unless a session already owns it.
func (e *Engine) dropLate(ch <-chan addResult) {
	res := <-ch
	if res.t == nil {
		return
	}
	e.mu.Lock()
	_, owned := e.active[res.t.InfoHash().HexString()]
	e.mu.Unlock()
	if !owned {
		res.t.Drop()
	}
}

func (e *Engine) addRemoteFile(ctx context.Context, uri string) (*torrent.Torrent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEngine, err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, classifyNetworkError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: GET %s: status %d", domain.ErrFetchNetwork, uri, resp.StatusCode)
	}

	mi, err := metainfo.Load(io.LimitReader(resp.Body, maxTorrentFileBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyNetworkError(err)
	}
	t, err := e.client.AddTorrent(mi)
	if err != nil {
		return nil, fmt.Errorf("%w: add torrent: %v", domain.ErrEngine, err)
	}
	return t, nil
}

func (e *Engine) addLocalFile(path string) (*torrent.Torrent, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEngine, err)
	}
	t, err := e.client.AddTorrentFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: add torrent file: %v", domain.ErrEngine, err)
	}
	return t, nil
}

func (e *Engine) waitForInfo(ctx context.Context, t *torrent.Torrent) error {
	timer := time.NewTimer(e.metadataTimeout)
	defer timer.Stop()

	select {
	case <-t.GotInfo():
		return nil
	case <-timer.C:
		e.dropUnowned(t)
		return fmt.Errorf("%w: no metadata for %s after %s", domain.ErrFetchTimeout, t.InfoHash().HexString(), e.metadataTimeout)
	case <-ctx.Done():
		e.dropUnowned(t)
		return ctx.Err()
	}
}

func (e *Engine) dropUnowned(t *torrent.Torrent) {
	e.mu.Lock()
	_, owned := e.active[t.InfoHash().HexString()]
	e.mu.Unlock()
	if !owned {
		t.Drop()
	}
}

// StartDownload allows data transfer for the torrent with every file
// ignored; file entries raise priorities as handles vote.
func (e *Engine) StartDownload(ctx context.Context, h ports.TorrentHandle) (ports.TorrentSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	th, ok := h.(*handle)
	if !ok || th.t == nil {
		return nil, fmt.Errorf("%w: foreign torrent handle", domain.ErrEngine)
	}
	id := th.InfoHash()

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.active[id]; ok {
		existing.refs++
		return &Session{engine: e, active: existing, torrent: existing.t, id: id}, nil
	}

	t := th.t
	t.AllowDataDownload()
	for _, f := range t.Files() {
		f.SetPriority(torrent.PiecePriorityNone)
	}
	active := &activeTorrent{t: t, id: id, refs: 1}
	e.active[id] = active
	slog.Info("torrent download started",
		slog.String("infoHash", id),
		slog.String("name", t.Name()),
		slog.Int("files", len(t.Files())),
	)
	return &Session{engine: e, active: active, torrent: t, id: id}, nil
}

// release drops the torrent once the last session reference closes.
func (e *Engine) release(a *activeTorrent) error {
	e.mu.Lock()
	a.refs--
	if a.refs > 0 {
		e.mu.Unlock()
		return nil
	}
	delete(e.active, a.id)
	e.mu.Unlock()

	a.t.Drop()
	// Return memory to the OS promptly after dropping a torrent.
	freeOSMemory()
	return nil
}

// ActiveTorrents returns the info hashes of started torrents.
func (e *Engine) ActiveTorrents() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) Close() error {
	if e.client == nil {
		return nil
	}
	errList := e.client.Close()
	if len(errList) > 0 {
		return errList[0]
	}
	return nil
}

func freeOSMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}

func classifyNetworkError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrFetchTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrFetchTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrFetchNetwork, err)
}
