// Package torrentsearch adapts the torrent-search service's HTTP API into a
// media source.
package torrentsearch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cehbz/torrentname"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"torrentstream/mediaengine/internal/domain"
	"torrentstream/mediaengine/internal/domain/ports"
)

const (
	defaultPageSize = 50
	maxBodyBytes    = 2 << 20
	// maxEmptyPages bounds how many fully-filtered pages are skipped in one
	// NextPage call.
	maxEmptyPages = 5
)

type Config struct {
	ID       string
	Label    string
	BaseURL  string
	Client   *http.Client
	PageSize int
}

type Source struct {
	id       string
	label    string
	baseURL  string
	http     *http.Client
	pageSize int
}

type searchResult struct {
	Name        string     `json:"name"`
	InfoHash    string     `json:"infoHash,omitempty"`
	Magnet      string     `json:"magnet,omitempty"`
	PageURL     string     `json:"pageUrl,omitempty"`
	SizeBytes   int64      `json:"sizeBytes,omitempty"`
	Seeders     int        `json:"seeders,omitempty"`
	Tracker     string     `json:"tracker,omitempty"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	Enrichment  struct {
		Quality   string   `json:"quality,omitempty"`
		Subtitles []string `json:"subtitles,omitempty"`
	} `json:"enrichment,omitempty"`
}

type searchResponse struct {
	Items      []searchResult `json:"items"`
	TotalItems int            `json:"totalItems"`
	Limit      int            `json:"limit"`
	Offset     int            `json:"offset"`
	HasMore    bool           `json:"hasMore"`
}

func New(cfg Config) *Source {
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		id = "torrent-search"
	}
	label := strings.TrimSpace(cfg.Label)
	if label == "" {
		label = "Torrent Search"
	}
	return &Source{
		id:       id,
		label:    label,
		baseURL:  strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		http:     client,
		pageSize: pageSize,
	}
}

func (s *Source) ID() string { return s.id }

func (s *Source) Info() domain.SourceInfo {
	return domain.SourceInfo{ID: s.id, Label: s.label, Kind: domain.SourceKindBitTorrent}
}

// Fetch runs the first search request so the total is known up front. A
// request without a usable subject name yields an empty source.
func (s *Source) Fetch(ctx context.Context, req domain.MediaFetchRequest) (ports.SizedSource[domain.MediaMatch], error) {
	query := buildQuery(req)
	p := &pager{source: s, request: req, query: query, total: domain.UnknownTotal}
	if query == "" {
		p.done = true
		p.total = 0
		return p, nil
	}
	first, err := s.search(ctx, query, 0)
	if err != nil {
		return nil, err
	}
	p.absorb(first)
	return p, nil
}

func buildQuery(req domain.MediaFetchRequest) string {
	name := req.PrimaryName()
	if name == "" {
		return ""
	}
	if n, ok := req.EpisodeSort.Int(); ok {
		return fmt.Sprintf("%s %02d", name, n)
	}
	return name
}

func (s *Source) search(ctx context.Context, query string, offset int) (searchResponse, error) {
	params := url.Values{
		"q":      {query},
		"limit":  {strconv.Itoa(s.pageSize)},
		"offset": {strconv.Itoa(offset)},
	}
	reqURL := s.baseURL + "/search?" + params.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return searchResponse{}, err
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return searchResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return searchResponse{}, fmt.Errorf("search HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return searchResponse{}, err
	}
	var out searchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return searchResponse{}, fmt.Errorf("decode search response: %w", err)
	}
	return out, nil
}

// pager walks the search results by offset. Pages whose items all fail
// classification are skipped so an empty page only ever means exhaustion.
type pager struct {
	source  *Source
	request domain.MediaFetchRequest
	query   string

	mu      sync.Mutex
	offset  int
	total   int
	done    bool
	pending []domain.MediaMatch
}

func (p *pager) TotalSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

func (p *pager) absorb(resp searchResponse) {
	p.total = resp.TotalItems
	p.offset += len(resp.Items)
	if !resp.HasMore || len(resp.Items) == 0 {
		p.done = true
	}
	p.pending = p.source.classifyAll(resp.Items, p.request)
}

func (p *pager) NextPage(ctx context.Context) ([]domain.MediaMatch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if len(p.pending) > 0 {
			page := p.pending
			p.pending = nil
			return page, nil
		}
		if p.done || attempt >= maxEmptyPages {
			return nil, nil
		}
		resp, err := p.source.search(ctx, p.query, p.offset)
		if err != nil {
			return nil, err
		}
		p.absorb(resp)
	}
}

func (s *Source) classifyAll(items []searchResult, req domain.MediaFetchRequest) []domain.MediaMatch {
	out := make([]domain.MediaMatch, 0, len(items))
	for _, item := range items {
		media, ok := s.toMedia(item)
		if !ok {
			continue
		}
		kind := Classify(item.Name, req)
		if kind == domain.MatchNone {
			continue
		}
		out = append(out, domain.MediaMatch{Media: media, Kind: kind})
	}
	return out
}

func (s *Source) toMedia(item searchResult) (domain.Media, bool) {
	name := strings.TrimSpace(item.Name)
	if name == "" {
		return domain.Media{}, false
	}
	var location domain.ResourceLocation
	switch {
	case strings.HasPrefix(item.Magnet, "magnet:"):
		location = domain.ResourceLocation{Kind: domain.ResourceMagnet, URI: item.Magnet}
	case strings.HasSuffix(strings.ToLower(item.PageURL), ".torrent"):
		location = domain.ResourceLocation{Kind: domain.ResourceTorrentFile, URI: item.PageURL}
	default:
		return domain.Media{}, false
	}

	key := strings.ToLower(strings.TrimSpace(item.InfoHash))
	if key == "" {
		sum := sha1.Sum([]byte(location.URI))
		key = hex.EncodeToString(sum[:])
	}

	props := domain.MediaProperties{
		Resolution:        item.Enrichment.Quality,
		SubtitleLanguages: item.Enrichment.Subtitles,
		SizeBytes:         item.SizeBytes,
		Alliance:          releaseGroup(name),
	}
	if props.Resolution == "" {
		if parsed := torrentname.Parse(name); parsed != nil {
			props.Resolution = parsed.Resolution
		}
	}

	return domain.Media{
		MediaID:       s.id + ":" + key,
		MediaSourceID: s.id,
		OriginalTitle: name,
		OriginalURL:   item.PageURL,
		Download:      location,
		Properties:    props,
		PublishedAt:   item.PublishedAt,
	}, true
}

// releaseGroup returns the leading "[Group]" tag of a release name.
func releaseGroup(name string) string {
	if !strings.HasPrefix(name, "[") {
		return ""
	}
	end := strings.Index(name, "]")
	if end <= 1 {
		return ""
	}
	return strings.TrimSpace(name[1:end])
}
