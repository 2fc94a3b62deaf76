package domain

import (
	"strconv"
	"strings"
	"time"
)

// EpisodeSort is an episode ordinal as published: "2", "12.5", "SP1".
type EpisodeSort string

// Number returns the numeric value of the ordinal when it has one.
func (e EpisodeSort) Number() (float64, bool) {
	raw := strings.TrimSpace(string(e))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Int returns the ordinal as an integer when it is a whole number.
func (e EpisodeSort) Int() (int, bool) {
	n, ok := e.Number()
	if !ok || n != float64(int(n)) {
		return 0, false
	}
	return int(n), true
}

func (e EpisodeSort) String() string { return string(e) }

type MediaFetchRequest struct {
	SubjectID    string      `json:"subjectId"`
	EpisodeID    string      `json:"episodeId"`
	SubjectNames []string    `json:"subjectNames"`
	EpisodeSort  EpisodeSort `json:"episodeSort"`
	EpisodeEp    EpisodeSort `json:"episodeEp,omitempty"`
	EpisodeName  string      `json:"episodeName,omitempty"`
}

// PrimaryName returns the first non-blank subject name.
func (r MediaFetchRequest) PrimaryName() string {
	for _, name := range r.SubjectNames {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

type ResourceKind string

const (
	ResourceMagnet        ResourceKind = "magnet"
	ResourceTorrentFile   ResourceKind = "torrent_file"
	ResourceHTTPStreaming ResourceKind = "http_streaming"
	ResourceLocalFile     ResourceKind = "local_file"
)

type ResourceLocation struct {
	Kind ResourceKind `json:"kind"`
	URI  string       `json:"uri"`
}

// IsTorrent reports whether the location has to be resolved by a torrent engine.
func (l ResourceLocation) IsTorrent() bool {
	return l.Kind == ResourceMagnet || l.Kind == ResourceTorrentFile
}

type MediaProperties struct {
	Resolution        string   `json:"resolution,omitempty"`
	SubtitleLanguages []string `json:"subtitleLanguages,omitempty"`
	SizeBytes         int64    `json:"sizeBytes,omitempty"`
	Alliance          string   `json:"alliance,omitempty"`
}

type Media struct {
	MediaID       string           `json:"mediaId"`
	MediaSourceID string           `json:"mediaSourceId"`
	OriginalTitle string           `json:"originalTitle"`
	OriginalURL   string           `json:"originalUrl,omitempty"`
	Download      ResourceLocation `json:"download"`
	Properties    MediaProperties  `json:"properties"`
	PublishedAt   *time.Time       `json:"publishedAt,omitempty"`
}

type MatchKind string

const (
	MatchExact MatchKind = "exact"
	MatchFuzzy MatchKind = "fuzzy"
	MatchNone  MatchKind = "none"
)

type MediaMatch struct {
	Media Media     `json:"media"`
	Kind  MatchKind `json:"kind"`
}

type SourceKind string

const (
	SourceKindWeb        SourceKind = "web"
	SourceKindBitTorrent SourceKind = "bittorrent"
	SourceKindLocal      SourceKind = "local"
)

type SourceInfo struct {
	ID    string     `json:"id"`
	Label string     `json:"label"`
	Kind  SourceKind `json:"kind"`
}
