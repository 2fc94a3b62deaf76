package torrent

import (
	"testing"

	"torrentstream/mediaengine/internal/domain"
)

func TestSelectVideoFile(t *testing.T) {
	tests := []struct {
		name   string
		paths  []string
		target EpisodeTarget
		want   string
		wantOK bool
	}{
		{
			name:   "blacklisted clip sinks below episodes",
			paths:  []string{"01_OP.mp4", "Show - 02.mp4", "Show - 03.mp4"},
			target: EpisodeTarget{Sort: "2"},
			want:   "Show - 02.mp4",
			wantOK: true,
		},
		{
			name:   "episode title wins over number",
			paths:  []string{"Show - 02.mkv", "Show - 05 The Reunion.mkv"},
			target: EpisodeTarget{Title: "The Reunion", Sort: "2"},
			want:   "Show - 05 The Reunion.mkv",
			wantOK: true,
		},
		{
			name:   "absolute ordinal before in-season ordinal",
			paths:  []string{"Show S2 - 01.mkv", "Show S2 - 13.mkv"},
			target: EpisodeTarget{Sort: "13", Ep: "1"},
			want:   "Show S2 - 13.mkv",
			wantOK: true,
		},
		{
			name:   "in-season ordinal",
			paths:  []string{"Show S2 - 01.mkv", "Show S2 - 02.mkv"},
			target: EpisodeTarget{Sort: "14", Ep: "2"},
			want:   "Show S2 - 02.mkv",
			wantOK: true,
		},
		{
			name:   "bracketed fansub number",
			paths:  []string{"[Group] Show [01][1080p].mkv", "[Group] Show [02][1080p].mkv"},
			target: EpisodeTarget{Sort: "2"},
			want:   "[Group] Show [02][1080p].mkv",
			wantOK: true,
		},
		{
			name:   "chinese episode marker",
			paths:  []string{"番組 第01話.mp4", "番組 第02話.mp4"},
			target: EpisodeTarget{Sort: "2"},
			want:   "番組 第02話.mp4",
			wantOK: true,
		},
		{
			name:   "non video files ignored",
			paths:  []string{"Show - 02.ass", "Show - 02.mkv"},
			target: EpisodeTarget{Sort: "2"},
			want:   "Show - 02.mkv",
			wantOK: true,
		},
		{
			name:   "falls back to first ranked candidate",
			paths:  []string{"NCED.mkv", "movie.mkv"},
			target: EpisodeTarget{Sort: "7"},
			want:   "movie.mkv",
			wantOK: true,
		},
		{
			name:   "no video files",
			paths:  []string{"readme.txt", "cover.jpg"},
			target: EpisodeTarget{Sort: "1"},
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SelectVideoFile(tt.paths, tt.target)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBlacklistRankOrdersCategories(t *testing.T) {
	op := blacklistRank("Show NCOP1")
	ed := blacklistRank("Show NCED")
	sp := blacklistRank("Show SP1")
	regular := blacklistRank("Show - 01")
	if !(op > ed && ed > sp && sp > regular && regular == 0) {
		t.Fatalf("ranks op=%d ed=%d sp=%d regular=%d", op, ed, sp, regular)
	}
}

func TestParseEpisode(t *testing.T) {
	tests := []struct {
		name string
		want int
		ok   bool
	}{
		{"Show.S01E05.1080p.WEB", 5, true},
		{"[Sub] Show - 12 [1080p]", 12, true},
		{"Show EP07", 7, true},
		{"番組 第3話", 3, true},
		{"Show", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseEpisode(tt.name)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseEpisode(%q) = %d, %v; want %d, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSelectFileReturnsTorrentFile(t *testing.T) {
	files := []domain.TorrentFile{
		{Index: 0, Path: "Show/NCOP.mkv"},
		{Index: 1, Path: "Show/Show - 01.mkv"},
	}
	got, ok := SelectFile(files, EpisodeTarget{Sort: "1"})
	if !ok || got.Index != 1 {
		t.Fatalf("SelectFile = %+v, %v; want index 1", got, ok)
	}
}
