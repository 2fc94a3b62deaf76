package torrentsearch

import (
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"

	"torrentstream/mediaengine/internal/domain"
	"torrentstream/mediaengine/internal/torrent"
)

// Classify grades a release title against the request. A title naming one
// of the subject names is exact when its episode number agrees (or it is a
// batch without one) and fuzzy otherwise. Titles that only loosely resemble
// a name are fuzzy; everything else is none.
func Classify(title string, req domain.MediaFetchRequest) domain.MatchKind {
	normTitle := normalizeTitle(title)
	if normTitle == "" {
		return domain.MatchNone
	}

	named := false
	loose := false
	for _, name := range req.SubjectNames {
		n := normalizeTitle(name)
		if n == "" {
			continue
		}
		if strings.Contains(normTitle, n) {
			named = true
			break
		}
		if looseMatch(n, normTitle) {
			loose = true
		}
	}

	switch {
	case named:
		if episodeAgrees(title, req) {
			return domain.MatchExact
		}
		return domain.MatchFuzzy
	case loose:
		return domain.MatchFuzzy
	default:
		return domain.MatchNone
	}
}

// looseMatch reports whether some run of title words, as many as name has,
// fuzzily contains name with few extra characters.
func looseMatch(name, title string) bool {
	nameWords := len(strings.Fields(name))
	words := strings.Fields(title)
	budget := len([]rune(name)) / 3
	for i := 0; i+nameWords <= len(words); i++ {
		window := strings.Join(words[i:i+nameWords], " ")
		rank := fuzzy.RankMatchNormalizedFold(name, window)
		if rank >= 0 && rank <= budget {
			return true
		}
	}
	return false
}

func episodeAgrees(title string, req domain.MediaFetchRequest) bool {
	ep, ok := torrent.ParseEpisode(title)
	if !ok {
		return true
	}
	for _, want := range []domain.EpisodeSort{req.EpisodeSort, req.EpisodeEp} {
		if n, ok := want.Int(); ok && n == ep {
			return true
		}
	}
	return false
}

// normalizeTitle folds width variants and case, and collapses separators to
// single spaces.
func normalizeTitle(s string) string {
	s = width.Fold.String(norm.NFKC.String(s))
	s = strings.ToLower(s)
	var b strings.Builder
	space := true
	for _, r := range s {
		switch r {
		case '.', '_', '-', '[', ']', '(', ')', '【', '】', ' ', '\t':
			if !space {
				b.WriteByte(' ')
				space = true
			}
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(b.String())
}
