package torrent

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/cehbz/torrentname"

	"torrentstream/mediaengine/internal/domain"
)

// EpisodeTarget describes the episode a multi-file torrent is searched for.
type EpisodeTarget struct {
	Title string
	// Sort is the absolute ordinal within the series.
	Sort domain.EpisodeSort
	// Ep is the ordinal within the season, when it differs from Sort.
	Ep domain.EpisodeSort
}

func TargetFromRequest(req domain.MediaFetchRequest) EpisodeTarget {
	return EpisodeTarget{Title: req.EpisodeName, Sort: req.EpisodeSort, Ep: req.EpisodeEp}
}

var videoExtensions = map[string]struct{}{
	".mp4": {}, ".mkv": {}, ".avi": {}, ".webm": {}, ".mov": {}, ".m4v": {},
	".flv": {}, ".wmv": {}, ".ts": {}, ".m2ts": {}, ".rmvb": {}, ".3gp": {},
}

// Blacklisted clip categories. Earlier categories sink further down.
var blacklistCategories = [][]string{
	{"op", "ncop", "opening", "creditless op"},
	{"ed", "nced", "ending", "creditless ed"},
	{"pv", "cm", "preview", "trailer", "teaser", "menu"},
	{"sp", "sps", "special", "extra", "bonus", "ova", "oad"},
}

func IsVideoFile(name string) bool {
	_, ok := videoExtensions[strings.ToLower(path.Ext(name))]
	return ok
}

// SelectVideoFile picks the file for target among paths. Signals are tried
// strictly in order of confidence: episode title, parsed absolute episode
// number, parsed in-season number, the bare number as a substring, and
// finally the best-ranked video file.
func SelectVideoFile(paths []string, target EpisodeTarget) (string, bool) {
	candidates := make([]string, 0, len(paths))
	for _, p := range paths {
		if IsVideoFile(p) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return blacklistRank(baseName(candidates[i])) < blacklistRank(baseName(candidates[j]))
	})

	if title := strings.ToLower(strings.TrimSpace(target.Title)); title != "" {
		for _, c := range candidates {
			if strings.Contains(strings.ToLower(baseName(c)), title) {
				return c, true
			}
		}
	}

	for _, ordinal := range []domain.EpisodeSort{target.Sort, target.Ep} {
		want, ok := ordinal.Int()
		if !ok {
			continue
		}
		for _, c := range candidates {
			if got, ok := ParseEpisode(baseName(c)); ok && got == want {
				return c, true
			}
		}
	}

	for _, ordinal := range []domain.EpisodeSort{target.Sort, target.Ep} {
		for _, needle := range bareNumbers(ordinal) {
			for _, c := range candidates {
				if strings.Contains(baseName(c), needle) {
					return c, true
				}
			}
		}
	}

	return candidates[0], true
}

// SelectFile returns the index of the selected file among session files.
func SelectFile(files []domain.TorrentFile, target EpisodeTarget) (domain.TorrentFile, bool) {
	paths := make([]string, 0, len(files))
	byPath := make(map[string]domain.TorrentFile, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
		byPath[f.Path] = f
	}
	selected, ok := SelectVideoFile(paths, target)
	if !ok {
		return domain.TorrentFile{}, false
	}
	return byPath[selected], true
}

func baseName(p string) string {
	name := path.Base(strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimSuffix(name, path.Ext(name))
}

// blacklistRank is 0 for regular files and grows for earlier categories.
func blacklistRank(name string) int {
	tokens := tokenize(name)
	joined := " " + strings.Join(tokens, " ") + " "
	for i, category := range blacklistCategories {
		for _, word := range category {
			if strings.Contains(joined, " "+word+" ") {
				return len(blacklistCategories) - i
			}
		}
	}
	return 0
}

// tokenize lowercases name and splits it on anything but letters, keeping
// digit runs apart so "01_OP2" yields "op".
func tokenize(name string) []string {
	return strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
}

func bareNumbers(ordinal domain.EpisodeSort) []string {
	n, ok := ordinal.Int()
	if !ok {
		raw := strings.TrimSpace(ordinal.String())
		if raw == "" {
			return nil
		}
		return []string{raw}
	}
	padded := fmt.Sprintf("%02d", n)
	plain := strconv.Itoa(n)
	if padded == plain {
		return []string{padded}
	}
	return []string{padded, plain}
}

var animeEpisodePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bS\d{1,2}E(\d{1,4})\b`),
	regexp.MustCompile(`(?i)\bEP?\.?\s?(\d{1,4})(?:v\d)?\b`),
	regexp.MustCompile(`第\s*(\d{1,4})\s*[話话集]`),
	regexp.MustCompile(`\s-\s(\d{1,4})(?:v\d)?(?:\s|$|\[|\()`),
	regexp.MustCompile(`\[(\d{1,4})(?:v\d)?(?:END)?\]`),
}

// ParseEpisode extracts an episode number from a file name. Release-style
// names are parsed first; fansub conventions are the fallback.
func ParseEpisode(name string) (int, bool) {
	if parsed := torrentname.Parse(name); parsed != nil && parsed.Episode > 0 {
		return parsed.Episode, true
	}
	for _, re := range animeEpisodePatterns {
		m := re.FindStringSubmatch(name)
		if len(m) < 2 {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n, true
		}
	}
	return 0, false
}
