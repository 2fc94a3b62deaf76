package torrent

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

const cacheKeyPrefixRunes = 32

// CacheKey returns a stable, human-readable directory name for one cached
// episode: a sanitized subject name prefix and a hash of the identifiers.
func CacheKey(mediaID, subjectID, episodeID, subjectName string) string {
	sum := sha256.Sum256([]byte(mediaID + "|" + subjectID + "|" + episodeID))
	hash := hex.EncodeToString(sum[:])[:16]

	prefix := sanitizeName(subjectName)
	if prefix == "" {
		return hash
	}
	return prefix + "-" + hash
}

func sanitizeName(name string) string {
	var b strings.Builder
	runes := 0
	lastSep := true
	for _, r := range strings.TrimSpace(name) {
		if runes >= cacheKeyPrefixRunes {
			break
		}
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSep = false
		case !lastSep:
			b.WriteByte('_')
			lastSep = true
		default:
			continue
		}
		runes++
	}
	return strings.Trim(b.String(), "_")
}
