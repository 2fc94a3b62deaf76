package apihttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"torrentstream/mediaengine/internal/domain"
	"torrentstream/mediaengine/internal/mediacache"
)

type createCacheJSON struct {
	Media    domain.Media              `json:"media"`
	Metadata domain.MediaCacheMetadata `json:"metadata"`
}

type cacheList struct {
	Items []mediacache.View `json:"items"`
	Count int               `json:"count"`
}

func cacheViews(caches []*mediacache.MediaCache) []mediacache.View {
	views := make([]mediacache.View, 0, len(caches))
	for _, c := range caches {
		views = append(views, c.View())
	}
	return views
}

func (s *Server) handleCaches(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateCache(w, r)
	case http.MethodGet:
		views := cacheViews(s.storage.List())
		writeJSON(w, http.StatusOK, cacheList{Items: views, Count: len(views)})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateCache(w http.ResponseWriter, r *http.Request) {
	var body createCacheJSON
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}
	if strings.TrimSpace(body.Media.MediaID) == "" || strings.TrimSpace(body.Media.Download.URI) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "media.mediaId and media.download.uri are required")
		return
	}

	// Metadata resolution can take a while; never block indefinitely.
	ctx, cancel := context.WithTimeout(r.Context(), 90*time.Second)
	defer cancel()

	cache, err := s.storage.Cache(ctx, body.Media, body.Metadata)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cache.View())
}

func (s *Server) handleCacheByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/caches/"), "/")
	id := domain.CacheID(parts[0])
	if id == "" || len(parts) > 2 {
		http.NotFound(w, r)
		return
	}
	cache, err := s.storage.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, cache.View())
		case http.MethodDelete:
			if err := s.storage.Delete(r.Context(), cache); err != nil {
				writeDomainError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	switch parts[1] {
	case "pause", "resume":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if parts[1] == "pause" {
			err = cache.Pause(r.Context())
		} else {
			err = cache.Resume(r.Context())
		}
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cache.View())
	case "stream":
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleStreamCache(w, r, cache)
	default:
		http.NotFound(w, r)
	}
}

// handleStreamCache serves the cached file with HTTP range support. The
// reader blocks on pieces that have not arrived yet.
func (s *Server) handleStreamCache(w http.ResponseWriter, r *http.Request, cache *mediacache.MediaCache) {
	reader, err := cache.NewReader()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer reader.Close()

	record := cache.Record()
	ext := strings.ToLower(path.Ext(record.FilePath))
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = fallbackContentType(ext)
	}
	w.Header().Set("Content-Type", contentType)
	// Close the connection after streaming so keep-alive does not hold the
	// playback handle open.
	w.Header().Set("Connection", "close")

	s.logger.Debug("stream cache",
		slog.String("cacheId", string(record.CacheID)),
		slog.String("range", r.Header.Get("Range")),
	)
	http.ServeContent(w, r, path.Base(record.FilePath), record.CreatedAt, reader)
}

func fallbackContentType(ext string) string {
	switch ext {
	case ".mkv":
		return "video/x-matroska"
	case ".ts", ".m2ts":
		return "video/mp2t"
	case ".rmvb":
		return "application/vnd.rn-realmedia-vbr"
	default:
		return "application/octet-stream"
	}
}
