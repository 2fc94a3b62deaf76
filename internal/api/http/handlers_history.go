package apihttp

import (
	"net/http"

	"torrentstream/mediaengine/internal/domain"
)

type historyResponse struct {
	Items     []domain.MediaCacheRecord `json:"items"`
	Count     int                       `json:"count"`
	Completed bool                      `json:"completed"`
}

// handleHistory returns the loaded history. ?more=1 loads one more page
// first and ?refresh=1 reloads from the start.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	history := s.storage.History()
	q := r.URL.Query()

	switch {
	case isTruthy(q.Get("refresh")):
		if err := history.Refresh(r.Context()); err != nil {
			writeError(w, http.StatusBadGateway, "repository_error", err.Error())
			return
		}
	case isTruthy(q.Get("more")) || (len(history.Data()) == 0 && !history.Completed()):
		if _, err := history.RequestMore(r.Context()); err != nil {
			writeError(w, http.StatusBadGateway, "repository_error", err.Error())
			return
		}
	}

	items := history.Data()
	if items == nil {
		items = []domain.MediaCacheRecord{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Items: items, Count: len(items), Completed: history.Completed()})
}
