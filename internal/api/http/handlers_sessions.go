package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"torrentstream/mediaengine/internal/domain"
	"torrentstream/mediaengine/internal/fetch"
)

type createSessionJSON struct {
	SubjectID    string   `json:"subjectId"`
	EpisodeID    string   `json:"episodeId"`
	SubjectNames []string `json:"subjectNames"`
	EpisodeSort  string   `json:"episodeSort"`
	EpisodeEp    string   `json:"episodeEp,omitempty"`
	EpisodeName  string   `json:"episodeName,omitempty"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateSession(w, r)
	case http.MethodGet:
		s.handleListSessions(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionJSON
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}

	req := domain.MediaFetchRequest{
		SubjectID:    strings.TrimSpace(body.SubjectID),
		EpisodeID:    strings.TrimSpace(body.EpisodeID),
		SubjectNames: body.SubjectNames,
		EpisodeSort:  domain.EpisodeSort(strings.TrimSpace(body.EpisodeSort)),
		EpisodeEp:    domain.EpisodeSort(strings.TrimSpace(body.EpisodeEp)),
		EpisodeName:  strings.TrimSpace(body.EpisodeName),
	}
	if req.PrimaryName() == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "subjectNames is required")
		return
	}

	sess, ok := s.addSession(req)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		return
	}
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

// addSession starts a session under the server's lifetime and evicts the
// oldest one when the cap is reached.
func (s *Server) addSession(req domain.MediaFetchRequest) (*fetch.Session, bool) {
	s.sessionsMu.Lock()
	if s.ctx.Err() != nil {
		s.sessionsMu.Unlock()
		return nil, false
	}
	sess := s.fetcher.NewSession(s.ctx, req)
	s.sessions[sess.ID()] = sess
	s.order = append(s.order, sess.ID())

	var evicted []*fetch.Session
	for len(s.order) > s.maxSessions {
		oldest := s.order[0]
		s.order = s.order[1:]
		if old, ok := s.sessions[oldest]; ok {
			delete(s.sessions, oldest)
			evicted = append(evicted, old)
		}
	}
	s.wg.Add(1)
	s.sessionsMu.Unlock()

	go s.watchSession(sess)
	for _, old := range evicted {
		go old.Close()
	}
	return sess, true
}

func (s *Server) session(id string) (*fetch.Session, bool) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) removeSession(id string) (*fetch.Session, bool) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	delete(s.sessions, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return sess, true
}

type sessionSummary struct {
	ID        string                   `json:"id"`
	Request   domain.MediaFetchRequest `json:"request"`
	Progress  float64                  `json:"progress"`
	Completed bool                     `json:"completed"`
	Results   int                      `json:"results"`
}

type sessionList struct {
	Items []sessionSummary `json:"items"`
	Count int              `json:"count"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.sessionsMu.Lock()
	ordered := make([]*fetch.Session, 0, len(s.order))
	for _, id := range s.order {
		if sess, ok := s.sessions[id]; ok {
			ordered = append(ordered, sess)
		}
	}
	s.sessionsMu.Unlock()

	items := make([]sessionSummary, 0, len(ordered))
	for _, sess := range ordered {
		items = append(items, sessionSummary{
			ID:        sess.ID(),
			Request:   sess.Request(),
			Progress:  sess.Progress(),
			Completed: sess.Completed(),
			Results:   len(sess.Cumulative()),
		})
	}
	writeJSON(w, http.StatusOK, sessionList{Items: items, Count: len(items)})
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(path, "/")
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			s.handleGetSession(w, r, id)
		case http.MethodDelete:
			s.handleDeleteSession(w, r, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case len(parts) == 4 && parts[1] == "sources" && parts[3] == "restart":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleRestartSource(w, r, id, parts[2])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, ok := s.session(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, ok := s.removeSession(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	sess.Close()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestartSource(w http.ResponseWriter, r *http.Request, id, sourceID string) {
	sess, ok := s.session(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if err := sess.Restart(sourceID); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "source not found")
		case errors.Is(err, fetch.ErrSourceRunning):
			writeError(w, http.StatusConflict, "source_running", "source is still running")
		case errors.Is(err, domain.ErrClosed):
			writeError(w, http.StatusGone, "session_closed", "session is closed")
		default:
			writeDomainError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, sess.Snapshot())
}
