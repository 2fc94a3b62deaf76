package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"torrentstream/mediaengine/internal/domain"
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrUnsupportedMedia):
		writeError(w, http.StatusUnprocessableEntity, "unsupported_media", err.Error())
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already_exists", err.Error())
	case errors.Is(err, domain.ErrClosed):
		writeError(w, http.StatusGone, "closed", err.Error())
	case errors.Is(err, domain.ErrPieceLayout):
		writeError(w, http.StatusInternalServerError, "piece_layout", err.Error())
	case errors.Is(err, domain.ErrFetchTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "fetch_timeout", err.Error())
	case errors.Is(err, domain.ErrFetchNetwork):
		writeError(w, http.StatusBadGateway, "fetch_network", err.Error())
	case errors.Is(err, domain.ErrEngine):
		writeError(w, http.StatusInternalServerError, "engine_error", err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusRequestTimeout, "cancelled", "request cancelled")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func isTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
