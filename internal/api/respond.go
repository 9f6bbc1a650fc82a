package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/snapetech/iptvclient/internal/catalog"
	"github.com/snapetech/iptvclient/internal/playback"
)

type errorBody struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as {error, kind, message, hint} with a status derived from its kind.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Warn("request failed", "path", r.URL.Path, "err", err)
	}
	msg, hint := catalog.UserMessage(err)
	kind := catalog.KindName(err)
	if errors.Is(err, playback.ErrInvalidTransition) {
		kind = "invalid_transition"
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind, Message: msg, Hint: hint})
}

func statusFor(err error) int {
	if errors.Is(err, playback.ErrInvalidTransition) {
		return http.StatusConflict
	}
	switch catalog.KindOf(err) {
	case catalog.ErrAuth:
		return http.StatusUnauthorized
	case catalog.ErrNotFound, catalog.ErrEmptySeries:
		return http.StatusNotFound
	case catalog.ErrNetwork, catalog.ErrFormat, catalog.ErrResolution:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Kind: "bad_request"})
}
