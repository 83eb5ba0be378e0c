package api

import (
	"fmt"
	"net/http"
	"strings"
)

// ReplayByID returns the replay video metadata a session links to.
func (h *Handler) ReplayByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	replayID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/replays/"), "/")
	if replayID == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("replay id is required"))
		return
	}
	replayVideo, ok := h.Store.GetReplayVideo(replayID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("replay %s not found", replayID))
		return
	}
	writeJSON(w, http.StatusOK, replayVideo)
}
