package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"driftcast/internal/ingest"
	"driftcast/internal/ledger"
	"driftcast/internal/models"
)

type createLiveRequest struct {
	Title              string   `json:"title"`
	Permanent          bool     `json:"permanent"`
	SaveReplay         bool     `json:"saveReplay"`
	AllowedResolutions []string `json:"allowedResolutions,omitempty"`
}

// createLiveResponse carries the plaintext stream key exactly once, at
// creation or rotation time. Only the hash is stored.
type createLiveResponse struct {
	models.Live
	StreamKey string `json:"streamKey"`
}

// Lives handles the collection routes: create and list.
func (h *Handler) Lives(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createLive(w, r)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.Store.ListLives())
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) createLive(w http.ResponseWriter, r *http.Request) {
	var req createLiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	title, err := models.NormalizeTitle(req.Title)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	for _, resolution := range req.AllowedResolutions {
		if strings.TrimSpace(resolution) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("allowed resolutions must not be blank"))
			return
		}
	}

	streamKey, err := ingest.GenerateStreamKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	hash, err := ingest.HashStreamKey(streamKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	liveRecord, err := h.Store.CreateLive(ledger.CreateLiveParams{
		Title:              title,
		Permanent:          req.Permanent,
		SaveReplay:         req.SaveReplay,
		AllowedResolutions: req.AllowedResolutions,
		StreamKeyHash:      hash,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	h.requestLogger(r).Info("live created", "live_id", liveRecord.ID, "permanent", liveRecord.Permanent, "save_replay", liveRecord.SaveReplay)
	writeJSON(w, http.StatusCreated, createLiveResponse{Live: liveRecord, StreamKey: streamKey})
}

// LiveByID handles /api/lives/{id} and its subroutes.
func (h *Handler) LiveByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/lives/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("live id is required"))
		return
	}
	liveID := parts[0]
	remaining := parts[1:]

	if len(remaining) == 0 {
		switch r.Method {
		case http.MethodGet:
			h.getLive(liveID, w)
		case http.MethodDelete:
			h.deleteLive(liveID, w, r)
		default:
			w.Header().Set("Allow", "GET, DELETE")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		}
		return
	}

	switch remaining[0] {
	case "sessions":
		h.listLiveSessions(liveID, w, r)
	case "stream-key":
		h.rotateStreamKey(liveID, w, r)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown live route %s", remaining[0]))
	}
}

func (h *Handler) getLive(liveID string, w http.ResponseWriter) {
	liveRecord, ok := h.Store.GetLive(liveID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("live %s not found", liveID))
		return
	}
	writeJSON(w, http.StatusOK, liveRecord)
}

func (h *Handler) deleteLive(liveID string, w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeleteLive(r.Context(), liveID); err != nil {
		if errors.Is(err, ledger.ErrUnknownLive) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (h *Handler) listLiveSessions(liveID string, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	page, err := h.Store.ListSessions(liveID)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownLive) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// rotateStreamKey issues a replacement key, invalidating the previous one.
func (h *Handler) rotateStreamKey(liveID string, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	liveRecord, ok := h.Store.GetLive(liveID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("live %s not found", liveID))
		return
	}

	streamKey, err := ingest.GenerateStreamKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	hash, err := ingest.HashStreamKey(streamKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	updated, err := h.Store.UpdateStreamKeyHash(liveRecord.ID, hash)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	h.requestLogger(r).Info("stream key rotated", "live_id", liveRecord.ID)
	writeJSON(w, http.StatusOK, createLiveResponse{Live: updated, StreamKey: streamKey})
}
