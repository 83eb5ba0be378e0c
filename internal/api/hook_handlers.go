package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"driftcast/internal/ingest"
	"driftcast/internal/ledger"
	"driftcast/internal/live"
	"driftcast/internal/models"
	"driftcast/internal/segment"
)

func normalizeHookAction(action string) string {
	normalized := strings.ToLower(strings.TrimSpace(action))
	normalized = strings.TrimPrefix(normalized, "on_")
	return normalized
}

func constantTimeEqual(expected, provided string) bool {
	if expected == "" || provided == "" {
		return false
	}
	if len(expected) != len(provided) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

func (h *Handler) hookAuthorized(r *http.Request) bool {
	token := strings.TrimSpace(h.HookToken)
	if token == "" {
		return true
	}
	if r == nil {
		return false
	}

	if authHeader := strings.TrimSpace(r.Header.Get("Authorization")); authHeader != "" {
		if parts := strings.SplitN(authHeader, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			if constantTimeEqual(token, strings.TrimSpace(parts[1])) {
				return true
			}
		}
	}

	if queryToken := strings.TrimSpace(r.URL.Query().Get("token")); queryToken != "" {
		if constantTimeEqual(token, queryToken) {
			return true
		}
	}

	return false
}

type ingestHookRequest struct {
	Action    string `json:"action"`
	Live      string `json:"live"`
	Key       string `json:"key,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Cause     string `json:"cause,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type ingestHookResponse struct {
	Status    string `json:"status"`
	Action    string `json:"action"`
	LiveID    string `json:"liveId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// IngestHook receives publish and unpublish callbacks from the media server.
func (h *Handler) IngestHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if !h.hookAuthorized(r) {
		h.requestLogger(r).Warn("ingest hook rejected token", "path", r.URL.Path, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
		return
	}

	var req ingestHookRequest
	if r.Body != nil && r.Body != http.NoBody {
		if err := decodeJSONAllowUnknown(r, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				writeError(w, http.StatusBadRequest, err)
				return
			}
		}
	}
	if req.Action == "" {
		req.Action = r.URL.Query().Get("action")
	}

	action := normalizeHookAction(req.Action)
	switch action {
	case "publish":
		h.handleHookPublish(req, w, r)
	case "unpublish", "publish_stop":
		h.handleHookUnpublish(req, w, r)
	case "":
		writeError(w, http.StatusBadRequest, fmt.Errorf("action is required"))
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown action %s", req.Action))
	}
}

func (h *Handler) handleHookPublish(req ingestHookRequest, w http.ResponseWriter, r *http.Request) {
	liveID := strings.TrimSpace(req.Live)
	if liveID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("live is required"))
		return
	}
	meta := models.IngestMetadata{
		RemoteAddr: r.RemoteAddr,
		ClientID:   strings.TrimSpace(req.ClientID),
		UserAgent:  strings.TrimSpace(req.UserAgent),
	}
	session, err := h.Gateway.OnConnect(r.Context(), liveID, strings.TrimSpace(req.Key), meta)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrUnknownLive):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, ingest.ErrInvalidStreamKey):
			writeError(w, http.StatusUnauthorized, err)
		case errors.Is(err, live.ErrAlreadyPublishing), errors.Is(err, live.ErrLiveEnded):
			writeError(w, http.StatusConflict, err)
		default:
			writeError(w, http.StatusBadRequest, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, ingestHookResponse{Status: "ok", Action: "on_publish", LiveID: liveID, SessionID: session.ID})
}

func (h *Handler) handleHookUnpublish(req ingestHookRequest, w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("sessionId is required"))
		return
	}
	cause := models.StopCause(strings.TrimSpace(req.Cause))
	if cause == "" {
		cause = models.StopCausePublisherDisconnected
	}
	if !cause.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown stop cause %s", req.Cause))
		return
	}
	session, err := h.Gateway.OnDisconnect(r.Context(), sessionID, cause)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownSession) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestHookResponse{Status: "ok", Action: "on_unpublish", LiveID: session.LiveID, SessionID: session.ID})
}

type segmentIngestResponse struct {
	Number int `json:"number"`
}

// SegmentIngest receives segment payloads from the media server:
// PUT /hooks/segments/{sessionID} with the segment bytes as the body and the
// duration in seconds carried in the X-Segment-Duration header.
func (h *Handler) SegmentIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		w.Header().Set("Allow", "PUT, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if !h.hookAuthorized(r) {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
		return
	}

	sessionID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/hooks/segments/"), "/")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("session id is required"))
		return
	}

	duration := 0.0
	if raw := strings.TrimSpace(r.Header.Get("X-Segment-Duration")); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid segment duration %q", raw))
			return
		}
		duration = parsed
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read segment body: %w", err))
		return
	}
	defer r.Body.Close()
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("segment body is required"))
		return
	}

	number, err := h.Gateway.OnData(sessionID, body, duration)
	if err != nil {
		switch {
		case errors.Is(err, segment.ErrUnknownEpoch):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, segment.ErrSessionClosed):
			writeError(w, http.StatusConflict, err)
		default:
			writeError(w, http.StatusBadRequest, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, segmentIngestResponse{Number: number})
}
