package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"driftcast/internal/segment"
)

// Play serves HLS playback for a session's epoch:
// GET /api/play/{id}/manifest.m3u8 and GET /api/play/{id}/{n}.ts.
// The id may be a session ID or a live ID; a live ID resolves to the live's
// current session.
func (h *Handler) Play(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/play/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("playback path must be {session}/manifest.m3u8 or {session}/{n}.ts"))
		return
	}

	sessionID, ok := h.resolvePlaybackSession(parts[0])
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no playable session for %s", parts[0]))
		return
	}

	switch {
	case parts[1] == "manifest.m3u8":
		h.servePlaylist(sessionID, w)
	case strings.HasSuffix(parts[1], ".ts"):
		h.serveSegment(sessionID, strings.TrimSuffix(parts[1], ".ts"), w)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown playback resource %s", parts[1]))
	}
}

// resolvePlaybackSession maps a live ID to its current session and passes
// session IDs through untouched.
func (h *Handler) resolvePlaybackSession(id string) (string, bool) {
	if liveRecord, ok := h.Store.GetLive(id); ok {
		if liveRecord.CurrentSessionID == nil {
			return "", false
		}
		return *liveRecord.CurrentSessionID, true
	}
	return id, true
}

func (h *Handler) servePlaylist(sessionID string, w http.ResponseWriter) {
	view, err := h.Segments.Snapshot(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %s has no segments", sessionID))
		return
	}

	available := view.Refs[view.EvictedBefore:]
	targetDuration := 1
	for _, ref := range available {
		if d := int(math.Ceil(ref.DurationSeconds)); d > targetDuration {
			targetDuration = d
		}
	}

	var playlist strings.Builder
	playlist.WriteString("#EXTM3U\n")
	playlist.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&playlist, "#EXT-X-TARGETDURATION:%d\n", targetDuration)
	fmt.Fprintf(&playlist, "#EXT-X-MEDIA-SEQUENCE:%d\n", view.EvictedBefore)
	for _, ref := range available {
		fmt.Fprintf(&playlist, "#EXTINF:%.3f,\n", ref.DurationSeconds)
		fmt.Fprintf(&playlist, "%d.ts\n", ref.Number)
	}
	if view.Frozen {
		playlist.WriteString("#EXT-X-ENDLIST\n")
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(playlist.String()))
}

func (h *Handler) serveSegment(sessionID, rawNumber string, w http.ResponseWriter) {
	number, err := strconv.Atoi(rawNumber)
	if err != nil || number < 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("invalid segment number %q", rawNumber))
		return
	}

	data, err := h.Segments.Segment(sessionID, number)
	if err != nil {
		if errors.Is(err, segment.ErrSegmentNotFound) || errors.Is(err, segment.ErrUnknownEpoch) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
