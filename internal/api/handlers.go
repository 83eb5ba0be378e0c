package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"driftcast/internal/ingest"
	"driftcast/internal/ledger"
	"driftcast/internal/live"
	"driftcast/internal/observability/logging"
	"driftcast/internal/segment"
)

// Handler bundles the collaborators every route needs.
type Handler struct {
	Store    ledger.Store
	Engine   *live.Engine
	Gateway  *ingest.Gateway
	Segments *segment.Store
	Logger   *slog.Logger

	// HookToken guards the ingest hook endpoint. Empty disables the check,
	// which only makes sense behind a trusted network boundary.
	HookToken string
}

// NewHandler constructs a handler from the provided collaborators.
func NewHandler(store ledger.Store, engine *live.Engine, gateway *ingest.Gateway, segments *segment.Store) *Handler {
	return &Handler{Store: store, Engine: engine, Gateway: gateway, Segments: segments}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// requestLogger prefers the request-scoped logger installed by the server
// middleware so handler lines carry the request and live IDs.
func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	if ctxLogger := logging.LoggerFromContext(r.Context()); ctxLogger != nil {
		return ctxLogger
	}
	return h.logger()
}

// Health reports process liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
