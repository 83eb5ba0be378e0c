package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"driftcast/internal/api"
	"driftcast/internal/ingest"
	"driftcast/internal/ledger"
	"driftcast/internal/live"
	"driftcast/internal/observability/metrics"
	"driftcast/internal/replay"
	"driftcast/internal/segment"
)

func newTestHandler(t *testing.T) *api.Handler {
	t.Helper()

	store, err := ledger.NewMemory("")
	if err != nil {
		t.Fatalf("NewMemory error: %v", err)
	}
	segments := segment.NewStore(segment.Config{})
	recorder := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := live.NewEngine(live.Config{
		Store:    store,
		Segments: segments,
		Queue:    replay.NewMemoryQueue(4),
		Recorder: recorder,
		Logger:   logger,
	})
	gateway := ingest.NewGateway(ingest.GatewayConfig{
		Engine:   engine,
		Store:    store,
		Segments: segments,
		Recorder: recorder,
		Logger:   logger,
	})
	handler := api.NewHandler(store, engine, gateway, segments)
	handler.Logger = logger
	return handler
}

func TestNewReturnsErrorWhenHandlerNil(t *testing.T) {
	t.Parallel()

	srv, err := New(nil, Config{})
	if err == nil {
		t.Fatalf("expected error when handler is nil, got server: %#v", srv)
	}
}

func TestNewReturnsErrorForBadCORSOrigin(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t)
	_, err := New(handler, Config{CORS: CORSConfig{ControlOrigins: []string{"studio.example.com"}}})
	if err == nil {
		t.Fatal("expected error for origin without scheme")
	}
}

func TestServerRoutesLiveLifecycle(t *testing.T) {
	handler := newTestHandler(t)
	srv, err := New(handler, Config{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	chain := srv.httpServer.Handler

	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rec.Code)
	}

	body := strings.NewReader(`{"title":"Morning Show","permanent":true}`)
	rec = httptest.NewRecorder()
	chain.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/lives", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create live returned %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID        string `json:"id"`
		StreamKey string `json:"streamKey"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.ID == "" || created.StreamKey == "" {
		t.Fatalf("expected id and stream key, got %+v", created)
	}

	rec = httptest.NewRecorder()
	chain.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/lives/"+created.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get live returned %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	chain.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/lives/"+created.ID+"/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list sessions returned %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	chain.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics returned %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected metrics body")
	}
}

func TestServerRoutesIngestHook(t *testing.T) {
	handler := newTestHandler(t)
	srv, err := New(handler, Config{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	chain := srv.httpServer.Handler

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"action":"publish","live":"missing","key":"nope"}`)
	chain.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/hooks/ingest", body))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown live, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	chain.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hooks/ingest", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET hook, got %d", rec.Code)
	}
}

func TestServerEchoesRequestID(t *testing.T) {
	handler := newTestHandler(t)
	srv, err := New(handler, Config{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "trace-42")
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "trace-42" {
		t.Fatalf("expected request id to round-trip, got %q", got)
	}

	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected generated request id header")
	}
}

func TestRateLimitMiddlewareThrottlesHookAttempts(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{HookLimit: 1, HookWindow: time.Minute})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	chain := rateLimitMiddleware(rl, nil, next)

	req := httptest.NewRequest(http.MethodPost, "/hooks/ingest", nil)
	req.RemoteAddr = "198.51.100.7:52011"

	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first hook attempt should pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	chain.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second hook attempt should be throttled, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After hint")
	}

	// Playback routes share only the global budget, not the hook counter.
	rec = httptest.NewRecorder()
	playReq := httptest.NewRequest(http.MethodGet, "/api/play/live-1/manifest.m3u8", nil)
	playReq.RemoteAddr = "198.51.100.7:52011"
	chain.ServeHTTP(rec, playReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("playback request should bypass hook limiting, got %d", rec.Code)
	}
}

func TestRateLimitMiddlewareGlobalBudget(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{GlobalRPS: 1, GlobalBurst: 1})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	chain := rateLimitMiddleware(rl, nil, next)

	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	chain.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should hit the global budget, got %d", rec.Code)
	}
}

func TestExtractClientIPPrefersForwardedHeaders(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "203.0.113.9:40000"
	if got := extractClientIP(req); got != "203.0.113.9" {
		t.Fatalf("expected remote addr host, got %q", got)
	}

	req.Header.Set("X-Real-IP", "198.51.100.2")
	if got := extractClientIP(req); got != "198.51.100.2" {
		t.Fatalf("expected X-Real-IP, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", "192.0.2.4, 198.51.100.2")
	if got := extractClientIP(req); got != "192.0.2.4" {
		t.Fatalf("expected first forwarded hop, got %q", got)
	}
}
