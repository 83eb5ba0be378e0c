package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"driftcast/internal/ingest"
	"driftcast/internal/ledger"
	"driftcast/internal/live"
	"driftcast/internal/models"
	"driftcast/internal/observability/metrics"
	"driftcast/internal/replay"
	"driftcast/internal/segment"
)

type handlerFixture struct {
	handler  *Handler
	store    *ledger.Memory
	segments *segment.Store
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	store, err := ledger.NewMemory("")
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	segments := segment.NewStore(segment.Config{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := live.NewEngine(live.Config{
		Store:    store,
		Segments: segments,
		Queue:    replay.NewMemoryQueue(4),
		Recorder: metrics.New(),
		Logger:   logger,
	})
	gateway := ingest.NewGateway(ingest.GatewayConfig{
		Engine:   engine,
		Store:    store,
		Segments: segments,
		Recorder: metrics.New(),
		Logger:   logger,
	})
	handler := NewHandler(store, engine, gateway, segments)
	handler.Logger = logger
	return &handlerFixture{handler: handler, store: store, segments: segments}
}

// createLive drives the real create endpoint and returns the response with
// the one-time stream key.
func (f *handlerFixture) createLive(t *testing.T, permanent, saveReplay bool) createLiveResponse {
	t.Helper()
	payload := map[string]any{"title": "fixture live", "permanent": permanent, "saveReplay": saveReplay}
	recorder := f.do(t, http.MethodPost, "/api/lives", payload, f.handler.Lives)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create live returned %d: %s", recorder.Code, recorder.Body.String())
	}
	var resp createLiveResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return resp
}

// publish starts a session through the ingest hook and returns its ID.
func (f *handlerFixture) publish(t *testing.T, liveID, key string) string {
	t.Helper()
	payload := map[string]any{"action": "publish", "live": liveID, "key": key}
	recorder := f.do(t, http.MethodPost, "/hooks/ingest", payload, f.handler.IngestHook)
	if recorder.Code != http.StatusOK {
		t.Fatalf("publish hook returned %d: %s", recorder.Code, recorder.Body.String())
	}
	var resp ingestHookResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode hook response: %v", err)
	}
	if resp.SessionID == "" {
		t.Fatalf("publish hook returned no session id")
	}
	return resp.SessionID
}

func (f *handlerFixture) unpublish(t *testing.T, sessionID string) {
	t.Helper()
	payload := map[string]any{"action": "unpublish", "sessionId": sessionID, "cause": "normal"}
	recorder := f.do(t, http.MethodPost, "/hooks/ingest", payload, f.handler.IngestHook)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unpublish hook returned %d: %s", recorder.Code, recorder.Body.String())
	}
}

func (f *handlerFixture) pushSegment(t *testing.T, sessionID string, body []byte, duration string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPut, "/hooks/segments/"+sessionID, bytes.NewReader(body))
	if duration != "" {
		req.Header.Set("X-Segment-Duration", duration)
	}
	recorder := httptest.NewRecorder()
	f.handler.SegmentIngest(recorder, req)
	return recorder
}

func (f *handlerFixture) do(t *testing.T, method, path string, payload any, route http.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	recorder := httptest.NewRecorder()
	route(recorder, req)
	return recorder
}

func TestHealth(t *testing.T) {
	fixture := newHandlerFixture(t)
	recorder := fixture.do(t, http.MethodGet, "/healthz", nil, fixture.handler.Health)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	recorder = fixture.do(t, http.MethodPost, "/healthz", nil, fixture.handler.Health)
	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", recorder.Code)
	}
}

func TestSessionListingMatchesLedgerShape(t *testing.T) {
	fixture := newHandlerFixture(t)
	created := fixture.createLive(t, true, false)

	for i := 0; i < 2; i++ {
		sessionID := fixture.publish(t, created.ID, created.StreamKey)
		fixture.unpublish(t, sessionID)
	}

	recorder := fixture.do(t, http.MethodGet, "/api/lives/"+created.ID+"/sessions", nil, fixture.handler.LiveByID)
	if recorder.Code != http.StatusOK {
		t.Fatalf("sessions listing returned %d: %s", recorder.Code, recorder.Body.String())
	}
	var page models.SessionPage
	if err := json.Unmarshal(recorder.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode sessions page: %v", err)
	}
	if page.Total != 2 || len(page.Data) != 2 {
		t.Fatalf("expected 2 sessions, got total=%d len=%d", page.Total, len(page.Data))
	}
	for i, session := range page.Data {
		if session.Ordinal != i {
			t.Fatalf("expected ordinal %d at position %d, got %d", i, i, session.Ordinal)
		}
		if session.Error != nil {
			t.Fatalf("expected null error for normal stop, got %q", *session.Error)
		}
		if !session.Closed() {
			t.Fatalf("expected session %d closed", i)
		}
	}
}
