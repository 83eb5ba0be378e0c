// Package ingest is the boundary between the media transport and the session
// engine. It verifies stream keys, forwards segment data into the store, and
// closes sessions whose publisher disappeared without an explicit disconnect.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"driftcast/internal/ledger"
	"driftcast/internal/live"
	"driftcast/internal/models"
	"driftcast/internal/observability/metrics"
	"driftcast/internal/segment"
)

const (
	defaultIdleTimeout   = 30 * time.Second
	defaultCheckInterval = 5 * time.Second
)

// GatewayConfig wires the gateway's collaborators.
type GatewayConfig struct {
	Engine        *live.Engine
	Store         ledger.Store
	Segments      *segment.Store
	Recorder      *metrics.Recorder
	Logger        *slog.Logger
	IdleTimeout   time.Duration
	CheckInterval time.Duration
}

// Gateway accepts publisher callbacks and tracks transport liveness per
// session.
type Gateway struct {
	engine        *live.Engine
	store         ledger.Store
	segments      *segment.Store
	recorder      *metrics.Recorder
	logger        *slog.Logger
	idleTimeout   time.Duration
	checkInterval time.Duration
	now           func() time.Time

	mu     sync.Mutex
	active map[string]time.Time
}

// NewGateway constructs a gateway from the provided configuration.
func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.Recorder == nil {
		cfg.Recorder = metrics.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{
		engine:        cfg.Engine,
		store:         cfg.Store,
		segments:      cfg.Segments,
		recorder:      cfg.Recorder,
		logger:        cfg.Logger,
		idleTimeout:   cfg.IdleTimeout,
		checkInterval: cfg.CheckInterval,
		now:           func() time.Time { return time.Now().UTC() },
		active:        make(map[string]time.Time),
	}
}

// OnConnect admits a publisher after verifying the live's stream key. A
// rejected key never reaches the engine.
func (g *Gateway) OnConnect(ctx context.Context, liveID, streamKey string, meta models.IngestMetadata) (models.Session, error) {
	liveRecord, ok := g.store.GetLive(liveID)
	if !ok {
		g.recorder.ObserveHookRejection("publish")
		return models.Session{}, fmt.Errorf("%w: %s", ledger.ErrUnknownLive, liveID)
	}
	if err := VerifyStreamKey(liveRecord.StreamKeyHash, streamKey); err != nil {
		g.recorder.ObserveHookRejection("publish")
		g.logger.Warn("stream key rejected", "live_id", liveID, "remote_addr", meta.RemoteAddr)
		return models.Session{}, ErrInvalidStreamKey
	}

	session, err := g.engine.StartSession(ctx, liveID, meta)
	if err != nil {
		g.recorder.ObserveHookRejection("publish")
		return models.Session{}, err
	}

	g.mu.Lock()
	g.active[session.ID] = g.now()
	g.mu.Unlock()

	g.recorder.ObserveHookAction("publish")
	return session, nil
}

// OnData appends a transport chunk as the session's next segment and marks
// the session alive for the watchdog.
func (g *Gateway) OnData(sessionID string, chunk []byte, duration float64) (int, error) {
	number, err := g.segments.Append(sessionID, chunk, duration)
	if err != nil {
		return 0, err
	}
	g.recorder.ObserveSegmentAppended(len(chunk))

	g.mu.Lock()
	if _, tracked := g.active[sessionID]; tracked {
		g.active[sessionID] = g.now()
	}
	g.mu.Unlock()
	return number, nil
}

// OnDisconnect ends the session on behalf of the transport. Idempotent like
// the engine call beneath it.
func (g *Gateway) OnDisconnect(ctx context.Context, sessionID string, cause models.StopCause) (models.Session, error) {
	g.mu.Lock()
	delete(g.active, sessionID)
	g.mu.Unlock()

	session, err := g.engine.EndSession(ctx, sessionID, cause)
	if err != nil {
		return models.Session{}, err
	}
	g.recorder.ObserveHookAction("unpublish")
	return session, nil
}

// Run drives the idle watchdog until the context is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.sweepIdle(ctx)
		}
	}
}

// sweepIdle ends every tracked session whose last data chunk is older than the
// idle timeout, with the same cause an abrupt disconnect carries.
func (g *Gateway) sweepIdle(ctx context.Context) {
	now := g.now()
	g.mu.Lock()
	var stalled []string
	for sessionID, lastData := range g.active {
		if now.Sub(lastData) >= g.idleTimeout {
			stalled = append(stalled, sessionID)
		}
	}
	for _, sessionID := range stalled {
		delete(g.active, sessionID)
	}
	g.mu.Unlock()

	for _, sessionID := range stalled {
		g.logger.Warn("session stalled, closing", "session_id", sessionID, "idle_timeout", g.idleTimeout.String())
		if _, err := g.engine.EndSession(ctx, sessionID, models.StopCausePublisherDisconnected); err != nil {
			g.logger.Error("close stalled session", "session_id", sessionID, "error", err)
		}
	}
}

// ActiveSessions reports how many sessions the watchdog is tracking.
func (g *Gateway) ActiveSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}
