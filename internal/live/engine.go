// Package live drives the lifecycle of ingest sessions against their lives:
// accepting publishers, numbering sessions, freezing segment epochs on stop,
// and handing replay-eligible epochs to the assembler queue.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"driftcast/internal/ledger"
	"driftcast/internal/models"
	"driftcast/internal/observability/metrics"
	"driftcast/internal/replay"
	"driftcast/internal/segment"
)

var (
	// ErrAlreadyPublishing is returned when a second publisher attempts to
	// start a session on a live that is already publishing.
	ErrAlreadyPublishing = errors.New("live is already publishing")
	// ErrLiveEnded is returned when a publisher attempts to reuse a one-shot
	// live whose only session has ended.
	ErrLiveEnded = errors.New("live has ended")
)

// Config wires the engine's collaborators. Store and Segments are required;
// the rest fall back to process-wide defaults.
type Config struct {
	Store    ledger.Store
	Segments *segment.Store
	Queue    replay.Queue
	Recorder *metrics.Recorder
	Logger   *slog.Logger
}

// Engine serializes session lifecycle changes per live. Operations for
// different lives proceed concurrently; start/end for the same live take the
// live's own lock, never a global one.
type Engine struct {
	store    ledger.Store
	segments *segment.Store
	queue    replay.Queue
	recorder *metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine constructs an engine from the provided collaborators.
func NewEngine(cfg Config) *Engine {
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    cfg.Store,
		segments: cfg.Segments,
		queue:    cfg.Queue,
		recorder: recorder,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		locks:    make(map[string]*sync.Mutex),
	}
}

// liveLock returns the mutex owned by the given live, allocating it on first
// use. Lock entries are cheap and are reaped together with the live on delete.
func (e *Engine) liveLock(liveID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[liveID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[liveID] = lock
	}
	return lock
}

func (e *Engine) dropLiveLock(liveID string) {
	e.mu.Lock()
	delete(e.locks, liveID)
	e.mu.Unlock()
}

// StartSession admits a publisher for the live. Exactly one concurrent caller
// wins; the rest observe ErrAlreadyPublishing. The accepted session receives
// the next ordinal and a fresh segment epoch whose retention follows the
// live's replay setting.
func (e *Engine) StartSession(ctx context.Context, liveID string, meta models.IngestMetadata) (models.Session, error) {
	lock := e.liveLock(liveID)
	lock.Lock()
	defer lock.Unlock()

	liveRecord, ok := e.store.GetLive(liveID)
	if !ok {
		return models.Session{}, fmt.Errorf("%w: %s", ledger.ErrUnknownLive, liveID)
	}
	switch liveRecord.State {
	case models.LiveStatePublished:
		return models.Session{}, ErrAlreadyPublishing
	case models.LiveStateEnded:
		return models.Session{}, ErrLiveEnded
	}
	if !canPublish(liveRecord.State) {
		return models.Session{}, fmt.Errorf("live %s cannot accept a publisher in state %q", liveID, liveRecord.State)
	}

	ordinal, err := e.store.NextOrdinal(liveID)
	if err != nil {
		return models.Session{}, fmt.Errorf("allocate ordinal: %w", err)
	}
	sessionID := uuid.NewString()
	retention := segment.RetentionEvict
	if liveRecord.SaveReplay {
		retention = segment.RetentionReplay
	}
	if _, err := e.segments.OpenEpoch(sessionID, ordinal, retention); err != nil {
		return models.Session{}, fmt.Errorf("open epoch: %w", err)
	}

	session, err := e.store.RecordStart(liveID, sessionID, ordinal, e.now())
	if err != nil {
		e.segments.Drop(sessionID)
		return models.Session{}, fmt.Errorf("record session start: %w", err)
	}
	if _, err := e.store.UpdateLiveState(liveID, ledger.LiveStateUpdate{
		State:            models.LiveStatePublished,
		CurrentSessionID: &sessionID,
	}); err != nil {
		e.segments.Drop(sessionID)
		return models.Session{}, fmt.Errorf("publish live: %w", err)
	}

	e.recorder.SessionStarted()
	e.logger.Info("session started",
		"live_id", liveID,
		"session_id", sessionID,
		"ordinal", ordinal,
		"remote_addr", meta.RemoteAddr,
	)
	return session, nil
}

// EndSession stops the session, freezes its epoch, and transitions the live.
// It is idempotent: ending an already-closed session returns the stored
// record unchanged. Both the disconnect hook and the idle watchdog call it.
func (e *Engine) EndSession(ctx context.Context, sessionID string, cause models.StopCause) (models.Session, error) {
	if !cause.Valid() {
		return models.Session{}, fmt.Errorf("invalid stop cause %q", cause)
	}
	session, ok := e.store.GetSession(sessionID)
	if !ok {
		return models.Session{}, fmt.Errorf("%w: %s", ledger.ErrUnknownSession, sessionID)
	}

	lock := e.liveLock(session.LiveID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: a concurrent end may have closed it already.
	session, ok = e.store.GetSession(sessionID)
	if !ok {
		return models.Session{}, fmt.Errorf("%w: %s", ledger.ErrUnknownSession, sessionID)
	}
	if session.Closed() {
		return session, nil
	}

	liveRecord, ok := e.store.GetLive(session.LiveID)
	if !ok {
		return models.Session{}, fmt.Errorf("%w: %s", ledger.ErrUnknownLive, session.LiveID)
	}

	if err := e.segments.Freeze(sessionID); err != nil && !errors.Is(err, segment.ErrUnknownEpoch) {
		return models.Session{}, fmt.Errorf("freeze epoch: %w", err)
	}

	// The lease must exist before the session is recorded as ended so the
	// sweep cannot race the assembler to the frozen segments.
	leased := false
	if liveRecord.SaveReplay {
		if err := e.segments.Lease(sessionID); err == nil {
			leased = true
		} else if !errors.Is(err, segment.ErrUnknownEpoch) {
			return models.Session{}, fmt.Errorf("lease epoch: %w", err)
		}
	}

	session, err := e.store.RecordEnd(sessionID, e.now(), cause)
	if err != nil {
		if leased {
			e.segments.Release(sessionID)
		}
		return models.Session{}, fmt.Errorf("record session end: %w", err)
	}

	nextState, err := nextStateAfterStop(liveRecord)
	if err == nil {
		if _, updateErr := e.store.UpdateLiveState(liveRecord.ID, ledger.LiveStateUpdate{State: nextState}); updateErr != nil {
			e.logger.Error("live state transition failed",
				"live_id", liveRecord.ID,
				"session_id", sessionID,
				"error", updateErr,
			)
		}
	} else {
		// The live was not publishing; nothing to transition. This happens
		// when the live was force-reset while the session was still open.
		e.logger.Warn("session ended without a publishing live",
			"live_id", liveRecord.ID,
			"session_id", sessionID,
			"state", string(liveRecord.State),
		)
	}

	if leased {
		e.enqueueReplay(ctx, liveRecord, session)
	}

	e.recorder.SessionStopped(string(cause))
	e.logger.Info("session ended",
		"live_id", liveRecord.ID,
		"session_id", sessionID,
		"ordinal", session.Ordinal,
		"cause", string(cause),
	)
	return session, nil
}

// enqueueReplay hands the frozen epoch to the assembler queue. On enqueue
// failure the lease is released and the failure recorded on the session, so
// the epoch does not linger pinned with no consumer coming.
func (e *Engine) enqueueReplay(ctx context.Context, liveRecord models.Live, session models.Session) {
	manifest, err := e.segments.Manifest(session.ID)
	if err != nil || len(manifest) == 0 {
		// Nothing was published during the session; there is no replay to
		// assemble and the lease must not pin the empty epoch.
		e.segments.Release(session.ID)
		e.logger.Info("replay skipped for empty session",
			"live_id", liveRecord.ID,
			"session_id", session.ID,
		)
		return
	}
	job := replay.Job{
		EpochID:      session.ID,
		LiveID:       liveRecord.ID,
		SessionID:    session.ID,
		Ordinal:      session.Ordinal,
		SegmentCount: len(manifest),
		EnqueuedAt:   e.now(),
	}
	if err := e.queue.Publish(ctx, job); err != nil {
		e.segments.Release(session.ID)
		if _, recordErr := e.store.RecordError(session.ID, fmt.Sprintf("replay enqueue failed: %v", err)); recordErr != nil {
			e.logger.Error("record replay enqueue failure", "session_id", session.ID, "error", recordErr)
		}
		e.logger.Error("replay enqueue failed", "session_id", session.ID, "error", err)
		return
	}
	e.logger.Info("replay job enqueued",
		"live_id", liveRecord.ID,
		"session_id", session.ID,
		"segments", job.SegmentCount,
	)
}

// CurrentState returns the live record as the ledger sees it.
func (e *Engine) CurrentState(liveID string) (models.Live, error) {
	liveRecord, ok := e.store.GetLive(liveID)
	if !ok {
		return models.Live{}, fmt.Errorf("%w: %s", ledger.ErrUnknownLive, liveID)
	}
	return liveRecord, nil
}

// DeleteLive removes a live together with its session history and any epochs
// still held in the segment store.
func (e *Engine) DeleteLive(ctx context.Context, liveID string) error {
	lock := e.liveLock(liveID)
	lock.Lock()
	defer lock.Unlock()

	sessions, err := e.store.DeleteLive(liveID)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		e.segments.Drop(session.ID)
		if !session.Closed() {
			e.recorder.SessionStopped(string(models.StopCauseNormal))
		}
	}
	e.dropLiveLock(liveID)
	e.logger.Info("live deleted", "live_id", liveID, "sessions_removed", len(sessions))
	return nil
}
