// Package ledger keeps the durable, queryable history of lives and their
// sessions. The default implementation is an in-memory dataset persisted to a
// JSON file on every mutation; a Postgres implementation backed by pgx is
// available for multi-instance deployments.
package ledger

import (
	"context"
	"errors"
	"time"

	"driftcast/internal/models"
)

var (
	// ErrUnknownLive is returned when the referenced live does not exist.
	ErrUnknownLive = errors.New("unknown live")
	// ErrUnknownSession is returned when the referenced session does not exist.
	ErrUnknownSession = errors.New("unknown session")
	// ErrConflict is returned when an idempotent record call arrives with a
	// value that contradicts what is already stored.
	ErrConflict = errors.New("conflicting ledger update")
)

// CreateLiveParams configures a new live.
type CreateLiveParams struct {
	Title              string
	Permanent          bool
	SaveReplay         bool
	AllowedResolutions []string
	StreamKeyHash      string
}

// LiveStateUpdate mutates the runtime state attached to a live record.
type LiveStateUpdate struct {
	State            models.LiveState
	CurrentSessionID *string
}

// Store is the ledger contract shared by the in-memory and Postgres
// implementations. Record methods are idempotent under retry: recording the
// same field for the same session again with the same value succeeds without
// effect.
type Store interface {
	CreateLive(params CreateLiveParams) (models.Live, error)
	GetLive(id string) (models.Live, bool)
	ListLives() []models.Live
	UpdateLiveState(id string, update LiveStateUpdate) (models.Live, error)
	UpdateStreamKeyHash(id string, hash string) (models.Live, error)
	DeleteLive(id string) ([]models.Session, error)

	RecordStart(liveID, sessionID string, ordinal int, startedAt time.Time) (models.Session, error)
	RecordEnd(sessionID string, endedAt time.Time, cause models.StopCause) (models.Session, error)
	RecordError(sessionID string, message string) (models.Session, error)
	RecordReplay(sessionID string, replay models.ReplayVideo) (models.Session, error)

	GetSession(sessionID string) (models.Session, bool)
	GetReplayVideo(id string) (models.ReplayVideo, bool)
	ListSessions(liveID string) (models.SessionPage, error)
	NextOrdinal(liveID string) (int, error)

	Close(ctx context.Context) error
}
