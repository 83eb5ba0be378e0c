package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"driftcast/internal/models"
)

// PostgresConfig tunes the pgx pool behind the Postgres ledger.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	ApplicationName     string
}

type postgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a Postgres-backed ledger and applies the schema. The
// schema statements are idempotent so repeated startups are safe.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	store := &postgresStore{pool: pool}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS lives (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		permanent BOOLEAN NOT NULL,
		save_replay BOOLEAN NOT NULL,
		allowed_resolutions TEXT[] NOT NULL DEFAULT '{}',
		state TEXT NOT NULL,
		current_session_id TEXT,
		stream_key_hash TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		live_id TEXT NOT NULL REFERENCES lives(id) ON DELETE CASCADE,
		ordinal INTEGER NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		error TEXT,
		replay_video_id TEXT,
		UNIQUE (live_id, ordinal)
	)`,
	`CREATE TABLE IF NOT EXISTS replay_videos (
		id TEXT PRIMARY KEY,
		live_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		object_key TEXT NOT NULL,
		size_bytes BIGINT NOT NULL,
		segment_count INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_live_ordinal_idx ON sessions (live_id, ordinal)`,
}

func (p *postgresStore) ensureSchema(ctx context.Context) error {
	for _, statement := range schemaStatements {
		if _, err := p.pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("apply ledger schema: %w", err)
		}
	}
	return nil
}

func (p *postgresStore) CreateLive(params CreateLiveParams) (models.Live, error) {
	title, err := models.NormalizeTitle(params.Title)
	if err != nil {
		return models.Live{}, err
	}
	id, err := generateID()
	if err != nil {
		return models.Live{}, err
	}
	now := time.Now().UTC()
	live := models.Live{
		ID:                 id,
		Title:              title,
		Permanent:          params.Permanent,
		SaveReplay:         params.SaveReplay,
		AllowedResolutions: append([]string(nil), params.AllowedResolutions...),
		State:              models.LiveStateWaiting,
		StreamKeyHash:      params.StreamKeyHash,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	_, err = p.pool.Exec(context.Background(),
		`INSERT INTO lives (id, title, permanent, save_replay, allowed_resolutions, state, stream_key_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		live.ID, live.Title, live.Permanent, live.SaveReplay, live.AllowedResolutions, string(live.State), live.StreamKeyHash, live.CreatedAt, live.UpdatedAt)
	if err != nil {
		return models.Live{}, fmt.Errorf("insert live: %w", err)
	}
	return live, nil
}

const liveColumns = `id, title, permanent, save_replay, allowed_resolutions, state, current_session_id, stream_key_hash, created_at, updated_at`

func scanLive(row pgx.Row) (models.Live, error) {
	var live models.Live
	var state string
	if err := row.Scan(&live.ID, &live.Title, &live.Permanent, &live.SaveReplay, &live.AllowedResolutions,
		&state, &live.CurrentSessionID, &live.StreamKeyHash, &live.CreatedAt, &live.UpdatedAt); err != nil {
		return models.Live{}, err
	}
	live.State = models.LiveState(state)
	return live, nil
}

func (p *postgresStore) GetLive(id string) (models.Live, bool) {
	row := p.pool.QueryRow(context.Background(), `SELECT `+liveColumns+` FROM lives WHERE id = $1`, id)
	live, err := scanLive(row)
	if err != nil {
		return models.Live{}, false
	}
	return live, true
}

func (p *postgresStore) ListLives() []models.Live {
	rows, err := p.pool.Query(context.Background(), `SELECT `+liveColumns+` FROM lives ORDER BY created_at, id`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var lives []models.Live
	for rows.Next() {
		live, err := scanLive(rows)
		if err != nil {
			return nil
		}
		lives = append(lives, live)
	}
	return lives
}

func (p *postgresStore) UpdateLiveState(id string, update LiveStateUpdate) (models.Live, error) {
	row := p.pool.QueryRow(context.Background(),
		`UPDATE lives SET state = $2, current_session_id = $3, updated_at = $4 WHERE id = $1 RETURNING `+liveColumns,
		id, string(update.State), update.CurrentSessionID, time.Now().UTC())
	live, err := scanLive(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Live{}, fmt.Errorf("%w: %s", ErrUnknownLive, id)
		}
		return models.Live{}, fmt.Errorf("update live state: %w", err)
	}
	return live, nil
}

func (p *postgresStore) UpdateStreamKeyHash(id string, hash string) (models.Live, error) {
	row := p.pool.QueryRow(context.Background(),
		`UPDATE lives SET stream_key_hash = $2, updated_at = $3 WHERE id = $1 RETURNING `+liveColumns,
		id, hash, time.Now().UTC())
	live, err := scanLive(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Live{}, fmt.Errorf("%w: %s", ErrUnknownLive, id)
		}
		return models.Live{}, fmt.Errorf("update stream key: %w", err)
	}
	return live, nil
}

func (p *postgresStore) DeleteLive(id string) ([]models.Session, error) {
	ctx := context.Background()
	sessions, err := p.sessionsForLive(ctx, id)
	if err != nil {
		return nil, err
	}
	tag, err := p.pool.Exec(ctx, `DELETE FROM lives WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("delete live: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLive, id)
	}
	for _, session := range sessions {
		if session.ReplayVideoID != nil {
			_, _ = p.pool.Exec(ctx, `DELETE FROM replay_videos WHERE id = $1`, *session.ReplayVideoID)
		}
	}
	return sessions, nil
}

const sessionColumns = `id, live_id, ordinal, started_at, ended_at, error, replay_video_id`

func scanSession(row pgx.Row) (models.Session, error) {
	var session models.Session
	if err := row.Scan(&session.ID, &session.LiveID, &session.Ordinal, &session.StartedAt,
		&session.EndedAt, &session.Error, &session.ReplayVideoID); err != nil {
		return models.Session{}, err
	}
	return session, nil
}

func (p *postgresStore) sessionsForLive(ctx context.Context, liveID string) ([]models.Session, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE live_id = $1 ORDER BY ordinal`, liveID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()
	sessions := make([]models.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (p *postgresStore) RecordStart(liveID, sessionID string, ordinal int, startedAt time.Time) (models.Session, error) {
	ctx := context.Background()
	if _, ok := p.GetLive(liveID); !ok {
		return models.Session{}, fmt.Errorf("%w: %s", ErrUnknownLive, liveID)
	}
	// ON CONFLICT DO NOTHING keeps retries idempotent; the follow-up select
	// surfaces whatever the first delivery stored.
	_, err := p.pool.Exec(ctx,
		`INSERT INTO sessions (id, live_id, ordinal, started_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		sessionID, liveID, ordinal, startedAt.UTC())
	if err != nil {
		return models.Session{}, fmt.Errorf("insert session: %w", err)
	}
	session, err := scanSession(p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID))
	if err != nil {
		return models.Session{}, fmt.Errorf("read session: %w", err)
	}
	if session.LiveID != liveID || session.Ordinal != ordinal {
		return models.Session{}, fmt.Errorf("%w: session %s already recorded with ordinal %d", ErrConflict, sessionID, session.Ordinal)
	}
	return session, nil
}

func (p *postgresStore) RecordEnd(sessionID string, endedAt time.Time, cause models.StopCause) (models.Session, error) {
	ctx := context.Background()
	_, err := p.pool.Exec(ctx,
		`UPDATE sessions SET ended_at = GREATEST($2, started_at), error = $3 WHERE id = $1 AND ended_at IS NULL`,
		sessionID, endedAt.UTC(), cause.SessionError())
	if err != nil {
		return models.Session{}, fmt.Errorf("end session: %w", err)
	}
	session, err := scanSession(p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
		}
		return models.Session{}, fmt.Errorf("read session: %w", err)
	}
	return session, nil
}

func (p *postgresStore) RecordError(sessionID string, message string) (models.Session, error) {
	ctx := context.Background()
	row := p.pool.QueryRow(ctx,
		`UPDATE sessions SET error = $2 WHERE id = $1 RETURNING `+sessionColumns, sessionID, message)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
		}
		return models.Session{}, fmt.Errorf("record session error: %w", err)
	}
	return session, nil
}

func (p *postgresStore) RecordReplay(sessionID string, replay models.ReplayVideo) (models.Session, error) {
	ctx := context.Background()
	current, err := scanSession(p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
		}
		return models.Session{}, fmt.Errorf("read session: %w", err)
	}
	if current.ReplayVideoID != nil {
		if *current.ReplayVideoID == replay.ID {
			return current, nil
		}
		return models.Session{}, fmt.Errorf("%w: session %s already linked to replay %s", ErrConflict, sessionID, *current.ReplayVideoID)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO replay_videos (id, live_id, session_id, object_key, size_bytes, segment_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
		replay.ID, replay.LiveID, replay.SessionID, replay.ObjectKey, replay.SizeBytes, replay.SegmentCount, replay.CreatedAt)
	if err != nil {
		return models.Session{}, fmt.Errorf("insert replay video: %w", err)
	}
	row := p.pool.QueryRow(ctx,
		`UPDATE sessions SET replay_video_id = $2, error = NULL WHERE id = $1 RETURNING `+sessionColumns,
		sessionID, replay.ID)
	session, err := scanSession(row)
	if err != nil {
		return models.Session{}, fmt.Errorf("link replay video: %w", err)
	}
	return session, nil
}

func (p *postgresStore) GetSession(sessionID string) (models.Session, bool) {
	session, err := scanSession(p.pool.QueryRow(context.Background(), `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID))
	if err != nil {
		return models.Session{}, false
	}
	return session, true
}

func (p *postgresStore) GetReplayVideo(id string) (models.ReplayVideo, bool) {
	var replay models.ReplayVideo
	err := p.pool.QueryRow(context.Background(),
		`SELECT id, live_id, session_id, object_key, size_bytes, segment_count, created_at FROM replay_videos WHERE id = $1`, id).
		Scan(&replay.ID, &replay.LiveID, &replay.SessionID, &replay.ObjectKey, &replay.SizeBytes, &replay.SegmentCount, &replay.CreatedAt)
	if err != nil {
		return models.ReplayVideo{}, false
	}
	return replay, true
}

func (p *postgresStore) ListSessions(liveID string) (models.SessionPage, error) {
	if _, ok := p.GetLive(liveID); !ok {
		return models.SessionPage{}, fmt.Errorf("%w: %s", ErrUnknownLive, liveID)
	}
	sessions, err := p.sessionsForLive(context.Background(), liveID)
	if err != nil {
		return models.SessionPage{}, err
	}
	return models.SessionPage{Total: len(sessions), Data: sessions}, nil
}

func (p *postgresStore) NextOrdinal(liveID string) (int, error) {
	if _, ok := p.GetLive(liveID); !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownLive, liveID)
	}
	var next int
	err := p.pool.QueryRow(context.Background(),
		`SELECT COALESCE(MAX(ordinal) + 1, 0) FROM sessions WHERE live_id = $1`, liveID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next ordinal: %w", err)
	}
	return next, nil
}

func (p *postgresStore) Close(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
