package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"driftcast/internal/models"
)

// Snapshot is a point-in-time export of the JSON ledger, used by the
// migration tooling to seed a Postgres ledger.
type Snapshot struct {
	Lives        []models.Live
	Sessions     []models.Session
	ReplayVideos []models.ReplayVideo
}

// SnapshotCounts summarises a snapshot for logging and verification.
type SnapshotCounts struct {
	Lives        int
	Sessions     int
	ReplayVideos int
}

func (s Snapshot) Counts() SnapshotCounts {
	return SnapshotCounts{
		Lives:        len(s.Lives),
		Sessions:     len(s.Sessions),
		ReplayVideos: len(s.ReplayVideos),
	}
}

// LoadSnapshotFromJSON reads a ledger file written by the Memory store.
func LoadSnapshotFromJSON(path string) (Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read ledger file: %w", err)
	}
	var fromFile fileDataset
	if err := json.Unmarshal(raw, &fromFile); err != nil {
		return Snapshot{}, fmt.Errorf("decode ledger file: %w", err)
	}
	data := fromFile.toDataset()

	snapshot := Snapshot{
		Lives:        make([]models.Live, 0, len(data.Lives)),
		Sessions:     make([]models.Session, 0, len(data.Sessions)),
		ReplayVideos: make([]models.ReplayVideo, 0, len(data.ReplayVideos)),
	}
	for _, live := range data.Lives {
		snapshot.Lives = append(snapshot.Lives, live)
	}
	for _, session := range data.Sessions {
		snapshot.Sessions = append(snapshot.Sessions, session)
	}
	for _, replay := range data.ReplayVideos {
		snapshot.ReplayVideos = append(snapshot.ReplayVideos, replay)
	}
	sort.Slice(snapshot.Lives, func(i, j int) bool { return snapshot.Lives[i].ID < snapshot.Lives[j].ID })
	sort.Slice(snapshot.Sessions, func(i, j int) bool { return snapshot.Sessions[i].ID < snapshot.Sessions[j].ID })
	sort.Slice(snapshot.ReplayVideos, func(i, j int) bool { return snapshot.ReplayVideos[i].ID < snapshot.ReplayVideos[j].ID })
	return snapshot, nil
}

// ImportSnapshotToPostgres inserts a snapshot into a Postgres-backed store.
// Existing rows with the same primary key are left untouched, so re-running a
// partially completed migration is safe.
func ImportSnapshotToPostgres(ctx context.Context, store Store, snapshot Snapshot) error {
	pg, ok := store.(*postgresStore)
	if !ok {
		return fmt.Errorf("snapshot import requires a postgres ledger, got %T", store)
	}
	return pg.importSnapshot(ctx, snapshot)
}

func (p *postgresStore) importSnapshot(ctx context.Context, snapshot Snapshot) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, live := range snapshot.Lives {
		_, err := tx.Exec(ctx,
			`INSERT INTO lives (id, title, permanent, save_replay, allowed_resolutions, state, current_session_id, stream_key_hash, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (id) DO NOTHING`,
			live.ID, live.Title, live.Permanent, live.SaveReplay, live.AllowedResolutions,
			string(live.State), live.CurrentSessionID, live.StreamKeyHash, live.CreatedAt, live.UpdatedAt)
		if err != nil {
			return fmt.Errorf("import live %s: %w", live.ID, err)
		}
	}
	for _, session := range snapshot.Sessions {
		_, err := tx.Exec(ctx,
			`INSERT INTO sessions (id, live_id, ordinal, started_at, ended_at, error, replay_video_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO NOTHING`,
			session.ID, session.LiveID, session.Ordinal, session.StartedAt, session.EndedAt, session.Error, session.ReplayVideoID)
		if err != nil {
			return fmt.Errorf("import session %s: %w", session.ID, err)
		}
	}
	for _, replayVideo := range snapshot.ReplayVideos {
		_, err := tx.Exec(ctx,
			`INSERT INTO replay_videos (id, live_id, session_id, object_key, size_bytes, segment_count, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO NOTHING`,
			replayVideo.ID, replayVideo.LiveID, replayVideo.SessionID, replayVideo.ObjectKey,
			replayVideo.SizeBytes, replayVideo.SegmentCount, replayVideo.CreatedAt)
		if err != nil {
			return fmt.Errorf("import replay video %s: %w", replayVideo.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return nil
}
