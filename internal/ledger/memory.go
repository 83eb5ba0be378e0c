package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"driftcast/internal/models"
)

type dataset struct {
	Lives        map[string]models.Live        `json:"lives"`
	Sessions     map[string]models.Session     `json:"sessions"`
	ReplayVideos map[string]models.ReplayVideo `json:"replayVideos"`
}

// persistedLive re-exposes the stream key hash, which models.Live hides from
// API encoding. Without it the hash would vanish on reload and every
// publisher would be locked out after a restart.
type persistedLive struct {
	models.Live
	StreamKeyHash string `json:"streamKeyHash,omitempty"`
}

// fileDataset is the on-disk shape of the ledger file.
type fileDataset struct {
	Lives        map[string]persistedLive      `json:"lives"`
	Sessions     map[string]models.Session     `json:"sessions"`
	ReplayVideos map[string]models.ReplayVideo `json:"replayVideos"`
}

func (d dataset) forFile() fileDataset {
	out := fileDataset{
		Lives:        make(map[string]persistedLive, len(d.Lives)),
		Sessions:     d.Sessions,
		ReplayVideos: d.ReplayVideos,
	}
	for id, live := range d.Lives {
		out.Lives[id] = persistedLive{Live: live, StreamKeyHash: live.StreamKeyHash}
	}
	return out
}

func (f fileDataset) toDataset() dataset {
	out := dataset{
		Lives:        make(map[string]models.Live, len(f.Lives)),
		Sessions:     f.Sessions,
		ReplayVideos: f.ReplayVideos,
	}
	for id, live := range f.Lives {
		restored := live.Live
		restored.StreamKeyHash = live.StreamKeyHash
		out.Lives[id] = restored
	}
	return out
}

// Memory is the file-persisted in-memory ledger. All mutations run under the
// store lock and are flushed to disk before they become visible, so a crash
// never loses an acknowledged record.
type Memory struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewMemory loads (or initialises) a ledger stored at filePath. An empty path
// keeps the ledger purely in memory, which the tests rely on.
func NewMemory(filePath string) (*Memory, error) {
	store := &Memory{filePath: filePath}
	store.data = dataset{
		Lives:        make(map[string]models.Live),
		Sessions:     make(map[string]models.Session),
		ReplayVideos: make(map[string]models.ReplayVideo),
	}
	if filePath != "" {
		if err := store.load(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (m *Memory) load() error {
	raw, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read ledger file: %w", err)
	}
	var fromFile fileDataset
	if err := json.Unmarshal(raw, &fromFile); err != nil {
		return fmt.Errorf("decode ledger file: %w", err)
	}
	data := fromFile.toDataset()
	if data.Lives == nil {
		data.Lives = make(map[string]models.Live)
	}
	if data.Sessions == nil {
		data.Sessions = make(map[string]models.Session)
	}
	if data.ReplayVideos == nil {
		data.ReplayVideos = make(map[string]models.ReplayVideo)
	}
	m.data = data
	return nil
}

func (m *Memory) persistLocked() error {
	if m.persistOverride != nil {
		return m.persistOverride(m.data)
	}
	if m.filePath == "" {
		return nil
	}
	raw, err := json.MarshalIndent(m.data.forFile(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	tmp := m.filePath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(m.filePath), 0o755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := os.Rename(tmp, m.filePath); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}

func generateID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// CreateLive registers a new live in waiting state.
func (m *Memory) CreateLive(params CreateLiveParams) (models.Live, error) {
	title, err := models.NormalizeTitle(params.Title)
	if err != nil {
		return models.Live{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

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
	m.data.Lives[id] = live
	if err := m.persistLocked(); err != nil {
		delete(m.data.Lives, id)
		return models.Live{}, err
	}
	return live, nil
}

// GetLive looks a live up by ID.
func (m *Memory) GetLive(id string) (models.Live, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	live, ok := m.data.Lives[id]
	return live, ok
}

// ListLives returns every configured live ordered by creation time.
func (m *Memory) ListLives() []models.Live {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lives := make([]models.Live, 0, len(m.data.Lives))
	for _, live := range m.data.Lives {
		lives = append(lives, live)
	}
	sort.Slice(lives, func(i, j int) bool {
		if lives[i].CreatedAt.Equal(lives[j].CreatedAt) {
			return lives[i].ID < lives[j].ID
		}
		return lives[i].CreatedAt.Before(lives[j].CreatedAt)
	})
	return lives
}

// UpdateLiveState persists a state transition decided by the live engine.
func (m *Memory) UpdateLiveState(id string, update LiveStateUpdate) (models.Live, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live, ok := m.data.Lives[id]
	if !ok {
		return models.Live{}, fmt.Errorf("%w: %s", ErrUnknownLive, id)
	}
	previous := live
	live.State = update.State
	live.CurrentSessionID = update.CurrentSessionID
	live.UpdatedAt = time.Now().UTC()
	m.data.Lives[id] = live
	if err := m.persistLocked(); err != nil {
		m.data.Lives[id] = previous
		return models.Live{}, err
	}
	return live, nil
}

// UpdateStreamKeyHash replaces the stored stream key hash, invalidating the
// previous key for future publishes.
func (m *Memory) UpdateStreamKeyHash(id string, hash string) (models.Live, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live, ok := m.data.Lives[id]
	if !ok {
		return models.Live{}, fmt.Errorf("%w: %s", ErrUnknownLive, id)
	}
	previous := live
	live.StreamKeyHash = hash
	live.UpdatedAt = time.Now().UTC()
	m.data.Lives[id] = live
	if err := m.persistLocked(); err != nil {
		m.data.Lives[id] = previous
		return models.Live{}, err
	}
	return live, nil
}

// DeleteLive removes the live and its whole session history, returning the
// removed sessions so callers can drop the matching segment epochs.
func (m *Memory) DeleteLive(id string) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.data.Lives[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLive, id)
	}
	removed := make([]models.Session, 0)
	for sessionID, session := range m.data.Sessions {
		if session.LiveID != id {
			continue
		}
		removed = append(removed, session)
		delete(m.data.Sessions, sessionID)
		if session.ReplayVideoID != nil {
			delete(m.data.ReplayVideos, *session.ReplayVideoID)
		}
	}
	deletedLive := m.data.Lives[id]
	delete(m.data.Lives, id)
	if err := m.persistLocked(); err != nil {
		m.data.Lives[id] = deletedLive
		for _, session := range removed {
			m.data.Sessions[session.ID] = session
		}
		return nil, err
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Ordinal < removed[j].Ordinal })
	return removed, nil
}

// RecordStart appends a session row. Replaying the same sessionID with the
// same ordinal is a no-op so the engine can retry after a partial failure.
func (m *Memory) RecordStart(liveID, sessionID string, ordinal int, startedAt time.Time) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.data.Lives[liveID]; !ok {
		return models.Session{}, fmt.Errorf("%w: %s", ErrUnknownLive, liveID)
	}
	if existing, ok := m.data.Sessions[sessionID]; ok {
		if existing.LiveID != liveID || existing.Ordinal != ordinal {
			return models.Session{}, fmt.Errorf("%w: session %s already recorded with ordinal %d", ErrConflict, sessionID, existing.Ordinal)
		}
		return existing, nil
	}
	session := models.Session{
		ID:        sessionID,
		LiveID:    liveID,
		Ordinal:   ordinal,
		StartedAt: startedAt.UTC(),
	}
	m.data.Sessions[sessionID] = session
	if err := m.persistLocked(); err != nil {
		delete(m.data.Sessions, sessionID)
		return models.Session{}, err
	}
	return session, nil
}

// RecordEnd closes a session. Repeating the call leaves the first recorded
// end time and error in place.
func (m *Memory) RecordEnd(sessionID string, endedAt time.Time, cause models.StopCause) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.data.Sessions[sessionID]
	if !ok {
		return models.Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if session.EndedAt != nil {
		return session, nil
	}
	ended := endedAt.UTC()
	if ended.Before(session.StartedAt) {
		ended = session.StartedAt
	}
	previous := session
	session.EndedAt = &ended
	session.Error = cause.SessionError()
	m.data.Sessions[sessionID] = session
	if err := m.persistLocked(); err != nil {
		m.data.Sessions[sessionID] = previous
		return models.Session{}, err
	}
	return session, nil
}

// RecordError stores a failure classification on an already closed session,
// used by the replay assembler when retries are exhausted.
func (m *Memory) RecordError(sessionID string, message string) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.data.Sessions[sessionID]
	if !ok {
		return models.Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if session.Error != nil && *session.Error == message {
		return session, nil
	}
	previous := session
	session.Error = &message
	m.data.Sessions[sessionID] = session
	if err := m.persistLocked(); err != nil {
		m.data.Sessions[sessionID] = previous
		return models.Session{}, err
	}
	return session, nil
}

// RecordReplay links the assembled replay video to its session. A repeated
// delivery with the same replay ID is acknowledged without change; a
// different ID for an already linked session is a conflict.
func (m *Memory) RecordReplay(sessionID string, replay models.ReplayVideo) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.data.Sessions[sessionID]
	if !ok {
		return models.Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if session.ReplayVideoID != nil {
		if *session.ReplayVideoID == replay.ID {
			return session, nil
		}
		return models.Session{}, fmt.Errorf("%w: session %s already linked to replay %s", ErrConflict, sessionID, *session.ReplayVideoID)
	}
	previous := session
	replayID := replay.ID
	session.ReplayVideoID = &replayID
	session.Error = nil
	m.data.Sessions[sessionID] = session
	m.data.ReplayVideos[replay.ID] = replay
	if err := m.persistLocked(); err != nil {
		m.data.Sessions[sessionID] = previous
		delete(m.data.ReplayVideos, replay.ID)
		return models.Session{}, err
	}
	return session, nil
}

// GetSession looks a session up by ID.
func (m *Memory) GetSession(sessionID string) (models.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.data.Sessions[sessionID]
	return session, ok
}

// GetReplayVideo looks a replay video up by ID.
func (m *Memory) GetReplayVideo(id string) (models.ReplayVideo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	replay, ok := m.data.ReplayVideos[id]
	return replay, ok
}

// ListSessions returns the live's sessions ordered by ordinal ascending.
// Total counts every session ever created for the live, open ones included.
func (m *Memory) ListSessions(liveID string) (models.SessionPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.data.Lives[liveID]; !ok {
		return models.SessionPage{}, fmt.Errorf("%w: %s", ErrUnknownLive, liveID)
	}
	sessions := make([]models.Session, 0)
	for _, session := range m.data.Sessions {
		if session.LiveID == liveID {
			sessions = append(sessions, session)
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Ordinal < sessions[j].Ordinal })
	return models.SessionPage{Total: len(sessions), Data: sessions}, nil
}

// NextOrdinal returns the ordinal the next accepted session must use.
func (m *Memory) NextOrdinal(liveID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.data.Lives[liveID]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownLive, liveID)
	}
	next := 0
	for _, session := range m.data.Sessions {
		if session.LiveID == liveID && session.Ordinal >= next {
			next = session.Ordinal + 1
		}
	}
	return next, nil
}

// Close flushes nothing; the memory ledger persists on every mutation.
func (m *Memory) Close(ctx context.Context) error {
	return nil
}
