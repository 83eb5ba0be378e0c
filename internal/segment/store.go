package segment

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"driftcast/internal/models"
)

var (
	// ErrSessionClosed is returned when a write hits a frozen epoch.
	ErrSessionClosed = errors.New("session closed")
	// ErrSegmentNotFound is returned for segments that were evicted or never
	// written. Callers should treat it as an expected not-found condition.
	ErrSegmentNotFound = errors.New("segment not found")
	// ErrUnknownEpoch is returned when no epoch exists for the session.
	ErrUnknownEpoch = errors.New("unknown epoch")
)

// RetentionMode controls what happens to a frozen epoch's segments.
type RetentionMode string

const (
	// RetentionEvict allows the sweep to remove segments once the grace
	// window has elapsed.
	RetentionEvict RetentionMode = "evict-after-window"
	// RetentionReplay keeps segments until every lease on the epoch has been
	// released, or until the archival TTL elapses.
	RetentionReplay RetentionMode = "retain-for-replay"
)

// Config tunes eviction behaviour. Zero values fall back to the defaults
// below.
type Config struct {
	// GraceWindow is the minimum time a segment stays servable after the
	// epoch freezes, and the minimum age a segment must reach before the
	// count-based eviction may touch it.
	GraceWindow time.Duration
	// KeepCount is how many trailing segments an unfrozen or recently frozen
	// epoch retains once the sweep starts trimming.
	KeepCount int
	// EpochTTL bounds how long a frozen epoch survives in its entirety.
	// Leased epochs are exempt until released, then the archival TTL below
	// applies.
	EpochTTL time.Duration
	// ArchivalTTL is the hard upper bound for retain-for-replay epochs whose
	// consumer never released them.
	ArchivalTTL time.Duration
}

const (
	defaultGraceWindow = 30 * time.Second
	defaultKeepCount   = 10
	defaultEpochTTL    = 5 * time.Minute
	defaultArchivalTTL = 12 * time.Hour
)

func (c Config) withDefaults() Config {
	if c.GraceWindow <= 0 {
		c.GraceWindow = defaultGraceWindow
	}
	if c.KeepCount <= 0 {
		c.KeepCount = defaultKeepCount
	}
	if c.EpochTTL <= 0 {
		c.EpochTTL = defaultEpochTTL
	}
	if c.ArchivalTTL <= 0 {
		c.ArchivalTTL = defaultArchivalTTL
	}
	return c
}

type entry struct {
	ref  models.SegmentRef
	data []byte
}

// manifest is the copy-on-write snapshot readers observe. Entries before
// evictedBefore have been removed by the sweep; their refs remain so the
// numbering stays contiguous from zero.
type manifest struct {
	entries       []entry
	evictedBefore int
}

// Epoch is the segment numbering and manifest namespace owned by a single
// session. Appends are single-producer; reads go through an atomic snapshot
// pointer and never take the append lock.
type Epoch struct {
	sessionID string
	index     int
	retention RetentionMode

	appendMu sync.Mutex
	snapshot atomic.Pointer[manifest]

	frozen   atomic.Bool
	frozenAt atomic.Pointer[time.Time]
	leases   atomic.Int64
}

func newEpoch(sessionID string, index int, retention RetentionMode) *Epoch {
	e := &Epoch{sessionID: sessionID, index: index, retention: retention}
	e.snapshot.Store(&manifest{})
	return e
}

// SessionID returns the owning session's identifier.
func (e *Epoch) SessionID() string { return e.sessionID }

// Index returns the epoch index, equal to the session ordinal.
func (e *Epoch) Index() int { return e.index }

// Retention returns the epoch's retention mode.
func (e *Epoch) Retention() RetentionMode { return e.retention }

// Frozen reports whether the epoch manifest has been frozen.
func (e *Epoch) Frozen() bool { return e.frozen.Load() }

func (e *Epoch) append(data []byte, duration float64, now time.Time) (int, error) {
	e.appendMu.Lock()
	defer e.appendMu.Unlock()

	if e.frozen.Load() {
		return 0, ErrSessionClosed
	}

	current := e.snapshot.Load()
	number := len(current.entries)
	next := &manifest{
		entries:       make([]entry, 0, number+1),
		evictedBefore: current.evictedBefore,
	}
	next.entries = append(next.entries, current.entries...)
	next.entries = append(next.entries, entry{
		ref: models.SegmentRef{
			Number:          number,
			SizeBytes:       int64(len(data)),
			DurationSeconds: duration,
			WrittenAt:       now,
		},
		data: data,
	})
	e.snapshot.Store(next)
	return number, nil
}

func (e *Epoch) freeze(now time.Time) {
	if e.frozen.CompareAndSwap(false, true) {
		at := now
		e.frozenAt.Store(&at)
	}
}

// Store owns every live epoch and runs the eviction bookkeeping over them.
type Store struct {
	cfg Config
	now func() time.Time

	mu     sync.RWMutex
	epochs map[string]*Epoch
}

// NewStore constructs an empty segment store.
func NewStore(cfg Config) *Store {
	return &Store{
		cfg:    cfg.withDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
		epochs: make(map[string]*Epoch),
	}
}

// OpenEpoch allocates the epoch for a freshly accepted session. The retention
// mode is fixed at open time: replay-saving lives retain, others evict.
func (s *Store) OpenEpoch(sessionID string, index int, retention RetentionMode) (*Epoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.epochs[sessionID]; exists {
		return nil, fmt.Errorf("epoch for session %s already open", sessionID)
	}
	epoch := newEpoch(sessionID, index, retention)
	s.epochs[sessionID] = epoch
	return epoch, nil
}

func (s *Store) epoch(sessionID string) (*Epoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	epoch, ok := s.epochs[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrUnknownEpoch, sessionID)
	}
	return epoch, nil
}

// Append writes the next contiguous segment for the session and publishes the
// updated manifest atomically. It returns the assigned segment number.
func (s *Store) Append(sessionID string, data []byte, duration float64) (int, error) {
	epoch, err := s.epoch(sessionID)
	if err != nil {
		return 0, err
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	return epoch.append(copied, duration, s.now())
}

// Manifest returns the ordered segment references as of the call. Open epochs
// return a growing view; frozen epochs are stable.
func (s *Store) Manifest(sessionID string) ([]models.SegmentRef, error) {
	epoch, err := s.epoch(sessionID)
	if err != nil {
		return nil, err
	}
	snapshot := epoch.snapshot.Load()
	refs := make([]models.SegmentRef, 0, len(snapshot.entries))
	for _, ent := range snapshot.entries {
		refs = append(refs, ent.ref)
	}
	return refs, nil
}

// View is a point-in-time read of an epoch for the playback layer. Refs holds
// every segment ever appended; entries before EvictedBefore no longer have
// payload bytes.
type View struct {
	Refs          []models.SegmentRef
	EvictedBefore int
	Frozen        bool
	Retention     RetentionMode
}

// Snapshot returns the epoch's current view without taking the append lock.
func (s *Store) Snapshot(sessionID string) (View, error) {
	epoch, err := s.epoch(sessionID)
	if err != nil {
		return View{}, err
	}
	snapshot := epoch.snapshot.Load()
	refs := make([]models.SegmentRef, 0, len(snapshot.entries))
	for _, ent := range snapshot.entries {
		refs = append(refs, ent.ref)
	}
	return View{
		Refs:          refs,
		EvictedBefore: snapshot.evictedBefore,
		Frozen:        epoch.frozen.Load(),
		Retention:     epoch.retention,
	}, nil
}

// Segment returns the bytes for one segment. Numbers beyond the manifest tail
// or before the eviction floor report ErrSegmentNotFound immediately; there is
// no blocking wait for segments that do not exist yet.
func (s *Store) Segment(sessionID string, number int) ([]byte, error) {
	epoch, err := s.epoch(sessionID)
	if err != nil {
		return nil, err
	}
	snapshot := epoch.snapshot.Load()
	if number < 0 || number >= len(snapshot.entries) {
		return nil, fmt.Errorf("%w: segment %d", ErrSegmentNotFound, number)
	}
	if number < snapshot.evictedBefore {
		return nil, fmt.Errorf("%w: segment %d evicted", ErrSegmentNotFound, number)
	}
	return snapshot.entries[number].data, nil
}

// Freeze closes the epoch manifest. Further appends fail with
// ErrSessionClosed. Freezing an already frozen epoch is a no-op, which keeps
// EndSession idempotent.
func (s *Store) Freeze(sessionID string) error {
	epoch, err := s.epoch(sessionID)
	if err != nil {
		return err
	}
	epoch.freeze(s.now())
	return nil
}

// Lease takes a reference on the epoch so the sweep will not evict it. The
// replay assembler holds a lease from enqueue until it finishes or gives up.
func (s *Store) Lease(sessionID string) error {
	epoch, err := s.epoch(sessionID)
	if err != nil {
		return err
	}
	epoch.leases.Add(1)
	return nil
}

// Release drops a previously taken lease. Releasing below zero indicates a
// bookkeeping bug and is clamped.
func (s *Store) Release(sessionID string) {
	epoch, err := s.epoch(sessionID)
	if err != nil {
		return
	}
	if epoch.leases.Add(-1) < 0 {
		epoch.leases.Store(0)
	}
}

// Drop removes the session's epoch outright. Used when a live is deleted.
func (s *Store) Drop(sessionID string) {
	s.mu.Lock()
	delete(s.epochs, sessionID)
	s.mu.Unlock()
}

// EpochCount reports how many epochs the store currently tracks.
func (s *Store) EpochCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.epochs)
}
