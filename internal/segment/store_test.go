package segment

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T, cfg Config) (*Store, func(time.Duration)) {
	t.Helper()
	store := NewStore(cfg)
	current := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	store.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	advance := func(d time.Duration) {
		mu.Lock()
		current = current.Add(d)
		mu.Unlock()
	}
	return store, advance
}

func TestAppendAssignsContiguousNumbers(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	if _, err := store.OpenEpoch("sess-1", 0, RetentionEvict); err != nil {
		t.Fatalf("open epoch: %v", err)
	}

	for i := 0; i < 5; i++ {
		n, err := store.Append("sess-1", []byte(fmt.Sprintf("segment-%d", i)), 2.0)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if n != i {
			t.Fatalf("expected segment number %d, got %d", i, n)
		}
	}

	refs, err := store.Manifest("sess-1")
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if len(refs) != 5 {
		t.Fatalf("expected 5 manifest entries, got %d", len(refs))
	}
	for i, ref := range refs {
		if ref.Number != i {
			t.Fatalf("manifest entry %d has number %d", i, ref.Number)
		}
	}
}

func TestAppendAfterFreezeFails(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	if _, err := store.OpenEpoch("sess-1", 0, RetentionEvict); err != nil {
		t.Fatalf("open epoch: %v", err)
	}
	if _, err := store.Append("sess-1", []byte("data"), 2.0); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Freeze("sess-1"); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if _, err := store.Append("sess-1", []byte("late"), 2.0); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	// Freezing again must stay a no-op.
	if err := store.Freeze("sess-1"); err != nil {
		t.Fatalf("second freeze: %v", err)
	}
}

func TestSegmentBeyondTailIsNotFound(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	if _, err := store.OpenEpoch("sess-1", 0, RetentionEvict); err != nil {
		t.Fatalf("open epoch: %v", err)
	}
	if _, err := store.Append("sess-1", []byte("zero"), 2.0); err != nil {
		t.Fatalf("append: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := store.Segment("sess-1", 7)
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrSegmentNotFound) {
			t.Fatalf("expected ErrSegmentNotFound, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Segment blocked instead of returning not-found")
	}
}

func TestUnknownEpochErrors(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	if _, err := store.Manifest("nope"); !errors.Is(err, ErrUnknownEpoch) {
		t.Fatalf("expected ErrUnknownEpoch, got %v", err)
	}
	if _, err := store.Append("nope", nil, 0); !errors.Is(err, ErrUnknownEpoch) {
		t.Fatalf("expected ErrUnknownEpoch, got %v", err)
	}
}

func TestConcurrentReadersDuringAppend(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	if _, err := store.OpenEpoch("sess-1", 0, RetentionEvict); err != nil {
		t.Fatalf("open epoch: %v", err)
	}

	const total = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			if _, err := store.Append("sess-1", []byte("payload"), 2.0); err != nil {
				t.Errorf("append %d: %v", i, err)
				return
			}
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for last < total {
				refs, err := store.Manifest("sess-1")
				if err != nil {
					t.Errorf("manifest: %v", err)
					return
				}
				if len(refs) < last {
					t.Errorf("manifest shrank from %d to %d", last, len(refs))
					return
				}
				last = len(refs)
			}
		}()
	}
	wg.Wait()
}

func TestSegmentsRetrievableThroughGraceWindow(t *testing.T) {
	store, advance := newTestStore(t, Config{GraceWindow: 10 * time.Second, KeepCount: 1, EpochTTL: time.Hour})
	if _, err := store.OpenEpoch("sess-1", 0, RetentionEvict); err != nil {
		t.Fatalf("open epoch: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := store.Append("sess-1", []byte("seg"), 2.0); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := store.Freeze("sess-1"); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	// Inside the grace window nothing may disappear even though the
	// keep-count is exceeded.
	advance(5 * time.Second)
	store.Sweep()
	for i := 0; i < 4; i++ {
		if _, err := store.Segment("sess-1", i); err != nil {
			t.Fatalf("segment %d gone inside grace window: %v", i, err)
		}
	}

	// Past the grace window the oldest segments beyond the keep-count go.
	advance(10 * time.Second)
	result := store.Sweep()
	if result.SegmentsEvicted != 3 {
		t.Fatalf("expected 3 evicted segments, got %d", result.SegmentsEvicted)
	}
	if _, err := store.Segment("sess-1", 0); !errors.Is(err, ErrSegmentNotFound) {
		t.Fatalf("expected evicted segment 0, got %v", err)
	}
	if _, err := store.Segment("sess-1", 3); err != nil {
		t.Fatalf("kept segment 3 should remain: %v", err)
	}
}

func TestOpenReplayEpochKeepsAllSegments(t *testing.T) {
	store, advance := newTestStore(t, Config{GraceWindow: time.Second, KeepCount: 2, EpochTTL: time.Hour})
	if _, err := store.OpenEpoch("sess-1", 0, RetentionReplay); err != nil {
		t.Fatalf("open epoch: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := store.Append("sess-1", []byte(fmt.Sprintf("segment-%d", i)), 2.0); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	// A long session keeps publishing well past the keep-count and the grace
	// window; its segments still have to survive for the assembler.
	advance(10 * time.Second)
	if result := store.Sweep(); result.SegmentsEvicted != 0 || result.EpochsRemoved != 0 {
		t.Fatalf("open retain-for-replay epoch was swept: %+v", result)
	}

	if err := store.Lease("sess-1"); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := store.Freeze("sess-1"); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	advance(10 * time.Second)
	store.Sweep()
	for i := 0; i < 5; i++ {
		if _, err := store.Segment("sess-1", i); err != nil {
			t.Fatalf("segment %d unavailable for assembly: %v", i, err)
		}
	}
}

func TestLeasedEpochExemptFromSweep(t *testing.T) {
	store, advance := newTestStore(t, Config{GraceWindow: time.Second, KeepCount: 1, EpochTTL: time.Minute})
	if _, err := store.OpenEpoch("sess-1", 0, RetentionReplay); err != nil {
		t.Fatalf("open epoch: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.Append("sess-1", []byte("seg"), 2.0); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := store.Lease("sess-1"); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := store.Freeze("sess-1"); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	advance(10 * time.Minute)
	result := store.Sweep()
	if result.SegmentsEvicted != 0 || result.EpochsRemoved != 0 {
		t.Fatalf("leased epoch was swept: %+v", result)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.Segment("sess-1", i); err != nil {
			t.Fatalf("segment %d missing while leased: %v", i, err)
		}
	}

	store.Release("sess-1")
	advance(time.Minute)
	result = store.Sweep()
	if result.EpochsRemoved != 1 {
		t.Fatalf("released epoch past TTL should be removed, got %+v", result)
	}
	if store.EpochCount() != 0 {
		t.Fatalf("expected empty store, have %d epochs", store.EpochCount())
	}
}

func TestArchivalTTLBoundsForgottenLeases(t *testing.T) {
	store, advance := newTestStore(t, Config{GraceWindow: time.Second, EpochTTL: time.Minute, ArchivalTTL: time.Hour})
	if _, err := store.OpenEpoch("sess-1", 0, RetentionReplay); err != nil {
		t.Fatalf("open epoch: %v", err)
	}
	if err := store.Lease("sess-1"); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := store.Freeze("sess-1"); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	advance(30 * time.Minute)
	if result := store.Sweep(); result.EpochsRemoved != 0 {
		t.Fatalf("epoch removed before archival TTL: %+v", result)
	}
	advance(31 * time.Minute)
	if result := store.Sweep(); result.EpochsRemoved != 1 {
		t.Fatalf("epoch should be removed after archival TTL, got %+v", result)
	}
}
