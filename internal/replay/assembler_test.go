package replay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"driftcast/internal/ledger"
	"driftcast/internal/models"
	"driftcast/internal/observability/metrics"
	"driftcast/internal/segment"
)

type fakeObjects struct {
	mu       sync.Mutex
	failures int
	attempts int
	uploads  map[string][]byte
}

func (f *fakeObjects) Enabled() bool { return true }

func (f *fakeObjects) Upload(ctx context.Context, key, contentType string, body []byte) (ObjectReference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures > 0 {
		f.failures--
		return ObjectReference{}, errors.New("bucket unavailable")
	}
	if f.uploads == nil {
		f.uploads = make(map[string][]byte)
	}
	stored := make([]byte, len(body))
	copy(stored, body)
	f.uploads[key] = stored
	return ObjectReference{Key: key}, nil
}

func (f *fakeObjects) Delete(ctx context.Context, key string) error { return nil }

func (f *fakeObjects) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func (f *fakeObjects) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

type assemblerFixture struct {
	store     *ledger.Memory
	segments  *segment.Store
	objects   *fakeObjects
	assembler *Assembler
	liveID    string
	sessionID string
}

func newAssemblerFixture(t *testing.T, maxAttempts int, objects *fakeObjects) *assemblerFixture {
	t.Helper()
	store, err := ledger.NewMemory("")
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	segments := segment.NewStore(segment.Config{
		GraceWindow: time.Millisecond,
		KeepCount:   1,
		EpochTTL:    time.Millisecond,
	})
	assembler := NewAssembler(AssemblerConfig{
		Store:       store,
		Segments:    segments,
		Queue:       NewMemoryQueue(4),
		Objects:     objects,
		Recorder:    metrics.New(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Workers:     1,
		MaxAttempts: maxAttempts,
		RetryDelay:  time.Millisecond,
	})

	liveRecord, err := store.CreateLive(ledger.CreateLiveParams{Title: "replayable", Permanent: true, SaveReplay: true})
	if err != nil {
		t.Fatalf("CreateLive: %v", err)
	}
	return &assemblerFixture{
		store:     store,
		segments:  segments,
		objects:   objects,
		assembler: assembler,
		liveID:    liveRecord.ID,
	}
}

// endSession simulates a completed ingest: start recorded, segments written,
// epoch frozen and leased, end recorded.
func (f *assemblerFixture) endSession(t *testing.T, payloads ...[]byte) Job {
	t.Helper()
	f.sessionID = "session-under-test"
	if _, err := f.store.RecordStart(f.liveID, f.sessionID, 0, time.Now().UTC()); err != nil {
		t.Fatalf("RecordStart: %v", err)
	}
	if _, err := f.segments.OpenEpoch(f.sessionID, 0, segment.RetentionReplay); err != nil {
		t.Fatalf("OpenEpoch: %v", err)
	}
	for i, payload := range payloads {
		if _, err := f.segments.Append(f.sessionID, payload, 2.0); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if err := f.segments.Freeze(f.sessionID); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if err := f.segments.Lease(f.sessionID); err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if _, err := f.store.RecordEnd(f.sessionID, time.Now().UTC(), models.StopCauseNormal); err != nil {
		t.Fatalf("RecordEnd: %v", err)
	}
	return Job{
		EpochID:      f.sessionID,
		LiveID:       f.liveID,
		SessionID:    f.sessionID,
		SegmentCount: len(payloads),
		EnqueuedAt:   time.Now().UTC(),
	}
}

func (f *assemblerFixture) requireLeaseReleased(t *testing.T) {
	t.Helper()
	time.Sleep(10 * time.Millisecond)
	result := f.segments.Sweep()
	if result.EpochsRemoved != 1 {
		t.Fatalf("expected epoch removable after lease release, sweep removed %d", result.EpochsRemoved)
	}
}

func TestAssemblerLinksReplayVideo(t *testing.T) {
	objects := &fakeObjects{}
	fixture := newAssemblerFixture(t, 3, objects)
	job := fixture.endSession(t, []byte("one"), []byte("two"), []byte("three"))

	fixture.assembler.Process(context.Background(), job)

	session, ok := fixture.store.GetSession(fixture.sessionID)
	if !ok {
		t.Fatalf("session missing")
	}
	if session.ReplayVideoID == nil {
		t.Fatalf("expected session linked to a replay video")
	}
	if session.Error != nil {
		t.Fatalf("expected nil session error, got %q", *session.Error)
	}

	replayVideo, ok := fixture.store.GetReplayVideo(*session.ReplayVideoID)
	if !ok {
		t.Fatalf("replay video missing from ledger")
	}
	if replayVideo.SegmentCount != 3 {
		t.Fatalf("expected 3 segments, got %d", replayVideo.SegmentCount)
	}
	if replayVideo.SizeBytes != int64(len("onetwothree")) {
		t.Fatalf("expected size %d, got %d", len("onetwothree"), replayVideo.SizeBytes)
	}

	body, ok := objects.uploads[replayVideo.ObjectKey]
	if !ok {
		t.Fatalf("expected upload under key %s", replayVideo.ObjectKey)
	}
	if !bytes.Equal(body, []byte("onetwothree")) {
		t.Fatalf("expected segments concatenated in manifest order, got %q", body)
	}

	fixture.requireLeaseReleased(t)
}

func TestAssemblerDuplicateDeliveryIsNoop(t *testing.T) {
	objects := &fakeObjects{}
	fixture := newAssemblerFixture(t, 3, objects)
	job := fixture.endSession(t, []byte("seg"))

	fixture.assembler.Process(context.Background(), job)
	fixture.assembler.Process(context.Background(), job)

	if objects.uploadCount() != 1 {
		t.Fatalf("expected one upload across duplicate deliveries, got %d", objects.uploadCount())
	}
	session, _ := fixture.store.GetSession(fixture.sessionID)
	if session.ReplayVideoID == nil {
		t.Fatalf("expected replay link to survive duplicate delivery")
	}
}

func TestAssemblerRetriesTransientFailures(t *testing.T) {
	objects := &fakeObjects{failures: 2}
	fixture := newAssemblerFixture(t, 3, objects)
	job := fixture.endSession(t, []byte("seg"))

	fixture.assembler.Process(context.Background(), job)

	if objects.attemptCount() != 3 {
		t.Fatalf("expected 3 upload attempts, got %d", objects.attemptCount())
	}
	session, _ := fixture.store.GetSession(fixture.sessionID)
	if session.ReplayVideoID == nil {
		t.Fatalf("expected replay linked after retries")
	}
}

func TestAssemblerExhaustedRetriesRecordFailure(t *testing.T) {
	objects := &fakeObjects{failures: 10}
	fixture := newAssemblerFixture(t, 2, objects)
	job := fixture.endSession(t, []byte("seg"))

	fixture.assembler.Process(context.Background(), job)

	session, _ := fixture.store.GetSession(fixture.sessionID)
	if session.ReplayVideoID != nil {
		t.Fatalf("expected no replay link after exhausted retries")
	}
	if session.Error == nil {
		t.Fatalf("expected assembly failure recorded on the session")
	}
	fixture.requireLeaseReleased(t)
}

func TestAssemblerMissingEpochFailsWithoutRetry(t *testing.T) {
	objects := &fakeObjects{}
	fixture := newAssemblerFixture(t, 3, objects)
	fixture.sessionID = "session-under-test"
	if _, err := fixture.store.RecordStart(fixture.liveID, fixture.sessionID, 0, time.Now().UTC()); err != nil {
		t.Fatalf("RecordStart: %v", err)
	}
	if _, err := fixture.store.RecordEnd(fixture.sessionID, time.Now().UTC(), models.StopCauseNormal); err != nil {
		t.Fatalf("RecordEnd: %v", err)
	}

	job := Job{EpochID: fixture.sessionID, LiveID: fixture.liveID, SessionID: fixture.sessionID}
	fixture.assembler.Process(context.Background(), job)

	if objects.attemptCount() != 0 {
		t.Fatalf("expected no upload attempts for a missing epoch, got %d", objects.attemptCount())
	}
	session, _ := fixture.store.GetSession(fixture.sessionID)
	if session.Error == nil {
		t.Fatalf("expected assembly failure recorded for missing epoch")
	}
}

func TestAssemblerRunDrainsQueue(t *testing.T) {
	objects := &fakeObjects{}
	fixture := newAssemblerFixture(t, 3, objects)
	job := fixture.endSession(t, []byte("seg"))

	queue := NewMemoryQueue(4)
	fixture.assembler.queue = queue
	if err := queue.Publish(context.Background(), job); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fixture.assembler.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for objects.uploadCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the worker to process the job")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}
