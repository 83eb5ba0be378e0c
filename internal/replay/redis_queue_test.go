package replay

import (
	"context"
	"testing"
	"time"

	"driftcast/internal/testsupport/redisstub"
)

func TestRedisQueueDeliversJobs(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	queue, err := NewRedisQueue(RedisQueueConfig{
		Addr:         srv.Addr(),
		Stream:       "test-replay",
		Group:        "test-workers",
		BlockTimeout: 50 * time.Millisecond,
		Buffer:       4,
	})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}

	sub := queue.Subscribe()
	t.Cleanup(sub.Close)

	job := Job{
		EpochID:      "epoch-1",
		LiveID:       "live-1",
		SessionID:    "epoch-1",
		Ordinal:      0,
		SegmentCount: 4,
		EnqueuedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := queue.Publish(context.Background(), job); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-sub.Jobs():
		if got.EpochID != job.EpochID || got.SegmentCount != job.SegmentCount {
			t.Fatalf("unexpected job: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for job delivery")
	}
}

func TestRedisQueueRequeuesOnCancellation(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	queue, err := NewRedisQueue(RedisQueueConfig{
		Addr:         srv.Addr(),
		Password:     "secret",
		Stream:       "test-replay",
		Group:        "test-workers",
		BlockTimeout: 50 * time.Millisecond,
		Buffer:       1,
	})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}

	sub := queue.Subscribe()

	job1 := Job{EpochID: "epoch-1", SessionID: "epoch-1", LiveID: "live-1"}
	job2 := Job{EpochID: "epoch-2", SessionID: "epoch-2", LiveID: "live-1"}

	if err := queue.Publish(context.Background(), job1); err != nil {
		t.Fatalf("publish job1: %v", err)
	}
	if err := queue.Publish(context.Background(), job2); err != nil {
		t.Fatalf("publish job2: %v", err)
	}

	time.Sleep(150 * time.Millisecond)

	sub.Close()

	var drained []Job
	for job := range sub.Jobs() {
		drained = append(drained, job)
	}
	if len(drained) != 1 {
		t.Fatalf("expected 1 drained job, got %d", len(drained))
	}
	if drained[0].EpochID != job1.EpochID {
		t.Fatalf("unexpected drained job: %+v", drained[0])
	}

	replacement := queue.Subscribe()
	t.Cleanup(replacement.Close)

	select {
	case got := <-replacement.Jobs():
		if got.EpochID != job2.EpochID {
			t.Fatalf("unexpected job: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for requeued job")
	}
}
