package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Job describes one frozen epoch awaiting replay assembly. Jobs are delivered
// at-least-once: the assembler must tolerate duplicates for the same epoch.
type Job struct {
	EpochID      string    `json:"epochId"`
	LiveID       string    `json:"liveId"`
	SessionID    string    `json:"sessionId"`
	Ordinal      int       `json:"ordinal"`
	SegmentCount int       `json:"segmentCount"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
}

// Queue hands replay jobs to competing workers. Unlike a fan-out bus, each
// published job is consumed by exactly one subscriber.
type Queue interface {
	Publish(ctx context.Context, job Job) error
	Subscribe() Subscription
}

// Subscription represents an active worker attachment to the queue.
type Subscription interface {
	Jobs() <-chan Job
	Close()
}

// ErrQueueFull is returned by Publish when the queue cannot accept the job
// without waiting. Session teardown must not block behind assembler backlog,
// so callers treat this as an enqueue failure rather than retrying in place.
var ErrQueueFull = errors.New("replay queue is full")

// NewMemoryQueue initialises an in-process job queue suitable for tests and
// single-node deployments. Publish never blocks; a full buffer fails with
// ErrQueueFull.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 64
	}
	return &memoryQueue{ch: make(chan Job, buffer)}
}

type memoryQueue struct {
	ch chan Job
}

func (q *memoryQueue) Publish(ctx context.Context, job Job) error {
	if job.EpochID == "" {
		return errors.New("job epoch id is required")
	}
	if job.SessionID == "" {
		return errors.New("job session id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- job:
		return nil
	default:
		return fmt.Errorf("%w: buffer of %d jobs", ErrQueueFull, cap(q.ch))
	}
}

func (q *memoryQueue) Subscribe() Subscription {
	// Subscribers share a single channel so jobs are claimed by exactly one
	// worker instead of fanned out to all of them.
	return &memorySubscription{ch: q.ch}
}

type memorySubscription struct {
	once sync.Once
	ch   chan Job
}

func (s *memorySubscription) Jobs() <-chan Job {
	return s.ch
}

func (s *memorySubscription) Close() {
	// The channel is shared between subscribers, so closing a single
	// subscription leaves it open for the rest.
	s.once.Do(func() {})
}
