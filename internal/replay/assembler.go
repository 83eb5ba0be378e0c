// Package replay turns frozen segment epochs into durable replay videos. Jobs
// arrive on a queue after a session ends; workers concatenate the epoch's
// segments in manifest order, upload the result, and link it to the session in
// the ledger. Delivery is at-least-once, so every step tolerates duplicates.
package replay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"driftcast/internal/ledger"
	"driftcast/internal/models"
	"driftcast/internal/observability/metrics"
	"driftcast/internal/segment"
)

const (
	defaultWorkers     = 2
	defaultMaxAttempts = 3
	defaultRetryDelay  = 2 * time.Second
)

// errEpochGone marks assembly failures that no retry can recover: the segment
// payload has already left the store.
var errEpochGone = errors.New("epoch no longer available")

// AssemblerConfig wires the assembler's collaborators and tuning knobs.
type AssemblerConfig struct {
	Store       ledger.Store
	Segments    *segment.Store
	Queue       Queue
	Objects     ObjectStorage
	Recorder    *metrics.Recorder
	Logger      *slog.Logger
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
}

// Assembler consumes replay jobs and produces replay videos. It runs entirely
// off the ingest path: a backlog here never blocks session starts, stops, or
// segment appends.
type Assembler struct {
	store       ledger.Store
	segments    *segment.Store
	queue       Queue
	objects     ObjectStorage
	recorder    *metrics.Recorder
	logger      *slog.Logger
	workers     int
	maxAttempts int
	retryDelay  time.Duration
	now         func() time.Time
}

// NewAssembler constructs an assembler from the provided configuration.
func NewAssembler(cfg AssemblerConfig) *Assembler {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.Objects == nil {
		cfg.Objects = noopObjectStorage{}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = metrics.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Assembler{
		store:       cfg.Store,
		segments:    cfg.Segments,
		queue:       cfg.Queue,
		objects:     cfg.Objects,
		recorder:    cfg.Recorder,
		logger:      cfg.Logger,
		workers:     cfg.Workers,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the worker pool and blocks until the context is cancelled and
// every worker has drained its current job.
func (a *Assembler) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < a.workers; i++ {
		sub := a.queue.Subscribe()
		group.Go(func() error {
			defer sub.Close()
			return a.work(ctx, sub)
		})
	}
	return group.Wait()
}

func (a *Assembler) work(ctx context.Context, sub Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-sub.Jobs():
			if !ok {
				return nil
			}
			a.process(ctx, job)
		}
	}
}

// Process runs a single job to completion, retrying transient failures up to
// the configured attempt budget. Exported for callers that drive jobs without
// the queue, such as tests and backfill tooling.
func (a *Assembler) Process(ctx context.Context, job Job) {
	a.process(ctx, job)
}

func (a *Assembler) process(ctx context.Context, job Job) {
	a.recorder.ReplayJobStarted()
	logger := a.logger.With("live_id", job.LiveID, "session_id", job.SessionID)

	var err error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		err = a.assemble(ctx, job)
		if err == nil {
			a.recorder.ReplayJobCompleted()
			a.segments.Release(job.EpochID)
			return
		}
		if errors.Is(err, errEpochGone) {
			break
		}
		if attempt == a.maxAttempts {
			break
		}
		a.recorder.ReplayJobRetried()
		logger.Warn("replay assembly retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			// Shutdown mid-job: leave the lease so a redelivery can still
			// read the epoch; the archival TTL bounds the worst case.
			a.recorder.ReplayJobFailed()
			return
		case <-time.After(a.retryDelay):
		}
	}

	a.recorder.ReplayJobFailed()
	a.segments.Release(job.EpochID)
	logger.Error("replay assembly failed", "error", err)
	if _, recordErr := a.store.RecordError(job.SessionID, fmt.Sprintf("assemblyFailure: %v", err)); recordErr != nil {
		if !errors.Is(recordErr, ledger.ErrUnknownSession) {
			logger.Error("record assembly failure", "error", recordErr)
		}
	}
}

func (a *Assembler) assemble(ctx context.Context, job Job) error {
	session, ok := a.store.GetSession(job.SessionID)
	if !ok {
		// The live and its sessions were deleted while the job was queued.
		return nil
	}
	if session.ReplayVideoID != nil {
		// Duplicate delivery for an already-linked session.
		return nil
	}

	manifest, err := a.segments.Manifest(job.EpochID)
	if err != nil {
		if errors.Is(err, segment.ErrUnknownEpoch) {
			return fmt.Errorf("%w: %s", errEpochGone, job.EpochID)
		}
		return fmt.Errorf("read manifest: %w", err)
	}
	if len(manifest) == 0 {
		return fmt.Errorf("%w: epoch %s holds no segments", errEpochGone, job.EpochID)
	}

	var payload bytes.Buffer
	for _, ref := range manifest {
		data, err := a.segments.Segment(job.EpochID, ref.Number)
		if err != nil {
			if errors.Is(err, segment.ErrSegmentNotFound) {
				return fmt.Errorf("%w: segment %d evicted", errEpochGone, ref.Number)
			}
			return fmt.Errorf("read segment %d: %w", ref.Number, err)
		}
		payload.Write(data)
	}

	objectKey := fmt.Sprintf("replays/%s/%s.ts", job.LiveID, job.SessionID)
	reference, err := a.objects.Upload(ctx, objectKey, "video/mp2t", payload.Bytes())
	if err != nil {
		return fmt.Errorf("upload replay object: %w", err)
	}
	if reference.Key != "" {
		objectKey = reference.Key
	}

	replayVideo := models.ReplayVideo{
		ID:           uuid.NewString(),
		LiveID:       job.LiveID,
		SessionID:    job.SessionID,
		ObjectKey:    objectKey,
		SizeBytes:    int64(payload.Len()),
		SegmentCount: len(manifest),
		CreatedAt:    a.now(),
	}
	if _, err := a.store.RecordReplay(job.SessionID, replayVideo); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			// Another worker linked its replay first; ours is redundant.
			return nil
		}
		return fmt.Errorf("record replay: %w", err)
	}
	return nil
}
