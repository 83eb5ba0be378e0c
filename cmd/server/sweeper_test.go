package main

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"driftcast/internal/observability/metrics"
	"driftcast/internal/segment"
)

type fakeSweeper struct {
	calls  chan struct{}
	result segment.SweepResult
	count  atomic.Int64
}

func newFakeSweeper(result segment.SweepResult) *fakeSweeper {
	return &fakeSweeper{calls: make(chan struct{}, 8), result: result}
}

func (f *fakeSweeper) Sweep() segment.SweepResult {
	f.count.Add(1)
	select {
	case f.calls <- struct{}{}:
	default:
	}
	return f.result
}

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{c: make(chan time.Time, 1), stopped: make(chan struct{})}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
		return
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick() {
	select {
	case m.c <- time.Now():
	default:
	}
}

func TestStartSweepWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	sweeper := newFakeSweeper(segment.SweepResult{SegmentsEvicted: 3, EpochsRemoved: 1})
	recorder := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stop := startSweepWorkerWithTicker(ctx, logger, sweeper, recorder, time.Minute, func(time.Duration) sweepTicker {
		return ticker
	})

	ticker.Tick()
	select {
	case <-sweeper.calls:
	case <-time.After(time.Second):
		t.Fatal("expected sweep to be invoked")
	}

	cancel()
	stop()

	select {
	case <-ticker.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected ticker to stop after context cancellation")
	}
}

func TestStartSweepWorkerDisabledWithoutInterval(t *testing.T) {
	sweeper := newFakeSweeper(segment.SweepResult{})

	stop := startSweepWorkerWithTicker(context.Background(), nil, sweeper, nil, 0, func(time.Duration) sweepTicker {
		t.Fatal("ticker should not be created when interval is zero")
		return nil
	})
	stop()

	if sweeper.count.Load() != 0 {
		t.Fatal("sweep should never run without an interval")
	}
}
