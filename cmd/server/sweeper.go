package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"driftcast/internal/observability/metrics"
	"driftcast/internal/segment"
)

type epochSweeper interface {
	Sweep() segment.SweepResult
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

func startSweepWorker(ctx context.Context, logger *slog.Logger, store epochSweeper, recorder *metrics.Recorder, interval time.Duration) func() {
	return startSweepWorkerWithTicker(ctx, logger, store, recorder, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startSweepWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	store epochSweeper,
	recorder *metrics.Recorder,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if store == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				result := store.Sweep()
				if recorder != nil {
					recorder.ObserveSweep(result.SegmentsEvicted, result.EpochsRemoved)
				}
				if logger != nil && (result.SegmentsEvicted > 0 || result.EpochsRemoved > 0) {
					logger.Debug("eviction sweep completed",
						"segments_evicted", result.SegmentsEvicted,
						"epochs_removed", result.EpochsRemoved)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
