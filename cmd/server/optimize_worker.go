package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"stagecast/internal/models"
	"stagecast/internal/orchestrator"
)

// egressOptimizer is the slice of the lifecycle manager the sweep calls.
type egressOptimizer interface {
	OptimizeEgress(ctx context.Context, sessionID string) (string, error)
}

type liveSessionLister interface {
	ListLiveSessions() []models.Session
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

// startOptimizeWorker periodically sweeps the live sessions and asks the
// lifecycle manager to reconcile each one's egress job against current
// demand. It backstops webhook deliveries that never arrive.
func startOptimizeWorker(ctx context.Context, logger *slog.Logger, optimizer egressOptimizer, sessions liveSessionLister, interval time.Duration) func() {
	return startOptimizeWorkerWithTicker(ctx, logger, optimizer, sessions, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startOptimizeWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	optimizer egressOptimizer,
	sessions liveSessionLister,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if optimizer == nil || sessions == nil || interval <= 0 {
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
				sweepLiveSessions(workerCtx, logger, optimizer, sessions)
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

func sweepLiveSessions(ctx context.Context, logger *slog.Logger, optimizer egressOptimizer, sessions liveSessionLister) {
	for _, session := range sessions.ListLiveSessions() {
		if ctx.Err() != nil {
			return
		}
		outcome, err := optimizer.OptimizeEgress(ctx, session.ID)
		if err != nil {
			if logger != nil {
				logger.Error("egress sweep failed", "session_id", session.ID, "error", err)
			}
			continue
		}
		if outcome != orchestrator.OutcomeNone && logger != nil {
			logger.Info("egress sweep acted", "session_id", session.ID, "outcome", outcome)
		}
	}
}
