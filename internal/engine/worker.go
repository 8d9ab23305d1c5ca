package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Worker triggers the execution cycle on a cron schedule. Overlapping ticks
// are skipped while a cycle is still running.
type Worker struct {
	engine     *Engine
	spec       string
	staleAfter time.Duration
	logger     *slog.Logger
	cron       *cron.Cron
}

// NewWorker creates a worker. spec uses robfig/cron syntax, e.g. "@every 2m".
// A positive staleAfter reclaims abandoned claims before every cycle.
func NewWorker(e *Engine, spec string, staleAfter time.Duration, logger *slog.Logger) *Worker {
	logger = logger.With("component", "worker")
	cl := cronLogger{logger: logger}
	return &Worker{
		engine:     e,
		spec:       spec,
		staleAfter: staleAfter,
		logger:     logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

// Start schedules the cycle and returns immediately
func (w *Worker) Start(ctx context.Context) error {
	if _, err := w.cron.AddFunc(w.spec, func() { w.Tick(ctx) }); err != nil {
		return fmt.Errorf("invalid engine schedule %q: %w", w.spec, err)
	}
	w.logger.Info("starting execution worker", "schedule", w.spec, "stale_claim_after", w.staleAfter)
	w.cron.Start()
	return nil
}

// Stop waits for a running cycle to finish
func (w *Worker) Stop() {
	w.logger.Info("stopping execution worker")
	<-w.cron.Stop().Done()
	w.logger.Info("execution worker stopped")
}

// Tick runs one reclaim and cycle. Errors are logged; the next tick retries.
func (w *Worker) Tick(ctx context.Context) (*CycleResult, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if _, err := w.engine.ReclaimStale(ctx, w.staleAfter); err != nil {
		w.logger.Error("failed to reclaim stale contacts", "error", err)
	}
	result, err := w.engine.RunCycle(ctx)
	if err != nil {
		w.logger.Error("execution cycle aborted", "error", err)
		return nil, err
	}
	return result, nil
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
