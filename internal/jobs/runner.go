// Package jobs runs the periodic duties of the server (scheduler poll,
// health sweep, stale claim reclaim) on a cron scheduler.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Func is one run of a periodic duty.
type Func func(ctx context.Context) error

// Runner wraps a cron scheduler. Every job is chained with SkipIfStillRunning
// outside Recover: a slow run never overlaps the next tick, and a panicking
// run still hands its slot back.
type Runner struct {
	c      *cron.Cron
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	// Timeout bounds a single run of Every; zero means the interval.
	Timeout time.Duration
}

func New(log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{log: log}
	return &Runner{
		c: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
		),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every registers fn to run once per interval, each run bounded by Timeout.
// Cron rounds intervals below one second up to a second.
func (r *Runner) Every(name string, interval time.Duration, fn Func) error {
	return r.EveryWithin(name, interval, r.Timeout, fn)
}

// EveryWithin is Every with an explicit per-run timeout. Zero means the
// interval; a negative timeout leaves the run unbounded until Stop.
func (r *Runner) EveryWithin(name string, interval, timeout time.Duration, fn Func) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	if timeout == 0 {
		timeout = interval
	}
	_, err := r.c.AddFunc("@every "+interval.String(), func() {
		ctx, cancel := r.runContext(timeout)
		defer cancel()
		start := time.Now()
		if err := fn(ctx); err != nil {
			r.log.Error("job failed", "job", name, "err", err, "took_ms", time.Since(start).Milliseconds())
			return
		}
		r.log.Debug("job done", "job", name, "took_ms", time.Since(start).Milliseconds())
	})
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	r.log.Info("job scheduled", "job", name, "every", interval.String())
	return nil
}

func (r *Runner) runContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout < 0 {
		return context.WithCancel(r.ctx)
	}
	return context.WithTimeout(r.ctx, timeout)
}

func (r *Runner) Start() { r.c.Start() }

// Stop cancels running jobs and waits for them until ctx ends.
func (r *Runner) Stop(ctx context.Context) {
	r.cancel()
	done := r.c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		r.log.Warn("jobs did not stop in time")
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append([]any{"err", err}, keysAndValues...)...)
}
