// Package scheduler drives notification runs on a cadence. At most one run
// is in flight per Loop (and per Guard, when one is configured); a trigger
// that arrives while a run is in flight is skipped.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/albapepper/subwatch/internal/calendar"
)

// RunFunc executes one run for the given day.
type RunFunc func(ctx context.Context, today calendar.Date) error

// Cadence yields trigger times.
type Cadence interface {
	// Next returns the first trigger strictly after t.
	Next(t time.Time) time.Time
}

// DailyAt triggers once a day at Hour:Minute UTC.
type DailyAt struct {
	Hour   int
	Minute int
}

// Next implements Cadence.
func (d DailyAt) Next(t time.Time) time.Time {
	t = t.UTC()
	next := time.Date(t.Year(), t.Month(), t.Day(), d.Hour, d.Minute, 0, 0, time.UTC)
	if !next.After(t) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (d DailyAt) String() string { return fmt.Sprintf("daily at %02d:%02d UTC", d.Hour, d.Minute) }

// Every triggers at a fixed interval.
type Every time.Duration

// Next implements Cadence.
func (e Every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

func (e Every) String() string { return "every " + time.Duration(e).String() }

// Guard excludes runs across processes. TryAcquire reports ok=false when
// another holder owns the guard.
type Guard interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// Option configures a Loop.
type Option func(*Loop)

// WithGuard adds a cross-process guard.
func WithGuard(g Guard) Option { return func(l *Loop) { l.guard = g } }

// WithRunOnStart triggers a run as soon as Run starts.
func WithRunOnStart(on bool) Option { return func(l *Loop) { l.runOnStart = on } }

// WithTimer replaces time.After. Used by tests.
func WithTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(l *Loop) { l.after = after }
}

// WithNow replaces time.Now for cadence computation.
func WithNow(now func() time.Time) Option { return func(l *Loop) { l.now = now } }

// Loop triggers a RunFunc on a Cadence.
type Loop struct {
	run     RunFunc
	clock   calendar.Clock
	cadence Cadence
	logger  *slog.Logger

	guard      Guard
	runOnStart bool
	after      func(time.Duration) <-chan time.Time
	now        func() time.Time

	running atomic.Bool
	wg      sync.WaitGroup

	mu      sync.Mutex
	base    context.Context
	stopped bool
}

// New creates a Loop. Call Run to start it.
func New(run RunFunc, clock calendar.Clock, cadence Cadence, logger *slog.Logger, opts ...Option) *Loop {
	l := &Loop{
		run:     run,
		clock:   clock,
		cadence: cadence,
		logger:  logger,
		after:   time.After,
		now:     time.Now,
		base:    context.Background(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run blocks until ctx is cancelled, triggering runs on the cadence. On
// shutdown it stops triggering and waits for the in-flight run.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	l.base = ctx
	l.mu.Unlock()

	l.logger.Info("Scheduler started", "cadence", fmt.Sprint(l.cadence))

	if l.runOnStart {
		l.Trigger()
	}

	for {
		now := l.now()
		wait := l.cadence.Next(now).Sub(now)
		select {
		case <-l.after(wait):
			l.Trigger()
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.mu.Unlock()
			l.logger.Info("Scheduler stopping, waiting for in-flight run")
			l.wg.Wait()
			l.logger.Info("Scheduler stopped")
			return nil
		}
	}
}

// Trigger starts a run now unless one is in flight or the loop is stopping.
// It reports whether a run was started.
func (l *Loop) Trigger() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped || l.base.Err() != nil {
		return false
	}
	if !l.running.CompareAndSwap(false, true) {
		l.logger.Info("Run already in progress, skipping trigger")
		return false
	}

	ctx := l.base
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.running.Store(false)
		l.execute(ctx)
	}()
	return true
}

// Running reports whether a run is in flight.
func (l *Loop) Running() bool { return l.running.Load() }

// Stopping reports whether the loop is shutting down and refuses triggers.
func (l *Loop) Stopping() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped || l.base.Err() != nil
}

// Wait blocks until the in-flight run, if any, finishes.
func (l *Loop) Wait() { l.wg.Wait() }

func (l *Loop) execute(ctx context.Context) {
	today := l.clock.Today()
	start := time.Now()

	if l.guard != nil {
		release, ok, err := l.guard.TryAcquire(ctx)
		if err != nil {
			l.logger.Error("Run guard unavailable, skipping run", "day", today.String(), "error", err)
			return
		}
		if !ok {
			l.logger.Info("Run in progress on another instance, skipping", "day", today.String())
			return
		}
		defer release()
	}

	l.logger.Info("Run started", "day", today.String())
	if err := l.safeRun(ctx, today); err != nil {
		l.logger.Error("Run failed", "day", today.String(), "error", err,
			"duration", time.Since(start).Round(time.Millisecond))
		return
	}
	l.logger.Info("Run finished", "day", today.String(),
		"duration", time.Since(start).Round(time.Millisecond))
}

func (l *Loop) safeRun(ctx context.Context, today calendar.Date) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
		}
	}()
	return l.run(ctx, today)
}
