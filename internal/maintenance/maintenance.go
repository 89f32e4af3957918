// Package maintenance runs periodic background tasks as Go tickers, next to
// the scheduler in the long-running service.
package maintenance

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/albapepper/subwatch/internal/calendar"
	"github.com/albapepper/subwatch/internal/domain"
)

// Config controls maintenance task intervals. Zero duration disables a task.
type Config struct {
	CleanupInterval time.Duration // Stale pending claims
	DigestInterval  time.Duration // Permanent failure digest
	CatchUpInterval time.Duration // Missed daily runs
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		CleanupInterval: 15 * time.Minute,
		DigestInterval:  1 * time.Hour,
		CatchUpInterval: 15 * time.Minute,
	}
}

// ClaimSweeper removes pending claims whose holder is gone.
type ClaimSweeper interface {
	SweepStaleClaims(ctx context.Context) (int64, error)
}

// FailureSource lists permanent delivery failures.
type FailureSource interface {
	FailuresSince(ctx context.Context, since time.Time) ([]domain.HistoryRecord, error)
}

// RunTracker reports the day of the last completed run and starts a run.
type RunTracker interface {
	LastRunDay() (calendar.Date, bool)
	Trigger() bool
}

// Tasks holds the collaborators. A nil collaborator disables its task.
type Tasks struct {
	Sweeper  ClaimSweeper
	Failures FailureSource
	Runs     RunTracker
	Clock    calendar.Clock
}

// Start launches all configured maintenance tickers. Blocks until ctx is
// cancelled. Intended to be called with `go`.
func Start(ctx context.Context, tasks Tasks, cfg Config, logger *slog.Logger) {
	logger.Info("Maintenance tickers started",
		"cleanup", cfg.CleanupInterval,
		"digest", cfg.DigestInterval,
		"catchup", cfg.CatchUpInterval)

	tickers := make([]*time.Ticker, 0, 3)
	defer func() {
		for _, t := range tickers {
			t.Stop()
		}
	}()

	if cfg.CleanupInterval > 0 && tasks.Sweeper != nil {
		t := time.NewTicker(cfg.CleanupInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, func() { SweepClaims(ctx, tasks.Sweeper, logger) })
	}

	if cfg.DigestInterval > 0 && tasks.Failures != nil {
		t := time.NewTicker(cfg.DigestInterval)
		tickers = append(tickers, t)
		d := NewDigest(tasks.Failures, time.Now(), logger)
		go runLoop(ctx, t.C, func() { d.Run(ctx) })
	}

	if cfg.CatchUpInterval > 0 && tasks.Runs != nil && tasks.Clock != nil {
		t := time.NewTicker(cfg.CatchUpInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, func() { CatchUp(tasks.Runs, tasks.Clock, logger) })
	}

	<-ctx.Done()
	logger.Info("Maintenance tickers stopped")
}

func runLoop(ctx context.Context, ch <-chan time.Time, fn func()) {
	for {
		select {
		case <-ch:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// --------------------------------------------------------------------------
// Task implementations
// --------------------------------------------------------------------------

// SweepClaims deletes pending claims older than the lease, left behind by a
// process that died between reserving and recording.
func SweepClaims(ctx context.Context, s ClaimSweeper, logger *slog.Logger) {
	n, err := s.SweepStaleClaims(ctx)
	if err != nil {
		logger.Warn("Claim sweep: failed", "error", err)
		return
	}
	if n > 0 {
		logger.Info("Claim sweep: removed stale claims", "count", n)
	}
}

// Digest summarises permanent failures recorded since its previous run.
type Digest struct {
	source FailureSource
	logger *slog.Logger

	mu    sync.Mutex
	since time.Time
	now   func() time.Time
}

// NewDigest creates a digest covering failures from since onwards.
func NewDigest(source FailureSource, since time.Time, logger *slog.Logger) *Digest {
	return &Digest{source: source, since: since, logger: logger, now: time.Now}
}

// Run logs one digest and returns the failures it covered.
func (d *Digest) Run(ctx context.Context) []domain.HistoryRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	until := d.now()
	failures, err := d.source.FailuresSince(ctx, d.since)
	if err != nil {
		d.logger.Warn("Failure digest: query failed", "error", err)
		return nil
	}
	d.since = until
	if len(failures) == 0 {
		return nil
	}

	byKind := make(map[string]int)
	for _, f := range failures {
		byKind[f.Key.Kind.String()]++
	}
	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	attrs := []any{"count", len(failures)}
	for _, k := range kinds {
		attrs = append(attrs, k, byKind[k])
	}
	d.logger.Warn("Failure digest: permanent delivery failures", attrs...)
	for _, f := range failures {
		d.logger.Info("Failure digest entry", "key", f.Key.String(), "error", f.Error)
	}
	return failures
}

// CatchUp starts a run when none has completed today, covering a daily
// trigger missed while the service was down.
func CatchUp(runs RunTracker, clock calendar.Clock, logger *slog.Logger) bool {
	today := clock.Today()
	if last, ok := runs.LastRunDay(); ok && !last.Before(today) {
		return false
	}
	if runs.Trigger() {
		logger.Info("Catch-up: no run completed today, triggered one", "day", today.String())
		return true
	}
	return false
}
