// Package app wires the configured store, history, channels, dispatcher and
// scheduler into one service. Both binaries build on it; nothing here is a
// package-level singleton.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/albapepper/subwatch/internal/calendar"
	"github.com/albapepper/subwatch/internal/config"
	"github.com/albapepper/subwatch/internal/db"
	"github.com/albapepper/subwatch/internal/delivery"
	"github.com/albapepper/subwatch/internal/domain"
	"github.com/albapepper/subwatch/internal/maintenance"
	"github.com/albapepper/subwatch/internal/notifications"
	"github.com/albapepper/subwatch/internal/scheduler"
	"github.com/albapepper/subwatch/internal/store/postgres"
	redisstore "github.com/albapepper/subwatch/internal/store/redis"
	"github.com/albapepper/subwatch/internal/store/sqlite"
)

// Store is what both store drivers provide.
type Store interface {
	notifications.SubscriptionRepository
	notifications.History
	Ping(ctx context.Context) error
	UpsertUser(ctx context.Context, u domain.User) error
	UpsertSubscription(ctx context.Context, sub domain.Subscription) error
	SweepStaleClaims(ctx context.Context) (int64, error)
	FailuresSince(ctx context.Context, since time.Time) ([]domain.HistoryRecord, error)
}

// NewLogger builds the process logger: text for development, JSON in
// production.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// OpenStore connects the configured store driver. The returned func closes it.
func OpenStore(ctx context.Context, cfg *config.Config) (Store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.New(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return postgres.New(pool, cfg.ClaimLease), pool.Close, nil
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, cfg.ClaimLease)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// NewNotifier builds the delivery channels from cfg: email as primary with
// SMS as secondary. With no channel configured, notifications are logged.
func NewNotifier(cfg *config.Config, logger *slog.Logger) delivery.Notifier {
	email := delivery.NewEmail(delivery.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		Sender:   cfg.SMTPSender,
	}, logger)
	sms := delivery.NewSMS(delivery.TwilioConfig{
		AccountSID:        cfg.TwilioAccountSID,
		AuthToken:         cfg.TwilioAuthToken,
		From:              cfg.TwilioPhoneNumber,
		RequestsPerMinute: cfg.TwilioRequestsPerMinute,
	}, logger)

	// Typed nils must not leak into the interfaces below.
	var secondary delivery.Notifier
	if sms != nil {
		secondary = sms
	}
	switch {
	case email != nil:
		logger.Info("Email channel enabled", "host", cfg.SMTPHost, "sms", sms != nil)
		return delivery.NewMulti(email, secondary, logger)
	case sms != nil:
		logger.Warn("SMTP not configured, SMS is the only channel")
		return sms
	default:
		logger.Warn("No delivery channel configured, notifications are only logged")
		return delivery.NewLog(logger)
	}
}

// NewCadence returns the scheduler cadence: a fixed interval when one is
// configured, otherwise the daily UTC trigger.
func NewCadence(cfg *config.Config) scheduler.Cadence {
	if cfg.ScheduleInterval > 0 {
		return scheduler.Every(cfg.ScheduleInterval)
	}
	return scheduler.DailyAt{Hour: cfg.ScheduleHourUTC, Minute: cfg.ScheduleMinuteUTC}
}

// App is the assembled service.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      Store
	History    notifications.History
	Clock      *calendar.SystemClock
	Dispatcher *notifications.Dispatcher
	Loop       *scheduler.Loop

	sweeper  maintenance.ClaimSweeper
	failures maintenance.FailureSource
	closers  []func()
}

// Option adjusts an App before it is assembled.
type Option func(*buildOptions)

type buildOptions struct {
	notifier delivery.Notifier
	reporter notifications.FailureReporter
}

// WithNotifier replaces the configured delivery channels.
func WithNotifier(n delivery.Notifier) Option {
	return func(o *buildOptions) { o.notifier = n }
}

// WithReporter replaces the log reporter for permanent failures.
func WithReporter(r notifications.FailureReporter) Option {
	return func(o *buildOptions) { o.reporter = r }
}

// New assembles the service from cfg. Call Close when done.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var bo buildOptions
	for _, o := range opts {
		o(&bo)
	}

	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	clock, err := calendar.NewSystemClock(cfg.ReferenceTZ)
	if err != nil {
		return nil, err
	}
	a.Clock = clock

	repeat, err := notifications.ParseExpiredRepeat(cfg.ExpiredRepeat)
	if err != nil {
		return nil, err
	}

	logger.Info("Opening store", "driver", cfg.StoreDriver)
	store, closeStore, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, closeStore)

	var loopOpts []scheduler.Option
	switch cfg.HistoryDriver {
	case config.HistoryRedis:
		client, err := redisstore.NewClient(ctx, redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		history := redisstore.NewHistory(client, cfg.ClaimLease, redisstore.WithLogger(logger))
		a.History = history
		a.failures = history
		// Claims expire on their own TTL; the run lock spans instances.
		loopOpts = append(loopOpts, scheduler.WithGuard(redisstore.NewRunGuard(client, 0)))
		logger.Info("History in Redis", "addr", cfg.RedisAddr)
	default:
		a.History = store
		a.failures = store
		a.sweeper = store
	}

	notifier := bo.notifier
	if notifier == nil {
		notifier = NewNotifier(cfg, logger)
	}

	a.Dispatcher = notifications.NewDispatcher(store, a.History, notifier, bo.reporter, notifications.Options{
		Workers:       cfg.DispatchWorkers,
		SendTimeout:   cfg.SendTimeout,
		ClaimLease:    cfg.ClaimLease,
		ExpiredRepeat: repeat,
	}, logger)

	loopOpts = append(loopOpts, scheduler.WithRunOnStart(cfg.RunOnStart))
	a.Loop = scheduler.New(a.Dispatcher.Run, clock, NewCadence(cfg), logger, loopOpts...)

	ok = true
	return a, nil
}

// MaintenanceTasks returns the collaborators for the maintenance tickers.
func (a *App) MaintenanceTasks() maintenance.Tasks {
	return maintenance.Tasks{
		Sweeper:  a.sweeper,
		Failures: a.failures,
		Runs:     runTracker{d: a.Dispatcher, l: a.Loop},
		Clock:    a.Clock,
	}
}

// MaintenanceConfig maps cfg onto the maintenance intervals.
func (a *App) MaintenanceConfig() maintenance.Config {
	return maintenance.Config{
		CleanupInterval: a.Config.MaintenanceInterval,
		DigestInterval:  a.Config.DigestInterval,
		CatchUpInterval: a.Config.MaintenanceInterval,
	}
}

// RunDay performs one run for day outside the scheduler and returns its
// counters. Used by the CLI.
func (a *App) RunDay(ctx context.Context, day calendar.Date) (notifications.RunResult, error) {
	return a.Dispatcher.RunOnce(ctx, day)
}

// Close releases the store and history connections in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// runTracker lets the catch-up task see the dispatcher's last run and start
// one through the scheduler, so it respects the single-flight rule.
type runTracker struct {
	d *notifications.Dispatcher
	l *scheduler.Loop
}

func (r runTracker) LastRunDay() (calendar.Date, bool) {
	res, ok := r.d.LastResult()
	if !ok {
		return calendar.Date{}, false
	}
	return res.Day, true
}

func (r runTracker) Trigger() bool { return r.l.Trigger() }

