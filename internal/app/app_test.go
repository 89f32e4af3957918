package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/subwatch/internal/calendar"
	"github.com/albapepper/subwatch/internal/config"
	"github.com/albapepper/subwatch/internal/delivery"
	"github.com/albapepper/subwatch/internal/domain"
	"github.com/albapepper/subwatch/internal/scheduler"
)

type captureNotifier struct {
	mu    sync.Mutex
	kinds []domain.AlertKind
}

func (c *captureNotifier) Send(_ context.Context, _ domain.User, kind domain.AlertKind, _ delivery.Content) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, kind)
	return nil
}

func sqliteConfig(t *testing.T) *config.Config {
	return &config.Config{
		StoreDriver:     config.DriverSQLite,
		SQLitePath:      filepath.Join(t.TempDir(), "subwatch.db"),
		HistoryDriver:   config.HistoryStore,
		ReferenceTZ:     "UTC",
		DispatchWorkers: 2,
		SendTimeout:     5 * time.Second,
		ClaimLease:      time.Minute,
		ExpiredRepeat:   "daily",
		LogLevel:        "info",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRunsAgainstSQLite(t *testing.T) {
	ctx := context.Background()
	notifier := &captureNotifier{}
	a, err := New(ctx, sqliteConfig(t), discardLogger(), WithNotifier(notifier))
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Store.UpsertUser(ctx, domain.User{ID: "u1", Email: "u1@example.com"}))
	require.NoError(t, a.Store.UpsertSubscription(ctx, domain.Subscription{
		ID: "s1", UserID: "u1", Name: "Gym", Amount: decimal.RequireFromString("30"),
		BillingCycle: domain.Monthly, RenewalDate: calendar.MustParse("2025-04-01"),
	}))

	tracker := a.MaintenanceTasks().Runs
	_, ok := tracker.LastRunDay()
	assert.False(t, ok)

	day := calendar.MustParse("2025-04-10")
	res, err := a.RunDay(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, []domain.AlertKind{domain.Expired}, notifier.kinds)

	last, ok := tracker.LastRunDay()
	require.True(t, ok)
	assert.Equal(t, day, last)

	tasks := a.MaintenanceTasks()
	assert.NotNil(t, tasks.Sweeper)
	assert.NotNil(t, tasks.Failures)
}

func TestNewRejectsBadRepeat(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.ExpiredRepeat = "weekly"
	_, err := New(context.Background(), cfg, discardLogger())
	assert.Error(t, err)
}

func TestNewNotifierFallsBackToLog(t *testing.T) {
	n := NewNotifier(&config.Config{}, discardLogger())
	assert.IsType(t, &delivery.Log{}, n)

	n = NewNotifier(&config.Config{SMTPHost: "smtp.example.com", SMTPSender: "a@example.com"}, discardLogger())
	assert.IsType(t, &delivery.Multi{}, n)

	n = NewNotifier(&config.Config{TwilioAccountSID: "AC1", TwilioAuthToken: "t", TwilioPhoneNumber: "+15550001"}, discardLogger())
	assert.IsType(t, &delivery.SMS{}, n)
}

func TestNewCadence(t *testing.T) {
	assert.Equal(t, scheduler.DailyAt{Hour: 6, Minute: 30},
		NewCadence(&config.Config{ScheduleHourUTC: 6, ScheduleMinuteUTC: 30}))
	assert.Equal(t, scheduler.Every(time.Hour),
		NewCadence(&config.Config{ScheduleInterval: time.Hour}))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&config.Config{Environment: "production", LogLevel: "warn"}, &buf).Info("hidden")
	assert.Empty(t, buf.String())

	NewLogger(&config.Config{Environment: "production", LogLevel: "info"}, &buf).Info("shown")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
