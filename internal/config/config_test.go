package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/subwatch")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, HistoryStore, cfg.HistoryDriver)
	assert.Equal(t, "UTC", cfg.ReferenceTZ)
	assert.Equal(t, 0, cfg.ScheduleHourUTC)
	assert.Zero(t, cfg.ScheduleInterval)
	assert.Equal(t, 4, cfg.DispatchWorkers)
	assert.Equal(t, 30*time.Second, cfg.SendTimeout)
	assert.Equal(t, 10*time.Minute, cfg.ClaimLease)
	assert.Equal(t, "daily", cfg.ExpiredRepeat)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.False(t, cfg.IsProduction())
}

func TestLoadSQLiteNeedsNoDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("SCHEDULE_INTERVAL", "90s")
	t.Setenv("CORS_ALLOW_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, 90*time.Second, cfg.ScheduleInterval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowOrigins)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing database url", map[string]string{"DATABASE_URL": ""}},
		{"unknown store", map[string]string{"STORE_DRIVER": "mongo"}},
		{"unknown history", map[string]string{"HISTORY_DRIVER": "memcached"}},
		{"bad timezone", map[string]string{"REFERENCE_TZ": "Mars/Olympus"}},
		{"hour out of range", map[string]string{"SCHEDULE_HOUR_UTC": "24"}},
		{"bad duration", map[string]string{"SEND_TIMEOUT": "soon"}},
		{"lease shorter than send", map[string]string{"SEND_TIMEOUT": "2m", "CLAIM_LEASE": "1m"}},
		{"lease equal to send", map[string]string{"SEND_TIMEOUT": "1m", "CLAIM_LEASE": "1m"}},
		{"bad repeat", map[string]string{"EXPIRED_REPEAT": "weekly"}},
		{"no workers", map[string]string{"DISPATCH_WORKERS": "0"}},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "postgres://localhost/subwatch")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
