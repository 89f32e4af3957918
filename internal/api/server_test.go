package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/subwatch/internal/api/handler"
	"github.com/albapepper/subwatch/internal/calendar"
	"github.com/albapepper/subwatch/internal/config"
	"github.com/albapepper/subwatch/internal/notifications"

	_ "github.com/albapepper/subwatch/docs" // swagger docs
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeRunner struct {
	busy     atomic.Bool
	stopping atomic.Bool
	triggers atomic.Int32
}

func (r *fakeRunner) Trigger() bool {
	r.triggers.Add(1)
	if r.stopping.Load() {
		return false
	}
	return r.busy.CompareAndSwap(false, true)
}

func (r *fakeRunner) Running() bool { return r.busy.Load() }

func (r *fakeRunner) Stopping() bool { return r.stopping.Load() }

type fakeResults struct {
	res *notifications.RunResult
}

func (f fakeResults) LastResult() (notifications.RunResult, bool) {
	if f.res == nil {
		return notifications.RunResult{}, false
	}
	return *f.res, true
}

func newServer(t *testing.T, pinger fakePinger, runner *fakeRunner, results fakeResults, cfg *config.Config) *httptest.Server {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{CORSAllowOrigins: []string{"http://localhost:3000"}}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := handler.New(pinger, runner, results, "test")
	srv := httptest.NewServer(NewRouter(h, cfg, logger))
	t.Cleanup(srv.Close)
	return srv
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHealth(t *testing.T) {
	srv := newServer(t, fakePinger{}, &fakeRunner{}, fakeResults{}, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Process-Time"))
	assert.Equal(t, "healthy", decode(t, resp)["status"])

	resp, err = http.Get(srv.URL + "/health/db")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "connected", decode(t, resp)["database"])
}

func TestHealthDBDown(t *testing.T) {
	srv := newServer(t, fakePinger{err: errors.New("refused")}, &fakeRunner{}, fakeResults{}, nil)

	resp, err := http.Get(srv.URL + "/health/db")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "disconnected", decode(t, resp)["database"])
}

func TestTriggerRun(t *testing.T) {
	runner := &fakeRunner{}
	srv := newServer(t, fakePinger{}, runner, fakeResults{}, nil)

	resp, err := http.Post(srv.URL+"/api/v1/runs", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "started", decode(t, resp)["status"])

	// In flight: the GET form reports the conflict too.
	resp, err = http.Get(srv.URL + "/api/v1/runs")
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode(t, resp)
	errObj, _ := body["error"].(map[string]any)
	assert.Equal(t, "RUN_IN_PROGRESS", errObj["code"])
	assert.EqualValues(t, 2, runner.triggers.Load())
}

func TestTriggerRunWhileStopping(t *testing.T) {
	runner := &fakeRunner{}
	runner.stopping.Store(true)
	srv := newServer(t, fakePinger{}, runner, fakeResults{}, nil)

	resp, err := http.Post(srv.URL+"/api/v1/runs", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	errObj, _ := decode(t, resp)["error"].(map[string]any)
	assert.Equal(t, "SHUTTING_DOWN", errObj["code"])
}

func TestLastRun(t *testing.T) {
	srv := newServer(t, fakePinger{}, &fakeRunner{}, fakeResults{}, nil)
	resp, err := http.Get(srv.URL + "/api/v1/runs/last")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	res := &notifications.RunResult{
		Day:      calendar.MustParse("2025-04-10"),
		Sent:     3,
		Duration: 1500 * time.Millisecond,
	}
	srv = newServer(t, fakePinger{}, &fakeRunner{}, fakeResults{res: res}, nil)
	resp, err = http.Get(srv.URL + "/api/v1/runs/last")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	result, _ := body["result"].(map[string]any)
	assert.Equal(t, "2025-04-10", result["day"])
	assert.EqualValues(t, 3, result["sent"])
	assert.Contains(t, body["summary"], "sent=3")
	assert.Equal(t, false, body["running"])
}

func TestRateLimit(t *testing.T) {
	cfg := &config.Config{
		RateLimitEnabled:  true,
		RateLimitRequests: 2,
		RateLimitWindow:   time.Minute,
	}
	srv := newServer(t, fakePinger{}, &fakeRunner{}, fakeResults{}, cfg)

	// Burst is half the window allowance.
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	resp.Body.Close()
}

func TestSwaggerDoc(t *testing.T) {
	srv := newServer(t, fakePinger{}, &fakeRunner{}, fakeResults{}, nil)
	resp, err := http.Get(srv.URL + "/docs/doc.json")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	paths, _ := body["paths"].(map[string]any)
	assert.Contains(t, paths, "/runs")
}
