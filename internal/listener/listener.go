// Package listener provides a Postgres LISTEN/NOTIFY consumer that starts a
// notification run when subscriptions change outside this service. It holds
// a dedicated pgx connection (not from the pool) listening on the
// `subscriptions_changed` channel, fed by the trigger in the bootstrap schema.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	channel          = "subscriptions_changed"
	reconnectBackoff = 5 * time.Second
	maxReconnect     = 30 * time.Second
	defaultDebounce  = 2 * time.Second
)

// ChangeEvent is the JSON payload from pg_notify('subscriptions_changed', ...).
type ChangeEvent struct {
	ID string `json:"id"`
	Op string `json:"op"`
}

// TriggerFunc starts a run. It returns false when one is already in flight.
type TriggerFunc func() bool

// Start opens a dedicated connection and listens on the subscriptions_changed
// channel. It reconnects automatically on connection loss. Blocks until ctx
// is cancelled. Intended to be called with `go`.
func Start(ctx context.Context, dbURL string, trigger TriggerFunc, logger *slog.Logger) {
	d := newDebouncer(defaultDebounce, trigger, logger)
	defer d.stop()

	backoff := reconnectBackoff
	for {
		err := listenLoop(ctx, dbURL, d, logger)
		if ctx.Err() != nil {
			logger.Info("Subscription listener stopped (context cancelled)")
			return
		}

		logger.Error("Subscription listener disconnected, reconnecting...",
			"error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxReconnect)
		case <-ctx.Done():
			return
		}
	}
}

// listenLoop runs a single listen session. Returns when the connection drops
// or the context is cancelled.
func listenLoop(ctx context.Context, dbURL string, d *debouncer, logger *slog.Logger) error {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	_, err = conn.Exec(ctx, "LISTEN "+channel)
	if err != nil {
		return fmt.Errorf("LISTEN %s: %w", channel, err)
	}
	logger.Info("Subscription listener connected", "channel", channel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		handle(notification.Payload, d, logger)
	}
}

func handle(payload string, d *debouncer, logger *slog.Logger) {
	var event ChangeEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		logger.Warn("Failed to parse subscription event", "payload", payload, "error", err)
		return
	}
	logger.Debug("Subscription change received", "subscription_id", event.ID, "op", event.Op)
	d.poke()
}

// debouncer coalesces bursts of events (a bulk import fires one per row)
// into a single trigger after the burst goes quiet.
type debouncer struct {
	wait    time.Duration
	trigger TriggerFunc
	logger  *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
	gen   int
}

func newDebouncer(wait time.Duration, trigger TriggerFunc, logger *slog.Logger) *debouncer {
	return &debouncer{wait: wait, trigger: trigger, logger: logger}
}

func (d *debouncer) poke() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.wait, func() { d.fire(gen) })
}

// fire triggers unless a later poke superseded this timer.
func (d *debouncer) fire(gen int) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()

	if d.trigger() {
		d.logger.Info("Run triggered by subscription change")
	} else {
		d.logger.Info("Subscription change while a run is in flight, not triggered")
	}
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
