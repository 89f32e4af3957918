package listener

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBurstTriggersOnce(t *testing.T) {
	var calls atomic.Int32
	d := newDebouncer(30*time.Millisecond, func() bool {
		calls.Add(1)
		return true
	}, discardLogger())
	defer d.stop()

	for range 5 {
		handle(`{"id":"s1","op":"UPDATE"}`, d, discardLogger())
	}
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Quiet afterwards: no second trigger.
	time.Sleep(60 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())

	handle(`{"id":"s2","op":"INSERT"}`, d, discardLogger())
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestMalformedPayloadIgnored(t *testing.T) {
	var calls atomic.Int32
	d := newDebouncer(10*time.Millisecond, func() bool {
		calls.Add(1)
		return true
	}, discardLogger())
	defer d.stop()

	handle("not json", d, discardLogger())
	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, calls.Load())
}
