package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/subwatch/internal/calendar"
	"github.com/albapepper/subwatch/internal/domain"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return mr, client
}

var key = domain.DedupKey{
	SubscriptionID: "s1",
	RecipientID:    "u1",
	Kind:           domain.RenewalReminder,
	Day:            calendar.MustParse("2025-04-10"),
}

func TestReserveConfirm(t *testing.T) {
	mr, client := newClient(t)
	h := NewHistory(client, time.Minute)
	ctx := context.Background()

	r, err := h.TryReserve(ctx, key)
	require.NoError(t, err)
	assert.True(t, mr.Exists("subwatch:history:s1:u1:RENEWAL_REMINDER:2025-04-10"))

	_, err = h.TryReserve(ctx, key)
	assert.ErrorIs(t, err, domain.ErrAlreadyNotified)

	require.NoError(t, h.Confirm(ctx, r))
	status, err := h.Status(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, status)

	// Confirmed records outlive the lease.
	mr.FastForward(time.Hour)
	_, err = h.TryReserve(ctx, key)
	assert.ErrorIs(t, err, domain.ErrAlreadyNotified)
}

func TestReserveConcurrent(t *testing.T) {
	_, client := newClient(t)
	h := NewHistory(client, time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.TryReserve(context.Background(), key); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
}

func TestRelease(t *testing.T) {
	_, client := newClient(t)
	h := NewHistory(client, time.Minute)
	ctx := context.Background()

	r, err := h.TryReserve(ctx, key)
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx, r))

	_, err = h.Status(ctx, key)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.TryReserve(ctx, key)
	assert.NoError(t, err)
}

func TestExpiredClaimIsTakenOver(t *testing.T) {
	mr, client := newClient(t)
	h := NewHistory(client, time.Minute)
	ctx := context.Background()

	stale, err := h.TryReserve(ctx, key)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	fresh, err := h.TryReserve(ctx, key)
	require.NoError(t, err)
	assert.ErrorIs(t, h.Confirm(ctx, stale), domain.ErrClaimLost)
	assert.ErrorIs(t, h.Release(ctx, stale), domain.ErrClaimLost)
	require.NoError(t, h.Confirm(ctx, fresh))
}

func TestMarkFailedIndexesFailure(t *testing.T) {
	_, client := newClient(t)
	h := NewHistory(client, time.Minute)
	base := time.Date(2025, 4, 10, 8, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return base }
	ctx := context.Background()

	r, err := h.TryReserve(ctx, key)
	require.NoError(t, err)
	require.NoError(t, h.MarkFailed(ctx, r, "invalid number"))

	_, err = h.TryReserve(ctx, key)
	assert.ErrorIs(t, err, domain.ErrAlreadyNotified)

	failures, err := h.FailuresSince(ctx, base.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, key, failures[0].Key)
	assert.Equal(t, "invalid number", failures[0].Error)
	assert.Equal(t, base, failures[0].UpdatedAt)

	failures, err = h.FailuresSince(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, failures)
}

func TestIDsWithColonsRoundTrip(t *testing.T) {
	mr, client := newClient(t)
	h := NewHistory(client, time.Minute)
	base := time.Date(2025, 4, 10, 8, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return base }
	ctx := context.Background()

	odd := domain.DedupKey{
		SubscriptionID: "acct:42",
		RecipientID:    "user:7",
		Kind:           domain.PaymentDue,
		Day:            calendar.MustParse("2025-04-10"),
	}
	r, err := h.TryReserve(ctx, odd)
	require.NoError(t, err)
	assert.True(t, mr.Exists("subwatch:history:acct%3A42:user%3A7:PAYMENT_DUE:2025-04-10"))
	require.NoError(t, h.MarkFailed(ctx, r, "bounced"))

	r, err = h.TryReserve(ctx, key)
	require.NoError(t, err)
	require.NoError(t, h.MarkFailed(ctx, r, "invalid number"))

	// A foreign entry in the index is skipped, not fatal.
	_, err = mr.ZAdd("subwatch:failures", float64(base.UnixMilli()), "subwatch:history:garbage")
	require.NoError(t, err)

	failures, err := h.FailuresSince(ctx, base.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, failures, 2)
	keys := []domain.DedupKey{failures[0].Key, failures[1].Key}
	assert.ElementsMatch(t, []domain.DedupKey{odd, key}, keys)
}

func TestRetention(t *testing.T) {
	mr, client := newClient(t)
	h := NewHistory(client, time.Minute, WithRetention(24*time.Hour), WithPrefix("test"))
	ctx := context.Background()

	r, err := h.TryReserve(ctx, key)
	require.NoError(t, err)
	require.NoError(t, h.Confirm(ctx, r))
	assert.True(t, mr.Exists("test:history:s1:u1:RENEWAL_REMINDER:2025-04-10"))

	mr.FastForward(25 * time.Hour)
	_, err = h.TryReserve(ctx, key)
	assert.NoError(t, err)
}

func TestRunGuard(t *testing.T) {
	mr, client := newClient(t)
	ctx := context.Background()
	a := NewRunGuard(client, time.Minute)
	b := NewRunGuard(client, time.Minute)

	release, ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	releaseB, ok, err := b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// A crashed holder's lock expires.
	mr.FastForward(2 * time.Minute)
	_, ok, err = a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// b's stale release must not drop a's lock.
	releaseB()
	assert.True(t, mr.Exists("subwatch:run-lock"))
}
