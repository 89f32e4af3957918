package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/subwatch/internal/calendar"
	"github.com/albapepper/subwatch/internal/domain"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var key = domain.DedupKey{
	SubscriptionID: "s1",
	RecipientID:    "u1",
	Kind:           domain.PaymentDue,
	Day:            calendar.MustParse("2025-04-10"),
}

func TestSubscriptionRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	sub := domain.Subscription{
		ID:           "s1",
		UserID:       "u1",
		Name:         "Netflix",
		Amount:       decimal.RequireFromString("15.49"),
		BillingCycle: domain.Monthly,
		RenewalDate:  calendar.MustParse("2025-04-10"),
		AutoRenewal:  true,
		SharedWith:   []string{"u2", "u3"},
	}
	require.NoError(t, s.UpsertSubscription(ctx, sub))

	subs, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	got := subs[0]
	assert.Equal(t, "Netflix", got.Name)
	assert.True(t, sub.Amount.Equal(got.Amount))
	assert.Equal(t, domain.Monthly, got.BillingCycle)
	assert.Equal(t, sub.RenewalDate, got.RenewalDate)
	assert.True(t, got.AutoRenewal)
	assert.False(t, got.Trial)
	assert.Equal(t, []string{"u2", "u3"}, got.SharedWith)
	assert.True(t, got.LastRenewedOn.IsZero())
}

func TestResolveUsersDropsUnknown(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertUser(ctx, domain.User{ID: "u1", Name: "Alice", Email: "a@example.com"}))
	require.NoError(t, s.UpsertUser(ctx, domain.User{ID: "u2", Name: "Bob", Email: "b@example.com", Phone: "+1555"}))

	users, err := s.ResolveUsers(ctx, []string{"u1", "u2", "ghost"})
	require.NoError(t, err)
	assert.Len(t, users, 2)
	assert.Equal(t, "+1555", users["u2"].Phone)

	users, err = s.ResolveUsers(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestAdvanceRenewalDateCompareAndSwap(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertSubscription(ctx, domain.Subscription{
		ID: "s1", UserID: "u1", Name: "Gym", BillingCycle: domain.Monthly,
		RenewalDate: calendar.MustParse("2025-03-09"), AutoRenewal: true,
	}))

	old := calendar.MustParse("2025-03-09")
	next := calendar.MustParse("2025-04-09")
	today := calendar.MustParse("2025-03-10")

	require.NoError(t, s.AdvanceRenewalDate(ctx, "s1", old, next, today))
	assert.ErrorIs(t, s.AdvanceRenewalDate(ctx, "s1", old, next, today), domain.ErrRenewalConflict)
	assert.ErrorIs(t, s.AdvanceRenewalDate(ctx, "nope", old, next, today), domain.ErrNotFound)

	sub, err := s.Subscription(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, next, sub.RenewalDate)
	assert.Equal(t, today, sub.LastRenewedOn)
}

func TestTryReserveIsExclusive(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	r, err := s.TryReserve(ctx, key)
	require.NoError(t, err)
	assert.NotEmpty(t, r.Token)

	_, err = s.TryReserve(ctx, key)
	assert.ErrorIs(t, err, domain.ErrAlreadyNotified)

	require.NoError(t, s.Confirm(ctx, r))
	_, err = s.TryReserve(ctx, key)
	assert.ErrorIs(t, err, domain.ErrAlreadyNotified)

	other := key
	other.Day = key.Day.AddDays(1)
	_, err = s.TryReserve(ctx, other)
	assert.NoError(t, err)
}

func TestTryReserveConcurrent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.TryReserve(ctx, key); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
}

func TestReleaseAllowsRetry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	r, err := s.TryReserve(ctx, key)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, r))

	records, err := s.Records(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, records)

	r2, err := s.TryReserve(ctx, key)
	require.NoError(t, err)
	assert.NotEqual(t, r.Token, r2.Token)
}

func TestMarkFailedIsTerminal(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	r, err := s.TryReserve(ctx, key)
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, r, "550 no such user"))

	_, err = s.TryReserve(ctx, key)
	assert.ErrorIs(t, err, domain.ErrAlreadyNotified)

	failures, err := s.FailuresSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, domain.StatusFailed, failures[0].Status)
	assert.Equal(t, "550 no such user", failures[0].Error)
	assert.Equal(t, key, failures[0].Key)
}

func TestExpiredClaimIsTakenOver(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	stale, err := s.TryReserve(ctx, key)
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(30 * time.Second) }
	_, err = s.TryReserve(ctx, key)
	assert.ErrorIs(t, err, domain.ErrAlreadyNotified, "live claim is respected")

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	fresh, err := s.TryReserve(ctx, key)
	require.NoError(t, err)

	// The old holder lost its claim and cannot confirm.
	assert.ErrorIs(t, s.Confirm(ctx, stale), domain.ErrClaimLost)
	require.NoError(t, s.Confirm(ctx, fresh))

	records, err := s.Records(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.StatusSent, records[0].Status)
}

func TestSweepStaleClaims(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	_, err := s.TryReserve(ctx, key)
	require.NoError(t, err)
	sent, err := s.TryReserve(ctx, domain.DedupKey{SubscriptionID: "s2", RecipientID: "u1", Kind: domain.Expired, Day: key.Day})
	require.NoError(t, err)
	require.NoError(t, s.Confirm(ctx, sent))

	s.now = func() time.Time { return base.Add(time.Hour) }
	n, err := s.SweepStaleClaims(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	records, err := s.Records(ctx, "s2")
	require.NoError(t, err)
	assert.Len(t, records, 1, "sent records are never swept")
}
