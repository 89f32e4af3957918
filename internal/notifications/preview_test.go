package notifications

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/subwatch/internal/calendar"
	"github.com/albapepper/subwatch/internal/delivery"
	"github.com/albapepper/subwatch/internal/domain"
)

func TestPreviewWritesNothing(t *testing.T) {
	f := newFixture(t, Options{},
		subscription("s1", today.AddDays(-40), func(s *domain.Subscription) {
			s.AutoRenewal = true
			s.SharedWith = []string{"u2", "ghost"}
		}),
		subscription("s2", today, nil),
		subscription("s3", today.AddDays(30), nil),
	)
	ctx := context.Background()

	plan, err := f.disp.Preview(ctx, today)
	require.NoError(t, err)
	require.Len(t, plan, 2)

	renewal := plan[0]
	assert.Equal(t, "s1", renewal.SubscriptionID)
	assert.Equal(t, domain.RenewalReminder, renewal.Kind)
	assert.True(t, renewal.Renewal)
	assert.False(t, renewal.Retry)
	// 2025-03-01 caught up monthly past 2025-04-10.
	assert.Equal(t, calendar.MustParse("2025-05-01"), renewal.NextRenewalDate)
	assert.Equal(t, []string{"u1", "u2"}, renewal.Recipients)
	assert.Equal(t, []string{"ghost"}, renewal.Missing)

	assert.Equal(t, domain.PaymentDue, plan[1].Kind)
	assert.True(t, plan[1].NextRenewalDate.IsZero())

	assert.Zero(t, f.notifier.total())
	assert.Empty(t, f.records(t, "s1"))
	sub, err := f.store.Subscription(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, today.AddDays(-40), sub.RenewalDate)
}

func TestPreviewShowsSameDayRetry(t *testing.T) {
	f := newFixture(t, Options{}, subscription("s1", today.AddDays(-1), func(s *domain.Subscription) {
		s.AutoRenewal = true
	}))
	ctx := context.Background()

	_, err := f.disp.RunOnce(ctx, today)
	require.NoError(t, err)

	plan, err := f.disp.Preview(ctx, today)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.True(t, plan[0].Retry)
	assert.True(t, plan[0].NextRenewalDate.IsZero())
}

func TestPreviewShowsPendingRenewalNotice(t *testing.T) {
	f := newFixture(t, Options{}, subscription("s1", today.AddDays(-1), func(s *domain.Subscription) {
		s.AutoRenewal = true
	}))
	f.notifier.fail["u1"] = delivery.Transient("email", errors.New("timeout"))
	ctx := context.Background()

	_, err := f.disp.RunOnce(ctx, today)
	require.NoError(t, err)

	plan, err := f.disp.Preview(ctx, today.AddDays(3))
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.True(t, plan[0].Retry)
	assert.Equal(t, today, plan[0].RenewedOn)
	assert.Equal(t, calendar.MustParse("2025-05-09"), plan[0].RenewalDate)
}
