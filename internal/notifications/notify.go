// Package notifications runs the daily notification pass over all
// subscriptions: decide → reserve → send → record, advancing renewal dates
// when an auto-renewing subscription passes its due date.
//
// Pipeline: list subscriptions → resolve recipients → eligibility decision →
// renewal advance (CAS) → per-recipient reservation → delivery → history.
package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/albapepper/subwatch/internal/calendar"
	"github.com/albapepper/subwatch/internal/domain"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	defaultWorkers     = 4
	defaultSendTimeout = 30 * time.Second
)

// ExpiredRepeat controls how often an EXPIRED alert repeats while a
// subscription stays overdue.
type ExpiredRepeat string

const (
	// ExpiredDaily notifies once per overdue day.
	ExpiredDaily ExpiredRepeat = "daily"
	// ExpiredOnce notifies once per lapsed renewal date.
	ExpiredOnce ExpiredRepeat = "once"
)

// ParseExpiredRepeat validates an EXPIRED_REPEAT value.
func ParseExpiredRepeat(s string) (ExpiredRepeat, error) {
	switch r := ExpiredRepeat(s); r {
	case ExpiredDaily, ExpiredOnce:
		return r, nil
	default:
		return "", fmt.Errorf("unknown expired repeat policy %q (want daily|once)", s)
	}
}

// --------------------------------------------------------------------------
// Collaborators
// --------------------------------------------------------------------------

// SubscriptionRepository is the subscription/user store.
type SubscriptionRepository interface {
	ListActive(ctx context.Context) ([]domain.Subscription, error)
	// ResolveUsers returns the users that exist among ids. Unknown ids are
	// absent from the map, not an error.
	ResolveUsers(ctx context.Context, ids []string) (map[string]domain.User, error)
	// AdvanceRenewalDate moves the renewal date from expected to next and
	// stamps renewedOn, or returns domain.ErrRenewalConflict when the stored
	// date is no longer expected.
	AdvanceRenewalDate(ctx context.Context, subscriptionID string, expected, next, renewedOn calendar.Date) error
}

// History is the notification history with atomic per-key reservation.
type History interface {
	// TryReserve claims key, or returns domain.ErrAlreadyNotified when a
	// record, a terminal failure, or a live claim exists for it.
	TryReserve(ctx context.Context, key domain.DedupKey) (domain.Reservation, error)
	// Confirm turns the claim into the sent record.
	Confirm(ctx context.Context, r domain.Reservation) error
	// Release drops the claim so a later run can retry.
	Release(ctx context.Context, r domain.Reservation) error
	// MarkFailed stores a terminal failure marker for the key.
	MarkFailed(ctx context.Context, r domain.Reservation, reason string) error
}

// Failure is a permanent delivery failure handed to the alerting side.
type Failure struct {
	Key       domain.DedupKey
	Recipient domain.User
	Err       error
}

// FailureReporter surfaces permanent delivery failures.
type FailureReporter interface {
	ReportPermanent(ctx context.Context, f Failure)
}

// LogReporter reports permanent failures to the log.
type LogReporter struct {
	Logger *slog.Logger
}

// ReportPermanent implements FailureReporter.
func (r LogReporter) ReportPermanent(_ context.Context, f Failure) {
	r.Logger.Warn("permanent delivery failure",
		"key", f.Key.String(), "email", f.Recipient.Email, "error", f.Err)
}

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Options tunes a Dispatcher.
type Options struct {
	Workers     int
	SendTimeout time.Duration
	// ClaimLease is the history's reservation lease. When set, SendTimeout is
	// capped below it.
	ClaimLease    time.Duration
	ExpiredRepeat ExpiredRepeat
}

// RunResult tracks the outcome of one run.
type RunResult struct {
	Day               calendar.Date `json:"day"`
	Subscriptions     int           `json:"subscriptions"`
	Decisions         int           `json:"decisions"`
	Sent              int           `json:"sent"`
	Deduplicated      int           `json:"deduplicated"`
	Failed            int           `json:"failed"`
	PermanentFailures int           `json:"permanent_failures"`
	Renewed           int           `json:"renewed"`
	Conflicts         int           `json:"conflicts"`
	Unresolved        int           `json:"unresolved"`
	DroppedRecipients int           `json:"dropped_recipients"`
	Interrupted       bool          `json:"interrupted"`
	Errors            []string      `json:"errors,omitempty"`
	Duration          time.Duration `json:"duration"`
}

// Add merges other into r.
func (r *RunResult) Add(other RunResult) {
	r.Decisions += other.Decisions
	r.Sent += other.Sent
	r.Deduplicated += other.Deduplicated
	r.Failed += other.Failed
	r.PermanentFailures += other.PermanentFailures
	r.Renewed += other.Renewed
	r.Conflicts += other.Conflicts
	r.Unresolved += other.Unresolved
	r.DroppedRecipients += other.DroppedRecipients
	r.Interrupted = r.Interrupted || other.Interrupted
	r.Errors = append(r.Errors, other.Errors...)
}

// AddErrorf records a formatted error message.
func (r *RunResult) AddErrorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Summary returns a human-readable summary.
func (r *RunResult) Summary() string {
	return fmt.Sprintf(
		"day=%s subs=%d decisions=%d sent=%d dedup=%d failed=%d permanent=%d renewed=%d conflicts=%d unresolved=%d errors=%d dur=%s",
		r.Day, r.Subscriptions, r.Decisions, r.Sent, r.Deduplicated, r.Failed,
		r.PermanentFailures, r.Renewed, r.Conflicts, r.Unresolved, len(r.Errors),
		r.Duration.Round(time.Millisecond))
}
