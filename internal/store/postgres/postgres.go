// Package postgres is the production store on pgx: subscriptions, users and
// the notification history, all through the pool's prepared statements.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/albapepper/subwatch/internal/calendar"
	"github.com/albapepper/subwatch/internal/db"
	"github.com/albapepper/subwatch/internal/domain"
)

const defaultLease = 10 * time.Minute

// Store implements the subscription repository and the notification history.
type Store struct {
	pool  *db.Pool
	lease time.Duration
}

// New creates a store on pool. lease is how long a pending claim blocks
// other runs before it may be taken over.
func New(pool *db.Pool, lease time.Duration) *Store {
	if lease <= 0 {
		lease = defaultLease
	}
	return &Store{pool: pool, lease: lease}
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.pool.HealthCheck(ctx) }

// --------------------------------------------------------------------------
// Subscriptions and users
// --------------------------------------------------------------------------

// subscriptionRow is the scan target for db.StmtListActive.
type subscriptionRow struct {
	ID            string
	UserID        string
	Name          string
	Amount        string
	BillingCycle  string
	RenewalDate   time.Time
	Trial         bool
	AutoRenewal   bool
	SharedWith    []string
	LastRenewedOn *time.Time
}

func (r subscriptionRow) toDomain() (domain.Subscription, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("subscription %s amount: %w", r.ID, err)
	}
	cycle, err := domain.ParseBillingCycle(r.BillingCycle)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("subscription %s: %w", r.ID, err)
	}
	sub := domain.Subscription{
		ID:           r.ID,
		UserID:       r.UserID,
		Name:         r.Name,
		Amount:       amount,
		BillingCycle: cycle,
		RenewalDate:  calendar.FromTime(r.RenewalDate),
		Trial:        r.Trial,
		AutoRenewal:  r.AutoRenewal,
		SharedWith:   r.SharedWith,
	}
	if r.LastRenewedOn != nil {
		sub.LastRenewedOn = calendar.FromTime(*r.LastRenewedOn)
	}
	return sub, nil
}

// ListActive returns every active subscription.
func (s *Store) ListActive(ctx context.Context) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, db.StmtListActive)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		var r subscriptionRow
		if err := rows.Scan(&r.ID, &r.UserID, &r.Name, &r.Amount, &r.BillingCycle, &r.RenewalDate,
			&r.Trial, &r.AutoRenewal, &r.SharedWith, &r.LastRenewedOn); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ResolveUsers returns the users that exist among ids.
func (s *Store) ResolveUsers(ctx context.Context, ids []string) (map[string]domain.User, error) {
	users := make(map[string]domain.User, len(ids))
	if len(ids) == 0 {
		return users, nil
	}
	rows, err := s.pool.Query(ctx, db.StmtResolveUsers, ids)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Phone); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users[u.ID] = u
	}
	return users, rows.Err()
}

// AdvanceRenewalDate moves renewal_date from expected to next.
func (s *Store) AdvanceRenewalDate(ctx context.Context, subscriptionID string, expected, next, renewedOn calendar.Date) error {
	tag, err := s.pool.Exec(ctx, db.StmtAdvanceRenewal,
		subscriptionID, pgDate(expected), pgDate(next), pgDate(renewedOn))
	if err != nil {
		return fmt.Errorf("advance renewal date: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var one int
	err = s.pool.QueryRow(ctx, db.StmtSubscriptionExists, subscriptionID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("subscription %s: %w", subscriptionID, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return domain.ErrRenewalConflict
}

// UpsertUser inserts or replaces a user.
func (s *Store) UpsertUser(ctx context.Context, u domain.User) error {
	if _, err := s.pool.Exec(ctx, db.StmtUpsertUser, u.ID, u.Name, u.Email, u.Phone); err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}

// UpsertSubscription inserts or replaces a subscription and marks it active.
func (s *Store) UpsertSubscription(ctx context.Context, sub domain.Subscription) error {
	var renewed *time.Time
	if !sub.LastRenewedOn.IsZero() {
		t := pgDate(sub.LastRenewedOn)
		renewed = &t
	}
	shared := sub.SharedWith
	if shared == nil {
		shared = []string{}
	}
	_, err := s.pool.Exec(ctx, db.StmtUpsertSubscription,
		sub.ID, sub.UserID, sub.Name, sub.Amount.String(), string(sub.BillingCycle),
		pgDate(sub.RenewalDate), sub.Trial, sub.AutoRenewal, shared, renewed)
	if err != nil {
		return fmt.Errorf("upsert subscription %s: %w", sub.ID, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Notification history
// --------------------------------------------------------------------------

// TryReserve claims key through the unique dedup constraint.
func (s *Store) TryReserve(ctx context.Context, key domain.DedupKey) (domain.Reservation, error) {
	var token string
	err := s.pool.QueryRow(ctx, db.StmtReserve,
		uuid.NewString(), key.SubscriptionID, key.RecipientID, key.Kind.String(), pgDate(key.Day),
		uuid.NewString(), s.lease,
	).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Reservation{}, domain.ErrAlreadyNotified
	}
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("reserve %s: %w", key, err)
	}
	return domain.Reservation{Key: key, Token: token}, nil
}

// Confirm turns the claim into the sent record.
func (s *Store) Confirm(ctx context.Context, r domain.Reservation) error {
	return s.finish(ctx, r, db.StmtConfirm, r.Token)
}

// Release drops the claim.
func (s *Store) Release(ctx context.Context, r domain.Reservation) error {
	return s.finish(ctx, r, db.StmtRelease, r.Token)
}

// MarkFailed stores the terminal failure marker.
func (s *Store) MarkFailed(ctx context.Context, r domain.Reservation, reason string) error {
	return s.finish(ctx, r, db.StmtMarkFailed, r.Token, reason)
}

func (s *Store) finish(ctx context.Context, r domain.Reservation, stmt string, args ...any) error {
	tag, err := s.pool.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update history %s: %w", r.Key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("history %s: %w", r.Key, domain.ErrClaimLost)
	}
	return nil
}

// SweepStaleClaims deletes pending claims older than the lease.
func (s *Store) SweepStaleClaims(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, db.StmtSweepStale, s.lease)
	if err != nil {
		return 0, fmt.Errorf("sweep stale claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FailuresSince lists permanent failures recorded at or after since.
func (s *Store) FailuresSince(ctx context.Context, since time.Time) ([]domain.HistoryRecord, error) {
	return s.records(ctx, db.StmtFailuresSince, since)
}

// Records lists the history rows of a subscription.
func (s *Store) Records(ctx context.Context, subscriptionID string) ([]domain.HistoryRecord, error) {
	return s.records(ctx, db.StmtRecords, subscriptionID)
}

func (s *Store) records(ctx context.Context, stmt string, args ...any) ([]domain.HistoryRecord, error) {
	rows, err := s.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []domain.HistoryRecord
	for rows.Next() {
		var rec domain.HistoryRecord
		var kind, status string
		var day time.Time
		if err := rows.Scan(&rec.ID, &rec.Key.SubscriptionID, &rec.Key.RecipientID, &kind, &day,
			&status, &rec.Error, &rec.ClaimedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if rec.Key.Kind, err = domain.ParseAlertKind(kind); err != nil {
			return nil, err
		}
		rec.Key.Day = calendar.FromTime(day)
		rec.Status = domain.HistoryStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// pgDate encodes a day for a DATE parameter.
func pgDate(d calendar.Date) time.Time { return d.Time(time.UTC) }
