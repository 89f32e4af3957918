// Package sqlite is the embedded store: subscriptions, users and the
// notification history in one SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	// Registers the "sqlite" driver (pure Go).
	_ "modernc.org/sqlite"

	"github.com/albapepper/subwatch/internal/calendar"
	"github.com/albapepper/subwatch/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	defaultLease = 10 * time.Minute
	// SQLite's default host parameter limit is 32766; stay well under it.
	resolveChunk = 500
)

// Store implements the subscription repository and the notification history.
type Store struct {
	db    *sql.DB
	lease time.Duration
	now   func() time.Time
}

// Open opens (or creates) the database at path, applies PRAGMAs and runs
// migrations. ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string, lease time.Duration) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Single writer. Also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	if lease <= 0 {
		lease = defaultLease
	}
	return &Store{db: db, lease: lease, now: time.Now}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Migrate applies the embedded migrations in file name order.
func Migrate(ctx context.Context, db *sql.DB) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		b, err := fs.ReadFile(migrationsFS, "migrations/"+e.Name())
		if err != nil {
			return err
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(b)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// --------------------------------------------------------------------------
// Subscriptions and users
// --------------------------------------------------------------------------

// ListActive returns every active subscription.
func (s *Store) ListActive(ctx context.Context) ([]domain.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, amount, billing_cycle, renewal_date,
		       trial, auto_renewal, shared_with, last_renewed_on
		FROM subscriptions
		WHERE active = 1
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		var sub domain.Subscription
		var amount, cycle, renewal, renewed, shared string
		var trial, autoRenewal int
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Name, &amount, &cycle, &renewal,
			&trial, &autoRenewal, &shared, &renewed); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		if sub.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("subscription %s amount: %w", sub.ID, err)
		}
		if sub.BillingCycle, err = domain.ParseBillingCycle(cycle); err != nil {
			return nil, fmt.Errorf("subscription %s: %w", sub.ID, err)
		}
		if sub.RenewalDate, err = calendar.Parse(renewal); err != nil {
			return nil, fmt.Errorf("subscription %s renewal date: %w", sub.ID, err)
		}
		if renewed != "" {
			if sub.LastRenewedOn, err = calendar.Parse(renewed); err != nil {
				return nil, fmt.Errorf("subscription %s last renewed: %w", sub.ID, err)
			}
		}
		sub.Trial = trial != 0
		sub.AutoRenewal = autoRenewal != 0
		sub.SharedWith = domain.ParseSharedWith(shared)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ResolveUsers returns the users that exist among ids.
func (s *Store) ResolveUsers(ctx context.Context, ids []string) (map[string]domain.User, error) {
	users := make(map[string]domain.User, len(ids))
	for start := 0; start < len(ids); start += resolveChunk {
		end := min(start+resolveChunk, len(ids))
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")

		rows, err := s.db.QueryContext(ctx,
			`SELECT id, name, email, phone FROM users WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("query users: %w", err)
		}
		for rows.Next() {
			var u domain.User
			if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Phone); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan user: %w", err)
			}
			users[u.ID] = u
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return users, nil
}

// AdvanceRenewalDate moves renewal_date from expected to next.
func (s *Store) AdvanceRenewalDate(ctx context.Context, subscriptionID string, expected, next, renewedOn calendar.Date) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET renewal_date = ?, last_renewed_on = ?
		WHERE id = ? AND renewal_date = ?`,
		next.String(), renewedOn.String(), subscriptionID, expected.String())
	if err != nil {
		return fmt.Errorf("advance renewal date: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM subscriptions WHERE id = ?`, subscriptionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("subscription %s: %w", subscriptionID, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return domain.ErrRenewalConflict
}

// UpsertUser inserts or replaces a user.
func (s *Store) UpsertUser(ctx context.Context, u domain.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, phone) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name  = excluded.name,
			email = excluded.email,
			phone = excluded.phone`,
		u.ID, u.Name, u.Email, u.Phone)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}

// UpsertSubscription inserts or replaces a subscription and marks it active.
func (s *Store) UpsertSubscription(ctx context.Context, sub domain.Subscription) error {
	var renewed string
	if !sub.LastRenewedOn.IsZero() {
		renewed = sub.LastRenewedOn.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (
			id, user_id, name, amount, billing_cycle, renewal_date,
			trial, auto_renewal, shared_with, last_renewed_on, active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
			user_id         = excluded.user_id,
			name            = excluded.name,
			amount          = excluded.amount,
			billing_cycle   = excluded.billing_cycle,
			renewal_date    = excluded.renewal_date,
			trial           = excluded.trial,
			auto_renewal    = excluded.auto_renewal,
			shared_with     = excluded.shared_with,
			last_renewed_on = excluded.last_renewed_on,
			active          = 1`,
		sub.ID, sub.UserID, sub.Name, sub.Amount.String(), string(sub.BillingCycle),
		sub.RenewalDate.String(), boolToInt(sub.Trial), boolToInt(sub.AutoRenewal),
		domain.FormatSharedWith(sub.SharedWith), renewed)
	if err != nil {
		return fmt.Errorf("upsert subscription %s: %w", sub.ID, err)
	}
	return nil
}

// Subscription returns one active subscription by id.
func (s *Store) Subscription(ctx context.Context, id string) (domain.Subscription, error) {
	subs, err := s.ListActive(ctx)
	if err != nil {
		return domain.Subscription{}, err
	}
	for _, sub := range subs {
		if sub.ID == id {
			return sub, nil
		}
	}
	return domain.Subscription{}, fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
}

// --------------------------------------------------------------------------
// Notification history
// --------------------------------------------------------------------------

// TryReserve claims key. A sent or failed row, or a pending claim younger
// than the lease, means the key is taken.
func (s *Store) TryReserve(ctx context.Context, key domain.DedupKey) (domain.Reservation, error) {
	now := s.now()
	token := uuid.NewString()

	var got string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO notification_history (
			id, subscription_id, recipient_id, kind, day, status, token, claimed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 'pending', ?, ?, ?)
		ON CONFLICT (subscription_id, recipient_id, kind, day) DO UPDATE SET
			token      = excluded.token,
			claimed_at = excluded.claimed_at,
			updated_at = excluded.updated_at
		WHERE notification_history.status = 'pending'
		  AND notification_history.claimed_at < ?
		RETURNING token`,
		uuid.NewString(), key.SubscriptionID, key.RecipientID, key.Kind.String(), key.Day.String(),
		token, now.UnixMilli(), now.UnixMilli(), now.Add(-s.lease).UnixMilli(),
	).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Reservation{}, domain.ErrAlreadyNotified
	}
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("reserve %s: %w", key, err)
	}
	return domain.Reservation{Key: key, Token: got}, nil
}

// Confirm turns the claim into the sent record.
func (s *Store) Confirm(ctx context.Context, r domain.Reservation) error {
	return s.finish(ctx, r, `
		UPDATE notification_history SET status = 'sent', updated_at = ?
		WHERE token = ? AND status = 'pending'`,
		s.now().UnixMilli(), r.Token)
}

// Release drops the claim.
func (s *Store) Release(ctx context.Context, r domain.Reservation) error {
	return s.finish(ctx, r, `
		DELETE FROM notification_history WHERE token = ? AND status = 'pending'`,
		r.Token)
}

// MarkFailed stores the terminal failure marker.
func (s *Store) MarkFailed(ctx context.Context, r domain.Reservation, reason string) error {
	return s.finish(ctx, r, `
		UPDATE notification_history SET status = 'failed', last_error = ?, updated_at = ?
		WHERE token = ? AND status = 'pending'`,
		reason, s.now().UnixMilli(), r.Token)
}

func (s *Store) finish(ctx context.Context, r domain.Reservation, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update history %s: %w", r.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("history %s: %w", r.Key, domain.ErrClaimLost)
	}
	return nil
}

// SweepStaleClaims deletes pending claims older than the lease.
func (s *Store) SweepStaleClaims(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM notification_history WHERE status = 'pending' AND claimed_at < ?`,
		s.now().Add(-s.lease).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep stale claims: %w", err)
	}
	return res.RowsAffected()
}

// FailuresSince lists permanent failures recorded at or after since.
func (s *Store) FailuresSince(ctx context.Context, since time.Time) ([]domain.HistoryRecord, error) {
	return s.records(ctx, `WHERE status = 'failed' AND updated_at >= ?`, since.UnixMilli())
}

// Records lists the history rows of a subscription.
func (s *Store) Records(ctx context.Context, subscriptionID string) ([]domain.HistoryRecord, error) {
	return s.records(ctx, `WHERE subscription_id = ?`, subscriptionID)
}

func (s *Store) records(ctx context.Context, where string, args ...any) ([]domain.HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subscription_id, recipient_id, kind, day, status, last_error, claimed_at, updated_at
		FROM notification_history `+where+`
		ORDER BY day, subscription_id, recipient_id, kind`, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []domain.HistoryRecord
	for rows.Next() {
		var rec domain.HistoryRecord
		var kind, day, status string
		var claimedAt, updated int64
		if err := rows.Scan(&rec.ID, &rec.Key.SubscriptionID, &rec.Key.RecipientID, &kind, &day,
			&status, &rec.Error, &claimedAt, &updated); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if rec.Key.Kind, err = domain.ParseAlertKind(kind); err != nil {
			return nil, err
		}
		if rec.Key.Day, err = calendar.Parse(day); err != nil {
			return nil, err
		}
		rec.Status = domain.HistoryStatus(status)
		rec.ClaimedAt = time.UnixMilli(claimedAt).UTC()
		rec.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
