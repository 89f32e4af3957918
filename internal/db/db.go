// Package db provides a pgxpool-based connection pool with prepared statement
// registration, health checking and the bootstrap schema.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/albapepper/subwatch/internal/config"
)

//go:embed schema.sql
var schema string

// Pool wraps pgxpool.Pool with application-specific helpers.
type Pool struct {
	*pgxpool.Pool
}

// New creates and validates a new connection pool.
func New(ctx context.Context, cfg *config.Config) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MinConns = int32(cfg.DBPoolMinConns)
	poolCfg.MaxConns = int32(cfg.DBPoolMaxConns)
	poolCfg.MaxConnLifetime = cfg.DBPoolMaxLife
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	// Register prepared statements on every new connection.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return registerPreparedStatements(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// HealthCheck runs a trivial query to verify the database is reachable.
func (p *Pool) HealthCheck(ctx context.Context) error {
	var n int
	return p.QueryRow(ctx, "health_check").Scan(&n)
}

// Migrate applies the bootstrap schema on a plain connection. Prepared
// statements reference the tables, so run this before New on a fresh
// database.
func Migrate(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Statement names used by the postgres store.
const (
	StmtHealthCheck        = "health_check"
	StmtListActive         = "list_active_subscriptions"
	StmtResolveUsers       = "resolve_users"
	StmtAdvanceRenewal     = "advance_renewal_date"
	StmtSubscriptionExists = "subscription_exists"
	StmtUpsertUser         = "upsert_user"
	StmtUpsertSubscription = "upsert_subscription"
	StmtReserve            = "history_reserve"
	StmtConfirm            = "history_confirm"
	StmtRelease            = "history_release"
	StmtMarkFailed         = "history_mark_failed"
	StmtSweepStale         = "history_sweep_stale"
	StmtFailuresSince      = "history_failures_since"
	StmtRecords            = "history_records"
)

// registerPreparedStatements registers all statements the store uses.
// Prepared statements eliminate parse overhead on every run.
func registerPreparedStatements(ctx context.Context, conn *pgx.Conn) error {
	const historyColumns = `id::text, subscription_id, recipient_id, kind, day, status, last_error, claimed_at, updated_at`

	stmts := map[string]string{
		StmtHealthCheck: "SELECT 1",

		// Subscriptions and users
		StmtListActive: `
			SELECT id, user_id, name, amount::text, billing_cycle, renewal_date,
			       trial, auto_renewal, shared_with, last_renewed_on
			FROM subscriptions
			WHERE active
			ORDER BY id`,
		StmtResolveUsers: "SELECT id, name, email, phone FROM users WHERE id = ANY($1)",
		StmtAdvanceRenewal: `
			UPDATE subscriptions
			SET renewal_date = $3, last_renewed_on = $4, updated_at = NOW()
			WHERE id = $1 AND renewal_date = $2`,
		StmtSubscriptionExists: "SELECT 1 FROM subscriptions WHERE id = $1",
		StmtUpsertUser: `
			INSERT INTO users (id, name, email, phone) VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				name  = EXCLUDED.name,
				email = EXCLUDED.email,
				phone = EXCLUDED.phone`,
		StmtUpsertSubscription: `
			INSERT INTO subscriptions (
				id, user_id, name, amount, billing_cycle, renewal_date,
				trial, auto_renewal, shared_with, last_renewed_on, active, updated_at
			) VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, TRUE, NOW())
			ON CONFLICT (id) DO UPDATE SET
				user_id         = EXCLUDED.user_id,
				name            = EXCLUDED.name,
				amount          = EXCLUDED.amount,
				billing_cycle   = EXCLUDED.billing_cycle,
				renewal_date    = EXCLUDED.renewal_date,
				trial           = EXCLUDED.trial,
				auto_renewal    = EXCLUDED.auto_renewal,
				shared_with     = EXCLUDED.shared_with,
				last_renewed_on = EXCLUDED.last_renewed_on,
				active          = TRUE,
				updated_at      = NOW()`,

		// Notification history. A conflicting row is taken over only when it
		// is a pending claim older than the lease ($7).
		StmtReserve: `
			INSERT INTO notification_history (
				id, subscription_id, recipient_id, kind, day, status, token, claimed_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, 'pending', $6, NOW(), NOW())
			ON CONFLICT ON CONSTRAINT notification_history_dedup DO UPDATE SET
				token      = EXCLUDED.token,
				claimed_at = EXCLUDED.claimed_at,
				updated_at = EXCLUDED.updated_at
			WHERE notification_history.status = 'pending'
			  AND notification_history.claimed_at < NOW() - $7::interval
			RETURNING token::text`,
		StmtConfirm: `
			UPDATE notification_history SET status = 'sent', updated_at = NOW()
			WHERE token = $1 AND status = 'pending'`,
		StmtRelease: `
			DELETE FROM notification_history WHERE token = $1 AND status = 'pending'`,
		StmtMarkFailed: `
			UPDATE notification_history SET status = 'failed', last_error = $2, updated_at = NOW()
			WHERE token = $1 AND status = 'pending'`,
		StmtSweepStale: `
			DELETE FROM notification_history
			WHERE status = 'pending' AND claimed_at < NOW() - $1::interval`,
		StmtFailuresSince: `
			SELECT ` + historyColumns + `
			FROM notification_history
			WHERE status = 'failed' AND updated_at >= $1
			ORDER BY updated_at`,
		StmtRecords: `
			SELECT ` + historyColumns + `
			FROM notification_history
			WHERE subscription_id = $1
			ORDER BY day, recipient_id, kind`,
	}

	for name, sql := range stmts {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			return fmt.Errorf("prepare %q: %w", name, err)
		}
	}
	return nil
}
