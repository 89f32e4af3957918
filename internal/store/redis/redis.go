// Package redis keeps the notification history and the cross-process run
// guard in Redis.
//
// A history key holds "pending:<token>" with a lease TTL while a send is in
// flight, then "sent:<token>" or "failed:<reason>" without expiry (unless a
// retention is configured). An expired claim simply disappears, so the next
// TryReserve takes the key over.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/albapepper/subwatch/internal/calendar"
	"github.com/albapepper/subwatch/internal/domain"
)

const (
	defaultPrefix = "subwatch"
	defaultLease  = 10 * time.Minute
	runLockTTL    = time.Hour
)

// Compare-and-set on the claim token. KEYS[1] history key, KEYS[2] failure
// index; ARGV[1] expected value, ARGV[2] new value, ARGV[3] retention ms
// (0 = keep), ARGV[4] failure index score ("" = not a failure).
var finishScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
if ARGV[2] == "" then
	redis.call("DEL", KEYS[1])
	return 1
end
if tonumber(ARGV[3]) > 0 then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
else
	redis.call("SET", KEYS[1], ARGV[2])
end
if ARGV[4] ~= "" then
	redis.call("ZADD", KEYS[2], ARGV[4], KEYS[1])
end
return 1
`)

// Compare-and-delete for the run lock.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config configures the Redis client.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects and pings.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// History implements the notification history on Redis.
type History struct {
	client    *redis.Client
	prefix    string
	lease     time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// HistoryOption configures a History.
type HistoryOption func(*History)

// WithPrefix sets the key prefix.
func WithPrefix(p string) HistoryOption { return func(h *History) { h.prefix = p } }

// WithRetention expires finished records after d. Keep d longer than the
// longest dedup window (a year for once-per-lapse EXPIRED alerts).
func WithRetention(d time.Duration) HistoryOption { return func(h *History) { h.retention = d } }

// WithLogger sets the logger for skipped index entries.
func WithLogger(l *slog.Logger) HistoryOption { return func(h *History) { h.logger = l } }

// NewHistory creates a Redis-backed history.
func NewHistory(client *redis.Client, lease time.Duration, opts ...HistoryOption) *History {
	if lease <= 0 {
		lease = defaultLease
	}
	h := &History{
		client: client,
		prefix: defaultPrefix,
		lease:  lease,
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// key escapes the ids so a ':' inside one cannot shift the key's fields.
func (h *History) key(k domain.DedupKey) string {
	return fmt.Sprintf("%s:history:%s:%s:%s:%s", h.prefix,
		url.QueryEscape(k.SubscriptionID), url.QueryEscape(k.RecipientID), k.Kind, k.Day)
}

func (h *History) failureIndex() string { return h.prefix + ":failures" }

// TryReserve claims key with SET NX and the lease as TTL.
func (h *History) TryReserve(ctx context.Context, key domain.DedupKey) (domain.Reservation, error) {
	token := uuid.NewString()
	ok, err := h.client.SetNX(ctx, h.key(key), "pending:"+token, h.lease).Result()
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("reserve %s: %w", key, err)
	}
	if !ok {
		return domain.Reservation{}, domain.ErrAlreadyNotified
	}
	return domain.Reservation{Key: key, Token: token}, nil
}

// Confirm turns the claim into the sent record.
func (h *History) Confirm(ctx context.Context, r domain.Reservation) error {
	return h.finish(ctx, r, "sent:"+r.Token, "")
}

// Release drops the claim.
func (h *History) Release(ctx context.Context, r domain.Reservation) error {
	return h.finish(ctx, r, "", "")
}

// MarkFailed stores the terminal failure marker and indexes it for digests.
func (h *History) MarkFailed(ctx context.Context, r domain.Reservation, reason string) error {
	score := strconv.FormatInt(h.now().UnixMilli(), 10)
	return h.finish(ctx, r, "failed:"+reason, score)
}

func (h *History) finish(ctx context.Context, r domain.Reservation, value, failureScore string) error {
	n, err := finishScript.Run(ctx, h.client,
		[]string{h.key(r.Key), h.failureIndex()},
		"pending:"+r.Token, value, h.retention.Milliseconds(), failureScore,
	).Int()
	if err != nil {
		return fmt.Errorf("update history %s: %w", r.Key, err)
	}
	if n == 0 {
		return fmt.Errorf("history %s: %w", r.Key, domain.ErrClaimLost)
	}
	return nil
}

// FailuresSince lists permanent failures recorded at or after since.
func (h *History) FailuresSince(ctx context.Context, since time.Time) ([]domain.HistoryRecord, error) {
	zs, err := h.client.ZRangeByScoreWithScores(ctx, h.failureIndex(), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read failure index: %w", err)
	}

	out := make([]domain.HistoryRecord, 0, len(zs))
	for _, z := range zs {
		redisKey, _ := z.Member.(string)
		key, err := h.parseKey(redisKey)
		if err != nil {
			h.logger.Warn("skipping unreadable failure entry", "key", redisKey, "error", err)
			continue
		}
		val, err := h.client.Get(ctx, redisKey).Result()
		if errors.Is(err, redis.Nil) {
			continue // expired by retention
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", redisKey, err)
		}
		at := time.UnixMilli(int64(z.Score)).UTC()
		out = append(out, domain.HistoryRecord{
			ID:        redisKey,
			Key:       key,
			Status:    domain.StatusFailed,
			Error:     strings.TrimPrefix(val, "failed:"),
			ClaimedAt: at,
			UpdatedAt: at,
		})
	}
	return out, nil
}

// Status returns the stored status of key, or domain.ErrNotFound.
func (h *History) Status(ctx context.Context, key domain.DedupKey) (domain.HistoryStatus, error) {
	val, err := h.client.Get(ctx, h.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	status, _, _ := strings.Cut(val, ":")
	return domain.HistoryStatus(status), nil
}

func (h *History) parseKey(s string) (domain.DedupKey, error) {
	rest, ok := strings.CutPrefix(s, h.prefix+":history:")
	parts := strings.Split(rest, ":")
	if !ok || len(parts) != 4 {
		return domain.DedupKey{}, fmt.Errorf("malformed history key %q", s)
	}
	subID, err := url.QueryUnescape(parts[0])
	if err != nil {
		return domain.DedupKey{}, fmt.Errorf("history key %q: %w", s, err)
	}
	recipientID, err := url.QueryUnescape(parts[1])
	if err != nil {
		return domain.DedupKey{}, fmt.Errorf("history key %q: %w", s, err)
	}
	kind, err := domain.ParseAlertKind(parts[2])
	if err != nil {
		return domain.DedupKey{}, err
	}
	day, err := calendar.Parse(parts[3])
	if err != nil {
		return domain.DedupKey{}, err
	}
	return domain.DedupKey{SubscriptionID: subID, RecipientID: recipientID, Kind: kind, Day: day}, nil
}

// --------------------------------------------------------------------------
// Run guard
// --------------------------------------------------------------------------

// RunGuard is a Redis lock held for the duration of a run, so instances
// sharing the store do not run concurrently.
type RunGuard struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRunGuard creates a guard. ttl bounds how long a crashed holder blocks
// others; zero uses one hour.
func NewRunGuard(client *redis.Client, ttl time.Duration) *RunGuard {
	if ttl <= 0 {
		ttl = runLockTTL
	}
	return &RunGuard{client: client, key: defaultPrefix + ":run-lock", ttl: ttl}
}

// TryAcquire takes the lock if free.
func (g *RunGuard) TryAcquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := g.client.SetNX(ctx, g.key, token, g.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		_ = unlockScript.Run(context.WithoutCancel(ctx), g.client, []string{g.key}, token).Err()
	}
	return release, true, nil
}
