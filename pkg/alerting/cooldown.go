package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// cooldownKeyPrefix namespaces cooldown entries in the shared cache,
// mirroring the teacher's pkg/alert/dedup.go redisKeyPrefix idiom.
const cooldownKeyPrefix = "ocmt:alerting:cooldown:"

// CooldownTracker answers "is dedupKey still in cooldown" with Redis as
// the hot path and a Postgres table as the fallback, the same two-tier
// shape as the teacher's Deduplicator.Check.
type CooldownTracker struct {
	rdb    *redis.Client
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewCooldownTracker(rdb *redis.Client, pool *pgxpool.Pool, logger *slog.Logger) *CooldownTracker {
	return &CooldownTracker{rdb: rdb, pool: pool, logger: logger}
}

func cooldownKey(dedupKey string) string {
	return cooldownKeyPrefix + dedupKey
}

// Active reports whether dedupKey is still cooling down (spec §4.6 step
// 4b). A Redis outage falls back to the Postgres row rather than failing
// open, since a missed cooldown means a duplicate fan-out.
func (c *CooldownTracker) Active(ctx context.Context, dedupKey string) (bool, error) {
	if c.rdb != nil {
		ttl, err := c.rdb.TTL(ctx, cooldownKey(dedupKey)).Result()
		if err == nil {
			return ttl > 0, nil
		}
		c.logger.Warn("alerting: redis cooldown lookup failed, falling back to db", "error", err)
	}

	var expiresAt time.Time
	err := c.pool.QueryRow(ctx,
		`SELECT expires_at FROM alert_cooldowns WHERE dedup_key = $1`, dedupKey,
	).Scan(&expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("alerting: loading cooldown for %s: %w", dedupKey, err)
	}
	return time.Now().Before(expiresAt), nil
}

// Set marks dedupKey in cooldown until now+cooldown (spec §4.6 step 4e).
func (c *CooldownTracker) Set(ctx context.Context, dedupKey string, cooldown time.Duration) error {
	expiresAt := time.Now().Add(cooldown)

	if c.rdb != nil {
		if err := c.rdb.Set(ctx, cooldownKey(dedupKey), "1", cooldown).Err(); err != nil {
			c.logger.Warn("alerting: failed to set redis cooldown", "error", err, "dedup_key", dedupKey)
		}
	}

	_, err := c.pool.Exec(ctx,
		`INSERT INTO alert_cooldowns (dedup_key, expires_at)
		 VALUES ($1, $2)
		 ON CONFLICT (dedup_key) DO UPDATE SET expires_at = excluded.expires_at`,
		dedupKey, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("alerting: persisting cooldown for %s: %w", dedupKey, err)
	}
	return nil
}

// Sweep deletes cooldown rows that expired more than a day ago, keeping
// the fallback table from growing unbounded. Run hourly.
func (c *CooldownTracker) Sweep(ctx context.Context) (int64, error) {
	tag, err := c.pool.Exec(ctx,
		`DELETE FROM alert_cooldowns WHERE expires_at < $1`, time.Now().Add(-24*time.Hour))
	if err != nil {
		return 0, fmt.Errorf("alerting: sweeping expired cooldowns: %w", err)
	}
	return tag.RowsAffected(), nil
}
