package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is a PostgreSQL-backed limiter with a sliding window and lockout.
type PG struct {
	pool     pgxQuerier
	window   time.Duration
	maxHits  int
	blockFor time.Duration
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(pool *pgxpool.Pool, window time.Duration, maxHits int, blockFor time.Duration) *PG {
	return &PG{pool: pool, window: window, maxHits: maxHits, blockFor: blockFor}
}

// NewPGWithQuerier constructs a PostgreSQL-backed limiter over any querier.
func NewPGWithQuerier(q pgxQuerier, window time.Duration, maxHits int, blockFor time.Duration) *PG {
	return &PG{pool: q, window: window, maxHits: maxHits, blockFor: blockFor}
}

// Allow reports whether the channel may deliver and a retry-after duration.
func (l *PG) Allow(ctx context.Context, channelID string) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM webhook_limiter WHERE channel_id=$1`
	var blockedUntil time.Time
	err := l.pool.QueryRow(ctx, q, channelID).Scan(&blockedUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	if blockedUntil.After(time.Now()) {
		return false, time.Until(blockedUntil), nil
	}
	return true, 0, nil
}

// Hit records one notification; the window resets when the last hit is
// older than the window, otherwise the count grows until lockout.
func (l *PG) Hit(ctx context.Context, channelID string) (bool, error) {
	const q = `
INSERT INTO webhook_limiter (channel_id, hit_count, blocked_until, updated_at)
VALUES ($1,1,'epoch',now())
ON CONFLICT (channel_id) DO UPDATE
SET
  hit_count = CASE WHEN EXCLUDED.updated_at - webhook_limiter.updated_at > $2::interval THEN 1 ELSE webhook_limiter.hit_count + 1 END,
  updated_at = now()
RETURNING hit_count`
	var hits int
	if err := l.pool.QueryRow(ctx, q, channelID, l.window).Scan(&hits); err != nil {
		return false, err
	}
	if hits >= l.maxHits {
		const upd = `UPDATE webhook_limiter SET blocked_until=$2 WHERE channel_id=$1`
		if _, err := l.pool.Exec(ctx, upd, channelID, time.Now().Add(l.blockFor)); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}
