package ratelimit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	errs "github.com/sglegalhelp/offlinesync/internal/errors"
)

// Querier is the subset of *pgxpool.Pool used by PostgresLimiter.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ Querier = (*pgxpool.Pool)(nil)

// Connect opens a small pgx pool for rate limit counters.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errs.Wrap(errs.ErrInvalid, "parse rate limit dsn", err)
	}
	cfg.MaxConns = 4
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errs.Wrap(errs.ErrDatabase, "connect rate limit database", err)
	}
	return pool, nil
}

// PostgresLimiter keeps fixed-window counters in PostgreSQL so every instance
// shares the same budget.
type PostgresLimiter struct {
	db     Querier
	config Config
	now    func() time.Time
}

// NewPostgresLimiter creates a PostgresLimiter.
func NewPostgresLimiter(db Querier, cfg Config) *PostgresLimiter {
	return &PostgresLimiter{db: db, config: cfg.normalized(), now: time.Now}
}

// EnsureSchema creates the counters table if needed.
func (p *PostgresLimiter) EnsureSchema(ctx context.Context) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS rate_limits (
	key TEXT NOT NULL,
	window_start TIMESTAMPTZ NOT NULL,
	count INTEGER NOT NULL,
	PRIMARY KEY (key, window_start)
)`
	if _, err := p.db.Exec(ctx, stmt); err != nil {
		return errs.Wrap(errs.ErrDatabase, "ensure rate limit schema", err)
	}
	return nil
}

// Allow increments key's counter for the current window atomically.
func (p *PostgresLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := p.now().UTC()
	start := now.Truncate(p.config.Window)

	var count int
	err := p.db.QueryRow(ctx, `
		INSERT INTO rate_limits (key, window_start, count) VALUES ($1, $2, 1)
		ON CONFLICT (key, window_start) DO UPDATE SET count = rate_limits.count + 1
		RETURNING count`, key, start).Scan(&count)
	if err != nil {
		return Decision{}, errs.Wrap(errs.ErrDatabase, "increment rate limit counter", err)
	}

	d := Decision{Limit: p.config.Requests, Remaining: p.config.Requests - count}
	if count <= p.config.Requests {
		d.Allowed = true
		return d, nil
	}
	d.Remaining = 0
	d.RetryAfter = start.Add(p.config.Window).Sub(now)
	return d, nil
}

// Cleanup removes counters of windows that have ended.
func (p *PostgresLimiter) Cleanup(ctx context.Context) (int64, error) {
	cutoff := p.now().UTC().Truncate(p.config.Window)
	tag, err := p.db.Exec(ctx, "DELETE FROM rate_limits WHERE window_start < $1", cutoff)
	if err != nil {
		return 0, errs.Wrap(errs.ErrDatabase, "cleanup rate limit counters", err)
	}
	return tag.RowsAffected(), nil
}
