package userstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clank08/govern"
)

type Config struct {
	DSN          string
	MaxConns     int32
	MinConns     int32
	QueryTimeout time.Duration
}

// Postgres is the PostgreSQL user store. Open applies the embedded
// migrations before returning.
type Postgres struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

const (
	qUserInsert = `
INSERT INTO users (subject, identifier, password_hash)
VALUES ($1, $2, $3)
RETURNING subject, identifier, password_hash, locked, password_changed_at;`

	qUserByIdentifier = `
SELECT subject, identifier, password_hash, locked, password_changed_at
FROM users
WHERE identifier = $1;`

	qUserBySubject = `
SELECT subject, identifier, password_hash, locked, password_changed_at
FROM users
WHERE subject = $1;`

	qUserSetPassword = `
UPDATE users
SET password_hash       = $2,
    password_changed_at = $3,
    updated_at          = NOW()
WHERE subject = $1;`

	qUserUpgradePassword = `
UPDATE users
SET password_hash = $2,
    updated_at    = NOW()
WHERE subject = $1;`

	qUserSetLocked = `
UPDATE users
SET locked     = $2,
    updated_at = NOW()
WHERE subject = $1;`
)

func Open(ctx context.Context, cfg Config) (*Postgres, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(hctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool, queryTimeout: cfg.QueryTimeout}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.queryTimeout)
}

func (p *Postgres) Create(ctx context.Context, identifier, passwordHash string) (govern.UserRecord, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	rec, err := scanUser(p.pool.QueryRow(ctx, qUserInsert, uuid.NewString(), NormalizeIdentifier(identifier), passwordHash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return govern.UserRecord{}, ErrConflict
		}
		return govern.UserRecord{}, fmt.Errorf("user insert: %w", err)
	}
	return rec, nil
}

func (p *Postgres) GetUserByIdentifier(ctx context.Context, identifier string) (govern.UserRecord, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return scanUser(p.pool.QueryRow(ctx, qUserByIdentifier, NormalizeIdentifier(identifier)))
}

func (p *Postgres) GetUserBySubject(ctx context.Context, subject string) (govern.UserRecord, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return scanUser(p.pool.QueryRow(ctx, qUserBySubject, subject))
}

func (p *Postgres) UpdatePasswordHash(ctx context.Context, subject, hash string, changedAt time.Time) error {
	return p.exec(ctx, "user set password", qUserSetPassword, subject, hash, changedAt.UTC())
}

func (p *Postgres) UpgradePasswordHash(ctx context.Context, subject, hash string) error {
	return p.exec(ctx, "user upgrade password", qUserUpgradePassword, subject, hash)
}

func (p *Postgres) SetLocked(ctx context.Context, subject string, locked bool) error {
	return p.exec(ctx, "user set locked", qUserSetLocked, subject, locked)
}

func (p *Postgres) exec(ctx context.Context, op, query string, args ...any) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return govern.ErrUserNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (govern.UserRecord, error) {
	var (
		rec       govern.UserRecord
		changedAt *time.Time
	)
	if err := row.Scan(&rec.Subject, &rec.Identifier, &rec.PasswordHash, &rec.Locked, &changedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return govern.UserRecord{}, govern.ErrUserNotFound
		}
		return govern.UserRecord{}, err
	}
	if changedAt != nil {
		rec.PasswordChangedAt = *changedAt
	}
	return rec, nil
}
