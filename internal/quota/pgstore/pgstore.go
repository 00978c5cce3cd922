// Package pgstore keeps the quota record in PostgreSQL. Each reservation runs
// in a transaction holding a row lock, so concurrent gateways serialize on it.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/florejun0824/srcslmsstable-sub009/internal/quota"
)

// DefaultTable matches migrations/000001_quota_records.up.sql.
const DefaultTable = "quota_records"

// Store is a PostgreSQL-backed quota.Store.
type Store struct {
	pool  *pgxpool.Pool
	table string
}

var _ quota.Store = (*Store)(nil)

type Option func(*Store)

// WithTable overrides the table name.
func WithTable(table string) Option {
	return func(s *Store) { s.table = table }
}

func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, table: DefaultTable}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates the table when migrations have not been run.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			record_key   TEXT PRIMARY KEY,
			call_count   BIGINT NOT NULL DEFAULT 0 CHECK (call_count >= 0),
			reset_period TEXT NOT NULL DEFAULT '',
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table))
	if err != nil {
		return fmt.Errorf("ensure quota schema: %w", err)
	}
	return nil
}

// lockRecord creates the row if missing and locks it for the rest of tx.
func (s *Store) lockRecord(ctx context.Context, tx pgx.Tx, key string) (quota.Record, error) {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (record_key) VALUES ($1) ON CONFLICT (record_key) DO NOTHING`, s.table),
		key,
	)
	if err != nil {
		return quota.Record{}, fmt.Errorf("create quota record: %w", err)
	}

	var rec quota.Record
	var period string
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT call_count, reset_period FROM %s WHERE record_key = $1 FOR UPDATE`, s.table),
		key,
	).Scan(&rec.CallCount, &period)
	if err != nil {
		return quota.Record{}, fmt.Errorf("lock quota record: %w", err)
	}
	rec.ResetPeriod = quota.Period(period)
	return rec, nil
}

func (s *Store) write(ctx context.Context, tx pgx.Tx, key string, rec quota.Record) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET call_count = $1, reset_period = $2, updated_at = now() WHERE record_key = $3`, s.table),
		rec.CallCount, string(rec.ResetPeriod), key,
	)
	if err != nil {
		return fmt.Errorf("update quota record: %w", err)
	}
	return nil
}

func (s *Store) Reserve(ctx context.Context, key string, period quota.Period, limit int64) (quota.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return quota.Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.lockRecord(ctx, tx, key)
	if err != nil {
		return quota.Record{}, err
	}

	switch {
	case rec.ResetPeriod != period:
		rec = quota.Record{CallCount: 1, ResetPeriod: period}
	case rec.CallCount >= limit:
		return rec, quota.ErrLimitReached
	default:
		rec.CallCount++
	}

	if err := s.write(ctx, tx, key, rec); err != nil {
		return quota.Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return quota.Record{}, fmt.Errorf("commit reserve: %w", err)
	}
	return rec, nil
}

func (s *Store) Release(ctx context.Context, key string, period quota.Period) (quota.Record, error) {
	var rec quota.Record
	var stored string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET call_count = call_count - 1, updated_at = now()
			WHERE record_key = $1 AND reset_period = $2 AND call_count > 0
			RETURNING call_count, reset_period`, s.table),
		key, string(period),
	).Scan(&rec.CallCount, &stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.Get(ctx, key)
	}
	if err != nil {
		return quota.Record{}, fmt.Errorf("release quota: %w", err)
	}
	rec.ResetPeriod = quota.Period(stored)
	return rec, nil
}

func (s *Store) Get(ctx context.Context, key string) (quota.Record, error) {
	var rec quota.Record
	var period string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT call_count, reset_period FROM %s WHERE record_key = $1`, s.table),
		key,
	).Scan(&rec.CallCount, &period)
	if errors.Is(err, pgx.ErrNoRows) {
		return quota.Record{}, nil
	}
	if err != nil {
		return quota.Record{}, fmt.Errorf("get quota record: %w", err)
	}
	rec.ResetPeriod = quota.Period(period)
	return rec, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
