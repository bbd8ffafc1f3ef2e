// Package postgres persists checkpoint data in Postgres.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Partition       string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

type pool interface {
	querier
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store is a Postgres-backed harvest.Store scoped to one partition.
type Store struct {
	pool      pool
	partition string
}

// New connects, applies migrations and returns a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("checkpoint.dsn is required")
	}
	if cfg.Partition == "" {
		return nil, fmt.Errorf("partition is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrate(ctx, p); err != nil {
		p.Close()
		return nil, err
	}
	return &Store{pool: p, partition: cfg.Partition}, nil
}

// NewWithPool constructs a store from an existing pool without migrating
// (primarily for testing).
func NewWithPool(p pool, partition string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if partition == "" {
		return nil, fmt.Errorf("partition is required")
	}
	return &Store{pool: p, partition: partition}, nil
}

func migrate(ctx context.Context, p *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(p)
	defer db.Close()
	dir, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, dir)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

const (
	existsQuery = `SELECT EXISTS (SELECT 1 FROM checkpoint_rows WHERE partition = $1)
    OR EXISTS (SELECT 1 FROM checkpoint_meta WHERE partition = $1)`
	lastRowQuery = `SELECT COALESCE(MAX(row_num), 0) FROM checkpoint_rows WHERE partition = $1`
	statusQuery  = `SELECT row_num, status FROM checkpoint_rows
WHERE partition = $1 AND row_num BETWEEN $2 AND $3`
	upsertRowQuery = `INSERT INTO checkpoint_rows (partition, row_num, status, detail, fields)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (partition, row_num) DO UPDATE SET
	status = EXCLUDED.status,
	detail = EXCLUDED.detail,
	fields = EXCLUDED.fields`
	upsertMetaQuery = `INSERT INTO checkpoint_meta (partition, fingerprint, saved_rows, last_processed_row, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (partition) DO UPDATE SET
	fingerprint = EXCLUDED.fingerprint,
	saved_rows = EXCLUDED.saved_rows,
	last_processed_row = EXCLUDED.last_processed_row,
	updated_at = EXCLUDED.updated_at`
	metaQuery = `SELECT fingerprint, saved_rows, last_processed_row, updated_at
FROM checkpoint_meta WHERE partition = $1`
	allQuery = `SELECT row_num, status, detail, fields FROM checkpoint_rows
WHERE partition = $1 ORDER BY row_num`
	deleteRowsQuery = `DELETE FROM checkpoint_rows WHERE partition = $1`
	deleteMetaQuery = `DELETE FROM checkpoint_meta WHERE partition = $1`
)

// Exists reports whether the partition has any rows or metadata.
func (s *Store) Exists(ctx context.Context) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, existsQuery, s.partition).Scan(&exists); err != nil {
		return false, fmt.Errorf("check partition: %w", err)
	}
	return exists, nil
}

// LastRow returns the highest stored row.
func (s *Store) LastRow(ctx context.Context) (int, error) {
	var last int
	if err := s.pool.QueryRow(ctx, lastRowQuery, s.partition).Scan(&last); err != nil {
		return 0, fmt.Errorf("read last row: %w", err)
	}
	return last, nil
}

// ReadStatusColumn returns the status of each row in rng.
func (s *Store) ReadStatusColumn(ctx context.Context, rng harvest.RowRange) (map[int]string, error) {
	out := make(map[int]string, max(rng.To-rng.From+1, 0))
	for row := rng.From; row <= rng.To; row++ {
		out[row] = ""
	}
	rows, err := s.pool.Query(ctx, statusQuery, s.partition, rng.From, rng.To)
	if err != nil {
		return nil, fmt.Errorf("read status column: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			row    int
			status string
		)
		if err := rows.Scan(&row, &status); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		out[row] = status
	}
	return out, rows.Err()
}

// WriteBatch upserts records and metadata in one transaction.
func (s *Store) WriteBatch(ctx context.Context, records []harvest.Result, meta harvest.Metadata) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var next int
	if err := tx.QueryRow(ctx, lastRowQuery, s.partition).Scan(&next); err != nil {
		return fmt.Errorf("read last row: %w", err)
	}
	for _, rec := range records {
		row := rec.Row
		if row <= 0 {
			next++
			row = next
		}
		next = max(next, row)
		fields, err := json.Marshal(nonNil(rec.Fields))
		if err != nil {
			return fmt.Errorf("marshal row %d: %w", row, err)
		}
		if _, err := tx.Exec(ctx, upsertRowQuery, s.partition, row, string(rec.Status), rec.Detail, fields); err != nil {
			return fmt.Errorf("upsert row %d: %w", row, err)
		}
	}
	saved := meta.SavedRows
	if saved == nil {
		saved = []int{}
	}
	if _, err := tx.Exec(ctx, upsertMetaQuery, s.partition, meta.Fingerprint, saved, meta.LastProcessedRow, meta.Timestamp.UTC()); err != nil {
		return fmt.Errorf("upsert metadata: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	committed = true
	return nil
}

// ReadMetadata loads the partition's metadata row.
func (s *Store) ReadMetadata(ctx context.Context) (harvest.Metadata, error) {
	var meta harvest.Metadata
	err := s.pool.QueryRow(ctx, metaQuery, s.partition).
		Scan(&meta.Fingerprint, &meta.SavedRows, &meta.LastProcessedRow, &meta.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.Metadata{}, harvest.ErrMetadataNotFound
	}
	if err != nil {
		return harvest.Metadata{}, fmt.Errorf("read metadata: %w", err)
	}
	return meta, nil
}

// ReadAll returns every row in order.
func (s *Store) ReadAll(ctx context.Context) ([]harvest.Result, error) {
	rows, err := s.pool.Query(ctx, allQuery, s.partition)
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	defer rows.Close()

	var out []harvest.Result
	for rows.Next() {
		var (
			res    harvest.Result
			status string
			fields []byte
		)
		if err := rows.Scan(&res.Row, &status, &res.Detail, &fields); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		res.Status = harvest.Status(status)
		if err := json.Unmarshal(fields, &res.Fields); err != nil {
			return nil, fmt.Errorf("decode row %d: %w", res.Row, err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// Reset deletes the partition's rows and metadata.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	for _, q := range []string{deleteRowsQuery, deleteMetaQuery} {
		if _, err := tx.Exec(ctx, q, s.partition); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("reset partition: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
