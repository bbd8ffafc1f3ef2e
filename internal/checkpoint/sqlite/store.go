// Package sqlite persists checkpoint data in an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure Go driver registered as "sqlite"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrStoreClosed is returned after Close.
var ErrStoreClosed = errors.New("sqlite checkpoint store is closed")

// Store is a SQLite-backed harvest.Store scoped to one partition.
type Store struct {
	db        *sql.DB
	partition string

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the database at path and applies migrations.
// Use ":memory:" for an ephemeral store.
func Open(ctx context.Context, path, partition string) (*Store, error) {
	if partition == "" {
		return nil, errors.New("sqlite: partition is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, partition: partition}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	dir, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, dir)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Exists reports whether the partition has any rows or metadata.
func (s *Store) Exists(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM checkpoint_rows WHERE partition = ?)
		    OR EXISTS (SELECT 1 FROM checkpoint_meta WHERE partition = ?)
	`, s.partition, s.partition).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check partition: %w", err)
	}
	return exists, nil
}

// LastRow returns the highest stored row.
func (s *Store) LastRow(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	var last int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(row_num), 0) FROM checkpoint_rows WHERE partition = ?`, s.partition,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("read last row: %w", err)
	}
	return last, nil
}

// ReadStatusColumn returns the status of each row in rng.
func (s *Store) ReadStatusColumn(ctx context.Context, rng harvest.RowRange) (map[int]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make(map[int]string, max(rng.To-rng.From+1, 0))
	for row := rng.From; row <= rng.To; row++ {
		out[row] = ""
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_num, status FROM checkpoint_rows
		WHERE partition = ? AND row_num BETWEEN ? AND ?
	`, s.partition, rng.From, rng.To)
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
func (s *Store) WriteBatch(ctx context.Context, records []harvest.Result, meta harvest.Metadata) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var next int
	if err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(row_num), 0) FROM checkpoint_rows WHERE partition = ?`, s.partition,
	).Scan(&next); err != nil {
		return fmt.Errorf("read last row: %w", err)
	}
	for _, rec := range records {
		row := rec.Row
		if row <= 0 {
			next++
			row = next
		}
		next = max(next, row)
		fields, mErr := json.Marshal(rec.Fields)
		if mErr != nil {
			err = fmt.Errorf("marshal row %d: %w", row, mErr)
			return err
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO checkpoint_rows (partition, row_num, status, detail, fields)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(partition, row_num) DO UPDATE SET
				status = excluded.status,
				detail = excluded.detail,
				fields = excluded.fields
		`, s.partition, row, string(rec.Status), rec.Detail, string(fields)); err != nil {
			return fmt.Errorf("upsert row %d: %w", row, err)
		}
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoint_meta (partition, fingerprint, saved_rows, last_processed_row, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(partition) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			saved_rows = excluded.saved_rows,
			last_processed_row = excluded.last_processed_row,
			updated_at = excluded.updated_at
	`, s.partition, meta.Fingerprint, harvest.FormatRows(meta.SavedRows), meta.LastProcessedRow,
		meta.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("upsert metadata: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// ReadMetadata loads the partition's metadata row.
func (s *Store) ReadMetadata(ctx context.Context) (harvest.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return harvest.Metadata{}, ErrStoreClosed
	}
	var (
		meta  harvest.Metadata
		saved string
		ts    string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, saved_rows, last_processed_row, updated_at
		FROM checkpoint_meta WHERE partition = ?
	`, s.partition).Scan(&meta.Fingerprint, &saved, &meta.LastProcessedRow, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return harvest.Metadata{}, harvest.ErrMetadataNotFound
	}
	if err != nil {
		return harvest.Metadata{}, fmt.Errorf("read metadata: %w", err)
	}
	if meta.SavedRows, err = harvest.ParseRows(saved); err != nil {
		return harvest.Metadata{}, err
	}
	if ts != "" {
		if meta.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return harvest.Metadata{}, fmt.Errorf("parse metadata timestamp: %w", err)
		}
	}
	return meta, nil
}

// ReadAll returns every row in order.
func (s *Store) ReadAll(ctx context.Context) ([]harvest.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_num, status, detail, fields FROM checkpoint_rows
		WHERE partition = ? ORDER BY row_num
	`, s.partition)
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	defer rows.Close()

	var out []harvest.Result
	for rows.Next() {
		var (
			res    harvest.Result
			status string
			fields string
		)
		if err := rows.Scan(&res.Row, &status, &res.Detail, &fields); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		res.Status = harvest.Status(status)
		if err := json.Unmarshal([]byte(fields), &res.Fields); err != nil {
			return nil, fmt.Errorf("decode row %d: %w", res.Row, err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// Reset deletes the partition's rows and metadata.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	for _, q := range []string{
		`DELETE FROM checkpoint_rows WHERE partition = ?`,
		`DELETE FROM checkpoint_meta WHERE partition = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, s.partition); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("reset partition: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
