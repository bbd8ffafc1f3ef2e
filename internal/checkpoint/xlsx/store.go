// Package xlsx persists checkpoint data in a spreadsheet workbook. The data
// sheet mirrors the input layout row for row and a separate sheet carries the
// checkpoint metadata. Every write replaces the workbook atomically.
package xlsx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
)

const (
	// MetadataSheet holds the checkpoint bookkeeping.
	MetadataSheet = "Metadata"
	// LegacyMarker identifies workbooks that stored metadata inside the data sheet.
	LegacyMarker = "##METADATA##"

	headerRow = 1
	firstRow  = 2
)

// ErrReservedSheet is returned when the data sheet would share the metadata
// sheet's name.
var ErrReservedSheet = errors.New("xlsx: sheet name is reserved for checkpoint metadata")

// Store is a workbook-backed harvest.Store.
type Store struct {
	path  string
	sheet string
	mu    sync.Mutex
}

// New returns a store for the workbook at path using sheet for data rows.
func New(path, sheet string) (*Store, error) {
	if path == "" {
		return nil, errors.New("xlsx: output path is required")
	}
	if !strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return nil, fmt.Errorf("xlsx: output path %q must end in .xlsx", path)
	}
	if sheet == "" {
		return nil, errors.New("xlsx: sheet name is required")
	}
	// excelize matches sheet names case-insensitively.
	if strings.EqualFold(sheet, MetadataSheet) {
		return nil, fmt.Errorf("%w: %q", ErrReservedSheet, sheet)
	}
	return &Store{path: path, sheet: sheet}, nil
}

// Path returns the workbook location.
func (s *Store) Path() string { return s.path }

// Exists reports whether the workbook file is present.
func (s *Store) Exists(context.Context) (bool, error) {
	_, err := os.Stat(s.path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat workbook: %w", err)
	}
}

// LastRow returns the highest non-empty data row.
func (s *Store) LastRow(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.dataRows(ctx)
	if err != nil {
		return 0, err
	}
	return lastPopulated(rows), nil
}

// ReadStatusColumn returns the status cell of each row in rng.
func (s *Store) ReadStatusColumn(ctx context.Context, rng harvest.RowRange) (map[int]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.dataRows(ctx)
	if err != nil {
		return nil, err
	}
	col := harvest.ColumnIndex(harvest.ColumnStatus)
	out := make(map[int]string, max(rng.To-rng.From+1, 0))
	for row := rng.From; row <= rng.To; row++ {
		out[row] = cell(rows, row, col)
	}
	return out, nil
}

// WriteBatch writes records at their rows, replaces the metadata sheet and
// swaps the workbook into place.
func (s *Store) WriteBatch(_ context.Context, records []harvest.Result, meta harvest.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.openOrCreate()
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := f.GetRows(s.sheet)
	if err != nil {
		return fmt.Errorf("read data sheet: %w", err)
	}
	next := max(lastPopulated(rows), headerRow)
	for _, rec := range records {
		row := rec.Row
		if row < firstRow {
			next++
			row = next
		}
		if err := setRow(f, s.sheet, row, harvest.RowValues(rec)); err != nil {
			return err
		}
		next = max(next, row)
	}
	if err := writeMetadata(f, meta); err != nil {
		return err
	}
	return s.save(f)
}

// ReadMetadata loads the metadata sheet.
func (s *Store) ReadMetadata(context.Context) (harvest.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.open()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return harvest.Metadata{}, harvest.ErrMetadataNotFound
		}
		return harvest.Metadata{}, err
	}
	defer f.Close()

	if legacy, err := hasLegacyMarker(f, s.sheet); err != nil {
		return harvest.Metadata{}, err
	} else if legacy {
		return harvest.Metadata{}, harvest.ErrLegacyFormat
	}
	idx, err := f.GetSheetIndex(MetadataSheet)
	if err != nil || idx < 0 {
		return harvest.Metadata{}, harvest.ErrMetadataNotFound
	}
	return readMetadata(f)
}

// ReadAll returns every populated data row.
func (s *Store) ReadAll(ctx context.Context) ([]harvest.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.dataRows(ctx)
	if err != nil {
		return nil, err
	}
	var out []harvest.Result
	for i := firstRow - 1; i < len(rows); i++ {
		if blank(rows[i]) {
			continue
		}
		out = append(out, harvest.ResultFromValues(i+1, rows[i]))
	}
	return out, nil
}

// Reset deletes the workbook.
func (s *Store) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove workbook: %w", err)
	}
	return nil
}

// Close is a no-op; the workbook is opened per operation.
func (s *Store) Close() error { return nil }

func (s *Store) open() (*excelize.File, error) {
	if _, err := os.Stat(s.path); err != nil {
		return nil, err
	}
	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	return f, nil
}

func (s *Store) openOrCreate() (*excelize.File, error) {
	f, err := s.open()
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		f = excelize.NewFile()
		if err := f.SetSheetName(f.GetSheetName(0), s.sheet); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("name data sheet: %w", err)
		}
	default:
		return nil, err
	}
	idx, err := f.GetSheetIndex(s.sheet)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("find data sheet: %w", err)
	}
	if idx < 0 {
		if _, err := f.NewSheet(s.sheet); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("create data sheet: %w", err)
		}
	}
	if err := setRow(f, s.sheet, headerRow, harvest.Labels()); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

// save writes to a sibling temp file and renames it over the target so a
// crash never leaves a half-written workbook behind.
func (s *Store) save(f *excelize.File) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.xlsx")
	if err != nil {
		return fmt.Errorf("create temp workbook: %w", err)
	}
	tmpName := tmp.Name()
	_ = tmp.Close()
	if err := f.SaveAs(tmpName); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp workbook: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace workbook: %w", err)
	}
	return nil
}

func (s *Store) dataRows(context.Context) ([][]string, error) {
	f, err := s.open()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	idx, err := f.GetSheetIndex(s.sheet)
	if err != nil || idx < 0 {
		return nil, nil
	}
	rows, err := f.GetRows(s.sheet)
	if err != nil {
		return nil, fmt.Errorf("read data sheet: %w", err)
	}
	return rows, nil
}

func writeMetadata(f *excelize.File, meta harvest.Metadata) error {
	idx, err := f.GetSheetIndex(MetadataSheet)
	if err != nil {
		return fmt.Errorf("find metadata sheet: %w", err)
	}
	if idx >= 0 {
		if err := f.DeleteSheet(MetadataSheet); err != nil {
			return fmt.Errorf("drop metadata sheet: %w", err)
		}
	}
	if _, err := f.NewSheet(MetadataSheet); err != nil {
		return fmt.Errorf("create metadata sheet: %w", err)
	}
	ts := ""
	if !meta.Timestamp.IsZero() {
		ts = meta.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	pairs := [][]string{
		{"input_file_hash", meta.Fingerprint},
		{"last_processed_row", fmt.Sprint(meta.LastProcessedRow)},
		{"timestamp", ts},
		{"saved_rows", harvest.FormatRows(meta.SavedRows)},
	}
	for i, kv := range pairs {
		if err := setRow(f, MetadataSheet, i+1, kv); err != nil {
			return err
		}
	}
	return nil
}

func readMetadata(f *excelize.File) (harvest.Metadata, error) {
	value := func(row int) (string, error) {
		v, err := f.GetCellValue(MetadataSheet, fmt.Sprintf("B%d", row))
		if err != nil {
			return "", fmt.Errorf("read metadata B%d: %w", row, err)
		}
		return strings.TrimSpace(v), nil
	}
	var meta harvest.Metadata
	var err error
	if meta.Fingerprint, err = value(1); err != nil {
		return meta, err
	}
	if meta.Fingerprint == "" {
		return harvest.Metadata{}, harvest.ErrMetadataNotFound
	}
	last, err := value(2)
	if err != nil {
		return meta, err
	}
	if last != "" {
		if _, err := fmt.Sscan(last, &meta.LastProcessedRow); err != nil {
			return meta, fmt.Errorf("parse last processed row %q: %w", last, err)
		}
	}
	ts, err := value(3)
	if err != nil {
		return meta, err
	}
	if ts != "" {
		if meta.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return meta, fmt.Errorf("parse metadata timestamp: %w", err)
		}
	}
	saved, err := value(4)
	if err != nil {
		return meta, err
	}
	if meta.SavedRows, err = harvest.ParseRows(saved); err != nil {
		return meta, err
	}
	return meta, nil
}

func hasLegacyMarker(f *excelize.File, sheet string) (bool, error) {
	idx, err := f.GetSheetIndex(sheet)
	if err != nil || idx < 0 {
		return false, nil
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return false, fmt.Errorf("read data sheet: %w", err)
	}
	for _, row := range rows {
		if len(row) > 0 && strings.TrimSpace(row[0]) == LegacyMarker {
			return true, nil
		}
	}
	return false, nil
}

func setRow(f *excelize.File, sheet string, row int, values []string) error {
	cellName, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("row %d: %w", row, err)
	}
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	if err := f.SetSheetRow(sheet, cellName, &cells); err != nil {
		return fmt.Errorf("write row %d: %w", row, err)
	}
	return nil
}

func lastPopulated(rows [][]string) int {
	for i := len(rows) - 1; i >= firstRow-1; i-- {
		if !blank(rows[i]) {
			return i + 1
		}
	}
	return 0
}

func cell(rows [][]string, row, col int) string {
	if row < 1 || row > len(rows) || col < 0 || col >= len(rows[row-1]) {
		return ""
	}
	return strings.TrimSpace(rows[row-1][col])
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
