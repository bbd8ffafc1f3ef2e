// Package harvest defines the core types shared across the harvester subsystems.
package harvest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Status is the terminal outcome recorded for a row.
type Status string

// Status values written to the status column. Any non-empty status marks the
// row as durably recorded.
const (
	StatusAvailable   Status = "Available"
	StatusUnavailable Status = "Unavailable"
	StatusNotFound    Status = "NotFound"
	StatusTimeout     Status = "Timeout"
	StatusFatalError  Status = "FatalError"
)

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusUnavailable, StatusNotFound, StatusTimeout, StatusFatalError:
		return true
	default:
		return false
	}
}

// Task is one unit of lookup work. Row is the stable identity of the item in
// the input source; Identifier is the key handed to the Extractor.
type Task struct {
	Identifier string `json:"identifier"`
	Row        int    `json:"row"`
}

// Result is the record a worker produces for a Task.
type Result struct {
	Row    int               `json:"row"`
	Fields map[string]string `json:"fields"`
	Status Status            `json:"status"`
	Detail string            `json:"detail,omitempty"`
}

// Value returns the stored cell value for key, resolving the synthetic
// status, status_detail and row_num columns.
func (r Result) Value(key string) string {
	switch key {
	case ColumnStatus:
		return string(r.Status)
	case ColumnStatusDetail:
		return r.Detail
	case ColumnRowNum:
		if r.Row <= 0 {
			return ""
		}
		return strconv.Itoa(r.Row)
	default:
		return r.Fields[key]
	}
}

// Metadata is the checkpoint bookkeeping persisted next to the data table.
type Metadata struct {
	Fingerprint      string    `json:"fingerprint"`
	SavedRows        []int     `json:"saved_rows"`
	LastProcessedRow int       `json:"last_processed_row"`
	Timestamp        time.Time `json:"timestamp"`
}

// NewMetadata builds a Metadata value with sorted rows and the derived last row.
func NewMetadata(fingerprint string, saved map[int]struct{}, at time.Time) Metadata {
	rows := make([]int, 0, len(saved))
	for row := range saved {
		rows = append(rows, row)
	}
	sort.Ints(rows)
	last := 0
	if len(rows) > 0 {
		last = rows[len(rows)-1]
	}
	return Metadata{
		Fingerprint:      fingerprint,
		SavedRows:        rows,
		LastProcessedRow: last,
		Timestamp:        at,
	}
}

// FormatRows serializes rows as a sorted, comma-delimited string.
func FormatRows(rows []int) string {
	sorted := append([]int(nil), rows...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, row := range sorted {
		parts[i] = strconv.Itoa(row)
	}
	return strings.Join(parts, ",")
}

// ParseRows is the inverse of FormatRows. Blank input yields no rows.
func ParseRows(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	rows := make([]int, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		row, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("parse saved row %q: %w", part, err)
		}
		rows = append(rows, row)
	}
	sort.Ints(rows)
	return rows, nil
}

// RowSet converts a row slice to a set.
func RowSet(rows []int) map[int]struct{} {
	set := make(map[int]struct{}, len(rows))
	for _, row := range rows {
		set[row] = struct{}{}
	}
	return set
}
