// Package export renders a finished run's output table as CSV and hands it to
// a blob store, along with a JSON summary of the run.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
)

// Exporter implements engine.Exporter.
type Exporter struct {
	store  harvest.BlobStore
	prefix string
	logger *zap.Logger
}

// New builds an Exporter writing under prefix in store.
func New(store harvest.BlobStore, prefix string, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{store: store, prefix: strings.Trim(prefix, "/"), logger: logger.Named("export")}
}

// ObjectPath is where the CSV for summary lands, relative to the store root.
func (e *Exporter) ObjectPath(summary harvest.RunSummary, ext string) string {
	partition := summary.Partition
	if partition == "" {
		partition = "default"
	}
	return path.Join(e.prefix, sanitize(partition), sanitize(summary.RunID)+ext)
}

// Export writes records sorted by row. The summary document is written after
// the table and carries the table's URI; its failure is logged but does not
// fail the export.
func (e *Exporter) Export(ctx context.Context, summary harvest.RunSummary, records []harvest.Result) (string, error) {
	table, err := Render(records)
	if err != nil {
		return "", err
	}
	uri, err := e.store.PutObject(ctx, e.ObjectPath(summary, ".csv"), "text/csv", bytes.NewReader(table))
	if err != nil {
		return "", fmt.Errorf("upload table: %w", err)
	}
	summary.ExportURI = uri

	doc, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode summary: %w", err)
	}
	if _, err := e.store.PutObject(ctx, e.ObjectPath(summary, ".json"), "application/json", bytes.NewReader(doc)); err != nil {
		e.logger.Warn("summary upload failed", zap.String("run_id", summary.RunID), zap.Error(err))
	}
	e.logger.Info("export written", zap.String("uri", uri), zap.Int("rows", len(records)))
	return uri, nil
}

// Render encodes records as CSV with the output table's header row.
func Render(records []harvest.Result) ([]byte, error) {
	sorted := append([]harvest.Result(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Row < sorted[j].Row })

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(harvest.Labels()); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for _, r := range sorted {
		if err := w.Write(harvest.RowValues(r)); err != nil {
			return nil, fmt.Errorf("write row %d: %w", r.Row, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, strings.TrimSpace(s))
}
