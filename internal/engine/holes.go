package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/progress"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/telemetry"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/universe"
)

// emptyStatusRows returns the rows in [first, last row] whose status cell is
// blank, in ascending order.
func emptyStatusRows(ctx context.Context, store harvest.Store, first int) ([]int, error) {
	last, err := store.LastRow(ctx)
	if err != nil {
		return nil, fmt.Errorf("read last row: %w", err)
	}
	if last < first {
		return nil, nil
	}
	statuses, err := store.ReadStatusColumn(ctx, harvest.RowRange{From: first, To: last})
	if err != nil {
		return nil, fmt.Errorf("read status column: %w", err)
	}
	var rows []int
	for row := first; row <= last; row++ {
		if strings.TrimSpace(statuses[row]) == "" {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// detectHoles finds rows that should have a result but do not. Rows still
// pending count as holes without being requeued; every other hole that maps
// to an identifier is requeued in ascending order. The returned set is
// stable across calls that have no flush between them.
func (d *Driver) detectHoles(ctx context.Context) (holes []int, requeued int, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "checkpoint.detect_holes")
	defer span.End()

	empty, err := emptyStatusRows(ctx, d.deps.Store, d.deps.Universe.FirstRow())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan")
		return nil, 0, err
	}

	set := make(map[int]struct{}, len(empty)+len(d.state.pending))
	var toQueue []harvest.Task
	for _, row := range empty {
		delete(d.state.saved, row)
		if _, inFlight := d.state.pending[row]; inFlight {
			continue
		}
		id, ok := d.deps.Universe.Identifier(row)
		if !ok {
			d.reportMissing(row)
			continue
		}
		set[row] = struct{}{}
		toQueue = append(toQueue, harvest.Task{Identifier: id, Row: row})
	}
	for row := range d.state.pending {
		set[row] = struct{}{}
	}
	for _, task := range toQueue {
		d.enqueue(task)
	}

	holes = make([]int, 0, len(set))
	for row := range set {
		holes = append(holes, row)
	}
	sort.Ints(holes)

	span.SetAttributes(
		attribute.Int("holes.count", len(holes)),
		attribute.Int("holes.requeued", len(toQueue)),
	)
	d.state.stats.update(func(s *runStats) { s.holes = len(holes) })
	d.publishCounts()
	if len(toQueue) > 0 {
		d.logger.Info("holes requeued",
			zap.Int("holes", len(holes)),
			zap.Int("requeued", len(toQueue)),
			zap.String("rows", rowsAttr(tasksRows(toQueue))),
		)
	} else {
		d.logger.Debug("hole scan", zap.Int("holes", len(holes)))
	}
	d.emit(progress.Event{Stage: progress.StageHoleScan, Count: len(holes)})
	return holes, len(toQueue), nil
}

func tasksRows(tasks []harvest.Task) []int {
	rows := make([]int, len(tasks))
	for i, t := range tasks {
		rows[i] = t.Row
	}
	return rows
}

// scanResume computes the saved rows and priority holes for resuming from
// meta. Holes are removed from the saved set.
func scanResume(ctx context.Context, store harvest.Store, u *universe.Universe, meta harvest.Metadata) (Plan, error) {
	holes, err := emptyStatusRows(ctx, store, u.FirstRow())
	if err != nil {
		return Plan{}, err
	}
	saved := harvest.RowSet(meta.SavedRows)
	var priority []int
	for _, row := range holes {
		delete(saved, row)
		if _, ok := u.Identifier(row); ok {
			priority = append(priority, row)
		}
	}
	plan := Plan{Priority: priority, Saved: make([]int, 0, len(saved))}
	for row := range saved {
		plan.Saved = append(plan.Saved, row)
	}
	sort.Ints(plan.Saved)
	return plan, nil
}
