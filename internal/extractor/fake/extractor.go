// Package fake produces deterministic records without touching the network.
package fake

import (
	"context"
	"time"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
)

// Extractor derives a status from the identifier's last character: digits
// 0 and 5 are NotFound, 9 is Unavailable, everything else Available.
type Extractor struct {
	Delay time.Duration
}

// Process implements harvest.Extractor.
func (e Extractor) Process(ctx context.Context, _ harvest.Session, task harvest.Task) (harvest.Result, error) {
	if e.Delay > 0 {
		t := time.NewTimer(e.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return harvest.Result{}, harvest.Transport("fake", ctx.Err())
		case <-t.C:
		}
	}
	fields := map[string]string{harvest.ColumnCode: task.Identifier}
	status := harvest.StatusAvailable
	if n := len(task.Identifier); n > 0 {
		switch task.Identifier[n-1] {
		case '0', '5':
			status = harvest.StatusNotFound
		case '9':
			status = harvest.StatusUnavailable
		}
	}
	if status != harvest.StatusNotFound {
		fields["name"] = "Item " + task.Identifier
		fields["pricing"] = "100,00"
		fields["discount"] = "0"
		fields["pricing_with"] = "112,50"
	}
	return harvest.Result{Status: status, Fields: fields}, nil
}
