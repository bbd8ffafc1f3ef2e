// Package memory records run notifications in process, for tests and for
// runs with no topic configured.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
)

// Notifier implements harvest.Notifier.
type Notifier struct {
	mu        sync.RWMutex
	summaries []harvest.RunSummary
}

// New returns an empty Notifier.
func New() *Notifier {
	return &Notifier{}
}

// Notify records summary and returns a pseudo id.
func (n *Notifier) Notify(_ context.Context, summary harvest.RunSummary) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, summary)
	return fmt.Sprintf("memory-%d", len(n.summaries)), nil
}

// Summaries returns a copy of everything recorded.
func (n *Notifier) Summaries() []harvest.RunSummary {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]harvest.RunSummary(nil), n.summaries...)
}

// Last returns the most recent summary.
func (n *Notifier) Last() (harvest.RunSummary, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if len(n.summaries) == 0 {
		return harvest.RunSummary{}, false
	}
	return n.summaries[len(n.summaries)-1], true
}
