// Package fake provides sessions that need no browser, for dry runs and
// local demos of the control surface.
package fake

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
)

// Provider hands out in-process sessions after an optional login delay.
type Provider struct {
	LoginDelay time.Duration

	acquired atomic.Int64
	closed   atomic.Int64
}

// Acquire waits LoginDelay, honoring ctx.
func (p *Provider) Acquire(ctx context.Context, _ bool) (harvest.Session, error) {
	if p.LoginDelay > 0 {
		t := time.NewTimer(p.LoginDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	p.acquired.Add(1)
	return &session{provider: p}, nil
}

// Live reports sessions acquired but not yet closed.
func (p *Provider) Live() int {
	return int(p.acquired.Load() - p.closed.Load())
}

type session struct {
	provider *Provider
	closed   atomic.Bool
}

func (s *session) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.provider.closed.Add(1)
	}
	return nil
}
