package fake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProviderTracksLiveSessions(t *testing.T) {
	t.Parallel()

	p := &Provider{}
	a, err := p.Acquire(context.Background(), true)
	require.NoError(t, err)
	b, err := p.Acquire(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 2, p.Live())

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	require.Equal(t, 1, p.Live())
	require.NoError(t, b.Close())
	require.Zero(t, p.Live())
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	p := &Provider{LoginDelay: time.Hour}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx, true)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
