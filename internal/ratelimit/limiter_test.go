package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestWaitSpacesRequests(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	l, err := New(Config{RPS: 20, Burst: 1}, reg)
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	require.Equal(t, 1, testutil.CollectAndCount(reg, "harvest_rate_limit_delay_seconds"))
}

func TestZeroRPSIsUnlimited(t *testing.T) {
	t.Parallel()

	l, err := New(Config{}, nil)
	require.NoError(t, err)
	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l, err := New(Config{RPS: 0.001, Burst: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx))

	l.SetRate(0)
	require.NoError(t, l.Wait(context.Background()))
}

func TestDuplicateRegistrationFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := New(Config{RPS: 1}, reg)
	require.NoError(t, err)
	_, err = New(Config{RPS: 1}, reg)
	require.Error(t, err)
}
