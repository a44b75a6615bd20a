package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_DisabledNeverBlocks(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestLimiter_EnforcesRate(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 20, Burst: 1})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	// Burst of 1 at 20 rps means three waits of ~50ms each.
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiter_HonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.001, Burst: 1})
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, l.Wait(cancelled))
}
