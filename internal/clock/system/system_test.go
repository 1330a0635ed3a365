package system

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestClockNowUTC ensures the clock returns UTC timestamps.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after))
}

// TestClockSleep covers the elapsed and cancelled paths.
func TestClockSleep(t *testing.T) {
	t.Parallel()

	clk := New()
	require.NoError(t, clk.Sleep(context.Background(), 0))

	start := time.Now()
	require.NoError(t, clk.Sleep(context.Background(), 10*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := clk.Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}
