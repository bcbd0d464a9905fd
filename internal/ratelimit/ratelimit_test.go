package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWait_EnforcesMinimumInterval(t *testing.T) {
	l := New(map[Class]time.Duration{BaseWrite: 50 * time.Millisecond})

	ctx := context.Background()
	require.True(t, l.Wait(ctx, BaseWrite))

	start := time.Now()
	require.True(t, l.Wait(ctx, BaseWrite))
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 40*time.Millisecond, "second call should wait out the interval")
}

func TestWait_CancelledMidWait(t *testing.T) {
	l := New(map[Class]time.Duration{AmazonOffersBatch: 5 * time.Second})

	require.True(t, l.Wait(context.Background(), AmazonOffersBatch))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		done <- l.Wait(ctx, AmazonOffersBatch)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		require.False(t, ok, "cancelled wait must report false")
	case <-time.After(time.Second):
		t.Fatal("wait did not return promptly after cancel")
	}
}

func TestWait_UnknownClassPassesThrough(t *testing.T) {
	l := New(nil)
	require.True(t, l.Wait(context.Background(), Class("unknown")))
}

func TestSetInterval_Override(t *testing.T) {
	l := New(nil)
	l.SetInterval(AmazonCatalog, 10*time.Millisecond)

	ctx := context.Background()
	start := time.Now()
	require.True(t, l.Wait(ctx, AmazonCatalog))
	require.True(t, l.Wait(ctx, AmazonCatalog))
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestQuotaCounter_FirstObservationFiresOnce(t *testing.T) {
	fired := 0
	q := NewQuotaCounter(func() { fired++ })

	q.Observe()
	q.Observe()
	q.Observe()

	require.Equal(t, 1, fired)
	require.EqualValues(t, 3, q.Count())
}
