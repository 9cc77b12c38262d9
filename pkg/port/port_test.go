package port

import (
	"context"
	"testing"
	"time"

	"github.com/cyw0ng95/descent/pkg/common"
	"github.com/cyw0ng95/descent/pkg/work"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestItem(t *testing.T) work.Item {
	t.Helper()
	v, err := work.NewVector([]float64{1}, -10, 10, func(p []float64) float64 { return p[0] })
	require.NoError(t, err)
	return v
}

func TestPort_RawRoundTrip(t *testing.T) {
	p := New(4)
	defer p.Close()

	item := newTestItem(t)
	require.NoError(t, p.PushRaw(item))
	assert.Equal(t, 1, p.RawDepth())

	got, err := p.PopRaw(context.Background())
	require.NoError(t, err)
	assert.Same(t, item, got)
}

func TestPort_ProcessedTimedPop(t *testing.T) {
	p := New(4)
	defer p.Close()

	// Timeout path
	start := time.Now()
	_, ok := p.PopProcessedTimed(30 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	// Delivery path
	item := newTestItem(t)
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = p.PushProcessed(item)
	}()

	got, ok := p.PopProcessedTimed(time.Second)
	require.True(t, ok)
	assert.Same(t, item, got)
}

func TestPort_NonPositiveTimedPopDoesNotBlock(t *testing.T) {
	p := New(4)
	defer p.Close()

	_, ok := p.PopProcessedTimed(0)
	assert.False(t, ok)

	require.NoError(t, p.PushProcessed(newTestItem(t)))
	_, ok = p.PopProcessedTimed(-time.Second)
	assert.True(t, ok)
}

func TestPort_CloseUnblocksWaiters(t *testing.T) {
	p := New(1)

	done := make(chan error, 1)
	go func() {
		_, err := p.PopProcessedBlocking()
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	p.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, common.ErrPortClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked pop did not observe port closure")
	}

	assert.True(t, p.Closed())
	assert.ErrorIs(t, p.PushRaw(newTestItem(t)), common.ErrPortClosed)
}

func TestPort_Stats(t *testing.T) {
	p := New(8)
	defer p.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.PushRaw(newTestItem(t)))
	}
	require.NoError(t, p.PushProcessed(newTestItem(t)))

	stats := p.GetStats()
	assert.Equal(t, int64(3), stats.Submitted)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestPort_TryPopRaw(t *testing.T) {
	p := New(2)
	defer p.Close()

	_, ok := p.TryPopRaw()
	assert.False(t, ok)

	item := newTestItem(t)
	require.NoError(t, p.PushRaw(item))

	got, ok := p.TryPopRaw()
	require.True(t, ok)
	assert.Same(t, item, got)
}
