package connector

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/cyw0ng95/descent/pkg/broker"
	"github.com/cyw0ng95/descent/pkg/common"
	"github.com/cyw0ng95/descent/pkg/work"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sumOfSquares(params []float64) float64 {
	var s float64
	for _, p := range params {
		s += p * p
	}
	return s
}

// newItems builds n dirty work items whose single parameter encodes the
// original index, so reassembly can be checked after a round trip.
func newItems(t *testing.T, n int) []work.Item {
	t.Helper()
	items := make([]work.Item, n)
	for i := 0; i < n; i++ {
		v, err := work.NewVector([]float64{float64(i)}, -1000, 1000, sumOfSquares)
		require.NoError(t, err)
		items[i] = v
	}
	return items
}

// echoOptions controls the behaviour of the test consumer.
type echoOptions struct {
	// firstDelay postpones every delivery by at least this much
	firstDelay time.Duration
	// perItemDelay returns an additional delay for a given position
	perItemDelay func(pos uint32) time.Duration
	// drop reports whether a given delivery attempt should be lost
	drop func(pos uint32, attempt int) bool
}

// runEcho drains the connector's raw queue and echoes evaluated items
// into the processed queue, applying the configured delays and losses.
// Returns a stop function.
func runEcho(c *Connector, opts echoOptions) func() {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	attempts := make(map[uint32]int)
	var mu sync.Mutex

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			item, err := c.Port().PopRaw(ctx)
			if err != nil {
				return
			}

			pos := item.CourtierID().Position
			mu.Lock()
			attempts[pos]++
			attempt := attempts[pos]
			mu.Unlock()

			if opts.drop != nil && opts.drop(pos, attempt) {
				continue
			}

			wg.Add(1)
			go func(it work.Item) {
				defer wg.Done()
				delay := opts.firstDelay
				if opts.perItemDelay != nil {
					delay += opts.perItemDelay(it.CourtierID().Position)
				}
				if delay > 0 {
					select {
					case <-time.After(delay):
					case <-ctx.Done():
						return
					}
				}
				_, _ = it.Fitness(work.TransformedFitness, work.AllowReevaluation)
				_ = c.Port().PushProcessed(it)
			}(item)
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

func newTestConnector(t *testing.T) (*broker.Broker, *Connector) {
	t.Helper()
	b := broker.New(nil)
	c := New(b, 64, nil)
	t.Cleanup(func() {
		c.Close()
		b.Close()
	})
	return b, c
}

func TestWorkOn_InvalidRange(t *testing.T) {
	_, c := newTestConnector(t)
	items := newItems(t, 3)

	_, err := c.WorkOn(&items, 2, 2, ExpectFull)
	assert.ErrorIs(t, err, common.ErrInvalidConfiguration)

	_, err = c.WorkOn(&items, 0, 4, ExpectFull)
	assert.ErrorIs(t, err, common.ErrInvalidConfiguration)

	empty := []work.Item{}
	_, err = c.WorkOn(&empty, 0, 1, ExpectFull)
	assert.ErrorIs(t, err, common.ErrInvalidConfiguration)
}

func TestWorkOn_ExpectFull_ReassemblesInOrder(t *testing.T) {
	_, c := newTestConnector(t)

	// Shuffle return order so the positional sort has work to do
	stop := runEcho(c, echoOptions{
		firstDelay: 2 * time.Millisecond,
		perItemDelay: func(pos uint32) time.Duration {
			return time.Duration((pos*7)%5) * time.Millisecond
		},
	})
	defer stop()

	items := newItems(t, 8)
	complete, err := c.WorkOn(&items, 0, len(items), ExpectFull)
	require.NoError(t, err)
	require.True(t, complete)

	var params []float64
	for i, item := range items {
		assert.Equal(t, uint32(i), item.CourtierID().Position)
		assert.False(t, item.IsDirty())
		item.StreamlineActiveDoubles(&params)
		assert.Equal(t, float64(i), params[0])
	}
}

func TestWorkOn_SubmissionIDMonotonic(t *testing.T) {
	_, c := newTestConnector(t)
	stop := runEcho(c, echoOptions{})
	defer stop()

	last := c.SubmissionCount()
	for i := 0; i < 5; i++ {
		items := newItems(t, 3)
		_, err := c.WorkOn(&items, 0, 3, ExpectFull)
		require.NoError(t, err)
		require.Greater(t, c.SubmissionCount(), last)
		last = c.SubmissionCount()
	}
}

func TestWorkOn_ExpectFull_NoMutationOnFailure(t *testing.T) {
	_, c := newTestConnector(t)
	c.SetMaxResubmissions(1)

	// Position 2 never comes back, on any attempt
	stop := runEcho(c, echoOptions{
		firstDelay: time.Millisecond,
		drop:       func(pos uint32, attempt int) bool { return pos == 2 },
	})
	defer stop()

	items := newItems(t, 4)
	before := make([][]float64, len(items))
	dirtyBefore := make([]bool, len(items))
	for i, item := range items {
		var p []float64
		item.StreamlineActiveDoubles(&p)
		before[i] = append([]float64(nil), p...)
		dirtyBefore[i] = item.IsDirty()
	}

	complete, err := c.WorkOn(&items, 0, len(items), ExpectFull)
	require.NoError(t, err)
	require.False(t, complete)

	for i, item := range items {
		var p []float64
		item.StreamlineActiveDoubles(&p)
		assert.Equal(t, before[i], p, "parameters of item %d changed", i)
		assert.Equal(t, dirtyBefore[i], item.IsDirty(), "dirty flag of item %d changed", i)
	}
}

func TestWorkOn_ExpectFull_RecoversFromLoss(t *testing.T) {
	_, c := newTestConnector(t)
	c.SetMaxResubmissions(3)

	// Ten percent of first deliveries are dropped; retries always pass
	r := rand.New(rand.NewSource(7))
	var mu sync.Mutex
	stop := runEcho(c, echoOptions{
		firstDelay: time.Millisecond,
		drop: func(pos uint32, attempt int) bool {
			mu.Lock()
			defer mu.Unlock()
			return attempt == 1 && r.Float64() < 0.1
		},
	})
	defer stop()

	// N=4 starting points, D=5 parameters: 24 items per iteration
	for iter := 0; iter < 5; iter++ {
		items := newItems(t, 24)
		complete, err := c.WorkOn(&items, 0, len(items), ExpectFull)
		require.NoError(t, err)
		require.True(t, complete, "iteration %d did not complete", iter)
		for i, item := range items {
			assert.Equal(t, uint32(i), item.CourtierID().Position)
		}
	}
}

func TestWorkOn_FirstItemTimeout(t *testing.T) {
	_, c := newTestConnector(t)
	c.SetFirstTimeout(100 * time.Millisecond)

	// No consumer: nothing ever arrives
	items := newItems(t, 2)
	start := time.Now()
	_, err := c.WorkOn(&items, 0, 2, ExpectFull)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, common.ErrFirstItemTimeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestWorkOn_RejectOlder_DiscardsOlderSubmissions(t *testing.T) {
	_, c := newTestConnector(t)

	// Move the connector past submission 0 so injected items are old
	warm := newItems(t, 1)
	stop := runEcho(c, echoOptions{})
	_, err := c.WorkOn(&warm, 0, 1, RejectOlder)
	stop()
	require.NoError(t, err)

	stale := newItems(t, 5)
	for i, item := range stale {
		item.SetCourtierID(work.ID{Submission: 0, Position: uint32(i)})
		require.NoError(t, c.Port().PushProcessed(item))
	}

	stop = runEcho(c, echoOptions{firstDelay: time.Millisecond})
	defer stop()

	items := newItems(t, 5)
	complete, err := c.WorkOn(&items, 0, 5, RejectOlder)
	require.NoError(t, err)
	require.True(t, complete)

	// Only the five current items may remain
	require.Len(t, items, 5)
	for _, item := range items {
		assert.Equal(t, c.SubmissionCount()-1, item.CourtierID().Submission)
	}
}

func TestWorkOn_AcceptOlder_KeepsOlderAtAnchor(t *testing.T) {
	_, c := newTestConnector(t)

	// Advance past submission 0
	warm := newItems(t, 1)
	stop := runEcho(c, echoOptions{})
	_, err := c.WorkOn(&warm, 0, 1, AcceptOlder)
	stop()
	require.NoError(t, err)

	old := newItems(t, 2)
	for i, item := range old {
		item.SetCourtierID(work.ID{Submission: 0, Position: uint32(i)})
		require.NoError(t, c.Port().PushProcessed(item))
	}

	stop = runEcho(c, echoOptions{firstDelay: time.Millisecond})
	defer stop()

	items := newItems(t, 3)
	complete, err := c.WorkOn(&items, 0, 3, AcceptOlder)
	require.NoError(t, err)
	require.True(t, complete)

	// Three current plus two older items
	require.Len(t, items, 5)
	olderSeen := 0
	for _, item := range items {
		if item.CourtierID().Submission == 0 {
			olderSeen++
		}
	}
	assert.Equal(t, 2, olderSeen)
}

func TestWorkOn_Incomplete_DropsMissingItems(t *testing.T) {
	_, c := newTestConnector(t)

	stop := runEcho(c, echoOptions{
		firstDelay: time.Millisecond,
		drop:       func(pos uint32, attempt int) bool { return pos >= 3 },
	})
	defer stop()

	items := newItems(t, 5)
	complete, err := c.WorkOn(&items, 0, 5, RejectOlder)
	require.NoError(t, err)
	assert.False(t, complete)
	assert.False(t, c.AllItemsReturned())

	// The two dropped items are gone from the slice
	assert.Len(t, items, 3)
}

func TestWaitFactor_Hysteresis(t *testing.T) {
	_, c := newTestConnector(t)
	require.NoError(t, c.SetWaitFactorExtremes(0.5, 5.0))
	require.NoError(t, c.SetWaitFactorIncrement(0.5))
	c.SetWaitFactor(0.5)

	// Slow phase: position 1 never arrives, so every iteration times out
	stop := runEcho(c, echoOptions{
		firstDelay: 2 * time.Millisecond,
		drop:       func(pos uint32, attempt int) bool { return pos == 1 },
	})
	for i := 0; i < 10; i++ {
		items := newItems(t, 2)
		_, err := c.WorkOn(&items, 0, 2, RejectOlder)
		require.NoError(t, err)
	}
	stop()
	// Nine adaptions have happened (the first submission does not adapt)
	assert.InDelta(t, 5.0, c.WaitFactor(), 1e-9)

	// Fast phase: everything arrives promptly, far below the deadline
	stop = runEcho(c, echoOptions{firstDelay: 20 * time.Millisecond})
	defer stop()
	for i := 0; i < 12; i++ {
		items := newItems(t, 2)
		complete, err := c.WorkOn(&items, 0, 2, RejectOlder)
		require.NoError(t, err)
		require.True(t, complete)
	}
	assert.InDelta(t, 0.5, c.WaitFactor(), 1e-9)
}

func TestWorkOn_BoundlessWait(t *testing.T) {
	_, c := newTestConnector(t)
	c.SetBoundlessWait(true)
	before := c.WaitFactor()

	// The second item arrives long after the first item's latency
	// window would have expired
	stop := runEcho(c, echoOptions{
		firstDelay: time.Millisecond,
		perItemDelay: func(pos uint32) time.Duration {
			if pos == 1 {
				return 300 * time.Millisecond
			}
			return 0
		},
	})
	defer stop()

	for i := 0; i < 2; i++ {
		items := newItems(t, 2)
		complete, err := c.WorkOn(&items, 0, 2, ExpectFull)
		require.NoError(t, err)
		require.True(t, complete)
	}

	// Boundless mode never adapts the wait factor
	assert.Equal(t, before, c.WaitFactor())
}

func TestWorkOn_SubrangeSubmission(t *testing.T) {
	_, c := newTestConnector(t)
	stop := runEcho(c, echoOptions{})
	defer stop()

	items := newItems(t, 6)
	complete, err := c.WorkOn(&items, 2, 5, ExpectFull)
	require.NoError(t, err)
	require.True(t, complete)

	var params []float64
	for i := 2; i < 5; i++ {
		assert.Equal(t, uint32(i), items[i].CourtierID().Position)
		items[i].StreamlineActiveDoubles(&params)
		assert.Equal(t, float64(i), params[0])
		assert.False(t, items[i].IsDirty())
	}
	// Items outside the range keep their dirty state
	assert.True(t, items[0].IsDirty())
	assert.True(t, items[5].IsDirty())
}

func TestArrivalLogging(t *testing.T) {
	_, c := newTestConnector(t)
	c.SetLogging(true)
	require.True(t, c.LoggingActivated())

	stop := runEcho(c, echoOptions{})
	defer stop()

	for i := 0; i < 3; i++ {
		items := newItems(t, 4)
		_, err := c.WorkOn(&items, 0, 4, ExpectFull)
		require.NoError(t, err)
	}

	results := c.LoggingResults()
	require.Len(t, results, 3)
	for _, submission := range results {
		assert.Len(t, submission, 4)
	}

	// The log resets on retrieval
	assert.Empty(t, c.LoggingResults())
}

func TestSetterValidation(t *testing.T) {
	_, c := newTestConnector(t)

	assert.ErrorIs(t, c.SetWaitFactorExtremes(-1, 2), common.ErrInvalidConfiguration)
	assert.ErrorIs(t, c.SetWaitFactorExtremes(3, 3), common.ErrInvalidConfiguration)
	assert.ErrorIs(t, c.SetWaitFactorIncrement(0), common.ErrInvalidConfiguration)
	assert.ErrorIs(t, c.SetWaitFactorIncrement(-0.5), common.ErrInvalidConfiguration)

	require.NoError(t, c.SetWaitFactorExtremes(1, 4))
	assert.GreaterOrEqual(t, c.WaitFactor(), 1.0)
	assert.LessOrEqual(t, c.WaitFactor(), 4.0)
}

func TestNewFromConfig(t *testing.T) {
	b := broker.New(nil)
	defer b.Close()

	c, err := NewFromConfig(b, 16, common.ConnectorConfig{
		MinWaitFactor:       1,
		MaxWaitFactor:       8,
		WaitFactorIncrement: 2,
		FirstTimeoutMs:      250,
		MaxResubmissions:    7,
		BoundlessWait:       false,
		LogArrivals:         true,
	}, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, 250*time.Millisecond, c.FirstTimeout())
	assert.Equal(t, 7, c.MaxResubmissions())
	assert.True(t, c.LoggingActivated())

	_, err = NewFromConfig(b, 16, common.ConnectorConfig{
		MinWaitFactor: 5,
		MaxWaitFactor: 1,
	}, nil)
	assert.ErrorIs(t, err, common.ErrInvalidConfiguration)
}
