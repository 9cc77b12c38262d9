// Package connector implements the per-algorithm submission gateway to
// the broker. A connector stamps work items with courtier ids, pushes
// them through its buffer port, collects the processed returns under an
// adaptive time budget and, when a full return is expected, resubmits
// items that went missing.
package connector

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cyw0ng95/descent/pkg/assert"
	"github.com/cyw0ng95/descent/pkg/broker"
	"github.com/cyw0ng95/descent/pkg/common"
	"github.com/cyw0ng95/descent/pkg/port"
	"github.com/cyw0ng95/descent/pkg/work"
)

// Mode selects how WorkOn treats incomplete and out-of-iteration
// returns.
type Mode int

const (
	// AcceptOlder tolerates an incomplete return and keeps items from
	// previous submissions, inserted at the range anchor
	AcceptOlder Mode = iota
	// RejectOlder tolerates an incomplete return but discards items
	// from previous submissions
	RejectOlder
	// ExpectFull requires every submitted item back, resubmitting
	// missing ones up to the configured cap
	ExpectFull
)

// minAllowedElapsed is the floor of the derived arrival deadline. It
// keeps the collection window usable when the first item returns after
// mere microseconds, as happens with in-process consumers.
const minAllowedElapsed = 10 * time.Millisecond

// String returns the mode name for logs and errors.
func (m Mode) String() string {
	switch m {
	case AcceptOlder:
		return "accept-older"
	case RejectOlder:
		return "reject-older"
	case ExpectFull:
		return "expect-full"
	default:
		return "unknown"
	}
}

// Connector is the submission facade used by one algorithm driver. It
// owns its buffer port exclusively; WorkOn is called from the driver
// goroutine and is not safe for concurrent use.
type Connector struct {
	port       *port.Port
	broker     *broker.Broker
	registryID uint64

	waitFactor          float64
	minWaitFactor       float64
	maxWaitFactor       float64
	waitFactorIncrement float64
	boundlessWait       bool
	maxResubmissions    int
	firstTimeout        time.Duration

	allItemsReturned       bool
	percentOfTimeoutNeeded float64
	submissionCounter      uint32

	iterationStart    time.Time
	firstElapsed      time.Duration
	maxAllowedElapsed time.Duration

	doLogging    bool
	arrivalTimes [][]uint32

	logger *common.Logger
}

// New creates a connector, allocates its buffer port and enrolls the
// port with the broker.
func New(b *broker.Broker, portCapacity int, logger *common.Logger) *Connector {
	if logger == nil {
		logger = common.NewLogger(nil, "connector", common.InfoLevel)
	}

	p := port.New(portCapacity)
	c := &Connector{
		port:                p,
		broker:              b,
		registryID:          b.Enroll(p),
		waitFactor:          common.DefaultWaitFactor,
		minWaitFactor:       common.DefaultMinWaitFactor,
		maxWaitFactor:       common.DefaultMaxWaitFactor,
		waitFactorIncrement: common.DefaultWaitFactorIncrement,
		maxResubmissions:    common.DefaultMaxResubmissions,
		firstTimeout:        common.DefaultFirstTimeout,
		allItemsReturned:    true,
		logger:              logger,
	}
	return c
}

// NewFromConfig creates a connector and applies the configuration
// block, returning the first setter error encountered.
func NewFromConfig(b *broker.Broker, portCapacity int, cfg common.ConnectorConfig, logger *common.Logger) (*Connector, error) {
	c := New(b, portCapacity, logger)

	if cfg.MinWaitFactor != 0 || cfg.MaxWaitFactor != 0 {
		if err := c.SetWaitFactorExtremes(cfg.MinWaitFactor, cfg.MaxWaitFactor); err != nil {
			return nil, err
		}
	}
	if cfg.WaitFactorIncrement != 0 {
		if err := c.SetWaitFactorIncrement(cfg.WaitFactorIncrement); err != nil {
			return nil, err
		}
	}
	if cfg.FirstTimeoutMs > 0 {
		c.SetFirstTimeout(time.Duration(cfg.FirstTimeoutMs) * time.Millisecond)
	}
	if cfg.MaxResubmissions > 0 {
		c.SetMaxResubmissions(cfg.MaxResubmissions)
	}
	c.SetBoundlessWait(cfg.BoundlessWait)
	c.SetLogging(cfg.LogArrivals)
	return c, nil
}

// Close revokes the port from the broker registry and shuts the port
// down, signalling consumers to stop producing.
func (c *Connector) Close() {
	c.broker.Revoke(c.registryID)
	c.port.Close()
}

// Port exposes the connector's buffer port. Intended for tests and for
// consumers injected outside the broker registry.
func (c *Connector) Port() *port.Port { return c.port }

// SetFirstTimeout sets the maximum turn-around time for the first item
// of a submission. Zero disables the deadline.
func (c *Connector) SetFirstTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.firstTimeout = d
}

// FirstTimeout returns the first-item deadline.
func (c *Connector) FirstTimeout() time.Duration { return c.firstTimeout }

// SetWaitFactorExtremes bounds the adaptive wait factor. The current
// factor is clamped into the new range.
func (c *Connector) SetWaitFactorExtremes(min, max float64) error {
	if min < 0 || min >= max {
		return fmt.Errorf("%w: invalid wait factor extremes %g / %g",
			common.ErrInvalidConfiguration, min, max)
	}
	c.minWaitFactor = min
	c.maxWaitFactor = max
	c.waitFactor = math.Min(math.Max(c.waitFactor, min), max)
	return nil
}

// SetWaitFactorIncrement sets the adaption step of the wait factor.
func (c *Connector) SetWaitFactorIncrement(dw float64) error {
	if dw <= 0 {
		return fmt.Errorf("%w: invalid wait factor increment %g",
			common.ErrInvalidConfiguration, dw)
	}
	c.waitFactorIncrement = dw
	return nil
}

// SetWaitFactor forces the current wait factor, clamped to the extremes.
func (c *Connector) SetWaitFactor(w float64) {
	c.waitFactor = math.Min(math.Max(w, c.minWaitFactor), c.maxWaitFactor)
}

// WaitFactor returns the current wait factor.
func (c *Connector) WaitFactor() float64 { return c.waitFactor }

// SetBoundlessWait makes arrival collection wait indefinitely and
// disables wait factor adaption.
func (c *Connector) SetBoundlessWait(b bool) { c.boundlessWait = b }

// BoundlessWait reports whether arrivals are awaited indefinitely.
func (c *Connector) BoundlessWait() bool { return c.boundlessWait }

// SetMaxResubmissions caps resubmission rounds in ExpectFull mode.
func (c *Connector) SetMaxResubmissions(n int) {
	if n < 0 {
		n = 0
	}
	c.maxResubmissions = n
}

// MaxResubmissions returns the resubmission cap.
func (c *Connector) MaxResubmissions() int { return c.maxResubmissions }

// SetLogging enables arrival-time logging for items of the current
// submission.
func (c *Connector) SetLogging(on bool) { c.doLogging = on }

// LoggingActivated reports whether arrival logging is on.
func (c *Connector) LoggingActivated() bool { return c.doLogging }

// LoggingResults returns the recorded arrival times in milliseconds,
// one inner slice per submission, and resets the log.
func (c *Connector) LoggingResults() [][]uint32 {
	out := c.arrivalTimes
	c.arrivalTimes = nil
	return out
}

// AllItemsReturned reports whether the previous collection phase saw
// every expected item before its deadline.
func (c *Connector) AllItemsReturned() bool { return c.allItemsReturned }

// SubmissionCount returns the number of submissions initiated so far.
func (c *Connector) SubmissionCount() uint32 { return c.submissionCounter }

// WorkOn submits items[start:end] for off-thread evaluation and
// collects the processed returns. The bool result reports whether every
// item of the current submission came back in time; mode-specific
// guarantees on the slice are documented on the Mode constants.
func (c *Connector) WorkOn(items *[]work.Item, start, end int, mode Mode) (bool, error) {
	if items == nil || len(*items) == 0 {
		return false, fmt.Errorf("%w: empty work item slice", common.ErrInvalidConfiguration)
	}
	if start < 0 || end <= start || end > len(*items) {
		return false, fmt.Errorf("%w: invalid range [%d, %d) for %d items",
			common.ErrInvalidConfiguration, start, end, len(*items))
	}

	switch mode {
	case AcceptOlder:
		return c.workOnIncompleteReturnAllowed(items, start, end, true)
	case RejectOlder:
		return c.workOnIncompleteReturnAllowed(items, start, end, false)
	case ExpectFull:
		return c.workOnFullReturnExpected(items, start, end)
	default:
		return false, fmt.Errorf("%w: invalid submission mode %d",
			common.ErrInvalidConfiguration, mode)
	}
}

// workOnIncompleteReturnAllowed submits a range, removes the submitted
// items from the slice and inserts whatever returns before the deadline
// at the range anchor. Items that do not return are dropped.
func (c *Connector) workOnIncompleteReturnAllowed(items *[]work.Item, start, end int, acceptOlder bool) (complete bool, err error) {
	expected := end - start
	received := 0
	older := 0

	c.markNewSubmission()
	defer func() { c.submissionCounter++ }()

	// Stamp and submit the range, then remove it from the slice; items
	// that return in time are inserted back at the anchor.
	for i := start; i < end; i++ {
		(*items)[i].SetCourtierID(work.ID{Submission: c.submissionCounter, Position: uint32(i)})
		if pushErr := c.port.PushRaw((*items)[i]); pushErr != nil {
			return false, pushErr
		}
	}

	kept := make([]work.Item, 0, len(*items)-expected)
	kept = append(kept, (*items)[:start]...)
	kept = append(kept, (*items)[end:]...)
	defer func() { *items = kept }()

	returnedPos := make([]bool, expected)

	// accept inserts an arrival at the range anchor.
	accept := func(item work.Item) {
		kept = append(kept, nil)
		copy(kept[start+1:], kept[start:])
		kept[start] = item
	}

	// classify routes one arrival by submission id and position.
	classify := func(item work.Item) {
		id := item.CourtierID()
		idx := int(id.Position) - start
		if id.Submission == c.submissionCounter && idx >= 0 && idx < expected && !returnedPos[idx] {
			returnedPos[idx] = true
			accept(item)
			received++
			return
		}
		// Older submission, unknown id or duplicate position
		if acceptOlder {
			accept(item)
		}
		older++
	}

	// Wait for the first item of the current submission; older arrivals
	// do not terminate this loop.
	for {
		item, firstErr := c.retrieveFirstItem()
		if firstErr != nil {
			return false, firstErr
		}
		id := item.CourtierID()
		classify(item)
		if id.Submission == c.submissionCounter {
			break
		}
	}

	// Collect further arrivals until the deadline runs out.
	for received != expected {
		item, ok := c.retrieveItem()
		if !ok {
			break
		}
		classify(item)
	}

	complete = received == expected
	c.logger.Debug("submission %d: received %d/%d current, %d older, wait factor %.2f",
		c.submissionCounter, received, expected, older, c.waitFactor)
	return complete, nil
}

// workOnFullReturnExpected submits clones of the range and resubmits
// missing positions until everything returned or the retry cap is
// exhausted. On success the processed items are sorted by position and
// copied back; on failure the caller's range is left untouched.
func (c *Connector) workOnFullReturnExpected(items *[]work.Item, start, end int) (complete bool, err error) {
	expected := end - start
	received := 0
	older := 0

	c.markNewSubmission()
	defer func() { c.submissionCounter++ }()

	// Submit clones so the caller's range stays untouched if the
	// submission cannot be completed.
	for i := start; i < end; i++ {
		clone := (*items)[i].Clone()
		clone.SetCourtierID(work.ID{Submission: c.submissionCounter, Position: uint32(i)})
		if pushErr := c.port.PushRaw(clone); pushErr != nil {
			return false, pushErr
		}
	}

	returned := make([]work.Item, 0, expected)
	returnedPos := make([]bool, expected)

	// record stores one arrival of the current submission.
	record := func(item work.Item) {
		idx := int(item.CourtierID().Position) - start
		returnedPos[idx] = true
		returned = append(returned, item)
		received++
		if received == expected {
			complete = true
		}
	}

	// isCurrent reports whether an arrival is a fresh item of the
	// current submission.
	isCurrent := func(item work.Item) bool {
		id := item.CourtierID()
		idx := int(id.Position) - start
		return id.Submission == c.submissionCounter && idx >= 0 && idx < expected && !returnedPos[idx]
	}

	// Wait for the first item of the current submission; older items
	// are rejected in this mode.
	for {
		item, firstErr := c.retrieveFirstItem()
		if firstErr != nil {
			return false, firstErr
		}
		if isCurrent(item) {
			record(item)
			break
		}
		older++
	}

	// Collect further arrivals; on each timeout resubmit the missing
	// positions until the retry budget is spent.
	retries := 0
	for !complete {
		item, ok := c.retrieveItem()
		if ok {
			if isCurrent(item) {
				record(item)
			} else {
				older++
			}
			continue
		}

		if retries >= c.maxResubmissions {
			break
		}
		for i := 0; i < expected; i++ {
			if returnedPos[i] {
				continue
			}
			clone := (*items)[start+i].Clone()
			clone.SetCourtierID(work.ID{Submission: c.submissionCounter, Position: uint32(start + i)})
			if pushErr := c.port.PushRaw(clone); pushErr != nil {
				return false, pushErr
			}
		}
		c.prolongTimeout()
		retries++
		c.logger.Debug("submission %d: resubmission %d/%d, %d/%d items back",
			c.submissionCounter, retries, c.maxResubmissions, received, expected)
	}

	if !complete {
		c.logger.Warn("submission %d: incomplete after %d resubmissions (%d/%d items, %d older discarded)",
			c.submissionCounter, retries, received, expected, older)
		return false, nil
	}

	assert.Assertf(func() bool { return len(returned) == expected },
		"expected %d returned items, have %d", expected, len(returned))

	sort.Slice(returned, func(i, j int) bool {
		return returned[i].CourtierID().Position < returned[j].CourtierID().Position
	})

	for i, item := range returned {
		assert.Assertf(func() bool { return int(item.CourtierID().Position) == start+i },
			"position %d in slot %d after sort", item.CourtierID().Position, start+i)
		(*items)[start+i] = item
	}

	return true, nil
}

// markNewSubmission adapts the wait factor from the previous
// iteration's outcome and resets the per-iteration collection state.
// The outcome is snapshotted before the reset so one late iteration is
// counted exactly once.
func (c *Connector) markNewSubmission() {
	if c.doLogging {
		c.arrivalTimes = append(c.arrivalTimes, []uint32{})
	}

	// Adapting the wait factor only makes sense when arrivals observe a
	// deadline at all.
	if !c.boundlessWait && c.submissionCounter > 0 {
		prevAllReturned := c.allItemsReturned
		prevPercent := c.percentOfTimeoutNeeded

		if !prevAllReturned {
			c.waitFactor = math.Min(c.waitFactor+c.waitFactorIncrement, c.maxWaitFactor)
		} else if prevPercent < common.DefaultMinPercentageOfTimeout {
			c.waitFactor = math.Max(c.waitFactor-c.waitFactorIncrement, c.minWaitFactor)
		}
	}

	// Assume a full return for the new iteration; falsified by the
	// first timed pop that comes back empty.
	c.allItemsReturned = true
	c.iterationStart = time.Now()
}

// prolongTimeout extends the arrival deadline by one more first-item
// window. Used after a resubmission round.
func (c *Connector) prolongTimeout() {
	window := scaledDuration(c.firstElapsed, c.waitFactor+1)
	if window < minAllowedElapsed {
		window = minAllowedElapsed
	}
	c.maxAllowedElapsed += window
}

// retrieveFirstItem blocks for the first processed arrival of the
// current submission window and derives the arrival deadline for the
// remaining items from its latency.
func (c *Connector) retrieveFirstItem() (work.Item, error) {
	var item work.Item

	if c.firstTimeout > 0 {
		it, ok := c.port.PopProcessedTimed(c.firstTimeout)
		if !ok {
			return nil, fmt.Errorf("%w: no item within %v (submission %d)",
				common.ErrFirstItemTimeout, c.firstTimeout, c.submissionCounter)
		}
		item = it
	} else {
		it, popErr := c.port.PopProcessedBlocking()
		if popErr != nil {
			return nil, popErr
		}
		item = it
	}

	if item == nil {
		panic("connector: empty work item popped from processed queue")
	}

	c.firstElapsed = time.Since(c.iterationStart)
	c.maxAllowedElapsed = scaledDuration(c.firstElapsed, c.waitFactor+1)
	if c.maxAllowedElapsed < minAllowedElapsed {
		c.maxAllowedElapsed = minAllowedElapsed
	}

	if c.doLogging {
		c.logArrival(c.firstElapsed)
	}
	return item, nil
}

// retrieveItem returns the next processed arrival, or false once the
// deadline has passed. In boundless mode it waits indefinitely.
func (c *Connector) retrieveItem() (work.Item, bool) {
	var item work.Item
	var elapsed time.Duration

	if c.boundlessWait {
		it, popErr := c.port.PopProcessedBlocking()
		if popErr != nil {
			return nil, false
		}
		item = it
		elapsed = time.Since(c.iterationStart)
	} else {
		// Items already queued are drained regardless of the deadline
		if it, ok := c.port.PopProcessedTimed(-1); ok {
			item = it
		} else {
			elapsed = time.Since(c.iterationStart)
			if elapsed > c.maxAllowedElapsed {
				c.allItemsReturned = false
				return nil, false
			}
			it, ok := c.port.PopProcessedTimed(c.maxAllowedElapsed - elapsed)
			if !ok {
				c.allItemsReturned = false
				return nil, false
			}
			item = it
		}

		elapsed = time.Since(c.iterationStart)
		if c.maxAllowedElapsed > 0 {
			p := float64(elapsed) / float64(c.maxAllowedElapsed)
			c.percentOfTimeoutNeeded = math.Min(math.Max(p, 0), 1)
		}
	}

	if item == nil {
		panic("connector: empty work item popped from processed queue")
	}

	if c.doLogging {
		c.logArrival(elapsed)
	}
	return item, true
}

// logArrival appends one arrival time to the current submission's log.
func (c *Connector) logArrival(elapsed time.Duration) {
	if len(c.arrivalTimes) == 0 {
		return
	}
	last := len(c.arrivalTimes) - 1
	c.arrivalTimes[last] = append(c.arrivalTimes[last], uint32(elapsed.Milliseconds()))
}

// scaledDuration multiplies a duration by a float factor in float64
// precision, clamping on overflow instead of silently truncating.
func scaledDuration(d time.Duration, factor float64) time.Duration {
	scaled := float64(d) * factor
	if scaled >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	if scaled <= 0 {
		return 0
	}
	return time.Duration(scaled)
}
