// Package port implements the buffer port: the bounded bidirectional
// queue pair through which one connector exchanges work items with the
// broker's consumers. Raw items flow out through the raw queue and
// processed items flow back in through the processed queue.
package port

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cyw0ng95/descent/pkg/common"
	"github.com/cyw0ng95/descent/pkg/work"
)

// Stats contains counters for items that passed through a port.
type Stats struct {
	Submitted int64
	Completed int64
}

// Port is a pair of bounded queues owned by exactly one connector.
// Consumers hold shared references obtained through the broker registry
// and must stop producing once the port is closed.
type Port struct {
	raw       chan work.Item
	processed chan work.Item

	ctx    context.Context
	cancel context.CancelFunc

	submitted int64
	completed int64
}

// New creates a port whose queues hold up to capacity items each.
func New(capacity int) *Port {
	if capacity <= 0 {
		capacity = common.DefaultPortCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Port{
		raw:       make(chan work.Item, capacity),
		processed: make(chan work.Item, capacity),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// PushRaw enqueues an item for processing. Blocks only while the raw
// queue is full; returns ErrPortClosed once the port has been closed.
func (p *Port) PushRaw(item work.Item) error {
	if p.Closed() {
		return common.ErrPortClosed
	}
	select {
	case p.raw <- item:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	case <-p.ctx.Done():
		return common.ErrPortClosed
	}
}

// PopRaw dequeues the next item to be processed. Used by consumers;
// returns when an item is available, the context expires, or the port
// is closed.
func (p *Port) PopRaw(ctx context.Context) (work.Item, error) {
	select {
	case item := <-p.raw:
		return item, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, common.ErrPortClosed
	}
}

// TryPopRaw dequeues the next raw item without blocking.
func (p *Port) TryPopRaw() (work.Item, bool) {
	select {
	case item := <-p.raw:
		return item, true
	default:
		return nil, false
	}
}

// PushProcessed enqueues a processed item for collection by the owning
// connector.
func (p *Port) PushProcessed(item work.Item) error {
	select {
	case p.processed <- item:
		atomic.AddInt64(&p.completed, 1)
		return nil
	case <-p.ctx.Done():
		return common.ErrPortClosed
	}
}

// PopProcessedBlocking blocks until a processed item arrives or the
// port is closed.
func (p *Port) PopProcessedBlocking() (work.Item, error) {
	select {
	case item := <-p.processed:
		return item, nil
	case <-p.ctx.Done():
		return nil, common.ErrPortClosed
	}
}

// PopProcessedTimed blocks up to d for a processed item. The second
// return value is false on timeout or port closure.
func (p *Port) PopProcessedTimed(d time.Duration) (work.Item, bool) {
	if d <= 0 {
		select {
		case item := <-p.processed:
			return item, true
		default:
			return nil, false
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case item := <-p.processed:
		return item, true
	case <-timer.C:
		return nil, false
	case <-p.ctx.Done():
		return nil, false
	}
}

// RawDepth returns the number of items waiting to be processed.
func (p *Port) RawDepth() int { return len(p.raw) }

// ProcessedDepth returns the number of processed items waiting for
// collection.
func (p *Port) ProcessedDepth() int { return len(p.processed) }

// GetStats returns a snapshot of the port counters.
func (p *Port) GetStats() Stats {
	return Stats{
		Submitted: atomic.LoadInt64(&p.submitted),
		Completed: atomic.LoadInt64(&p.completed),
	}
}

// Closed reports whether Close has been called.
func (p *Port) Closed() bool {
	select {
	case <-p.ctx.Done():
		return true
	default:
		return false
	}
}

// Done exposes the closure signal for consumers that select directly.
func (p *Port) Done() <-chan struct{} { return p.ctx.Done() }

// Close shuts the port down. Pending pushes and pops unblock with
// ErrPortClosed; consumers observing Done must stop producing.
func (p *Port) Close() { p.cancel() }
