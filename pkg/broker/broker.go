// Package broker implements the process-wide fan-out hub that routes
// work items between connectors and evaluators. Connectors enroll their
// buffer ports with the broker; consumers drain the raw queues of every
// enrolled port, compute fitness and push the processed items back.
package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cyw0ng95/descent/pkg/common"
	"github.com/cyw0ng95/descent/pkg/port"
	"github.com/cyw0ng95/descent/pkg/work"
)

// idlePollInterval is how long an idle consumer sleeps before rescanning
// the enrolled ports.
const idlePollInterval = 500 * time.Microsecond

// Broker holds the registry of enrolled buffer ports and the pool of
// local consumer goroutines. The connector owns its port; the broker
// only holds a registry reference that Revoke removes, so a departing
// connector stops all production into its port.
type Broker struct {
	mu     sync.RWMutex
	ports  map[uint64]*port.Port
	nextID uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *common.Logger
}

// New creates a broker with no consumers running.
func New(logger *common.Logger) *Broker {
	if logger == nil {
		logger = common.NewLogger(nil, "broker", common.InfoLevel)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		ports:  make(map[uint64]*port.Port),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Enroll registers a buffer port and returns its registry id.
func (b *Broker) Enroll(p *port.Port) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.ports[id] = p
	return id
}

// Revoke removes a port from the registry. Consumers observe the
// removal on their next scan and stop producing into the port.
func (b *Broker) Revoke(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.ports, id)
}

// snapshot returns the enrolled ports in a stable order.
func (b *Broker) snapshot() []*port.Port {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]uint64, 0, len(b.ports))
	for id := range b.ports {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*port.Port, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.ports[id])
	}
	return out
}

// PortCount returns the number of enrolled ports.
func (b *Broker) PortCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ports)
}

// StartLocal launches n local consumer goroutines that evaluate items
// in process. A DropFn installed via opts simulates delivery loss.
func (b *Broker) StartLocal(n int, opts ...ConsumerOption) {
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		c := newLocalConsumer(b, opts...)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			c.run(b.ctx)
		}()
	}
}

// RunConsumer attaches an externally constructed consumer (for example
// a remote evaluator) to the broker's lifecycle.
func (b *Broker) RunConsumer(c Consumer) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		c.Run(b.ctx, b)
	}()
}

// Close stops all consumers and waits for them to exit. Enrolled ports
// are not closed; their owning connectors remain responsible for them.
func (b *Broker) Close() {
	b.cancel()
	b.wg.Wait()
}

// Consumer is anything that drains raw queues and fills processed
// queues until the context expires.
type Consumer interface {
	Run(ctx context.Context, b *Broker)
}

// ConsumerOption configures a local consumer.
type ConsumerOption func(*localConsumer)

// WithDropFn installs a delivery-loss hook: items for which fn returns
// true are consumed from the raw queue but never pushed back.
func WithDropFn(fn func(work.Item) bool) ConsumerOption {
	return func(c *localConsumer) { c.dropFn = fn }
}

// localConsumer evaluates work items on its own goroutine.
type localConsumer struct {
	broker *Broker
	dropFn func(work.Item) bool
}

func newLocalConsumer(b *Broker, opts ...ConsumerOption) *localConsumer {
	c := &localConsumer{broker: b}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// run drains the enrolled ports round-robin until the broker shuts down.
func (c *localConsumer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		worked := false
		for _, p := range c.broker.snapshot() {
			if p.Closed() {
				continue
			}
			item, ok := p.TryPopRaw()
			if !ok {
				continue
			}
			worked = true
			c.process(p, item)
		}

		if !worked {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idlePollInterval):
			}
		}
	}
}

// process evaluates one item and pushes it back through the port.
func (c *localConsumer) process(p *port.Port, item work.Item) {
	if c.dropFn != nil && c.dropFn(item) {
		return
	}

	if _, err := item.Fitness(work.TransformedFitness, work.AllowReevaluation); err != nil {
		c.broker.logger.Warn("evaluation failed for item %v: %v", item.CourtierID(), err)
	}

	if err := p.PushProcessed(item); err != nil {
		c.broker.logger.Debug("dropping processed item %v: %v", item.CourtierID(), err)
	}
}
