package gd

import (
	"context"

	"github.com/cyw0ng95/descent/pkg/common"
	"github.com/cyw0ng95/descent/pkg/common/workerpool"
	"github.com/cyw0ng95/descent/pkg/work"
)

// Threaded evaluates the population on a shared worker pool and joins
// before the iteration continues. Worker errors surface as a warning
// after the join; they do not abort the run.
type Threaded struct {
	*Descent
	threads int
	pool    *workerpool.Pool
}

// NewThreaded creates a multi-threaded gradient descent. threads == 0
// selects the hardware concurrency.
func NewThreaded(items []work.Item, cfg Config, threads int, logger *common.Logger) *Threaded {
	t := &Threaded{
		Descent: newDescent(items, cfg, logger),
		threads: threads,
	}
	t.evaluate = t.runFitnessCalculation
	return t
}

// Init starts the worker pool on top of the base initialization.
func (t *Threaded) Init() error {
	if err := t.Descent.Init(); err != nil {
		return err
	}
	t.pool = workerpool.New(t.threads)
	return nil
}

// runFitnessCalculation schedules one evaluation per population member
// and waits for the pool to drain.
func (t *Threaded) runFitnessCalculation() error {
	for _, item := range t.pop {
		it := item
		if err := t.pool.Schedule(workerpool.TaskFunc(func(ctx context.Context) error {
			_, err := it.Fitness(work.TransformedFitness, work.AllowReevaluation)
			return err
		})); err != nil {
			return err
		}
	}

	t.pool.Wait()

	if t.pool.HasErrors() {
		for _, err := range t.pool.DrainErrors() {
			t.logger.Warn("iteration %d: worker error: %v", t.iteration, err)
		}
	}
	return nil
}

// Finalize shuts the worker pool down after the base finalization.
func (t *Threaded) Finalize() error {
	err := t.Descent.Finalize()
	if t.pool != nil {
		_ = t.pool.Close()
		t.pool = nil
	}
	return err
}

// Optimize drives the threaded variant to completion.
func (t *Threaded) Optimize() (Fitness, error) {
	if t.state == PreInit {
		if err := t.Init(); err != nil {
			return Fitness{}, err
		}
	}
	return t.Descent.Optimize()
}
