package gd

import (
	"github.com/cyw0ng95/descent/pkg/common"
	"github.com/cyw0ng95/descent/pkg/work"
)

// Serial evaluates the population on the calling goroutine, in index
// order.
type Serial struct {
	*Descent
}

// NewSerial creates a serial gradient descent over the given starting
// items.
func NewSerial(items []work.Item, cfg Config, logger *common.Logger) *Serial {
	s := &Serial{Descent: newDescent(items, cfg, logger)}
	s.evaluate = s.runFitnessCalculation
	return s
}

// runFitnessCalculation evaluates every population member in place.
func (s *Serial) runFitnessCalculation() error {
	for i, item := range s.pop {
		if _, err := item.Fitness(work.TransformedFitness, work.AllowReevaluation); err != nil {
			s.logger.Error("iteration %d: evaluation of item %d failed: %v", s.iteration, i, err)
			return err
		}
	}
	return nil
}
