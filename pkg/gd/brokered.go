package gd

import (
	"github.com/cyw0ng95/descent/pkg/broker/connector"
	"github.com/cyw0ng95/descent/pkg/common"
	"github.com/cyw0ng95/descent/pkg/work"
)

// Brokered delegates evaluation to the broker through a connector in
// full-return mode. An incomplete iteration is logged and the run
// continues: the connector has left the population untouched, so the
// affected parents simply retry after the next evaluation.
type Brokered struct {
	*Descent
	conn *connector.Connector
}

// NewBrokered creates a broker-backed gradient descent on top of an
// existing connector. The driver does not own the connector; the caller
// closes it after Finalize.
func NewBrokered(items []work.Item, cfg Config, conn *connector.Connector, logger *common.Logger) *Brokered {
	b := &Brokered{
		Descent: newDescent(items, cfg, logger),
		conn:    conn,
	}
	b.evaluate = b.runFitnessCalculation
	return b
}

// Connector exposes the submission gateway, mainly for telemetry.
func (b *Brokered) Connector() *connector.Connector { return b.conn }

// runFitnessCalculation submits the whole population and waits for the
// full return.
func (b *Brokered) runFitnessCalculation() error {
	complete, err := b.conn.WorkOn(&b.pop, 0, len(b.pop), connector.ExpectFull)
	if err != nil {
		return err
	}
	if !complete {
		b.logger.Warn("iteration %d: incomplete evaluation, population left unchanged", b.iteration)
	}
	return nil
}
