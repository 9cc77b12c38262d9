package gd

import (
	"fmt"
	"time"

	"github.com/cyw0ng95/descent/pkg/broker/connector"
	"github.com/cyw0ng95/descent/pkg/common"
	"github.com/cyw0ng95/descent/pkg/work"
)

// Runner is an Algorithm that can also drive itself to completion.
type Runner interface {
	Algorithm
	Optimize() (Fitness, error)
}

// configFromCommon converts the application configuration block into a
// driver configuration.
func configFromCommon(dc common.DescentConfig) Config {
	return Config{
		StartingPoints: dc.StartingPoints,
		StepSize:       dc.StepSize,
		FiniteStep:     dc.FiniteStep,
		MaxIterations:  dc.MaxIterations,
		MaxDuration:    time.Duration(dc.MaxDurationSeconds) * time.Second,
		MaxStalls:      dc.MaxStalls,
	}
}

// NewFromConfig constructs the driver variant selected by the
// configuration. Brokered mode requires a connector; the other modes
// ignore it.
func NewFromConfig(items []work.Item, dc common.DescentConfig, conn *connector.Connector, logger *common.Logger) (Runner, error) {
	cfg := configFromCommon(dc)

	switch dc.Mode {
	case "", "serial":
		return NewSerial(items, cfg, logger), nil
	case "threaded":
		return NewThreaded(items, cfg, dc.Threads, logger), nil
	case "brokered":
		if conn == nil {
			return nil, fmt.Errorf("%w: brokered mode needs a connector", common.ErrInvalidConfiguration)
		}
		return NewBrokered(items, cfg, conn, logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown descent mode %q", common.ErrInvalidConfiguration, dc.Mode)
	}
}
