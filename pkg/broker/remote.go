package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/cyw0ng95/descent/pkg/common"
	"github.com/cyw0ng95/descent/pkg/port"
	"github.com/cyw0ng95/descent/pkg/ratelimit"
	"github.com/cyw0ng95/descent/pkg/work"
)

// EvalRequest is the payload sent to an external evaluator service.
type EvalRequest struct {
	Params []float64 `json:"params"`
}

// EvalResponse is the fitness tuple returned by an external evaluator.
type EvalResponse struct {
	Raw         float64 `json:"raw"`
	Transformed float64 `json:"transformed"`
}

// fitnessSetter is implemented by items that accept externally computed
// fitness values.
type fitnessSetter interface {
	SetFitness(raw, transformed float64)
}

// RemoteConsumer drains raw queues and delegates fitness computation to
// an external evaluator over HTTP. Submissions are throttled with a
// token bucket so a fast optimizer cannot overrun the evaluator.
type RemoteConsumer struct {
	client  *resty.Client
	url     string
	limiter *ratelimit.TokenBucket
	logger  *common.Logger
}

// NewRemoteConsumer creates a consumer for the configured evaluator
// endpoint.
func NewRemoteConsumer(cfg common.RemoteEvaluatorConfig, logger *common.Logger) (*RemoteConsumer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: remote evaluator URL is empty", common.ErrInvalidConfiguration)
	}
	if logger == nil {
		logger = common.NewLogger(nil, "remote-consumer", common.InfoLevel)
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 100
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(100 * time.Millisecond)

	return &RemoteConsumer{
		client:  client,
		url:     cfg.URL,
		limiter: ratelimit.NewTokenBucket(rps, time.Second/time.Duration(rps)),
		logger:  logger,
	}, nil
}

// Run implements the Consumer interface: it drains every enrolled port
// round-robin until the context expires.
func (r *RemoteConsumer) Run(ctx context.Context, b *Broker) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		worked := false
		for _, p := range b.snapshot() {
			if p.Closed() {
				continue
			}
			item, ok := p.TryPopRaw()
			if !ok {
				continue
			}
			worked = true
			r.process(ctx, p, item)
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

// process sends one item to the evaluator and pushes the result back.
// A failed evaluation drops the item; the connector's resubmission
// protocol recovers from the loss.
func (r *RemoteConsumer) process(ctx context.Context, p *port.Port, item work.Item) {
	r.limiter.Wait()

	var params []float64
	item.StreamlineActiveDoubles(&params)

	var result EvalResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(EvalRequest{Params: params}).
		SetResult(&result).
		Post(r.url)
	if err != nil {
		r.logger.Warn("remote evaluation failed for item %v: %v", item.CourtierID(), err)
		return
	}
	if resp.IsError() {
		r.logger.Warn("remote evaluator returned %d for item %v", resp.StatusCode(), item.CourtierID())
		return
	}

	if setter, ok := item.(fitnessSetter); ok {
		setter.SetFitness(result.Raw, result.Transformed)
	} else {
		// Item cannot accept external fitness; evaluate in process
		if _, err := item.Fitness(work.TransformedFitness, work.AllowReevaluation); err != nil {
			r.logger.Warn("fallback evaluation failed for item %v: %v", item.CourtierID(), err)
		}
	}

	if err := p.PushProcessed(item); err != nil {
		r.logger.Debug("dropping processed item %v: %v", item.CourtierID(), err)
	}
}
