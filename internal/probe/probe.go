// Package probe checks that the secret store is reachable before any fetch
// is attempted.
package probe

import (
	"context"
	"time"

	retry "github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/brizzbuzz/opnix/internal/errors"
)

// Checker is implemented by secret store clients.
type Checker interface {
	// Whoami resolves the endpoint the credentials belong to.
	Whoami(ctx context.Context) (string, error)
	// Ping performs a single liveness check against endpoint.
	Ping(ctx context.Context, endpoint string) error
}

// Prober runs a bounded number of liveness checks with a fixed delay.
type Prober struct {
	attempts  uint
	delay     time.Duration
	delayType retry.DelayTypeFunc
	observe   func(err error)
	logger    *zap.SugaredLogger
}

// Option configures a Prober.
type Option func(*Prober)

// WithObserver registers a callback invoked after every liveness check.
func WithObserver(fn func(err error)) Option {
	return func(p *Prober) {
		p.observe = fn
	}
}

// WithDelayType overrides the delay between attempts.
func WithDelayType(fn retry.DelayTypeFunc) Option {
	return func(p *Prober) {
		p.delayType = fn
	}
}

// New returns a Prober. attempts below 1 are raised to 1.
func New(attempts uint, delay time.Duration, logger *zap.SugaredLogger, opts ...Option) *Prober {
	if attempts < 1 {
		attempts = 1
	}
	p := &Prober{
		attempts:  attempts,
		delay:     delay,
		delayType: retry.FixedDelay,
		observe:   func(error) {},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe resolves the store endpoint and checks it until one check succeeds
// or the attempt budget is spent. There is no sleep after the final
// attempt. Failure is always an Unreachable error.
func (p *Prober) Probe(ctx context.Context, c Checker) error {
	endpoint, err := c.Whoami(ctx)
	if err != nil {
		return errors.UnreachableError("<unresolved>", 0, err)
	}

	attempt := uint(0)
	err = retry.Do(
		func() error {
			attempt++
			err := c.Ping(ctx, endpoint)
			p.observe(err)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(p.attempts),
		retry.Delay(p.delay),
		retry.DelayType(p.delayType),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Warnw("secret store not reachable",
				"endpoint", endpoint,
				"attempt", n+1,
				"of", p.attempts,
				"err", err,
			)
		}),
	)
	if err != nil {
		return errors.UnreachableError(endpoint, attempt, err)
	}

	p.logger.Debugw("secret store reachable", "endpoint", endpoint, "attempts", attempt)
	return nil
}
