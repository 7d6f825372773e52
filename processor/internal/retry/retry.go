// Package retry runs operations with exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/telhawk-systems/telhawk-triage/common/config"
)

// Policy bounds one retried operation.
type Policy struct {
	Initial     time.Duration
	MaxInterval time.Duration
	MaxElapsed  time.Duration
}

// FromConfig builds a policy from the pipeline settings.
func FromConfig(cfg config.PipelineConfig) Policy {
	return Policy{
		Initial:     cfg.RetryInitial,
		MaxInterval: cfg.RetryMaxInterval,
		MaxElapsed:  cfg.RetryMaxElapsed,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = p.MaxElapsed
	return backoff.WithContext(b, ctx)
}

// Permanent marks err as not worth retrying. Do returns the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Permanent error, the policy's
// elapsed budget runs out, or ctx is done.
func Do(ctx context.Context, p Policy, op func() error) error {
	return backoff.Retry(op, p.backOff(ctx))
}

// DoIf retries op only while retryable reports true for its error.
func DoIf(ctx context.Context, p Policy, retryable func(error) bool, op func() error) error {
	return NotifyIf(ctx, p, retryable, op, nil)
}

// Notify is Do with a callback before each wait, for logging.
func Notify(ctx context.Context, p Policy, op func() error, notify func(err error, wait time.Duration)) error {
	return backoff.RetryNotify(op, p.backOff(ctx), notify)
}

// NotifyIf is DoIf with a callback before each wait.
func NotifyIf(ctx context.Context, p Policy, retryable func(error) bool, op func() error, notify func(err error, wait time.Duration)) error {
	return Notify(ctx, p, func() error {
		err := op()
		if err != nil && !retryable(err) {
			return Permanent(err)
		}
		return err
	}, notify)
}
