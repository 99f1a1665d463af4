package controller

import (
	"context"
	"time"

	"github.com/OptiInfra/Platform/rollout/internal/faults"
)

// RetryPolicy re-runs an operation on transient failure with linearly
// increasing delay. Non-transient errors are returned immediately.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseDelay: 500 * time.Millisecond}
}

func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !faults.IsTransient(err) || i == attempts-1 {
			return err
		}
		select {
		case <-time.After(time.Duration(i+1) * delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
