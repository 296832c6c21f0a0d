package session

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/richpresence/browserd/internal/config"
)

// RetryPolicy bounds the attach loop that runs after a spawn.
type RetryPolicy struct {
	// Timeout caps the whole loop.
	Timeout time.Duration
	// AttemptTimeout caps a single Attach call.
	AttemptTimeout  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxAttempts stops the loop early; zero means only Timeout applies.
	MaxAttempts uint64
}

func RetryPolicyFrom(c config.AttachConfig) RetryPolicy {
	return RetryPolicy{
		Timeout:         c.Timeout,
		AttemptTimeout:  c.AttemptTimeout,
		InitialInterval: c.InitialInterval,
		MaxInterval:     c.MaxInterval,
		Multiplier:      c.Multiplier,
		MaxAttempts:     c.MaxAttempts,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = p.Timeout
	b.Reset()

	var bo backoff.BackOff = b
	if p.MaxAttempts > 0 {
		// WithMaxRetries counts retries, not attempts.
		bo = backoff.WithMaxRetries(bo, p.MaxAttempts-1)
	}
	return backoff.WithContext(bo, ctx)
}

// ClosePolicy bounds how long Close waits for the process to exit.
type ClosePolicy struct {
	GracePeriod  time.Duration
	ForceGrace   time.Duration
	PollInterval time.Duration
}

func ClosePolicyFrom(c config.CloseConfig) ClosePolicy {
	return ClosePolicy{
		GracePeriod:  c.GracePeriod,
		ForceGrace:   c.ForceGrace,
		PollInterval: c.PollInterval,
	}
}
