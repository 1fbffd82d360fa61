package session

import (
	"github.com/cenkalti/backoff/v5"
)

const jitterFactor = 0.5

// NewBackoff builds the reconnect policy. It never gives up: the caller
// resets it after a successful connect.
func NewBackoff(cfg BackoffConfig) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval: cfg.InitialDelay,
		Multiplier:      cfg.Multiplier,
		MaxInterval:     cfg.MaxDelay,
	}
	if b.Multiplier < 1.0 {
		b.Multiplier = 1.0
	}
	if cfg.Jitter {
		b.RandomizationFactor = jitterFactor
	}
	b.Reset()
	return b
}
