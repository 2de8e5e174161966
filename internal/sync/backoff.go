package sync

import "time"

// BackoffConfig bounds the retry schedule for retryable backend
// failures.
type BackoffConfig struct {
	// Min is the first delay. Doubles on every retry.
	Min time.Duration

	// Max caps the delay growth.
	Max time.Duration

	// Retries is how many times an operation is retried before the
	// account goes offline.
	Retries int
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Min <= 0 {
		c.Min = time.Second
	}
	if c.Max <= 0 {
		c.Max = 2 * time.Minute
	}
	if c.Retries <= 0 {
		c.Retries = 5
	}
	return c
}

// backoff walks one exponential retry schedule. Not safe for
// concurrent use; each retried operation gets its own.
type backoff struct {
	cfg     BackoffConfig
	attempt int
}

func newBackoff(cfg BackoffConfig) *backoff {
	return &backoff{cfg: cfg.withDefaults()}
}

// next returns the delay before the following retry, or false when the
// schedule is exhausted.
func (b *backoff) next() (time.Duration, bool) {
	if b.attempt >= b.cfg.Retries {
		return 0, false
	}
	d := b.cfg.Min << b.attempt
	if d > b.cfg.Max || d <= 0 {
		d = b.cfg.Max
	}
	b.attempt++
	return d, true
}
