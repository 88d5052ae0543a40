package reliability

import (
	"fmt"
)

// BackoffConfig configures the retry schedule of a job queue.
type BackoffConfig struct {
	// MaxDelay caps the delay between two attempts, in seconds.
	MaxDelay int
	// Factor is the exponent applied to the attempt number.
	Factor int
	// MaxAttempts is the number of retries before a job goes to the error queue.
	MaxAttempts int
}

// DefaultBackoffConfig returns the default schedule: up to ten retries,
// cubic growth, capped at 1000 seconds.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxDelay:    1000,
		Factor:      3,
		MaxAttempts: 10,
	}
}

// Validate rejects non-positive delays or factors and negative attempt limits.
func (c BackoffConfig) Validate() error {
	if c.MaxDelay <= 0 {
		return fmt.Errorf("%w: max delay must be greater than 0, got %d", ErrInvalidBackoffConfig, c.MaxDelay)
	}
	if c.Factor <= 0 {
		return fmt.Errorf("%w: factor must be greater than 0, got %d", ErrInvalidBackoffConfig, c.Factor)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("%w: max attempts must not be negative, got %d", ErrInvalidBackoffConfig, c.MaxAttempts)
	}
	return nil
}

// BackoffPolicy computes capped exponential retry delays:
//
//	delay(attempts) = min(MaxDelay, (attempts+1)^Factor)
//
// It is stateless and safe for concurrent use.
type BackoffPolicy struct {
	cfg BackoffConfig
}

// NewBackoffPolicy validates cfg and returns a policy for it.
func NewBackoffPolicy(cfg BackoffConfig) (*BackoffPolicy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &BackoffPolicy{cfg: cfg}, nil
}

// Config returns the configuration the policy was built with.
func (p *BackoffPolicy) Config() BackoffConfig {
	return p.cfg
}

// Delay returns the delay in seconds before the retry that follows
// attempts previous failures.
func (p *BackoffPolicy) Delay(attempts int) int {
	if attempts < 0 {
		attempts = 0
	}

	base := attempts + 1
	delay := 1
	for i := 0; i < p.cfg.Factor; i++ {
		// saturate before multiplying so huge exponents never overflow
		if delay > p.cfg.MaxDelay/base {
			return p.cfg.MaxDelay
		}
		delay *= base
	}

	if delay > p.cfg.MaxDelay {
		return p.cfg.MaxDelay
	}
	return delay
}

// ShouldRetry reports whether a job that already failed attempts times may
// be retried, and after how many seconds.
func (p *BackoffPolicy) ShouldRetry(attempts int) (bool, int) {
	if attempts >= p.cfg.MaxAttempts {
		return false, 0
	}
	return true, p.Delay(attempts)
}
