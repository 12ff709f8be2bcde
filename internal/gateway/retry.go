package gateway

import (
	"math/rand/v2"
	"time"

	"github.com/sbs-integration-engine/internal/domain"
)

// Default retry policy values.
const (
	DefaultBaseDelay      = time.Second
	DefaultMaxDelay       = 30 * time.Second
	DefaultMaxAttempts    = 3
	DefaultJitterFraction = 0.1
)

// Policy controls how failed submissions are retried.
type Policy struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	JitterFraction float64
}

// DefaultPolicy returns 1s base, 30s cap, 3 attempts and 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		MaxAttempts:    DefaultMaxAttempts,
		JitterFraction: DefaultJitterFraction,
	}
}

// PolicyFromConfig fills unset values with defaults.
func PolicyFromConfig(cfg domain.GatewayConfig) Policy {
	p := DefaultPolicy()
	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	switch {
	case cfg.JitterFraction < 0:
		p.JitterFraction = 0
	case cfg.JitterFraction > 0 && cfg.JitterFraction < 1:
		p.JitterFraction = cfg.JitterFraction
	}
	return p
}

// Clock abstracts time so retry waits can be driven by tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Backoff is the retry state of one submission.
type Backoff struct {
	policy  Policy
	attempt int
	rand    func() float64
}

// NewBackoff creates a backoff; rnd returns values in [0, 1) and may be nil
// to disable jitter.
func NewBackoff(policy Policy, rnd func() float64) *Backoff {
	return &Backoff{policy: policy, rand: rnd}
}

// Delay returns min(base*2^n, max) with jitter applied.
func (b *Backoff) Delay(n int) time.Duration {
	delay := b.policy.BaseDelay
	for i := 0; i < n && delay < b.policy.MaxDelay; i++ {
		delay *= 2
	}
	if b.policy.MaxDelay > 0 && delay > b.policy.MaxDelay {
		delay = b.policy.MaxDelay
	}

	if b.policy.JitterFraction > 0 && b.rand != nil {
		offset := (b.rand()*2 - 1) * b.policy.JitterFraction * float64(delay)
		delay += time.Duration(offset)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Next returns the delay for the current retry and advances the state.
func (b *Backoff) Next() time.Duration {
	d := b.Delay(b.attempt)
	b.attempt++
	return d
}

// Attempt returns how many delays have been handed out.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset starts the sequence over.
func (b *Backoff) Reset() {
	b.attempt = 0
}

func defaultRand() float64 {
	return rand.Float64()
}
