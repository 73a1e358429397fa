// Package retrypolicy computes retry delays for failed steps. It is adapted
// from the exponential-backoff-with-jitter calculation in
// pkg/common/retry.Coordinator.calculateDelay, specialized to the full-jitter
// formula and server-suggested-backoff precedence this engine requires.
package retrypolicy

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy holds the base/cap parameters for exponential backoff with full
// jitter. A Policy built by struct literal is usable: zero Base/Cap fall
// back to the defaults and the jitter source is seeded on first use.
type Policy struct {
	Base time.Duration
	Cap  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// DefaultPolicy returns the standard retry policy: base=1s, cap=30s.
func DefaultPolicy() *Policy {
	return &Policy{
		Base: time.Second,
		Cap:  30 * time.Second,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay computes the backoff delay after failed attempt number "attempt"
// (1-based: attempt 1 is the delay after the first failure, before the
// first retry). If serverSuggested is non-nil, it takes precedence and no
// jitter is applied.
func (p *Policy) Delay(attempt int, serverSuggested *float64) time.Duration {
	if serverSuggested != nil {
		return time.Duration(*serverSuggested * float64(time.Second))
	}
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	ceiling := p.Cap
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}

	exp := float64(base) * math.Pow(2, float64(attempt-1))
	capped := math.Min(float64(ceiling), exp)

	return time.Duration(capped * p.jitterFactor())
}

// jitterFactor returns a uniform value in [0.5, 1.0), implementing "full
// jitter" as half-to-full of the capped exponential delay.
func (p *Policy) jitterFactor() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return 0.5 + p.rng.Float64()*0.5
}
