package capture

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Throttle is a leading-edge rate limiter: the first call fires, and later
// calls fire once at least window has elapsed since the last firing.
type Throttle struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	last   time.Time
	fired  bool
}

func NewThrottle(window time.Duration, now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{window: window, now: now}
}

// Allow reports whether the caller may fire now and, if so, records the
// firing.
func (t *Throttle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.fired && now.Sub(t.last) < t.window {
		return false
	}
	t.fired = true
	t.last = now
	return true
}

// Sampler keeps a call with probability rate.
type Sampler struct {
	mu   sync.Mutex
	rate float64
	rnd  func() float64
}

// NewSampler uses rnd, a source of values in [0,1), or math/rand when nil.
func NewSampler(rate float64, rnd func() float64) *Sampler {
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Sampler{rate: rate, rnd: rnd}
}

func (s *Sampler) Sample() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd() < s.rate
}
