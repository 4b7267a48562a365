package queue

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays with full jitter. The delay before
// delivery n+1 is sampled uniformly from [Base, min(Cap, Base*2^n)], so
// retries never land sooner than Base after the failure.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration

	// rnd is swapped in tests. Nil means math/rand.
	rnd func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base: time.Second,
		Cap:  30 * time.Second,
	}
}

func (b Backoff) Delay(attempts int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	cap := b.Cap
	if cap < base {
		cap = base
	}
	ceiling := base
	for i := 0; i < attempts; i++ {
		ceiling *= 2
		if ceiling >= cap {
			ceiling = cap
			break
		}
	}
	if ceiling <= base {
		return base
	}
	f := rand.Float64
	if b.rnd != nil {
		f = b.rnd
	}
	return base + time.Duration(f()*float64(ceiling-base))
}
