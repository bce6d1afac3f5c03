package retry

import (
	"math/rand"
	"time"
)

const (
	DefaultBase   = 500 * time.Millisecond
	DefaultMax    = 15 * time.Second
	DefaultJitter = 0.2
)

// Policy is an exponential backoff: Base, 2*Base, 4*Base ... capped at Max,
// with +/- Jitter (fraction) applied to every delay.
//
// The zero Policy is disabled; Enabled reports whether Base is set.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // 0.2 = 20%
}

func (p Policy) Enabled() bool { return p.Base > 0 }

func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Max <= 0 {
		p.Max = DefaultMax
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Delay returns the wait before retry number n (1-based). A RetryAfter hint
// carried by err wins over the exponential curve; both are capped at Max.
// rng may be nil, which disables jitter.
func (p Policy) Delay(n int, err error, rng *rand.Rand) time.Duration {
	p = p.withDefaults()

	var d time.Duration
	if hint, ok := Hint(err); ok {
		d = hint
	} else {
		d = p.Base
		for i := 1; i < n; i++ {
			d *= 2
			if d >= p.Max {
				d = p.Max
				break
			}
		}
	}
	if p.Jitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}
