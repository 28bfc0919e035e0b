package asynccmd

import (
	"math/rand"
	"time"
)

// backoff yields retry delays for one reader. With factor 1 it is a fixed delay.
type backoff struct {
	current time.Duration
	min     time.Duration
	max     time.Duration
	factor  float64
	jitter  bool
}

func newBackoff(min, max time.Duration, factor float64) *backoff {
	if max < min {
		max = min
	}
	if factor < 1 {
		factor = 1
	}
	return &backoff{current: min, min: min, max: max, factor: factor, jitter: factor > 1}
}

func (b *backoff) duration() time.Duration {
	d := b.current
	if b.jitter && b.current >= 10 {
		d += time.Duration(rand.Int63n(int64(b.current) / 10))
	}

	b.current = time.Duration(float64(b.current) * b.factor)
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

func (b *backoff) reset() {
	b.current = b.min
}
