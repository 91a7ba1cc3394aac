package workerpool

import (
	"math/rand"
	"time"
)

const (
	DefaultMaxAttempts   = 3
	DefaultBackoffBase   = time.Second
	DefaultBackoffMax    = 10 * time.Second
	DefaultBackoffJitter = 500 * time.Millisecond
)

// Backoff computes the delay before the given retry, counted from 0 for the first retry:
// min(base*2^retry, max) plus up to jitter of random noise.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

func (b Backoff) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := b.Max
	if retry < 31 {
		if exp := b.Base << uint(retry); exp > 0 && exp < b.Max {
			d = exp
		}
	}
	if b.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(b.Jitter)))
	}
	return d
}
