package evidence

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// jitteredBackOff implements the per-call retry interval required by
// the evidence builder's retry policy: base + jitter * (attempt mod 3).
// It plugs into backoff.Retry as a backoff.BackOff so the library owns
// context cancellation and the retry loop itself.
type jitteredBackOff struct {
	base    time.Duration
	jitter  time.Duration
	attempt int
}

func newJitteredBackOff(base, jitter time.Duration) *jitteredBackOff {
	return &jitteredBackOff{base: base, jitter: jitter}
}

func (b *jitteredBackOff) NextBackOff() time.Duration {
	mod := time.Duration(b.attempt % 3)
	b.attempt++
	return b.base + b.jitter*mod
}

func (b *jitteredBackOff) Reset() {
	b.attempt = 0
}

var _ backoff.BackOff = (*jitteredBackOff)(nil)

// retryCounter wraps an operation to count total attempts, exposed on
// the bundle as _retry_count.
type retryCounter struct {
	count int
}

func (c *retryCounter) wrap(op func() (any, error)) func() (any, error) {
	return func() (any, error) {
		c.count++
		return op()
	}
}
