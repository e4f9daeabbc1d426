package pool

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// LinearBackOff grows the delay by Step after every attempt, starting at
// Initial and never exceeding Max. After MaxAttempts delays it returns
// backoff.Stop.
type LinearBackOff struct {
	Initial     time.Duration
	Step        time.Duration
	Max         time.Duration
	MaxAttempts int

	attempt int
}

var _ backoff.BackOff = (*LinearBackOff)(nil)

// NextBackOff implements backoff.BackOff.
func (b *LinearBackOff) NextBackOff() time.Duration {
	if b.MaxAttempts > 0 && b.attempt >= b.MaxAttempts-1 {
		return backoff.Stop
	}
	d := b.Initial + time.Duration(b.attempt)*b.Step
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	b.attempt++
	return d
}

// Reset implements backoff.BackOff.
func (b *LinearBackOff) Reset() { b.attempt = 0 }
