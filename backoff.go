package resourcepool

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// initialBackoff tracks cumulative elapsed time against bailAfter while
// the pool is in the INITIAL state, treating the retry schedule itself as
// the opaque nextDelay() generator the specification calls out as an
// external collaborator. cenkalti/backoff supplies the generator; this
// type only adds the bailAfter bookkeeping around it.
type initialBackoff struct {
	b         backoff.BackOff
	start     time.Time
	bailAfter time.Duration // 0 means retry forever
}

func newInitialBackoff(factory func() backoff.BackOff, bailAfter time.Duration) *initialBackoff {
	return &initialBackoff{b: factory(), start: time.Now(), bailAfter: bailAfter}
}

// next returns the delay before the next retry, and ok=false once
// bailAfter has been exceeded.
func (ib *initialBackoff) next() (time.Duration, bool) {
	if ib.bailAfter > 0 && time.Since(ib.start) > ib.bailAfter {
		return 0, false
	}
	d := ib.b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	if ib.bailAfter > 0 {
		if remaining := ib.bailAfter - time.Since(ib.start); remaining < d {
			if remaining < 0 {
				remaining = 0
			}
			d = remaining
		}
	}
	return d, true
}
