// Package retry implements the small jittered-backoff loop used by
// broker call sites that sit outside the failsafe HTTP pipeline.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy bounds the retry loop.
type Policy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

// Brief suits gateway endpoints that recover within a couple of seconds.
var Brief = Policy{
	Attempts: 3,
	Base:     100 * time.Millisecond,
	Cap:      2 * time.Second,
}

// Do runs fn until it succeeds, the error stops being transient, the
// attempts run out, or ctx ends. The delay before attempt n+1 doubles
// from Base up to Cap, plus up to half again in jitter.
func Do(ctx context.Context, p Policy, transient func(error) bool, fn func() error) error {
	delay := p.Base
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !transient(err) || attempt >= p.Attempts {
			return err
		}

		sleep := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		if delay *= 2; delay > p.Cap {
			delay = p.Cap
		}
	}
}
