package mqtt

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// jitterBackoff yields delays drawn uniformly from [0, ceiling] where the
// ceiling doubles from base up to max.
type jitterBackoff struct {
	exp  *backoff.ExponentialBackOff
	rand func(n int64) int64
}

func newJitterBackoff(base, max time.Duration) *jitterBackoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.MaxInterval = max
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()
	return &jitterBackoff{exp: exp, rand: rand.Int64N}
}

// Next returns the delay before the next attempt.
func (b *jitterBackoff) Next() time.Duration {
	ceiling := b.exp.NextBackOff()
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(b.rand(int64(ceiling) + 1))
}

func (b *jitterBackoff) Reset() { b.exp.Reset() }
