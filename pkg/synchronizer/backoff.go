package synchronizer

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultBackoffUnit    = time.Second
	DefaultReconnectPause = 300 * time.Millisecond

	backoffCapUnits = 5
)

// newBackoff returns the reconnect schedule: unit, 2*unit, 4*unit, then
// 5*unit for every later failure. There is no jitter and no give-up time.
func newBackoff(unit time.Duration) *backoff.ExponentialBackOff {
	if unit <= 0 {
		unit = DefaultBackoffUnit
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = unit
	b.Multiplier = 2
	b.MaxInterval = backoffCapUnits * unit
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
