package delivery

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stridefed/courier/internal/config"
)

// RetryDelay computes the wait after the given failed attempt (1-based):
// base on the first failure, multiplied per subsequent failure, capped at the
// configured maximum. Randomization is off so the schedule is exact.
func RetryDelay(cfg config.BackoffConfig, attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.Base
	bo.Multiplier = cfg.Multiplier
	bo.MaxInterval = cfg.Max
	bo.RandomizationFactor = 0
	bo.Reset()

	d := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = bo.NextBackOff()
	}
	return d
}
