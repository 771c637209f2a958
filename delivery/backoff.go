package delivery

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	backoffInitialInterval = 3 * time.Second
	backoffMaxInterval     = 48 * time.Second
	// MaxKillSwitchLevel is the number of consecutive failures after which the delay
	// stops growing.
	MaxKillSwitchLevel = 4
)

// killSwitch is the shared backoff state. Every failed response raises the level, and
// with it the delay applied to all traffic, until a send succeeds.
type killSwitch struct {
	bo    *backoff.ExponentialBackOff
	level int
	delay time.Duration
}

func newKillSwitch() *killSwitch {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffInitialInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxInterval = backoffMaxInterval
	bo.Reset()
	return &killSwitch{bo: bo}
}

func (k *killSwitch) failure() {
	if k.level >= MaxKillSwitchLevel {
		return
	}
	k.level++
	next := k.bo.NextBackOff()
	if next == backoff.Stop {
		next = backoffMaxInterval
	}
	k.delay = next
}

func (k *killSwitch) reset() {
	k.level = 0
	k.delay = 0
	k.bo.Reset()
}

// Level is the number of consecutive failures, capped at MaxKillSwitchLevel.
func (k *killSwitch) Level() int {
	return k.level
}

// Delay is the randomized wait before an engine-driven retry.
func (k *killSwitch) Delay() time.Duration {
	if k.level == 0 {
		return 0
	}
	return k.delay
}

// Multiplier stretches scheduler intervals: 2^level.
func (k *killSwitch) Multiplier() int {
	return 1 << uint(k.level)
}
