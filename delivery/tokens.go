package delivery

import (
	"time"

	"github.com/newrelic/newrelic-telemetry-channel/telemetry"
)

// tokenKillList remembers write tokens the collector asked us to stop sending for.
type tokenKillList struct {
	until map[string]time.Time
}

func newTokenKillList() *tokenKillList {
	return &tokenKillList{until: map[string]time.Time{}}
}

func (t *tokenKillList) apply(kd *telemetry.KillDirective, now time.Time) {
	if kd == nil {
		return
	}
	for _, token := range kd.Tokens {
		t.until[token] = now.Add(kd.Duration)
	}
}

func (t *tokenKillList) isKilled(token string, now time.Time) bool {
	until, ok := t.until[token]
	if !ok {
		return false
	}
	if !now.Before(until) {
		delete(t.until, token)
		return false
	}
	return true
}
