package channel

import (
	"time"

	"github.com/newrelic/newrelic-telemetry-channel/config"
	"github.com/newrelic/newrelic-telemetry-channel/loop"
)

// Profile holds the timer intervals of a transmit profile.
type Profile struct {
	RealTime time.Duration
	Normal   time.Duration
}

var profiles = map[string]Profile{
	config.ProfileRealTime:     {RealTime: time.Second, Normal: 2 * time.Second},
	config.ProfileNearRealTime: {RealTime: 3 * time.Second, Normal: 6 * time.Second},
	config.ProfileBestEffort:   {RealTime: 9 * time.Second, Normal: 18 * time.Second},
}

// ProfileFor returns the named profile, falling back to real time.
func ProfileFor(name string) Profile {
	if p, ok := profiles[name]; ok {
		return p
	}
	return profiles[config.ProfileRealTime]
}

const (
	timerRealTime = iota
	timerNormal
)

// scheduler runs one timer for RealTime events and one shared by Normal and CostDeferred.
// Intervals are stretched by the backoff multiplier at the moment a timer is armed.
type scheduler struct {
	loop       loop.Loop
	profile    Profile
	multiplier func() int
	fire       func(maxRank int)
	timers     [2]loop.Timer
}

func newScheduler(lp loop.Loop, profile Profile, multiplier func() int, fire func(maxRank int)) *scheduler {
	return &scheduler{
		loop:       lp,
		profile:    profile,
		multiplier: multiplier,
		fire:       fire,
	}
}

func (s *scheduler) interval(which int) time.Duration {
	base := s.profile.Normal
	if which == timerRealTime {
		base = s.profile.RealTime
	}
	if m := s.multiplier(); m > 1 {
		base *= time.Duration(m)
	}
	return base
}

// arm starts the timer unless it is already running.
func (s *scheduler) arm(which int) {
	if s.timers[which] != nil {
		return
	}
	maxRank := rankAll
	if which == timerRealTime {
		maxRank = rankRealTime
	}
	s.timers[which] = s.loop.AfterFunc(s.interval(which), func() {
		s.timers[which] = nil
		s.fire(maxRank)
	})
}

func (s *scheduler) armed(which int) bool {
	return s.timers[which] != nil
}

func (s *scheduler) stop() {
	for i, t := range s.timers {
		if t != nil {
			t.Stop()
			s.timers[i] = nil
		}
	}
}

// setProfile applies to timers armed from now on.
func (s *scheduler) setProfile(p Profile) {
	s.profile = p
}
