package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/newrelic/newrelic-telemetry-channel/config"
	"github.com/newrelic/newrelic-telemetry-channel/loop"
)

func TestProfileFor(t *testing.T) {
	tests := []struct {
		name string
		want Profile
	}{
		{config.ProfileRealTime, Profile{RealTime: time.Second, Normal: 2 * time.Second}},
		{config.ProfileNearRealTime, Profile{RealTime: 3 * time.Second, Normal: 6 * time.Second}},
		{config.ProfileBestEffort, Profile{RealTime: 9 * time.Second, Normal: 18 * time.Second}},
		{"SOMETHING_ELSE", Profile{RealTime: time.Second, Normal: 2 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ProfileFor(tt.name))
		})
	}
}

func TestSchedulerArmsOnce(t *testing.T) {
	lp := loop.NewManual(testStart)
	var fired []int
	s := newScheduler(lp, ProfileFor(config.ProfileRealTime), func() int { return 1 }, func(maxRank int) {
		fired = append(fired, maxRank)
	})

	s.arm(timerRealTime)
	s.arm(timerRealTime)
	s.arm(timerNormal)
	assert.Equal(t, 2, lp.PendingTimers())
	assert.True(t, s.armed(timerRealTime))

	lp.Advance(time.Second)
	assert.Equal(t, []int{rankRealTime}, fired)
	assert.False(t, s.armed(timerRealTime))

	lp.Advance(time.Second)
	assert.Equal(t, []int{rankRealTime, rankAll}, fired)
}

func TestSchedulerMultiplier(t *testing.T) {
	lp := loop.NewManual(testStart)
	multiplier := 4
	fired := 0
	s := newScheduler(lp, ProfileFor(config.ProfileRealTime), func() int { return multiplier }, func(int) {
		fired++
	})

	s.arm(timerNormal)
	lp.Advance(7 * time.Second)
	assert.Equal(t, 0, fired)
	lp.Advance(time.Second)
	assert.Equal(t, 1, fired)

	multiplier = 1
	s.arm(timerNormal)
	lp.Advance(2 * time.Second)
	assert.Equal(t, 2, fired)
}

func TestSchedulerStop(t *testing.T) {
	lp := loop.NewManual(testStart)
	fired := 0
	s := newScheduler(lp, ProfileFor(config.ProfileRealTime), func() int { return 1 }, func(int) {
		fired++
	})

	s.arm(timerRealTime)
	s.arm(timerNormal)
	s.stop()
	assert.Equal(t, 0, lp.PendingTimers())

	lp.Advance(time.Minute)
	assert.Equal(t, 0, fired)
	assert.False(t, s.armed(timerNormal))
}
