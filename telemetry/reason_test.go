package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSuccess(t *testing.T) {
	assert.True(t, IsSuccess(200))
	assert.True(t, IsSuccess(204))
	assert.True(t, IsSuccess(298))
	assert.False(t, IsSuccess(299))
	assert.False(t, IsSuccess(0))
	assert.False(t, IsSuccess(199))
	assert.False(t, IsSuccess(500))
}

func TestReasonForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Reason
	}{
		{0, ReasonResponseFailure},
		{299, ReasonResponseFailure},
		{301, ReasonClientConfigFailure},
		{404, ReasonClientFailure},
		{429, ReasonClientFailure},
		{503, ReasonServerFailure},
		{600, ReasonResponseFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ReasonForStatus(tt.status), "status %d", tt.status)
	}
}

func TestSendReasons(t *testing.T) {
	assert.Equal(t, Reason(1001), SendNormalSchedule.Sending())
	assert.Equal(t, Reason(1002), SendManualFlush.Sending())
	assert.NotEqual(t, SendNormalSchedule.Sending(), SendManualFlush.Sending())
	assert.True(t, SendUnload.Sending().IsSending())
	assert.True(t, SendUnload.IsUnload())
	assert.True(t, SendPageHide.IsUnload())
	assert.False(t, SendManualFlush.IsUnload())

	assert.True(t, ReasonQueueFull.IsDiscard())
	assert.True(t, ReasonServerFailure.IsFailure())
	assert.False(t, ReasonComplete.IsDiscard())
	assert.Equal(t, "QueueFull", ReasonQueueFull.String())
	assert.Equal(t, "Sending(2)", SendManualFlush.Sending().String())
}

func TestLatencyNormalize(t *testing.T) {
	assert.Equal(t, LatencyNormal, LatencyUnspecified.Normalize())
	assert.Equal(t, LatencyNormal, Latency(42).Normalize())
	assert.Equal(t, LatencyImmediate, LatencyImmediate.Normalize())
	assert.Equal(t, "CostDeferred", LatencyCostDeferred.String())
}

func TestNotificationEventCount(t *testing.T) {
	n := Notification{Batches: []*EventBatch{
		NewEventBatch(testToken, []*Event{sizedEvent("a", 1), sizedEvent("b", 1)}),
		NewEventBatch(testToken, []*Event{sizedEvent("c", 1)}),
	}}
	assert.Equal(t, 3, n.EventCount())
}
