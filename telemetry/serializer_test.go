package telemetry

import (
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONSerializerEnvelope(t *testing.T) {
	s := NewJSONSerializer(0)
	assert.Equal(t, DefaultMaxRecordSize, s.MaxRecordSize)

	evt := &Event{
		Name:  "page.view",
		Token: "abc123-xyz",
		Time:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Data:  map[string]interface{}{"uri": "/home"},
	}
	require.NoError(t, s.Serialize(evt))
	assert.Equal(t, len(evt.Payload()), evt.Size())

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(evt.Payload(), &decoded))
	assert.Equal(t, "page.view", decoded["name"])
	assert.Equal(t, "4.0", decoded["ver"])
	assert.Equal(t, "o:abc123", decoded["iKey"])
	assert.Equal(t, "2024-05-01T12:00:00Z", decoded["time"])

	sdk := decoded["ext"].(map[string]interface{})["sdk"].(map[string]interface{})
	assert.Equal(t, s.Epoch(), sdk["epoch"])
	assert.Equal(t, float64(1), sdk["seq"])
	assert.Equal(t, SdkVersion, sdk["ver"])
}

func TestJSONSerializerSequence(t *testing.T) {
	s := NewJSONSerializer(0)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Serialize(&Event{Name: "e", Token: testToken}))
	}

	last := &Event{Name: "e", Token: testToken}
	require.NoError(t, s.Serialize(last))
	assert.Contains(t, string(last.Payload()), `"seq":4`)
}

func TestJSONSerializerSizeExceeded(t *testing.T) {
	s := NewJSONSerializer(64)
	evt := &Event{Name: "big", Token: testToken, Data: map[string]interface{}{"blob": strings.Repeat("x", 100)}}

	err := s.Serialize(evt)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSizeExceeded))
	assert.Nil(t, evt.Payload())
}

func TestBody(t *testing.T) {
	s := NewJSONSerializer(0)
	batch := NewEventBatch(testToken, []*Event{sizedEvent("a", 3), sizedEvent("b", 2)})

	body := Body(s, batch)
	assert.Equal(t, "aaa\naa", string(body))
	assert.Equal(t, batch.SizeBytes(), len(body))
}

func TestTenantToken(t *testing.T) {
	assert.Equal(t, "abc", TenantToken("abc-def-ghi"))
	assert.Equal(t, "abc", TenantToken("abc"))
	assert.Equal(t, "o:abc", InstrumentationKey("abc-1"))
}
