package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newrelic/newrelic-telemetry-channel/telemetry"
)

var nopSender = SenderFunc(func(*Payload, CompleteFunc, bool) error { return nil })

func newTestManager(cfg Config) (*Manager, Sender, Sender) {
	xhr := SenderFunc(func(*Payload, CompleteFunc, bool) error { return nil })
	fetch := SenderFunc(func(*Payload, CompleteFunc, bool) error { return nil })
	beacon := BeaconFunc(func(string, []byte) bool { return true })
	return NewManager(xhr, fetch, beacon, cfg), xhr, fetch
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		override  bool
		unloading bool
		sendType  telemetry.SendType
		isSync    bool
		kind      Kind
		sync      bool
	}{
		{name: "default async xhr", cfg: Config{UseSendBeacon: true}, kind: KindXHR},
		{name: "default sync xhr", cfg: Config{UseSendBeacon: true}, isSync: true, kind: KindXHR, sync: true},
		{name: "configured fetch", cfg: Config{Transports: []Kind{KindFetch}}, kind: KindFetch},
		{name: "configured sync fetch uses keepalive", cfg: Config{Transports: []Kind{KindFetch}}, isSync: true, kind: KindFetch, sync: true},
		{name: "configured sync fetch without keepalive", cfg: Config{Transports: []Kind{KindFetch}, DisableFetchKeepAlive: true}, isSync: true, kind: KindXHR, sync: true},
		{name: "override replaces xhr", cfg: Config{}, override: true, kind: KindCustom},
		{name: "override replaces sync xhr", cfg: Config{}, override: true, isSync: true, kind: KindCustom, sync: true},
		{name: "per call synchronous", cfg: Config{UseSendBeacon: true}, sendType: telemetry.SendSynchronous, unloading: true, kind: KindXHR, sync: true},
		{name: "per call beacon", cfg: Config{UseSendBeacon: true}, sendType: telemetry.SendBeacon, kind: KindBeacon, sync: true},
		{name: "per call beacon unavailable", cfg: Config{}, sendType: telemetry.SendBeacon, kind: KindXHR, sync: true},
		{name: "per call sync fetch", cfg: Config{UseSendBeacon: true}, sendType: telemetry.SendSyncFetch, kind: KindFetch, sync: true},
		{name: "per call sync fetch falls back to beacon", cfg: Config{UseSendBeacon: true, DisableFetchKeepAlive: true}, sendType: telemetry.SendSyncFetch, kind: KindBeacon, sync: true},
		{name: "always override while unloading", cfg: Config{UseSendBeacon: true, AlwaysUseXhrOverride: true}, override: true, unloading: true, kind: KindCustom, sync: true},
		{name: "unloading prefers beacon", cfg: Config{UseSendBeacon: true, Transports: []Kind{KindFetch}}, unloading: true, kind: KindBeacon, sync: true},
		{name: "unloading list", cfg: Config{UseSendBeacon: true, UnloadTransports: []Kind{KindFetch}}, unloading: true, kind: KindFetch, sync: true},
		{name: "unloading without beacon", cfg: Config{}, unloading: true, kind: KindFetch, sync: true},
		{name: "unloading without beacon or keepalive", cfg: Config{DisableFetchKeepAlive: true}, unloading: true, kind: KindXHR, sync: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newTestManager(tt.cfg)
			if tt.override {
				m.SetOverride(nopSender)
			}
			sel, err := m.Select(tt.unloading, tt.sendType, tt.isSync)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, sel.Kind)
			assert.Equal(t, tt.sync, sel.Sync)
			assert.Equal(t, tt.kind == KindBeacon, sel.Beacon)
			if !sel.Beacon {
				assert.NotNil(t, sel.Sender)
			}
		})
	}
}

func TestSelectNoTransport(t *testing.T) {
	m := NewManager(nil, nil, nil, Config{UseSendBeacon: true})
	_, err := m.Select(false, telemetry.SendBatched, false)
	assert.ErrorIs(t, err, ErrNoTransport)

	_, err = m.Select(true, telemetry.SendBatched, true)
	assert.ErrorIs(t, err, ErrNoTransport)

	m.SetOverride(nopSender)
	sel, err := m.Select(true, telemetry.SendBatched, true)
	require.NoError(t, err)
	assert.Equal(t, KindCustom, sel.Kind)
}

func TestPayloadCarriesConfig(t *testing.T) {
	m, _, _ := newTestManager(Config{DisableXhrSync: true, Timeout: 5})
	p := m.Payload("http://c", []byte("x"), map[string]string{"a": "b"})
	assert.True(t, p.DisableXhrSync)
	assert.False(t, p.DisableFetchKeepAlive)
	assert.EqualValues(t, 5, p.Timeout)
}

func beaconEvent(name string, size int) *telemetry.Event {
	evt := &telemetry.Event{Name: name, Token: "tok"}
	evt.SetPayload(bytes.Repeat([]byte("x"), size))
	return evt
}

func render(b *telemetry.EventBatch) (string, []byte, error) {
	records := make([][]byte, 0, b.Count())
	for _, e := range b.Events() {
		records = append(records, e.Payload())
	}
	return "http://collector", bytes.Join(records, []byte("\n")), nil
}

func TestSendBeaconSplitAndRetry(t *testing.T) {
	var bodies []int
	first := true
	beacon := BeaconFunc(func(_ string, data []byte) bool {
		bodies = append(bodies, len(data))
		if first {
			first = false
			return false
		}
		return true
	})
	m := NewManager(nil, nil, beacon, Config{UseSendBeacon: true, MaxBeaconBytes: 65536})

	batch := telemetry.NewEventBatch("tok", []*telemetry.Event{
		beaconEvent("a", 65536), beaconEvent("b", 65536), beaconEvent("c", 65536),
	})
	res := m.SendBeacon(batch, render)

	assert.Equal(t, 4, res.Calls)
	assert.Equal(t, []int{3*65536 + 2, 65536, 65536, 65536}, bodies)
	require.Len(t, res.Sent, 3)
	for _, b := range res.Sent {
		assert.Equal(t, 1, b.Count())
	}
	assert.Empty(t, res.Failed)
	assert.Empty(t, res.Oversized)
}

func TestSendBeaconFirstCallAccepted(t *testing.T) {
	calls := 0
	m := NewManager(nil, nil, BeaconFunc(func(string, []byte) bool {
		calls++
		return true
	}), Config{UseSendBeacon: true})

	batch := telemetry.NewEventBatch("tok", []*telemetry.Event{beaconEvent("a", 10), beaconEvent("b", 10)})
	res := m.SendBeacon(batch, render)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []*telemetry.EventBatch{batch}, res.Sent)
}

func TestSendBeaconFailuresAndOversized(t *testing.T) {
	m := NewManager(nil, nil, BeaconFunc(func(_ string, data []byte) bool {
		return bytes.Equal(data, bytes.Repeat([]byte("x"), 10))
	}), Config{UseSendBeacon: true, MaxBeaconBytes: 20})

	batch := telemetry.NewEventBatch("tok", []*telemetry.Event{
		beaconEvent("a", 10), beaconEvent("big", 30), beaconEvent("b", 15),
	})
	res := m.SendBeacon(batch, render)

	assert.Equal(t, 3, res.Calls)
	require.Len(t, res.Sent, 1)
	assert.Equal(t, "a", res.Sent[0].Events()[0].Name)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "b", res.Failed[0].Events()[0].Name)
	require.Len(t, res.Oversized, 1)
	assert.Equal(t, "big", res.Oversized[0].Name)
}

func TestSendBeaconUnavailable(t *testing.T) {
	m := NewManager(nil, nil, nil, Config{})
	batch := telemetry.NewEventBatch("tok", []*telemetry.Event{beaconEvent("a", 1)})
	res := m.SendBeacon(batch, render)
	assert.Equal(t, 0, res.Calls)
	assert.Equal(t, []*telemetry.EventBatch{batch}, res.Failed)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("beacon")
	require.NoError(t, err)
	assert.Equal(t, KindBeacon, k)
	assert.Equal(t, "fetch", KindFetch.String())

	_, err = ParseKind("carrier-pigeon")
	assert.Error(t, err)
}
