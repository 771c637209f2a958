package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/newrelic/newrelic-telemetry-channel/config"
	"github.com/newrelic/newrelic-telemetry-channel/loop"
	"github.com/newrelic/newrelic-telemetry-channel/telemetry"
	"github.com/newrelic/newrelic-telemetry-channel/transport"
)

const testEndpoint = "https://collector.test/OneCollector/1.0/"

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// stubSender answers inline with the next status, or holds async sends when hold is set.
type stubSender struct {
	statuses []int
	headers  map[string]string
	hold     bool
	held     []transport.CompleteFunc
	calls    []*transport.Payload
	syncs    []bool
}

func (s *stubSender) SendPOST(p *transport.Payload, onComplete transport.CompleteFunc, isSync bool) error {
	s.calls = append(s.calls, p)
	s.syncs = append(s.syncs, isSync)
	if s.hold && !isSync {
		s.held = append(s.held, onComplete)
		return nil
	}
	status := 200
	if len(s.statuses) > 0 {
		status = s.statuses[0]
		if len(s.statuses) > 1 {
			s.statuses = s.statuses[1:]
		}
	}
	onComplete(status, s.headers, "")
	return nil
}

func (s *stubSender) release(status int) {
	held := s.held
	s.held = nil
	for _, cb := range held {
		cb(status, nil, "")
	}
}

type memStore struct {
	batches []*telemetry.EventBatch
}

func (m *memStore) Store(batches []*telemetry.EventBatch) error {
	m.batches = append(m.batches, batches...)
	return nil
}

type testChannel struct {
	lp     *loop.Manual
	ch     *Channel
	sender *stubSender
	notes  []telemetry.Notification
}

func newTestChannel(t *testing.T, sender *stubSender, mutate func(*config.Configuration), opts ...func(*Options)) *testChannel {
	cfg := config.Default()
	cfg.EndpointURL = testEndpoint
	cfg.WriteToken = testToken
	if mutate != nil {
		mutate(&cfg)
	}
	lp := loop.NewManual(testStart)
	o := Options{
		Config:     cfg,
		Loop:       lp,
		Transports: &Transports{},
		Override:   sender,
	}
	for _, fn := range opts {
		fn(&o)
	}
	ch, err := New(o)
	require.NoError(t, err)

	tc := &testChannel{lp: lp, ch: ch, sender: sender}
	ch.AddListener(func(n telemetry.Notification) {
		tc.notes = append(tc.notes, n)
	})
	return tc
}

func (tc *testChannel) kinds() []telemetry.NotificationKind {
	out := make([]telemetry.NotificationKind, 0, len(tc.notes))
	for _, n := range tc.notes {
		out = append(out, n.Kind)
	}
	return out
}

func (tc *testChannel) of(kind telemetry.NotificationKind) []telemetry.Notification {
	var out []telemetry.Notification
	for _, n := range tc.notes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func newEvent(name string, lt telemetry.Latency) *telemetry.Event {
	return &telemetry.Event{Name: name, Time: testStart, Latency: lt}
}

func newEvents(n int, lt telemetry.Latency) []*telemetry.Event {
	events := make([]*telemetry.Event, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, newEvent("evt", lt))
	}
	return events
}
