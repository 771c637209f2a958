package delivery

import (
	"bytes"
	"time"

	"github.com/newrelic/newrelic-telemetry-channel/loop"
	"github.com/newrelic/newrelic-telemetry-channel/telemetry"
	"github.com/newrelic/newrelic-telemetry-channel/transport"
)

const (
	testToken    = "tenant-token"
	testEndpoint = "https://collector.test/OneCollector/1.0/"
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recorder struct {
	lp    *loop.Manual
	notes []telemetry.Notification
}

func (r *recorder) Notify(n telemetry.Notification) {
	r.lp.Post(func() { r.notes = append(r.notes, n) })
}

func (r *recorder) NotifyDeferred(n telemetry.Notification) {
	r.lp.Post(func() {
		r.lp.Post(func() { r.notes = append(r.notes, n) })
	})
}

func (r *recorder) kinds() []telemetry.NotificationKind {
	out := make([]telemetry.NotificationKind, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.Kind)
	}
	return out
}

func (r *recorder) of(kind telemetry.NotificationKind) []telemetry.Notification {
	var out []telemetry.Notification
	for _, n := range r.notes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type requeueSink struct {
	batches []*telemetry.EventBatch
}

func (s *requeueSink) Requeue(batches []*telemetry.EventBatch) {
	s.batches = append(s.batches, batches...)
}

func (s *requeueSink) take() []*telemetry.EventBatch {
	out := s.batches
	s.batches = nil
	return out
}

type memStore struct {
	batches []*telemetry.EventBatch
	err     error
}

func (m *memStore) Store(batches []*telemetry.EventBatch) error {
	if m.err != nil {
		return m.err
	}
	m.batches = append(m.batches, batches...)
	return nil
}

// fakeSender answers every POST inline with the next status.
type fakeSender struct {
	statuses []int
	headers  map[string]string
	body     string
	calls    []*transport.Payload
	syncs    []bool
}

func (f *fakeSender) SendPOST(p *transport.Payload, onComplete transport.CompleteFunc, isSync bool) error {
	f.calls = append(f.calls, p)
	f.syncs = append(f.syncs, isSync)
	status := 200
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
	}
	onComplete(status, f.headers, f.body)
	return nil
}

type harness struct {
	lp       *loop.Manual
	mgr      *transport.Manager
	engine   *Engine
	notes    *recorder
	requeued *requeueSink
	ser      *telemetry.JSONSerializer
}

func newHarness(sender transport.Sender, tcfg transport.Config, mutate func(*Config)) *harness {
	mgr := transport.NewManager(nil, nil, nil, tcfg)
	if sender != nil {
		mgr.SetOverride(sender)
	}
	return newHarnessWithManager(mgr, mutate)
}

func newHarnessWithManager(mgr *transport.Manager, mutate func(*Config)) *harness {
	lp := loop.NewManual(testStart)
	cfg := DefaultConfig()
	cfg.Request.EndpointURL = testEndpoint
	if mutate != nil {
		mutate(&cfg)
	}
	notes := &recorder{lp: lp}
	requeued := &requeueSink{}
	ser := telemetry.NewJSONSerializer(0)
	return &harness{
		lp:       lp,
		mgr:      mgr,
		engine:   NewEngine(lp, mgr, ser, notes, requeued, cfg),
		notes:    notes,
		requeued: requeued,
		ser:      ser,
	}
}

func (h *harness) batch(n int) *telemetry.EventBatch {
	events := make([]*telemetry.Event, 0, n)
	for i := 0; i < n; i++ {
		evt := &telemetry.Event{Name: "evt", Token: testToken, Time: testStart, Latency: telemetry.LatencyRealTime}
		if err := h.ser.Serialize(evt); err != nil {
			panic(err)
		}
		events = append(events, evt)
	}
	return telemetry.NewEventBatch(testToken, events)
}

// settle fires every pending timer until none is left.
func (h *harness) settle() {
	h.lp.Drain()
	for i := 0; i < 50 && h.lp.PendingTimers() > 0; i++ {
		h.lp.Advance(time.Minute)
	}
	h.lp.Drain()
}

func sizedPayloadEvent(size int) *telemetry.Event {
	evt := &telemetry.Event{Name: "big", Token: testToken}
	evt.SetPayload(bytes.Repeat([]byte("x"), size))
	return evt
}
