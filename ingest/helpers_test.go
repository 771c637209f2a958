package ingest

import (
	"sync"

	"github.com/newrelic/newrelic-telemetry-channel/telemetry"
)

type sinkRecorder struct {
	mu     sync.Mutex
	events []*telemetry.Event
}

func (s *sinkRecorder) Enqueue(events ...*telemetry.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
}

func (s *sinkRecorder) snapshot() []*telemetry.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*telemetry.Event(nil), s.events...)
}

func (s *sinkRecorder) count() int {
	return len(s.snapshot())
}
