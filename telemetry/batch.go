package telemetry

// EventBatch holds the events of one write token. Events keep their insertion order.
// A batch accepts appends until it is sealed, which happens when it is handed to the
// network layer.
type EventBatch struct {
	token  string
	events []*Event
	size   int
	sealed bool
}

const sizeUnknown = -1

// NewEventBatch constructs a batch. Sizes are not validated here.
func NewEventBatch(token string, events []*Event) *EventBatch {
	evts := make([]*Event, 0, len(events))
	evts = append(evts, events...)
	return &EventBatch{
		token:  token,
		events: evts,
		size:   sizeUnknown,
	}
}

func (b *EventBatch) Token() string {
	return b.token
}

// Append adds evt at the end. It reports false, leaving the batch untouched, once sealed.
func (b *EventBatch) Append(evt *Event) bool {
	if b.sealed {
		return false
	}
	b.events = append(b.events, evt)
	b.size = sizeUnknown
	return true
}

func (b *EventBatch) Count() int {
	return len(b.events)
}

// Events returns the batch's events in order. The slice must not be modified.
func (b *EventBatch) Events() []*Event {
	return b.events
}

// SizeBytes is the length of the newline-joined serialized events.
func (b *EventBatch) SizeBytes() int {
	if b.size == sizeUnknown {
		size := 0
		for i, evt := range b.events {
			if i > 0 {
				size++
			}
			size += evt.Size()
		}
		b.size = size
	}
	return b.size
}

// Snapshot copies the batch and its events, so the copy can be read on another goroutine
// while the channel keeps updating the originals. Payloads and data maps are shared and must
// be treated as read-only.
func (b *EventBatch) Snapshot() *EventBatch {
	evts := make([]*Event, len(b.events))
	for i, evt := range b.events {
		cp := *evt
		evts[i] = &cp
	}
	return &EventBatch{
		token:  b.token,
		events: evts,
		size:   b.size,
		sealed: b.sealed,
	}
}

// Seal freezes the event list.
func (b *EventBatch) Seal() {
	b.sealed = true
}

func (b *EventBatch) IsSealed() bool {
	return b.sealed
}

// Split greedily keeps events from the front in head while their joined size stays within
// maxBytes; every later event goes to rest. Events that alone exceed maxBytes are in
// neither half and are returned as oversized. Both halves are open batches; either may be
// empty.
func (b *EventBatch) Split(maxBytes int) (head *EventBatch, rest *EventBatch, oversized []*Event) {
	head = NewEventBatch(b.token, nil)
	rest = NewEventBatch(b.token, nil)

	headSize := 0
	filling := true
	for _, evt := range b.events {
		if evt.Size() > maxBytes {
			oversized = append(oversized, evt)
			continue
		}
		if filling {
			added := evt.Size()
			if head.Count() > 0 {
				added++
			}
			if headSize+added <= maxBytes {
				head.events = append(head.events, evt)
				headSize += added
				continue
			}
			filling = false
		}
		rest.events = append(rest.events, evt)
	}

	return head, rest, oversized
}
