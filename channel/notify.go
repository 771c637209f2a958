package channel

import (
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/newrelic/newrelic-telemetry-channel/loop"
	"github.com/newrelic/newrelic-telemetry-channel/telemetry"
)

// notifier fans notifications out to listeners on its own loop, so a listener may call
// back into the channel. Listeners get snapshots of the batches taken when the notification
// was raised; they never see events the channel is still changing.
type notifier struct {
	loop loop.Loop

	mu        sync.Mutex
	nextID    int
	listeners map[int]telemetry.Listener
	order     []int
}

func newNotifier(lp loop.Loop) *notifier {
	return &notifier{loop: lp, listeners: map[int]telemetry.Listener{}}
}

// add registers fn and returns a function that removes it.
func (n *notifier) add(fn telemetry.Listener) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = fn
	n.order = append(n.order, id)
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.listeners, id)
	}
}

func (n *notifier) Notify(note telemetry.Notification) {
	note = snapshot(note)
	n.loop.Post(func() {
		n.dispatch(note)
	})
}

// NotifyDeferred delivers note one tick after anything notified so far.
func (n *notifier) NotifyDeferred(note telemetry.Notification) {
	note = snapshot(note)
	n.loop.Post(func() {
		n.loop.Post(func() {
			n.dispatch(note)
		})
	})
}

func snapshot(note telemetry.Notification) telemetry.Notification {
	batches := make([]*telemetry.EventBatch, len(note.Batches))
	for i, b := range note.Batches {
		batches[i] = b.Snapshot()
	}
	note.Batches = batches
	return note
}

// run executes fn on the notifier loop.
func (n *notifier) run(fn func()) {
	if fn == nil {
		return
	}
	n.loop.Post(func() {
		var pc panics.Catcher
		pc.Try(fn)
		if r := pc.Recovered(); r != nil {
			l.Warnf("[channel:notify] callback panicked: %v", r.Value)
		}
	})
}

func (n *notifier) dispatch(note telemetry.Notification) {
	n.mu.Lock()
	listeners := make([]telemetry.Listener, 0, len(n.listeners))
	live := n.order[:0]
	for _, id := range n.order {
		if fn, ok := n.listeners[id]; ok {
			listeners = append(listeners, fn)
			live = append(live, id)
		}
	}
	n.order = live
	n.mu.Unlock()

	for _, fn := range listeners {
		var pc panics.Catcher
		pc.Try(func() { fn(note) })
		if r := pc.Recovered(); r != nil {
			l.Warnf("[channel:notify] listener panicked on %s: %v", note.Kind, r.Value)
		}
	}
}
