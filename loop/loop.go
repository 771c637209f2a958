// Package loop provides the single cooperative event loop the channel runs on. Every
// state mutation of a channel happens inside a callback executed by its loop, so timer
// expiry, network completion and lifecycle signals interleave but never run in parallel.
package loop

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/newrelic/newrelic-telemetry-channel/util"
)

var l = util.NewPackageLogger("loop")

// Timer is a callback scheduled with AfterFunc.
type Timer interface {
	// Stop cancels the callback. It reports whether the call prevented it from running.
	Stop() bool
}

// Loop runs callbacks one at a time.
type Loop interface {
	// Post schedules fn for the next tick.
	Post(fn func())
	// AfterFunc schedules fn to run on the loop once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
	// Invoke runs fn on the loop and returns once it has completed. It must not be
	// called from a callback already running on the same loop.
	Invoke(fn func())
	// Now is the loop's clock.
	Now() time.Time
}

// EventLoop is a Loop backed by a dedicated goroutine.
type EventLoop struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
}

// New starts an EventLoop.
func New() *EventLoop {
	el := &EventLoop{done: make(chan struct{})}
	el.cond = sync.NewCond(&el.mu)
	go el.run()
	return el
}

func (el *EventLoop) run() {
	defer close(el.done)
	for {
		el.mu.Lock()
		for len(el.tasks) == 0 && !el.closed {
			el.cond.Wait()
		}
		if len(el.tasks) == 0 {
			el.mu.Unlock()
			return
		}
		fn := el.tasks[0]
		el.tasks[0] = nil
		el.tasks = el.tasks[1:]
		el.mu.Unlock()

		el.exec(fn)
	}
}

func (el *EventLoop) exec(fn func()) {
	var pc panics.Catcher
	pc.Try(fn)
	if r := pc.Recovered(); r != nil {
		l.Errorf("[loop:exec] callback panicked: %v", r.Value)
	}
}

func (el *EventLoop) post(fn func()) bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.closed {
		return false
	}
	el.tasks = append(el.tasks, fn)
	el.cond.Signal()
	return true
}

func (el *EventLoop) Post(fn func()) {
	if !el.post(fn) {
		l.Debugf("[loop:Post] loop closed, callback dropped")
	}
}

func (el *EventLoop) Invoke(fn func()) {
	done := make(chan struct{})
	if !el.post(func() {
		defer close(done)
		fn()
	}) {
		return
	}
	<-done
}

func (el *EventLoop) Now() time.Time {
	return time.Now()
}

const (
	timerPending int32 = iota
	timerFired
	timerStopped
)

type loopTimer struct {
	t     *time.Timer
	state atomic.Int32
}

func (lt *loopTimer) Stop() bool {
	lt.t.Stop()
	return lt.state.CompareAndSwap(timerPending, timerStopped)
}

func (el *EventLoop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		el.Post(func() {
			if lt.state.CompareAndSwap(timerPending, timerFired) {
				fn()
			}
		})
	})
	return lt
}

// Close stops accepting callbacks, runs the ones already queued and waits for the loop
// goroutine to exit.
func (el *EventLoop) Close() {
	el.mu.Lock()
	if !el.closed {
		el.closed = true
		el.cond.Broadcast()
	}
	el.mu.Unlock()
	<-el.done
}
