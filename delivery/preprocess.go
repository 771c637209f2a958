package delivery

import (
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/newrelic/newrelic-telemetry-channel/loop"
	"github.com/newrelic/newrelic-telemetry-channel/transport"
)

// continuation guards the done callback handed to a preprocessor. Only the first of a
// call or the timeout wins.
type continuation struct {
	mu       sync.Mutex
	finished bool
	returned bool
	early    *transport.Payload
}

func (c *continuation) deliver(p *transport.Payload) (post bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	c.finished = true
	if !c.returned {
		c.early = p
		return false
	}
	return true
}

func (c *continuation) markReturned() *transport.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.returned = true
	return c.early
}

func (c *continuation) expire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	c.finished = true
	return true
}

func (e *Engine) preprocess(a *attempt, p *transport.Payload) {
	c := &continuation{}
	var timer loop.Timer

	done := func(np *transport.Payload) {
		if np == nil {
			np = p
		}
		if c.deliver(np) {
			e.loop.Post(func() {
				if timer != nil {
					timer.Stop()
				}
				e.transmit(a, np)
			})
		}
	}

	recovered := panics.Try(func() {
		e.hook(p, done, a.sel.Sync)
	})
	if recovered != nil {
		l.Warnf("[delivery:preprocess] payload preprocessor panicked: %v", recovered.Value)
	}

	switch np := c.markReturned(); {
	case np != nil:
		e.transmit(a, np)
	case recovered != nil && c.expire():
		e.transmit(a, p)
	case a.sel.Sync && c.expire():
		l.Debugf("[delivery:preprocess] preprocessor did not continue a sync send, dropping %d events", a.batch.Count())
		e.settle()
		e.checkIdle()
	default:
		timeout := e.cfg.PreprocessorTimeout
		if timeout <= 0 {
			timeout = DefaultPreprocessorTimeout
		}
		timer = e.loop.AfterFunc(timeout, func() {
			if c.expire() {
				l.Warnf("[delivery:preprocess] preprocessor timed out, dropping %d events", a.batch.Count())
				e.settle()
				e.checkIdle()
			}
		})
	}
}
