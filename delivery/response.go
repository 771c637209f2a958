package delivery

import (
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/newrelic/newrelic-telemetry-channel/telemetry"
	"github.com/newrelic/newrelic-telemetry-channel/transport"
)

type response struct {
	status  int
	headers map[string]string
	body    string
}

// completion accepts the first result of a send. A result that arrives before SendPOST
// returns is kept for the caller; a later one has to be posted back to the loop.
type completion struct {
	mu       sync.Mutex
	called   bool
	returned bool
	early    *response
}

func (c *completion) deliver(res response) (post bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.called {
		return false
	}
	c.called = true
	if !c.returned {
		c.early = &res
		return false
	}
	return true
}

func (c *completion) markReturned() *response {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.returned = true
	return c.early
}

func (e *Engine) transmit(a *attempt, p *transport.Payload) {
	if e.torndown {
		return
	}

	c := &completion{}
	onComplete := func(status int, headers map[string]string, body string) {
		res := response{status: status, headers: headers, body: body}
		if c.deliver(res) {
			e.loop.Post(func() {
				e.handleResponse(a, res)
			})
		}
	}

	var err error
	if recovered := panics.Try(func() {
		err = a.sel.Sender.SendPOST(p, onComplete, a.sel.Sync)
	}); recovered != nil {
		err = recovered.AsError()
	}

	early := c.markReturned()
	switch {
	case early != nil:
		e.handleResponse(a, *early)
	case err != nil:
		// Stop a completion that shows up after the error from counting twice.
		c.deliver(response{})
		e.transportFailure(a, err)
	}
}

func (e *Engine) handleResponse(a *attempt, res response) {
	if e.torndown {
		return
	}
	e.settle()
	defer e.checkIdle()

	now := e.loop.Now()
	e.tokens.apply(telemetry.ParseKillHeaders(res.headers), now)
	if body, err := telemetry.ParseResponse(res.body); err != nil {
		l.Debugf("[delivery:handleResponse] %v", err)
	} else if body != nil && body.WebResult != nil && body.WebResult.Msfpc != "" {
		e.msfpc = body.WebResult.Msfpc
	}

	batches := []*telemetry.EventBatch{a.batch}
	if e.tokens.isKilled(a.batch.Token(), now) {
		e.discard(batches, telemetry.ReasonKillSwitch, a.sel.Sync)
		return
	}

	switch {
	case telemetry.IsSuccess(res.status), res.status == 0 && a.sel.Sync && (e.unloading || a.reason.IsUnload()):
		e.ks.reset()
		e.notifier.Notify(telemetry.Notification{
			Kind:    telemetry.NotifySent,
			Reason:  telemetry.ReasonComplete,
			Batches: batches,
			IsSync:  a.sel.Sync,
		})
	case res.status == 299:
		e.requeue(batches, telemetry.ReasonRequeueEvents, a.sel.Sync)
	default:
		e.failure(a, telemetry.ReasonForStatus(res.status))
	}
}

func (e *Engine) failure(a *attempt, reason telemetry.Reason) {
	e.ks.failure()
	l.Debugf("[delivery:failure] %s for %d events, attempt %d, kill switch level %d",
		reason, a.batch.Count(), a.batch.Events()[0].SendAttempt, e.ks.Level())

	batches := []*telemetry.EventBatch{a.batch}
	switch {
	case e.exhausted(a.batch):
		e.drop(batches, telemetry.ReasonNonRetryableStatus, a.sel.Sync)
	case a.sel.Sync:
		e.requeue(batches, reason, true)
	default:
		e.scheduleRetry(a)
	}
}
