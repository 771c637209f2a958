// Package delivery drives a batch from hand-off to a terminal outcome: transport selection,
// payload preprocessing, response interpretation, backoff, retry, requeue and drop.
package delivery

import (
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/newrelic/newrelic-telemetry-channel/loop"
	"github.com/newrelic/newrelic-telemetry-channel/telemetry"
	"github.com/newrelic/newrelic-telemetry-channel/transport"
	"github.com/newrelic/newrelic-telemetry-channel/util"
)

var l = util.NewPackageLogger("delivery")

const (
	DefaultMaxRetryAttempts       = 6
	DefaultMaxUnloadRetryAttempts = 2
	DefaultMaxConnections         = 2
	DefaultPreprocessorTimeout    = 30 * time.Second
)

// Config is the delivery part of the channel configuration.
type Config struct {
	MaxRetryAttempts       int
	MaxUnloadRetryAttempts int
	// MaxConnections caps concurrent timer-driven requests. Flush and unload ignore it.
	MaxConnections      int
	EnableCompression   bool
	PreprocessorTimeout time.Duration
	Request             telemetry.RequestOptions
}

func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts:       DefaultMaxRetryAttempts,
		MaxUnloadRetryAttempts: DefaultMaxUnloadRetryAttempts,
		MaxConnections:         DefaultMaxConnections,
		PreprocessorTimeout:    DefaultPreprocessorTimeout,
		Request: telemetry.RequestOptions{
			AddNoResponse: true,
			WParam:        telemetry.WParamNative,
		},
	}
}

// Notifier publishes batch notifications. Deferred ones are delivered one tick later than
// anything published by the same call.
type Notifier interface {
	Notify(n telemetry.Notification)
	NotifyDeferred(n telemetry.Notification)
}

// Requeuer takes batches back as pending events.
type Requeuer interface {
	Requeue(batches []*telemetry.EventBatch)
}

// OfflineStore keeps batches that could not be delivered.
type OfflineStore interface {
	Store(batches []*telemetry.EventBatch) error
}

// Preprocessor may rewrite a payload before it is sent. It must call done exactly once;
// a payload whose hook never calls done is dropped without notification.
type Preprocessor func(p *transport.Payload, done func(*transport.Payload), isSync bool)

// attempt is one hand-off of a batch to a transport.
type attempt struct {
	batch    *telemetry.EventBatch
	reason   telemetry.SendReason
	sendType telemetry.SendType
	sel      transport.Selection
}

type pendingRetry struct {
	batch    *telemetry.EventBatch
	sendType telemetry.SendType
	timer    loop.Timer
}

// Engine owns every batch from the moment it is handed over until it succeeds, is
// requeued or is dropped. All methods must be called on the engine's loop.
type Engine struct {
	loop     loop.Loop
	mgr      *transport.Manager
	ser      telemetry.Serializer
	notifier Notifier
	requeuer Requeuer
	store    OfflineStore
	hook     Preprocessor
	cfg      Config

	ks         *killSwitch
	tokens     *tokenKillList
	compressor *util.Compressor
	msfpc      string

	unloading bool
	torndown  bool
	inFlight  int
	retries   map[*pendingRetry]struct{}
	idle      []func()
}

func NewEngine(lp loop.Loop, mgr *transport.Manager, ser telemetry.Serializer, notifier Notifier, requeuer Requeuer, cfg Config) *Engine {
	return &Engine{
		loop:       lp,
		mgr:        mgr,
		ser:        ser,
		notifier:   notifier,
		requeuer:   requeuer,
		cfg:        cfg,
		ks:         newKillSwitch(),
		tokens:     newTokenKillList(),
		compressor: util.NewCompressor(gzip.BestSpeed),
		retries:    map[*pendingRetry]struct{}{},
	}
}

func (e *Engine) SetStore(store OfflineStore) {
	e.store = store
}

func (e *Engine) SetPreprocessor(hook Preprocessor) {
	e.hook = hook
}

// SetConfig takes effect from the next send.
func (e *Engine) SetConfig(cfg Config) {
	e.cfg = cfg
}

func (e *Engine) Config() Config {
	return e.cfg
}

// KillSwitchLevel is the number of consecutive failed responses, capped.
func (e *Engine) KillSwitchLevel() int {
	return e.ks.Level()
}

// IntervalMultiplier is the factor the scheduler stretches its timers by.
func (e *Engine) IntervalMultiplier() int {
	return e.ks.Multiplier()
}

// IsTokenKilled reports whether the collector has asked to stop sending for token.
func (e *Engine) IsTokenKilled(token string) bool {
	return e.tokens.isKilled(token, e.loop.Now())
}

// SetUnloading switches to unload transports and retry limits. There is no way back.
func (e *Engine) SetUnloading() {
	e.unloading = true
}

func (e *Engine) IsUnloading() bool {
	return e.unloading
}

// InFlight counts requests that have not reached an outcome.
func (e *Engine) InFlight() int {
	return e.inFlight
}

// CanSend reports whether a timer-driven send may start another request.
func (e *Engine) CanSend() bool {
	max := e.cfg.MaxConnections
	if max <= 0 {
		max = DefaultMaxConnections
	}
	return !e.torndown && e.inFlight < max
}

// Idle is true when no request is outstanding and no retry is waiting.
func (e *Engine) Idle() bool {
	return e.inFlight == 0 && len(e.retries) == 0
}

// OnIdle runs fn once the engine is idle, immediately if it already is.
func (e *Engine) OnIdle(fn func()) {
	if e.Idle() {
		fn()
		return
	}
	e.idle = append(e.idle, fn)
}

// settle ends one in-flight request.
func (e *Engine) settle() {
	if e.inFlight > 0 {
		e.inFlight--
	}
}

func (e *Engine) checkIdle() {
	for e.Idle() && len(e.idle) > 0 {
		waiters := e.idle
		e.idle = nil
		for _, fn := range waiters {
			fn()
		}
	}
}

// Send hands each batch to a transport.
func (e *Engine) Send(batches []*telemetry.EventBatch, reason telemetry.SendReason, isSync bool) {
	for _, b := range batches {
		e.SendBatch(b, reason, telemetry.SendBatched, isSync)
	}
}

// SendBatch hands one batch to a transport picked for sendType and the current
// lifecycle state.
func (e *Engine) SendBatch(b *telemetry.EventBatch, reason telemetry.SendReason, sendType telemetry.SendType, isSync bool) {
	if e.torndown || b.Count() == 0 {
		return
	}
	if e.tokens.isKilled(b.Token(), e.loop.Now()) {
		e.discard([]*telemetry.EventBatch{b}, telemetry.ReasonKillSwitch, isSync)
		return
	}

	sel, err := e.mgr.Select(e.unloading, sendType, isSync)
	if err != nil {
		l.Warnf("[delivery:SendBatch] %v, dropping %d events", err, b.Count())
		e.drop([]*telemetry.EventBatch{b}, telemetry.ReasonEventsDropped, isSync)
		return
	}

	b.Seal()
	for _, evt := range b.Events() {
		evt.SendAttempt++
	}
	e.inFlight++
	a := &attempt{batch: b, reason: reason, sendType: sendType, sel: sel}

	e.notifier.Notify(telemetry.Notification{
		Kind:         telemetry.NotifySend,
		Reason:       reason.Sending(),
		Batches:      []*telemetry.EventBatch{b},
		IsSync:       sel.Sync,
		IsBeaconSend: sel.Beacon,
	})

	if sel.Beacon {
		e.sendBeacon(a)
		return
	}

	p, err := e.buildPayload(b)
	if err != nil {
		e.transportFailure(a, err)
		return
	}
	if e.hook != nil {
		e.preprocess(a, p)
		return
	}
	e.transmit(a, p)
}

func (e *Engine) requestOptions() telemetry.RequestOptions {
	opts := e.cfg.Request
	if opts.Msfpc == "" {
		opts.Msfpc = e.msfpc
	}
	return opts
}

func (e *Engine) buildPayload(b *telemetry.EventBatch) (*transport.Payload, error) {
	body := telemetry.Body(e.ser, b)
	req, err := telemetry.BuildRequest(e.requestOptions(), []string{b.Token()}, body, e.loop.Now(), false)
	if err != nil {
		return nil, err
	}
	data := req.Body
	if e.cfg.EnableCompression && len(req.Headers) > 0 {
		compressed, err := e.compressor.Compress(data)
		if err != nil {
			return nil, err
		}
		data = compressed
		req.Headers[telemetry.HeaderContentEncoding] = "gzip"
	}
	return e.mgr.Payload(req.URL, data, req.Headers), nil
}

func (e *Engine) renderBeacon(b *telemetry.EventBatch) (string, []byte, error) {
	body := telemetry.Body(e.ser, b)
	req, err := telemetry.BuildRequest(e.requestOptions(), []string{b.Token()}, body, e.loop.Now(), true)
	if err != nil {
		return "", nil, err
	}
	return req.URL, req.Body, nil
}

func (e *Engine) sendBeacon(a *attempt) {
	res := e.mgr.SendBeacon(a.batch, e.renderBeacon)
	e.settle()
	defer e.checkIdle()

	if len(res.Sent) > 0 {
		e.ks.reset()
		e.notifier.Notify(telemetry.Notification{
			Kind:         telemetry.NotifySent,
			Reason:       telemetry.ReasonComplete,
			Batches:      res.Sent,
			IsSync:       true,
			IsBeaconSend: true,
		})
	}
	if len(res.Oversized) > 0 {
		oversized := telemetry.NewEventBatch(a.batch.Token(), res.Oversized)
		e.discard([]*telemetry.EventBatch{oversized}, telemetry.ReasonSizeLimitExceeded, true)
	}
	if len(res.Failed) == 0 {
		return
	}
	switch {
	case e.store != nil:
		e.DropOrStore(res.Failed, telemetry.ReasonNonRetryableStatus)
	case e.unloading:
		e.drop(res.Failed, telemetry.ReasonNonRetryableStatus, true)
	default:
		e.requeue(res.Failed, telemetry.ReasonRequeueEvents, true)
	}
}

// exhausted reports whether the batch used up its attempts for the current lifecycle.
func (e *Engine) exhausted(b *telemetry.EventBatch) bool {
	ceiling := e.cfg.MaxRetryAttempts
	if e.unloading {
		ceiling = e.cfg.MaxUnloadRetryAttempts
	}
	for _, evt := range b.Events() {
		if evt.SendAttempt >= ceiling {
			return true
		}
	}
	return false
}

func (e *Engine) transportFailure(a *attempt, err error) {
	if e.torndown {
		return
	}
	e.settle()
	defer e.checkIdle()

	l.Warnf("[delivery:transportFailure] %s send of %d events failed: %v", a.sel.Kind, a.batch.Count(), err)
	batches := []*telemetry.EventBatch{a.batch}
	if e.exhausted(a.batch) {
		e.drop(batches, telemetry.ReasonNonRetryableStatus, a.sel.Sync)
		return
	}
	e.requeue(batches, telemetry.ReasonRequeueEvents, a.sel.Sync)
}

func (e *Engine) scheduleRetry(a *attempt) {
	pr := &pendingRetry{batch: a.batch, sendType: a.sendType}
	delay := e.ks.Delay()
	l.Debugf("[delivery:scheduleRetry] retrying %d events in %s", a.batch.Count(), delay)
	pr.timer = e.loop.AfterFunc(delay, func() {
		e.fireRetry(pr)
	})
	e.retries[pr] = struct{}{}
}

func (e *Engine) fireRetry(pr *pendingRetry) {
	if _, ok := e.retries[pr]; !ok {
		return
	}
	delete(e.retries, pr)
	e.SendBatch(pr.batch, telemetry.SendRetry, pr.sendType, false)
	e.checkIdle()
}

// RequeueRetries cancels every waiting retry and hands its batch back as pending events,
// so it can go out with the next synchronous send.
func (e *Engine) RequeueRetries() {
	if len(e.retries) == 0 {
		return
	}
	batches := make([]*telemetry.EventBatch, 0, len(e.retries))
	for pr := range e.retries {
		pr.timer.Stop()
		batches = append(batches, pr.batch)
	}
	e.retries = map[*pendingRetry]struct{}{}
	e.requeue(batches, telemetry.ReasonRequeueEvents, false)
	e.checkIdle()
}

// DropOrStore hands batches to the offline store when there is one and drops them, with
// reason, otherwise or when storing fails.
func (e *Engine) DropOrStore(batches []*telemetry.EventBatch, reason telemetry.Reason) {
	if len(batches) == 0 {
		return
	}
	if e.store != nil {
		err := e.store.Store(batches)
		if err == nil {
			l.Debugf("[delivery:DropOrStore] stored %d batches offline", len(batches))
			return
		}
		l.Warnf("[delivery:DropOrStore] offline store failed: %v", err)
	}
	e.drop(batches, reason, true)
}

func (e *Engine) requeue(batches []*telemetry.EventBatch, reason telemetry.Reason, isSync bool) {
	e.requeuer.Requeue(batches)
	e.notifier.Notify(telemetry.Notification{
		Kind:    telemetry.NotifyRequeue,
		Reason:  reason,
		Batches: batches,
		IsSync:  isSync,
	})
}

func (e *Engine) drop(batches []*telemetry.EventBatch, reason telemetry.Reason, isSync bool) {
	e.notifier.NotifyDeferred(telemetry.Notification{
		Kind:    telemetry.NotifyDrop,
		Reason:  reason,
		Batches: batches,
		IsSync:  isSync,
	})
}

func (e *Engine) discard(batches []*telemetry.EventBatch, reason telemetry.Reason, isSync bool) {
	e.notifier.NotifyDeferred(telemetry.Notification{
		Kind:    telemetry.NotifyDiscard,
		Reason:  reason,
		Batches: batches,
		IsSync:  isSync,
	})
}

// Teardown stops retries and makes the engine ignore any late completion.
func (e *Engine) Teardown() {
	if e.torndown {
		return
	}
	e.torndown = true
	for pr := range e.retries {
		pr.timer.Stop()
	}
	e.retries = map[*pendingRetry]struct{}{}
	e.inFlight = 0
	e.checkIdle()
}
