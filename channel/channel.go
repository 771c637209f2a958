// Package channel is the public face of the telemetry channel: it queues events by latency,
// decides when batches go out and hands them to the delivery engine.
package channel

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/newrelic/newrelic-telemetry-channel/config"
	"github.com/newrelic/newrelic-telemetry-channel/delivery"
	"github.com/newrelic/newrelic-telemetry-channel/loop"
	"github.com/newrelic/newrelic-telemetry-channel/telemetry"
	"github.com/newrelic/newrelic-telemetry-channel/transport"
	"github.com/newrelic/newrelic-telemetry-channel/util"
)

var l = util.NewPackageLogger("channel")

// Phase is a lifecycle signal delivered by the host.
type Phase int

const (
	// PhaseBeforeUnload pulls waiting retries back so the unload drain can send them.
	PhaseBeforeUnload Phase = iota
	// PhasePageHide sends everything queued synchronously without unloading.
	PhasePageHide
	// PhaseUnload drains the queue one last time. The channel stays unloading afterwards.
	PhaseUnload
)

func (p Phase) String() string {
	switch p {
	case PhaseBeforeUnload:
		return "BeforeUnload"
	case PhasePageHide:
		return "PageHide"
	case PhaseUnload:
		return "Unload"
	default:
		return "Unknown"
	}
}

// Transports are the built-in senders a channel may use. A nil field means the transport
// is unavailable.
type Transports struct {
	XHR    transport.Sender
	Fetch  transport.Sender
	Beacon transport.Beacon
}

// Options configure New. Only Config is required.
type Options struct {
	Config config.Configuration
	// Loop runs all channel state. When nil the channel starts its own loops and closes
	// them on Teardown.
	Loop loop.Loop
	// NotifyLoop runs listeners and completion callbacks. When nil the channel starts its
	// own, except with a loop.Manual Loop, whose Invoke runs inline and can be shared.
	NotifyLoop loop.Loop
	// Transports replaces the net/http senders built from Config.
	Transports   *Transports
	Override     transport.Sender
	Serializer   telemetry.Serializer
	Store        delivery.OfflineStore
	Preprocessor delivery.Preprocessor
}

// Channel accepts events from any goroutine. Every method runs on the channel's loop and
// must not be called from a callback already running on it; listeners and flush
// callbacks run on the notify loop and may call back in.
type Channel struct {
	loop   loop.Loop
	notify *notifier
	queue  *BatchQueue
	sched  *scheduler
	engine *delivery.Engine
	mgr    *transport.Manager
	ser    telemetry.Serializer
	cfg    config.Configuration

	owned   []*loop.EventLoop
	closers []interface{ Close() error }

	paused           bool
	unloaded         bool
	torndown         bool
	immediatePosted  bool
	autoFlushPosted  bool
	batchFullPosted  bool
	warnQueueFull    rate.Sometimes
	warnInvalidEvent rate.Sometimes
}

// New builds a channel from cfg and starts its timers on demand.
func New(opts Options) (*Channel, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "creating channel")
	}

	c := &Channel{
		cfg:              cfg,
		ser:              opts.Serializer,
		warnQueueFull:    rate.Sometimes{First: 1, Interval: time.Minute},
		warnInvalidEvent: rate.Sometimes{First: 1, Interval: time.Minute},
	}

	c.loop = opts.Loop
	notifyLoop := opts.NotifyLoop
	if c.loop == nil {
		el := loop.New()
		c.loop = el
		c.owned = append(c.owned, el)
	}
	if notifyLoop == nil {
		if manual, ok := opts.Loop.(*loop.Manual); ok {
			notifyLoop = manual
		} else {
			nl := loop.New()
			notifyLoop = nl
			c.owned = append(c.owned, nl)
		}
	}
	c.notify = newNotifier(notifyLoop)

	if c.ser == nil {
		c.ser = telemetry.NewJSONSerializer(cfg.MaxRecordSizeBytes)
	}

	tcfg, err := transportConfig(cfg)
	if err != nil {
		c.closeLoops()
		return nil, errors.Wrap(err, "creating channel")
	}
	ts := opts.Transports
	if ts == nil {
		ts = c.defaultTransports(cfg)
	}
	c.mgr = transport.NewManager(ts.XHR, ts.Fetch, ts.Beacon, tcfg)
	if opts.Override != nil {
		c.mgr.SetOverride(opts.Override)
	}

	c.queue = NewBatchQueue(queueConfig(cfg))
	c.engine = delivery.NewEngine(c.loop, c.mgr, c.ser, c.notify, requeuer(c.requeue), deliveryConfig(cfg))
	if opts.Store != nil {
		c.engine.SetStore(opts.Store)
	}
	if opts.Preprocessor != nil {
		c.engine.SetPreprocessor(opts.Preprocessor)
	}
	c.sched = newScheduler(c.loop, ProfileFor(cfg.TransmitProfile), c.engine.IntervalMultiplier, c.onTimer)

	l.Debugf("[channel:New] profile %s, endpoint %s", cfg.TransmitProfile, cfg.EndpointURL)
	return c, nil
}

func (c *Channel) defaultTransports(cfg config.Configuration) *Transports {
	httpClient := transport.NewHTTPClient()
	xhr := transport.NewXHRSender(httpClient)
	fetch := transport.NewFetchSender(httpClient)
	// useSendBeacon only gates selection, so the beacon is built even when it starts off.
	beacon := transport.NewBeaconQueue(httpClient, cfg.MaxBeaconSizeBytes, 0)
	c.closers = append(c.closers, xhr, fetch, beacon)
	return &Transports{XHR: xhr, Fetch: fetch, Beacon: beacon}
}

func queueConfig(cfg config.Configuration) QueueConfig {
	return QueueConfig{
		EventsLimitInMem:     cfg.EventsLimitInMem,
		ImmediateEventLimit:  cfg.ImmediateEventLimit,
		AutoFlushEventsLimit: cfg.AutoFlushEventsLimit,
		MaxEventsPerBatch:    cfg.MaxNumberEvtPerBatch,
		MaxRequestSizeBytes:  cfg.MaxRequestSizeBytes,
		QueueFullDropCount:   cfg.QueueFullDropCount,
	}
}

func deliveryConfig(cfg config.Configuration) delivery.Config {
	return delivery.Config{
		MaxRetryAttempts:       cfg.MaxEventRetryAttempts,
		MaxUnloadRetryAttempts: cfg.MaxUnloadEventRetryAttempts,
		MaxConnections:         cfg.MaxConnections,
		EnableCompression:      cfg.EnableCompression,
		PreprocessorTimeout:    cfg.PayloadPreprocessorTimeout,
		Request: telemetry.RequestOptions{
			EndpointURL:    cfg.EndpointURL,
			AvoidOptions:   cfg.AvoidOptions,
			AddNoResponse:  cfg.AddNoResponse,
			AnonCookieName: cfg.AnonCookieName,
			ClientVersion:  telemetry.SdkVersion,
			WParam:         telemetry.WParamNative,
		},
	}
}

func transportConfig(cfg config.Configuration) (transport.Config, error) {
	normal, err := parseKinds(cfg.Transports)
	if err != nil {
		return transport.Config{}, err
	}
	unload, err := parseKinds(cfg.UnloadTransports)
	if err != nil {
		return transport.Config{}, err
	}
	return transport.Config{
		Transports:            normal,
		UnloadTransports:      unload,
		AlwaysUseXhrOverride:  cfg.AlwaysUseXhrOverride,
		DisableXhrSync:        cfg.DisableXhrSync,
		DisableFetchKeepAlive: cfg.DisableFetchKeepAlive,
		UseSendBeacon:         cfg.UseSendBeacon,
		MaxBeaconBytes:        cfg.MaxBeaconSizeBytes,
		Timeout:               cfg.XhrTimeout,
	}, nil
}

func parseKinds(names []string) ([]transport.Kind, error) {
	kinds := make([]transport.Kind, 0, len(names))
	for _, name := range names {
		k, err := transport.ParseKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

type requeuer func(batches []*telemetry.EventBatch)

func (f requeuer) Requeue(batches []*telemetry.EventBatch) {
	f(batches)
}

// AddListener registers fn for every batch notification and returns a function that
// removes it.
func (c *Channel) AddListener(fn telemetry.Listener) func() {
	return c.notify.add(fn)
}

// SetOverride installs a custom sender in place of the built-in xhr transport.
func (c *Channel) SetOverride(s transport.Sender) {
	c.loop.Invoke(func() {
		c.mgr.SetOverride(s)
	})
}

// SetPreprocessor installs a hook that sees every payload before it is sent.
func (c *Channel) SetPreprocessor(hook delivery.Preprocessor) {
	c.loop.Invoke(func() {
		c.engine.SetPreprocessor(hook)
	})
}

// Enqueue queues events. An event that cannot be queued is reported to listeners as
// discarded; nothing is returned to the caller.
func (c *Channel) Enqueue(events ...*telemetry.Event) {
	c.loop.Invoke(func() {
		for _, evt := range events {
			c.enqueue(evt)
		}
	})
}

func (c *Channel) enqueue(evt *telemetry.Event) {
	if evt == nil || c.torndown {
		return
	}
	if evt.Token == "" {
		evt.Token = c.cfg.WriteToken
	}

	if evt.Payload() == nil {
		if err := c.ser.Serialize(evt); err != nil {
			reason := telemetry.ReasonInvalidEvent
			if errors.Is(err, telemetry.ErrSizeExceeded) {
				reason = telemetry.ReasonSizeLimitExceeded
			}
			c.warnInvalidEvent.Do(func() {
				l.Warnf("[channel:Enqueue] discarding event: %v", err)
			})
			c.discard([]*telemetry.Event{evt}, reason)
			return
		}
	} else if evt.Size() > c.cfg.MaxRecordSizeBytes {
		c.discard([]*telemetry.Event{evt}, telemetry.ReasonSizeLimitExceeded)
		return
	}

	if c.engine.IsTokenKilled(evt.Token) {
		c.discard([]*telemetry.Event{evt}, telemetry.ReasonKillSwitch)
		return
	}

	if evt.SendType != telemetry.SendBatched {
		b := telemetry.NewEventBatch(evt.Token, []*telemetry.Event{evt})
		c.engine.SendBatch(b, telemetry.SendUndefined, evt.SendType, true)
		return
	}

	if evicted := c.queue.Add(evt); len(evicted) > 0 {
		c.warnQueueFull.Do(func() {
			l.Warnf("[channel:Enqueue] queue full, discarding %d events", len(evicted))
		})
		c.discard(evicted, telemetry.ReasonQueueFull)
	}

	if c.unloaded {
		c.sendAll(telemetry.SendUnload, true)
		return
	}
	c.afterAdd()
}

// afterAdd reacts to the queue growing: immediate events go out next tick, an auto flush
// or a full batch goes out next tick, everything else waits for a timer.
func (c *Channel) afterAdd() {
	if c.paused {
		return
	}
	if c.queue.ImmediateCount() > 0 && !c.immediatePosted {
		c.immediatePosted = true
		c.loop.Post(c.sendImmediate)
	}

	limit := c.queue.Config().AutoFlushEventsLimit
	switch {
	case limit > 0 && c.queue.Count() >= limit:
		c.requestAutoFlush()
	case c.queue.Count() >= c.queue.Config().MaxEventsPerBatch && !c.batchFullPosted:
		c.batchFullPosted = true
		c.loop.Post(c.sendFullBatches)
	}
	c.schedule()
}

func (c *Channel) requestAutoFlush() {
	if c.autoFlushPosted {
		return
	}
	c.autoFlushPosted = true
	c.loop.Post(func() {
		c.autoFlushPosted = false
		if c.torndown || c.unloaded {
			return
		}
		c.sendAll(telemetry.SendMaxQueuedEvents, false)
	})
}

func (c *Channel) sendImmediate() {
	c.immediatePosted = false
	if c.paused || c.torndown || c.unloaded {
		return
	}
	qc := c.queue.Config()
	batches := c.queue.TakeAll(rankImmediate, qc.MaxEventsPerBatch, qc.MaxRequestSizeBytes)
	c.engine.Send(batches, telemetry.SendNormalSchedule, false)
}

// sendFullBatches sends whole batches while a full one is queued.
func (c *Channel) sendFullBatches() {
	c.batchFullPosted = false
	if c.paused || c.torndown || c.unloaded {
		return
	}
	qc := c.queue.Config()
	for c.queue.Count() >= qc.MaxEventsPerBatch && c.engine.CanSend() {
		b := c.queue.TakeNextBatch(rankAll, qc.MaxEventsPerBatch, qc.MaxRequestSizeBytes)
		if b == nil {
			break
		}
		c.engine.Send([]*telemetry.EventBatch{b}, telemetry.SendMaxBatchSize, false)
	}
	c.schedule()
}

// schedule arms the timers the queued events need.
func (c *Channel) schedule() {
	if c.paused || c.torndown || c.unloaded {
		return
	}
	if c.queue.CountUpTo(rankRealTime)-c.queue.ImmediateCount() > 0 {
		c.sched.arm(timerRealTime)
	}
	if c.queue.Count()-c.queue.CountUpTo(rankRealTime)+c.queue.ImmediateCount() > 0 {
		c.sched.arm(timerNormal)
	}
}

func (c *Channel) onTimer(maxRank int) {
	if c.paused || c.torndown || c.unloaded {
		return
	}
	qc := c.queue.Config()
	for c.engine.CanSend() {
		b := c.queue.TakeNextBatch(maxRank, qc.MaxEventsPerBatch, qc.MaxRequestSizeBytes)
		if b == nil {
			break
		}
		c.engine.Send([]*telemetry.EventBatch{b}, telemetry.SendNormalSchedule, false)
	}
	c.schedule()
}

// sendAll hands every queued event to the engine, ignoring the connection limit.
func (c *Channel) sendAll(reason telemetry.SendReason, isSync bool) {
	qc := c.queue.Config()
	batches := c.queue.TakeAll(rankAll, qc.MaxEventsPerBatch, qc.MaxRequestSizeBytes)
	c.engine.Send(batches, reason, isSync)
}

func (c *Channel) requeue(batches []*telemetry.EventBatch) {
	if c.torndown {
		return
	}
	if evicted := c.queue.Requeue(batches); len(evicted) > 0 {
		c.discard(evicted, telemetry.ReasonQueueFull)
	}
	c.schedule()
}

func (c *Channel) discard(events []*telemetry.Event, reason telemetry.Reason) {
	c.notify.NotifyDeferred(telemetry.Notification{
		Kind:    telemetry.NotifyDiscard,
		Reason:  reason,
		Batches: groupByToken(events),
	})
}

// groupByToken batches events per write token, tokens in order of first appearance.
func groupByToken(events []*telemetry.Event) []*telemetry.EventBatch {
	var batches []*telemetry.EventBatch
	index := map[string]int{}
	for _, evt := range events {
		i, ok := index[evt.Token]
		if !ok {
			i = len(batches)
			index[evt.Token] = i
			batches = append(batches, telemetry.NewEventBatch(evt.Token, nil))
		}
		batches[i].Append(evt)
	}
	return batches
}

// Flush sends everything queued. A synchronous flush hands all batches to the transports
// in sync mode before returning; an asynchronous one starts on the next tick. onComplete,
// when set, runs on the notify loop once no request is outstanding and no retry waits.
func (c *Channel) Flush(isAsync bool, onComplete func()) {
	c.loop.Invoke(func() {
		if c.torndown {
			c.notify.run(onComplete)
			return
		}
		if !isAsync {
			c.flush(false, onComplete)
			return
		}
		c.loop.Post(func() {
			c.flush(true, onComplete)
		})
	})
}

func (c *Channel) flush(isAsync bool, onComplete func()) {
	c.sendAll(telemetry.SendManualFlush, !isAsync)
	c.engine.OnIdle(func() {
		c.notify.run(onComplete)
	})
}

// OnLifecycleEvent delivers a host lifecycle signal.
func (c *Channel) OnLifecycleEvent(phase Phase) {
	c.loop.Invoke(func() {
		if c.torndown {
			return
		}
		l.Debugf("[channel:OnLifecycleEvent] %s", phase)
		switch phase {
		case PhaseBeforeUnload:
			c.engine.RequeueRetries()
		case PhasePageHide:
			c.engine.RequeueRetries()
			c.sendAll(telemetry.SendPageHide, true)
		case PhaseUnload:
			c.unload()
		}
	})
}

// unload switches to unload mode for good and drains the queue synchronously, a bounded
// number of times. What is left after that is stored or dropped.
func (c *Channel) unload() {
	if c.unloaded {
		return
	}
	c.unloaded = true
	c.sched.stop()
	c.engine.SetUnloading()
	c.engine.RequeueRetries()
	c.drainSync(telemetry.SendUnload)
}

func (c *Channel) drainSync(reason telemetry.SendReason) {
	rounds := c.cfg.MaxUnloadEventRetryAttempts
	for i := 0; i <= rounds && c.queue.Len() > 0; i++ {
		c.sendAll(reason, true)
	}
	if leftovers := c.queue.Clear(); len(leftovers) > 0 {
		l.Debugf("[channel:drainSync] %d events left after final drain", len(leftovers))
		c.engine.DropOrStore(groupByToken(leftovers), telemetry.ReasonNonRetryableStatus)
	}
}

// UpdateConfig applies a dynamic configuration update. Keys that fail validation are
// returned as errors and keep their previous values; the rest take effect from the next
// scheduling decision.
func (c *Channel) UpdateConfig(updates map[string]interface{}) []error {
	var errs []error
	c.loop.Invoke(func() {
		next, updateErrs := config.ApplyDynamic(c.cfg, updates)
		errs = updateErrs
		tcfg, err := transportConfig(next)
		if err != nil {
			errs = append(errs, errors.Wrap(config.ErrInvalidValue, err.Error()))
			next.Transports = c.cfg.Transports
			next.UnloadTransports = c.cfg.UnloadTransports
			tcfg, _ = transportConfig(next)
		}
		c.apply(next, tcfg)
	})
	return errs
}

// SetLimits changes the in-memory limit and the auto flush threshold.
func (c *Channel) SetLimits(memLimit int, autoFlushLimit int) []error {
	return c.UpdateConfig(map[string]interface{}{
		"eventsLimitInMem":     memLimit,
		"autoFlushEventsLimit": autoFlushLimit,
	})
}

func (c *Channel) apply(next config.Configuration, tcfg transport.Config) {
	prevAuto := c.cfg.AutoFlushEventsLimit
	c.cfg = next
	c.queue.SetConfig(queueConfig(next))
	c.engine.SetConfig(deliveryConfig(next))
	c.mgr.SetConfig(tcfg)
	c.sched.setProfile(ProfileFor(next.TransmitProfile))

	auto := next.AutoFlushEventsLimit
	shrunk := auto > 0 && (prevAuto == 0 || auto < prevAuto)
	if shrunk && c.queue.Count() >= auto && !c.torndown && !c.unloaded {
		c.requestAutoFlush()
	}
}

// Pause stops timer-driven sending. Events keep queueing and Flush still sends.
func (c *Channel) Pause() {
	c.loop.Invoke(func() {
		c.paused = true
		c.sched.stop()
	})
}

// Resume restarts timer-driven sending.
func (c *Channel) Resume() {
	c.loop.Invoke(func() {
		if !c.paused {
			return
		}
		c.paused = false
		c.afterAdd()
	})
}

// Stats is a snapshot of the channel state.
type Stats struct {
	Queued          int
	Immediate       int
	InFlight        int
	KillSwitchLevel int
	Unloading       bool
}

func (c *Channel) Stats() Stats {
	var s Stats
	c.loop.Invoke(func() {
		s = Stats{
			Queued:          c.queue.Count(),
			Immediate:       c.queue.ImmediateCount(),
			InFlight:        c.engine.InFlight(),
			KillSwitchLevel: c.engine.KillSwitchLevel(),
			Unloading:       c.engine.IsUnloading(),
		}
	})
	return s
}

// Teardown sends what is queued synchronously, stops all timers and ignores any response
// that arrives later. Loops started by New are closed.
func (c *Channel) Teardown() {
	c.loop.Invoke(func() {
		if c.torndown {
			return
		}
		c.sched.stop()
		if !c.unloaded {
			c.drainSync(telemetry.SendSdkUnload)
		}
		c.engine.Teardown()
		c.torndown = true
	})
	for _, closer := range c.closers {
		util.Close(closer)
	}
	c.closers = nil
	c.closeLoops()
}

func (c *Channel) closeLoops() {
	for _, el := range c.owned {
		el.Close()
	}
	c.owned = nil
}
