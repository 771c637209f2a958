package transport

import (
	"sync"
	"time"

	"github.com/newrelic/newrelic-telemetry-channel/telemetry"
)

// Config is the transport part of the channel configuration.
type Config struct {
	// Transports is the preference list for normal sends. Empty means xhr.
	Transports []Kind
	// UnloadTransports is the preference list once unloading. Empty means beacon, then
	// keep-alive fetch, then synchronous xhr.
	UnloadTransports []Kind

	AlwaysUseXhrOverride  bool
	DisableXhrSync        bool
	DisableFetchKeepAlive bool
	UseSendBeacon         bool
	MaxBeaconBytes        int
	Timeout               time.Duration
}

// Selection is the transport picked for one send.
type Selection struct {
	Kind   Kind
	Sender Sender
	// Beacon is set when the send must go through SendBeacon instead of Sender.
	Beacon bool
	// Sync tells whether Sender is to be called in synchronous mode.
	Sync bool
}

// Manager owns the available senders and decides which one serves each send.
type Manager struct {
	mu       sync.RWMutex
	xhr      Sender
	fetch    Sender
	beacon   Beacon
	override Sender
	cfg      Config
}

// NewManager takes the built-in senders. Any of them may be nil when unavailable.
func NewManager(xhr Sender, fetch Sender, beacon Beacon, cfg Config) *Manager {
	return &Manager{
		xhr:    xhr,
		fetch:  fetch,
		beacon: beacon,
		cfg:    cfg,
	}
}

// SetOverride installs a custom sender that replaces the built-in xhr transport. A nil
// sender restores the built-in one. The change applies to the next selection.
func (m *Manager) SetOverride(s Sender) {
	m.mu.Lock()
	m.override = s
	m.mu.Unlock()
}

func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Payload prepares a payload carrying the transport-level flags of the current config.
func (m *Manager) Payload(url string, data []byte, headers map[string]string) *Payload {
	cfg := m.Config()
	return &Payload{
		URL:                   url,
		Data:                  data,
		Headers:               headers,
		Timeout:               cfg.Timeout,
		DisableXhrSync:        cfg.DisableXhrSync,
		DisableFetchKeepAlive: cfg.DisableFetchKeepAlive,
	}
}

// Select resolves the transport for a send. An explicit send type on the events wins,
// then an always-on override, then the unload preferences, then the normal preferences.
func (m *Manager) Select(unloading bool, sendType telemetry.SendType, isSync bool) (Selection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch sendType {
	case telemetry.SendSynchronous:
		if sel, ok := m.xhrSelection(true); ok {
			return sel, nil
		}
	case telemetry.SendBeacon:
		if sel, ok := m.beaconSelection(); ok {
			return sel, nil
		}
		if sel, ok := m.xhrSelection(true); ok {
			return sel, nil
		}
	case telemetry.SendSyncFetch:
		if sel, ok := m.keepAliveSelection(); ok {
			return sel, nil
		}
		if sel, ok := m.beaconSelection(); ok {
			return sel, nil
		}
		if sel, ok := m.xhrSelection(true); ok {
			return sel, nil
		}
	}

	if m.cfg.AlwaysUseXhrOverride && m.override != nil {
		return Selection{Kind: KindCustom, Sender: m.override, Sync: isSync || unloading}, nil
	}

	if unloading {
		for _, kind := range m.cfg.UnloadTransports {
			if sel, ok := m.unloadSelection(kind); ok {
				return sel, nil
			}
		}
		for _, kind := range []Kind{KindBeacon, KindFetch, KindXHR} {
			if sel, ok := m.unloadSelection(kind); ok {
				return sel, nil
			}
		}
		return Selection{}, ErrNoTransport
	}

	for _, kind := range m.cfg.Transports {
		if sel, ok := m.normalSelection(kind, isSync); ok {
			return sel, nil
		}
	}
	if sel, ok := m.xhrSelection(isSync); ok {
		return sel, nil
	}
	return Selection{}, ErrNoTransport
}

func (m *Manager) unloadSelection(kind Kind) (Selection, bool) {
	switch kind {
	case KindBeacon:
		return m.beaconSelection()
	case KindFetch:
		return m.keepAliveSelection()
	case KindXHR:
		return m.xhrSelection(true)
	}
	return Selection{}, false
}

func (m *Manager) normalSelection(kind Kind, isSync bool) (Selection, bool) {
	switch kind {
	case KindBeacon:
		return m.beaconSelection()
	case KindFetch:
		if isSync {
			return m.keepAliveSelection()
		}
		if m.fetch != nil {
			return Selection{Kind: KindFetch, Sender: m.fetch}, true
		}
	case KindXHR:
		return m.xhrSelection(isSync)
	}
	return Selection{}, false
}

func (m *Manager) xhrSelection(isSync bool) (Selection, bool) {
	if m.override != nil {
		return Selection{Kind: KindCustom, Sender: m.override, Sync: isSync}, true
	}
	if m.xhr == nil {
		return Selection{}, false
	}
	return Selection{Kind: KindXHR, Sender: m.xhr, Sync: isSync}, true
}

func (m *Manager) beaconSelection() (Selection, bool) {
	if m.beacon == nil || !m.cfg.UseSendBeacon {
		return Selection{}, false
	}
	return Selection{Kind: KindBeacon, Beacon: true, Sync: true}, true
}

func (m *Manager) keepAliveSelection() (Selection, bool) {
	if m.fetch == nil || m.cfg.DisableFetchKeepAlive {
		return Selection{}, false
	}
	return Selection{Kind: KindFetch, Sender: m.fetch, Sync: true}, true
}

// BodyFunc renders the beacon URL and body of a batch.
type BodyFunc func(b *telemetry.EventBatch) (url string, body []byte, err error)

// BeaconResult reports what a beacon send did with each part of the batch.
type BeaconResult struct {
	Calls     int
	Sent      []*telemetry.EventBatch
	Failed    []*telemetry.EventBatch
	Oversized []*telemetry.Event
}

// SendBeacon sends batch as one beacon. If that is rejected the batch is split into
// chunks that fit the beacon size limit and each chunk gets one more attempt. Events that
// cannot fit on their own are reported as oversized.
func (m *Manager) SendBeacon(batch *telemetry.EventBatch, render BodyFunc) BeaconResult {
	m.mu.RLock()
	beacon := m.beacon
	maxBytes := m.cfg.MaxBeaconBytes
	m.mu.RUnlock()
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBeaconBytes
	}

	var res BeaconResult
	if beacon == nil {
		res.Failed = append(res.Failed, batch)
		return res
	}

	if m.beaconCall(beacon, batch, render, &res) {
		res.Sent = append(res.Sent, batch)
		return res
	}

	l.Debugf("[beacon:SendBeacon] rejected %d events (%d bytes), splitting", batch.Count(), batch.SizeBytes())
	rest := batch
	for rest.Count() > 0 {
		head, remainder, oversized := rest.Split(maxBytes)
		res.Oversized = append(res.Oversized, oversized...)
		if head.Count() == 0 {
			break
		}
		head.Seal()
		if m.beaconCall(beacon, head, render, &res) {
			res.Sent = append(res.Sent, head)
		} else {
			res.Failed = append(res.Failed, head)
		}
		rest = remainder
	}
	return res
}

func (m *Manager) beaconCall(beacon Beacon, b *telemetry.EventBatch, render BodyFunc, res *BeaconResult) bool {
	url, body, err := render(b)
	if err != nil {
		l.Warnf("[beacon:SendBeacon] rendering body: %v", err)
		return false
	}
	res.Calls++
	return beacon.SendBeacon(url, body)
}
