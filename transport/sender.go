// Package transport holds the senders that move request bodies to the collector and the
// manager that picks one of them per send.
package transport

import (
	"time"

	"github.com/pkg/errors"

	"github.com/newrelic/newrelic-telemetry-channel/util"
)

var l = util.NewPackageLogger("transport")

var (
	ErrNoTransport      = errors.New("no usable transport")
	ErrPayloadTooLarge  = errors.New("payload exceeds the transport size limit")
	ErrSenderClosed     = errors.New("sender is closed")
	ErrSyncNotSupported = errors.New("synchronous send is disabled for this transport")
)

// Kind names one of the built-in transports.
type Kind int

const (
	KindXHR Kind = iota
	KindFetch
	KindBeacon
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindXHR:
		return "xhr"
	case KindFetch:
		return "fetch"
	case KindBeacon:
		return "beacon"
	case KindCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// ParseKind maps a configured transport name onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "xhr":
		return KindXHR, nil
	case "fetch":
		return KindFetch, nil
	case "beacon":
		return KindBeacon, nil
	default:
		return 0, errors.Errorf("unknown transport %q", s)
	}
}

// Payload is one POST handed to a sender.
type Payload struct {
	URL     string
	Data    []byte
	Headers map[string]string
	// Timeout of zero means no limit beyond the sender's own.
	Timeout               time.Duration
	DisableXhrSync        bool
	DisableFetchKeepAlive bool
}

// CompleteFunc receives the outcome of a POST. A status of zero means no response was
// observed, including timeouts.
type CompleteFunc func(status int, headers map[string]string, body string)

// Sender is the uniform transport contract. SendPOST calls onComplete exactly once unless it
// returns an error, in which case it must not call it at all. When isSync is set the call
// completes before returning.
type Sender interface {
	SendPOST(p *Payload, onComplete CompleteFunc, isSync bool) error
}

// SenderFunc adapts a function into a Sender, typically for custom overrides.
type SenderFunc func(p *Payload, onComplete CompleteFunc, isSync bool) error

func (f SenderFunc) SendPOST(p *Payload, onComplete CompleteFunc, isSync bool) error {
	return f(p, onComplete, isSync)
}

// Beacon hands a body off for fire-and-forget delivery. It only reports whether the body
// was accepted.
type Beacon interface {
	SendBeacon(url string, data []byte) bool
}

// BeaconFunc adapts a function into a Beacon.
type BeaconFunc func(url string, data []byte) bool

func (f BeaconFunc) SendBeacon(url string, data []byte) bool {
	return f(url, data)
}
