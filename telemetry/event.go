package telemetry

import (
	"time"
)

// Latency is the priority tier of an event. Higher values are sent first.
type Latency int

const (
	LatencyUnspecified  Latency = 0
	LatencyNormal       Latency = 1
	LatencyCostDeferred Latency = 2
	LatencyRealTime     Latency = 3
	LatencyImmediate    Latency = 4
)

// Priority lists the latency classes from most to least urgent.
var Priority = []Latency{LatencyImmediate, LatencyRealTime, LatencyNormal, LatencyCostDeferred}

func (lt Latency) String() string {
	switch lt {
	case LatencyNormal:
		return "Normal"
	case LatencyCostDeferred:
		return "CostDeferred"
	case LatencyRealTime:
		return "RealTime"
	case LatencyImmediate:
		return "Immediate"
	default:
		return "Unspecified"
	}
}

// Normalize maps unknown values onto Normal.
func (lt Latency) Normalize() Latency {
	switch lt {
	case LatencyNormal, LatencyCostDeferred, LatencyRealTime, LatencyImmediate:
		return lt
	default:
		return LatencyNormal
	}
}

// SendType is an explicit per-event request for how the event leaves the process.
type SendType int

const (
	SendBatched     SendType = 0
	SendSynchronous SendType = 1
	SendBeacon      SendType = 2
	SendSyncFetch   SendType = 3
)

func (st SendType) String() string {
	switch st {
	case SendSynchronous:
		return "Synchronous"
	case SendBeacon:
		return "SendBeacon"
	case SendSyncFetch:
		return "SyncFetch"
	default:
		return "Batched"
	}
}

// Event is a single telemetry record. After serialization the channel only looks at its
// token, latency, send type, attempt counter and serialized size.
type Event struct {
	Name     string
	Token    string
	Time     time.Time
	Latency  Latency
	SendType SendType
	Data     map[string]interface{}

	// SendAttempt counts how many times the event was handed to a transport.
	SendAttempt int

	payload []byte
}

// Payload is the serialized wire form, nil until serialized.
func (e *Event) Payload() []byte {
	return e.payload
}

// SetPayload stores an already serialized wire form, e.g. one restored from storage.
func (e *Event) SetPayload(b []byte) {
	e.payload = b
}

// Size is the serialized byte length, or zero before serialization.
func (e *Event) Size() int {
	return len(e.payload)
}
