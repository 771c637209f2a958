package telemetry

import (
	"bytes"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	SchemaVersion = "4.0"
	SdkVersion    = "nr-channel-go-1.0.0"

	DefaultMaxRecordSize = 2000000
)

var ErrSizeExceeded = errors.New("serialized event exceeds the maximum record size")

// Serializer turns events into wire records and wire records into request bodies.
type Serializer interface {
	// Serialize stores the wire form on evt. It returns ErrSizeExceeded when the record is
	// larger than the per-record limit.
	Serialize(evt *Event) error
	// Batch joins serialized records into a newline-delimited body.
	Batch(records [][]byte) []byte
}

type sdkExt struct {
	Ver   string `json:"ver"`
	Epoch string `json:"epoch"`
	Seq   uint64 `json:"seq"`
}

type wireExt struct {
	Sdk sdkExt `json:"sdk"`
}

type wireEvent struct {
	Name string                 `json:"name"`
	Time string                 `json:"time"`
	Ver  string                 `json:"ver"`
	IKey string                 `json:"iKey"`
	Ext  wireExt                `json:"ext"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// JSONSerializer writes each event as one JSON object stamped with the SDK envelope.
type JSONSerializer struct {
	MaxRecordSize int

	epoch string
	seq   atomic.Uint64
}

func NewJSONSerializer(maxRecordSize int) *JSONSerializer {
	if maxRecordSize <= 0 {
		maxRecordSize = DefaultMaxRecordSize
	}
	return &JSONSerializer{
		MaxRecordSize: maxRecordSize,
		epoch:         uuid.New().String(),
	}
}

// Epoch identifies this serializer instance on every record it writes.
func (s *JSONSerializer) Epoch() string {
	return s.epoch
}

func (s *JSONSerializer) Serialize(evt *Event) error {
	if evt == nil {
		return errors.New("nil event")
	}
	ts := evt.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	rec := wireEvent{
		Name: evt.Name,
		Time: ts.UTC().Format(time.RFC3339Nano),
		Ver:  SchemaVersion,
		IKey: InstrumentationKey(evt.Token),
		Ext: wireExt{Sdk: sdkExt{
			Ver:   SdkVersion,
			Epoch: s.epoch,
			Seq:   s.seq.Add(1),
		}},
		Data: evt.Data,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrapf(err, "serializing event %q", evt.Name)
	}
	if len(b) > s.MaxRecordSize {
		return errors.Wrapf(ErrSizeExceeded, "event %q is %d bytes", evt.Name, len(b))
	}
	evt.payload = b
	return nil
}

func (s *JSONSerializer) Batch(records [][]byte) []byte {
	return bytes.Join(records, []byte("\n"))
}

// Body joins the serialized events of a batch.
func Body(s Serializer, b *EventBatch) []byte {
	records := make([][]byte, 0, b.Count())
	for _, evt := range b.Events() {
		records = append(records, evt.Payload())
	}
	return s.Batch(records)
}

// TenantToken is the part of a write token before the first dash.
func TenantToken(token string) string {
	if i := strings.IndexByte(token, '-'); i >= 0 {
		return token[:i]
	}
	return token
}

// InstrumentationKey is the iKey field derived from a write token.
func InstrumentationKey(token string) string {
	return "o:" + TenantToken(token)
}
