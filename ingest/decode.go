// Package ingest feeds newline-delimited JSON events into a channel, from a local HTTP
// endpoint or a named pipe.
package ingest

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/newrelic/newrelic-telemetry-channel/telemetry"
	"github.com/newrelic/newrelic-telemetry-channel/util"
)

var l = util.NewPackageLogger("ingest")

// MaxLineBytes bounds a single NDJSON line.
const MaxLineBytes = 4 << 20

var ErrMalformedEvent = errors.New("malformed event")

// Sink takes decoded events. *channel.Channel is one.
type Sink interface {
	Enqueue(events ...*telemetry.Event)
}

type record struct {
	Name     string                 `json:"name"`
	Token    string                 `json:"token,omitempty"`
	Time     time.Time              `json:"time,omitempty"`
	Latency  string                 `json:"latency,omitempty"`
	SendType string                 `json:"sendType,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// Decode reads one JSON event per line. Blank lines are skipped; a line that does not
// decode is reported and skipped.
func Decode(r io.Reader) ([]*telemetry.Event, []error) {
	var (
		events []*telemetry.Event
		errs   []error
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		evt, err := decodeLine(line)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "line %d", lineNo))
			continue
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, errors.Wrap(err, "reading events"))
	}
	return events, errs
}

func decodeLine(line []byte) (*telemetry.Event, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, errors.Wrap(ErrMalformedEvent, err.Error())
	}
	if rec.Name == "" {
		return nil, errors.Wrap(ErrMalformedEvent, "missing name")
	}
	return &telemetry.Event{
		Name:     rec.Name,
		Token:    rec.Token,
		Time:     rec.Time,
		Latency:  ParseLatency(rec.Latency),
		SendType: ParseSendType(rec.SendType),
		Data:     rec.Data,
	}, nil
}

func normalizeName(s string) string {
	return strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s))
}

// ParseLatency accepts names like "RealTime", "real_time" or "cost-deferred".
func ParseLatency(s string) telemetry.Latency {
	switch normalizeName(s) {
	case "immediate":
		return telemetry.LatencyImmediate
	case "realtime":
		return telemetry.LatencyRealTime
	case "costdeferred":
		return telemetry.LatencyCostDeferred
	case "normal":
		return telemetry.LatencyNormal
	default:
		return telemetry.LatencyUnspecified
	}
}

func ParseSendType(s string) telemetry.SendType {
	switch normalizeName(s) {
	case "synchronous", "sync":
		return telemetry.SendSynchronous
	case "sendbeacon", "beacon":
		return telemetry.SendBeacon
	case "syncfetch":
		return telemetry.SendSyncFetch
	default:
		return telemetry.SendBatched
	}
}
