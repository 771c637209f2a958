// Package metrics turns channel notifications into OpenTelemetry counters.
package metrics

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/newrelic/newrelic-telemetry-channel/telemetry"
)

const (
	MetricEventsSent     = "channel.events.sent"
	MetricEventsDropped  = "channel.events.dropped"
	MetricEventsRequeued = "channel.events.requeued"
	MetricRequests       = "channel.requests"
)

// Recorder counts events by outcome. Register Record as a channel listener.
type Recorder struct {
	sent     metric.Int64Counter
	dropped  metric.Int64Counter
	requeued metric.Int64Counter
	requests metric.Int64Counter
}

func NewRecorder(meter metric.Meter) (*Recorder, error) {
	sent, err := meter.Int64Counter(MetricEventsSent,
		metric.WithDescription("Events accepted by the collector"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, errors.Wrap(err, "creating sent counter")
	}
	dropped, err := meter.Int64Counter(MetricEventsDropped,
		metric.WithDescription("Events dropped or discarded, by reason"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, errors.Wrap(err, "creating dropped counter")
	}
	requeued, err := meter.Int64Counter(MetricEventsRequeued,
		metric.WithDescription("Events handed back to the queue"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, errors.Wrap(err, "creating requeued counter")
	}
	requests, err := meter.Int64Counter(MetricRequests,
		metric.WithDescription("Requests handed to a transport, by kind"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, errors.Wrap(err, "creating requests counter")
	}
	return &Recorder{
		sent:     sent,
		dropped:  dropped,
		requeued: requeued,
		requests: requests,
	}, nil
}

// Record updates the counters for one notification.
func (r *Recorder) Record(n telemetry.Notification) {
	ctx := context.Background()
	count := int64(n.EventCount())
	switch n.Kind {
	case telemetry.NotifySend:
		r.requests.Add(ctx, int64(len(n.Batches)), metric.WithAttributes(attribute.String("kind", requestKind(n))))
	case telemetry.NotifySent:
		r.sent.Add(ctx, count)
	case telemetry.NotifyRequeue:
		r.requeued.Add(ctx, count)
	case telemetry.NotifyDrop, telemetry.NotifyDiscard:
		r.dropped.Add(ctx, count, metric.WithAttributes(attribute.String("reason", n.Reason.String())))
	}
}

func requestKind(n telemetry.Notification) string {
	switch {
	case n.IsBeaconSend:
		return "beacon"
	case n.IsSync:
		return "sync"
	default:
		return "async"
	}
}
