package telemetry

import "fmt"

// Reason identifies why a batch notification fired. Values 1xxx are send variants,
// 8xxx discard causes and 9xxx response failures.
type Reason int

const (
	ReasonUnknown       Reason = 0
	ReasonRequeueEvents Reason = 100
	ReasonComplete      Reason = 200

	ReasonSending Reason = 1000

	ReasonEventsDropped      Reason = 8000
	ReasonNonRetryableStatus Reason = 8001
	ReasonInvalidEvent       Reason = 8002
	ReasonSizeLimitExceeded  Reason = 8003
	ReasonKillSwitch         Reason = 8004
	ReasonQueueFull          Reason = 8005

	ReasonResponseFailure     Reason = 9000
	ReasonClientConfigFailure Reason = 9300
	ReasonClientFailure       Reason = 9400
	ReasonServerFailure       Reason = 9500
)

// SendReason tells why a send was triggered. Sending notifications carry
// ReasonSending + SendReason. ManualFlush used to share 1001 with NormalSchedule in
// older SDKs; it is 1002 here so listeners can tell the two apart.
type SendReason int

const (
	SendUndefined       SendReason = 0
	SendNormalSchedule  SendReason = 1
	SendManualFlush     SendReason = 2
	SendRetry           SendReason = 5
	SendSdkUnload       SendReason = 6
	SendUnload          SendReason = 10
	SendPageHide        SendReason = 11
	SendMaxBatchSize    SendReason = 20
	SendMaxQueuedEvents SendReason = 21
)

// Sending converts a send trigger into its notification reason.
func (sr SendReason) Sending() Reason {
	return ReasonSending + Reason(sr)
}

// IsUnload reports whether the trigger belongs to process teardown.
func (sr SendReason) IsUnload() bool {
	return sr == SendUnload || sr == SendSdkUnload || sr == SendPageHide
}

// IsSending reports whether r is one of the 1xxx send variants.
func (r Reason) IsSending() bool {
	return r >= ReasonSending && r < 2000
}

// IsDiscard reports whether r is one of the 8xxx discard causes.
func (r Reason) IsDiscard() bool {
	return r >= ReasonEventsDropped && r < 9000
}

// IsFailure reports whether r is one of the 9xxx response failures.
func (r Reason) IsFailure() bool {
	return r >= ReasonResponseFailure && r < 10000
}

func (r Reason) String() string {
	switch r {
	case ReasonRequeueEvents:
		return "RequeueEvents"
	case ReasonComplete:
		return "Complete"
	case ReasonEventsDropped:
		return "EventsDropped"
	case ReasonNonRetryableStatus:
		return "NonRetryableStatus"
	case ReasonInvalidEvent:
		return "InvalidEvent"
	case ReasonSizeLimitExceeded:
		return "SizeLimitExceeded"
	case ReasonKillSwitch:
		return "KillSwitch"
	case ReasonQueueFull:
		return "QueueFull"
	case ReasonResponseFailure:
		return "ResponseFailure"
	case ReasonClientConfigFailure:
		return "ClientConfigFailure"
	case ReasonClientFailure:
		return "ClientFailure"
	case ReasonServerFailure:
		return "ServerFailure"
	}
	if r.IsSending() {
		return fmt.Sprintf("Sending(%d)", int(r-ReasonSending))
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// IsSuccess reports whether status counts as delivered. 299 is deliberately excluded: the
// collector uses it to ask the client to back off and resend later.
func IsSuccess(status int) bool {
	return status >= 200 && status < 299
}

// ReasonForStatus buckets an HTTP status into a failure reason. A status of zero means no
// response was observed.
func ReasonForStatus(status int) Reason {
	switch {
	case status >= 300 && status < 400:
		return ReasonClientConfigFailure
	case status >= 400 && status < 500:
		return ReasonClientFailure
	case status >= 500 && status < 600:
		return ReasonServerFailure
	default:
		return ReasonResponseFailure
	}
}

// NotificationKind groups reasons by the listener callback they belong to.
type NotificationKind int

const (
	NotifySend NotificationKind = iota
	NotifySent
	NotifyRequeue
	NotifyDrop
	NotifyDiscard
)

func (k NotificationKind) String() string {
	switch k {
	case NotifySend:
		return "send"
	case NotifySent:
		return "sent"
	case NotifyRequeue:
		return "requeue"
	case NotifyDrop:
		return "drop"
	case NotifyDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

// Notification describes what happened to a set of batches.
type Notification struct {
	Kind         NotificationKind
	Reason       Reason
	Batches      []*EventBatch
	IsSync       bool
	IsBeaconSend bool
}

// EventCount sums the events across all batches.
func (n Notification) EventCount() int {
	total := 0
	for _, b := range n.Batches {
		total += b.Count()
	}
	return total
}

// Listener receives batch notifications.
type Listener func(Notification)
