package channel

import (
	"github.com/newrelic/newrelic-telemetry-channel/telemetry"
)

const (
	DefaultEventsLimitInMem    = 10000
	DefaultImmediateEventLimit = 500
	DefaultMaxEventsPerBatch   = 500
	DefaultMaxRequestSizeBytes = 3984588
	DefaultQueueFullDropCount  = 20
)

// QueueConfig bounds a BatchQueue.
type QueueConfig struct {
	EventsLimitInMem    int
	ImmediateEventLimit int
	// AutoFlushEventsLimit of zero means unset.
	AutoFlushEventsLimit int
	MaxEventsPerBatch    int
	MaxRequestSizeBytes  int
	QueueFullDropCount   int
}

// Ceiling is the most events the non-immediate queues may hold: the in-memory limit plus
// headroom worth one auto flush, or a sixth of the limit when auto flush is unset.
func (c QueueConfig) Ceiling() int {
	headroom := c.AutoFlushEventsLimit
	if headroom <= 0 {
		headroom = (c.EventsLimitInMem + 5) / 6
	}
	return c.EventsLimitInMem + headroom
}

// rank orders latency classes for sending, most urgent first.
func rank(lt telemetry.Latency) int {
	switch lt {
	case telemetry.LatencyImmediate:
		return 0
	case telemetry.LatencyRealTime:
		return 1
	case telemetry.LatencyNormal:
		return 2
	default:
		return 3
	}
}

const (
	rankImmediate = 0
	rankRealTime  = 1
	rankAll       = 3
)

// BatchQueue holds pending events by latency class and cuts them into batches.
type BatchQueue struct {
	cfg    QueueConfig
	queues [4][]*telemetry.Event
}

func NewBatchQueue(cfg QueueConfig) *BatchQueue {
	return &BatchQueue{cfg: cfg}
}

func (q *BatchQueue) Config() QueueConfig {
	return q.cfg
}

// SetConfig changes the limits. Events already queued are kept even if they are now over
// the ceiling; the next add evicts.
func (q *BatchQueue) SetConfig(cfg QueueConfig) {
	q.cfg = cfg
}

// Count is the number of events waiting outside the immediate queue.
func (q *BatchQueue) Count() int {
	return len(q.queues[1]) + len(q.queues[2]) + len(q.queues[3])
}

// ImmediateCount is the number of events waiting in the immediate queue.
func (q *BatchQueue) ImmediateCount() int {
	return len(q.queues[rankImmediate])
}

// CountUpTo is the number of events at or above the given rank.
func (q *BatchQueue) CountUpTo(maxRank int) int {
	n := 0
	for r := 0; r <= maxRank; r++ {
		n += len(q.queues[r])
	}
	return n
}

func (q *BatchQueue) Len() int {
	return q.Count() + q.ImmediateCount()
}

// Add queues evt by latency. An Immediate event goes to the immediate queue unless it is
// full, in which case it is queued as RealTime. When the other queues are at their ceiling
// the oldest events of evt's class or a less urgent one are evicted and returned. If those
// cannot make room evt itself is returned as well and not queued.
func (q *BatchQueue) Add(evt *telemetry.Event) (evicted []*telemetry.Event) {
	evt.Latency = evt.Latency.Normalize()
	if evt.Latency == telemetry.LatencyImmediate {
		if len(q.queues[rankImmediate]) < q.cfg.ImmediateEventLimit {
			q.queues[rankImmediate] = append(q.queues[rankImmediate], evt)
			return nil
		}
		evt.Latency = telemetry.LatencyRealTime
	}

	r := rank(evt.Latency)
	if q.Count() >= q.cfg.Ceiling() {
		evicted = q.evict(q.Count()-q.cfg.Ceiling()+1, r)
		if q.Count() >= q.cfg.Ceiling() {
			return append(evicted, evt)
		}
	}

	q.queues[r] = append(q.queues[r], evt)
	return evicted
}

// evict removes the oldest events of rank minRank or less urgent, least urgent class first:
// at least need and at least one drop count's worth, as far as those queues allow.
func (q *BatchQueue) evict(need int, minRank int) []*telemetry.Event {
	want := q.cfg.QueueFullDropCount
	if want < need {
		want = need
	}
	if minRank < rankRealTime {
		minRank = rankRealTime
	}

	var out []*telemetry.Event
	for r := rankAll; r >= minRank && len(out) < want; r-- {
		n := want - len(out)
		if n > len(q.queues[r]) {
			n = len(q.queues[r])
		}
		out = append(out, q.queues[r][:n]...)
		q.queues[r] = append([]*telemetry.Event(nil), q.queues[r][n:]...)
	}
	return out
}

// Requeue puts events from returned batches back at the front of their queues, keeping
// their order and attempt counters. Overflow is evicted from every class outside the
// immediate queue, so Count never ends above the ceiling.
func (q *BatchQueue) Requeue(batches []*telemetry.EventBatch) (evicted []*telemetry.Event) {
	var back [4][]*telemetry.Event
	for _, b := range batches {
		for _, evt := range b.Events() {
			r := rank(evt.Latency.Normalize())
			back[r] = append(back[r], evt)
		}
	}
	for r := range back {
		if len(back[r]) > 0 {
			q.queues[r] = append(back[r], q.queues[r]...)
		}
	}

	if over := q.Count() - q.cfg.Ceiling(); over > 0 {
		evicted = q.evict(over, rankRealTime)
	}
	return evicted
}

// TakeNextBatch removes up to maxEvents events of one write token from the queues at or
// above maxRank, most urgent first, while the joined size stays within maxBytes. A single
// event bigger than maxBytes is still returned alone so it cannot block the queue. It returns
// nil when there is nothing to send.
func (q *BatchQueue) TakeNextBatch(maxRank int, maxEvents int, maxBytes int) *telemetry.EventBatch {
	token, ok := q.firstToken(maxRank)
	if !ok {
		return nil
	}
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEventsPerBatch
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRequestSizeBytes
	}

	var taken []*telemetry.Event
	size := 0
	full := false
	for r := 0; r <= maxRank && !full; r++ {
		kept := q.queues[r][:0]
		for _, evt := range q.queues[r] {
			if full || evt.Token != token {
				kept = append(kept, evt)
				continue
			}
			added := evt.Size()
			if len(taken) > 0 {
				added++
			}
			if len(taken) > 0 && size+added > maxBytes {
				full = true
				kept = append(kept, evt)
				continue
			}
			taken = append(taken, evt)
			size += added
			if len(taken) >= maxEvents {
				full = true
			}
		}
		q.queues[r] = kept
	}

	return telemetry.NewEventBatch(token, taken)
}

// TakeAll cuts everything at or above maxRank into batches.
func (q *BatchQueue) TakeAll(maxRank int, maxEvents int, maxBytes int) []*telemetry.EventBatch {
	var batches []*telemetry.EventBatch
	for {
		b := q.TakeNextBatch(maxRank, maxEvents, maxBytes)
		if b == nil {
			return batches
		}
		batches = append(batches, b)
	}
}

func (q *BatchQueue) firstToken(maxRank int) (string, bool) {
	for r := 0; r <= maxRank; r++ {
		if len(q.queues[r]) > 0 {
			return q.queues[r][0].Token, true
		}
	}
	return "", false
}

// Clear empties every queue and returns what was in them.
func (q *BatchQueue) Clear() []*telemetry.Event {
	var out []*telemetry.Event
	for r := range q.queues {
		out = append(out, q.queues[r]...)
		q.queues[r] = nil
	}
	return out
}
