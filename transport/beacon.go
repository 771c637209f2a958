package transport

import (
	"bytes"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"

	"github.com/newrelic/newrelic-telemetry-channel/util"
)

const (
	DefaultMaxBeaconBytes = 65536
	beaconContentType     = "text/plain;charset=UTF-8"
)

// BeaconQueue accepts bodies for background delivery with no response reporting. Bodies
// larger than maxBytes, or that would push the queued total over the quota, are rejected.
type BeaconQueue struct {
	httpClient *http.Client
	maxBytes   int
	quota      int

	mu      sync.Mutex
	pending int

	wg     conc.WaitGroup
	closed atomic.Bool
}

// NewBeaconQueue builds a beacon. A quota below maxBytes is raised to it.
func NewBeaconQueue(httpClient *http.Client, maxBytes int, quota int) *BeaconQueue {
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBeaconBytes
	}
	if quota < maxBytes {
		quota = maxBytes
	}
	return &BeaconQueue{
		httpClient: httpClient,
		maxBytes:   maxBytes,
		quota:      quota,
	}
}

func (b *BeaconQueue) SendBeacon(url string, data []byte) bool {
	if b.closed.Load() || len(data) > b.maxBytes {
		return false
	}

	b.mu.Lock()
	if b.pending+len(data) > b.quota {
		b.mu.Unlock()
		return false
	}
	b.pending += len(data)
	b.mu.Unlock()

	b.wg.Go(func() {
		defer b.release(len(data))
		res, err := b.httpClient.Post(url, beaconContentType, bytes.NewReader(data))
		if err != nil {
			l.Debugf("[beacon:SendBeacon] post failed: %v", err)
			return
		}
		util.Close(res.Body)
	})
	return true
}

func (b *BeaconQueue) release(n int) {
	b.mu.Lock()
	b.pending -= n
	b.mu.Unlock()
}

// Close rejects new beacons and waits for queued ones to finish.
func (b *BeaconQueue) Close() error {
	b.closed.Store(true)
	b.wg.Wait()
	return nil
}
