package ingest

import (
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/newrelic/newrelic-telemetry-channel/util"
)

// Pipe reads NDJSON events from a named pipe. Each writer that opens, writes and closes
// the pipe delivers one group of events.
type Pipe struct {
	path   string
	sink   Sink
	closed atomic.Bool
	done   chan struct{}
}

// OpenPipe creates the fifo at path, replacing whatever is there, and starts reading.
func OpenPipe(path string, sink Sink) (*Pipe, error) {
	_ = os.Remove(path)
	if err := syscall.Mkfifo(path, 0o666); err != nil {
		return nil, err
	}

	p := &Pipe{path: path, sink: sink, done: make(chan struct{})}
	go p.run()
	return p, nil
}

func (p *Pipe) Path() string {
	return p.path
}

func (p *Pipe) run() {
	defer close(p.done)
	for {
		// Opening blocks until a writer opens the other end.
		f, err := os.OpenFile(p.path, os.O_RDONLY, 0)
		if p.closed.Load() {
			if err == nil {
				util.Close(f)
			}
			return
		}
		if err != nil {
			l.Errorf("[ingest:pipe] opening %s: %v", p.path, err)
			return
		}

		events, errs := Decode(f)
		util.Close(f)
		for _, err := range errs {
			l.Warnf("[ingest:pipe] %v", err)
		}
		if len(events) > 0 {
			p.sink.Enqueue(events...)
		}
	}
}

// Close stops the reader and removes the fifo.
func (p *Pipe) Close() error {
	p.closed.Store(true)
	for {
		// Unblock a reader waiting in open; a non-blocking writer fails while there is none.
		if w, err := os.OpenFile(p.path, os.O_WRONLY|syscall.O_NONBLOCK, 0); err == nil {
			util.Close(w)
		}
		select {
		case <-p.done:
			return os.Remove(p.path)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
