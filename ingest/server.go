package ingest

import (
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/newrelic/newrelic-telemetry-channel/util"
)

const (
	EventsPath   = "/events"
	maxBodyBytes = 16 << 20
)

// Server accepts NDJSON event posts on EventsPath.
type Server struct {
	listenString string
	server       *http.Server
	sink         Sink
	warn         *rate.Sometimes
}

type ingestResult struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

// Start listens on addr, e.g. "127.0.0.1:0", and serves in the background.
func Start(addr string, sink Sink) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listenString: listener.Addr().String(),
		sink:         sink,
		warn:         &rate.Sometimes{First: 1, Interval: time.Minute},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(EventsPath, s.handler)
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		l.Infof("[ingest:Start] listening on %s", s.listenString)
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			l.Errorf("[ingest:Start] server terminated: %v", err)
		}
	}()
	return s, nil
}

func (s *Server) Addr() string {
	return s.listenString
}

func (s *Server) Port() uint16 {
	_, portStr, _ := net.SplitHostPort(s.listenString)
	port, _ := strconv.ParseUint(portStr, 10, 16)
	return uint16(port)
}

func (s *Server) Close() error {
	return s.server.Close()
}

func (s *Server) handler(res http.ResponseWriter, req *http.Request) {
	defer util.Close(req.Body)

	if req.Method != http.MethodPost {
		res.Header().Set("Allow", http.MethodPost)
		http.Error(res, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	events, errs := Decode(io.LimitReader(req.Body, maxBodyBytes))
	if len(events) > 0 {
		s.sink.Enqueue(events...)
	}

	result := ingestResult{Accepted: len(events), Rejected: len(errs)}
	for _, err := range errs {
		result.Errors = append(result.Errors, err.Error())
	}
	if len(errs) > 0 {
		s.warn.Do(func() {
			l.Warnf("[ingest:handler] rejected %d events, first: %v", len(errs), errs[0])
		})
	}

	status := http.StatusAccepted
	if len(events) == 0 && len(errs) > 0 {
		status = http.StatusBadRequest
	}
	res.Header().Set("Content-Type", "application/json")
	res.WriteHeader(status)
	if err := json.NewEncoder(res).Encode(result); err != nil {
		l.Debugf("[ingest:handler] writing response: %v", err)
	}
}
