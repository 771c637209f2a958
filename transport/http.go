package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/newrelic/newrelic-telemetry-channel/util"
)

const (
	DefaultClientTimeout = 30 * time.Second

	// MaxKeepAliveBytes bounds the body of a keep-alive fetch, the same budget browsers
	// give keepalive requests.
	MaxKeepAliveBytes = 65536
)

// HTTPSender posts over net/http. The XHR and fetch flavours differ only in which
// synchronous mode they allow.
type HTTPSender struct {
	kind       Kind
	httpClient *http.Client
	wg         conc.WaitGroup
	closed     atomic.Bool
}

// NewHTTPClient returns a client with a sensible overall timeout.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: DefaultClientTimeout,
	}
}

// NewXHRSender builds the default asynchronous transport. Synchronous sends block the
// caller unless disabled per payload.
func NewXHRSender(httpClient *http.Client) *HTTPSender {
	return newHTTPSender(KindXHR, httpClient)
}

// NewFetchSender builds a transport whose synchronous mode is a keep-alive request.
func NewFetchSender(httpClient *http.Client) *HTTPSender {
	return newHTTPSender(KindFetch, httpClient)
}

func newHTTPSender(kind Kind, httpClient *http.Client) *HTTPSender {
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	return &HTTPSender{kind: kind, httpClient: httpClient}
}

func (s *HTTPSender) Kind() Kind {
	return s.kind
}

// SupportsSync reports whether the sender can complete p before returning.
func (s *HTTPSender) SupportsSync(p *Payload) bool {
	switch s.kind {
	case KindXHR:
		return !p.DisableXhrSync
	case KindFetch:
		return !p.DisableFetchKeepAlive
	}
	return false
}

func (s *HTTPSender) SendPOST(p *Payload, onComplete CompleteFunc, isSync bool) error {
	if s.closed.Load() {
		return ErrSenderClosed
	}
	if isSync {
		if !s.SupportsSync(p) {
			return ErrSyncNotSupported
		}
		if s.kind == KindFetch && len(p.Data) > MaxKeepAliveBytes {
			return ErrPayloadTooLarge
		}
		status, headers, body := s.sendRequest(p)
		onComplete(status, headers, body)
		return nil
	}

	s.wg.Go(func() {
		status, headers, body := s.sendRequest(p)
		onComplete(status, headers, body)
	})
	return nil
}

func (s *HTTPSender) sendRequest(p *Payload) (int, map[string]string, string) {
	ctx := context.Background()
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(p.Data))
	if err != nil {
		l.Warnf("[%s:sendRequest] building request: %v", s.kind, err)
		return 0, nil, ""
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	res, err := s.httpClient.Do(req)
	if err != nil {
		l.Debugf("[%s:sendRequest] request failed: %v", s.kind, err)
		return 0, nil, ""
	}
	defer util.Close(res.Body)

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		l.Debugf("[%s:sendRequest] reading response: %v", s.kind, err)
	}

	return res.StatusCode, flattenHeaders(res.Header), string(bodyBytes)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}

// Close rejects new sends and waits for outstanding asynchronous ones.
func (s *HTTPSender) Close() error {
	s.closed.Store(true)
	s.wg.Wait()
	return nil
}
