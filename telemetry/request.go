package telemetry

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

const (
	ContentTypeJSONStream = "application/x-json-stream"

	HeaderAPIKey          = "apikey"
	HeaderClientID        = "client-id"
	HeaderClientVersion   = "client-version"
	HeaderUploadTime      = "upload-time"
	HeaderContentType     = "Content-Type"
	HeaderContentEncoding = "Content-Encoding"
	HeaderCacheControl    = "Cache-Control"
	HeaderKillTokens      = "kill-tokens"
	HeaderKillDuration    = "kill-duration"
	HeaderKillDurationSec = "kill-duration-seconds"
	HeaderMsfpc           = "ext.intweb.msfpc"

	clientIDNoAuth = "NO_AUTH"
	noCacheValue   = "no-cache, no-store"

	// WParamNative marks requests coming from a non-browser host.
	WParamNative = 2
)

// RequestOptions controls how a collector request is addressed.
type RequestOptions struct {
	EndpointURL string
	// AvoidOptions moves everything except the body into the query string.
	AvoidOptions bool
	// AddNoResponse asks the collector to skip the response body.
	AddNoResponse  bool
	AnonCookieName string
	Msfpc          string
	ClientVersion  string
	WParam         int
}

// Request is an addressed collector request, prior to picking a transport.
type Request struct {
	URL     string
	Headers map[string]string
	Body    []byte
}

// BuildRequest addresses body for the collector. Tokens are the write tokens of the batches
// carried by the body; they are joined into the apikey value. queryOnly forces the
// header-free form, which beacon sends need.
func BuildRequest(opts RequestOptions, tokens []string, body []byte, now time.Time, queryOnly bool) (*Request, error) {
	if opts.EndpointURL == "" {
		return nil, errors.New("no collector endpoint configured")
	}
	u, err := url.Parse(opts.EndpointURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing collector endpoint %q", opts.EndpointURL)
	}

	clientVersion := opts.ClientVersion
	if clientVersion == "" {
		clientVersion = SdkVersion
	}
	apiKey := strings.Join(dedupe(tokens), ",")
	uploadTime := strconv.FormatInt(now.UnixMilli(), 10)

	q := u.Query()
	q.Set("cors", "true")
	q.Set("content-type", ContentTypeJSONStream)
	q.Set("w", strconv.Itoa(opts.WParam))
	if opts.AddNoResponse {
		q.Set("NoResponseBody", "true")
	}
	if opts.AnonCookieName != "" {
		q.Set("anoncknm", opts.AnonCookieName)
	}
	if opts.Msfpc != "" {
		q.Set(HeaderMsfpc, opts.Msfpc)
	}

	headers := map[string]string{}
	if opts.AvoidOptions || queryOnly {
		q.Set(HeaderAPIKey, apiKey)
		q.Set(HeaderClientID, clientIDNoAuth)
		q.Set(HeaderClientVersion, clientVersion)
		q.Set(HeaderUploadTime, uploadTime)
	} else {
		headers[HeaderAPIKey] = apiKey
		headers[HeaderClientID] = clientIDNoAuth
		headers[HeaderClientVersion] = clientVersion
		headers[HeaderUploadTime] = uploadTime
		headers[HeaderContentType] = ContentTypeJSONStream
		headers[HeaderCacheControl] = noCacheValue
	}
	u.RawQuery = q.Encode()

	return &Request{
		URL:     u.String(),
		Headers: headers,
		Body:    body,
	}, nil
}

func dedupe(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// WebResult is the optional webResult object of a collector response.
type WebResult struct {
	Msfpc        string `json:"msfpc,omitempty"`
	AuthError    string `json:"authError,omitempty"`
	AuthLoginURL string `json:"authLoginUrl,omitempty"`
}

// Response is the collector's JSON response body.
type Response struct {
	Accepted  int        `json:"acc"`
	Rejected  int        `json:"rej"`
	WebResult *WebResult `json:"webResult,omitempty"`
}

// ParseResponse decodes a collector response body. An empty body is not an error.
func ParseResponse(body string) (*Response, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, nil
	}
	var resp Response
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, errors.Wrap(err, "decoding collector response")
	}
	return &resp, nil
}

// KillDirective is parsed from the kill-tokens and kill-duration response headers.
type KillDirective struct {
	Tokens   []string
	Duration time.Duration
}

// ParseKillHeaders returns nil unless the headers name at least one token with a positive
// duration. Header names are matched case-insensitively.
func ParseKillHeaders(headers map[string]string) *KillDirective {
	var rawTokens, rawDuration string
	for k, v := range headers {
		switch strings.ToLower(k) {
		case HeaderKillTokens:
			rawTokens = v
		case HeaderKillDuration, HeaderKillDurationSec:
			rawDuration = v
		}
	}
	if rawTokens == "" || rawDuration == "" {
		return nil
	}
	secs, err := strconv.Atoi(strings.TrimSpace(rawDuration))
	if err != nil || secs <= 0 {
		return nil
	}
	var tokens []string
	for _, t := range strings.Split(rawTokens, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	if len(tokens) == 0 {
		return nil
	}
	return &KillDirective{Tokens: tokens, Duration: time.Duration(secs) * time.Second}
}
