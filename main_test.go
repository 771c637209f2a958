package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newrelic/newrelic-telemetry-channel/config"
	"github.com/newrelic/newrelic-telemetry-channel/ingest"
	"github.com/newrelic/newrelic-telemetry-channel/offline"
	"github.com/newrelic/newrelic-telemetry-channel/util"
)

type collector struct {
	srv *httptest.Server

	mu     sync.Mutex
	status int
	bodies []string
}

func newCollector(t *testing.T, status int) *collector {
	c := &collector{status: status}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer util.Close(r.Body)
		raw, _ := io.ReadAll(r.Body)

		c.mu.Lock()
		c.bodies = append(c.bodies, string(raw))
		c.mu.Unlock()

		w.WriteHeader(c.status)
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *collector) received() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.bodies, "\n")
}

func (c *collector) requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func testConfiguration(endpoint string) config.Configuration {
	conf := config.Default()
	conf.EndpointURL = endpoint
	conf.WriteToken = "tenant-token"
	conf.UseSendBeacon = false
	conf.LogsEnabled = false
	return conf
}

func postEvents(t *testing.T, s *ingest.Server, body string) {
	t.Helper()
	url := fmt.Sprintf("http://127.0.0.1:%d%s", s.Port(), ingest.EventsPath)
	res, err := http.Post(url, "application/x-ndjson", strings.NewReader(body))
	require.NoError(t, err)
	defer util.Close(res.Body)
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
}

func TestLoadConfigurationFlagsWin(t *testing.T) {
	t.Setenv("NR_CHANNEL_ENDPOINT_URL", "http://from-env.example")
	t.Setenv("NR_CHANNEL_WRITE_TOKEN", "env-token")

	conf, err := loadConfiguration(context.Background(), []string{
		"--endpoint", "http://from-flag.example",
		"--listen", "127.0.0.1:0",
		"--pipe", "/tmp/events.pipe",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://from-flag.example", conf.EndpointURL)
	assert.Equal(t, "env-token", conf.WriteToken)
	assert.Equal(t, "127.0.0.1:0", conf.ListenAddr)
	assert.Equal(t, "/tmp/events.pipe", conf.PipePath)
}

func TestLoadConfigurationRequiresEndpoint(t *testing.T) {
	t.Setenv("NR_CHANNEL_ENDPOINT_URL", "")

	_, err := loadConfiguration(context.Background(), []string{"--token", "abc"})
	assert.ErrorIs(t, err, config.ErrInvalidValue)
}

func TestLoadConfigurationUnknownFlag(t *testing.T) {
	_, err := loadConfiguration(context.Background(), []string{"--no-such-flag"})
	assert.Error(t, err)
}

func TestForwarderDeliversOnShutdown(t *testing.T) {
	c := newCollector(t, http.StatusOK)
	conf := testConfiguration(c.srv.URL)
	conf.ListenAddr = "127.0.0.1:0"

	f, err := startForwarder(context.Background(), conf)
	require.NoError(t, err)

	postEvents(t, f.server, `{"name":"checkout"}
{"name":"login","latency":"RealTime"}
`)
	f.stop()

	assert.Eventually(t, func() bool {
		body := c.received()
		return strings.Contains(body, "checkout") && strings.Contains(body, "login")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestForwarderReplaysOfflineEvents(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "offline.db")

	// 299 keeps requeueing, so the unload drain leaves the event for the store.
	first := newCollector(t, 299)
	conf := testConfiguration(first.srv.URL)
	conf.OfflineStorePath = storePath
	conf.ListenAddr = "127.0.0.1:0"

	f, err := startForwarder(context.Background(), conf)
	require.NoError(t, err)
	postEvents(t, f.server, `{"name":"left-behind"}`+"\n")
	f.stop()
	assert.Positive(t, first.requests())

	store, err := offline.Open(storePath, offline.DefaultMaxEvents)
	require.NoError(t, err)
	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.NoError(t, store.Close())

	second := newCollector(t, http.StatusOK)
	conf = testConfiguration(second.srv.URL)
	conf.OfflineStorePath = storePath

	f, err = startForwarder(context.Background(), conf)
	require.NoError(t, err)
	f.stop()

	assert.Eventually(t, func() bool {
		return strings.Contains(second.received(), "left-behind")
	}, 5*time.Second, 10*time.Millisecond)
}
