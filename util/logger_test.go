package util

import (
	"bytes"
	"os"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// captureLogs routes logging into a buffer for the duration of the test.
func captureLogs(t *testing.T, enabled bool, level string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	ConfigLoggerOutput(enabled, level, &buf)
	t.Cleanup(func() { ConfigLoggerOutput(true, LogLevelInfo, os.Stderr) })
	return &buf
}

func TestConfigLoggerLevels(t *testing.T) {
	tests := []struct {
		name        string
		enabled     bool
		level       string
		expectDebug bool
	}{
		{"info", true, "INFO", false},
		{"debug", true, "DEBUG", true},
		{"lowercase debug", true, "debug", true},
		{"unknown level is info", true, "TRACE", false},
		{"disabled", false, "DEBUG", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t, tt.enabled, tt.level)

			assert.Equal(t, tt.enabled, logger.isEnabled)
			if tt.enabled {
				assert.Equal(t, tt.expectDebug, log.IsLevelEnabled(log.DebugLevel))
				assert.Contains(t, buf.String(), "[NR_CHANNEL INFO] New Relic telemetry channel starting up")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	buf := captureLogs(t, true, LogLevelInfo)
	buf.Reset()

	NewPackageLogger("loop").Debugf("hidden %d", 1)
	assert.Empty(t, buf.String())

	Logf("queued %d events", 3)
	assert.Equal(t, "[NR_CHANNEL INFO] queued 3 events\n", buf.String())

	buf = captureLogs(t, true, LogLevelDebug)
	buf.Reset()
	NewPackageLogger("loop").Debugf("timer armed in %s", "2s")
	assert.Equal(t, "[NR_CHANNEL DEBUG] timer armed in 2s pkg=loop\n", buf.String())
}

func TestDisabledLoggerIsSilent(t *testing.T) {
	buf := captureLogs(t, false, LogLevelDebug)

	Logf("nope")
	NewPackageLogger("channel").Warnf("nope")
	assert.Empty(t, buf.String())
}

func TestFormatterFields(t *testing.T) {
	buf := captureLogs(t, true, LogLevelInfo)
	buf.Reset()

	NewPackageLogger("queue").WithField("count", 20).Infof("dropped oldest events")
	assert.Equal(t, "[NR_CHANNEL INFO] dropped oldest events count=20 pkg=queue\n", buf.String())
}
