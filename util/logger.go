package util

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	LogLevelInfo  = "INFO"
	LogLevelDebug = "DEBUG"

	logPrefix = "NR_CHANNEL"
)

var logger = Logger{isEnabled: true}

type Logger struct {
	isEnabled bool
}

// prefixFormatter renders "[NR_CHANNEL LEVEL] message key=value ..." lines.
type prefixFormatter struct{}

func (prefixFormatter) Format(entry *log.Entry) ([]byte, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "[%s %s] %s", logPrefix, strings.ToUpper(entry.Level.String()), strings.TrimRight(entry.Message, "\n"))

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// ConfigLogger sets up the process-wide logrus logger. Level matching is case-insensitive.
func ConfigLogger(logsEnabled bool, logLevel string) {
	ConfigLoggerOutput(logsEnabled, logLevel, os.Stderr)
}

// ConfigLoggerOutput is ConfigLogger with an explicit destination.
func ConfigLoggerOutput(logsEnabled bool, logLevel string, out io.Writer) {
	logger.isEnabled = logsEnabled

	log.SetFormatter(prefixFormatter{})
	if !logsEnabled {
		log.SetOutput(io.Discard)
		return
	}

	log.SetOutput(out)
	if strings.ToUpper(logLevel) == LogLevelDebug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	log.Info("New Relic telemetry channel starting up")
}

func (l Logger) Logf(format string, v ...interface{}) {
	if l.isEnabled {
		log.Infof(format, v...)
	}
}

func Logf(format string, v ...interface{}) {
	logger.Logf(format, v...)
}

func Fatal(v ...interface{}) {
	log.Fatal(v...)
}
