package config

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/newrelic/newrelic-telemetry-channel/util"
)

const (
	DefaultLogLevel = util.LogLevelInfo
	DebugLogLevel   = util.LogLevelDebug

	ProfileRealTime     = "REAL_TIME"
	ProfileNearRealTime = "NEAR_REAL_TIME"
	ProfileBestEffort   = "BEST_EFFORT"
)

var ErrInvalidValue = errors.New("invalid configuration value")

var l = util.NewPackageLogger("config")

// Configuration is everything the channel and the forwarder can be told. Keys of the yaml
// file and of dynamic updates are the yaml names.
type Configuration struct {
	EndpointURL      string   `env:"NR_CHANNEL_ENDPOINT_URL" yaml:"endpointUrl"`
	WriteToken       string   `env:"NR_CHANNEL_WRITE_TOKEN" yaml:"writeToken"`
	WriteTokenSecret string   `env:"NR_CHANNEL_WRITE_TOKEN_SECRET" yaml:"writeTokenSecret"`
	WriteTokenParam  string   `env:"NR_CHANNEL_WRITE_TOKEN_PARAMETER" yaml:"writeTokenParameter"`
	TransmitProfile  string   `env:"NR_CHANNEL_TRANSMIT_PROFILE,default=REAL_TIME" yaml:"transmitProfile"`
	Transports       []string `env:"NR_CHANNEL_TRANSPORTS" yaml:"transports"`
	UnloadTransports []string `env:"NR_CHANNEL_UNLOAD_TRANSPORTS" yaml:"unloadTransports"`
	AnonCookieName   string   `env:"NR_CHANNEL_ANON_COOKIE_NAME" yaml:"anonCookieName"`

	EventsLimitInMem            int `env:"NR_CHANNEL_EVENTS_LIMIT_IN_MEM,default=10000" yaml:"eventsLimitInMem"`
	ImmediateEventLimit         int `env:"NR_CHANNEL_IMMEDIATE_EVENT_LIMIT,default=500" yaml:"immediateEventLimit"`
	AutoFlushEventsLimit        int `env:"NR_CHANNEL_AUTO_FLUSH_EVENTS_LIMIT" yaml:"autoFlushEventsLimit"`
	MaxNumberEvtPerBatch        int `env:"NR_CHANNEL_MAX_NUMBER_EVT_PER_BATCH,default=500" yaml:"maxNumberEvtPerBatch"`
	MaxEventRetryAttempts       int `env:"NR_CHANNEL_MAX_EVENT_RETRY_ATTEMPTS,default=6" yaml:"maxEventRetryAttempts"`
	MaxUnloadEventRetryAttempts int `env:"NR_CHANNEL_MAX_UNLOAD_EVENT_RETRY_ATTEMPTS,default=2" yaml:"maxUnloadEventRetryAttempts"`
	QueueFullDropCount          int `env:"NR_CHANNEL_QUEUE_FULL_DROP_COUNT,default=20" yaml:"queueFullDropCount"`
	MaxConnections              int `env:"NR_CHANNEL_MAX_CONNECTIONS,default=2" yaml:"maxConnections"`
	MaxRequestSizeBytes         int `env:"NR_CHANNEL_MAX_REQUEST_SIZE_BYTES,default=3984588" yaml:"maxRequestSizeBytes"`
	MaxRecordSizeBytes          int `env:"NR_CHANNEL_MAX_RECORD_SIZE_BYTES,default=2000000" yaml:"maxRecordSizeBytes"`
	MaxBeaconSizeBytes          int `env:"NR_CHANNEL_MAX_BEACON_SIZE_BYTES,default=65536" yaml:"maxBeaconSizeBytes"`

	XhrTimeout                 time.Duration `env:"NR_CHANNEL_XHR_TIMEOUT" yaml:"xhrTimeout"`
	PayloadPreprocessorTimeout time.Duration `env:"NR_CHANNEL_PAYLOAD_PREPROCESSOR_TIMEOUT,default=30s" yaml:"payloadPreprocessorTimeout"`

	DisableXhrSync        bool `env:"NR_CHANNEL_DISABLE_XHR_SYNC,default=false" yaml:"disableXhrSync"`
	DisableFetchKeepAlive bool `env:"NR_CHANNEL_DISABLE_FETCH_KEEP_ALIVE,default=false" yaml:"disableFetchKeepAlive"`
	UseSendBeacon         bool `env:"NR_CHANNEL_USE_SEND_BEACON,default=true" yaml:"useSendBeacon"`
	AlwaysUseXhrOverride  bool `env:"NR_CHANNEL_ALWAYS_USE_XHR_OVERRIDE,default=false" yaml:"alwaysUseXhrOverride"`
	AvoidOptions          bool `env:"NR_CHANNEL_AVOID_OPTIONS,default=false" yaml:"avoidOptions"`
	AddNoResponse         bool `env:"NR_CHANNEL_ADD_NO_RESPONSE,default=true" yaml:"addNoResponse"`
	EnableCompression     bool `env:"NR_CHANNEL_ENABLE_COMPRESSION,default=false" yaml:"enableCompression"`

	LogsEnabled      bool   `env:"NR_CHANNEL_LOGS_ENABLED,default=true" yaml:"logsEnabled"`
	LogLevel         string `env:"NR_CHANNEL_LOG_LEVEL,default=INFO" yaml:"logLevel"`
	OfflineStorePath string `env:"NR_CHANNEL_OFFLINE_STORE_PATH" yaml:"offlineStorePath"`
	MetricsEnabled   bool   `env:"NR_CHANNEL_METRICS_ENABLED,default=false" yaml:"metricsEnabled"`
	MetricsEndpoint  string `env:"NR_CHANNEL_METRICS_ENDPOINT" yaml:"metricsEndpoint"`
	ListenAddr       string `env:"NR_CHANNEL_LISTEN_ADDR" yaml:"listen"`
	PipePath         string `env:"NR_CHANNEL_PIPE_PATH" yaml:"pipe"`
}

// Load reads the environment, then overlays the yaml file at path when one is given.
func Load(ctx context.Context, path string) (Configuration, error) {
	return load(ctx, envconfig.OsLookuper(), path)
}

func load(ctx context.Context, lookuper envconfig.Lookuper, path string) (Configuration, error) {
	var cfg Configuration
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return cfg, errors.Wrap(err, "loading environment configuration")
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "reading configuration file %s", path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parsing configuration file %s", path)
		}
	}

	cfg.LogLevel = strings.ToUpper(cfg.LogLevel)
	cfg.TransmitProfile = strings.ToUpper(cfg.TransmitProfile)
	if cfg.LogLevel != DebugLogLevel {
		cfg.LogLevel = DefaultLogLevel
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Default is the configuration with every default applied and no environment read.
func Default() Configuration {
	cfg, err := load(context.Background(), envconfig.MapLookuper(nil), "")
	if err != nil {
		l.Warnf("[config] building defaults: %v", err)
	}
	return cfg
}

// Validate rejects values no channel can run with.
func (c Configuration) Validate() error {
	positive := map[string]int{
		"eventsLimitInMem":            c.EventsLimitInMem,
		"immediateEventLimit":         c.ImmediateEventLimit,
		"maxNumberEvtPerBatch":        c.MaxNumberEvtPerBatch,
		"maxEventRetryAttempts":       c.MaxEventRetryAttempts,
		"maxUnloadEventRetryAttempts": c.MaxUnloadEventRetryAttempts,
		"maxConnections":              c.MaxConnections,
		"maxRequestSizeBytes":         c.MaxRequestSizeBytes,
		"maxRecordSizeBytes":          c.MaxRecordSizeBytes,
		"maxBeaconSizeBytes":          c.MaxBeaconSizeBytes,
	}
	for key, v := range positive {
		if v <= 0 {
			return errors.Wrapf(ErrInvalidValue, "%s must be positive, got %d", key, v)
		}
	}
	if c.MaxRecordSizeBytes > c.MaxRequestSizeBytes {
		return errors.Wrapf(ErrInvalidValue, "maxRecordSizeBytes %d exceeds maxRequestSizeBytes %d", c.MaxRecordSizeBytes, c.MaxRequestSizeBytes)
	}
	if c.AutoFlushEventsLimit < 0 || c.QueueFullDropCount < 0 {
		return errors.Wrap(ErrInvalidValue, "autoFlushEventsLimit and queueFullDropCount must not be negative")
	}
	if c.XhrTimeout < 0 || c.PayloadPreprocessorTimeout < 0 {
		return errors.Wrap(ErrInvalidValue, "timeouts must not be negative")
	}
	switch c.TransmitProfile {
	case ProfileRealTime, ProfileNearRealTime, ProfileBestEffort:
	default:
		return errors.Wrapf(ErrInvalidValue, "unknown transmit profile %q", c.TransmitProfile)
	}
	for _, list := range [][]string{c.Transports, c.UnloadTransports} {
		for _, name := range list {
			switch name {
			case "xhr", "fetch", "beacon":
			default:
				return errors.Wrapf(ErrInvalidValue, "unknown transport %q", name)
			}
		}
	}
	return nil
}
