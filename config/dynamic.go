package config

import (
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type setter func(c *Configuration, v interface{}) error

var dynamicKeys = map[string]setter{
	"eventsLimitInMem":            intSetter(func(c *Configuration, n int) { c.EventsLimitInMem = n }, true),
	"immediateEventLimit":         intSetter(func(c *Configuration, n int) { c.ImmediateEventLimit = n }, true),
	"autoFlushEventsLimit":        intSetter(func(c *Configuration, n int) { c.AutoFlushEventsLimit = n }, false),
	"maxNumberEvtPerBatch":        intSetter(func(c *Configuration, n int) { c.MaxNumberEvtPerBatch = n }, true),
	"maxEventRetryAttempts":       intSetter(func(c *Configuration, n int) { c.MaxEventRetryAttempts = n }, true),
	"maxUnloadEventRetryAttempts": intSetter(func(c *Configuration, n int) { c.MaxUnloadEventRetryAttempts = n }, true),
	"queueFullDropCount":          intSetter(func(c *Configuration, n int) { c.QueueFullDropCount = n }, false),
	"maxConnections":              intSetter(func(c *Configuration, n int) { c.MaxConnections = n }, true),
	"maxBeaconSizeBytes":          intSetter(func(c *Configuration, n int) { c.MaxBeaconSizeBytes = n }, true),
	"xhrTimeout":                  durationSetter(func(c *Configuration, d time.Duration) { c.XhrTimeout = d }),
	"payloadPreprocessorTimeout":  durationSetter(func(c *Configuration, d time.Duration) { c.PayloadPreprocessorTimeout = d }),
	"disableXhrSync":              boolSetter(func(c *Configuration, b bool) { c.DisableXhrSync = b }),
	"disableFetchKeepAlive":       boolSetter(func(c *Configuration, b bool) { c.DisableFetchKeepAlive = b }),
	"useSendBeacon":               boolSetter(func(c *Configuration, b bool) { c.UseSendBeacon = b }),
	"alwaysUseXhrOverride":        boolSetter(func(c *Configuration, b bool) { c.AlwaysUseXhrOverride = b }),
	"avoidOptions":                boolSetter(func(c *Configuration, b bool) { c.AvoidOptions = b }),
	"addNoResponse":               boolSetter(func(c *Configuration, b bool) { c.AddNoResponse = b }),
	"enableCompression":           boolSetter(func(c *Configuration, b bool) { c.EnableCompression = b }),
	"endpointUrl":                 stringSetter(func(c *Configuration, s string) { c.EndpointURL = s }),
	"anonCookieName":              stringSetter(func(c *Configuration, s string) { c.AnonCookieName = s }),
	"transmitProfile": func(c *Configuration, v interface{}) error {
		s, ok := v.(string)
		if !ok {
			return errors.Errorf("expected a string, got %T", v)
		}
		c.TransmitProfile = strings.ToUpper(s)
		return nil
	},
	"transports":       listSetter(func(c *Configuration, l []string) { c.Transports = l }),
	"unloadTransports": listSetter(func(c *Configuration, l []string) { c.UnloadTransports = l }),
}

// ApplyDynamic applies a runtime update to current. Each key is checked on its own: a key
// with a value of the wrong type, out of range, or unknown is reported and skipped, and
// every other key still applies.
func ApplyDynamic(current Configuration, updates map[string]interface{}) (Configuration, []error) {
	next := current
	var errs []error
	for key, v := range updates {
		set, ok := dynamicKeys[key]
		if !ok {
			errs = append(errs, errors.Wrapf(ErrInvalidValue, "unknown key %q", key))
			continue
		}

		candidate := next
		if err := set(&candidate, v); err != nil {
			errs = append(errs, errors.Wrapf(ErrInvalidValue, "%s: %v", key, err))
			continue
		}
		if err := candidate.Validate(); err != nil {
			errs = append(errs, errors.Wrapf(err, "%s", key))
			continue
		}
		next = candidate
	}
	for _, err := range errs {
		l.Warnf("[config:ApplyDynamic] keeping last good value: %v", err)
	}
	return next, errs
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, errors.Errorf("expected a whole number, got %v", n)
		}
		return int(n), nil
	default:
		return 0, errors.Errorf("expected a number, got %T", v)
	}
}

func intSetter(apply func(*Configuration, int), positive bool) setter {
	return func(c *Configuration, v interface{}) error {
		n, err := toInt(v)
		if err != nil {
			return err
		}
		if n < 0 || (positive && n == 0) {
			return errors.Errorf("out of range: %d", n)
		}
		apply(c, n)
		return nil
	}
}

// durationSetter accepts a duration, a duration string, or a number of milliseconds.
func durationSetter(apply func(*Configuration, time.Duration)) setter {
	return func(c *Configuration, v interface{}) error {
		var d time.Duration
		switch t := v.(type) {
		case time.Duration:
			d = t
		case string:
			parsed, err := time.ParseDuration(t)
			if err != nil {
				return err
			}
			d = parsed
		default:
			ms, err := toInt(v)
			if err != nil {
				return err
			}
			d = time.Duration(ms) * time.Millisecond
		}
		if d < 0 {
			return errors.Errorf("out of range: %s", d)
		}
		apply(c, d)
		return nil
	}
}

func boolSetter(apply func(*Configuration, bool)) setter {
	return func(c *Configuration, v interface{}) error {
		b, ok := v.(bool)
		if !ok {
			return errors.Errorf("expected a bool, got %T", v)
		}
		apply(c, b)
		return nil
	}
}

func stringSetter(apply func(*Configuration, string)) setter {
	return func(c *Configuration, v interface{}) error {
		s, ok := v.(string)
		if !ok {
			return errors.Errorf("expected a string, got %T", v)
		}
		apply(c, s)
		return nil
	}
}

func listSetter(apply func(*Configuration, []string)) setter {
	return func(c *Configuration, v interface{}) error {
		switch t := v.(type) {
		case []string:
			apply(c, append([]string(nil), t...))
		case []interface{}:
			out := make([]string, 0, len(t))
			for _, item := range t {
				s, ok := item.(string)
				if !ok {
					return errors.Errorf("expected strings, got %T", item)
				}
				out = append(out, s)
			}
			apply(c, out)
		default:
			return errors.Errorf("expected a list of strings, got %T", v)
		}
		return nil
	}
}
