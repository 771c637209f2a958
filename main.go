package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/newrelic/newrelic-telemetry-channel/channel"
	"github.com/newrelic/newrelic-telemetry-channel/config"
	"github.com/newrelic/newrelic-telemetry-channel/credentials"
	"github.com/newrelic/newrelic-telemetry-channel/ingest"
	"github.com/newrelic/newrelic-telemetry-channel/metrics"
	"github.com/newrelic/newrelic-telemetry-channel/offline"
	"github.com/newrelic/newrelic-telemetry-channel/util"
)

const (
	offlineDrainChunk = 1000
	shutdownTimeout   = 10 * time.Second
)

var l = util.NewPackageLogger("main")

func main() {
	startup := time.Now()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		util.Fatal(err)
	}
	util.Logf("New Relic telemetry channel shut down after %vms", time.Since(startup).Milliseconds())
}

func run(ctx context.Context, args []string) error {
	conf, err := loadConfiguration(ctx, args)
	if err != nil {
		return err
	}
	util.ConfigLogger(conf.LogsEnabled, conf.LogLevel)

	token, err := credentials.NewAWSResolver(ctx).WriteToken(ctx, &conf)
	if err != nil {
		return errors.Wrap(err, "resolving write token")
	}
	conf.WriteToken = token

	f, err := startForwarder(ctx, conf)
	if err != nil {
		return err
	}
	<-ctx.Done()
	l.Infof("[main:run] shutdown requested")
	f.stop()
	return nil
}

// loadConfiguration layers flags over the yaml file over the environment.
func loadConfiguration(ctx context.Context, args []string) (config.Configuration, error) {
	flags := pflag.NewFlagSet("newrelic-telemetry-channel", pflag.ContinueOnError)
	path := flags.String("config", "", "path to a yaml configuration file")
	endpoint := flags.String("endpoint", "", "collector endpoint URL")
	token := flags.String("token", "", "write token")
	listen := flags.String("listen", "", "address of the local HTTP ingest endpoint, e.g. 127.0.0.1:4318")
	pipe := flags.String("pipe", "", "path of a named pipe to read NDJSON events from")
	if err := flags.Parse(args); err != nil {
		return config.Configuration{}, err
	}

	conf, err := config.Load(ctx, *path)
	if err != nil {
		return conf, err
	}
	if *endpoint != "" {
		conf.EndpointURL = *endpoint
	}
	if *token != "" {
		conf.WriteToken = *token
	}
	if *listen != "" {
		conf.ListenAddr = *listen
	}
	if *pipe != "" {
		conf.PipePath = *pipe
	}
	if conf.EndpointURL == "" {
		return conf, errors.Wrap(config.ErrInvalidValue, "an endpoint URL is required")
	}
	return conf, nil
}

// forwarder owns a channel and everything feeding it or fed by it.
type forwarder struct {
	ch       *channel.Channel
	store    *offline.Store
	provider *metrics.Provider
	server   *ingest.Server
	pipe     *ingest.Pipe
}

func startForwarder(ctx context.Context, conf config.Configuration) (*forwarder, error) {
	f := &forwarder{}

	provider, err := metrics.NewProvider(ctx, metrics.Config{
		Enabled:  conf.MetricsEnabled,
		Endpoint: conf.MetricsEndpoint,
	})
	if err != nil {
		return nil, err
	}
	f.provider = provider

	opts := channel.Options{Config: conf}
	if conf.OfflineStorePath != "" {
		store, err := offline.Open(conf.OfflineStorePath, offline.DefaultMaxEvents)
		if err != nil {
			f.close()
			return nil, err
		}
		f.store = store
		opts.Store = store
	}

	f.ch, err = channel.New(opts)
	if err != nil {
		f.close()
		return nil, err
	}

	recorder, err := metrics.NewRecorder(provider.Meter("github.com/newrelic/newrelic-telemetry-channel"))
	if err != nil {
		l.Warnf("[main:startForwarder] metrics disabled: %v", err)
	} else {
		f.ch.AddListener(recorder.Record)
	}

	if f.store != nil {
		f.replayOffline(ctx)
	}

	if conf.ListenAddr != "" {
		if f.server, err = ingest.Start(conf.ListenAddr, f.ch); err != nil {
			f.stop()
			return nil, errors.Wrapf(err, "starting ingest server on %s", conf.ListenAddr)
		}
	}
	if conf.PipePath != "" {
		if f.pipe, err = ingest.OpenPipe(conf.PipePath, f.ch); err != nil {
			f.stop()
			return nil, err
		}
	}
	return f, nil
}

// replayOffline moves everything left by a previous run back into the channel.
func (f *forwarder) replayOffline(ctx context.Context) {
	replayed := 0
	for {
		events, err := f.store.Drain(ctx, offlineDrainChunk)
		if err != nil {
			l.Errorf("[main:replayOffline] reading offline store: %v", err)
			break
		}
		if len(events) == 0 {
			break
		}
		f.ch.Enqueue(events...)
		replayed += len(events)
		if len(events) < offlineDrainChunk {
			break
		}
	}
	if replayed > 0 {
		l.Infof("[main:replayOffline] replayed %d events from %s", replayed, f.store.Path())
	}
}

// stop stops intake, unloads the channel and releases everything.
func (f *forwarder) stop() {
	if f.server != nil {
		util.Close(f.server)
	}
	if f.pipe != nil {
		util.Close(f.pipe)
	}
	if f.ch != nil {
		f.ch.OnLifecycleEvent(channel.PhaseBeforeUnload)
		f.ch.OnLifecycleEvent(channel.PhaseUnload)
		f.ch.Teardown()
	}
	f.close()
}

func (f *forwarder) close() {
	if f.store != nil {
		util.Close(f.store)
	}
	if f.provider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := f.provider.Shutdown(ctx); err != nil {
			l.Warnf("[main:close] flushing metrics: %v", err)
		}
	}
}
