// SPDX-License-Identifier: MIT

// Command pitwall runs the telemetry aggregation daemon: upstream ingest,
// the session controller, the WebSocket fan-out and the HTTP API in one
// process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/pitwall-hq/pitwall/internal/api"
	"github.com/pitwall-hq/pitwall/internal/broadcast"
	"github.com/pitwall-hq/pitwall/internal/config"
	"github.com/pitwall-hq/pitwall/internal/core"
	"github.com/pitwall-hq/pitwall/internal/event"
	"github.com/pitwall-hq/pitwall/internal/ingest/mqtt"
	"github.com/pitwall-hq/pitwall/internal/ingest/rest"
	"github.com/pitwall-hq/pitwall/internal/ingest/signalr"
	"github.com/pitwall-hq/pitwall/internal/log"
	"github.com/pitwall-hq/pitwall/internal/multiviewer"
	"github.com/pitwall-hq/pitwall/internal/persist"
	"github.com/pitwall-hq/pitwall/internal/replay"
	"github.com/pitwall-hq/pitwall/internal/telemetry"
	"github.com/pitwall-hq/pitwall/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "pitwall",
	})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("daemon failed")
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("main")

	tracer, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "pitwall",
		ServiceVersion: version.Version,
		Environment:    cfg.Tracing.Environment,
		ExporterType:   cfg.Tracing.ExporterType,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := tracer.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	store, err := persist.Open(ctx, cfg.StorageURI)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	overrides, err := config.LoadOverrides(cfg.TrackOverridesPath)
	if err != nil {
		return fmt.Errorf("track overrides: %w", err)
	}

	hub := broadcast.NewHub()
	clock := clockwork.NewRealClock()

	coreCfg := core.Config{
		Store:          store,
		Broadcaster:    hub,
		Clock:          clock,
		RecordSessions: cfg.RecordSessions,
		Override: func(trackName string) (core.TrackOverride, bool) {
			ov, ok := overrides.Lookup(trackName)
			return core.TrackOverride{
				Rotation:         ov.Rotation,
				PitSpeedLimitKPH: ov.PitSpeedLimitKPH,
			}, ok
		},
	}
	if cfg.Upstream.MultiviewerURL != "" {
		coreCfg.Fetcher = multiviewer.New(cfg.Upstream.MultiviewerURL, clock)
	}

	// The REST poller and the core reference each other: the poller feeds
	// polled payloads into the core, the core uses the poller to discover
	// the current session. The indirection breaks the construction cycle.
	var poller *rest.Poller
	if cfg.Upstream.RESTBaseURL != "" {
		coreCfg.Finder = finderFunc(func(ctx context.Context) (*event.SessionPayload, error) {
			return poller.CurrentSession(ctx)
		})
	}

	c, err := core.New(coreCfg)
	if err != nil {
		return fmt.Errorf("core: %w", err)
	}

	if cfg.Upstream.RESTBaseURL != "" {
		poller, err = rest.New(rest.Config{
			BaseURL: cfg.Upstream.RESTBaseURL,
			Clock:   clock,
		}, c, c)
		if err != nil {
			return fmt.Errorf("rest poller: %w", err)
		}
	}

	engine := replay.New(store, c, hub, clock, cfg.ReplayCacheDir)
	defer engine.Stop()

	srv, err := api.New(api.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		Hub:             hub,
		Store:           store,
		Replay:          engine,
		WSRatePerMinute: cfg.WSRatePerMinute,
	})
	if err != nil {
		return fmt.Errorf("api: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return overrides.Watch(ctx) })

	if cfg.Upstream.MQTTBrokerURL != "" {
		mq, err := mqtt.New(mqtt.Config{
			BrokerURL: cfg.Upstream.MQTTBrokerURL,
			ClientID:  cfg.Upstream.MQTTClientID,
			Credentials: func() (string, string) {
				return cfg.Upstream.Username, cfg.Upstream.Password
			},
		}, c)
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		g.Go(func() error { return mq.Run(ctx) })
	} else {
		logger.Warn().Msg("no MQTT broker configured")
	}

	if cfg.Upstream.SignalRURL != "" {
		sr, err := signalr.New(signalr.Config{BaseURL: cfg.Upstream.SignalRURL}, c)
		if err != nil {
			return fmt.Errorf("signalr: %w", err)
		}
		g.Go(func() error { return sr.Run(ctx) })
	}

	if poller != nil {
		g.Go(func() error { return poller.Run(ctx) })
	}

	logger.Info().
		Str("version", version.Version).
		Str("storage", cfg.StorageURI).
		Bool("recording", cfg.RecordSessions).
		Msg("pitwall started")

	return g.Wait()
}

// finderFunc adapts a closure to the core's session finder interface.
type finderFunc func(ctx context.Context) (*event.SessionPayload, error)

func (f finderFunc) CurrentSession(ctx context.Context) (*event.SessionPayload, error) {
	return f(ctx)
}
