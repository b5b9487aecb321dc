// Command tracker runs one tracking session for a rental: it samples the
// vehicle position and pushes it to the relay until interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/rental-tracking/internal/config"
	"github.com/example/rental-tracking/internal/geo"
	"github.com/example/rental-tracking/internal/logging"
	"github.com/example/rental-tracking/internal/models"
	"github.com/example/rental-tracking/internal/relayclient"
	"github.com/example/rental-tracking/internal/tracker"
)

func main() {
	cfg, cfgErr := config.LoadAgentConfig()

	var (
		rentalID string
		lat, lng float64
		replay   string
	)
	flag.StringVar(&rentalID, "rental", os.Getenv("RENTAL_ID"), "rental id to track")
	flag.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "relay base URL")
	flag.DurationVar(&cfg.UpdateInterval, "interval", cfg.UpdateInterval, "position push interval")
	flag.DurationVar(&cfg.SampleTimeout, "sample-timeout", cfg.SampleTimeout, "max wait for a position fix")
	flag.Float64Var(&lat, "lat", 0, "fixed latitude when no replay track is given")
	flag.Float64Var(&lng, "lng", 0, "fixed longitude when no replay track is given")
	flag.StringVar(&replay, "replay", "", "recorded track to replay (.jsonl or .csv)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flag.Parse()

	logger := logging.NewLoggerTo(os.Stderr, cfg.LogLevel)
	if cfgErr != nil {
		logger.Error("invalid environment", "error", cfgErr)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	var src geo.Source = geo.StaticSource{Position: models.Position{Lat: lat, Lng: lng}}
	if replay != "" {
		rs, err := geo.LoadReplayFile(replay)
		if err != nil {
			logger.Error("cannot load replay track", "path", replay, "error", err)
			os.Exit(2)
		}
		src = rs
	}

	client, err := relayclient.New(cfg.RelayURL, relayclient.WithTimeout(cfg.RequestTimeout), relayclient.WithUserAgent("rental-tracking/tracker"))
	if err != nil {
		logger.Error("bad relay url", "error", err)
		os.Exit(2)
	}
	defer client.Close()

	ctrl := tracker.New(rentalID, client, geo.NewSampler(src, cfg.SampleTimeout),
		tracker.WithUpdateInterval(cfg.UpdateInterval),
		tracker.WithNotifier(tracker.LogNotifier{Logger: logger}),
		tracker.WithLogger(logger),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		os.Exit(1)
	}

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	if err := ctrl.Stop(stopCtx); err != nil {
		logger.Warn("stop not confirmed by relay", "error", err)
	}
	snap := ctrl.Snapshot()
	logger.Info("tracking ended", "session_id", snap.SessionID, "state", snap.State.String())
}
