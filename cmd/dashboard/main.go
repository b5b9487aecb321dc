// Command dashboard is a terminal fleet view: it polls the relay and prints
// every tracked vehicle with its active status.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/example/rental-tracking/internal/config"
	"github.com/example/rental-tracking/internal/dashboard"
	"github.com/example/rental-tracking/internal/logging"
	"github.com/example/rental-tracking/internal/relayclient"
)

func main() {
	cfg, cfgErr := config.LoadAgentConfig()

	var (
		selectID string
		once     bool
	)
	flag.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "relay base URL")
	flag.StringVar(&cfg.AdminToken, "token", cfg.AdminToken, "admin token for the fleet routes")
	flag.DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "refresh interval")
	flag.DurationVar(&cfg.StaleAfter, "stale-after", cfg.StaleAfter, "age after which a vehicle counts as inactive")
	flag.StringVar(&selectID, "select", "", "session id to show in the detail panel")
	flag.BoolVar(&once, "once", false, "fetch and print a single snapshot")
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

	client, err := relayclient.New(cfg.RelayURL,
		relayclient.WithTimeout(cfg.RequestTimeout),
		relayclient.WithAdminToken(cfg.AdminToken),
		relayclient.WithUserAgent("rental-tracking/dashboard"),
	)
	if err != nil {
		logger.Error("bad relay url", "error", err)
		os.Exit(2)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redraw := make(chan struct{}, 1)
	d := dashboard.New(client,
		dashboard.WithPollInterval(cfg.PollInterval),
		dashboard.WithStaleAfter(cfg.StaleAfter),
		dashboard.WithLogger(logger),
		dashboard.WithOnRefresh(func(error) {
			select {
			case redraw <- struct{}{}:
			default:
			}
		}),
	)

	if once {
		_ = d.Refresh(ctx)
		d.Select(selectID)
		render(os.Stdout, d.View(time.Now()))
		return
	}

	d.Start(ctx)
	defer d.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-redraw:
			if selectID != "" {
				// keep trying until the vehicle shows up
				if d.Select(selectID) {
					selectID = ""
				}
			}
			render(os.Stdout, d.View(time.Now()))
		}
	}
}

func render(w io.Writer, v dashboard.View) {
	fmt.Fprintf(w, "\n%s  vehicles=%d active=%d\n", time.Now().Format(time.TimeOnly), len(v.Vehicles), v.ActiveCount)
	switch {
	case v.ErrorVisible:
		fmt.Fprintf(w, "!! cannot load tracked vehicles: %v\n", v.Err)
		return
	case v.Stale:
		fmt.Fprintf(w, "(showing data from %s, refresh failing)\n", v.LastSuccess.Format(time.TimeOnly))
	}
	if len(v.Vehicles) == 0 {
		fmt.Fprintln(w, "no vehicles are being tracked")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tSESSION\tPLATE\tVEHICLE\tLAT\tLNG\tSEEN\tSTATUS")
	for _, veh := range v.Vehicles {
		mark := ""
		if veh.Selected {
			mark = ">"
		}
		status := "inactive"
		if veh.Active {
			status = "active"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s %s\t%.5f\t%.5f\t%s\t%s\n",
			mark, veh.ID, veh.Rental.Vehicle.LicensePlate, veh.Rental.Vehicle.Make, veh.Rental.Vehicle.Model,
			veh.Lat, veh.Lng, time.Since(veh.Timestamp).Round(time.Second), status)
	}
	_ = tw.Flush()

	if s := v.Selected; s != nil {
		r := s.Rental
		fmt.Fprintf(w, "\nselected %s: %s %s (%d, %s) plate %s\n", s.ID, r.Vehicle.Make, r.Vehicle.Model, r.Vehicle.Year, r.Vehicle.FuelType, r.Vehicle.LicensePlate)
		fmt.Fprintf(w, "  renter %s  %s  %s\n  rental %s status %s\n", r.Renter.Name, r.Renter.Phone, r.Renter.Email, r.ID, r.Status)
	}
}
