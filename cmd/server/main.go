package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	httpapi "github.com/example/rental-tracking/internal/http"
	"github.com/example/rental-tracking/internal/config"
	"github.com/example/rental-tracking/internal/hub"
	"github.com/example/rental-tracking/internal/ingest"
	"github.com/example/rental-tracking/internal/logging"
	"github.com/example/rental-tracking/internal/relay"
	"github.com/example/rental-tracking/internal/rentals"
	"github.com/example/rental-tracking/internal/storage"
	"github.com/example/rental-tracking/internal/supervisor"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
	}

	ready := map[string]httpapi.Check{}
	var store storage.Store
	switch cfg.Store {
	case "postgres":
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer ps.CloseDB()
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		store = ps
		ready["postgres"] = ps.Ping
	case "redis":
		rs := storage.NewRedisStore(rdb, cfg.RedisPrefix)
		store = rs
		ready["redis"] = rs.Ping
	default:
		store = storage.NewMemoryStore()
	}
	logger.Info("position store selected", "store", cfg.Store)

	hubOpts := []hub.Option{hub.WithSendBuffer(cfg.HubSendBuffer), hub.WithLogger(logger)}
	if rdb != nil {
		hubOpts = append(hubOpts, hub.WithRedis(rdb, cfg.RedisPrefix+":events"))
		if _, ok := ready["redis"]; !ok {
			ready["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		}
	}
	h := hub.New(hubOpts...)

	relayOpts := []relay.Option{relay.WithBroadcaster(h), relay.WithStaleAfter(cfg.StaleAfter), relay.WithLogger(logger)}
	if cfg.RentalsAPIURL != "" {
		relayOpts = append(relayOpts, relay.WithRentals(rentals.NewHTTPDirectory(cfg.RentalsAPIURL, cfg.RentalsCacheTTL)))
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer kp.Close()
		relayOpts = append(relayOpts, relay.WithPublisher(kp))
	}
	svc := relay.NewService(store, relayOpts...)

	api := httpapi.NewServer(svc, httpapi.Options{
		Hub:            h,
		AdminToken:     cfg.AdminToken,
		RateLimitRPM:   cfg.RateLimitRPM,
		AllowedOrigins: cfg.AllowedOrigins,
		Ready:          ready,
		Logger:         logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	tree := supervisor.NewTree(logger, supervisor.TreeConfig{ShutdownTimeout: cfg.ShutdownTimeout})
	tree.AddMessagingService(h)
	tree.AddAPIService(supervisor.NewHTTPService(srv, cfg.ShutdownTimeout))

	logger.Info("relay listening", "addr", cfg.HTTPAddr, "kafka", len(cfg.KafkaBrokers) > 0, "redis", rdb != nil)
	serveErr := tree.Serve(ctx)
	if report, err := tree.UnstoppedServiceReport(); err != nil {
		logger.Warn("unstopped service report failed", "error", err)
	} else {
		for _, u := range report {
			logger.Warn("service did not stop in time", "service", u.Name)
		}
	}
	if serveErr != nil && ctx.Err() == nil {
		logger.Error("supervisor stopped", "error", serveErr)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}
