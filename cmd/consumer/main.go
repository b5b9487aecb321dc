package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/rental-tracking/internal/geo"
	"github.com/example/rental-tracking/internal/ingest"
	"github.com/example/rental-tracking/internal/logging"
	"github.com/example/rental-tracking/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total position events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful GEO index updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total GEO index update failures",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	var metricsAddr, geoKey string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.StringVar(&geoKey, "geo-key", "vehicles_geo", "redis GEO set holding last positions")
	flag.Parse()

	logger := logging.NewLogger(os.Getenv("LOG_LEVEL"))

	brokers := []string{"localhost:9092"}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		brokers = brokers[:0]
		for _, b := range strings.Split(v, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	}
	topic := getenv("KAFKA_TOPIC", ingest.DefaultTopic)
	group := getenv("KAFKA_GROUP", "rental-tracking-geo")

	rc := redis.NewClient(&redis.Options{Addr: getenv("REDIS_ADDR", "localhost:6379"), Password: os.Getenv("REDIS_PASSWORD")})
	index := geo.NewRedisIndex(rc, geoKey)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/vehicles/nearby", nearbyHandler(index))
		mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", topic, "brokers", brokers, "group", group)
	consume(ctx, r, index, logger)
	logger.Info("consumer stopped")
}

// Nearbier is the query side of geo.RedisIndex.
type Nearbier interface {
	Nearby(ctx context.Context, lat, lng, radiusM float64, limit int) ([]geo.IndexedVehicle, error)
}

// nearbyHandler answers radius queries from the projection, so fleet tools
// can search without loading the relay.
func nearbyHandler(index Nearbier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
		lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
		radius, err3 := strconv.ParseFloat(q.Get("radius"), 64)
		if err := errors.Join(err1, err2, err3); err != nil || radius <= 0 {
			http.Error(w, "lat, lng and a positive radius are required", http.StatusBadRequest)
			return
		}
		limit := 50
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = n
		}
		hits, err := index.Nearby(r.Context(), lat, lng, radius, limit)
		if err != nil {
			http.Error(w, "geo index unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(hits)
	}
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// Applier is the part of geo.RedisIndex the consumer needs.
type Applier interface {
	Apply(ctx context.Context, ev models.PositionEvent) error
}

type eventLogger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

func consume(ctx context.Context, r messageReader, index Applier, log eventLogger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("kafka read failed", "error", err, "backoff", backoff.String())
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		ev, err := ingest.DecodeEvent(m)
		if err != nil {
			msgsInvalid.Inc()
			log.Warn("invalid message", "error", err)
			continue
		}
		if err := applyWithRetry(ctx, index, ev, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			log.Warn("geo index update failed", "session_id", ev.SessionID, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

// applyWithRetry retries with doubling delay and gives up after attempts.
func applyWithRetry(ctx context.Context, index Applier, ev models.PositionEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = index.Apply(ctx, ev); err == nil {
			return nil
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
