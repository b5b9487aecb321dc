package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ServerConfig captures all tunable parameters for the relay process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string        `validate:"required"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	IdleTimeout     time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	// Store selects the position store: memory, redis or postgres.
	Store string `validate:"oneof=memory redis postgres"`

	RedisAddr     string
	RedisPassword string
	RedisPrefix   string `validate:"required"`

	KafkaBrokers []string
	KafkaTopic   string `validate:"required"`

	PGDSN string

	RentalsAPIURL   string `validate:"omitempty,url"`
	RentalsCacheTTL time.Duration

	AdminToken     string
	RateLimitRPM   int           `validate:"gte=0"`
	StaleAfter     time.Duration `validate:"gt=0"`
	HubSendBuffer  int           `validate:"gt=0"`
	AllowedOrigins []string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		Store:           "memory",
		RedisPrefix:     "tracking",
		KafkaTopic:      "vehicle-positions",
		RentalsCacheTTL: time.Minute,
		RateLimitRPM:    600,
		StaleAfter:      10 * time.Minute,
		HubSendBuffer:   64,
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisPrefix, "REDIS_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	// Pick the most durable backend configured unless told otherwise.
	switch {
	case cfg.PGDSN != "":
		cfg.Store = "postgres"
	case cfg.RedisAddr != "":
		cfg.Store = "redis"
	}
	if v := os.Getenv("TRACKING_STORE"); v != "" {
		cfg.Store = strings.ToLower(strings.TrimSpace(v))
	}

	setStringFromEnv(&cfg.RentalsAPIURL, "RENTALS_API_URL")
	setDurationFromEnv(&cfg.RentalsCacheTTL, "RENTALS_CACHE_TTL", &errs)

	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	setIntFromEnv(&cfg.RateLimitRPM, "RATE_LIMIT_RPM", &errs)
	setDurationFromEnv(&cfg.StaleAfter, "TRACKING_STALE_AFTER", &errs)
	setIntFromEnv(&cfg.HubSendBuffer, "HUB_SEND_BUFFER", &errs)
	if origins := os.Getenv("WS_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitAndTrim(origins)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if err := validate.Struct(cfg); err != nil {
		errs = append(errs, fmt.Errorf("invalid server config: %w", err))
	}
	if cfg.Store == "redis" && cfg.RedisAddr == "" {
		errs = append(errs, errors.New("TRACKING_STORE=redis requires REDIS_ADDR"))
	}
	if cfg.Store == "postgres" && cfg.PGDSN == "" {
		errs = append(errs, errors.New("TRACKING_STORE=postgres requires PG_DSN"))
	}

	return cfg, errors.Join(errs...)
}

// AgentConfig is shared by the tracker and dashboard binaries. Flags
// override whatever the environment provides.
type AgentConfig struct {
	RelayURL       string        `validate:"required,url"`
	AdminToken     string
	RequestTimeout time.Duration `validate:"gt=0"`

	SampleTimeout  time.Duration `validate:"gt=0"`
	UpdateInterval time.Duration `validate:"gt=0"`
	PollInterval   time.Duration `validate:"gt=0"`
	StaleAfter     time.Duration `validate:"gt=0"`

	LogLevel string
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		RelayURL:       "http://localhost:8080",
		RequestTimeout: 10 * time.Second,
		SampleTimeout:  10 * time.Second,
		UpdateInterval: 30 * time.Second,
		PollInterval:   4 * time.Second,
		StaleAfter:     10 * time.Minute,
		LogLevel:       "info",
	}
}

func LoadAgentConfig() (AgentConfig, error) {
	cfg := defaultAgentConfig()
	var errs []error

	setStringFromEnv(&cfg.RelayURL, "RELAY_URL")
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	setDurationFromEnv(&cfg.RequestTimeout, "RELAY_REQUEST_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.SampleTimeout, "SAMPLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.UpdateInterval, "UPDATE_INTERVAL", &errs)
	setDurationFromEnv(&cfg.PollInterval, "POLL_INTERVAL", &errs)
	setDurationFromEnv(&cfg.StaleAfter, "TRACKING_STALE_AFTER", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	return cfg, errors.Join(errs...)
}

// Validate re-checks the agent config after flag overrides.
func (c AgentConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid agent config: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
