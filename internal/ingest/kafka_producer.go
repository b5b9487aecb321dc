package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/example/rental-tracking/internal/models"
	"github.com/example/rental-tracking/internal/observability"
)

const DefaultTopic = "vehicle-positions"

// ErrPublisherOpen is returned while the breaker rejects publishes.
var ErrPublisherOpen = errors.New("kafka publisher circuit open")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes position events keyed by session id so every
// event of a session lands on the same partition in order.
type KafkaProducer struct {
	writer  messageWriter
	breaker *gobreaker.CircuitBreaker[struct{}]
	timeout time.Duration
	logger  *slog.Logger
}

func NewKafkaProducer(brokers []string, topic string, logger *slog.Logger) *KafkaProducer {
	if topic == "" {
		topic = DefaultTopic
	}
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return newProducer(w, logger)
}

func newProducer(w messageWriter, logger *slog.Logger) *KafkaProducer {
	if logger == nil {
		logger = slog.Default()
	}
	k := &KafkaProducer{writer: w, timeout: 2 * time.Second, logger: logger}
	k.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "kafka-positions",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return k
}

// PublishEvent writes ev with a bounded timeout. Failures are returned but
// callers treat the stream as best-effort.
func (k *KafkaProducer) PublishEvent(ctx context.Context, ev models.PositionEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = k.breaker.Execute(func() (struct{}, error) {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.timeout)
		defer cancel()
		return struct{}{}, k.writer.WriteMessages(wctx, kafka.Message{Key: []byte(ev.SessionID), Value: b})
	})
	switch {
	case err == nil:
		observability.KafkaPublish.WithLabelValues("ok").Inc()
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		observability.KafkaPublish.WithLabelValues("open").Inc()
		return ErrPublisherOpen
	default:
		observability.KafkaPublish.WithLabelValues("error").Inc()
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeEvent parses a message written by PublishEvent.
func DecodeEvent(m kafka.Message) (models.PositionEvent, error) {
	var ev models.PositionEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		return ev, fmt.Errorf("decode position event at offset %d: %w", m.Offset, err)
	}
	if ev.SessionID == "" {
		ev.SessionID = string(m.Key)
	}
	return ev, nil
}
