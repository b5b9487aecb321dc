// Package hub fans accepted position events out to connected fleet
// dashboards, locally and across relay replicas through Redis pub/sub.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/rental-tracking/internal/models"
	"github.com/example/rental-tracking/internal/observability"
)

const DefaultChannel = "tracking:events"

// Client is one dashboard subscriber. Send is closed on Unregister.
type Client struct {
	// SessionID narrows the stream to one session; empty means every session.
	SessionID string
	Send      chan []byte
	once      sync.Once
}

// envelope tags relayed events with the publishing replica so a replica
// does not deliver its own events twice.
type envelope struct {
	Origin string               `json:"origin"`
	Event  models.PositionEvent `json:"event"`
}

type Hub struct {
	redis   redis.UniversalClient
	channel string
	origin  string
	buffer  int
	logger  *slog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

type Option func(*Hub)

func WithRedis(client redis.UniversalClient, channel string) Option {
	return func(h *Hub) {
		h.redis = client
		if channel != "" {
			h.channel = channel
		}
	}
}

func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

func New(opts ...Option) *Hub {
	h := &Hub{
		channel: DefaultChannel,
		origin:  uuid.NewString(),
		buffer:  64,
		logger:  slog.Default(),
		clients: make(map[*Client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Hub) Register(sessionID string) *Client {
	c := &Client{SessionID: sessionID, Send: make(chan []byte, h.buffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	observability.DashboardSubscribers.Set(float64(n))
	return c
}

// Unregister removes the client and closes its Send channel. Safe to call
// more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	c.once.Do(func() { close(c.Send) })
	h.mu.Unlock()
	observability.DashboardSubscribers.Set(float64(n))
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish delivers ev to local subscribers and, when Redis is configured,
// to the other replicas.
func (h *Hub) Publish(ctx context.Context, ev models.PositionEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("hub encode failed", "error", err)
		return
	}
	h.deliver(ev.SessionID, payload)

	if h.redis == nil {
		return
	}
	b, err := json.Marshal(envelope{Origin: h.origin, Event: ev})
	if err != nil {
		return
	}
	if err := h.redis.Publish(ctx, h.channel, b).Err(); err != nil {
		h.logger.Warn("redis publish failed", "channel", h.channel, "error", err)
	}
}

// deliver never blocks: a subscriber whose queue is full misses the event.
func (h *Hub) deliver(sessionID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.SessionID != "" && c.SessionID != sessionID {
			continue
		}
		select {
		case c.Send <- payload:
		default:
			observability.HubDropped.Inc()
		}
	}
}

// Serve relays events published by other replicas until ctx is done. It
// implements suture.Service; without Redis it just waits for shutdown.
func (h *Hub) Serve(ctx context.Context) error {
	if h.redis == nil {
		<-ctx.Done()
		h.closeAll()
		return ctx.Err()
	}
	sub := h.redis.Subscribe(ctx, h.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			h.closeAll()
			return ctx.Err()
		}
		return err
	}
	h.logger.Info("hub subscribed", "channel", h.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.logger.Warn("hub dropped malformed message", "error", err)
				continue
			}
			if env.Origin == h.origin {
				continue
			}
			payload, err := json.Marshal(env.Event)
			if err != nil {
				continue
			}
			h.deliver(env.Event.SessionID, payload)
		}
	}
}

func (h *Hub) String() string { return "tracking-hub" }

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		c.once.Do(func() { close(c.Send) })
	}
	h.mu.Unlock()
	observability.DashboardSubscribers.Set(0)
}
