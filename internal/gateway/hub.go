package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"toolproxy/internal/logging"
	"toolproxy/internal/protocol"
)

// Hub fans invocation lifecycle events out to websocket subscribers and, when
// redis is configured, to a pub/sub channel shared by all gateways.
type Hub struct {
	gatewayID string
	redis     *redis.Client
	channel   string
	logger    logging.Logger

	mu   sync.Mutex
	subs map[string]chan []byte
}

func NewHub(gatewayID string, client *redis.Client, channel string, logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Hub{
		gatewayID: gatewayID,
		redis:     client,
		channel:   channel,
		logger:    logger,
		subs:      make(map[string]chan []byte),
	}
}

// Publish stamps env with the gateway id and delivers it. Slow subscribers
// miss events rather than block the caller.
func (h *Hub) Publish(env protocol.Envelope) {
	env.GatewayID = h.gatewayID
	if env.Ts == 0 {
		env.Ts = time.Now().Unix()
	}
	b, err := protocol.EncodeEnvelope(env)
	if err != nil {
		h.logger.Warn("drop invalid event", "type", env.Type, "err", err.Error())
		return
	}

	h.mu.Lock()
	for _, ch := range h.subs {
		select {
		case ch <- b:
		default:
		}
	}
	h.mu.Unlock()

	if h.redis == nil || h.channel == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.redis.Publish(ctx, h.channel, b).Err(); err != nil {
		h.logger.Warn("redis publish failed", "channel", h.channel, "err", err.Error())
	}
}

// Subscribe registers a local listener. The returned func unregisters it.
func (h *Hub) Subscribe() (<-chan []byte, func()) {
	id := uuid.NewString()
	ch := make(chan []byte, 128)
	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
