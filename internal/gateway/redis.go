package gateway

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"toolproxy/internal/protocol"
	"toolproxy/internal/proxy"
)

func NewRedisClient(redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opt), nil
}

// publishCallback forwards a callback this gateway could not settle to its
// peers.
func (s *Server) publishCallback(ctx context.Context, id string, cb protocol.CallbackPayload) {
	if s.opts.Redis == nil {
		return
	}
	b, err := json.Marshal(protocol.CallbackMessage{
		GatewayID:     s.opts.GatewayID,
		CorrelationID: id,
		Callback:      cb,
	})
	if err != nil {
		return
	}
	if err := s.opts.Redis.Publish(ctx, s.opts.CallbackChannel, b).Err(); err != nil {
		s.logger.Warn("publish callback failed", "correlation_id", id, "err", err.Error())
	}
}

func (s *Server) subscribeCallbacks(ctx context.Context) error {
	pubsub := s.opts.Redis.Subscribe(ctx, s.opts.CallbackChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handleCallbackMessage(ctx, msg.Payload)
		}
	}
}

func (s *Server) handleCallbackMessage(ctx context.Context, payload string) {
	var msg protocol.CallbackMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		s.logger.Warn("invalid callback message", "err", err.Error())
		return
	}
	if msg.GatewayID == s.opts.GatewayID || !s.proxy.Owns(msg.CorrelationID) {
		return
	}
	out := s.proxy.Deliver(ctx, msg.CorrelationID, msg.Callback, proxy.ChannelCallback)
	s.logger.Debug("peer callback delivered", "correlation_id", msg.CorrelationID, "from", msg.GatewayID, "outcome", string(out))
}

// consumeInvokeStream runs queued invocations from the redis stream. Each
// message is acked once its call has finished.
func (s *Server) consumeInvokeStream(ctx context.Context) error {
	rdb := s.opts.Redis
	stream := s.opts.InvokeStream
	group := s.opts.ConsumerGroup
	consumer := s.opts.GatewayID

	// Start at 0 so invocations queued before the first gateway came up run.
	if err := rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil {
		// BUSYGROUP is ok if group already exists.
		if !strings.Contains(strings.ToLower(err.Error()), "busygroup") {
			s.logger.Warn("create redis consumer group failed", "stream", stream, "err", err.Error())
		}
	}
	s.logger.Info("redis stream consumer started", "stream", stream, "group", group, "consumer", consumer)

	var workers errgroup.Group
	workers.SetLimit(s.opts.StreamWorkers)
	defer func() { _ = workers.Wait() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		streams, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    16,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			s.logger.Warn("redis xreadgroup failed", "err", err.Error())
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, st := range streams {
			for _, msg := range st.Messages {
				workers.Go(func() error {
					s.handleInvokeMessage(ctx, msg)
					ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
					defer cancel()
					if err := rdb.XAck(ackCtx, stream, group, msg.ID).Err(); err != nil {
						s.logger.Warn("redis xack failed", "id", msg.ID, "err", err.Error())
					}
					return nil
				})
			}
		}
	}
}

func (s *Server) handleInvokeMessage(ctx context.Context, msg redis.XMessage) {
	req, err := decodeInvokeFromStream(msg.Values)
	if err != nil {
		s.logger.Warn("invalid invoke message", "id", msg.ID, "err", err.Error())
		payload, _ := json.Marshal(map[string]string{"error": err.Error(), "stream_id": msg.ID})
		s.hub.Publish(protocol.Envelope{V: 1, Type: protocol.TypeFailed, Payload: payload})
		return
	}
	res := s.proxy.Call(ctx, callRequest(*req))
	s.logger.Info("stream invocation finished", "id", msg.ID, "correlation_id", res.CorrelationID, "status", string(res.Status))
}

func decodeInvokeFromStream(values map[string]any) (*protocol.InvokeRequest, error) {
	getString := func(key string) string {
		switch v := values[key].(type) {
		case string:
			return v
		case []byte:
			return string(v)
		default:
			return ""
		}
	}

	// Preferred: single JSON field `request`.
	if raw := getString("request"); raw != "" {
		var req protocol.InvokeRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			return nil, errors.Wrap(err, "decode request")
		}
		if req.ToolName == "" {
			return nil, errors.New("missing tool_name")
		}
		return &req, nil
	}

	// Fallback: basic field mapping.
	req := &protocol.InvokeRequest{
		ReqID:       getString("req_id"),
		ToolName:    getString("tool_name"),
		EndpointURL: getString("endpoint_url"),
		APIKey:      getString("api_key"),
	}
	if req.ToolName == "" {
		return nil, errors.New("missing tool_name")
	}
	if args := getString("arguments"); args != "" {
		if err := json.Unmarshal([]byte(args), &req.Arguments); err != nil {
			return nil, errors.Wrap(err, "decode arguments")
		}
	}
	if v := getString("max_wait_ms"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.Wrap(err, "max_wait_ms")
		}
		req.MaxWaitMs = n
	}
	return req, nil
}
