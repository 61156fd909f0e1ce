// Package gateway exposes the tool proxy over HTTP: invocation, callback
// webhooks, late-result retrieval, a websocket event feed and, with redis,
// cross-instance callback fan-out and a stream of queued invocations.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"toolproxy/internal/logging"
	"toolproxy/internal/protocol"
	"toolproxy/internal/proxy"
)

const (
	callbackPrefix = "/callbacks/"
	resultsPrefix  = "/internal/proxy/results/"

	maxCallbackBytes = 4 << 20
)

// Proxy is the part of *proxy.Proxy the gateway drives.
type Proxy interface {
	Call(ctx context.Context, req proxy.CallRequest) proxy.Result
	Deliver(ctx context.Context, id string, cb protocol.CallbackPayload, channel string) proxy.Delivery
	Owns(id string) bool
	Lookup(ctx context.Context, id string) (proxy.Result, bool, error)
	Sessions() []protocol.SessionInfo
	Pending() int
}

type Options struct {
	ListenAddr    string
	InternalToken string
	GatewayID     string

	// Redis enables callback fan-out and the invoke stream consumer.
	Redis           *redis.Client
	CallbackChannel string
	InvokeStream    string
	ConsumerGroup   string
	// StreamWorkers bounds concurrent invocations taken from the stream.
	StreamWorkers int

	Gatherer prometheus.Gatherer
	Logger   logging.Logger
}

type Server struct {
	opts   Options
	proxy  Proxy
	hub    *Hub
	logger logging.Logger
	mux    *http.ServeMux

	// ready receives the bound address once Run is listening.
	ready chan string
}

func New(p Proxy, hub *Hub, opts Options) *Server {
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":8089"
	}
	if opts.GatewayID == "" {
		opts.GatewayID = DefaultGatewayID()
	}
	if opts.CallbackChannel == "" {
		opts.CallbackChannel = "toolproxy:callback"
	}
	if opts.InvokeStream == "" {
		opts.InvokeStream = "toolproxy:invoke"
	}
	if opts.ConsumerGroup == "" {
		opts.ConsumerGroup = "toolproxy"
	}
	if opts.StreamWorkers <= 0 {
		opts.StreamWorkers = 8
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if hub == nil {
		hub = NewHub(opts.GatewayID, nil, "", opts.Logger)
	}
	s := &Server{
		opts:   opts,
		proxy:  p,
		hub:    hub,
		logger: opts.Logger.With("component", "gateway", "gateway_id", opts.GatewayID),
		ready:  make(chan string, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/internal/proxy/invoke", s.handleInvoke)
	mux.HandleFunc("/internal/proxy/sessions", s.handleSessions)
	mux.HandleFunc("/internal/proxy/events", s.handleEventsWS)
	mux.HandleFunc(resultsPrefix, s.handleResult)
	mux.HandleFunc(callbackPrefix, s.handleCallback)
	if opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	s.mux = mux
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Ready yields the listen address once Run has bound it.
func (s *Server) Ready() <-chan string { return s.ready }

// Run serves HTTP and, with redis configured, the callback subscriber and
// the invoke stream consumer, until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := httpServer.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if s.opts.Redis != nil {
		g.Go(func() error { return s.subscribeCallbacks(ctx) })
		g.Go(func() error { return s.consumeInvokeStream(ctx) })
		s.logger.Info("redis enabled", "callback_channel", s.opts.CallbackChannel, "invoke_stream", s.opts.InvokeStream)
	}

	addr := ln.Addr().String()
	s.logger.Info("tool proxy gateway listening", "addr", addr)
	select {
	case s.ready <- addr:
	default:
	}
	return g.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"gateway_id": s.opts.GatewayID,
		"pending":    s.proxy.Pending(),
	})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if !s.checkInternalAuth(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req protocol.InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_json"})
		return
	}
	if strings.TrimSpace(req.ToolName) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_fields"})
		return
	}
	writeJSON(w, http.StatusOK, s.proxy.Call(r.Context(), callRequest(req)))
}

func callRequest(req protocol.InvokeRequest) proxy.CallRequest {
	return proxy.CallRequest{
		CorrelationID: req.ReqID,
		ToolName:      req.ToolName,
		Arguments:     req.Arguments,
		EndpointURL:   req.EndpointURL,
		APIKey:        req.APIKey,
		MaxWait:       time.Duration(req.MaxWaitMs) * time.Millisecond,
		PollInterval:  time.Duration(req.PollIntervalMs) * time.Millisecond,
	}
}

// handleCallback accepts a result pushed by the remote. It is not guarded by
// the internal token since remotes call it directly.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, callbackPrefix), "/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read_failed"})
		return
	}
	cb := decodeCallback(body)

	out := s.proxy.Deliver(r.Context(), id, cb, proxy.ChannelCallback)
	if out == proxy.DeliveryCached {
		// Not waiting here; the owning gateway may be a peer.
		s.publishCallback(r.Context(), id, cb)
	}
	s.logger.Debug("callback received", "correlation_id", id, "outcome", string(out))
	writeJSON(w, http.StatusOK, map[string]string{"correlation_id": id, "status": string(out)})
}

// decodeCallback accepts {result}/{error} bodies; anything else is taken as
// the result itself.
func decodeCallback(body []byte) protocol.CallbackPayload {
	var cb protocol.CallbackPayload
	if err := json.Unmarshal(body, &cb); err == nil && (len(cb.Result) > 0 || cb.Error != nil) {
		return cb
	}
	if json.Valid(body) {
		return protocol.CallbackPayload{Result: json.RawMessage(body)}
	}
	raw, _ := json.Marshal(strings.TrimSpace(string(body)))
	return protocol.CallbackPayload{Result: raw}
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if !s.checkInternalAuth(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, resultsPrefix), "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	res, ok, err := s.proxy.Lookup(r.Context(), id)
	if err != nil {
		s.logger.Warn("result lookup failed", "correlation_id", id, "err", err.Error())
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "lookup_failed"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.checkInternalAuth(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.proxy.Sessions(),
		"pending":  s.proxy.Pending(),
	})
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if !s.checkInternalAuth(w, r) {
		return
	}
	events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-events:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) checkInternalAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.opts.InternalToken == "" {
		return true
	}
	if r.Header.Get("X-Internal-Token") != s.opts.InternalToken {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func DefaultGatewayID() string {
	h, _ := os.Hostname()
	if h == "" {
		h = "gateway"
	}
	return h + "-" + uuid.NewString()
}
