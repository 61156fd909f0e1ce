// Package proxy turns an asynchronous remote tool execution into a single
// bounded request/response call for a voice agent.
package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"toolproxy/internal/logging"
	"toolproxy/internal/metrics"
	"toolproxy/internal/protocol"
	"toolproxy/internal/resultcache"
	"toolproxy/internal/session"
	"toolproxy/internal/sse"
)

type Status string

const (
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusToolNotFound Status = "tool_not_found"
	StatusTimeout      Status = "timeout"
	StatusUnavailable  Status = "unavailable"
)

// Result is what every call returns. Failures are reported here, never as a
// Go error, so the agent always has something to say.
type Result struct {
	CorrelationID string `json:"correlation_id"`
	Success       bool   `json:"success"`
	Result        string `json:"result,omitempty"`
	Error         string `json:"error,omitempty"`
	Status        Status `json:"status"`
	Retryable     bool   `json:"retryable,omitempty"`
	InProgress    bool   `json:"in_progress,omitempty"`
	ElapsedMs     int64  `json:"elapsed_ms"`
}

type CallRequest struct {
	ToolName  string
	Arguments map[string]any
	// Optional overrides of the configured defaults.
	EndpointURL   string
	APIKey        string
	PollInterval  time.Duration
	MaxWait       time.Duration
	CorrelationID string
}

// Observer receives invocation lifecycle events.
type Observer func(protocol.Envelope)

type Options struct {
	EndpointURL string
	APIKey      string

	PollInterval       time.Duration
	MaxWait            time.Duration
	MaxPollAttempts    int
	BackoffFactor      float64
	HandshakeTimeout   time.Duration
	RequestTimeout     time.Duration
	PollTimeout        time.Duration
	SessionIdleTimeout time.Duration
	ResultTTL          time.Duration
	CallbackBaseURL    string

	Cache      resultcache.Cache
	HTTPClient *http.Client
	Logger     logging.Logger
	Metrics    *metrics.Metrics
	Observer   Observer
}

type Proxy struct {
	opts       Options
	logger     logging.Logger
	registry   *session.Registry
	dispatcher *Dispatcher
	resolver   *Resolver
	newID      func() string
}

func New(opts Options) *Proxy {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	p := &Proxy{
		opts:   opts,
		logger: opts.Logger.With("component", "proxy"),
		newID:  uuid.NewString,
	}
	p.registry = session.NewRegistry(session.Options{
		IdleTimeout:      opts.SessionIdleTimeout,
		HandshakeTimeout: opts.HandshakeTimeout,
		HTTPClient:       opts.HTTPClient,
		Logger:           opts.Logger,
		Metrics:          opts.Metrics,
		OnEvent:          p.handlePushEvent,
		OnState:          p.handleSessionState,
	})
	p.dispatcher = NewDispatcher(p.registry, DispatcherOptions{
		RequestTimeout:  opts.RequestTimeout,
		PollTimeout:     opts.PollTimeout,
		CallbackBaseURL: opts.CallbackBaseURL,
		HTTPClient:      opts.HTTPClient,
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
	})
	p.resolver = NewResolver(p.dispatcher, ResolverOptions{
		Cache:         opts.Cache,
		CacheTTL:      opts.ResultTTL,
		BackoffFactor: opts.BackoffFactor,
		MaxAttempts:   opts.MaxPollAttempts,
		Logger:        opts.Logger,
		Metrics:       opts.Metrics,
	})
	return p
}

// Call runs one tool invocation to completion or until its wait budget is
// spent.
func (p *Proxy) Call(ctx context.Context, req CallRequest) Result {
	start := time.Now()
	id := firstNonEmpty(req.CorrelationID, p.newID())
	ep := session.Endpoint{
		URL:    firstNonEmpty(req.EndpointURL, p.opts.EndpointURL),
		APIKey: firstNonEmpty(req.APIKey, p.opts.APIKey),
	}
	pollInterval := req.PollInterval
	if pollInterval <= 0 {
		pollInterval = p.opts.PollInterval
	}
	maxWait := req.MaxWait
	if maxWait <= 0 {
		maxWait = p.opts.MaxWait
	}
	logger := p.logger.With("correlation_id", id, "tool_name", req.ToolName)

	res := p.call(ctx, logger, id, ep, req, pollInterval, maxWait)
	res.CorrelationID = id
	res.ElapsedMs = time.Since(start).Milliseconds()
	p.opts.Metrics.Invocation(string(res.Status))
	p.emit(resultEventType(res.Status), id, ep.URL, req.ToolName, res)
	logger.Info("tool call finished", "status", string(res.Status), "elapsed_ms", res.ElapsedMs)
	return res
}

func (p *Proxy) call(ctx context.Context, logger logging.Logger, id string, ep session.Endpoint, req CallRequest, pollInterval, maxWait time.Duration) Result {
	if strings.TrimSpace(ep.URL) == "" {
		return failure(errors.Mark(errors.New("no endpoint URL configured"), ErrProxyUnavailable))
	}
	if strings.TrimSpace(req.ToolName) == "" {
		return failure(errors.Mark(errors.New("tool name is required"), ErrRemote))
	}

	p.emit(protocol.TypeInvoke, id, ep.URL, req.ToolName, nil)
	p.resolver.Track(id, req.ToolName)
	out := p.dispatcher.Invoke(ctx, Invocation{
		CorrelationID: id,
		Endpoint:      ep,
		ToolName:      req.ToolName,
		Arguments:     req.Arguments,
	})
	logger.Debug("dispatched", "outcome", out.Kind.String())

	switch out.Kind {
	case OutcomeImmediate:
		p.resolver.Forget(id)
		return Result{Success: true, Result: out.Result, Status: StatusCompleted}
	case OutcomeError:
		p.resolver.Forget(id)
		return failure(out.Err)
	}

	p.emit(protocol.TypeAccepted, id, ep.URL, req.ToolName, nil)
	text, err := p.resolver.Resolve(ctx, ep, id, pollInterval, maxWait)
	if err != nil {
		return failure(err)
	}
	return Result{Success: true, Result: text, Status: StatusCompleted}
}

func failure(err error) Result {
	res := Result{Error: err.Error(), Status: StatusFailed}
	var te *TimeoutError
	switch {
	case errors.As(err, &te):
		res.Status = StatusTimeout
		res.InProgress = true
		res.Retryable = true
	case errors.Is(err, ErrToolNotFound):
		res.Status = StatusToolNotFound
	case errors.Is(err, ErrProxyUnavailable):
		res.Status = StatusUnavailable
		res.Retryable = true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		res.Status = StatusTimeout
		res.Retryable = true
	}
	return res
}

// Deliver hands a callback body for id to the resolver.
func (p *Proxy) Deliver(ctx context.Context, id string, cb protocol.CallbackPayload, channel string) Delivery {
	entry, ok := entryFromReply(&protocol.Reply{Result: cb.Result, Error: cb.Error}, channel)
	if !ok {
		return DeliveryIgnored
	}
	out := p.resolver.Deliver(ctx, id, entry)
	if out == DeliveryLate {
		p.emit(protocol.TypeLateResult, id, "", "", entry)
	}
	return out
}

// Owns reports whether id is waiting for a result in this process.
func (p *Proxy) Owns(id string) bool { return p.resolver.Owns(id) }

// Lookup consumes a result that arrived after its caller stopped waiting.
func (p *Proxy) Lookup(ctx context.Context, id string) (Result, bool, error) {
	entry, ok, err := p.resolver.Lookup(ctx, id)
	if err != nil || !ok {
		return Result{}, ok, err
	}
	res := Result{CorrelationID: id, Success: true, Result: entry.Payload, Status: StatusCompleted}
	if entry.Failed() {
		res = failure(remoteError(entry.Error))
		res.CorrelationID = id
	}
	return res, true, nil
}

func (p *Proxy) Sessions() []protocol.SessionInfo { return p.registry.Snapshot() }

func (p *Proxy) Pending() int { return p.resolver.Pending() }

func (p *Proxy) Close() { p.registry.Close() }

// handlePushEvent treats JSON-RPC replies on the push stream as results for
// the invocation named by their id.
func (p *Proxy) handlePushEvent(endpointURL string, ev sse.Event) {
	reply, err := protocol.DecodeReply([]byte(ev.Data))
	if err != nil {
		return
	}
	rpcID := reply.IDString()
	if rpcID == "" {
		return
	}
	entry, ok := entryFromReply(reply, ChannelPush)
	if !ok {
		return
	}
	id := protocol.CorrelationID(rpcID)
	p.resolver.Deliver(context.Background(), id, entry)
	p.logger.Debug("push result", "endpoint_url", endpointURL, "correlation_id", id)
}

func (p *Proxy) handleSessionState(endpointURL string, state session.State) {
	typ := protocol.TypeSessionClosed
	if state == session.StateReady {
		typ = protocol.TypeSessionOpen
	}
	p.emit(typ, "", endpointURL, "", nil)
}

// entryFromReply converts a terminal reply into a cache entry. In-progress
// replies report false.
func entryFromReply(reply *protocol.Reply, channel string) (resultcache.Entry, bool) {
	res := ClassifyReply(reply)
	switch res.State {
	case PollCompleted:
		return resultcache.Entry{Payload: res.Payload, Channel: channel}, true
	case PollFailed:
		return resultcache.Entry{Error: res.Err.Error(), Channel: channel}, true
	}
	return resultcache.Entry{}, false
}

func (p *Proxy) emit(typ, id, endpointURL, toolName string, payload any) {
	if p.opts.Observer == nil {
		return
	}
	env := protocol.Envelope{
		V:             1,
		Type:          typ,
		CorrelationID: id,
		EndpointURL:   endpointURL,
		ToolName:      toolName,
		Ts:            time.Now().Unix(),
	}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			env.Payload = b
		}
	}
	p.opts.Observer(env)
}

func resultEventType(s Status) string {
	switch s {
	case StatusCompleted:
		return protocol.TypeResult
	case StatusTimeout:
		return protocol.TypeTimeout
	default:
		return protocol.TypeFailed
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
