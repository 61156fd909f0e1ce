package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"toolproxy/internal/format"
	"toolproxy/internal/logging"
	"toolproxy/internal/metrics"
	"toolproxy/internal/protocol"
	"toolproxy/internal/session"
)

const (
	DefaultRequestTimeout = 15 * time.Second
	DefaultPollTimeout    = 5 * time.Second

	// CallbackHeader advertises where the remote may post the final result.
	CallbackHeader = "X-Callback-URL"

	maxReplyBytes      = 4 << 20
	codeMethodNotFound = -32601
)

type OutcomeKind int

const (
	OutcomeImmediate OutcomeKind = iota
	OutcomeAccepted
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeImmediate:
		return "immediate"
	case OutcomeAccepted:
		return "accepted"
	default:
		return "error"
	}
}

// Outcome is the classified reply to a tools/call.
type Outcome struct {
	Kind          OutcomeKind
	CorrelationID string
	Result        string
	Err           error
}

type Invocation struct {
	CorrelationID string
	Endpoint      session.Endpoint
	ToolName      string
	Arguments     map[string]any
}

type PollState int

const (
	PollPending PollState = iota
	PollCompleted
	PollFailed
)

// PollResult is the classified reply to one tools/result request. Status is
// the observed label used for logs and metrics.
type PollResult struct {
	State   PollState
	Status  string
	Payload string
	Err     error
}

type DispatcherOptions struct {
	RequestTimeout time.Duration
	PollTimeout    time.Duration
	// CallbackBaseURL, when set, is advertised on every tools/call as
	// <base>/<correlation id>.
	CallbackBaseURL string
	HTTPClient      *http.Client
	Logger          logging.Logger
	Metrics         *metrics.Metrics
}

// Dispatcher sends tool calls and result polls to session submission URLs.
type Dispatcher struct {
	registry *session.Registry
	opts     DispatcherOptions
	logger   logging.Logger
}

func NewDispatcher(registry *session.Registry, opts DispatcherOptions) *Dispatcher {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	opts.CallbackBaseURL = strings.TrimRight(opts.CallbackBaseURL, "/")
	return &Dispatcher{
		registry: registry,
		opts:     opts,
		logger:   opts.Logger.With("component", "dispatcher"),
	}
}

// Invoke posts a tools/call for inv and classifies the reply.
func (d *Dispatcher) Invoke(ctx context.Context, inv Invocation) Outcome {
	out := d.invoke(ctx, inv)
	out.CorrelationID = inv.CorrelationID
	d.opts.Metrics.Dispatch(out.Kind.String())
	return out
}

func (d *Dispatcher) invoke(ctx context.Context, inv Invocation) Outcome {
	s, err := d.registry.Acquire(ctx, inv.Endpoint)
	if err != nil {
		return Outcome{Kind: OutcomeError, Err: unavailable(err, "acquire session")}
	}
	body, err := protocol.NewToolCall(inv.CorrelationID, inv.ToolName, inv.Arguments)
	if err != nil {
		return Outcome{Kind: OutcomeError, Err: errors.Wrap(err, "encode tool call")}
	}
	header := http.Header{}
	if d.opts.CallbackBaseURL != "" {
		header.Set(CallbackHeader, d.opts.CallbackBaseURL+"/"+inv.CorrelationID)
	}

	status, reply, err := d.post(ctx, s, inv.Endpoint.APIKey, body, header, d.opts.RequestTimeout)
	if err != nil {
		d.registry.ExpireSession(s)
		return Outcome{Kind: OutcomeError, Err: unavailable(err, "submit tool call")}
	}
	s.Touch(time.Now())
	return d.classify(s, status, reply)
}

func (d *Dispatcher) classify(s *session.Session, status int, body []byte) Outcome {
	text := strings.TrimSpace(string(body))

	if status < 200 || status > 299 {
		if sessionRejected(status, text) {
			d.registry.ExpireSession(s)
			err := errors.Newf("remote rejected session (HTTP %d)", status)
			return Outcome{Kind: OutcomeError, Err: errors.Mark(err, ErrProxyUnavailable)}
		}
		return Outcome{Kind: OutcomeError, Err: errors.Mark(errors.Newf("remote returned HTTP %d: %s", status, clip(text)), ErrRemote)}
	}
	if status == http.StatusAccepted || isAck(text) {
		return Outcome{Kind: OutcomeAccepted}
	}

	reply, err := protocol.DecodeReply(body)
	if err != nil {
		result, ok, malformed := bareReply(text)
		if malformed {
			d.logger.Warn("malformed tool call reply", "endpoint_url", s.EndpointURL(), "body", clip(text))
		}
		if ok {
			return Outcome{Kind: OutcomeImmediate, Result: result}
		}
		return Outcome{Kind: OutcomeAccepted}
	}
	if reply.Error != nil {
		return Outcome{Kind: OutcomeError, Err: remoteError(reply.Error.Error())}
	}
	st := reply.ResultStatus()
	switch {
	case protocol.InProgress(st):
		return Outcome{Kind: OutcomeAccepted}
	case st == protocol.StatusError:
		return Outcome{Kind: OutcomeError, Err: remoteError(reply.FailureMessage())}
	case reply.HasResult(), st == protocol.StatusCompleted:
		return Outcome{Kind: OutcomeImmediate, Result: format.Text(reply.Payload())}
	default:
		return Outcome{Kind: OutcomeImmediate, Result: format.JSON(body)}
	}
}

// Poll asks the remote for the result of correlationID. Every failure short
// of an explicit remote error is reported as pending.
func (d *Dispatcher) Poll(ctx context.Context, ep session.Endpoint, correlationID string, attempt int) PollResult {
	s, err := d.registry.Acquire(ctx, ep)
	if err != nil {
		d.logger.Warn("poll skipped, no session", "correlation_id", correlationID, "err", err.Error())
		return PollResult{State: PollPending, Status: "unavailable"}
	}
	body, err := protocol.NewResultPoll(correlationID, attempt)
	if err != nil {
		return PollResult{State: PollPending, Status: "encode_error"}
	}
	status, reply, err := d.post(ctx, s, ep.APIKey, body, nil, d.opts.PollTimeout)
	if err != nil {
		d.logger.Debug("poll failed", "correlation_id", correlationID, "attempt", attempt, "err", err.Error())
		return PollResult{State: PollPending, Status: "transport_error"}
	}
	s.Touch(time.Now())

	text := strings.TrimSpace(string(reply))
	if status == http.StatusNotFound {
		if strings.Contains(strings.ToLower(text), "session") {
			d.registry.ExpireSession(s)
		}
		return PollResult{State: PollPending, Status: "not_found"}
	}
	if status < 200 || status > 299 {
		if sessionRejected(status, text) {
			d.registry.ExpireSession(s)
		}
		d.logger.Warn("poll returned error status", "correlation_id", correlationID, "status", status)
		return PollResult{State: PollPending, Status: "http_error"}
	}
	if status == http.StatusAccepted || isAck(text) {
		return PollResult{State: PollPending, Status: protocol.StatusPending}
	}

	r, err := protocol.DecodeReply(reply)
	if err != nil {
		result, ok, malformed := bareReply(text)
		switch {
		case malformed:
			d.logger.Warn("malformed poll reply", "correlation_id", correlationID, "attempt", attempt, "body", clip(text))
			return PollResult{State: PollPending, Status: "protocol_error"}
		case ok:
			return PollResult{State: PollCompleted, Status: protocol.StatusCompleted, Payload: result}
		}
		return PollResult{State: PollPending, Status: protocol.StatusPending}
	}
	if r.Error != nil && r.Error.Code == codeMethodNotFound {
		// Remote has no tools/result; keep waiting for a callback or push.
		return PollResult{State: PollPending, Status: "unsupported"}
	}
	res := ClassifyReply(r)
	if res.Status == "unknown" {
		d.logger.Warn("unexpected poll status", "correlation_id", correlationID, "body", clip(text))
	}
	return res
}

// ClassifyReply maps a structured reply from a poll, callback or push event to
// a poll state.
func ClassifyReply(r *protocol.Reply) PollResult {
	if r.Error != nil {
		return PollResult{State: PollFailed, Status: protocol.StatusError, Err: remoteError(r.Error.Error())}
	}
	st := r.ResultStatus()
	switch {
	case st == protocol.StatusCompleted:
		return PollResult{State: PollCompleted, Status: st, Payload: format.Text(r.Payload())}
	case st == protocol.StatusError:
		return PollResult{State: PollFailed, Status: st, Err: remoteError(r.FailureMessage())}
	case protocol.InProgress(st):
		return PollResult{State: PollPending, Status: st}
	case st == "" && r.HasResult():
		return PollResult{State: PollCompleted, Status: protocol.StatusCompleted, Payload: format.Text(r.Payload())}
	default:
		return PollResult{State: PollPending, Status: "unknown"}
	}
}

func (d *Dispatcher) post(ctx context.Context, s *session.Session, apiKey string, body []byte, header http.Header, timeout time.Duration) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.SubmissionURL(), bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := d.opts.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return 0, nil, errors.Wrap(err, "read reply")
	}
	return resp.StatusCode, reply, nil
}

// bareReply reads a 2xx body that is not a reply object. JSON arrays and
// strings are formatted, free text longer than two characters is taken as is.
// Broken JSON reports malformed and never counts as a result.
func bareReply(text string) (result string, ok, malformed bool) {
	if text == "" {
		return "", false, false
	}
	switch text[0] {
	case '{':
		return "", false, true
	case '[', '"':
		if json.Valid([]byte(text)) {
			return format.JSON(json.RawMessage(text)), true, false
		}
		if text[0] == '[' {
			return "", false, true
		}
	}
	if len(text) > 2 {
		return text, true, false
	}
	return "", false, false
}

func isAck(text string) bool {
	t := strings.Trim(strings.TrimSpace(text), `"`)
	return strings.EqualFold(t, "accepted")
}

func clip(s string) string {
	const limit = 200
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
