package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolproxy/internal/metrics"
	"toolproxy/internal/protocol"
	"toolproxy/internal/remotetest"
)

func newTestProxy(t *testing.T, remote *remotetest.Server, mutate func(*Options)) *Proxy {
	t.Helper()
	opts := Options{
		EndpointURL:  remote.EndpointURL(),
		PollInterval: 10 * time.Millisecond,
		MaxWait:      3 * time.Second,
		PollTimeout:  500 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	p := New(opts)
	t.Cleanup(p.Close)
	return p
}

func TestCall_AcceptedFlowResolvesAfterThreePolls(t *testing.T) {
	remote := remotetest.New(t)
	remote.OnPoll = func(req remotetest.Request, n int) remotetest.Reply {
		if n < 3 {
			return remotetest.Status(req.ID, "running", nil)
		}
		return remotetest.Status(req.ID, "completed", map[string]any{"content": "42"})
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	p := newTestProxy(t, remote, func(o *Options) { o.Metrics = m })

	res := p.Call(context.Background(), CallRequest{ToolName: "compute", Arguments: map[string]any{"q": "6*7"}})

	assert.True(t, res.Success, res.Error)
	assert.Equal(t, "42", res.Result)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.NotEmpty(t, res.CorrelationID)
	assert.Equal(t, 3, remote.Polls())
	assert.Equal(t, 1, remote.Calls())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Invocations.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dispatches.WithLabelValues("accepted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PollAttempts.WithLabelValues("running")))
}

func TestCall_UnknownTool(t *testing.T) {
	remote := remotetest.New(t)
	remote.OnCall = func(req remotetest.Request) remotetest.Reply {
		return remotetest.RPCError(req.ID, -32603, "Tool not found: "+req.Tool)
	}
	p := newTestProxy(t, remote, nil)

	res := p.Call(context.Background(), CallRequest{ToolName: "X"})

	assert.False(t, res.Success)
	assert.Equal(t, StatusToolNotFound, res.Status)
	assert.Contains(t, res.Error, "not found")
	assert.Contains(t, res.Error, "X")
	assert.False(t, res.Retryable)
	assert.Zero(t, remote.Polls())
}

func TestCall_ImmediateResults(t *testing.T) {
	cases := []struct {
		name  string
		reply func(id string) remotetest.Reply
		want  string
	}{
		{
			name:  "content blocks",
			reply: func(id string) remotetest.Reply {
				return remotetest.RPCResult(id, map[string]any{"content": []any{
					map[string]any{"type": "text", "text": "a"},
					map[string]any{"type": "text", "text": "b"},
				}})
			},
			want: "a\nb",
		},
		{
			name:  "plain string",
			reply: func(id string) remotetest.Reply { return remotetest.RPCResult(id, "sunny, 21C") },
			want:  "sunny, 21C",
		},
		{
			name:  "completed status",
			reply: func(id string) remotetest.Reply { return remotetest.Status(id, "completed", map[string]any{"text": "done"}) },
			want:  "done",
		},
		{
			name:  "text block array body",
			reply: func(string) remotetest.Reply {
				return remotetest.Text(http.StatusOK, `[{"type":"text","text":"a"},{"type":"text","text":"b"}]`)
			},
			want: "a\nb",
		},
		{
			name:  "json string body",
			reply: func(string) remotetest.Reply { return remotetest.Text(http.StatusOK, `"sunny, 21C"`) },
			want:  "sunny, 21C",
		},
		{
			name:  "top level status with data",
			reply: func(string) remotetest.Reply { return remotetest.JSON(map[string]any{"status": "completed", "data": "x"}) },
			want:  "x",
		},
		{
			name:  "opaque text body",
			reply: func(string) remotetest.Reply { return remotetest.Text(http.StatusOK, "Workflow executed successfully") },
			want:  "Workflow executed successfully",
		},
		{
			name:  "json without result",
			reply: func(string) remotetest.Reply { return remotetest.JSON(map[string]any{"foo": 1}) },
			want:  `{"foo":1}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			remote := remotetest.New(t)
			remote.OnCall = func(req remotetest.Request) remotetest.Reply { return tc.reply(req.ID) }
			p := newTestProxy(t, remote, nil)

			res := p.Call(context.Background(), CallRequest{ToolName: "t"})

			assert.True(t, res.Success, res.Error)
			assert.Equal(t, tc.want, res.Result)
			assert.Zero(t, remote.Polls())
		})
	}
}

func TestCall_AcceptedTextBody(t *testing.T) {
	remote := remotetest.New(t)
	remote.OnCall = func(remotetest.Request) remotetest.Reply { return remotetest.Text(http.StatusOK, "Accepted") }
	remote.OnPoll = func(req remotetest.Request, n int) remotetest.Reply {
		return remotetest.Status(req.ID, "completed", map[string]any{"result": "ok"})
	}
	p := newTestProxy(t, remote, nil)

	res := p.Call(context.Background(), CallRequest{ToolName: "t"})

	assert.True(t, res.Success, res.Error)
	assert.Equal(t, "ok", res.Result)
	assert.Equal(t, 1, remote.Polls())
}

func TestCall_TruncatedPollReplyKeepsPolling(t *testing.T) {
	remote := remotetest.New(t)
	remote.OnPoll = func(req remotetest.Request, n int) remotetest.Reply {
		if n == 1 {
			return remotetest.Text(http.StatusOK, `{"jsonrpc":"2.0","result":{"status":"runn`)
		}
		return remotetest.Status(req.ID, "completed", map[string]any{"content": "42"})
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	p := newTestProxy(t, remote, func(o *Options) { o.Metrics = m })

	res := p.Call(context.Background(), CallRequest{ToolName: "t"})

	assert.True(t, res.Success, res.Error)
	assert.Equal(t, "42", res.Result)
	assert.GreaterOrEqual(t, remote.Polls(), 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollAttempts.WithLabelValues("protocol_error")))
}

func TestCall_TruncatedCallReplyIsAccepted(t *testing.T) {
	remote := remotetest.New(t)
	remote.OnCall = func(remotetest.Request) remotetest.Reply {
		return remotetest.Text(http.StatusOK, `{"jsonrpc":"2.0","result":{"content":"par`)
	}
	remote.OnPoll = func(req remotetest.Request, n int) remotetest.Reply {
		return remotetest.Status(req.ID, "completed", map[string]any{"content": "full"})
	}
	p := newTestProxy(t, remote, nil)

	res := p.Call(context.Background(), CallRequest{ToolName: "t"})

	assert.True(t, res.Success, res.Error)
	assert.Equal(t, "full", res.Result)
	assert.Equal(t, 1, remote.Polls())
}

func TestCall_PollRequestCarriesCorrelationID(t *testing.T) {
	remote := remotetest.New(t)
	var mu sync.Mutex
	var callID, pollFor string
	remote.OnCall = func(req remotetest.Request) remotetest.Reply {
		mu.Lock()
		callID = req.ID
		mu.Unlock()
		return remotetest.Accepted()
	}
	remote.OnPoll = func(req remotetest.Request, _ int) remotetest.Reply {
		mu.Lock()
		pollFor = req.RequestID
		mu.Unlock()
		return remotetest.Status(req.ID, "completed", map[string]any{"content": "x"})
	}
	p := newTestProxy(t, remote, nil)

	res := p.Call(context.Background(), CallRequest{ToolName: "t", CorrelationID: "corr-7"})

	require.True(t, res.Success, res.Error)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "corr-7", callID)
	assert.Equal(t, "corr-7", pollFor)
	assert.Equal(t, "corr-7", res.CorrelationID)
}

func TestCall_RemoteErrorStatusInPoll(t *testing.T) {
	remote := remotetest.New(t)
	remote.OnPoll = func(req remotetest.Request, _ int) remotetest.Reply {
		return remotetest.Status(req.ID, "error", map[string]any{"error": "quota exceeded"})
	}
	p := newTestProxy(t, remote, nil)

	res := p.Call(context.Background(), CallRequest{ToolName: "t"})

	assert.False(t, res.Success)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "quota exceeded", res.Error)
}

func TestCall_PollNotFoundKeepsPolling(t *testing.T) {
	remote := remotetest.New(t)
	remote.OnPoll = func(req remotetest.Request, n int) remotetest.Reply {
		if n == 1 {
			return remotetest.Text(http.StatusNotFound, "no such job yet")
		}
		return remotetest.Status(req.ID, "completed", map[string]any{"content": "found"})
	}
	p := newTestProxy(t, remote, nil)

	res := p.Call(context.Background(), CallRequest{ToolName: "t"})

	assert.True(t, res.Success, res.Error)
	assert.Equal(t, "found", res.Result)
	assert.Equal(t, 2, remote.Polls())
	assert.Equal(t, 1, remote.Handshakes())
}

func TestCall_Timeout(t *testing.T) {
	remote := remotetest.New(t)
	p := newTestProxy(t, remote, func(o *Options) {
		o.MaxWait = 200 * time.Millisecond
		o.PollInterval = 20 * time.Millisecond
	})

	res := p.Call(context.Background(), CallRequest{ToolName: "slow"})

	assert.False(t, res.Success)
	assert.Equal(t, StatusTimeout, res.Status)
	assert.True(t, res.InProgress)
	assert.True(t, res.Retryable)
	assert.GreaterOrEqual(t, res.ElapsedMs, int64(200))
}

func TestCall_SessionRejectedExpiresSession(t *testing.T) {
	remote := remotetest.New(t)
	remote.OnCall = func(req remotetest.Request) remotetest.Reply { return remotetest.RPCResult(req.ID, "ok") }
	p := newTestProxy(t, remote, nil)

	require.True(t, p.Call(context.Background(), CallRequest{ToolName: "t"}).Success)
	remote.InvalidateSessions()

	res := p.Call(context.Background(), CallRequest{ToolName: "t"})
	assert.False(t, res.Success)
	assert.Equal(t, StatusUnavailable, res.Status)
	assert.True(t, res.Retryable)

	res = p.Call(context.Background(), CallRequest{ToolName: "t"})
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, 2, remote.Handshakes())
}

func TestCall_HandshakeFailureIsUnavailable(t *testing.T) {
	remote := remotetest.New(t)
	remote.Handshake = remotetest.HandshakeNone
	p := newTestProxy(t, remote, func(o *Options) { o.HandshakeTimeout = 50 * time.Millisecond })

	res := p.Call(context.Background(), CallRequest{ToolName: "t"})

	assert.False(t, res.Success)
	assert.Equal(t, StatusUnavailable, res.Status)
	assert.True(t, res.Retryable)
	assert.Zero(t, remote.Calls())
}

func TestCall_RequiresEndpoint(t *testing.T) {
	p := New(Options{})
	t.Cleanup(p.Close)

	res := p.Call(context.Background(), CallRequest{ToolName: "t"})
	assert.False(t, res.Success)
	assert.Equal(t, StatusUnavailable, res.Status)
}

func TestCall_AdvertisesCallbackURL(t *testing.T) {
	remote := remotetest.New(t)
	headers := make(chan string, 1)
	remote.OnCall = func(req remotetest.Request) remotetest.Reply {
		headers <- req.Header.Get(CallbackHeader)
		return remotetest.RPCResult(req.ID, "ok")
	}
	p := newTestProxy(t, remote, func(o *Options) { o.CallbackBaseURL = "https://proxy.example.com/callbacks/" })

	res := p.Call(context.Background(), CallRequest{ToolName: "t", CorrelationID: "c-1"})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "https://proxy.example.com/callbacks/c-1", <-headers)
}

func TestCall_APIKeySentAsBearer(t *testing.T) {
	remote := remotetest.New(t)
	auth := make(chan string, 1)
	remote.OnCall = func(req remotetest.Request) remotetest.Reply {
		auth <- req.Header.Get("Authorization")
		return remotetest.RPCResult(req.ID, "ok")
	}
	p := newTestProxy(t, remote, func(o *Options) { o.APIKey = "secret" })

	require.True(t, p.Call(context.Background(), CallRequest{ToolName: "t"}).Success)
	assert.Equal(t, "Bearer secret", <-auth)
}

func TestCall_PushEventResolves(t *testing.T) {
	remote := remotetest.New(t)
	remote.OnCall = func(req remotetest.Request) remotetest.Reply {
		go func() {
			time.Sleep(30 * time.Millisecond)
			remote.Push(fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":{"status":"completed","content":"pushed"}}`, req.ID))
		}()
		return remotetest.Accepted()
	}
	p := newTestProxy(t, remote, func(o *Options) { o.PollInterval = 5 * time.Second })

	start := time.Now()
	res := p.Call(context.Background(), CallRequest{ToolName: "t"})

	assert.True(t, res.Success, res.Error)
	assert.Equal(t, "pushed", res.Result)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDeliver_CallbackSettlesWaitingCall(t *testing.T) {
	remote := remotetest.New(t)
	p := newTestProxy(t, remote, func(o *Options) { o.PollInterval = 5 * time.Second })

	done := make(chan Result, 1)
	go func() {
		done <- p.Call(context.Background(), CallRequest{ToolName: "t", CorrelationID: "cb-1"})
	}()
	require.Eventually(t, func() bool { return remote.Polls() >= 1 }, 2*time.Second, 5*time.Millisecond)

	out := p.Deliver(context.Background(), "cb-1", protocol.CallbackPayload{Result: json.RawMessage(`{"content":"from callback"}`)}, ChannelCallback)
	assert.Equal(t, DeliverySettled, out)

	select {
	case res := <-done:
		assert.True(t, res.Success, res.Error)
		assert.Equal(t, "from callback", res.Result)
	case <-time.After(2 * time.Second):
		t.Fatal("call not settled by callback")
	}
	assert.Equal(t, DeliveryIgnored, p.Deliver(context.Background(), "cb-1", protocol.CallbackPayload{Result: json.RawMessage(`"again"`)}, ChannelCallback))
}

func TestDeliver_InProgressCallbackIgnored(t *testing.T) {
	p := New(Options{})
	t.Cleanup(p.Close)

	out := p.Deliver(context.Background(), "c", protocol.CallbackPayload{Result: json.RawMessage(`{"status":"running"}`)}, ChannelCallback)
	assert.Equal(t, DeliveryIgnored, out)
}

func TestLookup_LateErrorCallback(t *testing.T) {
	var events []protocol.Envelope
	var mu sync.Mutex
	p := New(Options{Observer: func(env protocol.Envelope) {
		mu.Lock()
		events = append(events, env)
		mu.Unlock()
	}})
	t.Cleanup(p.Close)

	out := p.Deliver(context.Background(), "late-1", protocol.CallbackPayload{Error: &protocol.RPCError{Message: "workflow crashed"}}, ChannelCallback)
	require.Equal(t, DeliveryCached, out)

	res, ok, err := p.Lookup(context.Background(), "late-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, res.Success)
	assert.Equal(t, "workflow crashed", res.Error)
	assert.Equal(t, "late-1", res.CorrelationID)

	_, ok, err = p.Lookup(context.Background(), "late-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Nobody was waiting for late-1, so this is not a late result.
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, events)
}

func TestDeliver_LateResultAfterTimeout(t *testing.T) {
	remote := remotetest.New(t)
	var mu sync.Mutex
	var events []protocol.Envelope
	p := newTestProxy(t, remote, func(o *Options) {
		o.MaxWait = 100 * time.Millisecond
		o.Observer = func(env protocol.Envelope) {
			mu.Lock()
			events = append(events, env)
			mu.Unlock()
		}
	})
	lateEvents := func() []protocol.Envelope {
		mu.Lock()
		defer mu.Unlock()
		var out []protocol.Envelope
		for _, env := range events {
			if env.Type == protocol.TypeLateResult {
				out = append(out, env)
			}
		}
		return out
	}

	res := p.Call(context.Background(), CallRequest{CorrelationID: "slow-1", ToolName: "t"})
	require.Equal(t, StatusTimeout, res.Status)

	out := p.Deliver(context.Background(), "slow-1", protocol.CallbackPayload{Result: json.RawMessage(`"finally"`)}, ChannelCallback)
	assert.Equal(t, DeliveryLate, out)
	require.Len(t, lateEvents(), 1)
	assert.Equal(t, "slow-1", lateEvents()[0].CorrelationID)

	// Duplicates and unrelated ids emit nothing.
	assert.Equal(t, DeliveryIgnored, p.Deliver(context.Background(), "slow-1", protocol.CallbackPayload{Result: json.RawMessage(`"again"`)}, ChannelCallback))
	assert.Equal(t, DeliveryCached, p.Deliver(context.Background(), "other-1", protocol.CallbackPayload{Result: json.RawMessage(`"x"`)}, ChannelCallback))
	assert.Len(t, lateEvents(), 1)

	got, ok, err := p.Lookup(context.Background(), "slow-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "finally", got.Result)
}

func TestCall_EmitsLifecycleEvents(t *testing.T) {
	remote := remotetest.New(t)
	remote.OnPoll = func(req remotetest.Request, _ int) remotetest.Reply {
		return remotetest.Status(req.ID, "completed", map[string]any{"content": "y"})
	}
	var mu sync.Mutex
	var types []string
	p := newTestProxy(t, remote, func(o *Options) {
		o.Observer = func(env protocol.Envelope) {
			mu.Lock()
			types = append(types, env.Type)
			mu.Unlock()
		}
	})

	require.True(t, p.Call(context.Background(), CallRequest{ToolName: "t"}).Success)
	p.Close()

	seen := func(typ string) bool {
		mu.Lock()
		defer mu.Unlock()
		return slices.Contains(types, typ)
	}
	require.Eventually(t, func() bool { return seen(protocol.TypeSessionClosed) }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var calls []string
	for _, typ := range types {
		if typ != protocol.TypeSessionOpen && typ != protocol.TypeSessionClosed {
			calls = append(calls, typ)
		}
	}
	assert.Equal(t, []string{protocol.TypeInvoke, protocol.TypeAccepted, protocol.TypeResult}, calls)
	assert.Contains(t, types, protocol.TypeSessionOpen)
}
