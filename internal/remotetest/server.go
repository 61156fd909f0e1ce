// Package remotetest provides a fake workflow endpoint speaking the push-stream
// handshake, tools/call and tools/result protocol.
package remotetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

// Handshake modes.
const (
	HandshakeEndpoint = "endpoint"
	HandshakeMessage  = "message"
	HandshakeNone     = "none"
)

type Request struct {
	ID        string
	Method    string
	Tool      string
	Arguments map[string]any
	RequestID string
	SessionID string
	Header    http.Header
}

type Reply struct {
	Status int
	Body   string
}

func Accepted() Reply { return Reply{Status: http.StatusAccepted, Body: "Accepted"} }

func Text(status int, body string) Reply { return Reply{Status: status, Body: body} }

func JSON(v any) Reply {
	b, _ := json.Marshal(v)
	return Reply{Status: http.StatusOK, Body: string(b)}
}

func RPCResult(id string, result any) Reply {
	return JSON(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func RPCError(id string, code int, message string) Reply {
	return JSON(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	})
}

// Status builds a tools/result reply carrying status plus extra fields.
func Status(id, status string, extra map[string]any) Reply {
	result := map[string]any{"status": status}
	for k, v := range extra {
		result[k] = v
	}
	return RPCResult(id, result)
}

// Server is the fake endpoint. Configure the exported fields before the
// first request is made.
type Server struct {
	*httptest.Server

	// Handshake selects how the submission URL is announced.
	Handshake string
	// OnCall answers tools/call. Defaults to Accepted.
	OnCall func(Request) Reply
	// OnPoll answers the n-th tools/result (1-based). Defaults to running.
	OnPoll func(req Request, n int) Reply

	opened atomic.Int32
	closed atomic.Int32
	calls  atomic.Int32
	polls  atomic.Int32

	mu       sync.Mutex
	sessions map[string]bool
	streams  map[int32]chan string

	done      chan struct{}
	closeOnce sync.Once
}

func New(t testing.TB) *Server {
	s := &Server{
		Handshake: HandshakeEndpoint,
		sessions:  make(map[string]bool),
		streams:   make(map[int32]chan string),
		done:      make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", s.handleStream)
	mux.HandleFunc("/messages", s.handleMessage)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// EndpointURL is the push-stream URL clients connect to.
func (s *Server) EndpointURL() string { return s.URL + "/sse" }

func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.Server.Close()
}

// Handshakes counts push streams opened by clients.
func (s *Server) Handshakes() int { return int(s.opened.Load()) }

// StreamsClosed counts push streams that have ended.
func (s *Server) StreamsClosed() int { return int(s.closed.Load()) }

func (s *Server) Calls() int { return int(s.calls.Load()) }

func (s *Server) Polls() int { return int(s.polls.Load()) }

// Push sends a generic message event to every open stream.
func (s *Server) Push(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.streams {
		select {
		case ch <- data:
		default:
		}
	}
}

// InvalidateSessions forgets every session id so later submissions get 404.
func (s *Server) InvalidateSessions() {
	s.mu.Lock()
	s.sessions = make(map[string]bool)
	s.mu.Unlock()
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	n := s.opened.Add(1)
	sid := fmt.Sprintf("sess-%d", n)
	ch := make(chan string, 16)
	s.mu.Lock()
	s.sessions[sid] = true
	s.streams[n] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streams, n)
		s.mu.Unlock()
		s.closed.Add(1)
	}()

	io.WriteString(w, ": connected\n\n")
	switch s.Handshake {
	case HandshakeMessage:
		fmt.Fprintf(w, "data: /messages?sessionId=%s\n\n", sid)
	case HandshakeNone:
	default:
		fmt.Fprintf(w, "event: endpoint\ndata: /messages?sessionId=%s\n\n", sid)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case msg := <-ch:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sid := r.URL.Query().Get("sessionId")
	s.mu.Lock()
	valid := s.sessions[sid]
	s.mu.Unlock()
	if !valid {
		http.Error(w, "Could not find session "+sid, http.StatusNotFound)
		return
	}

	var msg struct {
		ID     any    `json:"id"`
		Method string `json:"method"`
		Params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
			RequestID string         `json:"requestId"`
		} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req := Request{
		ID:        fmt.Sprint(msg.ID),
		Method:    msg.Method,
		Tool:      msg.Params.Name,
		Arguments: msg.Params.Arguments,
		RequestID: msg.Params.RequestID,
		SessionID: sid,
		Header:    r.Header.Clone(),
	}

	var reply Reply
	switch msg.Method {
	case "tools/call":
		s.calls.Add(1)
		reply = Accepted()
		if s.OnCall != nil {
			reply = s.OnCall(req)
		}
	case "tools/result":
		n := int(s.polls.Add(1))
		reply = Status(req.ID, "running", nil)
		if s.OnPoll != nil {
			reply = s.OnPoll(req, n)
		}
	default:
		reply = RPCError(req.ID, -32601, "Method not found")
	}

	if reply.Status == 0 {
		reply.Status = http.StatusOK
	}
	w.WriteHeader(reply.Status)
	io.WriteString(w, reply.Body)
}
