// Package session keeps one push-stream connection per remote workflow
// endpoint and hands out ready sessions to dispatchers.
package session

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"toolproxy/internal/logging"
	"toolproxy/internal/metrics"
	"toolproxy/internal/protocol"
	"toolproxy/internal/sse"
)

const (
	DefaultIdleTimeout      = 60 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

var (
	ErrHandshakeTimeout = errors.New("push-stream handshake timed out")
	ErrConnection       = errors.New("push-stream connection failed")
	ErrClosed           = errors.New("session registry closed")
)

// EventHandler receives push-stream events that arrive after the handshake.
type EventHandler func(endpointURL string, ev sse.Event)

// StateHandler is told when a session becomes ready and when a ready session
// goes away.
type StateHandler func(endpointURL string, state State)

type Options struct {
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
	// HTTPClient opens the push streams. It must not carry an overall
	// timeout since streams stay open for the session lifetime.
	HTTPClient *http.Client
	Logger     logging.Logger
	Metrics    *metrics.Metrics
	OnEvent    EventHandler
	OnState    StateHandler
}

type Registry struct {
	opts   Options
	logger logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewRegistry(opts Options) *Registry {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Registry{
		opts:     opts,
		logger:   opts.Logger.With("component", "session_registry"),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Acquire returns a ready session for ep, opening one if needed. Concurrent
// callers for the same URL share one handshake and observe the same outcome.
func (r *Registry) Acquire(ctx context.Context, ep Endpoint) (*Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	s := r.sessions[ep.URL]
	var stale *Session
	if s != nil && !r.reusable(s) {
		stale = s
		delete(r.sessions, ep.URL)
		s = nil
	}
	if s == nil {
		s = newSession(ep.URL, r.now())
		r.sessions[ep.URL] = s
		go r.connect(s, ep)
	}
	r.mu.Unlock()

	if stale != nil {
		stale.Close()
		r.logger.Debug("replaced expired session", "endpoint_url", ep.URL)
	}

	select {
	case <-s.Ready():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	// The stream may have died between the handshake and this point.
	if s.State() != StateReady {
		return nil, errors.Mark(errors.Newf("session for %s is no longer live", ep.URL), ErrConnection)
	}
	s.Touch(r.now())
	return s, nil
}

func (r *Registry) reusable(s *Session) bool {
	switch s.State() {
	case StateFailed:
		return false
	case StateReady:
		return r.now().Sub(s.LastActivity()) <= r.opts.IdleTimeout
	default:
		return true
	}
}

// Expire discards the session for endpointURL so the next Acquire performs a
// fresh handshake.
func (r *Registry) Expire(endpointURL string) bool {
	r.mu.Lock()
	s, ok := r.sessions[endpointURL]
	if ok {
		delete(r.sessions, endpointURL)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.Close()
	r.logger.Info("session expired", "endpoint_url", endpointURL)
	return true
}

// ExpireSession discards s, but only while it is still the session registered
// for its endpoint; a replacement made by another caller is left alone. s is
// closed either way. It reports whether s was current.
func (r *Registry) ExpireSession(s *Session) bool {
	r.mu.Lock()
	current := r.sessions[s.endpointURL] == s
	if current {
		delete(r.sessions, s.endpointURL)
	}
	r.mu.Unlock()
	s.Close()
	if current {
		r.logger.Info("session expired", "endpoint_url", s.endpointURL)
	}
	return current
}

// Close tears down every session. Acquire fails afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

func (r *Registry) Snapshot() []protocol.SessionInfo {
	r.mu.Lock()
	out := make([]protocol.SessionInfo, 0, len(r.sessions))
	for url, s := range r.sessions {
		out = append(out, protocol.SessionInfo{
			EndpointURL:   url,
			State:         s.State().String(),
			SubmissionURL: s.SubmissionURL(),
			LastActivity:  s.LastActivity().Unix(),
		})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointURL < out[j].EndpointURL })
	return out
}

// remove deletes s from the map if it is still the current entry.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if r.sessions[s.endpointURL] == s {
		delete(r.sessions, s.endpointURL)
	}
	r.mu.Unlock()
}
