package session

import (
	"context"
	"sync"
	"time"
)

type State int32

const (
	StateConnecting State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Endpoint identifies a remote workflow endpoint. Sessions are keyed by URL.
type Endpoint struct {
	URL    string
	APIKey string
}

// Session is one push-stream connection to an endpoint. Its readiness is
// shared by every caller that acquired it while the handshake was running.
type Session struct {
	endpointURL string
	ctx         context.Context
	cancel      context.CancelFunc
	ready       chan struct{}
	closeOnce   sync.Once

	mu            sync.Mutex
	state         State
	submissionURL string
	lastActivity  time.Time
	err           error
}

func newSession(endpointURL string, now time.Time) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		endpointURL:  endpointURL,
		ctx:          ctx,
		cancel:       cancel,
		ready:        make(chan struct{}),
		lastActivity: now,
	}
}

func (s *Session) EndpointURL() string { return s.endpointURL }

// SubmissionURL is empty until the handshake completes.
func (s *Session) SubmissionURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submissionURL
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Err is the handshake failure, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Ready is closed once the handshake has either succeeded or failed.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Touch records activity on the session.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
}

// Close tears down the push stream. Only the first call has an effect; it
// reports whether this call closed the stream.
func (s *Session) Close() bool {
	closed := false
	s.closeOnce.Do(func() {
		s.cancel()
		closed = true
	})
	return closed
}

func (s *Session) resolve(submissionURL string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	s.state = StateReady
	s.submissionURL = submissionURL
	s.lastActivity = now
	close(s.ready)
	return true
}

func (s *Session) fail(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	s.state = StateFailed
	s.err = err
	close(s.ready)
	return true
}

// expire moves a ready session to failed. Holders keep their submission URL
// but the registry will not hand the session out again.
func (s *Session) expire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return false
	}
	s.state = StateFailed
	return true
}
