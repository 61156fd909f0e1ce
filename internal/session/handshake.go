package session

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"toolproxy/internal/sse"
)

const endpointEventType = "endpoint"

// connect runs the push stream for s: the handshake first, then event
// delivery until the stream dies or the session is closed.
func (r *Registry) connect(s *Session, ep Endpoint) {
	start := r.now()
	timer := time.AfterFunc(r.opts.HandshakeTimeout, func() {
		err := errors.Newf("no submission URL from %s within %s", ep.URL, r.opts.HandshakeTimeout)
		r.abort(s, errors.Mark(err, ErrHandshakeTimeout), "timeout")
	})
	defer timer.Stop()

	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, ep.URL, nil)
	if err != nil {
		r.abort(s, errors.Mark(errors.Wrap(err, "build push-stream request"), ErrConnection), "error")
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	resp, err := r.opts.HTTPClient.Do(req)
	if err != nil {
		r.abort(s, errors.Mark(errors.Wrap(err, "open push stream"), ErrConnection), "error")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := errors.Newf("push stream %s returned HTTP %d", ep.URL, resp.StatusCode)
		r.abort(s, errors.Mark(err, ErrConnection), "error")
		return
	}

	reader := sse.NewReader(resp.Body)
	defer reader.Close()
	for {
		ev, err := reader.Next()
		if err != nil {
			if s.State() == StateConnecting {
				err = errors.Wrap(err, "push stream ended before handshake")
				r.abort(s, errors.Mark(err, ErrConnection), "error")
			} else {
				r.drop(s, err)
			}
			return
		}

		if s.State() == StateConnecting {
			u, ok := SubmissionURL(ep.URL, ev)
			if ok && s.resolve(u, r.now()) {
				timer.Stop()
				r.opts.Metrics.Handshake("ok", r.now().Sub(start))
				r.opts.Metrics.SessionOpened()
				r.notify(ep.URL, StateReady)
				r.logger.Info("push-stream session ready", "endpoint_url", ep.URL, "submission_url", u)
			}
			continue
		}

		s.Touch(r.now())
		if r.opts.OnEvent != nil {
			r.opts.OnEvent(ep.URL, ev)
		}
	}
}

// abort fails a session that never became ready and wakes its waiters.
func (r *Registry) abort(s *Session, err error, result string) {
	if !s.fail(err) {
		return
	}
	r.remove(s)
	s.Close()
	r.opts.Metrics.Handshake(result, 0)
	r.logger.Warn("push-stream handshake failed", "endpoint_url", s.endpointURL, "err", err.Error())
}

// drop tears down a ready session whose stream ended.
func (r *Registry) drop(s *Session, cause error) {
	if s.expire() {
		r.opts.Metrics.SessionClosed()
		r.notify(s.endpointURL, StateFailed)
		r.logger.Info("push stream ended", "endpoint_url", s.endpointURL, "err", cause.Error())
	}
	r.remove(s)
	s.Close()
}

func (r *Registry) notify(endpointURL string, state State) {
	if r.opts.OnState != nil {
		r.opts.OnState(endpointURL, state)
	}
}

// SubmissionURL extracts the session-scoped submission URL from a handshake
// event, resolved against endpointURL. Named "endpoint" events qualify with
// any payload; generic messages only when the payload is a path or URL.
func SubmissionURL(endpointURL string, ev sse.Event) (string, bool) {
	data := strings.TrimSpace(ev.Data)
	if data == "" {
		return "", false
	}
	switch ev.Type {
	case endpointEventType:
	case sse.DefaultEventType:
		if !strings.HasPrefix(data, "/") && !strings.HasPrefix(data, "http://") && !strings.HasPrefix(data, "https://") {
			return "", false
		}
	default:
		return "", false
	}
	base, err := url.Parse(endpointURL)
	if err != nil {
		return "", false
	}
	ref, err := url.Parse(data)
	if err != nil {
		return "", false
	}
	return base.ResolveReference(ref).String(), true
}
