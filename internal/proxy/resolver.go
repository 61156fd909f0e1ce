package proxy

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"toolproxy/internal/logging"
	"toolproxy/internal/metrics"
	"toolproxy/internal/resultcache"
	"toolproxy/internal/session"
)

const (
	DefaultPollInterval    = 1500 * time.Millisecond
	DefaultMaxWait         = 25 * time.Second
	DefaultMaxPollAttempts = 15
	DefaultBackoffFactor   = 1.5
)

// Delivery channels.
const (
	ChannelPoll     = "poll"
	ChannelCallback = "callback"
	ChannelPush     = "push"
	ChannelCache    = "cache"
)

type Delivery string

const (
	DeliverySettled Delivery = "settled"
	DeliveryCached  Delivery = "cached"
	// DeliveryLate is a first result for an id whose caller already timed
	// out. It is cached like DeliveryCached.
	DeliveryLate    Delivery = "late"
	DeliveryIgnored Delivery = "ignored"
)

type Poller interface {
	Poll(ctx context.Context, ep session.Endpoint, correlationID string, attempt int) PollResult
}

type ResolverOptions struct {
	Cache         resultcache.Cache
	CacheTTL      time.Duration
	BackoffFactor float64
	MaxAttempts   int
	Logger        logging.Logger
	Metrics       *metrics.Metrics
}

// pending is the state cell of one accepted invocation. The first terminal
// write wins.
type pending struct {
	toolName  string
	createdAt time.Time
	done      chan struct{}

	mu      sync.Mutex
	settled bool
	entry   resultcache.Entry
}

func (p *pending) settle(entry resultcache.Entry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return false
	}
	p.settled = true
	p.entry = entry
	close(p.done)
	return true
}

func (p *pending) result() (resultcache.Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entry, p.settled
}

// Resolver owns pending invocations and the result cache. It resolves accepted
// invocations by polling, and accepts out-of-band arrivals from callbacks and
// push events.
type Resolver struct {
	poller Poller
	opts   ResolverOptions
	logger logging.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]*pending
	// finished holds ids whose caller has returned, kept for CacheTTL.
	finished map[string]*finishedCall
}

// finishedCall records how a caller returned. Once resolved is set, later
// arrivals for the id are ignored.
type finishedCall struct {
	at       time.Time
	resolved bool
}

func NewResolver(poller Poller, opts ResolverOptions) *Resolver {
	if opts.Cache == nil {
		opts.Cache = resultcache.NewMemory()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = resultcache.DefaultTTL
	}
	if opts.BackoffFactor <= 1 {
		opts.BackoffFactor = DefaultBackoffFactor
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxPollAttempts
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Resolver{
		poller:   poller,
		opts:     opts,
		logger:   opts.Logger.With("component", "resolver"),
		now:      time.Now,
		pending:  make(map[string]*pending),
		finished: make(map[string]*finishedCall),
	}
}

// Track registers id as pending so arrivals racing the dispatch reply are
// held for it.
func (r *Resolver) Track(id, toolName string) {
	r.track(id, toolName)
}

func (r *Resolver) track(id, toolName string) *pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pending[id]; ok {
		return p
	}
	p := &pending{toolName: toolName, createdAt: r.now(), done: make(chan struct{})}
	r.pending[id] = p
	return p
}

// Forget drops a tracked id that never needed resolution.
func (r *Resolver) Forget(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// Owns reports whether id is pending in this process.
func (r *Resolver) Owns(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

func (r *Resolver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Resolve waits for the terminal result of id, polling ep with exponential
// backoff. It returns within maxWait; a poll still in flight at the deadline
// is abandoned.
func (r *Resolver) Resolve(ctx context.Context, ep session.Endpoint, id string, pollInterval, maxWait time.Duration) (string, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	p := r.track(id, "")
	start := r.now()
	deadline := start.Add(maxWait)
	schedule := pollSchedule(pollInterval, r.opts.BackoffFactor)
	logger := r.logger.With("correlation_id", id)

	attempts := 0
	delivered := false
	defer func() { r.finish(ctx, id, p, delivered) }()

	for {
		if entry, ok := r.takeCached(ctx, id); ok {
			p.settle(entry)
		}
		if entry, ok := p.result(); ok {
			delivered = true
			r.opts.Metrics.Resolved(r.now().Sub(start))
			logger.Debug("invocation resolved", "channel", entry.Channel, "attempts", attempts)
			if entry.Failed() {
				return "", remoteError(entry.Error)
			}
			return entry.Payload, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		remaining := deadline.Sub(r.now())
		if remaining <= 0 {
			return "", &TimeoutError{Elapsed: r.now().Sub(start), Attempts: attempts}
		}

		wait := remaining
		if attempts < r.opts.MaxAttempts {
			attempts++
			res, ok := r.poll(ctx, ep, id, attempts, p, deadline)
			if ok {
				logger.Debug("poll", "attempt", attempts, "status", res.Status)
				switch res.State {
				case PollCompleted:
					p.settle(resultcache.Entry{Payload: res.Payload, Channel: ChannelPoll, ArrivedAt: r.now()})
					continue
				case PollFailed:
					p.settle(resultcache.Entry{Error: res.Err.Error(), Channel: ChannelPoll, ArrivedAt: r.now()})
					continue
				}
			}
			wait = schedule.NextBackOff()
		}
		if remaining = deadline.Sub(r.now()); wait > remaining {
			wait = remaining
		}
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-p.done:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
	}
}

// poll runs one attempt, giving up early if the invocation settles, the
// deadline passes or ctx ends. ok is false when the attempt was abandoned.
func (r *Resolver) poll(ctx context.Context, ep session.Endpoint, id string, attempt int, p *pending, deadline time.Time) (res PollResult, ok bool) {
	ch := make(chan PollResult, 1)
	go func() {
		ch <- r.poller.Poll(ctx, ep, id, attempt)
	}()

	timer := time.NewTimer(deadline.Sub(r.now()))
	defer timer.Stop()
	select {
	case res = <-ch:
		r.opts.Metrics.Poll(res.Status)
		return res, true
	case <-p.done:
	case <-timer.C:
	case <-ctx.Done():
	}
	return PollResult{}, false
}

func (r *Resolver) takeCached(ctx context.Context, id string) (resultcache.Entry, bool) {
	entry, ok, err := r.opts.Cache.Take(ctx, id)
	if err != nil {
		r.logger.Warn("result cache lookup failed", "correlation_id", id, "err", err.Error())
		return resultcache.Entry{}, false
	}
	if ok {
		entry.Channel = ChannelCache
	}
	return entry, ok
}

// finish discards the pending cell. A result that settled after the caller
// gave up goes to the cache for later retrieval.
func (r *Resolver) finish(ctx context.Context, id string, p *pending, delivered bool) {
	now := r.now()
	entry, settled := p.result()
	r.mu.Lock()
	if r.pending[id] == p {
		delete(r.pending, id)
	}
	r.finished[id] = &finishedCall{at: now, resolved: delivered || settled}
	for fid, f := range r.finished {
		if now.Sub(f.at) > r.opts.CacheTTL {
			delete(r.finished, fid)
		}
	}
	r.mu.Unlock()

	if delivered {
		return
	}
	if settled {
		if err := r.opts.Cache.Put(context.WithoutCancel(ctx), id, entry, r.opts.CacheTTL); err != nil {
			r.logger.Warn("cache late result failed", "correlation_id", id, "err", err.Error())
		}
	}
}

// Deliver records an out-of-band terminal result for id. It settles a waiting
// invocation and caches the result when nobody is waiting. The first result
// for a caller that timed out is reported as DeliveryLate. Anything arriving
// after a result exists is ignored.
func (r *Resolver) Deliver(ctx context.Context, id string, entry resultcache.Entry) Delivery {
	if entry.ArrivedAt.IsZero() {
		entry.ArrivedAt = r.now()
	}
	r.mu.Lock()
	p := r.pending[id]
	f := r.finished[id]
	settled := p != nil && p.settle(entry)
	late := p == nil && f != nil && !f.resolved
	if late {
		f.resolved = true
	}
	r.mu.Unlock()

	out := DeliveryIgnored
	switch {
	case settled:
		out = DeliverySettled
	case p != nil || (f != nil && !late):
	default:
		if err := r.opts.Cache.Put(ctx, id, entry, r.opts.CacheTTL); err != nil {
			r.logger.Warn("cache result failed", "correlation_id", id, "err", err.Error())
		} else if late {
			out = DeliveryLate
		} else {
			out = DeliveryCached
		}
	}
	r.opts.Metrics.Delivery(entry.Channel, string(out))
	r.logger.Debug("out-of-band result", "correlation_id", id, "channel", entry.Channel, "outcome", string(out))
	return out
}

// Lookup consumes a cached result for id.
func (r *Resolver) Lookup(ctx context.Context, id string) (resultcache.Entry, bool, error) {
	return r.opts.Cache.Take(ctx, id)
}

// pollSchedule yields base, base*factor, base*factor^2, ... without jitter.
func pollSchedule(base time.Duration, factor float64) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          factor,
		MaxInterval:         time.Duration(math.MaxInt64),
	}
	b.Reset()
	return b
}
