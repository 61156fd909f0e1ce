// Package resultcache holds results that arrived while nobody was waiting for
// them. Entries are consumed on read and expire lazily.
package resultcache

import (
	"context"
	"time"
)

// DefaultTTL is used when Put is called with ttl <= 0.
const DefaultTTL = 5 * time.Minute

// Entry is a terminal result keyed by correlation id. A non-empty Error marks
// a failed invocation.
type Entry struct {
	Payload   string    `json:"payload,omitempty"`
	Error     string    `json:"error,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	ArrivedAt time.Time `json:"arrived_at"`
}

func (e Entry) Failed() bool { return e.Error != "" }

type Cache interface {
	Put(ctx context.Context, id string, entry Entry, ttl time.Duration) error
	// Take returns and removes the entry for id. Expired entries are evicted
	// and reported as absent.
	Take(ctx context.Context, id string) (Entry, bool, error)
}
