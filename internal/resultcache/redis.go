package resultcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

const defaultQueryTimeout = 5 * time.Second

// Redis shares cached results between gateway instances, so a callback that
// lands on one instance can be picked up by a resolver on another.
type Redis struct {
	client       *redis.Client
	prefix       string
	queryTimeout time.Duration
}

var _ Cache = (*Redis)(nil)

// NewRedis wraps client. The caller owns the client lifecycle.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix, queryTimeout: defaultQueryTimeout}
}

func (r *Redis) key(id string) string { return r.prefix + id }

func (r *Redis) Put(ctx context.Context, id string, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if entry.ArrivedAt.IsZero() {
		entry.ArrivedAt = time.Now()
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal cache entry")
	}
	qctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()
	return errors.Wrapf(r.client.Set(qctx, r.key(id), b, ttl).Err(), "cache put %s", id)
}

func (r *Redis) Take(ctx context.Context, id string) (Entry, bool, error) {
	qctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()
	b, err := r.client.GetDel(qctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, "cache take %s", id)
	}
	var entry Entry
	if err := json.Unmarshal(b, &entry); err != nil {
		return Entry{}, false, errors.Wrap(err, "decode cache entry")
	}
	return entry, true, nil
}
