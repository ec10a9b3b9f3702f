package ownership

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultLookupPrefix namespaces resource metadata keys in Redis.
const DefaultLookupPrefix = "gatekeeper:resource:"

// RedisLookup resolves resource ownership metadata from Redis hashes.
// The application writes one hash per resource under
// <prefix><collection>:<id> with at least the ownership field; the
// gatekeeper only reads them.
type RedisLookup struct {
	client *redis.Client
	prefix string
}

// NewRedisLookup creates a lookup over the given client. An empty
// prefix falls back to DefaultLookupPrefix.
func NewRedisLookup(client *redis.Client, prefix string) *RedisLookup {
	if prefix == "" {
		prefix = DefaultLookupPrefix
	}
	return &RedisLookup{client: client, prefix: prefix}
}

// Lookup returns the resource hash, or ErrNotFound when no hash
// exists for the collection and id.
func (l *RedisLookup) Lookup(ctx context.Context, collection, id string) (Resource, error) {
	key := l.prefix + collection + ":" + id

	fields, err := l.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("resource lookup %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	return Resource(fields), nil
}
