// Package claim reserves call ids across server replicas so a call is only
// ever served by one process.
package claim

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrInvalidID is returned for an empty call id.
var ErrInvalidID = errors.New("claim: empty call id")

// releaseScript deletes the key only while it still holds our owner token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClaimer claims call ids with SET NX and a TTL.
type RedisClaimer struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	owner  string
}

// Option configures a RedisClaimer.
type Option func(*RedisClaimer)

// WithTTL bounds how long a claim outlives a crashed owner. Default 2h.
func WithTTL(ttl time.Duration) Option {
	return func(c *RedisClaimer) {
		c.ttl = ttl
	}
}

// WithPrefix sets the key prefix. Default "callstream".
func WithPrefix(prefix string) Option {
	return func(c *RedisClaimer) {
		c.prefix = prefix
	}
}

// WithOwner sets the token identifying this replica.
func WithOwner(owner string) Option {
	return func(c *RedisClaimer) {
		c.owner = owner
	}
}

// NewRedisClaimer creates a claimer. The default owner token is the hostname
// plus a random suffix.
func NewRedisClaimer(client *redis.Client, opts ...Option) *RedisClaimer {
	host, _ := os.Hostname()
	c := &RedisClaimer{
		client: client,
		ttl:    2 * time.Hour,
		prefix: "callstream",
		owner:  host + "-" + uuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial parses a redis:// URL and returns a claimer after a PING.
func Dial(ctx context.Context, url string, opts ...Option) (*RedisClaimer, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisClaimer(client, opts...), nil
}

func (c *RedisClaimer) key(id string) string { return c.prefix + ":call:" + id }

// Owner returns this replica's token.
func (c *RedisClaimer) Owner() string { return c.owner }

// Claim reports whether this replica now owns id. It returns false when
// another owner already holds it.
func (c *RedisClaimer) Claim(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrInvalidID
	}
	ok, err := c.client.SetNX(ctx, c.key(id), c.owner, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}

// Release drops the claim if this replica still owns it.
func (c *RedisClaimer) Release(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := releaseScript.Run(ctx, c.client, []string{c.key(id)}, c.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}

// Holder returns the owner token currently holding id, or "" if unclaimed.
func (c *RedisClaimer) Holder(ctx context.Context, id string) (string, error) {
	v, err := c.client.Get(ctx, c.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get failed: %w", err)
	}
	return v, nil
}

// Close closes the underlying client.
func (c *RedisClaimer) Close() error { return c.client.Close() }
