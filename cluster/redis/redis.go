// Package redis provides a Redis-backed cluster.Provider. Each named map is a
// Redis HASH and every conditional write is a small Lua script, so the
// compare-and-set semantics hold across all gateway processes sharing the
// same Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ggoodman/gatewaycore/cluster"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "gateway:cluster:"

// Config for the Redis-backed Provider. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all hash keys. ENV: CLUSTER_KEY_PREFIX
	KeyPrefix string `env:"CLUSTER_KEY_PREFIX,default=gateway:cluster:"`
}

// Provider implements cluster.Provider on top of a Redis client.
type Provider struct {
	client    *redis.Client
	keyPrefix string
	ownClient bool
	closed    atomic.Bool
}

// New connects to Redis and verifies the connection with a PING.
func New(cfg Config) (*Provider, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	p := NewWithClient(cl, cfg.KeyPrefix)
	p.ownClient = true
	return p, nil
}

// NewFromEnv builds a Provider using envdecode to populate Config.
func NewFromEnv() (*Provider, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(cfg)
}

// NewWithClient wraps an existing client. The caller keeps ownership of the
// client; Close will not close it.
func NewWithClient(client *redis.Client, keyPrefix string) *Provider {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Provider{client: client, keyPrefix: keyPrefix}
}

// Map implements cluster.Provider. Every name maps to a hash; ok is only false
// after Close.
func (p *Provider) Map(name string) (cluster.Map, bool) {
	if p.closed.Load() {
		return nil, false
	}
	return &hashMap{p: p, key: p.keyPrefix + name}, true
}

// Close closes the Redis client if the Provider created it.
func (p *Provider) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if p.ownClient {
		return p.client.Close()
	}
	return nil
}

var _ cluster.Provider = (*Provider)(nil)

type hashMap struct {
	p   *Provider
	key string
}

func (m *hashMap) check() error {
	if m.p.closed.Load() {
		return cluster.ErrProviderClosed
	}
	return nil
}

func (m *hashMap) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := m.check(); err != nil {
		return nil, false, err
	}
	v, err := m.p.client.HGet(ctx, m.key, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("hget %s: %w", m.key, err)
	}
	return v, true, nil
}

func (m *hashMap) Put(ctx context.Context, key string, value []byte) error {
	if err := m.check(); err != nil {
		return err
	}
	if err := m.p.client.HSet(ctx, m.key, key, value).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", m.key, err)
	}
	return nil
}

var putIfAbsentScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur then
  return {1, cur}
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return {0}
`)

func (m *hashMap) PutIfAbsent(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	if err := m.check(); err != nil {
		return nil, false, err
	}
	res, err := putIfAbsentScript.Run(ctx, m.p.client, []string{m.key}, key, value).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("put-if-absent %s: %w", m.key, err)
	}
	if len(res) < 2 {
		return nil, false, nil
	}
	switch v := res[1].(type) {
	case string:
		return []byte(v), true, nil
	case []byte:
		return v, true, nil
	default:
		return nil, true, fmt.Errorf("put-if-absent %s: unexpected reply %T", m.key, v)
	}
}

var replaceScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur == ARGV[2] then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
  return 1
end
return 0
`)

func (m *hashMap) Replace(ctx context.Context, key string, old, next []byte) (bool, error) {
	if err := m.check(); err != nil {
		return false, err
	}
	n, err := replaceScript.Run(ctx, m.p.client, []string{m.key}, key, old, next).Int()
	if err != nil {
		return false, fmt.Errorf("replace %s: %w", m.key, err)
	}
	return n == 1, nil
}

var removeScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur == ARGV[2] then
  redis.call('HDEL', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

func (m *hashMap) Remove(ctx context.Context, key string, expected []byte) (bool, error) {
	if err := m.check(); err != nil {
		return false, err
	}
	n, err := removeScript.Run(ctx, m.p.client, []string{m.key}, key, expected).Int()
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", m.key, err)
	}
	return n == 1, nil
}

func (m *hashMap) Delete(ctx context.Context, key string) error {
	if err := m.check(); err != nil {
		return err
	}
	if err := m.p.client.HDel(ctx, m.key, key).Err(); err != nil {
		return fmt.Errorf("hdel %s: %w", m.key, err)
	}
	return nil
}

func (m *hashMap) Entries(ctx context.Context) (map[string][]byte, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	all, err := m.p.client.HGetAll(ctx, m.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", m.key, err)
	}
	out := make(map[string][]byte, len(all))
	for k, v := range all {
		out[k] = []byte(v)
	}
	return out, nil
}
