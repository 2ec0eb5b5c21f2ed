package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// averagingFixedWindowScript implements spec §4.1's Redis backend:
//
//	effective = prev * (1 - elapsed/interval) + curr
//	if effective + n > limit: reject
//	else: curr += n; TTL = 2*interval; admit
//
// KEYS[1] = current-window key, KEYS[2] = previous-window key
// ARGV[1] = limit, ARGV[2] = n, ARGV[3] = interval (seconds),
// ARGV[4] = elapsed seconds into the current window
//
// Loaded once via script-load and invoked with EVALSHA so a single round
// trip performs the read-compute-write atomically — the "atomic script load
// + eval pattern" spec §4.1 requires for idempotency under Redis retries.
const averagingFixedWindowScript = `
local curr = tonumber(redis.call('GET', KEYS[1]) or '0')
local prev = tonumber(redis.call('GET', KEYS[2]) or '0')
local limit = tonumber(ARGV[1])
local n = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local elapsed = tonumber(ARGV[4])

local weight = 1 - (elapsed / interval)
if weight < 0 then weight = 0 end
local effective = (prev * weight) + curr

if effective + n > limit then
	return {0, tostring(math.floor(interval - elapsed))}
end

local newCurr = redis.call('INCRBY', KEYS[1], n)
redis.call('EXPIRE', KEYS[1], interval * 2)
return {1, tostring(newCurr)}
`

// RedisStore is the distributed averaging-fixed-window backend (spec
// §4.1), usable against a real Redis or (in tests) miniredis.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	script    *redis.Script
	opTimeout time.Duration
}

// RedisStoreConfig configures the bounded connection pool with independent
// timeouts, per spec §5 "Resource limits" and §4.1's note that the pool
// must bound create/wait/recycle timeouts separately.
type RedisStoreConfig struct {
	Addr            string
	Password        string
	DB              int
	KeyPrefix       string
	PoolSize        int
	DialTimeout     time.Duration
	PoolWaitTimeout time.Duration
	ConnMaxLifetime time.Duration
	OpTimeout       time.Duration
}

// NewRedisStore dials Redis with the given pool settings and loads the
// averaging-fixed-window script.
func NewRedisStore(cfg RedisStoreConfig) *RedisStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "nexus"
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 500 * time.Millisecond
	}
	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		DialTimeout:     cfg.DialTimeout,
		PoolTimeout:     cfg.PoolWaitTimeout,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	return &RedisStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		script:    redis.NewScript(averagingFixedWindowScript),
		opTimeout: cfg.OpTimeout,
	}
}

// NewRedisStoreFromClient wraps an existing *redis.Client, used by tests to
// point the store at a miniredis instance.
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "nexus"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, script: redis.NewScript(averagingFixedWindowScript), opTimeout: 500 * time.Millisecond}
}

// CheckAndConsume implements Store.
func (s *RedisStore) CheckAndConsume(ctx context.Context, key string, limit, intervalSeconds, n int64) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	now := time.Now().Unix()
	window := now / intervalSeconds
	elapsed := now - window*intervalSeconds

	currKey := fmt.Sprintf("%s:%s:%d", s.keyPrefix, key, window)
	prevKey := fmt.Sprintf("%s:%s:%d", s.keyPrefix, key, window-1)

	res, err := s.script.Run(ctx, s.client, []string{currKey, prevKey}, limit, n, intervalSeconds, elapsed).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	fields, ok := res.([]interface{})
	if !ok || len(fields) != 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected result shape %T", res)
	}
	allowed, _ := fields[0].(int64)
	if allowed == 1 {
		return Decision{Allowed: true}, nil
	}
	var retryAfter int64
	fmt.Sscanf(fmt.Sprint(fields[1]), "%d", &retryAfter)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}, nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
