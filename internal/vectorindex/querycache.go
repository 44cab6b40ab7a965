package vectorindex

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// QueryCache is the content-addressed cache described in spec §4.3: keyed
// by a hash of the query (plus any date filter), mapping to result lists
// with a 24-hour TTL. Mutations to the index invalidate the whole cache
// rather than tracking per-key dependency, matching the teacher's
// preference for whole-snapshot simplicity over incremental bookkeeping.
type QueryCache interface {
	Get(key string) ([]ScoredResult, bool)
	Set(key string, results []ScoredResult)
	GetKeyword(key string) ([]KeywordResult, bool)
	SetKeyword(key string, results []KeywordResult)
	InvalidateAll()
}

type cacheEntry struct {
	scored    []ScoredResult
	keyword   []KeywordResult
	expiresAt time.Time
}

// InProcessCache is the default QueryCache: a mutex-guarded map with
// lazy expiry. No background sweeper is run; expired entries are
// collected the next time they're looked up or the cache is invalidated,
// matching spec §4.3's "expired entries are lazily collected".
type InProcessCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewInProcessCache creates a QueryCache with the given TTL.
func NewInProcessCache(ttl time.Duration) *InProcessCache {
	return &InProcessCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *InProcessCache) Get(key string) ([]ScoredResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) || e.scored == nil {
		delete(c.entries, key)
		return nil, false
	}
	return e.scored, true
}

func (c *InProcessCache) Set(key string, results []ScoredResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{scored: results, expiresAt: time.Now().Add(c.ttl)}
}

func (c *InProcessCache) GetKeyword(key string) ([]KeywordResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) || e.keyword == nil {
		delete(c.entries, key)
		return nil, false
	}
	return e.keyword, true
}

func (c *InProcessCache) SetKeyword(key string, results []KeywordResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{keyword: results, expiresAt: time.Now().Add(c.ttl)}
}

func (c *InProcessCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// RedisCache is an optional QueryCache backend selected when
// RECORDROUTE_REDIS_ADDR is configured. It is strictly a cache: a Redis
// outage degrades every query to a cache miss (recomputed from the
// in-memory snapshot), never to a data-loss or correctness problem,
// honoring the Non-goal that no external coordination service is
// required for the system to be correct.
type RedisCache struct {
	client     *redis.Client
	ttl        time.Duration
	keyPrefix  string
	generation uint64
	mu         sync.Mutex
}

// NewRedisCache creates a QueryCache backed by the given Redis client.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, keyPrefix: "recordroute:querycache"}
}

type redisPayload struct {
	Scored  []ScoredResult  `json:"scored,omitempty"`
	Keyword []KeywordResult `json:"keyword,omitempty"`
}

func (c *RedisCache) fullKey(key string) string {
	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()
	return c.keyPrefix + ":" + key + ":" + strconv.FormatUint(gen, 10)
}

func (c *RedisCache) get(key string) (*redisPayload, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := c.client.Get(ctx, c.fullKey(key)).Bytes()
	if err != nil {
		return nil, false
	}
	var p redisPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false
	}
	return &p, true
}

func (c *RedisCache) set(key string, p redisPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	c.client.Set(ctx, c.fullKey(key), data, c.ttl)
}

func (c *RedisCache) Get(key string) ([]ScoredResult, bool) {
	p, ok := c.get(key)
	if !ok || p.Scored == nil {
		return nil, false
	}
	return p.Scored, true
}

func (c *RedisCache) Set(key string, results []ScoredResult) {
	c.set(key, redisPayload{Scored: results})
}

func (c *RedisCache) GetKeyword(key string) ([]KeywordResult, bool) {
	p, ok := c.get(key)
	if !ok || p.Keyword == nil {
		return nil, false
	}
	return p.Keyword, true
}

func (c *RedisCache) SetKeyword(key string, results []KeywordResult) {
	c.set(key, redisPayload{Keyword: results})
}

// InvalidateAll bumps an in-process generation counter folded into every
// key, so all previously-written keys become unreachable without an
// O(n) Redis scan/delete.
func (c *RedisCache) InvalidateAll() {
	c.mu.Lock()
	c.generation++
	c.mu.Unlock()
}
