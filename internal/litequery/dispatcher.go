// Package litequery implements the stateful per-query dispatcher of
// §4.9: one independent actor per in-flight query, an absolute deadline,
// a cancellation token, and a sha256-keyed response cache. It sits on
// top of internal/rootdb for data access and internal/litequery/vm for
// sandboxed GET-method execution.
//
// Grounded on core/virtual_machine.go's use of golang.org/x/time/rate for
// admission control and core/storage.go's uuid.New().String() pattern for
// correlation ids, generalized from a single rate-limited call site to
// per-query admission and from a pinset id to a query correlation id.
package litequery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"chainarchive/internal/archerr"
	"chainarchive/internal/rootdb"
)

// Config tunes the dispatcher's admission control and deadline defaults
// (pkg/config.Config.LiteServer).
type Config struct {
	QueryTimeout   time.Duration
	RateLimitPerSec float64
	RateLimitBurst int
	CacheSize      int
}

// Dispatcher is the lite-query actor pool's entry point: one call in,
// one response or one error out, never partial data (§4.9 "Observable
// failure behavior").
type Dispatcher struct {
	root    *rootdb.RootDB
	cfg     Config
	limiter *rate.Limiter
	log     *logrus.Entry

	cache *responseCache
}

// New builds a Dispatcher over an already-open RootDB.
func New(root *rootdb.RootDB, cfg Config) *Dispatcher {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 50
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 100
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	return &Dispatcher{
		root:    root,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst),
		log:     logrus.WithField("component", "litequery"),
		cache:   newResponseCache(cfg.CacheSize),
	}
}

// admit applies the per-dispatcher rate limit and attaches the
// dispatcher's default absolute deadline, returning a correlation id for
// logging and cache bookkeeping.
func (d *Dispatcher) admit(ctx context.Context) (context.Context, context.CancelFunc, string, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, nil, "", archerr.Wrap(archerr.ErrUnavailable, "litequery: admission rate limit exceeded")
	}
	qctx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout)
	return qctx, cancel, uuid.New().String(), nil
}

// cacheKey implements SPEC_FULL §D.3: sha256 over a canonical,
// deterministic encoding, never a naive concatenation of raw argument
// bytes, so argument order never produces spurious collisions.
func cacheKey(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		var lenBuf [4]byte
		lenBuf[0] = byte(len(p))
		lenBuf[1] = byte(len(p) >> 8)
		lenBuf[2] = byte(len(p) >> 16)
		lenBuf[3] = byte(len(p) >> 24)
		h.Write(lenBuf[:])
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// responseCache is a small bounded cache keyed by cacheKey, used by
// run_smc_method and other pure-function-of-state queries. Errors are
// never cached (§4.9 send_message: "Errors are not cached" — applied
// here to every query, not just send_message, since a transient error
// should never poison the cache for a retry).
type responseCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string][]byte
	order    []string
}

func newResponseCache(capacity int) *responseCache {
	return &responseCache{capacity: capacity, entries: make(map[string][]byte, capacity)}
}

func (c *responseCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *responseCache) put(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		if len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = value
}
