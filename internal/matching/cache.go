package matching

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/resilience"
	"golang.org/x/sync/singleflight"
)

const keyPrefix = "match:"

// KV is the slice of the Redis client the cache needs.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// CachedEngine memoizes Engine results in Redis. Keys embed the registry
// snapshot epoch and version, so an alias append or seed makes older entries
// unreachable without an explicit flush, and a registry whose version
// counter started over never reads entries written before.
//
// Redis calls go through a breaker. While it is open every lookup is
// computed from the snapshot without touching Redis.
type CachedEngine struct {
	engine  *Engine
	kv      KV
	ttl     time.Duration
	group   singleflight.Group
	breaker *resilience.Breaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewCachedEngine wraps engine. m may be nil.
func NewCachedEngine(engine *Engine, kv KV, ttl time.Duration, m *metrics.Metrics) *CachedEngine {
	cfg := resilience.BreakerConfig{
		Threshold: 5,
		Cooldown:  30 * time.Second,
		Counts: func(err error) bool {
			return !pkgredis.IsNilError(err) && !errors.Is(err, context.Canceled)
		},
	}
	if m != nil {
		cfg.OnStateChange = func(name string, from, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		}
	}
	return &CachedEngine{
		engine:  engine,
		kv:      kv,
		ttl:     ttl,
		breaker: resilience.NewBreaker("match-cache", cfg),
		metrics: m,
		logger:  slog.Default().With("component", "match-cache"),
	}
}

// Breaker exposes the Redis breaker to the health checks.
func (c *CachedEngine) Breaker() *resilience.Breaker {
	return c.breaker
}

func (c *CachedEngine) Match(ctx context.Context, req Request) ([]Option, error) {
	if !req.Kind.Valid() {
		return c.engine.Match(ctx, req)
	}
	snap, err := c.engine.registry.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading registry snapshot: %w", err)
	}
	start := time.Now()
	key := buildKey(snap.Epoch, snap.Version, req)
	if opts, ok := c.get(ctx, key); ok {
		c.observe(req, "hit", start)
		return opts, nil
	}

	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		if opts, ok := c.get(ctx, key); ok {
			return opts, nil
		}
		opts := c.engine.MatchSnapshot(snap, req)
		c.set(ctx, key, opts)
		return opts, nil
	})
	if err != nil {
		return nil, err
	}
	c.observe(req, "miss", start)
	opts := val.([]Option)
	return append([]Option(nil), opts...), nil
}

func (c *CachedEngine) observe(req Request, status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.MatchLatency.WithLabelValues(string(req.Kind), status).Observe(time.Since(start).Seconds())
	if status == "hit" {
		c.metrics.MatchCacheHits.Inc()
	} else {
		c.metrics.MatchCacheMisses.Inc()
	}
}

func (c *CachedEngine) get(ctx context.Context, key string) ([]Option, bool) {
	var data string
	err := c.breaker.Do(func() error {
		var err error
		data, err = c.kv.Get(ctx, key)
		return err
	})
	if err != nil {
		switch {
		case pkgredis.IsNilError(err):
		case errors.Is(err, resilience.ErrCircuitOpen):
			c.logger.Debug("cache bypassed", "key", key)
		default:
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		return nil, false
	}
	var opts []Option
	if err := json.Unmarshal([]byte(data), &opts); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		return nil, false
	}
	if opts == nil {
		opts = []Option{}
	}
	return opts, true
}

func (c *CachedEngine) set(ctx context.Context, key string, opts []Option) {
	data, err := json.Marshal(opts)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	err = c.breaker.Do(func() error {
		return c.kv.Set(ctx, key, data, c.ttl)
	})
	if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

func buildKey(epoch string, version int64, req Request) string {
	raw := strings.Join([]string{string(req.Kind), req.DistributorID, req.Raw}, "\x00")
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%s:v%d:%x", keyPrefix, epoch, version, hash[:16])
}
