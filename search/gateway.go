package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/deepresearch/orchestrator/internal/metrics"
	"github.com/deepresearch/orchestrator/research"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// GatewayConfig configures the Search Gateway.
type GatewayConfig struct {
	MaxResults int
	CacheSize  int
	CacheTTL   time.Duration
	RedisAddr  string
}

// DefaultGatewayConfig returns sensible defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		MaxResults: 5,
		CacheSize:  512,
		CacheTTL:   15 * time.Minute,
	}
}

// Gateway is the Search Gateway: Search is the only method the rest of the
// pipeline calls. It coalesces identical in-flight queries with
// singleflight, serves from a bounded local cache (backed by an optional
// shared Redis tier), and on provider failure returns degraded=true and no
// results rather than an error, so a researcher
// worker can still write a summary noting the gap.
type Gateway struct {
	provider Provider
	cache    *lruCache
	redis    *redis.Client
	group    singleflight.Group
	logger   *zap.Logger
	cfg      GatewayConfig
	metrics  *metrics.Collector
}

// Option configures a Gateway at construction time.
type Option func(*Gateway)

// WithMetrics attaches a Collector that records local-cache hit/miss
// outcomes. Omitting this option disables that instrumentation.
func WithMetrics(collector *metrics.Collector) Option {
	return func(g *Gateway) { g.metrics = collector }
}

// NewGateway builds a Gateway. If cfg.RedisAddr is empty, the gateway runs
// with only the in-process LRU cache.
func NewGateway(provider Provider, cfg GatewayConfig, logger *zap.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		provider: provider,
		cache:    newLRUCache(cfg.CacheSize, cfg.CacheTTL),
		logger:   logger,
		cfg:      cfg,
	}
	if cfg.RedisAddr != "" {
		g.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func cacheKey(query string, language research.Language, maxResults int) string {
	return fmt.Sprintf("%s|%s|%d", strings.ToLower(strings.TrimSpace(query)), language, maxResults)
}

// Search returns up to maxResults results for query, cached by the
// normalized (query, language, max_results) triple. degraded reports
// whether the underlying provider failed and the pipeline should treat the
// result set as partial (SEARCH_DEGRADED path rather than a hard error).
func (g *Gateway) Search(ctx context.Context, query string, language research.Language, maxResults int) (results []Result, degraded bool, err error) {
	if strings.TrimSpace(query) == "" {
		return nil, false, research.NewError(research.ErrInvalidInput, "search query is empty")
	}
	if maxResults <= 0 {
		maxResults = g.cfg.MaxResults
	}
	key := cacheKey(query, language, maxResults)

	if cached, ok := g.cache.get(key); ok {
		g.recordCache(true)
		return capResults(cached, maxResults), false, nil
	}

	if g.redis != nil {
		if cached, ok := g.getFromRedis(ctx, key); ok {
			g.cache.set(key, cached)
			g.recordCache(true)
			return capResults(cached, maxResults), false, nil
		}
	}
	g.recordCache(false)

	if g.provider == nil {
		g.logger.Warn("no search provider configured, degrading", zap.String("query", key))
		return nil, true, nil
	}

	value, err, _ := g.group.Do(key, func() (any, error) {
		res, fetchErr := g.provider.Search(ctx, query, language, maxResults)
		return res, fetchErr
	})

	if err != nil {
		code := research.CodeOf(err)
		g.logger.Warn("search provider failed, degrading",
			zap.String("query", key),
			zap.String("code", string(code)),
			zap.Error(err))
		return nil, true, nil
	}

	fetched := value.([]Result)
	g.cache.set(key, fetched)
	if g.redis != nil {
		g.setInRedis(ctx, key, fetched)
	}
	return capResults(fetched, maxResults), false, nil
}

// recordCache is a no-op when no Collector is attached.
func (g *Gateway) recordCache(hit bool) {
	if g.metrics == nil {
		return
	}
	if hit {
		g.metrics.RecordCacheHit("search")
		return
	}
	g.metrics.RecordCacheMiss("search")
}

func capResults(results []Result, maxResults int) []Result {
	if len(results) > maxResults {
		return results[:maxResults]
	}
	return results
}

func (g *Gateway) getFromRedis(ctx context.Context, key string) ([]Result, bool) {
	raw, err := g.redis.Get(ctx, redisKey(key)).Result()
	if err != nil {
		return nil, false
	}
	var results []Result
	if err := json.Unmarshal([]byte(raw), &results); err != nil {
		return nil, false
	}
	return results, true
}

func (g *Gateway) setInRedis(ctx context.Context, key string, results []Result) {
	data, err := json.Marshal(results)
	if err != nil {
		return
	}
	if err := g.redis.Set(ctx, redisKey(key), data, g.cfg.CacheTTL).Err(); err != nil {
		g.logger.Debug("search redis tier write failed", zap.Error(err))
	}
}

func redisKey(key string) string {
	return fmt.Sprintf("search:v1:%s", key)
}

// CacheLen reports the number of entries in the local LRU cache, for tests.
func (g *Gateway) CacheLen() int {
	return g.cache.len()
}

// HealthProbe reports whether the configured search provider answers
// within timeout. A nil Gateway or one with no provider configured
// (deliberately degraded mode) is never available.
func (g *Gateway) HealthProbe(ctx context.Context, timeout time.Duration) bool {
	if g == nil || g.provider == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return g.provider.HealthCheck(ctx) == nil
}
