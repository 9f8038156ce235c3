package analyst

import (
	"context"
	"time"

	"github.com/betbot/edgebot/internal/domain"
	"github.com/betbot/edgebot/pkg/cache"
)

// Cached 按市场缓存估计结果，避免每轮扫描都打一次模型服务。
// 只缓存成功结果，失败直接透传给调用方。
type Cached struct {
	inner Analyst
	cache *cache.InMemoryCache[string, Estimate]
}

// NewCached 包装一个分析器并按 TTL 缓存结果
func NewCached(inner Analyst, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cached{
		inner: inner,
		cache: cache.NewInMemoryCache[string, Estimate](ttl),
	}
}

// Estimate 先查缓存再回源
func (c *Cached) Estimate(ctx context.Context, m domain.Market) (Estimate, error) {
	if est, ok := c.cache.Get(m.MarketID); ok {
		return est, nil
	}
	est, err := c.inner.Estimate(ctx, m)
	if err != nil {
		return Estimate{}, err
	}
	c.cache.Set(m.MarketID, est, 0)
	return est, nil
}
