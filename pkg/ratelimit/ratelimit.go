package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter 限流器。Wait 阻塞到放行或 ctx 取消，Allow 立即判定。
type RateLimiter interface {
	Wait(ctx context.Context) error
	Allow() bool
	GetRemaining() int
	GetResetTime() time.Time
}

// TokenBucket 令牌桶。容量决定突发上限，refillRate 决定持续速率。
// 下单通道用它：允许短时间打满，但长期速率不超过交易所给的额度。
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int
	tokens     int
	refillRate int           // 每秒补充
	window     time.Duration // refillRate 为 0 时的等待步长
	lastRefill time.Time
}

// NewTokenBucket 创建令牌桶，初始装满
func NewTokenBucket(capacity, refillRate int, window time.Duration) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		window:     window,
		lastRefill: time.Now(),
	}
}

// refillLocked 按经过时间补令牌。只整秒结算，余数留到下次，
// lastRefill 只在有进账时前移，避免高频调用把零头丢光。
func (tb *TokenBucket) refillLocked(now time.Time) {
	if tb.refillRate <= 0 {
		return
	}
	add := int(now.Sub(tb.lastRefill)/time.Second) * tb.refillRate
	if add <= 0 {
		return
	}
	tb.tokens = min(tb.capacity, tb.tokens+add)
	tb.lastRefill = now
}

// Allow 取一个令牌，取不到返回 false
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}

// Wait 阻塞到取到令牌。每轮按下一枚令牌的预计到达时间睡眠。
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		if tb.Allow() {
			return nil
		}

		next := tb.window
		if tb.refillRate > 0 {
			next = time.Second / time.Duration(tb.refillRate)
		}
		if next <= 0 {
			next = 100 * time.Millisecond
		}

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// GetRemaining 当前可用令牌数
func (tb *TokenBucket) GetRemaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	return tb.tokens
}

// GetResetTime 预计装满的时间
func (tb *TokenBucket) GetResetTime() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	tb.refillLocked(now)
	missing := tb.capacity - tb.tokens
	if missing <= 0 || tb.refillRate <= 0 {
		return now
	}
	return now.Add(time.Duration(missing) * time.Second / time.Duration(tb.refillRate))
}

// SlidingWindow 滑动窗口计数。窗口内最多 limit 次，节奏不限。
// 查询类端点用它：交易所按 10 秒窗口计数，不关心瞬时突发。
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time // 窗口内的请求时刻，升序
}

// NewSlidingWindow 创建滑动窗口限流器
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{limit: limit, window: window}
}

// trimLocked 丢掉窗口外的时间戳
func (sw *SlidingWindow) trimLocked(now time.Time) {
	cutoff := now.Add(-sw.window)
	i := 0
	for i < len(sw.stamps) && !sw.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		sw.stamps = append(sw.stamps[:0], sw.stamps[i:]...)
	}
}

// Allow 窗口未满则记一次并放行
func (sw *SlidingWindow) Allow() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	now := time.Now()
	sw.trimLocked(now)
	if len(sw.stamps) >= sw.limit {
		return false
	}
	sw.stamps = append(sw.stamps, now)
	return true
}

// Wait 阻塞到窗口腾出名额：睡到最早一条记录滑出窗口
func (sw *SlidingWindow) Wait(ctx context.Context) error {
	for {
		if sw.Allow() {
			return nil
		}

		sw.mu.Lock()
		var until time.Duration
		if len(sw.stamps) > 0 {
			until = time.Until(sw.stamps[0].Add(sw.window))
		}
		sw.mu.Unlock()
		if until <= 0 {
			until = 10 * time.Millisecond
		}

		timer := time.NewTimer(until)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// GetRemaining 窗口内剩余名额
func (sw *SlidingWindow) GetRemaining() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.trimLocked(time.Now())
	return max(0, sw.limit-len(sw.stamps))
}

// GetResetTime 最早一条记录滑出窗口的时间
func (sw *SlidingWindow) GetResetTime() time.Time {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if len(sw.stamps) == 0 {
		return time.Now()
	}
	return sw.stamps[0].Add(sw.window)
}

// fallbackKey 未注册端点共用的兜底限流键
const fallbackKey = "clob:general"

// RateLimitManager 按端点键路由请求到各自的限流器
type RateLimitManager struct {
	mu       sync.RWMutex
	limiters map[string]RateLimiter
}

// NewRateLimitManager 创建管理器并装上交易所各端点的默认额度。
// 数字低于官方上限留了余量，同一 IP 上可能还有别的进程在跑。
func NewRateLimitManager() *RateLimitManager {
	m := &RateLimitManager{limiters: make(map[string]RateLimiter)}

	// CLOB API
	m.limiters["clob:order:post"] = NewTokenBucket(2400, 240, 10*time.Second)
	m.limiters["clob:order:delete"] = NewTokenBucket(2400, 240, 10*time.Second)
	m.limiters["clob:orders:get"] = NewSlidingWindow(150, 10*time.Second)
	m.limiters["clob:markets:get"] = NewSlidingWindow(125, 10*time.Second)
	m.limiters["clob:price:get"] = NewSlidingWindow(200, 10*time.Second) // 费率、neg-risk 等行情类查询
	m.limiters["clob:auth"] = NewSlidingWindow(30, 10*time.Second)

	// Data API
	m.limiters["data:positions:get"] = NewSlidingWindow(75, 10*time.Second)

	m.limiters[fallbackKey] = NewSlidingWindow(750, 10*time.Second)
	return m
}

// SetLimiter 覆盖指定端点的限流器（按配置收紧下单速率时用）
func (m *RateLimitManager) SetLimiter(endpoint string, limiter RateLimiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[endpoint] = limiter
}

// GetLimiter 取端点的限流器，未注册的落到兜底
func (m *RateLimitManager) GetLimiter(endpoint string) RateLimiter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.limiters[endpoint]; ok {
		return l
	}
	return m.limiters[fallbackKey]
}

// Wait 阻塞到端点放行
func (m *RateLimitManager) Wait(ctx context.Context, endpoint string) error {
	return m.GetLimiter(endpoint).Wait(ctx)
}

// Allow 立即判定端点是否放行
func (m *RateLimitManager) Allow(endpoint string) bool {
	return m.GetLimiter(endpoint).Allow()
}

// GetRemaining 端点当前剩余额度
func (m *RateLimitManager) GetRemaining(endpoint string) int {
	return m.GetLimiter(endpoint).GetRemaining()
}
