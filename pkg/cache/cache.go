package cache

import (
	"sync"
	"time"
)

// Cache 带 TTL 的通用缓存接口
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	Clear()
	Size() int
}

// InMemoryCache 进程内缓存。
// 概率估计、行情最新价、台账去重键都走这一个实现，各自给不同的 TTL。
// 缓存与进程同生共死，后台清理协程不单独回收。
type InMemoryCache[K comparable, V any] struct {
	items      map[K]*entry[V]
	mu         sync.RWMutex
	defaultTTL time.Duration
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewInMemoryCache 创建内存缓存，defaultTTL 用于 Set 传 0 的场合
func NewInMemoryCache[K comparable, V any](defaultTTL time.Duration) *InMemoryCache[K, V] {
	c := &InMemoryCache[K, V]{
		items:      make(map[K]*entry[V]),
		defaultTTL: defaultTTL,
	}
	go c.cleanupLoop()
	return c
}

// Get 读取未过期的缓存值
func (c *InMemoryCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(it.expiresAt) {
		var zero V
		return zero, false
	}
	return it.value, true
}

// Set 写入缓存值；ttl 为 0 时取 defaultTTL
func (c *InMemoryCache[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	c.items[key] = &entry[V]{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Delete 删除缓存项
func (c *InMemoryCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Clear 清空缓存
func (c *InMemoryCache[K, V]) Clear() {
	c.mu.Lock()
	c.items = make(map[K]*entry[V])
	c.mu.Unlock()
}

// Size 当前缓存项数量（含已过期未清理的）
func (c *InMemoryCache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// cleanupLoop 周期回收过期项，防止只写不读的键无限堆积
func (c *InMemoryCache[K, V]) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		c.mu.Lock()
		for key, it := range c.items {
			if now.After(it.expiresAt) {
				delete(c.items, key)
			}
		}
		c.mu.Unlock()
	}
}
