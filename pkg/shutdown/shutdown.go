package shutdown

import (
	"context"
	"sync"

	"github.com/betbot/edgebot/pkg/logger"
)

// Handler 收尾回调。wg 是本轮关闭的计数组，回调自己起的清理
// goroutine 可以挂进去，Shutdown 会一并等待。
type Handler func(ctx context.Context, wg *sync.WaitGroup)

// Manager 收集进程退出前要执行的收尾动作（刷台账、关数据库、
// 断开连接），在 Shutdown 里并发跑完。
type Manager struct {
	mu        sync.Mutex
	callbacks []Handler
}

// NewManager 创建关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册收尾回调，注册顺序不承诺执行顺序
func (m *Manager) OnShutdown(handler Handler) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, handler)
	m.mu.Unlock()
}

// Shutdown 并发执行全部收尾回调，等到全部完成或 ctx 超时。
// 超时后直接返回，让进程退出，不给慢回调无限等待的机会。
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	callbacks := m.callbacks
	m.mu.Unlock()

	if len(callbacks) == 0 {
		return
	}
	logger.Infof("执行收尾回调（%d 个）", len(callbacks))

	var wg sync.WaitGroup
	for _, cb := range callbacks {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			h(ctx, &wg)
		}(cb)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("收尾完成")
	case <-ctx.Done():
		logger.Warnf("收尾超时，强制退出: %v", ctx.Err())
	}
}
