package syncgroup

import (
	"sync"
)

// SyncGroup 包装 sync.WaitGroup，把 Add/Done 的配对收在一处，
// 避免散落在各个 goroutine 里的 Done 漏掉
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	pending []func()
	active  int // 正在运行的 goroutine 数量
}

// NewSyncGroup 创建新的 SyncGroup
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add 把函数排进启动队列，由之后的 Run 统一启动。
// 上一批 goroutine 还在运行时调用会被忽略，先 WaitAndClear 再排新任务
func (g *SyncGroup) Add(fn func()) {
	if fn == nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active > 0 {
		return
	}
	g.pending = append(g.pending, fn)
}

// Run 启动队列里的全部函数并清空队列。
// 上一批还没跑完时调用会被跳过，不会出现两批任务交错
func (g *SyncGroup) Run() {
	g.mu.Lock()
	if g.active > 0 {
		g.mu.Unlock()
		return
	}
	fns := g.pending
	g.pending = nil
	g.active += len(fns)
	g.mu.Unlock()

	for _, fn := range fns {
		g.launch(fn)
	}
}

// Go 跳过队列直接启动一个 goroutine 并纳入等待集合，
// 给运行中途动态加入的任务用
func (g *SyncGroup) Go(fn func()) {
	if fn == nil {
		return
	}

	g.mu.Lock()
	g.active++
	g.mu.Unlock()
	g.launch(fn)
}

// launch 的退出顺序是先减计数再 Done，Wait 返回后 active 一定已经归零
func (g *SyncGroup) launch(fn func()) {
	g.wg.Add(1)
	go func() {
		defer func() {
			g.mu.Lock()
			g.active--
			g.mu.Unlock()
			g.wg.Done()
		}()
		fn()
	}()
}

// WaitAndClear 等待全部 goroutine 退出并复位，之后可以重新 Add/Run
func (g *SyncGroup) WaitAndClear() {
	g.wg.Wait()

	g.mu.Lock()
	g.pending = nil
	g.active = 0
	g.mu.Unlock()
}

// Wait 等待全部 goroutine 退出（不复位队列）
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}
