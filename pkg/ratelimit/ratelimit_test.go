package ratelimit

import (
	"context"
	"testing"
	"time"
)

// TestTokenBucket 测试令牌桶基本行为
func TestTokenBucket(t *testing.T) {
	bucket := NewTokenBucket(2, 1, time.Second)

	if !bucket.Allow() {
		t.Error("第 1 个请求应该放行")
	}
	if !bucket.Allow() {
		t.Error("第 2 个请求应该放行")
	}
	if bucket.Allow() {
		t.Error("桶空后应该拒绝")
	}
}

// TestTokenBucketWaitCancel 测试等待时响应取消
func TestTokenBucketWaitCancel(t *testing.T) {
	bucket := NewTokenBucket(1, 1, time.Second)
	bucket.Allow() // 耗尽

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := bucket.Wait(ctx); err == nil {
		t.Error("context 取消后 Wait 应该返回错误")
	}
}

// TestSlidingWindow 测试滑动窗口
func TestSlidingWindow(t *testing.T) {
	window := NewSlidingWindow(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !window.Allow() {
			t.Errorf("第 %d 个请求应该放行", i+1)
		}
	}
	if window.Allow() {
		t.Error("超过窗口限制应该拒绝")
	}
	if window.GetRemaining() != 0 {
		t.Errorf("剩余配额应该为 0，实际为 %d", window.GetRemaining())
	}
}

// TestManagerFallback 测试未注册端点走兜底限制器
func TestManagerFallback(t *testing.T) {
	manager := NewRateLimitManager()

	a := manager.GetLimiter("unknown:endpoint")
	b := manager.GetLimiter("another:endpoint")
	if a != b {
		t.Error("未注册端点应该共享同一个兜底限制器")
	}
}

// TestManagerOverride 测试覆盖端点限制器
func TestManagerOverride(t *testing.T) {
	manager := NewRateLimitManager()
	custom := NewTokenBucket(1, 1, time.Second)
	manager.SetLimiter("clob:order:post", custom)

	if manager.GetLimiter("clob:order:post") != RateLimiter(custom) {
		t.Error("SetLimiter 应该替换端点的限制器")
	}

	if !manager.Allow("clob:order:post") {
		t.Error("第 1 个请求应该放行")
	}
	if manager.Allow("clob:order:post") {
		t.Error("超过自定义限制应该拒绝")
	}
}
