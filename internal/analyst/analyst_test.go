package analyst

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/betbot/edgebot/internal/domain"
	"github.com/betbot/edgebot/pkg/exchange"
)

func testMarket(id string) domain.Market {
	return domain.Market{
		MarketID: id,
		Question: "BTC 年底会涨到 10 万吗?",
		ClosesAt: time.Now().Add(24 * time.Hour),
	}
}

// countingAnalyst 记录回源次数
type countingAnalyst struct {
	calls int64
	p     float64
	err   error
}

func (c *countingAnalyst) Estimate(_ context.Context, _ domain.Market) (Estimate, error) {
	atomic.AddInt64(&c.calls, 1)
	if c.err != nil {
		return Estimate{}, c.err
	}
	return Estimate{Probability: c.p, Rationale: "counted"}, nil
}

func TestFixed(t *testing.T) {
	t.Run("默认概率", func(t *testing.T) {
		f := NewFixed(0.55)
		est, err := f.Estimate(context.Background(), testMarket("m1"))
		if err != nil {
			t.Fatalf("Estimate 失败: %v", err)
		}
		if est.Probability != 0.55 {
			t.Errorf("概率 = %v, 期望 0.55", est.Probability)
		}
	})

	t.Run("按市场覆盖", func(t *testing.T) {
		f := NewFixed(0.5)
		f.ByMarket = map[string]float64{"m2": 0.9}
		est, err := f.Estimate(context.Background(), testMarket("m2"))
		if err != nil {
			t.Fatalf("Estimate 失败: %v", err)
		}
		if est.Probability != 0.9 {
			t.Errorf("概率 = %v, 期望覆盖值 0.9", est.Probability)
		}
	})

	t.Run("非法概率被拒绝", func(t *testing.T) {
		f := NewFixed(1.5)
		if _, err := f.Estimate(context.Background(), testMarket("m3")); err == nil {
			t.Error("期望拒绝超出 [0,1] 的概率")
		}
	})
}

func TestCached(t *testing.T) {
	t.Run("命中缓存不回源", func(t *testing.T) {
		inner := &countingAnalyst{p: 0.6}
		c := NewCached(inner, time.Minute)

		for i := 0; i < 3; i++ {
			est, err := c.Estimate(context.Background(), testMarket("m1"))
			if err != nil {
				t.Fatalf("Estimate 失败: %v", err)
			}
			if est.Probability != 0.6 {
				t.Errorf("概率 = %v, 期望 0.6", est.Probability)
			}
		}
		if got := atomic.LoadInt64(&inner.calls); got != 1 {
			t.Errorf("回源次数 = %d, 期望 1", got)
		}
	})

	t.Run("不同市场各自回源", func(t *testing.T) {
		inner := &countingAnalyst{p: 0.6}
		c := NewCached(inner, time.Minute)

		if _, err := c.Estimate(context.Background(), testMarket("m1")); err != nil {
			t.Fatalf("Estimate 失败: %v", err)
		}
		if _, err := c.Estimate(context.Background(), testMarket("m2")); err != nil {
			t.Fatalf("Estimate 失败: %v", err)
		}
		if got := atomic.LoadInt64(&inner.calls); got != 2 {
			t.Errorf("回源次数 = %d, 期望 2", got)
		}
	})

	t.Run("过期后重新回源", func(t *testing.T) {
		inner := &countingAnalyst{p: 0.6}
		c := NewCached(inner, 30*time.Millisecond)

		if _, err := c.Estimate(context.Background(), testMarket("m1")); err != nil {
			t.Fatalf("Estimate 失败: %v", err)
		}
		time.Sleep(60 * time.Millisecond)
		if _, err := c.Estimate(context.Background(), testMarket("m1")); err != nil {
			t.Fatalf("Estimate 失败: %v", err)
		}
		if got := atomic.LoadInt64(&inner.calls); got != 2 {
			t.Errorf("回源次数 = %d, 期望过期后为 2", got)
		}
	})

	t.Run("失败不缓存", func(t *testing.T) {
		inner := &countingAnalyst{err: errors.New("模型不可用")}
		c := NewCached(inner, time.Minute)

		if _, err := c.Estimate(context.Background(), testMarket("m1")); err == nil {
			t.Fatal("期望透传错误")
		}
		inner.err = nil
		inner.p = 0.7
		est, err := c.Estimate(context.Background(), testMarket("m1"))
		if err != nil {
			t.Fatalf("恢复后 Estimate 失败: %v", err)
		}
		if est.Probability != 0.7 {
			t.Errorf("概率 = %v, 期望恢复后回源得到 0.7", est.Probability)
		}
	})
}

func TestRemote(t *testing.T) {
	t.Run("正常请求", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req estimateRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("请求体解析失败: %v", err)
			}
			if req.MarketID != "m1" || req.Question == "" {
				t.Errorf("请求体不完整: %+v", req)
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(estimateResponse{Probability: 0.72, Rationale: "模型输出"})
		}))
		defer srv.Close()

		r := NewRemote(srv.URL, 5*time.Second)
		est, err := r.Estimate(context.Background(), testMarket("m1"))
		if err != nil {
			t.Fatalf("Estimate 失败: %v", err)
		}
		if est.Probability != 0.72 {
			t.Errorf("概率 = %v, 期望 0.72", est.Probability)
		}
		if est.Rationale != "模型输出" {
			t.Errorf("理由 = %q", est.Rationale)
		}
	})

	t.Run("5xx 归类为网络错误", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		r := NewRemote(srv.URL, 5*time.Second)
		_, err := r.Estimate(context.Background(), testMarket("m1"))
		var netErr *exchange.NetworkError
		if !errors.As(err, &netErr) {
			t.Fatalf("错误 = %v, 期望 *exchange.NetworkError", err)
		}
	})

	t.Run("连接失败归类为网络错误", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		r := NewRemote(srv.URL, time.Second)
		_, err := r.Estimate(context.Background(), testMarket("m1"))
		var netErr *exchange.NetworkError
		if !errors.As(err, &netErr) {
			t.Fatalf("错误 = %v, 期望 *exchange.NetworkError", err)
		}
	})

	t.Run("4xx 不是网络错误", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad request", http.StatusBadRequest)
		}))
		defer srv.Close()

		r := NewRemote(srv.URL, 5*time.Second)
		_, err := r.Estimate(context.Background(), testMarket("m1"))
		if err == nil {
			t.Fatal("期望错误")
		}
		var netErr *exchange.NetworkError
		if errors.As(err, &netErr) {
			t.Errorf("4xx 不应归类为网络错误: %v", err)
		}
	})

	t.Run("非法概率被拒绝", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(estimateResponse{Probability: 1.8})
		}))
		defer srv.Close()

		r := NewRemote(srv.URL, 5*time.Second)
		if _, err := r.Estimate(context.Background(), testMarket("m1")); err == nil {
			t.Error("期望拒绝超出范围的概率")
		}
	})
}
