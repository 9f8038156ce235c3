package analyst

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/betbot/edgebot/internal/domain"
	"github.com/betbot/edgebot/pkg/exchange"
)

var log = logrus.WithField("component", "analyst")

// Remote 调用远端模型服务获取概率估计。
// 传输层失败统一包装成 *exchange.NetworkError，调用方的重试分类
// 不需要区分数据来自交易所还是模型服务。
type Remote struct {
	http     *resty.Client
	endpoint string
}

// NewRemote 创建远端模型客户端
func NewRemote(endpoint string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Remote{
		http:     client,
		endpoint: endpoint,
	}
}

type estimateRequest struct {
	MarketID  string    `json:"market_id"`
	Question  string    `json:"question"`
	CloseTime time.Time `json:"close_time"`
}

type estimateResponse struct {
	Probability float64 `json:"probability"`
	Rationale   string  `json:"rationale"`
}

// Estimate 请求远端模型
func (r *Remote) Estimate(ctx context.Context, m domain.Market) (Estimate, error) {
	req := estimateRequest{
		MarketID:  m.MarketID,
		Question:  m.Question,
		CloseTime: m.ClosesAt,
	}

	var out estimateResponse
	resp, err := r.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post(r.endpoint)
	if err != nil {
		return Estimate{}, &exchange.NetworkError{Op: "analyst_estimate", Err: err}
	}
	if resp.IsError() {
		status := resp.StatusCode()
		if status >= 500 || status == 429 {
			return Estimate{}, &exchange.NetworkError{
				Op:  "analyst_estimate",
				Err: fmt.Errorf("模型服务返回 %d", status),
			}
		}
		return Estimate{}, fmt.Errorf("模型服务拒绝请求: %d %s", status, resp.String())
	}

	est := Estimate{Probability: out.Probability, Rationale: out.Rationale}
	if err := est.Validate(); err != nil {
		return Estimate{}, fmt.Errorf("模型返回非法估计: %w", err)
	}

	log.Debugf("模型估计: market=%s p=%.4f", m.MarketID, est.Probability)
	return est, nil
}
