package analyst

import (
	"context"
	"fmt"

	"github.com/betbot/edgebot/internal/domain"
)

// Estimate 模型对市场的概率估计
type Estimate struct {
	Probability float64 `json:"probability"` // YES 结果的概率，[0,1]
	Rationale   string  `json:"rationale"`
}

// Analyst 概率来源。实现可以是远端模型服务，也可以是固定值。
type Analyst interface {
	Estimate(ctx context.Context, m domain.Market) (Estimate, error)
}

// Validate 检查估计值是否可用
func (e Estimate) Validate() error {
	if e.Probability < 0 || e.Probability > 1 {
		return fmt.Errorf("概率 %v 超出 [0,1]", e.Probability)
	}
	return nil
}
