package analyst

import (
	"context"

	"github.com/betbot/edgebot/internal/domain"
)

// Fixed 返回固定概率，支持按市场覆盖。
// 没有配置远端模型时的确定性回退，也方便测试。
type Fixed struct {
	Default  float64
	ByMarket map[string]float64
}

// NewFixed 创建固定概率分析器
func NewFixed(def float64) *Fixed {
	return &Fixed{Default: def}
}

// Estimate 返回配置的概率
func (f *Fixed) Estimate(_ context.Context, m domain.Market) (Estimate, error) {
	p := f.Default
	if override, ok := f.ByMarket[m.MarketID]; ok {
		p = override
	}
	est := Estimate{Probability: p, Rationale: "fixed"}
	if err := est.Validate(); err != nil {
		return Estimate{}, err
	}
	return est, nil
}
