package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 持仓方向
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Opposite 返回对侧方向
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Decision 评估器的输出，生命周期引擎的输入
// 发出 Decision 即意味着入场已被论证过：|Edge| >= 配置的最小边际
type Decision struct {
	MarketID   string          // 市场 ID
	Question   string          // 问题描述（带入日志/台账）
	TokenID    string          // 要买入的 token
	Side       Side            // 方向
	ModelProb  Price           // 模型估计的该方向获胜概率
	MarketProb Price           // 市场隐含的该方向价格
	Edge       Price           // 有符号边际 = ModelProb - MarketProb（按所选方向）
	SizeUSD    decimal.Decimal // 下单金额（USDC），> 0
	MaxPrice   Price           // 限价（最高可接受价）
	NegRisk    bool            // 市场合约类型，透传给下单
	Rationale  string          // 分析器给出的理由（审计用）
	DecidedAt  time.Time       // 决策时间
}
