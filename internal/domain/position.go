package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionState 仓位生命周期状态
type PositionState string

const (
	StateDiscovered PositionState = "discovered" // 已接受 Decision，尚未下单
	StateSubmitting PositionState = "submitting" // 下单中（含重试）
	StateOpen       PositionState = "open"       // 已有成交
	StateSettling   PositionState = "settling"   // 等待市场结算（最长的状态，可跨进程重启）
	StateRedeeming  PositionState = "redeeming"  // 赎回中
	StateClosed     PositionState = "closed"     // 终态：已关闭归档
	StateErrored    PositionState = "errored"    // 终态：不可恢复错误
)

// IsTerminal 是否为终态（终态记录不可变）
func (s PositionState) IsTerminal() bool {
	return s == StateClosed || s == StateErrored
}

// Outcome 结算结果
type Outcome string

const (
	OutcomePending Outcome = "PENDING"
	OutcomeWon     Outcome = "WON"
	OutcomeLost    Outcome = "LOST"
	OutcomeVoid    Outcome = "VOID" // 无明确赢家；记账按 LOST 处理，不赎回
)

// Position 仓位领域模型，生命周期引擎端到端拥有的单元
// 一个仓位只属于一个引擎实例；状态每次变更后整体落盘，崩溃后凭此恢复
type Position struct {
	PositionID    string          `json:"position_id"`     // 引擎分配的唯一 ID
	Strategy      string          `json:"strategy"`        // 所属策略名
	MarketID      string          `json:"market_id"`       // 市场 ID
	Question      string          `json:"question"`        // 问题描述
	TokenID       string          `json:"token_id"`        // 持有的 token
	Side          Side            `json:"side"`            // 方向
	EntryPrice    Price           `json:"entry_price"`     // 入场限价
	SizeUSD       decimal.Decimal `json:"size_usd"`        // 下单金额（USDC）
	Shares        decimal.Decimal `json:"shares"`          // 实际成交份额
	ClientOrderID string          `json:"client_order_id"` // 幂等键，首次网络调用之前生成并落盘
	OrderID       string          `json:"order_id"`        // 交易所订单 ID（下单成功后才有）
	NegRisk       bool            `json:"neg_risk"`        // 市场合约类型
	State         PositionState   `json:"state"`           // 当前状态
	Outcome       Outcome         `json:"outcome"`         // 结算结果
	Redeemed      bool            `json:"redeemed"`        // 是否已赎回
	RedeemTx      string          `json:"redeem_tx"`       // 赎回交易 ID
	Stuck         bool            `json:"stuck"`           // 赎回重试超限后置位，等待人工关注
	OpenedAt      time.Time       `json:"opened_at"`       // 创建时间
	ClosedAt      *time.Time      `json:"closed_at"`       // 进入终态时间
	LastError     string          `json:"last_error"`      // 最后一次错误（Errored/Stuck 时有值）
}

// PayoutUSD 按结算结果计算赎回金额（USDC）
// WON 按每股 1 USDC 计；LOST/VOID 为 0
func (p *Position) PayoutUSD() decimal.Decimal {
	if p.Outcome == OutcomeWon {
		return p.Shares
	}
	return decimal.Zero
}

// PnLUSD 已实现盈亏 = 赎回金额 - 成本
// 仅对终态仓位有意义
func (p *Position) PnLUSD() decimal.Decimal {
	return p.PayoutUSD().Sub(p.SizeUSD)
}
