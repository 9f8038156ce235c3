package evaluator

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/edgebot/internal/analyst"
	"github.com/betbot/edgebot/internal/domain"
)

// Skip 评估器放弃一个市场的原因
type Skip string

const (
	SkipNone     Skip = ""         // 未跳过（已产出 Decision）
	SkipInvalid  Skip = "invalid"  // 快照不完整或估计非法
	SkipFee      Skip = "fee"      // 实时费率非零（硬过滤）
	SkipResolved Skip = "resolved" // 市场已结算
	SkipClosing  Skip = "closing"  // 已关闭或距关闭太近
	SkipEdge     Skip = "edge"     // 边际不足
	SkipPrice    Skip = "price"    // 所选方向价格过于极端
	SkipBankroll Skip = "bankroll" // 可用资金不足一张最小单
)

// Params 每个策略一份的评估参数
// Bankroll 是动态值，每轮扫描前由调用方刷新
type Params struct {
	MinEdge           float64         // 最小边际（概率差）
	MinTimeToClose    time.Duration   // 距关闭最短时间
	BankrollFraction  float64         // 单笔占资金比例
	MaxNotionalUSD    float64         // 单笔上限（USDC）
	MinOrderUSD       float64         // 单笔下限（USDC）
	EdgeScaleCap      float64         // 边际放大系数上限
	PriceSlippagePips int             // 限价相对盘口的滑点余量（pips）
	Bankroll          decimal.Decimal // 当前可用资金
}

// maxOrderPips 限价上限（99.5¢）
const maxOrderPips = 9950

// Evaluate 对一个市场快照做一次完整评估。
// 纯函数：不读时钟不做 IO，相同输入必然产生相同输出。
// liveFeeBps 必须来自下单前的实时查询，快照里的费率字段不可信。
func Evaluate(snap domain.Market, liveFeeBps int, est analyst.Estimate, now time.Time, p Params) (*domain.Decision, Skip) {
	if !snap.IsValid() || est.Validate() != nil {
		return nil, SkipInvalid
	}
	if liveFeeBps != 0 {
		return nil, SkipFee
	}
	if snap.Resolved {
		return nil, SkipResolved
	}
	if ttc := snap.TimeToClose(now); ttc <= 0 || ttc < p.MinTimeToClose {
		return nil, SkipClosing
	}

	model := domain.PriceFromDecimal(est.Probability)
	edgeYes := model.Subtract(snap.Price)

	side := domain.SideYes
	if edgeYes.Pips < 0 {
		side = domain.SideNo
	}

	absEdge := edgeYes.Pips
	if absEdge < 0 {
		absEdge = -absEdge
	}
	minEdgePips := int(math.Round(p.MinEdge * 10000))
	if absEdge < minEdgePips {
		return nil, SkipEdge
	}

	// 换算到所选方向：NO 侧的模型概率和市场价都取补
	modelProb, marketProb := model, snap.Price
	if side == domain.SideNo {
		modelProb = model.Complement()
		marketProb = snap.Price.Complement()
	}
	if marketProb.Pips <= 0 || marketProb.Pips >= maxOrderPips {
		return nil, SkipPrice
	}

	minOrder := decimal.NewFromFloat(p.MinOrderUSD)
	if p.Bankroll.LessThan(minOrder) {
		return nil, SkipBankroll
	}

	// 按边际超出下限的倍数放大仓位，封顶 EdgeScaleCap
	scale := decimal.NewFromFloat(p.EdgeScaleCap)
	if minEdgePips > 0 {
		ratio := decimal.New(int64(absEdge), 0).Div(decimal.New(int64(minEdgePips), 0))
		if ratio.LessThan(scale) {
			scale = ratio
		}
	}

	size := p.Bankroll.
		Mul(decimal.NewFromFloat(p.BankrollFraction)).
		Mul(scale).
		Round(2)
	if maxNotional := decimal.NewFromFloat(p.MaxNotionalUSD); size.GreaterThan(maxNotional) {
		size = maxNotional
	}
	if floor := p.Bankroll.RoundDown(2); size.GreaterThan(floor) {
		size = floor
	}
	if size.LessThan(minOrder) {
		size = minOrder
	}

	maxPrice := marketProb.Add(domain.Price{Pips: p.PriceSlippagePips})
	if maxPrice.Pips > maxOrderPips {
		maxPrice = domain.Price{Pips: maxOrderPips}
	}

	return &domain.Decision{
		MarketID:   snap.MarketID,
		Question:   snap.Question,
		TokenID:    snap.TokenID(side),
		Side:       side,
		ModelProb:  modelProb,
		MarketProb: marketProb,
		Edge:       modelProb.Subtract(marketProb),
		SizeUSD:    size,
		MaxPrice:   maxPrice,
		NegRisk:    snap.NegRisk,
		Rationale:  est.Rationale,
		DecidedAt:  now,
	}, SkipNone
}
