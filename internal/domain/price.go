package domain

import (
	"fmt"
	"math"
)

// Price 概率价格值对象
// 内部用 pips 表示（价格 * 10000），避免 float 累积误差
type Price struct {
	// Pips: 价格 * 10000（范围通常 1..9999）
	Pips int
}

// ToDecimal 转换为小数（例如 4000 pips = 0.4000）
func (p Price) ToDecimal() float64 {
	return float64(p.Pips) / 10000.0
}

// ToCents 返回"分（0.01）口径"的整数（展示/日志用，不是内部精度）
func (p Price) ToCents() int {
	// 100 pips = 1 cent
	return int(math.Round(float64(p.Pips) / 100.0))
}

// PriceFromDecimal 从小数创建价格（四舍五入到 1e-4）
func PriceFromDecimal(decimal float64) Price {
	return Price{
		Pips: int(math.Round(decimal * 10000)),
	}
}

// Complement 返回对侧价格（1 - p），即同一市场 NO 侧的隐含价格
func (p Price) Complement() Price {
	return Price{Pips: 10000 - p.Pips}
}

// Add 价格相加
func (p Price) Add(other Price) Price {
	return Price{Pips: p.Pips + other.Pips}
}

// Subtract 价格相减
func (p Price) Subtract(other Price) Price {
	return Price{Pips: p.Pips - other.Pips}
}

// GreaterThan 检查是否大于
func (p Price) GreaterThan(other Price) bool {
	return p.Pips > other.Pips
}

// LessThan 检查是否小于
func (p Price) LessThan(other Price) bool {
	return p.Pips < other.Pips
}

// GreaterThanOrEqual 检查是否大于等于
func (p Price) GreaterThanOrEqual(other Price) bool {
	return p.Pips >= other.Pips
}

// LessThanOrEqual 检查是否小于等于
func (p Price) LessThanOrEqual(other Price) bool {
	return p.Pips <= other.Pips
}

// Clamp 把价格限制在 [lo, hi] 区间内
func (p Price) Clamp(lo, hi Price) Price {
	if p.Pips < lo.Pips {
		return lo
	}
	if p.Pips > hi.Pips {
		return hi
	}
	return p
}

func (p Price) String() string {
	return fmt.Sprintf("%.4f", p.ToDecimal())
}
