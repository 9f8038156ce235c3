package domain

import "time"

// Market 市场快照（某一时刻的不可变视图）
type Market struct {
	MarketID   string    // 市场 ID（condition id）
	Question   string    // 问题描述
	YesTokenID string    // YES token 资产 ID
	NoTokenID  string    // NO token 资产 ID
	Price      Price     // YES 侧当前价格（隐含概率）
	FeeBps     int       // 快照里的手续费率（仅供日志参考，下单前必须查实时值）
	ClosesAt   time.Time // 关闭时间
	Resolved   bool      // 是否已结算
	NegRisk    bool      // 是否为负风险市场（决定验证合约）
}

// IsValid 验证市场快照是否完整
func (m *Market) IsValid() bool {
	return m.MarketID != "" && m.YesTokenID != "" && m.NoTokenID != "" && !m.ClosesAt.IsZero()
}

// TokenID 根据方向获取资产 ID
func (m *Market) TokenID(side Side) string {
	if side == SideYes {
		return m.YesTokenID
	}
	return m.NoTokenID
}

// SidePrice 返回指定方向的隐含价格（NO 侧 = 1 - YES 价）
func (m *Market) SidePrice(side Side) Price {
	if side == SideYes {
		return m.Price
	}
	return m.Price.Complement()
}

// TimeToClose 距离关闭还有多久（已过期返回负值）
func (m *Market) TimeToClose(now time.Time) time.Duration {
	return m.ClosesAt.Sub(now)
}
