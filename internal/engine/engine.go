package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/edgebot/internal/archive"
	"github.com/betbot/edgebot/internal/domain"
	"github.com/betbot/edgebot/internal/journal"
	"github.com/betbot/edgebot/pkg/exchange"
	"github.com/betbot/edgebot/pkg/persistence"
)

var log = logrus.WithField("component", "engine")

// 结算判定阈值：每股赔付 >= winThreshold 算赢，<= loseThreshold 算输，
// 中间值视为 VOID（无明确赢家，按 LOST 记账，不赎回）
const (
	winThreshold  = 0.99
	loseThreshold = 0.01
)

// Config 引擎时序参数，零值字段取默认
type Config struct {
	PollInterval      time.Duration // Settling 轮询间隔
	FillWait          time.Duration // 等待成交的时间上限
	FillPoll          time.Duration // 成交状态查询间隔
	SubmitMaxAttempts int           // 下单重试上限
	RedeemMaxAttempts int           // 赎回重试上限
	BackoffBase       time.Duration // 重试退避基数
	BackoffCeil       time.Duration // 重试退避封顶
	CallTimeout       time.Duration // 单次网络调用超时
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.FillWait <= 0 {
		c.FillWait = 90 * time.Second
	}
	if c.FillPoll <= 0 {
		c.FillPoll = 3 * time.Second
	}
	if c.SubmitMaxAttempts <= 0 {
		c.SubmitMaxAttempts = 5
	}
	if c.RedeemMaxAttempts <= 0 {
		c.RedeemMaxAttempts = 8
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCeil <= 0 {
		c.BackoffCeil = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	return c
}

// OrderIDSource 分配幂等下单键
// 返回值必须对同一 (market, side, 序号) 恒定，重试时沿用
type OrderIDSource interface {
	Next(marketID string, side domain.Side) (string, error)
}

// Deps 引擎外部依赖
type Deps struct {
	Client   exchange.Client
	Store    persistence.Store // 本仓位的落盘记录
	Journal  *journal.Journal
	Archive  *archive.Archive
	OrderIDs OrderIDSource
}

// Engine 驱动单个仓位走完整个生命周期
// Discovered → Submitting → Open → Settling → Redeeming → Closed，
// Errored 从任意非终态吸收。每次状态变更后整体落盘，崩溃后凭记录恢复。
type Engine struct {
	pos   domain.Position
	deps  Deps
	cfg   Config
	entry *logrus.Entry
}

// New 用一个仓位记录创建引擎（新建或恢复皆可）
func New(pos domain.Position, deps Deps, cfg Config) *Engine {
	return &Engine{
		pos:  pos,
		deps: deps,
		cfg:  cfg.withDefaults(),
		entry: log.WithFields(logrus.Fields{
			"strategy": pos.Strategy,
			"position": pos.PositionID,
			"market":   pos.MarketID,
		}),
	}
}

// Position 返回当前仓位快照
func (e *Engine) Position() domain.Position {
	return e.pos
}

// Run 把仓位推进到终态或被取消为止。
// 只在状态迁移之间检查 ctx；在途的网络变更调用不会被掐断，
// 关停时当前调用完整结束后本轮退出，重启后从落盘状态续跑。
func (e *Engine) Run(ctx context.Context) error {
	for {
		if e.pos.State.IsTerminal() {
			return e.finalize()
		}
		select {
		case <-ctx.Done():
			e.persist()
			e.entry.Infof("🔄 引擎暂停于 %s，待重启恢复", e.pos.State)
			return ctx.Err()
		default:
		}

		switch e.pos.State {
		case domain.StateDiscovered:
			e.assignOrderID()
		case domain.StateSubmitting:
			e.submit(ctx)
		case domain.StateOpen:
			// 成交即进入等待结算，没有中间动作
			e.transition(domain.StateSettling)
		case domain.StateSettling:
			e.settle(ctx)
		case domain.StateRedeeming:
			if done := e.redeem(ctx); done {
				continue
			}
			// 赎回重试耗尽：保持 Redeeming + Stuck，引擎退出，重启后续试
			return nil
		default:
			e.fail(fmt.Sprintf("未知状态 %s", e.pos.State))
		}
	}
}

// assignOrderID 在首次网络调用之前确定幂等键并落盘
// 落盘失败时绝不下单，否则崩溃后无法判断订单归属
func (e *Engine) assignOrderID() {
	if e.pos.ClientOrderID == "" {
		id, err := e.deps.OrderIDs.Next(e.pos.MarketID, e.pos.Side)
		if err != nil {
			e.fail(fmt.Sprintf("分配订单键失败: %v", err))
			return
		}
		e.pos.ClientOrderID = id
	}
	if err := e.deps.Store.Save(&e.pos); err != nil {
		e.fail(fmt.Sprintf("订单键落盘失败: %v", err))
		return
	}
	e.transition(domain.StateSubmitting)
}

// submit 提交订单并等待成交
// 同一 ClientOrderID 重试由交易所去重，超时后的重发不会产生第二笔订单
func (e *Engine) submit(ctx context.Context) {
	if e.pos.OrderID == "" {
		if ok := e.submitOrder(ctx); !ok {
			return
		}
	}
	e.waitFill(ctx)
}

func (e *Engine) submitOrder(ctx context.Context) bool {
	req := exchange.OrderRequest{
		MarketID:      e.pos.MarketID,
		TokenID:       e.pos.TokenID,
		Side:          exchange.SideBuy,
		SizeUSD:       e.pos.SizeUSD.InexactFloat64(),
		Price:         e.pos.EntryPrice.ToDecimal(),
		NegRisk:       e.pos.NegRisk,
		ClientOrderID: e.pos.ClientOrderID,
	}

	for attempt := 1; attempt <= e.cfg.SubmitMaxAttempts; attempt++ {
		callCtx, cancel := e.mutationContext(ctx)
		orderID, err := e.deps.Client.SubmitOrder(callCtx, req)
		cancel()

		if err == nil {
			e.pos.OrderID = orderID
			e.persist()
			e.entry.Infof("📝 已下单: order=%s size=%s limit=%s", orderID, e.pos.SizeUSD, e.pos.EntryPrice)
			e.journal(journal.Event{
				Kind:    journal.KindOrderSubmitted,
				OrderID: orderID,
				Side:    string(e.pos.Side),
				SizeUSD: journal.Amount(e.pos.SizeUSD),
			})
			return true
		}

		if exchange.IsAuth(err) {
			e.fail(fmt.Sprintf("下单鉴权失败: %v", err))
			return false
		}
		if !exchange.IsTransient(err) {
			e.fail(fmt.Sprintf("下单被拒: %v", err))
			return false
		}
		// 瞬时故障：退避后带同一幂等键重试，绝不臆断订单已成立
		if attempt == e.cfg.SubmitMaxAttempts {
			break
		}
		delay := retryDelay(attempt, e.cfg.BackoffBase, e.cfg.BackoffCeil)
		e.entry.Warnf("⚠️ 下单瞬时失败 (%d/%d)，%v 后重试: %v", attempt, e.cfg.SubmitMaxAttempts, delay, err)
		if !sleepCtx(ctx, delay) {
			e.persist()
			return false
		}
	}
	e.fail(fmt.Sprintf("下单重试耗尽 (%d 次)", e.cfg.SubmitMaxAttempts))
	return false
}

// waitFill 在限定时间内轮询成交状态
func (e *Engine) waitFill(ctx context.Context) {
	deadline := time.Now().Add(e.cfg.FillWait)
	for {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		info, err := e.deps.Client.OrderStatus(callCtx, e.pos.OrderID)
		cancel()

		switch {
		case err == nil:
			if e.applyOrderInfo(info) {
				return
			}
		case exchange.IsAuth(err):
			e.fail(fmt.Sprintf("查单鉴权失败: %v", err))
			return
		case exchange.IsTransient(err):
			e.entry.Debugf("查单瞬时失败: %v", err)
		default:
			e.fail(fmt.Sprintf("查单失败: %v", err))
			return
		}

		if time.Now().After(deadline) {
			e.cancelUnfilled(ctx)
			return
		}
		if !sleepCtx(ctx, e.cfg.FillPoll) {
			e.persist()
			return
		}
	}
}

// applyOrderInfo 处理一次查单结果，返回是否终结本阶段
func (e *Engine) applyOrderInfo(info exchange.OrderInfo) (done bool) {
	hasFill := info.FilledSize > 0
	switch info.State {
	case exchange.OrderFilled, exchange.OrderPartial:
		if !hasFill {
			return false
		}
	case exchange.OrderCancelled:
		if !hasFill {
			e.fail("订单被交易所取消且无成交")
			return true
		}
	default:
		return false
	}

	e.pos.Shares = decimal.NewFromFloat(info.FilledSize)
	if info.AvgPrice > 0 {
		e.pos.EntryPrice = domain.PriceFromDecimal(info.AvgPrice)
	}
	e.transition(domain.StateOpen)
	e.entry.Infof("✅ 已成交: %s 股 @ %s", e.pos.Shares, e.pos.EntryPrice)
	e.journal(journal.Event{
		Kind:    journal.KindFill,
		OrderID: e.pos.OrderID,
		SizeUSD: journal.Amount(e.pos.SizeUSD),
		Price:   journal.Amount(decimal.NewFromFloat(e.pos.EntryPrice.ToDecimal())),
	})
	return true
}

// cancelUnfilled 超过等待时限仍未成交：撤单并判定失败
func (e *Engine) cancelUnfilled(ctx context.Context) {
	callCtx, cancel := e.mutationContext(ctx)
	err := e.deps.Client.CancelOrder(callCtx, e.pos.OrderID)
	cancel()
	if err != nil && !exchange.IsTransient(err) {
		e.entry.Warnf("⚠️ 撤单失败: %v", err)
	}
	e.fail(fmt.Sprintf("限价单 %v 内未成交", e.cfg.FillWait))
}

// settle 轮询市场结算状态，可跨进程重启持续数天
func (e *Engine) settle(ctx context.Context) {
	for {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		info, err := e.deps.Client.Position(callCtx, e.pos.MarketID)
		cancel()

		switch {
		case err == nil:
			if info.Resolved {
				e.applySettlement(info)
				return
			}
		case exchange.IsAuth(err):
			e.fail(fmt.Sprintf("持仓查询鉴权失败: %v", err))
			return
		case exchange.IsTransient(err):
			e.entry.Debugf("持仓查询瞬时失败: %v", err)
		default:
			e.fail(fmt.Sprintf("持仓查询失败: %v", err))
			return
		}

		if !sleepCtx(ctx, e.cfg.PollInterval) {
			e.persist()
			return
		}
	}
}

func (e *Engine) applySettlement(info exchange.PositionInfo) {
	switch {
	case info.PayoutPerShare >= winThreshold:
		e.pos.Outcome = domain.OutcomeWon
	case info.PayoutPerShare <= loseThreshold:
		e.pos.Outcome = domain.OutcomeLost
	default:
		e.pos.Outcome = domain.OutcomeVoid
	}
	e.entry.Infof("📊 市场已结算: outcome=%s payout=%.4f", e.pos.Outcome, info.PayoutPerShare)
	e.journal(journal.Event{
		Kind: journal.KindSettlement,
		Note: string(e.pos.Outcome),
	})

	if e.pos.Outcome == domain.OutcomeWon {
		e.transition(domain.StateRedeeming)
		return
	}
	// LOST 与 VOID 都不赎回，直接关闭
	e.close()
}

// redeem 赎回获胜仓位，AlreadyRedeemed 视作成功
// 返回 false 表示重试耗尽、仓位置 Stuck 待重启续试
func (e *Engine) redeem(ctx context.Context) bool {
	for attempt := 1; attempt <= e.cfg.RedeemMaxAttempts; attempt++ {
		callCtx, cancel := e.mutationContext(ctx)
		txID, err := e.deps.Client.Redeem(callCtx, e.pos.MarketID)
		cancel()

		if err == nil || errors.Is(err, exchange.ErrAlreadyRedeemed) {
			e.pos.Redeemed = true
			e.pos.RedeemTx = txID
			e.pos.Stuck = false
			if err != nil {
				e.entry.Infof("✅ 赎回已在链上完成（历史交易）")
			} else {
				e.entry.Infof("✅ 赎回成功: tx=%s payout=%s", txID, e.pos.PayoutUSD())
			}
			e.journal(journal.Event{
				Kind:    journal.KindRedeem,
				Note:    txID,
				SizeUSD: journal.Amount(e.pos.PayoutUSD()),
			})
			e.close()
			return true
		}
		if exchange.IsAuth(err) {
			e.fail(fmt.Sprintf("赎回鉴权失败: %v", err))
			return true
		}
		if attempt == e.cfg.RedeemMaxAttempts {
			break
		}
		delay := retryDelay(attempt, e.cfg.BackoffBase, e.cfg.BackoffCeil)
		e.entry.Warnf("⚠️ 赎回失败 (%d/%d)，%v 后重试: %v", attempt, e.cfg.RedeemMaxAttempts, delay, err)
		if !sleepCtx(ctx, delay) {
			e.persist()
			return true
		}
	}

	// 正确性优先：不造假状态，标记 Stuck 等待重启或人工处理
	e.pos.Stuck = true
	e.pos.LastError = fmt.Sprintf("赎回重试耗尽 (%d 次)", e.cfg.RedeemMaxAttempts)
	e.persist()
	e.entry.Errorf("❌ 赎回卡住: %s", e.pos.LastError)
	e.journal(journal.Event{Kind: journal.KindStuck, Note: e.pos.LastError})
	return false
}

// close 进入 Closed 终态
func (e *Engine) close() {
	now := time.Now().UTC()
	e.pos.ClosedAt = &now
	e.transition(domain.StateClosed)
}

// fail 进入 Errored 终态
func (e *Engine) fail(reason string) {
	now := time.Now().UTC()
	e.pos.ClosedAt = &now
	e.pos.LastError = reason
	e.entry.Errorf("❌ 仓位失败: %s", reason)
	e.transition(domain.StateErrored)
}

// transition 切换状态并落盘
func (e *Engine) transition(to domain.PositionState) {
	from := e.pos.State
	e.pos.State = to
	e.persist()
	e.entry.Debugf("状态迁移 %s → %s", from, to)
}

// finalize 终态收尾：归档、记台账、删除在线记录
// 归档写入幂等，崩溃后重放安全；删除放最后，宁可重放不可丢单
func (e *Engine) finalize() error {
	e.persist()

	switch e.pos.State {
	case domain.StateClosed:
		e.journal(journal.Event{
			Kind:   journal.KindClosed,
			Note:   string(e.pos.Outcome),
			PnlUSD: journal.Amount(e.pos.PnLUSD()),
		})
		e.entry.Infof("📊 仓位关闭: outcome=%s pnl=%s", e.pos.Outcome, e.pos.PnLUSD())
	case domain.StateErrored:
		e.journal(journal.Event{Kind: journal.KindError, Note: e.pos.LastError})
	}

	if e.deps.Archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.deps.Archive.Insert(ctx, e.pos); err != nil {
			// 归档失败保留在线记录，重启后重放收尾
			e.entry.Errorf("归档失败，保留在线记录: %v", err)
			return err
		}
	}
	if err := e.deps.Store.Delete(); err != nil {
		e.entry.Warnf("删除在线记录失败: %v", err)
		return err
	}
	return nil
}

// persist 整体落盘当前仓位
// 落盘失败只记日志：内存状态照常推进，下一次变更再试
func (e *Engine) persist() {
	if err := e.deps.Store.Save(&e.pos); err != nil {
		e.entry.Errorf("仓位落盘失败: %v", err)
	}
}

func (e *Engine) journal(ev journal.Event) {
	ev.Strategy = e.pos.Strategy
	ev.MarketID = e.pos.MarketID
	ev.PositionID = e.pos.PositionID
	if err := e.deps.Journal.Append(ev); err != nil {
		e.entry.Warnf("台账写入失败: %v", err)
	}
}

// mutationContext 变更类调用的上下文：脱离外部取消、只保留超时
// 关停信号不掐断在途的下单/撤单/赎回
func (e *Engine) mutationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
}

// retryDelay 第 attempt 次失败后的退避：base×2^(attempt-1) 封顶 ceil，附加最多 20% 抖动
func retryDelay(attempt int, base, ceil time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}
	d := base << uint(shift)
	if d <= 0 || d > ceil {
		d = ceil
	}
	return d + time.Duration(rand.Int63n(int64(d)/5+1))
}

// sleepCtx 可被取消的睡眠，返回是否睡满
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
