package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/edgebot/internal/analyst"
	"github.com/betbot/edgebot/internal/archive"
	"github.com/betbot/edgebot/internal/controlstate"
	"github.com/betbot/edgebot/internal/domain"
	"github.com/betbot/edgebot/internal/engine"
	"github.com/betbot/edgebot/internal/evaluator"
	"github.com/betbot/edgebot/internal/journal"
	"github.com/betbot/edgebot/pkg/cache"
	"github.com/betbot/edgebot/pkg/config"
	"github.com/betbot/edgebot/pkg/exchange"
	"github.com/betbot/edgebot/pkg/persistence"
	"github.com/betbot/edgebot/pkg/syncgroup"
)

var log = logrus.WithField("component", "worker")

// requestTimeout 扫描侧单次只读调用的超时
const requestTimeout = 15 * time.Second

// skipDisabled 不是评估器产出的跳过理由：边际足够，只是策略被停用
const skipDisabled = evaluator.Skip("disabled")

// orderNamespace ClientOrderID 的 UUIDv5 命名空间
var orderNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("edgebot/orders"))

// orderCounter 持久化的订单序号
// ClientOrderID 由 market:side:seq 经 UUIDv5 派生；序号先落盘再使用，
// 崩溃后只会跳号，不会重复
type orderCounter struct {
	OrderSeq int64 `persistence:"order_seq"`
}

// Deps Worker 的外部依赖
type Deps struct {
	Live    exchange.Client
	Dry     exchange.Client // 纸交易客户端：读操作透传，变更被模拟
	Analyst analyst.Analyst
	Control *controlstate.Store
	Store   persistence.Service
	Journal *journal.Journal
	Archive *archive.Archive
}

// Worker 单个策略的扫描与建仓协调器。
// 周期性翻页拉取市场、评估边际，为每个接受的 Decision 建仓并启动
// 一个生命周期引擎。仓位配额与同市场去重在这里把守，引擎只负责
// 推进单个仓位。
//
// 下单模式（LIVE / DRY_RUN）每轮扫描前从控制状态读取，已启动的
// 引擎保持创建时绑定的客户端不变。
type Worker struct {
	name string
	cfg  config.StrategyConfig

	live    exchange.Client
	dry     exchange.Client
	analyst analyst.Analyst
	control *controlstate.Store
	svc     persistence.Service
	jn      *journal.Journal
	arch    *archive.Archive

	engCfg engine.Config
	sg     *syncgroup.SyncGroup

	seqMu sync.Mutex
	seq   orderCounter

	activeMu sync.Mutex
	active   map[string]string // marketID -> positionID

	skipSeen *cache.InMemoryCache[string, struct{}]
	entry    *logrus.Entry
}

// New 创建策略 Worker。engCfg 留零值时引擎使用内置默认时序。
func New(cfg config.StrategyConfig, engCfg engine.Config, deps Deps) *Worker {
	return &Worker{
		name:     cfg.Name,
		cfg:      cfg,
		live:     deps.Live,
		dry:      deps.Dry,
		analyst:  deps.Analyst,
		control:  deps.Control,
		svc:      deps.Store,
		jn:       deps.Journal,
		arch:     deps.Archive,
		engCfg:   engCfg,
		sg:       syncgroup.NewSyncGroup(),
		active:   make(map[string]string),
		skipSeen: cache.NewInMemoryCache[string, struct{}](30 * time.Minute),
		entry:    log.WithField("strategy", cfg.Name),
	}
}

// Next 生成下一个 ClientOrderID（engine.OrderIDSource 实现）。
// 序号自增后立刻落盘；落盘失败时拒绝发号，宁可不下单，也不能发出
// 一个崩溃后无法复原的幂等键。
func (w *Worker) Next(marketID string, side domain.Side) (string, error) {
	w.seqMu.Lock()
	defer w.seqMu.Unlock()

	w.seq.OrderSeq++
	if err := persistence.SaveFields(&w.seq, w.name, w.svc); err != nil {
		return "", fmt.Errorf("订单序号落盘失败: %w", err)
	}
	name := fmt.Sprintf("%s:%s:%d", marketID, side, w.seq.OrderSeq)
	return uuid.NewSHA1(orderNamespace, []byte(name)).String(), nil
}

// Run 策略主循环：先恢复遗留仓位，随后按 ScanInterval 周期扫描。
// ctx 取消后等待所有在途引擎退出才返回。
func (w *Worker) Run(ctx context.Context) error {
	if err := persistence.LoadFields(&w.seq, w.name, w.svc); err != nil {
		return fmt.Errorf("加载订单序号失败: %w", err)
	}
	w.entry.Infof("🚀 策略启动: max_positions=%d order_seq=%d", w.cfg.MaxPositions, w.seq.OrderSeq)

	w.recoverPositions(ctx)
	w.scan(ctx)

	interval := w.cfg.ScanInterval.Duration
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.entry.Info("🔄 扫描停止，等待在途仓位引擎退出")
			w.sg.Wait()
			w.entry.Info("✅ 策略已停止")
			return ctx.Err()
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

// recoverPositions 扫描落盘的仓位记录，为每条记录重建引擎。
// 终态记录（崩溃发生在归档与删除之间）由引擎直接补完归档收尾。
// 恢复不受仓位配额限制：仓位在交易所真实存在，只能接着管。
func (w *Worker) recoverPositions(ctx context.Context) {
	stores, err := w.svc.ScanStores("position", w.name)
	if err != nil {
		w.entry.Errorf("❌ 扫描仓位记录失败: %v", err)
		return
	}
	if len(stores) == 0 {
		return
	}

	ctl, err := w.control.Get(w.name)
	if err != nil {
		w.entry.Warnf("⚠️ 控制状态异常，恢复仓位按 DRY_RUN 执行: %v", err)
	}
	client := w.clientFor(ctl.Mode)

	recovered := 0
	for _, store := range stores {
		var pos domain.Position
		if err := store.Load(&pos); err != nil {
			w.entry.Warnf("⚠️ 仓位记录不可读，跳过: %v", err)
			continue
		}
		if pos.PositionID == "" || pos.MarketID == "" {
			w.entry.Warn("⚠️ 仓位记录缺少关键字段，跳过")
			continue
		}
		w.adopt(pos.MarketID, pos.PositionID)
		w.launch(ctx, pos, store, client)
		recovered++
	}
	if recovered > 0 {
		w.entry.Infof("🔄 恢复 %d 个未完成仓位", recovered)
	}
}

// scan 跑一轮市场扫描。
// 控制状态不可读时按安全默认（停用、DRY_RUN）执行。
func (w *Worker) scan(ctx context.Context) {
	ctl, err := w.control.Get(w.name)
	if err != nil {
		w.entry.Warnf("⚠️ 控制状态异常，按安全默认执行: %v", err)
	}
	if !ctl.Enabled && !w.cfg.ScanWhileDisabled {
		w.entry.Debug("策略停用，跳过扫描")
		return
	}
	if n := w.activeCount(); n >= w.cfg.MaxPositions {
		w.entry.Debugf("持仓已满（%d/%d），跳过本轮扫描", n, w.cfg.MaxPositions)
		return
	}

	client := w.clientFor(ctl.Mode)
	bankroll, err := w.bankroll(ctx, client)
	if err != nil {
		w.entry.Warnf("⚠️ 查询可用资金失败，跳过本轮: %v", err)
		return
	}
	params := w.params(bankroll)

	cursor := ""
	pages, scanned := 0, 0
	for {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		page, err := client.ListMarkets(reqCtx, exchange.MarketFilter{Active: true}, cursor)
		cancel()
		if err != nil {
			w.entry.Warnf("⚠️ 拉取市场列表失败（第 %d 页）: %v", pages+1, err)
			return
		}

		for i := range page.Markets {
			if ctx.Err() != nil {
				return
			}
			w.consider(ctx, client, page.Markets[i], ctl, &params)
		}
		scanned += len(page.Markets)
		pages++

		if page.NextCursor == exchange.EndCursor || page.NextCursor == "" || pages >= w.cfg.PageCap {
			break
		}
		cursor = page.NextCursor
	}
	w.entry.Debugf("本轮扫描 %d 个市场（%d 页），剩余可用资金 %s", scanned, pages, params.Bankroll)
}

// consider 评估单个市场，接受的 Decision 当场建仓并启动引擎。
// 便宜的硬过滤放在分析器调用之前：快照费率为正的市场不值得花一次
// 概率估计；快照费率为零的在评估前还要查实时值确认。
func (w *Worker) consider(ctx context.Context, client exchange.Client, m exchange.Market, ctl controlstate.StrategyControl, p *evaluator.Params) {
	if m.ConditionID == "" || w.isActive(m.ConditionID) {
		return
	}

	snap := snapshotFromWire(m)
	now := time.Now()
	if !snap.IsValid() || snap.Resolved || !m.AcceptingOrders {
		return
	}
	if ttc := snap.TimeToClose(now); ttc <= 0 || ttc < w.cfg.MinTimeToClose.Duration {
		return
	}
	if m.FeeRateBps != 0 {
		w.journalSkip(m.ConditionID, evaluator.SkipFee, fmt.Sprintf("快照费率 %d bps", m.FeeRateBps))
		return
	}

	est, err := w.analyst.Estimate(ctx, snap)
	if err != nil {
		w.entry.Debugf("市场 %s 概率估计失败: %v", m.ConditionID, err)
		return
	}

	liveFee, err := w.liveFee(ctx, client, snap.YesTokenID)
	if err != nil {
		w.entry.Debugf("市场 %s 实时费率查询失败: %v", m.ConditionID, err)
		return
	}

	d, skip := evaluator.Evaluate(snap, liveFee, est, now, *p)
	if skip != evaluator.SkipNone {
		w.journalSkip(m.ConditionID, skip, "")
		return
	}

	w.entry.Infof("📊 发现机会: %s %s 模型 %s vs 市场 %s（边际 %s），拟下单 $%s 限价 %s",
		d.Side, d.MarketID, d.ModelProb, d.MarketProb, d.Edge, d.SizeUSD, d.MaxPrice)

	if !ctl.Enabled {
		w.journalSkip(m.ConditionID, skipDisabled,
			fmt.Sprintf("放弃 %s $%s（边际 %s）", d.Side, d.SizeUSD, d.Edge))
		return
	}

	pos := w.buildPosition(d)
	if !w.claim(pos.MarketID, pos.PositionID) {
		w.entry.Debugf("市场 %s 配额已满，放弃", pos.MarketID)
		return
	}
	store := w.svc.NewStore("position", w.name, pos.PositionID)
	if err := store.Save(&pos); err != nil {
		w.release(pos.MarketID)
		w.entry.Errorf("❌ 仓位记录落盘失败: %v", err)
		return
	}

	if err := w.jn.Append(journal.Event{
		Kind:       journal.KindDecision,
		MarketID:   d.MarketID,
		PositionID: pos.PositionID,
		Side:       string(d.Side),
		SizeUSD:    journal.Amount(d.SizeUSD),
		Price:      journal.Amount(decimal.NewFromFloat(d.MaxPrice.ToDecimal())),
		Note:       d.Rationale,
	}); err != nil {
		w.entry.Warnf("⚠️ 台账写入失败: %v", err)
	}

	p.Bankroll = p.Bankroll.Sub(d.SizeUSD)
	w.launch(ctx, pos, store, client)
}

// launch 把仓位交给生命周期引擎，在共享 SyncGroup 里异步推进
func (w *Worker) launch(ctx context.Context, pos domain.Position, store persistence.Store, client exchange.Client) {
	eng := engine.New(pos, engine.Deps{
		Client:   client,
		Store:    store,
		Journal:  w.jn,
		Archive:  w.arch,
		OrderIDs: w,
	}, w.engCfg)

	w.sg.Go(func() {
		defer w.release(pos.MarketID)
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.entry.Warnf("⚠️ 仓位 %s 引擎带错退出: %v", pos.PositionID, err)
		}
	})
}

// buildPosition 把 Decision 固化成 Discovered 状态的仓位记录
func (w *Worker) buildPosition(d *domain.Decision) domain.Position {
	return domain.Position{
		PositionID: uuid.NewString(),
		Strategy:   w.name,
		MarketID:   d.MarketID,
		Question:   d.Question,
		TokenID:    d.TokenID,
		Side:       d.Side,
		EntryPrice: d.MaxPrice,
		SizeUSD:    d.SizeUSD,
		NegRisk:    d.NegRisk,
		State:      domain.StateDiscovered,
		Outcome:    domain.OutcomePending,
		OpenedAt:   time.Now().UTC(),
	}
}

// bankroll 刷新可用资金：余额与授权额度取小者。
// DRY_RUN 模式下客户端汇报的是纸上资金，刷新路径两种模式一致。
func (w *Worker) bankroll(ctx context.Context, client exchange.Client) (decimal.Decimal, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	ba, err := client.BalanceAllowance(reqCtx)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(math.Min(ba.BalanceUSD, ba.AllowanceUSD)), nil
}

func (w *Worker) liveFee(ctx context.Context, client exchange.Client, tokenID string) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return client.FeeRateBps(reqCtx, tokenID)
}

func (w *Worker) params(bankroll decimal.Decimal) evaluator.Params {
	return evaluator.Params{
		MinEdge:           w.cfg.MinEdge,
		MinTimeToClose:    w.cfg.MinTimeToClose.Duration,
		BankrollFraction:  w.cfg.BankrollFraction,
		MaxNotionalUSD:    w.cfg.MaxNotionalUSD,
		MinOrderUSD:       w.cfg.MinOrderUSD,
		EdgeScaleCap:      w.cfg.EdgeScaleCap,
		PriceSlippagePips: w.cfg.PriceSlippagePips,
		Bankroll:          bankroll,
	}
}

func (w *Worker) clientFor(mode controlstate.Mode) exchange.Client {
	if mode == controlstate.ModeLive {
		return w.live
	}
	return w.dry
}

// journalSkip 把跳过理由写进台账，按 市场+理由 去重（TTL 到期后重记）。
// 同一个市场每轮都会因为同样的理由被跳过，逐条记录只会淹没台账。
func (w *Worker) journalSkip(marketID string, reason evaluator.Skip, note string) {
	key := marketID + ":" + string(reason)
	if _, seen := w.skipSeen.Get(key); seen {
		return
	}
	w.skipSeen.Set(key, struct{}{}, 0)

	text := string(reason)
	if note != "" {
		text += ": " + note
	}
	if err := w.jn.Append(journal.Event{Kind: journal.KindSkip, MarketID: marketID, Note: text}); err != nil {
		w.entry.Warnf("⚠️ 台账写入失败: %v", err)
	}
}

// isActive 该市场是否已有在途仓位
func (w *Worker) isActive(marketID string) bool {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	_, ok := w.active[marketID]
	return ok
}

// claim 原子占用一个仓位配额；同一市场只允许一个在途仓位
func (w *Worker) claim(marketID, positionID string) bool {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	if len(w.active) >= w.cfg.MaxPositions {
		return false
	}
	if _, ok := w.active[marketID]; ok {
		return false
	}
	w.active[marketID] = positionID
	return true
}

// adopt 接管恢复的仓位，不检查配额
func (w *Worker) adopt(marketID, positionID string) {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	w.active[marketID] = positionID
}

func (w *Worker) release(marketID string) {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	delete(w.active, marketID)
}

func (w *Worker) activeCount() int {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	return len(w.active)
}

// snapshotFromWire 把交易所线上格式转成领域快照
func snapshotFromWire(m exchange.Market) domain.Market {
	return domain.Market{
		MarketID:   m.ConditionID,
		Question:   m.Question,
		YesTokenID: m.YesTokenID,
		NoTokenID:  m.NoTokenID,
		Price:      domain.PriceFromDecimal(m.Price),
		FeeBps:     m.FeeRateBps,
		ClosesAt:   m.EndDate(),
		Resolved:   m.Resolved,
		NegRisk:    m.NegRisk,
	}
}
