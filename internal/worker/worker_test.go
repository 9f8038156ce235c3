package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/betbot/edgebot/internal/analyst"
	"github.com/betbot/edgebot/internal/archive"
	"github.com/betbot/edgebot/internal/controlstate"
	"github.com/betbot/edgebot/internal/domain"
	"github.com/betbot/edgebot/internal/engine"
	"github.com/betbot/edgebot/internal/journal"
	"github.com/betbot/edgebot/pkg/config"
	"github.com/betbot/edgebot/pkg/exchange"
	"github.com/betbot/edgebot/pkg/persistence"
)

// 测试用策略配置：时序全部压到毫秒级
func testStrategy(name string) config.StrategyConfig {
	return config.StrategyConfig{
		Name:             name,
		MinEdge:          0.05,
		MinTimeToClose:   config.Duration{Duration: time.Minute},
		BankrollFraction: 0.04,
		MaxNotionalUSD:   100,
		MinOrderUSD:      1,
		MaxPositions:     2,
		EdgeScaleCap:     3,
		ScanInterval:     config.Duration{Duration: 10 * time.Millisecond},
		PollInterval:     config.Duration{Duration: 3 * time.Millisecond},
		PageCap:          3,
		PaperBankrollUSD: 500,
	}
}

func testEngineConfig() engine.Config {
	return engine.Config{
		PollInterval:      3 * time.Millisecond,
		FillWait:          80 * time.Millisecond,
		FillPoll:          2 * time.Millisecond,
		SubmitMaxAttempts: 3,
		RedeemMaxAttempts: 3,
		BackoffBase:       time.Millisecond,
		BackoffCeil:       4 * time.Millisecond,
		CallTimeout:       time.Second,
	}
}

// wireMarket 造一个 48 小时后关闭、接受下单的零费率市场
func wireMarket(id string, price float64) exchange.Market {
	return exchange.Market{
		ConditionID:     id,
		Question:        "测试市场 " + id,
		YesTokenID:      "tok-" + id + "-yes",
		NoTokenID:       "tok-" + id + "-no",
		Price:           price,
		EndDateISO:      time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339),
		Active:          true,
		AcceptingOrders: true,
	}
}

// countingAnalyst 记录每个市场被估计的次数
type countingAnalyst struct {
	inner analyst.Analyst

	mu    sync.Mutex
	calls map[string]int
}

func newCountingAnalyst(inner analyst.Analyst) *countingAnalyst {
	return &countingAnalyst{inner: inner, calls: make(map[string]int)}
}

func (c *countingAnalyst) Estimate(ctx context.Context, m domain.Market) (analyst.Estimate, error) {
	c.mu.Lock()
	c.calls[m.MarketID]++
	c.mu.Unlock()
	return c.inner.Estimate(ctx, m)
}

func (c *countingAnalyst) count(marketID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[marketID]
}

type testEnv struct {
	cfg     config.StrategyConfig
	mock    *exchange.MockClient
	dry     *exchange.DryRunClient
	svc     persistence.Service
	control *controlstate.Store
	arch    *archive.Archive
	jdir    string
	deps    Deps
	w       *Worker
}

func newTestEnv(t *testing.T, cfg config.StrategyConfig, an analyst.Analyst) *testEnv {
	t.Helper()
	dir := t.TempDir()

	svc := persistence.NewJSONFileService(filepath.Join(dir, "state"))
	control := controlstate.NewStore(svc)

	arch, err := archive.Open(filepath.Join(dir, "archive.db"))
	if err != nil {
		t.Fatalf("打开归档失败: %v", err)
	}
	t.Cleanup(func() { arch.Close() })

	jdir := filepath.Join(dir, "journal")
	jn := journal.New(jdir, cfg.Name)
	t.Cleanup(func() { jn.Close() })

	mock := exchange.NewMockClient()
	dry := exchange.NewDryRun(mock, cfg.PaperBankrollUSD)

	deps := Deps{
		Live:    mock,
		Dry:     dry,
		Analyst: an,
		Control: control,
		Store:   svc,
		Journal: jn,
		Archive: arch,
	}

	return &testEnv{
		cfg:     cfg,
		mock:    mock,
		dry:     dry,
		svc:     svc,
		control: control,
		arch:    arch,
		jdir:    jdir,
		deps:    deps,
		w:       New(cfg, testEngineConfig(), deps),
	}
}

// script 把市场同时塞进列表页与详情表（Resolve 要靠详情表保留 token id）
func (env *testEnv) script(markets ...exchange.Market) {
	env.mock.Pages = []exchange.MarketsPage{{Markets: markets}}
	for _, m := range markets {
		env.mock.Markets[m.ConditionID] = m
	}
}

func (env *testEnv) start(t *testing.T) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.w.Run(ctx) }()
	return cancel, done
}

func stopWorker(t *testing.T, cancel context.CancelFunc, done chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("worker 退出错误: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker 未能在期限内退出")
	}
}

// waitFor 轮询等待条件成立
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("等待超时: %s", what)
}

func journalKinds(t *testing.T, env *testEnv) []journal.Kind {
	t.Helper()
	events, err := journal.LastEvents(env.jdir, env.cfg.Name, 50)
	if err != nil {
		t.Fatalf("读台账失败: %v", err)
	}
	var kinds []journal.Kind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

// 控制状态缺失时必须按停用处理：一个市场都不扫
func TestScanDisabledByDefault(t *testing.T) {
	env := newTestEnv(t, testStrategy("alpha"), analyst.NewFixed(0.75))
	env.script(wireMarket("0xm1", 0.40))

	cancel, done := env.start(t)
	time.Sleep(60 * time.Millisecond)
	stopWorker(t, cancel, done)

	if n := env.mock.CallCount("ListMarkets"); n != 0 {
		t.Errorf("停用状态下扫描了市场列表 %d 次", n)
	}
	if stores, _ := env.svc.ScanStores("position", "alpha"); len(stores) != 0 {
		t.Errorf("停用状态下建了 %d 个仓位", len(stores))
	}
	if kinds := journalKinds(t, env); len(kinds) != 0 {
		t.Errorf("停用状态下台账不应有记录，实际 %v", kinds)
	}
}

// 停用 + scan_while_disabled：照常评估并记录，但绝不提交
func TestScanWhileDisabledNeverSubmits(t *testing.T) {
	cfg := testStrategy("alpha")
	cfg.ScanWhileDisabled = true
	env := newTestEnv(t, cfg, analyst.NewFixed(0.75))
	env.script(wireMarket("0xm1", 0.40))

	cancel, done := env.start(t)
	waitFor(t, "至少扫描 3 轮", func() bool { return env.mock.CallCount("ListMarkets") >= 3 })
	stopWorker(t, cancel, done)

	if n := env.mock.CallCount("SubmitOrder"); n != 0 {
		t.Errorf("停用状态下向交易所提交了 %d 笔订单", n)
	}
	if stores, _ := env.svc.ScanStores("position", "alpha"); len(stores) != 0 {
		t.Errorf("停用状态下建了 %d 个仓位", len(stores))
	}

	events, err := journal.LastEvents(env.jdir, "alpha", 50)
	if err != nil {
		t.Fatalf("读台账失败: %v", err)
	}
	skips := 0
	for _, ev := range events {
		if ev.Kind == journal.KindDecision {
			t.Error("停用状态下不应产出 decision 记录")
		}
		if ev.Kind == journal.KindSkip && ev.MarketID == "0xm1" {
			skips++
		}
	}
	// 多轮扫描同一理由只记一条（TTL 去重）
	if skips != 1 {
		t.Errorf("disabled 跳过记录 = %d 条，期望去重后 1 条", skips)
	}
}

// DRY_RUN 全链路：发现 → 纸面下单 → 结算 → 纸面赎回 → 归档
func TestDryRunLifecycle(t *testing.T) {
	env := newTestEnv(t, testStrategy("alpha"), analyst.NewFixed(0.75))
	env.script(wireMarket("0xm1", 0.40))
	if err := env.control.Seed("alpha", controlstate.StrategyControl{Enabled: true}); err != nil {
		t.Fatalf("播种控制状态失败: %v", err)
	}

	cancel, done := env.start(t)

	// 纸面仓位进入结算轮询后（透传 GetMarket）再落结果
	waitFor(t, "引擎开始轮询结算", func() bool { return env.mock.CallCount("GetMarket") > 0 })
	env.mock.Resolve("0xm1", 1)

	waitFor(t, "仓位走完归档", func() bool {
		tot, err := env.arch.Totals(context.Background(), "alpha")
		return err == nil && tot.Count == 1
	})
	stopWorker(t, cancel, done)

	// 纸交易绝不触碰真实下单与赎回端点
	if n := env.mock.CallCount("SubmitOrder"); n != 0 {
		t.Errorf("DRY_RUN 提交了 %d 笔真实订单", n)
	}
	if n := env.mock.CallCount("Redeem"); n != 0 {
		t.Errorf("DRY_RUN 调用了 %d 次真实赎回", n)
	}

	// 资金 500，比例 0.04，边际放大 3 倍：下单 $60 @ 0.40 = 150 股，盈利 $90
	tot, err := env.arch.Totals(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("读归档失败: %v", err)
	}
	if tot.Won != 1 || !tot.NetPnl.Equal(decimal.NewFromInt(90)) {
		t.Errorf("归档 won=%d pnl=%s, 期望 won=1 pnl=90", tot.Won, tot.NetPnl)
	}

	// 纸面资金回笼：500 - 60 + 150
	ba, err := env.dry.BalanceAllowance(context.Background())
	if err != nil {
		t.Fatalf("查询纸面资金失败: %v", err)
	}
	if ba.BalanceUSD != 590 {
		t.Errorf("纸面资金 = %v, 期望 590", ba.BalanceUSD)
	}

	if stores, _ := env.svc.ScanStores("position", "alpha"); len(stores) != 0 {
		t.Errorf("终态仓位记录未清理，剩余 %d 条", len(stores))
	}

	kinds := journalKinds(t, env)
	want := []journal.Kind{
		journal.KindDecision, journal.KindOrderSubmitted, journal.KindFill,
		journal.KindSettlement, journal.KindRedeem, journal.KindClosed,
	}
	if len(kinds) != len(want) {
		t.Fatalf("台账事件 = %v, 期望 %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("台账事件 = %v, 期望 %v", kinds, want)
		}
	}

	var c orderCounter
	if err := persistence.LoadFields(&c, "alpha", env.svc); err != nil {
		t.Fatalf("读订单序号失败: %v", err)
	}
	if c.OrderSeq != 1 {
		t.Errorf("落盘订单序号 = %d, 期望 1", c.OrderSeq)
	}
}

// LIVE 模式走真实客户端
func TestLiveModeUsesLiveClient(t *testing.T) {
	env := newTestEnv(t, testStrategy("alpha"), analyst.NewFixed(0.75))
	env.script(wireMarket("0xm1", 0.40))
	env.mock.Balance = exchange.BalanceAllowance{BalanceUSD: 500, AllowanceUSD: 500}
	if err := env.control.Seed("alpha", controlstate.StrategyControl{Enabled: true}); err != nil {
		t.Fatalf("播种控制状态失败: %v", err)
	}
	if err := env.control.SetMode("alpha", controlstate.ModeLive); err != nil {
		t.Fatalf("切换 LIVE 失败: %v", err)
	}

	cancel, done := env.start(t)
	waitFor(t, "引擎开始轮询结算", func() bool { return env.mock.CallCount("Position") > 0 })
	env.mock.Resolve("0xm1", 1)
	waitFor(t, "仓位走完归档", func() bool {
		tot, err := env.arch.Totals(context.Background(), "alpha")
		return err == nil && tot.Count == 1
	})
	stopWorker(t, cancel, done)

	if n := env.mock.CallCount("SubmitOrder"); n != 1 {
		t.Errorf("真实下单次数 = %d, 期望 1", n)
	}
	if n := env.mock.CallCount("Redeem"); n != 1 {
		t.Errorf("真实赎回次数 = %d, 期望 1", n)
	}
	tot, err := env.arch.Totals(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("读归档失败: %v", err)
	}
	if tot.Won != 1 || !tot.NetPnl.Equal(decimal.NewFromInt(90)) {
		t.Errorf("归档 won=%d pnl=%s, 期望 won=1 pnl=90", tot.Won, tot.NetPnl)
	}
}

// 同时持仓上限：第三个机会必须放弃
func TestMaxPositionsCap(t *testing.T) {
	env := newTestEnv(t, testStrategy("alpha"), analyst.NewFixed(0.75))
	m1, m2, m3 := wireMarket("0xm1", 0.40), wireMarket("0xm2", 0.40), wireMarket("0xm3", 0.40)
	env.script(m1, m2, m3)
	if err := env.control.Seed("alpha", controlstate.StrategyControl{Enabled: true}); err != nil {
		t.Fatalf("播种控制状态失败: %v", err)
	}

	cancel, done := env.start(t)
	waitFor(t, "建满 2 个仓位", func() bool {
		stores, _ := env.svc.ScanStores("position", "alpha")
		return len(stores) == 2
	})
	// 市场一直不结算，引擎占住配额；再跑几轮确认不超建
	time.Sleep(50 * time.Millisecond)
	stopWorker(t, cancel, done)

	stores, _ := env.svc.ScanStores("position", "alpha")
	if len(stores) != 2 {
		t.Errorf("仓位数 = %d, 期望上限 2", len(stores))
	}

	decisions := 0
	events, err := journal.LastEvents(env.jdir, "alpha", 50)
	if err != nil {
		t.Fatalf("读台账失败: %v", err)
	}
	for _, ev := range events {
		if ev.Kind == journal.KindDecision {
			decisions++
		}
	}
	if decisions != 2 {
		t.Errorf("decision 记录 = %d 条, 期望 2 条（被配额挡下的不记）", decisions)
	}
}

// 已有在途仓位的市场不再评估，也不再花分析器调用
func TestActiveMarketNotReevaluated(t *testing.T) {
	cfg := testStrategy("alpha")
	cfg.MaxPositions = 4
	counting := newCountingAnalyst(analyst.NewFixed(0.75))
	env := newTestEnv(t, cfg, counting)
	env.script(wireMarket("0xm1", 0.40))
	if err := env.control.Seed("alpha", controlstate.StrategyControl{Enabled: true}); err != nil {
		t.Fatalf("播种控制状态失败: %v", err)
	}

	cancel, done := env.start(t)
	waitFor(t, "建仓", func() bool {
		stores, _ := env.svc.ScanStores("position", "alpha")
		return len(stores) == 1
	})
	waitFor(t, "再扫描 3 轮", func() bool { return env.mock.CallCount("ListMarkets") >= 4 })
	stopWorker(t, cancel, done)

	if stores, _ := env.svc.ScanStores("position", "alpha"); len(stores) != 1 {
		t.Errorf("同一市场建了 %d 个仓位", len(stores))
	}
	if n := counting.count("0xm1"); n != 1 {
		t.Errorf("分析器被调用 %d 次, 在途市场应该只估计 1 次", n)
	}
}

// 幂等键：序号落盘、重启续号、相同输入派生相同键
func TestOrderIDDeterminism(t *testing.T) {
	cfg := testStrategy("alpha")
	env := newTestEnv(t, cfg, analyst.NewFixed(0.75))

	id1, err := env.w.Next("0xm", domain.SideYes)
	if err != nil {
		t.Fatalf("发号失败: %v", err)
	}
	id2, err := env.w.Next("0xm", domain.SideYes)
	if err != nil {
		t.Fatalf("发号失败: %v", err)
	}
	if id1 == id2 {
		t.Error("序号推进后幂等键不应重复")
	}

	// 相同 (市场, 方向, 序号) 必须派生出同一个键
	want := uuid.NewSHA1(orderNamespace, []byte("0xm:YES:1")).String()
	if id1 != want {
		t.Errorf("幂等键 = %s, 期望确定性派生 %s", id1, want)
	}

	// 模拟重启：新 Worker 从落盘序号续号，旧键不会复用
	w2 := New(cfg, testEngineConfig(), env.deps)
	if err := persistence.LoadFields(&w2.seq, "alpha", env.svc); err != nil {
		t.Fatalf("加载序号失败: %v", err)
	}
	if w2.seq.OrderSeq != 2 {
		t.Fatalf("重启后序号 = %d, 期望 2", w2.seq.OrderSeq)
	}
	id3, err := w2.Next("0xm", domain.SideYes)
	if err != nil {
		t.Fatalf("发号失败: %v", err)
	}
	if id3 == id1 || id3 == id2 {
		t.Error("重启后发出了已用过的幂等键")
	}
}

// 崩溃恢复：遗留仓位接着跑，且不受停用开关影响
func TestRecoveryRunsWhileDisabled(t *testing.T) {
	env := newTestEnv(t, testStrategy("alpha"), analyst.NewFixed(0.75))

	// 预置一条 Settling 记录：上次进程在等待结算时被杀
	pos := domain.Position{
		PositionID:    "pos-r1",
		Strategy:      "alpha",
		MarketID:      "0xm9",
		Question:      "遗留仓位",
		TokenID:       "tok-0xm9-yes",
		Side:          domain.SideYes,
		EntryPrice:    domain.Price{Pips: 4000},
		SizeUSD:       decimal.NewFromInt(40),
		Shares:        decimal.NewFromInt(100),
		ClientOrderID: "key-r1",
		OrderID:       "ord-r1",
		State:         domain.StateSettling,
		Outcome:       domain.OutcomePending,
		OpenedAt:      time.Now().UTC(),
	}
	store := env.svc.NewStore("position", "alpha", pos.PositionID)
	if err := store.Save(&pos); err != nil {
		t.Fatalf("预置仓位失败: %v", err)
	}

	// 重启前市场已经结算：恢复引擎应该直接赎回收尾
	env.mock.Holdings["0xm9"] = exchange.PositionInfo{
		MarketID:       "0xm9",
		TokenID:        "tok-0xm9-yes",
		Size:           100,
		Resolved:       true,
		PayoutPerShare: 1,
		Redeemable:     true,
	}

	cancel, done := env.start(t)
	waitFor(t, "恢复仓位走完归档", func() bool {
		tot, err := env.arch.Totals(context.Background(), "alpha")
		return err == nil && tot.Count == 1
	})
	stopWorker(t, cancel, done)

	// 控制状态从未启用：恢复照常推进，但新市场一概不扫
	if n := env.mock.CallCount("ListMarkets"); n != 0 {
		t.Errorf("停用状态下扫描了市场列表 %d 次", n)
	}
	tot, err := env.arch.Totals(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("读归档失败: %v", err)
	}
	if tot.Won != 1 || !tot.NetPnl.Equal(decimal.NewFromInt(60)) {
		t.Errorf("归档 won=%d pnl=%s, 期望 won=1 pnl=60", tot.Won, tot.NetPnl)
	}
	if stores, _ := env.svc.ScanStores("position", "alpha"); len(stores) != 0 {
		t.Errorf("终态仓位记录未清理，剩余 %d 条", len(stores))
	}
}

// 控制文档损坏时按安全默认执行：停用、不下单
func TestCorruptControlFailSafe(t *testing.T) {
	env := newTestEnv(t, testStrategy("alpha"), analyst.NewFixed(0.75))
	env.script(wireMarket("0xm1", 0.40))

	// 把控制文档写成非法结构，相当于半截写入后断电
	if err := env.svc.NewStore("control", "strategies", "doc").Save("oops"); err != nil {
		t.Fatalf("写入损坏文档失败: %v", err)
	}

	cancel, done := env.start(t)
	time.Sleep(60 * time.Millisecond)
	stopWorker(t, cancel, done)

	if n := env.mock.CallCount("ListMarkets"); n != 0 {
		t.Errorf("损坏控制状态下扫描了市场列表 %d 次", n)
	}
	if n := env.mock.CallCount("SubmitOrder"); n != 0 {
		t.Errorf("损坏控制状态下提交了 %d 笔订单", n)
	}
	if stores, _ := env.svc.ScanStores("position", "alpha"); len(stores) != 0 {
		t.Errorf("损坏控制状态下建了 %d 个仓位", len(stores))
	}
}
