package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/edgebot/internal/analyst"
	"github.com/betbot/edgebot/internal/archive"
	"github.com/betbot/edgebot/internal/controlstate"
	"github.com/betbot/edgebot/internal/engine"
	"github.com/betbot/edgebot/internal/journal"
	"github.com/betbot/edgebot/internal/worker"
	"github.com/betbot/edgebot/pkg/config"
	"github.com/betbot/edgebot/pkg/exchange"
	"github.com/betbot/edgebot/pkg/logger"
	"github.com/betbot/edgebot/pkg/persistence"
	"github.com/betbot/edgebot/pkg/shutdown"
)

func firstExistingFile(paths ...string) (string, bool) {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	strategyName := flag.String("strategy", "", "要运行的策略名（配置 strategies 中需有同名条目）")
	flag.Parse()

	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	// .env 便于本地直跑；supervisor 拉起时环境已就绪，文件缺失不是错误
	_ = godotenv.Load()

	if *configPath != "" {
		config.SetConfigPath(*configPath)
		logrus.Infof("使用配置文件: %s", *configPath)
	} else if p, ok := firstExistingFile("edgebot.yaml", "edgebot.yml", "config.yaml"); ok {
		config.SetConfigPath(p)
		logrus.Infof("使用默认配置文件: %s", p)
	} else {
		logrus.Warn("未指定配置文件，将使用环境变量和默认值")
	}

	cfg, err := config.LoadFromFile(config.GetConfigPath())
	if err != nil {
		logrus.Errorf("加载配置失败: %v", err)
		os.Exit(1)
	}

	strat, ok := cfg.Strategy(strings.TrimSpace(*strategyName))
	if !ok {
		names := make([]string, 0, len(cfg.Strategies))
		for _, st := range cfg.Strategies {
			names = append(names, st.Name)
		}
		logrus.Errorf("未找到策略 %q（可选：%s）", *strategyName, strings.Join(names, ", "))
		os.Exit(1)
	}

	// 用配置重新初始化日志（文件输出 + 轮转）
	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		logrus.Errorf("重新初始化日志失败: %v", err)
		os.Exit(1)
	}

	logrus.Infof("🚀 启动策略进程: %s", strat.Name)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// 交易所客户端。凭证在启动期一次性推导，失败直接退出，
	// 交给 supervisor 按重启策略处理。
	live, err := exchange.NewRestClient(exchange.Config{
		Host:            cfg.Exchange.Host,
		ChainID:         cfg.Exchange.ChainID,
		PrivateKey:      cfg.Exchange.PrivateKey,
		Funder:          cfg.Exchange.Funder,
		SignatureType:   cfg.Exchange.SignatureType,
		OrdersPerSecond: cfg.Exchange.OrdersPerSecond,
	})
	if err != nil {
		logrus.Errorf("创建交易所客户端失败: %v", err)
		os.Exit(1)
	}

	logrus.Info("推导 API 凭证...")
	if err := live.EnsureAPICreds(rootCtx); err != nil {
		logrus.Errorf("推导 API 凭证失败: %v", err)
		os.Exit(1)
	}
	logrus.Infof("签名地址: %s", live.Address())

	// 纸交易客户端：读操作透传 live，变更只记账
	dry := exchange.NewDryRun(live, strat.PaperBankrollUSD)

	// 概率来源：配了远端服务走远端，否则用固定概率；都包一层 TTL 缓存
	var est analyst.Analyst
	if strings.TrimSpace(cfg.Analyst.Endpoint) != "" {
		est = analyst.NewRemote(cfg.Analyst.Endpoint, cfg.Analyst.Timeout.Or(10*time.Second))
		logrus.Infof("概率来源: %s", cfg.Analyst.Endpoint)
	} else {
		est = analyst.NewFixed(cfg.Analyst.DefaultProbability)
		logrus.Warnf("未配置 analyst endpoint，使用固定概率 %.2f", cfg.Analyst.DefaultProbability)
	}
	est = analyst.NewCached(est, cfg.Analyst.CacheTTL.Or(5*time.Minute))

	store := persistence.NewJSONFileService(cfg.Paths.Persistence)
	control := controlstate.NewStore(persistence.NewJSONFileService(cfg.Paths.Control))
	// 首次运行写入初始控制状态；已有条目是运维手动改过的，不覆盖
	if err := control.Seed(strat.Name, controlstate.StrategyControl{
		Enabled: strat.Enabled,
		Mode:    controlstate.ModeDryRun,
	}); err != nil {
		logrus.Warnf("⚠️ 写入初始控制状态失败: %v", err)
	}

	jn := journal.New(cfg.Paths.Journal, strat.Name)
	arch, err := archive.Open(cfg.Paths.ArchiveDB)
	if err != nil {
		logrus.Errorf("打开归档数据库失败: %v", err)
		os.Exit(1)
	}

	w := worker.New(strat, engine.Config{PollInterval: strat.PollInterval.Duration}, worker.Deps{
		Live:    live,
		Dry:     dry,
		Analyst: est,
		Control: control,
		Store:   store,
		Journal: jn,
		Archive: arch,
	})

	// 收尾回调：worker 停止后统一执行
	shut := shutdown.NewManager()
	shut.OnShutdown(func(ctx context.Context, _ *sync.WaitGroup) {
		if err := jn.Close(); err != nil {
			logrus.Warnf("关闭台账失败: %v", err)
		}
	})
	shut.OnShutdown(func(ctx context.Context, _ *sync.WaitGroup) {
		if err := arch.Close(); err != nil {
			logrus.Warnf("关闭归档数据库失败: %v", err)
		}
	})

	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(rootCtx) }()

	logrus.Info("✅ 策略进程已启动，按 Ctrl+C 停止")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logrus.Infof("收到信号 %s，正在关闭...", sig)
		rootCancel()
		if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
			logrus.Errorf("策略循环带错退出: %v", err)
			exitCode = 1
		}
	case err := <-runErr:
		// 循环自行退出：正常情况不会发生，按故障处理
		rootCancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			logrus.Errorf("策略循环异常退出: %v", err)
			exitCode = 1
		}
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	shut.Shutdown(shutCtx)

	logrus.Info("✅ 策略进程已停止")
	os.Exit(exitCode)
}
