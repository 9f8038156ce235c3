package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/edgebot/internal/controlstate"
	"github.com/betbot/edgebot/internal/supervisor"
	"github.com/betbot/edgebot/pkg/config"
	"github.com/betbot/edgebot/pkg/logger"
	"github.com/betbot/edgebot/pkg/persistence"
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

// needsWallet 判断是否有策略需要按 account_id 派生钱包
func needsWallet(cfg *config.Config) bool {
	for _, st := range cfg.Strategies {
		if strings.TrimSpace(st.AccountID) != "" {
			return true
		}
	}
	return false
}

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	flag.Parse()

	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	// .env 里通常放 EDGEBOT_MASTER_KEY；缺文件不是错误
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
	if len(cfg.Strategies) == 0 {
		logrus.Error("配置里没有任何策略，supervisor 无事可做")
		os.Exit(1)
	}

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

	logrus.Infof("🚀 启动 supervisor: %d 个策略, dashboard=%v", len(cfg.Strategies), cfg.Supervisor.RunDashboard)

	control := controlstate.NewStore(persistence.NewJSONFileService(cfg.Paths.Control))

	hist, err := supervisor.OpenHistory(cfg.Supervisor.HistoryDB)
	if err != nil {
		logrus.Errorf("打开运行历史数据库失败: %v", err)
		os.Exit(1)
	}
	defer hist.Close()

	// 助记词只在有策略声明 account_id 时才去解锁
	var creds supervisor.CredentialSource
	if needsWallet(cfg) {
		creds, err = supervisor.WalletCredentials(cfg.Paths.Secrets)
		if err != nil {
			logrus.Errorf("加载钱包助记词失败: %v", err)
			os.Exit(1)
		}
		logrus.Info("钱包助记词已解锁，按 account_id 派生各策略私钥")
	} else {
		logrus.Info("无策略配置 account_id，worker 使用基础配置里的私钥")
	}

	s := supervisor.New(cfg, supervisor.Deps{
		Control:     control,
		History:     hist,
		Credentials: creds,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Supervisor.APIAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logrus.Infof("管理 API 监听 %s", cfg.Supervisor.APIAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("管理 API 异常退出: %v", err)
		}
	}()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(rootCtx) }()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-stopCh
	logrus.Infof("收到信号 %s，正在关闭...", sig)

	rootCancel()
	err = <-runErr

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	_ = httpSrv.Shutdown(shutCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		// 宽限期内没停下来的 worker 被强杀过，用非零码退出
		logrus.Errorf("关闭未完全干净: %v", err)
		os.Exit(1)
	}
	logrus.Info("✅ supervisor 已停止")
}
