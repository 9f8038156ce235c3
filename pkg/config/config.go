package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// ExchangeConfig 交易所接入配置
type ExchangeConfig struct {
	Host            string `yaml:"host" json:"host"`
	WSURL           string `yaml:"ws_url" json:"ws_url"`
	ChainID         int64  `yaml:"chain_id" json:"chain_id"`
	PrivateKey      string `yaml:"private_key" json:"private_key"` // 通常留空，由环境变量或 supervisor 注入
	Funder          string `yaml:"funder" json:"funder"`           // 资金地址（代理钱包），为空时使用签名地址
	SignatureType   int    `yaml:"signature_type" json:"signature_type"`
	NegRisk         bool   `yaml:"neg_risk" json:"neg_risk"` // 市场数据缺失 neg_risk 标记时的默认值
	OrdersPerSecond int    `yaml:"orders_per_second" json:"orders_per_second"`
}

// AnalystConfig 概率模型服务配置
type AnalystConfig struct {
	Endpoint           string   `yaml:"endpoint" json:"endpoint"` // 为空时使用固定概率（default_probability）
	Timeout            Duration `yaml:"timeout" json:"timeout"`
	DefaultProbability float64  `yaml:"default_probability" json:"default_probability"`
	CacheTTL           Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// PathsConfig 数据目录配置
type PathsConfig struct {
	Persistence string `yaml:"persistence" json:"persistence"` // 仓位与计数器持久化目录
	Control     string `yaml:"control" json:"control"`         // 控制状态存储目录
	Journal     string `yaml:"journal" json:"journal"`         // 决策流水目录（JSONL）
	ArchiveDB   string `yaml:"archive_db" json:"archive_db"`   // 已结仓位归档数据库
	Secrets     string `yaml:"secrets" json:"secrets"`         // 助记词加密存储目录
}

// StrategyConfig 单个策略的配置
type StrategyConfig struct {
	Name    string `yaml:"name" json:"name"`
	Enabled bool   `yaml:"enabled" json:"enabled"` // 首次运行时写入控制状态的初始值

	MinEdge        float64  `yaml:"min_edge" json:"min_edge"`                   // 最小优势阈值（概率差）
	MinTimeToClose Duration `yaml:"min_time_to_close" json:"min_time_to_close"` // 距截止时间不足时跳过

	BankrollFraction float64 `yaml:"bankroll_fraction" json:"bankroll_fraction"` // 单笔占可用资金比例
	MaxNotionalUSD   float64 `yaml:"max_notional_usd" json:"max_notional_usd"`   // 单笔金额上限
	MinOrderUSD      float64 `yaml:"min_order_usd" json:"min_order_usd"`         // 交易所最小下单金额
	MaxPositions     int     `yaml:"max_positions" json:"max_positions"`         // 同时持仓上限

	EdgeScaleCap      float64 `yaml:"edge_scale_cap" json:"edge_scale_cap"`           // 优势倍数对仓位的放大上限
	PriceSlippagePips int     `yaml:"price_slippage_pips" json:"price_slippage_pips"` // 限价相对市场价的滑点余量

	ScanInterval Duration `yaml:"scan_interval" json:"scan_interval"` // 市场扫描间隔
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval"` // 持仓轮询间隔
	PageCap      int      `yaml:"page_cap" json:"page_cap"`           // 每轮扫描最多翻页数

	ScanWhileDisabled bool    `yaml:"scan_while_disabled" json:"scan_while_disabled"` // 停用时是否继续扫描（只记录不下单）
	PaperBankrollUSD  float64 `yaml:"paper_bankroll_usd" json:"paper_bankroll_usd"`   // 纸交易初始资金
	AccountID         string  `yaml:"account_id" json:"account_id"`                   // 钱包派生账户编号
}

// SupervisorConfig 进程监管配置
type SupervisorConfig struct {
	BotBin       string `yaml:"bot_bin" json:"bot_bin"`
	DashboardBin string `yaml:"dashboard_bin" json:"dashboard_bin"`
	RunDashboard bool   `yaml:"run_dashboard" json:"run_dashboard"`
	LogsDir      string `yaml:"logs_dir" json:"logs_dir"`

	CheckInterval Duration `yaml:"check_interval" json:"check_interval"` // 存活检查间隔
	GracePeriod   Duration `yaml:"grace_period" json:"grace_period"`     // SIGTERM 后的宽限期

	Restart          bool     `yaml:"restart" json:"restart"`
	MaxRestarts      int      `yaml:"max_restarts" json:"max_restarts"`             // 窗口内最大重启次数
	RestartWindow    Duration `yaml:"restart_window" json:"restart_window"`         // 崩溃循环判定窗口
	RestartBaseDelay Duration `yaml:"restart_base_delay" json:"restart_base_delay"` // 重启退避基数
	RestartMaxDelay  Duration `yaml:"restart_max_delay" json:"restart_max_delay"`   // 重启退避上限

	APIAddr   string `yaml:"api_addr" json:"api_addr"`     // 管理 API 监听地址
	HistoryDB string `yaml:"history_db" json:"history_db"` // 重启历史数据库
}

// Config 应用配置
type Config struct {
	Log        LogConfig        `yaml:"log" json:"log"`
	Exchange   ExchangeConfig   `yaml:"exchange" json:"exchange"`
	Analyst    AnalystConfig    `yaml:"analyst" json:"analyst"`
	Paths      PathsConfig      `yaml:"paths" json:"paths"`
	Strategies []StrategyConfig `yaml:"strategies" json:"strategies"`
	Supervisor SupervisorConfig `yaml:"supervisor" json:"supervisor"`
}

var globalConfig *Config
var configFilePath string

// SetConfigPath 设置配置文件路径
func SetConfigPath(path string) {
	configFilePath = path
}

// GetConfigPath 获取配置文件路径
func GetConfigPath() string {
	return configFilePath
}

// Default 返回带默认值的配置。加载时先填默认值再解析文件，
// 文件里省略的字段保持默认。
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			File:       "logs/edgebot.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Exchange: ExchangeConfig{
			Host:            "https://clob.polymarket.com",
			WSURL:           "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			ChainID:         137,
			OrdersPerSecond: 2,
		},
		Analyst: AnalystConfig{
			DefaultProbability: 0.5,
			Timeout:            Duration{20 * time.Second},
			CacheTTL:           Duration{10 * time.Minute},
		},
		Paths: PathsConfig{
			Persistence: "data/persistence",
			Control:     "data/control",
			Journal:     "data/journal",
			ArchiveDB:   "data/archive.db",
			Secrets:     "data/secrets",
		},
		Supervisor: SupervisorConfig{
			BotBin:           "./bot",
			DashboardBin:     "./dashboard",
			LogsDir:          "logs",
			CheckInterval:    Duration{5 * time.Second},
			GracePeriod:      Duration{20 * time.Second},
			Restart:          true,
			MaxRestarts:      3,
			RestartWindow:    Duration{60 * time.Second},
			RestartBaseDelay: Duration{2 * time.Second},
			RestartMaxDelay:  Duration{60 * time.Second},
			APIAddr:          "127.0.0.1:8787",
			HistoryDB:        "data/supervisor.db",
		},
	}
}

// Load 加载配置
func Load() (*Config, error) {
	return LoadFromFile(configFilePath)
}

// LoadFromFile 从指定文件加载配置
func LoadFromFile(filePath string) (*Config, error) {
	if globalConfig != nil && configFilePath == filePath {
		return globalConfig, nil
	}

	config := Default()
	if filePath != "" {
		if err := parseConfigFile(filePath, config); err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}

	applyEnvOverrides(config)
	applyStrategyDefaults(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	globalConfig = config
	configFilePath = filePath
	return config, nil
}

// Get 返回已加载的全局配置，未加载时返回 nil
func Get() *Config {
	return globalConfig
}

// Reset 清空全局配置（测试用）
func Reset() {
	globalConfig = nil
	configFilePath = ""
}

// parseConfigFile 解析配置文件（支持 YAML 和 JSON）
func parseConfigFile(filePath string, into *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, into); err != nil {
			return fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, into); err != nil {
			return fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
	return nil
}

// applyEnvOverrides 环境变量覆盖（密钥类配置优先从环境变量读取）
func applyEnvOverrides(c *Config) {
	if v := getEnv("EDGEBOT_PRIVATE_KEY", ""); v != "" {
		c.Exchange.PrivateKey = v
	}
	if v := getEnv("EDGEBOT_FUNDER", ""); v != "" {
		c.Exchange.Funder = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.Log.Level = v
	}
	if v := parseIntEnv("EDGEBOT_ORDERS_PER_SECOND", 0); v > 0 {
		c.Exchange.OrdersPerSecond = v
	}
}

// applyStrategyDefaults 给策略列表里省略的字段填默认值。
// 策略是列表项，没法走“先填默认再解析”的路子，只能逐项补。
func applyStrategyDefaults(c *Config) {
	for i := range c.Strategies {
		s := &c.Strategies[i]
		if s.MinEdge == 0 {
			s.MinEdge = 0.05
		}
		if s.MinTimeToClose.Duration == 0 {
			s.MinTimeToClose = Duration{10 * time.Minute}
		}
		if s.BankrollFraction == 0 {
			s.BankrollFraction = 0.02
		}
		if s.MaxNotionalUSD == 0 {
			s.MaxNotionalUSD = 100
		}
		if s.MinOrderUSD == 0 {
			s.MinOrderUSD = 1
		}
		if s.MaxPositions == 0 {
			s.MaxPositions = 4
		}
		if s.EdgeScaleCap == 0 {
			s.EdgeScaleCap = 3
		}
		if s.PriceSlippagePips == 0 {
			s.PriceSlippagePips = 200
		}
		if s.ScanInterval.Duration == 0 {
			s.ScanInterval = Duration{time.Minute}
		}
		if s.PollInterval.Duration == 0 {
			s.PollInterval = Duration{30 * time.Second}
		}
		if s.PageCap == 0 {
			s.PageCap = 5
		}
		if s.PaperBankrollUSD == 0 {
			s.PaperBankrollUSD = 1000
		}
	}
}

// Strategy 按名称查找策略配置
func (c *Config) Strategy(name string) (StrategyConfig, bool) {
	for _, s := range c.Strategies {
		if s.Name == name {
			return s, true
		}
	}
	return StrategyConfig{}, false
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Exchange.Host == "" {
		return fmt.Errorf("exchange.host 不能为空")
	}
	if c.Exchange.ChainID <= 0 {
		return fmt.Errorf("exchange.chain_id 必须大于 0")
	}
	if c.Analyst.DefaultProbability < 0 || c.Analyst.DefaultProbability > 1 {
		return fmt.Errorf("analyst.default_probability 必须在 [0,1] 内")
	}

	seen := make(map[string]bool)
	for i, s := range c.Strategies {
		if s.Name == "" {
			return fmt.Errorf("strategies[%d].name 不能为空", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("策略名称重复: %s", s.Name)
		}
		seen[s.Name] = true

		if s.MinEdge < 0 || s.MinEdge >= 1 {
			return fmt.Errorf("策略 %s: min_edge 必须在 [0,1) 内", s.Name)
		}
		if s.BankrollFraction <= 0 || s.BankrollFraction > 1 {
			return fmt.Errorf("策略 %s: bankroll_fraction 必须在 (0,1] 内", s.Name)
		}
		if s.MaxNotionalUSD <= 0 {
			return fmt.Errorf("策略 %s: max_notional_usd 必须大于 0", s.Name)
		}
		if s.MinOrderUSD <= 0 || s.MinOrderUSD > s.MaxNotionalUSD {
			return fmt.Errorf("策略 %s: min_order_usd 必须在 (0, max_notional_usd] 内", s.Name)
		}
		if s.EdgeScaleCap < 1 {
			return fmt.Errorf("策略 %s: edge_scale_cap 不能小于 1", s.Name)
		}
		if s.PriceSlippagePips < 0 {
			return fmt.Errorf("策略 %s: price_slippage_pips 不能为负", s.Name)
		}
		if s.MaxPositions <= 0 {
			return fmt.Errorf("策略 %s: max_positions 必须大于 0", s.Name)
		}
	}

	if c.Supervisor.MaxRestarts < 0 {
		return fmt.Errorf("supervisor.max_restarts 不能为负")
	}
	if c.Supervisor.GracePeriod.Duration < 0 {
		return fmt.Errorf("supervisor.grace_period 不能为负")
	}
	return nil
}

// getEnv 获取环境变量，不存在时返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
