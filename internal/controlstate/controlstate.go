package controlstate

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/edgebot/pkg/persistence"
)

var log = logrus.WithField("component", "controlstate")

// Mode 策略运行模式
type Mode string

const (
	// ModeLive 真实下单
	ModeLive Mode = "LIVE"
	// ModeDryRun 纸交易：所有状态转换照常，网络变更被模拟
	ModeDryRun Mode = "DRY_RUN"
)

// StrategyControl 单个策略的控制开关。
// 零值即安全默认：停用、纸交易。
type StrategyControl struct {
	Enabled   bool      `json:"enabled"`
	Mode      Mode      `json:"mode"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Document 控制状态全文档：策略名 -> 控制开关
type Document map[string]StrategyControl

// CorruptError 控制状态文档不可读。
// 调用方照常拿到安全默认值，错误只用于告警。
type CorruptError struct {
	Err error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("control state corrupt: %v", e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

// Store 控制状态存储。
// 读取端（worker、supervisor）高频轮询；写入端是运维工具（botctl、
// 管理 API），约定单写者，不加跨进程锁。
type Store struct {
	store persistence.Store

	mu          sync.Mutex
	lastCorrupt string // 上次报告过的损坏信息，避免重复告警
}

// NewStore 创建控制状态存储
func NewStore(svc persistence.Service) *Store {
	return &Store{
		store: svc.NewStore("control", "strategies", "doc"),
	}
}

// load 读取全文档。缺失等价于空文档；其他错误一律视为损坏。
func (s *Store) load() (Document, error) {
	doc := Document{}
	err := s.store.Load(&doc)
	if err == persistence.ErrNotExists {
		return Document{}, nil
	}
	if err != nil {
		return Document{}, &CorruptError{Err: err}
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// Get 读取某策略的控制开关。
// 缺失键或文档损坏都返回安全默认值（停用、DRY_RUN）。
// 损坏错误对同一份损坏只报告一次，内容变化后再次报告。
func (s *Store) Get(strategy string) (StrategyControl, error) {
	doc, err := s.load()
	if err != nil {
		s.mu.Lock()
		repeat := s.lastCorrupt == err.Error()
		s.lastCorrupt = err.Error()
		s.mu.Unlock()
		if repeat {
			return normalize(StrategyControl{}), nil
		}
		return normalize(StrategyControl{}), err
	}

	s.mu.Lock()
	s.lastCorrupt = ""
	s.mu.Unlock()

	return normalize(doc[strategy]), nil
}

// Set 修改某策略的控制开关（整文档读改写）。
// 写之前重新读取全文档，尽量缩短丢失并发写入的窗口。
// 文档损坏时从空文档重建，这是唯一的恢复路径。
func (s *Store) Set(strategy string, mutate func(*StrategyControl)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		log.Warnf("⚠️ 控制状态文档损坏，从空文档重建: %v", err)
		doc = Document{}
	}

	ctl := normalize(doc[strategy])
	mutate(&ctl)
	ctl.UpdatedAt = time.Now().UTC()
	doc[strategy] = ctl

	return s.store.Save(doc)
}

// SetEnabled 设置启用开关
func (s *Store) SetEnabled(strategy string, enabled bool) error {
	return s.Set(strategy, func(ctl *StrategyControl) {
		ctl.Enabled = enabled
	})
}

// SetMode 设置运行模式
func (s *Store) SetMode(strategy string, mode Mode) error {
	if mode != ModeLive && mode != ModeDryRun {
		return fmt.Errorf("未知的运行模式: %s", mode)
	}
	return s.Set(strategy, func(ctl *StrategyControl) {
		ctl.Mode = mode
	})
}

// Seed 写入初始控制状态，只在键不存在时生效。
// 首次部署时从配置里的 enabled 播种。
func (s *Store) Seed(strategy string, initial StrategyControl) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if _, exists := doc[strategy]; exists {
		return nil
	}

	ctl := normalize(initial)
	ctl.UpdatedAt = time.Now().UTC()
	doc[strategy] = ctl
	return s.store.Save(doc)
}

// Snapshot 返回全文档（面板、CLI 用）
func (s *Store) Snapshot() (Document, error) {
	doc, err := s.load()
	if err != nil {
		return Document{}, err
	}
	out := make(Document, len(doc))
	for name, ctl := range doc {
		out[name] = normalize(ctl)
	}
	return out, nil
}

// normalize 补齐零值：空模式一律按 DRY_RUN 处理
func normalize(ctl StrategyControl) StrategyControl {
	if ctl.Mode == "" {
		ctl.Mode = ModeDryRun
	}
	return ctl
}
