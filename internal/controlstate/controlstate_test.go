package controlstate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/betbot/edgebot/pkg/persistence"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	return NewStore(persistence.NewJSONFileService(dir)), dir
}

// docPath 控制状态文档在磁盘上的位置（测试注入损坏内容用）
func docPath(dir string) string {
	return filepath.Join(dir, "control_strategies_doc.json")
}

// TestGetMissingKey 缺失键返回安全默认值
func TestGetMissingKey(t *testing.T) {
	store, _ := newTestStore(t)

	ctl, err := store.Get("alpha")
	if err != nil {
		t.Fatalf("缺失键不应该报错: %v", err)
	}
	if ctl.Enabled {
		t.Error("缺失键应该默认停用")
	}
	if ctl.Mode != ModeDryRun {
		t.Errorf("缺失键应该默认 DRY_RUN，实际为 %s", ctl.Mode)
	}
}

// TestSetGetRoundTrip 读改写往返
func TestSetGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.SetEnabled("alpha", true); err != nil {
		t.Fatalf("SetEnabled 失败: %v", err)
	}
	if err := store.SetMode("alpha", ModeLive); err != nil {
		t.Fatalf("SetMode 失败: %v", err)
	}

	ctl, err := store.Get("alpha")
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if !ctl.Enabled || ctl.Mode != ModeLive {
		t.Errorf("期望 enabled/LIVE，实际为 %+v", ctl)
	}
	if ctl.UpdatedAt.IsZero() {
		t.Error("UpdatedAt 应该被写入")
	}
}

// TestSetPreservesOthers 修改一个策略不影响其他策略
func TestSetPreservesOthers(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.SetEnabled("alpha", true); err != nil {
		t.Fatalf("SetEnabled 失败: %v", err)
	}
	if err := store.SetEnabled("beta", true); err != nil {
		t.Fatalf("SetEnabled 失败: %v", err)
	}
	if err := store.SetEnabled("alpha", false); err != nil {
		t.Fatalf("SetEnabled 失败: %v", err)
	}

	beta, err := store.Get("beta")
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if !beta.Enabled {
		t.Error("修改 alpha 不应该影响 beta")
	}
}

// TestSetModeRejectsUnknown 未知模式被拒绝
func TestSetModeRejectsUnknown(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.SetMode("alpha", Mode("YOLO")); err == nil {
		t.Error("未知模式应该报错")
	}
}

// TestCorruptDocument 文档损坏时安全降级
func TestCorruptDocument(t *testing.T) {
	store, dir := newTestStore(t)

	if err := store.SetEnabled("alpha", true); err != nil {
		t.Fatalf("SetEnabled 失败: %v", err)
	}
	if err := os.WriteFile(docPath(dir), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("注入损坏内容失败: %v", err)
	}

	ctl, err := store.Get("alpha")
	var corrupt *CorruptError
	if !errors.As(err, &corrupt) {
		t.Errorf("第一次读取应该报告 CorruptError，实际为 %v", err)
	}
	if ctl.Enabled {
		t.Error("文档损坏时应该停用")
	}
	if ctl.Mode != ModeDryRun {
		t.Errorf("文档损坏时应该降级为 DRY_RUN，实际为 %s", ctl.Mode)
	}

	// 同一份损坏只报告一次
	ctl, err = store.Get("alpha")
	if err != nil {
		t.Errorf("重复读取同一份损坏不应该再报错: %v", err)
	}
	if ctl.Enabled {
		t.Error("重复读取仍然应该停用")
	}
}

// TestCorruptRecoveryViaSet 损坏后通过 Set 重建
func TestCorruptRecoveryViaSet(t *testing.T) {
	store, dir := newTestStore(t)

	if err := os.WriteFile(docPath(dir), []byte("garbage"), 0o644); err != nil {
		t.Fatalf("注入损坏内容失败: %v", err)
	}

	if err := store.SetEnabled("alpha", true); err != nil {
		t.Fatalf("损坏后的 Set 应该重建文档: %v", err)
	}

	ctl, err := store.Get("alpha")
	if err != nil {
		t.Fatalf("重建后读取失败: %v", err)
	}
	if !ctl.Enabled {
		t.Error("重建后的值应该可读")
	}
}

// TestSeed 播种只在键不存在时生效
func TestSeed(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.Seed("alpha", StrategyControl{Enabled: true, Mode: ModeLive}); err != nil {
		t.Fatalf("Seed 失败: %v", err)
	}
	if err := store.SetEnabled("alpha", false); err != nil {
		t.Fatalf("SetEnabled 失败: %v", err)
	}

	// 第二次播种不应该覆盖运维改过的值
	if err := store.Seed("alpha", StrategyControl{Enabled: true, Mode: ModeLive}); err != nil {
		t.Fatalf("Seed 失败: %v", err)
	}

	ctl, _ := store.Get("alpha")
	if ctl.Enabled {
		t.Error("重复播种不应该覆盖现有值")
	}
}

// TestSnapshot 全文档快照
func TestSnapshot(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.SetEnabled("alpha", true); err != nil {
		t.Fatalf("SetEnabled 失败: %v", err)
	}
	if err := store.SetMode("beta", ModeLive); err != nil {
		t.Fatalf("SetMode 失败: %v", err)
	}

	doc, err := store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot 失败: %v", err)
	}
	if len(doc) != 2 {
		t.Fatalf("快照应该有 2 个策略，实际为 %d", len(doc))
	}
	if !doc["alpha"].Enabled {
		t.Error("快照里 alpha 应该启用")
	}
	if doc["beta"].Mode != ModeLive {
		t.Error("快照里 beta 应该是 LIVE")
	}
}
