package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/edgebot/internal/controlstate"
	"github.com/betbot/edgebot/pkg/config"
)

var log = logrus.WithField("component", "supervisor")

// Worker states reported by the API.
const (
	StateRunning = "RUNNING"
	StateStopped = "STOPPED"
	StateFailed  = "FAILED"
)

// dashboardSlot is the reserved worker name for the TUI process.
const dashboardSlot = "dashboard"

// ErrUnknownWorker is returned for names outside the configured set.
var ErrUnknownWorker = errors.New("unknown worker")

// ErrForcedKill reports that at least one child survived the grace period
// and had to be SIGKILLed. The supervisor exits non-zero on it.
var ErrForcedKill = errors.New("some workers had to be killed")

// Deps are the supervisor's collaborators.
type Deps struct {
	Control     *controlstate.Store
	History     *History
	Credentials CredentialSource // nil when every strategy runs off the base key
}

// WorkerStatus is the API view of one worker slot.
type WorkerStatus struct {
	Name     string `json:"name"`
	PID      int    `json:"pid,omitempty"`
	State    string `json:"state"`
	Restarts int    `json:"restarts"`
	Uptime   string `json:"uptime,omitempty"`
}

// worker is one supervised child slot. All fields are guarded by the
// supervisor mutex.
type worker struct {
	name     string
	strategy *config.StrategyConfig // nil for the dashboard slot
	policy   *restartPolicy

	pid       int
	gen       int // spawn counter; exit callbacks from older spawns are ignored
	state     string
	desired   bool // operator (or startup) wants this slot running
	startedAt time.Time
	notBefore time.Time // respawn backoff gate
}

// Supervisor runs one OS process per configured strategy plus the optional
// dashboard, each in its own process group so one crashing strategy cannot
// take the others down.
type Supervisor struct {
	cfg  *config.Config
	sup  config.SupervisorConfig
	deps Deps

	mu      sync.Mutex
	workers map[string]*worker
	order   []string
}

// New builds a supervisor over every configured strategy plus the dashboard
// slot when enabled. Nothing is spawned until Run.
func New(cfg *config.Config, deps Deps) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		sup:     cfg.Supervisor,
		deps:    deps,
		workers: make(map[string]*worker),
	}
	for i := range cfg.Strategies {
		st := &cfg.Strategies[i]
		s.addSlot(&worker{name: st.Name, strategy: st, policy: newRestartPolicy(cfg.Supervisor), state: StateStopped})
	}
	if cfg.Supervisor.RunDashboard {
		s.addSlot(&worker{name: dashboardSlot, policy: newRestartPolicy(cfg.Supervisor), state: StateStopped})
	}
	return s
}

func (s *Supervisor) addSlot(w *worker) {
	if _, ok := s.workers[w.name]; ok {
		log.Warnf("worker 名称重复，忽略: %s", w.name)
		return
	}
	s.workers[w.name] = w
	s.order = append(s.order, w.name)
}

// Run seeds control state, spawns every slot and supervises until ctx is
// canceled, then stops all children. Returns ErrForcedKill if any child
// outlived the grace period.
func (s *Supervisor) Run(ctx context.Context) error {
	s.seedControl()
	s.spawnAll()

	interval := s.sup.CheckInterval.Or(5 * time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("🔄 收到停止信号，关闭所有 worker...")
			err := s.StopAll()
			if err == nil {
				log.Info("✅ 所有 worker 已退出")
			}
			return err
		case <-ticker.C:
			s.tick()
		}
	}
}

// seedControl writes the config-declared enabled flag for strategies that
// have no control entry yet. Existing entries are operator state and stay
// untouched.
func (s *Supervisor) seedControl() {
	if s.deps.Control == nil {
		return
	}
	for _, st := range s.cfg.Strategies {
		err := s.deps.Control.Seed(st.Name, controlstate.StrategyControl{
			Enabled: st.Enabled,
			Mode:    controlstate.ModeDryRun,
		})
		if err != nil {
			log.WithError(err).Warnf("写入 %s 控制状态初始值失败", st.Name)
		}
	}
}

func (s *Supervisor) spawnAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range s.order {
		w := s.workers[name]
		if err := s.startLocked(w); err != nil {
			log.WithError(err).Errorf("启动 worker %s 失败", name)
			w.state = StateFailed
			w.desired = false
		}
	}
}

// tick is the liveness pass: notice dead RUNNING workers early and respawn
// slots whose backoff has elapsed.
func (s *Supervisor) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, name := range s.order {
		w := s.workers[name]
		switch {
		case w.state == StateRunning:
			if w.pid != 0 && !processAlive(w.pid) {
				// Wait 回调随后会补记退出码，这里只负责尽早告警
				log.Warnf("worker %s 进程消失（pid=%d）", name, w.pid)
			}
		case w.desired && w.state == StateStopped:
			if now.Before(w.notBefore) {
				continue
			}
			if err := s.startLocked(w); err != nil {
				log.WithError(err).Errorf("重启 worker %s 失败", name)
				w.state = StateFailed
				w.desired = false
			}
		}
	}
}

// startLocked spawns the slot's process. Caller holds the mutex.
func (s *Supervisor) startLocked(w *worker) error {
	if w.pid != 0 && processAlive(w.pid) {
		return nil // 已在跑则直接返回
	}

	var (
		bin      string
		args     []string
		yamlText string
	)
	if w.strategy != nil {
		creds := Credentials{}
		if w.strategy.AccountID != "" {
			if s.deps.Credentials == nil {
				return fmt.Errorf("strategy %s: account_id set but no wallet source", w.name)
			}
			var err error
			creds, err = s.deps.Credentials(*w.strategy)
			if err != nil {
				return err
			}
		}
		rendered, err := renderRuntimeConfig(s.cfg, *w.strategy, creds)
		if err != nil {
			return fmt.Errorf("render config for %s: %w", w.name, err)
		}
		bin = s.sup.BotBin
		args = []string{"--strategy", w.name}
		yamlText = rendered
	} else {
		bin = s.sup.DashboardBin
		args = []string{"--api", "http://" + s.sup.APIAddr}
	}

	cmd, cleanup, err := spawn(spawnSpec{
		bin:     bin,
		args:    args,
		logPath: filepath.Join(s.sup.LogsDir, w.name+".log"),
		cfgYAML: yamlText,
		name:    "edgebot-" + w.name,
	})
	if err != nil {
		return err
	}
	pid := cmd.Process.Pid

	var runID int64
	if s.deps.History != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if id, err := s.deps.History.RecordStart(ctx, w.name, pid, w.gen); err != nil {
			log.WithError(err).Warn("记录启动历史失败")
		} else {
			runID = id
		}
		cancel()
	}

	w.pid = pid
	w.gen++
	w.state = StateRunning
	w.desired = true
	w.startedAt = time.Now()
	w.notBefore = time.Time{}
	gen := w.gen

	// 记录退出信息（Wait 只在子进程退出时返回，不影响运行）
	go func() {
		waitErr := cmd.Wait()
		cleanup()

		exitCode := 0
		exitMsg := ""
		if waitErr != nil {
			exitMsg = waitErr.Error()
			var ee *exec.ExitError
			if errors.As(waitErr, &ee) {
				exitCode = ee.ExitCode()
			} else {
				exitCode = 1
			}
		}
		s.onExit(w, gen, runID, exitCode, exitMsg)
	}()

	log.Infof("🚀 worker %s 已启动（pid=%d）", w.name, pid)
	return nil
}

// onExit is the Wait-goroutine callback: record history, then decide what
// the death means for the slot.
func (s *Supervisor) onExit(w *worker, gen int, runID int64, exitCode int, exitMsg string) {
	if s.deps.History != nil && runID != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.deps.History.RecordExit(ctx, runID, exitCode, exitMsg); err != nil {
			log.WithError(err).Warn("记录退出历史失败")
		}
		cancel()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != w.gen {
		return // a newer spawn owns this slot
	}
	w.pid = 0
	switch {
	case !w.desired:
		w.state = StateStopped
	case exitCode == 0:
		// 正常退出视为有意为之，不重启
		w.state = StateStopped
		w.desired = false
		log.Infof("worker %s 正常退出", w.name)
	case !s.sup.Restart:
		w.state = StateStopped
		w.desired = false
		log.Warnf("worker %s 异常退出（code=%d），按配置不重启", w.name, exitCode)
	default:
		delay, ok := w.policy.allow()
		if !ok {
			w.state = StateFailed
			w.desired = false
			log.Errorf("❌ worker %s 频繁崩溃（超过 %d 次 / %s），停止重启",
				w.name, s.sup.MaxRestarts, s.sup.RestartWindow.Or(60*time.Second))
			return
		}
		w.state = StateStopped
		w.notBefore = time.Now().Add(delay)
		log.Warnf("worker %s 异常退出（code=%d），%s 后重启", w.name, exitCode, delay)
	}
}

// StartWorker (re)spawns one slot by name. A FAILED slot gets a fresh
// crash-loop budget: an explicit start means the operator believes the
// cause is fixed.
func (s *Supervisor) StartWorker(name string) (WorkerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	if !ok {
		return WorkerStatus{}, ErrUnknownWorker
	}
	w.policy.reset()
	w.notBefore = time.Time{}
	if w.state == StateFailed {
		w.state = StateStopped
	}
	if err := s.startLocked(w); err != nil {
		return WorkerStatus{}, err
	}
	return statusLocked(w), nil
}

// StopWorker stops one slot and keeps it stopped until started again.
func (s *Supervisor) StopWorker(name string) (WorkerStatus, error) {
	s.mu.Lock()
	w, ok := s.workers[name]
	if !ok {
		s.mu.Unlock()
		return WorkerStatus{}, ErrUnknownWorker
	}
	w.desired = false
	pid := w.pid
	s.mu.Unlock()

	if pid != 0 && processAlive(pid) {
		if err := stopProcessGroup(pid, s.sup.GracePeriod.Or(20*time.Second)); err != nil {
			log.Warnf("worker %s 未在宽限期内退出，已强制终止", name)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w.pid == pid {
		w.pid = 0
		w.state = StateStopped
	}
	return statusLocked(w), nil
}

// StopAll terminates every live child process group in parallel and waits
// out the grace period. Returns ErrForcedKill if any child had to be
// SIGKILLed.
func (s *Supervisor) StopAll() error {
	type target struct {
		name string
		pid  int
	}
	s.mu.Lock()
	var targets []target
	for _, name := range s.order {
		w := s.workers[name]
		w.desired = false
		if w.pid != 0 && processAlive(w.pid) {
			targets = append(targets, target{name: w.name, pid: w.pid})
		}
	}
	s.mu.Unlock()

	grace := s.sup.GracePeriod.Or(20 * time.Second)
	var (
		wg       sync.WaitGroup
		forcedMu sync.Mutex
		forced   bool
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			if err := stopProcessGroup(t.pid, grace); err != nil {
				forcedMu.Lock()
				forced = true
				forcedMu.Unlock()
				log.Warnf("worker %s 未在宽限期内退出，已强制终止", t.name)
			}
		}(t)
	}
	wg.Wait()

	if forced {
		return ErrForcedKill
	}
	return nil
}

// Statuses reports every slot in configuration order.
func (s *Supervisor) Statuses() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerStatus, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, statusLocked(s.workers[name]))
	}
	return out
}

func statusLocked(w *worker) WorkerStatus {
	st := WorkerStatus{Name: w.name, State: w.state}
	if w.gen > 0 {
		st.Restarts = w.gen - 1
	}
	if w.state == StateRunning && w.pid != 0 {
		st.PID = w.pid
		st.Uptime = time.Since(w.startedAt).Truncate(time.Second).String()
	}
	return st
}
