package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/edgebot/internal/controlstate"
	"github.com/betbot/edgebot/pkg/config"
	"github.com/betbot/edgebot/pkg/persistence"
)

// writeStub writes an executable shell script standing in for the bot binary.
func writeStub(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func procConfig(t *testing.T, botBin string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Strategies = []config.StrategyConfig{validStrategy("alpha")}
	cfg.Supervisor.BotBin = botBin
	cfg.Supervisor.LogsDir = filepath.Join(t.TempDir(), "logs")
	cfg.Supervisor.CheckInterval = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Supervisor.GracePeriod = config.Duration{Duration: 3 * time.Second}
	cfg.Supervisor.Restart = true
	cfg.Supervisor.MaxRestarts = 2
	cfg.Supervisor.RestartWindow = config.Duration{Duration: 10 * time.Second}
	cfg.Supervisor.RestartBaseDelay = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Supervisor.RestartMaxDelay = config.Duration{Duration: 50 * time.Millisecond}
	return cfg
}

func startSupervisor(t *testing.T, cfg *config.Config, deps Deps) (*Supervisor, context.CancelFunc, chan error) {
	t.Helper()
	if deps.Control == nil {
		deps.Control = controlstate.NewStore(persistence.NewJSONFileService(t.TempDir()))
	}
	s := New(cfg, deps)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
		}
	})
	return s, cancel, done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForState(t *testing.T, s *Supervisor, name, want string) WorkerStatus {
	t.Helper()
	waitFor(t, name+" to reach "+want, func() bool {
		return workerStatus(s, name).State == want
	})
	return workerStatus(s, name)
}

func workerStatus(s *Supervisor, name string) WorkerStatus {
	for _, st := range s.Statuses() {
		if st.Name == name {
			return st
		}
	}
	return WorkerStatus{}
}

func countRuns(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return strings.Count(string(data), "run")
}

func TestSupervisorSpawnAndGracefulStop(t *testing.T) {
	dir := t.TempDir()
	stub := writeStub(t, dir, "bot", "exec sleep 60\n")
	cfg := procConfig(t, stub)

	s, cancel, done := startSupervisor(t, cfg, Deps{})

	st := waitForState(t, s, "alpha", StateRunning)
	require.Greater(t, st.PID, 0)
	require.True(t, processAlive(st.PID))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not exit")
	}
	assert.False(t, processAlive(st.PID))
	waitForState(t, s, "alpha", StateStopped)
}

func TestSupervisorCrashLoopMarksFailed(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "runs")
	stub := writeStub(t, dir, "bot", fmt.Sprintf("echo run >> \"%s\"\nexit 1\n", counter))
	cfg := procConfig(t, stub)

	h, err := OpenHistory(filepath.Join(dir, "supervisor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	s, _, _ := startSupervisor(t, cfg, Deps{History: h})

	st := waitForState(t, s, "alpha", StateFailed)

	// initial spawn + MaxRestarts respawns, then the loop breaker trips
	assert.Equal(t, 3, countRuns(t, counter))
	assert.Equal(t, 2, st.Restarts)

	runs, err := h.Recent(context.Background(), "alpha", 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	require.NotNil(t, runs[0].ExitCode)
	assert.Equal(t, 1, *runs[0].ExitCode)
	assert.Equal(t, 2, runs[0].Restarts)
	assert.Equal(t, 0, runs[2].Restarts)
}

func TestSupervisorExitZeroNotRestarted(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "runs")
	stub := writeStub(t, dir, "bot", fmt.Sprintf("echo run >> \"%s\"\nexit 0\n", counter))
	cfg := procConfig(t, stub)

	s, _, _ := startSupervisor(t, cfg, Deps{})

	waitFor(t, "worker to run once and stop", func() bool {
		return countRuns(t, counter) > 0 && workerStatus(s, "alpha").State == StateStopped
	})

	// several check intervals later it still has not been resurrected
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, countRuns(t, counter))
	st := workerStatus(s, "alpha")
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, 0, st.Restarts)
}

func TestStopWorkerStaysDown(t *testing.T) {
	dir := t.TempDir()
	stub := writeStub(t, dir, "bot", "exec sleep 60\n")
	cfg := procConfig(t, stub)

	s, _, _ := startSupervisor(t, cfg, Deps{})
	st := waitForState(t, s, "alpha", StateRunning)
	oldPID := st.PID

	stopped, err := s.StopWorker("alpha")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, stopped.State)
	assert.False(t, processAlive(oldPID))

	// restart=true 不能复活被运维手动停掉的 worker
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateStopped, workerStatus(s, "alpha").State)

	started, err := s.StartWorker("alpha")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, started.State)
	assert.NotEqual(t, oldPID, started.PID)
}

func TestStartWorkerClearsFailed(t *testing.T) {
	dir := t.TempDir()
	stub := writeStub(t, dir, "bot", "exit 1\n")
	cfg := procConfig(t, stub)

	s, _, _ := startSupervisor(t, cfg, Deps{})
	waitForState(t, s, "alpha", StateFailed)

	// operator fixes the binary, then starts the worker by hand
	writeStub(t, dir, "bot", "exec sleep 60\n")
	st, err := s.StartWorker("alpha")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)

	// stays up across several check intervals
	time.Sleep(200 * time.Millisecond)
	st = workerStatus(s, "alpha")
	assert.Equal(t, StateRunning, st.State)
	assert.True(t, processAlive(st.PID))
}

func TestSupervisorForcedKill(t *testing.T) {
	dir := t.TempDir()
	stub := writeStub(t, dir, "bot", "trap '' TERM\nwhile :; do sleep 1; done\n")
	cfg := procConfig(t, stub)
	cfg.Supervisor.GracePeriod = config.Duration{Duration: 500 * time.Millisecond}

	s, cancel, done := startSupervisor(t, cfg, Deps{})
	waitForState(t, s, "alpha", StateRunning)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrForcedKill)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not exit")
	}
}

func TestSupervisorSeedsControlState(t *testing.T) {
	dir := t.TempDir()
	stub := writeStub(t, dir, "bot", "exec sleep 60\n")
	cfg := procConfig(t, stub)
	cfg.Strategies[0].Enabled = true
	beta := validStrategy("beta")
	beta.Enabled = true
	cfg.Strategies = append(cfg.Strategies, beta)

	control := controlstate.NewStore(persistence.NewJSONFileService(t.TempDir()))
	// 既有条目是运维状态，seed 不得覆盖
	require.NoError(t, control.SetEnabled("alpha", false))

	s, _, _ := startSupervisor(t, cfg, Deps{Control: control})
	waitForState(t, s, "alpha", StateRunning)
	waitForState(t, s, "beta", StateRunning)

	ctl, err := control.Get("alpha")
	require.NoError(t, err)
	assert.False(t, ctl.Enabled)

	ctl, err = control.Get("beta")
	require.NoError(t, err)
	assert.True(t, ctl.Enabled)
	assert.Equal(t, controlstate.ModeDryRun, ctl.Mode)
}
