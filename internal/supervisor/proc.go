package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// runtimeConfigHandoff carries a rendered runtime config to a child process.
// On linux the payload lives in a memfd inherited through ExtraFiles and the
// child reads it via /proc/self/fd/<n>; elsewhere it is a 0600 temp file.
// cleanup must run after the child exits.
type runtimeConfigHandoff struct {
	file    *os.File // inherited fd; nil when path-based
	path    string   // set when path-based
	cleanup func()
}

// spawnSpec describes one child process to start.
type spawnSpec struct {
	bin     string
	args    []string // argv after the binary; the config flag is appended here
	logPath string
	cfgYAML string // runtime config; empty means the child takes no config
	name    string // memfd / temp file label
}

// spawn starts the child in its own process group with stdout/stderr appended
// to logPath. When cfgYAML is set it is delivered through a memfd so injected
// credentials never touch disk (non-linux: 0600 temp file). The returned
// cleanup must be called once the child has exited.
func spawn(spec spawnSpec) (*exec.Cmd, func(), error) {
	// 额外确保目录存在
	if err := os.MkdirAll(filepath.Dir(spec.logPath), 0o755); err != nil {
		return nil, nil, err
	}
	logFile, err := os.OpenFile(spec.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}

	cmd := exec.Command(spec.bin)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	args := append([]string{spec.bin}, spec.args...)

	var handoff *runtimeConfigHandoff
	if spec.cfgYAML != "" {
		handoff, err = prepareRuntimeConfig(spec.name, spec.cfgYAML)
		if err != nil {
			_ = logFile.Close()
			return nil, nil, err
		}
		cfgPath := handoff.path
		if handoff.file != nil {
			// first ExtraFile becomes fd=3 in child
			idx := len(cmd.ExtraFiles)
			cmd.ExtraFiles = append(cmd.ExtraFiles, handoff.file)
			cfgPath = fmt.Sprintf("/proc/self/fd/%d", 3+idx)
		}
		args = append(args, "--config", cfgPath)
	}
	cmd.Args = args

	// 尽量让 worker 与 supervisor 故障域隔离：单独进程组
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		if handoff != nil {
			if handoff.file != nil {
				_ = handoff.file.Close()
			}
			handoff.cleanup()
		}
		return nil, nil, err
	}
	// Parent can close its fd copy; child has its own.
	if handoff != nil && handoff.file != nil {
		_ = handoff.file.Close()
	}

	cleanup := func() {
		_ = logFile.Close()
		if handoff != nil {
			handoff.cleanup()
		}
	}
	return cmd, cleanup, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0：仅检查是否存在
	if err := p.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	return true
}

// stopProcessGroup terminates pid's process group: SIGTERM first, then
// SIGKILL after timeout. An error means SIGKILL was needed.
func stopProcessGroup(pid int, timeout time.Duration) error {
	if pid <= 0 {
		return nil
	}
	// 先 SIGTERM
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		// 进程组可能不存在，回退尝试单进程
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(150 * time.Millisecond)
	}
	// 再 SIGKILL
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	_ = syscall.Kill(pid, syscall.SIGKILL)
	return fmt.Errorf("stop timeout after %s (pid=%d)", timeout, pid)
}
