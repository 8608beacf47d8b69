//go:build unix

package webdriver

import (
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tabmux/tabmux/internal/model"
)

// setProcessGroup puts the driver in its own process group so the browser
// children it spawns can be terminated with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	pgid := cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		return cmd.Process.Kill()
	}
	// Grace period before escalating.
	time.Sleep(100 * time.Millisecond)
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
	return nil
}

// orphanSweeper kills driver processes left behind by a crashed daemon.
type orphanSweeper interface {
	sweep(engine model.EngineType, tracked map[int]struct{}, logger *slog.Logger)
}

type noopSweeper struct{}

func (noopSweeper) sweep(model.EngineType, map[int]struct{}, *slog.Logger) {}

// platformSweeper matches processes by driver binary name via pgrep. Any
// match not in the tracked set is assumed to be leaked by a previous daemon
// and its process group is killed.
type platformSweeper struct{}

func (platformSweeper) sweep(engine model.EngineType, tracked map[int]struct{}, logger *slog.Logger) {
	binary := engine.DriverBinary()
	out, err := exec.Command("pgrep", "-x", binary).Output()
	if err != nil {
		// No matches or pgrep unavailable; nothing to clean.
		return
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			continue
		}
		if _, ok := tracked[pid]; ok {
			continue
		}
		logger.Warn("killing orphaned driver", "binary", binary, "pid", pid)
		pgid, err := syscall.Getpgid(pid)
		if err != nil {
			_ = syscall.Kill(pid, syscall.SIGKILL)
			continue
		}
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}
