//go:build !unix

package webdriver

import (
	"log/slog"
	"os/exec"

	"github.com/tabmux/tabmux/internal/model"
)

func setProcessGroup(*exec.Cmd) {}

func terminateGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

type orphanSweeper interface {
	sweep(engine model.EngineType, tracked map[int]struct{}, logger *slog.Logger)
}

type noopSweeper struct{}

func (noopSweeper) sweep(model.EngineType, map[int]struct{}, *slog.Logger) {}

// The name-matching orphan sweep is Unix-only. Tracked-process cleanup is
// unaffected; leaked drivers from a crashed daemon are not reclaimed here.
type platformSweeper = noopSweeper
