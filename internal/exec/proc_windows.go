//go:build windows

package exec

import (
	"os/exec"
	"time"
)

func configureProcess(_ *exec.Cmd) {}

func terminateProcess(cmd *exec.Cmd, grace time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	if grace > 0 {
		time.Sleep(grace)
	}
	_ = cmd.Process.Kill()
}
