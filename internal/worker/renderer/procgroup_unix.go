//go:build unix

package renderer

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup starts the CLI in its own process group so a
// timeout also kills the children it spawns (npx, node, ffmpeg).
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
