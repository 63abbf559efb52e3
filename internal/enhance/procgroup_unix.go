//go:build unix

package enhance

import (
	"os/exec"
	"syscall"
)

// killProcessGroup starts cmd in its own process group so cancellation also
// reaches helpers the tool forks.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
