//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// detachProc separates the child from helmd's process group so it
// survives helmd exiting.
func detachProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
