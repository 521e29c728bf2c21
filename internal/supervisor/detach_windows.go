//go:build windows

package supervisor

import "os/exec"

func detachProc(cmd *exec.Cmd) {}
