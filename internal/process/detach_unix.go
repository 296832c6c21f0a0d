//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// detach puts the browser in its own process group so a Ctrl-C aimed at
// the daemon does not reach it.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
