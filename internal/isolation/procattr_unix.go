//go:build unix

package isolation

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup starts the command in its own process group so helpers it
// spawns (ssh, credential helpers) die with it.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func killProcessTree(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err != nil {
		return p.Kill()
	}
	return nil
}
