//go:build !unix

package isolation

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func killProcessTree(p *os.Process) error {
	return p.Kill()
}
