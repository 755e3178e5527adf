//go:build !unix

package process

import (
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {}

func (p *Process) signal(sig syscall.Signal) error {
	if sig == syscall.SIGKILL {
		return p.cmd.Process.Kill()
	}
	return p.cmd.Process.Signal(sig)
}

func (p *Process) signalGroup(sig syscall.Signal) (bool, error) {
	return false, nil
}

func (p *Process) groupAlive() bool {
	return false
}
