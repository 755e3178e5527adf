//go:build unix

package process

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the child in its own process group so that helpers it
// forks (browser renderers, zygotes) are signalled along with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func (p *Process) signal(sig syscall.Signal) error {
	pid := p.Pid()
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(-pid, sig); err != nil {
		return p.cmd.Process.Signal(sig)
	}
	return nil
}

// signalGroup signals the whole process group, including members left behind
// after the leader exited. An empty group is not an error.
func (p *Process) signalGroup(sig syscall.Signal) (bool, error) {
	pid := p.Pid()
	if pid <= 0 {
		return false, nil
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return false, nil
	}
	return err == nil, err
}

func (p *Process) groupAlive() bool {
	pid := p.Pid()
	return pid > 0 && unix.Kill(-pid, 0) == nil
}
