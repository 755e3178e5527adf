// Package process wraps an OS subprocess used as a pipeline stage. Every
// component that owns a subprocess (browser, virtual display, encoder) goes
// through Process so start, exit tracking and bounded termination behave the
// same everywhere.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/bryanchriswhite/PageStreamer/internal/failure"
	"github.com/bryanchriswhite/PageStreamer/internal/logger"
	"github.com/rs/zerolog"
)

// waitDelay bounds how long Wait keeps copying stderr after the process exits.
// Browsers leave helper processes holding the inherited stderr open.
const waitDelay = 2 * time.Second

// Options configures a managed process
type Options struct {
	// Name identifies the process in logs and errors ("ffmpeg", "xvfb", ...)
	Name string
	Path string
	Args []string
	// Env is appended to the current environment
	Env []string
	// Stdin requests a writable pipe to the process's standard input
	Stdin bool
	// OnStderrLine, when set, receives every stderr line
	OnStderrLine func(line string)
}

// Process is a single owned subprocess
type Process struct {
	opts Options
	log  *zerolog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool

	done    chan struct{}
	waitErr error

	closeInput sync.Once
}

// New creates a process handle; nothing is spawned until Start
func New(opts Options) *Process {
	return &Process{
		opts: opts,
		log:  logger.WithComponent(opts.Name),
		done: make(chan struct{}),
	}
}

// Name returns the process name
func (p *Process) Name() string {
	return p.opts.Name
}

// Args returns the arguments the process is (or will be) started with
func (p *Process) Args() []string {
	return append([]string(nil), p.opts.Args...)
}

// Start spawns the process. Failures are classified as failure.Spawn.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("%s already started", p.opts.Name)
	}

	cmd := exec.Command(p.opts.Path, p.opts.Args...)
	if len(p.opts.Env) > 0 {
		cmd.Env = append(os.Environ(), p.opts.Env...)
	}
	cmd.Stdout = logger.LineWriter(p.log, "stdout")
	cmd.Stderr = logger.LineWriterFunc(p.log, "stderr", p.opts.OnStderrLine)
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	if p.opts.Stdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return failure.New(failure.Spawn, p.opts.Name, fmt.Errorf("failed to get stdin pipe: %w", err))
		}
		p.stdin = stdin
	}

	p.log.Debug().Str("path", p.opts.Path).Strs("args", p.opts.Args).Msg("Starting subprocess")

	if err := cmd.Start(); err != nil {
		if p.stdin != nil {
			p.stdin.Close()
		}
		return failure.New(failure.Spawn, p.opts.Name, fmt.Errorf("failed to start %s: %w", p.opts.Path, err))
	}

	p.cmd = cmd
	p.started = true

	go p.wait()

	p.log.Info().Int("pid", cmd.Process.Pid).Msg("Subprocess started")
	return nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	// WaitDelay expiry only means stderr was held open by a descendant
	if errors.Is(err, exec.ErrWaitDelay) {
		err = nil
	}
	p.waitErr = err
	close(p.done)

	ev := p.log.Info()
	if err != nil {
		ev = p.log.Warn().Err(err)
	}
	ev.Int("exit_code", p.cmd.ProcessState.ExitCode()).Msg("Subprocess exited")
}

// Pid returns the process id, or 0 if not started
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Started reports whether Start succeeded
func (p *Process) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Stdin returns the input pipe, or nil when Options.Stdin was not set
func (p *Process) Stdin() io.Writer {
	return p.stdin
}

// Done is closed once the process has exited and been reaped
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the process exits and returns its exit error
func (p *Process) Wait() error {
	if !p.Started() {
		return fmt.Errorf("%s not started", p.opts.Name)
	}
	<-p.done
	return p.waitErr
}

// ExitErr returns the exit error once the process has exited
func (p *Process) ExitErr() error {
	if !p.Exited() {
		return nil
	}
	return p.waitErr
}

// CloseInput closes the stdin pipe. Safe to call more than once.
func (p *Process) CloseInput() error {
	var err error
	p.closeInput.Do(func() {
		if p.stdin != nil {
			err = p.stdin.Close()
		}
	})
	if errors.Is(err, os.ErrClosed) {
		err = nil
	}
	return err
}

// Shutdown closes stdin and waits up to timeout for a voluntary exit before
// falling back to Terminate. It is the termination path for processes that
// finish cleanly on end of input.
func (p *Process) Shutdown(timeout time.Duration) error {
	if !p.Started() {
		return nil
	}
	if err := p.CloseInput(); err != nil {
		p.log.Debug().Err(err).Msg("Closing stdin")
	}
	select {
	case <-p.done:
	case <-time.After(timeout):
		p.log.Warn().Dur("timeout", timeout).Msg("Subprocess did not exit after input closed")
	}
	return p.Terminate(timeout)
}

// Terminate asks the process to exit, waits up to timeout and then kills it.
// Terminating a process that was never started is a no-op. Once the process
// itself has exited only the rest of its group is signalled.
func (p *Process) Terminate(timeout time.Duration) error {
	if !p.Started() {
		return nil
	}
	if p.Exited() {
		return p.terminateGroup(timeout)
	}

	p.log.Debug().Int("pid", p.Pid()).Msg("Terminating subprocess")
	if err := p.signal(syscall.SIGTERM); err != nil && !p.Exited() {
		p.log.Debug().Err(err).Msg("SIGTERM failed")
	}

	select {
	case <-p.done:
		return p.terminateGroup(timeout)
	case <-time.After(timeout):
	}

	p.log.Warn().Int("pid", p.Pid()).Msg("Subprocess ignored SIGTERM, killing")
	if err := p.signal(syscall.SIGKILL); err != nil && !p.Exited() {
		return fmt.Errorf("failed to kill %s: %w", p.opts.Name, err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%s did not exit after SIGKILL", p.opts.Name)
	}
}

// terminateGroup cleans up helpers the exited process left in its group:
// SIGTERM, wait up to timeout for the group to empty, then SIGKILL.
func (p *Process) terminateGroup(timeout time.Duration) error {
	alive, err := p.signalGroup(syscall.SIGTERM)
	if err != nil {
		p.log.Debug().Err(err).Msg("SIGTERM to process group failed")
	}
	if !alive {
		return nil
	}
	p.log.Debug().Int("pgid", p.Pid()).Msg("Terminating leftover process group members")

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !p.groupAlive() {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}

	p.log.Warn().Int("pgid", p.Pid()).Msg("Process group ignored SIGTERM, killing")
	if _, err := p.signalGroup(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill %s process group: %w", p.opts.Name, err)
	}
	return nil
}
