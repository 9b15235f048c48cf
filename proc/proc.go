package proc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Config describes the child process to start.
type Config struct {
	Command string
	Args    []string
	// Env entries are appended to the wrapper's own environment.
	Env []string
	WD  string

	Log *zap.SugaredLogger
}

// StopOutcome reports which rung of the termination ladder ended the child.
type StopOutcome int

const (
	// StopExited means the child exited on its own within the grace period
	// after its stdin was closed; no signal was sent.
	StopExited StopOutcome = iota
	// StopTerminated means the child exited only after SIGTERM.
	StopTerminated
	// StopKilled means the child ignored SIGTERM and was killed.
	StopKilled
)

func (o StopOutcome) String() string {
	switch o {
	case StopExited:
		return "exited"
	case StopTerminated:
		return "terminated"
	case StopKilled:
		return "killed"
	}
	return fmt.Sprintf("StopOutcome(%d)", int(o))
}

// Proc is a started child process. The relay owns its pipes: one goroutine
// reads lines, one writes lines, and one drains stderr.
type Proc struct {
	log *zap.SugaredLogger
	cmd *exec.Cmd

	stdin  *os.File
	stdout *bufio.Reader
	stderr *os.File

	closeStdinOnce sync.Once

	// exitCode is written by the reaper before exited is closed; read it
	// only after <-exited.
	exited   chan struct{}
	exitCode int

	termOnce    sync.Once
	termOutcome StopOutcome
}

// Start launches the child with pipe-backed stdio and begins reaping it in
// the background. The returned error is fatal to the run: the program could
// not be located or started.
func Start(cfg Config) (*Proc, error) {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WD
	cmd.Env = append(os.Environ(), cfg.Env...)

	var pipes []*os.File
	closeAll := func() {
		for _, f := range pipes {
			f.Close()
		}
	}
	newPipe := func(name string) (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("creating %s pipe: %w", name, err)
		}
		pipes = append(pipes, r, w)
		return r, w, nil
	}

	stdinR, stdinW, err := newPipe("stdin")
	if err != nil {
		return nil, err
	}
	stdoutR, stdoutW, err := newPipe("stdout")
	if err != nil {
		return nil, err
	}
	stderrR, stderrW, err := newPipe("stderr")
	if err != nil {
		return nil, err
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	log.Infof("starting subprocess: %s %v", cfg.Command, cfg.Args)
	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, fmt.Errorf("starting %q: %w", cfg.Command, err)
	}

	// The child holds its own copies of its ends now; ours must close so
	// that the read sides EOF when the child exits.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	p := &Proc{
		log:    log,
		cmd:    cmd,
		stdin:  stdinW,
		stdout: bufio.NewReader(stdoutR),
		stderr: stderrR,
		exited: make(chan struct{}),
	}
	go p.reap()
	return p, nil
}

func (p *Proc) reap() {
	err := p.cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			p.log.Warnf("waiting on subprocess: %s", err)
			exitCode = -1
		}
	}
	p.exitCode = exitCode
	close(p.exited)
	p.log.Debugf("subprocess %d exited with code %d", p.cmd.Process.Pid, exitCode)
}

// PID returns the child's process ID.
func (p *Proc) PID() int {
	return p.cmd.Process.Pid
}

// WriteLine forwards one protocol line to the child's stdin, verbatim. A
// closed or broken pipe surfaces as an error; the caller decides whether to
// drop the message.
func (p *Proc) WriteLine(b []byte) error {
	_, err := p.stdin.Write(b)
	return err
}

// ReadLine blocks until the child produces a full line, EOF, or a read
// error. The returned line includes its trailing newline; a final
// unterminated line is returned together with io.EOF.
func (p *Proc) ReadLine() ([]byte, error) {
	return p.stdout.ReadBytes('\n')
}

// DrainStderr copies the child's stderr verbatim to w until EOF so the
// child can never block on a full stderr pipe. Failures are logged only.
func (p *Proc) DrainStderr(w io.Writer) {
	if _, err := io.Copy(w, p.stderr); err != nil {
		p.log.Warnf("draining subprocess stderr: %s", err)
	}
}

// CloseStdin closes the child's stdin, signalling it to finish. Safe to
// call more than once and concurrently with WriteLine.
func (p *Proc) CloseStdin() {
	p.closeStdinOnce.Do(func() {
		if err := p.stdin.Close(); err != nil {
			p.log.Warnf("closing subprocess stdin: %s", err)
		}
	})
}

// Exited is closed once the child has been reaped.
func (p *Proc) Exited() <-chan struct{} {
	return p.exited
}

// ExitCode reports the child's exit code. Valid only after Exited is closed.
func (p *Proc) ExitCode() int {
	return p.exitCode
}

// Terminate runs the shutdown ladder: close stdin, wait up to grace for a
// natural exit, then SIGTERM and wait up to force, then SIGKILL. It returns
// only after the child has been reaped. The ladder runs at most once per
// child; later calls return the recorded outcome.
func (p *Proc) Terminate(grace, force time.Duration) StopOutcome {
	p.termOnce.Do(func() {
		p.termOutcome = p.ladder(grace, force)
	})
	return p.termOutcome
}

func (p *Proc) ladder(grace, force time.Duration) StopOutcome {
	p.CloseStdin()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.exited:
		p.log.Infof("subprocess exited gracefully with code %d", p.exitCode)
		return StopExited
	case <-timer.C:
	}

	p.log.Warnf("subprocess still running %s after stdin close, sending SIGTERM", grace)
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.log.Warnf("sending SIGTERM: %s", err)
	}

	timer.Reset(force)
	select {
	case <-p.exited:
		return StopTerminated
	case <-timer.C:
	}

	p.log.Errorf("subprocess ignored SIGTERM for %s, killing", force)
	if err := p.cmd.Process.Kill(); err != nil {
		p.log.Warnf("killing subprocess: %s", err)
	}
	<-p.exited
	return StopKilled
}

// ForceTerminate is the second-interrupt fallback: close stdin and SIGTERM
// immediately, ignoring errors, without waiting for the child to be reaped.
func (p *Proc) ForceTerminate() {
	p.CloseStdin()
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
}
