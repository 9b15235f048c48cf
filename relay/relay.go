package relay

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/guseggert/mcptap/internal/tasks"
	"github.com/guseggert/mcptap/proc"
)

const (
	DefaultProxyPort   = 8080
	DefaultGracePeriod = 3 * time.Second
	DefaultForcePeriod = 2 * time.Second

	joinTimeout = 2 * time.Second
)

// Config describes a run: the program to wrap and how to reach the proxy.
type Config struct {
	Command string
	Args    []string
	Env     []string
	WD      string

	// ProxyPort is the local HTTP proxy the relay conn is dialed through.
	// Defaults to DefaultProxyPort.
	ProxyPort int

	// GracePeriod and ForcePeriod bound the termination ladder's waits.
	GracePeriod time.Duration
	ForcePeriod time.Duration

	// Stdin, Stdout, and Stderr default to the process's own streams.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Log *zap.SugaredLogger
}

// Relay owns one run: one subprocess, one server, one client, one shutdown
// signal. It is not reusable.
type Relay struct {
	log *zap.SugaredLogger
	cfg Config

	shutdown *Shutdown
	tasks    *tasks.Group

	proc   *proc.Proc
	server *Server
	client *Client

	outcome proc.StopOutcome
}

// New validates cfg and constructs a Relay. Nothing is spawned or bound
// until Run.
func New(cfg Config) (*Relay, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("no program specified")
	}
	if cfg.ProxyPort == 0 {
		cfg.ProxyPort = DefaultProxyPort
	}
	if cfg.ProxyPort < 1 || cfg.ProxyPort > 65535 {
		return nil, fmt.Errorf("proxy port %d is out of range (1-65535)", cfg.ProxyPort)
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.ForcePeriod == 0 {
		cfg.ForcePeriod = DefaultForcePeriod
	}
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	if _, err := exec.LookPath(cfg.Command); err != nil {
		log.Warnf("%q was not found in PATH, spawning will likely fail", cfg.Command)
	}

	return &Relay{
		log:      log,
		cfg:      cfg,
		shutdown: NewShutdown(),
		tasks:    tasks.New(log.Named("tasks")),
	}, nil
}

// Run spawns the subprocess, starts the relay server and client, and blocks
// until a terminal condition triggers cleanup. The returned error is non-nil
// only when the subprocess could not be spawned; failures after that point
// clean up and return nil, since the invoker's session already started.
func (r *Relay) Run(ctx context.Context) error {
	// Interrupt handling is live for the whole run, startup included; a
	// signal arriving before the wait loop is buffered, not fatal.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	p, err := proc.Start(proc.Config{
		Command: r.cfg.Command,
		Args:    r.cfg.Args,
		// Line-buffered Python servers hold output until the buffer fills
		// unless told otherwise.
		Env: append([]string{"PYTHONUNBUFFERED=1"}, r.cfg.Env...),
		WD:  r.cfg.WD,
		Log: r.log.Named("proc"),
	})
	if err != nil {
		return err
	}
	r.proc = p
	r.log.Infof("subprocess started with pid %d", p.PID())

	r.tasks.Go("stderr_drain", func() { p.DrainStderr(r.cfg.Stderr) })

	r.server = &Server{
		Log:      r.log.Named("relay_server"),
		Proc:     p,
		Shutdown: r.shutdown,
		Tasks:    r.tasks,
	}
	if err := r.server.Start(); err != nil {
		r.log.Errorf("starting relay server: %s", err)
		r.cleanup()
		return nil
	}

	r.client = &Client{
		Log:      r.log.Named("relay_client"),
		Shutdown: r.shutdown,
		Tasks:    r.tasks,
		Stdin:    r.cfg.Stdin,
		Stdout:   r.cfg.Stdout,
	}
	if err := r.client.Start(ctx, r.server.Port(), r.cfg.ProxyPort); err != nil {
		r.log.Errorf("starting relay client: %s", err)
		r.cleanup()
		return nil
	}

	r.wait(ctx, sigCh)
	return nil
}

// StopOutcome reports how the subprocess was stopped. Valid once Run has
// returned nil.
func (r *Relay) StopOutcome() proc.StopOutcome {
	return r.outcome
}

func (r *Relay) wait(ctx context.Context, sigCh chan os.Signal) {
	select {
	case <-r.shutdown.Done():
		r.log.Info("shutdown signal set")
	case sig := <-sigCh:
		r.log.Infof("received %s", sig)
		r.shutdown.Set()
	case <-ctx.Done():
		r.log.Infof("context done: %s", ctx.Err())
		r.shutdown.Set()
	}

	// An interrupt arriving while cleanup runs means the operator is done
	// waiting: take the subprocess down immediately, best effort.
	cleanupDone := make(chan struct{})
	defer close(cleanupDone)
	go func() {
		select {
		case sig := <-sigCh:
			r.log.Warnf("received %s during cleanup, force-terminating subprocess", sig)
			r.proc.ForceTerminate()
		case <-cleanupDone:
		}
	}()

	r.cleanup()
}

// cleanup tears the run down in an order that unblocks every loop before
// joining it: refuse new sessions, walk the termination ladder (stdin close
// EOFs the output loop and stderr drain), stop the server (closing the
// session conn), close the client conn, then join.
func (r *Relay) cleanup() {
	r.log.Info("cleaning up")

	if r.server != nil {
		r.server.Drain()
	}

	r.outcome = r.proc.Terminate(r.cfg.GracePeriod, r.cfg.ForcePeriod)
	r.log.Infof("subprocess stopped (%s) with exit code %d", r.outcome, r.proc.ExitCode())

	var errs error
	if r.server != nil {
		errs = multierr.Append(errs, r.server.Stop())
	}
	if r.client != nil {
		r.client.Stop()
	}

	for _, name := range r.tasks.Join(joinTimeout) {
		errs = multierr.Append(errs, fmt.Errorf("task %s did not stop", name))
	}

	if errs != nil {
		r.log.Warnf("cleanup finished with errors: %s", errs)
	} else {
		r.log.Info("cleanup complete")
	}
}
