package proc

import (
	"bytes"
	"errors"
	"io"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var logger *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	logger = l.Sugar()
}

func startProc(t *testing.T, cfg Config) *Proc {
	t.Helper()
	if cfg.Log == nil {
		cfg.Log = logger.Named(t.Name())
	}
	p, err := Start(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		p.Terminate(2*time.Second, 2*time.Second)
	})
	return p
}

func TestRoundTripsLines(t *testing.T) {
	p := startProc(t, Config{Command: "cat"})

	require.NoError(t, p.WriteLine([]byte("ping\n")))
	line, err := p.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "ping\n", string(line))

	require.NoError(t, p.WriteLine([]byte("pong\n")))
	line, err = p.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "pong\n", string(line))
}

func TestStartUnknownProgram(t *testing.T) {
	_, err := Start(Config{Command: "mcptap-no-such-program", Log: logger})
	require.Error(t, err)
	assert.True(t, errors.Is(err, exec.ErrNotFound))
}

func TestReadLineEOFAfterExit(t *testing.T) {
	p := startProc(t, Config{Command: "sh", Args: []string{"-c", "echo done"}})

	line, err := p.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "done\n", string(line))

	_, err = p.ReadLine()
	assert.Equal(t, io.EOF, err)
}

func TestReadLinePartialFinalLine(t *testing.T) {
	p := startProc(t, Config{Command: "sh", Args: []string{"-c", `printf unterminated`}})

	line, err := p.ReadLine()
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, "unterminated", string(line))
}

func TestEnvAndWorkingDir(t *testing.T) {
	wd := t.TempDir()
	p := startProc(t, Config{
		Command: "sh",
		Args:    []string{"-c", `echo "$MCPTAP_TEST_VAL"; pwd`},
		Env:     []string{"MCPTAP_TEST_VAL=hello"},
		WD:      wd,
	})

	line, err := p.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(line))

	line, err = p.ReadLine()
	require.NoError(t, err)
	wantWD, err := filepath.EvalSymlinks(wd)
	require.NoError(t, err)
	gotWD, err := filepath.EvalSymlinks(string(bytes.TrimRight(line, "\n")))
	require.NoError(t, err)
	assert.Equal(t, wantWD, gotWD)
}

func TestDrainStderr(t *testing.T) {
	p := startProc(t, Config{Command: "sh", Args: []string{"-c", "echo oops >&2"}})

	var buf bytes.Buffer
	p.DrainStderr(&buf)
	assert.Equal(t, "oops\n", buf.String())
}

func TestExitCode(t *testing.T) {
	p := startProc(t, Config{Command: "sh", Args: []string{"-c", "exit 7"}})

	select {
	case <-p.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("subprocess did not exit")
	}
	assert.Equal(t, 7, p.ExitCode())
}

func TestTerminateOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		command string
		args    []string
		outcome StopOutcome
	}{
		{
			name:    "exits on stdin close",
			command: "cat",
			outcome: StopExited,
		},
		{
			name:    "exits on SIGTERM",
			command: "sh",
			args:    []string{"-c", `trap "exit 0" TERM; while :; do sleep 0.05; done`},
			outcome: StopTerminated,
		},
		{
			name:    "ignores SIGTERM",
			command: "sh",
			args:    []string{"-c", `trap "" TERM; while :; do sleep 0.05; done`},
			outcome: StopKilled,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := startProc(t, Config{Command: c.command, Args: c.args})
			outcome := p.Terminate(500*time.Millisecond, 500*time.Millisecond)
			assert.Equal(t, c.outcome, outcome)

			// The ladder reaps before returning, so the exit channel
			// must already be closed.
			select {
			case <-p.Exited():
			default:
				t.Fatal("Terminate returned before the subprocess was reaped")
			}
		})
	}
}

func TestForceTerminateStopsStdinIgnorer(t *testing.T) {
	// This child never reads stdin, so closing it alone would never end
	// the process.
	p := startProc(t, Config{Command: "sh", Args: []string{"-c", "while :; do sleep 0.05; done"}})

	p.ForceTerminate()

	select {
	case <-p.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("subprocess did not exit after ForceTerminate")
	}
	assert.Equal(t, -1, p.ExitCode())
}

func TestForceTerminateAfterExit(t *testing.T) {
	p := startProc(t, Config{Command: "sh", Args: []string{"-c", "exit 0"}})

	select {
	case <-p.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("subprocess did not exit")
	}

	// Signalling an already-reaped child must be a no-op.
	p.ForceTerminate()
	assert.Equal(t, 0, p.ExitCode())
}

func TestForceTerminateRacesLadder(t *testing.T) {
	p := startProc(t, Config{Command: "cat"})

	var outcome StopOutcome
	var group errgroup.Group
	group.Go(func() error {
		outcome = p.Terminate(2*time.Second, 2*time.Second)
		return nil
	})
	group.Go(func() error {
		p.ForceTerminate()
		return nil
	})
	require.NoError(t, group.Wait())

	// cat exits as soon as its stdin closes; depending on whether the
	// SIGTERM lands first, either rung can report the stop.
	assert.Contains(t, []StopOutcome{StopExited, StopTerminated}, outcome)
	select {
	case <-p.Exited():
	default:
		t.Fatal("Terminate returned before the subprocess was reaped")
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	p := startProc(t, Config{Command: "cat"})

	first := p.Terminate(time.Second, time.Second)
	second := p.Terminate(time.Second, time.Second)
	assert.Equal(t, first, second)
	assert.Equal(t, StopExited, first)
}

func TestCloseStdinTwice(t *testing.T) {
	p := startProc(t, Config{Command: "cat"})
	p.CloseStdin()
	p.CloseStdin()

	select {
	case <-p.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("cat did not exit after stdin close")
	}
	assert.Equal(t, 0, p.ExitCode())
}
