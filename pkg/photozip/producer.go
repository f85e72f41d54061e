package photozip

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// stderrLimit bounds how much diagnostic output is kept per process.
const stderrLimit = 4 << 10

// Producer starts archive processes for resolved entries.
type Producer interface {
	Start(ctx context.Context, e Entry) (*Process, error)
}

// Command produces archives by running an external program. The entry path is
// appended to Args and the program is expected to write the archive to
// stdout. It is never run through a shell.
type Command struct {
	Path string
	Args []string
	// WaitDelay bounds how long reaping waits for the output pipes to close
	// after the process has exited or been killed.
	WaitDelay time.Duration
}

// Zip runs zip(1) recursively over the entry, junking directory names so the
// archive is flat. Symlinks are stored as links rather than followed so
// nothing outside the entry is read.
var Zip = Command{
	Path:      "zip",
	Args:      []string{"-q", "-r", "-j", "-y", "-"},
	WaitDelay: 5 * time.Second,
}

// Start launches the program. The process is killed if ctx is done before it
// exits. Callers own the returned Process and must Close it.
func (c Command) Start(ctx context.Context, e Entry) (*Process, error) {
	args := make([]string, 0, len(c.Args)+1)
	args = append(args, c.Args...)
	args = append(args, e.Path)

	cmd := exec.CommandContext(ctx, c.Path, args...)
	// Own process group so a kill reaches anything the program spawns.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = c.WaitDelay

	p := &Process{cmd: cmd, stderr: &tail{max: stderrLimit}}
	cmd.Stderr = p.stderr
	cmd.Cancel = p.Kill

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &LaunchError{Name: c.Path, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Name: c.Path, Err: err}
	}
	p.stdout = stdout
	return p, nil
}

// Process is a running archive program. Its stdout is read through Read; its
// exit status is only available from Wait once stdout has been drained.
type Process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tail

	waitOnce sync.Once
	waitErr  error
	reaped   atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// Pid returns the operating system process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

func (p *Process) Read(b []byte) (int, error) { return p.stdout.Read(b) }

// Wait reaps the process. A non-zero exit is reported as a *ProducerError.
// Subsequent calls return the same result.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		defer p.reaped.Store(true)
		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			p.waitErr = &ProducerError{
				ExitCode: exitErr.ExitCode(),
				Stderr:   p.stderr.String(),
				Err:      err,
			}
		default:
			p.waitErr = err
		}
	})
	return p.waitErr
}

// Kill sends SIGKILL to the process group. It reports os.ErrProcessDone when
// there is nothing left to kill.
func (p *Process) Kill() error {
	if p.reaped.Load() {
		return os.ErrProcessDone
	}
	err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

// Close kills the process if it is still running and reaps it. The exit
// status is discarded; use Wait beforehand to observe it. Close is safe to
// call more than once.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.closeErr = err
		}
		// Killed processes always exit unsuccessfully.
		_ = p.Wait()
	})
	return p.closeErr
}

// tail keeps the last max bytes written to it. It is only read after the
// writing goroutine has been waited for.
type tail struct {
	max int
	b   []byte
}

func (t *tail) Write(b []byte) (int, error) {
	n := len(b)
	if len(b) >= t.max {
		b = b[len(b)-t.max:]
		t.b = append(t.b[:0], b...)
		return n, nil
	}
	if over := len(t.b) + len(b) - t.max; over > 0 {
		t.b = append(t.b[:0], t.b[over:]...)
	}
	t.b = append(t.b, b...)
	return n, nil
}

func (t *tail) String() string { return string(t.b) }
