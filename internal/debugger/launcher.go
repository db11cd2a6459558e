package debugger

// launcher.go – spawning the run wrapper.
//
// In redirect mode the wrapper inherits the console writer as stdout and
// stderr.  In pty mode it gets a pseudo-terminal whose master side is
// drained into the console, so interpreters that check isatty behave as
// they would in a real terminal.  Either way a goroutine waits on the
// process so that a dead wrapper is reaped and stops looking alive.

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"

	"github.com/ianremillard/rdbg/internal/config"
)

// LaunchSpec is a resolved spawn request.
type LaunchSpec struct {
	Dir      string
	Argv     []string
	Env      []string
	Terminal string // config.TerminalRedirect or config.TerminalPTY
}

// Launcher spawns the run wrapper and returns its PID.
type Launcher interface {
	Launch(spec LaunchSpec) (pid int, err error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(spec LaunchSpec) (int, error)

func (f LauncherFunc) Launch(spec LaunchSpec) (int, error) { return f(spec) }

// ExecLauncher starts the wrapper as a child process.
type ExecLauncher struct {
	Console io.Writer
	Log     *logrus.Entry
}

func (l *ExecLauncher) Launch(spec LaunchSpec) (int, error) {
	if len(spec.Argv) == 0 {
		return 0, errors.New("empty command line")
	}
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	if spec.Terminal == config.TerminalPTY {
		return l.startPTY(cmd)
	}

	cmd.Stdout = l.Console
	cmd.Stderr = l.Console
	// Own process group, so a forced kill takes the interpreter with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}
	go l.reap(cmd)
	return cmd.Process.Pid, nil
}

// startPTY runs cmd on a new pseudo-terminal.
//
// pty.Start sets Setsid on the child, which already makes it a process group
// leader.  Setpgid must not be set as well: setpgid() after setsid() fails
// with EPERM on macOS.
func (l *ExecLauncher) startPTY(cmd *exec.Cmd) (int, error) {
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	ptm, err := pty.Start(cmd)
	if err != nil {
		return 0, fmt.Errorf("pty.Start: %w", err)
	}
	go func() {
		// A read error means the slave side closed: the process exited.
		if _, err := io.Copy(l.console(), ptm); err != nil {
			l.logf("pty drain: %v", err)
		}
		ptm.Close()
		l.reap(cmd)
	}()
	return cmd.Process.Pid, nil
}

func (l *ExecLauncher) reap(cmd *exec.Cmd) {
	err := cmd.Wait()
	l.logf("run wrapper %d exited (%v)", cmd.Process.Pid, err)
}

func (l *ExecLauncher) console() io.Writer {
	if l.Console == nil {
		return io.Discard
	}
	return l.Console
}

func (l *ExecLauncher) logf(format string, args ...any) {
	if l.Log != nil {
		l.Log.Debugf(format, args...)
	}
}
