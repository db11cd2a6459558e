package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ianremillard/rdbg/internal/config"
	"github.com/ianremillard/rdbg/internal/procfeedback"
)

// InputProvider supplies interactive input to the running program.
type InputProvider interface {
	// ReadLine asks for one line and blocks until it arrives or ctx ends.
	// The returned line has no trailing newline.
	ReadLine(ctx context.Context, prompt string, echo bool) (string, error)
}

// Env is what a program runs with.
type Env struct {
	Stdout io.Writer
	Stderr io.Writer
	Input  InputProvider

	// Args is the script path followed by its arguments.
	Args []string
}

// ProgramFunc runs the target program.  A nil return is a clean exit; a
// *SystemExit carries an explicit exit request; anything else is a failure.
type ProgramFunc func(ctx context.Context, env Env) error

// SystemExit is an explicit request to end the program with Code.  Code is
// nil, an int, or anything else (reported as text, exit code 1).
type SystemExit struct {
	Code any
}

func (e *SystemExit) Error() string {
	if e.Code == nil {
		return "exit"
	}
	return fmt.Sprintf("exit %v", e.Code)
}

// ErrInterrupted ends a program that was interrupted from the keyboard.
var ErrInterrupted = errors.New("KeyboardInterrupt")

// ExitCode classifies how a program ended.  msg, when set, is what the
// program's stderr must show.
func ExitCode(err error) (code int, msg string) {
	if err == nil {
		return 0, ""
	}
	var se *SystemExit
	if errors.As(err, &se) {
		switch c := se.Code.(type) {
		case nil:
			return 0, ""
		case int:
			return c, ""
		default:
			return 1, fmt.Sprint(c)
		}
	}
	return 1, err.Error()
}

// LoadSource returns a path holding script's source with a trailing newline.
// When the file already ends with one, that is script itself; otherwise a
// temporary copy is written and cleanup removes it.
func LoadSource(script string) (path string, cleanup func(), err error) {
	src, err := os.ReadFile(script)
	if err != nil {
		return "", nil, err
	}
	if len(src) > 0 && src[len(src)-1] == '\n' {
		return script, func() {}, nil
	}

	f, err := os.CreateTemp("", "rdbg-*"+filepath.Ext(script))
	if err != nil {
		return "", nil, err
	}
	_, werr := f.Write(append(src, '\n'))
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("copy %s: %w", script, err)
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

// ExecProgram runs the script as a child process through the interpreter
// configured for its extension, or directly when there is none.  The
// interpreter's import path variable gets the script directory and the
// working directory prepended, so sibling modules import either way.
//
// The child leads its own process group.  Cancelling ctx kills the whole
// group and the program ends with ErrInterrupted.  Input reaches the child
// only through the request channel (see input.go).
func ExecProgram(s *config.Settings) ProgramFunc {
	return func(ctx context.Context, env Env) error {
		script, err := filepath.Abs(env.Args[0])
		if err != nil {
			return err
		}
		src, cleanup, err := LoadSource(script)
		if err != nil {
			return err
		}
		defer cleanup()

		interp, ok := s.InterpreterFor(script)
		argv := append([]string{src}, env.Args[1:]...)
		if ok {
			argv = append(append([]string(nil), interp.Command...), argv...)
		}

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
		cmd.Stdout = env.Stdout
		cmd.Stderr = env.Stderr
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		cmd.Cancel = func() error { return procfeedback.Kill(cmd.Process.Pid) }
		// Grandchildren may hold the output pipes after a cancel.
		cmd.WaitDelay = 2 * time.Second
		cmd.Env = os.Environ()

		if interp.PathVar != "" {
			dirs := importDirs(script)
			if interp.InputHook != "" && env.Input != nil {
				hookDir, removeHook, err := installHook(interp.InputHook)
				if err != nil {
					return err
				}
				defer removeHook()
				dirs = append([]string{hookDir}, dirs...)
			}
			cmd.Env = prependPath(cmd.Env, interp.PathVar, dirs...)
		}

		var input *inputChannel
		if env.Input != nil {
			if input, err = newInputChannel(); err != nil {
				return err
			}
			defer input.close()
			input.attach(cmd)
		}

		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start %s: %w", argv[0], err)
		}
		served := make(chan struct{})
		if input != nil {
			input.started()
			go func() {
				defer close(served)
				input.serve(runCtx, env.Input)
			}()
		} else {
			close(served)
		}

		err = cmd.Wait()
		cancel()
		if input != nil {
			// Unblocks serve when a grandchild still holds the request pipe.
			input.reqR.Close()
		}
		<-served
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		return childExit(err)
	}
}

// childExit maps the child's wait status onto the program outcome.
func childExit(err error) error {
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return err
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		if ws.Signal() == syscall.SIGINT {
			return ErrInterrupted
		}
		return fmt.Errorf("killed by %v", ws.Signal())
	}
	// The interpreter already printed whatever made it exit.
	return &SystemExit{Code: ee.ExitCode()}
}

func importDirs(script string) []string {
	dir := filepath.Dir(script)
	cwd, err := os.Getwd()
	if err != nil || filepath.Clean(cwd) == dir {
		return []string{dir}
	}
	return []string{dir, cwd}
}

// prependPath puts dirs in front of the list-valued variable key.
func prependPath(env []string, key string, dirs ...string) []string {
	value := strings.Join(dirs, string(os.PathListSeparator))
	if old, ok := config.LookupEnv(env, key); ok && old != "" {
		value += string(os.PathListSeparator) + old
	}
	return config.MergeEnv(env, map[string]string{key: value})
}
