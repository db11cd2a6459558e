package main

// debug.go – the interactive debug front end.
//
// On a terminal the console is an x/term line editor in raw mode; output
// from the debuggee and session events are written through it so the prompt
// is redrawn underneath.  Without a terminal plain line reads are used.

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/ianremillard/rdbg/internal/config"
	"github.com/ianremillard/rdbg/internal/debugger"
	"github.com/ianremillard/rdbg/internal/logging"
	"github.com/ianremillard/rdbg/internal/proto"
	"github.com/ianremillard/rdbg/internal/session"
)

const (
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorReset  = "\033[0m"
)

const prompt = "(rdbg) "

// console is where the front end reads commands and writes events.
type console struct {
	out  io.Writer
	read func() (string, error)

	restore func()
}

func newConsole() (*console, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		sc := bufio.NewScanner(os.Stdin)
		return &console{
			out: os.Stdout,
			read: func() (string, error) {
				if !sc.Scan() {
					if err := sc.Err(); err != nil {
						return "", err
					}
					return "", io.EOF
				}
				return sc.Text(), nil
			},
			restore: func() {},
		}, nil
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("cannot set raw mode: %w", err)
	}
	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, prompt)
	if w, h, err := term.GetSize(fd); err == nil {
		t.SetSize(w, h)
	}
	return &console{
		out:     t,
		read:    t.ReadLine,
		restore: func() { term.Restore(fd, oldState) },
	}, nil
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// frontEnd turns typed commands into debugger calls and events into text.
type frontEnd struct {
	c *console
	d *debugger.Debugger

	mu           sync.Mutex
	stack        []proto.Frame
	frame        int
	inputPending bool
}

func debugSession(ctx context.Context, s *config.Settings, script string, args []string) error {
	c, err := newConsole()
	if err != nil {
		return err
	}
	defer c.restore()

	f := &frontEnd{c: c}
	f.d = debugger.New(debugger.Config{
		Settings: s,
		Console:  c.out,
		Log:      logging.For("debugger"),
	}, f.handlers())
	defer f.d.Close()

	c.printf("%s[rdbg]%s starting %s  (help: h)\n", colorBold, colorReset, script)
	if err := f.d.Start(ctx, script, args); err != nil {
		return err
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			line, err := c.read()
			if err != nil {
				readErr <- err
				return
			}
			lines <- line
		}
	}()

	done := make(chan debugger.Result, 1)
	go func() {
		res, err := f.d.Wait(context.Background())
		if err == nil {
			done <- res
		}
	}()

	for {
		select {
		case line := <-lines:
			if f.exec(line) {
				f.d.Stop()
			}
		case err := <-readErr:
			// End of input: nothing can drive the session any more.
			if !errors.Is(err, io.EOF) {
				c.printf("rdbg: %v\n", err)
			}
			f.d.Stop()
			select {
			case res := <-done:
				return f.report(res)
			case <-ctx.Done():
				f.d.Kill()
				return f.report(<-done)
			}
		case res := <-done:
			return f.report(res)
		case <-ctx.Done():
			f.d.Kill()
			return f.report(<-done)
		}
	}
}

func (f *frontEnd) report(res debugger.Result) error {
	switch {
	case res.Err != nil:
		f.c.printf("%s[rdbg]%s session failed: %v\n", colorRed, colorReset, res.Err)
	case res.ExitCode != nil:
		f.c.printf("%s[rdbg]%s program exited with code %d\n", colorDim, colorReset, *res.ExitCode)
	default:
		f.c.printf("%s[rdbg]%s session ended\n", colorDim, colorReset)
	}
	return res.Err
}

// ─── Events ───────────────────────────────────────────────────────────────────

func (f *frontEnd) handlers() debugger.Handlers {
	return debugger.Handlers{
		OnStateChanged: func(_, next session.State) {
			if next == session.InClient {
				f.mu.Lock()
				f.frame = 0
				f.mu.Unlock()
			}
		},
		OnStatus: func(msg string) { f.c.printf("%s[rdbg]%s %s\n", colorYellow, colorReset, msg) },
		OnStop: func(stack []proto.Frame) {
			f.setStack(stack)
			if len(stack) > 0 {
				top := stack[0]
				f.c.printf("%s→ %s:%d%s %s\n", colorGreen, top.File, top.Line, colorReset, top.Function)
			}
		},
		OnStack: f.setStack,
		OnException: func(typ, msg string, stack []proto.Frame) {
			f.setStack(stack)
			f.c.printf("%s%s: %s%s\n", colorRed, typ, msg, colorReset)
			f.printStack(stack)
		},
		OnSyntaxErr: func(r proto.SyntaxErrorReport) {
			f.c.printf("%ssyntax error%s %s:%d:%d: %s\n", colorRed, colorReset, r.Filename, r.Line, r.CharacterNumber, r.Message)
		},
		OnSignal: func(r proto.SignalReport) {
			f.c.printf("%ssignal%s %s at %s:%d %s(%s)\n", colorRed, colorReset, r.Message, r.Filename, r.LineNumber, r.Function, r.Arguments)
		},
		OnCallTrace: func(r proto.CallTraceReport) {
			arrow := "→"
			if r.Event == "r" {
				arrow = "←"
			}
			f.c.printf("%s%s %s:%d %s%s\n", colorDim, arrow, r.To.Filename, r.To.LineNumber, r.To.CodeName, colorReset)
		},
		OnThreadList: func(current int, threads []proto.Thread) {
			for _, th := range threads {
				mark := " "
				if th.ID == current {
					mark = "*"
				}
				state := "running"
				if th.Broken {
					state = "stopped"
				}
				f.c.printf("%s %-8d %-20s %s\n", mark, th.ID, th.Name, state)
			}
		},
		OnThreadSet:  func() { f.c.printf("thread switched\n") },
		OnVariables:  func(_ int, vars []proto.Variable) { f.printVars(vars) },
		OnVariable:   func(_ int, _ []string, vars []proto.Variable) { f.printVars(vars) },
		OnExecOutput: f.execOutput,
		OnBreakpointCleared: func(file string, line int) {
			f.c.printf("%stemporary breakpoint %s:%d removed%s\n", colorDim, file, line, colorReset)
		},
		OnBreakpointConditionError: func(file string, line int) {
			f.c.printf("%sbad condition on breakpoint %s:%d%s\n", colorRed, file, line, colorReset)
		},
		OnStdout: func(text string) { io.WriteString(f.c.out, text) },
		OnStderr: func(text string) { f.c.printf("%s%s%s", colorRed, text, colorReset) },
		OnStdinRequest: func(p string, _ bool) {
			f.mu.Lock()
			f.inputPending = true
			f.mu.Unlock()
			if p != "" {
				io.WriteString(f.c.out, p)
			}
		},
		OnExit: func(code int, msg string) {
			if msg != "" {
				f.c.printf("%s%s%s\n", colorDim, msg, colorReset)
			}
		},
	}
}

func (f *frontEnd) setStack(stack []proto.Frame) {
	f.mu.Lock()
	f.stack = stack
	f.frame = 0
	f.mu.Unlock()
}

func (f *frontEnd) printStack(stack []proto.Frame) {
	f.mu.Lock()
	cur := f.frame
	f.mu.Unlock()
	for i, fr := range stack {
		mark := " "
		if i == cur {
			mark = ">"
		}
		f.c.printf("%s #%-2d %s:%d %s(%s)\n", mark, i, fr.File, fr.Line, fr.Function, fr.Arguments)
	}
}

func (f *frontEnd) printVars(vars []proto.Variable) {
	if len(vars) == 0 {
		f.c.printf("%sno variables%s\n", colorDim, colorReset)
		return
	}
	for _, v := range vars {
		f.c.printf("%s%-20s%s %s%-12s%s %s\n", colorCyan, v.Name, colorReset, colorDim, v.Type, colorReset, v.Value)
	}
}

func (f *frontEnd) execOutput(text string, isErr bool) {
	if isErr {
		f.c.printf("%s%s%s", colorRed, text, colorReset)
		return
	}
	io.WriteString(f.c.out, text)
}

// ─── Commands ─────────────────────────────────────────────────────────────────

const help = `commands:
  s, step                 step into
  n, next                 step over
  o, out                  step out
  c, cont [!]             continue (! skips the breakpoint on this line)
  bt, where               show the last reported stack
  f, frame <n>            select frame n for locals/globals/print/exec
  locals, globals         list variables of the selected frame
  p, print <a.b.c>        expand a variable
  !<statement>            execute a statement in the selected frame
  threads                 list threads
  thread <id>             switch thread
  b, break <file:line> [if <cond>]
  tbreak <file:line>      temporary breakpoint
  clear <file:line>       remove a breakpoint
  enable|disable <file:line>
  ignore <file:line> <n>  ignore the next n hits
  bl                      list breakpoints
  < <text>                send a line to the program's stdin
  state                   show the session state
  q, quit                 stop the session
  kill                    force-stop the session`

// exec runs one command line.  It reports whether the user asked to quit.
func (f *frontEnd) exec(line string) bool {
	f.mu.Lock()
	pending := f.inputPending
	frame := f.frame
	f.mu.Unlock()

	trimmed := strings.TrimSpace(line)
	switch {
	case pending && !strings.HasPrefix(trimmed, "<"):
		// The program asked for input; the whole line is the answer.
		f.mu.Lock()
		f.inputPending = false
		f.mu.Unlock()
		f.check(f.d.UserInput(line))
		return false
	case trimmed == "":
		return false
	case strings.HasPrefix(trimmed, "!"):
		f.check(f.d.ExecuteStatement(strings.TrimSpace(trimmed[1:]), frame))
		return false
	case strings.HasPrefix(trimmed, "<"):
		f.mu.Lock()
		f.inputPending = false
		f.mu.Unlock()
		f.check(f.d.UserInput(strings.TrimPrefix(strings.TrimPrefix(trimmed, "<"), " ")))
		return false
	}

	fields := strings.Fields(trimmed)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "h", "help":
		f.c.printf("%s\n", help)
	case "s", "step":
		f.check(f.d.Step())
	case "n", "next":
		f.check(f.d.StepOver())
	case "o", "out":
		f.check(f.d.StepOut())
	case "c", "cont", "continue":
		f.check(f.d.Continue(len(args) > 0 && args[0] == "!"))
	case "bt", "where":
		f.mu.Lock()
		stack := f.stack
		f.mu.Unlock()
		f.printStack(stack)
	case "f", "frame":
		f.selectFrame(args)
	case "locals":
		f.check(f.d.Variables(frame, 0, nil))
	case "globals":
		f.check(f.d.Variables(frame, 1, nil))
	case "p", "print":
		if len(args) != 1 {
			f.c.printf("usage: print <name[.attr...]>\n")
			break
		}
		f.check(f.d.Variable(frame, 0, strings.Split(args[0], "."), nil))
	case "threads":
		f.check(f.d.ThreadList())
	case "thread":
		id, err := oneInt(args)
		if err != nil {
			f.c.printf("usage: thread <id>\n")
			break
		}
		f.check(f.d.SetThread(id))
	case "b", "break", "tbreak":
		bp, err := parseBreakpoint(args, cmd == "tbreak")
		if err != nil {
			f.c.printf("%v\n", err)
			break
		}
		f.check(f.d.SetBreakpoint(bp))
	case "clear", "enable", "disable", "ignore":
		f.breakpointCommand(cmd, args)
	case "bl":
		f.listBreakpoints()
	case "state":
		f.c.printf("%s\n", f.d.State())
	case "q", "quit", "exit":
		return true
	case "kill":
		f.check(f.d.Kill())
	default:
		f.c.printf("unknown command %q (help: h)\n", cmd)
	}
	return false
}

func (f *frontEnd) check(err error) {
	if err != nil {
		f.c.printf("%s%v%s\n", colorRed, err, colorReset)
	}
}

func (f *frontEnd) selectFrame(args []string) {
	n, err := oneInt(args)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil || n < 0 || n >= len(f.stack) {
		f.c.printf("usage: frame <0..%d>\n", len(f.stack)-1)
		return
	}
	f.frame = n
	fr := f.stack[n]
	f.c.printf("#%d %s:%d %s\n", n, fr.File, fr.Line, fr.Function)
}

func (f *frontEnd) breakpointCommand(cmd string, args []string) {
	if len(args) == 0 {
		f.c.printf("usage: %s <file:line>\n", cmd)
		return
	}
	file, line, err := parseLocation(args[0])
	if err != nil {
		f.c.printf("%v\n", err)
		return
	}
	switch cmd {
	case "clear":
		f.check(f.d.ClearBreakpoint(file, line))
	case "enable", "disable":
		f.check(f.d.EnableBreakpoint(file, line, cmd == "enable"))
	case "ignore":
		n, err := oneInt(args[1:])
		if err != nil {
			f.c.printf("usage: ignore <file:line> <count>\n")
			return
		}
		f.check(f.d.IgnoreBreakpoint(file, line, n))
	}
}

func (f *frontEnd) listBreakpoints() {
	bps := f.d.Breakpoints()
	if len(bps) == 0 {
		f.c.printf("%sno breakpoints%s\n", colorDim, colorReset)
		return
	}
	for _, bp := range bps {
		flags := ""
		if !bp.Enabled {
			flags += " disabled"
		}
		if bp.Temporary {
			flags += " temporary"
		}
		if bp.IgnoreCount > 0 {
			flags += fmt.Sprintf(" ignore=%d", bp.IgnoreCount)
		}
		if bp.Condition != "" {
			flags += " if " + bp.Condition
		}
		f.c.printf("%s:%d%s%s%s\n", bp.File, bp.Line, colorDim, flags, colorReset)
	}
}

// parseBreakpoint parses "<file:line> [if <cond>]".
func parseBreakpoint(args []string, temporary bool) (debugger.Breakpoint, error) {
	if len(args) == 0 {
		return debugger.Breakpoint{}, errors.New("usage: break <file:line> [if <condition>]")
	}
	file, line, err := parseLocation(args[0])
	if err != nil {
		return debugger.Breakpoint{}, err
	}
	bp := debugger.Breakpoint{File: file, Line: line, Temporary: temporary, Enabled: true}
	if len(args) > 1 {
		if args[1] != "if" || len(args) < 3 {
			return debugger.Breakpoint{}, errors.New("usage: break <file:line> [if <condition>]")
		}
		bp.Condition = strings.Join(args[2:], " ")
	}
	return bp, nil
}

// parseLocation splits "file:line"; the file is made absolute.
func parseLocation(s string) (string, int, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return "", 0, fmt.Errorf("bad location %q, want file:line", s)
	}
	line, err := strconv.Atoi(s[i+1:])
	if err != nil || line <= 0 {
		return "", 0, fmt.Errorf("bad line number in %q", s)
	}
	file, err := absPath(s[:i])
	if err != nil {
		return "", 0, err
	}
	return file, line, nil
}

func absPath(p string) (string, error) {
	if strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, p[2:])
	}
	return filepath.Abs(p)
}

func oneInt(args []string) (int, error) {
	if len(args) != 1 {
		return 0, errors.New("want one number")
	}
	return strconv.Atoi(args[0])
}
