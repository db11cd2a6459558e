package runner

// wrapper.go – the run sequence.
//
//	feedback ─► connect ─► process-id-info ─► wait prologue-continue
//	    ─► run program (output/input over the connection)
//	    ─► epilogue-exit-code ─► wait epilogue-exit ─► close
//
// A single goroutine reads the connection.  Messages the run sequence waits
// for go to inbox, stdin responses go to inputs.  Losing the connection or
// receiving "shutdown" while the program runs stops the program, then ends
// the process with code 0.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ianremillard/rdbg/internal/logging"
	"github.com/ianremillard/rdbg/internal/procfeedback"
	"github.com/ianremillard/rdbg/internal/proto"
)

// Timeouts used by the run sequence.
const (
	DialTimeout     = time.Second
	ContinueTimeout = 5 * time.Second
	ExitAckTimeout  = 5 * time.Second
	InputTimeout    = 7 * 24 * time.Hour
	AbortTimeout    = 5 * time.Second
)

var errConnClosed = errors.New("connection to the IDE closed")

type inbound struct {
	msg proto.Message
	err error
}

// Wrapper runs one program for one session.
type Wrapper struct {
	Args    Args
	Program ProgramFunc

	// Stderr receives diagnostics that cannot go over the connection.
	Stderr io.Writer
	Log    *logrus.Entry

	// Exit ends the process after the IDE went away mid-run.
	Exit func(code int)

	DialTimeout     time.Duration
	ContinueTimeout time.Duration
	ExitAckTimeout  time.Duration
	InputTimeout    time.Duration
	// AbortTimeout bounds the wait for a stopped program to return.
	AbortTimeout time.Duration

	conn   net.Conn
	out    *proto.Writer
	inbox  chan inbound
	inputs chan string
	gone   chan struct{}

	running atomic.Bool
	closing atomic.Bool
	aborted atomic.Bool

	mu          sync.Mutex
	stopProgram context.CancelFunc
	programDone chan struct{}
}

func (w *Wrapper) defaults() {
	if w.Stderr == nil {
		w.Stderr = os.Stderr
	}
	if w.Log == nil {
		w.Log = logging.For("runner")
	}
	if w.Exit == nil {
		w.Exit = os.Exit
	}
	if w.DialTimeout == 0 {
		w.DialTimeout = DialTimeout
	}
	if w.ContinueTimeout == 0 {
		w.ContinueTimeout = ContinueTimeout
	}
	if w.ExitAckTimeout == 0 {
		w.ExitAckTimeout = ExitAckTimeout
	}
	if w.InputTimeout == 0 {
		w.InputTimeout = InputTimeout
	}
	if w.AbortTimeout == 0 {
		w.AbortTimeout = AbortTimeout
	}
}

// Run executes the whole sequence and returns the process exit status.
// Failures before the program starts print to Stderr and return 1.
func (w *Wrapper) Run(ctx context.Context) int {
	w.defaults()
	w.Log = w.Log.WithField("session", w.Args.SessionID)

	if err := w.prologue(ctx); err != nil {
		fmt.Fprintln(w.Stderr, err)
		if w.conn != nil {
			w.conn.Close()
		}
		return 1
	}

	code, msg := w.execute(ctx)
	if w.aborted.Load() {
		// The IDE is gone or asked us to go; nobody waits for an exit code.
		w.closing.Store(true)
		w.conn.Close()
		return 0
	}
	w.Log.WithField("code", code).Debug("program finished")

	if err := w.out.Send(proto.EpilogueExitCode{ExitCode: code, Message: msg}); err != nil {
		fmt.Fprintln(w.Stderr, err)
		w.close()
		return 1
	}
	w.close()
	return code
}

func (w *Wrapper) prologue(ctx context.Context) error {
	network, ip, err := ResolveHost(ctx, w.Args.Host)
	if err != nil {
		return err
	}
	if w.Args.FeedbackPort != 0 {
		if err := procfeedback.Send(ip.String(), w.Args.FeedbackPort, os.Getpid()); err != nil {
			return err
		}
	}

	w.conn, err = Dial(ctx, network, ip, w.Args.Port, w.DialTimeout)
	if err != nil {
		return err
	}
	w.out = proto.NewWriter(w.conn, w.Args.SessionID)
	w.inbox = make(chan inbound, 16)
	w.inputs = make(chan string, 16)
	w.gone = make(chan struct{})
	go w.read()

	if err := w.out.Send(proto.ProcIDInfo{}); err != nil {
		return err
	}
	if _, err := w.expect(proto.MethodPrologueContinue, w.ContinueTimeout); err != nil {
		return fmt.Errorf("waiting for the IDE to continue: %w", err)
	}
	w.Log.Debug("prologue done")
	return nil
}

// execute runs the program with redirected streams.  Every outcome becomes
// an exit code.
func (w *Wrapper) execute(ctx context.Context) (code int, msg string) {
	stdout := &forwarder{out: w.out}
	stderr := &forwarder{out: w.out, stderr: true}
	env := Env{Stdout: stdout, Stderr: stderr, Input: w, Args: w.Args.Argv}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	w.mu.Lock()
	w.stopProgram, w.programDone = cancel, done
	w.mu.Unlock()

	w.running.Store(true)
	err := w.runProgram(runCtx, env)
	w.running.Store(false)
	close(done)

	code, msg = ExitCode(err)
	if w.aborted.Load() {
		return code, msg
	}
	if msg != "" {
		fmt.Fprintln(stderr, msg)
		// Also on the real stderr, which survives a lost connection.
		fmt.Fprintln(w.Stderr, msg)
	}
	return code, msg
}

// abort stops a running program and ends the process.  It waits at most
// AbortTimeout for the program to return.
func (w *Wrapper) abort(reason string) {
	if !w.running.Load() {
		return
	}
	w.aborted.Store(true)
	w.mu.Lock()
	stop, done := w.stopProgram, w.programDone
	w.mu.Unlock()

	w.Log.WithField("reason", reason).Info("stopping program")
	stop()
	timer := time.NewTimer(w.AbortTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		w.Log.Warn("program did not stop in time")
	}
	w.Exit(0)
}

func (w *Wrapper) runProgram(ctx context.Context, env Env) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.Program(ctx, env)
}

// close waits for the exit acknowledgment, then drops the connection.  The
// IDE must have read the exit code before the socket goes away.
func (w *Wrapper) close() {
	if _, err := w.expect(proto.MethodEpilogueExit, w.ExitAckTimeout); err != nil {
		w.Log.WithError(err).Debug("no exit acknowledgment")
	}
	w.closing.Store(true)
	w.conn.Close()
}

// expect waits for a message with the given method.
func (w *Wrapper) expect(method proto.Method, timeout time.Duration) (proto.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case in := <-w.inbox:
			if in.err != nil {
				return proto.Message{}, in.err
			}
			if in.msg.Method != method {
				return proto.Message{}, fmt.Errorf("expected %s, got %s", method, in.msg.Method)
			}
			return in.msg, nil
		case <-w.gone:
			return proto.Message{}, errConnClosed
		case <-timer.C:
			return proto.Message{}, fmt.Errorf("no %s within %v", method, timeout)
		}
	}
}

func (w *Wrapper) read() {
	defer close(w.gone)
	r := proto.NewReader(w.conn)
	for {
		msg, err := r.ReadMessage()
		if err != nil {
			var perr *proto.ProtocolError
			if errors.As(err, &perr) {
				w.deliver(inbound{err: err})
				continue
			}
			w.disconnected(err)
			return
		}
		if msg.SessionID != w.Args.SessionID {
			w.Log.WithField("procuuid", msg.SessionID).Warn("message for another session")
			continue
		}

		switch msg.Method {
		case proto.MethodStdinResponse:
			var resp proto.StdinResponse
			if err := msg.Unmarshal(&resp); err != nil {
				w.Log.WithError(err).Warn("bad stdin response")
				continue
			}
			select {
			case w.inputs <- resp.Input:
			default:
				w.Log.Warn("unrequested input dropped")
			}
		case proto.MethodShutdown:
			if w.running.Load() {
				w.abort("shutdown requested")
				return
			}
			w.deliver(inbound{msg: msg})
		default:
			w.deliver(inbound{msg: msg})
		}
	}
}

// deliver hands in to the run sequence.  While the program runs nothing
// waits on inbox, so stray messages are dropped rather than left to be
// mistaken for the exit acknowledgment.
func (w *Wrapper) deliver(in inbound) {
	if w.running.Load() {
		w.Log.WithField("method", in.msg.Method).Debug("ignoring message while running")
		return
	}
	select {
	case w.inbox <- in:
	default:
		w.Log.WithField("method", in.msg.Method).Debug("dropping message nobody waits for")
	}
}

func (w *Wrapper) disconnected(err error) {
	if w.closing.Load() {
		return
	}
	w.Log.WithError(err).Debug("connection lost")
	w.abort("connection lost")
}

// ReadLine implements InputProvider over the connection.
func (w *Wrapper) ReadLine(ctx context.Context, prompt string, echo bool) (string, error) {
	if err := w.out.Send(proto.StdinRequest{Prompt: prompt, Echo: echo}); err != nil {
		return "", err
	}
	timer := time.NewTimer(w.InputTimeout)
	defer timer.Stop()
	select {
	case line := <-w.inputs:
		return line, nil
	case <-w.gone:
		return "", errConnClosed
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", fmt.Errorf("no input within %v", w.InputTimeout)
	}
}

// forwarder turns writes into stdout-append / stderr-append messages.
type forwarder struct {
	out    *proto.Writer
	stderr bool
}

func (f *forwarder) Write(p []byte) (int, error) {
	var err error
	if f.stderr {
		err = f.out.Send(proto.StderrAppend{Text: string(p)})
	} else {
		err = f.out.Send(proto.StdoutAppend{Text: string(p)})
	}
	if err != nil {
		return 0, err
	}
	return len(p), nil
}
