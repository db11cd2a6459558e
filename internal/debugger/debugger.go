// Package debugger implements the IDE side of a remote debug session.
//
// A Debugger listens on a TCP port and a UDP feedback port, spawns the run
// wrapper, and drives the session state machine (see package session) from
// a single event loop goroutine:
//
//	accept goroutine ──┐
//	conn reader ───────┤
//	feedback watcher ──┼──► events ──► loop ──► Machine.On*(…)
//	ticker ────────────┤
//	API calls ─────────┘
//
// The Machine holds every piece of session state and is only ever touched
// by the loop, so it needs no locking.
package debugger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ianremillard/rdbg/internal/config"
	"github.com/ianremillard/rdbg/internal/logging"
	"github.com/ianremillard/rdbg/internal/procfeedback"
	"github.com/ianremillard/rdbg/internal/proto"
	"github.com/ianremillard/rdbg/internal/session"
)

var (
	ErrSessionActive    = errors.New("cannot start: previous session not finished")
	ErrHandshakeTimeout = errors.New("handshake timeout")
	ErrDebuggeeDied     = errors.New("debuggee died during prologue")
	ErrNoConnection     = errors.New("cannot send command: no connection")
	ErrNotInIDE         = errors.New("debuggee is not stopped")
	ErrAborted          = errors.New("session stopped before the debuggee started")
	ErrClosed           = errors.New("debugger closed")
)

// Config configures a Debugger.
type Config struct {
	Settings *config.Settings

	// Launcher spawns the run wrapper.  Nil means an ExecLauncher writing
	// the wrapper's own terminal output to Console.
	Launcher Launcher
	Console  io.Writer

	// Translate maps debuggee paths to local ones.  Nil means identity.
	Translate session.PathTranslator

	Log *logrus.Entry
}

// Handlers are notified from the event loop.  They must not block, and must
// not call back into the Debugger synchronously.  Any of them may be nil.
type Handlers struct {
	OnStateChanged func(old, new session.State)
	OnDebugMode    func(on bool)
	OnStatus       func(msg string)

	OnStop       func(stack []proto.Frame) // stopped at stack[0]
	OnStack      func(stack []proto.Frame)
	OnThreadList func(currentID int, threads []proto.Thread)
	OnThreadSet  func()
	OnVariables  func(scope int, vars []proto.Variable)
	OnVariable   func(scope int, path []string, vars []proto.Variable)
	OnException  func(typ, msg string, stack []proto.Frame)
	OnSyntaxErr  func(r proto.SyntaxErrorReport)
	OnSignal     func(r proto.SignalReport)
	OnCallTrace  func(r proto.CallTraceReport)

	OnBreakpointCleared        func(file string, line int)
	OnBreakpointConditionError func(file string, line int)

	OnStdout       func(text string)
	OnStderr       func(text string)
	OnStdinRequest func(prompt string, echo bool)
	OnExecOutput   func(text string, isErr bool)
	OnExit         func(code int, message string)
}

// Result is how a session ended.
type Result struct {
	SessionID   string
	ExitCode    *int // nil when the debuggee never reported one
	ExitMessage string
	Err         error // set when the session failed before going live
}

// Debugger is the session server.  All methods are safe for concurrent use.
type Debugger struct {
	cfg Config
	log *logrus.Entry
	m   *Machine

	events   chan func()
	quit     chan struct{}
	loopDone chan struct{}
	quitOnce sync.Once

	state atomic.Int32

	// Owned by the loop.
	startWaiter chan error
	waiters     []chan Result
	last        Result
	sessionDone chan struct{}
}

// New creates a Debugger and starts its event loop.
func New(cfg Config, h Handlers) *Debugger {
	if cfg.Settings == nil {
		cfg.Settings = config.Defaults()
	}
	if cfg.Log == nil {
		cfg.Log = logging.For("debugger")
	}
	if cfg.Console == nil {
		cfg.Console = os.Stderr
	}
	if cfg.Launcher == nil {
		cfg.Launcher = &ExecLauncher{Console: cfg.Console, Log: cfg.Log}
	}

	d := &Debugger{
		cfg:      cfg,
		log:      cfg.Log,
		events:   make(chan func()),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}

	userChange := h.OnStateChanged
	h.OnStateChanged = func(old, new session.State) {
		d.state.Store(int32(new))
		if userChange != nil {
			userChange(old, new)
		}
	}

	d.m = NewMachine(cfg.Launcher, h, cfg.Log)
	d.m.onStarted = d.started
	d.m.onStopped = d.stopped

	go d.loop()
	return d
}

// ─── Event loop ───────────────────────────────────────────────────────────────

func (d *Debugger) loop() {
	defer close(d.loopDone)

	ticker := time.NewTicker(d.cfg.Settings.Timeouts.Tick.D())
	defer ticker.Stop()

	for {
		select {
		case fn := <-d.events:
			fn()
		case now := <-ticker.C:
			d.m.OnTimerTick(now)
		case <-d.quit:
			return
		}
	}
}

// post queues fn on the loop.  It reports false once the loop is gone.
func (d *Debugger) post(fn func()) bool {
	select {
	case d.events <- fn:
		return true
	case <-d.quit:
		return false
	}
}

// call runs fn on the loop and returns its error.
func (d *Debugger) call(fn func() error) error {
	done := make(chan error, 1)
	if !d.post(func() { done <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-d.loopDone:
		return ErrClosed
	}
}

func (d *Debugger) started(err error) {
	if d.startWaiter != nil {
		d.startWaiter <- err
		d.startWaiter = nil
	}
}

func (d *Debugger) stopped(res Result) {
	if d.sessionDone != nil {
		close(d.sessionDone)
		d.sessionDone = nil
	}
	d.last = res
	for _, w := range d.waiters {
		w <- res
	}
	d.waiters = nil
}

// ─── Session lifecycle ────────────────────────────────────────────────────────

// Start begins debugging script.  It returns once the debuggee has completed
// the handshake and runs user code, or with the reason it did not.
func (d *Debugger) Start(ctx context.Context, script string, args []string) error {
	started := make(chan error, 1)
	if err := d.call(func() error { return d.startSession(script, args, started) }); err != nil {
		return err
	}
	select {
	case err := <-started:
		return err
	case <-ctx.Done():
		_ = d.Kill()
		return ctx.Err()
	}
}

func (d *Debugger) startSession(script string, args []string, started chan error) error {
	if d.m.State() != session.Stopped {
		return ErrSessionActive
	}
	abs, err := filepath.Abs(script)
	if err != nil {
		return err
	}
	s, err := d.cfg.Settings.ForScript(abs)
	if err != nil {
		return err
	}
	if args != nil {
		s.Run.Args = args
	}

	sess := session.New(abs, args, s.StopAtFirstLine)
	if d.cfg.Translate != nil {
		sess.Translate = d.cfg.Translate
	}

	done := make(chan struct{})
	d.sessionDone = done
	d.startWaiter = started

	var (
		ln net.Listener
		fb *procfeedback.Listener
	)
	open := func(s *config.Settings) (Endpoints, error) {
		var err error
		ln, err = listen(s)
		if err != nil {
			return Endpoints{}, err
		}
		fb, err = procfeedback.Listen(s.Host)
		if err != nil {
			ln.Close()
			return Endpoints{}, err
		}
		return Endpoints{
			Listener:     ln,
			Port:         ln.Addr().(*net.TCPAddr).Port,
			Feedback:     fb,
			FeedbackPort: fb.Port(),
		}, nil
	}

	// A failed start has already been reported through started.
	if err := d.m.Start(sess, s, open); err != nil {
		return nil
	}

	go d.acceptLoop(ln, done)
	go d.watchFeedback(fb, sess.ID, done)
	return nil
}

func listen(s *config.Settings) (net.Listener, error) {
	network := "tcp4"
	if s.IPv6 {
		network = "tcp6"
	}
	ln, err := net.Listen(network, net.JoinHostPort(s.Host, "0"))
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	return ln, nil
}

func (d *Debugger) acceptLoop(ln net.Listener, done chan struct{}) {
	for {
		c, err := ln.Accept()
		if err != nil {
			// Listener was closed (shutdown).
			return
		}
		if !d.post(func() { d.connected(c, done) }) {
			c.Close()
			return
		}
	}
}

func (d *Debugger) connected(c net.Conn, done chan struct{}) {
	select {
	case <-done:
		abort(c)
		return
	default:
	}
	if !d.m.OnConnected(c) {
		d.log.WithField("remote", c.RemoteAddr()).Warn("extra connection aborted")
		abort(c)
		return
	}
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetNoDelay(true)
	}
	go d.readLoop(c)
}

// abort drops c with a reset rather than an orderly close.
func abort(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	c.Close()
}

func (d *Debugger) readLoop(c net.Conn) {
	r := proto.NewReader(c)
	for {
		line, err := r.ReadLine()
		if err != nil {
			var perr *proto.ProtocolError
			if errors.As(err, &perr) {
				d.log.WithError(err).Warn("dropping line")
				continue
			}
			d.post(func() {
				if d.m.Conn() == Conn(c) {
					d.m.OnDisconnected(err)
				}
			})
			return
		}
		if !d.post(func() {
			if d.m.Conn() == Conn(c) {
				d.m.OnLineReceived(line)
			}
		}) {
			return
		}
	}
}

func (d *Debugger) watchFeedback(fb *procfeedback.Listener, sessionID string, done chan struct{}) {
	select {
	case r := <-fb.Result():
		d.post(func() {
			if s := d.m.Session(); s != nil && s.ID == sessionID {
				d.m.OnFeedback(r)
			}
		})
	case <-done:
	}
}

// Stop requests a graceful stop.  It returns without waiting; use Wait.
func (d *Debugger) Stop() error {
	return d.call(func() error { d.m.Stop(false); return nil })
}

// Kill requests a forced stop.
func (d *Debugger) Kill() error {
	return d.call(func() error { d.m.Stop(true); return nil })
}

// Wait blocks until the current session is STOPPED and returns its result.
// Without a live session it returns the last result.
func (d *Debugger) Wait(ctx context.Context) (Result, error) {
	ch := make(chan Result, 1)
	err := d.call(func() error {
		if d.m.State() == session.Stopped {
			ch <- d.last
		} else {
			d.waiters = append(d.waiters, ch)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// State returns the current session state.
func (d *Debugger) State() session.State {
	return session.State(d.state.Load())
}

// Close force-stops any session and ends the event loop.
func (d *Debugger) Close() error {
	if d.Kill() == nil {
		timeout := d.cfg.Settings.Timeouts.Brutal.D() + time.Second
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		_, _ = d.Wait(ctx)
		cancel()
	}
	d.quitOnce.Do(func() { close(d.quit) })
	<-d.loopDone
	return nil
}

// ─── Commands ─────────────────────────────────────────────────────────────────

func (d *Debugger) Step() error { return d.call(d.m.Step) }
func (d *Debugger) StepOver() error { return d.call(d.m.StepOver) }
func (d *Debugger) StepOut() error { return d.call(d.m.StepOut) }

// Continue resumes the debuggee.  special skips the breakpoint on the
// current line.
func (d *Debugger) Continue(special bool) error {
	return d.call(func() error { return d.m.Continue(special) })
}

func (d *Debugger) ThreadList() error { return d.call(d.m.ThreadList) }

func (d *Debugger) SetThread(id int) error {
	return d.call(func() error { return d.m.SetThread(id) })
}

// Variables requests one scope (1 global, 0 local) of a frame.
func (d *Debugger) Variables(frame, scope int, filters []string) error {
	return d.call(func() error { return d.m.Variables(frame, scope, filters) })
}

// Variable expands a nested variable given by its name path.
func (d *Debugger) Variable(frame, scope int, path, filters []string) error {
	return d.call(func() error { return d.m.Variable(frame, scope, path, filters) })
}

func (d *Debugger) ExecuteStatement(stmt string, frame int) error {
	return d.call(func() error { return d.m.ExecuteStatement(stmt, frame) })
}

// UserInput answers a stdin request.
func (d *Debugger) UserInput(text string) error {
	return d.call(func() error { return d.m.UserInput(text) })
}

func (d *Debugger) SetBreakpoint(bp Breakpoint) error {
	return d.call(func() error { return d.m.SetBreakpoint(bp) })
}

func (d *Debugger) ClearBreakpoint(file string, line int) error {
	return d.call(func() error { return d.m.ClearBreakpoint(file, line) })
}

func (d *Debugger) EnableBreakpoint(file string, line int, enable bool) error {
	return d.call(func() error { return d.m.EnableBreakpoint(file, line, enable) })
}

func (d *Debugger) IgnoreBreakpoint(file string, line, count int) error {
	return d.call(func() error { return d.m.IgnoreBreakpoint(file, line, count) })
}

// Breakpoints returns a snapshot of the breakpoint store.
func (d *Debugger) Breakpoints() []Breakpoint {
	var out []Breakpoint
	_ = d.call(func() error { out = d.m.Breakpoints().List(); return nil })
	return out
}
