package debugger

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ianremillard/rdbg/internal/config"
	"github.com/ianremillard/rdbg/internal/procfeedback"
	"github.com/ianremillard/rdbg/internal/proto"
	"github.com/ianremillard/rdbg/internal/session"
)

// Conn is the debuggee control connection as the machine sees it.
type Conn interface {
	io.Writer
	Close() error
}

// Endpoints are the sockets a session owns.  The machine closes them during
// shutdown.
type Endpoints struct {
	Listener     io.Closer
	Port         int
	Feedback     io.Closer // nil: no feedback handshake, the PID is not awaited
	FeedbackPort int
}

// Opener creates the session's sockets once the session is in PROLOGUE.
type Opener func(s *config.Settings) (Endpoints, error)

// Machine is the session state machine.  It does no I/O of its own beyond
// writing to the connection and closing what it owns; the surrounding event
// loop feeds it connections, lines, feedback and timer ticks.  It is not
// safe for concurrent use.
type Machine struct {
	h        Handlers
	launcher Launcher
	log      *logrus.Entry
	bps      *Breakpoints

	alive func(pid int) bool
	kill  func(pid int) error
	now   func() time.Time

	model    session.Model
	sess     *session.Session
	settings *config.Settings
	ep       Endpoints
	conn     Conn
	out      *proto.Writer

	handshakeDeadline time.Time
	procInfoSeen      bool
	handshakeDone     bool
	dispatching       bool
	stopDeadline      time.Time
	killed            bool
	failure           error

	onStarted func(error)
	onStopped func(Result)
}

// NewMachine returns a machine in STOPPED.
func NewMachine(launcher Launcher, h Handlers, log *logrus.Entry) *Machine {
	m := &Machine{
		h:        h,
		launcher: launcher,
		log:      log,
		bps:      NewBreakpoints(),
		alive:    procfeedback.IsAlive,
		kill:     procfeedback.Kill,
		now:      time.Now,
	}
	m.model.OnChange = func(old, new session.State) {
		m.log.WithFields(logrus.Fields{"from": old, "to": new}).Debug("state")
		if m.h.OnStateChanged != nil {
			m.h.OnStateChanged(old, new)
		}
	}
	return m
}

func (m *Machine) State() session.State { return m.model.State() }
func (m *Machine) Session() *session.Session { return m.sess }
func (m *Machine) Conn() Conn { return m.conn }
func (m *Machine) Breakpoints() *Breakpoints { return m.bps }

// Start enters PROLOGUE, opens the sockets and spawns the run wrapper.  Any
// failure falls back to STOPPED through a normal stop and is returned.
func (m *Machine) Start(sess *session.Session, s *config.Settings, open Opener) error {
	if m.model.State() != session.Stopped {
		return ErrSessionActive
	}

	m.sess = sess
	m.settings = s
	m.ep = Endpoints{}
	m.conn, m.out = nil, nil
	m.procInfoSeen, m.handshakeDone, m.dispatching, m.killed = false, false, false, false
	m.failure = nil
	m.stopDeadline = time.Time{}
	m.log = m.log.WithField("session", sess.ID)

	if err := m.model.Begin(sess.StopAtFirstLine); err != nil {
		return err
	}
	m.debugMode(true)
	m.handshakeDeadline = m.now().Add(s.Timeouts.Handshake.D())

	if err := m.launch(open); err != nil {
		m.fail(fmt.Errorf("start debugging: %w", err))
		m.Stop(false)
		return m.failure
	}
	return nil
}

func (m *Machine) launch(open Opener) error {
	ep, err := open(m.settings)
	if err != nil {
		return err
	}
	m.ep = ep
	m.sess.Port = ep.Port
	m.sess.FeedbackPort = ep.FeedbackPort

	dir, argv, env, err := config.CwdCmdEnv(m.sess.Script, m.settings, config.Launch{
		Host:         m.settings.Host,
		IPv6:         m.settings.IPv6,
		Port:         ep.Port,
		FeedbackPort: ep.FeedbackPort,
		SessionID:    m.sess.ID,
	})
	if err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"dir": dir, "argv": argv}).Info("launching debuggee")

	pid, err := m.launcher.Launch(LaunchSpec{
		Dir:      dir,
		Argv:     argv,
		Env:      env,
		Terminal: m.settings.TerminalType,
	})
	if err != nil {
		return err
	}
	m.sess.SpawnedPID = pid
	return nil
}

// ─── Events ───────────────────────────────────────────────────────────────────

// OnConnected offers an accepted connection.  It returns false when the
// connection must be aborted: the session is not in PROLOGUE or already
// has its debuggee.
func (m *Machine) OnConnected(c Conn) bool {
	if m.model.State() != session.Prologue || m.conn != nil {
		return false
	}
	m.conn = c
	m.out = proto.NewWriter(c, m.sess.ID)
	m.dispatching = true
	if err := m.model.Connected(); err != nil {
		m.log.WithError(err).Error("connect")
	}
	m.log.Info("debuggee connected")
	return true
}

// OnFeedback handles the feedback datagram outcome.
func (m *Machine) OnFeedback(r procfeedback.Result) {
	if m.sess == nil || !m.model.State().Live() {
		return
	}
	if r.Err != nil {
		m.abort(fmt.Errorf("handshake: %w", r.Err))
		return
	}
	if err := m.sess.SetPID(r.PID); err != nil {
		m.log.WithError(err).Warn("ignoring feedback")
		return
	}
	m.log.WithField("pid", r.PID).Debug("debuggee pid")
	m.maybeContinue()
}

// OnLineReceived dispatches one protocol line.  Lines that do not decode are
// logged and dropped.
func (m *Machine) OnLineReceived(line []byte) {
	if !m.dispatching {
		return
	}
	msg, err := proto.Decode(line)
	if err != nil {
		m.log.WithError(err).Warn("dropping line")
		return
	}
	if msg.SessionID != m.sess.ID {
		m.log.WithField("procuuid", msg.SessionID).Warn("dropping message for another session")
		return
	}
	p, err := msg.Payload(proto.ToIDE)
	if err != nil {
		m.log.WithError(err).Warn("dropping line")
		return
	}
	m.dispatch(p)
}

// OnDisconnected handles the debuggee closing the connection, or a transport
// error on it.
func (m *Machine) OnDisconnected(err error) {
	if m.conn == nil {
		return
	}
	m.sess.DisconnectReceived = true
	m.closeConn()

	switch st := m.model.State(); st {
	case session.Finishing, session.BrutalFinishing:
		m.finish()
	case session.InClient, session.InIDE:
		if m.sess.ExitCode != nil {
			m.Stop(false)
			return
		}
		m.log.WithError(err).Warn("debuggee disconnected")
		if !m.handshakeDone {
			m.fail(ErrDebuggeeDied)
		}
		m.Stop(true)
	}
}

// OnTimerTick checks the handshake deadline, the spawned process and the
// shutdown deadline.
func (m *Machine) OnTimerTick(now time.Time) {
	st := m.model.State()
	switch {
	case st.Live() && !m.handshakeDone:
		if !now.Before(m.handshakeDeadline) {
			m.abort(ErrHandshakeTimeout)
			return
		}
		if pid := m.sess.KillTarget(); pid > 0 && !m.alive(pid) {
			m.abort(ErrDebuggeeDied)
		}
	case st == session.Finishing || st == session.BrutalFinishing:
		if !m.stopDeadline.IsZero() && !now.Before(m.stopDeadline) {
			m.log.Debug("debuggee did not disconnect in time")
			m.finish()
		}
	}
}

// ─── Dispatch ─────────────────────────────────────────────────────────────────

func (m *Machine) dispatch(p proto.Payload) {
	switch p := p.(type) {
	case *proto.ProcIDInfo:
		m.procInfoSeen = true
		m.maybeContinue()

	case *proto.LineReport:
		m.stopReport(p.Stack, m.h.OnStop)

	case *proto.StackReport:
		m.stopReport(p.Stack, m.h.OnStack)

	case *proto.ThreadListReport:
		if m.h.OnThreadList != nil {
			m.h.OnThreadList(p.CurrentID, p.ThreadList)
		}

	case *proto.ThreadSetReport:
		if m.h.OnThreadSet != nil {
			m.h.OnThreadSet()
		}

	case *proto.VariablesReport:
		if m.h.OnVariables != nil {
			m.h.OnVariables(p.Scope, p.Variables)
		}

	case *proto.VariableReport:
		if m.h.OnVariable != nil {
			m.h.OnVariable(p.Scope, p.Variable, p.Variables)
		}

	case *proto.ExceptionReport:
		stack := m.translate(p.Stack)
		if len(stack) > 0 && stack[0].File == "<string>" {
			stack[0].File = m.sess.Script
		}
		if m.model.State() == session.InClient {
			if err := m.model.To(session.InIDE); err != nil {
				m.log.WithError(err).Error("exception")
			}
		}
		if m.h.OnException != nil {
			m.h.OnException(p.Type, p.Message, stack)
		}

	case *proto.SyntaxErrorReport:
		p.Filename = m.sess.Translate(p.Filename)
		if m.h.OnSyntaxErr != nil {
			m.h.OnSyntaxErr(*p)
		}

	case *proto.SignalReport:
		p.Filename = m.sess.Translate(p.Filename)
		if m.h.OnSignal != nil {
			m.h.OnSignal(*p)
		}

	case *proto.CallTraceReport:
		if m.h.OnCallTrace != nil {
			m.h.OnCallTrace(*p)
		}

	case *proto.DebugStartup:
		m.pushBreakpoints()

	case *proto.ClearBreakpoint:
		file := m.sess.Translate(p.Filename)
		m.bps.Remove(file, p.Line)
		if m.h.OnBreakpointCleared != nil {
			m.h.OnBreakpointCleared(file, p.Line)
		}

	case *proto.BPConditionError:
		if m.h.OnBreakpointConditionError != nil {
			m.h.OnBreakpointConditionError(m.sess.Translate(p.Filename), p.Line)
		}

	case *proto.ExecStatementOutput:
		if m.h.OnExecOutput != nil {
			m.h.OnExecOutput(p.Text, false)
		}

	case *proto.ExecStatementError:
		if m.h.OnExecOutput != nil {
			m.h.OnExecOutput(p.Text, true)
		}

	case *proto.StdoutAppend:
		if m.h.OnStdout != nil {
			m.h.OnStdout(p.Text)
		}

	case *proto.StderrAppend:
		if m.h.OnStderr != nil {
			m.h.OnStderr(p.Text)
		}

	case *proto.StdinRequest:
		if m.h.OnStdinRequest != nil {
			m.h.OnStdinRequest(p.Prompt, p.Echo)
		}

	case *proto.EpilogueExitCode:
		m.sess.SetExitCode(p.ExitCode, p.Message)
		m.log.WithField("code", p.ExitCode).Info("debuggee exited")
		m.send(proto.EpilogueExit{})
		if m.h.OnExit != nil {
			m.h.OnExit(p.ExitCode, p.Message)
		}
	}
}

func (m *Machine) stopReport(stack []proto.Frame, notify func([]proto.Frame)) {
	stack = m.translate(stack)
	surface, err := m.model.StopReport()
	if err != nil {
		m.log.WithError(err).Error("stop report")
		return
	}
	if !surface {
		m.log.Debug("first stop suppressed")
		m.send(proto.Continue{})
		return
	}
	if notify != nil {
		notify(stack)
	}
}

func (m *Machine) translate(stack []proto.Frame) []proto.Frame {
	out := make([]proto.Frame, len(stack))
	for i, f := range stack {
		f.File = m.sess.Translate(f.File)
		out[i] = f
	}
	return out
}

// maybeContinue finishes the handshake once the debuggee announced itself
// and, when a feedback socket exists, its PID arrived.
func (m *Machine) maybeContinue() {
	if m.handshakeDone || !m.procInfoSeen {
		return
	}
	if m.ep.Feedback != nil && m.sess.PID() == 0 {
		return
	}
	if err := m.send(proto.PrologueContinue{}); err != nil {
		return
	}
	m.handshakeDone = true
	m.log.Info("handshake complete")
	if m.onStarted != nil {
		m.onStarted(nil)
	}
}

func (m *Machine) pushBreakpoints() {
	for _, bp := range m.bps.List() {
		m.send(bp.setMessage())
		if !bp.Enabled {
			m.send(proto.BreakpointEnable{Filename: bp.File, Line: bp.Line, Enable: false})
		}
		if bp.IgnoreCount > 0 {
			m.send(proto.BreakpointIgnore{Filename: bp.File, Line: bp.Line, Count: bp.IgnoreCount})
		}
	}
}

// ─── Commands ─────────────────────────────────────────────────────────────────

func (m *Machine) requireIDE() error {
	if m.conn == nil {
		return ErrNoConnection
	}
	if m.model.State() != session.InIDE {
		return fmt.Errorf("%w (state %s)", ErrNotInIDE, m.model.State())
	}
	return nil
}

// resume leaves IN_IDE before the command is written, so a stop report that
// races with it is read under the new state.
func (m *Machine) resume(p proto.Payload) error {
	if err := m.requireIDE(); err != nil {
		return err
	}
	if err := m.model.Resume(); err != nil {
		return err
	}
	return m.send(p)
}

func (m *Machine) Step() error { return m.resume(proto.Step{}) }
func (m *Machine) StepOver() error { return m.resume(proto.StepOver{}) }
func (m *Machine) StepOut() error { return m.resume(proto.StepOut{}) }

func (m *Machine) Continue(special bool) error {
	return m.resume(proto.Continue{Special: special})
}

func (m *Machine) inspect(p proto.Payload) error {
	if err := m.requireIDE(); err != nil {
		return err
	}
	return m.send(p)
}

func (m *Machine) ThreadList() error { return m.inspect(proto.ThreadListRequest{}) }

func (m *Machine) SetThread(id int) error {
	return m.inspect(proto.ThreadSetRequest{ThreadID: id})
}

func (m *Machine) Variables(frame, scope int, filters []string) error {
	return m.inspect(proto.VariablesRequest{FrameNumber: frame, Scope: scope, Filters: nonNil(filters)})
}

func (m *Machine) Variable(frame, scope int, path, filters []string) error {
	return m.inspect(proto.VariableRequest{FrameNumber: frame, Scope: scope, Variable: path, Filters: nonNil(filters)})
}

func (m *Machine) ExecuteStatement(stmt string, frame int) error {
	return m.inspect(proto.ExecuteStatement{Statement: stmt, FrameNumber: frame})
}

// UserInput answers a stdin request; the debuggee is running, so any
// connected state will do.
func (m *Machine) UserInput(text string) error {
	if m.conn == nil {
		return ErrNoConnection
	}
	return m.send(proto.StdinResponse{Input: text})
}

// SetBreakpoint stores bp and, when connected, sends it.
func (m *Machine) SetBreakpoint(bp Breakpoint) error {
	m.bps.Set(bp)
	if m.conn == nil || !m.dispatching {
		return nil
	}
	if err := m.send(bp.setMessage()); err != nil {
		return err
	}
	if !bp.Enabled {
		return m.send(proto.BreakpointEnable{Filename: bp.File, Line: bp.Line, Enable: false})
	}
	return nil
}

func (m *Machine) ClearBreakpoint(file string, line int) error {
	if !m.bps.Remove(file, line) {
		return fmt.Errorf("no breakpoint at %s:%d", file, line)
	}
	if m.conn == nil || !m.dispatching {
		return nil
	}
	return m.send(proto.SetBreakpoint{Filename: file, Line: line, SetBreakpoint: false})
}

func (m *Machine) EnableBreakpoint(file string, line int, enable bool) error {
	if !m.bps.SetEnabled(file, line, enable) {
		return fmt.Errorf("no breakpoint at %s:%d", file, line)
	}
	if m.conn == nil || !m.dispatching {
		return nil
	}
	return m.send(proto.BreakpointEnable{Filename: file, Line: line, Enable: enable})
}

func (m *Machine) IgnoreBreakpoint(file string, line, count int) error {
	if !m.bps.SetIgnore(file, line, count) {
		return fmt.Errorf("no breakpoint at %s:%d", file, line)
	}
	if m.conn == nil || !m.dispatching {
		return nil
	}
	return m.send(proto.BreakpointIgnore{Filename: file, Line: line, Count: count})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// send writes p.  A write failure while connected counts as a disconnect.
func (m *Machine) send(p proto.Payload) error {
	if m.out == nil {
		return ErrNoConnection
	}
	if err := m.out.Send(p); err != nil {
		m.log.WithError(err).Warn("send failed")
		m.OnDisconnected(err)
		return err
	}
	return nil
}

// ─── Shutdown ─────────────────────────────────────────────────────────────────

// Stop starts a graceful or forced teardown.  Repeated calls follow the
// session model: a second graceful stop is ignored, a forced stop during a
// graceful one escalates it.
func (m *Machine) Stop(brutal bool) {
	switch m.model.RequestStop(brutal) {
	case session.StopIgnored:
		return
	case session.StopEscalated:
		m.log.Info("stop escalated")
		if m.conn == nil {
			m.finish()
			return
		}
		if d := m.now().Add(m.settings.Timeouts.Brutal.D()); d.Before(m.stopDeadline) {
			m.stopDeadline = d
		}
		return
	}

	m.log.WithField("brutal", brutal).Info("stopping")
	closeQuietly(m.ep.Feedback)
	m.ep.Feedback = nil

	if m.conn == nil {
		m.finish()
		return
	}
	m.dispatching = false
	if m.out != nil {
		if err := m.out.Send(proto.Shutdown{}); err != nil {
			m.log.WithError(err).Debug("send shutdown")
		}
	}
	wait := m.settings.Timeouts.Graceful.D()
	if brutal {
		wait = m.settings.Timeouts.Brutal.D()
	}
	m.stopDeadline = m.now().Add(wait)
}

func (m *Machine) finish() {
	m.closeConn()
	closeQuietly(m.ep.Listener)
	closeQuietly(m.ep.Feedback)
	m.ep = Endpoints{}

	if m.model.Brutal() && !m.killed {
		m.killed = true
		if pid := m.sess.KillTarget(); pid > 0 {
			if err := m.kill(pid); err != nil {
				m.log.WithError(err).Debug("kill")
			}
		}
	}

	m.debugMode(false)
	res := Result{
		SessionID:   m.sess.ID,
		ExitCode:    m.sess.ExitCode,
		ExitMessage: m.sess.ExitMessage,
		Err:         m.failure,
	}
	started := m.handshakeDone
	m.stopDeadline = time.Time{}
	if err := m.model.Finished(); err != nil {
		m.log.WithError(err).Error("finish")
	}

	if !started && m.onStarted != nil {
		err := m.failure
		if err == nil {
			err = ErrAborted
		}
		m.onStarted(err)
	}
	if m.onStopped != nil {
		m.onStopped(res)
	}
}

// abort reports err and forces the session down.
func (m *Machine) abort(err error) {
	m.fail(err)
	m.status(err.Error())
	m.Stop(true)
}

func (m *Machine) fail(err error) {
	if m.failure == nil {
		m.failure = err
	}
}

func (m *Machine) closeConn() {
	if m.conn != nil {
		closeQuietly(m.conn)
	}
	m.conn, m.out = nil, nil
	m.dispatching = false
}

func (m *Machine) debugMode(on bool) {
	if m.h.OnDebugMode != nil {
		m.h.OnDebugMode(on)
	}
}

func (m *Machine) status(msg string) {
	if m.h.OnStatus != nil {
		m.h.OnStatus(msg)
	}
}

func closeQuietly(c io.Closer) {
	if c != nil {
		c.Close()
	}
}
