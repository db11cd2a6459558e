package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/rdbg/internal/config"
	"github.com/ianremillard/rdbg/internal/logging"
	"github.com/ianremillard/rdbg/internal/procfeedback"
	"github.com/ianremillard/rdbg/internal/proto"
)

const testSession = "3f0c2a9e-session"

// fakeIDE is the server end of one wrapper connection.
type fakeIDE struct {
	t    *testing.T
	ln   net.Listener
	conn net.Conn
	r    *proto.Reader
	w    *proto.Writer
}

func newFakeIDE(t *testing.T) *fakeIDE {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	ide := &fakeIDE{t: t, ln: ln}
	t.Cleanup(func() {
		ln.Close()
		if ide.conn != nil {
			ide.conn.Close()
		}
	})
	return ide
}

func (i *fakeIDE) port() int { return i.ln.Addr().(*net.TCPAddr).Port }

func (i *fakeIDE) accept() {
	i.t.Helper()
	c, err := i.ln.Accept()
	require.NoError(i.t, err)
	i.conn = c
	i.r = proto.NewReader(c)
	i.w = proto.NewWriter(c, testSession)
}

func (i *fakeIDE) next() proto.Message {
	i.t.Helper()
	require.NoError(i.t, i.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msg, err := i.r.ReadMessage()
	require.NoError(i.t, err)
	assert.Equal(i.t, testSession, msg.SessionID)
	return msg
}

// expect reads the next message and decodes it as the given report.
func (i *fakeIDE) expect(p proto.Payload) proto.Payload {
	i.t.Helper()
	msg := i.next()
	require.Equal(i.t, p.Method(), msg.Method)
	got, err := msg.Payload(proto.ToIDE)
	require.NoError(i.t, err)
	return got
}

func (i *fakeIDE) send(p proto.Payload) {
	i.t.Helper()
	require.NoError(i.t, i.w.Send(p))
}

func (i *fakeIDE) handshake() {
	i.t.Helper()
	i.accept()
	i.expect(proto.ProcIDInfo{})
	i.send(proto.PrologueContinue{})
}

func newWrapper(ide *fakeIDE, program ProgramFunc) (*Wrapper, *bytes.Buffer) {
	var stderr bytes.Buffer
	return &Wrapper{
		Args: Args{
			Host:      "127.0.0.1",
			Port:      ide.port(),
			SessionID: testSession,
			Argv:      []string{"prog.py", "a"},
		},
		Program: program,
		Stderr:  &stderr,
		Log:     logging.Discard(),
		Exit:    func(int) { panic("unexpected exit") },
	}, &stderr
}

func start(w *Wrapper) <-chan int {
	done := make(chan int, 1)
	go func() { done <- w.Run(context.Background()) }()
	return done
}

func waitCode(t *testing.T, done <-chan int) int {
	t.Helper()
	select {
	case code := <-done:
		return code
	case <-time.After(10 * time.Second):
		t.Fatal("wrapper did not finish")
		return -1
	}
}

func TestWrapperRunsProgram(t *testing.T) {
	ide := newFakeIDE(t)
	w, _ := newWrapper(ide, func(ctx context.Context, env Env) error {
		assert.Equal(t, []string{"prog.py", "a"}, env.Args)
		io.WriteString(env.Stdout, "hi\n")
		io.WriteString(env.Stderr, "oops\n")
		name, err := env.Input.ReadLine(ctx, "name? ", true)
		if err != nil {
			return err
		}
		io.WriteString(env.Stdout, name)
		return &SystemExit{Code: 3}
	})
	done := start(w)

	ide.handshake()
	assert.Equal(t, "hi\n", ide.expect(proto.StdoutAppend{}).(*proto.StdoutAppend).Text)
	assert.Equal(t, "oops\n", ide.expect(proto.StderrAppend{}).(*proto.StderrAppend).Text)
	req := ide.expect(proto.StdinRequest{}).(*proto.StdinRequest)
	assert.Equal(t, proto.StdinRequest{Prompt: "name? ", Echo: true}, *req)

	ide.send(proto.StdinResponse{Input: "bob"})
	assert.Equal(t, "bob", ide.expect(proto.StdoutAppend{}).(*proto.StdoutAppend).Text)

	exit := ide.expect(proto.EpilogueExitCode{}).(*proto.EpilogueExitCode)
	assert.Equal(t, 3, exit.ExitCode)
	ide.send(proto.EpilogueExit{})

	assert.Equal(t, 3, waitCode(t, done))
	_, err := ide.r.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWrapperReportsFailureAsExitCode(t *testing.T) {
	ide := newFakeIDE(t)
	w, stderr := newWrapper(ide, func(context.Context, Env) error {
		return errors.New("ValueError: bad value")
	})
	done := start(w)

	ide.handshake()
	assert.Equal(t, "ValueError: bad value\n", ide.expect(proto.StderrAppend{}).(*proto.StderrAppend).Text)
	exit := ide.expect(proto.EpilogueExitCode{}).(*proto.EpilogueExitCode)
	assert.Equal(t, 1, exit.ExitCode)
	assert.Equal(t, "ValueError: bad value", exit.Message)
	ide.send(proto.EpilogueExit{})
	assert.Equal(t, 1, waitCode(t, done))
	// Printed locally too, without --verbose.
	assert.Contains(t, stderr.String(), "ValueError: bad value")
}

func TestWrapperCleanExitPrintsNothing(t *testing.T) {
	ide := newFakeIDE(t)
	w, stderr := newWrapper(ide, func(context.Context, Env) error { return &SystemExit{Code: 4} })
	done := start(w)

	ide.handshake()
	assert.Equal(t, 4, ide.expect(proto.EpilogueExitCode{}).(*proto.EpilogueExitCode).ExitCode)
	ide.send(proto.EpilogueExit{})
	assert.Equal(t, 4, waitCode(t, done))
	assert.Empty(t, stderr.String())
}

func TestWrapperRecoversProgramPanic(t *testing.T) {
	ide := newFakeIDE(t)
	w, _ := newWrapper(ide, func(context.Context, Env) error {
		panic("kaboom")
	})
	done := start(w)

	ide.handshake()
	assert.Contains(t, ide.expect(proto.StderrAppend{}).(*proto.StderrAppend).Text, "kaboom")
	assert.Equal(t, 1, ide.expect(proto.EpilogueExitCode{}).(*proto.EpilogueExitCode).ExitCode)
	ide.send(proto.EpilogueExit{})
	assert.Equal(t, 1, waitCode(t, done))
}

func TestWrapperHoldsConnectionUntilExitAck(t *testing.T) {
	ide := newFakeIDE(t)
	w, _ := newWrapper(ide, func(context.Context, Env) error { return nil })
	w.ExitAckTimeout = 600 * time.Millisecond
	done := start(w)

	ide.handshake()
	assert.Equal(t, 0, ide.expect(proto.EpilogueExitCode{}).(*proto.EpilogueExitCode).ExitCode)

	// No acknowledgment: the wrapper must still be connected a while later.
	require.NoError(t, ide.conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err := ide.r.ReadMessage()
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout())

	require.NoError(t, ide.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = ide.r.ReadMessage()
	assert.ErrorIs(t, err, io.EOF, "closed after the timeout")
	assert.Equal(t, 0, waitCode(t, done))
}

func TestWrapperPrologueTimeout(t *testing.T) {
	ide := newFakeIDE(t)
	called := false
	w, stderr := newWrapper(ide, func(context.Context, Env) error { called = true; return nil })
	w.ContinueTimeout = 100 * time.Millisecond
	done := start(w)

	ide.accept()
	ide.expect(proto.ProcIDInfo{})

	assert.Equal(t, 1, waitCode(t, done))
	assert.False(t, called)
	assert.Contains(t, stderr.String(), "prologue-continue")
}

func TestWrapperMalformedPrologue(t *testing.T) {
	ide := newFakeIDE(t)
	w, stderr := newWrapper(ide, func(context.Context, Env) error {
		t.Error("program must not run")
		return nil
	})
	done := start(w)

	ide.accept()
	ide.expect(proto.ProcIDInfo{})
	_, err := ide.conn.Write([]byte("this is not a message\n"))
	require.NoError(t, err)

	assert.Equal(t, 1, waitCode(t, done))
	assert.Contains(t, stderr.String(), "malformed")
}

func TestWrapperConnectFails(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	var stderr bytes.Buffer
	w := &Wrapper{
		Args:    Args{Host: "127.0.0.1", Port: port, SessionID: testSession, Argv: []string{"x"}},
		Program: func(context.Context, Env) error { return nil },
		Stderr:  &stderr,
		Log:     logging.Discard(),
	}
	assert.Equal(t, 1, w.Run(context.Background()))
	assert.Contains(t, stderr.String(), "cannot connect")
}

func TestWrapperSendsFeedback(t *testing.T) {
	fb, err := procfeedback.Listen("127.0.0.1")
	require.NoError(t, err)
	defer fb.Close()

	ide := newFakeIDE(t)
	w, _ := newWrapper(ide, func(context.Context, Env) error { return nil })
	w.Args.FeedbackPort = fb.Port()
	done := start(w)

	pid, err := fb.WaitPID(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	ide.handshake()
	ide.expect(proto.EpilogueExitCode{})
	ide.send(proto.EpilogueExit{})
	assert.Equal(t, 0, waitCode(t, done))
}

// exitRecorder stands in for os.Exit.
type exitRecorder struct {
	once   sync.Once
	code   int
	called chan struct{}
}

func newExitRecorder() *exitRecorder { return &exitRecorder{code: -1, called: make(chan struct{})} }

func (e *exitRecorder) exit(code int) {
	e.once.Do(func() {
		e.code = code
		close(e.called)
	})
}

func TestWrapperExitsWhenIDEGoesAway(t *testing.T) {
	for _, how := range []string{"disconnect", "shutdown"} {
		t.Run(how, func(t *testing.T) {
			ide := newFakeIDE(t)
			rec := newExitRecorder()
			stopped := make(chan struct{})
			w, _ := newWrapper(ide, func(ctx context.Context, env Env) error {
				<-ctx.Done()
				close(stopped)
				return ctx.Err()
			})
			w.Exit = rec.exit
			w.ExitAckTimeout = 100 * time.Millisecond
			done := start(w)

			ide.handshake()
			if how == "shutdown" {
				ide.send(proto.Shutdown{})
			} else {
				ide.conn.Close()
			}

			select {
			case <-rec.called:
			case <-time.After(5 * time.Second):
				t.Fatal("wrapper did not exit")
			}
			assert.Equal(t, 0, rec.code)
			select {
			case <-stopped:
			default:
				t.Error("exited before the program stopped")
			}
			assert.Equal(t, 0, waitCode(t, done))
		})
	}
}

// A real program still running when the IDE leaves must not survive the
// wrapper, nor must anything it started in the background.
func TestWrapperKillsProgramWhenIDEGoesAway(t *testing.T) {
	for _, how := range []string{"disconnect", "shutdown"} {
		t.Run(how, func(t *testing.T) {
			pidFile := filepath.Join(t.TempDir(), "pid")
			script := writeScript(t, "long.sh", "sleep 30 &\necho $! > \"$1\"\nwait\n")

			ide := newFakeIDE(t)
			rec := newExitRecorder()
			w, _ := newWrapper(ide, ExecProgram(config.Defaults()))
			w.Args.Argv = []string{script, pidFile}
			w.Exit = rec.exit
			done := start(w)

			ide.handshake()
			pid := readPID(t, pidFile)
			require.False(t, gone(pid))

			if how == "shutdown" {
				ide.send(proto.Shutdown{})
			} else {
				ide.conn.Close()
			}

			select {
			case <-rec.called:
			case <-time.After(10 * time.Second):
				t.Fatal("wrapper did not exit")
			}
			assert.Equal(t, 0, rec.code)
			assert.Eventually(t, func() bool { return gone(pid) }, 2*time.Second, 20*time.Millisecond)
			assert.Equal(t, 0, waitCode(t, done))
		})
	}
}

// Input is requested only when the program asks for it.
func TestWrapperNoInputRequestUnlessAsked(t *testing.T) {
	script := writeScript(t, "quiet.sh", "sleep 0.2\necho done\n")

	ide := newFakeIDE(t)
	w, _ := newWrapper(ide, ExecProgram(config.Defaults()))
	w.Args.Argv = []string{script}
	done := start(w)

	ide.handshake()
	assert.Equal(t, "done\n", ide.expect(proto.StdoutAppend{}).(*proto.StdoutAppend).Text)
	assert.Equal(t, 0, ide.expect(proto.EpilogueExitCode{}).(*proto.EpilogueExitCode).ExitCode)
	ide.send(proto.EpilogueExit{})
	assert.Equal(t, 0, waitCode(t, done))
}
