//go:build integration

// Integration tests for rdbg + rdbg-run.
//
// TestMain builds both binaries once; each test gets an isolated RDBG_ROOT
// and runs shell scripts through a real session: rdbg listens, spawns
// rdbg-run, which connects back, handshakes, runs the script and reports
// its output and exit code over the wire.
//
// Run with:
//
//	go test -tags=integration -v ./test/
//	go test -tags=integration -run TestRunExitCode -v ./test/

package integration_test

import (
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/rdbg/internal/procfeedback"
)

// Paths to the compiled binaries, set once in TestMain.
var (
	rdbgBin   string
	runnerBin string
)

func TestMain(m *testing.M) {
	root := moduleRoot()

	tmpBin, err := os.MkdirTemp("", "rdbg-inttest-bin-*")
	if err != nil {
		panic("MkdirTemp: " + err.Error())
	}
	defer os.RemoveAll(tmpBin)

	rdbgBin = filepath.Join(tmpBin, "rdbg")
	runnerBin = filepath.Join(tmpBin, "rdbg-run")

	for _, b := range []struct{ out, pkg string }{
		{rdbgBin, "./cmd/rdbg"},
		{runnerBin, "./cmd/rdbg-run"},
	} {
		cmd := exec.Command("go", "build", "-o", b.out, b.pkg)
		cmd.Dir = root
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			panic("build " + b.pkg + ": " + err.Error())
		}
	}

	os.Exit(m.Run())
}

// moduleRoot returns the path to the Go module root (one level up from test/).
func moduleRoot() string {
	abs, err := filepath.Abs("..")
	if err != nil {
		panic(err)
	}
	return abs
}

// ── Test environment ──────────────────────────────────────────────────────────

type testEnv struct {
	t       *testing.T
	root    string // RDBG_ROOT
	scripts string
}

type result struct {
	stdout, stderr string
	code           int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return &testEnv{t: t, root: t.TempDir(), scripts: t.TempDir()}
}

func (e *testEnv) envVars() []string {
	return append(os.Environ(), "RDBG_ROOT="+e.root)
}

// script writes a shell script and returns its path.
func (e *testEnv) script(name, body string) string {
	e.t.Helper()
	p := filepath.Join(e.scripts, name)
	require.NoError(e.t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

// rdbg runs an rdbg subcommand with stdin and a deadline.
func (e *testEnv) rdbg(stdin string, args ...string) result {
	e.t.Helper()
	cmd := exec.Command(rdbgBin, args...)
	cmd.Env = e.envVars()
	cmd.Stdin = strings.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	require.NoError(e.t, cmd.Start())

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	var err error
	select {
	case err = <-done:
	case <-time.After(30 * time.Second):
		cmd.Process.Kill()
		<-done
		e.t.Fatalf("rdbg %v did not finish\nstderr: %s", args, stderr.String())
	}

	res := result{stdout: stdout.String(), stderr: stderr.String()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.code = exitErr.ExitCode()
	} else {
		require.NoError(e.t, err)
	}
	return res
}

// run runs a script through `rdbg run` with the freshly built wrapper.
func (e *testEnv) run(stdin, script string, args ...string) result {
	e.t.Helper()
	return e.rdbg(stdin, append([]string{"run", "--runner", runnerBin, script}, args...)...)
}

// lockedBuffer is read by the test while the command writes to it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// session is an rdbg process whose stdin the test writes as it goes.
type session struct {
	t      *testing.T
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout lockedBuffer
	stderr lockedBuffer
	done   chan error
}

func (e *testEnv) interactive(args ...string) *session {
	e.t.Helper()
	s := &session{t: e.t, done: make(chan error, 1)}
	s.cmd = exec.Command(rdbgBin, args...)
	s.cmd.Env = e.envVars()
	s.cmd.Stdout = &s.stdout
	s.cmd.Stderr = &s.stderr
	var err error
	s.stdin, err = s.cmd.StdinPipe()
	require.NoError(e.t, err)
	require.NoError(e.t, s.cmd.Start())
	go func() { s.done <- s.cmd.Wait() }()
	e.t.Cleanup(func() {
		s.cmd.Process.Kill()
	})
	return s
}

func (s *session) send(line string) {
	s.t.Helper()
	_, err := io.WriteString(s.stdin, line+"\n")
	require.NoError(s.t, err)
}

// wait gives the session limit to end and returns how long it took.
func (s *session) wait(limit time.Duration) time.Duration {
	s.t.Helper()
	start := time.Now()
	select {
	case <-s.done:
	case <-time.After(limit):
		s.t.Fatalf("rdbg did not finish within %v\nstdout: %s\nstderr: %s", limit, s.stdout.String(), s.stderr.String())
	}
	return time.Since(start)
}

// readPID waits for a script to write its pid into path.
func readPID(t *testing.T, path string) int {
	t.Helper()
	var pid int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		if err != nil || !strings.HasSuffix(string(data), "\n") {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil
	}, 10*time.Second, 20*time.Millisecond)
	return pid
}

const longScript = "echo $$ > \"$1\"\nsleep 30\n"

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestRunForwardsOutput(t *testing.T) {
	env := newTestEnv(t)
	s := env.script("hello.sh", "echo \"hello $1\"\necho oops >&2\n")

	res := env.run("", s, "world")
	require.Equal(t, 0, res.code, "stderr: %s", res.stderr)
	assert.Equal(t, "hello world\n", res.stdout)
	assert.Contains(t, res.stderr, "oops")
}

func TestRunExitCode(t *testing.T) {
	env := newTestEnv(t)
	s := env.script("fail.sh", "echo before\nexit 3\n")

	res := env.run("", s)
	assert.Equal(t, 3, res.code)
	assert.Equal(t, "before\n", res.stdout)
}

func TestRunAnswersInput(t *testing.T) {
	env := newTestEnv(t)
	s := env.script("ask.sh", "echo 'name? ' >&3\nread name <&4\necho \"hi $name\"\n")

	res := env.run("bob\n", s)
	require.Equal(t, 0, res.code, "stderr: %s", res.stderr)
	assert.Contains(t, res.stdout, "name? hi bob")
}

// Input waiting on stdin stays there unless the script asks for it.
func TestRunLeavesStdinAlone(t *testing.T) {
	env := newTestEnv(t)
	s := env.script("quiet.sh", "echo quiet\n")

	res := env.run("unused\n", s)
	require.Equal(t, 0, res.code, "stderr: %s", res.stderr)
	assert.Equal(t, "quiet\n", res.stdout)
}


// A script without a trailing newline still runs its last line.
func TestRunScriptWithoutTrailingNewline(t *testing.T) {
	env := newTestEnv(t)
	s := env.script("last.sh", "echo one\necho two")

	res := env.run("", s)
	require.Equal(t, 0, res.code, "stderr: %s", res.stderr)
	assert.Equal(t, "one\ntwo\n", res.stdout)
}

func TestRunMissingScript(t *testing.T) {
	env := newTestEnv(t)

	res := env.run("", filepath.Join(env.scripts, "nope.sh"))
	assert.NotEqual(t, 0, res.code)
	assert.Contains(t, res.stderr, "nope.sh")
}

func TestRunUsesScriptOverlay(t *testing.T) {
	env := newTestEnv(t)
	s := env.script("env.sh", "echo \"greeting=$GREETING\"\n")
	overlay := "run:\n  env:\n    GREETING: howdy\n"
	require.NoError(t, os.WriteFile(filepath.Join(env.scripts, ".rdbg.yaml"), []byte(overlay), 0o644))

	res := env.run("", s)
	require.Equal(t, 0, res.code, "stderr: %s", res.stderr)
	assert.Equal(t, "greeting=howdy\n", res.stdout)
}

// TestDebugPipedInput drives the interactive front end without a terminal.
// Commands run as commands, and end of input stops a script that would
// otherwise keep going.
func TestDebugPipedInput(t *testing.T) {
	env := newTestEnv(t)
	s := env.script("dbg.sh", "sleep 30\n")

	start := time.Now()
	res := env.rdbg("state\n", "debug", "--runner", runnerBin, s)
	assert.Less(t, time.Since(start), 20*time.Second, "ended by end of input, not by the script")

	assert.Contains(t, res.stdout, "starting "+s)
	assert.Regexp(t, `(?m)^IN_CLIENT$`, res.stdout, "state command ran")
	assert.Contains(t, res.stdout, "session ended")
}

// Quitting from the console ends a running script promptly, and the script
// does not outlive the session.
func TestDebugQuitEndsLongScript(t *testing.T) {
	env := newTestEnv(t)
	s := env.script("long.sh", longScript)
	pidFile := filepath.Join(env.scripts, "pid")

	sess := env.interactive("debug", "--runner", runnerBin, s, pidFile)
	pid := readPID(t, pidFile)
	require.True(t, procfeedback.IsAlive(pid))

	sess.send("q")
	took := sess.wait(20 * time.Second)
	assert.Less(t, took, 15*time.Second)
	assert.Contains(t, sess.stdout.String(), "session ended")
	assert.Eventually(t, func() bool { return !procfeedback.IsAlive(pid) }, 5*time.Second, 20*time.Millisecond)
}

// A line typed while the script runs and has not asked for input is a
// command, not program input.
func TestDebugLineIsCommandUntilScriptAsks(t *testing.T) {
	env := newTestEnv(t)
	s := env.script("ask.sh", "echo $$ > \"$1\"\nsleep 1\necho 'name? ' >&3\nread name <&4\necho \"hi $name\"\n")
	pidFile := filepath.Join(env.scripts, "pid")

	sess := env.interactive("debug", "--runner", runnerBin, s, pidFile)
	readPID(t, pidFile)
	sess.send("state")
	require.Eventually(t, func() bool {
		return strings.Contains(sess.stdout.String(), "name? ")
	}, 10*time.Second, 20*time.Millisecond)
	sess.send("ann")
	sess.wait(20 * time.Second)

	out := sess.stdout.String()
	assert.Regexp(t, `(?m)^IN_CLIENT$`, out)
	assert.Contains(t, out, "hi ann")
	assert.Contains(t, out, "program exited with code 0")
}

func TestSettingsRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	res := env.rdbg("", "settings", "--write")
	require.Equal(t, 0, res.code, "stderr: %s", res.stderr)
	assert.Contains(t, res.stdout, "terminal_type: redirect")
	assert.FileExists(t, filepath.Join(env.root, "settings.yaml"))

	require.NoError(t, os.WriteFile(filepath.Join(env.root, "settings.yaml"),
		[]byte("terminal_type: pty\n"), 0o644))
	res = env.rdbg("", "settings")
	require.Equal(t, 0, res.code, "stderr: %s", res.stderr)
	assert.Contains(t, res.stdout, "terminal_type: pty")
}

func TestSettingsRejectsBadFile(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.root, "settings.yaml"),
		[]byte("terminal_type: teletype\n"), 0o644))

	res := env.rdbg("", "settings")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "terminal_type")
}

func TestRunnerUsage(t *testing.T) {
	cmd := exec.Command(runnerBin)
	out, err := cmd.CombinedOutput()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.ExitCode())
	assert.Contains(t, string(out), "--port")
}
