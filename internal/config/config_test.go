package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	root := t.TempDir()
	s, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, TerminalRedirect, s.TerminalType)
	assert.Equal(t, 15*time.Second, s.Timeouts.Handshake.D())
	assert.Equal(t, root, s.Dir)
}

func TestLoadSettings(t *testing.T) {
	root := t.TempDir()
	yaml := "terminal_type: pty\nstop_at_first_line: false\ntimeouts:\n  graceful: 2s\n  handshake: 15s\n  brutal: 100ms\n  tick: 50ms\nlog_level: debug\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, SettingsFile), []byte(yaml), 0o644))

	s, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, TerminalPTY, s.TerminalType)
	assert.False(t, s.StopAtFirstLine)
	assert.Equal(t, 2*time.Second, s.Timeouts.Graceful.D())
	assert.Equal(t, "debug", s.LogLevel)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, "127.0.0.1", s.Host)
	_, ok := s.InterpreterFor("x.py")
	assert.True(t, ok)
}

func TestLoadRejectsBadValues(t *testing.T) {
	for name, yaml := range map[string]string{
		"terminal": "terminal_type: xterm\n",
		"duration": "timeouts:\n  graceful: soon\n",
		"syntax":   "host: [\n",
		"hook":     "interpreters:\n  .rb:\n    command: [ruby]\n    path_var: RUBYLIB\n    input_hook: perl\n",
		"hookpath": "interpreters:\n  .py:\n    command: [python3]\n    input_hook: python\n",
	} {
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, SettingsFile), []byte(yaml), 0o644))
		_, err := Load(root)
		assert.Error(t, err, name)
	}
}

func TestSaveLoadKeepsDurationsReadable(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Save(root, Defaults()))

	data, err := os.ReadFile(filepath.Join(root, SettingsFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "graceful: 5s")

	s, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, s.Timeouts.Brutal.D())
}

func TestLoadOverlay(t *testing.T) {
	dir := t.TempDir()
	yaml := "stop_at_first_line: false\nrun:\n  args: [a, b]\n  env:\n    FOO: bar\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, OverlayFile), []byte(yaml), 0o644))

	s := Defaults()
	s.Run.Env = map[string]string{"KEEP": "1"}

	found, err := LoadOverlay(s, dir)
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, s.StopAtFirstLine)
	assert.Equal(t, []string{"a", "b"}, s.Run.Args)
	assert.Equal(t, map[string]string{"KEEP": "1", "FOO": "bar"}, s.Run.Env)
}

func TestLoadOverlayMissing(t *testing.T) {
	s := Defaults()
	found, err := LoadOverlay(s, t.TempDir())
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestLoadOverlayPartialDoesNotWipeOtherFields(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, OverlayFile), []byte("host: \"::1\"\n"), 0o644))

	s := Defaults()
	s.Run.Args = []string{"keep"}

	_, err := LoadOverlay(s, dir)
	require.NoError(t, err)
	assert.Equal(t, "::1", s.Host)
	assert.True(t, s.StopAtFirstLine, "absent bool must not reset")
	assert.Equal(t, []string{"keep"}, s.Run.Args)
}

func TestCwdCmdEnv(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "prog.py")
	require.NoError(t, os.WriteFile(script, []byte("print(1)\n"), 0o644))

	s := Defaults()
	s.Runner = "/opt/rdbg-run"
	s.Dir = "/cfg"
	s.Run.Args = []string{"x"}
	s.Run.Env = map[string]string{"A": "1"}
	s.Run.CleanEnv = true

	cwd, argv, env, err := CwdCmdEnv(script, s, Launch{
		Host: "::1", IPv6: true, Port: 4000, FeedbackPort: 4001, SessionID: "sid",
	})
	require.NoError(t, err)
	assert.Equal(t, dir, cwd)
	assert.Equal(t, []string{
		"/opt/rdbg-run",
		"--host", "::1@@ipv6",
		"--port", "4000",
		"--procuuid", "sid",
		"--feedback-port", "4001",
		"--", script, "x",
	}, argv)
	assert.Equal(t, []string{"A=1", "RDBG_ROOT=/cfg"}, env)
}

func TestCwdCmdEnvRelativeWorkDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	script := filepath.Join(dir, "prog.py")
	require.NoError(t, os.WriteFile(script, nil, 0o644))

	s := Defaults()
	s.Run.WorkDir = "sub"
	cwd, _, _, err := CwdCmdEnv(script, s, Launch{Host: "127.0.0.1", Port: 1, SessionID: "s"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sub"), cwd)

	s.Run.WorkDir = "missing"
	_, _, _, err = CwdCmdEnv(script, s, Launch{})
	assert.Error(t, err)
}

func TestMergeEnv(t *testing.T) {
	got := MergeEnv([]string{"A=1", "B=2", "A=3"}, map[string]string{"A": "x", "C": "y"})
	assert.Equal(t, []string{"A=x", "B=2", "C=y"}, got)

	v, ok := LookupEnv(got, "C")
	assert.True(t, ok)
	assert.Equal(t, "y", v)
	_, ok = LookupEnv(got, "D")
	assert.False(t, ok)
}

func TestForScriptDoesNotTouchBase(t *testing.T) {
	dir := t.TempDir()
	yaml := "interpreters:\n  .rb:\n    command: [ruby]\nrun:\n  env:\n    X: \"1\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, OverlayFile), []byte(yaml), 0o644))

	base := Defaults()
	s, err := base.ForScript(filepath.Join(dir, "a.rb"))
	require.NoError(t, err)

	_, ok := s.InterpreterFor("a.rb")
	assert.True(t, ok)
	_, ok = base.InterpreterFor("a.rb")
	assert.False(t, ok, "overlay leaked into base settings")
	assert.Nil(t, base.Run.Env)
	assert.Equal(t, "1", s.Run.Env["X"])
}
