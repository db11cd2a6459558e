// Package config loads debugger settings.
//
// Settings live in <root>/settings.yaml, where root is $RDBG_ROOT or
// ~/.rdbg.  A script directory may carry a .rdbg.yaml overlay; its fields
// are merged onto the settings one by one, so a partial overlay (e.g. only
// run.args:) leaves everything else alone.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// RootEnv overrides the default settings root.
	RootEnv = "RDBG_ROOT"

	// SettingsFile is the file name under the root.
	SettingsFile = "settings.yaml"

	// OverlayFile is the per-project file name in the script directory.
	OverlayFile = ".rdbg.yaml"

	// RunnerName is the run wrapper executable.
	RunnerName = "rdbg-run"
)

// Terminal types.
const (
	TerminalRedirect = "redirect"
	TerminalPTY      = "pty"
)

// Duration is a time.Duration that reads and writes as "5s" in YAML.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// Interpreter is how the run wrapper starts scripts with a given extension.
type Interpreter struct {
	Command []string `yaml:"command"`            // argv prefix, script path is appended
	PathVar string   `yaml:"path_var,omitempty"` // import search path variable, e.g. PYTHONPATH

	// InputHook installs a replacement for the language's input primitive
	// that asks the IDE for a line.  Empty means none.
	InputHook string `yaml:"input_hook,omitempty"`
}

// Input hooks.
const HookPython = "python"

// Timeouts are the bounded waits of a session.
type Timeouts struct {
	Handshake Duration `yaml:"handshake"` // PROLOGUE: feedback datagram and connection
	Graceful  Duration `yaml:"graceful"`  // wait for disconnect after shutdown
	Brutal    Duration `yaml:"brutal"`    // same, forced teardown
	Tick      Duration `yaml:"tick"`      // liveness polling interval
}

// RunParams are the per-script run parameters.
type RunParams struct {
	// WorkDir is the working directory.  Empty means the script's directory.
	WorkDir  string            `yaml:"work_dir"`
	Args     []string          `yaml:"args"`
	Env      map[string]string `yaml:"env"`
	CleanEnv bool              `yaml:"clean_env"` // start from an empty environment
}

// Settings is the parsed settings.yaml.
type Settings struct {
	TerminalType    string                 `yaml:"terminal_type"`
	StopAtFirstLine bool                   `yaml:"stop_at_first_line"`
	Host            string                 `yaml:"host"`
	IPv6            bool                   `yaml:"ipv6"`
	Runner          string                 `yaml:"runner"`
	LogLevel        string                 `yaml:"log_level"`
	Timeouts        Timeouts               `yaml:"timeouts"`
	Interpreters    map[string]Interpreter `yaml:"interpreters"`
	Run             RunParams              `yaml:"run"`

	// Dir is the root the settings were loaded from.
	Dir string `yaml:"-"`
}

// Defaults returns the settings used when no file exists.
func Defaults() *Settings {
	return &Settings{
		TerminalType:    TerminalRedirect,
		StopAtFirstLine: true,
		Host:            "127.0.0.1",
		LogLevel:        "warn",
		Timeouts: Timeouts{
			Handshake: Duration(15 * time.Second),
			Graceful:  Duration(5 * time.Second),
			Brutal:    Duration(200 * time.Millisecond),
			Tick:      Duration(100 * time.Millisecond),
		},
		Interpreters: map[string]Interpreter{
			".py": {Command: []string{"python3", "-u"}, PathVar: "PYTHONPATH", InputHook: HookPython},
			".sh": {Command: []string{"sh"}},
		},
	}
}

// Root returns the settings root: $RDBG_ROOT or ~/.rdbg.
func Root() (string, error) {
	if env := os.Getenv(RootEnv); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".rdbg"), nil
}

// Load reads <root>/settings.yaml on top of the defaults.  A missing file
// is not an error.
func Load(root string) (*Settings, error) {
	s := Defaults()
	s.Dir = root
	data, err := os.ReadFile(filepath.Join(root, SettingsFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read %s: %w", SettingsFile, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", SettingsFile, err)
	}
	s.Dir = root
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", SettingsFile, err)
	}
	return s, nil
}

// Save writes s to <root>/settings.yaml.
func Save(root string, s *Settings) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return os.WriteFile(filepath.Join(root, SettingsFile), data, 0o644)
}

// Validate rejects values the debugger cannot act on.
func (s *Settings) Validate() error {
	switch s.TerminalType {
	case TerminalRedirect, TerminalPTY:
	default:
		return fmt.Errorf("terminal_type %q: want %q or %q", s.TerminalType, TerminalRedirect, TerminalPTY)
	}
	if s.Host == "" {
		return errors.New("host must not be empty")
	}
	if s.Timeouts.Handshake <= 0 || s.Timeouts.Graceful <= 0 || s.Timeouts.Brutal <= 0 || s.Timeouts.Tick <= 0 {
		return errors.New("timeouts must be positive")
	}
	for ext, in := range s.Interpreters {
		switch in.InputHook {
		case "", HookPython:
		default:
			return fmt.Errorf("interpreters.%s: input_hook %q: want %q", ext, in.InputHook, HookPython)
		}
		if in.InputHook != "" && in.PathVar == "" {
			return fmt.Errorf("interpreters.%s: input_hook needs path_var", ext)
		}
	}
	return nil
}

// Clone returns a deep copy of s.
func (s *Settings) Clone() *Settings {
	c := *s
	c.Interpreters = make(map[string]Interpreter, len(s.Interpreters))
	for ext, in := range s.Interpreters {
		in.Command = append([]string(nil), in.Command...)
		c.Interpreters[ext] = in
	}
	c.Run.Args = append([]string(nil), s.Run.Args...)
	if s.Run.Env != nil {
		c.Run.Env = make(map[string]string, len(s.Run.Env))
		for k, v := range s.Run.Env {
			c.Run.Env[k] = v
		}
	}
	return &c
}

// ForScript returns the settings for one run of script: a copy of s with
// the overlay from the script's directory applied.
func (s *Settings) ForScript(script string) (*Settings, error) {
	c := s.Clone()
	if _, err := LoadOverlay(c, filepath.Dir(script)); err != nil {
		return nil, err
	}
	return c, nil
}

// overlay mirrors Settings with pointers so absent keys can be told apart
// from zero values.
type overlay struct {
	TerminalType    string                 `yaml:"terminal_type"`
	StopAtFirstLine *bool                  `yaml:"stop_at_first_line"`
	Host            string                 `yaml:"host"`
	IPv6            *bool                  `yaml:"ipv6"`
	Interpreters    map[string]Interpreter `yaml:"interpreters"`
	Run             struct {
		WorkDir  string            `yaml:"work_dir"`
		Args     []string          `yaml:"args"`
		Env      map[string]string `yaml:"env"`
		CleanEnv *bool             `yaml:"clean_env"`
	} `yaml:"run"`
}

// LoadOverlay reads .rdbg.yaml from dir and merges it onto s.
//
// Returns (true, nil) if the file was found and applied, (false, nil) if it
// does not exist, or (false, err) on a parse error.
func LoadOverlay(s *Settings, dir string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, OverlayFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", OverlayFile, err)
	}

	var o overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return false, fmt.Errorf("parse %s: %w", OverlayFile, err)
	}

	if o.TerminalType != "" {
		s.TerminalType = o.TerminalType
	}
	if o.StopAtFirstLine != nil {
		s.StopAtFirstLine = *o.StopAtFirstLine
	}
	if o.Host != "" {
		s.Host = o.Host
	}
	if o.IPv6 != nil {
		s.IPv6 = *o.IPv6
	}
	for ext, in := range o.Interpreters {
		if s.Interpreters == nil {
			s.Interpreters = make(map[string]Interpreter)
		}
		s.Interpreters[ext] = in
	}
	if o.Run.WorkDir != "" {
		s.Run.WorkDir = o.Run.WorkDir
	}
	if len(o.Run.Args) > 0 {
		s.Run.Args = o.Run.Args
	}
	for k, v := range o.Run.Env {
		if s.Run.Env == nil {
			s.Run.Env = make(map[string]string)
		}
		s.Run.Env[k] = v
	}
	if o.Run.CleanEnv != nil {
		s.Run.CleanEnv = *o.Run.CleanEnv
	}
	return true, s.Validate()
}

// InterpreterFor returns the interpreter registered for the script's
// extension.
func (s *Settings) InterpreterFor(script string) (Interpreter, bool) {
	in, ok := s.Interpreters[strings.ToLower(filepath.Ext(script))]
	if !ok || len(in.Command) == 0 {
		return Interpreter{}, false
	}
	return in, true
}

// RunnerPath returns the run wrapper executable: the configured one, else
// rdbg-run next to the current executable, else rdbg-run from PATH.
func (s *Settings) RunnerPath() string {
	if s.Runner != "" {
		return s.Runner
	}
	if exe, err := os.Executable(); err == nil {
		cand := filepath.Join(filepath.Dir(exe), RunnerName)
		if st, err := os.Stat(cand); err == nil && !st.IsDir() {
			return cand
		}
	}
	return RunnerName
}
