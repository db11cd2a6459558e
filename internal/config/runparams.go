package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Launch is where a spawned run wrapper must report back to.
type Launch struct {
	Host         string
	IPv6         bool
	Port         int
	FeedbackPort int
	SessionID    string
}

// HostArg renders the host for the wrapper's --host flag.
func (l Launch) HostArg() string {
	if l.IPv6 {
		return l.Host + "@@ipv6"
	}
	return l.Host
}

// CwdCmdEnv resolves the run parameters of a debug launch: the working
// directory, the full spawn command line and the environment.
func CwdCmdEnv(script string, s *Settings, l Launch) (dir string, argv []string, env []string, err error) {
	script, err = filepath.Abs(script)
	if err != nil {
		return "", nil, nil, err
	}
	if _, err := os.Stat(script); err != nil {
		return "", nil, nil, fmt.Errorf("script: %w", err)
	}

	scriptDir := filepath.Dir(script)
	dir = s.Run.WorkDir
	switch {
	case dir == "":
		dir = scriptDir
	case !filepath.IsAbs(dir):
		dir = filepath.Join(scriptDir, dir)
	}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return "", nil, nil, fmt.Errorf("working directory %s does not exist", dir)
	}

	argv = []string{
		s.RunnerPath(),
		"--host", l.HostArg(),
		"--port", strconv.Itoa(l.Port),
		"--procuuid", l.SessionID,
	}
	if l.FeedbackPort > 0 {
		argv = append(argv, "--feedback-port", strconv.Itoa(l.FeedbackPort))
	}
	argv = append(argv, "--", script)
	argv = append(argv, s.Run.Args...)

	var base []string
	if !s.Run.CleanEnv {
		base = os.Environ()
	}
	extra := make(map[string]string, len(s.Run.Env)+1)
	for k, v := range s.Run.Env {
		extra[k] = v
	}
	if s.Dir != "" {
		// The wrapper reads the same settings for interpreter selection.
		extra[RootEnv] = s.Dir
	}
	env = MergeEnv(base, extra)
	return dir, argv, env, nil
}

// MergeEnv returns base with the keys of extra set, replacing existing
// entries.  New keys are appended in sorted order.
func MergeEnv(base []string, extra map[string]string) []string {
	out := make([]string, 0, len(base)+len(extra))
	seen := make(map[string]bool, len(extra))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if v, ok := extra[k]; ok {
			if !seen[k] {
				out = append(out, k+"="+v)
				seen[k] = true
			}
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

// LookupEnv finds key in an environment slice.
func LookupEnv(env []string, key string) (string, bool) {
	for i := len(env) - 1; i >= 0; i-- {
		if k, v, ok := strings.Cut(env[i], "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}
