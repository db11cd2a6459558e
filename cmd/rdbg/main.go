// rdbg – run and debug scripts over the rdbg session protocol.
//
// Usage:
//
//	rdbg debug <script> [args...]   – start a session and drive it from the terminal
//	rdbg run <script> [args...]     – run a script through the wrapper and exit with its code
//	rdbg settings [--write]         – print the effective settings (--write: save them)
//	rdbg version                    – print the version
//
// Settings are read from $RDBG_ROOT/settings.yaml (default ~/.rdbg) and a
// .rdbg.yaml next to the script.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ianremillard/rdbg/internal/config"
	"github.com/ianremillard/rdbg/internal/logging"
)

var version = "dev"

// Flags shared by all commands.
var (
	rootDir     string
	logLevel    string
	usePTY      bool
	noStop      bool
	runnerPath  string
	writeConfig bool
)

// exitCode ends the process with a specific status after cobra returns.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

var rootCmd = &cobra.Command{
	Use:           "rdbg",
	Short:         "run and debug scripts over the rdbg session protocol",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var debugCmd = &cobra.Command{
	Use:   "debug <script> [args...]",
	Short: "start a debug session and drive it from the terminal",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
		defer stop()
		return debugSession(ctx, s, args[0], args[1:])
	},
}

var runCmd = &cobra.Command{
	Use:   "run <script> [args...]",
	Short: "run a script through the wrapper and exit with its exit code",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runSession(ctx, s, args[0], args[1:])
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings [script]",
	Short: "print the effective settings, optionally with a script's overlay applied",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			abs, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if s, err = s.ForScript(abs); err != nil {
				return err
			}
		}
		if writeConfig {
			if err := config.Save(s.Dir, s); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "rdbg: wrote %s\n", filepath.Join(s.Dir, config.SettingsFile))
		}
		data, err := yaml.Marshal(s)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("rdbg", version)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootDir, "root", "", "settings directory (env: "+config.RootEnv+", default ~/.rdbg)")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error, off (env: "+logging.EnvVar+")")

	for _, c := range []*cobra.Command{debugCmd, runCmd} {
		c.Flags().BoolVar(&usePTY, "pty", false, "give the debuggee a pseudo-terminal")
		c.Flags().StringVar(&runnerPath, "runner", "", "run wrapper executable (default: rdbg-run next to rdbg)")
		// Script arguments may look like flags.
		c.Flags().SetInterspersed(false)
	}
	debugCmd.Flags().BoolVar(&noStop, "no-stop", false, "do not stop at the first line")
	settingsCmd.Flags().BoolVar(&writeConfig, "write", false, "save the effective settings to the settings file")

	rootCmd.AddCommand(debugCmd, runCmd, settingsCmd, versionCmd)
}

// loadSettings reads the settings file and applies command line overrides.
func loadSettings() (*config.Settings, error) {
	root := rootDir
	if root == "" {
		var err error
		if root, err = config.Root(); err != nil {
			return nil, err
		}
	}
	s, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	level := s.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logging.Setup(level, os.Stderr)

	if usePTY {
		s.TerminalType = config.TerminalPTY
	}
	if noStop {
		s.StopAtFirstLine = false
	}
	if runnerPath != "" {
		s.Runner = runnerPath
	}
	return s, nil
}

func main() {
	err := rootCmd.ExecuteContext(context.Background())
	var code exitCode
	switch {
	case err == nil:
	case errors.As(err, &code):
		os.Exit(int(code))
	default:
		fmt.Fprintf(os.Stderr, "rdbg: %v\n", err)
		os.Exit(1)
	}
}
