package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ianremillard/rdbg/internal/config"
	"github.com/ianremillard/rdbg/internal/logging"
)

// Main is the rdbg-run entry point.  It returns the process exit status.
func Main(argv []string, stderr io.Writer) int {
	args, err := ParseArgs(argv)
	if err != nil {
		fmt.Fprintln(stderr, err)
		fmt.Fprintln(stderr, Usage)
		return 1
	}

	level := "warn"
	if args.Verbose {
		level = "debug"
	}
	logging.Setup(level, stderr)

	// The IDE passes its settings root in RDBG_ROOT.
	root, err := config.Root()
	if err != nil {
		fmt.Fprintf(stderr, "settings: %v\n", err)
		return 1
	}
	s, err := config.Load(root)
	if err != nil {
		fmt.Fprintf(stderr, "settings: %v\n", err)
		return 1
	}
	script, err := filepath.Abs(args.Script())
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if s, err = s.ForScript(script); err != nil {
		fmt.Fprintf(stderr, "settings: %v\n", err)
		return 1
	}

	// The program leads its own process group, so a signal here reaches it
	// only through the context: cancelling kills the group.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := &Wrapper{
		Args:    args,
		Program: ExecProgram(s),
		Stderr:  stderr,
		Log:     logging.For("runner"),
	}
	return w.Run(ctx)
}
