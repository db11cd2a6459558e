// rdbg-run – the debuggee run wrapper.
//
// Usage:
//
//	rdbg-run --host <host[@@ipv6]> --port <port> --procuuid <id> [--feedback-port <port>] -- <script> [args...]
//
// rdbg starts it for every session; it connects back to the IDE, runs the
// script with its output and input carried over the control connection and
// reports the exit code.  You do not need to run it by hand.
package main

import (
	"os"

	"github.com/ianremillard/rdbg/internal/runner"
)

func main() {
	os.Exit(runner.Main(os.Args[1:], os.Stderr))
}
