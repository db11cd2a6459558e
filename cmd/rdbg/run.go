package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ianremillard/rdbg/internal/config"
	"github.com/ianremillard/rdbg/internal/debugger"
	"github.com/ianremillard/rdbg/internal/logging"
)

// runSession runs the script to completion.  Output goes to our stdout and
// stderr; stdin requests are answered from our stdin, which is not read
// until the program first asks.
func runSession(ctx context.Context, s *config.Settings, script string, args []string) error {
	var (
		openStdin sync.Once
		lines     <-chan string
	)

	var d *debugger.Debugger
	h := debugger.Handlers{
		OnStdout: func(text string) { io.WriteString(os.Stdout, text) },
		OnStderr: func(text string) { io.WriteString(os.Stderr, text) },
		OnStdinRequest: func(prompt string, echo bool) {
			io.WriteString(os.Stdout, prompt)
			openStdin.Do(func() { lines = stdinLines(os.Stdin) })
			// Handlers must not call back synchronously.
			go func() {
				if line, ok := <-lines; ok {
					d.UserInput(line)
				}
			}()
		},
		OnStatus: func(msg string) { fmt.Fprintf(os.Stderr, "rdbg: %s\n", msg) },
	}
	d = debugger.New(debugger.Config{
		Settings: s,
		Console:  os.Stderr,
		Log:      logging.For("debugger"),
	}, h)
	defer d.Close()

	if err := d.Start(ctx, script, args); err != nil {
		return err
	}

	res, err := d.Wait(ctx)
	if err != nil {
		// Interrupted: take the debuggee down and report what it managed.
		d.Kill()
		waitCtx, cancel := context.WithTimeout(context.Background(), s.Timeouts.Graceful.D()+time.Second)
		defer cancel()
		if res, err = d.Wait(waitCtx); err != nil {
			return err
		}
	}
	if res.Err != nil {
		return res.Err
	}
	if res.ExitCode == nil {
		return fmt.Errorf("%s ended without reporting an exit code", script)
	}
	if *res.ExitCode != 0 {
		return exitCode(*res.ExitCode)
	}
	return nil
}

// stdinLines reads r line by line.  The channel is closed at EOF.
func stdinLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}
