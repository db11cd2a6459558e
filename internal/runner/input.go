package runner

// input.go – the side channel a child program asks for input on.
//
// The child gets two extra descriptors: it writes one request per line on
// fd 3 and reads the answer, one line, from fd 4.  A request is a JSON
// object {"prompt": ..., "echo": ...}; any other line is taken as the
// prompt itself, so a shell script can do
//
//	echo 'name? ' >&3; read name <&4
//
// Interpreters with an input hook get a replacement for their input
// primitive that speaks this protocol.  Nothing is requested from the IDE
// unless the child asks: its real stdin is /dev/null.

import (
	"bufio"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/ianremillard/rdbg/internal/config"
)

// Environment variables naming the channel's descriptors in the child.
const (
	InputFDEnv = "RDBG_INPUT_FD"
	ReplyFDEnv = "RDBG_REPLY_FD"
)

//go:embed hooks/sitecustomize.py
var hooks embed.FS

type inputChannel struct {
	reqR, reqW     *os.File // the child writes requests on reqW
	replyR, replyW *os.File // and reads answers on replyR
}

func newInputChannel() (*inputChannel, error) {
	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	replyR, replyW, err := os.Pipe()
	if err != nil {
		reqR.Close()
		reqW.Close()
		return nil, err
	}
	return &inputChannel{reqR: reqR, reqW: reqW, replyR: replyR, replyW: replyW}, nil
}

// attach hands the child's ends to cmd as fds 3 and 4.
func (c *inputChannel) attach(cmd *exec.Cmd) {
	cmd.ExtraFiles = []*os.File{c.reqW, c.replyR}
	cmd.Env = config.MergeEnv(cmd.Env, map[string]string{InputFDEnv: "3", ReplyFDEnv: "4"})
}

// started drops our copies of the child's ends, so the request pipe reads
// EOF once every process holding it is gone.
func (c *inputChannel) started() {
	c.reqW.Close()
	c.replyR.Close()
}

// close releases everything; safe after started and after serve.
func (c *inputChannel) close() {
	c.reqR.Close()
	c.reqW.Close()
	c.replyR.Close()
	c.replyW.Close()
}

// serve answers the child's requests from in until the child stops asking
// or input fails.  Closing the reply pipe gives the child EOF.
func (c *inputChannel) serve(ctx context.Context, in InputProvider) {
	defer c.replyW.Close()
	sc := bufio.NewScanner(c.reqR)
	for sc.Scan() {
		prompt, echo := parseInputRequest(sc.Text())
		line, err := in.ReadLine(ctx, prompt, echo)
		if err != nil {
			return
		}
		if _, err := io.WriteString(c.replyW, line+"\n"); err != nil {
			return
		}
	}
}

type inputRequest struct {
	Prompt *string `json:"prompt"`
	Echo   *bool   `json:"echo"`
}

// parseInputRequest decodes one request line.  Echo defaults to true.
func parseInputRequest(line string) (prompt string, echo bool) {
	var r inputRequest
	if err := json.Unmarshal([]byte(line), &r); err != nil || r.Prompt == nil {
		return line, true
	}
	return *r.Prompt, r.Echo == nil || *r.Echo
}

// installHook writes the input hook for kind into a fresh directory, to be
// put in front of the interpreter's import path.
func installHook(kind string) (dir string, cleanup func(), err error) {
	var name string
	switch kind {
	case config.HookPython:
		name = "sitecustomize.py"
	default:
		return "", nil, fmt.Errorf("unknown input hook %q", kind)
	}
	src, err := hooks.ReadFile("hooks/" + name)
	if err != nil {
		return "", nil, err
	}
	dir, err = os.MkdirTemp("", "rdbg-hook-*")
	if err != nil {
		return "", nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, name), src, 0o644); err != nil {
		os.RemoveAll(dir)
		return "", nil, err
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}
