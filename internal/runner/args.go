// Package runner is the debuggee side of a session: the run wrapper that the
// IDE spawns.  It connects back to the IDE, announces itself, waits for the
// go-ahead, runs the target program with its output and input carried over
// the control connection, and reports the exit code.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ErrUsage is wrapped by every command line error.
var ErrUsage = errors.New("usage")

// Usage is printed with argument errors.
const Usage = "usage: rdbg-run --host <host[@@ipv6]> --port <port> --procuuid <id> [--feedback-port <port>] [--verbose] -- <script> [args...]"

// Args is the parsed wrapper command line.
type Args struct {
	Host         string
	Port         int
	SessionID    string
	FeedbackPort int // 0: no feedback datagram
	Verbose      bool

	// Argv is the script path followed by its own arguments.
	Argv []string
}

// Script returns the program to run.
func (a Args) Script() string { return a.Argv[0] }

// ParseArgs parses the wrapper flags.  Everything after the first "--" belongs
// to the script.  Both "--flag value" and "--flag=value" are accepted, as are
// the short forms -h, -p and -i.
func ParseArgs(argv []string) (Args, error) {
	var a Args
	sep := -1
	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		if arg == "--" {
			sep = i
			break
		}

		name, value, hasValue := strings.Cut(arg, "=")
		if !strings.HasPrefix(name, "-") {
			return Args{}, fmt.Errorf("%w: unexpected argument %q", ErrUsage, arg)
		}
		if name == "--verbose" || name == "-v" {
			a.Verbose = true
			continue
		}
		if !hasValue {
			if i+1 >= len(argv) || argv[i+1] == "--" {
				return Args{}, fmt.Errorf("%w: %s needs a value", ErrUsage, name)
			}
			i++
			value = argv[i]
		}

		var err error
		switch name {
		case "--host", "-h":
			a.Host = value
		case "--port", "-p":
			a.Port, err = parsePort(name, value)
		case "--procuuid", "-i":
			a.SessionID = value
		case "--feedback-port":
			a.FeedbackPort, err = parsePort(name, value)
		default:
			err = fmt.Errorf("%w: unknown flag %s", ErrUsage, name)
		}
		if err != nil {
			return Args{}, err
		}
	}

	switch {
	case sep < 0:
		return Args{}, fmt.Errorf("%w: missing -- before the script", ErrUsage)
	case a.Host == "" || a.Port == 0 || a.SessionID == "":
		return Args{}, fmt.Errorf("%w: --host, --port and --procuuid are required", ErrUsage)
	case sep+1 >= len(argv):
		return Args{}, fmt.Errorf("%w: no script given", ErrUsage)
	}
	a.Argv = append([]string(nil), argv[sep+1:]...)
	return a, nil
}

func parsePort(flag, s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 65535 {
		return 0, fmt.Errorf("%w: bad %s %q", ErrUsage, flag, s)
	}
	return n, nil
}

// ─── Connecting ───────────────────────────────────────────────────────────────

// ResolveHost picks the address family and resolves host.  A "@@ipv6" (or
// any "@@...") suffix selects IPv6; everything else is IPv4.
func ResolveHost(ctx context.Context, host string) (network string, ip net.IP, err error) {
	network, family := "tcp4", "ip4"
	if h, _, found := strings.Cut(host, "@@"); found {
		host = h
		network, family = "tcp6", "ip6"
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, family, host)
	if err != nil {
		return "", nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return "", nil, fmt.Errorf("resolve %s: no %s address", host, family)
	}
	return network, ips[0], nil
}

// Dial connects to the IDE.  The connect is bounded by timeout; the socket
// gets keep-alive and no-delay.
func Dial(ctx context.Context, network string, ip net.IP, port int, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout, KeepAlive: 15 * time.Second}
	c, err := d.DialContext(ctx, network, net.JoinHostPort(ip.String(), strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to the IDE: %w", err)
	}
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return c, nil
}
