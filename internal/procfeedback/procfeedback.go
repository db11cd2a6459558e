// Package procfeedback covers the debuggee's OS process: liveness checks,
// forced kill, and the one-shot UDP datagram through which the run wrapper
// reports its PID to the IDE.
//
// The datagram payload is the PID in decimal, optionally followed by a
// newline.  Nothing else is accepted.
package procfeedback

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrMalformedFeedback is returned for a datagram that is not exactly
	// one integer PID.
	ErrMalformedFeedback = errors.New("malformed handshake message")

	// ErrCannotKill is returned when the OS refuses the kill or the process
	// is already gone.
	ErrCannotKill = errors.New("could not kill process")
)

// maxDatagram bounds what we read from the feedback socket.
const maxDatagram = 512

// IsAlive reports whether pid names a live process.  It never fails for a
// dead one; EPERM means the process exists but belongs to someone else.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Kill sends SIGKILL to pid's process group when pid leads one, otherwise to
// pid alone.
func Kill(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("%w: invalid pid %d", ErrCannotKill, pid)
	}
	// Look up the real PGID rather than assuming it equals the PID.
	if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
		if err := unix.Kill(-pgid, unix.SIGKILL); err == nil {
			return nil
		}
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		return fmt.Errorf("%w %d: %v", ErrCannotKill, pid, err)
	}
	return nil
}

// EncodeFeedback renders the datagram for pid.
func EncodeFeedback(pid int) []byte {
	return []byte(strconv.Itoa(pid) + "\n")
}

// DecodeFeedback extracts the PID from a feedback datagram.
func DecodeFeedback(datagram []byte) (int, error) {
	fields := strings.Fields(string(datagram))
	if len(fields) != 1 {
		return 0, fmt.Errorf("%w: want 1 field, got %d", ErrMalformedFeedback, len(fields))
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: bad pid %q", ErrMalformedFeedback, fields[0])
	}
	return pid, nil
}

// Send reports pid to the feedback port on host.
func Send(host string, port, pid int) error {
	conn, err := net.Dial("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("dial feedback port: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write(EncodeFeedback(pid)); err != nil {
		return fmt.Errorf("send feedback: %w", err)
	}
	return nil
}

// Result is what a Listener delivers: the PID or the reason there is none.
type Result struct {
	PID int
	Err error
}

// Listener receives exactly one feedback datagram.
type Listener struct {
	conn   net.PacketConn
	result chan Result

	closeOnce sync.Once
}

// Listen binds a UDP socket on host with an OS-assigned port and starts
// waiting for the datagram.
func Listen(host string) (*Listener, error) {
	conn, err := net.ListenPacket("udp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, fmt.Errorf("listen feedback socket: %w", err)
	}
	l := &Listener{conn: conn, result: make(chan Result, 1)}
	go l.receive()
	return l, nil
}

// Port returns the port the debuggee must report to.
func (l *Listener) Port() int {
	return l.conn.LocalAddr().(*net.UDPAddr).Port
}

// Result delivers the outcome once.  The channel is never closed; a closed
// listener simply never delivers.
func (l *Listener) Result() <-chan Result {
	return l.result
}

// WaitPID blocks for the datagram at most timeout.
func (l *Listener) WaitPID(timeout time.Duration) (int, error) {
	select {
	case r := <-l.result:
		return r.PID, r.Err
	case <-time.After(timeout):
		return 0, fmt.Errorf("no feedback datagram within %v", timeout)
	}
}

// Close releases the socket.  Safe to call more than once.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.conn.Close()
	})
	return err
}

func (l *Listener) receive() {
	buf := make([]byte, maxDatagram)
	n, _, err := l.conn.ReadFrom(buf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return
		}
		l.result <- Result{Err: fmt.Errorf("read feedback: %w", err)}
		return
	}
	pid, err := DecodeFeedback(buf[:n])
	l.result <- Result{PID: pid, Err: err}
}
