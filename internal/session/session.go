package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrPIDAlreadySet is returned when a second PID is reported for a session.
var ErrPIDAlreadySet = errors.New("debuggee pid already known")

// PathTranslator maps a path reported by the debuggee to a local path.
type PathTranslator func(remote string) string

// Identity is the default PathTranslator.
func Identity(p string) string { return p }

// Session is the record of one debug run.
type Session struct {
	// Immutable after creation.
	ID              string
	Script          string
	Args            []string
	StopAtFirstLine bool
	Translate       PathTranslator
	CreatedAt       time.Time

	// Filled in while the session runs.
	Port               int // listening TCP port
	FeedbackPort       int // UDP feedback port
	SpawnedPID         int // process the launcher started (may be a shell or terminal)
	DisconnectReceived bool
	ExitCode           *int
	ExitMessage        string

	pid int
}

// New creates a session record with a fresh id.
func New(script string, args []string, stopAtFirstLine bool) *Session {
	return &Session{
		ID:              uuid.NewString(),
		Script:          script,
		Args:            args,
		StopAtFirstLine: stopAtFirstLine,
		Translate:       Identity,
		CreatedAt:       time.Now(),
	}
}

// PID returns the debuggee's OS process id, or 0 before the handshake.
func (s *Session) PID() int { return s.pid }

// SetPID records the debuggee PID.  It is fixed once known.
func (s *Session) SetPID(pid int) error {
	if s.pid != 0 && s.pid != pid {
		return fmt.Errorf("%w: have %d, got %d", ErrPIDAlreadySet, s.pid, pid)
	}
	s.pid = pid
	return nil
}

// SetExitCode records the exit code reported in the epilogue.
func (s *Session) SetExitCode(code int, message string) {
	s.ExitCode = &code
	s.ExitMessage = message
}

// KillTarget returns the PID a forced shutdown should kill: the debuggee
// when known, otherwise whatever the launcher started.
func (s *Session) KillTarget() int {
	if s.pid != 0 {
		return s.pid
	}
	return s.SpawnedPID
}
