package session

// StopOutcome says what a stop request did.
type StopOutcome int

const (
	// StopIgnored: nothing to do (already stopped, or teardown of the same
	// or stronger kind already running).
	StopIgnored StopOutcome = iota
	// StopBegun: a teardown started.
	StopBegun
	// StopEscalated: a graceful teardown became a brutal one.
	StopEscalated
)

// Model owns the current state.  It is not safe for concurrent use; the
// debugger drives it from a single goroutine.
type Model struct {
	state State

	// suppressFirstStop is armed per session when the user did not ask to
	// stop at the first line.  The first stop report consumes it.
	suppressFirstStop bool

	// OnChange, if set, is called after every actual state change.
	OnChange func(old, new State)
}

// State returns the current state.
func (m *Model) State() State { return m.state }

// To moves to next.  Moving to the current state is a silent no-op.
func (m *Model) To(next State) error {
	if m.state == next {
		return nil
	}
	if !CanTransition(m.state, next) {
		return &TransitionError{From: m.state, To: next}
	}
	old := m.state
	m.state = next
	if m.OnChange != nil {
		m.OnChange(old, next)
	}
	return nil
}

// Begin enters PROLOGUE for a new session.
func (m *Model) Begin(stopAtFirstLine bool) error {
	if err := m.To(Prologue); err != nil {
		return err
	}
	// Off: the tracer's initial stop is not one the user asked for.
	m.suppressFirstStop = !stopAtFirstLine
	return nil
}

// Connected records the accepted debuggee connection.
func (m *Model) Connected() error {
	return m.To(InClient)
}

// StopReport handles a "stopped at line" report.  It returns true when the
// stop must be surfaced (state is now IN_IDE) and false when it is the
// suppressed first stop, in which case the caller must resume the debuggee.
func (m *Model) StopReport() (surface bool, err error) {
	if m.suppressFirstStop {
		m.suppressFirstStop = false
		return false, nil
	}
	if err := m.To(InIDE); err != nil {
		return false, err
	}
	return true, nil
}

// Resume moves IN_IDE → IN_CLIENT ahead of a stepping or continue command.
func (m *Model) Resume() error {
	return m.To(InClient)
}

// RequestStop applies the idempotence rules for graceful and forced stops.
func (m *Model) RequestStop(brutal bool) StopOutcome {
	switch m.state {
	case Stopped, BrutalFinishing:
		return StopIgnored
	case Finishing:
		if !brutal {
			return StopIgnored
		}
		m.To(BrutalFinishing)
		return StopEscalated
	}
	if brutal {
		m.To(BrutalFinishing)
	} else {
		m.To(Finishing)
	}
	return StopBegun
}

// Brutal reports whether the running teardown is the forced kind.
func (m *Model) Brutal() bool { return m.state == BrutalFinishing }

// Finished ends the teardown.
func (m *Model) Finished() error {
	m.suppressFirstStop = false
	return m.To(Stopped)
}
