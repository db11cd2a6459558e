// Package session holds the per-run debug session record and the state
// model that decides which transitions are legal.
//
//	STOPPED ─start─► PROLOGUE ─accept─► IN_CLIENT ◄─resume── IN_IDE
//	                    │                   │ └────stop report────►│
//	                    └──────────┬────────┴──────────────────────┘
//	                               ▼
//	                  FINISHING ─force─► BRUTAL_FINISHING
//	                      └───────► STOPPED ◄──────┘
package session

import "fmt"

// State is the debugger session state.
type State int

const (
	// Stopped is the initial and terminal state.
	Stopped State = iota
	// Prologue: the debuggee was spawned, connection and handshake pending.
	Prologue
	// InClient: the debuggee runs; the IDE waits for a stop report.
	InClient
	// InIDE: the debuggee is stopped and waits for the next command.
	InIDE
	// Finishing: graceful teardown in progress.
	Finishing
	// BrutalFinishing: forced teardown in progress.
	BrutalFinishing
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Prologue:
		return "PROLOGUE"
	case InClient:
		return "IN_CLIENT"
	case InIDE:
		return "IN_IDE"
	case Finishing:
		return "FINISHING"
	case BrutalFinishing:
		return "BRUTAL_FINISHING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Connected reports whether a debuggee connection may exist in s.
func (s State) Connected() bool {
	return s == InClient || s == InIDE
}

// Live reports whether s belongs to a session that has not begun teardown.
func (s State) Live() bool {
	return s == Prologue || s == InClient || s == InIDE
}

var transitions = map[State][]State{
	Stopped:         {Prologue},
	Prologue:        {InClient, Finishing, BrutalFinishing},
	InClient:        {InIDE, Finishing, BrutalFinishing},
	InIDE:           {InClient, Finishing, BrutalFinishing},
	Finishing:       {BrutalFinishing, Stopped},
	BrutalFinishing: {Stopped},
}

// CanTransition reports whether from → to is in the transition table.
// Staying in the same state is always allowed.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError is returned for a move the table does not allow.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal session transition %s → %s", e.From, e.To)
}
