package debugger

import (
	"sort"

	"github.com/ianremillard/rdbg/internal/proto"
)

// Breakpoint is one IDE-side breakpoint.
type Breakpoint struct {
	File        string
	Line        int
	Condition   string // empty: unconditional
	Temporary   bool
	Enabled     bool
	IgnoreCount int
}

func (bp Breakpoint) setMessage() proto.SetBreakpoint {
	msg := proto.SetBreakpoint{
		Filename:      bp.File,
		Line:          bp.Line,
		SetBreakpoint: true,
		Temporary:     bp.Temporary,
	}
	if bp.Condition != "" {
		cond := bp.Condition
		msg.Condition = &cond
	}
	return msg
}

type bpKey struct {
	file string
	line int
}

// Breakpoints is the breakpoint store.  It outlives sessions: every new
// debuggee receives the whole set when it reports debug-startup.
type Breakpoints struct {
	byKey map[bpKey]Breakpoint
}

func NewBreakpoints() *Breakpoints {
	return &Breakpoints{byKey: make(map[bpKey]Breakpoint)}
}

// Set adds or replaces the breakpoint at bp's location.
func (b *Breakpoints) Set(bp Breakpoint) {
	b.byKey[bpKey{bp.File, bp.Line}] = bp
}

func (b *Breakpoints) Get(file string, line int) (Breakpoint, bool) {
	bp, ok := b.byKey[bpKey{file, line}]
	return bp, ok
}

// Remove reports whether a breakpoint was there.
func (b *Breakpoints) Remove(file string, line int) bool {
	k := bpKey{file, line}
	_, ok := b.byKey[k]
	delete(b.byKey, k)
	return ok
}

func (b *Breakpoints) SetEnabled(file string, line int, enabled bool) bool {
	return b.update(file, line, func(bp *Breakpoint) { bp.Enabled = enabled })
}

func (b *Breakpoints) SetIgnore(file string, line, count int) bool {
	return b.update(file, line, func(bp *Breakpoint) { bp.IgnoreCount = count })
}

func (b *Breakpoints) update(file string, line int, fn func(*Breakpoint)) bool {
	k := bpKey{file, line}
	bp, ok := b.byKey[k]
	if !ok {
		return false
	}
	fn(&bp)
	b.byKey[k] = bp
	return true
}

// List returns the breakpoints ordered by file, then line.
func (b *Breakpoints) List() []Breakpoint {
	out := make([]Breakpoint, 0, len(b.byKey))
	for _, bp := range b.byKey {
		out = append(out, bp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out
}
