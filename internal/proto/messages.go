// Package proto defines the control messages exchanged between the IDE-side
// debug server (rdbg) and the debuggee run wrapper (rdbg-run).
//
// Every message is one newline-terminated JSON object:
//
//	{"jsonrpc":"2.0","method":"<method>","procuuid":"<session id>","params":{...}}
//
// Text that may contain newlines (captured output, user input) only ever
// travels JSON-escaped inside params, so a raw newline byte always ends a
// message.  A trailing end-of-transmission byte (0x04) is tolerated.
//
// The method vocabulary is closed.  Some methods are used in both
// directions with different payloads (thread-list, variables, variable,
// thread-set), so typed decoding needs the direction the message travelled.
package proto

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Method is a symbolic command name from the closed vocabulary.
type Method string

// Core session protocol.
const (
	MethodProcIDInfo       Method = "process-id-info"
	MethodPrologueContinue Method = "prologue-continue"
	MethodEpilogueExit     Method = "epilogue-exit"
	MethodEpilogueExitCode Method = "epilogue-exit-code"
	MethodStdinRequest     Method = "stdin-request"
	MethodStdinResponse    Method = "stdin-response"
	MethodStdout           Method = "stdout-append"
	MethodStderr           Method = "stderr-append"
	MethodShutdown         Method = "shutdown"
)

// Stepping and inspection.
const (
	MethodLine       Method = "line"
	MethodStack      Method = "stack"
	MethodThreadList Method = "thread-list"
	MethodVariables  Method = "variables"
	MethodStep       Method = "step"
	MethodStepOver   Method = "step-over"
	MethodStepOut    Method = "step-out"
	MethodContinue   Method = "continue"
)

// Extended debugger vocabulary.
const (
	MethodVariable         Method = "variable"
	MethodException        Method = "exception"
	MethodSyntaxError      Method = "syntax-error"
	MethodSignal           Method = "signal"
	MethodDebugStartup     Method = "debug-startup"
	MethodCallTrace        Method = "call-trace"
	MethodThreadSet        Method = "thread-set"
	MethodSetBreakpoint    Method = "set-breakpoint"
	MethodBreakpointEnable Method = "breakpoint-enable"
	MethodBreakpointIgnore Method = "breakpoint-ignore"
	MethodClearBreakpoint  Method = "clear-breakpoint"
	MethodBPConditionError Method = "bp-condition-error"
	MethodExecuteStatement Method = "execute-statement"
	MethodExecStatementOut Method = "exec-statement-output"
	MethodExecStatementErr Method = "exec-statement-error"
)

// Direction tells which way a message travelled.
type Direction int

const (
	// ToDebuggee is IDE → debuggee.
	ToDebuggee Direction = iota
	// ToIDE is debuggee → IDE.
	ToIDE
)

func (d Direction) String() string {
	if d == ToIDE {
		return "ide"
	}
	return "debuggee"
}

// Payload is one variant of the tagged union over the method vocabulary.
type Payload interface {
	Method() Method
}

// bare marks payloads that carry no parameters; they travel as "params":null.
type bare struct{}

func (bare) noParams() {}

// ─── Core protocol payloads ───────────────────────────────────────────────────

// ProcIDInfo announces the debuggee; the session id is in the envelope.
type ProcIDInfo struct{ bare }

// PrologueContinue lets the debuggee start running user code.
type PrologueContinue struct{ bare }

// EpilogueExit acknowledges the exit code; the debuggee may close afterwards.
type EpilogueExit struct{ bare }

// Shutdown asks the debuggee to terminate.
type Shutdown struct{ bare }

// EpilogueExitCode reports how the debugged script ended.
type EpilogueExitCode struct {
	ExitCode int    `json:"exitCode"`
	Message  string `json:"message,omitempty"`
}

// StdinRequest asks the IDE for one line of user input.
type StdinRequest struct {
	Prompt string `json:"prompt"`
	Echo   bool   `json:"echo"`
}

// StdinResponse carries the user's input line.
type StdinResponse struct {
	Input string `json:"input"`
}

// StdoutAppend is a chunk the script wrote to standard output.
type StdoutAppend struct {
	Text string `json:"text"`
}

// StderrAppend is a chunk the script wrote to standard error.
type StderrAppend struct {
	Text string `json:"text"`
}

// ─── Stepping payloads ────────────────────────────────────────────────────────

type Step struct{ bare }
type StepOver struct{ bare }
type StepOut struct{ bare }

// Continue resumes the debuggee.  Special is set after certain breakpoint
// conditions so the debuggee skips the current line's breakpoint.
type Continue struct {
	Special bool `json:"special"`
}

// ThreadListRequest asks for the debuggee's threads.
type ThreadListRequest struct{ bare }

// VariablesRequest asks for the variables of one scope in one frame.
type VariablesRequest struct {
	FrameNumber int      `json:"frameNumber"`
	Scope       int      `json:"scope"`
	Filters     []string `json:"filters"`
}

// VariableRequest asks to expand one (possibly nested) variable.
type VariableRequest struct {
	FrameNumber int      `json:"frameNumber"`
	Variable    []string `json:"variable"`
	Scope       int      `json:"scope"`
	Filters     []string `json:"filters"`
}

// ExecuteStatement runs a statement in the context of a frame.
type ExecuteStatement struct {
	Statement   string `json:"statement"`
	FrameNumber int    `json:"frameNumber"`
}

// SetBreakpoint sets or clears a breakpoint.
type SetBreakpoint struct {
	Filename      string  `json:"filename"`
	Line          int     `json:"line"`
	SetBreakpoint bool    `json:"setBreakpoint"`
	Condition     *string `json:"condition"`
	Temporary     bool    `json:"temporary"`
}

type BreakpointEnable struct {
	Filename string `json:"filename"`
	Line     int    `json:"line"`
	Enable   bool   `json:"enable"`
}

type BreakpointIgnore struct {
	Filename string `json:"filename"`
	Line     int    `json:"line"`
	Count    int    `json:"count"`
}

// ThreadSetRequest makes the given thread current.
type ThreadSetRequest struct {
	ThreadID int `json:"threadID"`
}

// ─── Reports (debuggee → IDE) ─────────────────────────────────────────────────

// LineReport says the debuggee stopped; Stack[0] is the top frame.
type LineReport struct {
	Stack []Frame `json:"stack"`
}

// StackReport refreshes the call stack of a stopped debuggee.
type StackReport struct {
	Stack []Frame `json:"stack"`
}

type ThreadListReport struct {
	CurrentID  int      `json:"currentID"`
	ThreadList []Thread `json:"threadList"`
}

type VariablesReport struct {
	Scope     int        `json:"scope"`
	Variables []Variable `json:"variables"`
}

type VariableReport struct {
	Scope     int        `json:"scope"`
	Variable  []string   `json:"variable"`
	Variables []Variable `json:"variables"`
}

type ExceptionReport struct {
	Type    string  `json:"type"`
	Message string  `json:"message"`
	Stack   []Frame `json:"stack"`
}

type SyntaxErrorReport struct {
	Message         string `json:"message"`
	Filename        string `json:"filename"`
	Line            int    `json:"line"`
	CharacterNumber int    `json:"characternumber"`
}

type SignalReport struct {
	Message    string `json:"message"`
	Filename   string `json:"filename"`
	LineNumber int    `json:"linenumber"`
	Function   string `json:"function"`
	Arguments  string `json:"arguments"`
}

type DebugStartup struct {
	Filename   string `json:"filename"`
	Exceptions bool   `json:"exceptions"`
}

// CallTraceReport is one call ("c") or return ("r") event.
type CallTraceReport struct {
	Event string        `json:"event"`
	From  CallTraceSite `json:"from"`
	To    CallTraceSite `json:"to"`
}

type CallTraceSite struct {
	Filename   string `json:"filename"`
	LineNumber int    `json:"linenumber"`
	CodeName   string `json:"codename"`
}

type ThreadSetReport struct{ bare }

type ClearBreakpoint struct {
	Filename string `json:"filename"`
	Line     int    `json:"line"`
}

type BPConditionError struct {
	Filename string `json:"filename"`
	Line     int    `json:"line"`
}

type ExecStatementOutput struct {
	Text string `json:"text"`
}

type ExecStatementError struct {
	Text string `json:"text"`
}

func (ProcIDInfo) Method() Method { return MethodProcIDInfo }
func (PrologueContinue) Method() Method { return MethodPrologueContinue }
func (EpilogueExit) Method() Method { return MethodEpilogueExit }
func (Shutdown) Method() Method { return MethodShutdown }
func (EpilogueExitCode) Method() Method { return MethodEpilogueExitCode }
func (StdinRequest) Method() Method { return MethodStdinRequest }
func (StdinResponse) Method() Method { return MethodStdinResponse }
func (StdoutAppend) Method() Method { return MethodStdout }
func (StderrAppend) Method() Method { return MethodStderr }
func (Step) Method() Method { return MethodStep }
func (StepOver) Method() Method { return MethodStepOver }
func (StepOut) Method() Method { return MethodStepOut }
func (Continue) Method() Method { return MethodContinue }
func (ThreadListRequest) Method() Method { return MethodThreadList }
func (VariablesRequest) Method() Method { return MethodVariables }
func (VariableRequest) Method() Method { return MethodVariable }
func (ExecuteStatement) Method() Method { return MethodExecuteStatement }
func (SetBreakpoint) Method() Method { return MethodSetBreakpoint }
func (BreakpointEnable) Method() Method { return MethodBreakpointEnable }
func (BreakpointIgnore) Method() Method { return MethodBreakpointIgnore }
func (ThreadSetRequest) Method() Method { return MethodThreadSet }
func (LineReport) Method() Method { return MethodLine }
func (StackReport) Method() Method { return MethodStack }
func (ThreadListReport) Method() Method { return MethodThreadList }
func (VariablesReport) Method() Method { return MethodVariables }
func (VariableReport) Method() Method { return MethodVariable }
func (ExceptionReport) Method() Method { return MethodException }
func (SyntaxErrorReport) Method() Method { return MethodSyntaxError }
func (SignalReport) Method() Method { return MethodSignal }
func (DebugStartup) Method() Method { return MethodDebugStartup }
func (CallTraceReport) Method() Method { return MethodCallTrace }
func (ThreadSetReport) Method() Method { return MethodThreadSet }
func (ClearBreakpoint) Method() Method { return MethodClearBreakpoint }
func (BPConditionError) Method() Method { return MethodBPConditionError }
func (ExecStatementOutput) Method() Method { return MethodExecStatementOut }
func (ExecStatementError) Method() Method { return MethodExecStatementErr }

// payloadTypes maps each direction and method to the variant it decodes to.
var payloadTypes = map[Direction]map[Method]func() Payload{
	ToDebuggee: {
		MethodPrologueContinue: func() Payload { return &PrologueContinue{} },
		MethodEpilogueExit:     func() Payload { return &EpilogueExit{} },
		MethodShutdown:         func() Payload { return &Shutdown{} },
		MethodStdinResponse:    func() Payload { return &StdinResponse{} },
		MethodStep:             func() Payload { return &Step{} },
		MethodStepOver:         func() Payload { return &StepOver{} },
		MethodStepOut:          func() Payload { return &StepOut{} },
		MethodContinue:         func() Payload { return &Continue{} },
		MethodThreadList:       func() Payload { return &ThreadListRequest{} },
		MethodVariables:        func() Payload { return &VariablesRequest{} },
		MethodVariable:         func() Payload { return &VariableRequest{} },
		MethodExecuteStatement: func() Payload { return &ExecuteStatement{} },
		MethodSetBreakpoint:    func() Payload { return &SetBreakpoint{} },
		MethodBreakpointEnable: func() Payload { return &BreakpointEnable{} },
		MethodBreakpointIgnore: func() Payload { return &BreakpointIgnore{} },
		MethodThreadSet:        func() Payload { return &ThreadSetRequest{} },
	},
	ToIDE: {
		MethodProcIDInfo:       func() Payload { return &ProcIDInfo{} },
		MethodEpilogueExitCode: func() Payload { return &EpilogueExitCode{} },
		MethodStdinRequest:     func() Payload { return &StdinRequest{} },
		MethodStdout:           func() Payload { return &StdoutAppend{} },
		MethodStderr:           func() Payload { return &StderrAppend{} },
		MethodLine:             func() Payload { return &LineReport{} },
		MethodStack:            func() Payload { return &StackReport{} },
		MethodThreadList:       func() Payload { return &ThreadListReport{} },
		MethodVariables:        func() Payload { return &VariablesReport{} },
		MethodVariable:         func() Payload { return &VariableReport{} },
		MethodException:        func() Payload { return &ExceptionReport{} },
		MethodSyntaxError:      func() Payload { return &SyntaxErrorReport{} },
		MethodSignal:           func() Payload { return &SignalReport{} },
		MethodDebugStartup:     func() Payload { return &DebugStartup{} },
		MethodCallTrace:        func() Payload { return &CallTraceReport{} },
		MethodThreadSet:        func() Payload { return &ThreadSetReport{} },
		MethodClearBreakpoint:  func() Payload { return &ClearBreakpoint{} },
		MethodBPConditionError: func() Payload { return &BPConditionError{} },
		MethodExecStatementOut: func() Payload { return &ExecStatementOutput{} },
		MethodExecStatementErr: func() Payload { return &ExecStatementError{} },
	},
}

// Known reports whether m belongs to the vocabulary in either direction.
func Known(m Method) bool {
	_, toDebuggee := payloadTypes[ToDebuggee][m]
	_, toIDE := payloadTypes[ToIDE][m]
	return toDebuggee || toIDE
}

// ─── Compact array forms ──────────────────────────────────────────────────────

// Frame is one call stack entry.  On the wire it is the array
// [file, line, function, arguments].
type Frame struct {
	File      string
	Line      int
	Function  string
	Arguments string
}

func (f Frame) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{f.File, f.Line, f.Function, f.Arguments})
}

func (f *Frame) UnmarshalJSON(data []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("stack frame: %w", err)
	}
	if len(fields) < 2 {
		return fmt.Errorf("stack frame: want at least 2 fields, got %d", len(fields))
	}
	if err := json.Unmarshal(fields[0], &f.File); err != nil {
		return fmt.Errorf("stack frame file: %w", err)
	}
	line, err := flexInt(fields[1])
	if err != nil {
		return fmt.Errorf("stack frame line: %w", err)
	}
	f.Line = line
	if len(fields) > 2 {
		if err := json.Unmarshal(fields[2], &f.Function); err != nil {
			return fmt.Errorf("stack frame function: %w", err)
		}
	}
	if len(fields) > 3 {
		if err := json.Unmarshal(fields[3], &f.Arguments); err != nil {
			return fmt.Errorf("stack frame arguments: %w", err)
		}
	}
	return nil
}

// Variable is one entry of a variables report: [name, type, value].
type Variable struct {
	Name  string
	Type  string
	Value string
}

func (v Variable) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string{v.Name, v.Type, v.Value})
}

func (v *Variable) UnmarshalJSON(data []byte) error {
	var fields []string
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("variable: %w", err)
	}
	if len(fields) != 3 {
		return fmt.Errorf("variable: want 3 fields, got %d", len(fields))
	}
	v.Name, v.Type, v.Value = fields[0], fields[1], fields[2]
	return nil
}

// Thread describes one debuggee thread.
type Thread struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Broken bool   `json:"broken"`
}

// flexInt accepts a JSON number or a numeric string; some debuggee versions
// send line numbers as strings.
func flexInt(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("not a number: %s", raw)
	}
	return strconv.Atoi(s)
}
