package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// JSONRPCVersion is stamped on every outgoing message.
const JSONRPCVersion = "2.0"

// eot is an end-of-transmission marker some senders append to a line.
const eot = 0x04

// ErrUnknownMethod is wrapped by a ProtocolError when a message names a
// method outside the vocabulary.
var ErrUnknownMethod = errors.New("unknown method")

// ProtocolError describes a line that could not be decoded.
type ProtocolError struct {
	Line   string // offending input, possibly truncated
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolError(line []byte, reason string, err error) *ProtocolError {
	const maxQuoted = 200
	if len(line) > maxQuoted {
		line = line[:maxQuoted]
	}
	return &ProtocolError{Line: string(line), Reason: reason, Err: err}
}

// Message is a decoded envelope.  Params holds the raw parameter object, or
// nil when the sender passed none.
type Message struct {
	Method    Method
	SessionID string
	Params    json.RawMessage
}

type envelope struct {
	JSONRPC  string          `json:"jsonrpc,omitempty"`
	Method   *string         `json:"method"`
	ProcUUID *string         `json:"procuuid"`
	Params   json.RawMessage `json:"params"`
}

// Encode renders one newline-terminated message.  params may be nil, a map,
// or any value that marshals to a JSON object.
func Encode(method Method, sessionID string, params any) ([]byte, error) {
	m := string(method)
	env := envelope{
		JSONRPC:  JSONRPCVersion,
		Method:   &m,
		ProcUUID: &sessionID,
	}
	if params != nil {
		if _, ok := params.(interface{ noParams() }); !ok {
			raw, err := json.Marshal(params)
			if err != nil {
				return nil, fmt.Errorf("encode %s params: %w", method, err)
			}
			env.Params = raw
		}
	}
	if env.Params == nil {
		env.Params = json.RawMessage("null")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	// json.Marshal escapes control characters inside strings, so data holds
	// no raw newline and this one terminates the message.
	return append(data, '\n'), nil
}

// EncodePayload renders a typed payload.
func EncodePayload(sessionID string, p Payload) ([]byte, error) {
	return Encode(p.Method(), sessionID, p)
}

// Decode parses one line (with or without its terminator).
func Decode(line []byte) (Message, error) {
	trimmed := bytes.TrimRight(line, "\r\n\x04 \t")
	trimmed = bytes.TrimLeft(trimmed, " \t")
	if len(trimmed) == 0 {
		return Message{}, protocolError(line, "empty message", nil)
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Message{}, protocolError(line, "malformed message", err)
	}
	if env.Method == nil {
		return Message{}, protocolError(line, "missing method", nil)
	}
	if env.ProcUUID == nil {
		return Message{}, protocolError(line, "missing procuuid", nil)
	}
	method := Method(*env.Method)
	if !Known(method) {
		return Message{}, protocolError(line, fmt.Sprintf("method %q", method), ErrUnknownMethod)
	}

	params := bytes.TrimSpace(env.Params)
	switch {
	case len(params) == 0 || bytes.Equal(params, []byte("null")):
		params = nil
	case params[0] != '{':
		return Message{}, protocolError(line, "params must be an object", nil)
	}

	return Message{Method: method, SessionID: *env.ProcUUID, Params: params}, nil
}

// Unmarshal decodes the params object into v.  Absent params leave v as is.
func (m Message) Unmarshal(v any) error {
	if m.Params == nil {
		return nil
	}
	if err := json.Unmarshal(m.Params, v); err != nil {
		return protocolError(m.Params, fmt.Sprintf("bad %s params", m.Method), err)
	}
	return nil
}

// Payload decodes the params into the variant that belongs to the method
// for the given direction.
func (m Message) Payload(dir Direction) (Payload, error) {
	factory, ok := payloadTypes[dir][m.Method]
	if !ok {
		return nil, protocolError(nil, fmt.Sprintf("method %q is not valid towards the %s", m.Method, dir), ErrUnknownMethod)
	}
	p := factory()
	if err := m.Unmarshal(p); err != nil {
		return nil, err
	}
	return p, nil
}
