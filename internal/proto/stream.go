package proto

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// MaxLineBytes caps a single message; anything longer is dropped.
	MaxLineBytes = 4 << 20 // 4 MiB

	// MaxSendAttempts is how many times a write is tried before giving up.
	MaxSendAttempts = 3
)

// ErrLineTooLong is wrapped by the ProtocolError for an oversized line.
var ErrLineTooLong = errors.New("message exceeds size limit")

// Reader splits a byte stream into messages.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadMessage returns the next message.  A *ProtocolError means one line was
// bad and the stream is still usable; any other error ends the stream.
func (r *Reader) ReadMessage() (Message, error) {
	for {
		line, err := r.readLine()
		if len(line) > 0 {
			msg, derr := Decode(line)
			if derr != nil && isBlank(line) {
				// Stray blank lines between messages are not worth reporting.
				if err != nil {
					return Message{}, err
				}
				continue
			}
			return msg, derr
		}
		if err != nil {
			return Message{}, err
		}
	}
}

// ReadLine returns the next non-blank raw line without decoding it.  The
// returned slice is owned by the caller.  An oversized line yields a
// *ProtocolError and the stream stays usable.
func (r *Reader) ReadLine() ([]byte, error) {
	for {
		line, err := r.readLine()
		if len(line) > 0 && !isBlank(line) {
			if err == io.EOF {
				// Unterminated last line; EOF is reported by the next call.
				err = nil
			}
			return line, err
		}
		if err != nil {
			return nil, err
		}
	}
}

func (r *Reader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.r.ReadSlice('\n')
		if len(line)+len(chunk) > MaxLineBytes {
			// Skip to the end of the offending line so the next read starts
			// on a message boundary.
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = r.r.ReadSlice('\n')
			}
			if err != nil && err != io.EOF {
				return nil, err
			}
			return nil, protocolError(line, fmt.Sprintf("line longer than %d bytes", MaxLineBytes), ErrLineTooLong)
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return line, err
		}
	}
}

func isBlank(line []byte) bool {
	for _, b := range line {
		switch b {
		case ' ', '\t', '\r', '\n', eot:
		default:
			return false
		}
	}
	return true
}

// Writer sends messages tagged with one session id.  It is safe for
// concurrent use; each message is written with a single Write call.
type Writer struct {
	mu        sync.Mutex
	w         io.Writer
	sessionID string
}

// NewWriter returns a Writer stamping sessionID on every message.
func NewWriter(w io.Writer, sessionID string) *Writer {
	return &Writer{w: w, sessionID: sessionID}
}

// SessionID returns the id stamped on outgoing messages.
func (w *Writer) SessionID() string { return w.sessionID }

// Send writes a typed payload.
func (w *Writer) Send(p Payload) error {
	return w.SendRaw(p.Method(), p)
}

// SendRaw writes a message with arbitrary params.  A write that fails before
// any byte went out is retried up to MaxSendAttempts times; a partial write
// is not retried since the stream framing is already broken.
func (w *Writer) SendRaw(method Method, params any) error {
	data, err := Encode(method, w.sessionID, params)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < MaxSendAttempts; attempt++ {
		n, err := w.w.Write(data)
		if err == nil {
			return nil
		}
		lastErr = err
		if n > 0 {
			break
		}
	}
	return fmt.Errorf("send %s: too many attempts: %w", method, lastErr)
}
