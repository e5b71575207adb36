// Package protocol implements the newline-delimited JSON framing spoken on
// the control channel between the relay and tunnel clients.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	relay "github.com/agentcloud/tunnel-relay/internal"
)

// Frame type discriminators.
const (
	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypeError      = "error"
	TypeRequest    = "request"
	TypeResponse   = "response"
)

// envelope is the minimal shape every frame shares.
type envelope struct {
	Type string `json:"type"`
}

// Register is the first frame a client sends after connecting.
type Register struct {
	Type       string `json:"type"`
	Token      string `json:"token"`
	TargetPort int    `json:"targetPort"`
}

// Registered acknowledges a successful registration.
type Registered struct {
	Type string `json:"type"`
}

// ErrorFrame is terminal; the sender closes the stream after writing it.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Request carries a forwarded HTTP request, relay to client.
type Request struct {
	Type    string            `json:"type"`
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"` // base64, possibly empty
}

// Response carries the client's answer for a forwarded request.
type Response struct {
	Type    string            `json:"type"`
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"` // base64, possibly empty
}

// DecodeBody decodes the base64 response body. An empty body decodes to nil.
func (r *Response) DecodeBody() ([]byte, error) {
	if r.Body == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(r.Body)
}

// Decode parses a single frame line into its concrete type. Unknown types
// are errors, not silently ignored.
func Decode(line []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrBadFrame, err)
	}

	var (
		frame any
		dst   any
	)
	switch env.Type {
	case TypeRegister:
		f := &Register{}
		frame, dst = f, f
	case TypeRegistered:
		f := &Registered{}
		frame, dst = f, f
	case TypeError:
		f := &ErrorFrame{}
		frame, dst = f, f
	case TypeRequest:
		f := &Request{}
		frame, dst = f, f
	case TypeResponse:
		f := &Response{}
		frame, dst = f, f
	default:
		return nil, fmt.Errorf("%w: unknown type %q", relay.ErrBadFrame, env.Type)
	}
	if err := json.Unmarshal(line, dst); err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrBadFrame, err)
	}
	return frame, nil
}

// Encode serializes a frame and appends the newline delimiter. Frames whose
// serialized length exceeds maxFrame are rejected.
func Encode(frame any, maxFrame int) ([]byte, error) {
	b, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if maxFrame > 0 && len(b)+1 > maxFrame {
		return nil, relay.ErrFrameTooLarge
	}
	return append(b, '\n'), nil
}

// Reader yields one frame line at a time from a byte stream, enforcing the
// per-frame size cap. A partial line at EOF is discarded.
type Reader struct {
	s *bufio.Scanner
}

// NewReader wraps r with a line-framed reader capped at maxFrame bytes.
func NewReader(r io.Reader, maxFrame int) *Reader {
	// The scanner's effective cap is the larger of the initial buffer and
	// maxFrame, so the initial buffer must not exceed the cap.
	initial := 64 << 10
	if maxFrame > 0 && maxFrame < initial {
		initial = maxFrame
	}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, initial), maxFrame)
	s.Split(splitFrames)
	return &Reader{s: s}
}

// splitFrames is bufio.SplitFunc for newline-delimited frames. Unlike
// bufio.ScanLines it drops an unterminated trailing line instead of
// returning it as a token.
func splitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, bytes.TrimSuffix(data[:i], []byte{'\r'}), nil
	}
	if atEOF {
		return len(data), nil, nil
	}
	return 0, nil, nil
}

// Next returns the next non-empty frame line. It returns io.EOF at clean end
// of stream and relay.ErrFrameTooLarge when a line exceeds the cap.
func (r *Reader) Next() ([]byte, error) {
	for r.s.Scan() {
		line := r.s.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, nil
	}
	if err := r.s.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, relay.ErrFrameTooLarge
		}
		return nil, err
	}
	return nil, io.EOF
}
