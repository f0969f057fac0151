// Package protocol defines the JSON-lines wire protocol spoken between the
// execution session engine and its worker processes. Requests carry a
// correlation id; the worker answers with a stream of typed messages tied to
// that id and terminates each exchange with an idle status.
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Channel distinguishes user code from engine bookkeeping.
type Channel string

const (
	ChannelUser    Channel = "user"
	ChannelControl Channel = "control"
)

// Request is one execution submitted to a worker.
type Request struct {
	MsgID   string  `json:"msg_id"`
	Channel Channel `json:"channel"`
	Code    string  `json:"code"`
}

// MessageKind enumerates the worker's reply message types.
type MessageKind string

const (
	KindStatus            MessageKind = "status"
	KindStream            MessageKind = "stream"
	KindExecuteResult     MessageKind = "execute_result"
	KindError             MessageKind = "error"
	KindDisplayData       MessageKind = "display_data"
	KindUpdateDisplayData MessageKind = "update_display_data"
)

// Execution states reported by status messages.
const (
	StateBusy = "busy"
	StateIdle = "idle"
)

// Stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// MIME types used for result payloads.
const (
	MimeTextPlain = "text/plain"
	MimePNG       = "image/png"
	MimeSVG       = "image/svg+xml"
	MimeHTML      = "text/html"
)

// Message is one worker reply, correlated to the originating request through
// ParentID. Only the fields relevant to its Kind are populated.
type Message struct {
	ParentID string      `json:"parent_id"`
	Kind     MessageKind `json:"kind"`

	// KindStatus
	State string `json:"state,omitempty"`

	// KindStream
	StreamName string `json:"stream_name,omitempty"`
	Text       string `json:"text,omitempty"`

	// KindExecuteResult / KindDisplayData / KindUpdateDisplayData: payload
	// keyed by MIME type.
	Data map[string]string `json:"data,omitempty"`

	// KindError
	ErrName   string   `json:"ename,omitempty"`
	ErrValue  string   `json:"evalue,omitempty"`
	Traceback []string `json:"traceback,omitempty"`
}

// ControlResponse is the record every control command must return as its sole
// text result.
type ControlResponse struct {
	IsSuccess bool            `json:"is_success"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewControlResponse builds a control record, marshaling data when present.
func NewControlResponse(ok bool, message string, data any) ControlResponse {
	resp := ControlResponse{IsSuccess: ok, Message: message}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ControlResponse{
				IsSuccess: false,
				Message:   fmt.Sprintf("failed to encode control data: %v", err),
			}
		}
		resp.Data = raw
	}
	return resp
}

// Encoder writes protocol values as newline-delimited JSON. Safe for
// concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes one value followed by a newline and flushes.
func (e *Encoder) Encode(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: encode: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(raw); err != nil {
		return err
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return err
	}
	return e.w.Flush()
}

// Decoder reads newline-delimited JSON protocol values.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r. Lines are capped at 64 MiB to accommodate large
// artifact payloads.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	return &Decoder{scanner: scanner}
}

// Decode reads the next value into v. Returns io.EOF at end of stream.
func (d *Decoder) Decode(v any) error {
	for {
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return err
			}
			return io.EOF
		}
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return json.Unmarshal(line, v)
	}
}
