// Package protocol defines the JSON-RPC 2.0 wire frames exchanged with
// a cdev server and the helpers to classify and split them.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

const Version = "2.0"

// Frame is a single JSON-RPC message: request, response, or
// notification, depending on which fields are present.
type Frame struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// WireError is the error object carried by a failed response.
type WireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type Kind int

const (
	KindUnknown Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Kind classifies the frame. A method with an id is a request, a method
// without one is a notification, and an id with a result or error is a
// response. Anything else is unknown and gets dropped by callers.
func (f *Frame) Kind() Kind {
	switch {
	case f.Method != "" && len(f.ID) > 0:
		return KindRequest
	case f.Method != "":
		return KindNotification
	case len(f.ID) > 0 && (f.Result != nil || f.Error != nil):
		return KindResponse
	default:
		return KindUnknown
	}
}

// IDString renders the frame id as a correlation key. Servers may use
// string or integer ids; JSON null counts as absent.
func (f *Frame) IDString() (string, bool) {
	if len(f.ID) == 0 || bytes.Equal(f.ID, []byte("null")) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(f.ID, &s); err == nil {
		return s, true
	}
	var n int64
	if err := json.Unmarshal(f.ID, &n); err == nil {
		return strconv.FormatInt(n, 10), true
	}
	return "", false
}

// NewRequest builds a request frame. A nil params leaves the field out.
func NewRequest(id, method string, params any) (Frame, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal params for %s: %w", method, err)
	}
	idRaw, _ := json.Marshal(id)
	return Frame{JSONRPC: Version, ID: idRaw, Method: method, Params: raw}, nil
}

// NewNotification builds a fire-and-forget frame (no id).
func NewNotification(method string, params any) (Frame, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal params for %s: %w", method, err)
	}
	return Frame{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewErrorResponse builds an error response echoing the request id.
func NewErrorResponse(id json.RawMessage, code int, message string) Frame {
	return Frame{JSONRPC: Version, ID: id, Error: &WireError{Code: code, Message: message}}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}

// Encode serializes a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses a single frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// SplitFrames splits one physical message into individual frames.
// Servers coalesce bursts into a single newline-delimited message.
func SplitFrames(data []byte) [][]byte {
	lines := bytes.Split(data, []byte{'\n'})
	out := make([][]byte, 0, len(lines))
	for _, ln := range lines {
		ln = bytes.TrimSpace(ln)
		if len(ln) == 0 {
			continue
		}
		out = append(out, ln)
	}
	return out
}
