// Package codec frames and parses JSON-RPC 2.0 messages used by MCP.
package codec

import (
	"encoding/json"

	"github.com/roadrunner-server/errors"
)

// Kind distinguishes the three JSON-RPC 2.0 message shapes MCP uses.
type Kind int

const (
	// KindRequest carries an id, a method, and params; expects a response.
	KindRequest Kind = iota
	// KindResponse carries an id and either a result or an error.
	KindResponse
	// KindNotification carries a method and params but no id.
	KindNotification
)

// RequestID is a JSON-RPC request identifier. MCP only ever uses
// strings or numbers; both unmarshal cleanly into this wrapper.
type RequestID struct {
	raw json.RawMessage
}

// NewIntID builds a RequestID from an integer, the shape the client
// uses for its own outgoing requests.
func NewIntID(n int64) RequestID {
	b, _ := json.Marshal(n)
	return RequestID{raw: b}
}

// String renders the id for logging and map keys.
func (r RequestID) String() string {
	if len(r.raw) == 0 {
		return ""
	}
	return string(r.raw)
}

// IsZero reports whether the id was never set (e.g. a notification).
func (r RequestID) IsZero() bool { return len(r.raw) == 0 }

func (r RequestID) MarshalJSON() ([]byte, error) {
	if len(r.raw) == 0 {
		return []byte("null"), nil
	}
	return r.raw, nil
}

func (r *RequestID) UnmarshalJSON(b []byte) error {
	cp := make(json.RawMessage, len(b))
	copy(cp, b)
	r.raw = cp
	return nil
}

// Error is the JSON-RPC error object, mirrors spec section 4.1.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// MethodNotFound is the JSON-RPC code returned for unknown methods,
// per spec section 6.
const MethodNotFound = -32601

// Envelope is the on-wire JSON-RPC 2.0 object, decoded once and then
// classified into Kind by Classify.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Classify determines which of request/response/notification an
// envelope represents, and validates the shape invariants from spec
// section 4.1: a response must carry exactly one of result/error, a
// request must carry a method and an id, a notification a method and
// no id.
func (e *Envelope) Classify() (Kind, error) {
	const op = errors.Op("codec_classify")

	hasID := e.ID != nil && !e.ID.IsZero()
	hasMethod := e.Method != ""
	hasResult := len(e.Result) > 0
	hasError := e.Error != nil

	switch {
	case hasMethod && hasID:
		return KindRequest, nil
	case hasMethod && !hasID:
		return KindNotification, nil
	case !hasMethod && hasID:
		if hasResult == hasError {
			return 0, errors.E(op, errors.Str("response must carry exactly one of result or error"))
		}
		return KindResponse, nil
	default:
		return 0, errors.E(op, errors.Str("message has neither method nor id"))
	}
}

// NewRequest builds a request envelope.
func NewRequest(id RequestID, method string, params any) (*Envelope, error) {
	const op = errors.Op("codec_new_request")
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return &Envelope{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification envelope (no id).
func NewNotification(method string, params any) (*Envelope, error) {
	const op = errors.Op("codec_new_notification")
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return &Envelope{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// NewResult builds a success response envelope.
func NewResult(id RequestID, result any) (*Envelope, error) {
	const op = errors.Op("codec_new_result")
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return &Envelope{JSONRPC: "2.0", ID: &id, Result: raw}, nil
}

// NewError builds an error response envelope.
func NewError(id RequestID, code int, message string) *Envelope {
	return &Envelope{JSONRPC: "2.0", ID: &id, Error: &Error{Code: code, Message: message}}
}
