package mcpclient

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// State is a ServerConnection's lifecycle state, per spec section 3.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateFailed
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Tool is the cached description of a callable operation exposed by a
// server, per spec section 3.
type Tool struct {
	Server      string
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolResult is the successful outcome of CallTool. Content is left as
// raw JSON so callers can decode into whichever mcp.Content variant
// ("text", "image", "resource") the "type" field names, the same
// dispatch the teacher's rpc.go performs on the PHP-worker response.
type ToolResult struct {
	Content []json.RawMessage
	IsError bool
}

// contentEnvelope is the wire shape of one content item, tagged by
// "type" the way the MCP wire format (and the go-sdk's own
// mcp.Content variants) discriminate text/image/resource content.
type contentEnvelope struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// DecodeContent converts ToolResult.Content's raw items into the
// go-sdk's mcp.Content variants, the same per-item type switch the
// teacher's rpc.go performs when handing a worker's response back to
// the MCP server.
func DecodeContent(items []json.RawMessage) ([]mcp.Content, error) {
	out := make([]mcp.Content, 0, len(items))
	for _, raw := range items {
		var env contentEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, err
		}
		switch env.Type {
		case "image":
			out = append(out, &mcp.ImageContent{Data: env.Data, MIMEType: env.MimeType})
		default:
			out = append(out, &mcp.TextContent{Text: env.Text})
		}
	}
	return out, nil
}

// waiter is resolved exactly once by the connection's response
// dispatcher, a timeout, or a disconnect.
type waiter struct {
	done   chan struct{}
	result ToolResult
	err    error
}

func newWaiter() *waiter {
	return &waiter{done: make(chan struct{})}
}

func (w *waiter) resolve(res ToolResult, err error) {
	select {
	case <-w.done:
		// already resolved; spec invariant #2 (at-most-once) holds by
		// construction since every caller of resolve (dispatchResponse,
		// drainPending) first removes the call from the pending map
		// under the connection lock, so only one of them gets it.
	default:
		w.result, w.err = res, err
		close(w.done)
	}
}

func (w *waiter) wait(ctx context.Context) (ToolResult, error) {
	select {
	case <-w.done:
		return w.result, w.err
	case <-ctx.Done():
		return ToolResult{}, ctx.Err()
	}
}

// PendingCall tracks one in-flight tools/call request, per spec section 3.
type PendingCall struct {
	ID       int64
	Server   string
	Tool     string
	Args     json.RawMessage
	Deadline time.Time
	w        *waiter
}
