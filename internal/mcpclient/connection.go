package mcpclient

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"

	"github.com/xkit-dev/xkit-runtime/internal/codec"
	"github.com/xkit-dev/xkit-runtime/internal/transport"
)

// ServerConnection owns one ServerDescriptor's transport, its pending
// call set, and its declared tool cache. Exactly one active connection
// exists per descriptor, per spec section 3.
type ServerConnection struct {
	desc ServerDescriptor
	log  *zap.Logger

	mu      sync.RWMutex
	state   State
	tools   map[string]*Tool
	pending map[int64]*PendingCall
	nextID  int64

	tr      transport.Transport
	sendMu  sync.Mutex
	backoff *backoffSchedule

	dispatchDone chan struct{}
}

func newServerConnection(desc ServerDescriptor, log *zap.Logger) *ServerConnection {
	return &ServerConnection{
		desc:    desc,
		log:     log,
		state:   StateDisconnected,
		tools:   make(map[string]*Tool),
		pending: make(map[int64]*PendingCall),
		backoff: newBackoffSchedule(ceilingFor(desc)),
	}
}

func ceilingFor(desc ServerDescriptor) time.Duration {
	var max int
	switch desc.Kind {
	case TransportChildProcess:
		max = desc.ChildProcess.Restart.MaxBackoffSeconds
	case TransportHTTP:
		max = desc.HTTP.Restart.MaxBackoffSeconds
	}
	if max <= 0 {
		return 30 * time.Second
	}
	return time.Duration(max) * time.Second
}

func (c *ServerConnection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *ServerConnection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *ServerConnection) toolList() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, *t)
	}
	return out
}

func (c *ServerConnection) hasTool(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tools[name]
	return ok
}

// setTools replaces the cached tool set and reports the added/removed
// names, used to decide whether to publish ToolsChanged.
func (c *ServerConnection) setTools(tools []Tool) (added, removed []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]*Tool, len(tools))
	for i := range tools {
		t := tools[i]
		next[t.Name] = &t
		if _, existed := c.tools[t.Name]; !existed {
			added = append(added, t.Name)
		}
	}
	for name := range c.tools {
		if _, still := next[name]; !still {
			removed = append(removed, name)
		}
	}
	c.tools = next
	return added, removed
}

// nextRequestID returns the next monotonic id for this connection.
func (c *ServerConnection) nextRequestID() int64 {
	return atomic.AddInt64(&c.nextID, 1)
}

// track registers a PendingCall under its id. It reports a
// ProtocolError(duplicate_id) if that id is already outstanding,
// per spec section 4.1's id-uniqueness-within-a-direction invariant.
func (c *ServerConnection) track(pc *PendingCall) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[pc.ID]; exists {
		return &codec.ProtocolError{Kind: codec.KindDuplicateID, Detail: "request id already outstanding"}
	}
	c.pending[pc.ID] = pc
	return nil
}

func (c *ServerConnection) untrack(id int64) (*PendingCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return pc, ok
}

// drainPending resolves every outstanding PendingCall with err,
// invariant #2 (at-most-once) holds because the pending map is swapped
// out before resolve runs, so a racing response dispatch that arrives just
// after will find nothing to correlate against and log-and-drop.
func (c *ServerConnection) drainPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*PendingCall)
	c.mu.Unlock()

	for _, pc := range pending {
		pc.w.resolve(ToolResult{}, err)
	}
}

// send serializes writes to the transport via a per-connection queue,
// per spec section 4.2.
func (c *ServerConnection) send(ctx context.Context, env *codec.Envelope) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.mu.RLock()
	tr := c.tr
	c.mu.RUnlock()
	if tr == nil {
		return errors.E(errors.Op("mcpclient_send"), errors.Str("connection has no transport"))
	}
	return tr.Send(ctx, env)
}

// runDispatcher reads responses/notifications off the transport and
// correlates them with pending calls by id, independent of send order
// per spec section 4.2 and 5.
func (c *ServerConnection) runDispatcher(ctx context.Context, onDisconnect func(error), onToolsChanged func()) {
	c.dispatchDone = make(chan struct{})
	defer close(c.dispatchDone)

	for {
		c.mu.RLock()
		tr := c.tr
		c.mu.RUnlock()
		if tr == nil {
			return
		}

		env, err := tr.Recv(ctx)
		if err != nil {
			onDisconnect(err)
			return
		}

		kind, err := env.Classify()
		if err != nil {
			c.log.Warn("dropping malformed frame", zap.String("server", c.desc.Name), zap.Error(err))
			continue
		}

		switch kind {
		case codec.KindResponse:
			c.dispatchResponse(env)
		case codec.KindNotification:
			if env.Method == "notifications/toolsChanged" && onToolsChanged != nil {
				onToolsChanged()
			}
		case codec.KindRequest:
			// Servers issuing requests to the client (sampling, roots)
			// are out of scope for this runtime; reply MethodNotFound
			// per spec section 6.
			resp := codec.NewError(*env.ID, codec.MethodNotFound, "method not supported by client")
			_ = c.send(ctx, resp)
		}
	}
}

func (c *ServerConnection) dispatchResponse(env *codec.Envelope) {
	var id int64
	if err := json.Unmarshal([]byte(env.ID.String()), &id); err != nil {
		c.log.Warn("response with non-integer id dropped", zap.String("server", c.desc.Name))
		return
	}

	pc, ok := c.untrack(id)
	if !ok {
		c.log.Debug("response for unknown/resolved id dropped", zap.String("server", c.desc.Name), zap.Int64("id", id))
		return
	}

	if env.Error != nil {
		pc.w.resolve(ToolResult{}, &ErrToolError{Code: env.Error.Code, Message: env.Error.Message, Data: env.Error.Data})
		return
	}

	var result struct {
		Content []json.RawMessage `json:"content"`
		IsError bool              `json:"isError"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		pc.w.resolve(ToolResult{}, err)
		return
	}
	pc.w.resolve(ToolResult{Content: result.Content, IsError: result.IsError}, nil)
}
