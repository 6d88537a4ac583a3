// Package mcpclient implements the MCP client described in spec
// section 4.2: server registration, connection lifecycle, tool
// discovery, and tool invocation with deadline/cancellation support.
package mcpclient

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"

	"github.com/xkit-dev/xkit-runtime/internal/codec"
	"github.com/xkit-dev/xkit-runtime/internal/eventbus"
	"github.com/xkit-dev/xkit-runtime/internal/transport"
)

// Config holds the mcp_client block from spec section 6.
type Config struct {
	DefaultCallDeadline  time.Duration `mapstructure:"default_call_deadline"`
	HandshakeDeadline    time.Duration `mapstructure:"handshake_deadline"`
	ClientImplementation string        `mapstructure:"client_implementation"`
	ClientVersion        string        `mapstructure:"client_version"`
}

func (c Config) withDefaults() Config {
	if c.DefaultCallDeadline <= 0 {
		c.DefaultCallDeadline = 30 * time.Second
	}
	if c.HandshakeDeadline <= 0 {
		c.HandshakeDeadline = 10 * time.Second
	}
	if c.ClientImplementation == "" {
		c.ClientImplementation = "xkit-runtime"
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "0.1.0"
	}
	return c
}

// Client manages a pool of named MCP server connections, per spec
// section 4.2. It is an endure vertex: Init/Serve/Stop/Name/Weight,
// the same lifecycle contract the teacher's Plugin implements. It has
// no Collects method: the event bus is passed to New.
type Client struct {
	cfg Config
	log *zap.Logger
	bus *eventbus.Bus

	mu    sync.RWMutex
	conns map[string]*ServerConnection

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics *statsExporter
}

// New constructs a Client bound to an event bus for connect/disconnect
// and tools-changed notifications.
func New(cfg Config, log *zap.Logger, bus *eventbus.Bus) *Client {
	c := &Client{
		cfg:   cfg.withDefaults(),
		log:   log,
		bus:   bus,
		conns: make(map[string]*ServerConnection),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.metrics = newStatsExporter(c)
	return c
}

// Name implements the endure vertex contract.
func (c *Client) Name() string { return "mcp_client" }

// Weight implements the endure vertex contract; the client starts
// after the event bus it publishes to.
func (c *Client) Weight() uint { return 10 }

// Init implements the endure vertex contract.
func (c *Client) Init() error { return nil }

// Serve implements the endure vertex contract. Eager descriptors are
// connected here; the client itself has no long-lived serve loop of
// its own beyond each connection's dispatcher goroutine.
func (c *Client) Serve() chan error {
	errCh := make(chan error, 1)

	c.mu.RLock()
	eager := make([]string, 0)
	for name, conn := range c.conns {
		if conn.desc.Eager {
			eager = append(eager, name)
		}
	}
	c.mu.RUnlock()

	for _, name := range eager {
		if _, err := c.Connect(c.ctx, name); err != nil {
			c.log.Warn("eager connect failed", zap.String("server", name), zap.Error(err))
		}
	}

	return errCh
}

// Stop implements the endure vertex contract: disconnects every server.
func (c *Client) Stop(ctx context.Context) error {
	c.cancel()

	c.mu.RLock()
	names := make([]string, 0, len(c.conns))
	for name := range c.conns {
		names = append(names, name)
	}
	c.mu.RUnlock()

	for _, name := range names {
		_ = c.Disconnect(ctx, name)
	}

	done := make(chan struct{})
	go func() { c.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MetricsCollector implements the prometheus-collector plugin hook.
func (c *Client) MetricsCollector() []interface{} {
	return []interface{}{c.metrics}
}

// Register adds a ServerDescriptor; no I/O, per spec section 4.2.
func (c *Client) Register(desc ServerDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[desc.Name] = newServerConnection(desc, c.log.Named(desc.Name))
}

func (c *Client) lookup(name string) (*ServerConnection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.conns[name]
	if !ok {
		return nil, &ErrUnknownServer{Server: name}
	}
	return conn, nil
}

// Connect transitions disconnected -> connecting -> ready: spawns or
// opens the transport, handshakes, and caches tools/list. Idempotent
// if already ready, per spec section 4.2.
func (c *Client) Connect(ctx context.Context, name string) (State, error) {
	const op = errors.Op("mcpclient_connect")

	conn, err := c.lookup(name)
	if err != nil {
		return StateDisconnected, errors.E(op, err)
	}

	if conn.State() == StateReady {
		return StateReady, nil
	}

	conn.setState(StateConnecting)

	hsCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeDeadline)
	defer cancel()

	// The transport lives as long as the client, not the handshake.
	tr, err := c.openTransport(c.ctx, conn.desc)
	if err != nil {
		conn.setState(StateFailed)
		c.maybeScheduleReconnect(conn)
		return StateFailed, errors.E(op, err)
	}

	conn.mu.Lock()
	conn.tr = tr
	conn.mu.Unlock()

	// The dispatcher runs before the handshake, whose tools/list call
	// waits for a response that only the dispatcher reads.
	dispatchCtx, stopDispatch := context.WithCancel(c.ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer stopDispatch()
		conn.runDispatcher(dispatchCtx,
			func(err error) {
				if dispatchCtx.Err() == nil {
					c.onConnectionLost(conn, err)
				}
			},
			func() { go c.refreshTools(c.ctx, conn) },
		)
	}()

	if err := c.handshake(hsCtx, conn); err != nil {
		stopDispatch()
		conn.setState(StateFailed)
		_ = tr.Close()
		c.maybeScheduleReconnect(conn)
		return StateFailed, errors.E(op, err)
	}

	conn.setState(StateReady)
	conn.backoff.Reset()

	if _, err := c.bus.Publish(ctx, "ServerConnected", ServerConnectedPayload{Server: name}, ""); err != nil {
		c.log.Warn("failed to publish ServerConnected", zap.Error(err))
	}
	c.metrics.observeConnect(name)

	return StateReady, nil
}

func (c *Client) openTransport(ctx context.Context, desc ServerDescriptor) (transport.Transport, error) {
	switch desc.Kind {
	case TransportChildProcess:
		return transport.SpawnChildProcess(ctx, desc.ChildProcess, c.log)
	case TransportHTTP:
		h := transport.NewHTTP(desc.HTTP, nil)
		if err := h.Connect(ctx); err != nil {
			return nil, err
		}
		return h, nil
	case TransportInProcess:
		return transport.NewInProcess(ctx, desc.InProcessServer), nil
	default:
		return nil, errors.E(errors.Str("unknown transport kind"))
	}
}

// handshake performs initialize / initialized / tools/list, per spec
// section 4.2.
func (c *Client) handshake(ctx context.Context, conn *ServerConnection) error {
	const op = errors.Op("mcpclient_handshake")

	initReq, err := codec.NewRequest(codec.NewIntID(conn.nextRequestID()), "initialize", map[string]any{
		"clientInfo": map[string]string{"name": c.cfg.ClientImplementation, "version": c.cfg.ClientVersion},
		"capabilities": map[string]any{
			"tools":                      map[string]any{},
			"notifications.toolsChanged": true,
		},
	})
	if err != nil {
		return errors.E(op, err)
	}
	if err := conn.send(ctx, initReq); err != nil {
		return errors.E(op, err)
	}

	ackNotif, err := codec.NewNotification("initialized", nil)
	if err != nil {
		return errors.E(op, err)
	}
	if err := conn.send(ctx, ackNotif); err != nil {
		return errors.E(op, err)
	}

	return c.refreshTools(ctx, conn)
}

// refreshTools issues tools/list and updates the cache, publishing
// ToolsChanged when the set differs, per spec section 4.2.
func (c *Client) refreshTools(ctx context.Context, conn *ServerConnection) error {
	const op = errors.Op("mcpclient_refresh_tools")

	id := conn.nextRequestID()
	req, err := codec.NewRequest(codec.NewIntID(id), "tools/list", nil)
	if err != nil {
		return errors.E(op, err)
	}

	pc := &PendingCall{ID: id, Server: conn.desc.Name, Tool: "", w: newWaiter()}
	if err := conn.track(pc); err != nil {
		return errors.E(op, err)
	}

	if err := conn.send(ctx, req); err != nil {
		conn.untrack(id)
		return errors.E(op, err)
	}

	res, err := pc.w.wait(ctx)
	if err != nil {
		conn.untrack(id)
		return errors.E(op, err)
	}

	var listed []Tool
	for _, raw := range res.Content {
		var t struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		}
		if jsonErr := jsonUnmarshal(raw, &t); jsonErr == nil {
			listed = append(listed, Tool{Server: conn.desc.Name, Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
		}
	}

	added, removed := conn.setTools(listed)
	if len(added)+len(removed) > 0 {
		_, _ = c.bus.Publish(ctx, "ToolsChanged", ToolsChangedPayload{Server: conn.desc.Name, Added: added, Removed: removed}, "")
	}
	return nil
}

func jsonUnmarshal(raw json.RawMessage, v any) error {
	return json.Unmarshal(raw, v)
}

// ListTools returns cached tools for one server, or all ready servers
// if name is empty, per spec section 4.2.
func (c *Client) ListTools(name string) ([]Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if name != "" {
		conn, ok := c.conns[name]
		if !ok {
			return nil, &ErrUnknownServer{Server: name}
		}
		return conn.toolList(), nil
	}

	var out []Tool
	for _, conn := range c.conns {
		if conn.State() == StateReady {
			out = append(out, conn.toolList()...)
		}
	}
	return out, nil
}

// CallTool validates readiness and tool existence, assigns a request
// id, tracks a PendingCall, and awaits the response or deadline, per
// spec section 4.2.
func (c *Client) CallTool(ctx context.Context, server, tool string, args map[string]any, deadline time.Duration) (ToolResult, error) {
	const op = errors.Op("mcpclient_call_tool")

	conn, err := c.lookup(server)
	if err != nil {
		return ToolResult{}, errors.E(op, err)
	}
	if conn.State() != StateReady {
		return ToolResult{}, errors.E(op, &ErrServerUnavailable{Server: server})
	}
	if !conn.hasTool(tool) {
		return ToolResult{}, errors.E(op, &ErrToolNotFound{Server: server, Tool: tool})
	}

	if deadline <= 0 {
		deadline = c.cfg.DefaultCallDeadline
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return ToolResult{}, errors.E(op, err)
	}

	id := conn.nextRequestID()
	req, err := codec.NewRequest(codec.NewIntID(id), "tools/call", map[string]any{"name": tool, "arguments": args})
	if err != nil {
		return ToolResult{}, errors.E(op, err)
	}

	pc := &PendingCall{ID: id, Server: server, Tool: tool, Args: argsJSON, Deadline: time.Now().Add(deadline), w: newWaiter()}
	if err := conn.track(pc); err != nil {
		return ToolResult{}, errors.E(op, err)
	}
	c.metrics.observeCallStart(server, tool)

	if err := conn.send(callCtx, req); err != nil {
		conn.untrack(id)
		c.metrics.observeCallEnd(server, tool, "error")
		return ToolResult{}, errors.E(op, err)
	}

	res, err := pc.w.wait(callCtx)
	if err == context.DeadlineExceeded || err == context.Canceled {
		// Deadline exceeded or context canceled: untrack and send a
		// best-effort cancel notification, per spec section 4.2 and
		// invariant #6 ("cancellation releases").
		if _, stillPending := conn.untrack(id); stillPending {
			cancelNotif, nErr := codec.NewNotification("$/cancelRequest", map[string]any{"id": id})
			if nErr == nil {
				_ = conn.send(context.Background(), cancelNotif)
			}
		}
		c.metrics.observeCallEnd(server, tool, "timeout")
		return ToolResult{}, errors.E(op, &ErrTimeout{Server: server, Tool: tool})
	}

	if err != nil {
		c.metrics.observeCallEnd(server, tool, "error")
		return ToolResult{}, errors.E(op, err)
	}

	c.metrics.observeCallEnd(server, tool, "ok")
	return res, nil
}

// Disconnect transitions ready -> closing -> disconnected, resolving
// outstanding PendingCalls with ServerClosed, per spec section 4.2.
func (c *Client) Disconnect(ctx context.Context, name string) error {
	const op = errors.Op("mcpclient_disconnect")

	conn, err := c.lookup(name)
	if err != nil {
		return errors.E(op, err)
	}

	conn.setState(StateClosing)

	exitNotif, nErr := codec.NewNotification("exit", nil)
	if nErr == nil {
		_ = conn.send(ctx, exitNotif)
	}

	conn.mu.RLock()
	tr := conn.tr
	conn.mu.RUnlock()
	if tr != nil {
		_ = tr.Close()
	}

	conn.drainPending(&ErrServerClosed{Server: name})
	conn.setState(StateDisconnected)

	_, _ = c.bus.Publish(ctx, "ServerDisconnected", ServerDisconnectedPayload{Server: name}, "")
	return nil
}

// onConnectionLost handles a transport EOF/fatal error on a ready
// connection: resolves pending calls, marks failed, publishes
// ServerDisconnected, and schedules reconnection if policy allows,
// per spec section 4.2.
func (c *Client) onConnectionLost(conn *ServerConnection, cause error) {
	conn.setState(StateFailed)
	conn.drainPending(&ErrServerClosed{Server: conn.desc.Name})

	c.log.Warn("connection lost", zap.String("server", conn.desc.Name), zap.Error(cause))
	_, _ = c.bus.Publish(c.ctx, "ServerDisconnected", ServerDisconnectedPayload{Server: conn.desc.Name}, "")

	c.maybeScheduleReconnect(conn)
}

func (c *Client) maybeScheduleReconnect(conn *ServerConnection) {
	restart := restartPolicyFor(conn.desc)
	if !restart.Enabled {
		return
	}

	delay := conn.backoff.Next()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			return
		}
		if _, err := c.Connect(c.ctx, conn.desc.Name); err != nil {
			c.log.Warn("reconnect attempt failed", zap.String("server", conn.desc.Name), zap.Error(err))
		}
	}()
}

func restartPolicyFor(desc ServerDescriptor) transport.RestartPolicy {
	switch desc.Kind {
	case TransportChildProcess:
		return desc.ChildProcess.Restart
	case TransportHTTP:
		return desc.HTTP.Restart
	default:
		return transport.RestartPolicy{}
	}
}

// ServerConnectedPayload is the core ServerConnected event payload.
type ServerConnectedPayload struct{ Server string }

// ServerDisconnectedPayload is the core ServerDisconnected event payload.
type ServerDisconnectedPayload struct{ Server string }

// ToolsChangedPayload is the core ToolsChanged event payload.
type ToolsChangedPayload struct {
	Server  string
	Added   []string
	Removed []string
}
