// Package transport implements the three MCP server transport kinds
// enumerated in spec section 6: child-process, http, and in-process.
package transport

import (
	"context"
	"io"

	"github.com/xkit-dev/xkit-runtime/internal/codec"
)

// Transport is the narrow boundary the MCP client reads/writes
// envelopes through, regardless of the underlying wire shape.
type Transport interface {
	// Send writes one envelope. Implementations do not lock around
	// Send themselves; the MCP client's ServerConnection.send serializes
	// calls per connection, per spec section 4.2.
	Send(ctx context.Context, env *codec.Envelope) error
	// Recv blocks for the next envelope, returning io.EOF when the
	// transport is closed by the peer.
	Recv(ctx context.Context) (*codec.Envelope, error)
	// Close releases transport resources (child process, connection).
	Close() error
}

// RestartPolicy mirrors the `restart` block shared by the
// child-process and http descriptor shapes in spec section 6.
type RestartPolicy struct {
	Enabled           bool
	MaxBackoffSeconds int
}

// ChildProcessParams configures a child-process transport.
type ChildProcessParams struct {
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string
	Restart RestartPolicy
}

// HTTPParams configures an http transport.
type HTTPParams struct {
	BaseURL       string
	BearerToken   string
	AuthHeader    string
	AuthValue     string
	StreamingPath string
	Restart       RestartPolicy
}

// InProcessParams configures an in-process transport speaking MCP
// over an in-memory channel pair.
type InProcessParams struct {
	Module string
	Class  string
	Config map[string]any
}

// pipeEnd is the plumbing behind the in-process transport: a buffered
// channel of outbound envelopes and a buffered channel of inbound ones.
type pipeEnd struct {
	out    chan *codec.Envelope
	in     chan *codec.Envelope
	errs   chan error
	closed chan struct{}
}

func newPipeEnd() *pipeEnd {
	return &pipeEnd{
		out:    make(chan *codec.Envelope, 64),
		in:     make(chan *codec.Envelope, 64),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (p *pipeEnd) Send(ctx context.Context, env *codec.Envelope) error {
	select {
	case p.out <- env:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Recv(ctx context.Context) (*codec.Envelope, error) {
	select {
	case env, ok := <-p.in:
		if !ok {
			return nil, io.EOF
		}
		return env, nil
	case err := <-p.errs:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}
