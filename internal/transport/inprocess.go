package transport

import (
	"context"

	"github.com/xkit-dev/xkit-runtime/internal/codec"
)

// InProcessServer is implemented by an in-process MCP server (spec
// section 6 kind=in-process): it runs entirely inside the runtime and
// speaks MCP over the in-memory channel InProcess wires up.
type InProcessServer interface {
	// Serve consumes requests from reqs and writes responses/
	// notifications to resps until ctx is done or reqs is closed.
	Serve(ctx context.Context, reqs <-chan *codec.Envelope, resps chan<- *codec.Envelope)
}

// InProcess is a Transport that connects the MCP client directly to
// an InProcessServer over Go channels, with no serialization — the
// cheapest of the three transport kinds. The server is supplied by
// whoever registers the descriptor.
type InProcess struct {
	end *pipeEnd
}

// NewInProcess starts srv on its own goroutine, wired to a fresh pair
// of channels, and returns the client-facing Transport.
func NewInProcess(ctx context.Context, srv InProcessServer) *InProcess {
	end := newPipeEnd()
	go srv.Serve(ctx, end.out, end.in)
	return &InProcess{end: end}
}

func (p *InProcess) Send(ctx context.Context, env *codec.Envelope) error {
	return p.end.Send(ctx, env)
}

func (p *InProcess) Recv(ctx context.Context) (*codec.Envelope, error) {
	return p.end.Recv(ctx)
}

func (p *InProcess) Close() error {
	return p.end.Close()
}
