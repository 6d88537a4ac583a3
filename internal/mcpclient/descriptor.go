package mcpclient

import "github.com/xkit-dev/xkit-runtime/internal/transport"

// TransportKind enumerates the three descriptor shapes from spec
// section 6.
type TransportKind string

const (
	TransportChildProcess TransportKind = "child-process"
	TransportHTTP         TransportKind = "http"
	TransportInProcess    TransportKind = "in-process"
)

// ServerDescriptor is immutable after registration, per spec section 3.
type ServerDescriptor struct {
	Name    string
	Kind    TransportKind
	Enabled bool
	Eager   bool

	ChildProcess transport.ChildProcessParams
	HTTP         transport.HTTPParams
	InProcess    transport.InProcessParams

	// InProcessServer is supplied directly by the registrant for
	// kind=in-process descriptors; the runtime never instantiates
	// plugin classes by reflection (spec's "class" field is the
	// config-shape placeholder, resolved by the caller that registers
	// the descriptor, the same way the Kernel resolves adapters).
	InProcessServer transport.InProcessServer
}
