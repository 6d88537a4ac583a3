// Package pluginmanager implements spec section 4.4: plugin
// discovery, load/unload/reload with state preservation, and failure
// isolation.
//
// Go has no safe, portable equivalent of dynamic module loading
// (the stdlib `plugin` package is Linux-only and cannot unload), so
// this package takes the in-process alternative spec section 9
// explicitly allows: plugin units register a Factory under their
// manifest's entry_point at program init time, and the manager treats
// that registry as its "load a unit of code at runtime" primitive. A
// manifest whose entry_point has no registered Factory fails to load;
// the manager does not start child-process plugins and does not route
// plugins through the MCP client.
package pluginmanager

import "github.com/xkit-dev/xkit-runtime/internal/eventbus"

// CommandHandler is invoked by the Kernel's dispatch for a command a
// plugin declares.
type CommandHandler func(ctx *CommandContext, args []string) (any, error)

// UserError is the sentinel a CommandHandler returns to mark a failure
// as the caller's mistake (bad arguments, missing input) rather than a
// defect in the handler itself. The Kernel's dispatch maps it to the
// UserError result kind and exit code 2, per spec section 4.5/7's
// three-way Ok/UserError/SystemError split.
type UserError struct {
	Message string
	Cause   error
}

// NewUserError wraps a handler-detected input mistake.
func NewUserError(message string, cause error) *UserError {
	return &UserError{Message: message, Cause: cause}
}

func (e *UserError) Error() string { return e.Message }

func (e *UserError) Unwrap() error { return e.Cause }

// CommandContext carries a correlation id through a single dispatched
// command, per spec section 4.5.
type CommandContext struct {
	CorrelationID string
}

// CommandSpec is one command a plugin contributes, paired with its
// handler and help text.
type CommandSpec struct {
	Name    string
	Help    string
	Handler CommandHandler
}

// SubscriptionSpec is one event subscription a plugin declares at
// load time, per spec section 9's "declarative manifest (event_type ->
// function reference)" design note.
type SubscriptionSpec struct {
	EventType string
	Mode      eventbus.DeliveryMode
	Filter    eventbus.Filter
	Handler   eventbus.Handler
}

// Plugin is the interface a loaded unit implements. Plugins never
// hold references to the bus, the MCP client, or other plugins
// directly; they only see the narrow Services view passed to OnLoad,
// per spec section 9's "break cyclic references" design note.
type Plugin interface {
	// OnLoad is called once per load/reload. It must return the
	// plugin's declared commands and subscriptions by registering
	// them, not by a side channel.
	OnLoad(services *Services) error
	// OnUnload is called once per unload or reload-replacement. Any
	// panic or error it produces is logged, never propagated.
	OnUnload()
	// ExportState returns an opaque state bag for reload transfer.
	// The default (nil, nil) is a stateless plugin. Must not perform
	// I/O or depend on other plugins, per spec section 4.4.
	ExportState() ([]byte, error)
	// ImportState is invoked on the new instance before OnLoad during
	// a reload, with whatever the previous instance's ExportState
	// returned.
	ImportState(bag []byte) error
}

// Factory instantiates a fresh, unloaded Plugin instance.
type Factory func() Plugin

var factories = make(map[string]Factory)

// RegisterFactory associates an entry_point name with a Factory. Units
// call this from an init() function, the idiomatic Go stand-in for
// "ingest a unit of code at runtime" spec section 9 calls for.
func RegisterFactory(entryPoint string, f Factory) {
	factories[entryPoint] = f
}
