package pluginmanager

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/xkit-dev/xkit-runtime/internal/eventbus"
)

// BusPort is the narrow slice of the event bus a plugin is handed,
// per spec section 9: "all subscriptions go through the services
// object handed to on_load".
type BusPort interface {
	Publish(ctx context.Context, eventType string, payload any, correlationID string) (eventbus.PublishResult, error)
	Declare(eventType string, schema eventbus.EventTypeSchema) error
}

// ToolCaller is the narrow slice of the MCP client a plugin is handed.
type ToolCaller interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any, deadline time.Duration) (ToolResult, error)
	ListTools(server string) ([]ToolDescriptor, error)
}

// ToolResult mirrors mcpclient.ToolResult without importing mcpclient
// directly, keeping the plugin-facing surface independent of the MCP
// client's internal types.
type ToolResult struct {
	Content []byte
	IsError bool
}

// ToolDescriptor mirrors mcpclient.Tool for the same reason.
type ToolDescriptor struct {
	Server, Name, Description string
}

// ConfigAccessor is the read-only configuration view a plugin may read.
type ConfigAccessor interface {
	UnmarshalKey(name string, out any) error
	Has(name string) bool
}

// FilesystemPort is the narrow filesystem surface a plugin or the
// manager itself uses to read manifests and configuration files,
// mirroring kernel.FilesystemPort without importing the kernel
// package (plugin manager sits below the kernel in the dependency
// graph), per spec section 4.5.
type FilesystemPort interface {
	ReadFile(path string) ([]byte, error)
	Glob(pattern string) ([]string, error)
}

// HTTPPort is the narrow outbound-HTTP surface a plugin uses instead
// of importing net/http directly, mirroring kernel.HttpPort.
type HTTPPort interface {
	Do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*HTTPResponse, error)
}

// HTTPResponse mirrors kernel.HTTPResponse for the same reason
// ToolResult mirrors mcpclient.ToolResult: plugins never import kernel.
type HTTPResponse struct {
	StatusCode int
	Body       io.ReadCloser
}

// Services is the narrow view of the Kernel's ports handed to a
// plugin's OnLoad, per spec section 4.4 step 2. No global singletons
// are exposed; everything flows through this struct.
type Services struct {
	Bus    BusPort
	Tools  ToolCaller
	Config ConfigAccessor
	FS     FilesystemPort
	HTTP   HTTPPort
	Log    *zap.Logger

	pluginName string
	commands   []CommandSpec
	subs       []SubscriptionSpec
}

// newServices builds a Services view scoped to one plugin's name,
// used to tag its subscriptions with the right subscriber id.
func newServices(bus BusPort, tools ToolCaller, cfg ConfigAccessor, fs FilesystemPort, httpPort HTTPPort, log *zap.Logger, pluginName string) *Services {
	return &Services{Bus: bus, Tools: tools, Config: cfg, FS: fs, HTTP: httpPort, Log: log, pluginName: pluginName}
}

// Command registers a command the plugin contributes. Called from
// OnLoad.
func (s *Services) Command(spec CommandSpec) {
	s.commands = append(s.commands, spec)
}

// Subscribe registers an event subscription the plugin contributes.
// Called from OnLoad; the manager performs the actual
// eventbus.Subscribe call once OnLoad returns successfully, so a
// failed load leaves nothing subscribed.
func (s *Services) Subscribe(spec SubscriptionSpec) {
	s.subs = append(s.subs, spec)
}
