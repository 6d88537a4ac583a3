package kernel

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/pool"
	"github.com/roadrunner-server/pool/payload"
	"github.com/roadrunner-server/pool/static_pool"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkit-dev/xkit-runtime/internal/mcpclient"
	"github.com/xkit-dev/xkit-runtime/internal/pluginmanager"
)

// systemClock is the default ClockPort, a thin wrapper over the
// standard library so dispatch timing can (in principle) be
// substituted in tests without touching wall-clock time.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// viperConfig adapts *viper.Viper to ConfigPort, matching the
// teacher's config.go shape: callers unmarshal a named subtree rather
// than poking at global state.
type viperConfig struct{ v *viper.Viper }

func newViperConfig(v *viper.Viper) *viperConfig { return &viperConfig{v: v} }

func (c *viperConfig) UnmarshalKey(name string, out any) error {
	return c.v.UnmarshalKey(name, out)
}

func (c *viperConfig) Has(name string) bool { return c.v.IsSet(name) }

// osFilesystem adapts the standard library to FilesystemPort.
type osFilesystem struct{}

func (osFilesystem) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

func (osFilesystem) Glob(pattern string) ([]string, error) { return filepath.Glob(pattern) }

// httpPort adapts net/http to HttpPort for plugins that need outbound
// HTTP without reaching for the package directly.
type httpPort struct{ client *http.Client }

func newHTTPPort() *httpPort { return &httpPort{client: &http.Client{Timeout: 30 * time.Second}} }

func (h *httpPort) Do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*HTTPResponse, error) {
	const op = errors.Op("kernel_http_do")
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.E(op, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return &HTTPResponse{StatusCode: resp.StatusCode, Body: resp.Body}, nil
}

// poolProcessResult wraps the channel returned by pool.Pool.Exec into
// the ProcessResult future shape dispatch expects.
type poolProcessResult struct {
	responses chan pool.Response
}

func (r *poolProcessResult) Wait(ctx context.Context) ([]byte, error) {
	select {
	case resp, ok := <-r.responses:
		if !ok {
			return nil, errors.E(errors.Op("kernel_process_wait"), errors.Str("worker pool closed without a response"))
		}
		if resp.Error() != nil {
			return nil, resp.Error()
		}
		return resp.Body(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// poolProcessPort adapts a RoadRunner static worker pool to
// ProcessPort, for plugins that need to offload CPU-bound work
// instead of running it on the event loop goroutine.
type poolProcessPort struct {
	pool pool.Pool
}

func newPoolProcessPort(p pool.Pool) *poolProcessPort { return &poolProcessPort{pool: p} }

func (pp *poolProcessPort) Spawn(ctx context.Context, body []byte) (ProcessResult, error) {
	const op = errors.Op("kernel_process_spawn")
	stopCh := make(chan struct{}, 1)
	responses, err := pp.pool.Exec(ctx, &payload.Payload{Body: body, Context: body}, stopCh)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return &poolProcessResult{responses: responses}, nil
}

var _ pool.Pool = (*static_pool.Pool)(nil)

// loggerAdapter implements LoggerPort over zap.
type loggerAdapter struct{ base *zap.Logger }

func (l *loggerAdapter) Named(name string) *zap.Logger { return l.base.Named(name) }

// pluginHTTPPort adapts the Kernel's HttpPort to pluginmanager.HTTPPort
// so plugin authors reach the same bound outbound-HTTP adapter the
// Kernel itself uses, rather than a second, unrelated instance.
type pluginHTTPPort struct{ inner *httpPort }

func (p *pluginHTTPPort) Do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*pluginmanager.HTTPResponse, error) {
	resp, err := p.inner.Do(ctx, method, url, body, headers)
	if err != nil {
		return nil, err
	}
	return &pluginmanager.HTTPResponse{StatusCode: resp.StatusCode, Body: resp.Body}, nil
}

// toolCallerAdapter narrows *mcpclient.Client to the ToolCaller
// surface plugins are handed, matching spec section 9's "no global
// singletons" rule.
type toolCallerAdapter struct{ client *mcpclient.Client }

func (a *toolCallerAdapter) CallTool(ctx context.Context, server, tool string, args map[string]any, deadline time.Duration) (pluginmanager.ToolResult, error) {
	res, err := a.client.CallTool(ctx, server, tool, args, deadline)
	if err != nil {
		return pluginmanager.ToolResult{}, err
	}
	items, err := mcpclient.DecodeContent(res.Content)
	if err != nil {
		return pluginmanager.ToolResult{}, err
	}
	var content []byte
	for _, item := range items {
		if text, ok := item.(*mcp.TextContent); ok {
			content = append(content, []byte(text.Text)...)
		}
	}
	return pluginmanager.ToolResult{Content: content, IsError: res.IsError}, nil
}

func (a *toolCallerAdapter) ListTools(server string) ([]pluginmanager.ToolDescriptor, error) {
	tools, err := a.client.ListTools(server)
	if err != nil {
		return nil, err
	}
	out := make([]pluginmanager.ToolDescriptor, len(tools))
	for i, t := range tools {
		out[i] = pluginmanager.ToolDescriptor{Server: server, Name: t.Name, Description: t.Description}
	}
	return out, nil
}
