// Package kernel implements the hexagonal core from spec section 4.5:
// ports, a dependency container wiring them to adapters, the command
// registry, and dispatch.
package kernel

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"
)

// ConfigPort is a read-only configuration tree accessor, per spec
// section 4.5.
type ConfigPort interface {
	UnmarshalKey(name string, out any) error
	Has(name string) bool
}

// LoggerPort is a structured-event sink, per spec section 4.5. The
// bound adapter wraps zap, and Named hands out named *zap.Logger
// children of it.
type LoggerPort interface {
	Named(name string) *zap.Logger
}

// ClockPort abstracts time so tests can (in principle) substitute a
// fake; the default adapter is a thin wrapper over the standard
// library clock.
type ClockPort interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// ProcessResult is a future over a spawned worker's output, per spec
// section 5's "offload to a worker pool... and return a result
// future".
type ProcessResult interface {
	Wait(ctx context.Context) ([]byte, error)
}

// ProcessPort spawns CPU-bound work onto a worker pool rather than
// running it on the single event loop, per spec section 5.
type ProcessPort interface {
	Spawn(ctx context.Context, payload []byte) (ProcessResult, error)
}

// HTTPResponse is the narrow response shape HttpPort returns.
type HTTPResponse struct {
	StatusCode int
	Body       io.ReadCloser
}

// HttpPort is the request/response plus streaming capability handed
// to adapters that need outbound HTTP, per spec section 4.5.
type HttpPort interface {
	Do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*HTTPResponse, error)
}

// FilesystemPort reads plugin manifests and configuration files, per
// spec section 4.5.
type FilesystemPort interface {
	ReadFile(path string) ([]byte, error)
	Glob(pattern string) ([]string, error)
}
