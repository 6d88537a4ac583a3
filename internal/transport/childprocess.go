package transport

import (
	"context"
	"io"
	"os"
	"os/exec"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"

	"github.com/xkit-dev/xkit-runtime/internal/codec"
)

// ChildProcess is a line-framed transport backed by a spawned child
// process's stdin/stdout, the shape the teacher's stdio transport and
// other_examples/4658406f_amir-the-h-mcp-hub__internal-plugin-manager.go.go's
// mcp.CommandTransport both use.
type ChildProcess struct {
	cmd    *exec.Cmd
	writer *codec.LineWriter
	reader *codec.LineReader
	stdin  io.WriteCloser
	log    *zap.Logger
}

// SpawnChildProcess starts the configured command and wires its
// stdio as a line-delimited MCP transport.
func SpawnChildProcess(ctx context.Context, params ChildProcessParams, log *zap.Logger) (*ChildProcess, error) {
	const op = errors.Op("transport_spawn_child")

	cmd := exec.CommandContext(ctx, params.Command, params.Args...)
	if params.Cwd != "" {
		cmd.Dir = params.Cwd
	}
	cmd.Env = os.Environ()
	for k, v := range params.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.E(op, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.E(op, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.E(op, err)
	}

	return &ChildProcess{
		cmd:    cmd,
		writer: codec.NewLineWriter(stdin),
		reader: codec.NewLineReader(stdout, 0),
		stdin:  stdin,
		log:    log,
	}, nil
}

func (c *ChildProcess) Send(_ context.Context, env *codec.Envelope) error {
	return c.writer.Write(env)
}

func (c *ChildProcess) Recv(_ context.Context) (*codec.Envelope, error) {
	return c.reader.Next()
}

func (c *ChildProcess) Close() error {
	_ = c.stdin.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	return c.cmd.Wait()
}
