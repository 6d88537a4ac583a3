package kernel

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkit-dev/xkit-runtime/internal/eventbus"
	"github.com/xkit-dev/xkit-runtime/internal/pluginmanager"
)

// pingPlugin contributes a single "ping" command, enough surface to
// exercise dispatch without pulling in the MCP client or endure.
type pingPlugin struct{}

func (pingPlugin) OnLoad(s *pluginmanager.Services) error {
	s.Command(pluginmanager.CommandSpec{Name: "ping", Handler: func(ctx *pluginmanager.CommandContext, args []string) (any, error) {
		return "pong", nil
	}})
	s.Command(pluginmanager.CommandSpec{Name: "boom", Handler: func(ctx *pluginmanager.CommandContext, args []string) (any, error) {
		panic("kaboom")
	}})
	s.Command(pluginmanager.CommandSpec{Name: "greet", Handler: func(ctx *pluginmanager.CommandContext, args []string) (any, error) {
		if len(args) == 0 {
			return nil, pluginmanager.NewUserError("greet requires a name argument", nil)
		}
		return "hello, " + args[0], nil
	}})
	return nil
}
func (pingPlugin) OnUnload()                    {}
func (pingPlugin) ExportState() ([]byte, error) { return nil, nil }
func (pingPlugin) ImportState(bag []byte) error { return nil }

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pinger"), 0o755))
	manifest := "name: pinger\nversion: \"1.0.0\"\nentry_point: test:ping\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "pinger", "manifest.yaml"), []byte(manifest), 0o644))
	pluginmanager.RegisterFactory("test:ping", func() pluginmanager.Plugin { return pingPlugin{} })

	log := zap.NewNop()
	bus := eventbus.New(eventbus.Config{}, log)
	plugins := pluginmanager.New([]string{root}, bus, nil, nil, nil, nil, log)
	_, err := plugins.Discover()
	require.NoError(t, err)
	_, err = plugins.Load("pinger")
	require.NoError(t, err)

	k := &Kernel{
		log:     log,
		clock:   systemClock{},
		bus:     bus,
		plugins: plugins,
		locks:   newCorrelationLocks(),
	}
	t.Cleanup(func() { _ = plugins.Stop(context.Background()) })
	return k
}

func TestDispatchOk(t *testing.T) {
	k := newTestKernel(t)
	result := k.Dispatch(context.Background(), "ping", nil)
	require.True(t, result.IsOK())
	assert.Equal(t, "pong", result.Payload)
}

func TestDispatchUnknownCommandSuggestsNearestNames(t *testing.T) {
	k := newTestKernel(t)
	result := k.Dispatch(context.Background(), "pign", nil)
	assert.Equal(t, KindUnknownCommand, result.Kind)
	assert.Equal(t, 3, result.ExitCode())
	require.NotEmpty(t, result.Suggestions)
	assert.Equal(t, "ping", result.Suggestions[0])
}

func TestDispatchRecoversHandlerPanicAsSystemError(t *testing.T) {
	k := newTestKernel(t)
	result := k.Dispatch(context.Background(), "boom", nil)
	assert.Equal(t, KindSystemError, result.Kind)
	assert.Equal(t, 70, result.ExitCode())
}

func TestDispatchMapsHandlerUserErrorToExitCodeTwo(t *testing.T) {
	k := newTestKernel(t)
	result := k.Dispatch(context.Background(), "greet", nil)
	assert.Equal(t, KindUserError, result.Kind)
	assert.Equal(t, 2, result.ExitCode())
	assert.Equal(t, "greet requires a name argument", result.Message)
}

func TestEditDistanceSuggestionsAreOrdered(t *testing.T) {
	known := []string{"status", "stats", "start", "stop"}
	got := suggestCommands("sttaus", known, 3)
	require.Len(t, got, 3)
	// "stats" and "status" are both two edits away; ties sort by name.
	assert.Equal(t, []string{"stats", "status", "start"}, got)
}

// TestDispatchConcurrentCallsAllComplete is a smoke test that
// concurrent dispatches to distinct correlation ids (each call mints
// its own) never deadlock and all complete.
func TestDispatchConcurrentCallsAllComplete(t *testing.T) {
	k := newTestKernel(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := k.Dispatch(context.Background(), "ping", nil)
			assert.True(t, r.IsOK())
		}()
	}
	wg.Wait()
}
