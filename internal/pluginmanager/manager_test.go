package pluginmanager

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkit-dev/xkit-runtime/internal/eventbus"
)

type statusPlugin struct{ owner string }

func (p *statusPlugin) OnLoad(s *Services) error {
	s.Command(CommandSpec{Name: "status", Help: "report status", Handler: func(ctx *CommandContext, args []string) (any, error) {
		return p.owner, nil
	}})
	return nil
}
func (p *statusPlugin) OnUnload()                    {}
func (p *statusPlugin) ExportState() ([]byte, error) { return nil, nil }
func (p *statusPlugin) ImportState(bag []byte) error { return nil }

// counterPlugin implements scenario S5: bump increments an internal
// counter and returns it; ExportState/ImportState carry the value
// across a reload, and the reloaded generation multiplies by 10.
type counterPlugin struct {
	value      int
	multiplier int
}

func newCounterV1() Plugin { return &counterPlugin{multiplier: 1} }
func newCounterV2() Plugin { return &counterPlugin{multiplier: 10} }

func (p *counterPlugin) OnLoad(s *Services) error {
	s.Command(CommandSpec{Name: "bump", Handler: func(ctx *CommandContext, args []string) (any, error) {
		p.value++
		return p.value * p.multiplier, nil
	}})
	return nil
}
func (p *counterPlugin) OnUnload() {}
func (p *counterPlugin) ExportState() ([]byte, error) {
	return []byte(strconv.Itoa(p.value)), nil
}
func (p *counterPlugin) ImportState(bag []byte) error {
	if len(bag) == 0 {
		return nil
	}
	v, err := strconv.Atoi(string(bag))
	if err != nil {
		return err
	}
	p.value = v
	return nil
}

type panicPlugin struct{}

func (p *panicPlugin) OnLoad(s *Services) error     { panic("boom") }
func (p *panicPlugin) OnUnload()                    {}
func (p *panicPlugin) ExportState() ([]byte, error) { return nil, nil }
func (p *panicPlugin) ImportState(bag []byte) error { return nil }

func writeManifest(t *testing.T, root, name, entryPoint string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := "name: " + name + "\nversion: \"1.0.0\"\nentry_point: " + entryPoint + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFileName), []byte(content), 0o644))
}

func newTestManager(t *testing.T, root string) (*Manager, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(eventbus.Config{}, zap.NewNop())
	mgr := New([]string{root}, bus, nil, nil, nil, nil, zap.NewNop())
	t.Cleanup(func() {
		_ = mgr.Stop(context.Background())
	})
	return mgr, bus
}

func TestCommandConflictOnLoad(t *testing.T) {
	root := t.TempDir()
	factories["test:statusA"] = func() Plugin { return &statusPlugin{owner: "A"} }
	factories["test:statusB"] = func() Plugin { return &statusPlugin{owner: "B"} }
	writeManifest(t, root, "A", "test:statusA")
	writeManifest(t, root, "B", "test:statusB")

	mgr, _ := newTestManager(t, root)
	_, err := mgr.Discover()
	require.NoError(t, err)

	state, err := mgr.Load("A")
	require.NoError(t, err)
	assert.Equal(t, StateLoaded, state)

	state, err = mgr.Load("B")
	require.Error(t, err)
	assert.Equal(t, StateFailed, state)
	var conflict *ErrCommandConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "status", conflict.Command)
	assert.Equal(t, "A", conflict.ExistingOwner)

	cmds := mgr.GetCommands()
	require.Contains(t, cmds, "status")
	result, callErr := cmds["status"].Handler(&CommandContext{}, nil)
	require.NoError(t, callErr)
	assert.Equal(t, "A", result)
}

func TestHotReloadPreservesState(t *testing.T) {
	root := t.TempDir()
	factories["test:counter"] = newCounterV1
	writeManifest(t, root, "counter", "test:counter")

	mgr, _ := newTestManager(t, root)
	_, err := mgr.Discover()
	require.NoError(t, err)
	_, err = mgr.Load("counter")
	require.NoError(t, err)

	bump := mgr.GetCommands()["bump"].Handler
	v1, _ := bump(&CommandContext{}, nil)
	v2, _ := bump(&CommandContext{}, nil)
	v3, _ := bump(&CommandContext{}, nil)
	assert.Equal(t, 1, v1)
	assert.Equal(t, 2, v2)
	assert.Equal(t, 3, v3)

	factories["test:counter"] = newCounterV2
	state, err := mgr.Reload("counter")
	require.NoError(t, err)
	assert.Equal(t, StateLoaded, state)

	bump = mgr.GetCommands()["bump"].Handler
	v4, _ := bump(&CommandContext{}, nil)
	assert.Equal(t, 40, v4)
}

type portsPlugin struct{ sawFS, sawHTTP bool }

func (p *portsPlugin) OnLoad(s *Services) error {
	p.sawFS = s.FS != nil
	p.sawHTTP = s.HTTP != nil
	s.Command(CommandSpec{Name: "ports", Handler: func(ctx *CommandContext, args []string) (any, error) {
		return []bool{p.sawFS, p.sawHTTP}, nil
	}})
	return nil
}
func (p *portsPlugin) OnUnload()                    {}
func (p *portsPlugin) ExportState() ([]byte, error) { return nil, nil }
func (p *portsPlugin) ImportState(bag []byte) error { return nil }

func TestLoadGivesPluginDefaultFilesystemAndHTTPPorts(t *testing.T) {
	root := t.TempDir()
	factories["test:ports"] = func() Plugin { return &portsPlugin{} }
	writeManifest(t, root, "ports", "test:ports")

	mgr, _ := newTestManager(t, root)
	_, err := mgr.Discover()
	require.NoError(t, err)
	state, err := mgr.Load("ports")
	require.NoError(t, err)
	assert.Equal(t, StateLoaded, state)

	result, callErr := mgr.GetCommands()["ports"].Handler(&CommandContext{}, nil)
	require.NoError(t, callErr)
	assert.Equal(t, []bool{true, true}, result)
}

func TestLoadFailureIsolatesPanic(t *testing.T) {
	root := t.TempDir()
	factories["test:panic"] = func() Plugin { return &panicPlugin{} }
	writeManifest(t, root, "boom", "test:panic")

	mgr, _ := newTestManager(t, root)
	_, err := mgr.Discover()
	require.NoError(t, err)

	state, err := mgr.Load("boom")
	require.Error(t, err)
	assert.Equal(t, StateFailed, state)
}
