package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "xkit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, "plugin_roots:\n  - ./plugins\n")
	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, int64(256), cfg.EventBus.MaxConcurrentHandlers)
	assert.NotZero(t, cfg.MCPClient.DefaultCallDeadline)
}

func TestLoadRejectsDuplicateServerNames(t *testing.T) {
	path := writeConfigFile(t, `
servers:
  - name: git
    transport: child_process
    command: git-mcp
  - name: git
    transport: child_process
    command: git-mcp-2
`)
	_, _, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingTransportFields(t *testing.T) {
	path := writeConfigFile(t, `
servers:
  - name: web
    transport: http
`)
	_, _, err := Load(path)
	require.Error(t, err)
}

func TestLoadAcceptsWellFormedServers(t *testing.T) {
	path := writeConfigFile(t, `
servers:
  - name: git
    transport: child_process
    command: git-mcp
    eager: true
  - name: web
    transport: http
    url: http://127.0.0.1:9000
`)
	cfg, _, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 2)
	assert.True(t, cfg.Servers[0].Eager)
}
