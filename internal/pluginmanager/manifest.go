package pluginmanager

import (
	"os"
	"path/filepath"

	"github.com/roadrunner-server/errors"
	"gopkg.in/yaml.v3"
)

// Manifest is the per-unit descriptor from spec section 6: name,
// version, entry point, declared commands/events, and port version
// constraints.
type Manifest struct {
	Name             string            `yaml:"name"`
	Version          string            `yaml:"version"`
	EntryPoint       string            `yaml:"entry_point"`
	DeclaredCommands []string          `yaml:"declared_commands"`
	DeclaredEvents   []string          `yaml:"declared_events"`
	Requires         map[string]string `yaml:"requires"`
}

const manifestFileName = "manifest.yaml"

// defaultFS is the FilesystemPort used when a Manager isn't handed one
// explicitly, backed directly by the standard library.
type defaultFS struct{}

func (defaultFS) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

func (defaultFS) Glob(pattern string) ([]string, error) { return filepath.Glob(pattern) }

// loadManifest parses one plugin unit's manifest.yaml through fs,
// per spec section 4.5's FilesystemPort.
func loadManifest(fs FilesystemPort, path string) (Manifest, error) {
	const op = errors.Op("pluginmanager_load_manifest")

	b, err := fs.ReadFile(path)
	if err != nil {
		return Manifest{}, errors.E(op, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Manifest{}, errors.E(op, err)
	}
	if m.Name == "" {
		return Manifest{}, errors.E(op, errors.Str("manifest missing name"))
	}
	if m.EntryPoint == "" {
		return Manifest{}, errors.E(op, errors.Str("manifest missing entry_point"))
	}
	return m, nil
}

// scanRoot walks one plugin search root for unit directories, each
// containing a manifest.yaml, per spec section 4.4's discover().
func scanRoot(fs FilesystemPort, root string) ([]Manifest, error) {
	matches, err := fs.Glob(filepath.Join(root, "*", manifestFileName))
	if err != nil {
		return nil, errors.E(errors.Op("pluginmanager_scan_root"), err)
	}

	var manifests []Manifest
	for _, path := range matches {
		m, err := loadManifest(fs, path)
		if err != nil {
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}
