// Package config loads and validates the runtime's configuration
// tree (spec section 6: servers, plugin_roots, event_bus, mcp_client,
// logging) via viper, the way the teacher's config.go loads one
// plugin's subtree.
package config

import (
	"strings"
	"time"

	"github.com/roadrunner-server/errors"
	"github.com/spf13/viper"

	"github.com/xkit-dev/xkit-runtime/internal/kernel"
)

// defaultConfigName is the file viper looks for when no explicit path
// is given.
const defaultConfigName = "xkit"

// Plugin is the root configurer, mirroring the teacher's
// Init(cfg Configurer, ...) pattern but acting as the source of that
// Configurer rather than a consumer of one.
type Plugin struct {
	v *viper.Viper
}

// Load reads configuration from path (if non-empty) plus environment
// overrides prefixed XKIT_, and returns the parsed top-level tree
// alongside the underlying viper instance for ConfigPort use.
func Load(path string) (kernel.Config, *viper.Viper, error) {
	const op = errors.Op("config_load")

	v := viper.New()
	v.SetEnvPrefix("xkit")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(defaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/xkit-runtime")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return kernel.Config{}, nil, errors.E(op, err)
		}
	}

	var cfg kernel.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return kernel.Config{}, nil, errors.E(op, err)
	}

	InitDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return kernel.Config{}, nil, errors.E(op, err)
	}

	return cfg, v, nil
}

// InitDefaults fills the zero values the teacher's InitDefaults
// fills for its own plugin config, generalized to the whole tree.
func InitDefaults(cfg *kernel.Config) {
	if cfg.MCPClient.DefaultCallDeadline <= 0 {
		cfg.MCPClient.DefaultCallDeadline = 30 * time.Second
	}
	if cfg.MCPClient.HandshakeDeadline <= 0 {
		cfg.MCPClient.HandshakeDeadline = 10 * time.Second
	}
	if cfg.MCPClient.ClientImplementation == "" {
		cfg.MCPClient.ClientImplementation = "xkit-runtimed"
	}
	if cfg.EventBus.ReplayBufferSize <= 0 {
		cfg.EventBus.ReplayBufferSize = 4096
	}
	if cfg.EventBus.DefaultInboxSize <= 0 {
		cfg.EventBus.DefaultInboxSize = 1024
	}
	if cfg.EventBus.RequiredPublishDeadline <= 0 {
		cfg.EventBus.RequiredPublishDeadline = 5 * time.Second
	}
	if cfg.EventBus.MaxConcurrentHandlers <= 0 {
		cfg.EventBus.MaxConcurrentHandlers = 256
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Mode == "" {
		cfg.Logging.Mode = "production"
	}
	if len(cfg.PluginRoots) == 0 {
		cfg.PluginRoots = []string{"./plugins"}
	}
}

// Validate checks the invariants the teacher's Validate enforces for
// its subtree, generalized to the fields dispatch and the MCP client
// actually depend on.
func Validate(cfg *kernel.Config) error {
	const op = errors.Op("config_validate")

	seen := make(map[string]bool, len(cfg.Servers))
	for _, sd := range cfg.Servers {
		if sd.Name == "" {
			return errors.E(op, errors.Str("server descriptor missing name"))
		}
		if seen[sd.Name] {
			return errors.E(op, errors.Str("duplicate server name: "+sd.Name))
		}
		seen[sd.Name] = true

		switch sd.Transport {
		case "child_process":
			if sd.Command == "" {
				return errors.E(op, errors.Str("server "+sd.Name+": child_process transport requires command"))
			}
		case "http":
			if sd.URL == "" {
				return errors.E(op, errors.Str("server "+sd.Name+": http transport requires url"))
			}
		default:
			return errors.E(op, errors.Str("server "+sd.Name+": unknown transport "+sd.Transport))
		}
	}

	if cfg.MCPClient.DefaultCallDeadline < time.Second {
		return errors.E(op, errors.Str("mcp_client.default_call_deadline must be at least 1 second"))
	}

	return nil
}
