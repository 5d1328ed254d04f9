package config

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

//go:embed default.toml
var defaultConfigTOML string

// DefaultConfigPath is the default psactl config file location.
const DefaultConfigPath = "/etc/psactl/psactl.toml"

// Config is the top-level psactl configuration.
//
// Loading has overlay semantics: built-in defaults first, then the
// config file if it exists. The TOML decoder only sets fields present
// in the file, so unspecified fields keep their defaults. A file that
// exists but fails to parse is an error, never a silent fallback.
type Config struct {
	BPF     BPFConfig     `toml:"bpf"`
	Logging LoggingConfig `toml:"logging"`
}

// BPFConfig locates the shared pinned-object namespace.
type BPFConfig struct {
	// MountRoot is the bpffs mount point pipelines are pinned under.
	MountRoot string `toml:"mount_root"`
}

// LoggingConfig controls logging behaviour.
type LoggingConfig struct {
	// Level is the log spec (e.g. "info" or "info,pipeline=debug").
	Level string `toml:"level"`
	// Format is the output format: "text" or "json".
	Format string `toml:"format"`
}

// Paths returns the namespace layout for the configured mount root.
func (c Config) Paths() Paths {
	return NewPaths(c.BPF.MountRoot)
}

// Load reads the configuration from path, overlaying it on the
// embedded defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.Decode(defaultConfigTOML, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode built-in defaults: %w", err)
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
