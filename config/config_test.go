package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/p4ebpf/psactl/config"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	require.Equal(t, "/sys/fs/bpf", cfg.BPF.MountRoot)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_FileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "psactl.toml")
	require.NoError(t, os.WriteFile(path, []byte("[bpf]\nmount_root = \"/run/bpf\"\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "/run/bpf", cfg.BPF.MountRoot)
	// Unspecified sections keep their defaults.
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_InvalidFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "psactl.toml")
	require.NoError(t, os.WriteFile(path, []byte("not = [valid"), 0o644))

	_, err := config.Load(path)
	require.Error(t, err)
}
