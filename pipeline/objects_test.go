package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/p4ebpf/psactl/config"
)

func TestLogicalName(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		visible bool
	}{
		// Auxiliaries fold into their owner.
		{"acl_table_defaultAction", "acl_table", true},
		{"acl_table_actions", "acl_table", true},
		{"routing_groups", "routing", true},
		{"routing_groups_inner", "routing", true},
		{"selector_defaultActionGroup", "selector", true},
		{"router_lpm_prefixes", "router_lpm", true},
		{"router_lpm_tuples_map", "router_lpm", true},
		// Exactly one suffix comes off.
		{"t_actions_actions", "t_actions", true},
		// Plain names pass through.
		{"simple_table", "simple_table", true},
		// Reserved infrastructure is hidden.
		{"tx_port", "", false},
		{"egress_progs_table", "", false},
		{"clone_session_tbl", "", false},
		{"hdr_md_cpumap", "", false},
		// Compiler-internal prefix is hidden.
		{"ebpf_internal_x", "", false},
		// Ternary partitions hide even though suffix-shaped.
		{"router_lpm_tuple_2", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, visible := LogicalName(tt.name)
			require.Equal(t, tt.visible, visible)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestObjects(t *testing.T) {
	paths := config.NewPaths(t.TempDir())
	m := NewManager(paths, discardLogger())

	const id = 4
	mapDir := paths.MapDir(id)
	require.NoError(t, os.MkdirAll(mapDir, 0o755))
	for _, name := range []string{
		"acl_table",
		"acl_table_defaultAction",
		"tx_port",
		"ebpf_pipeline_internal",
		"router_lpm_tuple_1",
		"simple_table",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(mapDir, name), nil, 0o644))
	}

	objects, err := m.Objects(id)
	require.NoError(t, err)
	// ReadDir returns entries sorted by name; the classifier does not
	// deduplicate the two acl_table entries.
	require.Equal(t, []string{"acl_table", "acl_table", "simple_table"}, objects)
}

func TestObjectsMissingPipeline(t *testing.T) {
	m := NewManager(config.NewPaths(t.TempDir()), discardLogger())

	_, err := m.Objects(9)
	require.Error(t, err)
}
