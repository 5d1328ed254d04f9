package pipeline

import (
	"fmt"
	"os"
	"strings"

	"github.com/p4ebpf/psactl"
)

// Classification tables. Pure static data so the classifier can be
// tested exhaustively.
var (
	// reservedNames are fixed infrastructure maps every pipeline
	// carries; never operator-visible.
	reservedNames = map[string]struct{}{
		"clone_session_tbl":       {},
		"clone_session_tbl_inner": {},
		"multicast_grp_tbl":       {},
		"multicast_grp_tbl_inner": {},
		"hdr_md_cpumap":           {},
		"xdp2tc_shared_map":       {},
		"xdp2tc_cpumap":           {},
		"tx_port":                 {},
		"crc_lookup_tbl":          {},
		"egress_progs_table":      {},
	}

	// reservedPrefix marks compiler-internal maps.
	reservedPrefix = "ebpf_"

	// implementationSuffixes are auxiliary-map suffixes folded into
	// their logical owner. Checked in order; the first match is
	// stripped.
	implementationSuffixes = []string{
		"_defaultAction",
		"_prefixes",
		"_tuple",
		"_tuples_map",
		"_groups_inner",
		"_groups",
		"_defaultActionGroup",
		"_actions",
	}
)

// LogicalName classifies a persisted map name. The second return is
// false when the entry is internal and not enumerated at all:
// reserved names, compiler-internal prefixes, and ternary partitions
// (visible only through their owning index table). Auxiliary entries
// fold into their owner by stripping one recognized suffix; anything
// else is a logical object under its own name.
func LogicalName(name string) (string, bool) {
	if _, ok := reservedNames[name]; ok {
		return "", false
	}
	if strings.HasPrefix(name, reservedPrefix) {
		return "", false
	}
	if strings.Contains(name, tupleInfix) {
		return "", false
	}
	for _, suffix := range implementationSuffixes {
		if cut, ok := strings.CutSuffix(name, suffix); ok {
			return cut, true
		}
	}
	return name, true
}

// Objects enumerates pipeline id's logical objects: tables, counters,
// meters and the like, derived from the pinned map names. Several
// auxiliaries folding into the same owner produce repeats; callers
// that need a set deduplicate themselves.
func (m *Manager) Objects(id psactl.Pipeline) ([]string, error) {
	entries, err := os.ReadDir(m.paths.MapDir(id))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, psactl.Wrap(err))
	}

	var objects []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if logical, ok := LogicalName(entry.Name()); ok {
			objects = append(objects, logical)
		}
	}
	return objects, nil
}
