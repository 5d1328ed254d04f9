// Package config holds the persisted-namespace layout and the psactl
// configuration file.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/p4ebpf/psactl"
)

// DefaultMountRoot is the conventional bpffs mount point.
const DefaultMountRoot = "/sys/fs/bpf"

// pipelinePrefix names per-pipeline directories under the mount root.
const pipelinePrefix = "pipeline"

// Pipeline program pin names. Pins derive from ELF section names with
// every path separator flattened to an underscore (see PinName), so
// these constants are both the role names and the on-bpffs entries.
const (
	// ProgTCIngress is the TC-path ingress program.
	ProgTCIngress = "classifier_tc-ingress"
	// ProgTCEgress is the TC-path egress program. May be absent.
	ProgTCEgress = "classifier_tc-egress"
	// ProgXDPIngress is the XDP-path ingress program.
	ProgXDPIngress = "xdp_xdp-ingress"
	// ProgXDPEgress is the XDP-path egress program. May be absent.
	ProgXDPEgress = "xdp_xdp-egress"
	// ProgXDPEgressOpt is the optimized XDP egress program. When
	// present it takes precedence over ProgXDPEgress.
	ProgXDPEgressOpt = "xdp_xdp-egress-optimized"
	// ProgXDPHelper is the small XDP program a TC-based pipeline
	// installs on the early receive path. Its presence is the
	// pipeline-flavor discriminator.
	ProgXDPHelper = "xdp_xdp-helper"
)

// Initializer section names. Programs in these sections are run once
// with empty input after a load to pre-populate default map state.
const (
	SectionTCInit  = "classifier/map-initializer"
	SectionXDPInit = "xdp/map-initializer"
)

// Auxiliary indirection tables wired by port attachment.
const (
	// DevmapName is the per-pipeline redirect table, keyed by
	// interface index modulo capacity.
	DevmapName = "tx_port"
	// JumpTableName is the single-slot jump table for the optimized
	// egress program.
	JumpTableName = "egress_progs_table"
)

// Paths derives every persisted-object location for a pipeline from
// the bpffs mount root. Immutable value type.
type Paths struct {
	// Root is the bpffs mount point.
	Root string
}

// NewPaths creates Paths rooted at root; an empty root selects
// DefaultMountRoot.
func NewPaths(root string) Paths {
	if root == "" {
		root = DefaultMountRoot
	}
	return Paths{Root: root}
}

// PipelineDir returns the namespace directory for a pipeline.
// Format: {root}/pipeline{id}
func (p Paths) PipelineDir(id psactl.Pipeline) string {
	return filepath.Join(p.Root, fmt.Sprintf("%s%d", pipelinePrefix, uint32(id)))
}

// ProgPath returns the pin path of a pipeline program.
// Format: {root}/pipeline{id}/{name}
func (p Paths) ProgPath(id psactl.Pipeline, name string) string {
	return filepath.Join(p.PipelineDir(id), name)
}

// MapDir returns the directory holding the pipeline's map pins.
// Format: {root}/pipeline{id}/maps
func (p Paths) MapDir(id psactl.Pipeline) string {
	return filepath.Join(p.PipelineDir(id), "maps")
}

// MapPath returns the pin path of a pipeline map.
// Format: {root}/pipeline{id}/maps/{name}
func (p Paths) MapPath(id psactl.Pipeline, name string) string {
	return filepath.Join(p.MapDir(id), name)
}

// LockPath returns the advisory lock file guarding mutations of the
// pipeline namespace. Lives outside the pipeline directory so it
// survives unload.
func (p Paths) LockPath() string {
	return filepath.Join(p.Root, ".psactl.lock")
}

// PinName flattens an ELF section name into a filesystem-safe pin
// name by replacing every path separator with an underscore.
// "tc/ingress/prog" becomes "tc_ingress_prog".
func PinName(section string) string {
	return strings.ReplaceAll(section, "/", "_")
}
