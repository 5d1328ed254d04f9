// Package psactl is the control-plane runtime for compiled eBPF
// packet-processing pipelines. It loads a pipeline object, persists
// its programs and maps under a per-pipeline bpffs namespace,
// attaches network ports through XDP and TC hook points, and exposes
// the layout of pipeline data structures via kernel BTF instead of
// compile-time struct definitions.
//
// The package itself holds only identity types and the error
// taxonomy; the subsystems live in btfgraph (type reflection),
// kernel (pinned object access) and pipeline (lifecycle, ports,
// object enumeration).
package psactl

import "fmt"

// Pipeline identifies a loaded pipeline. It owns no resource: the
// value maps deterministically to a directory in the shared pinned
// namespace, which is the actual state.
type Pipeline uint32

func (p Pipeline) String() string {
	return fmt.Sprintf("pipeline%d", uint32(p))
}

// Port is a network interface currently bound to a pipeline.
type Port struct {
	// Ifindex is the interface index; it doubles as the port id.
	Ifindex int
	// Name is the interface name.
	Name string
}
