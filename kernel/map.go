// Package kernel opens a pipeline's pinned programs and maps and
// exposes the handful of kernel facts the higher layers need: map
// geometry, canonical key/value type ids, program ids and load times,
// and one-shot initializer runs.
package kernel

import (
	"fmt"
	"log/slog"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/btf"

	"github.com/p4ebpf/psactl"
	"github.com/p4ebpf/psactl/btfgraph"
	"github.com/p4ebpf/psactl/config"
)

// Map wrapper member names inside the ".maps" section. The compiler
// emits each map as a struct whose key/value members point at the real
// layouts.
const (
	wrapperKeyMember   = "key"
	wrapperValueMember = "value"
)

// MapDescriptor is an open handle on a pinned map plus the geometry
// and type identity a caller needs to drive it. Close releases the
// handle; the pin itself stays.
type MapDescriptor struct {
	// Map is the open kernel handle.
	Map *ebpf.Map
	// Name is the map's pin name.
	Name string
	// Kind is the kernel map type.
	Kind ebpf.MapType
	// KeySize and ValueSize are the kernel-reported byte sizes.
	KeySize   uint32
	ValueSize uint32
	// MaxEntries is the map capacity.
	MaxEntries uint32
	// KeyTypeID and ValueTypeID are the canonical type ids of the key
	// and value layouts, resolved through the pipeline's type graph.
	// Zero when the graph is absent or the map has no wrapper entry.
	KeyTypeID   btf.TypeID
	ValueTypeID btf.TypeID
}

// Close releases the kernel handle.
func (d *MapDescriptor) Close() error {
	if d.Map == nil {
		return nil
	}
	return d.Map.Close()
}

// OpenMap opens the pinned map name of pipeline id and fills in its
// descriptor. When graph holds a loaded type graph the key/value type
// ids are resolved through the map's wrapper entry in the ".maps"
// section; resolution failures are soft and leave the ids zero, since
// fixed-layout maps are usable without type identity.
func OpenMap(paths config.Paths, id psactl.Pipeline, name string, graph *btfgraph.Reader, logger *slog.Logger) (*MapDescriptor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m, err := ebpf.LoadPinnedMap(paths.MapPath(id, name), nil)
	if err != nil {
		return nil, fmt.Errorf("open map %s/%s: %w", id, name, psactl.Wrap(err))
	}

	info, err := m.Info()
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("map info %s/%s: %w", id, name, psactl.Wrap(err))
	}

	d := &MapDescriptor{
		Map:        m,
		Name:       name,
		Kind:       info.Type,
		KeySize:    info.KeySize,
		ValueSize:  info.ValueSize,
		MaxEntries: info.MaxEntries,
	}

	if graph != nil && graph.Loaded() {
		d.KeyTypeID, d.ValueTypeID = resolveMapTypes(graph, name, logger)
	}

	return d, nil
}

// resolveMapTypes walks name's wrapper struct in the type graph and
// canonicalizes its key and value members.
func resolveMapTypes(graph *btfgraph.Reader, name string, logger *slog.Logger) (key, value btf.TypeID) {
	wrapper := graph.MapTypeID(name)
	if wrapper == 0 {
		logger.Debug("map has no type graph entry", "component", "kernel", "map", name)
		return 0, 0
	}

	if m, err := graph.MemberByName(wrapper, wrapperKeyMember); err == nil {
		key = m.TypeID
	}
	if m, err := graph.MemberByName(wrapper, wrapperValueMember); err == nil {
		value = m.TypeID
	}
	return key, value
}
