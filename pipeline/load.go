// Package pipeline implements the pipeline lifecycle: loading and
// pinning compiled objects, attaching and detaching network ports,
// and enumerating the ports and logical objects of a loaded pipeline.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/cilium/ebpf"

	"github.com/p4ebpf/psactl"
	"github.com/p4ebpf/psactl/btfgraph"
	"github.com/p4ebpf/psactl/config"
	"github.com/p4ebpf/psactl/kernel"
)

// tupleInfix marks a ternary partition map. The shared index table
// owning the partitions is named prefix + tuplesMapSuffix.
const (
	tupleInfix       = "_tuple_"
	tuplesMapSuffix  = "_tuples_map"
	pipelineDirPerms = 0o755
)

// Manager drives the lifecycle of pipelines in one pinned namespace.
// Operations are synchronous and blocking; the Manager holds no state
// beyond its configuration, so the pinned namespace is always the
// source of truth. Not safe for concurrent mutation of the same
// pipeline; callers serialize externally.
type Manager struct {
	paths  config.Paths
	logger *slog.Logger

	// Injection points for kernel-adjacent operations the tests
	// exercise without a live kernel.
	xdp   xdpAttacher
	links linkLister
}

// NewManager creates a Manager over the namespace described by paths.
// A nil logger selects slog.Default().
func NewManager(paths config.Paths, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		paths:  paths,
		logger: logger,
		xdp:    netlinkXDP{},
		links:  defaultLinkLister,
	}
}

// Load parses the compiled pipeline object at objPath and persists it
// as pipeline id. Phases run in order and the first failure aborts
// the whole load with no rollback; the operator must Unload and retry.
// The failing phase is identified by ErrLoad, ErrPin or ErrInit.
func (m *Manager) Load(id psactl.Pipeline, objPath string) error {
	log := m.logger.With("component", "pipeline", "pipeline", id)

	if err := os.MkdirAll(m.paths.MapDir(id), pipelineDirPerms); err != nil {
		return fmt.Errorf("create pipeline namespace: %w: %w", psactl.ErrPin, err)
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return fmt.Errorf("parse %s: %w: %w", objPath, psactl.ErrLoad, err)
	}

	// Pinning is driven by this loader, not by the object's own
	// pin annotations.
	for _, ms := range spec.Maps {
		ms.Pinning = ebpf.PinNone
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return fmt.Errorf("instantiate %s: %w: %w", objPath, psactl.ErrLoad, err)
	}
	defer coll.Close()

	if err := m.pinPrograms(id, spec, coll); err != nil {
		return err
	}
	if err := m.pinMaps(id, coll); err != nil {
		return err
	}
	if err := m.wireTuples(id, coll, log); err != nil {
		return err
	}
	if err := m.runInitializers(id, spec, coll, log); err != nil {
		return err
	}

	log.Info("pipeline loaded", "object", objPath)
	return nil
}

// pinPrograms persists every program under the pipeline directory,
// named by its flattened section name.
func (m *Manager) pinPrograms(id psactl.Pipeline, spec *ebpf.CollectionSpec, coll *ebpf.Collection) error {
	for name, prog := range coll.Programs {
		ps, ok := spec.Programs[name]
		if !ok {
			return fmt.Errorf("program %s missing from object spec: %w", name, psactl.ErrPin)
		}
		pin := m.paths.ProgPath(id, config.PinName(ps.SectionName))
		if err := prog.Pin(pin); err != nil {
			return fmt.Errorf("pin program %s: %w: %w", name, psactl.ErrPin, err)
		}
	}
	return nil
}

// pinMaps persists every map under the pipeline's map directory.
// Stale pins from a prior load of the same id are removed first
// (clean takeover). Names containing a dot are compiler-internal
// sections and never pinned.
func (m *Manager) pinMaps(id psactl.Pipeline, coll *ebpf.Collection) error {
	for name, mp := range coll.Maps {
		if strings.Contains(name, ".") {
			continue
		}
		pin := m.paths.MapPath(id, name)
		if err := os.Remove(pin); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale pin %s: %w: %w", name, psactl.ErrPin, err)
		}
		if err := mp.Pin(pin); err != nil {
			return fmt.Errorf("pin map %s: %w: %w", name, psactl.ErrPin, err)
		}
	}
	return nil
}

// wireTuples installs every ternary partition map into its owning
// shared index table. Runs as a separate pass so every owner is
// already instantiated regardless of map iteration order.
func (m *Manager) wireTuples(id psactl.Pipeline, coll *ebpf.Collection, log *slog.Logger) error {
	for name, mp := range coll.Maps {
		owner, tupleID, ok, err := splitTupleName(name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		tuples, present := coll.Maps[owner]
		if !present {
			return fmt.Errorf("partition %s has no index table %s: %w", name, owner, psactl.ErrNotFound)
		}
		if err := tuples.Update(tupleID, mp, ebpf.UpdateAny); err != nil {
			return fmt.Errorf("install partition %s at %d: %w", name, tupleID, psactl.Wrap(err))
		}
		log.Debug("wired ternary partition", "partition", name, "owner", owner, "id", tupleID)
	}
	return nil
}

// splitTupleName recognizes a ternary partition map name and derives
// its owning index table and numeric partition id. ok is false for
// names without the partition infix. A name carrying the infix but no
// numeric trailing segment is a data error.
func splitTupleName(name string) (owner string, id uint32, ok bool, err error) {
	i := strings.Index(name, tupleInfix)
	if i < 0 {
		return "", 0, false, nil
	}
	owner = name[:i] + tuplesMapSuffix

	tail := name[strings.LastIndex(name, "_")+1:]
	n, perr := strconv.ParseUint(tail, 10, 32)
	if perr != nil {
		return "", 0, false, fmt.Errorf("partition %s: non-numeric id %q: %w", name, tail, psactl.ErrInvalidInput)
	}
	return owner, uint32(n), true, nil
}

// runInitializers performs a synthetic run of every map-initializer
// program for its map-population side effect.
func (m *Manager) runInitializers(id psactl.Pipeline, spec *ebpf.CollectionSpec, coll *ebpf.Collection, log *slog.Logger) error {
	for name, ps := range spec.Programs {
		if ps.SectionName != config.SectionTCInit && ps.SectionName != config.SectionXDPInit {
			continue
		}
		prog, present := coll.Programs[name]
		if !present {
			continue
		}
		if err := kernel.RunInit(prog); err != nil {
			return fmt.Errorf("initializer %s: %w: %w", name, psactl.ErrInit, err)
		}
		log.Debug("ran map initializer", "program", name, "section", ps.SectionName)
	}
	return nil
}

// Unload removes pipeline id's entire pinned namespace. Removal is
// best-effort: entries that cannot be removed are reported but do not
// block removing the rest.
func (m *Manager) Unload(id psactl.Pipeline) error {
	dir := m.paths.PipelineDir(id)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", id, psactl.ErrNotFound)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, psactl.Wrap(err))
	}
	m.logger.Info("pipeline unloaded", "component", "pipeline", "pipeline", id)
	return nil
}

// Exists reports whether pipeline id has a pinned namespace.
func (m *Manager) Exists(id psactl.Pipeline) bool {
	fi, err := os.Stat(m.paths.PipelineDir(id))
	return err == nil && fi.IsDir()
}

// OpenMap opens the named pinned map of pipeline id. The pipeline's
// type graph is loaded on demand to resolve the map's key/value
// layout; absent type metadata is non-fatal and the descriptor's type
// ids stay zero.
func (m *Manager) OpenMap(id psactl.Pipeline, name string) (*kernel.MapDescriptor, error) {
	graph := btfgraph.New(m.logger)
	if err := graph.Load(m.paths, id); err != nil {
		m.logger.Debug("no type graph for pipeline",
			"component", "pipeline", "pipeline", id, "error", err)
		graph = nil
	}
	return kernel.OpenMap(m.paths, id, name, graph, m.logger)
}
