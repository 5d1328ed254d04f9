// Package btfgraph resolves the structural type metadata (BTF) a
// loaded pipeline exports, so map key/value layouts can be computed
// without compile-time struct definitions.
//
// The type graph is externally owned and read-only; Reader holds an
// opaque reference to it and answers pure queries. Type ids are only
// meaningful paired with the graph they came from, and id 0 is the
// sentinel for "absent/unknown" throughout.
package btfgraph

import (
	"fmt"
	"log/slog"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/btf"

	"github.com/p4ebpf/psactl"
	"github.com/p4ebpf/psactl/config"
)

// maxAliasDepth bounds typedef/pointer chains. Kernel-exported BTF is
// acyclic, so the bound only guards against a corrupted blob.
const maxAliasDepth = 32

// mapsSection is the reserved datasec holding map definitions.
const mapsSection = ".maps"

// Member describes one member of a struct or union, located by name
// or by ordinal index.
type Member struct {
	// Index is the member's ordinal position in the aggregate.
	Index int
	// Name is the member name.
	Name string
	// TypeID is the member's canonicalized type id.
	TypeID btf.TypeID
	// BitOffset is the member's bit offset within the aggregate.
	BitOffset uint32
}

// Reader answers layout queries against a pipeline's type graph.
// Zero value is usable; Load attaches the graph. Not safe for
// concurrent mutation, like the rest of the library.
type Reader struct {
	spec   *btf.Spec
	logger *slog.Logger
}

// New returns an empty Reader. Call Load before querying.
func New(logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{logger: logger}
}

// NewFromSpec wraps an already-acquired type graph.
func NewFromSpec(spec *btf.Spec, logger *slog.Logger) *Reader {
	r := New(logger)
	r.spec = spec
	return r
}

// Loaded reports whether the reader holds a type graph.
func (r *Reader) Loaded() bool {
	return r.spec != nil
}

// Load acquires the pipeline's type graph from the first pinned
// program that carries one. Type metadata is associated with
// programs, not maps, so the candidates are the pipeline's main
// programs in a fixed probe order. Fails with ErrNotFound when no
// candidate exists or none exposes metadata. Idempotent: loading an
// already-loaded reader is a no-op success.
func (r *Reader) Load(paths config.Paths, id psactl.Pipeline) error {
	if r.spec != nil {
		return nil
	}

	candidates := []string{config.ProgTCIngress, config.ProgXDPIngress, config.ProgTCEgress}
	for _, name := range candidates {
		spec, err := specFromPinnedProgram(paths.ProgPath(id, name))
		if err != nil {
			r.logger.Debug("no type metadata via program",
				"component", "btfgraph", "pipeline", id, "program", name, "error", err)
			continue
		}
		r.spec = spec
		return nil
	}

	return fmt.Errorf("%s: no program with type metadata: %w", id, psactl.ErrNotFound)
}

// specFromPinnedProgram opens a pinned program just long enough to
// fetch its BTF blob from the kernel.
func specFromPinnedProgram(path string) (*btf.Spec, error) {
	prog, err := ebpf.LoadPinnedProgram(path, nil)
	if err != nil {
		return nil, err
	}
	defer prog.Close()

	info, err := prog.Info()
	if err != nil {
		return nil, err
	}
	btfID, ok := info.BTFID()
	if !ok {
		return nil, fmt.Errorf("program %s carries no BTF id", path)
	}

	handle, err := btf.NewHandleFromID(btfID)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	return handle.Spec(nil)
}

// Follow resolves typedef and pointer aliases until the first
// concrete node. Total: id 0 and ids unknown to the graph map to
// themselves, never to an error.
func (r *Reader) Follow(id btf.TypeID) btf.TypeID {
	if r.spec == nil {
		return id
	}
	for range maxAliasDepth {
		if id == 0 {
			return 0
		}
		typ, err := r.spec.TypeByID(id)
		if err != nil {
			return id
		}

		var referent btf.Type
		switch t := typ.(type) {
		case *btf.Typedef:
			referent = t.Type
		case *btf.Pointer:
			referent = t.Target
		default:
			return id
		}

		next, err := r.spec.TypeID(referent)
		if err != nil {
			return id
		}
		id = next
	}
	return id
}

// MemberByName finds a member of the canonicalized aggregate by name;
// the first match wins. Fails with ErrInvalidInput when the target is
// not a struct or union (including id 0) and ErrNotFound when no
// member matches.
func (r *Reader) MemberByName(id btf.TypeID, name string) (Member, error) {
	members, err := r.aggregateMembers(id)
	if err != nil {
		return Member{}, err
	}
	for i, m := range members {
		if m.Name == name {
			return r.describeMember(i, m), nil
		}
	}
	return Member{}, fmt.Errorf("type %d has no member %q: %w", id, name, psactl.ErrNotFound)
}

// MemberByIndex finds a member of the canonicalized aggregate by
// ordinal index, bounds-checked.
func (r *Reader) MemberByIndex(id btf.TypeID, index int) (Member, error) {
	members, err := r.aggregateMembers(id)
	if err != nil {
		return Member{}, err
	}
	if index < 0 || index >= len(members) {
		return Member{}, fmt.Errorf("member index %d out of range for type %d (%d members): %w",
			index, id, len(members), psactl.ErrInvalidInput)
	}
	return r.describeMember(index, members[index]), nil
}

func (r *Reader) aggregateMembers(id btf.TypeID) ([]btf.Member, error) {
	if id == 0 {
		return nil, fmt.Errorf("member lookup on absent type: %w", psactl.ErrInvalidInput)
	}
	if r.spec == nil {
		return nil, fmt.Errorf("type graph not loaded: %w", psactl.ErrInvalidInput)
	}
	typ, err := r.spec.TypeByID(r.Follow(id))
	if err != nil {
		return nil, fmt.Errorf("unknown type id %d: %w", id, psactl.ErrInvalidInput)
	}
	switch t := typ.(type) {
	case *btf.Struct:
		return t.Members, nil
	case *btf.Union:
		return t.Members, nil
	default:
		return nil, fmt.Errorf("type %d is not a struct or union: %w", id, psactl.ErrInvalidInput)
	}
}

func (r *Reader) describeMember(index int, m btf.Member) Member {
	id, err := r.spec.TypeID(m.Type)
	if err != nil {
		id = 0
	}
	return Member{
		Index:     index,
		Name:      m.Name,
		TypeID:    r.Follow(id),
		BitOffset: uint32(m.Offset),
	}
}

// SizeOf computes the byte size of the canonicalized type. Integers,
// structs and unions report their declared size; arrays report
// element size times element count (one-dimensional: the compiler
// flattens multi-dimensional arrays). Any other kind yields 0 as a
// soft outcome meaning the caller must supply the size out of band.
func (r *Reader) SizeOf(id btf.TypeID) uint32 {
	if r.spec == nil {
		return 0
	}
	id = r.Follow(id)
	if id == 0 {
		return 0
	}
	typ, err := r.spec.TypeByID(id)
	if err != nil {
		return 0
	}

	switch t := typ.(type) {
	case *btf.Int:
		return t.Size
	case *btf.Struct:
		return t.Size
	case *btf.Union:
		return t.Size
	case *btf.Array:
		elemID, err := r.spec.TypeID(t.Type)
		if err != nil {
			return 0
		}
		return r.SizeOf(elemID) * t.Nelems
	default:
		return 0
	}
}

// MapTypeID scans the reserved ".maps" section for the entry named
// name and returns its canonicalized type id, or 0 when the section
// or the entry is absent. Scanning the section first avoids false
// positives against same-named types elsewhere in the graph.
func (r *Reader) MapTypeID(name string) btf.TypeID {
	if r.spec == nil {
		return 0
	}

	for typ, err := range r.spec.All() {
		if err != nil {
			break
		}
		sec, ok := typ.(*btf.Datasec)
		if !ok || sec.Name != mapsSection {
			continue
		}
		for _, info := range sec.Vars {
			v, ok := info.Type.(*btf.Var)
			if !ok || v.Name != name {
				continue
			}
			id, err := r.spec.TypeID(v.Type)
			if err != nil {
				return 0
			}
			return r.Follow(id)
		}
		return 0
	}

	r.logger.Debug("map definition section missing from type graph", "component", "btfgraph")
	return 0
}
