package btfgraph_test

import (
	"bytes"
	"testing"

	"github.com/cilium/ebpf/btf"
	"github.com/stretchr/testify/require"

	"github.com/p4ebpf/psactl"
	"github.com/p4ebpf/psactl/btfgraph"
	"github.com/p4ebpf/psactl/config"
)

// testGraph builds a small type graph resembling what the pipeline
// compiler emits: a map wrapper struct in the ".maps" section whose
// key/value members point (through aliases) at the real layouts.
type testGraph struct {
	reader  *btfgraph.Reader
	spec    *btf.Spec
	u32     btf.TypeID
	key     btf.TypeID // struct ipv4_key
	keyT    btf.TypeID // typedef -> struct ipv4_key
	value   btf.TypeID // struct ipv4_value
	wrapper btf.TypeID // map wrapper struct
	addrArr btf.TypeID // __u8[4]
	keyArr  btf.TypeID // struct ipv4_key[3]
	fwd     btf.TypeID // forward declaration, sizeless
}

func newTestGraph(t *testing.T) *testGraph {
	t.Helper()

	u32 := &btf.Int{Name: "__u32", Size: 4, Encoding: btf.Unsigned}
	u8 := &btf.Int{Name: "__u8", Size: 1, Encoding: btf.Unsigned}

	addrArr := &btf.Array{Index: u32, Type: u8, Nelems: 4}
	key := &btf.Struct{
		Name: "ipv4_key",
		Size: 8,
		Members: []btf.Member{
			{Name: "prefixlen", Type: u32, Offset: 0},
			{Name: "addr", Type: addrArr, Offset: 32},
		},
	}
	keyT := &btf.Typedef{Name: "ipv4_key_t", Type: key}
	keyArr := &btf.Array{Index: u32, Type: key, Nelems: 3}

	value := &btf.Struct{
		Name: "ipv4_value",
		Size: 4,
		Members: []btf.Member{
			{Name: "port", Type: u32, Offset: 0},
		},
	}

	wrapper := &btf.Struct{
		Name: "ipv4_lpm",
		Size: 16,
		Members: []btf.Member{
			{Name: "key", Type: &btf.Pointer{Target: keyT}, Offset: 0},
			{Name: "value", Type: &btf.Pointer{Target: value}, Offset: 64},
		},
	}

	fwd := &btf.Fwd{Name: "opaque", Kind: btf.FwdStruct}

	sec := &btf.Datasec{
		Name: ".maps",
		Size: 16,
		Vars: []btf.VarSecinfo{
			{Type: &btf.Var{Name: "ipv4_lpm", Type: wrapper, Linkage: btf.GlobalVar}, Offset: 0, Size: 16},
		},
	}

	var b btf.Builder
	for _, typ := range []btf.Type{sec, keyArr, fwd} {
		_, err := b.Add(typ)
		require.NoError(t, err)
	}

	// Ids must be resolved before Marshal: adding an already-present
	// type returns its existing id, and ids registered in the builder
	// are the ids the marshaled spec assigns.
	id := func(typ btf.Type) btf.TypeID {
		t.Helper()
		got, err := b.Add(typ)
		require.NoError(t, err)
		return got
	}

	g := &testGraph{
		u32:     id(u32),
		key:     id(key),
		keyT:    id(keyT),
		value:   id(value),
		wrapper: id(wrapper),
		addrArr: id(addrArr),
		keyArr:  id(keyArr),
		fwd:     id(fwd),
	}

	raw, err := b.Marshal(nil, nil)
	require.NoError(t, err)
	spec, err := btf.LoadSpecFromReader(bytes.NewReader(raw))
	require.NoError(t, err)

	g.spec = spec
	g.reader = btfgraph.NewFromSpec(spec, nil)
	return g
}

func TestFollowIsIdempotent(t *testing.T) {
	g := newTestGraph(t)

	// Every id in the graph, plus the absent sentinel.
	ids := []btf.TypeID{0}
	for typ, err := range g.spec.All() {
		require.NoError(t, err)
		id, err := g.spec.TypeID(typ)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		once := g.reader.Follow(id)
		require.Equal(t, once, g.reader.Follow(once), "Follow not idempotent for id %d", id)
	}
}

func TestFollowResolvesAliasChains(t *testing.T) {
	g := newTestGraph(t)

	require.Equal(t, g.key, g.reader.Follow(g.keyT))
	require.Equal(t, btf.TypeID(0), g.reader.Follow(0))
	// Concrete nodes map to themselves.
	require.Equal(t, g.key, g.reader.Follow(g.key))
	require.Equal(t, g.u32, g.reader.Follow(g.u32))
}

func TestMemberLookupByNameAndIndexAgree(t *testing.T) {
	g := newTestGraph(t)

	for _, name := range []string{"prefixlen", "addr"} {
		byName, err := g.reader.MemberByName(g.key, name)
		require.NoError(t, err)

		byIndex, err := g.reader.MemberByIndex(g.key, byName.Index)
		require.NoError(t, err)

		require.Equal(t, byName.TypeID, byIndex.TypeID)
		require.Equal(t, byName.BitOffset, byIndex.BitOffset)
		require.Equal(t, name, byIndex.Name)
	}
}

func TestMemberLookupCanonicalizes(t *testing.T) {
	g := newTestGraph(t)

	// Lookup through a typedef reaches the underlying struct.
	m, err := g.reader.MemberByName(g.keyT, "addr")
	require.NoError(t, err)
	require.Equal(t, uint32(32), m.BitOffset)
	require.Equal(t, g.addrArr, m.TypeID)

	// Wrapper members alias through pointer and typedef.
	k, err := g.reader.MemberByName(g.wrapper, "key")
	require.NoError(t, err)
	require.Equal(t, g.key, k.TypeID)

	v, err := g.reader.MemberByName(g.wrapper, "value")
	require.NoError(t, err)
	require.Equal(t, g.value, v.TypeID)
	require.Equal(t, uint32(64), v.BitOffset)
}

func TestMemberLookupFailures(t *testing.T) {
	g := newTestGraph(t)

	// Non-aggregate targets and the absent sentinel always fail with
	// the aggregate-type error.
	for _, id := range []btf.TypeID{0, g.u32, g.addrArr} {
		_, err := g.reader.MemberByName(id, "anything")
		require.ErrorIs(t, err, psactl.ErrInvalidInput, "id %d", id)

		_, err = g.reader.MemberByIndex(id, 0)
		require.ErrorIs(t, err, psactl.ErrInvalidInput, "id %d", id)
	}

	_, err := g.reader.MemberByName(g.key, "no_such_member")
	require.ErrorIs(t, err, psactl.ErrNotFound)

	_, err = g.reader.MemberByIndex(g.key, 2)
	require.ErrorIs(t, err, psactl.ErrInvalidInput)
	_, err = g.reader.MemberByIndex(g.key, -1)
	require.ErrorIs(t, err, psactl.ErrInvalidInput)
}

func TestSizeOf(t *testing.T) {
	g := newTestGraph(t)

	require.Equal(t, uint32(4), g.reader.SizeOf(g.u32))
	require.Equal(t, uint32(8), g.reader.SizeOf(g.key))
	// Typedefs canonicalize before sizing.
	require.Equal(t, uint32(8), g.reader.SizeOf(g.keyT))
	// Array: element size times count.
	require.Equal(t, uint32(4), g.reader.SizeOf(g.addrArr))
	// Nested: array of structs that themselves contain an array.
	require.Equal(t, uint32(24), g.reader.SizeOf(g.keyArr))
	// Sizeless kinds are a soft zero, not an error.
	require.Equal(t, uint32(0), g.reader.SizeOf(g.fwd))
	require.Equal(t, uint32(0), g.reader.SizeOf(0))
}

func TestMapTypeID(t *testing.T) {
	g := newTestGraph(t)

	require.Equal(t, g.wrapper, g.reader.MapTypeID("ipv4_lpm"))
	require.Equal(t, btf.TypeID(0), g.reader.MapTypeID("no_such_map"))
}

func TestLoadIsIdempotentOnceLoaded(t *testing.T) {
	g := newTestGraph(t)

	// The reader already holds a graph; Load must be a no-op success
	// and must not probe the filesystem.
	require.NoError(t, g.reader.Load(config.NewPaths(t.TempDir()), 1))
	require.True(t, g.reader.Loaded())
}

func TestLoadFailsWithoutPinnedPrograms(t *testing.T) {
	r := btfgraph.New(nil)
	err := r.Load(config.NewPaths(t.TempDir()), 7)
	require.ErrorIs(t, err, psactl.ErrNotFound)
	require.False(t, r.Loaded())
}
