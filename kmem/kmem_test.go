package kmem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cahirwpz/mimiker-sub003/defs"
	"github.com/cahirwpz/mimiker-sub003/machine"
	"github.com/cahirwpz/mimiker-sub003/mem"
	"github.com/cahirwpz/mimiker-sub003/pmap"
)

const layout = `
page_size = 4096
[[segment]]
start = 0x0000
end = 0x4000
used = true
[[segment]]
start = 0x4000
end = 0x84000

[kva]
start = 0x1000000
end = 0x1010000
`

func mkkmem(t *testing.T) (*machine.Machine_t, *mem.Physmem_t, *Kmem_t) {
	t.Helper()
	cfg, err := machine.Parse(layout)
	require.NoError(t, err)
	m, phys := machine.Boot(cfg)
	t.Cleanup(m.Halt)
	km := Mkkmem(phys, m, m, 0x1000000, 0x1010000)
	return m, phys, km
}

func TestAllocFree(t *testing.T) {
	m, phys, km := mkkmem(t)
	h0 := phys.Hash()

	va, ok := km.Alloc(3*mem.PGSIZE, defs.M_WAITOK)
	require.True(t, ok)
	require.Zero(t, uintptr(va)&uintptr(mem.PGOFFSET))

	// all three pages are mapped, the fourth is not
	for i := 0; i < 3; i++ {
		_, prot, ok := m.KLookup(va + pmap.Va_t(i*mem.PGSIZE))
		require.True(t, ok, "page %d unmapped", i)
		require.True(t, prot.Writable())
	}
	_, _, ok = m.KLookup(va + pmap.Va_t(3*mem.PGSIZE))
	require.False(t, ok)

	// the byte window reaches the same memory the mapping does
	b := km.Bytes(va)
	b[0x1234] = 0xab
	pa, _, _ := m.KLookup(va + 0x1000)
	require.Equal(t, uint8(0xab), m.Dmap8(pa+0x234, 1)[0])

	km.Free(va, 3*mem.PGSIZE)
	_, _, ok = m.KLookup(va)
	require.False(t, ok)
	require.Equal(t, h0, phys.Hash(), "physical memory leaked")
}

func TestZero(t *testing.T) {
	_, _, km := mkkmem(t)
	va, ok := km.Alloc(mem.PGSIZE, defs.M_WAITOK)
	require.True(t, ok)
	b := km.Bytes(va)
	for i := range b {
		b[i] = 0xff
	}
	km.Free(va, mem.PGSIZE)

	va2, ok := km.Alloc(mem.PGSIZE, defs.M_WAITOK|defs.M_ZERO)
	require.True(t, ok)
	for _, c := range km.Bytes(va2) {
		require.Zero(t, c)
	}
}

func TestVaReuse(t *testing.T) {
	_, _, km := mkkmem(t)
	va, ok := km.Alloc(mem.PGSIZE, defs.M_WAITOK)
	require.True(t, ok)
	km.Free(va, mem.PGSIZE)
	va2, ok := km.Alloc(mem.PGSIZE, defs.M_WAITOK)
	require.True(t, ok)
	require.Equal(t, va, va2, "lowest free kva must be reused")
}

func TestKvaExhaustion(t *testing.T) {
	_, phys, km := mkkmem(t)
	h0 := phys.Hash()
	// the kva window is 16 pages; a 17-page request cannot be mapped
	// even though physical memory exists
	_, ok := km.Alloc(17*mem.PGSIZE, defs.M_NOWAIT)
	require.False(t, ok)
	require.Equal(t, h0, phys.Hash(), "failed alloc must not leak pages")
}

func TestPhysExhaustion(t *testing.T) {
	_, _, km := mkkmem(t)
	// 128 free pages minus the boot frame; a 256-page run can't exist
	_, ok := km.Alloc(256*mem.PGSIZE, defs.M_NOWAIT)
	require.False(t, ok)
}

func TestFreePanics(t *testing.T) {
	_, _, km := mkkmem(t)
	va, ok := km.Alloc(2*mem.PGSIZE, defs.M_WAITOK)
	require.True(t, ok)
	require.Panics(t, func() { km.Free(va+1, 2*mem.PGSIZE) })
	require.Panics(t, func() { km.Free(va, 5*mem.PGSIZE) })
	km.Free(va, 2*mem.PGSIZE)
	require.Panics(t, func() { km.Free(va, 2*mem.PGSIZE) })
}
