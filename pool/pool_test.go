package pool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cahirwpz/mimiker-sub003/defs"
	"github.com/cahirwpz/mimiker-sub003/kmem"
	"github.com/cahirwpz/mimiker-sub003/machine"
	"github.com/cahirwpz/mimiker-sub003/mem"
	"github.com/cahirwpz/mimiker-sub003/pmap"
)

const layout = `
page_size = 4096
[[segment]]
start = 0x0000
end = 0x2000
used = true
[[segment]]
start = 0x2000
end = 0x42000

[kva]
start = 0x1000000
end = 0x1040000
`

func mkkmem(t *testing.T) (*mem.Physmem_t, *kmem.Kmem_t) {
	t.Helper()
	cfg, err := machine.Parse(layout)
	require.NoError(t, err)
	m, phys := machine.Boot(cfg)
	t.Cleanup(m.Halt)
	return phys, kmem.Mkkmem(phys, m, m, 0x1000000, 0x1040000)
}

func TestSlabFill(t *testing.T) {
	// S4: pool with item size 64
	_, km := mkkmem(t)
	pp := Mkpool(km, "test", 64)

	// first allocation builds a slab and moves it empty -> partial
	first, ok := pp.Alloc(defs.M_WAITOK)
	require.True(t, ok)
	require.NotZero(t, first)
	e, p, f := pp.Counts()
	require.Equal(t, [3]int{0, 1, 0}, [3]int{e, p, f})

	cap := pp.Ntotal()
	require.Greater(t, cap, 1)

	// fill the first slab: partial -> full
	var last pmap.Va_t
	for i := 1; i < cap; i++ {
		last, ok = pp.Alloc(defs.M_WAITOK)
		require.True(t, ok)
	}
	e, p, f = pp.Counts()
	require.Equal(t, [3]int{0, 0, 1}, [3]int{e, p, f})
	pp.checklists()

	// one more forces a second slab
	extra, ok := pp.Alloc(defs.M_WAITOK)
	require.True(t, ok)
	require.Equal(t, 2*cap, pp.Ntotal())
	e, p, f = pp.Counts()
	require.Equal(t, [3]int{0, 1, 1}, [3]int{e, p, f})

	// freeing it empties the second slab, which stays on the empty list
	nused := pp.Nused()
	pp.Free(extra)
	require.Equal(t, nused-1, pp.Nused())
	e, p, f = pp.Counts()
	require.Equal(t, [3]int{1, 0, 1}, [3]int{e, p, f})
	pp.checklists()

	_ = first
	_ = last
}

func TestItemsDistinct(t *testing.T) {
	_, km := mkkmem(t)
	pp := Mkpool(km, "test", 48)
	seen := make(map[pmap.Va_t]bool)
	for i := 0; i < 100; i++ {
		va, ok := pp.Alloc(defs.M_WAITOK)
		require.True(t, ok)
		require.False(t, seen[va], "item %#x handed out twice", va)
		require.Zero(t, uintptr(va)%PI_ALIGNMENT)
		seen[va] = true
	}
	require.Equal(t, 100, pp.Nused())
	for va := range seen {
		pp.Free(va)
	}
	require.Zero(t, pp.Nused())
	pp.checklists()
}

func TestFreeReusesSlot(t *testing.T) {
	_, km := mkkmem(t)
	pp := Mkpool(km, "test", 32)
	a, _ := pp.Alloc(defs.M_WAITOK)
	b, _ := pp.Alloc(defs.M_WAITOK)
	pp.Free(a)
	// the first clear bit is a's slot
	c, _ := pp.Alloc(defs.M_WAITOK)
	require.Equal(t, a, c)
	pp.Free(b)
	pp.Free(c)
}

func TestZeroFlag(t *testing.T) {
	_, km := mkkmem(t)
	pp := Mkpool(km, "test", 24)
	a, _ := pp.Alloc(defs.M_WAITOK)
	it := pp.km.Bytes(pmap.Va_t(util_rounddown(a)))[int(a)&(mem.PGSIZE-1):]
	for i := 0; i < 24; i++ {
		it[i] = 0xee
	}
	pp.Free(a)
	b, _ := pp.Alloc(defs.M_WAITOK | defs.M_ZERO)
	require.Equal(t, a, b)
	for i := 0; i < 24; i++ {
		require.Zero(t, it[i], "byte %d", i)
	}
}

func util_rounddown(va pmap.Va_t) uintptr {
	return uintptr(va) &^ uintptr(mem.PGSIZE-1)
}

func TestDoubleFree(t *testing.T) {
	_, km := mkkmem(t)
	pp := Mkpool(km, "test", 64)
	a, _ := pp.Alloc(defs.M_WAITOK)
	pp.Free(a)
	require.Panics(t, func() { pp.Free(a) })
}

func TestForeignFree(t *testing.T) {
	_, km := mkkmem(t)
	pp := Mkpool(km, "test", 64)
	pp.Alloc(defs.M_WAITOK)
	require.Panics(t, func() { pp.Free(0xbeef000) })
}

func TestMisalignedFree(t *testing.T) {
	_, km := mkkmem(t)
	pp := Mkpool(km, "test", 64)
	a, _ := pp.Alloc(defs.M_WAITOK)
	require.Panics(t, func() { pp.Free(a + 4) })
}

func TestRedzone(t *testing.T) {
	_, km := mkkmem(t)
	pp := Mkpool(km, "test", 40)
	a, _ := pp.Alloc(defs.M_WAITOK)
	base := util_rounddown(a)
	buf := pp.km.Bytes(pmap.Va_t(base))
	off := int(uintptr(a) - base)
	buf[off+40] = 0x42
	require.Panics(t, func() { pp.Free(a) })
}

func TestCtorDtor(t *testing.T) {
	_, km := mkkmem(t)
	ctored, dtored := 0, 0
	pp := Mkpool_ctor(km, "test", 16,
		func(item []uint8) { ctored++; item[0] = 0x11 },
		func(item []uint8) { dtored++ })
	a, _ := pp.Alloc(defs.M_WAITOK)
	require.Equal(t, pp.Ntotal(), ctored, "ctor runs on every slab item")
	b := pp.km.Bytes(pmap.Va_t(util_rounddown(a)))
	require.Equal(t, uint8(0x11), b[int(a)&(mem.PGSIZE-1)])
	pp.Free(a)
	pp.Destroy()
	require.Equal(t, ctored, dtored)
}

func TestDestroyReturnsMemory(t *testing.T) {
	phys, km := mkkmem(t)
	h0 := phys.Hash()
	pp := Mkpool(km, "test", 128)
	var vas []pmap.Va_t
	for i := 0; i < 80; i++ {
		va, ok := pp.Alloc(defs.M_WAITOK)
		require.True(t, ok)
		vas = append(vas, va)
	}
	pp.Destroy()
	require.Equal(t, h0, phys.Hash(), "slab pages leaked")
	_ = vas
}

func TestNowaitMiss(t *testing.T) {
	phys, km := mkkmem(t)
	// drain physical memory so slab creation must miss
	var runs []*mem.Page_t
	for {
		pg, ok := phys.Alloc(1, defs.M_NOWAIT)
		if !ok {
			break
		}
		runs = append(runs, pg)
	}
	pp := Mkpool(km, "test", 64)
	_, ok := pp.Alloc(defs.M_NOWAIT)
	require.False(t, ok)
	for _, pg := range runs {
		phys.Free(pg)
	}
	_, ok = pp.Alloc(defs.M_NOWAIT)
	require.True(t, ok)
}
