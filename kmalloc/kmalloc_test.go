package kmalloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cahirwpz/mimiker-sub003/defs"
	"github.com/cahirwpz/mimiker-sub003/kmem"
	"github.com/cahirwpz/mimiker-sub003/machine"
	"github.com/cahirwpz/mimiker-sub003/mem"
	"github.com/cahirwpz/mimiker-sub003/pmap"
)

func pmva(p uintptr) pmap.Va_t {
	return pmap.Va_t(p)
}

const layout = `
page_size = 4096
[[segment]]
start = 0x0000
end = 0x2000
used = true
[[segment]]
start = 0x2000
end = 0x82000

[kva]
start = 0x1000000
end = 0x1100000
`

func mkheap(t *testing.T, desc string, cap int) *Pool_t {
	t.Helper()
	cfg, err := machine.Parse(layout)
	require.NoError(t, err)
	m, phys := machine.Boot(cfg)
	t.Cleanup(m.Halt)
	km := kmem.Mkkmem(phys, m, m, 0x1000000, 0x1100000)
	return Mkpool(km, desc, cap)
}

func TestCoalescing(t *testing.T) {
	// S3: fresh pool with a single arena of 4096 bytes
	mp := mkheap(t, "test", 16*mem.PGSIZE)
	require.Zero(t, mp.Reserve(mem.PGSIZE))
	initial := mp.Snapshot()
	require.Len(t, initial, 1)

	x := mp.Alloc(100, defs.M_NOWAIT)
	y := mp.Alloc(200, defs.M_NOWAIT)
	z := mp.Alloc(100, defs.M_NOWAIT)
	require.NotZero(t, x)
	require.NotZero(t, y)
	require.NotZero(t, z)

	mp.Free(y)
	mp.Free(x)
	mp.Free(z)
	// the free list collapses back to the single initial block
	require.Equal(t, initial, mp.Snapshot())
}

func TestAllocFreePairIsNoop(t *testing.T) {
	mp := mkheap(t, "test", 16*mem.PGSIZE)
	require.Zero(t, mp.Reserve(mem.PGSIZE))
	initial := mp.Snapshot()
	for _, size := range []int{1, 8, 100, 2000, 4000} {
		p := mp.Alloc(size, defs.M_NOWAIT)
		require.NotZero(t, p, "size %d", size)
		mp.Free(p)
		require.Equal(t, initial, mp.Snapshot(), "size %d", size)
	}
}

func TestZeroSize(t *testing.T) {
	mp := mkheap(t, "test", 16*mem.PGSIZE)
	require.Zero(t, mp.Alloc(0, defs.M_WAITOK))
}

func TestAlignment(t *testing.T) {
	mp := mkheap(t, "test", 16*mem.PGSIZE)
	for _, size := range []int{1, 3, 8, 13, 100} {
		p := mp.Alloc(size, defs.M_WAITOK)
		require.Zero(t, uintptr(p)%MB_ALIGNMENT, "size %d", size)
	}
}

func TestZeroFlag(t *testing.T) {
	mp := mkheap(t, "test", 16*mem.PGSIZE)
	p := mp.Alloc(128, defs.M_WAITOK)
	b := mp.find_arena(p)
	off := int(p - b.va)
	for i := 0; i < 128; i++ {
		b.buf[off+i] = 0xff
	}
	mp.Free(p)
	q := mp.Alloc(128, defs.M_WAITOK|defs.M_ZERO)
	require.Equal(t, p, q, "expected the same block back")
	for i := 0; i < 128; i++ {
		require.Zero(t, b.buf[off+i], "byte %d not zeroed", i)
	}
}

func TestNowaitDoesNotGrow(t *testing.T) {
	mp := mkheap(t, "test", 16*mem.PGSIZE)
	require.Zero(t, mp.Alloc(64, defs.M_NOWAIT))
	require.Zero(t, mp.Used())
	require.NotZero(t, mp.Alloc(64, defs.M_WAITOK))
	require.Equal(t, mem.PGSIZE, mp.Used())
}

func TestGrowthStopsAtCap(t *testing.T) {
	mp := mkheap(t, "test", 2*mem.PGSIZE)
	// each of these grows a fresh arena
	require.NotZero(t, mp.Alloc(3000, defs.M_WAITOK))
	require.NotZero(t, mp.Alloc(3000, defs.M_WAITOK))
	require.Equal(t, 2*mem.PGSIZE, mp.Used())
	// the cap is reached: WAITOK has nowhere to go
	require.Panics(t, func() { mp.Alloc(3000, defs.M_WAITOK) })
}

func TestReserveHonorsCap(t *testing.T) {
	mp := mkheap(t, "test", 2*mem.PGSIZE)
	require.Zero(t, mp.Reserve(2*mem.PGSIZE))
	require.Equal(t, -defs.ENOMEM, mp.Reserve(mem.PGSIZE))
}

func TestDoubleFree(t *testing.T) {
	mp := mkheap(t, "test", 16*mem.PGSIZE)
	p := mp.Alloc(64, defs.M_WAITOK)
	mp.Free(p)
	require.Panics(t, func() { mp.Free(p) })
}

func TestForeignFree(t *testing.T) {
	mp := mkheap(t, "test", 16*mem.PGSIZE)
	mp.Alloc(64, defs.M_WAITOK)
	require.Panics(t, func() { mp.Free(0xdead000) })
}

func TestRedzone(t *testing.T) {
	mp := mkheap(t, "test", 16*mem.PGSIZE)
	p := mp.Alloc(100, defs.M_WAITOK)
	ma := mp.find_arena(p)
	// write one byte past the payload
	ma.buf[int(p-ma.va)+100] = 0x42
	require.Panics(t, func() { mp.Free(p) })
}

func TestManyBlocks(t *testing.T) {
	mp := mkheap(t, "test", 64*mem.PGSIZE)
	initial_used := mp.Used()
	var ptrs []uintptr
	for i := 0; i < 200; i++ {
		p := mp.Alloc(32+i%97, defs.M_WAITOK)
		require.NotZero(t, p)
		ptrs = append(ptrs, uintptr(p))
	}
	// no two payloads overlap
	for i, a := range ptrs {
		for j, b := range ptrs {
			if i != j && a < b {
				require.LessOrEqual(t, a+32, b, "blocks %d, %d overlap", i, j)
			}
		}
	}
	for i, p := range ptrs {
		if i%2 == 0 {
			mp.Free(pmva(p))
		}
	}
	for i, p := range ptrs {
		if i%2 == 1 {
			mp.Free(pmva(p))
		}
	}
	require.GreaterOrEqual(t, mp.Used(), initial_used)
	// every arena is one single free block again
	for _, fb := range mp.Snapshot() {
		require.Zero(t, fb[0])
	}
}
