package rman

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func checkinvariants(t *testing.T, rm *Rman_t) {
	t.Helper()
	rs := rm.Snapshot()
	for i := 1; i < len(rs); i++ {
		prev, cur := rs[i-1], rs[i]
		require.Less(t, prev.End, cur.Start, "list not sorted or overlapping")
		if prev.Flags()&RF_RESERVED == 0 && cur.Flags()&RF_RESERVED == 0 {
			require.NotEqual(t, prev.End+1, cur.Start,
				"adjacent free resources not coalesced")
		}
	}
}

func TestManageRegionCoalesce(t *testing.T) {
	rm := Mkrman("test")
	rm.Manage_region(0x1000, 0x1000)
	rm.Manage_region(0x3000, 0x1000)
	// the hole in the middle joins both neighbors into one free node
	rm.Manage_region(0x2000, 0x1000)
	want := []Resource_t{{Start: 0x1000, End: 0x3fff}}
	if d := cmp.Diff(want, rm.Snapshot(), cmp.AllowUnexported(Resource_t{})); d != "" {
		t.Fatalf("resource list mismatch (-want +got):\n%s", d)
	}
	checkinvariants(t, rm)
}

func TestManageRegionDisjoint(t *testing.T) {
	rm := Mkrman("test")
	rm.Manage_region(0x5000, 0x1000)
	rm.Manage_region(0x1000, 0x1000)
	rm.Manage_region(0x9000, 0x1000)
	rs := rm.Snapshot()
	require.Len(t, rs, 3)
	require.Equal(t, Addr_t(0x1000), rs[0].Start)
	require.Equal(t, Addr_t(0x5000), rs[1].Start)
	require.Equal(t, Addr_t(0x9000), rs[2].Start)
	checkinvariants(t, rm)
}

func TestReserveRelease(t *testing.T) {
	rm := Mkrman("test")
	rm.Manage_region(0, 0x10000)
	h0 := rm.Hash()

	r := rm.Reserve(0, ADDR_MAX, 0x1000, 1, RF_NONE)
	require.NotNil(t, r)
	require.Equal(t, Addr_t(0), r.Start)
	require.Equal(t, Addr_t(0xfff), r.End)
	require.NotZero(t, r.Flags()&RF_RESERVED)
	checkinvariants(t, rm)

	rm.Release(r)
	require.Equal(t, h0, rm.Hash(), "reserve+release must be a no-op")
}

func TestReserveBounded(t *testing.T) {
	rm := Mkrman("test")
	rm.Manage_region(0, 0x10000)

	// bounded reservation lands inside [start, end]
	r := rm.Reserve(0x4000, 0x7fff, 0x1000, 1, RF_NONE)
	require.NotNil(t, r)
	require.Equal(t, Addr_t(0x4000), r.Start)

	// a second one falls right after the first
	r2 := rm.Reserve(0x4000, 0x7fff, 0x1000, 1, RF_NONE)
	require.NotNil(t, r2)
	require.Equal(t, Addr_t(0x5000), r2.Start)

	// nothing fits when the window is full
	r3 := rm.Reserve(0x4000, 0x7fff, 0x3000, 1, RF_NONE)
	require.Nil(t, r3)
	checkinvariants(t, rm)
}

func TestReserveAlignment(t *testing.T) {
	rm := Mkrman("test")
	rm.Manage_region(0x100, 0x100000)
	for _, k := range []uint{4, 8, 12, 16} {
		align := Addr_t(1) << k
		r := rm.Reserve(0, ADDR_MAX, 0x10, align, RF_NONE)
		require.NotNil(t, r, "alignment 2^%d", k)
		require.Zero(t, r.Start%align, "alignment 2^%d", k)
	}
	checkinvariants(t, rm)
}

func TestReserveWholeRegion(t *testing.T) {
	rm := Mkrman("test")
	rm.Manage_region(0x1000, 0x1000)
	r := rm.Reserve(0, ADDR_MAX, 0x1000, 1, RF_NONE)
	require.NotNil(t, r)
	// the whole free node was converted, not split
	require.Len(t, rm.Snapshot(), 1)
	rm.Release(r)
	require.Len(t, rm.Snapshot(), 1)
	require.Zero(t, rm.Snapshot()[0].Flags()&RF_RESERVED)
}

func TestReserveMiddleSplitsThree(t *testing.T) {
	rm := Mkrman("test")
	rm.Manage_region(0, 0x10000)
	r := rm.Reserve(0x4000, 0x4fff, 0x1000, 1, RF_NONE)
	require.NotNil(t, r)
	rs := rm.Snapshot()
	require.Len(t, rs, 3)
	require.Equal(t, Addr_t(0x3fff), rs[0].End)
	require.Equal(t, Addr_t(0x4000), rs[1].Start)
	require.Equal(t, Addr_t(0x4fff), rs[1].End)
	require.Equal(t, Addr_t(0x5000), rs[2].Start)

	// release merges all three back together
	rm.Release(r)
	rs = rm.Snapshot()
	require.Len(t, rs, 1)
	require.Equal(t, Addr_t(0), rs[0].Start)
	require.Equal(t, Addr_t(0xffff), rs[0].End)
}

func TestActivate(t *testing.T) {
	rm := Mkrman("test")
	rm.Manage_region(0, 0x10000)
	r := rm.Reserve(0, ADDR_MAX, 0x1000, 1, RF_NONE)
	require.NotNil(t, r)

	rm.Activate(r)
	require.NotZero(t, r.Flags()&RF_ACTIVE)
	require.Panics(t, func() { rm.Release(r) },
		"releasing an active resource is a programming error")
	rm.Deactivate(r)
	rm.Release(r)
}

func TestReserveActivateFlag(t *testing.T) {
	rm := Mkrman("test")
	rm.Manage_region(0, 0x10000)
	// RF_ACTIVE means activate-on-reserve
	r := rm.Reserve(0, ADDR_MAX, 0x1000, 1, RF_ACTIVE|RF_SHAREABLE)
	require.NotNil(t, r)
	require.NotZero(t, r.Flags()&RF_ACTIVE)
	require.NotZero(t, r.Flags()&RF_SHAREABLE)
	require.Panics(t, func() { rm.Release(r) })
	rm.Deactivate(r)
	rm.Release(r)

	// the split-off free neighbor never inherits the active bit
	r2 := rm.Reserve(0x100, ADDR_MAX, 0x100, 1, RF_ACTIVE)
	require.NotNil(t, r2)
	for _, rs := range rm.Snapshot() {
		if rs.Start != r2.Start && rs.Flags()&RF_RESERVED == 0 {
			require.Zero(t, rs.Flags()&RF_ACTIVE)
		}
	}
}

func TestReserveSkipsReserved(t *testing.T) {
	rm := Mkrman("test")
	rm.Manage_region(0, 0x3000)
	a := rm.Reserve(0, ADDR_MAX, 0x1000, 1, RF_NONE)
	b := rm.Reserve(0, ADDR_MAX, 0x1000, 1, RF_NONE)
	c := rm.Reserve(0, ADDR_MAX, 0x1000, 1, RF_NONE)
	require.NotNil(t, c)
	require.Nil(t, rm.Reserve(0, ADDR_MAX, 1, 1, RF_NONE))

	rm.Release(b)
	m := rm.Reserve(0, ADDR_MAX, 0x800, 1, RF_NONE)
	require.NotNil(t, m)
	require.Equal(t, Addr_t(0x1000), m.Start)
	rm.Release(m)
	rm.Release(a)
	rm.Release(c)
	rs := rm.Snapshot()
	require.Len(t, rs, 1)
	checkinvariants(t, rm)
}
