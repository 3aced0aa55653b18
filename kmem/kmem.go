// Package kmem maps kernel virtual address ranges to physical pages.
// Virtual space comes from an rman over the kva window, physical pages
// from the buddy allocator, and the page-table entries go in through
// the MMU ops. kmalloc arenas and pool slabs live in memory returned
// from here.
package kmem

import (
	"github.com/cahirwpz/mimiker-sub003/defs"
	"github.com/cahirwpz/mimiker-sub003/hashtable"
	"github.com/cahirwpz/mimiker-sub003/klog"
	"github.com/cahirwpz/mimiker-sub003/mem"
	"github.com/cahirwpz/mimiker-sub003/pmap"
	"github.com/cahirwpz/mimiker-sub003/rman"
	"github.com/cahirwpz/mimiker-sub003/stats"
	"github.com/cahirwpz/mimiker-sub003/util"
)

// One mapped region. The physical backing is a single power-of-two run
// so the whole region is visible through one direct-map window.
type kmapping_t struct {
	res    *rman.Resource_t
	pg     *mem.Page_t
	npages int
}

/// Kmemstat_t counts mapper events.
type Kmemstat_t struct {
	Nalloc stats.Counter_t
	Nfree  stats.Counter_t
}

/// Kmem_t is the kernel virtual address allocator.
type Kmem_t struct {
	phys   *mem.Physmem_t
	kops   pmap.Kops_i
	dmap   mem.Dmap_i
	kva    *rman.Rman_t
	allocs *hashtable.Hashtable_t[*kmapping_t]
	Stat   Kmemstat_t
}

/// Mkkmem builds the kernel VA allocator over [kvastart, kvaend).
func Mkkmem(phys *mem.Physmem_t, kops pmap.Kops_i, dmap mem.Dmap_i,
	kvastart, kvaend pmap.Va_t) *Kmem_t {
	if uintptr(kvastart)&uintptr(mem.PGOFFSET) != 0 ||
		uintptr(kvaend)&uintptr(mem.PGOFFSET) != 0 || kvastart >= kvaend {
		klog.Panicf(klog.KL_KVA, "bad kva window %#x-%#x", kvastart, kvaend)
	}
	km := &Kmem_t{
		phys:   phys,
		kops:   kops,
		dmap:   dmap,
		kva:    rman.Mkrman("kva"),
		allocs: hashtable.MkHash[*kmapping_t](64),
	}
	km.kva.Manage_region(rman.Addr_t(kvastart),
		rman.Addr_t(kvaend)-rman.Addr_t(kvastart))
	return km
}

/// Alloc maps size bytes (rounded up to whole pages) of fresh physical
/// memory at a fresh kernel virtual address and returns that address.
/// A miss returns (0, false); under M_WAITOK the physical allocation
/// blocks instead of missing.
func (km *Kmem_t) Alloc(size int, flags defs.Mflag_t) (pmap.Va_t, bool) {
	if size <= 0 {
		klog.Panicf(klog.KL_KMEM, "bad size %d", size)
	}
	flags.Check()
	npages := util.Roundup(size, mem.PGSIZE) / mem.PGSIZE
	run := 1
	for run < npages {
		run *= 2
	}

	pg, ok := km.phys.Alloc(run, flags)
	if !ok {
		return 0, false
	}
	res := km.kva.Reserve(0, rman.ADDR_MAX, rman.Addr_t(npages*mem.PGSIZE),
		rman.Addr_t(mem.PGSIZE), rman.RF_NONE)
	if res == nil {
		klog.Warnf(klog.KL_KMEM, "kva window exhausted (%d pages)", npages)
		km.phys.Free(pg)
		return 0, false
	}
	// mapping the range is what activation means for kva resources
	km.kva.Activate(res)

	va := pmap.Va_t(res.Start)
	for i := 0; i < npages; i++ {
		km.kops.KEnter(va+pmap.Va_t(i*mem.PGSIZE), pg.Pa+mem.Pa_t(i*mem.PGSIZE),
			pmap.PROT_READ|pmap.PROT_WRITE)
	}
	if flags&defs.M_ZERO != 0 {
		b := km.dmap.Dmap8(pg.Pa, npages*mem.PGSIZE)
		for i := range b {
			b[i] = 0
		}
	}
	km.allocs.Set(uintptr(va), &kmapping_t{res: res, pg: pg, npages: npages})
	km.Stat.Nalloc.Inc()
	klog.Logf(klog.KL_KMEM, "kmem_alloc %#x+%#x", va, npages*mem.PGSIZE)
	return va, true
}

/// Free reverses Alloc. va must be a value Alloc returned and size the
/// size it was asked for.
func (km *Kmem_t) Free(va pmap.Va_t, size int) {
	rec, ok := km.allocs.Get(uintptr(va))
	if !ok {
		klog.Panicf(klog.KL_KMEM, "freeing unmapped va %#x", va)
	}
	npages := util.Roundup(size, mem.PGSIZE) / mem.PGSIZE
	if npages != rec.npages {
		klog.Panicf(klog.KL_KMEM, "free size %d pages, mapping has %d",
			npages, rec.npages)
	}
	km.allocs.Del(uintptr(va))
	km.kops.KRemove(va, rec.npages*mem.PGSIZE)
	km.kva.Deactivate(rec.res)
	km.kva.Release(rec.res)
	km.phys.Free(rec.pg)
	km.Stat.Nfree.Inc()
	klog.Logf(klog.KL_KMEM, "kmem_free %#x+%#x", va, rec.npages*mem.PGSIZE)
}

/// Bytes returns the byte window over a mapped region. va must be a
/// value Alloc returned.
func (km *Kmem_t) Bytes(va pmap.Va_t) []uint8 {
	rec, ok := km.allocs.Get(uintptr(va))
	if !ok {
		klog.Panicf(klog.KL_KMEM, "no mapping at %#x", va)
	}
	return km.dmap.Dmap8(rec.pg.Pa, rec.npages*mem.PGSIZE)
}

/// Find returns the page run backing a mapped region.
func (km *Kmem_t) Find(va pmap.Va_t) (*mem.Page_t, bool) {
	rec, ok := km.allocs.Get(uintptr(va))
	if !ok {
		return nil, false
	}
	return rec.pg, true
}
