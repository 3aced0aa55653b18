// Package pool is the fixed-size object allocator. A slab is one page
// carved into an occupancy bitmap followed by items; every item carries
// an in-band header with a canary and a back-pointer to its slab page.
// Slabs sit on one of three lists keyed by occupancy.
package pool

import (
	"container/list"
	"sync"

	"github.com/cahirwpz/mimiker-sub003/defs"
	"github.com/cahirwpz/mimiker-sub003/hashtable"
	"github.com/cahirwpz/mimiker-sub003/klog"
	"github.com/cahirwpz/mimiker-sub003/kmem"
	"github.com/cahirwpz/mimiker-sub003/mem"
	"github.com/cahirwpz/mimiker-sub003/pmap"
	"github.com/cahirwpz/mimiker-sub003/stats"
	"github.com/cahirwpz/mimiker-sub003/util"
)

/// PI_CANARY guards every item header.
const PI_CANARY = 0xCAFED00D

/// PI_ALIGNMENT is the item payload alignment.
const PI_ALIGNMENT = 8

// item header layout: canary uint32, pad uint32, slab base va uint64.
const pi_hdrsize = 16

/// PI_REDZONE bytes after each payload are poisoned and checked.
const PI_REDZONE = 8

const redzone_byte = 0xd5

type slab_t struct {
	va       pmap.Va_t
	buf      []uint8
	ntotal   int
	nused    int
	itemsoff int
	elem     *list.Element
	onlist   *list.List
}

func (ph *slab_t) bitmap() []uint8 {
	return ph.buf[:util.Bitstr_size(ph.ntotal)]
}

/// Ctor_t runs over an item's payload when its slab is built.
type Ctor_t func(item []uint8)

/// Dtor_t runs over an item's payload when its slab is destroyed.
type Dtor_t func(item []uint8)

/// Poolstat_t counts slab allocator events.
type Poolstat_t struct {
	Nalloc stats.Counter_t
	Nfree  stats.Counter_t
	Nslabs stats.Counter_t
}

/// Pool_t allocates fixed-size objects from page-sized slabs.
type Pool_t struct {
	sync.Mutex
	desc     string
	km       *kmem.Kmem_t
	itemsize int
	stride   int
	empty    *list.List
	partial  *list.List
	full     *list.List
	slabs    *hashtable.Hashtable_t[*slab_t]
	ctor     Ctor_t
	dtor     Dtor_t
	nused    int
	nmaxused int
	ntotal   int
	npages   int
	Stat     Poolstat_t
}

/// Mkpool creates a pool of itemsize-byte objects.
func Mkpool(km *kmem.Kmem_t, desc string, itemsize int) *Pool_t {
	return Mkpool_ctor(km, desc, itemsize, nil, nil)
}

/// Mkpool_ctor creates a pool whose items are constructed when a slab
/// is built and destructed when the pool is destroyed.
func Mkpool_ctor(km *kmem.Kmem_t, desc string, itemsize int, ctor Ctor_t,
	dtor Dtor_t) *Pool_t {
	if itemsize <= 0 {
		klog.Panicf(klog.KL_POOL, "'%s': bad item size %d", desc, itemsize)
	}
	pp := &Pool_t{
		desc:     desc,
		km:       km,
		itemsize: itemsize,
		stride:   pi_hdrsize + util.Roundup(itemsize, PI_ALIGNMENT) + PI_REDZONE,
		empty:    list.New(),
		partial:  list.New(),
		full:     list.New(),
		slabs:    hashtable.MkHash[*slab_t](32),
		ctor:     ctor,
		dtor:     dtor,
	}
	if pp.stride > mem.PGSIZE/2 {
		klog.Panicf(klog.KL_POOL, "'%s': item size %d too large for a slab",
			desc, itemsize)
	}
	klog.Logf(klog.KL_POOL, "initialized '%s' pool (item size = %d)", desc,
		itemsize)
	return pp
}

// The capacity of a slab is the largest n with
//
//	roundup(bitmap(n), PI_ALIGNMENT) + n*stride <= PGSIZE
//
// searched downwards from (PGSIZE*8 + 7) / (8*stride + 1), the bound
// that ignores the bitmap's rounding.
func (pp *Pool_t) add_slab(va pmap.Va_t, buf []uint8) *slab_t {
	ph := &slab_t{va: va, buf: buf}
	ph.ntotal = (mem.PGSIZE*8 + 7) / (8*pp.stride + 1)
	for util.Roundup(util.Bitstr_size(ph.ntotal), PI_ALIGNMENT)+
		ph.ntotal*pp.stride > mem.PGSIZE {
		ph.ntotal--
	}
	ph.itemsoff = util.Roundup(util.Bitstr_size(ph.ntotal), PI_ALIGNMENT)
	for i := range ph.bitmap() {
		ph.bitmap()[i] = 0
	}
	for i := 0; i < ph.ntotal; i++ {
		off := ph.itemsoff + i*pp.stride
		util.Writen(buf, 4, off, PI_CANARY)
		util.Writen(buf, 4, off+4, 0)
		util.Writen(buf, 8, off+8, int(va))
		for j := off + pi_hdrsize + pp.itemsize; j < off+pp.stride; j++ {
			buf[j] = redzone_byte
		}
		if pp.ctor != nil {
			pp.ctor(pp.item(ph, i))
		}
	}
	ph.onlist = pp.empty
	ph.elem = pp.empty.PushFront(ph)
	pp.slabs.Set(uintptr(va), ph)
	pp.ntotal += ph.ntotal
	pp.npages++
	pp.Stat.Nslabs.Inc()
	klog.Logf(klog.KL_POOL, "add slab at %#x to '%s' pool (%d items)", va,
		pp.desc, ph.ntotal)
	return ph
}

func (pp *Pool_t) item(ph *slab_t, i int) []uint8 {
	off := ph.itemsoff + i*pp.stride + pi_hdrsize
	return ph.buf[off : off+pp.itemsize]
}

func (pp *Pool_t) move(ph *slab_t, to *list.List) {
	ph.onlist.Remove(ph.elem)
	ph.onlist = to
	ph.elem = to.PushFront(ph)
}

func (pp *Pool_t) checkcanary(ph *slab_t, i int) {
	off := ph.itemsoff + i*pp.stride
	if c := uint32(util.Readn(ph.buf, 4, off)); c != PI_CANARY {
		klog.Panicf(klog.KL_POOL,
			"'%s': item canary smashed at %#x: %#x != %#x",
			pp.desc, ph.va+pmap.Va_t(off), c, uint32(PI_CANARY))
	}
}

/// Alloc hands out one item. A fresh slab is built from a kmem page
/// when no partial or empty slab exists; under M_NOWAIT that build can
/// miss, returning (0, false).
func (pp *Pool_t) Alloc(flags defs.Mflag_t) (pmap.Va_t, bool) {
	flags.Check()
	pp.Lock()
	defer pp.Unlock()

	var ph *slab_t
	if pp.partial.Len() > 0 {
		ph = pp.partial.Front().Value.(*slab_t)
	} else if pp.empty.Len() > 0 {
		ph = pp.empty.Front().Value.(*slab_t)
		pp.move(ph, pp.partial)
	} else {
		va, ok := pp.km.Alloc(mem.PGSIZE, flags)
		if !ok {
			return 0, false
		}
		ph = pp.add_slab(va, pp.km.Bytes(va)[:mem.PGSIZE])
		pp.move(ph, pp.partial)
	}

	if ph.nused >= ph.ntotal {
		panic("full slab on partial list")
	}
	i := util.Bit_ffc(ph.bitmap(), ph.ntotal)
	if i < 0 {
		panic("no clear bit in non-full slab")
	}
	pp.checkcanary(ph, i)
	util.Bit_set(ph.bitmap(), i)
	ph.nused++
	if ph.nused == ph.ntotal {
		pp.move(ph, pp.full)
	}
	pp.nused++
	pp.nmaxused = util.Max(pp.nmaxused, pp.nused)
	pp.Stat.Nalloc.Inc()

	if flags&defs.M_ZERO != 0 {
		it := pp.item(ph, i)
		for j := range it {
			it[j] = 0
		}
	}
	return ph.va + pmap.Va_t(ph.itemsoff+i*pp.stride+pi_hdrsize), true
}

/// Free returns an item to its slab. Double frees and foreign
/// addresses are programming errors.
func (pp *Pool_t) Free(va pmap.Va_t) {
	pp.Lock()
	defer pp.Unlock()

	base := pmap.Va_t(util.Rounddown(uintptr(va), uintptr(mem.PGSIZE)))
	ph, ok := pp.slabs.Get(uintptr(base))
	if !ok {
		klog.Panicf(klog.KL_POOL, "'%s': free of foreign address %#x",
			pp.desc, va)
	}
	itemoff := int(va-base) - pi_hdrsize
	if itemoff < ph.itemsoff || (itemoff-ph.itemsoff)%pp.stride != 0 {
		klog.Panicf(klog.KL_POOL, "'%s': misaligned item address %#x",
			pp.desc, va)
	}
	i := (itemoff - ph.itemsoff) / pp.stride
	if i >= ph.ntotal {
		klog.Panicf(klog.KL_POOL, "'%s': item index %d out of range",
			pp.desc, i)
	}
	pp.checkcanary(ph, i)
	if back := pmap.Va_t(util.Readn(ph.buf, 8, itemoff+8)); back != base {
		klog.Panicf(klog.KL_POOL,
			"'%s': item back-pointer %#x != slab %#x", pp.desc, back, base)
	}
	for j := itemoff + pi_hdrsize + pp.itemsize; j < itemoff+pp.stride; j++ {
		if ph.buf[j] != redzone_byte {
			klog.Panicf(klog.KL_POOL,
				"'%s': redzone smashed at %#x: byte %#x != %#x",
				pp.desc, va, ph.buf[j], uint8(redzone_byte))
		}
	}
	if !util.Bit_test(ph.bitmap(), i) {
		klog.Panicf(klog.KL_POOL, "'%s': double free at %#x", pp.desc, va)
	}
	util.Bit_clear(ph.bitmap(), i)

	if ph.nused == ph.ntotal {
		pp.move(ph, pp.partial)
	}
	ph.nused--
	if ph.nused == 0 {
		pp.move(ph, pp.empty)
	}
	pp.nused--
	pp.Stat.Nfree.Inc()
}

/// Nused returns the number of live items.
func (pp *Pool_t) Nused() int {
	pp.Lock()
	defer pp.Unlock()
	return pp.nused
}

/// Ntotal returns the pool's item capacity across all slabs.
func (pp *Pool_t) Ntotal() int {
	pp.Lock()
	defer pp.Unlock()
	return pp.ntotal
}

// Counts returns (empty, partial, full) slab list lengths for tests.
func (pp *Pool_t) Counts() (int, int, int) {
	pp.Lock()
	defer pp.Unlock()
	return pp.empty.Len(), pp.partial.Len(), pp.full.Len()
}

func (pp *Pool_t) checklists() {
	check := func(l *list.List, pred func(*slab_t) bool) {
		for e := l.Front(); e != nil; e = e.Next() {
			ph := e.Value.(*slab_t)
			if !pred(ph) {
				klog.Panicf(klog.KL_POOL, "'%s': slab %#x on wrong list",
					pp.desc, ph.va)
			}
		}
	}
	check(pp.empty, func(ph *slab_t) bool { return ph.nused == 0 })
	check(pp.full, func(ph *slab_t) bool { return ph.nused == ph.ntotal })
	check(pp.partial, func(ph *slab_t) bool {
		return ph.nused > 0 && ph.nused < ph.ntotal
	})
}

/// Destroy runs the destructor over every item, frees the slab pages
/// and scrubs the pool descriptor.
func (pp *Pool_t) Destroy() {
	pp.Lock()
	defer pp.Unlock()
	for _, l := range []*list.List{pp.empty, pp.partial, pp.full} {
		for e := l.Front(); e != nil; e = e.Next() {
			ph := e.Value.(*slab_t)
			for i := 0; i < ph.ntotal; i++ {
				if pp.dtor != nil {
					pp.dtor(pp.item(ph, i))
				}
			}
			pp.slabs.Del(uintptr(ph.va))
			pp.km.Free(ph.va, mem.PGSIZE)
		}
		l.Init()
	}
	klog.Logf(klog.KL_POOL, "destroyed pool '%s'", pp.desc)
	pp.nused, pp.ntotal, pp.npages = 0, 0, 0
	pp.itemsize = 0
}
