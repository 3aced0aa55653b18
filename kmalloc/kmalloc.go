// Package kmalloc is the general-purpose kernel heap. Each pool owns a
// list of arenas backed by kmem mappings; inside an arena an
// address-sorted free list of blocks is kept, with in-band headers (a
// magic word and a signed size) living in the mapped bytes themselves.
package kmalloc

import (
	"container/list"
	"sync"

	"github.com/cahirwpz/mimiker-sub003/defs"
	"github.com/cahirwpz/mimiker-sub003/klog"
	"github.com/cahirwpz/mimiker-sub003/kmem"
	"github.com/cahirwpz/mimiker-sub003/mem"
	"github.com/cahirwpz/mimiker-sub003/pmap"
	"github.com/cahirwpz/mimiker-sub003/stats"
	"github.com/cahirwpz/mimiker-sub003/util"
)

/// MB_MAGIC guards every block header against corruption.
const MB_MAGIC = 0xC0DECAFE

/// MB_ALIGNMENT is the payload alignment.
const MB_ALIGNMENT = 8

// header layout: magic uint32, size int32; payload follows.
// size > 0 means free, size < 0 means allocated.
const mb_hdrsize = 8

/// REDZONE_SIZE bytes after every payload are poisoned and checked on
/// free for out-of-bounds detection.
const REDZONE_SIZE = 8

const redzone_byte = 0xdb

// arena_t is one page-backed region the pool subdivides. The block
// headers are in-band; only the free-list index is kept out of band.
type arena_t struct {
	va   pmap.Va_t
	size int
	buf  []uint8
	// offsets of free blocks, address sorted
	free *list.List
}

func (ma *arena_t) readmagic(off int) uint32 {
	return uint32(util.Readn(ma.buf, 4, off))
}

func (ma *arena_t) readsize(off int) int {
	return int(int32(uint32(util.Readn(ma.buf, 4, off+4))))
}

func (ma *arena_t) writehdr(off int, size int) {
	util.Writen(ma.buf, 4, off, MB_MAGIC)
	util.Writen(ma.buf, 4, off+4, int(int32(size)))
}

// add_free_block installs a free block of total bytes at off and
// coalesces it with adjacent free blocks.
func (ma *arena_t) add_free_block(off, total int) {
	ma.writehdr(off, total-mb_hdrsize)

	if ma.free.Len() == 0 {
		ma.free.PushFront(off)
		return
	}
	// insert in address order; best is the last free block before off
	var best *list.Element
	for e := ma.free.Front(); e != nil; e = e.Next() {
		if e.Value.(int) < off {
			best = e
		}
	}
	if best == nil {
		ma.merge_right(ma.free.PushFront(off))
	} else {
		ma.merge_right(ma.free.InsertAfter(off, best))
		ma.merge_right(best)
	}
}

// merge_right absorbs e's immediate neighbor when it is the very next
// free block in memory.
func (ma *arena_t) merge_right(e *list.Element) {
	ne := e.Next()
	if ne == nil {
		return
	}
	off, noff := e.Value.(int), ne.Value.(int)
	size := ma.readsize(off)
	if off+mb_hdrsize+size == noff {
		ma.free.Remove(ne)
		ma.writehdr(off, size+mb_hdrsize+ma.readsize(noff))
	}
}

// try_alloc carves a block of requested bytes out of the arena,
// returning its offset, or -1 when no free block is big enough.
func (ma *arena_t) try_alloc(requested int) int {
	var mb *list.Element
	for e := ma.free.Front(); e != nil; e = e.Next() {
		off := e.Value.(int)
		if ma.readmagic(off) != MB_MAGIC {
			klog.Panicf(klog.KL_KMEM,
				"corrupted free block at %#x: magic %#x != %#x",
				ma.va+pmap.Va_t(off), ma.readmagic(off), uint32(MB_MAGIC))
		}
		if ma.readsize(off) >= requested+mb_hdrsize {
			mb = e
			break
		}
	}
	if mb == nil {
		return -1
	}
	off := mb.Value.(int)
	left := ma.readsize(off) - requested
	ma.free.Remove(mb)
	if left > mb_hdrsize {
		ma.writehdr(off, -requested)
		ma.add_free_block(off+mb_hdrsize+requested, left)
	} else {
		ma.writehdr(off, -ma.readsize(off))
	}
	return off
}

/// Kmallocstat_t counts heap events.
type Kmallocstat_t struct {
	Nalloc stats.Counter_t
	Nfree  stats.Counter_t
	Ngrow  stats.Counter_t
}

/// Pool_t is a named kmalloc pool with a byte cap.
type Pool_t struct {
	sync.Mutex
	desc    string
	km      *kmem.Kmem_t
	arenas  *list.List
	used    int
	maxsize int
	Stat    Kmallocstat_t
}

/// Mkpool creates a kmalloc pool capped at maxsize bytes of arena
/// memory. maxsize must be page aligned.
func Mkpool(km *kmem.Kmem_t, desc string, maxsize int) *Pool_t {
	if maxsize <= 0 || maxsize%mem.PGSIZE != 0 {
		klog.Panicf(klog.KL_KMEM, "'%s': bad cap %d", desc, maxsize)
	}
	mp := &Pool_t{desc: desc, km: km, arenas: list.New(), maxsize: maxsize}
	klog.Logf(klog.KL_KMEM, "initialized '%s' kmem pool (cap %d)", desc, maxsize)
	return mp
}

func (mp *Pool_t) add_pages(size int) defs.Err_t {
	size = util.Roundup(size, mem.PGSIZE)
	if mp.used+size > mp.maxsize {
		return -defs.ENOMEM
	}
	va, ok := mp.km.Alloc(size, defs.M_WAITOK)
	if !ok {
		return -defs.ENOMEM
	}
	ma := &arena_t{va: va, size: size, buf: mp.km.Bytes(va)[:size], free: list.New()}
	ma.add_free_block(0, size)
	mp.arenas.PushFront(ma)
	mp.used += size
	mp.Stat.Ngrow.Inc()
	klog.Logf(klog.KL_KMEM, "add arena %#x+%#x to '%s' pool", va, size, mp.desc)
	return 0
}

/// Alloc returns the address of a size-byte block, or 0. Zero-size
/// requests return 0. Under M_NOWAIT a miss returns 0; under M_WAITOK
/// the pool grows from kmem until the cap, where it panics.
func (mp *Pool_t) Alloc(size int, flags defs.Mflag_t) pmap.Va_t {
	if size == 0 {
		return 0
	}
	if size < 0 {
		klog.Panicf(klog.KL_KMEM, "'%s': negative size", mp.desc)
	}
	flags.Check()
	// the alignment padding doubles as the front of the redzone
	requested := util.Roundup(size, MB_ALIGNMENT) + REDZONE_SIZE

	mp.Lock()
	defer mp.Unlock()
	for {
		for e := mp.arenas.Front(); e != nil; e = e.Next() {
			ma := e.Value.(*arena_t)
			off := ma.try_alloc(requested)
			if off < 0 {
				continue
			}
			pay := off + mb_hdrsize
			// poison everything past the payload; the block may carry
			// a few spare bytes beyond the redzone proper
			for i := pay + size; i < pay-ma.readsize(off); i++ {
				ma.buf[i] = redzone_byte
			}
			if flags&defs.M_ZERO != 0 {
				for i := pay; i < pay+size; i++ {
					ma.buf[i] = 0
				}
			}
			mp.Stat.Nalloc.Inc()
			return ma.va + pmap.Va_t(pay)
		}
		if flags&defs.M_NOWAIT != 0 {
			return 0
		}
		if mp.add_pages(requested+mb_hdrsize) != 0 {
			klog.Panicf(klog.KL_KMEM, "memory exhausted in '%s'", mp.desc)
		}
	}
}

func (mp *Pool_t) find_arena(va pmap.Va_t) *arena_t {
	for e := mp.arenas.Front(); e != nil; e = e.Next() {
		ma := e.Value.(*arena_t)
		if va >= ma.va && va < ma.va+pmap.Va_t(ma.size) {
			return ma
		}
	}
	return nil
}

/// Free returns a block to its arena, coalescing with free neighbors.
/// Freeing 0 is a no-op; double frees and foreign addresses panic.
func (mp *Pool_t) Free(va pmap.Va_t) {
	if va == 0 {
		return
	}
	mp.Lock()
	defer mp.Unlock()
	ma := mp.find_arena(va)
	if ma == nil {
		klog.Panicf(klog.KL_KMEM, "'%s': free of foreign address %#x",
			mp.desc, va)
	}
	off := int(va-ma.va) - mb_hdrsize
	if off < 0 || ma.readmagic(off) != MB_MAGIC {
		klog.Panicf(klog.KL_KMEM, "'%s': corruption at %#x: magic %#x != %#x",
			mp.desc, va, ma.readmagic(off), uint32(MB_MAGIC))
	}
	size := ma.readsize(off)
	if size >= 0 {
		klog.Panicf(klog.KL_KMEM, "'%s': double free at %#x", mp.desc, va)
	}
	size = -size
	for i := off + mb_hdrsize + size - REDZONE_SIZE; i < off+mb_hdrsize+size; i++ {
		if ma.buf[i] != redzone_byte {
			klog.Panicf(klog.KL_KMEM,
				"'%s': redzone smashed at %#x: byte %#x != %#x",
				mp.desc, va, ma.buf[i], uint8(redzone_byte))
		}
	}
	ma.add_free_block(off, size+mb_hdrsize)
	mp.Stat.Nfree.Inc()
}

/// Reserve grows the pool by size bytes ahead of demand.
func (mp *Pool_t) Reserve(size int) defs.Err_t {
	mp.Lock()
	defer mp.Unlock()
	return mp.add_pages(size)
}

/// Used returns the pool's current arena bytes.
func (mp *Pool_t) Used() int {
	mp.Lock()
	defer mp.Unlock()
	return mp.used
}

/// Dump logs every block of every arena.
func (mp *Pool_t) Dump() {
	mp.Lock()
	defer mp.Unlock()
	klog.Warnf(klog.KL_KMEM, "pool '%s': %d/%d bytes", mp.desc, mp.used,
		mp.maxsize)
	for e := mp.arenas.Front(); e != nil; e = e.Next() {
		ma := e.Value.(*arena_t)
		klog.Warnf(klog.KL_KMEM, "> arena %#x+%#x:", ma.va, ma.size)
		for off := 0; off < ma.size; {
			if ma.readmagic(off) != MB_MAGIC {
				klog.Panicf(klog.KL_KMEM, "'%s': corrupted block at %#x",
					mp.desc, ma.va+pmap.Va_t(off))
			}
			size := ma.readsize(off)
			state := "F"
			if size < 0 {
				state, size = "U", -size
			}
			klog.Warnf(klog.KL_KMEM, "   %s %#x %d", state,
				ma.va+pmap.Va_t(off), size)
			off += mb_hdrsize + size
		}
	}
}

// Snapshot returns the free block (offset, size) list of every arena,
// for tests.
func (mp *Pool_t) Snapshot() [][2]int {
	mp.Lock()
	defer mp.Unlock()
	var out [][2]int
	for e := mp.arenas.Front(); e != nil; e = e.Next() {
		ma := e.Value.(*arena_t)
		for f := ma.free.Front(); f != nil; f = f.Next() {
			off := f.Value.(int)
			out = append(out, [2]int{off, ma.readsize(off)})
		}
	}
	return out
}

/// Destroy returns every arena to kmem and scrubs the pool.
func (mp *Pool_t) Destroy() {
	mp.Lock()
	defer mp.Unlock()
	for e := mp.arenas.Front(); e != nil; e = e.Next() {
		ma := e.Value.(*arena_t)
		mp.km.Free(ma.va, ma.size)
	}
	mp.arenas.Init()
	mp.used = 0
	mp.maxsize = 0
	klog.Logf(klog.KL_KMEM, "destroyed pool '%s'", mp.desc)
}
