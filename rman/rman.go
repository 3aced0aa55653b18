// Package rman is the kernel resource manager: a generic allocator of
// address and number ranges. It keeps track of which parts of a region
// are handed out; the consumers decide what a range means (kernel
// virtual addresses, bus memory, interrupt lines).
package rman

import (
	"container/list"
	"math"
	"sync"

	"github.com/cahirwpz/mimiker-sub003/klog"
	"github.com/cahirwpz/mimiker-sub003/util"
)

/// Addr_t is a location in the managed space.
type Addr_t uint64

/// ADDR_MAX is the highest manageable address.
const ADDR_MAX Addr_t = math.MaxUint64

/// Rflag_t holds resource flags.
type Rflag_t uint

const (
	RF_NONE Rflag_t = 0
	/// RF_RESERVED marks a range handed out by Reserve.
	RF_RESERVED Rflag_t = 1 << 0
	/// RF_ACTIVE modifies a reserved range whose consumer has activated
	/// it (e.g. mapped it into kernel VA).
	RF_ACTIVE Rflag_t = 1 << 1
	/// RF_SHAREABLE permits multiple consumers on the range.
	RF_SHAREABLE Rflag_t = 1 << 2
	/// RF_PREFETCHABLE hints that an MMIO range may be prefetched.
	RF_PREFETCHABLE Rflag_t = 1 << 3
)

/// Resource_t is one node of an RMAN: a [Start, End] range that is
/// either free or reserved. Resources are owned by exactly one RMAN.
type Resource_t struct {
	Start Addr_t
	End   Addr_t
	flags Rflag_t
	rman  *Rman_t
	elem  *list.Element
}

/// Size returns the number of units the resource spans.
func (r *Resource_t) Size() Addr_t {
	return r.End - r.Start + 1
}

/// Flags returns the resource's flag bits.
func (r *Resource_t) Flags() Rflag_t {
	return r.flags
}

func (r *Resource_t) reserved() bool {
	return r.flags&RF_RESERVED != 0
}

func (r *Resource_t) active() bool {
	return r.flags&RF_ACTIVE != 0
}

func r_overlap(a, b *Resource_t) bool {
	return a.Start <= b.End && a.End >= b.Start
}

func r_canmerge(cur, next *Resource_t) bool {
	return cur.End+1 == next.Start && !cur.reserved() && !next.reserved()
}

/// Rman_t owns a sorted, non-overlapping, free-coalesced list of
/// resources partitioning its managed regions.
type Rman_t struct {
	sync.Mutex
	name      string
	resources *list.List
}

/// Mkrman initializes an empty resource manager.
func Mkrman(name string) *Rman_t {
	return &Rman_t{name: name, resources: list.New()}
}

/// Name returns the manager's name.
func (rm *Rman_t) Name() string {
	return rm.name
}

func (rm *Rman_t) mkres(start, end Addr_t, flags Rflag_t) *Resource_t {
	return &Resource_t{Start: start, End: end, flags: flags, rman: rm}
}

func (rm *Rman_t) insert_before(at *list.Element, r *Resource_t) {
	r.elem = rm.resources.InsertBefore(r, at)
}

func (rm *Rman_t) insert_after(at *list.Element, r *Resource_t) {
	r.elem = rm.resources.InsertAfter(r, at)
}

func (rm *Rman_t) insert_tail(r *Resource_t) {
	r.elem = rm.resources.PushBack(r)
}

func (rm *Rman_t) unlink(r *Resource_t) {
	rm.resources.Remove(r.elem)
	r.elem = nil
}

func res(e *list.Element) *Resource_t {
	return e.Value.(*Resource_t)
}

/// Manage_region hands [start, start+size) to the manager as free
/// space, coalescing with adjacent free regions. The new region must
/// not overlap any existing one.
func (rm *Rman_t) Manage_region(start Addr_t, size Addr_t) {
	if size == 0 || start+size-1 < start {
		klog.Panicf(klog.KL_RMAN, "%s: bad region %#x+%#x", rm.name, start, size)
	}
	rm.Lock()
	defer rm.Unlock()

	r := rm.mkres(start, start+size-1, RF_NONE)

	// skip entries before us
	var cur *list.Element
	for cur = rm.resources.Front(); cur != nil; cur = cur.Next() {
		// the extra ADDR_MAX check dodges overflow of End+1
		if res(cur).End == ADDR_MAX || res(cur).End+1 >= r.Start {
			break
		}
	}

	if cur == nil {
		rm.insert_tail(r)
		return
	}

	if r_overlap(r, res(cur)) {
		klog.Panicf(klog.KL_RMAN, "%s: region %#x-%#x overlaps %#x-%#x",
			rm.name, r.Start, r.End, res(cur).Start, res(cur).End)
	}

	var next *Resource_t
	if ne := cur.Next(); ne != nil {
		if r_overlap(r, res(ne)) {
			klog.Panicf(klog.KL_RMAN, "%s: region %#x-%#x overlaps %#x-%#x",
				rm.name, r.Start, r.End, res(ne).Start, res(ne).End)
		}
		if r_canmerge(r, res(ne)) {
			next = res(ne)
		}
	}

	c := res(cur)
	if c.End != ADDR_MAX && r_canmerge(c, r) {
		if next != nil {
			// all three merge into cur
			c.End = next.End
			rm.unlink(next)
		} else {
			c.End = r.End
		}
	} else if next != nil {
		next.Start = r.Start
	} else if c.End < r.Start {
		rm.insert_after(cur, r)
	} else if r_canmerge(r, c) {
		c.Start = r.Start
	} else {
		rm.insert_before(cur, r)
	}
}

// split carves [start, end] out of free resource r, producing up to
// three pieces; the middle one is returned reserved.
func (rm *Rman_t) split(r *Resource_t, start, end Addr_t, flags Rflag_t) *Resource_t {
	rv := rm.mkres(start, end, flags)
	if r.Start < start && r.End > end {
		gap := rm.mkres(end+1, r.End, r.flags)
		r.End = start - 1
		rm.insert_after(r.elem, rv)
		rm.insert_after(rv.elem, gap)
	} else if r.Start == start {
		r.Start = end + 1
		rm.insert_before(r.elem, rv)
	} else {
		r.End = start - 1
		rm.insert_after(r.elem, rv)
	}
	return rv
}

/// Reserve finds the lowest free sub-range of count units inside
/// [start, end], aligned to alignment (a power of two), and returns it
/// reserved. Returns nil if nothing fits.
func (rm *Rman_t) Reserve(start, end Addr_t, count Addr_t, alignment Addr_t,
	flags Rflag_t) *Resource_t {
	if count == 0 || start+count-1 < start || start+count-1 > end {
		klog.Panicf(klog.KL_RMAN, "%s: bad reservation %#x+%#x in [%#x, %#x]",
			rm.name, start, count, start, end)
	}
	alignment = util.Max(alignment, 1)
	if !util.Ispow2(alignment) {
		klog.Panicf(klog.KL_RMAN, "%s: alignment %#x not a power of 2",
			rm.name, alignment)
	}

	// RF_ACTIVE means activate-on-reserve; it is applied to the result
	// only, never inherited by the split-off free pieces
	activate := flags&RF_ACTIVE != 0
	flags &^= RF_ACTIVE
	flags |= RF_RESERVED

	rm.Lock()
	defer rm.Unlock()

	for e := rm.resources.Front(); e != nil; e = e.Next() {
		r := res(e)
		// skip lower regions
		if r.End < start+count-1 {
			continue
		}
		// skip reserved regions
		if r.reserved() {
			continue
		}
		// stop if we've gone too far
		if r.Start > end-count+1 {
			break
		}
		// stop if rounding up would overflow
		if r.Start > ADDR_MAX-alignment+1 {
			break
		}

		nstart := util.Roundup(util.Max(r.Start, start), alignment)
		nend := nstart + count - 1
		if nend < nstart {
			break
		}
		// does it fit?
		if nend > r.End {
			continue
		}
		// isn't it too far?
		if nend > end {
			break
		}

		if r.Size() == count {
			r.flags = flags
			if activate {
				r.flags |= RF_ACTIVE
			}
			return r
		}
		rv := rm.split(r, nstart, nend, flags)
		if activate {
			rv.flags |= RF_ACTIVE
		}
		return rv
	}
	return nil
}

/// Release returns a reserved resource to the free pool, merging with
/// adjacent free neighbors. Releasing an active resource is a
/// programming error.
func (rm *Rman_t) Release(r *Resource_t) {
	if r.rman != rm {
		klog.Panicf(klog.KL_RMAN, "%s: releasing foreign resource %#x-%#x",
			rm.name, r.Start, r.End)
	}
	rm.Lock()
	defer rm.Unlock()

	if r.active() {
		klog.Panicf(klog.KL_RMAN, "%s: releasing active resource %#x-%#x",
			rm.name, r.Start, r.End)
	}
	if !r.reserved() {
		klog.Panicf(klog.KL_RMAN, "%s: releasing free resource %#x-%#x",
			rm.name, r.Start, r.End)
	}

	// the node reads as free from here on, so it merges with either
	// neighbor; reservation flags do not survive a release
	r.flags = RF_NONE

	if pe := r.elem.Prev(); pe != nil && r_canmerge(res(pe), r) {
		prev := res(pe)
		prev.End = r.End
		rm.unlink(r)
		r = prev
	}
	if ne := r.elem.Next(); ne != nil && r_canmerge(r, res(ne)) {
		next := res(ne)
		r.End = next.End
		rm.unlink(next)
	}
}

/// Activate flips on the resource's active bit.
func (rm *Rman_t) Activate(r *Resource_t) {
	rm.Lock()
	defer rm.Unlock()
	if !r.reserved() {
		klog.Panicf(klog.KL_RMAN, "%s: activating free resource %#x-%#x",
			rm.name, r.Start, r.End)
	}
	r.flags |= RF_ACTIVE
}

/// Deactivate flips off the resource's active bit.
func (rm *Rman_t) Deactivate(r *Resource_t) {
	rm.Lock()
	defer rm.Unlock()
	r.flags &^= RF_ACTIVE
}

/// Fini drops every node of a manager that holds no reservations.
func (rm *Rman_t) Fini() {
	rm.Lock()
	defer rm.Unlock()
	for e := rm.resources.Front(); e != nil; e = e.Next() {
		if res(e).reserved() {
			klog.Panicf(klog.KL_RMAN, "%s: fini with reservation %#x-%#x",
				rm.name, res(e).Start, res(e).End)
		}
	}
	rm.resources.Init()
}

/// Hash computes a structural digest of the resource list.
func (rm *Rman_t) Hash() uint64 {
	rm.Lock()
	defer rm.Unlock()
	hash := uint64(5381)
	for e := rm.resources.Front(); e != nil; e = e.Next() {
		r := res(e)
		hash = hash*33 + uint64(r.Start)
		hash = hash*33 + uint64(r.End)
		hash = hash*33 + uint64(r.flags)
	}
	return hash
}

/// Snapshot returns a copy of the resource list for inspection.
func (rm *Rman_t) Snapshot() []Resource_t {
	rm.Lock()
	defer rm.Unlock()
	var out []Resource_t
	for e := rm.resources.Front(); e != nil; e = e.Next() {
		r := *res(e)
		r.rman = nil
		r.elem = nil
		out = append(out, r)
	}
	return out
}
