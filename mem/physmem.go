package mem

import (
	"fmt"
	"sync"

	"github.com/cahirwpz/mimiker-sub003/defs"
	"github.com/cahirwpz/mimiker-sub003/klog"
	"github.com/cahirwpz/mimiker-sub003/oommsg"
	"github.com/cahirwpz/mimiker-sub003/stats"
	"github.com/cahirwpz/mimiker-sub003/util"
)

/// Physseg_t is a contiguous physical range with its own buddy free
/// lists. Pages are indexed by frame number within the segment.
type Physseg_t struct {
	start  Pa_t
	end    Pa_t
	npages int
	pages  []Page_t
	freeq  [PM_NQUEUES]pglist_t
}

/// Start returns the segment's first byte.
func (seg *Physseg_t) Start() Pa_t {
	return seg.start
}

/// End returns the byte just past the segment.
func (seg *Physseg_t) End() Pa_t {
	return seg.end
}

func (seg *Physseg_t) index(pg *Page_t) int {
	return int((pg.Pa - seg.start) >> PGSHIFT)
}

/// Physmemstat_t counts allocator events.
type Physmemstat_t struct {
	Nalloc   stats.Counter_t
	Nfree    stats.Counter_t
	Nreserve stats.Counter_t
	Nblocked stats.Counter_t
}

/// Physmem_t manages all physical memory for the system. One mutex
/// covers every segment and all Page_t metadata.
type Physmem_t struct {
	sync.Mutex
	cond    *sync.Cond
	segs    []*Physseg_t
	initted bool
	Stat    Physmemstat_t
}

/// Physmem is the global physical memory allocator instance. Boot code
/// fills it in via Phys_init.
var Physmem *Physmem_t

/// Phys_init builds the system allocator from the boot segment list and
/// installs it as Physmem. Called once at boot; the segment list
/// usually comes from a sealed Bootmem_t.
func Phys_init(descs []Segdesc_t) *Physmem_t {
	Physmem = Mkphys(descs)
	return Physmem
}

/// Mkphys builds a physical memory allocator from a segment list.
func Mkphys(descs []Segdesc_t) *Physmem_t {
	phys := &Physmem_t{}
	phys.cond = sync.NewCond(phys)
	for _, d := range descs {
		if d.Start&PGOFFSET != 0 || d.End&PGOFFSET != 0 || d.Start >= d.End {
			klog.Panicf(klog.KL_PHYSMEM, "bad segment %#x-%#x", d.Start, d.End)
		}
		seg := &Physseg_t{
			start:  d.Start,
			end:    d.End,
			npages: int((d.End - d.Start) >> PGSHIFT),
		}
		seg.pages = make([]Page_t, seg.npages)
		for i := range seg.pages {
			pg := &seg.pages[i]
			pg.Pa = seg.start + Pa_t(i*PGSIZE)
			pg.Size = 1
			if d.Used {
				pg.flags = PG_ALLOCATED
			}
		}
		if !d.Used {
			seg.insert_runs(0, seg.npages)
		}
		phys.segs = append(phys.segs, seg)
		klog.Logf(klog.KL_PHYSMEM, "segment %#x - %#x (%d pages, used=%v)",
			d.Start, d.End, seg.npages, d.Used)
	}
	phys.initted = true
	return phys
}

// insert_runs threads [first, first+n) onto the free queues as maximal
// naturally-aligned power-of-two runs.
func (seg *Physseg_t) insert_runs(first, n int) {
	for i := first; i < first+n; {
		order := util.Log2(first + n - i)
		if i != 0 {
			order = util.Min(order, util.Ctz(i))
		}
		order = util.Min(order, PM_NQUEUES-1)
		pg := &seg.pages[i]
		pg.Size = 1 << order
		pg.flags |= PG_MANAGED
		seg.freeq[order].insert_head(pg)
		i += pg.Size
	}
}

// Takes two run heads which are buddies and merges them; returns the
// head at the lower address with doubled size.
func pm_merge_buddies(pg1, pg2 *Page_t) *Page_t {
	if pg1.Size != pg2.Size {
		panic("merging runs of unequal size")
	}
	if pg1.Pa > pg2.Pa {
		pg1, pg2 = pg2, pg1
	}
	if pg1.Pa+Pa_t(pg1.Size*PGSIZE) != pg2.Pa {
		panic("merging non-adjacent runs")
	}
	pg1.Size *= 2
	return pg1
}

// When the run index is divisible by (2 * size) the buddy is on the
// right, otherwise on the left.
func (seg *Physseg_t) find_buddy(pg *Page_t) *Page_t {
	if !util.Ispow2(pg.Size) {
		panic("run size not a power of two")
	}
	// runs never grow past the top order
	if pg.Size >= 1<<(PM_NQUEUES-1) {
		return nil
	}
	idx := seg.index(pg)
	var bidx int
	if idx%(2*pg.Size) == 0 {
		bidx = idx + pg.Size
	} else {
		bidx = idx - pg.Size
	}
	if bidx < 0 || bidx >= seg.npages {
		return nil
	}
	buddy := &seg.pages[bidx]
	if buddy.Size != pg.Size {
		return nil
	}
	if buddy.flags&PG_MANAGED == 0 {
		return nil
	}
	return buddy
}

// split_run halves a queued run, moving both halves one order down.
func (seg *Physseg_t) split_run(pg *Page_t) {
	if pg.Size <= 1 {
		panic("splitting an order-0 run")
	}
	order := util.Log2(pg.Size)
	size := pg.Size / 2
	buddy := &seg.pages[seg.index(pg)+size]
	if buddy.flags&PG_ALLOCATED != 0 {
		panic("buddy of a free run is allocated")
	}
	seg.freeq[order].remove(pg)
	pg.Size = size
	buddy.Size = size
	// the lower half goes in front so allocation proceeds from the
	// bottom of the segment
	seg.freeq[order-1].insert_head(buddy)
	seg.freeq[order-1].insert_head(pg)
	buddy.flags |= PG_MANAGED
}

func (seg *Physseg_t) alloc(npages int) *Page_t {
	n := int(util.Log2(npages))
	i := n
	// lowest non-empty queue of order >= log2(npages)
	for i < PM_NQUEUES && seg.freeq[i].empty() {
		i++
	}
	if i == PM_NQUEUES {
		return nil
	}
	for ; i > n; i-- {
		seg.split_run(seg.freeq[i].front())
	}
	pg := seg.freeq[n].front()
	seg.freeq[n].remove(pg)
	pg.flags &^= PG_MANAGED
	idx := seg.index(pg)
	for j := 0; j < pg.Size; j++ {
		p := &seg.pages[idx+j]
		p.flags |= PG_ALLOCATED
		p.flags &^= PG_REFERENCED | PG_MODIFIED
	}
	return pg
}

/// Alloc hands out a physically contiguous run of npages pages,
/// naturally aligned to npages*PGSIZE. npages must be a positive power
/// of two no larger than 2^15. Under M_WAITOK the caller sleeps until
/// some free brings the pool back; under M_NOWAIT a miss returns
/// (nil, false).
func (phys *Physmem_t) Alloc(npages int, flags defs.Mflag_t) (*Page_t, bool) {
	if npages <= 0 || !util.Ispow2(npages) || npages > 1<<(PM_NQUEUES-1) {
		klog.Panicf(klog.KL_PHYSMEM, "bad alloc size %d", npages)
	}
	flags.Check()
	phys.Lock()
	defer phys.Unlock()
	if !phys.initted {
		panic("physmem not initted")
	}
	for {
		for _, seg := range phys.segs {
			if pg := seg.alloc(npages); pg != nil {
				phys.Stat.Nalloc.Inc()
				klog.Logf(klog.KL_PHYSMEM, "pm_alloc {paddr:%#x size:%d}",
					pg.Pa, pg.Size)
				return pg, true
			}
		}
		if !flags.Blockok() {
			return nil, false
		}
		phys.Stat.Nblocked.Inc()
		oommsg.Post(npages)
		phys.cond.Wait()
	}
}

func (seg *Physseg_t) free(pg *Page_t) {
	if pg.flags&PG_RESERVED != 0 {
		klog.Panicf(klog.KL_PHYSMEM, "freeing reserved page %#x", pg.Pa)
	}
	if pg.flags&PG_ALLOCATED == 0 {
		klog.Panicf(klog.KL_PHYSMEM, "page already free: %#x", pg.Pa)
	}
	idx := seg.index(pg)
	for j := 0; j < pg.Size; j++ {
		seg.pages[idx+j].flags &^= PG_ALLOCATED
	}
	for {
		buddy := seg.find_buddy(pg)
		if buddy == nil {
			order := util.Log2(pg.Size)
			seg.freeq[order].insert_head(pg)
			pg.flags |= PG_MANAGED
			return
		}
		seg.freeq[util.Log2(buddy.Size)].remove(buddy)
		buddy.flags &^= PG_MANAGED
		pg = pm_merge_buddies(pg, buddy)
	}
}

/// Free returns the run headed by pg to its segment, merging with free
/// buddies. pg must be the head of an allocated run.
func (phys *Physmem_t) Free(pg *Page_t) {
	phys.Lock()
	defer phys.Unlock()
	klog.Logf(klog.KL_PHYSMEM, "pm_free {paddr:%#x size:%d}", pg.Pa, pg.Size)
	for _, seg := range phys.segs {
		if pg.Start() >= seg.start && pg.End() <= seg.end {
			seg.free(pg)
			phys.Stat.Nfree.Inc()
			phys.cond.Broadcast()
			return
		}
	}
	phys.dump()
	klog.Panicf(klog.KL_PHYSMEM, "page out of range: %#x", pg.Pa)
}

/// Reserve permanently withdraws [start, end) from the pool. Runs
/// fully inside the range are unlinked and stamped reserved; straddling
/// runs are split first. Both bounds must be page aligned.
func (phys *Physmem_t) Reserve(start, end Pa_t) {
	if start&PGOFFSET != 0 || end&PGOFFSET != 0 || start >= end {
		klog.Panicf(klog.KL_PHYSMEM, "bad reserve range %#x-%#x", start, end)
	}
	phys.Lock()
	defer phys.Unlock()
	klog.Logf(klog.KL_PHYSMEM, "pm_reserve: %#x - %#x", start, end)
	for _, seg := range phys.segs {
		if end <= seg.start || start >= seg.end {
			continue
		}
		seg.reserve(start, end)
		phys.Stat.Nreserve.Inc()
	}
}

func (seg *Physseg_t) reserve(start, end Pa_t) {
	for i := PM_NQUEUES - 1; i >= 0; i-- {
		q := &seg.freeq[i]
		pg := q.front()
		for pg != nil {
			if pg.Start() >= start && pg.End() <= end {
				// run contained in [start, end): pull it out
				q.remove(pg)
				pg.flags &^= PG_MANAGED
				idx := seg.index(pg)
				for j := 0; j < pg.Size; j++ {
					seg.pages[idx+j].flags = PG_RESERVED
				}
				// the queue changed, start over
				pg = q.front()
			} else if (pg.Start() < start && pg.End() > start) ||
				(pg.Start() < end && pg.End() > end) {
				// run straddles a boundary: split and start over
				seg.split_run(pg)
				pg = q.front()
			} else if el := pg.elem.next; el != nil {
				pg = el.pg
			} else {
				pg = nil
			}
		}
	}
}

/// Find returns the Page_t for the frame containing pa, or nil if pa
/// is outside every segment.
func (phys *Physmem_t) Find(pa Pa_t) *Page_t {
	phys.Lock()
	defer phys.Unlock()
	for _, seg := range phys.segs {
		if seg.start <= pa && pa < seg.end {
			idx := int((pa - seg.start) >> PGSHIFT)
			return &seg.pages[idx]
		}
	}
	return nil
}

/// Markaccess records the soft accessed bit, and for a write the soft
/// dirty bit, on a frame.
func (phys *Physmem_t) Markaccess(pg *Page_t, write bool) {
	phys.Lock()
	defer phys.Unlock()
	pg.flags |= PG_REFERENCED
	if write {
		pg.flags |= PG_MODIFIED
	}
}

/// Pgcount returns the number of free pages across all segments.
func (phys *Physmem_t) Pgcount() int {
	phys.Lock()
	defer phys.Unlock()
	n := 0
	for _, seg := range phys.segs {
		for i := 0; i < PM_NQUEUES; i++ {
			seg.freeq[i].foreach(func(pg *Page_t) bool {
				n += pg.Size
				return true
			})
		}
	}
	return n
}

/// Hash computes a structural digest over all free-list contents. Only
/// used to compare allocator states in tests; after every alloc is
/// matched by its free the digest returns to its initial value.
func (phys *Physmem_t) Hash() uint64 {
	phys.Lock()
	defer phys.Unlock()
	hash := uint64(5381)
	for _, seg := range phys.segs {
		for i := 0; i < PM_NQUEUES; i++ {
			seg.freeq[i].foreach(func(pg *Page_t) bool {
				hash = hash*33 + uint64(pg.Pa)
				return true
			})
		}
	}
	return hash
}

/// Dump logs every free run of every segment.
func (phys *Physmem_t) Dump() {
	phys.Lock()
	defer phys.Unlock()
	phys.dump()
}

func (phys *Physmem_t) dump() {
	for _, seg := range phys.segs {
		klog.Warnf(klog.KL_PHYSMEM, "segment %#x - %#x:", seg.start, seg.end)
		for i := 0; i < PM_NQUEUES; i++ {
			if seg.freeq[i].empty() {
				continue
			}
			runs := ""
			seg.freeq[i].foreach(func(pg *Page_t) bool {
				runs += fmt.Sprintf(" %#x", pg.Pa)
				return true
			})
			klog.Warnf(klog.KL_PHYSMEM, " %6dKiB:%s", (PGSIZE/1024)<<uint(i), runs)
		}
	}
}
