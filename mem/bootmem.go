package mem

import (
	"github.com/cahirwpz/mimiker-sub003/klog"
)

/// Bootmem_t is the boot-time bump allocator. Before the buddy lists
/// exist it satisfies the bootstrap allocations (initial page tables)
/// by consuming whole frames from the front of the first free segment.
/// Once Finish has produced the trimmed segment list for Phys_init the
/// arena is sealed and further use is a programming error.
type Bootmem_t struct {
	segs   []Segdesc_t
	sealed bool
}

/// Mkbootmem copies the boot segment list into a bump arena.
func Mkbootmem(descs []Segdesc_t) *Bootmem_t {
	bm := &Bootmem_t{}
	bm.segs = append(bm.segs, descs...)
	return bm
}

/// Alloc hands out npages contiguous frames from the first segment with
/// free memory.
func (bm *Bootmem_t) Alloc(npages int) Pa_t {
	if bm.sealed {
		panic("boot allocator is sealed")
	}
	if npages <= 0 {
		panic("bad boot alloc size")
	}
	want := Pa_t(npages * PGSIZE)
	for i := range bm.segs {
		seg := &bm.segs[i]
		if seg.Used || seg.End-seg.Start < want {
			continue
		}
		pa := seg.Start
		seg.Start += want
		klog.Logf(klog.KL_PHYSMEM, "boot alloc %d pages at %#x", npages, pa)
		return pa
	}
	klog.Panicf(klog.KL_PHYSMEM, "boot allocator exhausted (%d pages)", npages)
	return 0
}

/// Finish seals the arena and returns the trimmed segment list, ready
/// for Phys_init. Segments fully consumed during boot disappear.
func (bm *Bootmem_t) Finish() []Segdesc_t {
	bm.sealed = true
	var out []Segdesc_t
	for _, seg := range bm.segs {
		if seg.Start < seg.End {
			out = append(out, seg)
		}
	}
	return out
}
