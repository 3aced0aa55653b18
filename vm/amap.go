// Package vm implements per-address-space virtual memory maps. An
// entry covers a virtual range and points through an aref into an amap;
// an amap is an indexed table of anon slots; an anon owns one physical
// page and a reference count implementing copy-on-write.
//
// Locking: the amap lock comes before the anon lock, globally. Both
// are held together only while replacing an anon slot.
package vm

import (
	"sync"

	"github.com/cahirwpz/mimiker-sub003/defs"
	"github.com/cahirwpz/mimiker-sub003/klog"
	"github.com/cahirwpz/mimiker-sub003/mem"
	"github.com/cahirwpz/mimiker-sub003/pmap"
	"github.com/cahirwpz/mimiker-sub003/util"
)

var physmem *mem.Physmem_t
var arch pmap.Arch_i

/// Init wires the vm layer to the physical allocator and the
/// architecture ops. Called once at boot.
func Init(phys *mem.Physmem_t, a pmap.Arch_i) {
	physmem = phys
	arch = a
}

/// Anon_t owns a single physical page. While the reference count is
/// above one the page is read-only for every sharer.
type Anon_t struct {
	sync.Mutex
	ref  int
	page *mem.Page_t
}

/// Anon_alloc creates an anon owning a fresh zeroed page.
func Anon_alloc(flags defs.Mflag_t) (*Anon_t, bool) {
	pg, ok := physmem.Alloc(1, flags)
	if !ok {
		return nil, false
	}
	arch.Zero_page(pg)
	return &Anon_t{ref: 1, page: pg}, true
}

/// Copy creates a private anon holding a copy of an's page.
func (an *Anon_t) Copy(flags defs.Mflag_t) (*Anon_t, bool) {
	pg, ok := physmem.Alloc(1, flags)
	if !ok {
		return nil, false
	}
	arch.Copy_page(an.page, pg)
	return &Anon_t{ref: 1, page: pg}, true
}

/// Page returns the owned page.
func (an *Anon_t) Page() *mem.Page_t {
	return an.page
}

/// Ref returns the current reference count.
func (an *Anon_t) Ref() int {
	an.Lock()
	defer an.Unlock()
	return an.ref
}

/// Hold takes another reference.
func (an *Anon_t) Hold() {
	an.Lock()
	defer an.Unlock()
	an.ref++
}

/// Drop releases a reference; the last one frees the page.
func (an *Anon_t) Drop() {
	an.Lock()
	an.ref--
	if an.ref >= 1 {
		an.Unlock()
		return
	}
	if an.ref < 0 {
		klog.Panicf(klog.KL_VM, "anon over-released")
	}
	an.Unlock()
	physmem.Free(an.page)
	an.page = nil
}

// Amaps are over-allocated by a few slots so small entry growth does
// not force a reallocation.
const EXTRA_AMAP_SLOTS = 16

/// Amap_t is a fixed-capacity table of anon slots plus a presence
/// bitmap. Its reference count equals the number of VM entries whose
/// aref points at it.
type Amap_t struct {
	sync.Mutex
	slots  int
	ref    int
	anons  []*Anon_t
	bitmap []uint8
}

/// Amap_alloc creates an amap with room for slots anons.
func Amap_alloc(slots int) *Amap_t {
	slots += EXTRA_AMAP_SLOTS
	return &Amap_t{
		slots:  slots,
		ref:    1,
		anons:  make([]*Anon_t, slots),
		bitmap: make([]uint8, util.Bitstr_size(slots)),
	}
}

/// Slots returns the amap's capacity.
func (am *Amap_t) Slots() int {
	return am.slots
}

/// Ref returns the current reference count.
func (am *Amap_t) Ref() int {
	am.Lock()
	defer am.Unlock()
	return am.ref
}

/// Hold takes another reference.
func (am *Amap_t) Hold() {
	am.Lock()
	defer am.Unlock()
	am.ref++
}

/// Drop releases a reference; the last one drops every held anon.
func (am *Amap_t) Drop() {
	am.Lock()
	am.ref--
	if am.ref >= 1 {
		am.Unlock()
		return
	}
	am.Unlock()
	am.remove_pages(0, am.slots)
	am.anons = nil
	am.bitmap = nil
}

// remove_pages drops the anons in [start, start+nslots); caller is the
// last owner or holds the amap lock.
func (am *Amap_t) remove_pages(start, nslots int) {
	for i := start; i < start+nslots; i++ {
		if !util.Bit_test(am.bitmap, i) {
			continue
		}
		am.anons[i].Drop()
		am.anons[i] = nil
		util.Bit_clear(am.bitmap, i)
	}
}

/// Aref_t points a VM entry into an amap at a page offset.
type Aref_t struct {
	Off  int
	Amap *Amap_t
}

/// Find_anon returns the anon at offset (relative to the aref), or nil.
func (ar Aref_t) Find_anon(offset int) *Anon_t {
	am := ar.Amap
	offset += ar.Off
	am.Lock()
	defer am.Unlock()
	if offset >= am.slots {
		klog.Panicf(klog.KL_VM, "amap slot %d out of %d", offset, am.slots)
	}
	if util.Bit_test(am.bitmap, offset) {
		return am.anons[offset]
	}
	return nil
}

/// Insert_anon stores an at offset; the slot must be empty.
func (ar Aref_t) Insert_anon(an *Anon_t, offset int) {
	am := ar.Amap
	offset += ar.Off
	am.Lock()
	defer am.Unlock()
	if offset >= am.slots {
		klog.Panicf(klog.KL_VM, "amap slot %d out of %d", offset, am.slots)
	}
	if util.Bit_test(am.bitmap, offset) {
		klog.Panicf(klog.KL_VM, "amap slot %d not empty", offset)
	}
	am.anons[offset] = an
	util.Bit_set(am.bitmap, offset)
}

/// Replace_anon swaps the anon at offset for an after a copy-on-write
/// copy. If the old anon turned private in the meantime the copy is
/// discarded and false is returned; the caller writes the original.
func (ar Aref_t) Replace_anon(an *Anon_t, offset int) bool {
	am := ar.Amap
	offset += ar.Off
	am.Lock()
	defer am.Unlock()
	if !util.Bit_test(am.bitmap, offset) {
		klog.Panicf(klog.KL_VM, "amap slot %d empty", offset)
	}
	old := am.anons[offset]

	// amap-before-anon order: this is the one place both are held
	old.Lock()
	if old.ref == 1 {
		old.Unlock()
		an.Drop()
		return false
	}
	old.ref--
	old.Unlock()

	am.anons[offset] = an
	return true
}

/// Remove_pages drops anon references over [start, start+nslots)
/// relative to the aref.
func (ar Aref_t) Remove_pages(start, nslots int) {
	if ar.Amap == nil {
		return
	}
	ar.Amap.Lock()
	defer ar.Amap.Unlock()
	ar.Amap.remove_pages(ar.Off+start, nslots)
}

/// Copy_on_need replaces a shared amap with a private copy covering
/// slots slots, holding every present anon. A nil amap stays nil so a
/// later fault allocates it lazily; a private amap is returned as is.
func (ar Aref_t) Copy_on_need(slots int) Aref_t {
	am := ar.Amap
	if am == nil {
		return Aref_t{}
	}
	am.Lock()
	defer am.Unlock()
	if am.ref == 1 {
		return ar
	}
	am.ref--

	na := Amap_alloc(slots)
	for slot := 0; slot < slots; slot++ {
		old := ar.Off + slot
		if !util.Bit_test(am.bitmap, old) {
			continue
		}
		an := am.anons[old]
		an.Hold()
		na.anons[slot] = an
		util.Bit_set(na.bitmap, slot)
	}
	return Aref_t{Off: 0, Amap: na}
}
