package machine

import (
	"sync"

	"github.com/cahirwpz/mimiker-sub003/klog"
	"github.com/cahirwpz/mimiker-sub003/mem"
	"github.com/cahirwpz/mimiker-sub003/pmap"
	"github.com/cahirwpz/mimiker-sub003/util"
)

type pte_t struct {
	pa   mem.Pa_t
	prot pmap.Prot_t
}

/// Machine_t simulates the hardware this kernel runs on: a flat RAM
/// window addressed physically and a software MMU. It implements
/// pmap.Arch_i.
type Machine_t struct {
	sync.Mutex
	ram     []uint8
	ramfree func()
	// kernel page table; key is the virtual page number
	kpt map[uint64]pte_t
	// root page-table frame handed over by the boot code
	bootpt mem.Pa_t
}

/// Boot brings the machine up from its description: it builds the RAM
/// window, runs the boot bump allocator for the initial page tables,
/// and hands the remaining memory to the physical allocator. It
/// returns the machine and the installed physmem manager.
func Boot(cfg *Config_t) (*Machine_t, *mem.Physmem_t) {
	top := uint64(0)
	for _, s := range cfg.Segments {
		top = util.Max(top, s.End)
	}
	m := &Machine_t{kpt: make(map[uint64]pte_t)}
	m.ram, m.ramfree = mkram(int(top), cfg.MmapBacked)

	bm := mem.Mkbootmem(cfg.Segdescs())
	// the early page-table frame a real port would build before the
	// allocator exists
	m.bootpt = bm.Alloc(1)
	phys := mem.Phys_init(bm.Finish())
	klog.Logf(klog.KL_MACH, "boot: %d pages free, root pt at %#x",
		phys.Pgcount(), m.bootpt)
	return m, phys
}

/// Halt releases the RAM window.
func (m *Machine_t) Halt() {
	if m.ramfree != nil {
		m.ramfree()
		m.ramfree = nil
	}
	m.ram = nil
}

/// Dmap8 returns a byte window over physical memory at pa.
func (m *Machine_t) Dmap8(pa mem.Pa_t, n int) []uint8 {
	if int(pa)+n > len(m.ram) {
		klog.Panicf(klog.KL_MACH, "dmap out of range: %#x+%#x", pa, n)
	}
	return m.ram[pa : int(pa)+n]
}

func checkalign(va pmap.Va_t, pa mem.Pa_t) {
	if uintptr(va)&uintptr(mem.PGOFFSET) != 0 || pa&mem.PGOFFSET != 0 {
		panic("unaligned mapping")
	}
}

/// KEnter installs a kernel mapping of va to pa.
func (m *Machine_t) KEnter(va pmap.Va_t, pa mem.Pa_t, prot pmap.Prot_t) {
	checkalign(va, pa)
	m.Lock()
	defer m.Unlock()
	m.kpt[uint64(va)>>mem.PGSHIFT] = pte_t{pa: pa, prot: prot}
}

/// KRemove tears down kernel mappings covering [va, va+size).
func (m *Machine_t) KRemove(va pmap.Va_t, size int) {
	checkalign(va, 0)
	m.Lock()
	defer m.Unlock()
	for off := 0; off < size; off += mem.PGSIZE {
		delete(m.kpt, uint64(va+pmap.Va_t(off))>>mem.PGSHIFT)
	}
}

/// KLookup translates a kernel virtual address.
func (m *Machine_t) KLookup(va pmap.Va_t) (mem.Pa_t, pmap.Prot_t, bool) {
	m.Lock()
	defer m.Unlock()
	pte, ok := m.kpt[uint64(va)>>mem.PGSHIFT]
	if !ok {
		return 0, pmap.PROT_NONE, false
	}
	off := mem.Pa_t(uintptr(va)) & mem.PGOFFSET
	return pte.pa + off, pte.prot, true
}

/// Zero_page clears the frame owned by pg.
func (m *Machine_t) Zero_page(pg *mem.Page_t) {
	b := m.Dmap8(pg.Pa, mem.PGSIZE)
	for i := range b {
		b[i] = 0
	}
}

/// Copy_page copies the frame of src into the frame of dst.
func (m *Machine_t) Copy_page(src, dst *mem.Page_t) {
	copy(m.Dmap8(dst.Pa, mem.PGSIZE), m.Dmap8(src.Pa, mem.PGSIZE))
}

/// Mkpmap creates an empty per-address-space mapping table.
func (m *Machine_t) Mkpmap() pmap.Pmap_i {
	return &upmap_t{m: m, pt: make(map[uint64]pte_t)}
}

// upmap_t is a software user page table.
type upmap_t struct {
	sync.Mutex
	m  *Machine_t
	pt map[uint64]pte_t
}

func (u *upmap_t) Enter(va pmap.Va_t, pa mem.Pa_t, prot pmap.Prot_t) {
	checkalign(va, pa)
	u.Lock()
	defer u.Unlock()
	u.pt[uint64(va)>>mem.PGSHIFT] = pte_t{pa: pa, prot: prot}
}

func (u *upmap_t) Protect(va pmap.Va_t, size int, prot pmap.Prot_t) {
	checkalign(va, 0)
	u.Lock()
	defer u.Unlock()
	for off := 0; off < size; off += mem.PGSIZE {
		key := uint64(va+pmap.Va_t(off)) >> mem.PGSHIFT
		if pte, ok := u.pt[key]; ok {
			pte.prot = prot
			u.pt[key] = pte
		}
	}
}

func (u *upmap_t) Unmap(va pmap.Va_t, size int) {
	checkalign(va, 0)
	u.Lock()
	defer u.Unlock()
	for off := 0; off < size; off += mem.PGSIZE {
		delete(u.pt, uint64(va+pmap.Va_t(off))>>mem.PGSHIFT)
	}
}

func (u *upmap_t) Lookup(va pmap.Va_t) (mem.Pa_t, pmap.Prot_t, bool) {
	u.Lock()
	defer u.Unlock()
	pte, ok := u.pt[uint64(va)>>mem.PGSHIFT]
	if !ok {
		return 0, pmap.PROT_NONE, false
	}
	off := mem.Pa_t(uintptr(va)) & mem.PGOFFSET
	return pte.pa + off, pte.prot, true
}
