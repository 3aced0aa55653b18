package vm

import (
	"github.com/cahirwpz/mimiker-sub003/defs"
	"github.com/cahirwpz/mimiker-sub003/mem"
	"github.com/cahirwpz/mimiker-sub003/pmap"
	"github.com/cahirwpz/mimiker-sub003/util"
)

// Kernel-side access to user memory. Every page is driven through the
// fault path first, so demand paging and copy-on-write behave exactly
// as if the user had touched the address.

// userdmap8 returns a byte window over the user page at va, faulting
// it in with the given access first. The window ends at the page
// boundary.
func (m *Vm_t) userdmap8(va pmap.Va_t, access pmap.Prot_t) ([]uint8, defs.Err_t) {
	pa, prot, ok := m.pm.Lookup(va)
	if !ok || !access.Subset(prot) {
		if err := m.Fault(va, access); err != 0 {
			return nil, err
		}
		pa, _, ok = m.pm.Lookup(va)
		if !ok {
			return nil, -defs.EFAULT
		}
	}
	voff := int(uintptr(va) & uintptr(mem.PGOFFSET))
	return arch.Dmap8(pa&mem.PGMASK, mem.PGSIZE)[voff:], 0
}

/// K2user copies src into the address space starting at uva.
func (m *Vm_t) K2user(src []uint8, uva pmap.Va_t) defs.Err_t {
	cnt := 0
	for cnt != len(src) {
		dst, err := m.userdmap8(uva+pmap.Va_t(cnt), pmap.PROT_WRITE)
		if err != 0 {
			return err
		}
		cnt += copy(dst, src[cnt:])
	}
	return 0
}

/// User2k copies len(dst) bytes from the address space at uva into
/// dst.
func (m *Vm_t) User2k(dst []uint8, uva pmap.Va_t) defs.Err_t {
	cnt := 0
	for cnt != len(dst) {
		src, err := m.userdmap8(uva+pmap.Va_t(cnt), pmap.PROT_READ)
		if err != 0 {
			return err
		}
		cnt += copy(dst[cnt:], src)
	}
	return 0
}

/// Userreadn reads an n-byte little-endian value at uva.
func (m *Vm_t) Userreadn(uva pmap.Va_t, n int) (int, defs.Err_t) {
	if n <= 0 || n > 8 {
		panic("large n")
	}
	var buf [8]uint8
	if err := m.User2k(buf[:n], uva); err != 0 {
		return 0, err
	}
	return util.Readn(buf[:], n, 0), 0
}

/// Userwriten writes val as an n-byte little-endian value at uva.
func (m *Vm_t) Userwriten(uva pmap.Va_t, n, val int) defs.Err_t {
	if n <= 0 || n > 8 {
		panic("large n")
	}
	var buf [8]uint8
	util.Writen(buf[:], n, 0, val)
	return m.K2user(buf[:n], uva)
}
