// Package pmap declares the MMU-ops contract between the memory core
// and the architecture layer. The core manipulates page tables only
// through these interfaces; the architecture layer (or the simulated
// machine in this repository) supplies the implementation. Every
// operation is atomic with respect to faults on the same address.
package pmap

import "github.com/cahirwpz/mimiker-sub003/mem"

/// Va_t represents a virtual address.
type Va_t uintptr

/// Prot_t is a protection bitset.
type Prot_t uint8

const (
	PROT_NONE  Prot_t = 0
	PROT_READ  Prot_t = 1 << 0
	PROT_WRITE Prot_t = 1 << 1
	PROT_EXEC  Prot_t = 1 << 2
)

/// Readable reports whether reads are permitted.
func (p Prot_t) Readable() bool {
	return p&PROT_READ != 0
}

/// Writable reports whether writes are permitted.
func (p Prot_t) Writable() bool {
	return p&PROT_WRITE != 0
}

/// Subset reports whether every access in p is permitted by q.
func (p Prot_t) Subset(q Prot_t) bool {
	return p&^q == 0
}

/// Kops_i is the kernel-space half of the MMU-ops contract plus the
/// page-content primitives.
type Kops_i interface {
	/// KEnter installs a kernel page-table entry mapping va to pa.
	KEnter(va Va_t, pa mem.Pa_t, prot Prot_t)
	/// KRemove tears down kernel mappings for [va, va+size).
	KRemove(va Va_t, size int)
	/// Zero_page clears the frame owned by pg.
	Zero_page(pg *mem.Page_t)
	/// Copy_page copies the frame of src into the frame of dst.
	Copy_page(src, dst *mem.Page_t)
}

/// Pmap_i is one per-address-space mapping table.
type Pmap_i interface {
	/// Enter installs a page-table entry mapping va to pa.
	Enter(va Va_t, pa mem.Pa_t, prot Prot_t)
	/// Protect restricts existing mappings in [va, va+size) to prot.
	Protect(va Va_t, size int, prot Prot_t)
	/// Unmap removes mappings in [va, va+size).
	Unmap(va Va_t, size int)
	/// Lookup returns the mapping installed at va, if any.
	Lookup(va Va_t) (mem.Pa_t, Prot_t, bool)
}

/// Arch_i is what the memory core demands of the architecture layer:
/// the kernel ops, a factory for user pmaps, and the direct map.
type Arch_i interface {
	Kops_i
	mem.Dmap_i
	/// Mkpmap creates an empty per-address-space mapping table.
	Mkpmap() Pmap_i
}
