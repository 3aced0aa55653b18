package vm

import (
	"sync"

	"github.com/google/btree"

	"github.com/cahirwpz/mimiker-sub003/defs"
	"github.com/cahirwpz/mimiker-sub003/klog"
	"github.com/cahirwpz/mimiker-sub003/mem"
	"github.com/cahirwpz/mimiker-sub003/pmap"
)

/// Entflag_t holds VM entry flags.
type Entflag_t uint

const (
	/// VM_ENT_PRIVATE entries copy their pages on fork.
	VM_ENT_PRIVATE Entflag_t = 1 << 0
	/// VM_ENT_SHARED entries keep sharing after fork.
	VM_ENT_SHARED Entflag_t = 1 << 1
)

/// Vmentry_t is one [Start, End) range of an address space with its
/// protection and its window into an amap.
type Vmentry_t struct {
	Start pmap.Va_t
	End   pmap.Va_t
	Prot  pmap.Prot_t
	Flags Entflag_t
	Aref  Aref_t
}

func (e *Vmentry_t) npages() int {
	return int(e.End-e.Start) / mem.PGSIZE
}

func (e *Vmentry_t) contains(va pmap.Va_t) bool {
	return e.Start <= va && va < e.End
}

/// Vm_t is a process address space: a sorted set of entries, the
/// architecture mapping table and the range of mappable addresses. The
/// mutex serializes every operation on the map.
type Vm_t struct {
	sync.Mutex
	entries *btree.BTreeG[*Vmentry_t]
	pm      pmap.Pmap_i
	start   pmap.Va_t
	end     pmap.Va_t
}

func entless(a, b *Vmentry_t) bool {
	return a.Start < b.Start
}

/// Mkvm creates an empty address space spanning [start, end).
func Mkvm(start, end pmap.Va_t) *Vm_t {
	if uintptr(start|end)&uintptr(mem.PGOFFSET) != 0 || start >= end {
		klog.Panicf(klog.KL_VM, "bad map bounds %#x-%#x", start, end)
	}
	return &Vm_t{
		entries: btree.NewG[*Vmentry_t](8, entless),
		pm:      arch.Mkpmap(),
		start:   start,
		end:     end,
	}
}

/// Pmap returns the map's architecture mapping table.
func (m *Vm_t) Pmap() pmap.Pmap_i {
	return m.pm
}

/// Bounds returns the mappable range.
func (m *Vm_t) Bounds() (pmap.Va_t, pmap.Va_t) {
	return m.start, m.end
}

// lookup finds the entry containing va, with the map lock held.
func (m *Vm_t) lookup(va pmap.Va_t) *Vmentry_t {
	var found *Vmentry_t
	m.entries.DescendLessOrEqual(&Vmentry_t{Start: va},
		func(e *Vmentry_t) bool {
			found = e
			return false
		})
	if found != nil && found.contains(va) {
		return found
	}
	return nil
}

/// Lookup returns the entry containing va, if any. The returned entry
/// must not be mutated.
func (m *Vm_t) Lookup(va pmap.Va_t) (*Vmentry_t, bool) {
	m.Lock()
	defer m.Unlock()
	e := m.lookup(va)
	return e, e != nil
}

func checkrange(m *Vm_t, start pmap.Va_t, size int) defs.Err_t {
	if uintptr(start)&uintptr(mem.PGOFFSET) != 0 || size <= 0 ||
		size%mem.PGSIZE != 0 {
		return -defs.EINVAL
	}
	if start < m.start || start+pmap.Va_t(size) > m.end {
		return -defs.ERANGE
	}
	return 0
}

/// Insert maps [start, start+size) with the given protection. The amap
/// is allocated lazily by the first fault. Overlap with an existing
/// entry is an error.
func (m *Vm_t) Insert(start pmap.Va_t, size int, prot pmap.Prot_t,
	flags Entflag_t) defs.Err_t {
	if err := checkrange(m, start, size); err != 0 {
		return err
	}
	m.Lock()
	defer m.Unlock()
	end := start + pmap.Va_t(size)

	if prev := m.lookup(start); prev != nil {
		return -defs.EBUSY
	}
	overlaps := false
	m.entries.AscendGreaterOrEqual(&Vmentry_t{Start: start},
		func(e *Vmentry_t) bool {
			overlaps = e.Start < end
			return false
		})
	if overlaps {
		return -defs.EBUSY
	}

	e := &Vmentry_t{Start: start, End: end, Prot: prot, Flags: flags}
	m.entries.ReplaceOrInsert(e)
	klog.Logf(klog.KL_VM, "insert entry %#x-%#x prot %#b", start, end, prot)
	return 0
}

// clip splits the entry containing va so that va becomes an entry
// boundary. The right half shares the amap with the offset advanced by
// the split slot count.
func (m *Vm_t) clip(va pmap.Va_t) {
	e := m.lookup(va)
	if e == nil || e.Start == va {
		return
	}
	m.split(e, va)
}

func (m *Vm_t) split(e *Vmentry_t, va pmap.Va_t) *Vmentry_t {
	if !e.contains(va) || e.Start == va {
		klog.Panicf(klog.KL_VM, "bad split of %#x-%#x at %#x", e.Start,
			e.End, va)
	}
	slot := int(va-e.Start) / mem.PGSIZE
	right := &Vmentry_t{
		Start: va,
		End:   e.End,
		Prot:  e.Prot,
		Flags: e.Flags,
		Aref:  e.Aref,
	}
	if e.Aref.Amap != nil {
		right.Aref.Off = e.Aref.Off + slot
		e.Aref.Amap.Hold()
	}
	e.End = va
	m.entries.ReplaceOrInsert(right)
	return right
}

/// Split divides the entry containing addr so that addr becomes an
/// entry boundary. The right half shares the amap with its offset
/// advanced by the split slot count. Splitting at an existing boundary
/// is a no-op.
func (m *Vm_t) Split(addr pmap.Va_t) defs.Err_t {
	if uintptr(addr)&uintptr(mem.PGOFFSET) != 0 {
		return -defs.EINVAL
	}
	m.Lock()
	defer m.Unlock()
	e := m.lookup(addr)
	if e == nil {
		return -defs.ENOENT
	}
	if e.Start != addr {
		m.split(e, addr)
	}
	return 0
}

// entrieswithin collects the entries fully inside [start, end) after
// clipping both boundaries.
func (m *Vm_t) entrieswithin(start, end pmap.Va_t) []*Vmentry_t {
	m.clip(start)
	m.clip(end)
	var out []*Vmentry_t
	m.entries.AscendGreaterOrEqual(&Vmentry_t{Start: start},
		func(e *Vmentry_t) bool {
			if e.Start >= end {
				return false
			}
			out = append(out, e)
			return true
		})
	return out
}

/// Remove unmaps [start, start+size): page-table entries go away and the
/// covered entries disappear from the map. Anon references over the
/// covered slots are dropped only when the entry is its amap's sole
/// owner; an amap still shared with another entry (after a split or a
/// fork) keeps those anons until its last reference is dropped.
func (m *Vm_t) Remove(start pmap.Va_t, size int) defs.Err_t {
	if err := checkrange(m, start, size); err != 0 {
		return err
	}
	m.Lock()
	defer m.Unlock()
	end := start + pmap.Va_t(size)
	for _, e := range m.entrieswithin(start, end) {
		m.drop_entry(e)
	}
	return 0
}

// drop_entry releases everything the entry holds and removes it.
func (m *Vm_t) drop_entry(e *Vmentry_t) {
	if am := e.Aref.Amap; am != nil {
		// dropping the anons is only safe when no other entry views
		// the amap; while it is still shared the reference alone is
		// surrendered and the last Drop releases every held anon
		if am.Ref() == 1 {
			e.Aref.Remove_pages(0, e.npages())
		}
		am.Drop()
	}
	m.pm.Unmap(e.Start, int(e.End-e.Start))
	m.entries.Delete(e)
	klog.Logf(klog.KL_VM, "remove entry %#x-%#x", e.Start, e.End)
}

/// Protect changes the protection of [start, start+size). A shared
/// amap is privatized first; installed page-table entries are flushed
/// and rebuilt by subsequent faults.
func (m *Vm_t) Protect(start pmap.Va_t, size int, prot pmap.Prot_t) defs.Err_t {
	if err := checkrange(m, start, size); err != 0 {
		return err
	}
	m.Lock()
	defer m.Unlock()
	end := start + pmap.Va_t(size)
	covered := m.entrieswithin(start, end)
	for _, e := range covered {
		e.Aref = e.Aref.Copy_on_need(e.npages())
		e.Prot = prot
		m.pm.Unmap(e.Start, int(e.End-e.Start))
	}
	if len(covered) == 0 {
		return -defs.ENOENT
	}
	return 0
}

/// Findspace returns the lowest address t >= hint where size bytes fit
/// between the existing entries and inside the map's bounds.
func (m *Vm_t) Findspace(hint pmap.Va_t, size int) (pmap.Va_t, defs.Err_t) {
	if size <= 0 || size%mem.PGSIZE != 0 ||
		uintptr(hint)&uintptr(mem.PGOFFSET) != 0 {
		return 0, -defs.EINVAL
	}
	m.Lock()
	defer m.Unlock()
	t := hint
	if t < m.start {
		t = m.start
	}
	for {
		if t+pmap.Va_t(size) > m.end {
			return 0, -defs.ENOMEM
		}
		if e := m.lookup(t); e != nil {
			t = e.End
			continue
		}
		var next *Vmentry_t
		m.entries.AscendGreaterOrEqual(&Vmentry_t{Start: t},
			func(e *Vmentry_t) bool {
				next = e
				return false
			})
		if next != nil && next.Start < t+pmap.Va_t(size) {
			// gap too small, try past the blocking entry
			t = next.End
			continue
		}
		return t, 0
	}
}

/// Clone builds a copy-on-write copy of the map for fork: every entry
/// shares the parent's amap, and each present anon's mappings in the
/// parent are downgraded to read-only so the first write faults and
/// copies.
func (m *Vm_t) Clone() *Vm_t {
	m.Lock()
	defer m.Unlock()
	child := Mkvm(m.start, m.end)
	m.entries.Ascend(func(e *Vmentry_t) bool {
		ne := &Vmentry_t{
			Start: e.Start,
			End:   e.End,
			Prot:  e.Prot,
			Flags: e.Flags,
			Aref:  e.Aref,
		}
		if am := e.Aref.Amap; am != nil {
			am.Hold()
			for slot := 0; slot < e.npages(); slot++ {
				if e.Aref.Find_anon(slot) == nil {
					continue
				}
				va := e.Start + pmap.Va_t(slot*mem.PGSIZE)
				m.pm.Protect(va, mem.PGSIZE, e.Prot&^pmap.PROT_WRITE)
			}
		}
		child.entries.ReplaceOrInsert(ne)
		return true
	})
	return child
}

/// Delete tears the whole map down.
func (m *Vm_t) Delete() {
	m.Lock()
	defer m.Unlock()
	var all []*Vmentry_t
	m.entries.Ascend(func(e *Vmentry_t) bool {
		all = append(all, e)
		return true
	})
	for _, e := range all {
		m.drop_entry(e)
	}
}

/// Entries returns a snapshot of the entry list in address order.
func (m *Vm_t) Entries() []Vmentry_t {
	m.Lock()
	defer m.Unlock()
	var out []Vmentry_t
	m.entries.Ascend(func(e *Vmentry_t) bool {
		out = append(out, *e)
		return true
	})
	return out
}

/// Dump logs the entry list.
func (m *Vm_t) Dump() {
	for _, e := range m.Entries() {
		klog.Warnf(klog.KL_VM, "entry %#x-%#x prot %#b amap %p+%d",
			e.Start, e.End, e.Prot, e.Aref.Amap, e.Aref.Off)
	}
}

var curmu sync.Mutex
var curmap *Vm_t

/// Activate makes m the current address space.
func Activate(m *Vm_t) {
	curmu.Lock()
	defer curmu.Unlock()
	curmap = m
}

/// Current returns the active address space.
func Current() *Vm_t {
	curmu.Lock()
	defer curmu.Unlock()
	return curmap
}
