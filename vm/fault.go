package vm

import (
	"github.com/cahirwpz/mimiker-sub003/defs"
	"github.com/cahirwpz/mimiker-sub003/klog"
	"github.com/cahirwpz/mimiker-sub003/mem"
	"github.com/cahirwpz/mimiker-sub003/pmap"
	"github.com/cahirwpz/mimiker-sub003/util"
)

// The trap dispatcher calls Fault for every MMU miss in a user map and
// turns -EFAULT into SIGSEGV and -ENOMEM into SIGBUS. The fault path
// never sleeps: a page shortage while servicing a fault is reported,
// not waited out.

/// Fault resolves a page fault at va for the given access kind.
func (m *Vm_t) Fault(va pmap.Va_t, access pmap.Prot_t) defs.Err_t {
	m.Lock()
	defer m.Unlock()

	e := m.lookup(va)
	if e == nil {
		klog.Logf(klog.KL_VM, "fault at unmapped %#x", va)
		return -defs.EFAULT
	}
	if !access.Subset(e.Prot) {
		klog.Logf(klog.KL_VM, "fault at %#x: access %#b exceeds prot %#b",
			va, access, e.Prot)
		return -defs.EFAULT
	}

	pgva := pmap.Va_t(util.Rounddown(uintptr(va), uintptr(mem.PGSIZE)))
	slot := int(pgva-e.Start) / mem.PGSIZE

	// a first fault on the entry allocates the amap
	if e.Aref.Amap == nil {
		e.Aref = Aref_t{Off: 0, Amap: Amap_alloc(e.npages())}
	}

	iswrite := access.Writable()
	if iswrite {
		// writing through a fork-shared amap privatizes it first;
		// every present anon picks up a reference, so the copy logic
		// below sees shared anons
		e.Aref = e.Aref.Copy_on_need(e.npages())
	}
	shared := e.Aref.Amap.Ref() > 1

	an := e.Aref.Find_anon(slot)
	switch {
	case an == nil:
		// demand-zero page
		var ok bool
		an, ok = Anon_alloc(defs.M_NOWAIT)
		if !ok {
			return -defs.ENOMEM
		}
		e.Aref.Insert_anon(an, slot)
		prot := e.Prot
		if shared {
			prot &^= pmap.PROT_WRITE
		}
		m.pm.Enter(pgva, an.Page().Pa, prot)

	case !iswrite || an.Ref() == 1:
		// read access, or a write to a page only we map
		prot := e.Prot
		if shared || an.Ref() > 1 {
			// keep fork-shared pages read-only so the write fault
			// below performs the copy
			prot &^= pmap.PROT_WRITE
		}
		m.pm.Enter(pgva, an.Page().Pa, prot)

	default:
		// write to a shared page: copy it
		nan, ok := an.Copy(defs.M_NOWAIT)
		if !ok {
			return -defs.ENOMEM
		}
		if e.Aref.Replace_anon(nan, slot) {
			an = nan
		}
		// else: the old anon went private while we copied; write it
		// in place
		m.pm.Enter(pgva, an.Page().Pa, e.Prot)
	}

	physmem.Markaccess(an.Page(), iswrite)
	return 0
}
