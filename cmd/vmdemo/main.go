// Command vmdemo boots a machine description and walks the memory
// stack bottom to top: buddy allocation, the kernel heap, a slab pool
// and a copy-on-write fork.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cahirwpz/mimiker-sub003/defs"
	"github.com/cahirwpz/mimiker-sub003/klog"
	"github.com/cahirwpz/mimiker-sub003/kmalloc"
	"github.com/cahirwpz/mimiker-sub003/kmem"
	"github.com/cahirwpz/mimiker-sub003/machine"
	"github.com/cahirwpz/mimiker-sub003/mem"
	"github.com/cahirwpz/mimiker-sub003/pmap"
	"github.com/cahirwpz/mimiker-sub003/pool"
	"github.com/cahirwpz/mimiker-sub003/vm"
)

func main() {
	cfgpath := flag.String("config", "machine/testdata/qemu-virt.toml",
		"machine description file")
	verbose := flag.Bool("v", false, "log every allocator event")
	flag.Parse()
	if *verbose {
		klog.Verbose()
	}

	cfg, err := machine.Load(*cfgpath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vmdemo: %v\n", err)
		os.Exit(1)
	}
	m, phys := machine.Boot(cfg)
	defer m.Halt()
	vm.Init(phys, m)

	fmt.Printf("booted: %d pages free\n", phys.Pgcount())
	h0 := phys.Hash()

	// buddy allocator: split, merge, and the structural digest
	f1, _ := phys.Alloc(32, defs.M_WAITOK)
	f2, _ := phys.Alloc(128, defs.M_WAITOK)
	fmt.Printf("f1 at %#x (%d pages), f2 at %#x (%d pages)\n",
		f1.Pa, f1.Size, f2.Pa, f2.Size)
	phys.Free(f1)
	f3, _ := phys.Alloc(8, defs.M_WAITOK)
	fmt.Printf("f3 at %#x (%d pages)\n", f3.Pa, f3.Size)
	phys.Free(f2)
	phys.Free(f3)
	fmt.Printf("digest restored: %v\n", phys.Hash() == h0)

	// the heap and a slab pool, both living on kmem mappings
	km := kmem.Mkkmem(phys, m, m, pmap.Va_t(cfg.Kva.Start),
		pmap.Va_t(cfg.Kva.End))
	heap := kmalloc.Mkpool(km, "demo", 16*mem.PGSIZE)
	x := heap.Alloc(100, defs.M_WAITOK)
	y := heap.Alloc(200, defs.M_WAITOK)
	fmt.Printf("kmalloc: x=%#x y=%#x\n", x, y)
	heap.Free(x)
	heap.Free(y)

	pp := pool.Mkpool(km, "demo items", 64)
	var items []pmap.Va_t
	for i := 0; i < 10; i++ {
		it, _ := pp.Alloc(defs.M_WAITOK)
		items = append(items, it)
	}
	fmt.Printf("pool: %d items live, capacity %d\n", pp.Nused(), pp.Ntotal())
	for _, it := range items {
		pp.Free(it)
	}

	// demand paging and a copy-on-write fork
	parent := vm.Mkvm(0, 0x40000000)
	vm.Activate(parent)
	if err := parent.Insert(0x1000, 2*mem.PGSIZE,
		pmap.PROT_READ|pmap.PROT_WRITE, vm.VM_ENT_PRIVATE); err != 0 {
		panic(err)
	}
	if err := parent.Userwriten(0x1000, 8, 0xfeedbabe); err != 0 {
		panic(err)
	}
	child := parent.Clone()
	parent.Userwriten(0x1000, 8, 0xdeadbeef)
	pv, _ := parent.Userreadn(0x1000, 8)
	cv, _ := child.Userreadn(0x1000, 8)
	fmt.Printf("after fork+write: parent reads %#x, child reads %#x\n", pv, cv)

	parent.Delete()
	child.Delete()
	heap.Destroy()
	pp.Destroy()
	fmt.Printf("teardown: %d pages free, digest restored: %v\n",
		phys.Pgcount(), phys.Hash() == h0)
}
