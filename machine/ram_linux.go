//go:build linux

package machine

import (
	"golang.org/x/sys/unix"

	"github.com/cahirwpz/mimiker-sub003/klog"
)

// mkram builds the RAM window. With mmapped set the window comes from
// an anonymous mapping so large machines don't sit on the Go heap.
func mkram(size int, mmapped bool) ([]uint8, func()) {
	if !mmapped {
		return make([]uint8, size), nil
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		klog.Warnf(klog.KL_MACH, "mmap ram failed (%v), using heap", err)
		return make([]uint8, size), nil
	}
	return b, func() {
		if err := unix.Munmap(b); err != nil {
			klog.Warnf(klog.KL_MACH, "munmap ram: %v", err)
		}
	}
}
