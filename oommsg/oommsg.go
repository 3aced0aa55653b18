// Package oommsg notifies interested parties that the system is out of
// physical memory. A blocked WAITOK allocation posts here before going
// to sleep so a reclaimer (or a test harness) can react.
package oommsg

/// OomCh is notified when the system runs out of memory.
var OomCh chan Oommsg_t = make(chan Oommsg_t, 8)

/// Oommsg_t is sent on OomCh when memory is exhausted. Need is in
/// pages.
type Oommsg_t struct {
	Need   int
	Resume chan bool
}

/// Post sends a notification without ever blocking the allocator; if
/// nobody is draining OomCh the message is dropped.
func Post(need int) {
	select {
	case OomCh <- Oommsg_t{Need: need}:
	default:
	}
}
