// Package klog is the kernel logging layer. Every message names the
// subsystem it originates from so dumps from different allocators can be
// told apart.
package klog

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

/// Sys_t identifies the subsystem a message originates from.
type Sys_t string

const (
	KL_PHYSMEM Sys_t = "physmem"
	KL_KMEM    Sys_t = "kmem"
	KL_KVA     Sys_t = "kva"
	KL_POOL    Sys_t = "pool"
	KL_RMAN    Sys_t = "rman"
	KL_VM      Sys_t = "vm"
	KL_MACH    Sys_t = "machine"
)

var log = logrus.New()

func init() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
	log.SetLevel(logrus.WarnLevel)
}

/// Verbose raises the log level so per-allocation events are emitted.
func Verbose() {
	log.SetLevel(logrus.DebugLevel)
}

/// Quiet drops back to warnings only.
func Quiet() {
	log.SetLevel(logrus.WarnLevel)
}

/// Logf records an ordinary event for the given subsystem.
func Logf(sys Sys_t, format string, args ...interface{}) {
	log.WithField("sys", string(sys)).Debugf(format, args...)
}

/// Warnf records an unusual but survivable event.
func Warnf(sys Sys_t, format string, args ...interface{}) {
	log.WithField("sys", string(sys)).Warnf(format, args...)
}

/// Panicf logs a fatal condition and panics. Corruption reports go
/// through here so the component, address and expected vs observed
/// values all end up in the log and in the panic value.
func Panicf(sys Sys_t, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.WithField("sys", string(sys)).Error(msg)
	panic(string(sys) + ": " + msg)
}
