// Package stats provides cheap counters for the allocators.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
)

/// Counter_t is a statistical counter.
type Counter_t int64

/// Inc increments the counter.
func (c *Counter_t) Inc() {
	atomic.AddInt64((*int64)(c), 1)
}

/// Dec decrements the counter.
func (c *Counter_t) Dec() {
	atomic.AddInt64((*int64)(c), -1)
}

/// Add adds n to the counter.
func (c *Counter_t) Add(n int64) {
	atomic.AddInt64((*int64)(c), n)
}

/// Read returns the current value.
func (c *Counter_t) Read() int64 {
	return atomic.LoadInt64((*int64)(c))
}

/// Stats2String converts a struct of counters to a printable string.
func Stats2String(st interface{}) string {
	v := reflect.ValueOf(st)
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		if strings.HasSuffix(t, "Counter_t") {
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " +
				strconv.FormatInt(int64(n), 10)
		}
	}
	return s + "\n"
}
