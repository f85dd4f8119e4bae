// Package stats holds cheap, compile-time-gated debug counters for the
// scheduler, buffer cache, and redo log. Go has no #ifdef, so the gate is an
// ordinary variable a caller checks; when Stats is false every Inc is a
// single untaken branch.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
)

// Stats gates whether the counters below actually count. Flip to true for a
// debug build; a test that asserts on counter values sets it directly.
var Stats = false

// Counter_t is a statistical counter, gated by Stats.
type Counter_t int64

// Inc increments the counter when Stats is enabled.
func (c *Counter_t) Inc() {
	if Stats {
		atomic.AddInt64((*int64)(c), 1)
	}
}

// Get reads the current value regardless of Stats, so a test can assert on
// it after deliberately enabling counting for the duration of the test.
func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Sched counts scheduler activity.
var Sched struct {
	Switches Counter_t
	Sleeps   Counter_t
	Wakeups  Counter_t
	Yields   Counter_t
}

// Bcache counts buffer cache activity.
var Bcache struct {
	Hits   Counter_t
	Misses Counter_t
	Evicts Counter_t
}

// Log counts redo-log activity.
var Log struct {
	Commits    Counter_t
	Absorbed   Counter_t
	Recoveries Counter_t
}

// String renders every Counter_t field of a counters struct, for a debug
// dump at shutdown.
func String(st interface{}) string {
	v := reflect.ValueOf(st)
	var s strings.Builder
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		if strings.HasSuffix(t, "Counter_t") {
			n := v.Field(i).Interface().(Counter_t)
			s.WriteString("\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10))
		}
	}
	return s.String()
}
