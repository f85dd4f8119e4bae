// Package klog is the kernel's console. A real boot has no os.Stdout and no
// syslog daemon, but this kernel runs as a simulated machine (goroutines
// standing in for CPUs), so the "console" is a structured logger: boot
// messages, transaction commits, and panics carry fields (cpu, pid, dev,
// block) the way a production Go service logs, even though the thing on the
// other end would, on real hardware, be a UART.
package klog

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func init() {
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: false})
	log.SetLevel(logrus.InfoLevel)
}

// SetLevel adjusts verbosity; tests turn it down to avoid drowning in boot
// chatter, a debug build turns it up.
func SetLevel(l logrus.Level) {
	log.SetLevel(l)
}

// Fields is a shorthand for the structured key/value pairs attached to a
// kernel log line.
type Fields = logrus.Fields

// Boot logs a machine boot-sequence message.
func Boot(msg string, f Fields) {
	log.WithFields(f).Info(msg)
}

// Infof logs an informational kernel message with no structured fields,
// for the common case.
func Infof(format string, args ...interface{}) {
	log.Info(fmt.Sprintf(format, args...))
}

// Warn logs a recoverable anomaly (§7 "Surfaced to user" / "Recoverable at
// call site" conditions a human still wants to see, e.g. a retried bget).
func Warn(msg string, f Fields) {
	log.WithFields(f).Warn(msg)
}

var fatalMu sync.Mutex

// Fatal halts the calling simulated CPU after printing a call-stack dump and
// the panic message, matching §7's "Fatal (panic): ... Panic halts the CPU;
// other CPUs are not coordinated." Unlike the standard library's log.Fatal,
// it does not call os.Exit: only the calling goroutine (the CPU that hit the
// invariant violation) stops, by panicking, so other simulated CPUs keep
// running exactly as uncoordinated real hardware would.
func Fatal(msg string, f Fields) {
	fatalMu.Lock()
	log.WithFields(f).Error("PANIC: " + msg)
	dumpStack()
	fatalMu.Unlock()
	panic(msg)
}

// dumpStack prints the call chain leading to a Fatal, grounded on the
// teacher's Callerdump.
func dumpStack() {
	for i := 2; ; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fmt.Fprintf(os.Stderr, "\t<- %s:%d\n", file, line)
	}
}
