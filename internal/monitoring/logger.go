// Package monitoring provides the injectable diagnostic logger shared by the
// CSI pipeline packages. Rather than a process-wide logging framework, every
// package logs through Logf/Warnf so applications and tests can redirect or
// mute output per process.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// Warnf logs conditions that are tolerated but suspicious: decode failures,
// stale cluster eviction, unsynchronized backlog reads. It shares the sink
// installed via SetLogger and prefixes messages so they can be grepped apart
// from ordinary progress logs.
func Warnf(format string, v ...interface{}) {
	Logf("warning: "+format, v...)
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
