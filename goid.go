package qsync

import (
	"github.com/petermattis/goid"
)

// curGoroutine returns the id of the calling goroutine.
// Ids start at 1, so 0 is free to mean "no goroutine".
func curGoroutine() int64 {
	return goid.Get()
}

// CurrentGoroutine returns the id the locks in this package record for the
// calling goroutine. It is the value reported by Owner and the *Threads
// introspection methods.
func CurrentGoroutine() int64 {
	return goid.Get()
}
