//go:build race

package opt

// Race_ reports whether the race detector is enabled. Stress tests use it
// to scale down iteration counts.
const Race_ = true
