package qsync

import (
	"sync/atomic"
)

// TicketLock is a FIFO spin lock for short critical sections that touch a
// few fields, such as an executor worker's interrupt flag. Goroutines get
// the lock in the order they called Lock. Waiters spin and then back off
// with short sleeps; they never park.
type TicketLock struct {
	_       noCopy
	next    atomic.Uint32
	serving atomic.Uint32
}

// Lock waits for this goroutine's ticket to be served.
func (m *TicketLock) Lock() {
	ticket := m.next.Add(1) - 1
	for spins := 0; m.serving.Load() != ticket; {
		delay(&spins)
	}
}

// Unlock serves the next ticket.
func (m *TicketLock) Unlock() {
	m.serving.Add(1)
}

// TryLock takes the lock only if no one holds it or waits for it.
func (m *TicketLock) TryLock() bool {
	s := m.serving.Load()
	return m.next.CompareAndSwap(s, s+1)
}
