package qsync

import (
	"time"
)

// parker is a binary semaphore owned by one waiting goroutine.
//
// unpark before park leaves a permit, so the next park returns at once;
// multiple unparks collapse into one permit. Callers must tolerate
// spurious returns and re-check their condition.
type parker struct {
	ch chan struct{}
}

func newParker() parker {
	return parker{ch: make(chan struct{}, 1)}
}

// park blocks until unpark, until done is closed, or until deadline fires.
// Nil channels never fire.
func (p *parker) park(done <-chan struct{}, deadline <-chan time.Time) {
	if done == nil && deadline == nil {
		<-p.ch
		return
	}
	select {
	case <-p.ch:
	case <-done:
	case <-deadline:
	}
}

func (p *parker) unpark() {
	select {
	case p.ch <- struct{}{}:
	default:
	}
}

// waitTimer lazily arms a single timer for a whole timed wait. Once it has
// fired the wait's deadline has passed, so it is never re-armed.
type waitTimer struct {
	t *time.Timer
}

func (w *waitTimer) channel(remaining time.Duration) <-chan time.Time {
	if w.t == nil {
		w.t = time.NewTimer(remaining)
	}
	return w.t.C
}

func (w *waitTimer) stop() {
	if w.t != nil {
		w.t.Stop()
	}
}
