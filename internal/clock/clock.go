package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source used by anything that waits.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	// Timer is After with a stop function that releases the timer early.
	Timer(d time.Duration) (<-chan time.Time, func())
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) Timer(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTimer(d)
	return t.C, func() { t.Stop() }
}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

// Or returns c, or the wall clock when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return Real()
	}
	return c
}

type waiter struct {
	id uint64
	at time.Time
	ch chan time.Time
}

// Fake only moves when Advance is called.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	nextID  uint64
	waiters []waiter
	armed   chan struct{}
}

// NewFake returns a fake clock set to start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start, armed: make(chan struct{}, 1024)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch, _ := f.Timer(d)
	return ch
}

func (f *Fake) Timer(d time.Duration) (<-chan time.Time, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch, func() {}
	}
	f.nextID++
	id := f.nextID
	f.waiters = append(f.waiters, waiter{id: id, at: f.now.Add(d), ch: ch})
	select {
	case f.armed <- struct{}{}:
	default:
	}
	return ch, func() { f.stop(id) }
}

func (f *Fake) stop(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, w := range f.waiters {
		if w.id == id {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return
		}
	}
}

// Advance moves the clock forward and fires every timer that is due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	sort.SliceStable(f.waiters, func(i, j int) bool { return f.waiters[i].at.Before(f.waiters[j].at) })
	var pending []waiter
	var due []waiter
	for _, w := range f.waiters {
		if !w.at.After(now) {
			due = append(due, w)
			continue
		}
		pending = append(pending, w)
	}
	f.waiters = pending
	f.mu.Unlock()
	for _, w := range due {
		w.ch <- now
	}
}

// Pending returns the number of armed timers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

// BlockUntil waits until at least n timers are armed or the deadline passes.
func (f *Fake) BlockUntil(n int, deadline time.Duration) bool {
	stop := time.After(deadline)
	for {
		if f.Pending() >= n {
			return true
		}
		select {
		case <-f.armed:
		case <-stop:
			return f.Pending() >= n
		}
	}
}
