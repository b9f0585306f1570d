package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time moves only when Advance is called.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline order.
// A callback may schedule new timers; those fire within the same Advance when
// their deadline falls inside the advanced window.
type FakeClock struct {
	mutex   sync.Mutex
	current time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	callback func()
	stopped  bool
	fired    bool
}

// NewFake returns a FakeClock starting at initial.
func NewFake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// Now returns the fake time.
func (clock *FakeClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

// AfterFunc registers f to run once the clock is advanced past now+d.
func (clock *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	waiter := &fakeWaiter{deadline: clock.current.Add(d), callback: f}
	clock.waiters = append(clock.waiters, waiter)
	return &fakeTimer{clock: clock, waiter: waiter}
}

// Advance moves time forward by d, firing every timer whose deadline is reached.
func (clock *FakeClock) Advance(d time.Duration) {
	clock.mutex.Lock()
	target := clock.current.Add(d)
	clock.mutex.Unlock()

	for {
		next := clock.popNext(target)
		if next == nil {
			break
		}
		next.callback()
	}

	clock.mutex.Lock()
	clock.current = target
	clock.mutex.Unlock()
}

// PendingCount returns the number of timers that have neither fired nor been stopped.
func (clock *FakeClock) PendingCount() int {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	count := 0
	for _, waiter := range clock.waiters {
		if !waiter.stopped && !waiter.fired {
			count++
		}
	}
	return count
}

// popNext removes the earliest due waiter and moves the clock to its deadline.
func (clock *FakeClock) popNext(target time.Time) *fakeWaiter {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()

	remaining := clock.waiters[:0]
	for _, waiter := range clock.waiters {
		if !waiter.stopped && !waiter.fired {
			remaining = append(remaining, waiter)
		}
	}
	clock.waiters = remaining
	sort.SliceStable(clock.waiters, func(left, right int) bool {
		return clock.waiters[left].deadline.Before(clock.waiters[right].deadline)
	})
	if len(clock.waiters) == 0 || clock.waiters[0].deadline.After(target) {
		return nil
	}
	next := clock.waiters[0]
	next.fired = true
	clock.waiters = clock.waiters[1:]
	if next.deadline.After(clock.current) {
		clock.current = next.deadline
	}
	return next
}

type fakeTimer struct {
	clock  *FakeClock
	waiter *fakeWaiter
}

func (timer *fakeTimer) Stop() bool {
	timer.clock.mutex.Lock()
	defer timer.clock.mutex.Unlock()
	if timer.waiter.stopped || timer.waiter.fired {
		return false
	}
	timer.waiter.stopped = true
	return true
}
