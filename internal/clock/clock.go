// Package clock abstracts time so timing-sensitive components can be driven
// deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Fake only moves when told to. Timers whose deadline is reached fire during
// Advance or Set, after the internal lock is released.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *Fake
	id      int
	when    time.Time
	ch      chan time.Time
	fn      func()
	stopped bool
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.schedule(d, ch, nil)
	return ch
}

func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	return c.schedule(d, nil, f)
}

func (c *Fake) schedule(d time.Duration, ch chan time.Time, f func()) *fakeTimer {
	c.mu.Lock()
	c.seq++
	t := &fakeTimer{c: c, id: c.seq, when: c.now.Add(d), ch: ch, fn: f}
	fire := d <= 0
	if !fire {
		c.timers = append(c.timers, t)
	}
	now := c.now
	c.mu.Unlock()
	if fire {
		t.fire(now)
	}
	return t
}

// Advance moves the clock forward by d and fires every timer that became due.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	c.Set(target)
}

// Set moves the clock to t. Moving backwards fires nothing.
func (c *Fake) Set(t time.Time) {
	c.mu.Lock()
	if t.Before(c.now) {
		c.now = t
		c.mu.Unlock()
		return
	}
	var due, rest []*fakeTimer
	for _, ft := range c.timers {
		if !ft.when.After(t) {
			due = append(due, ft)
		} else {
			rest = append(rest, ft)
		}
	}
	c.timers = rest
	c.now = t
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].when.Equal(due[j].when) {
			return due[i].id < due[j].id
		}
		return due[i].when.Before(due[j].when)
	})
	for _, ft := range due {
		ft.fire(t)
	}
}

// Pending is the number of timers that have not fired or been stopped.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Sleepers is the number of pending After channels, i.e. goroutines blocked
// waiting on the clock.
func (c *Fake) Sleepers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ft := range c.timers {
		if ft.ch != nil {
			n++
		}
	}
	return n
}

func (t *fakeTimer) fire(now time.Time) {
	if t.ch != nil {
		t.ch <- now
		return
	}
	t.fn()
}

func (t *fakeTimer) Stop() bool {
	c := t.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.stopped {
		return false
	}
	for i, ft := range c.timers {
		if ft == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			t.stopped = true
			return true
		}
	}
	return false
}
