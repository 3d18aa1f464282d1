// Package platformtest provides a manually advanced Clock for tests.
package platformtest

import (
	"sort"
	"sync"
	"time"

	"github.com/sglegalhelp/offlinesync/internal/platform"
)

// Clock is a fake platform.Clock. Time only moves when Advance or Set is called;
// due callbacks run synchronously on the advancing goroutine.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	timers  []*timer
	tickers []*ticker
}

// NewClock returns a fake clock starting at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the fake current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f to run once the clock has advanced by d.
func (c *Clock) AfterFunc(d time.Duration, f func()) platform.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &timer{clock: c, when: c.now.Add(d), fn: f, seq: c.seq}
	c.timers = append(c.timers, t)
	return t
}

// NewTicker returns a ticker that fires on Advance.
func (c *Clock) NewTicker(d time.Duration) platform.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &ticker{clock: c, period: d, next: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

// PendingTimers returns the number of scheduled, unstopped timers.
func (c *Clock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Advance moves the clock forward by d, firing due timers in deadline order and delivering ticks.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	c.Set(target)
}

// Set moves the clock to t, firing due timers. Timers scheduled by callbacks fire too if due.
func (c *Clock) Set(t time.Time) {
	for {
		c.mu.Lock()
		sort.SliceStable(c.timers, func(i, j int) bool {
			if c.timers[i].when.Equal(c.timers[j].when) {
				return c.timers[i].seq < c.timers[j].seq
			}
			return c.timers[i].when.Before(c.timers[j].when)
		})
		if len(c.timers) == 0 || c.timers[0].when.After(t) {
			c.now = t
			c.tick()
			c.mu.Unlock()
			return
		}
		due := c.timers[0]
		c.timers = c.timers[1:]
		if due.when.After(c.now) {
			c.now = due.when
		}
		c.mu.Unlock()
		due.fn()
	}
}

// tick delivers at most one pending tick per ticker. Callers hold c.mu.
func (c *Clock) tick() {
	for _, tk := range c.tickers {
		if tk.stopped || tk.next.After(c.now) {
			continue
		}
		for !tk.next.After(c.now) {
			tk.next = tk.next.Add(tk.period)
		}
		select {
		case tk.ch <- c.now:
		default:
		}
	}
}

type timer struct {
	clock *Clock
	when  time.Time
	fn    func()
	seq   int
}

func (t *timer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, other := range c.timers {
		if other == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return true
		}
	}
	return false
}

type ticker struct {
	clock   *Clock
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (t *ticker) C() <-chan time.Time { return t.ch }

func (t *ticker) Stop() {
	t.clock.mu.Lock()
	t.stopped = true
	t.clock.mu.Unlock()
}

var _ platform.Clock = (*Clock)(nil)
