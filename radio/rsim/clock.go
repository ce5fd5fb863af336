package rsim

import (
	"time"

	"uwbslot/devtime"
)

// Clock is a manually-advanced virtual device-time source shared by all
// Radios on a Medium, used by deterministic tests. Advancing the clock
// fires any due timers on every attached radio, the same way a real
// radio's ISR would fire once its deadline register matches its free-
// running counter.
type Clock struct {
	medium *Medium
	now    devtime.T
}

// NewClock creates a clock starting at start, associated with medium.
func NewClock(medium *Medium, start devtime.T) *Clock {
	return &Clock{medium: medium, now: start}
}

// Now returns the current virtual device time.
func (c *Clock) Now() devtime.T {
	return c.now
}

// Advance moves the clock forward by delta ticks, firing due timers on
// every radio attached to the medium in deadline order. Timers newly
// armed by a fired callback (e.g. RX-after-TX) are honoured within the
// same Advance call if their deadline still falls before target.
func (c *Clock) Advance(delta int32) {
	target := c.now + devtime.T(delta)
	for {
		next, ok := c.nextDeadline(target)
		if !ok {
			c.now = target
			c.tickAll(c.now)
			return
		}
		c.now = next
		c.tickAll(c.now)
	}
}

func (c *Clock) radios() []*Radio {
	c.medium.mu.Lock()
	defer c.medium.mu.Unlock()
	radios := make([]*Radio, 0, len(c.medium.nodes))
	for r := range c.medium.nodes {
		radios = append(radios, r)
	}
	return radios
}

func (c *Clock) tickAll(now devtime.T) {
	for _, r := range c.radios() {
		r.Tick(now)
	}
}

// nextDeadline returns the earliest pending timer deadline at or before
// target across all radios, if any.
func (c *Clock) nextDeadline(target devtime.T) (devtime.T, bool) {
	found := false
	var best devtime.T
	for _, r := range c.radios() {
		r.mu.Lock()
		for _, t := range r.timers {
			if t.at.After(target) {
				continue
			}
			if !found || t.at.Before(best) {
				best = t.at
				found = true
			}
		}
		r.mu.Unlock()
	}
	return best, found
}

// Func returns a clock-reading function suitable for New.
func (c *Clock) Func() func() devtime.T {
	return c.Now
}

// WallClock drives a Medium's radios from real elapsed wall time instead
// of a test's manual Advance calls: cmd/uwbslot-sim runs one in a
// goroutine so the simulator behaves like real hardware free-running at
// the nominal tick rate.
type WallClock struct {
	medium *Medium
	start  time.Time
	epoch  devtime.T

	stop chan struct{}
	done chan struct{}
}

// NewWallClock creates a wall clock associated with medium, its virtual
// time starting at start when Run begins.
func NewWallClock(medium *Medium, start devtime.T) *WallClock {
	return &WallClock{
		medium: medium,
		epoch:  start,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Now returns the current virtual device time, derived from elapsed
// wall time since Run started. Before Run is called it returns the
// configured start time.
func (w *WallClock) Now() devtime.T {
	if w.start.IsZero() {
		return w.epoch
	}
	elapsed := time.Since(w.start)
	return w.epoch.AddTicks(devtime.FromNanoseconds(int64(elapsed)))
}

// Func returns a clock-reading function suitable for New.
func (w *WallClock) Func() func() devtime.T {
	return w.Now
}

// Run polls the wall clock at the given resolution, ticking every radio
// attached to medium as virtual time passes, until Stop is called. It
// blocks until the poll loop exits, so callers run it in a goroutine.
func (w *WallClock) Run(resolution time.Duration) {
	w.start = time.Now()
	defer close(w.done)

	ticker := time.NewTicker(resolution)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			now := w.Now()
			for _, r := range w.radios() {
				r.Tick(now)
			}
		}
	}
}

// Stop halts Run and waits for its poll loop to exit.
func (w *WallClock) Stop() {
	close(w.stop)
	<-w.done
}

func (w *WallClock) radios() []*Radio {
	w.medium.mu.Lock()
	defer w.medium.mu.Unlock()
	radios := make([]*Radio, 0, len(w.medium.nodes))
	for r := range w.medium.nodes {
		radios = append(radios, r)
	}
	return radios
}
