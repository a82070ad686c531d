package stamp

import (
	"sync"
	"time"
)

// Clock derives signal time from the wall clock. Readings are adjusted by
// a correction which is changed with Synchronize. Readings never regress.
type Clock struct {
	mu         sync.Mutex
	now        func() time.Time
	started    time.Time
	running    bool
	elapsed    time.Duration // accumulated while stopped
	correction time.Duration
	last       Stamp
}

// ClockOption configures the clock.
type ClockOption func(*Clock)

// WithNow overrides the wall clock source.
func WithNow(now func() time.Time) ClockOption {
	return func(c *Clock) {
		c.now = now
	}
}

// NewClock returns stopped clock located at the origin.
func NewClock(options ...ClockOption) *Clock {
	c := &Clock{now: time.Now}
	for _, option := range options {
		option(c)
	}
	return c
}

// Start resumes the clock. Consequent calls do nothing.
func (c *Clock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.started = c.now()
	c.running = true
}

// Stop freezes the clock at the current reading. Consequent calls do
// nothing.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.elapsed += c.now().Sub(c.started)
	c.running = false
}

// Running reports whether the clock is started.
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Now returns the current signal time.
func (c *Clock) Now() Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.raw().Add(c.correction)
	if s.Before(c.last) {
		return c.last
	}
	c.last = s
	return s
}

// Synchronize adjusts the correction so that readings follow shouldBe.
// Readings already returned are not affected: if shouldBe is behind the
// last reading, the clock holds until the wall clock catches up.
func (c *Clock) Synchronize(shouldBe Stamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.correction = shouldBe.Sub(c.raw())
}

// Correction returns the current drift correction.
func (c *Clock) Correction() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.correction
}

// raw returns uncorrected reading. Must be called under lock.
func (c *Clock) raw() Stamp {
	d := c.elapsed
	if c.running {
		d += c.now().Sub(c.started)
	}
	return FromDuration(d)
}
