package mockdev

import "time"

// Clock is a fake clock that moves forward by Tick on every Now call and by
// the requested duration on every Sleep.
type Clock struct {
	Tick  time.Duration
	now   time.Time
	slept []time.Duration
}

// NewClock returns a fake clock advancing tick per Now call.
func NewClock(tick time.Duration) *Clock {
	return &Clock{Tick: tick, now: time.Unix(0, 0)}
}

func (c *Clock) Now() time.Time {
	c.now = c.now.Add(c.Tick)
	return c.now
}

func (c *Clock) Sleep(d time.Duration) {
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
}

// Sleeps returns every duration passed to Sleep.
func (c *Clock) Sleeps() []time.Duration {
	return append([]time.Duration(nil), c.slept...)
}
