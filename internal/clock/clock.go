// Package clock reconstructs wall-clock time from a server anchor and the device uptime counter.
package clock

import (
	"sync"
	"time"
)

// Uptime is a millisecond counter that wraps around at 2^32
type Uptime interface {
	Millis() uint32
}

// UptimeFunc adapts a function to the Uptime interface
type UptimeFunc func() uint32

// Millis implements Uptime
func (f UptimeFunc) Millis() uint32 { return f() }

// SystemUptime counts milliseconds since the process started and wraps like a device counter
type SystemUptime struct {
	start time.Time
}

// NewSystemUptime starts a counter at zero
func NewSystemUptime() *SystemUptime {
	return &SystemUptime{start: time.Now()}
}

// Millis implements Uptime
func (u *SystemUptime) Millis() uint32 {
	return uint32(time.Since(u.start).Milliseconds()) //nolint:gosec // wraparound is the point
}

// Anchor is the persisted part of the clock
type Anchor struct {
	Value  uint64 // server time in ms at the anchor, 0 when never synced
	Uptime uint64 // uptime sample taken when the anchor was set
	Wraps  uint32 // uptime wraparounds observed since the anchor
}

// Clock is the virtual wall clock. It is safe for concurrent use.
type Clock struct {
	mu       sync.Mutex
	uptime   Uptime
	anchor   Anchor
	last     uint32
	sampled  bool
	onChange func(Anchor)
}

// New creates an unsynchronized clock reading from uptime
func New(uptime Uptime) *Clock {
	return &Clock{uptime: uptime}
}

// OnChange registers a hook called with the new anchor whenever it or the wrap count changes
func (c *Clock) OnChange(fn func(Anchor)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Now returns the current virtual time in ms.
// Before the first anchor it returns the elapsed uptime only.
func (c *Clock) Now() uint64 {
	c.mu.Lock()
	now, wrapped := c.sample()
	a, hook := c.anchor, c.onChange
	c.mu.Unlock()

	if wrapped && hook != nil {
		hook(a)
	}
	return a.Value + (uint64(now) - a.Uptime) + uint64(a.Wraps)<<32
}

// SetAnchor anchors the clock to a trusted server time in ms
func (c *Clock) SetAnchor(serverMillis uint64) {
	c.mu.Lock()
	now, _ := c.sample()
	c.anchor = Anchor{Value: serverMillis, Uptime: uint64(now)}
	a, hook := c.anchor, c.onChange
	c.mu.Unlock()

	if hook != nil {
		hook(a)
	}
}

// Synced reports whether the clock was ever anchored
func (c *Clock) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.anchor.Value > 0
}

// Anchor returns the current anchor
func (c *Clock) Anchor() Anchor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.anchor
}

// Checkpoint moves the anchor to the current reading without changing the virtual time,
// so a persisted anchor is never older than the last checkpoint. It does nothing before
// the first sync.
func (c *Clock) Checkpoint() {
	c.mu.Lock()
	if c.anchor.Value == 0 {
		c.mu.Unlock()
		return
	}
	now, _ := c.sample()
	value := c.anchor.Value + (uint64(now) - c.anchor.Uptime) + uint64(c.anchor.Wraps)<<32
	c.anchor = Anchor{Value: value, Uptime: uint64(now)}
	a, hook := c.anchor, c.onChange
	c.mu.Unlock()

	if hook != nil {
		hook(a)
	}
}

// Restore loads a persisted anchor after a reboot.
// The uptime counter restarted with the process, so the anchor is rebased on the current
// sample: readings continue from the last checkpoint until the next server exchange.
func (c *Clock) Restore(a Anchor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now, _ := c.sample()
	if a.Value > 0 {
		a.Uptime = uint64(now)
		a.Wraps = 0
	}
	c.anchor = a
}

// UptimeMillis returns the raw uptime counter
func (c *Clock) UptimeMillis() uint32 {
	return c.uptime.Millis()
}

// sample reads the uptime counter and accounts for a wraparound. Caller holds mu.
func (c *Clock) sample() (uint32, bool) {
	now := c.uptime.Millis()
	wrapped := c.sampled && now < c.last
	if wrapped {
		c.anchor.Wraps++
	}
	c.last, c.sampled = now, true
	return now, wrapped
}
