package exchange

import (
	"sync/atomic"
	"time"
)

// Clock adjusts local time by the measured server offset
type Clock struct {
	offsetMs atomic.Int64
	syncedAt atomic.Int64 // unix ms, 0 = never
	now      func() time.Time
}

// NewClock creates a clock with zero offset
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NowMs returns the server-adjusted unix time in milliseconds
func (c *Clock) NowMs() int64 {
	return c.now().UnixMilli() + c.offsetMs.Load()
}

// Offset returns server minus local time
func (c *Clock) Offset() time.Duration {
	return time.Duration(c.offsetMs.Load()) * time.Millisecond
}

// SyncedAt returns when the offset was last measured
func (c *Clock) SyncedAt() time.Time {
	ms := c.syncedAt.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// observe records a server timestamp taken between sent and received.
// The server is assumed to stamp at the midpoint of the round trip.
func (c *Clock) observe(serverMs int64, sent, received time.Time) time.Duration {
	mid := sent.Add(received.Sub(sent) / 2).UnixMilli()
	offset := serverMs - mid
	c.offsetMs.Store(offset)
	c.syncedAt.Store(received.UnixMilli())
	return time.Duration(offset) * time.Millisecond
}
