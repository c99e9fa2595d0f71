// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package clock provides the protocol's time source. All deadlines (exit
// unlocks, submission windows, appeal windows) are absolute unix-second
// timestamps computed once at creation and never recomputed on read.
package clock

import (
	"errors"
	"sync"
	"time"
)

var ErrTimestampOverflow = errors.New("timestamp overflow")

// Clock is a thin wrapper around global time that allows for easy testing.
// It is safe for concurrent use.
type Clock struct {
	mu    sync.RWMutex
	faked bool
	time  time.Time
}

// Set pins the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faked = true
	c.time = t
}

// Sync re-syncs the clock with global time.
func (c *Clock) Sync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faked = false
}

// Time returns the time on this clock.
func (c *Clock) Time() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.faked {
		return c.time
	}
	return time.Now()
}

// Unix returns the unix timestamp on this clock, clamped at zero.
func (c *Clock) Unix() uint64 {
	unix := c.Time().Unix()
	if unix < 0 {
		return 0
	}
	return uint64(unix)
}

// Deadline returns the absolute unix-second deadline delaySeconds from
// now. Returns ErrTimestampOverflow if the result would wrap the
// timestamp width; the overflow is fatal to the calling operation only.
func (c *Clock) Deadline(delaySeconds uint64) (uint64, error) {
	now := c.Unix()
	if now > ^uint64(0)-delaySeconds {
		return 0, ErrTimestampOverflow
	}
	return now + delaySeconds, nil
}
