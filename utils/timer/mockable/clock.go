// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package mockable provides the wall-clock source used for proposal
// deadlines, allocation expiry and movement history timestamps.
package mockable

import (
	"sync"
	"time"
)

// Source is the read side of a clock.
type Source interface {
	Time() time.Time
}

var _ Source = (*Clock)(nil)

// Clock acts as a thin wrapper around global time that allows for easy testing.
// It is safe for concurrent use. The zero value follows time.Now.
type Clock struct {
	mu    sync.RWMutex
	faked bool
	time  time.Time
}

// Set the time on the clock
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faked = true
	c.time = t
}

// Advance moves a faked clock forward by d. On a real clock it fakes the
// clock at now+d.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.faked {
		c.faked = true
		c.time = time.Now()
	}
	c.time = c.time.Add(d)
	return c.time
}

// Sync this clock with global time
func (c *Clock) Sync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faked = false
}

// Time returns the time on this clock
func (c *Clock) Time() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.faked {
		return c.time
	}
	return time.Now()
}
