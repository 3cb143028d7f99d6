// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package clock implements the externally driven logical clock used by the
// link engine.
//
// Time never advances on its own: the owner moves it forward explicitly with
// Advance. A timestamp is a time.Duration measured from the logical epoch, so
// a deadline of 10*time.Second means "ten logical seconds after start".
//
// Clock is not goroutine-safe. Each Connection owns its own Clock and all
// engine calls happen on one goroutine.
package clock

import (
	"errors"
	"fmt"
	"time"
)

// ErrRegression is returned when a caller tries to move a clock backwards.
var ErrRegression = errors.New("clock moved backwards")

// Clock is a monotonic logical clock.
type Clock struct {
	now time.Duration
}

// New returns a clock positioned at start.
func New(start time.Duration) *Clock {
	return &Clock{now: start}
}

// Now returns the current timestamp without advancing it.
func (c *Clock) Now() time.Duration { return c.now }

// Advance moves the clock to ts. Moving to the current timestamp is a no-op;
// moving to an earlier one fails and leaves the clock untouched.
func (c *Clock) Advance(ts time.Duration) error {
	if ts < c.now {
		return fmt.Errorf("%w: at %v, asked for %v", ErrRegression, c.now, ts)
	}
	c.now = ts
	return nil
}

// Expired reports whether deadline has been reached at the current time.
// A zero deadline means "none" and never expires.
func (c *Clock) Expired(deadline time.Duration) bool {
	return deadline > 0 && deadline <= c.now
}

// Earliest returns the smaller of two optional deadlines, treating zero as
// unset. The result is zero only if both are unset.
func Earliest(a, b time.Duration) time.Duration {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}
