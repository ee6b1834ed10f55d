// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package profiler

import (
	"time"
)

// rateLimiter bounds the number of out-of-cycle flushes in a time period.
// The window opens lazily on activation and closes itself once the period
// has elapsed, so an idle profiler pays nothing. Not safe for concurrent
// use; the caller serializes access.
type rateLimiter struct {
	active     bool
	tokens     int
	capacity   int
	period     time.Duration
	activation time.Time
}

// newRateLimiter returns a limiter which allows up to count actions
// to be taken in the given time period, once activated
func newRateLimiter(count int, period time.Duration) *rateLimiter {
	return &rateLimiter{
		capacity: count,
		period:   period,
	}
}

// activate opens the limiting window if it is not already open.
func (l *rateLimiter) activate() {
	if l.active {
		return
	}
	l.activation = time.Now()
	l.tokens = l.capacity
	l.active = true
}

// allow requests to take an action and returns whether the action can be
// taken given the configured limit. Once the window expires the limiter
// deactivates itself and the action is allowed.
func (l *rateLimiter) allow() bool {
	if !l.active {
		return true
	}
	if time.Since(l.activation) > l.period {
		l.active = false
		return true
	}
	l.tokens--
	return l.tokens >= 0
}
