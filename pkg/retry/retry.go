// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package retry has backoff helpers for talking to flaky peers.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Backoff returns the wait after 'failures' failures in a row. It starts at
// 'min', doubles per failure and stops at 'max'. Zero failures, zero wait.
func Backoff(min, max time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := min
	for i := 1; i < failures && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

// Jitter returns 'd' moved by up to 'frac' of itself either way.
func Jitter(d time.Duration, frac float64) time.Duration {
	if d <= 0 || frac <= 0 {
		return d
	}
	return d + time.Duration((2*rand.Float64()-1)*frac*float64(d))
}

// Retrier runs a task until it succeeds, with jittered exponential backoff
// between tries.
type Retrier struct {
	MinSleep time.Duration // First sleep.
	MaxSleep time.Duration // Longest sleep.

	// Attempts bounds the number of tries if positive.
	Attempts int

	// Budget bounds the total time if positive. A try is not started if
	// the sleep before it would go over.
	Budget time.Duration
}

// Do runs 'task' until it returns nil. It gives up when the retrier's
// bounds are hit, returning the last error, or when 'ctx' is done,
// returning the context's error.
func (r Retrier) Do(ctx context.Context, task func(attempt int) error) error {
	sleep, max := r.MinSleep, r.MaxSleep
	if max < sleep {
		max = sleep
	}
	start := time.Now()
	var err error
	for i := 0; ; i++ {
		if err = task(i); err == nil {
			return nil
		}
		if r.Attempts > 0 && i+1 >= r.Attempts {
			return fmt.Errorf("gave up after %d tries: %w", i+1, err)
		}
		if r.Budget > 0 && time.Since(start)+sleep > r.Budget {
			return fmt.Errorf("gave up after %s: %w", time.Since(start).Round(time.Millisecond), err)
		}
		t := time.NewTimer(Jitter(sleep, 0.25))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
		if sleep *= 2; sleep > max {
			sleep = max
		}
	}
}
