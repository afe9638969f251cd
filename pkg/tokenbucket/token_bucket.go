// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package tokenbucket limits the rate of something, such as bytes sent to
// peers.
package tokenbucket

import (
	"context"
	"sync"
	"time"
)

// TokenBucket holds up to 'capacity' tokens and gains 'rate' tokens a
// second. Taking more than it holds leaves it in debt, and the taker waits
// for the debt to be paid off. Safe for concurrent use.
type TokenBucket struct {
	lock     sync.Mutex
	rate     float64
	capacity float64
	balance  float64
	last     time.Time
}

// New returns a full bucket.
func New(rate, capacity float64) *TokenBucket {
	return &TokenBucket{rate: rate, capacity: capacity, balance: capacity, last: time.Now()}
}

// refill must be called with the lock held.
func (tb *TokenBucket) refill(now time.Time) {
	if now.After(tb.last) {
		tb.balance += tb.rate * now.Sub(tb.last).Seconds()
		tb.last = now
	}
	if tb.balance > tb.capacity {
		tb.balance = tb.capacity
	}
}

// Reserve takes 'n' tokens as of 'now', going into debt if needed, and
// returns how long until the balance is back to zero. Zero or less means
// the tokens were there.
func (tb *TokenBucket) Reserve(n float64, now time.Time) time.Duration {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	tb.refill(now)
	tb.balance -= n
	if tb.balance >= 0 || tb.rate <= 0 {
		return 0
	}
	return time.Duration(-tb.balance / tb.rate * float64(time.Second))
}

// TryTake takes 'n' tokens as of 'now' only if the bucket holds them.
func (tb *TokenBucket) TryTake(n float64, now time.Time) bool {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	tb.refill(now)
	if tb.balance < n {
		return false
	}
	tb.balance -= n
	return true
}

// Available returns the balance as of 'now'. It is negative while in debt.
func (tb *TokenBucket) Available(now time.Time) float64 {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	tb.refill(now)
	return tb.balance
}

// Wait takes 'n' tokens and waits out any debt or until 'ctx' is done. The
// tokens stay taken either way.
func (tb *TokenBucket) Wait(ctx context.Context, n float64) error {
	d := tb.Reserve(n, time.Now())
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetRate changes the rate and capacity. Tokens gained so far are kept up
// to the new capacity.
func (tb *TokenBucket) SetRate(rate, capacity float64) {
	tb.lock.Lock()
	tb.refill(time.Now())
	tb.rate, tb.capacity = rate, capacity
	if tb.balance > capacity {
		tb.balance = capacity
	}
	tb.lock.Unlock()
}
