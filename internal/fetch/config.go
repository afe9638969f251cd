// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package fetch

import (
	"fmt"
	"time"
)

// Config holds the fetch pool and worker parameters.
type Config struct {
	// MaxItems is the high-water mark. Pushes of new keys above it are
	// refused.
	MaxItems int

	// TTL is how long an item may stay in the pool before it's dropped.
	TTL time.Duration

	// RetryInterval is how long an attempted item waits before it's handed
	// out again.
	RetryInterval time.Duration

	// AgeBoost is how long an item must wait to outrank one attempt.
	AgeBoost time.Duration

	// MinSourceBackoff and MaxSourceBackoff bound how long a failing source
	// is skipped.
	MinSourceBackoff time.Duration
	MaxSourceBackoff time.Duration

	// RequestTimeout bounds one fetch request.
	RequestTimeout time.Duration

	// BatchSize is the most op hashes asked of one source in one request.
	BatchSize int

	// Parallelism is how many requests the worker keeps in flight.
	Parallelism int

	// Idle is how long the worker sleeps when there's nothing to do.
	Idle time.Duration
}

// DefaultProdConfig is the production config.
var DefaultProdConfig = Config{
	MaxItems:         100000,
	TTL:              time.Hour,
	RetryInterval:    30 * time.Second,
	AgeBoost:         time.Minute,
	MinSourceBackoff: 5 * time.Second,
	MaxSourceBackoff: 5 * time.Minute,
	RequestTimeout:   30 * time.Second,
	BatchSize:        100,
	Parallelism:      8,
	Idle:             time.Second,
}

// DefaultTestConfig is the config used by tests.
var DefaultTestConfig = Config{
	MaxItems:         100,
	TTL:              time.Minute,
	RetryInterval:    100 * time.Millisecond,
	AgeBoost:         time.Second,
	MinSourceBackoff: 50 * time.Millisecond,
	MaxSourceBackoff: time.Second,
	RequestTimeout:   time.Second,
	BatchSize:        10,
	Parallelism:      2,
	Idle:             10 * time.Millisecond,
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.MaxItems <= 0 || c.BatchSize <= 0 || c.Parallelism <= 0 {
		return fmt.Errorf("MaxItems, BatchSize and Parallelism must be positive")
	}
	if c.TTL <= 0 || c.RequestTimeout <= 0 || c.AgeBoost <= 0 || c.Idle <= 0 {
		return fmt.Errorf("TTL, RequestTimeout, AgeBoost and Idle must be positive")
	}
	if c.MinSourceBackoff <= 0 || c.MaxSourceBackoff < c.MinSourceBackoff {
		return fmt.Errorf("bad source backoff range [%s, %s]", c.MinSourceBackoff, c.MaxSourceBackoff)
	}
	return nil
}
