// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package bootstrap

import (
	"fmt"
	"time"
)

// Config holds the bootstrap tunables.
type Config struct {
	// URL is the bootstrap service. Empty disables bootstrapping.
	URL string

	// HTTPTimeout bounds each request.
	HTTPTimeout time.Duration

	// Interval is how often we upload our agent infos, give or take Jitter.
	Interval time.Duration
	Jitter   time.Duration

	// RetryMin and RetryMax bound the backoff between failed uploads;
	// RetryAttempts is how many tries one upload gets.
	RetryMin      time.Duration
	RetryMax      time.Duration
	RetryAttempts int

	// RandomLimit is how many peers we ask for at startup.
	RandomLimit int
}

// DefaultProdConfig is the production config.
var DefaultProdConfig = Config{
	HTTPTimeout:   10 * time.Second,
	Interval:      5 * time.Minute,
	Jitter:        30 * time.Second,
	RetryMin:      time.Second,
	RetryMax:      time.Minute,
	RetryAttempts: 5,
	RandomLimit:   32,
}

// DefaultTestConfig is the config used by tests.
var DefaultTestConfig = Config{
	HTTPTimeout:   time.Second,
	Interval:      100 * time.Millisecond,
	Jitter:        10 * time.Millisecond,
	RetryMin:      time.Millisecond,
	RetryMax:      10 * time.Millisecond,
	RetryAttempts: 3,
	RandomLimit:   8,
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("Interval must be positive")
	}
	if c.Jitter < 0 || c.Jitter >= c.Interval {
		return fmt.Errorf("Jitter must be in [0, Interval)")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("RetryAttempts must be at least 1")
	}
	if c.RandomLimit < 1 {
		return fmt.Errorf("RandomLimit must be at least 1")
	}
	return nil
}
