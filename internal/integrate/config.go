// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package integrate

import (
	"fmt"
	"time"
)

// Config holds the validation workflow parameters.
type Config struct {
	// BatchSize is the most ops one stage handles in one pass.
	BatchSize int

	// MaxValidationAttempts is how many times an op may park on a missing
	// dependency before it's abandoned.
	MaxValidationAttempts int

	// RetryInterval is how often parked ops are given another try.
	RetryInterval time.Duration
}

// DefaultProdConfig is the production config.
var DefaultProdConfig = Config{
	BatchSize:             200,
	MaxValidationAttempts: 20,
	RetryInterval:         30 * time.Second,
}

// DefaultTestConfig is the config used by tests.
var DefaultTestConfig = Config{
	BatchSize:             10,
	MaxValidationAttempts: 3,
	RetryInterval:         50 * time.Millisecond,
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.BatchSize <= 0 || c.MaxValidationAttempts <= 0 {
		return fmt.Errorf("BatchSize and MaxValidationAttempts must be positive")
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("RetryInterval must be positive")
	}
	return nil
}
