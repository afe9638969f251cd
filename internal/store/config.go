// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package store

import (
	"fmt"
	"time"
)

// Synchronous is the sqlite "synchronous" pragma.
type Synchronous string

// Accepted values of Synchronous.
const (
	SyncOff    Synchronous = "OFF"
	SyncNormal Synchronous = "NORMAL"
	SyncFull   Synchronous = "FULL"
)

// Config encapsulates parameters for a database.
type Config struct {
	Synchronous Synchronous // How hard sqlite tries to get writes on disk.

	// If set, blob columns are encrypted with a key derived from this.
	Passphrase string `json:"-"`

	// --- Readers ---
	ReaderPermits        int           // How many read transactions may be open at once.
	ReaderAcquireTimeout time.Duration // How long to wait for a reader permit.

	// Blobs larger than this are snappy compressed.
	CompressThreshold int

	// Number of pages sqlite keeps in memory per connection. Negative values
	// are in KiB.
	CacheSize int
}

// Validate validates the configuration object has reasonable(not obviously
// wrong) values.
func (c Config) Validate() error {
	switch c.Synchronous {
	case SyncOff, SyncNormal, SyncFull:
	default:
		return fmt.Errorf("unknown synchronous mode %q", c.Synchronous)
	}
	if c.ReaderPermits < 1 {
		return fmt.Errorf("ReaderPermits must be positive")
	}
	if c.ReaderAcquireTimeout <= 0 {
		return fmt.Errorf("ReaderAcquireTimeout must be positive")
	}
	return nil
}

// DefaultProdConfig specifies the default values for Config that is used for
// production.
var DefaultProdConfig = Config{
	Synchronous:          SyncNormal,
	ReaderPermits:        8,
	ReaderAcquireTimeout: 30 * time.Second,
	CompressThreshold:    1024,
	CacheSize:            -16384,
}

// DefaultTestConfig specifies the default values for Config that is used for
// testing.
var DefaultTestConfig = Config{
	Synchronous:          SyncOff,
	ReaderPermits:        4,
	ReaderAcquireTimeout: 2 * time.Second,
	CompressThreshold:    1024,
	CacheSize:            -2048,
}
