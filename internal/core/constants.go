// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"time"
)

// Global constants that several components need to agree on are defined here.
// If a constant is only needed for single component, probably it should not be
// placed here.
const (
	// SignatureLen is the length of an Ed25519 signature.
	SignatureLen = 64

	// MaxLinkTagLen is the largest link tag we accept.
	MaxLinkTagLen = 400

	// MaxEntrySize is the largest app entry payload we accept.
	MaxEntrySize = 4 << 20

	// GenesisLen is the number of actions that make up genesis.
	GenesisLen = 3

	// DefaultOpTimeout bounds public operations that aren't given a deadline.
	DefaultOpTimeout = 30 * time.Second
)

// Signature is an Ed25519 signature.
type Signature [SignatureLen]byte

// IsZero returns true for the unset signature.
func (s Signature) IsZero() bool {
	return s == Signature{}
}

// Timestamp is microseconds since the UNIX epoch.
type Timestamp int64

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return TimestampFromTime(time.Now())
}

// TimestampFromTime converts a time.Time.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixNano() / int64(time.Microsecond))
}

// Time converts back to a time.Time.
func (t Timestamp) Time() time.Time {
	return time.Unix(0, int64(t)*int64(time.Microsecond))
}

// Add adds a duration, truncated to microseconds.
func (t Timestamp) Add(d time.Duration) Timestamp {
	return t + Timestamp(d/time.Microsecond)
}

// Sub returns the duration between two timestamps.
func (t Timestamp) Sub(o Timestamp) time.Duration {
	return time.Duration(t-o) * time.Microsecond
}

func (t Timestamp) String() string {
	return t.Time().UTC().Format("2006-01-02T15:04:05.000000Z")
}

// MaxTimestamp returns the later of two timestamps.
func MaxTimestamp(a, b Timestamp) Timestamp {
	if a > b {
		return a
	}
	return b
}
