// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package region

import (
	"fmt"
	"time"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// GossipParams fix the quantization of time and space that two peers must
// share to compare regions.
type GossipParams struct {
	// Origin is the start of time quantum zero. Ops authored earlier fall
	// into quantum zero.
	Origin core.Timestamp

	// TimeQuantum is the width of the smallest time slice.
	TimeQuantum time.Duration

	// SpaceQuantumPower is the power of the smallest space slice.
	SpaceQuantumPower uint8

	// MaxSpacePowerOffset is how far apart two topologies' powers may be
	// and still be rectified.
	MaxSpacePowerOffset uint8

	// MaxTimeOffset is how many time quanta two topologies' times may be
	// apart and still be rectified.
	MaxTimeOffset uint32
}

// DefaultGossipParams are the parameters used by production nodes.
var DefaultGossipParams = GossipParams{
	TimeQuantum:         5 * time.Minute,
	SpaceQuantumPower:   12,
	MaxSpacePowerOffset: 4,
	MaxTimeOffset:       10,
}

// Validate checks the params for sane values.
func (p GossipParams) Validate() error {
	if p.TimeQuantum < time.Millisecond {
		return fmt.Errorf("TimeQuantum %s too small", p.TimeQuantum)
	}
	if p.SpaceQuantumPower > 32 {
		return fmt.Errorf("SpaceQuantumPower %d too big", p.SpaceQuantumPower)
	}
	return nil
}

func (p GossipParams) quantumMicros() int64 {
	return int64(p.TimeQuantum / time.Microsecond)
}

// TimeQuantumOf returns the time quantum holding 'ts'.
func (p GossipParams) TimeQuantumOf(ts core.Timestamp) uint32 {
	if ts <= p.Origin {
		return 0
	}
	return uint32(int64(ts-p.Origin) / p.quantumMicros())
}
