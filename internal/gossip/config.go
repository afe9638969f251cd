// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package gossip

import (
	"fmt"
	"time"

	"github.com/westerndigitalcorporation/agentdht/internal/region"
)

// Config holds the gossip tunables.
type Config struct {
	// Params fix the region quantization shared by every peer of a space.
	Params region.GossipParams

	// RecentThreshold splits recent ops, gossiped with blooms, from
	// historical ones, gossiped with region sets.
	RecentThreshold time.Duration

	// Interval is the time between rounds we start.
	Interval time.Duration

	// HistoricalEvery says how many recent rounds go by per historical round.
	HistoricalEvery int

	// RoundTimeout is how long round state is kept for a remote peer.
	RoundTimeout time.Duration

	// MaxConcurrentRounds bounds the rounds in flight, in each direction.
	// Peers asking for more get a Busy reply.
	MaxConcurrentRounds int

	// PeersPerRound is how many peers we start rounds with per Interval.
	PeersPerRound int

	// FalsePositiveRate is the target for bloom filters.
	FalsePositiveRate float64

	// OutboundBytesPerSec limits what we send. Zero means no limit.
	OutboundBytesPerSec int

	// MaxLeaves bounds the leaf regions a historical round reconciles.
	MaxLeaves int
}

// DefaultProdConfig is the production config.
var DefaultProdConfig = Config{
	Params:              region.DefaultGossipParams,
	RecentThreshold:     time.Hour,
	Interval:            time.Minute,
	HistoricalEvery:     10,
	RoundTimeout:        time.Minute,
	MaxConcurrentRounds: 8,
	PeersPerRound:       3,
	FalsePositiveRate:   0.01,
	OutboundBytesPerSec: 8 << 20,
	MaxLeaves:           1000,
}

// DefaultTestConfig is the config used by tests.
var DefaultTestConfig = Config{
	Params: region.GossipParams{
		TimeQuantum:         time.Minute,
		SpaceQuantumPower:   12,
		MaxSpacePowerOffset: 4,
		MaxTimeOffset:       10,
	},
	RecentThreshold:     time.Hour,
	Interval:            50 * time.Millisecond,
	HistoricalEvery:     2,
	RoundTimeout:        5 * time.Second,
	MaxConcurrentRounds: 4,
	PeersPerRound:       2,
	FalsePositiveRate:   0.01,
	MaxLeaves:           100,
}

// Validate checks the config.
func (c Config) Validate() error {
	if err := c.Params.Validate(); err != nil {
		return err
	}
	if c.RecentThreshold <= 0 || c.Interval <= 0 || c.RoundTimeout <= 0 {
		return fmt.Errorf("RecentThreshold, Interval and RoundTimeout must be positive")
	}
	if c.MaxConcurrentRounds < 1 || c.PeersPerRound < 1 || c.HistoricalEvery < 1 {
		return fmt.Errorf("MaxConcurrentRounds, PeersPerRound and HistoricalEvery must be at least 1")
	}
	if c.FalsePositiveRate <= 0 || c.FalsePositiveRate >= 1 {
		return fmt.Errorf("FalsePositiveRate %v not in (0, 1)", c.FalsePositiveRate)
	}
	if c.OutboundBytesPerSec < 0 {
		return fmt.Errorf("OutboundBytesPerSec must not be negative")
	}
	return nil
}
