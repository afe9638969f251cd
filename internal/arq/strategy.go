// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package arq

import (
	"fmt"
	"math"
)

// Strategy holds the parameters that drive arc resizing.
type Strategy struct {
	// MinCoverage is the redundancy every location should reach.
	MinCoverage float64

	// BufferPct is the fractional half-band an arc may move within
	// before it's requantized. It sets MinChunks and MaxChunks.
	BufferPct float64

	// CoverageTolerance is how far, as a fraction of MinCoverage, the
	// observed coverage may sit from the target before the arc moves.
	CoverageTolerance float64

	// MaxPowerDiff is how many powers an arc may differ from the median
	// power of the peers it sees before requantizing is suppressed.
	MaxPowerDiff uint8

	// SlackerRatio: if fewer peers cover my midpoint than
	// coverage*SlackerRatio, the neighborhood is slacking and I grow.
	SlackerRatio float64

	// MinDepthRatio is the floor, as a fraction of MinCoverage, for the
	// least covered location of the window. Below it the arc grows even
	// when the average is on target, and the arc never shrinks into it.
	MinDepthRatio float64
}

// DefaultStrategy is the strategy used by production nodes.
var DefaultStrategy = Strategy{
	MinCoverage:       50,
	BufferPct:         0.143,
	CoverageTolerance: 0.015,
	MaxPowerDiff:      2,
	SlackerRatio:      0.75,
	MinDepthRatio:     0.94,
}

// MinChunks is the smallest chunk count a non-empty arc keeps before it
// drops to a finer power.
func (s Strategy) MinChunks() uint32 {
	return uint32(math.Ceil(1/s.BufferPct)) + 1
}

// MaxChunks is the largest chunk count an arc keeps before it moves to a
// coarser power.
func (s Strategy) MaxChunks() uint32 {
	return 2*s.MinChunks() - 1
}

// Validate checks the strategy for sane values.
func (s Strategy) Validate() error {
	if s.MinCoverage <= 0 {
		return fmt.Errorf("MinCoverage must be positive")
	}
	if s.BufferPct <= 0 || s.BufferPct >= 0.5 {
		return fmt.Errorf("BufferPct must be in (0, 0.5)")
	}
	if s.CoverageTolerance < 0 || s.CoverageTolerance >= s.BufferPct {
		return fmt.Errorf("CoverageTolerance must be in [0, BufferPct)")
	}
	if s.SlackerRatio < 0 || s.SlackerRatio > 1 {
		return fmt.Errorf("SlackerRatio must be in [0, 1]")
	}
	if s.MinDepthRatio < 0 || s.MinDepthRatio > 1 {
		return fmt.Errorf("MinDepthRatio must be in [0, 1]")
	}
	return nil
}
