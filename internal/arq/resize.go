// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package arq

import (
	"math"
)

// Resize moves 'q' one step toward the target coverage given the density
// it observed. It grows when the window is under-covered on average, has a
// gap or a location below the depth floor, or when the neighborhood is
// slacking. It shrinks when the window is over-covered and losing one arc
// keeps every location above the floor. Close to the target it moves one chunk at a time, further
// away it scales the count toward the target, at most doubling or halving.
// The result stays within [MinChunks, MaxChunks] by requantizing, unless
// that would put its power more than MaxPowerDiff away from the median.
//
// The outcome depends only on its arguments. It returns false if the arq
// is unchanged.
func Resize(s Strategy, q Arq, d Density) (Arq, bool) {
	target := s.MinCoverage
	floor := target * s.MinDepthRatio
	grow := d.Coverage < target*(1-s.CoverageTolerance) ||
		d.Gap > 0 ||
		float64(d.MinDepth) < floor ||
		float64(d.PeerCount) < d.Coverage*s.SlackerRatio
	shrink := !grow && d.Coverage > target*(1+s.CoverageTolerance) &&
		float64(d.MinDepth-1) >= floor
	if !grow && !shrink {
		return q, false
	}

	minc, maxc := int64(s.MinChunks()), int64(s.MaxChunks())
	cur := q.unfull(uint32(minc))
	n := int64(cur.Count)

	ratio := 2.0
	if d.Coverage > 0 {
		ratio = target / d.Coverage
	}
	near := math.Abs(1-ratio) < s.BufferPct

	var want int64
	switch {
	case grow && n == 0:
		want = minc
	case grow && near:
		want = n + 1
	case grow:
		want = min(2*n, max(n+1, int64(math.Ceil(float64(n)*ratio))))
	case near:
		want = n - 1
	default:
		want = max(n/2, min(n-1, int64(math.Floor(float64(n)*ratio))))
	}
	if !grow {
		want = max(want, 1)
	}

	// Requantize, but never stray too far from the median power.
	p := int(cur.Power)
	med, diff := int(d.MedianPower), int(s.MaxPowerDiff)
	for want > maxc && p < MaxPower && p+1 <= med+diff {
		p++
		if grow {
			want = (want + 1) / 2
		} else {
			want /= 2
		}
	}
	if want > maxc && uint64(want)<<p < RingSize {
		want = maxc
	}
	for want < minc && p > 0 && p-1 >= med-diff {
		p--
		want *= 2
	}

	out := Arq{Center: q.Center, Power: uint8(p), Count: uint32(want)}.canonical()
	return out, out != q
}
