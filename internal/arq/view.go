// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package arq

import (
	"math"
	"sort"
)

// Density is what a peer can tell about coverage around its own arc.
type Density struct {
	// Coverage is the average number of arcs, mine included, covering a
	// location inside the filter window.
	Coverage float64

	// MinDepth is the number of arcs, mine included, covering the least
	// covered location of the filter window.
	MinDepth int

	// Gap is the longest run of the filter window that no other peer
	// covers.
	Gap uint64

	// PeerCount is the number of arcs, mine included, that contain the
	// midpoint of the filter window.
	PeerCount int

	// Overlapping is the number of other peers whose arcs meet the window.
	Overlapping int

	// MedianPower is the lower median power of the overlapping peers, or
	// my own power if there are none.
	MedianPower uint8
}

// View measures the density around 'me' given the arcs of the peers it
// knows about. The filter window is my own arc, or MinChunks chunks at my
// power if my arc is empty. 'peers' must not include 'me'.
func View(s Strategy, me Arq, peers []Arq) Density {
	filter := me.ToArc()
	var d Density
	if me.IsEmpty() {
		filter = Arq{Center: me.Center, Power: me.Power, Count: s.MinChunks()}.canonical().ToArc()
	} else {
		d.Coverage = 1
		d.PeerCount = 1
	}
	width := float64(filter.Length())
	mid := filter.Midpoint()

	var covered []span
	var powers []int
	for _, p := range peers {
		a := p.ToArc()
		if rel := filter.relativeSpans(a); len(rel) > 0 {
			var ov uint64
			for _, r := range rel {
				ov += r.hi - r.lo
			}
			d.Coverage += float64(ov) / width
			covered = append(covered, rel...)
			powers = append(powers, int(p.Power))
		}
		if a.Contains(mid) {
			d.PeerCount++
		}
	}
	d.Overlapping = len(powers)
	d.Gap = largestGap(filter.Length(), covered)
	d.MinDepth = minDepth(filter.Length(), covered)
	if !me.IsEmpty() {
		d.MinDepth++
	}

	if len(powers) == 0 {
		d.MedianPower = me.Power
	} else {
		sort.Ints(powers)
		d.MedianPower = uint8(powers[(len(powers)-1)/2])
	}
	return d
}

// largestGap returns the longest stretch of [0, length) not covered by any
// of 'spans'.
func largestGap(length uint64, spans []span) uint64 {
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].lo != spans[j].lo {
			return spans[i].lo < spans[j].lo
		}
		return spans[i].hi < spans[j].hi
	})
	var gap, cur uint64
	for _, s := range spans {
		if s.lo > cur {
			gap = max(gap, s.lo-cur)
		}
		cur = max(cur, s.hi)
	}
	if length > cur {
		gap = max(gap, length-cur)
	}
	return gap
}

// minDepth returns how many of 'spans' cover the least covered location of
// [0, length).
func minDepth(length uint64, spans []span) int {
	type edge struct {
		at    uint64
		delta int
	}
	edges := make([]edge, 0, 2*len(spans))
	for _, s := range spans {
		edges = append(edges, edge{s.lo, 1}, edge{s.hi, -1})
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].at < edges[j].at })

	depth, least := 0, math.MaxInt
	var pos uint64
	for i := 0; ; {
		for i < len(edges) && edges[i].at == pos {
			depth += edges[i].delta
			i++
		}
		next := length
		if i < len(edges) && edges[i].at < length {
			next = edges[i].at
		}
		if next > pos {
			least = min(least, depth)
		}
		if next >= length {
			return least
		}
		pos = next
	}
}
