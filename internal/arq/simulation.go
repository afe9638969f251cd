// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package arq

import (
	"sort"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// Simulation runs every peer of a closed network through resize epochs.
// Each peer sees the current arcs of all the others.
type Simulation struct {
	Strategy Strategy
	Peers    []Arq
}

// Epoch resizes each peer once, in order, so later peers already see the
// new arcs of earlier ones. It returns how many peers changed.
func (sim *Simulation) Epoch() int {
	changed := 0
	others := make([]Arq, 0, len(sim.Peers))
	for i := range sim.Peers {
		others = sim.others(others[:0], i)
		d := View(sim.Strategy, sim.Peers[i], others)
		if q, ok := Resize(sim.Strategy, sim.Peers[i], d); ok {
			sim.Peers[i] = q
			changed++
		}
	}
	return changed
}

// Run runs up to 'epochs' epochs, stopping early once nothing moves. It
// returns the number of epochs run.
func (sim *Simulation) Run(epochs int) int {
	for i := 0; i < epochs; i++ {
		if sim.Epoch() == 0 {
			return i + 1
		}
	}
	return epochs
}

// Redundancy returns how many arcs cover each of 'samples' locations spread
// evenly around the ring.
func (sim *Simulation) Redundancy(samples int) []float64 {
	arcs := make([]Arc, len(sim.Peers))
	for i, q := range sim.Peers {
		arcs[i] = q.ToArc()
	}
	out := make([]float64, samples)
	step := RingSize / uint64(samples)
	for k := range out {
		loc := core.Loc(uint32(uint64(k) * step))
		for _, a := range arcs {
			if a.Contains(loc) {
				out[k]++
			}
		}
	}
	return out
}

// ObservedCoverage returns the average coverage each peer sees across its
// own window.
func (sim *Simulation) ObservedCoverage() []float64 {
	out := make([]float64, len(sim.Peers))
	others := make([]Arq, 0, len(sim.Peers))
	for i := range sim.Peers {
		others = sim.others(others[:0], i)
		out[i] = View(sim.Strategy, sim.Peers[i], others).Coverage
	}
	return out
}

func (sim *Simulation) others(buf []Arq, skip int) []Arq {
	buf = append(buf, sim.Peers[:skip]...)
	return append(buf, sim.Peers[skip+1:]...)
}

// Median returns the median of 'xs', averaging the middle pair for even
// lengths.
func Median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
