// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package region

import (
	"context"
	"sort"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/agentdht/internal/arq"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/server"
)

var (
	generateOps  = server.NewOpMetric("region", "generate")
	reconcileOps = server.NewOpMetric("region", "reconcile")
)

// Topology is what two peers must agree on before their region sets can
// be compared: the time the telescoping slices run up to, and the space
// segments covered.
type Topology struct {
	_msgpack struct{} `msgpack:",as_array"`

	Now   core.Timestamp
	Space []arq.Segment
}

// TopologyFor returns the topology covering 'arqs' at 'now'. Segments finer
// than the space quantum are widened to it. Overlapping arqs share
// segments.
func TopologyFor(p GossipParams, now core.Timestamp, arqs ...arq.Arq) Topology {
	seen := make(map[arq.Segment]bool)
	var space []arq.Segment
	for _, q := range arqs {
		if q.Power < p.SpaceQuantumPower && !q.IsEmpty() {
			q, _ = q.Requantize(p.SpaceQuantumPower, true)
		}
		for _, s := range q.Segments() {
			if !seen[s] {
				seen[s] = true
				space = append(space, s)
			}
		}
	}
	sort.Slice(space, func(i, j int) bool {
		if space[i].Power != space[j].Power {
			return space[i].Power < space[j].Power
		}
		return space[i].Offset < space[j].Offset
	})
	return Topology{Now: now, Space: space}
}

// MaxPower returns the coarsest space power in the topology.
func (t Topology) MaxPower() (pw uint8) {
	for _, s := range t.Space {
		pw = max(pw, s.Power)
	}
	return
}

// Coords lists every region of the topology, ordered by space then time.
func (t Topology) Coords(p GossipParams) []Coords {
	times := TelescopingTimes(p, t.Now)
	out := make([]Coords, 0, len(t.Space)*len(times))
	for _, s := range t.Space {
		for _, tm := range times {
			out = append(out, Coords{Space: s, Time: tm})
		}
	}
	return out
}

// Equal returns true if the topologies are the same.
func (t Topology) Equal(o Topology) bool {
	if t.Now != o.Now || len(t.Space) != len(o.Space) {
		return false
	}
	for i := range t.Space {
		if t.Space[i] != o.Space[i] {
			return false
		}
	}
	return true
}

// Rectify picks the topology two peers should both use. The newer view
// wins; at equal times the finer one does, then the one with fewer
// segments. Views too far apart in time or space power can't be rectified
// and return ErrIncompatible.
func Rectify(p GossipParams, mine, theirs Topology) (Topology, error) {
	dq := int64(p.TimeQuantumOf(mine.Now)) - int64(p.TimeQuantumOf(theirs.Now))
	if dq < 0 {
		dq = -dq
	}
	if dq > int64(p.MaxTimeOffset) {
		return Topology{}, core.ErrIncompatible.Errorf("time views %d quanta apart", dq)
	}
	dp := int(mine.MaxPower()) - int(theirs.MaxPower())
	if dp < 0 {
		dp = -dp
	}
	if dp > int(p.MaxSpacePowerOffset) {
		return Topology{}, core.ErrIncompatible.Errorf("space powers %d apart", dp)
	}

	switch {
	case mine.Now != theirs.Now:
		if theirs.Now > mine.Now {
			return theirs, nil
		}
		return mine, nil
	case mine.MaxPower() != theirs.MaxPower():
		if theirs.MaxPower() < mine.MaxPower() {
			return theirs, nil
		}
		return mine, nil
	case len(theirs.Space) < len(mine.Space):
		return theirs, nil
	}
	return mine, nil
}

// Set is a topology together with the aggregate of every region in it,
// in Topology.Coords order.
type Set struct {
	_msgpack struct{} `msgpack:",as_array"`

	Topology Topology
	Data     []Data
}

// Generate builds the region set of 'src' over 't'.
func Generate(ctx context.Context, p GossipParams, src Source, t Topology) (set *Set, err error) {
	op := generateOps.Start()
	defer func() { op.EndWithError(err) }()

	coords := t.Coords(p)
	set = &Set{Topology: t, Data: make([]Data, len(coords))}
	for i, c := range coords {
		ops, err := src.OpsIn(ctx, p, c)
		if err != nil {
			return nil, err
		}
		set.Data[i] = DataOf(ops)
	}
	log.V(3).Infof("region: generated %d regions over %d segments", len(coords), len(t.Space))
	return set, nil
}

// Diff returns the regions whose aggregates differ between two sets over
// the same topology. Sets over different topologies return ErrIncompatible;
// rectify and regenerate first.
func Diff(p GossipParams, mine, theirs *Set) ([]Coords, error) {
	if !mine.Topology.Equal(theirs.Topology) {
		return nil, core.ErrIncompatible.Errorf("region sets over different topologies")
	}
	if len(mine.Data) != len(theirs.Data) {
		return nil, core.ErrCorruptData.Errorf("region set has %d regions, want %d", len(theirs.Data), len(mine.Data))
	}
	coords := mine.Topology.Coords(p)
	if len(coords) != len(mine.Data) {
		return nil, core.ErrCorruptData.Errorf("region set has %d regions, topology has %d", len(mine.Data), len(coords))
	}
	var out []Coords
	for i, c := range coords {
		if !mine.Data[i].Equal(theirs.Data[i]) {
			out = append(out, c)
		}
	}
	return out, nil
}
