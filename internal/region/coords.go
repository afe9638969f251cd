// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package region

import (
	"fmt"

	"github.com/westerndigitalcorporation/agentdht/internal/arq"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// TimeSegment is the span of 2^Power time quanta starting at quantum
// Offset<<Power.
type TimeSegment struct {
	_msgpack struct{} `msgpack:",as_array"`

	Power  uint8
	Offset uint32
}

// Quanta returns the first quantum and the number of quanta in the segment.
func (t TimeSegment) Quanta() (first, n uint64) {
	n = 1 << t.Power
	return uint64(t.Offset) * n, n
}

// Bounds returns the authored time range of the segment, [from, to).
func (t TimeSegment) Bounds(p GossipParams) (from, to core.Timestamp) {
	first, n := t.Quanta()
	q := p.quantumMicros()
	from = p.Origin + core.Timestamp(int64(first)*q)
	to = from + core.Timestamp(int64(n)*q)
	if first == 0 {
		// Quantum zero also holds everything before the origin.
		from = core.Timestamp(-1 << 63)
	}
	return
}

func (t TimeSegment) halves() (TimeSegment, TimeSegment, bool) {
	if t.Power == 0 {
		return t, t, false
	}
	return TimeSegment{Power: t.Power - 1, Offset: t.Offset * 2},
		TimeSegment{Power: t.Power - 1, Offset: t.Offset*2 + 1}, true
}

// TelescopingTimes splits the quanta from the origin up to and including
// the one holding 'now' into aligned segments. The newest segment is one
// quantum; going into the past each power appears once or twice before it
// doubles. Segments are returned oldest first.
func TelescopingTimes(p GossipParams, now core.Timestamp) []TimeSegment {
	pos := uint64(p.TimeQuantumOf(now)) + 1
	var power uint8
	var atPower int
	var out []TimeSegment
	for pos > 0 {
		if atPower > 0 && pos%(2<<power) == 0 {
			power++
			atPower = 0
		}
		w := uint64(1) << power
		pos -= w
		out = append(out, TimeSegment{Power: power, Offset: uint32(pos >> power)})
		atPower++
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Coords locate a region: a space segment by a time segment.
type Coords struct {
	_msgpack struct{} `msgpack:",as_array"`

	Space arq.Segment
	Time  TimeSegment
}

// Contains returns true if an op at 'loc' authored at 'ts' is in the
// region.
func (c Coords) Contains(p GossipParams, loc core.Loc, ts core.Timestamp) bool {
	from, to := c.Time.Bounds(p)
	return c.Space.Arc().Contains(loc) && ts >= from && ts < to
}

// Quantize returns the leaf region holding an op at 'loc' authored at 'ts'.
func Quantize(p GossipParams, loc core.Loc, ts core.Timestamp) Coords {
	return Coords{
		Space: arq.Segment{Power: p.SpaceQuantumPower, Offset: uint32(uint64(loc) >> p.SpaceQuantumPower)},
		Time:  TimeSegment{Offset: p.TimeQuantumOf(ts)},
	}
}

// IsLeaf returns true if the region is a single time quantum by a single
// space quantum.
func (c Coords) IsLeaf(p GossipParams) bool {
	return c.Time.Power == 0 && c.Space.Power <= p.SpaceQuantumPower
}

// Subdivide splits the region in two, time first and then space. A leaf
// doesn't split and returns nil.
func (c Coords) Subdivide(p GossipParams) []Coords {
	if a, b, ok := c.Time.halves(); ok {
		return []Coords{{Space: c.Space, Time: a}, {Space: c.Space, Time: b}}
	}
	if c.Space.Power > p.SpaceQuantumPower {
		pw := c.Space.Power - 1
		lo := arq.Segment{Power: pw, Offset: c.Space.Offset * 2}
		hi := arq.Segment{Power: pw, Offset: c.Space.Offset*2 + 1}
		return []Coords{{Space: lo, Time: c.Time}, {Space: hi, Time: c.Time}}
	}
	return nil
}

// less orders coords by space, then time.
func (c Coords) less(o Coords) bool {
	if c.Space.Power != o.Space.Power {
		return c.Space.Power < o.Space.Power
	}
	if c.Space.Offset != o.Space.Offset {
		return c.Space.Offset < o.Space.Offset
	}
	if c.Time.Power != o.Time.Power {
		return c.Time.Power < o.Time.Power
	}
	return c.Time.Offset < o.Time.Offset
}

func (c Coords) String() string {
	return fmt.Sprintf("region(s=%d/%x t=%d/%x)", c.Space.Power, c.Space.Offset, c.Time.Power, c.Time.Offset)
}
