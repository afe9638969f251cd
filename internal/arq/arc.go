// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package arq

import (
	"fmt"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// RingSize is the number of locations on the ring.
const RingSize uint64 = 1 << 32

// Arc is a contiguous span of the location ring, possibly wrapping past
// the top. The zero Arc is empty.
type Arc struct {
	start core.Loc
	len   uint64
}

// EmptyArc returns an arc that covers nothing.
func EmptyArc() Arc {
	return Arc{}
}

// FullArc returns an arc that covers the whole ring.
func FullArc() Arc {
	return Arc{len: RingSize}
}

// Bounded returns the arc from 'start' to 'end', both inclusive. If end is
// before start the arc wraps.
func Bounded(start, end core.Loc) Arc {
	return Arc{start: start, len: uint64(uint32(end-start)) + 1}
}

// arcOf builds an arc from a start and a length, clamping the length to
// the ring.
func arcOf(start core.Loc, length uint64) Arc {
	if length == 0 {
		return Arc{}
	}
	if length >= RingSize {
		return FullArc()
	}
	return Arc{start: start, len: length}
}

// IsEmpty returns true if the arc covers nothing.
func (a Arc) IsEmpty() bool {
	return a.len == 0
}

// IsFull returns true if the arc covers the whole ring.
func (a Arc) IsFull() bool {
	return a.len >= RingSize
}

// Start returns the first location of a bounded arc. It's zero for empty
// and full arcs.
func (a Arc) Start() core.Loc {
	return a.start
}

// End returns the last location of the arc, inclusive.
func (a Arc) End() core.Loc {
	if a.IsEmpty() {
		return a.start
	}
	return a.start + core.Loc(uint32(a.len-1))
}

// Length returns the number of locations covered.
func (a Arc) Length() uint64 {
	return a.len
}

// Contains returns true if 'l' is inside the arc.
func (a Arc) Contains(l core.Loc) bool {
	if a.IsEmpty() {
		return false
	}
	if a.IsFull() {
		return true
	}
	return uint64(uint32(l-a.start)) < a.len
}

// Midpoint returns the location halfway along the arc.
func (a Arc) Midpoint() core.Loc {
	return a.start + core.Loc(uint32(a.len/2))
}

// span is a half open interval [lo, hi) of unwrapped ring positions.
type span struct {
	lo, hi uint64
}

// spans splits the arc into at most two non-wrapping intervals.
func (a Arc) spans() []span {
	switch {
	case a.IsEmpty():
		return nil
	case a.IsFull():
		return []span{{0, RingSize}}
	}
	lo := uint64(a.start)
	hi := lo + a.len
	if hi <= RingSize {
		return []span{{lo, hi}}
	}
	return []span{{lo, RingSize}, {0, hi - RingSize}}
}

// Ranges splits the arc into at most two inclusive location ranges that
// don't wrap, for range queries.
func (a Arc) Ranges() (out [][2]core.Loc) {
	for _, s := range a.spans() {
		out = append(out, [2]core.Loc{core.Loc(s.lo), core.Loc(s.hi - 1)})
	}
	return
}

// Overlap returns the number of locations covered by both arcs.
func (a Arc) Overlap(b Arc) uint64 {
	var total uint64
	for _, x := range a.spans() {
		for _, y := range b.spans() {
			lo, hi := max(x.lo, y.lo), min(x.hi, y.hi)
			if hi > lo {
				total += hi - lo
			}
		}
	}
	return total
}

// Overlaps returns true if the arcs share at least one location.
func (a Arc) Overlaps(b Arc) bool {
	return a.Overlap(b) > 0
}

// Intersection returns the parts of the ring covered by both arcs. Two
// bounded arcs can meet in two pieces, one at each end.
func (a Arc) Intersection(b Arc) []Arc {
	switch {
	case a.IsFull():
		if b.IsEmpty() {
			return nil
		}
		return []Arc{b}
	case b.IsFull():
		if a.IsEmpty() {
			return nil
		}
		return []Arc{a}
	}
	var out []Arc
	for _, x := range a.spans() {
		for _, y := range b.spans() {
			lo, hi := max(x.lo, y.lo), min(x.hi, y.hi)
			if hi > lo {
				out = append(out, Arc{start: core.Loc(uint32(lo)), len: hi - lo})
			}
		}
	}
	// Pieces that touch across the top of the ring are one arc.
	if len(out) == 2 && out[0].End()+1 == out[1].start && uint64(out[0].start)+out[0].len == RingSize {
		out = []Arc{{start: out[0].start, len: out[0].len + out[1].len}}
	} else if len(out) == 2 && out[1].End()+1 == out[0].start && uint64(out[1].start)+out[1].len == RingSize {
		out = []Arc{{start: out[1].start, len: out[0].len + out[1].len}}
	}
	return out
}

// relativeSpans returns the parts of 'b' inside 'a' as offsets from
// a.Start(), in [0, a.Length()).
func (a Arc) relativeSpans(b Arc) []span {
	var out []span
	for _, x := range a.spans() {
		for _, y := range b.spans() {
			lo, hi := max(x.lo, y.lo), min(x.hi, y.hi)
			if hi > lo {
				off := uint64(uint32(core.Loc(uint32(lo)) - a.start))
				out = append(out, span{off, off + hi - lo})
			}
		}
	}
	return out
}

func (a Arc) String() string {
	switch {
	case a.IsEmpty():
		return "arc(empty)"
	case a.IsFull():
		return "arc(full)"
	}
	return fmt.Sprintf("arc(%08x..%08x)", uint32(a.start), uint32(a.End()))
}
