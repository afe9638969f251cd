// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package arq

import (
	"fmt"
	"math/bits"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// MaxPower is the power of a chunk as wide as the ring.
const MaxPower = 32

// Arq is an arc in quantized form: Count chunks of width 2^Power laid out
// around Center. A full arq has Power 32 and Count 1; an empty one has
// Count 0.
type Arq struct {
	_msgpack struct{} `msgpack:",as_array"`

	Center core.Loc
	Power  uint8
	Count  uint32
}

// NewArq returns the arq with the given center, power and count, made
// canonical.
func NewArq(center core.Loc, power uint8, count uint32) Arq {
	return Arq{Center: center, Power: power, Count: count}.canonical()
}

// FullArq returns an arq covering the whole ring.
func FullArq(center core.Loc) Arq {
	return Arq{Center: center, Power: MaxPower, Count: 1}
}

// EmptyArq returns an arq covering nothing, keeping 'power' as the grain to
// grow from.
func EmptyArq(center core.Loc, power uint8) Arq {
	return Arq{Center: center, Power: power}
}

func (q Arq) canonical() Arq {
	if q.Power > MaxPower {
		q.Power = MaxPower
	}
	if q.Count > 0 && q.length() >= RingSize {
		return FullArq(q.Center)
	}
	return q
}

// ChunkWidth returns the width of one chunk.
func (q Arq) ChunkWidth() uint64 {
	return 1 << q.Power
}

func (q Arq) length() uint64 {
	return uint64(q.Count) << q.Power
}

// IsFull returns true if the arq covers the whole ring.
func (q Arq) IsFull() bool {
	return q.Count > 0 && q.length() >= RingSize
}

// IsEmpty returns true if the arq covers nothing.
func (q Arq) IsEmpty() bool {
	return q.Count == 0
}

// start is the first location: the chunk holding the center, moved back by
// half the count.
func (q Arq) start() core.Loc {
	if q.Power >= MaxPower {
		return 0
	}
	aligned := (uint32(q.Center) >> q.Power) << q.Power
	back := uint32(uint64(q.Count/2) << q.Power)
	return core.Loc(aligned - back)
}

// ToArc returns the span of the ring the arq covers.
func (q Arq) ToArc() Arc {
	if q.Count == 0 {
		return EmptyArc()
	}
	return arcOf(q.start(), q.length())
}

// FromArc approximates 'a' with the finest arq whose count fits within the
// strategy's chunk limits. The result may be a little shorter than 'a'.
func FromArc(s Strategy, a Arc) Arq {
	c := a.Midpoint()
	if a.IsFull() {
		return FullArq(c)
	}
	if a.IsEmpty() {
		return EmptyArq(c, 0)
	}
	l := a.Length()
	minc, maxc := uint64(s.MinChunks()), uint64(s.MaxChunks())
	p := bits.Len64(l) - bits.Len64(minc)
	if p < 0 {
		p = 0
	}
	if p > 0 && l>>p < minc {
		p--
	}
	n := l >> p
	for n > maxc {
		p++
		n = l >> p
	}
	return Arq{Center: c, Power: uint8(p), Count: uint32(n)}
}

// Grow adds 'n' chunks.
func (q Arq) Grow(n uint32) Arq {
	q.Count += n
	return q.canonical()
}

// Shrink removes up to 'n' chunks.
func (q Arq) Shrink(n uint32) Arq {
	if q.IsFull() {
		q = q.unfull(minPow2(n + 1))
	}
	if n >= q.Count {
		q.Count = 0
	} else {
		q.Count -= n
	}
	return q
}

// Requantize moves the arq to 'power'. Going coarser halves the count per
// step, rounding up if 'roundUp' and down otherwise; going finer doubles it.
// It returns false if the arq would become empty.
func (q Arq) Requantize(power uint8, roundUp bool) (Arq, bool) {
	if q.IsFull() || q.IsEmpty() || power > MaxPower {
		return q, false
	}
	for q.Power < power {
		if roundUp {
			q.Count = (q.Count + 1) / 2
		} else {
			q.Count /= 2
		}
		q.Power++
	}
	for q.Power > power {
		q.Count *= 2
		q.Power--
	}
	return q.canonical(), q.Count > 0
}

// unfull expresses a full arq as 'count' chunks, count a power of two.
func (q Arq) unfull(count uint32) Arq {
	if !q.IsFull() {
		return q
	}
	k := bits.Len32(count - 1)
	return Arq{Center: q.Center, Power: uint8(MaxPower - k), Count: 1 << k}
}

func minPow2(n uint32) uint32 {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len32(n-1)
}

// Segment is one quantized chunk of the ring: offset 'Offset' at width
// 2^Power.
type Segment struct {
	_msgpack struct{} `msgpack:",as_array"`

	Power  uint8
	Offset uint32
}

// Arc returns the span of the segment.
func (s Segment) Arc() Arc {
	w := uint64(1) << s.Power
	return arcOf(core.Loc(uint32(uint64(s.Offset)*w)), w)
}

// Segments returns the chunks that make up the arq, in ring order from its
// start.
func (q Arq) Segments() []Segment {
	if q.IsEmpty() {
		return nil
	}
	if q.IsFull() {
		return []Segment{{Power: MaxPower}}
	}
	first := uint32(q.start()) >> q.Power
	mask := uint32(uint64(1)<<(MaxPower-q.Power) - 1)
	out := make([]Segment, q.Count)
	for i := range out {
		out[i] = Segment{Power: q.Power, Offset: (first + uint32(i)) & mask}
	}
	return out
}

func (q Arq) String() string {
	return fmt.Sprintf("arq(c=%08x p=%d n=%d)", uint32(q.Center), q.Power, q.Count)
}
