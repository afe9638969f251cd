// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package arq

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

func TestArcBasics(t *testing.T) {
	a := Bounded(10, 19)
	require.Equal(t, uint64(10), a.Length())
	require.True(t, a.Contains(10))
	require.True(t, a.Contains(19))
	require.False(t, a.Contains(20))
	require.False(t, a.Contains(9))
	require.Equal(t, core.Loc(15), a.Midpoint())

	w := Bounded(0xfffffff0, 0x0f)
	require.Equal(t, uint64(32), w.Length())
	require.True(t, w.Contains(0))
	require.True(t, w.Contains(0xffffffff))
	require.False(t, w.Contains(0x10))
	require.Equal(t, core.Loc(0), w.Midpoint())

	require.True(t, FullArc().Contains(12345))
	require.False(t, EmptyArc().Contains(0))
	require.Equal(t, RingSize, FullArc().Length())
}

func TestArcOverlap(t *testing.T) {
	a := Bounded(0, 99)
	b := Bounded(50, 149)
	require.Equal(t, uint64(50), a.Overlap(b))
	require.True(t, a.Overlaps(b))
	require.Equal(t, []Arc{Bounded(50, 99)}, a.Intersection(b))

	require.False(t, Bounded(0, 9).Overlaps(Bounded(10, 19)))
	require.Nil(t, Bounded(0, 9).Intersection(Bounded(10, 19)))

	// Two bounded arcs meeting at both ends.
	x := Bounded(0, 0x9fffffff)
	y := Bounded(0x80000000, 0x1fffffff)
	got := x.Intersection(y)
	require.Len(t, got, 2)
	require.Equal(t, Bounded(0x80000000, 0x9fffffff), got[0])
	require.Equal(t, Bounded(0, 0x1fffffff), got[1])

	// Pieces on both sides of the top of the ring are one arc.
	u := Bounded(0xf0000000, 0x0fffffff)
	v := Bounded(0xe0000000, 0x1fffffff)
	require.Equal(t, []Arc{u}, u.Intersection(v))

	require.Equal(t, []Arc{a}, FullArc().Intersection(a))
	require.Nil(t, FullArc().Intersection(EmptyArc()))
	require.Equal(t, uint64(100), FullArc().Overlap(a))
}

func TestArqToArc(t *testing.T) {
	q := NewArq(0x1234, 4, 8)
	a := q.ToArc()
	require.Equal(t, uint64(128), a.Length())
	// Center chunk starts at 0x1230, four chunks back.
	require.Equal(t, core.Loc(0x1230-4*16), a.Start())
	require.True(t, a.Contains(q.Center))

	// Wraps below zero.
	w := NewArq(0, 28, 8).ToArc()
	require.Equal(t, core.Loc(0xc0000000), w.Start())
	require.Equal(t, uint64(8)<<28, w.Length())

	require.True(t, NewArq(7, 28, 16).IsFull())
	require.True(t, NewArq(7, 28, 16).ToArc().IsFull())
	require.Equal(t, FullArq(7), NewArq(7, 28, 16))
	require.True(t, EmptyArq(7, 3).ToArc().IsEmpty())
}

func TestFromArc(t *testing.T) {
	s := DefaultStrategy
	require.Equal(t, uint32(8), s.MinChunks())
	require.Equal(t, uint32(15), s.MaxChunks())

	for _, l := range []uint64{8, 100, 1000, 1 << 20, 3 << 29, RingSize - 1} {
		a := arcOf(0x40000000, l)
		q := FromArc(s, a)
		require.GreaterOrEqual(t, q.Count, s.MinChunks(), "len %d", l)
		require.LessOrEqual(t, q.Count, s.MaxChunks(), "len %d", l)
		got := q.ToArc().Length()
		require.LessOrEqual(t, got, l)
		require.Greater(t, got, l/2)
	}
	require.True(t, FromArc(s, FullArc()).IsFull())
	require.True(t, FromArc(s, EmptyArc()).IsEmpty())
}

func TestRequantize(t *testing.T) {
	q := NewArq(0, 10, 15)
	up, ok := q.Requantize(11, true)
	require.True(t, ok)
	require.Equal(t, uint32(8), up.Count)
	down, ok := q.Requantize(11, false)
	require.True(t, ok)
	require.Equal(t, uint32(7), down.Count)

	fine, ok := up.Requantize(9, false)
	require.True(t, ok)
	require.Equal(t, uint8(9), fine.Power)
	require.Equal(t, uint32(32), fine.Count)
	require.Equal(t, up.ToArc().Length(), fine.ToArc().Length())

	_, ok = NewArq(0, 10, 1).Requantize(12, false)
	require.False(t, ok)
}

func TestGrowShrink(t *testing.T) {
	q := NewArq(0, 20, 8)
	require.Equal(t, uint32(10), q.Grow(2).Count)
	require.Equal(t, uint32(5), q.Shrink(3).Count)
	require.True(t, q.Shrink(9).IsEmpty())
	require.True(t, NewArq(0, 31, 1).Grow(1).IsFull())

	s := FullArq(0).Shrink(1)
	require.False(t, s.IsFull())
	require.Equal(t, uint32(1), s.Count)
	require.Equal(t, uint8(31), s.Power)
}

func TestSegments(t *testing.T) {
	q := NewArq(0x1234, 4, 8)
	segs := q.Segments()
	require.Len(t, segs, 8)
	require.Equal(t, Segment{Power: 4, Offset: 0x123 - 4}, segs[0])
	require.Equal(t, q.ToArc().Start(), segs[0].Arc().Start())
	for i := 1; i < len(segs); i++ {
		require.Equal(t, segs[i-1].Arc().End()+1, segs[i].Arc().Start())
	}

	// Wrapping arqs wrap their offsets too.
	w := NewArq(0, 28, 8).Segments()
	require.Equal(t, uint32(12), w[0].Offset)
	require.Equal(t, uint32(0), w[4].Offset)

	require.Equal(t, []Segment{{Power: MaxPower}}, FullArq(0).Segments())
	require.Nil(t, EmptyArq(0, 0).Segments())
}

func TestStrategyValidate(t *testing.T) {
	require.NoError(t, DefaultStrategy.Validate())
	bad := DefaultStrategy
	bad.BufferPct = 0
	require.Error(t, bad.Validate())
	bad = DefaultStrategy
	bad.CoverageTolerance = 0.2
	require.Error(t, bad.Validate())
}

func TestArcRanges(t *testing.T) {
	require.Empty(t, EmptyArc().Ranges())
	require.Equal(t, [][2]core.Loc{{0, 0xffffffff}}, FullArc().Ranges())
	require.Equal(t, [][2]core.Loc{{10, 20}}, Bounded(10, 20).Ranges())
	require.Equal(t, [][2]core.Loc{{0xfffffff0, 0xffffffff}, {0, 5}}, Bounded(0xfffffff0, 5).Ranges())
}
