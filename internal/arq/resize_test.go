// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package arq

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

func copies(q Arq, n int) []Arq {
	out := make([]Arq, n)
	for i := range out {
		out[i] = q
	}
	return out
}

func TestViewUniform(t *testing.T) {
	s := DefaultStrategy
	me := NewArq(0x80000000, 20, 10)
	d := View(s, me, copies(me, 49))
	require.Equal(t, 50.0, d.Coverage)
	require.Equal(t, uint64(0), d.Gap)
	require.Equal(t, 50, d.PeerCount)
	require.Equal(t, 50, d.MinDepth)
	require.Equal(t, 49, d.Overlapping)
	require.Equal(t, uint8(20), d.MedianPower)

	_, changed := Resize(s, me, d)
	require.False(t, changed)
}

func TestViewGap(t *testing.T) {
	s := DefaultStrategy
	me := NewArq(0x80000000, 20, 10)
	a := me.ToArc()
	// Peers cover only the first half of my arc.
	half := NewArq(a.Start()+core.Loc(5<<19), 19, 10)
	require.Equal(t, a.Start(), half.ToArc().Start())

	d := View(s, me, copies(half, 60))
	require.Equal(t, a.Length()/2, d.Gap)
	require.InDelta(t, 31.0, d.Coverage, 1e-9)

	got, changed := Resize(s, me, d)
	require.True(t, changed)
	require.Greater(t, got.ToArc().Length(), a.Length())
}

func TestResizeFillsDip(t *testing.T) {
	s := DefaultStrategy
	me := NewArq(0x80000000, 20, 10)
	a := me.ToArc()
	half := NewArq(a.Start()+core.Loc(5<<19), 19, 10)

	// On target on average, but the second half of my arc is thin.
	d := View(s, me, append(copies(me, 45), copies(half, 10)...))
	require.InDelta(t, 51.0, d.Coverage, 1e-9)
	require.Equal(t, uint64(0), d.Gap)
	require.Equal(t, 46, d.MinDepth)
	got, changed := Resize(s, me, d)
	require.True(t, changed)
	require.Greater(t, got.ToArc().Length(), a.Length())

	// Over target, but shrinking would take the thin half below the floor.
	d = View(s, me, append(copies(me, 46), copies(half, 10)...))
	require.Equal(t, 47, d.MinDepth)
	_, changed = Resize(s, me, d)
	require.False(t, changed)
}

func TestMinDepth(t *testing.T) {
	require.Equal(t, 0, minDepth(100, nil))
	require.Equal(t, 0, minDepth(100, []span{{0, 50}}))
	require.Equal(t, 1, minDepth(100, []span{{0, 60}, {40, 100}}))
	require.Equal(t, 2, minDepth(100, []span{{0, 100}, {0, 30}, {30, 100}, {90, 100}}))
}

func TestViewIgnoresDistantPeers(t *testing.T) {
	s := DefaultStrategy
	me := NewArq(0x10000000, 16, 8)
	far := NewArq(0x90000000, 16, 8)
	d := View(s, me, copies(far, 100))
	require.Equal(t, 1.0, d.Coverage)
	require.Equal(t, me.ToArc().Length(), d.Gap)
	require.Equal(t, 0, d.Overlapping)
	require.Equal(t, uint8(16), d.MedianPower)
}

func TestResizeShrinks(t *testing.T) {
	s := DefaultStrategy
	me := NewArq(0x80000000, 20, 10)

	// Slightly over target: one chunk at a time.
	d := View(s, me, copies(me, 54))
	got, changed := Resize(s, me, d)
	require.True(t, changed)
	require.Equal(t, NewArq(me.Center, 20, 9), got)

	// Far over target: scale, then requantize to stay above MinChunks.
	d = View(s, me, copies(me, 199))
	got, changed = Resize(s, me, d)
	require.True(t, changed)
	require.Equal(t, NewArq(me.Center, 19, 10), got)
}

func TestResizeGrows(t *testing.T) {
	s := DefaultStrategy
	me := NewArq(0x80000000, 20, 14)

	// Slightly under target.
	d := View(s, me, copies(me, 46))
	got, _ := Resize(s, me, d)
	require.Equal(t, NewArq(me.Center, 20, 15), got)

	// Far under target doubles and requantizes.
	d = View(s, me, copies(me, 9))
	got, _ = Resize(s, me, d)
	require.Equal(t, NewArq(me.Center, 21, 14), got)
}

func TestResizeRespectsMedianPower(t *testing.T) {
	s := DefaultStrategy
	me := NewArq(0x80000000, 22, 14)
	// Everyone else is at a much finer power, so I can't go coarser.
	peers := copies(NewArq(0x80000000, 19, 15), 10)
	d := View(s, me, peers)
	require.Equal(t, uint8(19), d.MedianPower)
	got, changed := Resize(s, me, d)
	require.True(t, changed)
	require.Equal(t, uint8(22), got.Power)
	require.Equal(t, s.MaxChunks(), got.Count)
}

func TestResizeEmpty(t *testing.T) {
	s := DefaultStrategy
	me := EmptyArq(0x1000, 12)
	d := View(s, me, nil)
	require.Equal(t, 0.0, d.Coverage)
	got, changed := Resize(s, me, d)
	require.True(t, changed)
	require.Equal(t, s.MinChunks(), got.Count)
	require.Equal(t, uint8(12), got.Power)
}

func TestResizeDeterministic(t *testing.T) {
	s := DefaultStrategy
	peers := initialPeers(s, 200, 5)
	me := peers[0]
	d1 := View(s, me, peers[1:])
	d2 := View(s, me, peers[1:])
	require.Equal(t, d1, d2)
	a, _ := Resize(s, me, d1)
	b, _ := Resize(s, me, d2)
	require.Equal(t, a, b)
}
