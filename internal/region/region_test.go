// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package region

import (
	"context"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/westerndigitalcorporation/agentdht/internal/arq"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
	"github.com/westerndigitalcorporation/agentdht/pkg/testutil"
)

var testParams = GossipParams{
	Origin:              1000000,
	TimeQuantum:         time.Minute,
	SpaceQuantumPower:   12,
	MaxSpacePowerOffset: 4,
	MaxTimeOffset:       10,
}

func minutes(n float64) core.Timestamp {
	return testParams.Origin + core.Timestamp(n*float64(time.Minute/time.Microsecond))
}

func testOp(i int, loc core.Loc, ts core.Timestamp) store.OpLite {
	return store.OpLite{
		Hash:     core.HashOpBytes([]byte(fmt.Sprintf("op %d", i))),
		Loc:      loc,
		Authored: ts,
		Size:     uint32(100 + i),
	}
}

func TestTelescopingTimes(t *testing.T) {
	got := TelescopingTimes(testParams, minutes(12.5))
	require.Equal(t, []TimeSegment{
		{Power: 2, Offset: 0},
		{Power: 2, Offset: 1},
		{Power: 1, Offset: 4},
		{Power: 1, Offset: 5},
		{Power: 0, Offset: 12},
	}, got)

	for n := 1; n < 300; n++ {
		segs := TelescopingTimes(testParams, minutes(float64(n-1)))
		var next uint64
		seen := map[uint8]int{}
		for i, s := range segs {
			first, width := s.Quanta()
			require.Equal(t, next, first, "n=%d segment %d", n, i)
			next += width
			seen[s.Power]++
			require.LessOrEqual(t, seen[s.Power], 2, "n=%d", n)
			if i > 0 {
				require.LessOrEqual(t, s.Power, segs[i-1].Power, "n=%d", n)
			}
		}
		require.Equal(t, uint64(n), next)
		require.Equal(t, uint8(0), segs[len(segs)-1].Power)
	}
}

func TestTimeBounds(t *testing.T) {
	from, to := TimeSegment{Power: 1, Offset: 3}.Bounds(testParams)
	require.Equal(t, minutes(6), from)
	require.Equal(t, minutes(8), to)

	// Quantum zero reaches back before the origin.
	c := Coords{Space: arq.Segment{Power: 32}, Time: TimeSegment{Power: 0, Offset: 0}}
	require.True(t, c.Contains(testParams, 5, 0))
	require.True(t, c.Contains(testParams, 5, minutes(0.5)))
	require.False(t, c.Contains(testParams, 5, minutes(1)))
}

func TestSubdivide(t *testing.T) {
	p := testParams
	c := Coords{Space: arq.Segment{Power: 20, Offset: 5}, Time: TimeSegment{Power: 2, Offset: 1}}
	require.Equal(t, []Coords{
		{Space: c.Space, Time: TimeSegment{Power: 1, Offset: 2}},
		{Space: c.Space, Time: TimeSegment{Power: 1, Offset: 3}},
	}, c.Subdivide(p))

	c.Time = TimeSegment{Power: 0, Offset: 4}
	require.Equal(t, []Coords{
		{Space: arq.Segment{Power: 19, Offset: 10}, Time: c.Time},
		{Space: arq.Segment{Power: 19, Offset: 11}, Time: c.Time},
	}, c.Subdivide(p))

	leaf := Coords{Space: arq.Segment{Power: 12, Offset: 7}, Time: TimeSegment{Offset: 9}}
	require.True(t, leaf.IsLeaf(p))
	require.Nil(t, leaf.Subdivide(p))
}

// Every leaf a region subdivides into holds exactly the points it quantizes.
func TestQuantize(t *testing.T) {
	p := testParams
	c := Quantize(p, 7<<12+5, minutes(9.5))
	require.Equal(t, Coords{Space: arq.Segment{Power: 12, Offset: 7}, Time: TimeSegment{Offset: 9}}, c)
	require.True(t, c.IsLeaf(p))
	require.True(t, c.Contains(p, 7<<12+5, minutes(9.5)))
	require.False(t, c.Contains(p, 8<<12, minutes(9.5)))

	// Before the origin is quantum zero.
	require.Equal(t, uint32(0), Quantize(p, 0, p.Origin-10).Time.Offset)

	parent := Coords{Space: arq.Segment{Power: 14, Offset: 1}, Time: TimeSegment{Power: 1, Offset: 4}}
	var leaves []Coords
	var split func(Coords)
	split = func(c Coords) {
		if kids := c.Subdivide(p); kids != nil {
			for _, k := range kids {
				split(k)
			}
			return
		}
		leaves = append(leaves, c)
	}
	split(parent)
	require.Len(t, leaves, 8)
	for _, l := range leaves {
		first, _ := l.Time.Quanta()
		loc := core.Loc(l.Space.Offset<<12 + 1)
		ts := minutes(float64(first) + 0.5)
		require.Equal(t, l, Quantize(p, loc, ts))
		require.True(t, parent.Contains(p, loc, ts))
	}
}

func TestDataCommutes(t *testing.T) {
	a, b, c := testOp(1, 1, 1), testOp(2, 2, 2), testOp(3, 3, 3)
	x := DataOf([]store.OpLite{a, b, c})
	y := DataOf([]store.OpLite{c, a, b})
	require.True(t, x.Equal(y))
	require.Equal(t, uint32(3), x.Count)
	require.Equal(t, uint32(306), x.Size)

	y.Sub(DataOf([]store.OpLite{b}))
	require.True(t, y.Equal(DataOf([]store.OpLite{a, c})))
	y.Sub(DataOf([]store.OpLite{a, c}))
	require.True(t, y.IsEmpty())
	require.Equal(t, Data{}, y)
}

// twoPeers returns two sources holding the same ops inside 'q', and
// different ops outside of it.
func twoPeers(q arq.Arq) (*MemSource, *MemSource) {
	arc := q.ToArc()
	a, b := NewMemSource(), NewMemSource()
	for i := 0; i < 50; i++ {
		o := testOp(i, arc.Start()+core.Loc(i*0x100000+7), minutes(float64(i)*1.5))
		a.Add(o)
		b.Add(o)
	}
	b.Add(testOp(1000, arc.End()+0x1000000, minutes(3)))
	return a, b
}

func TestRegionDiff(t *testing.T) {
	ctx := context.Background()
	p := testParams
	q := arq.NewArq(0x40000000, 24, 10)
	a, b := twoPeers(q)
	top := TopologyFor(p, minutes(100), q)
	require.Len(t, top.Space, 10)

	setA, err := Generate(ctx, p, a, top)
	require.NoError(t, err)
	setB, err := Generate(ctx, p, b, top)
	require.NoError(t, err)
	diff, err := Diff(p, setA, setB)
	require.NoError(t, err)
	require.Empty(t, diff)

	// B gets one more op.
	loc, ts := q.ToArc().Start()+0x1234567, minutes(33)+5
	x := testOp(2000, loc, ts)
	b.Add(x)
	setB, err = Generate(ctx, p, b, top)
	require.NoError(t, err)
	diff, err = Diff(p, setA, setB)
	require.NoError(t, err)
	require.Len(t, diff, 1)
	require.True(t, diff[0].Contains(p, loc, ts))

	leaves, err := Reconcile(ctx, p, a, LocalRemote{Params: p, Source: b}, diff, 0)
	require.NoError(t, err)
	require.Len(t, leaves, 1)
	require.True(t, leaves[0].Coords.IsLeaf(p))
	require.True(t, leaves[0].Coords.Contains(p, loc, ts))
	require.Equal(t, []core.DhtOpHash{x.Hash}, leaves[0].Missing)
	require.Empty(t, leaves[0].Extra)

	// From B's side the op is extra.
	leaves, err = Reconcile(ctx, p, b, LocalRemote{Params: p, Source: a}, diff, 0)
	require.NoError(t, err)
	require.Len(t, leaves, 1)
	require.Equal(t, []core.DhtOpHash{x.Hash}, leaves[0].Extra)
	require.Empty(t, leaves[0].Missing)
}

func TestDiffNeedsSameTopology(t *testing.T) {
	ctx := context.Background()
	p := testParams
	src := NewMemSource()
	s1, err := Generate(ctx, p, src, TopologyFor(p, minutes(10), arq.NewArq(0, 20, 8)))
	require.NoError(t, err)
	s2, err := Generate(ctx, p, src, TopologyFor(p, minutes(11), arq.NewArq(0, 20, 8)))
	require.NoError(t, err)
	_, err = Diff(p, s1, s2)
	require.True(t, core.ErrIncompatible.Is(err))
}

func TestRectify(t *testing.T) {
	p := testParams
	q := arq.NewArq(0x40000000, 20, 10)
	old := TopologyFor(p, minutes(10), q)
	recent := TopologyFor(p, minutes(13), q)

	got, err := Rectify(p, old, recent)
	require.NoError(t, err)
	require.True(t, got.Equal(recent))
	got, err = Rectify(p, recent, old)
	require.NoError(t, err)
	require.True(t, got.Equal(recent))

	// Equal times: the finer topology wins on both sides.
	coarse := TopologyFor(p, minutes(10), arq.NewArq(0x40000000, 22, 10))
	got, err = Rectify(p, old, coarse)
	require.NoError(t, err)
	require.True(t, got.Equal(old))
	got, err = Rectify(p, coarse, old)
	require.NoError(t, err)
	require.True(t, got.Equal(old))

	_, err = Rectify(p, old, TopologyFor(p, minutes(30), q))
	require.True(t, core.ErrIncompatible.Is(err))
	_, err = Rectify(p, old, TopologyFor(p, minutes(10), arq.NewArq(0x40000000, 26, 10)))
	require.True(t, core.ErrIncompatible.Is(err))
}

func TestFineArqsWidenToQuantum(t *testing.T) {
	p := testParams
	top := TopologyFor(p, minutes(1), arq.NewArq(0x40000000, 8, 10))
	for _, s := range top.Space {
		require.Equal(t, p.SpaceQuantumPower, s.Power)
	}
	require.NotEmpty(t, top.Space)
}

func TestDBSource(t *testing.T) {
	ctx := context.Background()
	dir, err := ioutil.TempDir(testutil.TempDir(), "region")
	require.NoError(t, err)
	db, err := store.Open(filepath.Join(dir, "dht.sqlite"), store.KindDht, store.DefaultTestConfig)
	require.NoError(t, err)
	defer db.Close()

	p := testParams
	mem := NewMemSource()
	err = db.Write(ctx, func(txn *store.Txn) error {
		for i := 0; i < 40; i++ {
			basis := core.HashEntryBytes([]byte(fmt.Sprintf("basis %d", i))).Hash
			r := &store.OpRow{
				Hash:     core.HashOpBytes([]byte(fmt.Sprintf("op %d", i))),
				Type:     1,
				Basis:    basis,
				Authored: minutes(float64(i) / 2),
				Status:   store.StatusValid,
				Stage:    store.StageIntegrated,
				Size:     uint32(i),
				Blob:     []byte{byte(i)},
			}
			if _, err := txn.PutOp(r); err != nil {
				return err
			}
			mem.Add(store.OpLite{Hash: r.Hash, Loc: basis.Loc(), Authored: r.Authored, Size: r.Size})
		}
		// Rejected ops never count.
		_, err := txn.PutOp(&store.OpRow{
			Hash:     core.HashOpBytes([]byte("rejected")),
			Type:     1,
			Basis:    core.HashEntryBytes([]byte("rejected")).Hash,
			Authored: minutes(1),
			Status:   store.StatusRejected,
			Stage:    store.StageIntegrated,
			Blob:     []byte{1},
		})
		return err
	})
	require.NoError(t, err)

	top := TopologyFor(p, minutes(25), arq.FullArq(0))
	fromDB, err := Generate(ctx, p, DBSource{DB: db}, top)
	require.NoError(t, err)
	fromMem, err := Generate(ctx, p, mem, top)
	require.NoError(t, err)
	diff, err := Diff(p, fromDB, fromMem)
	require.NoError(t, err)
	require.Empty(t, diff)

	var total uint32
	for _, d := range fromDB.Data {
		total += d.Count
	}
	require.Equal(t, uint32(40), total)
}
