// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package gossip

import (
	"context"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/agentdht/internal/arq"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/region"
)

// maxRegionQuery bounds the regions one RegionDiff may ask about.
const maxRegionQuery = 1024

// topology returns the regions two peers with arqs 'mine' and 'theirs'
// compare: the space segments both hold, up to the start of the recent
// window. Both peers compute the same topology from the same arqs unless
// their clocks put them in different time quanta.
func (g *Gossip) topology(mine, theirs []arq.Arq) region.Topology {
	p := g.cfg.Params
	ts := core.TimestampFromTime(g.now().Add(-g.cfg.RecentThreshold))
	q := int64(p.TimeQuantumOf(ts))
	now := p.Origin + core.Timestamp(q*int64(p.TimeQuantum/time.Microsecond))

	all := region.TopologyFor(p, now, append(append([]arq.Arq(nil), mine...), theirs...)...)
	var space []arq.Segment
	for _, s := range all.Space {
		if covered(s.Arc(), mine) && covered(s.Arc(), theirs) {
			space = append(space, s)
		}
	}
	return region.Topology{Now: now, Space: space}
}

// covered returns true if one of 'arqs' holds all of 'a'.
func covered(a arq.Arc, arqs []arq.Arq) bool {
	for _, q := range arqs {
		if q.ToArc().Overlap(a) == a.Length() {
			return true
		}
	}
	return false
}

func (g *Gossip) source() region.Source {
	return region.DBSource{DB: g.dht}
}

// historicalRound is the initiator's side of a historical round: exchange
// region sets, reconcile the regions that differ down to op hashes, fetch
// what we miss and tell the peer what it misses.
func (g *Gossip) historicalRound(ctx context.Context, id string, r *round) error {
	p := g.cfg.Params
	top := g.topology(r.mine, r.theirs)
	set, err := region.Generate(ctx, p, g.source(), top)
	if err != nil {
		return err
	}
	reply, err := g.send(ctx, r.peer, Historical, &Message{Type: MsgRegionSet, Round: id, RegionSet: set}, MsgRegionSet)
	if err != nil {
		return err
	}
	theirs := reply.RegionSet
	if theirs == nil {
		return core.ErrCorruptData.Errorf("%s sent no region set", r.peer)
	}
	if !theirs.Topology.Equal(top) {
		// They rectified to their view; it has to be one we agree with.
		rect, err := region.Rectify(p, top, theirs.Topology)
		if err != nil {
			return err
		}
		if !rect.Equal(theirs.Topology) {
			return core.ErrIncompatible.Errorf("%s picked a topology we wouldn't", r.peer)
		}
		if set, err = region.Generate(ctx, p, g.source(), rect); err != nil {
			return err
		}
	}

	diff, err := region.Diff(p, set, theirs)
	if err != nil {
		return err
	}
	var missing, extra []core.DhtOpHash
	if len(diff) > 0 {
		leaves, err := region.Reconcile(ctx, p, g.source(), &netRemote{g: g, url: r.peer, round: id}, diff, g.cfg.MaxLeaves)
		if err != nil {
			return err
		}
		for _, l := range leaves {
			missing = append(missing, l.Missing...)
			extra = append(extra, l.Extra...)
		}
		log.V(1).Infof("gossip: %d regions differ with %s, %d leaves, %d missing, %d extra",
			len(diff), r.peer, len(leaves), len(missing), len(extra))
	}
	if err := g.learn(ctx, Historical, missing, r.peer); err != nil {
		return err
	}
	_, err = g.send(ctx, r.peer, Historical, &Message{Type: MsgMissingOpHashes, Round: id, MissingOpHashes: extra}, MsgOpBatchReceived)
	return err
}

// handleHistorical is the responder's side of a historical round.
func (g *Gossip) handleHistorical(ctx context.Context, from string, r *round, m *Message) (*Message, error) {
	p := g.cfg.Params
	switch m.Type {
	case MsgRegionSet:
		if m.RegionSet == nil {
			return nil, core.ErrInvalidArgument.Errorf("region set message without a set")
		}
		top, err := region.Rectify(p, g.topology(r.mine, r.theirs), m.RegionSet.Topology)
		if err != nil {
			return nil, err
		}
		set, err := region.Generate(ctx, p, g.source(), top)
		if err != nil {
			return nil, err
		}
		return &Message{Type: MsgRegionSet, RegionSet: set}, nil

	case MsgRegionDiff:
		q := m.RegionDiff
		if q == nil || len(q.Coords) == 0 {
			return nil, core.ErrInvalidArgument.Errorf("empty region query")
		}
		if len(q.Coords) > maxRegionQuery {
			return nil, core.ErrBadSize.Errorf("%d regions queried", len(q.Coords))
		}
		local := region.LocalRemote{Params: p, Source: g.source()}
		if q.Leaf {
			hashes, err := local.OpHashes(ctx, q.Coords[0])
			if err != nil {
				return nil, err
			}
			return &Message{Type: MsgMissingOpHashes, MissingOpHashes: hashes}, nil
		}
		data, err := local.RegionData(ctx, q.Coords)
		if err != nil {
			return nil, err
		}
		return &Message{Type: MsgRegionDiff, RegionDiff: &RegionDiff{Data: data}}, nil

	case MsgMissingOpHashes:
		g.endRound(from, m.Round)
		if err := g.learn(ctx, Historical, m.MissingOpHashes, from); err != nil {
			return nil, err
		}
		return &Message{Type: MsgOpBatchReceived}, nil
	}
	return nil, core.ErrInvalidArgument.Errorf("unexpected %s in a historical round", m.Type)
}

// netRemote answers region queries by asking the peer.
type netRemote struct {
	g     *Gossip
	url   string
	round string
}

// RegionData implements region.Remote.
func (n *netRemote) RegionData(ctx context.Context, coords []region.Coords) ([]region.Data, error) {
	reply, err := n.g.send(ctx, n.url, Historical, &Message{
		Type:       MsgRegionDiff,
		Round:      n.round,
		RegionDiff: &RegionDiff{Coords: coords},
	}, MsgRegionDiff)
	if err != nil {
		return nil, err
	}
	if reply.RegionDiff == nil {
		return nil, core.ErrCorruptData.Errorf("%s sent no region data", n.url)
	}
	return reply.RegionDiff.Data, nil
}

// OpHashes implements region.Remote.
func (n *netRemote) OpHashes(ctx context.Context, c region.Coords) ([]core.DhtOpHash, error) {
	reply, err := n.g.send(ctx, n.url, Historical, &Message{
		Type:       MsgRegionDiff,
		Round:      n.round,
		RegionDiff: &RegionDiff{Coords: []region.Coords{c}, Leaf: true},
	}, MsgMissingOpHashes)
	if err != nil {
		return nil, err
	}
	return reply.MissingOpHashes, nil
}
