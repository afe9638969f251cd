// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package region

import (
	"context"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// Remote answers region queries for the other side of a reconciliation.
type Remote interface {
	// RegionData returns the aggregates of 'coords', in order.
	RegionData(ctx context.Context, coords []Coords) ([]Data, error)

	// OpHashes returns the hashes of the ops in a region, ordered.
	OpHashes(ctx context.Context, c Coords) ([]core.DhtOpHash, error)
}

// LocalRemote answers region queries from a Source. It serves the
// responding side of a reconciliation and stands in for a peer in tests.
type LocalRemote struct {
	Params GossipParams
	Source Source
}

// RegionData implements Remote.
func (l LocalRemote) RegionData(ctx context.Context, coords []Coords) ([]Data, error) {
	out := make([]Data, len(coords))
	for i, c := range coords {
		ops, err := l.Source.OpsIn(ctx, l.Params, c)
		if err != nil {
			return nil, err
		}
		out[i] = DataOf(ops)
	}
	return out, nil
}

// OpHashes implements Remote.
func (l LocalRemote) OpHashes(ctx context.Context, c Coords) ([]core.DhtOpHash, error) {
	ops, err := l.Source.OpsIn(ctx, l.Params, c)
	if err != nil {
		return nil, err
	}
	out := make([]core.DhtOpHash, len(ops))
	for i, o := range ops {
		out[i] = o.Hash
	}
	return out, nil
}

// LeafDiff is a leaf region where two peers hold different ops.
type LeafDiff struct {
	Coords Coords
	// Missing are the ops they hold and we don't.
	Missing []core.DhtOpHash
	// Extra are the ops we hold and they don't.
	Extra []core.DhtOpHash
}

// Reconcile narrows mismatched regions down to leaves by subdividing
// them, skipping halves whose aggregates agree, and lists the differing
// ops of every leaf. 'maxLeaves' bounds the work; zero means no bound.
func Reconcile(ctx context.Context, p GossipParams, mine Source, theirs Remote, mismatched []Coords, maxLeaves int) (out []LeafDiff, err error) {
	op := reconcileOps.Start()
	defer func() { op.EndWithError(err) }()

	pending := append([]Coords(nil), mismatched...)
	for len(pending) > 0 {
		if maxLeaves > 0 && len(out) >= maxLeaves {
			log.V(2).Infof("region: stopping reconciliation at %d leaves", len(out))
			break
		}
		if err := ctx.Err(); err != nil {
			return out, core.FromContextError(err)
		}
		c := pending[0]
		pending = pending[1:]

		if c.IsLeaf(p) {
			d, err := leafDiff(ctx, p, mine, theirs, c)
			if err != nil {
				return out, err
			}
			if len(d.Missing) > 0 || len(d.Extra) > 0 {
				out = append(out, d)
			}
			continue
		}

		subs := c.Subdivide(p)
		theirData, err := theirs.RegionData(ctx, subs)
		if err != nil {
			return out, err
		}
		if len(theirData) != len(subs) {
			return out, core.ErrCorruptData.Errorf("got %d region aggregates for %d regions", len(theirData), len(subs))
		}
		for i, s := range subs {
			ops, err := mine.OpsIn(ctx, p, s)
			if err != nil {
				return out, err
			}
			if !DataOf(ops).Equal(theirData[i]) {
				pending = append(pending, s)
			}
		}
	}
	return out, nil
}

func leafDiff(ctx context.Context, p GossipParams, mine Source, theirs Remote, c Coords) (LeafDiff, error) {
	ours, err := mine.OpsIn(ctx, p, c)
	if err != nil {
		return LeafDiff{}, err
	}
	their, err := theirs.OpHashes(ctx, c)
	if err != nil {
		return LeafDiff{}, err
	}
	have := make(map[core.DhtOpHash]bool, len(ours))
	for _, o := range ours {
		have[o.Hash] = true
	}
	d := LeafDiff{Coords: c}
	held := make(map[core.DhtOpHash]bool, len(their))
	for _, h := range their {
		held[h] = true
		if !have[h] {
			d.Missing = append(d.Missing, h)
		}
	}
	for _, o := range ours {
		if !held[o.Hash] {
			d.Extra = append(d.Extra, o.Hash)
		}
	}
	return d, nil
}
