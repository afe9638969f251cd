// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package region

import (
	"context"
	"sort"
	"sync"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
)

// Source lists the ops a peer holds in a region. Rejected ops are never
// listed. Results are ordered by op hash.
type Source interface {
	OpsIn(ctx context.Context, p GossipParams, c Coords) ([]store.OpLite, error)
}

// DBSource reads ops from a dht database.
type DBSource struct {
	DB *store.DB
}

// OpsIn implements Source.
func (s DBSource) OpsIn(ctx context.Context, p GossipParams, c Coords) (out []store.OpLite, err error) {
	arc := c.Space.Arc()
	from, to := c.Time.Bounds(p)
	err = s.DB.Read(ctx, func(txn *store.Txn) error {
		out, err = txn.OpsInRegion(arc.Start(), arc.End(), from, to)
		return err
	})
	return
}

// MemSource is an in-memory Source, for peers that keep no database and
// for tests.
type MemSource struct {
	lock sync.Mutex
	ops  map[core.DhtOpHash]store.OpLite
}

// NewMemSource returns a MemSource holding 'ops'.
func NewMemSource(ops ...store.OpLite) *MemSource {
	s := &MemSource{ops: make(map[core.DhtOpHash]store.OpLite)}
	for _, o := range ops {
		s.Add(o)
	}
	return s
}

// Add adds an op. Adding it again does nothing.
func (s *MemSource) Add(o store.OpLite) {
	s.lock.Lock()
	s.ops[o.Hash] = o
	s.lock.Unlock()
}

// Remove drops an op.
func (s *MemSource) Remove(h core.DhtOpHash) {
	s.lock.Lock()
	delete(s.ops, h)
	s.lock.Unlock()
}

// OpsIn implements Source.
func (s *MemSource) OpsIn(ctx context.Context, p GossipParams, c Coords) ([]store.OpLite, error) {
	s.lock.Lock()
	var out []store.OpLite
	for _, o := range s.ops {
		if c.Contains(p, o.Loc, o.Authored) {
			out = append(out, o)
		}
	}
	s.lock.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Hash.Compare(out[j].Hash.Hash) < 0 })
	return out, nil
}
