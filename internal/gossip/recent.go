// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package gossip

import (
	"context"
	"math"

	"github.com/westerndigitalcorporation/agentdht/internal/arq"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/peerstore"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
)

// recentWindow is the window of recent ops at 'now'. It stays open towards
// the future so that peers with fast clocks still get gossiped.
func (g *Gossip) recentWindow() Window {
	from := core.TimestampFromTime(g.now().Add(-g.cfg.RecentThreshold))
	return Window{From: from, To: core.Timestamp(math.MaxInt64)}
}

// recentRound is the initiator's side of a recent round: send our filters,
// take what the peer says we miss, send back what it misses. Without common
// arcs only agent infos are exchanged.
func (g *Gossip) recentRound(ctx context.Context, id string, r *round) error {
	common := commonArcs(r.mine, r.theirs)
	agents, err := g.agents(ctx)
	if err != nil {
		return err
	}
	agentFilter, err := g.agentFilter(agents)
	if err != nil {
		return err
	}

	m := &Message{Type: MsgAgents, Round: id, Agents: agentFilter}
	want := MsgMissingAgents
	var ops []store.OpLite
	if len(common) > 0 {
		w := g.recentWindow()
		if ops, err = g.opsIn(ctx, common, w); err != nil {
			return err
		}
		f, err := g.opFilter(ops)
		if err != nil {
			return err
		}
		m.Type, m.Ops = MsgOps, &Ops{Filter: f, Window: w}
		want = MsgMissingOpHashes
	}
	reply, err := g.send(ctx, r.peer, Recent, m, want)
	if err != nil {
		return err
	}
	g.putAgents(ctx, reply.MissingAgents)
	if err := g.learn(ctx, Recent, reply.MissingOpHashes, r.peer); err != nil {
		return err
	}

	// Now tell them what they miss.
	if reply.Agents == nil {
		return core.ErrCorruptData.Errorf("%s sent no agent filter", r.peer)
	}
	back := &Message{Type: want, Round: id}
	if back.MissingAgents, err = missingAgents(agents, reply.Agents); err != nil {
		return err
	}
	if want == MsgMissingOpHashes {
		if reply.Ops == nil {
			return core.ErrCorruptData.Errorf("%s sent no op filter", r.peer)
		}
		if back.MissingOpHashes, err = missingOps(ops, reply.Ops.Filter); err != nil {
			return err
		}
	}
	_, err = g.send(ctx, r.peer, Recent, back, MsgOpBatchReceived)
	return err
}

// handleRecent is the responder's side of a recent round.
func (g *Gossip) handleRecent(ctx context.Context, from string, r *round, m *Message) (*Message, error) {
	switch m.Type {
	case MsgAgents, MsgOps:
		if m.Agents == nil {
			return nil, core.ErrInvalidArgument.Errorf("%s without agent filter", m.Type)
		}
		agents, err := g.agents(ctx)
		if err != nil {
			return nil, err
		}
		reply := &Message{Type: MsgMissingAgents}
		if reply.MissingAgents, err = missingAgents(agents, m.Agents); err != nil {
			return nil, err
		}
		if reply.Agents, err = g.agentFilter(agents); err != nil {
			return nil, err
		}
		if m.Type == MsgAgents {
			return reply, nil
		}

		if m.Ops == nil {
			return nil, core.ErrInvalidArgument.Errorf("ops without op filter")
		}
		ops, err := g.opsIn(ctx, commonArcs(r.mine, r.theirs), m.Ops.Window)
		if err != nil {
			return nil, err
		}
		reply.Type = MsgMissingOpHashes
		if reply.MissingOpHashes, err = missingOps(ops, m.Ops.Filter); err != nil {
			return nil, err
		}
		f, err := g.opFilter(ops)
		if err != nil {
			return nil, err
		}
		reply.Ops = &Ops{Filter: f, Window: m.Ops.Window}
		return reply, nil

	case MsgMissingAgents, MsgMissingOpHashes:
		g.endRound(from, m.Round)
		g.putAgents(ctx, m.MissingAgents)
		if err := g.learn(ctx, Recent, m.MissingOpHashes, from); err != nil {
			return nil, err
		}
		return &Message{Type: MsgOpBatchReceived}, nil
	}
	return nil, core.ErrInvalidArgument.Errorf("unexpected %s in a recent round", m.Type)
}

// agents returns every agent info we hold.
func (g *Gossip) agents(ctx context.Context) ([]*peerstore.AgentInfoSigned, error) {
	return g.peers.All(ctx)
}

func (g *Gossip) agentFilter(agents []*peerstore.AgentInfoSigned) (*Filter, error) {
	keys := make([][]byte, len(agents))
	for i, a := range agents {
		keys[i] = agentKey(a)
	}
	return NewFilter(g.cfg.FalsePositiveRate, keys)
}

func (g *Gossip) opFilter(ops []store.OpLite) (*Filter, error) {
	keys := make([][]byte, len(ops))
	for i, o := range ops {
		keys[i] = opKey(o.Hash)
	}
	return NewFilter(g.cfg.FalsePositiveRate, keys)
}

func missingAgents(agents []*peerstore.AgentInfoSigned, f *Filter) ([]*peerstore.AgentInfoSigned, error) {
	if err := f.decode(); err != nil {
		return nil, err
	}
	var out []*peerstore.AgentInfoSigned
	for _, a := range agents {
		if !f.Has(agentKey(a)) {
			out = append(out, a)
		}
	}
	return out, nil
}

func missingOps(ops []store.OpLite, f *Filter) ([]core.DhtOpHash, error) {
	if f == nil {
		return nil, core.ErrInvalidArgument.Errorf("missing op filter")
	}
	if err := f.decode(); err != nil {
		return nil, err
	}
	var out []core.DhtOpHash
	for _, o := range ops {
		if !f.Has(opKey(o.Hash)) {
			out = append(out, o.Hash)
		}
	}
	return out, nil
}

// opsIn returns the ops we hold in 'arcs' authored within 'w'.
func (g *Gossip) opsIn(ctx context.Context, arcs []arq.Arc, w Window) ([]store.OpLite, error) {
	seen := make(map[core.DhtOpHash]bool)
	var out []store.OpLite
	err := g.dht.Read(ctx, func(txn *store.Txn) error {
		for _, a := range arcs {
			for _, rg := range a.Ranges() {
				ops, err := txn.OpsInRegion(rg[0], rg[1], w.From, w.To)
				if err != nil {
					return err
				}
				for _, o := range ops {
					if !seen[o.Hash] {
						seen[o.Hash] = true
						out = append(out, o)
					}
				}
			}
		}
		return nil
	})
	return out, err
}
