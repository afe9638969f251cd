// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package conductor

import (
	"context"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/agentdht/internal/arq"
	"github.com/westerndigitalcorporation/agentdht/internal/chain"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/host"
	"github.com/westerndigitalcorporation/agentdht/internal/peerstore"
	"github.com/westerndigitalcorporation/agentdht/internal/server"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
)

// Cell is one agent running one DNA.
type Cell struct {
	space    *space
	agent    core.AgentPubKey
	authored *store.DB
	chain    *chain.SourceChain
	host     *host.Host

	lock sync.Mutex
	arq  arq.Arq
	info *peerstore.AgentInfoSigned
}

// openCell opens the authored database of 'agent' in 'sp' and the host
// that runs 'guest' over it. New cells start holding the whole ring.
func (c *Conductor) openCell(sp *space, guest host.Guest, agent core.AgentPubKey) (*Cell, error) {
	authored, err := openDB(sp.dir, store.KindAuthored, agent, c.cfg.Store)
	if err != nil {
		return nil, err
	}
	cell := &Cell{
		space:    sp,
		agent:    agent,
		authored: authored,
		chain:    chain.New(agent, sp.dna, authored, sp.dht, c.ks, server.NewFineGrainedLock()),
		arq:      arq.FullArq(agent.Loc()),
	}
	cell.host = host.New(host.Env{
		Dna:      sp.def,
		Chain:    cell.chain,
		Authored: authored,
		DHT:      sp.dht,
		Keystore: c.ks,
		Guest:    guest,
		Activity: sp.flow,
		Remote:   cellRemote{c: c, from: cell},
		Signals:  c.signal,
	})
	return cell, nil
}

// Agent returns the agent of the cell.
func (c *Cell) Agent() core.AgentPubKey {
	return c.agent
}

// Dna returns the DNA the cell runs.
func (c *Cell) Dna() core.DnaHash {
	return c.space.dna
}

// Chain returns the source chain of the cell.
func (c *Cell) Chain() *chain.SourceChain {
	return c.chain
}

// Arq returns the arq the cell is currently an authority for.
func (c *Cell) Arq() arq.Arq {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.arq
}

// Info returns the last agent info the cell signed, nil before the first.
func (c *Cell) Info() *peerstore.AgentInfoSigned {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.info
}

// CallZome runs 'fn' of 'zome' as the cell's own agent. What the call
// commits is published to the authorities of each op.
func (c *Cell) CallZome(ctx context.Context, zome, fn string, payload []byte) ([]byte, error) {
	return c.call(ctx, c.agent, zome, fn, payload)
}

func (c *Cell) call(ctx context.Context, provenance core.AgentPubKey, zome, fn string, payload []byte) ([]byte, error) {
	out, err := c.host.CallZome(ctx, provenance, zome, fn, payload)
	if err != nil {
		return nil, err
	}
	c.space.publish(ctx, out.Committed.Ops)
	return out.Payload, nil
}

// sign signs a fresh agent info with the current arq and stores it in the
// peer store.
func (c *Cell) sign(ctx context.Context) (*peerstore.AgentInfoSigned, error) {
	cfg := c.space.c.cfg
	info, err := peerstore.Sign(ctx, c.space.c.ks, peerstore.AgentInfo{
		Agent: c.agent,
		Space: c.space.dna,
		URLs:  []string{c.space.c.tr.URL()},
		Arq:   c.Arq(),
	}, time.Now(), cfg.Peers.InfoTTL)
	if err != nil {
		return nil, err
	}
	if _, err := c.space.peers.Put(ctx, info); err != nil {
		return nil, err
	}
	c.lock.Lock()
	c.info = info
	c.lock.Unlock()
	return info, nil
}

// resize moves the arq one step toward the target coverage given what the
// peer store knows, and re-signs the agent info if it moved.
func (c *Cell) resize(ctx context.Context) (bool, error) {
	peers, err := c.space.peers.StorageArcs(ctx, c.agent)
	if err != nil {
		return false, err
	}
	s := c.space.c.cfg.Strategy
	cur := c.Arq()
	next, changed := arq.Resize(s, cur, arq.View(s, cur, peers))
	if !changed {
		return false, nil
	}
	c.lock.Lock()
	c.arq = next
	c.lock.Unlock()
	log.V(1).Infof("conductor: arq of %s %s -> %s", c.agent.Short(), cur, next)
	_, err = c.sign(ctx)
	return true, err
}
