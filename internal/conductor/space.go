// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package conductor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/agentdht/internal/action"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/dhtop"
	"github.com/westerndigitalcorporation/agentdht/internal/fetch"
	"github.com/westerndigitalcorporation/agentdht/internal/gossip"
	"github.com/westerndigitalcorporation/agentdht/internal/integrate"
	"github.com/westerndigitalcorporation/agentdht/internal/peerstore"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
)

var errNoCells = errors.New("space has no cells")

// space is everything a conductor keeps for one DNA: the databases shared
// by its cells and the subsystems that run over them.
type space struct {
	c   *Conductor
	dna core.DnaHash
	def *action.DnaDef
	dir string

	dht, agents, metrics *store.DB

	peers  *peerstore.Store
	pool   *fetch.Pool
	worker *fetch.Worker
	flow   *integrate.Workflow
	gossip *gossip.Gossip

	lock  sync.Mutex
	cells map[core.AgentPubKey]*Cell
	// unpublished holds our ops that reached no authority yet.
	unpublished map[core.DhtOpHash]*dhtop.DhtOp

	cancel context.CancelFunc
	done   sync.WaitGroup
}

func openDB(dir string, k store.Kind, agent core.AgentPubKey, cfg store.Config) (*store.DB, error) {
	return store.Open(store.PathFor(dir, k, agent), k, cfg)
}

// newSpace opens the databases of 'def' under the conductor's data dir.
// 'issuer' signs the warrants the space's validation issues.
func newSpace(c *Conductor, def *action.DnaDef, issuer core.AgentPubKey) (s *space, err error) {
	dna := def.Hash()
	s = &space{
		c:           c,
		dna:         dna,
		def:         def,
		dir:         filepath.Join(c.cfg.DataDir, dna.String()),
		cells:       make(map[core.AgentPubKey]*Cell),
		unpublished: make(map[core.DhtOpHash]*dhtop.DhtOp),
	}
	if err = os.MkdirAll(s.dir, 0700); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			s.closeDBs()
		}
	}()
	if s.dht, err = openDB(s.dir, store.KindDht, core.AgentPubKey{}, c.cfg.Store); err != nil {
		return nil, err
	}
	if s.agents, err = openDB(s.dir, store.KindP2pAgents, core.AgentPubKey{}, c.cfg.Store); err != nil {
		return nil, err
	}
	if s.metrics, err = openDB(s.dir, store.KindP2pMetrics, core.AgentPubKey{}, c.cfg.Store); err != nil {
		return nil, err
	}

	s.peers = peerstore.New(c.cfg.Peers, dna, s.agents, s.metrics)
	s.pool = fetch.NewPool(c.cfg.Fetch, nil)
	s.flow = integrate.New(c.cfg.Integrate, s.dht, c.ks, issuer, s, s.publishOne)
	s.worker = fetch.NewWorker(c.cfg.Fetch, s.pool, fetch.NetFetcher{Transport: c.tr}, s.flow)
	s.gossip = gossip.New(c.cfg.Gossip, c.tr, s.peers, s.dht, s.pool, s.localInfos)
	log.Infof("conductor: opened space %s (%s) in %s", dna.Short(), def.Name, s.dir)
	return s, nil
}

// start runs the subsystems of the space until 'ctx' is done or the space
// is closed.
func (s *space) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, run := range []func(context.Context){s.flow.Run, s.worker.Run, s.gossip.Run} {
		s.done.Add(1)
		go func(run func(context.Context)) {
			defer s.done.Done()
			run(ctx)
		}(run)
	}
}

func (s *space) close() {
	if s.cancel != nil {
		s.cancel()
		s.done.Wait()
	}
	s.lock.Lock()
	for _, cell := range s.cells {
		cell.authored.Close()
	}
	s.lock.Unlock()
	s.closeDBs()
}

func (s *space) closeDBs() {
	for _, db := range []*store.DB{s.dht, s.agents, s.metrics} {
		if db != nil {
			db.Close()
		}
	}
}

func (s *space) addCell(cell *Cell) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.cells[cell.agent] = cell
}

func (s *space) cell(agent core.AgentPubKey) (*Cell, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	c, ok := s.cells[agent]
	return c, ok
}

// cellList returns the cells ordered by agent.
func (s *space) cellList() []*Cell {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]*Cell, 0, len(s.cells))
	for _, c := range s.cells {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].agent.Compare(out[j].agent.Hash) < 0 })
	return out
}

// localInfos returns the current signed infos of our agents. It's what
// gossip and bootstrap advertise.
func (s *space) localInfos(ctx context.Context) ([]*peerstore.AgentInfoSigned, error) {
	var out []*peerstore.AgentInfoSigned
	for _, c := range s.cellList() {
		if info := c.Info(); info != nil {
			out = append(out, info)
		}
	}
	return out, nil
}

// Validate implements integrate.AppValidator with the guest of any of our
// cells, which all run the same DNA.
func (s *space) Validate(ctx context.Context, op *dhtop.DhtOp, deps []*dhtop.DhtOp) (integrate.Outcome, error) {
	cells := s.cellList()
	if len(cells) == 0 {
		return integrate.Outcome{}, errNoCells
	}
	return cells[0].host.Validate(ctx, op, deps)
}

// serveFetch answers a fetch from the DHT database, then from what our
// agents authored.
func (s *space) serveFetch(ctx context.Context, payload []byte) ([]byte, error) {
	dbs := []*store.DB{s.dht}
	for _, c := range s.cellList() {
		dbs = append(dbs, c.authored)
	}
	return fetch.Serve(ctx, payload, dbs...)
}
