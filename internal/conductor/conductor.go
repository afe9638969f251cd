// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package conductor runs cells. A cell is one agent running one DNA; the
// cells of a DNA share a space, which holds the DHT database they are
// authorities for and the gossip, fetch and integration that keep it.
//
// The conductor owns the transport. It dispatches what peers send by frame
// kind, publishes what cells commit to the authorities of each op, and
// periodically resizes arcs, re-signs agent infos and drops stale peers.
package conductor

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/westerndigitalcorporation/agentdht/internal/action"
	"github.com/westerndigitalcorporation/agentdht/internal/bootstrap"
	"github.com/westerndigitalcorporation/agentdht/internal/chain"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/host"
	"github.com/westerndigitalcorporation/agentdht/internal/keystore"
	"github.com/westerndigitalcorporation/agentdht/internal/server"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
	"github.com/westerndigitalcorporation/agentdht/internal/transport"
	"github.com/westerndigitalcorporation/agentdht/pkg/failures"
)

// signalQueue is how many signals wait for a reader before new ones are
// dropped.
const signalQueue = 256

var (
	installOps = server.NewOpMetric("conductor", "install_cell")

	signalsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentdht",
		Subsystem: "conductor",
		Name:      "signals_dropped",
		Help:      "signals dropped because nobody read them",
	})
)

// Conductor runs cells and the network machinery they share.
type Conductor struct {
	cfg  Config
	tr   transport.Transport
	ks   keystore.Keystore
	boot *bootstrap.Client // nil without a bootstrap URL.

	lock   sync.Mutex
	spaces map[core.DnaHash]*space
	cells  map[core.AgentPubKey]*Cell

	lookups singleflight.Group

	signals   chan host.Signal
	inbound   server.Semaphore
	opFailure *server.OpFailure
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   sync.WaitGroup
}

// New returns a conductor talking over 'tr' with the keys of 'ks'. Nothing
// runs until Start.
func New(cfg Config, tr transport.Transport, ks keystore.Keystore) *Conductor {
	c := &Conductor{
		cfg:     cfg,
		tr:      tr,
		ks:      ks,
		spaces:  make(map[core.DnaHash]*space),
		cells:   make(map[core.AgentPubKey]*Cell),
		signals: make(chan host.Signal, signalQueue),
		inbound: server.NewSemaphore(cfg.InboundWorkers),

		opFailure: server.NewOpFailure(),
	}
	if cfg.UseFailure {
		if err := failures.Register("conductor_inbound", c.opFailure.Handler); err != nil {
			log.Errorf("conductor: registering inbound failures: %s", err)
		}
	}
	if cfg.Bootstrap.URL != "" {
		c.boot = bootstrap.NewClient(cfg.Bootstrap)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Start starts serving peers and the periodic work.
func (c *Conductor) Start() {
	c.started = time.Now()
	c.goRun(c.dispatchLoop)
	c.goRun(func(ctx context.Context) { c.every(ctx, c.cfg.ResizeInterval, c.resize) })
	c.goRun(func(ctx context.Context) { c.every(ctx, c.cfg.RefreshInterval, c.refresh) })
	c.goRun(func(ctx context.Context) { c.every(ctx, c.cfg.PruneInterval, c.prune) })
	c.goRun(func(ctx context.Context) { c.every(ctx, c.cfg.ExpireInterval, c.expire) })
	if c.boot != nil {
		p := bootstrap.NewPublisher(c.cfg.Bootstrap, c.boot, c.localInfos)
		c.goRun(p.Run)
	}
	log.Infof("conductor: serving at %s", c.tr.URL())
}

func (c *Conductor) goRun(run func(context.Context)) {
	c.done.Add(1)
	go func() {
		defer c.done.Done()
		run(c.ctx)
	}()
}

// Close stops everything and closes the databases and the transport.
func (c *Conductor) Close() error {
	c.cancel()
	c.done.Wait()
	c.lock.Lock()
	spaces := c.spaces
	c.spaces = make(map[core.DnaHash]*space)
	c.cells = make(map[core.AgentPubKey]*Cell)
	c.lock.Unlock()
	for _, sp := range spaces {
		sp.close()
	}
	return c.tr.Close()
}

// URL returns the URL peers reach us at.
func (c *Conductor) URL() string {
	return c.tr.URL()
}

// Signals returns the signals guests emit. Signals nobody reads are
// dropped.
func (c *Conductor) Signals() <-chan host.Signal {
	return c.signals
}

func (c *Conductor) signal(s host.Signal) {
	select {
	case c.signals <- s:
	default:
		signalsDropped.Inc()
	}
}

// spaceFor returns the space of 'def', opening and starting it if needed.
func (c *Conductor) spaceFor(def *action.DnaDef, issuer core.AgentPubKey) (*space, error) {
	dna := def.Hash()
	c.lock.Lock()
	defer c.lock.Unlock()
	if sp, ok := c.spaces[dna]; ok {
		return sp, nil
	}
	sp, err := newSpace(c, def, issuer)
	if err != nil {
		return nil, err
	}
	c.spaces[dna] = sp
	sp.start(c.ctx)
	if c.boot != nil {
		c.goRun(func(ctx context.Context) { c.bootstrapSpace(ctx, sp) })
	}
	return sp, nil
}

func (c *Conductor) space(dna core.DnaHash) (*space, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	sp, ok := c.spaces[dna]
	if !ok {
		return nil, core.ErrNotFound.Errorf("space %s", dna.Short())
	}
	return sp, nil
}

func (c *Conductor) spaceList() []*space {
	c.lock.Lock()
	defer c.lock.Unlock()
	out := make([]*space, 0, len(c.spaces))
	for _, sp := range c.spaces {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].dna.Compare(out[j].dna.Hash) < 0 })
	return out
}

// Cell returns the cell of 'agent'.
func (c *Conductor) Cell(agent core.AgentPubKey) (*Cell, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	cell, ok := c.cells[agent]
	return cell, ok
}

// Cells returns every cell, ordered by space then agent.
func (c *Conductor) Cells() []*Cell {
	var out []*Cell
	for _, sp := range c.spaceList() {
		out = append(out, sp.cellList()...)
	}
	return out
}

// addCell makes 'cell' reachable and signs its first agent info.
func (c *Conductor) addCell(ctx context.Context, cell *Cell) error {
	c.lock.Lock()
	c.cells[cell.agent] = cell
	c.lock.Unlock()
	cell.space.addCell(cell)
	_, err := cell.sign(ctx)
	return err
}

// InstallCell makes a new agent and runs 'def' for it with 'guest'. The
// guest checks 'membraneProof' before genesis is written; the genesis ops
// are then published.
func (c *Conductor) InstallCell(ctx context.Context, def *action.DnaDef, guest host.Guest, membraneProof []byte) (cell *Cell, err error) {
	op := installOps.Start()
	defer func() { op.EndWithError(err) }()

	agent, err := c.ks.GenerateAgent(ctx)
	if err != nil {
		return nil, err
	}
	sp, err := c.spaceFor(def, agent)
	if err != nil {
		return nil, err
	}
	cell, err = c.openCell(sp, guest, agent)
	if err != nil {
		return nil, err
	}
	committed, err := c.genesis(ctx, cell, membraneProof)
	if err != nil {
		cell.authored.Close()
		os.Remove(store.PathFor(sp.dir, store.KindAuthored, agent))
		return nil, err
	}
	if err := c.addCell(ctx, cell); err != nil {
		return nil, err
	}
	sp.publish(ctx, committed.Ops)
	log.Infof("conductor: installed %s in space %s (%s)", agent.Short(), sp.dna.Short(), def.Name)
	return cell, nil
}

func (c *Conductor) genesis(ctx context.Context, cell *Cell, membraneProof []byte) (*chain.Committed, error) {
	if err := cell.host.GenesisSelfCheck(ctx, membraneProof); err != nil {
		return nil, err
	}
	return cell.chain.Genesis(ctx, membraneProof)
}

// RestoreCells reopens the cells of 'def' a previous run installed under
// the data dir. Cells whose chain never got through genesis are skipped.
func (c *Conductor) RestoreCells(ctx context.Context, def *action.DnaDef, guest host.Guest) ([]*Cell, error) {
	agents, err := authoredAgents(c.cfg.DataDir, def.Hash())
	if err != nil || len(agents) == 0 {
		return nil, err
	}
	sp, err := c.spaceFor(def, agents[0])
	if err != nil {
		return nil, err
	}
	var out []*Cell
	for _, agent := range agents {
		if _, ok := c.Cell(agent); ok {
			continue
		}
		cell, err := c.openCell(sp, guest, agent)
		if err != nil {
			return out, err
		}
		ok, err := cell.chain.IsInitialized(ctx)
		if err != nil || !ok {
			log.Warningf("conductor: not restoring %s: initialized=%v err=%v", agent.Short(), ok, err)
			cell.authored.Close()
			continue
		}
		if err := c.addCell(ctx, cell); err != nil {
			return out, err
		}
		out = append(out, cell)
	}
	log.Infof("conductor: restored %d cells of %s", len(out), def.Name)
	return out, nil
}

// authoredAgents lists the agents with an authored database in the space
// directory of 'dna'.
func authoredAgents(dataDir string, dna core.DnaHash) ([]core.AgentPubKey, error) {
	dir := filepath.Join(dataDir, dna.String())
	files, err := ioutil.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	prefix, suffix := "authored_", ".sqlite"
	var out []core.AgentPubKey
	for _, f := range files {
		name := f.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		h, err := core.ParseHash(strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix))
		if err != nil {
			log.Warningf("conductor: ignoring %s: %s", name, err)
			continue
		}
		if h, err = core.AsTyped(h, core.HashTypeAgent); err != nil {
			log.Warningf("conductor: ignoring %s: %s", name, err)
			continue
		}
		out = append(out, core.AgentPubKey{Hash: h})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j].Hash) < 0 })
	return out, nil
}
