// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package gossip runs gossip rounds between the peers of a space. Recent
// ops are exchanged through bloom filters in a single pass; older ops by
// comparing region sets and narrowing down the regions that differ. Op
// hashes we learn about are handed to the fetch pool, with the peer that
// told us as the source.
package gossip

import (
	"context"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/westerndigitalcorporation/agentdht/internal/arq"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/fetch"
	"github.com/westerndigitalcorporation/agentdht/internal/peerstore"
	"github.com/westerndigitalcorporation/agentdht/internal/server"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
	"github.com/westerndigitalcorporation/agentdht/internal/transport"
	"github.com/westerndigitalcorporation/agentdht/internal/wire"
	"github.com/westerndigitalcorporation/agentdht/pkg/tokenbucket"
)

var (
	roundOps   = server.NewOpMetric("gossip", "round", "module")
	inboundOps = server.NewOpMetric("gossip", "inbound", "module")

	hashesLearned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentdht",
		Subsystem: "gossip",
		Name:      "hashes_learned",
		Help:      "op hashes handed to the fetch pool",
	}, []string{"module"})

	agentsLearned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentdht",
		Subsystem: "gossip",
		Name:      "agents_learned",
		Help:      "agent infos stored from gossip",
	})
)

// LocalAgents returns the signed infos of the agents we run in the space.
type LocalAgents func(ctx context.Context) ([]*peerstore.AgentInfoSigned, error)

// round is the state of a round a peer started with us.
type round struct {
	module  Module
	peer    string
	mine    []arq.Arq
	theirs  []arq.Arq
	expires time.Time
}

// Gossip runs the gossip of one space.
type Gossip struct {
	cfg    Config
	tr     transport.Transport
	peers  *peerstore.Store
	dht    *store.DB
	pool   *fetch.Pool
	local  LocalAgents
	bucket *tokenbucket.TokenBucket // nil if unlimited

	lock   sync.Mutex
	rounds map[string]*round
	ticks  int

	now func() time.Time
}

// New returns a Gossip. Ops are read from 'dht', agent infos go to 'peers'
// and hashes we're missing to 'pool'.
func New(cfg Config, tr transport.Transport, peers *peerstore.Store, dht *store.DB, pool *fetch.Pool, local LocalAgents) *Gossip {
	g := &Gossip{
		cfg:    cfg,
		tr:     tr,
		peers:  peers,
		dht:    dht,
		pool:   pool,
		local:  local,
		rounds: make(map[string]*round),
		now:    time.Now,
	}
	if cfg.OutboundBytesPerSec > 0 {
		rate := float64(cfg.OutboundBytesPerSec)
		g.bucket = tokenbucket.New(rate, rate)
	}
	return g
}

// Space returns the space gossiped.
func (g *Gossip) Space() core.DnaHash {
	return g.peers.Space()
}

// Run starts rounds every Interval until 'ctx' is done.
func (g *Gossip) Run(ctx context.Context) {
	log.Infof("gossip: starting for space %s", g.Space().Short())
	t := time.NewTicker(g.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := g.Tick(ctx); err != nil {
			log.Errorf("gossip: %s", err)
		}
		g.sweep()
	}
}

// Tick starts rounds with the least recently gossiped peers that share
// arcs with us, and waits for them. Every HistoricalEvery ticks the rounds
// are followed by historical ones.
func (g *Gossip) Tick(ctx context.Context) error {
	locals, err := g.local(ctx)
	if err != nil {
		return err
	}
	if len(locals) == 0 {
		return nil
	}
	self := make([]core.AgentPubKey, len(locals))
	for i, l := range locals {
		self[i] = l.Info.Agent
	}
	seen := make(map[core.AgentPubKey]bool)
	var picked []*peerstore.AgentInfoSigned
	for _, l := range locals {
		cands, err := g.peers.GossipCandidates(ctx, l.Info.StorageArc(), self...)
		if err != nil {
			return err
		}
		for _, c := range cands {
			if len(picked) == g.cfg.PeersPerRound {
				break
			}
			if !seen[c.Info.Agent] && len(c.Info.URLs) > 0 {
				seen[c.Info.Agent] = true
				picked = append(picked, c)
			}
		}
	}

	g.lock.Lock()
	g.ticks++
	historical := g.ticks%g.cfg.HistoricalEvery == 0
	g.lock.Unlock()

	var eg errgroup.Group
	eg.SetLimit(g.cfg.MaxConcurrentRounds)
	for _, p := range picked {
		p := p
		eg.Go(func() error {
			if err := g.Round(ctx, p, Recent); err != nil {
				log.Errorf("gossip: recent round with %s: %s", p.Info.Agent.Short(), err)
				return nil
			}
			if historical {
				if err := g.Round(ctx, p, Historical); err != nil {
					log.Errorf("gossip: historical round with %s: %s", p.Info.Agent.Short(), err)
				}
			}
			return nil
		})
	}
	return eg.Wait()
}

// Round runs one round of 'module' with 'peer'. A busy peer is not an
// error. Failures put the peer in error backoff.
func (g *Gossip) Round(ctx context.Context, peer *peerstore.AgentInfoSigned, module Module) (err error) {
	if len(peer.Info.URLs) == 0 {
		return core.ErrPeerUnreachable.Errorf("%s has no URL", peer.Info.Agent.Short())
	}
	url := peer.Info.URLs[0]
	op := roundOps.Start(module.String())
	defer func() {
		if err != nil {
			if e := g.peers.SetLastError(ctx, peer.Info.Agent, g.now()); e != nil {
				log.Errorf("gossip: recording error of %s: %s", peer.Info.Agent.Short(), e)
			}
		}
		op.EndWithError(err)
	}()

	rctx, cancel := context.WithTimeout(ctx, g.cfg.RoundTimeout)
	defer cancel()

	locals, err := g.local(rctx)
	if err != nil || len(locals) == 0 {
		return err
	}
	id := core.GenRequestID()
	reply, err := g.send(rctx, url, module, &Message{
		Type:     MsgInitiate,
		Round:    id,
		Initiate: &Initiate{Module: module, Intervals: arqsOf(locals), AgentList: locals},
	}, MsgAccept, MsgBusy, MsgNoAgents)
	if err != nil {
		return err
	}
	switch reply.Type {
	case MsgBusy:
		op.TooBusy()
		log.V(2).Infof("gossip: %s is busy", url)
		return nil
	case MsgNoAgents:
		return g.peers.SetLastGossip(ctx, peer.Info.Agent, g.now())
	}
	if reply.Accept == nil {
		return core.ErrCorruptData.Errorf("accept without body from %s", url)
	}
	g.putAgents(rctx, reply.Accept.AgentList)

	r := &round{module: module, peer: url, mine: arqsOf(locals), theirs: reply.Accept.Intervals}
	switch module {
	case Recent:
		err = g.recentRound(rctx, id, r)
	case Historical:
		err = g.historicalRound(rctx, id, r)
	default:
		err = core.ErrInvalidArgument.Errorf("unknown module %s", module)
	}
	if err != nil {
		return err
	}
	return g.peers.SetLastGossip(ctx, peer.Info.Agent, g.now())
}

// send sends 'm' and waits for a reply of one of the 'want' types. An
// error reply is returned as an error.
func (g *Gossip) send(ctx context.Context, url string, module Module, m *Message, want ...MsgType) (*Message, error) {
	m.Space = g.Space()
	b, err := wire.Encode(m)
	if err != nil {
		return nil, err
	}
	if err := g.throttle(ctx, len(b)); err != nil {
		return nil, err
	}
	_, rb, err := g.tr.Send(ctx, url, module.kind(), b)
	if err != nil {
		return nil, err
	}
	var reply Message
	if err := wire.Decode(rb, &reply); err != nil {
		return nil, err
	}
	if reply.Type == MsgError {
		return nil, reply.err()
	}
	for _, w := range want {
		if reply.Type == w {
			return &reply, nil
		}
	}
	return nil, core.ErrCorruptData.Errorf("%s answered %s with %s", url, m.Type, reply.Type)
}

func (g *Gossip) throttle(ctx context.Context, n int) error {
	if g.bucket == nil {
		return nil
	}
	return core.FromContextError(g.bucket.Wait(ctx, float64(n)))
}

// Handle serves a gossip request from another peer.
func (g *Gossip) Handle(ctx context.Context, req *transport.Request) {
	var m Message
	if err := wire.Decode(req.Payload, &m); err != nil {
		req.RespondError(err)
		return
	}
	module := Recent
	if req.Kind == wire.KindGossipRegionSet {
		module = Historical
	}
	op := inboundOps.Start(module.String())
	reply, err := g.handle(ctx, req.From, module, &m)
	if err != nil {
		log.V(1).Infof("gossip: %s from %s: %s", m.Type, req.From, err)
		reply = errorMessage(err)
	}
	if reply.Type == MsgBusy {
		op.TooBusy()
	}
	op.EndWithError(err)
	reply.Space, reply.Round = m.Space, m.Round

	b, err := wire.Encode(reply)
	if err != nil {
		req.RespondError(err)
		return
	}
	if err := g.throttle(ctx, len(b)); err != nil {
		req.RespondError(err)
		return
	}
	req.Respond(req.Kind, b)
}

func (g *Gossip) handle(ctx context.Context, from string, module Module, m *Message) (*Message, error) {
	if m.Space != g.Space() {
		return nil, core.ErrInvalidArgument.Errorf("gossip for space %s", m.Space.Short())
	}
	if m.Type == MsgInitiate {
		return g.accept(ctx, from, m)
	}
	r, err := g.roundOf(from, m.Round)
	if err != nil {
		return nil, err
	}
	if r.module != module {
		return nil, core.ErrInvalidArgument.Errorf("%s message in a %s round", module, r.module)
	}
	switch r.module {
	case Recent:
		return g.handleRecent(ctx, from, r, m)
	case Historical:
		return g.handleHistorical(ctx, from, r, m)
	}
	return nil, core.ErrInvalidArgument.Errorf("unknown module %s", r.module)
}

// accept opens round state for a peer, unless we're full or have no agents
// in the space.
func (g *Gossip) accept(ctx context.Context, from string, m *Message) (*Message, error) {
	if m.Initiate == nil || m.Round == "" {
		return nil, core.ErrInvalidArgument.Errorf("initiate without round")
	}
	locals, err := g.local(ctx)
	if err != nil {
		return nil, err
	}
	if len(locals) == 0 {
		return &Message{Type: MsgNoAgents}, nil
	}

	now := g.now()
	key := roundKey(from, m.Round)
	g.lock.Lock()
	g.sweepLocked(now)
	if _, ok := g.rounds[key]; !ok && len(g.rounds) >= g.cfg.MaxConcurrentRounds {
		g.lock.Unlock()
		return &Message{Type: MsgBusy}, nil
	}
	g.rounds[key] = &round{
		module:  m.Initiate.Module,
		peer:    from,
		mine:    arqsOf(locals),
		theirs:  m.Initiate.Intervals,
		expires: now.Add(g.cfg.RoundTimeout),
	}
	g.lock.Unlock()

	g.putAgents(ctx, m.Initiate.AgentList)
	return &Message{Type: MsgAccept, Accept: &Accept{Intervals: arqsOf(locals), AgentList: locals}}, nil
}

func roundKey(from, id string) string {
	return from + "/" + id
}

func (g *Gossip) roundOf(from, id string) (*round, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	r, ok := g.rounds[roundKey(from, id)]
	if !ok || g.now().After(r.expires) {
		return nil, core.ErrNotFound.Errorf("no round %s with %s", id, from)
	}
	return r, nil
}

func (g *Gossip) endRound(from, id string) {
	g.lock.Lock()
	delete(g.rounds, roundKey(from, id))
	g.lock.Unlock()
}

// Rounds returns the number of rounds peers have open with us.
func (g *Gossip) Rounds() int {
	g.lock.Lock()
	defer g.lock.Unlock()
	return len(g.rounds)
}

func (g *Gossip) sweep() {
	g.lock.Lock()
	g.sweepLocked(g.now())
	g.lock.Unlock()
}

func (g *Gossip) sweepLocked(now time.Time) {
	for k, r := range g.rounds {
		if now.After(r.expires) {
			log.V(2).Infof("gossip: %s round with %s timed out", r.module, r.peer)
			delete(g.rounds, k)
		}
	}
}

// putAgents stores the agent infos a peer sent. Bad ones are logged and
// dropped.
func (g *Gossip) putAgents(ctx context.Context, infos []*peerstore.AgentInfoSigned) {
	for _, i := range infos {
		if i == nil {
			continue
		}
		put, err := g.peers.Put(ctx, i)
		if err != nil {
			log.Warningf("gossip: dropping agent info %s: %s", i, err)
			continue
		}
		if put {
			agentsLearned.Inc()
		}
	}
}

// learn hands the hashes we don't hold to the fetch pool, with 'source' as
// where to get them.
func (g *Gossip) learn(ctx context.Context, module Module, hashes []core.DhtOpHash, source string) error {
	if len(hashes) == 0 {
		return nil
	}
	var held map[core.DhtOpHash]bool
	err := g.dht.Read(ctx, func(txn *store.Txn) (err error) {
		held, err = txn.HasOps(hashes)
		return
	})
	if err != nil {
		return err
	}
	var n int
	for _, h := range hashes {
		if held[h] {
			continue
		}
		if !g.pool.Push(h, 0, source, g.Space()) {
			log.V(2).Infof("gossip: fetch pool full, dropping %s", h.Short())
			continue
		}
		n++
	}
	hashesLearned.WithLabelValues(module.String()).Add(float64(n))
	log.V(2).Infof("gossip: %d new op hashes from %s", n, source)
	return nil
}

func arqsOf(infos []*peerstore.AgentInfoSigned) []arq.Arq {
	out := make([]arq.Arq, len(infos))
	for i, l := range infos {
		out[i] = l.Info.Arq
	}
	return out
}

// commonArcs returns where any arq of 'a' meets any arq of 'b'.
func commonArcs(a, b []arq.Arq) []arq.Arc {
	var out []arq.Arc
	for _, x := range a {
		for _, y := range b {
			out = append(out, x.ToArc().Intersection(y.ToArc())...)
		}
	}
	return out
}
