// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package gossip

import (
	"context"
	"fmt"
	"io/ioutil"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/westerndigitalcorporation/agentdht/internal/arq"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/fetch"
	"github.com/westerndigitalcorporation/agentdht/internal/keystore"
	"github.com/westerndigitalcorporation/agentdht/internal/peerstore"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
	"github.com/westerndigitalcorporation/agentdht/internal/transport"
	"github.com/westerndigitalcorporation/agentdht/pkg/testutil"
)

var testSpace = core.HashDnaBytes([]byte("gossip space"))

func testConfig() Config {
	cfg := DefaultTestConfig
	cfg.FalsePositiveRate = 1e-6
	return cfg
}

type node struct {
	g     *Gossip
	tr    *transport.MemTransport
	peers *peerstore.Store
	dht   *store.DB
	pool  *fetch.Pool
	ks    *keystore.MemKeystore
	info  *peerstore.AgentInfoSigned
}

func openDB(t *testing.T, dir string, k store.Kind) *store.DB {
	db, err := store.Open(store.PathFor(dir, k, core.AgentPubKey{}), k, store.DefaultTestConfig)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newNode(t *testing.T, net *transport.MemNetwork, name string, cfg Config, q arq.Arq) *node {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	dir, err := ioutil.TempDir(testutil.TempDir(), "gossip")
	require.NoError(t, err)

	n := &node{
		tr:   net.Join("mem://"+name, 16),
		dht:  openDB(t, dir, store.KindDht),
		pool: fetch.NewPool(fetch.DefaultTestConfig, nil),
		ks:   keystore.NewMemKeystore(),
	}
	t.Cleanup(func() { n.tr.Close() })
	n.peers = peerstore.New(peerstore.DefaultTestConfig, testSpace, openDB(t, dir, store.KindP2pAgents), openDB(t, dir, store.KindP2pMetrics))
	n.info = n.signed(t, q)
	_, err = n.peers.Put(ctx, n.info)
	require.NoError(t, err)

	n.g = New(cfg, n.tr, n.peers, n.dht, n.pool, func(context.Context) ([]*peerstore.AgentInfoSigned, error) {
		return []*peerstore.AgentInfoSigned{n.info}, nil
	})
	go func() {
		for {
			select {
			case req := <-n.tr.Incoming():
				go n.g.Handle(ctx, req)
			case <-ctx.Done():
				return
			}
		}
	}()
	return n
}

// signed returns the info of a new agent of this node.
func (n *node) signed(t *testing.T, q arq.Arq) *peerstore.AgentInfoSigned {
	ctx := context.Background()
	agent, err := n.ks.GenerateAgent(ctx)
	require.NoError(t, err)
	info, err := peerstore.Sign(ctx, n.ks, peerstore.AgentInfo{
		Agent: agent,
		Space: testSpace,
		URLs:  []string{n.tr.URL()},
		Arq:   q,
	}, time.Now(), time.Minute)
	require.NoError(t, err)
	return info
}

func testOp(i int, authored time.Time) *store.OpRow {
	return &store.OpRow{
		Hash:     core.HashOpBytes([]byte(fmt.Sprintf("op %d", i))),
		Type:     1,
		Basis:    core.HashEntryBytes([]byte(fmt.Sprintf("basis %d", i))).Hash,
		Authored: core.TimestampFromTime(authored),
		Status:   store.StatusValid,
		Stage:    store.StageIntegrated,
		Size:     uint32(100 + i),
		Blob:     []byte{byte(i)},
	}
}

func (n *node) hold(t *testing.T, authored time.Time, ids ...int) {
	err := n.dht.Write(context.Background(), func(txn *store.Txn) error {
		for _, i := range ids {
			if _, err := txn.PutOp(testOp(i, authored)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func span(from, to int) (out []int) {
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return
}

// requireQueued checks that exactly 'ids' are in the pool, from 'src'.
func requireQueued(t *testing.T, pool *fetch.Pool, src string, ids ...int) {
	require.Equal(t, len(ids), pool.Len())
	for _, i := range ids {
		it, ok := pool.Get(testOp(i, time.Time{}).Hash)
		require.True(t, ok, "op %d not queued", i)
		require.Equal(t, []string{src}, it.Sources)
		require.Equal(t, testSpace, it.Space)
	}
}

func TestFilter(t *testing.T) {
	var keys [][]byte
	for i := 0; i < 1000; i++ {
		keys = append(keys, []byte(fmt.Sprintf("in %d", i)))
	}
	f, err := NewFilter(0.01, keys)
	require.NoError(t, err)

	// What goes over the wire is what gets tested.
	got := &Filter{Bits: f.Bits}
	require.NoError(t, got.decode())
	for _, k := range keys {
		require.True(t, got.Has(k))
	}
	var fp int
	for i := 0; i < 10000; i++ {
		if got.Has([]byte(fmt.Sprintf("out %d", i))) {
			fp++
		}
	}
	require.Less(t, fp, 300)

	bad := &Filter{Bits: []byte{1, 2, 3}}
	require.True(t, core.ErrCorruptData.Is(bad.decode()))

	empty, err := NewFilter(0.01, nil)
	require.NoError(t, err)
	require.False(t, empty.Has([]byte("anything")))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultProdConfig.Validate())
	require.NoError(t, DefaultTestConfig.Validate())
	cfg := DefaultTestConfig
	cfg.FalsePositiveRate = 1
	require.Error(t, cfg.Validate())
	cfg = DefaultTestConfig
	cfg.MaxConcurrentRounds = 0
	require.Error(t, cfg.Validate())
}

func TestTopology(t *testing.T) {
	g := &Gossip{cfg: testConfig(), now: time.Now}
	full := []arq.Arq{arq.FullArq(0)}
	part := []arq.Arq{arq.NewArq(0x40000000, 24, 10)}

	top := g.topology(full, part)
	require.NotEmpty(t, top.Space)
	for _, s := range top.Space {
		require.True(t, covered(s.Arc(), part))
	}
	require.True(t, top.Equal(g.topology(part, full)))

	// Arcs that don't meet have nothing to compare.
	other := []arq.Arq{arq.NewArq(0xc0000000, 24, 10)}
	require.Empty(t, g.topology(part, other).Space)
	require.Empty(t, commonArcs(part, other))
	require.Len(t, commonArcs(full, part), 1)
}

func TestRecentRound(t *testing.T) {
	ctx := context.Background()
	net := transport.NewMemNetwork()
	a := newNode(t, net, "a", testConfig(), arq.FullArq(0))
	b := newNode(t, net, "b", testConfig(), arq.FullArq(0))

	recent := time.Now().Add(-10 * time.Minute)
	a.hold(t, recent, span(0, 15)...)
	b.hold(t, recent, span(0, 10)...)
	b.hold(t, recent, span(15, 20)...)
	// Historical ops are left to historical rounds.
	b.hold(t, time.Now().Add(-3*time.Hour), 100)

	// b knows an agent a doesn't.
	c := b.signed(t, arq.FullArq(0))
	_, err := b.peers.Put(ctx, c)
	require.NoError(t, err)

	require.NoError(t, a.g.Round(ctx, b.info, Recent))

	requireQueued(t, a.pool, b.tr.URL(), span(15, 20)...)
	requireQueued(t, b.pool, a.tr.URL(), span(10, 15)...)

	for _, n := range []*node{a, b} {
		for _, i := range []*peerstore.AgentInfoSigned{a.info, b.info, c} {
			_, err := n.peers.Get(ctx, i.Info.Agent)
			require.NoError(t, err)
		}
	}
	last, err := a.peers.LastGossip(ctx, b.info.Info.Agent)
	require.NoError(t, err)
	require.False(t, last.IsZero())
	require.Equal(t, 0, b.g.Rounds())

	// In sync now, apart from what's being fetched.
	require.NoError(t, a.g.Round(ctx, b.info, Recent))
	require.Equal(t, 5, a.pool.Len())
}

func TestRecentRoundWithoutCommonArcs(t *testing.T) {
	ctx := context.Background()
	net := transport.NewMemNetwork()
	a := newNode(t, net, "a", testConfig(), arq.NewArq(0x40000000, 24, 10))
	b := newNode(t, net, "b", testConfig(), arq.NewArq(0xc0000000, 24, 10))
	recent := time.Now().Add(-time.Minute)
	a.hold(t, recent, span(0, 5)...)
	b.hold(t, recent, span(5, 10)...)

	require.NoError(t, a.g.Round(ctx, b.info, Recent))
	require.Equal(t, 0, a.pool.Len())
	require.Equal(t, 0, b.pool.Len())
	_, err := b.peers.Get(ctx, a.info.Info.Agent)
	require.NoError(t, err)
}

func TestHistoricalRound(t *testing.T) {
	ctx := context.Background()
	net := transport.NewMemNetwork()
	a := newNode(t, net, "a", testConfig(), arq.FullArq(0))
	b := newNode(t, net, "b", testConfig(), arq.FullArq(0))

	old := time.Now().Add(-3 * time.Hour)
	a.hold(t, old, span(0, 21)...)
	b.hold(t, old, span(0, 20)...)
	b.hold(t, old, 21, 22)
	// Recent ops are left to recent rounds.
	b.hold(t, time.Now(), 200)

	require.NoError(t, a.g.Round(ctx, b.info, Historical))
	requireQueued(t, a.pool, b.tr.URL(), 21, 22)
	requireQueued(t, b.pool, a.tr.URL(), 20)
	require.Equal(t, 0, b.g.Rounds())
}

func TestBusyAndNoAgents(t *testing.T) {
	ctx := context.Background()
	net := transport.NewMemNetwork()
	cfg := testConfig()
	cfg.MaxConcurrentRounds = 1
	a := newNode(t, net, "a", cfg, arq.FullArq(0))
	b := newNode(t, net, "b", cfg, arq.FullArq(0))

	initiate := func(id string) *Message {
		return &Message{Type: MsgInitiate, Space: testSpace, Round: id, Initiate: &Initiate{Intervals: []arq.Arq{arq.FullArq(0)}}}
	}
	reply, err := b.g.handle(ctx, "mem://x", Recent, initiate("1"))
	require.NoError(t, err)
	require.Equal(t, MsgAccept, reply.Type)
	reply, err = b.g.handle(ctx, "mem://x", Recent, initiate("2"))
	require.NoError(t, err)
	require.Equal(t, MsgBusy, reply.Type)

	// Busy isn't an error and isn't a round either.
	require.NoError(t, a.g.Round(ctx, b.info, Recent))
	last, err := a.peers.LastGossip(ctx, b.info.Info.Agent)
	require.NoError(t, err)
	require.True(t, last.IsZero())

	// Messages for rounds we don't know fail.
	_, err = b.g.handle(ctx, "mem://y", Recent, &Message{Type: MsgAgents, Space: testSpace, Round: "1"})
	require.True(t, core.ErrNotFound.Is(err))
	_, err = b.g.handle(ctx, "mem://x", Recent, &Message{Type: MsgInitiate, Space: core.HashDnaBytes([]byte("other")), Round: "3"})
	require.True(t, core.ErrInvalidArgument.Is(err))

	// Timed out rounds are swept.
	b.g.now = func() time.Time { return time.Now().Add(cfg.RoundTimeout + time.Second) }
	b.g.sweep()
	require.Equal(t, 0, b.g.Rounds())

	// A node without agents in the space says so.
	b.g.local = func(context.Context) ([]*peerstore.AgentInfoSigned, error) { return nil, nil }
	require.NoError(t, a.g.Round(ctx, b.info, Recent))
	last, err = a.peers.LastGossip(ctx, b.info.Info.Agent)
	require.NoError(t, err)
	require.False(t, last.IsZero())
}

func TestTick(t *testing.T) {
	ctx := context.Background()
	net := transport.NewMemNetwork()
	a := newNode(t, net, "a", testConfig(), arq.FullArq(0))
	b := newNode(t, net, "b", testConfig(), arq.FullArq(0))
	_, err := a.peers.Put(ctx, b.info)
	require.NoError(t, err)
	b.hold(t, time.Now().Add(-time.Minute), 1)
	b.hold(t, time.Now().Add(-3*time.Hour), 2)

	// Ticks alternate recent only and recent plus historical.
	require.NoError(t, a.g.Tick(ctx))
	requireQueued(t, a.pool, b.tr.URL(), 1)
	require.NoError(t, a.g.Tick(ctx))
	requireQueued(t, a.pool, b.tr.URL(), 1, 2)

	// A failing peer is put in backoff and skipped.
	net.SetDropProb(b.tr.URL(), 1)
	require.NoError(t, a.g.Tick(ctx))
	back, err := a.peers.InBackoff(ctx, b.info.Info.Agent, time.Now())
	require.NoError(t, err)
	require.True(t, back)
	cands, err := a.peers.GossipCandidates(ctx, arq.FullArc(), a.info.Info.Agent)
	require.NoError(t, err)
	require.Empty(t, cands)
}
