// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package conductor

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/westerndigitalcorporation/agentdht/internal/action"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/host"
	"github.com/westerndigitalcorporation/agentdht/internal/integrate"
	"github.com/westerndigitalcorporation/agentdht/internal/keystore"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
	"github.com/westerndigitalcorporation/agentdht/internal/transport"
	"github.com/westerndigitalcorporation/agentdht/internal/wire"
	"github.com/westerndigitalcorporation/agentdht/pkg/testutil"
)

var testDna = &action.DnaDef{
	Name: "conductor test",
	IntegrityZome: []action.ZomeDef{{
		Name:       "posts",
		EntryTypes: []action.EntryDef{{Name: "post", Visibility: action.Public}},
	}},
}

var postType = action.AppEntryType(0, 0, action.Public)

const (
	waitFor = 5 * time.Second
	tick    = 20 * time.Millisecond
)

// script is a guest made of one function per name.
type script map[string]func(ctx context.Context, api host.API, payload []byte) ([]byte, error)

func (s script) Call(ctx context.Context, api host.API, zome, fn string, payload []byte) ([]byte, error) {
	f, ok := s[fn]
	if !ok {
		return nil, host.ErrNoCallback
	}
	return f(ctx, api, payload)
}

func hostCall(ctx context.Context, api host.API, fn host.HostFn, in, out interface{}) error {
	e, err := host.NewEnvelope(fn, in)
	if err != nil {
		return err
	}
	r := api.Call(ctx, e)
	if out == nil {
		return r.Err()
	}
	return r.Decode(out)
}

func mustEncode(v interface{}) []byte {
	b, err := action.Encode(v)
	if err != nil {
		panic(err)
	}
	return b
}

// testGuest posts, reads, grants access to "hello" and calls other
// agents. It rejects the membrane proof "bad".
var testGuest = script{
	"genesis_self_check": func(ctx context.Context, api host.API, payload []byte) ([]byte, error) {
		if string(payload) == "bad" {
			return mustEncode(integrate.Invalid("bad proof")), nil
		}
		return mustEncode(integrate.Valid), nil
	},
	"create": func(ctx context.Context, api host.API, payload []byte) ([]byte, error) {
		var h core.ActionHash
		err := hostCall(ctx, api, host.FnCreateEntry, host.CreateInput{EntryType: postType, Entry: *action.AppEntry(payload)}, &h)
		return mustEncode(h), err
	},
	"read": func(ctx context.Context, api host.API, payload []byte) ([]byte, error) {
		var h core.AnyDhtHash
		if err := action.Decode(payload, &h); err != nil {
			return nil, err
		}
		var rec *action.Record
		if err := hostCall(ctx, api, host.FnGet, h, &rec); err != nil {
			return nil, err
		}
		if rec == nil || rec.Entry == nil {
			return nil, nil
		}
		return rec.Entry.App, nil
	},
	"grant": func(ctx context.Context, api host.API, payload []byte) ([]byte, error) {
		grant := &action.CapGrant{
			Tag:       "public",
			Access:    action.Unrestricted,
			Functions: []action.GrantedFunction{{Zome: "posts", Fn: "hello"}},
		}
		e := action.Entry{Kind: action.EntryCapGrant, CapGrant: grant}
		return nil, hostCall(ctx, api, host.FnCreateEntry, host.CreateInput{EntryType: action.CapGrantEntryType(), Entry: e}, nil)
	},
	"hello": func(ctx context.Context, api host.API, payload []byte) ([]byte, error) {
		return append([]byte("hi "), payload...), nil
	},
	"ask": func(ctx context.Context, api host.API, payload []byte) ([]byte, error) {
		var to core.AgentPubKey
		if err := action.Decode(payload, &to); err != nil {
			return nil, err
		}
		var reply []byte
		err := hostCall(ctx, api, host.FnCallRemote, host.RemoteCall{To: to, Zome: "posts", Fn: "hello", Payload: []byte("you")}, &reply)
		return reply, err
	},
	"shout": func(ctx context.Context, api host.API, payload []byte) ([]byte, error) {
		return nil, hostCall(ctx, api, host.FnEmitSignal, payload, nil)
	},
}

type node struct {
	c   *Conductor
	ks  *keystore.MemKeystore
	cfg Config
}

func newNode(t *testing.T, net *transport.MemNetwork, name string) *node {
	return newNodeWith(t, net, name, DefaultTestConfig)
}

func newNodeWith(t *testing.T, net *transport.MemNetwork, name string, cfg Config) *node {
	cfg.DataDir = testutil.MkDir(t, "conductor")
	require.NoError(t, cfg.Validate())
	n := &node{ks: keystore.NewMemKeystore(), cfg: cfg}
	n.c = New(cfg, net.Join("mem://"+name, 16), n.ks)
	n.c.Start()
	t.Cleanup(func() { n.c.Close() })
	return n
}

func (n *node) install(t *testing.T) *Cell {
	cell, err := n.c.InstallCell(context.Background(), testDna, testGuest, nil)
	require.NoError(t, err)
	return cell
}

// introduce tells each cell about the other.
func introduce(t *testing.T, a, b *Cell) {
	ctx := context.Background()
	_, err := a.space.peers.Put(ctx, b.Info())
	require.NoError(t, err)
	_, err = b.space.peers.Put(ctx, a.Info())
	require.NoError(t, err)
}

func integrated(t *testing.T, sp *space) int {
	counts, err := sp.flow.Counts(context.Background())
	require.NoError(t, err)
	return counts[store.StageIntegrated]
}

func TestInstallCell(t *testing.T) {
	n := newNode(t, transport.NewMemNetwork(), "a")
	cell := n.install(t)
	ctx := context.Background()

	ok, err := cell.Chain().IsInitialized(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	head, err := cell.Chain().Head(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, head.Seq)

	require.True(t, cell.Arq().IsFull())
	require.NotNil(t, cell.Info())
	require.Equal(t, n.c.URL(), cell.Info().Info.URLs[0])

	got, ok := n.c.Cell(cell.Agent())
	require.True(t, ok)
	require.Equal(t, cell, got)
	require.Len(t, n.c.Cells(), 1)

	// We hold the whole ring, so every genesis op is integrated here.
	require.Eventually(t, func() bool { return integrated(t, cell.space) >= 6 }, waitFor, tick)

	// A second agent shares the space.
	other := n.install(t)
	require.Equal(t, cell.space, other.space)
	require.Len(t, n.c.Cells(), 2)
}

func TestMembraneRejected(t *testing.T) {
	n := newNode(t, transport.NewMemNetwork(), "a")
	_, err := n.c.InstallCell(context.Background(), testDna, testGuest, []byte("bad"))
	require.True(t, core.ErrMembraneRejected.Is(err), "%v", err)
	require.Empty(t, n.c.Cells())

	agents, err := authoredAgents(n.cfg.DataDir, testDna.Hash())
	require.NoError(t, err)
	require.Empty(t, agents)
}

func TestCallZomePublishes(t *testing.T) {
	net := transport.NewMemNetwork()
	a, b := newNode(t, net, "a"), newNode(t, net, "b")
	ca, cb := a.install(t), b.install(t)
	introduce(t, ca, cb)
	ctx := context.Background()

	out, err := ca.CallZome(ctx, "posts", "create", []byte("hello"))
	require.NoError(t, err)
	var created core.ActionHash
	require.NoError(t, action.Decode(out, &created))

	// b holds the whole ring and learns about the post from the publish.
	eh := action.AppEntry([]byte("hello")).Hash()
	require.Eventually(t, func() bool {
		got, err := cb.CallZome(ctx, "posts", "read", mustEncode(eh.IntoAnyDht()))
		return err == nil && string(got) == "hello"
	}, waitFor, tick)

	got, err := ca.CallZome(ctx, "posts", "read", mustEncode(created.IntoAnyDht()))
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestUnreachableOpsAreRepublished(t *testing.T) {
	net := transport.NewMemNetwork()
	cfg := DefaultTestConfig
	cfg.ResizeInterval = time.Hour
	a, b := newNodeWith(t, net, "a", cfg), newNode(t, net, "b")
	ca, cb := a.install(t), b.install(t)
	introduce(t, ca, cb)
	ctx := context.Background()

	// a stops holding anything, so b is the only authority.
	ca.lock.Lock()
	ca.arq.Count = 0
	ca.lock.Unlock()
	_, err := ca.sign(ctx)
	require.NoError(t, err)
	require.True(t, ca.Arq().IsEmpty())

	net.SetDropProb("mem://b", 1)
	_, err = ca.CallZome(ctx, "posts", "create", []byte("later"))
	require.NoError(t, err)
	ca.space.lock.Lock()
	require.NotEmpty(t, ca.space.unpublished)
	ca.space.lock.Unlock()

	net.SetDropProb("mem://b", 0)
	eh := action.AppEntry([]byte("later")).Hash()
	require.Eventually(t, func() bool {
		got, err := cb.CallZome(ctx, "posts", "read", mustEncode(eh.IntoAnyDht()))
		return err == nil && string(got) == "later"
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		ca.space.lock.Lock()
		defer ca.space.lock.Unlock()
		return len(ca.space.unpublished) == 0
	}, waitFor, tick)
}

func TestCallRemote(t *testing.T) {
	net := transport.NewMemNetwork()
	a, b := newNode(t, net, "a"), newNode(t, net, "b")
	ca, cb := a.install(t), b.install(t)
	introduce(t, ca, cb)
	ctx := context.Background()

	_, err := ca.CallZome(ctx, "posts", "ask", mustEncode(cb.Agent()))
	require.True(t, core.ErrUnauthorized.Is(err), "%v", err)

	_, err = cb.CallZome(ctx, "posts", "grant", nil)
	require.NoError(t, err)
	out, err := ca.CallZome(ctx, "posts", "ask", mustEncode(cb.Agent()))
	require.NoError(t, err)
	require.Equal(t, "hi you", string(out))

	// Cells of the same conductor call each other directly.
	cc := a.install(t)
	_, err = cc.CallZome(ctx, "posts", "grant", nil)
	require.NoError(t, err)
	out, err = ca.CallZome(ctx, "posts", "ask", mustEncode(cc.Agent()))
	require.NoError(t, err)
	require.Equal(t, "hi you", string(out))
}

func TestForgedRemoteCall(t *testing.T) {
	net := transport.NewMemNetwork()
	a, b := newNode(t, net, "a"), newNode(t, net, "b")
	ca, cb := a.install(t), b.install(t)
	introduce(t, ca, cb)
	ctx := context.Background()
	_, err := cb.CallZome(ctx, "posts", "grant", nil)
	require.NoError(t, err)

	payload, err := a.c.signCall(ctx, host.RemoteCall{From: ca.Agent(), To: cb.Agent(), Zome: "posts", Fn: "hello"})
	require.NoError(t, err)
	var msg RemoteCallMsg
	require.NoError(t, wire.Decode(payload, &msg))
	msg.Signature[0] ^= 1
	forged, err := wire.Encode(&msg)
	require.NoError(t, err)

	_, _, err = a.c.tr.Send(ctx, b.c.URL(), wire.KindCallRemote, forged)
	require.True(t, core.ErrUnauthorized.Is(err), "%v", err)
	_, reply, err := a.c.tr.Send(ctx, b.c.URL(), wire.KindCallRemote, payload)
	require.NoError(t, err)
	require.Equal(t, "hi ", string(reply))
}

func TestInfoQueryFindsAgent(t *testing.T) {
	net := transport.NewMemNetwork()
	a, b, c := newNode(t, net, "a"), newNode(t, net, "b"), newNode(t, net, "c")
	ca, cb, cc := a.install(t), b.install(t), c.install(t)
	// a knows b, b knows c, a doesn't know c.
	introduce(t, ca, cb)
	introduce(t, cb, cc)
	ctx := context.Background()

	_, err := cc.CallZome(ctx, "posts", "grant", nil)
	require.NoError(t, err)
	out, err := ca.CallZome(ctx, "posts", "ask", mustEncode(cc.Agent()))
	require.NoError(t, err)
	require.Equal(t, "hi you", string(out))

	_, err = ca.space.peers.Get(ctx, cc.Agent())
	require.NoError(t, err)
}

func TestUnknownSpace(t *testing.T) {
	net := transport.NewMemNetwork()
	a, b := newNode(t, net, "a"), newNode(t, net, "b")
	a.install(t)
	ctx := context.Background()

	payload, err := wire.Encode(&PublishMsg{Space: core.HashDnaBytes([]byte("elsewhere"))})
	require.NoError(t, err)
	_, _, err = b.c.tr.Send(ctx, a.c.URL(), wire.KindPublish, payload)
	require.True(t, core.ErrNotFound.Is(err), "%v", err)

	_, _, err = b.c.tr.Send(ctx, a.c.URL(), wire.KindFetchResponse, nil)
	require.True(t, core.ErrInvalidArgument.Is(err), "%v", err)
}

func TestInjectedFailure(t *testing.T) {
	net := transport.NewMemNetwork()
	a, b := newNode(t, net, "a"), newNode(t, net, "b")
	ca := a.install(t)
	ctx := context.Background()

	cfg, err := json.Marshal(map[string]core.Error{"publish": core.ErrPeerUnreachable})
	require.NoError(t, err)
	require.NoError(t, a.c.opFailure.Handler(cfg))

	payload, err := wire.Encode(&PublishMsg{Space: ca.Dna()})
	require.NoError(t, err)
	_, _, err = b.c.tr.Send(ctx, a.c.URL(), wire.KindPublish, payload)
	require.True(t, core.ErrPeerUnreachable.Is(err), "%v", err)

	require.NoError(t, a.c.opFailure.Handler(nil))
	_, _, err = b.c.tr.Send(ctx, a.c.URL(), wire.KindPublish, payload)
	require.NoError(t, err)
}

func TestInfosArePushed(t *testing.T) {
	net := transport.NewMemNetwork()
	a, b := newNode(t, net, "a"), newNode(t, net, "b")
	ca, cb := a.install(t), b.install(t)
	ctx := context.Background()

	// b only learns of a through a's push.
	_, err := ca.space.peers.Put(ctx, cb.Info())
	require.NoError(t, err)
	a.c.refresh(ctx)
	info, err := cb.space.peers.Get(ctx, ca.Agent())
	require.NoError(t, err)
	require.Equal(t, ca.Agent(), info.Info.Agent)
}

func TestSignals(t *testing.T) {
	n := newNode(t, transport.NewMemNetwork(), "a")
	cell := n.install(t)
	_, err := cell.CallZome(context.Background(), "posts", "shout", []byte("boo"))
	require.NoError(t, err)
	select {
	case s := <-n.c.Signals():
		require.Equal(t, cell.Agent(), s.Agent)
		require.Equal(t, "boo", string(s.Payload))
	case <-time.After(waitFor):
		t.Fatal("no signal")
	}
}

func TestRestoreCells(t *testing.T) {
	net := transport.NewMemNetwork()
	n := newNode(t, net, "a")
	cell := n.install(t)
	ctx := context.Background()
	_, err := cell.CallZome(ctx, "posts", "create", []byte("kept"))
	require.NoError(t, err)
	head, err := cell.Chain().Head(ctx)
	require.NoError(t, err)
	require.NoError(t, n.c.Close())

	again := New(n.cfg, net.Join("mem://a2", 16), n.ks)
	again.Start()
	defer again.Close()
	cells, err := again.RestoreCells(ctx, testDna, testGuest)
	require.NoError(t, err)
	require.Len(t, cells, 1)
	require.Equal(t, cell.Agent(), cells[0].Agent())
	restored, err := cells[0].Chain().Head(ctx)
	require.NoError(t, err)
	require.Equal(t, head, restored)

	none, err := again.RestoreCells(ctx, &action.DnaDef{Name: "never installed"}, testGuest)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestStatus(t *testing.T) {
	n := newNode(t, transport.NewMemNetwork(), "a")
	cell := n.install(t)

	srv := httptest.NewServer(n.c)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var st StatusData
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.Len(t, st.Spaces, 1)
	require.Equal(t, testDna.Name, st.Spaces[0].Name)
	require.Len(t, st.Spaces[0].Cells, 1)
	require.Equal(t, cell.Agent().String(), st.Spaces[0].Cells[0].Agent)
	require.EqualValues(t, 2, st.Spaces[0].Cells[0].HeadSeq)

	resp, err = http.Get(srv.URL)
	require.NoError(t, err)
	body, err := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), testDna.Name)

	resp, err = http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConfig(t *testing.T) {
	cfg := DefaultProdConfig
	require.Error(t, cfg.Validate())
	cfg.DataDir = "/tmp/agentdht"
	require.NoError(t, cfg.Validate())
	cfg.RefreshInterval = cfg.Peers.InfoTTL
	require.Error(t, cfg.Validate())
}
