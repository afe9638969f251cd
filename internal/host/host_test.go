// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package host

import (
	"context"
	"errors"
	"io/ioutil"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/westerndigitalcorporation/agentdht/internal/action"
	"github.com/westerndigitalcorporation/agentdht/internal/chain"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/dhtop"
	"github.com/westerndigitalcorporation/agentdht/internal/integrate"
	"github.com/westerndigitalcorporation/agentdht/internal/keystore"
	"github.com/westerndigitalcorporation/agentdht/internal/server"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
	"github.com/westerndigitalcorporation/agentdht/pkg/testutil"
)

var testDnaDef = &action.DnaDef{
	Name: "host test",
	IntegrityZome: []action.ZomeDef{{
		Name:       "posts",
		EntryTypes: []action.EntryDef{{Name: "post", Visibility: action.Public}},
		LinkTypes:  []string{"all_posts"},
	}},
}

var postType = action.AppEntryType(0, 0, action.Public)

// script is a guest made of one function per name. Missing functions
// answer ErrNoCallback.
type script map[string]func(ctx context.Context, api API, payload []byte) ([]byte, error)

func (s script) Call(ctx context.Context, api API, zome, fn string, payload []byte) ([]byte, error) {
	f, ok := s[fn]
	if !ok {
		return nil, ErrNoCallback
	}
	return f(ctx, api, payload)
}

type testCell struct {
	t       *testing.T
	h       *Host
	chain   *chain.SourceChain
	ks      *keystore.MemKeystore
	signals []Signal
}

func newCell(t *testing.T, guest Guest) *testCell {
	dir, err := ioutil.TempDir(testutil.TempDir(), "host")
	require.NoError(t, err)
	ks := keystore.NewMemKeystore()
	agent, err := ks.GenerateAgent(context.Background())
	require.NoError(t, err)
	authored, err := store.Open(store.PathFor(dir, store.KindAuthored, agent), store.KindAuthored, store.DefaultTestConfig)
	require.NoError(t, err)
	dht, err := store.Open(store.PathFor(dir, store.KindDht, agent), store.KindDht, store.DefaultTestConfig)
	require.NoError(t, err)
	t.Cleanup(func() {
		authored.Close()
		dht.Close()
	})

	c := chain.New(agent, testDnaDef.Hash(), authored, dht, ks, server.NewFineGrainedLock())
	_, err = c.Genesis(context.Background(), nil)
	require.NoError(t, err)

	tc := &testCell{t: t, chain: c, ks: ks}
	tc.h = New(Env{
		Dna:      testDnaDef,
		Chain:    c,
		Authored: authored,
		DHT:      dht,
		Keystore: ks,
		Guest:    guest,
		Signals:  func(s Signal) { tc.signals = append(tc.signals, s) },
	})
	return tc
}

func (c *testCell) call(fn string, payload []byte) (*Output, error) {
	return c.h.CallZome(context.Background(), c.h.Agent(), "posts", fn, payload)
}

// hostCall makes a host call and decodes its output.
func hostCall(ctx context.Context, api API, fn HostFn, in, out interface{}) error {
	e, err := NewEnvelope(fn, in)
	if err != nil {
		return err
	}
	r := api.Call(ctx, e)
	if out == nil {
		return r.Err()
	}
	return r.Decode(out)
}

func encode(t *testing.T, v interface{}) []byte {
	b, err := action.Encode(v)
	require.NoError(t, err)
	return b
}

func decode(t *testing.T, b []byte, v interface{}) {
	require.NoError(t, action.Decode(b, v))
}

func TestPermissions(t *testing.T) {
	zc := PermissionsFor(ZomeCall)
	for f := HostFn(0); f < numHostFns; f++ {
		require.True(t, zc.Has(f), f.String())
	}

	ini := PermissionsFor(Init)
	require.False(t, ini.Has(FnCallRemote))
	require.True(t, ini.Has(FnCreateEntry))
	require.True(t, Init.Writes())

	pc := PermissionsFor(PostCommit)
	require.False(t, pc.Has(FnCreateLink))
	require.True(t, pc.Has(FnCallRemote))
	require.False(t, PostCommit.Writes())

	v := PermissionsFor(Validate)
	for _, f := range []HostFn{FnMustGetEntry, FnMustGetAction, FnMustGetValidRecord, FnMustGetAgentActivity, FnHash, FnVerifySignature, FnZomeInfo, FnDnaInfo} {
		require.True(t, v.Has(f), f.String())
	}
	for _, f := range []HostFn{FnCreateEntry, FnGet, FnGetLinks, FnQuery, FnCallRemote, FnSysTime, FnRandomBytes, FnAgentInfo, FnSign} {
		require.False(t, v.Has(f), f.String())
	}

	gs := PermissionsFor(GenesisSelf)
	require.True(t, gs.Has(FnHash))
	require.False(t, gs.Has(FnMustGetEntry))

	f, err := ParseHostFn("must_get_valid_record")
	require.NoError(t, err)
	require.Equal(t, FnMustGetValidRecord, f)
	_, err = ParseHostFn("nope")
	require.Error(t, err)
}

func TestCreateGetDelete(t *testing.T) {
	c := newCell(t, script{
		"create": func(ctx context.Context, api API, payload []byte) ([]byte, error) {
			var h core.ActionHash
			err := hostCall(ctx, api, FnCreateEntry, CreateInput{EntryType: postType, Entry: *action.AppEntry(payload)}, &h)
			return encode(t, h), err
		},
		"delete": func(ctx context.Context, api API, payload []byte) ([]byte, error) {
			var target, h core.ActionHash
			decode(t, payload, &target)
			err := hostCall(ctx, api, FnDeleteEntry, DeleteInput{Deletes: target}, &h)
			return encode(t, h), err
		},
	})

	out, err := c.call("create", []byte("hello"))
	require.NoError(t, err)
	// Init ran first.
	require.Len(t, out.Committed.Records, 2)
	require.Equal(t, action.TypeInitZomesComplete, out.Committed.Records[0].Action().Type)
	require.NotEmpty(t, out.Committed.Ops)
	var created core.ActionHash
	decode(t, out.Payload, &created)
	require.Equal(t, created, out.Committed.Records[1].ActionHash())

	ctx := context.Background()
	rec, err := c.h.get(ctx, created.IntoAnyDht())
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, []byte("hello"), rec.Entry.App)

	eh := action.AppEntry([]byte("hello")).Hash()
	rec, err = c.h.get(ctx, eh.IntoAnyDht())
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, created, rec.ActionHash())

	d, err := c.h.details(ctx, eh.IntoAnyDht())
	require.NoError(t, err)
	require.True(t, d.Live)
	require.Len(t, d.Actions, 1)

	out, err = c.call("delete", encode(t, created))
	require.NoError(t, err)
	require.Len(t, out.Committed.Records, 1)

	rec, err = c.h.get(ctx, eh.IntoAnyDht())
	require.NoError(t, err)
	require.Nil(t, rec)
	d, err = c.h.details(ctx, eh.IntoAnyDht())
	require.NoError(t, err)
	require.False(t, d.Live)
	require.Len(t, d.Deletes, 1)

	// The action itself stays gettable.
	d, err = c.h.details(ctx, created.IntoAnyDht())
	require.NoError(t, err)
	require.NotNil(t, d.Record)
	require.False(t, d.Live)
}

func TestLinks(t *testing.T) {
	base := action.AppEntry([]byte("base")).Hash().IntoAnyLinkable()
	c := newCell(t, script{
		"link": func(ctx context.Context, api API, payload []byte) ([]byte, error) {
			var h core.ActionHash
			in := CreateLinkInput{Base: base, Target: action.AppEntry(payload).Hash().IntoAnyLinkable(), Tag: payload}
			err := hostCall(ctx, api, FnCreateLink, in, &h)
			return encode(t, h), err
		},
		"unlink": func(ctx context.Context, api API, payload []byte) ([]byte, error) {
			var add core.ActionHash
			decode(t, payload, &add)
			return nil, hostCall(ctx, api, FnDeleteLink, DeleteLinkInput{LinkAdd: add}, nil)
		},
		"bad_type": func(ctx context.Context, api API, payload []byte) ([]byte, error) {
			return nil, hostCall(ctx, api, FnCreateLink, CreateLinkInput{Base: base, Target: base, LinkType: 3}, nil)
		},
		"read": func(ctx context.Context, api API, payload []byte) ([]byte, error) {
			var links []Link
			var details []LinkDetail
			var n int
			in := LinksInput{Base: base, TagPrefix: payload}
			if err := hostCall(ctx, api, FnGetLinks, in, &links); err != nil {
				return nil, err
			}
			if err := hostCall(ctx, api, FnGetLinkDetails, in, &details); err != nil {
				return nil, err
			}
			if err := hostCall(ctx, api, FnCountLinks, in, &n); err != nil {
				return nil, err
			}
			return encode(t, []int{len(links), len(details), n}), nil
		},
	})

	out, err := c.call("link", []byte("apple"))
	require.NoError(t, err)
	var apple core.ActionHash
	decode(t, out.Payload, &apple)
	_, err = c.call("link", []byte("avocado"))
	require.NoError(t, err)
	_, err = c.call("link", []byte("banana"))
	require.NoError(t, err)

	_, err = c.call("bad_type", nil)
	require.Error(t, err)

	counts := func(prefix string) []int {
		out, err := c.call("read", []byte(prefix))
		require.NoError(t, err)
		var n []int
		decode(t, out.Payload, &n)
		return n
	}
	require.Equal(t, []int{3, 3, 3}, counts(""))
	require.Equal(t, []int{2, 2, 2}, counts("a"))

	_, err = c.call("unlink", encode(t, apple))
	require.NoError(t, err)
	require.Equal(t, []int{2, 3, 2}, counts(""))
	require.Equal(t, []int{1, 2, 1}, counts("a"))

	_, err = c.call("link", make([]byte, core.MaxLinkTagLen+1))
	require.Error(t, err)
	_, err = c.call("link", make([]byte, core.MaxLinkTagLen))
	require.NoError(t, err)
	require.Equal(t, []int{3, 4, 3}, counts(""))
}

func TestUpdateOnlyOwnEntries(t *testing.T) {
	var kind ResultKind
	c := newCell(t, script{
		"create": func(ctx context.Context, api API, payload []byte) ([]byte, error) {
			var h core.ActionHash
			err := hostCall(ctx, api, FnCreateEntry, CreateInput{EntryType: postType, Entry: *action.AppEntry(payload)}, &h)
			return encode(t, h), err
		},
		"update": func(ctx context.Context, api API, payload []byte) ([]byte, error) {
			var orig, h core.ActionHash
			decode(t, payload, &orig)
			e, err := NewEnvelope(FnUpdateEntry, UpdateInput{Original: orig, Entry: *action.AppEntry([]byte("edited"))})
			require.NoError(t, err)
			r := api.Call(ctx, e)
			kind = r.Kind
			err = r.Decode(&h)
			return encode(t, h), err
		},
	})
	ctx := context.Background()

	out, err := c.call("create", []byte("mine"))
	require.NoError(t, err)
	var mine core.ActionHash
	decode(t, out.Payload, &mine)
	_, err = c.call("update", encode(t, mine))
	require.NoError(t, err)
	require.Equal(t, Ok, kind)

	// A record authored by someone else, known only through the DHT.
	other, err := c.ks.GenerateAgent(ctx)
	require.NoError(t, err)
	e := action.AppEntry([]byte("theirs"))
	a := action.Create{EntryType: postType, EntryHash: e.Hash()}.
		Build(action.Common{Author: other, Timestamp: 5, Seq: 3, Prev: mine})
	sa, err := keystore.SignAction(ctx, c.ks, a)
	require.NoError(t, err)
	require.NoError(t, c.h.env.DHT.Write(ctx, func(txn *store.Txn) error {
		if _, err := txn.PutAction(&sa); err != nil {
			return err
		}
		return txn.PutEntry(e)
	}))

	head, err := c.chain.Head(ctx)
	require.NoError(t, err)
	_, err = c.call("update", encode(t, a.Hash()))
	require.True(t, core.ErrUnauthorized.Is(err), "%v", err)
	require.Equal(t, Unauthorized, kind)
	after, err := c.chain.Head(ctx)
	require.NoError(t, err)
	require.Equal(t, head, after)
}

func TestInitRunsOnce(t *testing.T) {
	inits := 0
	c := newCell(t, script{
		"init": func(ctx context.Context, api API, payload []byte) ([]byte, error) {
			inits++
			require.Equal(t, Init, api.Context())
			// Init can't reach other agents.
			e, err := NewEnvelope(FnCallRemote, RemoteCall{})
			require.NoError(t, err)
			require.Equal(t, Unauthorized, api.Call(ctx, e).Kind)
			return nil, nil
		},
		"noop": func(ctx context.Context, api API, payload []byte) ([]byte, error) {
			return nil, nil
		},
	})
	for i := 0; i < 3; i++ {
		_, err := c.call("noop", nil)
		require.NoError(t, err)
	}
	require.Equal(t, 1, inits)
	needs, err := c.chain.NeedsInit(context.Background())
	require.NoError(t, err)
	require.False(t, needs)
}

func TestFailedInitCommitsNothing(t *testing.T) {
	c := newCell(t, script{
		"init": func(ctx context.Context, api API, payload []byte) ([]byte, error) {
			if err := hostCall(ctx, api, FnCreateEntry, CreateInput{EntryType: postType, Entry: *action.AppEntry([]byte("x"))}, nil); err != nil {
				return nil, err
			}
			return nil, errors.New("not today")
		},
		"noop": func(ctx context.Context, api API, payload []byte) ([]byte, error) {
			return nil, nil
		},
	})
	head, err := c.chain.Head(context.Background())
	require.NoError(t, err)
	_, err = c.call("noop", nil)
	require.Error(t, err)
	after, err := c.chain.Head(context.Background())
	require.NoError(t, err)
	require.Equal(t, head, after)
}

func TestPanicAbandonsScratch(t *testing.T) {
	c := newCell(t, script{
		"boom": func(ctx context.Context, api API, payload []byte) ([]byte, error) {
			require.NoError(t, hostCall(ctx, api, FnCreateEntry, CreateInput{EntryType: postType, Entry: *action.AppEntry([]byte("lost"))}, nil))
			panic("guest bug")
		},
		"noop": func(ctx context.Context, api API, payload []byte) ([]byte, error) {
			return nil, nil
		},
	})
	_, err := c.call("noop", nil)
	require.NoError(t, err)
	head, err := c.chain.Head(context.Background())
	require.NoError(t, err)

	_, err = c.call("boom", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "guest bug")

	after, err := c.chain.Head(context.Background())
	require.NoError(t, err)
	require.Equal(t, head, after)
}

func TestPostCommit(t *testing.T) {
	var seen []action.SignedAction
	c := newCell(t, script{
		"create": func(ctx context.Context, api API, payload []byte) ([]byte, error) {
			return nil, hostCall(ctx, api, FnCreateEntry, CreateInput{EntryType: postType, Entry: *action.AppEntry(payload)}, nil)
		},
		"post_commit": func(ctx context.Context, api API, payload []byte) ([]byte, error) {
			decode(t, payload, &seen)
			// post_commit can't write.
			e, err := NewEnvelope(FnCreateEntry, CreateInput{EntryType: postType, Entry: *action.AppEntry([]byte("more"))})
			require.NoError(t, err)
			require.Equal(t, Unauthorized, api.Call(ctx, e).Kind)
			return nil, nil
		},
	})
	_, err := c.call("create", []byte("one"))
	require.NoError(t, err)
	require.Len(t, seen, 1)
	require.Equal(t, action.TypeCreate, seen[0].Action.Type)
}

func answer(t *testing.T, o integrate.Outcome) []byte {
	return encode(t, o)
}

func TestValidate(t *testing.T) {
	missing := action.AppEntry([]byte("elsewhere")).Hash()
	c := newCell(t, script{
		"validate": func(ctx context.Context, api API, payload []byte) ([]byte, error) {
			var in ValidateInput
			decode(t, payload, &in)
			// Writes and network reads are out of bounds.
			e, err := NewEnvelope(FnCreateEntry, CreateInput{EntryType: postType, Entry: *action.AppEntry([]byte("x"))})
			require.NoError(t, err)
			require.Equal(t, Unauthorized, api.Call(ctx, e).Kind)

			ent := in.Op.Chain.Entry
			switch {
			case ent == nil:
				return answer(t, integrate.Valid), nil
			case string(ent.App) == "needs":
				var got action.Entry
				return nil, hostCall(ctx, api, FnMustGetEntry, missing, &got)
			case string(ent.App) == "bad":
				return answer(t, integrate.Invalid("bad post")), nil
			case string(ent.App) == "panic":
				panic("validator bug")
			}
			return answer(t, integrate.Valid), nil
		},
	})
	agent := c.h.Agent()
	opFor := func(body string) *dhtop.DhtOp {
		e := action.AppEntry([]byte(body))
		a := action.Create{EntryType: postType, EntryHash: e.Hash()}.
			Build(action.Common{Author: agent, Timestamp: 5000, Seq: 3, Prev: core.ActionHash{}})
		sa, err := keystore.SignAction(context.Background(), c.ks, a)
		require.NoError(t, err)
		d := dhtop.FromChain(dhtop.ChainOp{Type: dhtop.StoreEntry, Signed: sa, Entry: e})
		return &d
	}
	ctx := context.Background()

	o, err := c.h.Validate(ctx, opFor("good"), nil)
	require.NoError(t, err)
	require.Equal(t, integrate.OutcomeValid, o.Kind)

	o, err = c.h.Validate(ctx, opFor("bad"), nil)
	require.NoError(t, err)
	require.Equal(t, integrate.OutcomeInvalid, o.Kind)
	require.Equal(t, "bad post", o.Reason)

	o, err = c.h.Validate(ctx, opFor("needs"), nil)
	require.NoError(t, err)
	require.Equal(t, integrate.OutcomeUnresolved, o.Kind)
	require.Equal(t, []core.AnyDhtHash{missing.IntoAnyDht()}, o.Deps)

	o, err = c.h.Validate(ctx, opFor("panic"), nil)
	require.NoError(t, err)
	require.Equal(t, integrate.OutcomeInvalid, o.Kind)
}

func TestGenesisSelfCheck(t *testing.T) {
	c := newCell(t, script{
		"genesis_self_check": func(ctx context.Context, api API, payload []byte) ([]byte, error) {
			if string(payload) == "letmein" {
				return answer(t, integrate.Valid), nil
			}
			return answer(t, integrate.Invalid("wrong proof")), nil
		},
	})
	ctx := context.Background()
	require.NoError(t, c.h.GenesisSelfCheck(ctx, []byte("letmein")))
	err := c.h.GenesisSelfCheck(ctx, []byte("guess"))
	require.True(t, core.ErrMembraneRejected.Is(err), "%v", err)

	none := newCell(t, script{})
	require.NoError(t, none.h.GenesisSelfCheck(ctx, nil))
}

func TestCrypto(t *testing.T) {
	c := newCell(t, script{
		"crypto": func(ctx context.Context, api API, payload []byte) ([]byte, error) {
			var info AgentInfo
			require.NoError(t, hostCall(ctx, api, FnAgentInfo, nil, &info))

			var sig core.Signature
			require.NoError(t, hostCall(ctx, api, FnSign, SignInput{Key: info.Agent, Data: payload}, &sig))
			var ok bool
			require.NoError(t, hostCall(ctx, api, FnVerifySignature, VerifyInput{Key: info.Agent, Data: payload, Signature: sig}, &ok))
			require.True(t, ok)
			require.NoError(t, hostCall(ctx, api, FnVerifySignature, VerifyInput{Key: info.Agent, Data: []byte("other"), Signature: sig}, &ok))
			require.False(t, ok)

			other, err := keystore.NewMemKeystore().GenerateAgent(ctx)
			require.NoError(t, err)
			e, err := NewEnvelope(FnSign, SignInput{Key: other, Data: payload})
			require.NoError(t, err)
			require.Equal(t, Unauthorized, api.Call(ctx, e).Kind)

			var h core.Hash
			require.NoError(t, hostCall(ctx, api, FnHash, HashInput{Type: core.HashTypeEntry, Data: payload}, &h))
			require.Equal(t, core.HashContent(core.HashTypeEntry, payload), h)

			var alice, bob keystore.X25519PubKey
			require.NoError(t, hostCall(ctx, api, FnCreateX25519Keypair, nil, &alice))
			require.NoError(t, hostCall(ctx, api, FnCreateX25519Keypair, nil, &bob))
			var sealed, opened []byte
			require.NoError(t, hostCall(ctx, api, FnX25519Encrypt, X25519Input{Ours: alice, Theirs: bob, Data: payload}, &sealed))
			require.NoError(t, hostCall(ctx, api, FnX25519Decrypt, X25519Input{Ours: bob, Theirs: alice, Data: sealed}, &opened))
			require.Equal(t, payload, opened)

			key, err := keystore.NewSecretKey()
			require.NoError(t, err)
			require.NoError(t, hostCall(ctx, api, FnXSalsa20Poly1305Encrypt, SecretBoxInput{Key: *key, Data: payload}, &sealed))
			require.NoError(t, hostCall(ctx, api, FnXSalsa20Poly1305Decrypt, SecretBoxInput{Key: *key, Data: sealed}, &opened))
			require.Equal(t, payload, opened)

			var random []byte
			require.NoError(t, hostCall(ctx, api, FnRandomBytes, uint32(32), &random))
			require.Len(t, random, 32)
			require.Error(t, hostCall(ctx, api, FnRandomBytes, uint32(MaxRandomBytes+1), &random))
			return nil, nil
		},
	})
	_, err := c.call("crypto", []byte("secret message"))
	require.NoError(t, err)
}

func TestInfoAndSignals(t *testing.T) {
	c := newCell(t, script{
		"info": func(ctx context.Context, api API, payload []byte) ([]byte, error) {
			var z ZomeInfo
			require.NoError(t, hostCall(ctx, api, FnZomeInfo, nil, &z))
			require.Equal(t, "posts", z.Name)
			require.Equal(t, []string{"all_posts"}, z.LinkTypes)

			var d DnaInfo
			require.NoError(t, hostCall(ctx, api, FnDnaInfo, nil, &d))
			require.Equal(t, testDnaDef.Hash(), d.Hash)
			require.Equal(t, []string{"posts"}, d.Zomes)

			var now core.Timestamp
			require.NoError(t, hostCall(ctx, api, FnSysTime, nil, &now))
			require.True(t, now > 0)

			return nil, hostCall(ctx, api, FnEmitSignal, payload, nil)
		},
	})
	_, err := c.call("info", []byte("ping"))
	require.NoError(t, err)
	require.Len(t, c.signals, 1)
	require.Equal(t, []byte("ping"), c.signals[0].Payload)
	require.Equal(t, "posts", c.signals[0].Zome)

	_, err = c.h.CallZome(context.Background(), c.h.Agent(), "nope", "info", nil)
	require.True(t, core.ErrNotFound.Is(err))
}

func TestCallRemoteWithoutNetwork(t *testing.T) {
	c := newCell(t, script{
		"remote": func(ctx context.Context, api API, payload []byte) ([]byte, error) {
			e, err := NewEnvelope(FnCallRemote, RemoteCall{Zome: "posts", Fn: "x"})
			require.NoError(t, err)
			r := api.Call(ctx, e)
			require.Equal(t, NetworkError, r.Kind)
			require.NotEmpty(t, r.Reason)
			return nil, nil
		},
	})
	_, err := c.call("remote", nil)
	require.NoError(t, err)
}

func TestAuthorize(t *testing.T) {
	c := newCell(t, script{
		"grant": func(ctx context.Context, api API, payload []byte) ([]byte, error) {
			var h core.ActionHash
			grant := &action.CapGrant{
				Tag:       "public",
				Access:    action.Unrestricted,
				Functions: []action.GrantedFunction{{Zome: "posts", Fn: "read"}},
			}
			e := action.Entry{Kind: action.EntryCapGrant, CapGrant: grant}
			err := hostCall(ctx, api, FnCreateEntry, CreateInput{EntryType: action.CapGrantEntryType(), Entry: e}, &h)
			return encode(t, h), err
		},
		"revoke": func(ctx context.Context, api API, payload []byte) ([]byte, error) {
			var h core.ActionHash
			decode(t, payload, &h)
			return nil, hostCall(ctx, api, FnDeleteEntry, DeleteInput{Deletes: h}, nil)
		},
	})
	ctx := context.Background()
	stranger, err := keystore.NewMemKeystore().GenerateAgent(ctx)
	require.NoError(t, err)

	require.NoError(t, c.h.Authorize(ctx, c.h.Agent(), "posts", "write", nil))
	require.True(t, core.ErrUnauthorized.Is(c.h.Authorize(ctx, stranger, "posts", "read", nil)))

	out, err := c.call("grant", nil)
	require.NoError(t, err)
	require.NoError(t, c.h.Authorize(ctx, stranger, "posts", "read", nil))
	require.True(t, core.ErrUnauthorized.Is(c.h.Authorize(ctx, stranger, "posts", "write", nil)))

	_, err = c.call("revoke", out.Payload)
	require.NoError(t, err)
	require.True(t, core.ErrUnauthorized.Is(c.h.Authorize(ctx, stranger, "posts", "read", nil)))
}
