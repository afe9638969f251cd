// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package integrate

import (
	"context"
	"io/ioutil"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/westerndigitalcorporation/agentdht/internal/action"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/dhtop"
	"github.com/westerndigitalcorporation/agentdht/internal/keystore"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
	"github.com/westerndigitalcorporation/agentdht/pkg/testutil"
)

var testDna = (&action.DnaDef{Name: "integrate test"}).Hash()

// author writes a real, signed chain.
type author struct {
	t     *testing.T
	ks    *keystore.MemKeystore
	key   core.AgentPubKey
	chain []action.Action
}

func newAuthor(t *testing.T) *author {
	ks := keystore.NewMemKeystore()
	key, err := ks.GenerateAgent(context.Background())
	require.NoError(t, err)
	return &author{t: t, ks: ks, key: key}
}

// genesis writes the first three actions and returns their ops.
func (au *author) genesis() []*dhtop.DhtOp {
	a0 := action.DnaAction(au.key, 1000, testDna)
	a1 := action.AgentValidationPkg(action.Common{Author: au.key, Timestamp: 1001, Seq: 1, Prev: a0.Hash()}, nil)
	agent := action.AgentEntry(au.key)
	a2 := action.Create{EntryType: action.AgentEntryType(), EntryHash: agent.Hash()}.
		Build(action.Common{Author: au.key, Timestamp: 1002, Seq: 2, Prev: a1.Hash()})
	au.chain = append(au.chain, a0, a1, a2)

	var out []*dhtop.DhtOp
	for _, x := range []struct {
		a action.Action
		e *action.Entry
	}{{a0, nil}, {a1, nil}, {a2, agent}} {
		_, ops := au.ops(x.a, x.e)
		out = append(out, ops...)
	}
	return out
}

// commit appends an action to the chain.
func (au *author) commit(b action.Builder, e *action.Entry) (action.Action, []*dhtop.DhtOp) {
	top := au.chain[len(au.chain)-1]
	a := au.after(top, b)
	au.chain = append(au.chain, a)
	_, ops := au.ops(a, e)
	return a, ops
}

// after builds an action following 'prev' without touching the chain.
func (au *author) after(prev action.Action, b action.Builder) action.Action {
	return b.Build(action.Common{Author: au.key, Timestamp: prev.Timestamp + 1, Seq: prev.Seq + 1, Prev: prev.Hash()})
}

func (au *author) ops(a action.Action, e *action.Entry) (action.SignedAction, []*dhtop.DhtOp) {
	sa, err := keystore.SignAction(context.Background(), au.ks, a)
	require.NoError(au.t, err)
	return sa, produce(au.t, sa, e)
}

func produce(t *testing.T, sa action.SignedAction, e *action.Entry) []*dhtop.DhtOp {
	cops, err := dhtop.Produce(sa, e)
	require.NoError(t, err)
	out := make([]*dhtop.DhtOp, len(cops))
	for i := range cops {
		d := dhtop.FromChain(cops[i])
		out[i] = &d
	}
	return out
}

func appCreate(b string) (action.Create, *action.Entry) {
	e := action.AppEntry([]byte(b))
	return action.Create{EntryType: action.AppEntryType(0, 0, action.Public), EntryHash: e.Hash()}, e
}

type testEnv struct {
	t         *testing.T
	w         *Workflow
	db        *store.DB
	issuer    core.AgentPubKey
	published []*dhtop.DhtOp
}

func newEnv(t *testing.T, app AppValidator) *testEnv {
	dir, err := ioutil.TempDir(testutil.TempDir(), "integrate")
	require.NoError(t, err)
	db, err := store.Open(store.PathFor(dir, store.KindDht, core.AgentPubKey{}), store.KindDht, store.DefaultTestConfig)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ks := keystore.NewMemKeystore()
	issuer, err := ks.GenerateAgent(context.Background())
	require.NoError(t, err)
	env := &testEnv{t: t, db: db, issuer: issuer}
	env.w = New(DefaultTestConfig, db, ks, issuer, app, func(ctx context.Context, op *dhtop.DhtOp) error {
		env.published = append(env.published, op)
		return nil
	})
	return env
}

func (e *testEnv) incoming(ops ...*dhtop.DhtOp) {
	require.NoError(e.t, e.w.Incoming(context.Background(), ops, "test"))
}

// settle runs passes until nothing moves.
func (e *testEnv) settle() {
	for i := 0; i < 100; i++ {
		p, err := e.w.Pass(context.Background())
		require.NoError(e.t, err)
		if p.Moved() == 0 {
			return
		}
	}
	e.t.Fatal("workflow didn't settle")
}

func (e *testEnv) row(h core.DhtOpHash) *store.OpRow {
	var r *store.OpRow
	err := e.db.Read(context.Background(), func(txn *store.Txn) (err error) {
		r, err = txn.GetOp(h)
		return err
	})
	require.NoError(e.t, err)
	return r
}

func (e *testEnv) requireState(d *dhtop.DhtOp, stage store.Stage, status store.Status) {
	r := e.row(d.Hash())
	require.Equal(e.t, stage, r.Stage, "stage of %s", d)
	require.Equal(e.t, status, r.Status, "status of %s", d)
}

func (e *testEnv) setState(h core.DhtOpHash, stage store.Stage, status store.Status) {
	err := e.db.Write(context.Background(), func(txn *store.Txn) error {
		return txn.SetOpState(h, stage, status, core.Hash{})
	})
	require.NoError(e.t, err)
}

func (e *testEnv) warranted(h core.ActionHash, au core.AgentPubKey) bool {
	ok, err := e.w.IsActionWarrantedAsInvalid(context.Background(), h, au)
	require.NoError(e.t, err)
	return ok
}

func ofType(ops []*dhtop.DhtOp, t dhtop.OpType) *dhtop.DhtOp {
	for _, d := range ops {
		if d.Type() == t {
			return d
		}
	}
	return nil
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultProdConfig.Validate())
	require.NoError(t, DefaultTestConfig.Validate())
	c := DefaultTestConfig
	c.MaxValidationAttempts = 0
	require.Error(t, c.Validate())
}

func TestValidChainIntegrates(t *testing.T) {
	env := newEnv(t, nil)
	au := newAuthor(t)
	ops := au.genesis()
	b, e := appCreate("hello")
	_, more := au.commit(b, e)
	ops = append(ops, more...)

	env.incoming(ops...)
	env.settle()
	for _, d := range ops {
		env.requireState(d, store.StageIntegrated, store.StatusValid)
	}
	require.Empty(t, env.published)

	act, err := env.w.AgentActivity(context.Background(), au.key, ActivityFilter{})
	require.NoError(t, err)
	require.Equal(t, ChainValid, act.Status.Kind)
	require.Equal(t, uint32(3), act.Status.Head.Seq)
	require.Equal(t, au.chain[3].Hash(), act.Status.Head.Hash)
	require.Len(t, act.Valid, 3) // the Dna action has no activity op
	require.Nil(t, act.Valid[0].Signed)
	require.Empty(t, act.Rejected)
	require.Equal(t, uint32(3), act.HighestObserved.Seq)

	act, err = env.w.AgentActivity(context.Background(), au.key, ActivityFilter{FromSeq: 2, UntilSeq: 2, IncludeActions: true})
	require.NoError(t, err)
	require.Len(t, act.Valid, 1)
	require.Equal(t, uint32(2), act.Valid[0].Seq)
	require.NotNil(t, act.Valid[0].Signed)
	require.Equal(t, ChainValid, act.Status.Kind)
}

func TestEmptyActivity(t *testing.T) {
	env := newEnv(t, nil)
	act, err := env.w.AgentActivity(context.Background(), newAuthor(t).key, ActivityFilter{})
	require.NoError(t, err)
	require.Equal(t, ChainEmpty, act.Status.Kind)
	require.Nil(t, act.HighestObserved)
}

func TestIncomingIsIdempotent(t *testing.T) {
	env := newEnv(t, nil)
	au := newAuthor(t)
	ops := au.genesis()
	env.incoming(ops...)
	env.incoming(ops...)
	env.settle()

	counts, err := env.w.Counts(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[store.Stage]int{store.StageIntegrated: len(ops)}, counts)

	// Holding an op again doesn't send it back through validation.
	env.incoming(ops...)
	counts, err = env.w.Counts(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[store.Stage]int{store.StageIntegrated: len(ops)}, counts)
}

func TestForkIsDetected(t *testing.T) {
	env := newEnv(t, nil)
	au := newAuthor(t)
	ops := au.genesis()
	head := au.chain[2]
	b1, e1 := appCreate("one")
	b2, e2 := appCreate("two")
	x, y := au.after(head, b1), au.after(head, b2)
	_, xops := au.ops(x, e1)
	_, yops := au.ops(y, e2)
	ops = append(append(ops, xops...), yops...)

	env.incoming(ops...)
	env.settle()

	act, err := env.w.AgentActivity(context.Background(), au.key, ActivityFilter{})
	require.NoError(t, err)
	require.Equal(t, ChainForked, act.Status.Kind)
	require.Equal(t, uint32(3), act.Status.ForkSeq)
	require.True(t, act.Status.First.Compare(act.Status.Second.Hash) < 0)
	require.ElementsMatch(t, []core.ActionHash{x.Hash(), y.Hash()}, []core.ActionHash{act.Status.First, act.Status.Second})
	require.Equal(t, uint32(3), act.HighestObserved.Seq)
	require.Len(t, act.HighestObserved.Hashes, 2)

	// One fork warrant, against the lower action, integrated as valid.
	require.Len(t, env.published, 1)
	wr := env.published[0].Warrant
	require.NotNil(t, wr)
	require.Equal(t, dhtop.ChainFork, wr.Warrant.Proof.Kind)
	require.Equal(t, act.Status.First, wr.Warrant.Proof.Action)
	require.Equal(t, act.Status.Second, wr.Warrant.Proof.Other)
	require.Equal(t, env.issuer, wr.Warrant.Author)
	require.Equal(t, au.key, wr.Warrant.Warrantee)
	require.True(t, env.warranted(act.Status.First, au.key))
	env.requireState(env.published[0], store.StageIntegrated, store.StatusValid)
	require.Len(t, act.Warrants, 1)
}

func TestInvalidSignatureIsWarranted(t *testing.T) {
	env := newEnv(t, nil)
	au := newAuthor(t)
	au.genesis()
	b, e := appCreate("forged")
	a := au.after(au.chain[2], b)
	sa, err := keystore.SignAction(context.Background(), au.ks, a)
	require.NoError(t, err)
	sa.Signature[0] ^= 0xff
	ops := produce(t, sa, e)

	env.incoming(ops...)
	p, err := env.w.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, len(ops), p.Rejected)
	for _, d := range ops {
		env.requireState(d, store.StageIntegrated, store.StatusRejected)
	}

	// Every op of the action failed, but the action is warranted once.
	require.Len(t, env.published, 1)
	w := env.published[0]
	require.Equal(t, dhtop.InvalidChainOp, w.Warrant.Warrant.Proof.Kind)
	require.Equal(t, au.key, w.Warrant.Warrant.Warrantee)
	require.Equal(t, a.Hash(), w.Warrant.Warrant.Proof.Action)

	// Pending, then valid once it's been through the pipeline itself.
	env.requireState(w, store.StageReceived, store.StatusPending)
	require.True(t, env.warranted(a.Hash(), au.key))
	env.settle()
	env.requireState(w, store.StageIntegrated, store.StatusValid)
	require.True(t, env.warranted(a.Hash(), au.key))

	env.setState(w.Hash(), store.StageIntegrated, store.StatusRejected)
	require.False(t, env.warranted(a.Hash(), au.key))
	env.setState(w.Hash(), store.StageIntegrated, store.StatusAbandoned)
	require.False(t, env.warranted(a.Hash(), au.key))
	require.False(t, env.warranted(a.Hash(), env.issuer))

	act, err := env.w.AgentActivity(context.Background(), au.key, ActivityFilter{})
	require.NoError(t, err)
	require.Equal(t, ChainInvalid, act.Status.Kind)
	require.Equal(t, a.Hash(), act.Status.Head.Hash)
	require.Len(t, act.Rejected, 1)
	require.Empty(t, act.Warrants)
}

func TestParkedOpWakesOnDependency(t *testing.T) {
	env := newEnv(t, nil)
	au := newAuthor(t)
	au.genesis()
	b, e := appCreate("original")
	orig, origOps := au.commit(b, e)
	ne := action.AppEntry([]byte("updated"))
	_, updOps := au.commit(action.Update{
		OriginalActionAddress: orig.Hash(),
		OriginalEntryAddress:  e.Hash(),
		EntryType:             action.AppEntryType(0, 0, action.Public),
		EntryHash:             ne.Hash(),
	}, ne)
	upd := ofType(updOps, dhtop.RegisterUpdatedContent)

	env.incoming(upd)
	p, err := env.w.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, p.Parked)
	r := env.row(upd.Hash())
	require.Equal(t, store.StageAwaitingSysDeps, r.Stage)
	require.Equal(t, orig.Hash().Core(), r.Dependency.Core())

	env.incoming(ofType(origOps, dhtop.StoreRecord))
	env.requireState(upd, store.StageReceived, store.StatusPending)
	env.settle()
	env.requireState(upd, store.StageIntegrated, store.StatusValid)
}

func TestBadUpdateIsRejected(t *testing.T) {
	env := newEnv(t, nil)
	au := newAuthor(t)
	au.genesis()
	b, e := appCreate("original")
	orig, origOps := au.commit(b, e)
	ne := action.AppEntry([]byte("updated"))
	_, updOps := au.commit(action.Update{
		OriginalActionAddress: orig.Hash(),
		OriginalEntryAddress:  e.Hash(),
		EntryType:             action.AppEntryType(0, 1, action.Public),
		EntryHash:             ne.Hash(),
	}, ne)
	upd := ofType(updOps, dhtop.RegisterUpdatedRecord)

	env.incoming(ofType(origOps, dhtop.StoreRecord), upd)
	env.settle()
	env.requireState(upd, store.StageIntegrated, store.StatusRejected)
	require.Len(t, env.published, 1)
}

// Only the author of an entry may update it, whatever its type.
func TestCrossAgentUpdateRejected(t *testing.T) {
	env := newEnv(t, nil)
	alice, bob := newAuthor(t), newAuthor(t)
	ops := append(alice.genesis(), bob.genesis()...)
	b, e := appCreate("alice's")
	orig, origOps := alice.commit(b, e)
	ne := action.AppEntry([]byte("bob's"))
	_, updOps := bob.commit(action.Update{
		OriginalActionAddress: orig.Hash(),
		OriginalEntryAddress:  e.Hash(),
		EntryType:             action.AppEntryType(0, 0, action.Public),
		EntryHash:             ne.Hash(),
	}, ne)

	env.incoming(append(append(ops, origOps...), updOps...)...)
	env.settle()
	env.requireState(ofType(origOps, dhtop.StoreRecord), store.StageIntegrated, store.StatusValid)
	env.requireState(ofType(updOps, dhtop.RegisterUpdatedRecord), store.StageIntegrated, store.StatusRejected)
	env.requireState(ofType(updOps, dhtop.RegisterUpdatedContent), store.StageIntegrated, store.StatusRejected)
	require.NotEmpty(t, env.published)
}

func TestParkedOpIsAbandoned(t *testing.T) {
	env := newEnv(t, nil)
	au := newAuthor(t)
	au.genesis()
	b, e := appCreate("original")
	orig, _ := au.commit(b, e)
	_, delOps := au.commit(action.Delete{DeletesAddress: orig.Hash(), DeletesEntryAddress: e.Hash()}, nil)
	del := ofType(delOps, dhtop.RegisterDeletedBy)

	env.incoming(del)
	for i := 1; i < DefaultTestConfig.MaxValidationAttempts; i++ {
		p, err := env.w.Pass(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, p.Parked)
		require.NoError(t, env.w.Retry(context.Background()))
	}
	p, err := env.w.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, p.Abandoned)
	env.requireState(del, store.StageIntegrated, store.StatusAbandoned)
	require.Empty(t, env.published)
}

func TestAppValidation(t *testing.T) {
	missing := action.AppEntry([]byte("missing"))
	resolved := false
	var gotDeps []*dhtop.DhtOp
	app := AppValidatorFunc(func(ctx context.Context, op *dhtop.DhtOp, deps []*dhtop.DhtOp) (Outcome, error) {
		if op.Type() == dhtop.RegisterAgentActivity && op.Chain.Action().Seq == 4 {
			gotDeps = deps
		}
		if op.Chain.Entry == nil {
			return Valid, nil
		}
		switch string(op.Chain.Entry.App) {
		case "bad":
			return Invalid("bad content"), nil
		case "wait":
			if !resolved {
				return Unresolved(missing.Hash().IntoAnyDht()), nil
			}
		}
		return Valid, nil
	})
	env := newEnv(t, app)
	au := newAuthor(t)
	ops := au.genesis()
	b, e := appCreate("bad")
	bad, badOps := au.commit(b, e)
	b, e = appCreate("wait")
	_, waitOps := au.commit(b, e)
	env.incoming(append(append(ops, badOps...), waitOps...)...)
	env.settle()

	env.requireState(ofType(badOps, dhtop.StoreEntry), store.StageIntegrated, store.StatusRejected)
	env.requireState(ofType(badOps, dhtop.RegisterAgentActivity), store.StageIntegrated, store.StatusValid)
	require.True(t, env.warranted(bad.Hash(), au.key))

	wait := ofType(waitOps, dhtop.StoreEntry)
	r := env.row(wait.Hash())
	require.Equal(t, store.StageAwaitingAppDeps, r.Stage)
	require.Equal(t, missing.Hash().Core(), r.Dependency.Core())
	// The prev's rejected ops aren't handed to the validator.
	require.NotEmpty(t, gotDeps)
	for _, d := range gotDeps {
		require.Equal(t, bad.Hash(), d.ActionHash())
		require.NotEqual(t, dhtop.StoreEntry, d.Type())
	}

	resolved = true
	b, e = appCreate("missing")
	_, mops := au.commit(b, e)
	env.incoming(mops...)
	env.settle()
	env.requireState(wait, store.StageIntegrated, store.StatusValid)
}

func TestCheckPrev(t *testing.T) {
	au := newAuthor(t)
	au.genesis()
	b, _ := appCreate("x")
	prev := au.chain[2]
	good := au.after(prev, b)
	require.NoError(t, checkPrev(&prev, &good))

	gap := good
	gap.Seq++
	require.True(t, core.ErrSequenceGap.Is(checkPrev(&prev, &gap)))

	early := good
	early.Timestamp = prev.Timestamp
	require.True(t, core.ErrValidationFailed.Is(checkPrev(&prev, &early)))

	other := good
	other.Author = newAuthor(t).key
	require.True(t, core.ErrMissingHead.Is(checkPrev(&prev, &other)))
}

func TestChainStatus(t *testing.T) {
	h := func(s string) core.ActionHash { return core.HashActionBytes([]byte(s)) }
	it := func(seq uint32, s string) ActivityItem { return ActivityItem{Seq: seq, Hash: h(s)} }

	require.Equal(t, ChainEmpty, chainStatus(nil, nil).Kind)

	valid := []ActivityItem{it(1, "a"), it(2, "b")}
	st := chainStatus(valid, nil)
	require.Equal(t, ChainValid, st.Kind)
	require.Equal(t, ChainHead{Seq: 2, Hash: h("b")}, st.Head)

	st = chainStatus(valid, []ActivityItem{it(3, "c")})
	require.Equal(t, ChainInvalid, st.Kind)
	require.Equal(t, uint32(3), st.Head.Seq)

	forked := []ActivityItem{it(1, "a"), it(2, "b"), it(2, "c")}
	sortItems(forked)
	st = chainStatus(forked, []ActivityItem{it(3, "d")})
	require.Equal(t, ChainForked, st.Kind)
	require.Equal(t, uint32(2), st.ForkSeq)
	require.True(t, st.First.Compare(st.Second.Hash) < 0)

	// The lower anomaly wins.
	st = chainStatus(forked, []ActivityItem{it(1, "e")})
	require.Equal(t, ChainInvalid, st.Kind)
}

func TestOutcomeErrors(t *testing.T) {
	require.NoError(t, Valid.Err())
	require.True(t, core.ErrValidationFailed.Is(Invalid("no").Err()))
	dep := core.HashEntryBytes([]byte("dep")).IntoAnyDht()
	require.True(t, core.ErrUnresolvedDependencies.Is(Unresolved(dep).Err()))
	for _, o := range []Outcome{Valid, Invalid("no"), Unresolved(dep)} {
		require.Equal(t, o, OutcomeFromError(o.Err()))
	}
}

// mockApp expects one Validate call per registered op hash.
type mockApp struct {
	*testutil.GenericMock
}

func (m mockApp) Validate(ctx context.Context, op *dhtop.DhtOp, deps []*dhtop.DhtOp) (Outcome, error) {
	return m.GetResult("Validate", op.Hash()).(Outcome), nil
}

func TestEachOpAppValidatedOnce(t *testing.T) {
	app := mockApp{testutil.NewGenericMock(t)}
	env := newEnv(t, app)
	au := newAuthor(t)
	ops := au.genesis()
	b, e := appCreate("bad")
	_, badOps := au.commit(b, e)
	for _, d := range ops {
		app.AddCall("Validate", Valid, d.Hash())
	}
	for _, d := range badOps {
		if d.Type() == dhtop.StoreEntry {
			app.AddCall("Validate", Invalid("no"), d.Hash())
		} else {
			app.AddCall("Validate", Valid, d.Hash())
		}
	}

	env.incoming(append(ops, badOps...)...)
	env.settle()
	// Passes after everything integrated don't validate again.
	env.settle()
	app.NoMoreCalls()
	env.requireState(ofType(badOps, dhtop.StoreEntry), store.StageIntegrated, store.StatusRejected)
}
