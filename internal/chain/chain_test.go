// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package chain

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"sync"
	"testing"

	"github.com/westerndigitalcorporation/agentdht/internal/action"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/keystore"
	"github.com/westerndigitalcorporation/agentdht/internal/server"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
	"github.com/westerndigitalcorporation/agentdht/pkg/testutil"
)

var testDna = (&action.DnaDef{Name: "chain test"}).Hash()

type testClock struct {
	lock sync.Mutex
	t    core.Timestamp
}

func (c *testClock) now() core.Timestamp {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.t
}

func (c *testClock) set(t core.Timestamp) {
	c.lock.Lock()
	c.t = t
	c.lock.Unlock()
}

func newTestChain(t *testing.T) (*SourceChain, *testClock) {
	dir, err := ioutil.TempDir(testutil.TempDir(), "chain")
	if err != nil {
		t.Fatal(err)
	}
	ks := keystore.NewMemKeystore()
	author, err := ks.GenerateAgent(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	authored, err := store.Open(store.PathFor(dir, store.KindAuthored, author), store.KindAuthored, store.DefaultTestConfig)
	if err != nil {
		t.Fatal(err)
	}
	dht, err := store.Open(store.PathFor(dir, store.KindDht, author), store.KindDht, store.DefaultTestConfig)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		authored.Close()
		dht.Close()
	})
	clock := &testClock{t: 1000}
	c := New(author, testDna, authored, dht, ks, server.NewFineGrainedLock())
	c.now = clock.now
	return c, clock
}

func initChain(t *testing.T) (*SourceChain, *testClock) {
	c, clock := newTestChain(t)
	if _, err := c.Genesis(context.Background(), []byte("proof")); err != nil {
		t.Fatal(err)
	}
	return c, clock
}

func publicType() action.EntryType {
	return action.AppEntryType(0, 0, action.Public)
}

func commitEntries(t *testing.T, c *SourceChain, payloads ...string) *Committed {
	ctx := context.Background()
	s, err := c.NewScratch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range payloads {
		if _, err := c.Put(ctx, s, action.Create{EntryType: publicType()}, action.AppEntry([]byte(p))); err != nil {
			t.Fatal(err)
		}
	}
	out, err := c.Commit(ctx, s, action.Strict)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

// A fresh chain is empty, and genesis writes seq 0, 1 and 2 with their ops.
func TestGenesis(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestChain(t)

	if _, err := c.Head(ctx); !core.ErrChainEmpty.Is(err) {
		t.Fatalf("expected ErrChainEmpty, got %v", err)
	}
	if ok, err := c.IsInitialized(ctx); err != nil || ok {
		t.Fatalf("empty chain initialized: %t %v", ok, err)
	}
	if _, err := c.NewScratch(ctx); !core.ErrGenesisMissing.Is(err) {
		t.Fatalf("scratch before genesis: %v", err)
	}

	out, err := c.Genesis(ctx, []byte("proof"))
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Records) != 3 {
		t.Fatalf("genesis wrote %d records", len(out.Records))
	}
	// Dna: StoreRecord. AVP: StoreRecord, RegisterAgentActivity. Agent
	// Create: StoreRecord, RegisterAgentActivity, StoreEntry.
	if len(out.Ops) != 6 {
		t.Errorf("genesis produced %d ops", len(out.Ops))
	}
	want := []action.Type{action.TypeDna, action.TypeAgentValidationPkg, action.TypeCreate}
	for i, r := range out.Records {
		if r.Action().Type != want[i] || r.Action().Seq != uint32(i) {
			t.Errorf("record %d is %s", i, r.Action())
		}
	}
	if !bytes.Equal(out.Records[1].Action().MembraneProof, []byte("proof")) {
		t.Errorf("membrane proof lost")
	}
	if ok, err := c.IsInitialized(ctx); err != nil || !ok {
		t.Errorf("not initialized after genesis: %v", err)
	}
	head, err := c.Head(ctx)
	if err != nil || head.Seq != 2 || head.Hash != out.Records[2].ActionHash() {
		t.Errorf("bad head %+v %v", head, err)
	}
	if _, err := c.Genesis(ctx, nil); !core.ErrInvalidArgument.Is(err) {
		t.Errorf("second genesis: %v", err)
	}
	if need, err := c.NeedsInit(ctx); err != nil || !need {
		t.Errorf("fresh chain doesn't need init: %v", err)
	}
}

// Every committed action links to its predecessor, has the next seq, a
// strictly later timestamp, and a valid signature, even if the clock stands
// still.
func TestCommitLinkage(t *testing.T) {
	ctx := context.Background()
	c, clock := initChain(t)
	clock.set(500)

	commitEntries(t, c, "a", "b", "c")
	commitEntries(t, c, "d")

	recs, err := c.Query(ctx, QueryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 7 {
		t.Fatalf("chain has %d records", len(recs))
	}
	for i, r := range recs {
		a := r.Action()
		if !keystore.VerifyAction(&r.Signed) {
			t.Errorf("#%d doesn't verify", a.Seq)
		}
		if a.Seq != uint32(i) {
			t.Errorf("record %d has seq %d", i, a.Seq)
		}
		if i == 0 {
			continue
		}
		prev := recs[i-1].Action()
		if a.Prev != prev.Hash() {
			t.Errorf("#%d doesn't link to #%d", a.Seq, prev.Seq)
		}
		if a.Timestamp <= prev.Timestamp {
			t.Errorf("#%d at %d, not after %d", a.Seq, a.Timestamp, prev.Timestamp)
		}
	}
}

func TestCommitWritesOps(t *testing.T) {
	ctx := context.Background()
	c, _ := initChain(t)
	out := commitEntries(t, c, "x")
	if len(out.Ops) != 3 {
		t.Fatalf("create produced %d ops", len(out.Ops))
	}
	c.authored.Read(ctx, func(txn *store.Txn) error {
		for _, o := range out.Ops {
			row, err := txn.GetOp(o.Hash())
			if err != nil {
				t.Errorf("%s not stored: %v", o.String(), err)
				continue
			}
			if !row.RequireReceipt || row.Status != store.StatusValid {
				t.Errorf("%s: receipt %t status %s", o.String(), row.RequireReceipt, row.Status)
			}
		}
		pending, err := txn.OpsNeedingPublish(100)
		if err != nil || len(pending) != 9 {
			t.Errorf("publish queue holds %d ops: %v", len(pending), err)
		}
		return nil
	})
}

// Put and strict Commit both notice a moved head; relaxed Commit rebases.
func TestHeadMoved(t *testing.T) {
	ctx := context.Background()
	c, _ := initChain(t)

	s1, _ := c.NewScratch(ctx)
	s2, _ := c.NewScratch(ctx)
	if _, err := c.Put(ctx, s1, action.Create{EntryType: publicType()}, action.AppEntry([]byte("one"))); err != nil {
		t.Fatal(err)
	}
	staged, err := c.Put(ctx, s2, action.Create{EntryType: publicType()}, action.AppEntry([]byte("two")))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Commit(ctx, s1, action.Strict); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Put(ctx, s2, action.InitZomesComplete{}, nil); !core.ErrHeadMoved.Is(err) {
		t.Errorf("put on moved head: %v", err)
	}
	if _, err := c.Commit(ctx, s2, action.Strict); !core.ErrHeadMoved.Is(err) || !core.IsRetriable(err) {
		t.Fatalf("strict commit on moved head: %v", err)
	}
	head, _ := c.Head(ctx)
	if head.Seq != 3 {
		t.Fatalf("failed commit moved the head to %d", head.Seq)
	}

	out, err := c.Commit(ctx, s2, action.Relaxed)
	if err != nil {
		t.Fatal(err)
	}
	a := out.Records[0].Action()
	if a.Seq != 4 || a.Prev != head.Hash || a.Timestamp <= head.Timestamp {
		t.Errorf("rebased action is %s after %+v", a, head)
	}
	if out.Records[0].ActionHash() == staged {
		t.Errorf("rebase kept the old hash")
	}
}

func TestChainLock(t *testing.T) {
	ctx := context.Background()
	c, clock := initChain(t)
	subject := []byte("session")

	id, err := c.LockChain(ctx, subject, 2000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.LockChain(ctx, []byte("other"), 3000); !core.ErrChainLocked.Is(err) {
		t.Errorf("second lock: %v", err)
	}
	if locked, _ := c.IsChainLocked(ctx, nil); !locked {
		t.Errorf("chain isn't locked")
	}
	if locked, _ := c.IsChainLocked(ctx, subject); locked {
		t.Errorf("chain is locked for its own session")
	}

	s, _ := c.NewScratch(ctx)
	c.Put(ctx, s, action.InitZomesComplete{}, nil)
	if _, err := c.Commit(ctx, s, action.Strict); !core.ErrChainLocked.Is(err) {
		t.Fatalf("commit outside the session: %v", err)
	}
	if err := c.UnlockChain(ctx, "not-the-id"); !core.ErrChainLocked.Is(err) {
		t.Errorf("unlock with the wrong id: %v", err)
	}

	s.SetSubject(subject)
	if _, err := c.Commit(ctx, s, action.Strict); err != nil {
		t.Fatalf("session commit: %v", err)
	}
	if locked, _ := c.IsChainLocked(ctx, nil); locked {
		t.Errorf("session commit didn't release the lock")
	}
	if err := c.UnlockChain(ctx, id); err != nil {
		t.Errorf("unlocking a released lock: %v", err)
	}

	// An expired lock doesn't stop anyone.
	if _, err := c.LockChain(ctx, subject, 2000); err != nil {
		t.Fatal(err)
	}
	clock.set(2001)
	if locked, _ := c.IsChainLocked(ctx, nil); locked {
		t.Errorf("expired lock holds")
	}
	commitEntries(t, c, "after expiry")
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	c, _ := initChain(t)
	secret := action.AppEntry([]byte("secret"))
	s, _ := c.NewScratch(ctx)
	c.Put(ctx, s, action.Create{EntryType: publicType()}, action.AppEntry([]byte("p1")))
	c.Put(ctx, s, action.Create{EntryType: action.AppEntryType(0, 1, action.Private)}, secret)
	c.Put(ctx, s, action.Create{EntryType: publicType()}, action.AppEntry([]byte("p2")))
	if _, err := c.Commit(ctx, s, action.Strict); err != nil {
		t.Fatal(err)
	}

	pub := publicType()
	recs, err := c.Query(ctx, QueryFilter{EntryType: &pub, IncludeEntries: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || string(recs[0].Entry.App) != "p1" || string(recs[1].Entry.App) != "p2" {
		t.Fatalf("entry type query returned %d records", len(recs))
	}

	priv := action.AppEntryType(0, 1, action.Private)
	recs, _ = c.Query(ctx, QueryFilter{EntryType: &priv, IncludeEntries: true})
	if len(recs) != 1 || recs[0].EntryState != action.EntryPresent || !bytes.Equal(recs[0].Entry.App, secret.App) {
		t.Errorf("own private entry not returned")
	}

	recs, _ = c.Query(ctx, QueryFilter{ActionTypes: []action.Type{action.TypeCreate}, Descending: true, Limit: 2})
	if len(recs) != 2 || recs[0].Action().Seq != 5 || recs[1].Action().Seq != 4 {
		t.Errorf("descending query is wrong")
	}
	if recs[0].EntryState != action.EntryNotStored {
		t.Errorf("entry attached without IncludeEntries")
	}

	recs, _ = c.Query(ctx, QueryFilter{SeqFrom: 1, SeqTo: 3})
	if len(recs) != 2 || recs[0].Action().Seq != 1 {
		t.Errorf("seq range query is wrong")
	}

	other := keystore.NewMemKeystore()
	stranger, _ := other.GenerateAgent(ctx)
	if recs, err := c.Query(ctx, QueryFilter{Author: &stranger}); err != nil || len(recs) != 0 {
		t.Errorf("stranger's chain: %d %v", len(recs), err)
	}

	got, err := c.GetRecord(ctx, recs2hash(t, c, 4))
	if err != nil || got.EntryState != action.EntryPresent {
		t.Errorf("GetRecord of own private entry: %v", err)
	}
	if _, err := c.GetRecord(ctx, core.ActionHash{Hash: secret.Hash().Retype(core.HashTypeAction)}); !core.ErrNotFound.Is(err) {
		t.Errorf("GetRecord of nothing: %v", err)
	}
}

func recs2hash(t *testing.T, c *SourceChain, seq uint32) core.ActionHash {
	recs, err := c.Query(context.Background(), QueryFilter{SeqFrom: seq, SeqTo: seq + 1})
	if err != nil || len(recs) != 1 {
		t.Fatalf("no record at %d: %v", seq, err)
	}
	return recs[0].ActionHash()
}

// A failed commit leaves nothing behind.
func TestCommitRollback(t *testing.T) {
	ctx := context.Background()
	c, _ := initChain(t)
	before, _ := c.Head(ctx)

	// A keystore without the author's key can't sign.
	broken := *c
	broken.ks = keystore.NewMemKeystore()
	s, _ := broken.NewScratch(ctx)
	if _, err := broken.Put(ctx, s, action.Create{EntryType: publicType()}, action.AppEntry([]byte("lost"))); err != nil {
		t.Fatal(err)
	}
	if _, err := broken.Commit(ctx, s, action.Strict); !core.ErrNotFound.Is(err) {
		t.Fatalf("commit without a key: %v", err)
	}
	after, _ := c.Head(ctx)
	if after != before {
		t.Errorf("failed commit moved the head")
	}
	c.authored.Read(ctx, func(txn *store.Txn) error {
		counts, _ := txn.CountOps()
		if counts[store.StageIntegrated] != 6 {
			t.Errorf("failed commit left ops: %v", counts)
		}
		return nil
	})
}

func TestPutChecks(t *testing.T) {
	ctx := context.Background()
	c, _ := initChain(t)
	s, _ := c.NewScratch(ctx)

	if _, err := c.Put(ctx, s, action.Create{EntryType: publicType()}, nil); !core.ErrHeaderAndEntryMismatch.Is(err) {
		t.Errorf("create without entry: %v", err)
	}
	e := action.AppEntry([]byte("e"))
	wrong := action.AppEntry([]byte("f")).Hash()
	if _, err := c.Put(ctx, s, action.Create{EntryType: publicType(), EntryHash: wrong}, e); !core.ErrHeaderAndEntryMismatch.Is(err) {
		t.Errorf("create with the wrong entry: %v", err)
	}
	if _, err := c.Put(ctx, s, action.InitZomesComplete{}, e); !core.ErrHeaderAndEntryMismatch.Is(err) {
		t.Errorf("entry on a non-entry action: %v", err)
	}
	big := action.AppEntry(make([]byte, core.MaxEntrySize+1))
	if _, err := c.Put(ctx, s, action.Create{EntryType: publicType()}, big); !core.ErrBadSize.Is(err) {
		t.Errorf("oversize entry: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("failed puts were staged")
	}
	h, err := c.Put(ctx, s, action.Create{EntryType: publicType()}, e)
	if err != nil || !s.Has(h) || s.Records()[0].Action().Seq != 3 {
		t.Errorf("good put: %v", err)
	}
}

// Entries over the inline hashing limit are staged and committed like any
// other.
func TestPutLargeEntry(t *testing.T) {
	ctx := context.Background()
	c, _ := initChain(t)
	s, _ := c.NewScratch(ctx)

	e := action.AppEntry(bytes.Repeat([]byte("x"), 4*core.MaxInlineHashSize))
	h, err := c.Put(ctx, s, action.Create{EntryType: publicType()}, e)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Records()[0].Action().EntryHash; got != e.Hash() {
		t.Errorf("entry hash %s, want %s", got.Short(), e.Hash().Short())
	}
	if _, err := c.Commit(ctx, s, action.Strict); err != nil {
		t.Fatal(err)
	}
	rec, err := c.GetRecord(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Entry == nil || !bytes.Equal(rec.Entry.App, e.App) {
		t.Errorf("entry didn't survive the commit")
	}
}

// Concurrent writers on one chain never fork it.
func TestConcurrentCommits(t *testing.T) {
	ctx := context.Background()
	c, _ := initChain(t)
	const writers = 8

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				s, err := c.NewScratch(ctx)
				if err == nil {
					_, err = c.Put(ctx, s, action.Create{EntryType: publicType()}, action.AppEntry([]byte(fmt.Sprint(i))))
				}
				if err == nil {
					_, err = c.Commit(ctx, s, action.Strict)
				}
				if core.ErrHeadMoved.Is(err) {
					continue
				}
				errs <- err
				return
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
	head, _ := c.Head(ctx)
	if head.Seq != 2+writers {
		t.Errorf("head at %d after %d commits", head.Seq, writers)
	}
	c.authored.Read(ctx, func(txn *store.Txn) error {
		for seq := uint32(0); seq <= head.Seq; seq++ {
			if as, _ := txn.ActionsAt(c.author, seq); len(as) != 1 {
				t.Errorf("%d actions at seq %d", len(as), seq)
			}
		}
		return nil
	})
}
