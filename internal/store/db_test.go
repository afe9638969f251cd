// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package store

import (
	"bytes"
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/agentdht/internal/action"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/pkg/testutil"
)

func tempPath(t *testing.T, name string) string {
	dir, err := ioutil.TempDir(testutil.TempDir(), "store")
	if err != nil {
		t.Fatal(err)
	}
	return filepath.Join(dir, name)
}

func openTest(t *testing.T, cfg Config) *DB {
	db, err := Open(tempPath(t, "dht.sqlite"), KindDht, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return db
}

func testAgent(t *testing.T, b byte) core.AgentPubKey {
	a, err := core.AgentPubKeyFromKey(bytes.Repeat([]byte{b}, 32))
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func testAction(t *testing.T, seq uint32, prev core.ActionHash, payload string) (action.SignedAction, *action.Entry) {
	author := testAgent(t, 1)
	if seq == 0 {
		return action.SignedAction{Action: action.DnaAction(author, 1, (&action.DnaDef{Name: payload}).Hash())}, nil
	}
	e := action.AppEntry([]byte(payload))
	a := action.Create{EntryType: action.AppEntryType(0, 0, action.Public), EntryHash: e.Hash()}.
		Build(action.Common{Author: author, Timestamp: core.Timestamp(seq + 1), Seq: seq, Prev: prev})
	return action.SignedAction{Action: a}, e
}

func TestActionsAndEntries(t *testing.T) {
	ctx := context.Background()
	db := openTest(t, DefaultTestConfig)
	defer db.Close()

	s0, _ := testAction(t, 0, core.ActionHash{}, "dna")
	s1, e1 := testAction(t, 3, s0.Action.Hash(), "one")
	err := db.Write(ctx, func(txn *Txn) error {
		for _, sa := range []action.SignedAction{s0, s1} {
			if ok, err := txn.PutAction(&sa); err != nil || !ok {
				t.Errorf("put %s: %t %v", sa.Action.Type, ok, err)
			}
		}
		if ok, _ := txn.PutAction(&s1); ok {
			t.Errorf("second put should be ignored")
		}
		return txn.PutEntry(e1)
	})
	if err != nil {
		t.Fatal(err)
	}

	err = db.Read(ctx, func(txn *Txn) error {
		head, err := txn.ChainHead(s0.Action.Author)
		if err != nil {
			return err
		}
		if head.Hash != s1.Action.Hash() || head.Seq != 3 {
			t.Errorf("bad head %+v", head)
		}
		got, err := txn.GetAction(s1.Action.Hash())
		if err != nil {
			return err
		}
		if got.Action.Hash() != s1.Action.Hash() {
			t.Errorf("action changed in storage")
		}
		e, err := txn.GetEntry(e1.Hash())
		if err != nil {
			return err
		}
		if !bytes.Equal(e.App, e1.App) {
			t.Errorf("entry changed in storage")
		}
		missing := core.ActionHash{Hash: e1.Hash().Retype(core.HashTypeAction)}
		if _, err := txn.GetAction(missing); !core.ErrNotFound.Is(err) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		byEntry, err := txn.ActionsByEntry(e1.Hash())
		if err != nil || len(byEntry) != 1 {
			t.Errorf("actions by entry: %d %v", len(byEntry), err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = db.Read(ctx, func(txn *Txn) error {
		_, err := txn.ChainHead(testAgent(t, 2))
		return err
	})
	if !core.ErrChainEmpty.Is(err) {
		t.Errorf("expected ErrChainEmpty, got %v", err)
	}
}

func TestQueryActions(t *testing.T) {
	ctx := context.Background()
	db := openTest(t, DefaultTestConfig)
	defer db.Close()

	var hashes []core.ActionHash
	err := db.Write(ctx, func(txn *Txn) error {
		prev := core.ActionHash{}
		for seq := uint32(0); seq < 6; seq++ {
			sa, _ := testAction(t, seq, prev, "x")
			if _, err := txn.PutAction(&sa); err != nil {
				return err
			}
			prev = sa.Action.Hash()
			hashes = append(hashes, prev)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	author := testAgent(t, 1)
	check := func(q ActionQuery, want ...int) {
		var got []*action.SignedAction
		if err := db.Read(ctx, func(txn *Txn) (err error) {
			got, err = txn.QueryActions(q)
			return
		}); err != nil {
			t.Fatal(err)
		}
		if len(got) != len(want) {
			t.Fatalf("query %+v: got %d results, want %d", q, len(got), len(want))
		}
		for i, w := range want {
			if got[i].Action.Hash() != hashes[w] {
				t.Errorf("query %+v: result %d is seq %d, want %d", q, i, got[i].Action.Seq, w)
			}
		}
	}
	check(ActionQuery{Author: author}, 0, 1, 2, 3, 4, 5)
	check(ActionQuery{Author: author, SeqFrom: 2, SeqTo: 4}, 2, 3)
	check(ActionQuery{Author: author, Types: []action.Type{action.TypeDna}}, 0)
	check(ActionQuery{Author: author, After: 3, Before: 6}, 3, 4)
	check(ActionQuery{Author: author, Descending: true, Limit: 2}, 5, 4)
	check(ActionQuery{Author: testAgent(t, 9)})
}

// A failing write leaves nothing behind.
func TestWriteRollback(t *testing.T) {
	ctx := context.Background()
	db := openTest(t, DefaultTestConfig)
	defer db.Close()

	sa, _ := testAction(t, 0, core.ActionHash{}, "dna")
	err := db.Write(ctx, func(txn *Txn) error {
		if _, err := txn.PutAction(&sa); err != nil {
			return err
		}
		return core.ErrHeadMoved.Error()
	})
	if !core.ErrHeadMoved.Is(err) {
		t.Fatalf("expected the callback's error, got %v", err)
	}
	db.Read(ctx, func(txn *Txn) error {
		if ok, _ := txn.HasAction(sa.Action.Hash()); ok {
			t.Errorf("rolled back action is visible")
		}
		return nil
	})
}

// Readers wait at most ReaderAcquireTimeout for a permit.
func TestReaderPermits(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultTestConfig
	cfg.ReaderPermits = 1
	cfg.ReaderAcquireTimeout = 50 * time.Millisecond
	db := openTest(t, cfg)
	defer db.Close()

	txn, err := db.ReadTxn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if _, err := db.ReadTxn(ctx); !core.ErrTimeout.Is(err) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) < cfg.ReaderAcquireTimeout {
		t.Errorf("gave up too early")
	}
	txn.Done()
	txn, err = db.ReadTxn(ctx)
	if err != nil {
		t.Fatalf("permit not released: %v", err)
	}
	txn.Done()
}

func TestEncryption(t *testing.T) {
	ctx := context.Background()
	path := tempPath(t, "authored.sqlite")
	cfg := DefaultTestConfig
	cfg.Passphrase = "s3cret"
	cfg.CompressThreshold = 16

	db, err := Open(path, KindAuthored, cfg)
	if err != nil {
		t.Fatal(err)
	}
	big := action.AppEntry(bytes.Repeat([]byte("compress me "), 100))
	if err := db.Write(ctx, func(txn *Txn) error { return txn.PutEntry(big) }); err != nil {
		t.Fatal(err)
	}
	db.Close()

	bad := cfg
	bad.Passphrase = "wrong"
	if _, err := Open(path, KindAuthored, bad); !core.ErrWrongKey.Is(err) {
		t.Fatalf("expected ErrWrongKey, got %v", err)
	}
	plain := cfg
	plain.Passphrase = ""
	if _, err := Open(path, KindAuthored, plain); !core.ErrWrongKey.Is(err) {
		t.Fatalf("expected ErrWrongKey without passphrase, got %v", err)
	}

	db, err = Open(path, KindAuthored, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	db.Read(ctx, func(txn *Txn) error {
		e, err := txn.GetEntry(big.Hash())
		if err != nil || !bytes.Equal(e.App, big.App) {
			t.Errorf("entry after reopen: %v", err)
		}
		return nil
	})
}

func TestBlobFraming(t *testing.T) {
	db := &DB{cfg: DefaultTestConfig}
	for _, n := range []int{0, 10, db.cfg.CompressThreshold + 1, 10000} {
		in := bytes.Repeat([]byte{'a'}, n)
		sealed, err := db.sealBlob(in)
		if err != nil {
			t.Fatal(err)
		}
		if n > db.cfg.CompressThreshold && sealed[0] != blobSnappy {
			t.Errorf("%d bytes not compressed", n)
		}
		out, err := db.openBlob(sealed)
		if err != nil || !bytes.Equal(in, out) {
			t.Errorf("%d bytes: round trip failed: %v", n, err)
		}
	}
	if _, err := db.openBlob([]byte{9, 1, 2}); !core.ErrCorruptData.Is(err) {
		t.Errorf("bad flag: %v", err)
	}
}

// A fresh database can be read right away, and every reader connection
// stays in WAL mode while the writer is open.
func TestReadAfterOpen(t *testing.T) {
	ctx := context.Background()
	db := openTest(t, DefaultTestConfig)
	defer db.Close()

	for i := 0; i < 3; i++ {
		err := db.Read(ctx, func(txn *Txn) error {
			var mode string
			if err := txn.queryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
				return err
			}
			if mode != "wal" {
				t.Errorf("reader journal mode %q", mode)
			}
			if _, err := txn.ChainHead(testAgent(t, 1)); !core.ErrChainEmpty.Is(err) {
				t.Errorf("head of an empty db: %v", err)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("read %d: %s", i, err)
		}
	}
}

// A read transaction sees the database as of its first read, even if a
// write commits while it's open.
func TestReadDuringWrite(t *testing.T) {
	ctx := context.Background()
	db := openTest(t, DefaultTestConfig)
	defer db.Close()

	author := testAgent(t, 1)
	s0, _ := testAction(t, 0, core.ActionHash{}, "dna")

	txn, err := db.ReadTxn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := txn.ChainHead(author); !core.ErrChainEmpty.Is(err) {
		t.Fatalf("head before the write: %v", err)
	}

	err = db.Write(ctx, func(w *Txn) error {
		_, err := w.PutAction(&s0)
		return err
	})
	if err != nil {
		t.Fatalf("write during a read: %s", err)
	}

	if _, err := txn.ChainHead(author); !core.ErrChainEmpty.Is(err) {
		t.Errorf("open read saw a later write: %v", err)
	}
	if _, err := txn.GetAction(s0.Action.Hash()); !core.ErrNotFound.Is(err) {
		t.Errorf("open read found a later action: %v", err)
	}
	txn.Done()

	err = db.Read(ctx, func(txn *Txn) error {
		head, err := txn.ChainHead(author)
		if err != nil {
			return err
		}
		if head.Hash != s0.Action.Hash() {
			t.Errorf("head %s, want %s", head.Hash, s0.Action.Hash())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
