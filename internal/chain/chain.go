// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package chain implements the source chain: the append-only, hash-linked,
// signed log of one agent's actions in one DNA.
//
// Writes are staged in a Scratch and made durable by Commit, which in a
// single write transaction checks the countersigning lock, checks that the
// head hasn't moved, signs the staged actions, writes them together with
// their entries and derived ops, and releases a lock bound to the commit.
package chain

import (
	"bytes"
	"context"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/agentdht/internal/action"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/dhtop"
	"github.com/westerndigitalcorporation/agentdht/internal/keystore"
	"github.com/westerndigitalcorporation/agentdht/internal/server"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
)

var (
	commitOps  = server.NewOpMetric("chain", "commits", "ordering")
	genesisOps = server.NewOpMetric("chain", "genesis")
)

// SourceChain is the chain of one author in one DNA.
type SourceChain struct {
	author core.AgentPubKey
	dna    core.DnaHash

	// authored holds our own chain; dht, if not nil, is consulted for
	// records of other authors.
	authored *store.DB
	dht      *store.DB

	ks    keystore.Keystore
	locks server.LockManager

	// now is swapped by tests.
	now func() core.Timestamp
}

// New returns the chain of 'author' in 'dna'. 'locks' must be shared by
// every SourceChain of the process so that commits by one author serialize.
func New(author core.AgentPubKey, dna core.DnaHash, authored, dht *store.DB, ks keystore.Keystore, locks server.LockManager) *SourceChain {
	return &SourceChain{
		author:   author,
		dna:      dna,
		authored: authored,
		dht:      dht,
		ks:       ks,
		locks:    locks,
		now:      core.Now,
	}
}

// Author returns the chain's author.
func (c *SourceChain) Author() core.AgentPubKey {
	return c.author
}

// Dna returns the chain's DNA hash.
func (c *SourceChain) Dna() core.DnaHash {
	return c.dna
}

// Head returns the chain head. ErrChainEmpty before genesis.
func (c *SourceChain) Head(ctx context.Context) (head store.Head, err error) {
	err = c.authored.Read(ctx, func(txn *store.Txn) error {
		head, err = txn.ChainHead(c.author)
		return err
	})
	return
}

// IsInitialized returns true if seq 0, 1 and 2 hold the three genesis
// actions.
func (c *SourceChain) IsInitialized(ctx context.Context) (ok bool, err error) {
	err = c.authored.Read(ctx, func(txn *store.Txn) error {
		ok, err = genesisComplete(txn, c.author)
		return err
	})
	return
}

func genesisComplete(txn *store.Txn, author core.AgentPubKey) (bool, error) {
	for seq := uint32(0); seq < core.GenesisLen; seq++ {
		as, err := txn.ActionsAt(author, seq)
		if err != nil {
			return false, err
		}
		if len(as) == 0 || !isGenesisShape(&as[0].Action, seq) {
			return false, nil
		}
	}
	return true, nil
}

func isGenesisShape(a *action.Action, seq uint32) bool {
	switch seq {
	case 0:
		return a.Type == action.TypeDna
	case 1:
		return a.Type == action.TypeAgentValidationPkg
	case 2:
		return a.Type == action.TypeCreate && a.EntryType.Kind == action.EntryTypeAgentPubKey
	}
	return false
}

// NeedsInit returns true if the chain has no InitZomesComplete yet.
func (c *SourceChain) NeedsInit(ctx context.Context) (bool, error) {
	var found []*action.SignedAction
	err := c.authored.Read(ctx, func(txn *store.Txn) (err error) {
		found, err = txn.QueryActions(store.ActionQuery{
			Author: c.author,
			Types:  []action.Type{action.TypeInitZomesComplete},
			Limit:  1,
		})
		return
	})
	return len(found) == 0, err
}

// Committed is what a commit wrote: the signed records and their ops, ready
// to publish.
type Committed struct {
	Records []action.Record
	Ops     []dhtop.DhtOp
}

// Genesis writes the Dna, AgentValidationPkg and agent entry actions in one
// transaction.
func (c *SourceChain) Genesis(ctx context.Context, membraneProof []byte) (out *Committed, err error) {
	op := genesisOps.Start()
	defer func() { op.EndWithError(err) }()

	if err = c.lockAuthor(ctx); err != nil {
		return nil, err
	}
	defer c.locks.Unlock(c.author)

	err = c.authored.Write(ctx, func(txn *store.Txn) error {
		if _, err := txn.ChainHead(c.author); err == nil {
			return core.ErrInvalidArgument.Errorf("chain of %s already has genesis", c.author.Short())
		} else if !core.ErrChainEmpty.Is(err) {
			return err
		}
		ts := c.now()
		a0 := action.DnaAction(c.author, ts, c.dna)
		a1 := action.AgentValidationPkg(action.Common{Author: c.author, Timestamp: ts + 1, Seq: 1, Prev: a0.Hash()}, membraneProof)
		agent := action.AgentEntry(c.author)
		a2 := action.Create{EntryType: action.AgentEntryType(), EntryHash: agent.Hash()}.
			Build(action.Common{Author: c.author, Timestamp: ts + 2, Seq: 2, Prev: a1.Hash()})
		var werr error
		out, werr = c.write(ctx, txn, []staged{{Action: a0}, {Action: a1}, {Action: a2, Entry: agent}})
		return werr
	})
	if err != nil {
		return nil, err
	}
	log.Infof("chain: genesis of %s in %s", c.author.Short(), c.dna.Short())
	return out, nil
}

// NewScratch opens a scratch on the current head.
func (c *SourceChain) NewScratch(ctx context.Context) (*Scratch, error) {
	head, err := c.Head(ctx)
	if core.ErrChainEmpty.Is(err) {
		return nil, core.ErrGenesisMissing.Errorf("chain of %s", c.author.Short())
	} else if err != nil {
		return nil, err
	}
	return &Scratch{base: head}, nil
}

// Put stages an action built from 'b' and its entry, if any, and returns
// its hash. It fails with ErrHeadMoved if the chain advanced since the
// scratch was opened. For Create and Update an unset entry hash is filled
// from 'e'.
func (c *SourceChain) Put(ctx context.Context, s *Scratch, b action.Builder, e *action.Entry) (core.ActionHash, error) {
	head, err := c.Head(ctx)
	if err != nil {
		return core.ActionHash{}, err
	}
	if head != s.base {
		return core.ActionHash{}, core.ErrHeadMoved.Errorf("head is #%d, scratch is on #%d", head.Seq, s.base.Seq)
	}
	var eh core.EntryHash
	if e != nil {
		if e.Size() > core.MaxEntrySize {
			return core.ActionHash{}, core.ErrBadSize.Errorf("entry is %d bytes", e.Size())
		}
		if eh, err = e.HashBlocking(ctx); err != nil {
			return core.ActionHash{}, err
		}
		switch v := b.(type) {
		case action.Create:
			if v.EntryHash.IsZero() {
				v.EntryHash = eh
			}
			b = v
		case action.Update:
			if v.EntryHash.IsZero() {
				v.EntryHash = eh
			}
			b = v
		}
	}
	a := b.Build(c.nextCommon(s.top()))
	if err := checkStaged(&a, e, eh); err != nil {
		return core.ActionHash{}, err
	}
	s.staged = append(s.staged, staged{Action: a, Entry: e})
	return a.Hash(), nil
}

// nextCommon builds the common fields of the action after 'top'.
func (c *SourceChain) nextCommon(top store.Head) action.Common {
	return action.Common{
		Author:    c.author,
		Timestamp: core.MaxTimestamp(c.now(), top.Timestamp+1),
		Seq:       top.Seq + 1,
		Prev:      top.Hash,
	}
}

// checkStaged checks a staged action against its entry, whose hash is 'eh'.
func checkStaged(a *action.Action, e *action.Entry, eh core.EntryHash) error {
	if a.Type.HasEntry() && e == nil {
		return core.ErrHeaderAndEntryMismatch.Errorf("%s without its entry", a.Type)
	}
	if !a.Type.HasEntry() && e != nil {
		return core.ErrHeaderAndEntryMismatch.Errorf("%s with an entry", a.Type)
	}
	if err := a.Check(); err != nil {
		return err
	}
	r := action.NewRecord(action.SignedAction{Action: *a}, e)
	return r.CheckEntryHashed(eh)
}

// Commit makes a scratch durable. With action.Strict ordering a moved head
// fails with ErrHeadMoved; with action.Relaxed the staged actions are
// rebuilt on top of the new head. A commit of an empty scratch does nothing.
// On any error nothing is written.
func (c *SourceChain) Commit(ctx context.Context, s *Scratch, ordering action.ChainTopOrdering) (out *Committed, err error) {
	if s.Len() == 0 {
		return &Committed{}, nil
	}
	label := "strict"
	if ordering == action.Relaxed {
		label = "relaxed"
	}
	op := commitOps.Start(label)
	defer func() { op.EndWithError(err) }()

	if err = c.lockAuthor(ctx); err != nil {
		return nil, err
	}
	defer c.locks.Unlock(c.author)

	err = c.authored.Write(ctx, func(txn *store.Txn) error {
		now := c.now()
		lock, err := txn.GetChainLock(c.author)
		if err != nil {
			return err
		}
		if lock != nil && lock.ExpiresAt <= now {
			log.V(1).Infof("chain: lock %s on %s expired", lock.LockID, c.author.Short())
			if err := txn.DeleteChainLock(c.author); err != nil {
				return err
			}
			lock = nil
		}
		if lock != nil && (s.subject == nil || !bytes.Equal(lock.Subject, s.subject)) {
			return core.ErrChainLocked.Errorf("lock %s until %s", lock.LockID, lock.ExpiresAt)
		}

		head, err := txn.ChainHead(c.author)
		if err != nil {
			return err
		}
		toWrite := s.staged
		if head != s.base {
			if ordering != action.Relaxed {
				return core.ErrHeadMoved.Errorf("head is #%d, scratch is on #%d", head.Seq, s.base.Seq)
			}
			if toWrite, err = c.rebase(head, s.staged); err != nil {
				return err
			}
		}
		if out, err = c.write(ctx, txn, toWrite); err != nil {
			return err
		}
		if lock != nil {
			return txn.DeleteChainLock(c.author)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.V(2).Infof("chain: %s committed %d actions", c.author.Short(), len(out.Records))
	return out, nil
}

// rebase rebuilds staged actions on top of 'head'. Only the common fields
// change.
func (c *SourceChain) rebase(head store.Head, in []staged) ([]staged, error) {
	out := make([]staged, len(in))
	top := head
	for i, st := range in {
		a := st.Action
		common := c.nextCommon(top)
		a.Timestamp, a.Seq, a.Prev = common.Timestamp, common.Seq, common.Prev
		if err := a.Check(); err != nil {
			return nil, err
		}
		out[i] = staged{Action: a, Entry: st.Entry}
		top = store.Head{Hash: a.Hash(), Seq: a.Seq, Timestamp: a.Timestamp}
	}
	return out, nil
}

// write signs and stores actions, their entries and their ops. Ops go in as
// integrated and valid with a receipt required, which is the publish queue.
func (c *SourceChain) write(ctx context.Context, txn *store.Txn, in []staged) (*Committed, error) {
	out := &Committed{}
	for _, st := range in {
		sa, err := keystore.SignAction(ctx, c.ks, st.Action)
		if err != nil {
			return nil, err
		}
		written, err := txn.PutAction(&sa)
		if err != nil {
			return nil, err
		}
		if !written {
			return nil, core.ErrHeadMoved.Errorf("%s is already on the chain", sa.Action.Hash().Short())
		}
		if st.Entry != nil {
			if err := txn.PutEntry(st.Entry); err != nil {
				return nil, err
			}
		}
		ops, err := dhtop.Produce(sa, st.Entry)
		if err != nil {
			return nil, err
		}
		for _, o := range ops {
			d := dhtop.FromChain(o)
			row := d.Row(store.StageIntegrated, store.StatusValid)
			row.RequireReceipt = true
			row.WhenIntegrated = sa.Action.Timestamp
			if _, err := txn.PutOp(row); err != nil {
				return nil, err
			}
			out.Ops = append(out.Ops, d)
		}
		out.Records = append(out.Records, action.NewRecord(sa, st.Entry))
	}
	return out, nil
}

func (c *SourceChain) lockAuthor(ctx context.Context) error {
	if err := c.locks.Lock(ctx, c.author); err != nil {
		return core.FromContextError(err)
	}
	return nil
}
