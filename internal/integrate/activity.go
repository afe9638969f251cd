// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package integrate

import (
	"context"
	"fmt"
	"sort"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/agentdht/internal/action"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/dhtop"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
)

// ChainStatusKind says what an authority knows about a chain.
type ChainStatusKind uint8

const (
	// ChainEmpty: no valid or rejected activity.
	ChainEmpty ChainStatusKind = iota
	// ChainValid: a valid chain up to Head.
	ChainValid
	// ChainForked: two valid actions at ForkSeq.
	ChainForked
	// ChainInvalid: the action at Head was rejected.
	ChainInvalid
)

func (k ChainStatusKind) String() string {
	switch k {
	case ChainEmpty:
		return "empty"
	case ChainValid:
		return "valid"
	case ChainForked:
		return "forked"
	case ChainInvalid:
		return "invalid"
	}
	return fmt.Sprintf("chain_status(%d)", uint8(k))
}

// ChainHead is an action of a chain.
type ChainHead struct {
	_msgpack struct{} `msgpack:",as_array"`

	Seq  uint32
	Hash core.ActionHash
}

// ChainStatus is the state of a chain as seen by one of its authorities.
// Head is set for Valid and Invalid. ForkSeq, First and Second are set for
// Forked, with First < Second.
type ChainStatus struct {
	_msgpack struct{} `msgpack:",as_array"`

	Kind    ChainStatusKind
	Head    ChainHead
	ForkSeq uint32
	First   core.ActionHash
	Second  core.ActionHash
}

func (s ChainStatus) String() string {
	switch s.Kind {
	case ChainValid, ChainInvalid:
		return fmt.Sprintf("%s(%d:%s)", s.Kind, s.Head.Seq, s.Head.Hash.Short())
	case ChainForked:
		return fmt.Sprintf("forked(%d:%s,%s)", s.ForkSeq, s.First.Short(), s.Second.Short())
	}
	return s.Kind.String()
}

// ActivityFilter selects the actions an activity query returns. The status
// always covers the whole chain.
type ActivityFilter struct {
	_msgpack struct{} `msgpack:",as_array"`

	// FromSeq and UntilSeq bound the sequence numbers, inclusive. A zero
	// UntilSeq has no bound.
	FromSeq  uint32
	UntilSeq uint32
	// IncludeActions returns the signed actions, not just their hashes.
	IncludeActions bool
}

func (f ActivityFilter) has(seq uint32) bool {
	return seq >= f.FromSeq && (f.UntilSeq == 0 || seq <= f.UntilSeq)
}

// ActivityItem is one action in an activity answer.
type ActivityItem struct {
	_msgpack struct{} `msgpack:",as_array"`

	Seq    uint32
	Hash   core.ActionHash
	Signed *action.SignedAction
}

// AgentActivity is what an authority for an agent knows of its chain.
type AgentActivity struct {
	_msgpack struct{} `msgpack:",as_array"`

	Agent    core.AgentPubKey
	Valid    []ActivityItem
	Rejected []ActivityItem
	Status   ChainStatus
	// HighestObserved is the highest sequence number of any activity we
	// hold, validated or not, and the actions we hold there.
	HighestObserved *ChainHeads
	Warrants        []dhtop.SignedWarrant
}

// ChainHeads are the actions at one sequence number.
type ChainHeads struct {
	_msgpack struct{} `msgpack:",as_array"`

	Seq    uint32
	Hashes []core.ActionHash
}

// AgentActivity answers an activity query for 'author' from the
// RegisterAgentActivity ops we hold.
func (w *Workflow) AgentActivity(ctx context.Context, author core.AgentPubKey, f ActivityFilter) (*AgentActivity, error) {
	var rows, warrants []*store.OpRow
	err := w.db.Read(ctx, func(txn *store.Txn) (err error) {
		if rows, err = txn.OpsByBasis(author.Hash, uint8(dhtop.RegisterAgentActivity)); err != nil {
			return err
		}
		warrants, err = txn.OpsByBasis(author.Hash, uint8(dhtop.ChainIntegrityWarrant))
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &AgentActivity{Agent: author}
	var valid, bad []ActivityItem
	for _, r := range rows {
		if r.Status == store.StatusAbandoned {
			continue
		}
		d, err := dhtop.FromRow(r)
		if err != nil {
			log.Warningf("integrate: skipping activity op %s: %s", r.Hash.Short(), err)
			continue
		}
		a := d.Chain.Action()
		it := ActivityItem{Seq: a.Seq, Hash: d.ActionHash(), Signed: &d.Chain.Signed}
		out.observe(it)
		switch {
		case r.Status == store.StatusRejected:
			bad = append(bad, it)
		case r.Stage == store.StageIntegrated && r.Status == store.StatusValid:
			valid = append(valid, it)
		}
	}
	sortItems(valid)
	sortItems(bad)
	out.Status = chainStatus(valid, bad)

	for _, it := range valid {
		if f.has(it.Seq) {
			out.Valid = append(out.Valid, f.trim(it))
		}
	}
	for _, it := range bad {
		if f.has(it.Seq) {
			out.Rejected = append(out.Rejected, f.trim(it))
		}
	}
	for _, r := range warrants {
		if !r.Status.Effective() {
			continue
		}
		d, err := dhtop.FromRow(r)
		if err != nil {
			log.Warningf("integrate: skipping warrant %s: %s", r.Hash.Short(), err)
			continue
		}
		out.Warrants = append(out.Warrants, *d.Warrant)
	}
	return out, nil
}

func (f ActivityFilter) trim(it ActivityItem) ActivityItem {
	if !f.IncludeActions {
		it.Signed = nil
	}
	return it
}

func (a *AgentActivity) observe(it ActivityItem) {
	h := a.HighestObserved
	switch {
	case h == nil || it.Seq > h.Seq:
		a.HighestObserved = &ChainHeads{Seq: it.Seq, Hashes: []core.ActionHash{it.Hash}}
	case it.Seq == h.Seq:
		h.Hashes = append(h.Hashes, it.Hash)
	}
}

func sortItems(items []ActivityItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Seq != items[j].Seq {
			return items[i].Seq < items[j].Seq
		}
		return items[i].Hash.Compare(items[j].Hash.Hash) < 0
	})
}

// chainStatus derives the status of a chain from its sorted valid and
// rejected actions. The lowest anomaly wins; a fork wins a tie.
func chainStatus(valid, bad []ActivityItem) ChainStatus {
	fork := -1
	for i := 1; i < len(valid); i++ {
		if valid[i].Seq == valid[i-1].Seq {
			fork = i - 1
			break
		}
	}
	switch {
	case fork >= 0 && (len(bad) == 0 || valid[fork].Seq <= bad[0].Seq):
		return ChainStatus{
			Kind:    ChainForked,
			ForkSeq: valid[fork].Seq,
			First:   valid[fork].Hash,
			Second:  valid[fork+1].Hash,
		}
	case len(bad) > 0:
		return ChainStatus{Kind: ChainInvalid, Head: ChainHead{Seq: bad[0].Seq, Hash: bad[0].Hash}}
	case len(valid) > 0:
		top := valid[len(valid)-1]
		return ChainStatus{Kind: ChainValid, Head: ChainHead{Seq: top.Seq, Hash: top.Hash}}
	}
	return ChainStatus{Kind: ChainEmpty}
}
