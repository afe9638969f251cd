// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package dhtop

import (
	"github.com/westerndigitalcorporation/agentdht/internal/action"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
)

// opTypesFor lists, in order, the op types an action produces.
func opTypesFor(a *action.Action) []OpType {
	if a.Type == action.TypeDna {
		return []OpType{StoreRecord}
	}
	out := []OpType{StoreRecord, RegisterAgentActivity}
	switch a.Type {
	case action.TypeCreate:
		if !a.IsPrivateEntry() {
			out = append(out, StoreEntry)
		}
	case action.TypeUpdate:
		if !a.IsPrivateEntry() {
			out = append(out, StoreEntry)
		}
		out = append(out, RegisterUpdatedContent, RegisterUpdatedRecord)
	case action.TypeDelete:
		out = append(out, RegisterDeletedBy, RegisterDeletedEntryAction)
	case action.TypeCreateLink:
		out = append(out, RegisterAddLink)
	case action.TypeDeleteLink:
		out = append(out, RegisterRemoveLink)
	}
	return out
}

// Produce derives the ops of a signed action. 'e' is the action's entry; it
// may be nil for actions without one. Private entries never leave: their
// StoreRecord carries EntryHidden and there is no StoreEntry.
func Produce(sa action.SignedAction, e *action.Entry) ([]ChainOp, error) {
	a := &sa.Action
	full := action.NewRecord(sa, e)
	if err := full.CheckEntry(); err != nil {
		return nil, err
	}
	rec := full.Stripped()
	types := opTypesFor(a)
	out := make([]ChainOp, 0, len(types))
	for _, t := range types {
		op := ChainOp{Type: t, Signed: sa, EntryState: action.EntryNA}
		switch t {
		case StoreRecord:
			op.EntryState, op.Entry = rec.EntryState, rec.Entry
		case StoreEntry:
			if e == nil {
				return nil, core.ErrHeaderAndEntryMismatch.Errorf("public %s without its entry", a.Type)
			}
			op.EntryState, op.Entry = action.EntryPresent, e
		}
		out = append(out, op)
	}
	return out, nil
}

// ProduceAll derives the ops of several records, in order.
func ProduceAll(recs []action.Record) ([]DhtOp, error) {
	var out []DhtOp
	for _, r := range recs {
		ops, err := Produce(r.Signed, r.Entry)
		if err != nil {
			return nil, err
		}
		for _, o := range ops {
			out = append(out, FromChain(o))
		}
	}
	return out, nil
}

// Row converts an op to its storage row.
func (d *DhtOp) Row(stage store.Stage, status store.Status) *store.OpRow {
	blob := d.Bytes()
	return &store.OpRow{
		Hash:       d.Hash(),
		Type:       uint8(d.Type()),
		Action:     d.ActionHash().Hash,
		Basis:      d.Basis(),
		Authored:   d.Timestamp(),
		Stage:      stage,
		Status:     status,
		Dependency: d.Dependency(),
		Size:       uint32(len(blob)),
		Blob:       blob,
	}
}

// FromRow decodes the op stored in a row and checks it hashes to the row's
// key.
func FromRow(r *store.OpRow) (*DhtOp, error) {
	d, err := Decode(r.Blob)
	if err != nil {
		return nil, err
	}
	if d.Hash() != r.Hash {
		return nil, core.ErrCorruptData.Errorf("op %s decodes to %s", r.Hash.Short(), d.Hash().Short())
	}
	return d, nil
}
