// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package chain

import (
	"context"

	"github.com/westerndigitalcorporation/agentdht/internal/action"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
)

// QueryFilter selects actions of a chain. Zero values don't filter.
type QueryFilter struct {
	// Author defaults to the chain's own author. Other authors are read
	// from the dht database.
	Author *core.AgentPubKey

	// SeqFrom is inclusive, SeqTo exclusive. SeqTo of zero means no bound.
	SeqFrom, SeqTo uint32

	EntryType   *action.EntryType
	ActionTypes []action.Type

	// After and Before are exclusive.
	After, Before core.Timestamp

	// IncludeEntries attaches entries to the records. Without it, records
	// of entry actions come back as EntryNotStored.
	IncludeEntries bool

	Descending bool
	Limit      int
}

// Query returns the records selected by 'f', ordered by sequence.
func (c *SourceChain) Query(ctx context.Context, f QueryFilter) ([]action.Record, error) {
	author, db := c.author, c.authored
	if f.Author != nil && *f.Author != c.author {
		if c.dht == nil {
			return nil, core.ErrNotFound.Errorf("no dht database for %s", f.Author.Short())
		}
		author, db = *f.Author, c.dht
	}
	q := store.ActionQuery{
		Author:     author,
		SeqFrom:    f.SeqFrom,
		SeqTo:      f.SeqTo,
		Types:      f.ActionTypes,
		After:      f.After,
		Before:     f.Before,
		Descending: f.Descending,
	}
	if f.EntryType == nil {
		q.Limit = f.Limit
	}

	var out []action.Record
	err := db.Read(ctx, func(txn *store.Txn) error {
		found, err := txn.QueryActions(q)
		if err != nil {
			return err
		}
		for _, sa := range found {
			if f.EntryType != nil {
				_, et, ok := sa.Action.EntryData()
				if !ok || !et.Equal(*f.EntryType) {
					continue
				}
			}
			var e *action.Entry
			if f.IncludeEntries && sa.Action.Type.HasEntry() {
				if e, err = txn.GetEntry(sa.Action.EntryHash); err != nil && !core.ErrNotFound.Is(err) {
					return err
				}
			}
			out = append(out, action.NewRecord(*sa, e))
			if f.Limit > 0 && len(out) == f.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetRecord returns the record of an action, looking in our own chain first
// and then in the dht database. Private entries of other authors are
// hidden.
func (c *SourceChain) GetRecord(ctx context.Context, h core.ActionHash) (*action.Record, error) {
	for _, db := range []*store.DB{c.authored, c.dht} {
		if db == nil {
			continue
		}
		var rec *action.Record
		err := db.Read(ctx, func(txn *store.Txn) error {
			sa, err := txn.GetAction(h)
			if err != nil {
				return err
			}
			var e *action.Entry
			if sa.Action.Type.HasEntry() {
				if e, err = txn.GetEntry(sa.Action.EntryHash); err != nil && !core.ErrNotFound.Is(err) {
					return err
				}
			}
			r := action.NewRecord(*sa, e)
			if sa.Action.Author != c.author {
				r = r.Stripped()
			}
			rec = &r
			return nil
		})
		if err == nil {
			return rec, nil
		} else if !core.ErrNotFound.Is(err) {
			return nil, err
		}
	}
	return nil, core.ErrNotFound.Errorf("record %s", h.Short())
}
