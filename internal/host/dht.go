// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package host

import (
	"bytes"
	"context"
	"sort"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/agentdht/internal/action"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/dhtop"
	"github.com/westerndigitalcorporation/agentdht/internal/integrate"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
)

// Lookups are answered from our own chain and the ops we hold as an
// authority. Both databases have actions and entries only once they're
// valid: ours when committed, others' when integrated.

func (h *Host) dbs() []*store.DB {
	var out []*store.DB
	for _, db := range []*store.DB{h.env.Authored, h.env.DHT} {
		if db != nil {
			out = append(out, db)
		}
	}
	return out
}

// live selects the ops that count for lookups.
func live(r *store.OpRow) bool {
	return r.Stage == store.StageIntegrated && r.Status == store.StatusValid
}

// actionsAt returns the distinct actions of the live ops of 'types' at
// 'basis', oldest first.
func (h *Host) actionsAt(ctx context.Context, basis core.Hash, types ...dhtop.OpType) ([]action.SignedAction, error) {
	ts := make([]uint8, len(types))
	for i, t := range types {
		ts[i] = uint8(t)
	}
	seen := make(map[core.ActionHash]bool)
	var out []action.SignedAction
	for _, db := range h.dbs() {
		var rows []*store.OpRow
		err := db.Read(ctx, func(txn *store.Txn) (err error) {
			rows, err = txn.OpsByBasis(basis, ts...)
			return
		})
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if !live(r) {
				continue
			}
			d, err := dhtop.FromRow(r)
			if err != nil {
				log.Warningf("host: skipping op %s: %s", r.Hash.Short(), err)
				continue
			}
			if ah := d.ActionHash(); d.Chain != nil && !seen[ah] {
				seen[ah] = true
				out = append(out, d.Chain.Signed)
			}
		}
	}
	sortActions(out)
	return out, nil
}

func sortActions(s []action.SignedAction) {
	sort.Slice(s, func(i, j int) bool {
		a, b := &s[i].Action, &s[j].Action
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return a.Hash().Compare(b.Hash().Hash) < 0
	})
}

// entry finds an entry in either database.
func (h *Host) entry(ctx context.Context, eh core.EntryHash) (*action.Entry, error) {
	for _, db := range h.dbs() {
		var e *action.Entry
		err := db.Read(ctx, func(txn *store.Txn) (err error) {
			e, err = txn.GetEntry(eh)
			return
		})
		if err == nil {
			return e, nil
		} else if !core.ErrNotFound.Is(err) {
			return nil, err
		}
	}
	return nil, core.ErrNotFound.Errorf("entry %s", eh.Short())
}

// creators returns the actions that created or updated to 'eh'.
func (h *Host) creators(ctx context.Context, eh core.EntryHash) ([]action.SignedAction, error) {
	seen := make(map[core.ActionHash]bool)
	var out []action.SignedAction
	for _, db := range h.dbs() {
		var found []*action.SignedAction
		err := db.Read(ctx, func(txn *store.Txn) (err error) {
			found, err = txn.ActionsByEntry(eh)
			return
		})
		if err != nil {
			return nil, err
		}
		for _, sa := range found {
			if ah := sa.Action.Hash(); !seen[ah] {
				seen[ah] = true
				out = append(out, *sa)
			}
		}
	}
	sortActions(out)
	return out, nil
}

// get answers get: the record of an action, or the oldest live record of
// an entry. It returns nil if there is none.
func (h *Host) get(ctx context.Context, hash core.AnyDhtHash) (*action.Record, error) {
	if ah, ok := hash.AsAction(); ok {
		rec, err := h.env.Chain.GetRecord(ctx, ah)
		if core.ErrNotFound.Is(err) {
			return nil, nil
		}
		return rec, err
	}
	eh, ok := hash.AsEntry()
	if !ok {
		return nil, core.ErrInvalidArgument.Errorf("get of a %s hash", hash.Type())
	}
	d, err := h.entryDetails(ctx, eh)
	if err != nil || d == nil || !d.Live {
		return nil, err
	}
	deleted := deletedSet(d.Deletes)
	for _, sa := range d.Actions {
		if !deleted[sa.Action.Hash()] {
			r := action.NewRecord(sa, d.Entry)
			return &r, nil
		}
	}
	return nil, nil
}

// details answers get_details. It returns nil if we hold nothing at 'hash'.
func (h *Host) details(ctx context.Context, hash core.AnyDhtHash) (*Details, error) {
	if eh, ok := hash.AsEntry(); ok {
		return h.entryDetails(ctx, eh)
	}
	ah, ok := hash.AsAction()
	if !ok {
		return nil, core.ErrInvalidArgument.Errorf("get_details of a %s hash", hash.Type())
	}
	rec, err := h.env.Chain.GetRecord(ctx, ah)
	if core.ErrNotFound.Is(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	d := &Details{Record: rec}
	if d.Updates, err = h.actionsAt(ctx, ah.Hash, dhtop.RegisterUpdatedRecord); err != nil {
		return nil, err
	}
	if d.Deletes, err = h.actionsAt(ctx, ah.Hash, dhtop.RegisterDeletedBy); err != nil {
		return nil, err
	}
	d.Live = len(d.Deletes) == 0
	return d, nil
}

func (h *Host) entryDetails(ctx context.Context, eh core.EntryHash) (*Details, error) {
	e, err := h.entry(ctx, eh)
	if core.ErrNotFound.Is(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	d := &Details{Entry: e}
	if d.Actions, err = h.creators(ctx, eh); err != nil {
		return nil, err
	}
	if d.Updates, err = h.actionsAt(ctx, eh.Hash, dhtop.RegisterUpdatedContent); err != nil {
		return nil, err
	}
	if d.Deletes, err = h.actionsAt(ctx, eh.Hash, dhtop.RegisterDeletedEntryAction); err != nil {
		return nil, err
	}
	deleted := deletedSet(d.Deletes)
	for _, sa := range d.Actions {
		if !deleted[sa.Action.Hash()] {
			d.Live = true
			break
		}
	}
	return d, nil
}

func deletedSet(deletes []action.SignedAction) map[core.ActionHash]bool {
	out := make(map[core.ActionHash]bool, len(deletes))
	for _, sa := range deletes {
		out[sa.Action.DeletesAddress] = true
	}
	return out
}

// links returns the links at in.Base that pass the filters, with their
// removals.
func (h *Host) links(ctx context.Context, in LinksInput) ([]LinkDetail, error) {
	adds, err := h.actionsAt(ctx, in.Base.Hash, dhtop.RegisterAddLink)
	if err != nil {
		return nil, err
	}
	var out []LinkDetail
	for _, sa := range adds {
		a := &sa.Action
		if !in.matches(a) {
			continue
		}
		removes, err := h.actionsAt(ctx, a.Hash().Hash, dhtop.RegisterRemoveLink)
		if err != nil {
			return nil, err
		}
		out = append(out, LinkDetail{Create: sa, Deletes: removes})
	}
	return out, nil
}

func (in *LinksInput) matches(a *action.Action) bool {
	if in.Author != nil && a.Author != *in.Author {
		return false
	}
	if !bytes.HasPrefix(a.Tag, in.TagPrefix) {
		return false
	}
	if len(in.LinkTypes) == 0 {
		return true
	}
	for _, t := range in.LinkTypes {
		if a.LinkType == t {
			return true
		}
	}
	return false
}

func liveLinks(details []LinkDetail) []Link {
	out := []Link{}
	for _, d := range details {
		if len(d.Deletes) > 0 {
			continue
		}
		a := &d.Create.Action
		out = append(out, Link{
			Author:     a.Author,
			Base:       a.BaseAddress,
			Target:     a.TargetAddress,
			Timestamp:  a.Timestamp,
			ZomeIndex:  a.ZomeIndex,
			LinkType:   a.LinkType,
			Tag:        a.Tag,
			CreateLink: a.Hash(),
		})
	}
	return out
}

// ActivityOutput is the output of must_get_agent_activity.
type ActivityOutput struct {
	_msgpack struct{} `msgpack:",as_array"`
	Items    []integrate.ActivityItem
	Status   integrate.ChainStatus
	Warrants []dhtop.SignedWarrant
}

// mustGet answers the must_get_* functions. What isn't held is noted on the
// invocation, which makes a failing validation unresolved rather than
// invalid.
func (inv *Invocation) mustGet(ctx context.Context, e Envelope) (interface{}, error) {
	h := inv.h
	switch e.Fn {
	case FnMustGetEntry:
		var eh core.EntryHash
		if err := decodeIn(e, &eh); err != nil {
			return nil, err
		}
		ent, err := h.entry(ctx, eh)
		if core.ErrNotFound.Is(err) {
			return nil, inv.unresolved(eh.IntoAnyDht())
		}
		return ent, err

	case FnMustGetAction, FnMustGetValidRecord:
		var ah core.ActionHash
		if err := decodeIn(e, &ah); err != nil {
			return nil, err
		}
		rec, err := h.env.Chain.GetRecord(ctx, ah)
		if core.ErrNotFound.Is(err) {
			return nil, inv.unresolved(ah.IntoAnyDht())
		} else if err != nil {
			return nil, err
		}
		if e.Fn == FnMustGetAction {
			return rec.Signed, nil
		}
		return rec, nil

	case FnMustGetAgentActivity:
		var in ActivityInput
		if err := decodeIn(e, &in); err != nil {
			return nil, err
		}
		if h.env.Activity == nil {
			return nil, core.ErrNotFound.Errorf("no activity source")
		}
		act, err := h.env.Activity.AgentActivity(ctx, in.Author, integrate.ActivityFilter{IncludeActions: true})
		if err != nil {
			return nil, err
		}
		top := -1
		for i, it := range act.Valid {
			if it.Hash == in.ChainTop {
				top = i
				break
			}
		}
		if top < 0 {
			return nil, inv.unresolved(in.ChainTop.IntoAnyDht())
		}
		out := &ActivityOutput{Status: act.Status, Warrants: act.Warrants}
		f := in.Filter
		for _, it := range act.Valid[:top+1] {
			if it.Seq < f.FromSeq || (f.UntilSeq != 0 && it.Seq > f.UntilSeq) {
				continue
			}
			if !f.IncludeActions {
				it.Signed = nil
			}
			out.Items = append(out.Items, it)
		}
		return out, nil
	}
	return nil, core.ErrInvalidArgument.Errorf("%s is not a must_get", e.Fn)
}

func (inv *Invocation) unresolved(h core.AnyDhtHash) error {
	inv.missing = append(inv.missing, h)
	return core.ErrUnresolvedDependencies.Errorf("%s is not held", h.Short())
}
