// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package host

import (
	"context"

	"github.com/westerndigitalcorporation/agentdht/internal/action"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// write stages one action in the invocation's scratch and returns its hash.
func (inv *Invocation) write(ctx context.Context, e Envelope) (core.ActionHash, error) {
	if inv.scratch == nil {
		return core.ActionHash{}, core.ErrUnauthorized.Errorf("%s without a scratch", e.Fn)
	}
	c := inv.h.env.Chain
	switch e.Fn {
	case FnCreateEntry:
		var in CreateInput
		if err := decodeIn(e, &in); err != nil {
			return core.ActionHash{}, err
		}
		if err := inv.checkEntryType(in.EntryType); err != nil {
			return core.ActionHash{}, err
		}
		return c.Put(ctx, inv.scratch, action.Create{EntryType: in.EntryType}, &in.Entry)

	case FnUpdateEntry:
		var in UpdateInput
		if err := decodeIn(e, &in); err != nil {
			return core.ActionHash{}, err
		}
		orig, err := inv.findAction(ctx, in.Original)
		if err != nil {
			return core.ActionHash{}, err
		}
		if !orig.Type.HasEntry() {
			return core.ActionHash{}, core.ErrInvalidArgument.Errorf("update of a %s", orig.Type)
		}
		if orig.Author != c.Author() {
			return core.ActionHash{}, core.ErrUnauthorized.Errorf("%s can't update an entry of %s",
				c.Author().Short(), orig.Author.Short())
		}
		if err := inv.checkEntryType(orig.EntryType); err != nil {
			return core.ActionHash{}, err
		}
		return c.Put(ctx, inv.scratch, action.Update{
			OriginalActionAddress: in.Original,
			OriginalEntryAddress:  orig.EntryHash,
			EntryType:             orig.EntryType,
		}, &in.Entry)

	case FnDeleteEntry:
		var in DeleteInput
		if err := decodeIn(e, &in); err != nil {
			return core.ActionHash{}, err
		}
		target, err := inv.findAction(ctx, in.Deletes)
		if err != nil {
			return core.ActionHash{}, err
		}
		if !target.Type.HasEntry() {
			return core.ActionHash{}, core.ErrInvalidArgument.Errorf("delete of a %s", target.Type)
		}
		return c.Put(ctx, inv.scratch, action.Delete{DeletesAddress: in.Deletes, DeletesEntryAddress: target.EntryHash}, nil)

	case FnCreateLink:
		var in CreateLinkInput
		if err := decodeIn(e, &in); err != nil {
			return core.ActionHash{}, err
		}
		if int(in.LinkType) >= len(inv.zome().LinkTypes) {
			return core.ActionHash{}, core.ErrInvalidArgument.Errorf("zome %s has no link type %d", inv.zome().Name, in.LinkType)
		}
		if len(in.Tag) > core.MaxLinkTagLen {
			return core.ActionHash{}, core.ErrBadSize.Errorf("link tag is %d bytes", len(in.Tag))
		}
		return c.Put(ctx, inv.scratch, action.CreateLink{
			BaseAddress:   in.Base,
			TargetAddress: in.Target,
			ZomeIndex:     uint8(inv.zi),
			LinkType:      in.LinkType,
			Tag:           in.Tag,
		}, nil)

	case FnDeleteLink:
		var in DeleteLinkInput
		if err := decodeIn(e, &in); err != nil {
			return core.ActionHash{}, err
		}
		add, err := inv.findAction(ctx, in.LinkAdd)
		if err != nil {
			return core.ActionHash{}, err
		}
		if add.Type != action.TypeCreateLink {
			return core.ActionHash{}, core.ErrInvalidArgument.Errorf("delete_link of a %s", add.Type)
		}
		return c.Put(ctx, inv.scratch, action.DeleteLink{BaseAddress: add.BaseAddress, LinkAddAddress: in.LinkAdd}, nil)
	}
	return core.ActionHash{}, core.ErrInvalidArgument.Errorf("%s is not a write", e.Fn)
}

// checkEntryType allows app entries of this DNA and capability entries.
// Agent keys are written by genesis only.
func (inv *Invocation) checkEntryType(et action.EntryType) error {
	switch et.Kind {
	case action.EntryTypeApp:
		def, ok := inv.h.env.Dna.EntryDefFor(et)
		if !ok || def.Visibility != et.Visibility {
			return core.ErrInvalidArgument.Errorf("no entry type %s in the DNA", et)
		}
		return nil
	case action.EntryTypeCapGrant, action.EntryTypeCapClaim:
		return nil
	}
	return core.ErrUnauthorized.Errorf("guests can't write %s entries", et)
}

// findAction finds an action staged in this invocation or held by the cell.
func (inv *Invocation) findAction(ctx context.Context, h core.ActionHash) (*action.Action, error) {
	if inv.scratch != nil {
		for _, r := range inv.scratch.Records() {
			if r.ActionHash() == h {
				a := r.Signed.Action
				return &a, nil
			}
		}
	}
	rec, err := inv.h.env.Chain.GetRecord(ctx, h)
	if err != nil {
		return nil, err
	}
	return rec.Action(), nil
}
