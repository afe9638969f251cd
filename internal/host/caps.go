// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package host

import (
	"context"

	"github.com/westerndigitalcorporation/agentdht/internal/action"
	"github.com/westerndigitalcorporation/agentdht/internal/chain"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// Authorize checks that 'caller' may call zome function 'fn' of 'zome' on
// this cell. The cell's own agent always may; others need a live CapGrant
// on our chain that allows them.
func (h *Host) Authorize(ctx context.Context, caller core.AgentPubKey, zome, fn string, secret []byte) error {
	if caller == h.Agent() {
		return nil
	}
	grantType := action.CapGrantEntryType()
	grants, err := h.env.Chain.Query(ctx, chain.QueryFilter{EntryType: &grantType, IncludeEntries: true})
	if err != nil {
		return err
	}
	if len(grants) == 0 {
		return core.ErrUnauthorized.Errorf("no grants for %s/%s", zome, fn)
	}
	gone, err := h.revokedGrants(ctx)
	if err != nil {
		return err
	}
	want := action.GrantedFunction{Zome: zome, Fn: fn}
	for i := range grants {
		r := &grants[i]
		if gone[r.ActionHash()] || r.Entry == nil || r.Entry.CapGrant == nil {
			continue
		}
		if r.Entry.CapGrant.Allows(want, caller, secret) {
			return nil
		}
	}
	return core.ErrUnauthorized.Errorf("%s may not call %s/%s", caller.Short(), zome, fn)
}

// revokedGrants returns the actions our chain updated or deleted.
func (h *Host) revokedGrants(ctx context.Context) (map[core.ActionHash]bool, error) {
	recs, err := h.env.Chain.Query(ctx, chain.QueryFilter{ActionTypes: []action.Type{action.TypeUpdate, action.TypeDelete}})
	if err != nil {
		return nil, err
	}
	out := make(map[core.ActionHash]bool, len(recs))
	for i := range recs {
		a := recs[i].Action()
		if a.Type == action.TypeUpdate {
			out[a.OriginalActionAddress] = true
		} else {
			out[a.DeletesAddress] = true
		}
	}
	return out, nil
}
