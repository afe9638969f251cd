// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package integrate

import (
	"context"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/agentdht/internal/action"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/dhtop"
	"github.com/westerndigitalcorporation/agentdht/internal/keystore"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
)

type verdictKind uint8

const (
	accept verdictKind = iota
	reject
	park
)

// verdict is what a validation stage decided about one op.
type verdict struct {
	kind verdictKind
	// err says why an op was rejected.
	err error
	// dep is what a parked op waits for.
	dep core.Hash
}

var accepted = verdict{kind: accept}

func rejected(err error) verdict {
	return verdict{kind: reject, err: err}
}

func parked(dep core.Hash) verdict {
	return verdict{kind: park, dep: dep}
}

// holding is an action we hold through at least one of its ops.
type holding struct {
	signed *action.SignedAction
	// status is the best status among the ops: pending or valid if any op
	// is, else rejected.
	status store.Status
}

func (v verdict) outcome() Outcome {
	switch v.kind {
	case reject:
		return Invalid(v.err.Error())
	case park:
		return Unresolved(core.AnyDhtHash{Hash: v.dep})
	}
	return Valid
}

// SysValidate runs system validation on 'd' without recording the result.
func (w *Workflow) SysValidate(ctx context.Context, d *dhtop.DhtOp) (Outcome, error) {
	v, err := w.sysValidate(ctx, d)
	if err != nil {
		return Outcome{}, err
	}
	return v.outcome(), nil
}

// sysValidate runs the checks that need no application code: shape,
// signature, op/action fit, and integrity against the action the op
// depends on. An op whose dependency we don't hold is parked on it.
func (w *Workflow) sysValidate(ctx context.Context, d *dhtop.DhtOp) (verdict, error) {
	if d.Warrant != nil {
		return checkWarrant(d.Warrant), nil
	}
	o := d.Chain
	a := o.Action()
	if err := a.Check(); err != nil {
		return rejected(err), nil
	}
	if err := o.Check(); err != nil {
		return rejected(err), nil
	}
	if !keystore.VerifyAction(&o.Signed) {
		return rejected(core.ErrInvalidSignature.Errorf("%s by %s", a.Type, a.Author.Short())), nil
	}

	// Ops with a dependency can't be judged without it. The rest are checked
	// against their predecessor when we happen to hold it. The first
	// RegisterAgentActivity follows the Dna action, which has no activity op
	// of its own, so it doesn't wait either.
	dep := o.Dependency()
	required := !dep.IsZero() && !(o.Type == dhtop.RegisterAgentActivity && a.Seq == 1)
	if dep.IsZero() && a.HasPrev() {
		dep = a.Prev.Hash
	}
	if dep.IsZero() {
		return accepted, nil
	}
	held, err := w.heldAction(ctx, core.ActionHash{Hash: dep})
	if err != nil {
		return verdict{}, err
	}
	switch {
	case held == nil && required:
		return parked(dep), nil
	case held == nil:
		return accepted, nil
	case !held.status.Effective():
		return rejected(core.ErrValidationFailed.Errorf("%s depends on rejected %s", o.Type, dep.Short())), nil
	}
	if err := checkAgainst(o, &held.signed.Action); err != nil {
		return rejected(err), nil
	}
	return accepted, nil
}

// checkAgainst checks an op against the action it depends on or follows.
func checkAgainst(o *dhtop.ChainOp, dep *action.Action) error {
	a := o.Action()
	switch o.Type {
	case dhtop.RegisterUpdatedContent, dhtop.RegisterUpdatedRecord:
		if !dep.Type.HasEntry() {
			return core.ErrInvalidArgument.Errorf("update of a %s", dep.Type)
		}
		if a.OriginalEntryAddress != dep.EntryHash {
			return core.ErrHeaderAndEntryMismatch.Errorf("update names entry %s, original has %s",
				a.OriginalEntryAddress.Short(), dep.EntryHash.Short())
		}
		if a.EntryType != dep.EntryType {
			return core.ErrHeaderAndEntryMismatch.Errorf("update changes the entry type")
		}
		if a.Author != dep.Author {
			return core.ErrUnauthorized.Errorf("%s updates an entry of %s", a.Author.Short(), dep.Author.Short())
		}
		return nil

	case dhtop.RegisterDeletedBy, dhtop.RegisterDeletedEntryAction:
		if !dep.Type.HasEntry() {
			return core.ErrInvalidArgument.Errorf("delete of a %s", dep.Type)
		}
		if a.DeletesEntryAddress != dep.EntryHash {
			return core.ErrHeaderAndEntryMismatch.Errorf("delete names entry %s, target has %s",
				a.DeletesEntryAddress.Short(), dep.EntryHash.Short())
		}
		return nil

	case dhtop.RegisterRemoveLink:
		if dep.Type != action.TypeCreateLink {
			return core.ErrInvalidArgument.Errorf("link removal of a %s", dep.Type)
		}
		if a.BaseAddress != dep.BaseAddress {
			return core.ErrInvalidArgument.Errorf("link removal from the wrong base")
		}
		return nil
	}
	return checkPrev(dep, a)
}

// checkPrev checks that 'a' follows 'prev' on one chain.
func checkPrev(prev, a *action.Action) error {
	if prev.Author != a.Author {
		return core.ErrMissingHead.Errorf("prev of %s is by %s", a.Author.Short(), prev.Author.Short())
	}
	if a.Seq != prev.Seq+1 {
		return core.ErrSequenceGap.Errorf("seq %d follows seq %d", a.Seq, prev.Seq)
	}
	if a.Timestamp <= prev.Timestamp {
		return core.ErrValidationFailed.Errorf("timestamp %d is not after prev %d", a.Timestamp, prev.Timestamp)
	}
	return nil
}

func checkWarrant(sw *dhtop.SignedWarrant) verdict {
	wr := &sw.Warrant
	if !sw.Verify() {
		return rejected(core.ErrInvalidSignature.Errorf("warrant by %s", wr.Author.Short()))
	}
	p := &wr.Proof
	if p.ChainAuthor != wr.Warrantee {
		return rejected(core.ErrInvalidArgument.Errorf("warrant against %s names a chain of %s",
			wr.Warrantee.Short(), p.ChainAuthor.Short()))
	}
	if p.Kind == dhtop.ChainFork && p.Action.Compare(p.Other.Hash) >= 0 {
		return rejected(core.ErrInvalidArgument.Errorf("fork warrant with unordered actions"))
	}
	return accepted
}

// heldAction finds an action through the chain ops we hold for it. It
// returns nil if there are none, or all of them were abandoned.
func (w *Workflow) heldAction(ctx context.Context, h core.ActionHash) (*holding, error) {
	var out *holding
	err := w.db.Read(ctx, func(txn *store.Txn) error {
		out = nil
		rows, err := txn.OpsByAction(h)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if !dhtop.OpType(r.Type).IsChainOp() || r.Status == store.StatusAbandoned {
				continue
			}
			if out != nil {
				if !out.status.Effective() && r.Status.Effective() {
					out.status = r.Status
				}
				continue
			}
			d, err := dhtop.FromRow(r)
			if err != nil {
				log.Warningf("integrate: skipping op %s: %s", r.Hash.Short(), err)
				continue
			}
			out = &holding{signed: &d.Chain.Signed, status: r.Status}
		}
		return nil
	})
	return out, err
}

// depOps returns the held ops of the action 'd' depends on.
func (w *Workflow) depOps(ctx context.Context, d *dhtop.DhtOp) ([]*dhtop.DhtOp, error) {
	dep := d.Dependency()
	if dep.IsZero() {
		return nil, nil
	}
	var out []*dhtop.DhtOp
	err := w.db.Read(ctx, func(txn *store.Txn) error {
		out = nil
		rows, err := txn.OpsByAction(core.ActionHash{Hash: dep})
		if err != nil {
			return err
		}
		for _, r := range rows {
			if !dhtop.OpType(r.Type).IsChainOp() || !r.Status.Effective() {
				continue
			}
			o, err := dhtop.FromRow(r)
			if err != nil {
				return err
			}
			out = append(out, o)
		}
		return nil
	})
	return out, err
}
