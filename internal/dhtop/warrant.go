// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package dhtop

import (
	"context"

	"github.com/westerndigitalcorporation/agentdht/internal/action"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/keystore"
)

// ProofKind says what a chain integrity warrant proves.
type ProofKind uint8

const (
	// InvalidChainOp proves that an author signed an op that failed
	// validation.
	InvalidChainOp ProofKind = 0
	// ChainFork proves that an author signed two different actions at the
	// same sequence number.
	ChainFork ProofKind = 1
)

func (k ProofKind) String() string {
	if k == ChainFork {
		return "ChainFork"
	}
	return "InvalidChainOp"
}

// ChainIntegrity is the proof carried by a warrant. For InvalidChainOp,
// Action and ActionSig are the invalid action and OpType the op that failed.
// For ChainFork, Action and Other are the two forking actions.
type ChainIntegrity struct {
	_msgpack    struct{} `msgpack:",as_array"`
	Kind        ProofKind
	ChainAuthor core.AgentPubKey
	Action      core.ActionHash
	ActionSig   core.Signature
	OpType      OpType
	Other       core.ActionHash
	OtherSig    core.Signature
}

// WarrantedAction returns the action the warrant is about.
func (p *ChainIntegrity) WarrantedAction() core.ActionHash {
	return p.Action
}

// Warrant is a claim by Author that Warrantee broke the rules.
type Warrant struct {
	_msgpack  struct{} `msgpack:",as_array"`
	Proof     ChainIntegrity
	Author    core.AgentPubKey
	Timestamp core.Timestamp
	Warrantee core.AgentPubKey
}

// Bytes returns the canonical encoding, which is what gets signed.
func (w *Warrant) Bytes() []byte {
	b, err := action.Encode(w)
	if err != nil {
		panic(err)
	}
	return b
}

// Hash returns the warrant hash.
func (w *Warrant) Hash() core.WarrantHash {
	return core.HashWarrantBytes(w.Bytes())
}

// NewInvalidOpWarrant builds a warrant against the author of an op that
// failed validation.
func NewInvalidOpWarrant(issuer core.AgentPubKey, ts core.Timestamp, op *ChainOp) Warrant {
	a := op.Action()
	return Warrant{
		Proof: ChainIntegrity{
			Kind:        InvalidChainOp,
			ChainAuthor: a.Author,
			Action:      a.Hash(),
			ActionSig:   op.Signed.Signature,
			OpType:      op.Type,
		},
		Author:    issuer,
		Timestamp: ts,
		Warrantee: a.Author,
	}
}

// NewForkWarrant builds a warrant from two actions by the same author at the
// same sequence number. The pair is ordered by hash so that every witness
// produces the same warrant.
func NewForkWarrant(issuer core.AgentPubKey, ts core.Timestamp, x, y *action.SignedAction) (Warrant, error) {
	ax, ay := &x.Action, &y.Action
	if ax.Author != ay.Author || ax.Seq != ay.Seq {
		return Warrant{}, core.ErrInvalidArgument.Errorf("%s and %s don't fork", ax, ay)
	}
	hx, hy := ax.Hash(), ay.Hash()
	if hx == hy {
		return Warrant{}, core.ErrInvalidArgument.Errorf("same action twice")
	}
	if hy.Compare(hx.Hash) < 0 {
		x, y = y, x
		hx, hy = hy, hx
	}
	return Warrant{
		Proof: ChainIntegrity{
			Kind:        ChainFork,
			ChainAuthor: ax.Author,
			Action:      hx,
			ActionSig:   x.Signature,
			Other:       hy,
			OtherSig:    y.Signature,
		},
		Author:    issuer,
		Timestamp: ts,
		Warrantee: ax.Author,
	}, nil
}

// SignedWarrant is a warrant with its issuer's signature.
type SignedWarrant struct {
	_msgpack  struct{} `msgpack:",as_array"`
	Warrant   Warrant
	Signature core.Signature
}

// SignWarrant signs a warrant with its issuer's key.
func SignWarrant(ctx context.Context, ks keystore.Keystore, w Warrant) (SignedWarrant, error) {
	sig, err := ks.Sign(ctx, w.Author, w.Bytes())
	if err != nil {
		return SignedWarrant{}, err
	}
	return SignedWarrant{Warrant: w, Signature: sig}, nil
}

// Verify checks the issuer's signature.
func (sw *SignedWarrant) Verify() bool {
	return keystore.Verify(sw.Warrant.Author, sw.Warrant.Bytes(), sw.Signature)
}

// OpHash returns the hash of the warrant as an op.
func (sw *SignedWarrant) OpHash() core.DhtOpHash {
	b, err := action.Encode([]interface{}{uint8(ChainIntegrityWarrant), sw.Warrant})
	if err != nil {
		panic(err)
	}
	return core.HashOpBytes(b)
}
