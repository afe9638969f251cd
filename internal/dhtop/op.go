// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package dhtop turns committed actions into the DHT operations that get
// published to authorities, and defines warrants.
package dhtop

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/westerndigitalcorporation/agentdht/internal/action"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// OpType is the stable one byte discriminant of an op.
type OpType uint8

const (
	// StoreRecord stores the action, and its entry if public, at the action hash.
	StoreRecord OpType = 1
	// StoreEntry stores a public entry at the entry hash.
	StoreEntry OpType = 2
	// RegisterAgentActivity registers the action at the author.
	RegisterAgentActivity OpType = 3
	// RegisterUpdatedContent registers an update at the original entry.
	RegisterUpdatedContent OpType = 4
	// RegisterUpdatedRecord registers an update at the original action.
	RegisterUpdatedRecord OpType = 5
	// RegisterDeletedBy registers a delete at the deleted action.
	RegisterDeletedBy OpType = 6
	// RegisterDeletedEntryAction registers a delete at the deleted entry.
	RegisterDeletedEntryAction OpType = 7
	// RegisterAddLink registers a link at its base.
	RegisterAddLink OpType = 8
	// RegisterRemoveLink registers a link removal at the CreateLink action.
	RegisterRemoveLink OpType = 9
	// ChainIntegrityWarrant is a warrant op.
	ChainIntegrityWarrant OpType = 10
)

var opTypeNames = map[OpType]string{
	StoreRecord:                "StoreRecord",
	StoreEntry:                 "StoreEntry",
	RegisterAgentActivity:      "RegisterAgentActivity",
	RegisterUpdatedContent:     "RegisterUpdatedContent",
	RegisterUpdatedRecord:      "RegisterUpdatedRecord",
	RegisterDeletedBy:          "RegisterDeletedBy",
	RegisterDeletedEntryAction: "RegisterDeletedEntryAction",
	RegisterAddLink:            "RegisterAddLink",
	RegisterRemoveLink:         "RegisterRemoveLink",
	ChainIntegrityWarrant:      "ChainIntegrityWarrant",
}

func (t OpType) String() string {
	if s, ok := opTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("OpType(%d)", uint8(t))
}

// IsChainOp returns true for the op types derived from actions.
func (t OpType) IsChainOp() bool {
	return t >= StoreRecord && t <= RegisterRemoveLink
}

// ChainOp is an op derived from one action.
type ChainOp struct {
	_msgpack   struct{} `msgpack:",as_array"`
	Type       OpType
	Signed     action.SignedAction
	EntryState action.RecordEntryState
	Entry      *action.Entry
}

// Action returns the op's action.
func (o *ChainOp) Action() *action.Action {
	return &o.Signed.Action
}

// ActionHash returns the hash of the op's action.
func (o *ChainOp) ActionHash() core.ActionHash {
	return o.Signed.Action.Hash()
}

// uniqueForm is what an op hash covers: the op type and the action. The
// entry isn't part of it, so stripping a private entry doesn't change the
// hash.
func (o *ChainOp) uniqueForm() []byte {
	b, err := action.Encode([]interface{}{uint8(o.Type), o.Signed.Action})
	if err != nil {
		panic(err)
	}
	return b
}

// Hash returns the op hash.
func (o *ChainOp) Hash() core.DhtOpHash {
	return core.HashOpBytes(o.uniqueForm())
}

// Basis returns the address of the authorities for this op.
func (o *ChainOp) Basis() core.Hash {
	a := &o.Signed.Action
	switch o.Type {
	case StoreRecord:
		return a.Hash().Hash
	case StoreEntry:
		return a.EntryHash.Hash
	case RegisterAgentActivity:
		return a.Author.Hash
	case RegisterUpdatedContent:
		return a.OriginalEntryAddress.Hash
	case RegisterUpdatedRecord:
		return a.OriginalActionAddress.Hash
	case RegisterDeletedBy:
		return a.DeletesAddress.Hash
	case RegisterDeletedEntryAction:
		return a.DeletesEntryAddress.Hash
	case RegisterAddLink:
		return a.BaseAddress.Hash
	case RegisterRemoveLink:
		return a.LinkAddAddress.Hash
	}
	return core.Hash{}
}

// Dependency returns the action an authority must hold before it can
// validate this op, or the zero hash.
func (o *ChainOp) Dependency() core.Hash {
	a := &o.Signed.Action
	switch o.Type {
	case RegisterAgentActivity:
		return a.Prev.Hash
	case RegisterUpdatedContent, RegisterUpdatedRecord:
		return a.OriginalActionAddress.Hash
	case RegisterDeletedBy, RegisterDeletedEntryAction:
		return a.DeletesAddress.Hash
	case RegisterRemoveLink:
		return a.LinkAddAddress.Hash
	}
	return core.Hash{}
}

// Check verifies that the op type fits its action and that an attached
// entry matches.
func (o *ChainOp) Check() error {
	a := &o.Signed.Action
	ok := false
	for _, t := range opTypesFor(a) {
		if t == o.Type {
			ok = true
		}
	}
	if !ok {
		return core.ErrHeaderAndEntryMismatch.Errorf("%s can't come from %s", o.Type, a.Type)
	}
	if o.Type == StoreEntry && (o.Entry == nil || o.EntryState != action.EntryPresent) {
		return core.ErrHeaderAndEntryMismatch.Errorf("StoreEntry without entry")
	}
	if o.Entry != nil && a.IsPrivateEntry() {
		return core.ErrHeaderAndEntryMismatch.Errorf("private entry published")
	}
	r := action.Record{Signed: o.Signed, EntryState: o.EntryState, Entry: o.Entry}
	return r.CheckEntry()
}

// Kind is the discriminant of DhtOp.
type Kind uint8

const (
	// KindChain is a ChainOp.
	KindChain Kind = 0
	// KindWarrant is a SignedWarrant.
	KindWarrant Kind = 1
)

// DhtOp is either a chain op or a warrant.
type DhtOp struct {
	Chain   *ChainOp
	Warrant *SignedWarrant
}

// FromChain wraps a ChainOp.
func FromChain(o ChainOp) DhtOp {
	return DhtOp{Chain: &o}
}

// FromWarrant wraps a warrant.
func FromWarrant(w SignedWarrant) DhtOp {
	return DhtOp{Warrant: &w}
}

// EncodeMsgpack writes [kind, op].
func (d DhtOp) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if d.Warrant != nil {
		if err := enc.EncodeUint8(uint8(KindWarrant)); err != nil {
			return err
		}
		return enc.Encode(d.Warrant)
	}
	if d.Chain == nil {
		return core.ErrInvalidArgument.Errorf("empty op")
	}
	if err := enc.EncodeUint8(uint8(KindChain)); err != nil {
		return err
	}
	return enc.Encode(d.Chain)
}

// DecodeMsgpack reads [kind, op].
func (d *DhtOp) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return core.ErrCorruptData.Errorf("op with %d fields", n)
	}
	k, err := dec.DecodeUint8()
	if err != nil {
		return err
	}
	*d = DhtOp{}
	switch Kind(k) {
	case KindChain:
		d.Chain = new(ChainOp)
		return dec.Decode(d.Chain)
	case KindWarrant:
		d.Warrant = new(SignedWarrant)
		return dec.Decode(d.Warrant)
	}
	return core.ErrCorruptData.Errorf("op kind %d", k)
}

// Bytes returns the encoded op.
func (d *DhtOp) Bytes() []byte {
	b, err := action.Encode(d)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode decodes an encoded op.
func Decode(b []byte) (*DhtOp, error) {
	var d DhtOp
	if err := action.Decode(b, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Type returns the op type.
func (d *DhtOp) Type() OpType {
	if d.Warrant != nil {
		return ChainIntegrityWarrant
	}
	return d.Chain.Type
}

// Hash returns the op hash.
func (d *DhtOp) Hash() core.DhtOpHash {
	if d.Warrant != nil {
		return d.Warrant.OpHash()
	}
	return d.Chain.Hash()
}

// Basis returns the basis hash.
func (d *DhtOp) Basis() core.Hash {
	if d.Warrant != nil {
		return d.Warrant.Warrant.Warrantee.Hash
	}
	return d.Chain.Basis()
}

// Loc returns the basis location.
func (d *DhtOp) Loc() core.Loc {
	return d.Basis().Loc()
}

// Author returns who signed the op.
func (d *DhtOp) Author() core.AgentPubKey {
	if d.Warrant != nil {
		return d.Warrant.Warrant.Author
	}
	return d.Chain.Signed.Action.Author
}

// Timestamp returns when the op was authored.
func (d *DhtOp) Timestamp() core.Timestamp {
	if d.Warrant != nil {
		return d.Warrant.Warrant.Timestamp
	}
	return d.Chain.Signed.Action.Timestamp
}

// Dependency returns what must be held before validating this op.
func (d *DhtOp) Dependency() core.Hash {
	if d.Warrant != nil {
		return core.Hash{}
	}
	return d.Chain.Dependency()
}

// ActionHash returns the action the op is about: the source action of a
// chain op, or the warranted action of a warrant.
func (d *DhtOp) ActionHash() core.ActionHash {
	if d.Warrant != nil {
		return d.Warrant.Warrant.Proof.WarrantedAction()
	}
	return d.Chain.ActionHash()
}

// Lite summarizes the op for gossip.
func (d *DhtOp) Lite() Lite {
	return Lite{Hash: d.Hash(), Basis: d.Basis(), Authored: d.Timestamp(), Size: uint32(len(d.Bytes()))}
}

func (d *DhtOp) String() string {
	return fmt.Sprintf("%s(%s)@%s", d.Type(), d.ActionHash().Short(), d.Basis().Short())
}

// Lite is an op's hash, basis, authored time and size.
type Lite struct {
	_msgpack struct{} `msgpack:",as_array"`
	Hash     core.DhtOpHash
	Basis    core.Hash
	Authored core.Timestamp
	Size     uint32
}
