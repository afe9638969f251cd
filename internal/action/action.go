// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package action

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// Action is one record of a source chain. It's a tagged union: Type says
// which variant it is, and only the fields of that variant are meaningful
// and encoded. Every variant has Author, Timestamp and Seq; every variant
// but Dna has Prev.
type Action struct {
	Type      Type
	Author    core.AgentPubKey
	Timestamp core.Timestamp
	Seq       uint32
	Prev      core.ActionHash

	// Dna.
	DnaHash core.DnaHash

	// AgentValidationPkg.
	MembraneProof []byte

	// Create and Update.
	EntryType EntryType
	EntryHash core.EntryHash

	// Update.
	OriginalActionAddress core.ActionHash
	OriginalEntryAddress  core.EntryHash

	// Delete.
	DeletesAddress      core.ActionHash
	DeletesEntryAddress core.EntryHash

	// CreateLink (and Base for DeleteLink).
	BaseAddress   core.AnyLinkableHash
	TargetAddress core.AnyLinkableHash
	ZomeIndex     uint8
	LinkType      uint8
	Tag           []byte

	// DeleteLink.
	LinkAddAddress core.ActionHash

	// OpenChain: the DNA we came from. CloseChain: the DNA we're going to.
	MigrationDna core.DnaHash

	// App actions.
	Weight RateWeight
}

// Number of fields common to all variants in the encoding.
const commonFields = 5

func variantFields(t Type) int {
	switch t {
	case TypeDna, TypeAgentValidationPkg, TypeOpenChain, TypeCloseChain:
		return 1
	case TypeInitZomesComplete:
		return 0
	case TypeCreateLink:
		return 6
	case TypeDeleteLink:
		return 2
	case TypeCreate:
		return 3
	case TypeUpdate:
		return 5
	case TypeDelete:
		return 3
	}
	return -1
}

// EncodeMsgpack writes the canonical encoding: an array of the common fields
// followed by the variant's fields.
func (a Action) EncodeMsgpack(enc *msgpack.Encoder) error {
	n := variantFields(a.Type)
	if n < 0 {
		return fmt.Errorf("can't encode action type %d", a.Type)
	}
	if err := enc.EncodeArrayLen(commonFields + n); err != nil {
		return err
	}
	if err := encodeAll(enc, uint8(a.Type), a.Author, int64(a.Timestamp), a.Seq, a.Prev); err != nil {
		return err
	}
	switch a.Type {
	case TypeDna:
		return enc.Encode(a.DnaHash)
	case TypeAgentValidationPkg:
		return enc.EncodeBytes(a.MembraneProof)
	case TypeOpenChain, TypeCloseChain:
		return enc.Encode(a.MigrationDna)
	case TypeCreateLink:
		return encodeAll(enc, a.BaseAddress, a.TargetAddress, a.ZomeIndex, a.LinkType, a.Tag, &a.Weight)
	case TypeDeleteLink:
		return encodeAll(enc, a.BaseAddress, a.LinkAddAddress)
	case TypeCreate:
		return encodeAll(enc, &a.EntryType, a.EntryHash, &a.Weight)
	case TypeUpdate:
		return encodeAll(enc, a.OriginalActionAddress, a.OriginalEntryAddress, &a.EntryType, a.EntryHash, &a.Weight)
	case TypeDelete:
		return encodeAll(enc, a.DeletesAddress, a.DeletesEntryAddress, &a.Weight)
	}
	return nil
}

// DecodeMsgpack reads the canonical encoding.
func (a *Action) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n < commonFields {
		return core.ErrCorruptData.Errorf("action has %d fields", n)
	}
	t, err := dec.DecodeUint8()
	if err != nil {
		return err
	}
	*a = Action{Type: Type(t)}
	if want := variantFields(a.Type); want < 0 || n != commonFields+want {
		return core.ErrCorruptData.Errorf("action type %d with %d fields", t, n)
	}
	var ts int64
	if err := decodeAll(dec, &a.Author, &ts, &a.Seq, &a.Prev); err != nil {
		return err
	}
	a.Timestamp = core.Timestamp(ts)
	switch a.Type {
	case TypeDna:
		return dec.Decode(&a.DnaHash)
	case TypeAgentValidationPkg:
		a.MembraneProof, err = dec.DecodeBytes()
		return err
	case TypeOpenChain, TypeCloseChain:
		return dec.Decode(&a.MigrationDna)
	case TypeCreateLink:
		return decodeAll(dec, &a.BaseAddress, &a.TargetAddress, &a.ZomeIndex, &a.LinkType, &a.Tag, &a.Weight)
	case TypeDeleteLink:
		return decodeAll(dec, &a.BaseAddress, &a.LinkAddAddress)
	case TypeCreate:
		return decodeAll(dec, &a.EntryType, &a.EntryHash, &a.Weight)
	case TypeUpdate:
		return decodeAll(dec, &a.OriginalActionAddress, &a.OriginalEntryAddress, &a.EntryType, &a.EntryHash, &a.Weight)
	case TypeDelete:
		return decodeAll(dec, &a.DeletesAddress, &a.DeletesEntryAddress, &a.Weight)
	}
	return nil
}

func encodeAll(enc *msgpack.Encoder, vs ...interface{}) error {
	for _, v := range vs {
		if err := enc.Encode(v); err != nil {
			return err
		}
	}
	return nil
}

func decodeAll(dec *msgpack.Decoder, vs ...interface{}) error {
	for _, v := range vs {
		if err := dec.Decode(v); err != nil {
			return err
		}
	}
	return nil
}

// Bytes returns the canonical encoding, the thing that is hashed and signed.
func (a *Action) Bytes() []byte {
	b, err := Encode(a)
	if err != nil {
		// Only an unknown Type can fail, and Check catches those.
		panic(fmt.Sprintf("encoding action: %s", err))
	}
	return b
}

// Hash returns the ActionHash of the action.
func (a *Action) Hash() core.ActionHash {
	return core.HashActionBytes(a.Bytes())
}

// HasPrev returns true for variants that link to a previous action.
func (a *Action) HasPrev() bool {
	return a.Type != TypeDna
}

// EntryData returns the entry hash and type of entry-bearing actions.
func (a *Action) EntryData() (core.EntryHash, EntryType, bool) {
	if a.Type.HasEntry() {
		return a.EntryHash, a.EntryType, true
	}
	return core.EntryHash{}, EntryType{}, false
}

// IsPrivateEntry returns true if the action carries a private entry.
func (a *Action) IsPrivateEntry() bool {
	_, et, ok := a.EntryData()
	return ok && et.IsPrivate()
}

// IsGenesis returns true for the first three actions of a chain.
func (a *Action) IsGenesis() bool {
	return a.Seq < core.GenesisLen
}

// Check verifies the shape of an action on its own: field presence per
// variant, sizes, and the position of genesis variants. It doesn't need any
// other action.
func (a *Action) Check() error {
	if !a.Type.Valid() {
		return core.ErrInvalidArgument.Errorf("unknown action type %d", a.Type)
	}
	if a.Author.IsZero() {
		return core.ErrInvalidArgument.Errorf("%s without author", a.Type)
	}
	if a.Type == TypeDna {
		if a.Seq != 0 || !a.Prev.IsZero() {
			return core.ErrGenesisMissing.Errorf("Dna action at seq %d", a.Seq)
		}
		if a.DnaHash.IsZero() {
			return core.ErrInvalidArgument.Errorf("Dna action without dna hash")
		}
		return nil
	}
	if a.Seq == 0 {
		return core.ErrGenesisMissing.Errorf("%s at seq 0", a.Type)
	}
	if a.Prev.IsZero() {
		return core.ErrMissingHead.Errorf("%s at seq %d has no prev", a.Type, a.Seq)
	}
	if (a.Seq == 1) != (a.Type == TypeAgentValidationPkg) {
		return core.ErrGenesisMissing.Errorf("%s at seq %d", a.Type, a.Seq)
	}
	if a.Seq == 2 && !(a.Type == TypeCreate && a.EntryType.Kind == EntryTypeAgentPubKey) {
		return core.ErrGenesisMissing.Errorf("%s at seq 2 is not the agent entry", a.Type)
	}
	switch a.Type {
	case TypeCreate, TypeUpdate:
		if a.EntryHash.IsZero() {
			return core.ErrInvalidArgument.Errorf("%s without entry hash", a.Type)
		}
		if a.Type == TypeUpdate && (a.OriginalActionAddress.IsZero() || a.OriginalEntryAddress.IsZero()) {
			return core.ErrInvalidArgument.Errorf("Update without original")
		}
	case TypeDelete:
		if a.DeletesAddress.IsZero() || a.DeletesEntryAddress.IsZero() {
			return core.ErrInvalidArgument.Errorf("Delete without target")
		}
	case TypeCreateLink:
		if a.BaseAddress.IsZero() || a.TargetAddress.IsZero() {
			return core.ErrInvalidArgument.Errorf("CreateLink without base or target")
		}
		if len(a.Tag) > core.MaxLinkTagLen {
			return core.ErrBadSize.Errorf("link tag is %d bytes", len(a.Tag))
		}
	case TypeDeleteLink:
		if a.BaseAddress.IsZero() || a.LinkAddAddress.IsZero() {
			return core.ErrInvalidArgument.Errorf("DeleteLink without link")
		}
	case TypeOpenChain, TypeCloseChain:
		if a.MigrationDna.IsZero() {
			return core.ErrInvalidArgument.Errorf("%s without dna", a.Type)
		}
	}
	return nil
}

func (a *Action) String() string {
	return fmt.Sprintf("%s#%d by %s", a.Type, a.Seq, a.Author.Short())
}
