// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package action

import (
	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// SignedAction is an action with its author's signature over Action.Bytes().
type SignedAction struct {
	_msgpack  struct{} `msgpack:",as_array"`
	Action    Action
	Signature core.Signature
}

// SignedActionHashed caches the hash of a signed action.
type SignedActionHashed struct {
	SignedAction
	Hash core.ActionHash `msgpack:"-"`
}

// NewSignedActionHashed hashes a signed action.
func NewSignedActionHashed(sa SignedAction) SignedActionHashed {
	return SignedActionHashed{SignedAction: sa, Hash: sa.Action.Hash()}
}

// RecordEntryState says whether and why a record carries its entry.
type RecordEntryState uint8

const (
	// EntryPresent means the entry is attached.
	EntryPresent RecordEntryState = iota
	// EntryHidden means the entry is private and was stripped.
	EntryHidden
	// EntryNA means the action has no entry.
	EntryNA
	// EntryNotStored means the entry exists but we don't have it.
	EntryNotStored
)

// Record is an action plus, where there is one, its entry.
type Record struct {
	_msgpack   struct{} `msgpack:",as_array"`
	Signed     SignedAction
	EntryState RecordEntryState
	Entry      *Entry
}

// NewRecord builds a record, working out the entry state from the action.
func NewRecord(sa SignedAction, e *Entry) Record {
	r := Record{Signed: sa}
	switch {
	case !sa.Action.Type.HasEntry():
		r.EntryState = EntryNA
	case e == nil:
		r.EntryState = EntryNotStored
	default:
		r.EntryState = EntryPresent
		r.Entry = e
	}
	return r
}

// ActionHash returns the hash of the record's action.
func (r *Record) ActionHash() core.ActionHash {
	return r.Signed.Action.Hash()
}

// Action returns the record's action.
func (r *Record) Action() *Action {
	return &r.Signed.Action
}

// Stripped returns a copy with a private entry hidden, as published.
func (r Record) Stripped() Record {
	if r.EntryState == EntryPresent && r.Signed.Action.IsPrivateEntry() {
		r.Entry = nil
		r.EntryState = EntryHidden
	}
	return r
}

// CheckEntry verifies that an attached entry matches the action's entry
// hash and entry type.
func (r *Record) CheckEntry() error {
	if r.EntryState != EntryPresent || r.Entry == nil {
		return nil
	}
	return r.CheckEntryHashed(r.Entry.Hash())
}

// CheckEntryHashed is CheckEntry for a caller that already hashed the
// attached entry to 'have'.
func (r *Record) CheckEntryHashed(have core.EntryHash) error {
	if r.EntryState != EntryPresent || r.Entry == nil {
		return nil
	}
	eh, et, ok := r.Signed.Action.EntryData()
	if !ok {
		return core.ErrHeaderAndEntryMismatch.Errorf("%s carries an entry", r.Signed.Action.Type)
	}
	if !r.Entry.MatchesType(et) {
		return core.ErrHeaderAndEntryMismatch.Errorf("entry kind %d for type %s", r.Entry.Kind, et)
	}
	if have != eh {
		return core.ErrHeaderAndEntryMismatch.Errorf("entry hash %s, action says %s", have.Short(), eh.Short())
	}
	return nil
}

// Bundle is an ordered set of records, the unit used to hand a chain segment
// to another process. Encoding, decoding and re-encoding a bundle gives the
// same bytes.
type Bundle struct {
	_msgpack struct{} `msgpack:",as_array"`
	Dna      core.DnaHash
	Records  []Record
}

// EncodeBundle encodes a bundle canonically.
func EncodeBundle(b *Bundle) ([]byte, error) {
	return Encode(b)
}

// DecodeBundle decodes a bundle.
func DecodeBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := Decode(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
