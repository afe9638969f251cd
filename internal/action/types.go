// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package action

import (
	"fmt"
)

// Type is the stable one byte discriminant of an action variant. The values
// are part of the canonical encoding and must never be renumbered.
type Type uint8

const (
	// TypeDna is the first action of every chain.
	TypeDna Type = 0
	// TypeAgentValidationPkg carries the membrane proof, always at seq 1.
	TypeAgentValidationPkg Type = 1
	// TypeInitZomesComplete marks the end of the init callback.
	TypeInitZomesComplete Type = 2
	// TypeCreateLink creates a link between a base and a target.
	TypeCreateLink Type = 3
	// TypeDeleteLink removes a link.
	TypeDeleteLink Type = 4
	// TypeOpenChain opens a chain migrated from another DNA.
	TypeOpenChain Type = 5
	// TypeCloseChain closes a chain so it can migrate to another DNA.
	TypeCloseChain Type = 6
	// TypeCreate creates an entry.
	TypeCreate Type = 7
	// TypeUpdate updates an entry.
	TypeUpdate Type = 8
	// TypeDelete deletes an entry.
	TypeDelete Type = 9

	numTypes = 10
)

var typeNames = [numTypes]string{
	"Dna", "AgentValidationPkg", "InitZomesComplete", "CreateLink", "DeleteLink",
	"OpenChain", "CloseChain", "Create", "Update", "Delete",
}

func (t Type) String() string {
	if t < numTypes {
		return typeNames[t]
	}
	return fmt.Sprintf("ActionType(%d)", uint8(t))
}

// Valid returns true for known variants.
func (t Type) Valid() bool {
	return t < numTypes
}

// HasEntry returns true for the entry-bearing variants.
func (t Type) HasEntry() bool {
	return t == TypeCreate || t == TypeUpdate
}

// ParseType parses the output of String.
func ParseType(s string) (Type, error) {
	for i, n := range typeNames {
		if n == s {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("unknown action type %q", s)
}

// Visibility of an entry on the DHT.
type Visibility uint8

const (
	// Public entries are published with StoreEntry.
	Public Visibility = iota
	// Private entries stay on the author's chain.
	Private
)

func (v Visibility) String() string {
	if v == Private {
		return "private"
	}
	return "public"
}

// EntryTypeKind is the kind of an EntryType.
type EntryTypeKind uint8

const (
	// EntryTypeApp is an application defined entry.
	EntryTypeApp EntryTypeKind = iota
	// EntryTypeAgentPubKey is the agent's key, written in genesis.
	EntryTypeAgentPubKey
	// EntryTypeCapClaim is a claim on someone else's capability.
	EntryTypeCapClaim
	// EntryTypeCapGrant is a capability we grant.
	EntryTypeCapGrant
)

// EntryType describes what an entry is. App entry types are identified by
// (zome index, entry index) and carry a visibility. Capability types are
// always private; agent keys are always public.
type EntryType struct {
	_msgpack   struct{} `msgpack:",as_array"`
	Kind       EntryTypeKind
	ZomeIndex  uint8
	EntryIndex uint8
	Visibility Visibility
}

// AppEntryType returns an app EntryType.
func AppEntryType(zome, entry uint8, vis Visibility) EntryType {
	return EntryType{Kind: EntryTypeApp, ZomeIndex: zome, EntryIndex: entry, Visibility: vis}
}

// AgentEntryType is the type of the genesis agent entry.
func AgentEntryType() EntryType {
	return EntryType{Kind: EntryTypeAgentPubKey, Visibility: Public}
}

// CapClaimEntryType is the type of capability claims.
func CapClaimEntryType() EntryType {
	return EntryType{Kind: EntryTypeCapClaim, Visibility: Private}
}

// CapGrantEntryType is the type of capability grants.
func CapGrantEntryType() EntryType {
	return EntryType{Kind: EntryTypeCapGrant, Visibility: Private}
}

// IsPrivate returns true if entries of this type are not published.
func (e EntryType) IsPrivate() bool {
	switch e.Kind {
	case EntryTypeCapClaim, EntryTypeCapGrant:
		return true
	case EntryTypeAgentPubKey:
		return false
	}
	return e.Visibility == Private
}

// Equal compares two entry types.
func (e EntryType) Equal(o EntryType) bool {
	return e.Kind == o.Kind && e.ZomeIndex == o.ZomeIndex &&
		e.EntryIndex == o.EntryIndex && e.IsPrivate() == o.IsPrivate()
}

func (e EntryType) String() string {
	switch e.Kind {
	case EntryTypeApp:
		return fmt.Sprintf("App(%d,%d,%s)", e.ZomeIndex, e.EntryIndex, e.Visibility)
	case EntryTypeAgentPubKey:
		return "AgentPubKey"
	case EntryTypeCapClaim:
		return "CapClaim"
	case EntryTypeCapGrant:
		return "CapGrant"
	}
	return fmt.Sprintf("EntryType(%d)", e.Kind)
}

// RateWeight is the rate limiting weight attached to app actions.
type RateWeight struct {
	_msgpack struct{} `msgpack:",as_array"`
	Bucket   uint8
	Units    uint8
}

// ChainTopOrdering says what to do on commit when the chain head moved.
type ChainTopOrdering uint8

const (
	// Strict fails the commit with ErrHeadMoved.
	Strict ChainTopOrdering = iota
	// Relaxed rebases the scratch onto the new head.
	Relaxed
)
