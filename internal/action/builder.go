// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package action

import (
	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// Common holds the fields the chain fills in for every new action.
type Common struct {
	Author    core.AgentPubKey
	Timestamp core.Timestamp
	Seq       uint32
	Prev      core.ActionHash
}

// Builder holds the variant specific part of an action. The source chain
// combines it with Common to make the action.
type Builder interface {
	Build(c Common) Action
	Type() Type
}

func (c Common) base(t Type) Action {
	return Action{Type: t, Author: c.Author, Timestamp: c.Timestamp, Seq: c.Seq, Prev: c.Prev}
}

// Create builds a Create action.
type Create struct {
	EntryType EntryType
	EntryHash core.EntryHash
	Weight    RateWeight
}

// Type implements Builder.
func (Create) Type() Type { return TypeCreate }

// Build implements Builder.
func (b Create) Build(c Common) Action {
	a := c.base(TypeCreate)
	a.EntryType, a.EntryHash, a.Weight = b.EntryType, b.EntryHash, b.Weight
	return a
}

// Update builds an Update action.
type Update struct {
	OriginalActionAddress core.ActionHash
	OriginalEntryAddress  core.EntryHash
	EntryType             EntryType
	EntryHash             core.EntryHash
	Weight                RateWeight
}

// Type implements Builder.
func (Update) Type() Type { return TypeUpdate }

// Build implements Builder.
func (b Update) Build(c Common) Action {
	a := c.base(TypeUpdate)
	a.OriginalActionAddress, a.OriginalEntryAddress = b.OriginalActionAddress, b.OriginalEntryAddress
	a.EntryType, a.EntryHash, a.Weight = b.EntryType, b.EntryHash, b.Weight
	return a
}

// Delete builds a Delete action.
type Delete struct {
	DeletesAddress      core.ActionHash
	DeletesEntryAddress core.EntryHash
	Weight              RateWeight
}

// Type implements Builder.
func (Delete) Type() Type { return TypeDelete }

// Build implements Builder.
func (b Delete) Build(c Common) Action {
	a := c.base(TypeDelete)
	a.DeletesAddress, a.DeletesEntryAddress, a.Weight = b.DeletesAddress, b.DeletesEntryAddress, b.Weight
	return a
}

// CreateLink builds a CreateLink action.
type CreateLink struct {
	BaseAddress   core.AnyLinkableHash
	TargetAddress core.AnyLinkableHash
	ZomeIndex     uint8
	LinkType      uint8
	Tag           []byte
	Weight        RateWeight
}

// Type implements Builder.
func (CreateLink) Type() Type { return TypeCreateLink }

// Build implements Builder.
func (b CreateLink) Build(c Common) Action {
	a := c.base(TypeCreateLink)
	a.BaseAddress, a.TargetAddress = b.BaseAddress, b.TargetAddress
	a.ZomeIndex, a.LinkType, a.Tag, a.Weight = b.ZomeIndex, b.LinkType, b.Tag, b.Weight
	return a
}

// DeleteLink builds a DeleteLink action.
type DeleteLink struct {
	BaseAddress    core.AnyLinkableHash
	LinkAddAddress core.ActionHash
}

// Type implements Builder.
func (DeleteLink) Type() Type { return TypeDeleteLink }

// Build implements Builder.
func (b DeleteLink) Build(c Common) Action {
	a := c.base(TypeDeleteLink)
	a.BaseAddress, a.LinkAddAddress = b.BaseAddress, b.LinkAddAddress
	return a
}

// InitZomesComplete builds the action that marks init as done.
type InitZomesComplete struct{}

// Type implements Builder.
func (InitZomesComplete) Type() Type { return TypeInitZomesComplete }

// Build implements Builder.
func (InitZomesComplete) Build(c Common) Action {
	return c.base(TypeInitZomesComplete)
}

// OpenChain builds an OpenChain action.
type OpenChain struct {
	PrevDna core.DnaHash
}

// Type implements Builder.
func (OpenChain) Type() Type { return TypeOpenChain }

// Build implements Builder.
func (b OpenChain) Build(c Common) Action {
	a := c.base(TypeOpenChain)
	a.MigrationDna = b.PrevDna
	return a
}

// CloseChain builds a CloseChain action.
type CloseChain struct {
	NewDna core.DnaHash
}

// Type implements Builder.
func (CloseChain) Type() Type { return TypeCloseChain }

// Build implements Builder.
func (b CloseChain) Build(c Common) Action {
	a := c.base(TypeCloseChain)
	a.MigrationDna = b.NewDna
	return a
}

// The first two genesis actions aren't Builders: only the chain's genesis
// writes them.

// DnaAction makes the seq 0 action.
func DnaAction(author core.AgentPubKey, ts core.Timestamp, dna core.DnaHash) Action {
	return Action{Type: TypeDna, Author: author, Timestamp: ts, DnaHash: dna}
}

// AgentValidationPkg makes the seq 1 action.
func AgentValidationPkg(c Common, membraneProof []byte) Action {
	a := c.base(TypeAgentValidationPkg)
	a.MembraneProof = membraneProof
	return a
}
