// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package action

import (
	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// ZomeDef describes one zome of a DNA: its entry types and link types.
type ZomeDef struct {
	_msgpack   struct{} `msgpack:",as_array"`
	Name       string
	EntryTypes []EntryDef
	LinkTypes  []string
}

// EntryDef is an app entry type definition.
type EntryDef struct {
	_msgpack   struct{} `msgpack:",as_array"`
	Name       string
	Visibility Visibility
}

// DnaDef is the definition of an application network. Its hash is the DNA
// hash; two agents share a network iff they share a DnaDef.
type DnaDef struct {
	_msgpack      struct{} `msgpack:",as_array"`
	Name          string
	NetworkSeed   string
	Properties    []byte
	OriginTimeUs  core.Timestamp
	IntegrityZome []ZomeDef
}

// Hash returns the DnaHash.
func (d *DnaDef) Hash() core.DnaHash {
	b, err := Encode(d)
	if err != nil {
		panic(err)
	}
	return core.HashDnaBytes(b)
}

// EntryDefFor looks up the definition of an app entry type.
func (d *DnaDef) EntryDefFor(et EntryType) (EntryDef, bool) {
	if et.Kind != EntryTypeApp || int(et.ZomeIndex) >= len(d.IntegrityZome) {
		return EntryDef{}, false
	}
	z := d.IntegrityZome[et.ZomeIndex]
	if int(et.EntryIndex) >= len(z.EntryTypes) {
		return EntryDef{}, false
	}
	return z.EntryTypes[et.EntryIndex], true
}

// EntryType returns the EntryType for the named entry in the named zome.
func (d *DnaDef) EntryType(zome, entry string) (EntryType, bool) {
	for zi, z := range d.IntegrityZome {
		if z.Name != zome {
			continue
		}
		for ei, e := range z.EntryTypes {
			if e.Name == entry {
				return AppEntryType(uint8(zi), uint8(ei), e.Visibility), true
			}
		}
	}
	return EntryType{}, false
}
