// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package action

import (
	"context"
	"crypto/subtle"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// EntryKind is the variant of an Entry.
type EntryKind uint8

const (
	// EntryApp is opaque application data.
	EntryApp EntryKind = iota
	// EntryAgent is an agent key.
	EntryAgent
	// EntryCapGrant grants access to functions.
	EntryCapGrant
	// EntryCapClaim records a grant someone gave us.
	EntryCapClaim
)

// CapAccess says who may use a grant.
type CapAccess uint8

const (
	// Unrestricted grants need no secret.
	Unrestricted CapAccess = iota
	// Transferable grants need the secret.
	Transferable
	// Assigned grants need the secret and one of the assignees.
	Assigned
)

// CapSecretLen is the length of a capability secret.
const CapSecretLen = 64

// GrantedFunction names a (zome, function) pair.
type GrantedFunction struct {
	_msgpack struct{} `msgpack:",as_array"`
	Zome     string
	Fn       string
}

// CapGrant is the payload of a capability grant entry.
type CapGrant struct {
	_msgpack  struct{} `msgpack:",as_array"`
	Tag       string
	Access    CapAccess
	Secret    []byte
	Assignees []core.AgentPubKey
	Functions []GrantedFunction
}

// Allows checks whether the grant lets 'caller' holding 'secret' call fn.
func (g *CapGrant) Allows(fn GrantedFunction, caller core.AgentPubKey, secret []byte) bool {
	found := false
	for _, f := range g.Functions {
		if f.Zome == fn.Zome && f.Fn == fn.Fn {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	switch g.Access {
	case Unrestricted:
		return true
	case Transferable:
		return subtle.ConstantTimeCompare(secret, g.Secret) == 1
	case Assigned:
		if subtle.ConstantTimeCompare(secret, g.Secret) != 1 {
			return false
		}
		for _, a := range g.Assignees {
			if a == caller {
				return true
			}
		}
	}
	return false
}

// CapClaim is the payload of a capability claim entry.
type CapClaim struct {
	_msgpack struct{} `msgpack:",as_array"`
	Tag      string
	Grantor  core.AgentPubKey
	Secret   []byte
}

// Entry is the data an entry-bearing action points at.
type Entry struct {
	Kind     EntryKind
	App      []byte
	Agent    core.AgentPubKey
	CapGrant *CapGrant
	CapClaim *CapClaim
}

// AppEntry wraps application bytes.
func AppEntry(b []byte) *Entry {
	return &Entry{Kind: EntryApp, App: b}
}

// AgentEntry wraps an agent key.
func AgentEntry(agent core.AgentPubKey) *Entry {
	return &Entry{Kind: EntryAgent, Agent: agent}
}

// EncodeMsgpack encodes [kind, payload].
func (e Entry) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint8(uint8(e.Kind)); err != nil {
		return err
	}
	switch e.Kind {
	case EntryApp:
		return enc.EncodeBytes(e.App)
	case EntryAgent:
		return enc.Encode(e.Agent)
	case EntryCapGrant:
		return enc.Encode(e.CapGrant)
	case EntryCapClaim:
		return enc.Encode(e.CapClaim)
	}
	return core.ErrInvalidArgument.Errorf("entry kind %d", e.Kind)
}

// DecodeMsgpack decodes [kind, payload].
func (e *Entry) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return core.ErrCorruptData.Errorf("entry with %d fields", n)
	}
	k, err := dec.DecodeUint8()
	if err != nil {
		return err
	}
	*e = Entry{Kind: EntryKind(k)}
	switch e.Kind {
	case EntryApp:
		e.App, err = dec.DecodeBytes()
		return err
	case EntryAgent:
		return dec.Decode(&e.Agent)
	case EntryCapGrant:
		return dec.Decode(&e.CapGrant)
	case EntryCapClaim:
		return dec.Decode(&e.CapClaim)
	}
	return core.ErrCorruptData.Errorf("entry kind %d", k)
}

// Bytes returns the canonical encoding.
func (e *Entry) Bytes() []byte {
	b, err := Encode(e)
	if err != nil {
		panic(err)
	}
	return b
}

// Hash returns the EntryHash. The agent entry hashes to the agent key itself
// (its digest is the key), so agent activity and the agent entry share a
// basis.
func (e *Entry) Hash() core.EntryHash {
	if e.Kind == EntryAgent {
		return core.EntryHash{Hash: e.Agent.Retype(core.HashTypeEntry)}
	}
	return core.HashEntryBytes(e.Bytes())
}

// HashBlocking is Hash for callers that may hold big entries: payloads over
// core.MaxInlineHashSize are hashed off the calling goroutine and the wait
// honors ctx.
func (e *Entry) HashBlocking(ctx context.Context) (core.EntryHash, error) {
	if e.Kind == EntryAgent {
		return e.Hash(), nil
	}
	h, err := core.HashBlocking(ctx, core.HashTypeEntry, e.Bytes())
	if err != nil {
		return core.EntryHash{}, err
	}
	return core.EntryHash{Hash: h}, nil
}

// Size is the encoded size, used for region aggregates and limits.
func (e *Entry) Size() int {
	return len(e.Bytes())
}

// MatchesType checks that the entry variant fits the entry type of its action.
func (e *Entry) MatchesType(et EntryType) bool {
	switch et.Kind {
	case EntryTypeApp:
		return e.Kind == EntryApp
	case EntryTypeAgentPubKey:
		return e.Kind == EntryAgent
	case EntryTypeCapClaim:
		return e.Kind == EntryCapClaim
	case EntryTypeCapGrant:
		return e.Kind == EntryCapGrant
	}
	return false
}
