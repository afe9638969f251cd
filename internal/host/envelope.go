// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package host

import (
	"fmt"

	"github.com/westerndigitalcorporation/agentdht/internal/action"
	"github.com/westerndigitalcorporation/agentdht/internal/chain"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/integrate"
	"github.com/westerndigitalcorporation/agentdht/internal/keystore"
)

// Envelope is one host call: the function and its msgpack encoded input.
type Envelope struct {
	_msgpack struct{} `msgpack:",as_array"`
	Fn       HostFn
	Payload  []byte
}

// NewEnvelope encodes 'in' as the input of 'fn'.
func NewEnvelope(fn HostFn, in interface{}) (Envelope, error) {
	b, err := action.Encode(in)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Fn: fn, Payload: b}, nil
}

// ResultKind says how a host call went.
type ResultKind uint8

const (
	// Ok results carry the msgpack encoded output.
	Ok ResultKind = iota
	// Unauthorized means the call context doesn't allow the function.
	Unauthorized
	// NetworkError means the call failed; Reason says why.
	NetworkError
)

var resultNames = []string{"ok", "unauthorized", "network_error"}

func (k ResultKind) String() string {
	if int(k) < len(resultNames) {
		return resultNames[k]
	}
	return fmt.Sprintf("result(%d)", uint8(k))
}

// Result is the answer to an Envelope.
type Result struct {
	_msgpack struct{} `msgpack:",as_array"`
	Kind     ResultKind
	Payload  []byte
	Reason   string
}

// Err returns nil for Ok results and an error describing the others.
func (r Result) Err() error {
	switch r.Kind {
	case Ok:
		return nil
	case Unauthorized:
		return core.ErrUnauthorized.Errorf("%s", r.Reason)
	}
	return core.ErrPeerUnreachable.Errorf("%s", r.Reason)
}

// Decode decodes the payload of an Ok result into 'out'.
func (r Result) Decode(out interface{}) error {
	if err := r.Err(); err != nil {
		return err
	}
	return action.Decode(r.Payload, out)
}

// Inputs and outputs of the host functions. Functions not listed take or
// return a bare value: sys_time returns a core.Timestamp, random_bytes takes
// a uint32, emit_signal takes []byte, get* take a core.AnyDhtHash and the
// must_get_* of a single hash take that hash.

// CreateInput is the input of create_entry.
type CreateInput struct {
	_msgpack  struct{} `msgpack:",as_array"`
	EntryType action.EntryType
	Entry     action.Entry
}

// UpdateInput is the input of update_entry.
type UpdateInput struct {
	_msgpack struct{} `msgpack:",as_array"`
	Original core.ActionHash
	Entry    action.Entry
}

// DeleteInput is the input of delete_entry.
type DeleteInput struct {
	_msgpack struct{} `msgpack:",as_array"`
	Deletes  core.ActionHash
}

// CreateLinkInput is the input of create_link.
type CreateLinkInput struct {
	_msgpack struct{} `msgpack:",as_array"`
	Base     core.AnyLinkableHash
	Target   core.AnyLinkableHash
	LinkType uint8
	Tag      []byte
}

// DeleteLinkInput is the input of delete_link.
type DeleteLinkInput struct {
	_msgpack struct{} `msgpack:",as_array"`
	LinkAdd  core.ActionHash
}

// LinksInput is the input of get_links, get_link_details and count_links.
type LinksInput struct {
	_msgpack struct{} `msgpack:",as_array"`
	Base     core.AnyLinkableHash
	// LinkTypes filters by link type when not empty.
	LinkTypes []uint8
	TagPrefix []byte
	Author    *core.AgentPubKey
}

// Link is a live link.
type Link struct {
	_msgpack   struct{} `msgpack:",as_array"`
	Author     core.AgentPubKey
	Base       core.AnyLinkableHash
	Target     core.AnyLinkableHash
	Timestamp  core.Timestamp
	ZomeIndex  uint8
	LinkType   uint8
	Tag        []byte
	CreateLink core.ActionHash
}

// LinkDetail is a CreateLink and the DeleteLinks of it.
type LinkDetail struct {
	_msgpack struct{} `msgpack:",as_array"`
	Create   action.SignedAction
	Deletes  []action.SignedAction
}

// Details is the output of get_details. Record is set for action hashes;
// Entry and Actions for entry hashes.
type Details struct {
	_msgpack struct{} `msgpack:",as_array"`
	Record   *action.Record
	Entry    *action.Entry
	Actions  []action.SignedAction
	Updates  []action.SignedAction
	Deletes  []action.SignedAction
	// Live is false once everything at the hash was deleted.
	Live bool
}

// QueryInput is the input of query.
type QueryInput struct {
	_msgpack       struct{} `msgpack:",as_array"`
	SeqFrom, SeqTo uint32
	EntryType      *action.EntryType
	ActionTypes    []action.Type
	IncludeEntries bool
	Descending     bool
	Limit          int
}

func (q QueryInput) filter() chain.QueryFilter {
	return chain.QueryFilter{
		SeqFrom:        q.SeqFrom,
		SeqTo:          q.SeqTo,
		EntryType:      q.EntryType,
		ActionTypes:    q.ActionTypes,
		IncludeEntries: q.IncludeEntries,
		Descending:     q.Descending,
		Limit:          q.Limit,
	}
}

// RemoteCall is the input of call_remote, and what goes over the wire.
type RemoteCall struct {
	_msgpack  struct{} `msgpack:",as_array"`
	From      core.AgentPubKey
	To        core.AgentPubKey
	Zome      string
	Fn        string
	CapSecret []byte
	Payload   []byte
}

// SignInput is the input of sign.
type SignInput struct {
	_msgpack struct{} `msgpack:",as_array"`
	Key      core.AgentPubKey
	Data     []byte
}

// VerifyInput is the input of verify_signature.
type VerifyInput struct {
	_msgpack  struct{} `msgpack:",as_array"`
	Key       core.AgentPubKey
	Data      []byte
	Signature core.Signature
}

// HashInput is the input of hash.
type HashInput struct {
	_msgpack struct{} `msgpack:",as_array"`
	Type     core.HashType
	Data     []byte
}

// X25519Input is the input of x25519_encrypt and x25519_decrypt. For
// encryption Ours is the sender; for decryption the recipient.
type X25519Input struct {
	_msgpack struct{} `msgpack:",as_array"`
	Ours     keystore.X25519PubKey
	Theirs   keystore.X25519PubKey
	Data     []byte
}

// SecretBoxInput is the input of the xsalsa20_poly1305 functions.
type SecretBoxInput struct {
	_msgpack struct{} `msgpack:",as_array"`
	Key      keystore.SecretKey
	Data     []byte
}

// ZomeInfo is the output of zome_info.
type ZomeInfo struct {
	_msgpack   struct{} `msgpack:",as_array"`
	Name       string
	Index      uint8
	EntryTypes []action.EntryDef
	LinkTypes  []string
}

// DnaInfo is the output of dna_info.
type DnaInfo struct {
	_msgpack    struct{} `msgpack:",as_array"`
	Hash        core.DnaHash
	Name        string
	NetworkSeed string
	Properties  []byte
	Zomes       []string
}

// AgentInfo is the output of agent_info.
type AgentInfo struct {
	_msgpack   struct{} `msgpack:",as_array"`
	Agent      core.AgentPubKey
	HeadSeq    uint32
	HeadHash   core.ActionHash
	HeadTime   core.Timestamp
	Provenance core.AgentPubKey
}

// ActivityInput is the input of must_get_agent_activity. The answer holds
// the valid actions of Author up to and including ChainTop.
type ActivityInput struct {
	_msgpack struct{} `msgpack:",as_array"`
	Author   core.AgentPubKey
	ChainTop core.ActionHash
	Filter   integrate.ActivityFilter
}

// Signal is what emit_signal sends to clients of the cell.
type Signal struct {
	_msgpack struct{} `msgpack:",as_array"`
	Agent    core.AgentPubKey
	Zome     string
	Payload  []byte
}
