// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package host

import (
	"fmt"
	"strings"
)

// HostFn is a function the host offers to guests.
type HostFn uint8

const (
	FnCreateEntry HostFn = iota
	FnUpdateEntry
	FnDeleteEntry
	FnCreateLink
	FnDeleteLink
	FnGet
	FnGetDetails
	FnGetLinks
	FnGetLinkDetails
	FnCountLinks
	FnQuery
	FnCallRemote
	FnEmitSignal
	FnSign
	FnVerifySignature
	FnHash
	FnCreateX25519Keypair
	FnX25519Encrypt
	FnX25519Decrypt
	FnXSalsa20Poly1305Encrypt
	FnXSalsa20Poly1305Decrypt
	FnRandomBytes
	FnSysTime
	FnZomeInfo
	FnDnaInfo
	FnAgentInfo
	FnMustGetEntry
	FnMustGetAction
	FnMustGetValidRecord
	FnMustGetAgentActivity

	numHostFns
)

var fnNames = [numHostFns]string{
	"create_entry", "update_entry", "delete_entry", "create_link", "delete_link",
	"get", "get_details", "get_links", "get_link_details", "count_links", "query",
	"call_remote", "emit_signal",
	"sign", "verify_signature", "hash",
	"create_x25519_keypair", "x25519_encrypt", "x25519_decrypt",
	"xsalsa20_poly1305_encrypt", "xsalsa20_poly1305_decrypt",
	"random_bytes", "sys_time", "zome_info", "dna_info", "agent_info",
	"must_get_entry", "must_get_action", "must_get_valid_record", "must_get_agent_activity",
}

func (f HostFn) String() string {
	if f < numHostFns {
		return fnNames[f]
	}
	return fmt.Sprintf("host_fn(%d)", uint8(f))
}

// ParseHostFn is the inverse of String.
func ParseHostFn(s string) (HostFn, error) {
	for i, n := range fnNames {
		if n == s {
			return HostFn(i), nil
		}
	}
	return 0, fmt.Errorf("unknown host function %q", s)
}

// CallContext is why the guest is running.
type CallContext uint8

const (
	// ZomeCall is a call from a client or a remote agent.
	ZomeCall CallContext = iota
	// Init runs once per chain, before the first zome call.
	Init
	// Validate is an app validation callback.
	Validate
	// PostCommit runs after a zome call committed.
	PostCommit
	// GenesisSelf checks our own membrane proof before genesis.
	GenesisSelf
)

var contextNames = []string{"zome_call", "init", "validate", "post_commit", "genesis_self_check"}

func (c CallContext) String() string {
	if int(c) < len(contextNames) {
		return contextNames[c]
	}
	return fmt.Sprintf("call_context(%d)", uint8(c))
}

// Writes returns true if guests may stage chain writes in this context.
func (c CallContext) Writes() bool {
	return PermissionsFor(c).Has(FnCreateEntry)
}

// Permissions is a set of host functions.
type Permissions uint64

// Has returns true if 'f' is in the set.
func (p Permissions) Has(f HostFn) bool {
	return f < numHostFns && p&(1<<f) != 0
}

func (p Permissions) String() string {
	var names []string
	for f := HostFn(0); f < numHostFns; f++ {
		if p.Has(f) {
			names = append(names, f.String())
		}
	}
	return "{" + strings.Join(names, ",") + "}"
}

func fns(fs ...HostFn) (p Permissions) {
	for _, f := range fs {
		p |= 1 << f
	}
	return
}

var (
	writeFns = fns(FnCreateEntry, FnUpdateEntry, FnDeleteEntry, FnCreateLink, FnDeleteLink)
	readFns  = fns(FnGet, FnGetDetails, FnGetLinks, FnGetLinkDetails, FnCountLinks, FnQuery)
	mustGet  = fns(FnMustGetEntry, FnMustGetAction, FnMustGetValidRecord, FnMustGetAgentActivity)

	// Answers that depend only on the arguments and the DNA.
	deterministic = fns(FnHash, FnVerifySignature, FnZomeInfo, FnDnaInfo)

	agentFns = fns(FnSign, FnCreateX25519Keypair, FnX25519Encrypt, FnX25519Decrypt,
		FnXSalsa20Poly1305Encrypt, FnXSalsa20Poly1305Decrypt, FnRandomBytes, FnSysTime, FnAgentInfo)

	allFns = Permissions(1<<numHostFns - 1)
)

// PermissionsFor returns what a guest may call in context 'c'.
func PermissionsFor(c CallContext) Permissions {
	switch c {
	case ZomeCall:
		return allFns
	case Init:
		return allFns &^ fns(FnCallRemote)
	case PostCommit:
		return allFns &^ writeFns
	case Validate:
		return deterministic | mustGet
	case GenesisSelf:
		return deterministic
	}
	return 0
}
