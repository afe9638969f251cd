// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"fmt"

	cid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/vmihailenco/msgpack/v5"
)

// Typed wrappers around Hash. They embed Hash so the accessors carry over,
// but they are distinct types so an ActionHash can't be passed where an
// EntryHash is expected.

// AgentPubKey is an agent's Ed25519 public key in Hash form.
type AgentPubKey struct{ Hash }

// EntryHash addresses an entry.
type EntryHash struct{ Hash }

// ActionHash addresses an action.
type ActionHash struct{ Hash }

// DhtOpHash addresses a DHT operation.
type DhtOpHash struct{ Hash }

// DnaHash addresses a DNA.
type DnaHash struct{ Hash }

// ExternalHash addresses something outside the DHT.
type ExternalHash struct{ Hash }

// WarrantHash addresses a warrant.
type WarrantHash struct{ Hash }

// AnyDhtHash is either an EntryHash or an ActionHash.
type AnyDhtHash struct{ Hash }

// AnyLinkableHash is an EntryHash, ActionHash or ExternalHash.
type AnyLinkableHash struct{ Hash }

// AgentPubKeyFromKey wraps a raw 32 byte public key. Agent keys are not
// hashed: the key itself is the digest.
func AgentPubKeyFromKey(pub []byte) (AgentPubKey, error) {
	h, err := HashFromDigest(HashTypeAgent, pub)
	return AgentPubKey{h}, err
}

// Key returns the raw 32 byte Ed25519 public key.
func (a AgentPubKey) Key() []byte {
	return a.Digest()
}

// HashEntryBytes returns the EntryHash of an encoded entry.
func HashEntryBytes(b []byte) EntryHash {
	return EntryHash{HashContent(HashTypeEntry, b)}
}

// HashActionBytes returns the ActionHash of an encoded action.
func HashActionBytes(b []byte) ActionHash {
	return ActionHash{HashContent(HashTypeAction, b)}
}

// HashOpBytes returns the DhtOpHash of an op's unique form.
func HashOpBytes(b []byte) DhtOpHash {
	return DhtOpHash{HashContent(HashTypeDhtOp, b)}
}

// HashDnaBytes returns the DnaHash of an encoded DNA definition.
func HashDnaBytes(b []byte) DnaHash {
	return DnaHash{HashContent(HashTypeDna, b)}
}

// HashWarrantBytes returns the WarrantHash of an encoded warrant.
func HashWarrantBytes(b []byte) WarrantHash {
	return WarrantHash{HashContent(HashTypeWarrant, b)}
}

// ExternalHashFromCID derives an ExternalHash from a CID whose multihash has
// a 32 byte digest.
func ExternalHashFromCID(c cid.Cid) (ExternalHash, error) {
	dec, err := multihash.Decode(c.Hash())
	if err != nil {
		return ExternalHash{}, err
	}
	if len(dec.Digest) != DigestLen {
		return ExternalHash{}, fmt.Errorf("cid digest is %d bytes, need %d", len(dec.Digest), DigestLen)
	}
	h, err := HashFromDigest(HashTypeExternal, dec.Digest)
	return ExternalHash{h}, err
}

// AsTyped checks that h has kind t.
func AsTyped(h Hash, t HashType) (Hash, error) {
	if h.IsZero() || h.Type() != t {
		return Hash{}, fmt.Errorf("%w: want %s, got %s", ErrInvalidHash, t, h.Type())
	}
	return h, nil
}

// Composite conversions. They keep the bytes and the kind.

// IntoAnyDht converts an EntryHash.
func (e EntryHash) IntoAnyDht() AnyDhtHash { return AnyDhtHash{e.Hash} }

// IntoAnyDht converts an ActionHash.
func (a ActionHash) IntoAnyDht() AnyDhtHash { return AnyDhtHash{a.Hash} }

// IntoAnyLinkable converts an EntryHash.
func (e EntryHash) IntoAnyLinkable() AnyLinkableHash { return AnyLinkableHash{e.Hash} }

// IntoAnyLinkable converts an ActionHash.
func (a ActionHash) IntoAnyLinkable() AnyLinkableHash { return AnyLinkableHash{a.Hash} }

// IntoAnyLinkable converts an ExternalHash.
func (x ExternalHash) IntoAnyLinkable() AnyLinkableHash { return AnyLinkableHash{x.Hash} }

// IntoAnyLinkable converts an AnyDhtHash.
func (d AnyDhtHash) IntoAnyLinkable() AnyLinkableHash { return AnyLinkableHash{d.Hash} }

// AsEntry returns the EntryHash if this is one.
func (d AnyDhtHash) AsEntry() (EntryHash, bool) {
	return EntryHash{d.Hash}, d.Type() == HashTypeEntry
}

// AsAction returns the ActionHash if this is one.
func (d AnyDhtHash) AsAction() (ActionHash, bool) {
	return ActionHash{d.Hash}, d.Type() == HashTypeAction
}

// AsAnyDht returns the AnyDhtHash if this isn't an external hash.
func (l AnyLinkableHash) AsAnyDht() (AnyDhtHash, bool) {
	t := l.Type()
	return AnyDhtHash{l.Hash}, t == HashTypeEntry || t == HashTypeAction
}

//---------------
// msgpack hooks
//---------------

// EncodeMsgpack encodes the 39 byte form, or nil for the zero hash.
func (h Hash) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeBytes(h.Bytes())
}

// DecodeMsgpack decodes any hash kind.
func (h *Hash) DecodeMsgpack(dec *msgpack.Decoder) error {
	b, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	if len(b) == 0 {
		*h = Hash{}
		return nil
	}
	p, err := HashFromBytes(b)
	if err != nil {
		return err
	}
	*h = p
	return nil
}

func decodeTyped(dec *msgpack.Decoder, allowed ...HashType) (Hash, error) {
	var h Hash
	if err := h.DecodeMsgpack(dec); err != nil || h.IsZero() {
		return h, err
	}
	for _, t := range allowed {
		if h.Type() == t {
			return h, nil
		}
	}
	return Hash{}, fmt.Errorf("%w: unexpected %s", ErrInvalidHash, h.Type())
}

// DecodeMsgpack rejects non-agent hashes.
func (a *AgentPubKey) DecodeMsgpack(dec *msgpack.Decoder) (err error) {
	a.Hash, err = decodeTyped(dec, HashTypeAgent)
	return
}

// DecodeMsgpack rejects non-entry hashes.
func (e *EntryHash) DecodeMsgpack(dec *msgpack.Decoder) (err error) {
	e.Hash, err = decodeTyped(dec, HashTypeEntry)
	return
}

// DecodeMsgpack rejects non-action hashes.
func (a *ActionHash) DecodeMsgpack(dec *msgpack.Decoder) (err error) {
	a.Hash, err = decodeTyped(dec, HashTypeAction)
	return
}

// DecodeMsgpack rejects non-op hashes.
func (o *DhtOpHash) DecodeMsgpack(dec *msgpack.Decoder) (err error) {
	o.Hash, err = decodeTyped(dec, HashTypeDhtOp)
	return
}

// DecodeMsgpack rejects non-dna hashes.
func (d *DnaHash) DecodeMsgpack(dec *msgpack.Decoder) (err error) {
	d.Hash, err = decodeTyped(dec, HashTypeDna)
	return
}

// DecodeMsgpack rejects non-external hashes.
func (x *ExternalHash) DecodeMsgpack(dec *msgpack.Decoder) (err error) {
	x.Hash, err = decodeTyped(dec, HashTypeExternal)
	return
}

// DecodeMsgpack rejects non-warrant hashes.
func (w *WarrantHash) DecodeMsgpack(dec *msgpack.Decoder) (err error) {
	w.Hash, err = decodeTyped(dec, HashTypeWarrant)
	return
}

// DecodeMsgpack accepts entry or action hashes.
func (d *AnyDhtHash) DecodeMsgpack(dec *msgpack.Decoder) (err error) {
	d.Hash, err = decodeTyped(dec, HashTypeEntry, HashTypeAction)
	return
}

// DecodeMsgpack accepts entry, action or external hashes.
func (l *AnyLinkableHash) DecodeMsgpack(dec *msgpack.Decoder) (err error) {
	l.Hash, err = decodeTyped(dec, HashTypeEntry, HashTypeAction, HashTypeExternal)
	return
}
