// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/multiformats/go-multihash"
	// Registers blake2b-256 with the multihash registry.
	_ "github.com/multiformats/go-multihash/register/blake2"
	"golang.org/x/crypto/blake2b"
)

/*

Every content-addressed thing is named by a Hash. On the wire a Hash is 39
bytes: a 3 byte prefix naming the kind of thing, the 32 byte BLAKE2b-256
digest of its canonical encoding, and a 4 byte location.

     +-------------------+-----------------------+---------------------+
     |  prefix (3 bytes) |  digest (32 bytes)    |  location (4 bytes) |
     +-------------------+-----------------------+---------------------+
                         |<------------------------------------------->|
                                       core (36 bytes)

 - The location is the BLAKE2b-128 of the digest xor-folded down to 4
   bytes, read little-endian as a u32. It places the hash on the DHT ring
   without rehashing.
 - Databases store the 36 byte core. The kind is implied by the column.

*/

// HashType names the kind of thing a Hash addresses.
type HashType uint8

const (
	// HashTypeAgent is an agent's public signing key.
	HashTypeAgent HashType = iota
	// HashTypeEntry addresses an entry.
	HashTypeEntry
	// HashTypeAction addresses an action.
	HashTypeAction
	// HashTypeDhtOp addresses a DHT operation.
	HashTypeDhtOp
	// HashTypeDna addresses a DNA.
	HashTypeDna
	// HashTypeExternal addresses data living outside the DHT.
	HashTypeExternal
	// HashTypeWasm addresses a wasm blob.
	HashTypeWasm
	// HashTypeNetID addresses a network id.
	HashTypeNetID
	// HashTypeWarrant addresses a warrant.
	HashTypeWarrant

	numHashTypes
)

const (
	// PrefixLen is the number of prefix bytes.
	PrefixLen = 3
	// DigestLen is the number of digest bytes.
	DigestLen = 32
	// LocLen is the number of location bytes.
	LocLen = 4
	// CoreLen is the length of digest plus location.
	CoreLen = DigestLen + LocLen
	// HashLen is the full length of a Hash on the wire.
	HashLen = PrefixLen + CoreLen

	// blake2b-256 multihash code.
	digestCode = multihash.BLAKE2B_MIN + 31
)

var prefixes = [numHashTypes][PrefixLen]byte{
	HashTypeAgent:    {0x84, 0x20, 0x24},
	HashTypeEntry:    {0x84, 0x21, 0x24},
	HashTypeAction:   {0x84, 0x29, 0x24},
	HashTypeDhtOp:    {0x84, 0x24, 0x24},
	HashTypeDna:      {0x84, 0x2d, 0x24},
	HashTypeExternal: {0x84, 0x2f, 0x24},
	HashTypeWasm:     {0x84, 0x2a, 0x24},
	HashTypeNetID:    {0x84, 0x22, 0x24},
	HashTypeWarrant:  {0x84, 0x2c, 0x24},
}

var typeNames = [numHashTypes]string{
	HashTypeAgent:    "agent",
	HashTypeEntry:    "entry",
	HashTypeAction:   "action",
	HashTypeDhtOp:    "dhtop",
	HashTypeDna:      "dna",
	HashTypeExternal: "external",
	HashTypeWasm:     "wasm",
	HashTypeNetID:    "netid",
	HashTypeWarrant:  "warrant",
}

func (t HashType) String() string {
	if t < numHashTypes {
		return typeNames[t]
	}
	return fmt.Sprintf("hashtype(%d)", uint8(t))
}

// Prefix returns the 3 prefix bytes of the hash type.
func (t HashType) Prefix() [PrefixLen]byte {
	return prefixes[t]
}

// ErrInvalidHash is returned when bytes or a string can't be parsed as a Hash.
var ErrInvalidHash = errors.New("invalid hash format")

// Hash is a typed content address. The zero Hash is invalid and is used for
// "not set".
type Hash struct {
	t    HashType
	core [CoreLen]byte
}

// Loc is a location on the 32 bit wrapping DHT ring.
type Loc uint32

// Type returns the kind of the hash.
func (h Hash) Type() HashType {
	return h.t
}

// IsZero returns true if the hash was never set.
func (h Hash) IsZero() bool {
	return h.core == [CoreLen]byte{}
}

// Bytes returns the 39 byte wire form.
func (h Hash) Bytes() []byte {
	if h.IsZero() {
		return nil
	}
	out := make([]byte, HashLen)
	p := prefixes[h.t]
	copy(out, p[:])
	copy(out[PrefixLen:], h.core[:])
	return out
}

// Core returns the 36 byte digest+location form.
func (h Hash) Core() []byte {
	out := make([]byte, CoreLen)
	copy(out, h.core[:])
	return out
}

// Digest returns the 32 byte digest.
func (h Hash) Digest() []byte {
	out := make([]byte, DigestLen)
	copy(out, h.core[:DigestLen])
	return out
}

// Digest32 returns the digest as an array, handy for xor aggregation.
func (h Hash) Digest32() (d [DigestLen]byte) {
	copy(d[:], h.core[:DigestLen])
	return
}

// Loc returns the location of the hash on the ring.
func (h Hash) Loc() Loc {
	return Loc(binary.LittleEndian.Uint32(h.core[DigestLen:]))
}

// Retype returns the same bytes tagged with another kind.
func (h Hash) Retype(t HashType) Hash {
	h.t = t
	return h
}

// Compare orders hashes by their bytes.
func (h Hash) Compare(o Hash) int {
	if h.t != o.t {
		if h.t < o.t {
			return -1
		}
		return 1
	}
	return bytes.Compare(h.core[:], o.core[:])
}

// String returns "u" + base64url of the 39 byte form.
func (h Hash) String() string {
	if h.IsZero() {
		return "<none>"
	}
	return "u" + base64.RawURLEncoding.EncodeToString(h.Bytes())
}

// Short is a shortened form for logs.
func (h Hash) Short() string {
	s := h.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(b []byte) error {
	p, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = p
	return nil
}

// ParseHash parses the output of String.
func ParseHash(s string) (Hash, error) {
	if len(s) < 2 || s[0] != 'u' {
		return Hash{}, ErrInvalidHash
	}
	b, err := base64.RawURLEncoding.DecodeString(s[1:])
	if err != nil {
		return Hash{}, ErrInvalidHash
	}
	return HashFromBytes(b)
}

// HashFromBytes parses the 39 byte wire form and checks the location.
func HashFromBytes(b []byte) (Hash, error) {
	if len(b) != HashLen {
		return Hash{}, ErrInvalidHash
	}
	t, ok := typeFromPrefix(b[:PrefixLen])
	if !ok {
		return Hash{}, ErrInvalidHash
	}
	return HashFromCore(t, b[PrefixLen:])
}

// HashFromCore builds a Hash of kind t from the 36 byte core, checking that the
// location matches the digest.
func HashFromCore(t HashType, core []byte) (Hash, error) {
	if len(core) != CoreLen || t >= numHashTypes {
		return Hash{}, ErrInvalidHash
	}
	h := Hash{t: t}
	copy(h.core[:], core)
	loc := location(core[:DigestLen])
	if !bytes.Equal(loc[:], core[DigestLen:]) {
		return Hash{}, ErrInvalidHash
	}
	return h, nil
}

// HashFromDigest builds a Hash of kind t from a 32 byte digest, computing the
// location.
func HashFromDigest(t HashType, digest []byte) (Hash, error) {
	if len(digest) != DigestLen || t >= numHashTypes {
		return Hash{}, ErrInvalidHash
	}
	h := Hash{t: t}
	copy(h.core[:], digest)
	loc := location(digest)
	copy(h.core[DigestLen:], loc[:])
	return h, nil
}

// HashContent hashes data into a Hash of kind t. Callers with payloads over
// MaxInlineHashSize should use HashBlocking.
func HashContent(t HashType, data []byte) Hash {
	mh, err := multihash.Sum(data, digestCode, DigestLen)
	if err != nil {
		// Only fails for unknown codes, and blake2b is registered above.
		panic(fmt.Sprintf("multihash: %s", err))
	}
	dec, err := multihash.Decode(mh)
	if err != nil {
		panic(fmt.Sprintf("multihash decode: %s", err))
	}
	h, err := HashFromDigest(t, dec.Digest)
	if err != nil {
		panic(err)
	}
	return h
}

// MaxInlineHashSize is the largest payload hashed on the calling goroutine by
// HashBlocking.
const MaxInlineHashSize = 64 << 10

// Bounded pool of goroutines for hashing big payloads.
var hashPermits = make(chan struct{}, 4)

// HashBlocking hashes data, offloading payloads above MaxInlineHashSize to a
// bounded pool so that big entries don't monopolize callers.
func HashBlocking(ctx context.Context, t HashType, data []byte) (Hash, error) {
	if len(data) <= MaxInlineHashSize {
		return HashContent(t, data), nil
	}
	select {
	case hashPermits <- struct{}{}:
	case <-ctx.Done():
		return Hash{}, FromContextError(ctx.Err())
	}
	c := make(chan Hash, 1)
	go func() {
		defer func() { <-hashPermits }()
		c <- HashContent(t, data)
	}()
	select {
	case h := <-c:
		return h, nil
	case <-ctx.Done():
		return Hash{}, FromContextError(ctx.Err())
	}
}

// LocOf returns the location that the digest would map to.
func LocOf(digest []byte) Loc {
	l := location(digest)
	return Loc(binary.LittleEndian.Uint32(l[:]))
}

func location(digest []byte) (out [LocLen]byte) {
	h, err := blake2b.New(16, nil)
	if err != nil {
		panic(err)
	}
	h.Write(digest)
	sum := h.Sum(nil)
	copy(out[:], sum[:LocLen])
	for i := LocLen; i < len(sum); i += LocLen {
		for j := 0; j < LocLen; j++ {
			out[j] ^= sum[i+j]
		}
	}
	return
}

func typeFromPrefix(p []byte) (HashType, bool) {
	for t := HashType(0); t < numHashTypes; t++ {
		pre := prefixes[t]
		if bytes.Equal(pre[:], p) {
			return t, true
		}
	}
	return 0, false
}
