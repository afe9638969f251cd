// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package keystore

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// SecretKey is a 256 bit symmetric key.
type SecretKey [32]byte

// SaltLen is the length of the salt for DeriveKey.
const SaltLen = 16

// Argon2id parameters. These are the "interactive" parameters from the
// argon2 draft, which takes a few tens of milliseconds.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// DeriveKey derives a SecretKey from a passphrase with argon2id.
func DeriveKey(passphrase []byte, salt []byte) *SecretKey {
	var k SecretKey
	copy(k[:], argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, uint32(len(k))))
	return &k
}

// NewSalt returns a random salt for DeriveKey.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLen)
	_, err := io.ReadFull(rand.Reader, salt)
	return salt, err
}

// NewSecretKey returns a random key.
func NewSecretKey() (*SecretKey, error) {
	var k SecretKey
	_, err := io.ReadFull(rand.Reader, k[:])
	return &k, err
}

// SecretBoxSeal encrypts and authenticates plain with XSalsa20-Poly1305.
// The output is nonce || ciphertext.
func SecretBoxSeal(key *SecretKey, plain []byte) ([]byte, error) {
	var nonce [nonceLen]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plain, &nonce, (*[32]byte)(key)), nil
}

// SecretBoxOpen reverses SecretBoxSeal. A wrong key, or tampered data, gives
// ErrWrongKey.
func SecretBoxOpen(key *SecretKey, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceLen+secretbox.Overhead {
		return nil, core.ErrBadSize.Errorf("sealed data of %d bytes", len(sealed))
	}
	var nonce [nonceLen]byte
	copy(nonce[:], sealed)
	out, ok := secretbox.Open(nil, sealed[nonceLen:], &nonce, (*[32]byte)(key))
	if !ok {
		return nil, core.ErrWrongKey.Error()
	}
	return out, nil
}
