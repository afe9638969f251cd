// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package keystore

import (
	"context"
	"io"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// MemKeystore keeps keys in memory only. It's used in tests.
type MemKeystore struct {
	*keyring
}

// NewMemKeystore returns an empty MemKeystore.
func NewMemKeystore() *MemKeystore {
	return &MemKeystore{keyring: newKeyring()}
}

// NewMemKeystoreWithRand returns a MemKeystore that draws key material from r,
// so tests can have reproducible keys.
func NewMemKeystoreWithRand(r io.Reader) *MemKeystore {
	k := newKeyring()
	k.rand = r
	return &MemKeystore{keyring: k}
}

// GenerateAgent implements Keystore.
func (m *MemKeystore) GenerateAgent(ctx context.Context) (core.AgentPubKey, error) {
	seed, err := m.newSeed()
	if err != nil {
		return core.AgentPubKey{}, err
	}
	return m.addSigning(seed), nil
}

// Sign implements Keystore.
func (m *MemKeystore) Sign(ctx context.Context, pub core.AgentPubKey, data []byte) (core.Signature, error) {
	return m.sign(ctx, pub, data)
}

// Verify implements Keystore.
func (m *MemKeystore) Verify(pub core.AgentPubKey, data []byte, sig core.Signature) bool {
	return Verify(pub, data, sig)
}

// X25519Generate implements Keystore.
func (m *MemKeystore) X25519Generate(ctx context.Context) (X25519PubKey, error) {
	s, err := m.newX25519Secret()
	if err != nil {
		return X25519PubKey{}, err
	}
	return m.addBoxing(s), nil
}

// BoxSeal implements Keystore.
func (m *MemKeystore) BoxSeal(ctx context.Context, sender, recipient X25519PubKey, plain []byte) ([]byte, error) {
	return m.boxSeal(sender, recipient, plain)
}

// BoxOpen implements Keystore.
func (m *MemKeystore) BoxOpen(ctx context.Context, recipient, sender X25519PubKey, sealed []byte) ([]byte, error) {
	return m.boxOpen(recipient, sender, sealed)
}

// Close implements Keystore.
func (m *MemKeystore) Close() error {
	return nil
}
