// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package keystore holds agent signing keys and X25519 encryption keys. The
// rest of the system only ever sees public keys: signing, box sealing and
// opening all happen in here.
package keystore

import (
	"context"
	"crypto/rand"
	"io"
	"sync"

	"github.com/cloudflare/circl/dh/x25519"
	"github.com/cloudflare/circl/sign/ed25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/westerndigitalcorporation/agentdht/internal/action"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// X25519PubKey is a public encryption key.
type X25519PubKey [x25519.Size]byte

// Keystore signs and encrypts on behalf of the agents it holds.
type Keystore interface {
	// GenerateAgent makes a new Ed25519 signing key.
	GenerateAgent(ctx context.Context) (core.AgentPubKey, error)

	// Sign signs data with the private key of 'pub'. ErrNotFound if we don't
	// hold it.
	Sign(ctx context.Context, pub core.AgentPubKey, data []byte) (core.Signature, error)

	// Verify checks a signature. It needs no private key.
	Verify(pub core.AgentPubKey, data []byte, sig core.Signature) bool

	// X25519Generate makes a new encryption key.
	X25519Generate(ctx context.Context) (X25519PubKey, error)

	// BoxSeal encrypts to 'recipient' from 'sender', which we must hold.
	BoxSeal(ctx context.Context, sender, recipient X25519PubKey, plain []byte) ([]byte, error)

	// BoxOpen decrypts a box from 'sender' to 'recipient', which we must hold.
	BoxOpen(ctx context.Context, recipient, sender X25519PubKey, sealed []byte) ([]byte, error)

	// Close releases resources.
	Close() error
}

// Verify checks a signature without a keystore.
func Verify(pub core.AgentPubKey, data []byte, sig core.Signature) bool {
	if pub.IsZero() {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub.Key()), data, sig[:])
}

// SignAction signs the canonical encoding of an action by its author.
func SignAction(ctx context.Context, ks Keystore, a action.Action) (action.SignedAction, error) {
	sig, err := ks.Sign(ctx, a.Author, a.Bytes())
	if err != nil {
		return action.SignedAction{}, err
	}
	return action.SignedAction{Action: a, Signature: sig}, nil
}

// VerifyAction checks that a signed action was signed by its author.
func VerifyAction(sa *action.SignedAction) bool {
	return Verify(sa.Action.Author, sa.Action.Bytes(), sa.Signature)
}

// keyring is the in-memory part shared by every Keystore implementation.
type keyring struct {
	lock    sync.RWMutex
	signing map[core.AgentPubKey]ed25519.PrivateKey
	boxing  map[X25519PubKey]*[32]byte
	rand    io.Reader
}

func newKeyring() *keyring {
	return &keyring{
		signing: make(map[core.AgentPubKey]ed25519.PrivateKey),
		boxing:  make(map[X25519PubKey]*[32]byte),
		rand:    rand.Reader,
	}
}

func (k *keyring) addSigning(seed []byte) core.AgentPubKey {
	priv := ed25519.NewKeyFromSeed(seed)
	pub, err := core.AgentPubKeyFromKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		// Ed25519 public keys are always 32 bytes.
		panic(err)
	}
	k.lock.Lock()
	k.signing[pub] = priv
	k.lock.Unlock()
	return pub
}

func (k *keyring) addBoxing(secret *x25519.Key) X25519PubKey {
	var pub x25519.Key
	x25519.KeyGen(&pub, secret)
	priv := new([32]byte)
	copy(priv[:], secret[:])
	k.lock.Lock()
	k.boxing[X25519PubKey(pub)] = priv
	k.lock.Unlock()
	return X25519PubKey(pub)
}

func (k *keyring) newSeed() ([]byte, error) {
	seed := make([]byte, ed25519.SeedSize)
	_, err := io.ReadFull(k.rand, seed)
	return seed, err
}

func (k *keyring) newX25519Secret() (*x25519.Key, error) {
	var s x25519.Key
	_, err := io.ReadFull(k.rand, s[:])
	return &s, err
}

func (k *keyring) sign(ctx context.Context, pub core.AgentPubKey, data []byte) (core.Signature, error) {
	var sig core.Signature
	if err := ctx.Err(); err != nil {
		return sig, core.FromContextError(err)
	}
	k.lock.RLock()
	priv, ok := k.signing[pub]
	k.lock.RUnlock()
	if !ok {
		return sig, core.ErrNotFound.Errorf("no signing key for %s", pub.Short())
	}
	copy(sig[:], ed25519.Sign(priv, data))
	return sig, nil
}

func (k *keyring) boxKey(pub X25519PubKey) (*[32]byte, error) {
	k.lock.RLock()
	defer k.lock.RUnlock()
	priv, ok := k.boxing[pub]
	if !ok {
		return nil, core.ErrNotFound.Errorf("no x25519 key")
	}
	return priv, nil
}

// Sealed boxes are nonce || box.Seal output.
const nonceLen = 24

func (k *keyring) boxSeal(sender, recipient X25519PubKey, plain []byte) ([]byte, error) {
	priv, err := k.boxKey(sender)
	if err != nil {
		return nil, err
	}
	var nonce [nonceLen]byte
	if _, err := io.ReadFull(k.rand, nonce[:]); err != nil {
		return nil, err
	}
	peer := [32]byte(recipient)
	return box.Seal(nonce[:], plain, &nonce, &peer, priv), nil
}

func (k *keyring) boxOpen(recipient, sender X25519PubKey, sealed []byte) ([]byte, error) {
	priv, err := k.boxKey(recipient)
	if err != nil {
		return nil, err
	}
	if len(sealed) < nonceLen+box.Overhead {
		return nil, core.ErrBadSize.Errorf("sealed box of %d bytes", len(sealed))
	}
	var nonce [nonceLen]byte
	copy(nonce[:], sealed)
	peer := [32]byte(sender)
	out, ok := box.Open(nil, sealed[nonceLen:], &nonce, &peer, priv)
	if !ok {
		return nil, core.ErrWrongKey.Errorf("box didn't open")
	}
	return out, nil
}
