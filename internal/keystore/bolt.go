// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package keystore

import (
	"bytes"
	"context"
	"os"

	"github.com/boltdb/bolt"
	"github.com/cloudflare/circl/dh/x25519"
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

var (
	mode          = 0600
	metaBucket    = []byte("meta")
	signingBucket = []byte("signing")
	boxingBucket  = []byte("x25519")
	saltKey       = []byte("salt")
	checkKey      = []byte("check")
	checkValue    = []byte("agentdht keystore")
)

// BoltKeystore persists keys in a bolt database. Private key material is
// sealed with a key derived from the passphrase; the public key is the bolt
// key.
type BoltKeystore struct {
	*keyring
	db  *bolt.DB
	key *SecretKey
}

// OpenBolt opens or creates a keystore at 'path'. A passphrase that doesn't
// match the one the keystore was created with gives ErrWrongKey.
func OpenBolt(path string, passphrase []byte) (*BoltKeystore, error) {
	db, err := bolt.Open(path, os.FileMode(mode), nil)
	if err != nil {
		return nil, err
	}
	ks := &BoltKeystore{keyring: newKeyring(), db: db}
	if err := db.Update(func(tx *bolt.Tx) error { return ks.init(tx, passphrase) }); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.View(ks.load); err != nil {
		db.Close()
		return nil, err
	}
	log.Infof("opened keystore %s with %d agents", path, len(ks.signing))
	return ks, nil
}

// init creates buckets, the salt and the key check on first use, and
// verifies the key check afterwards.
func (b *BoltKeystore) init(tx *bolt.Tx, passphrase []byte) error {
	for _, name := range [][]byte{metaBucket, signingBucket, boxingBucket} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return err
		}
	}
	meta := tx.Bucket(metaBucket)
	salt := meta.Get(saltKey)
	if salt == nil {
		var err error
		if salt, err = NewSalt(); err != nil {
			return err
		}
		b.key = DeriveKey(passphrase, salt)
		check, err := SecretBoxSeal(b.key, checkValue)
		if err != nil {
			return err
		}
		if err := meta.Put(saltKey, salt); err != nil {
			return err
		}
		return meta.Put(checkKey, check)
	}
	b.key = DeriveKey(passphrase, salt)
	got, err := SecretBoxOpen(b.key, meta.Get(checkKey))
	if err != nil || !bytes.Equal(got, checkValue) {
		return core.ErrWrongKey.Error()
	}
	return nil
}

func (b *BoltKeystore) load(tx *bolt.Tx) error {
	err := tx.Bucket(signingBucket).ForEach(func(k, v []byte) error {
		seed, err := SecretBoxOpen(b.key, v)
		if err != nil {
			return err
		}
		if pub := b.addSigning(seed); !bytes.Equal(pub.Bytes(), k) {
			log.Errorf("keystore: signing key %x doesn't match its seed", k)
			return core.ErrCorruptData.Error()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return tx.Bucket(boxingBucket).ForEach(func(k, v []byte) error {
		secret, err := SecretBoxOpen(b.key, v)
		if err != nil {
			return err
		}
		var s x25519.Key
		copy(s[:], secret)
		if pub := b.addBoxing(&s); !bytes.Equal(pub[:], k) {
			return core.ErrCorruptData.Error()
		}
		return nil
	})
}

func (b *BoltKeystore) put(bucket, k, secret []byte) error {
	sealed, err := SecretBoxSeal(b.key, secret)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(k, sealed)
	})
}

// GenerateAgent implements Keystore. The key is on disk before it's returned.
func (b *BoltKeystore) GenerateAgent(ctx context.Context) (core.AgentPubKey, error) {
	seed, err := b.newSeed()
	if err != nil {
		return core.AgentPubKey{}, err
	}
	pub := b.addSigning(seed)
	if err := b.put(signingBucket, pub.Bytes(), seed); err != nil {
		b.lock.Lock()
		delete(b.signing, pub)
		b.lock.Unlock()
		return core.AgentPubKey{}, err
	}
	return pub, nil
}

// Sign implements Keystore.
func (b *BoltKeystore) Sign(ctx context.Context, pub core.AgentPubKey, data []byte) (core.Signature, error) {
	return b.sign(ctx, pub, data)
}

// Verify implements Keystore.
func (b *BoltKeystore) Verify(pub core.AgentPubKey, data []byte, sig core.Signature) bool {
	return Verify(pub, data, sig)
}

// X25519Generate implements Keystore.
func (b *BoltKeystore) X25519Generate(ctx context.Context) (X25519PubKey, error) {
	s, err := b.newX25519Secret()
	if err != nil {
		return X25519PubKey{}, err
	}
	pub := b.addBoxing(s)
	if err := b.put(boxingBucket, pub[:], s[:]); err != nil {
		b.lock.Lock()
		delete(b.boxing, pub)
		b.lock.Unlock()
		return X25519PubKey{}, err
	}
	return pub, nil
}

// BoxSeal implements Keystore.
func (b *BoltKeystore) BoxSeal(ctx context.Context, sender, recipient X25519PubKey, plain []byte) ([]byte, error) {
	return b.boxSeal(sender, recipient, plain)
}

// BoxOpen implements Keystore.
func (b *BoltKeystore) BoxOpen(ctx context.Context, recipient, sender X25519PubKey, sealed []byte) ([]byte, error) {
	return b.boxOpen(recipient, sender, sealed)
}

// Agents lists the agents we hold keys for.
func (b *BoltKeystore) Agents() []core.AgentPubKey {
	b.lock.RLock()
	defer b.lock.RUnlock()
	out := make([]core.AgentPubKey, 0, len(b.signing))
	for k := range b.signing {
		out = append(out, k)
	}
	return out
}

// Close implements Keystore.
func (b *BoltKeystore) Close() error {
	return b.db.Close()
}
