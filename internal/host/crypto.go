// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package host

import (
	"context"
	"crypto/rand"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/keystore"
)

// MaxRandomBytes is the most random_bytes hands out per call.
const MaxRandomBytes = 1 << 20

func (inv *Invocation) crypto(ctx context.Context, e Envelope) (interface{}, error) {
	ks := inv.h.env.Keystore
	switch e.Fn {
	case FnSign:
		var in SignInput
		if err := decodeIn(e, &in); err != nil {
			return nil, err
		}
		if in.Key != inv.h.Agent() {
			return nil, core.ErrUnauthorized.Errorf("sign with %s, the cell is %s", in.Key.Short(), inv.h.Agent().Short())
		}
		return ks.Sign(ctx, in.Key, in.Data)

	case FnVerifySignature:
		var in VerifyInput
		if err := decodeIn(e, &in); err != nil {
			return nil, err
		}
		return keystore.Verify(in.Key, in.Data, in.Signature), nil

	case FnHash:
		var in HashInput
		if err := decodeIn(e, &in); err != nil {
			return nil, err
		}
		switch in.Type {
		case core.HashTypeEntry, core.HashTypeAction, core.HashTypeExternal:
		default:
			return nil, core.ErrInvalidArgument.Errorf("can't hash into a %s", in.Type)
		}
		return core.HashBlocking(ctx, in.Type, in.Data)

	case FnCreateX25519Keypair:
		return ks.X25519Generate(ctx)

	case FnX25519Encrypt, FnX25519Decrypt:
		var in X25519Input
		if err := decodeIn(e, &in); err != nil {
			return nil, err
		}
		if e.Fn == FnX25519Encrypt {
			return ks.BoxSeal(ctx, in.Ours, in.Theirs, in.Data)
		}
		return ks.BoxOpen(ctx, in.Ours, in.Theirs, in.Data)

	case FnXSalsa20Poly1305Encrypt, FnXSalsa20Poly1305Decrypt:
		var in SecretBoxInput
		if err := decodeIn(e, &in); err != nil {
			return nil, err
		}
		if e.Fn == FnXSalsa20Poly1305Encrypt {
			return keystore.SecretBoxSeal(&in.Key, in.Data)
		}
		return keystore.SecretBoxOpen(&in.Key, in.Data)

	case FnRandomBytes:
		var n uint32
		if err := decodeIn(e, &n); err != nil {
			return nil, err
		}
		if n > MaxRandomBytes {
			return nil, core.ErrBadSize.Errorf("random_bytes(%d)", n)
		}
		b := make([]byte, n)
		if _, err := rand.Read(b); err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, core.ErrInvalidArgument.Errorf("unknown host function %s", e.Fn)
}
