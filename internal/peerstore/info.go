// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package peerstore

import (
	"context"
	"fmt"
	"time"

	"github.com/westerndigitalcorporation/agentdht/internal/action"
	"github.com/westerndigitalcorporation/agentdht/internal/arq"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/keystore"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
)

// AgentInfo says where an agent can be reached in a space and which part
// of the ring it holds.
type AgentInfo struct {
	_msgpack struct{} `msgpack:",as_array"`

	Agent       core.AgentPubKey
	Space       core.DnaHash
	URLs        []string
	SignedAtMs  int64
	ExpiresAtMs int64
	Arq         arq.Arq
}

// Bytes returns the canonical encoding, which is what gets signed.
func (i *AgentInfo) Bytes() []byte {
	b, err := action.Encode(i)
	if err != nil {
		panic(err)
	}
	return b
}

// Expired returns true if the info is no longer good at 'now'.
func (i *AgentInfo) Expired(now time.Time) bool {
	return i.ExpiresAtMs <= now.UnixMilli()
}

// StorageArc returns the arc the agent holds.
func (i *AgentInfo) StorageArc() arq.Arc {
	return i.Arq.ToArc()
}

// AgentInfoSigned is an AgentInfo signed by the agent.
type AgentInfoSigned struct {
	_msgpack struct{} `msgpack:",as_array"`

	Info      AgentInfo
	Signature core.Signature
}

// Sign signs 'info' with the agent's key, stamping it with 'now' and an
// expiry 'ttl' later.
func Sign(ctx context.Context, ks keystore.Keystore, info AgentInfo, now time.Time, ttl time.Duration) (*AgentInfoSigned, error) {
	info.SignedAtMs = now.UnixMilli()
	info.ExpiresAtMs = now.Add(ttl).UnixMilli()
	sig, err := ks.Sign(ctx, info.Agent, info.Bytes())
	if err != nil {
		return nil, err
	}
	return &AgentInfoSigned{Info: info, Signature: sig}, nil
}

// Verify checks the signature and that the info is well formed.
func (s *AgentInfoSigned) Verify() error {
	if s.Info.Agent.IsZero() || s.Info.Space.IsZero() {
		return core.ErrInvalidArgument.Errorf("agent info without agent or space")
	}
	if s.Info.ExpiresAtMs <= s.Info.SignedAtMs {
		return core.ErrInvalidArgument.Errorf("agent info of %s expires before it's signed", s.Info.Agent.Short())
	}
	if !keystore.Verify(s.Info.Agent, s.Info.Bytes(), s.Signature) {
		return core.ErrInvalidSignature.Errorf("agent info of %s", s.Info.Agent.Short())
	}
	return nil
}

// Encode returns the wire form.
func (s *AgentInfoSigned) Encode() ([]byte, error) {
	return action.Encode(s)
}

// DecodeSigned decodes and verifies a signed agent info.
func DecodeSigned(b []byte) (*AgentInfoSigned, error) {
	var s AgentInfoSigned
	if err := action.Decode(b, &s); err != nil {
		return nil, err
	}
	if err := s.Verify(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *AgentInfoSigned) String() string {
	return fmt.Sprintf("agentinfo(%s %v %s)", s.Info.Agent.Short(), s.Info.URLs, s.Info.Arq)
}

// Arc kinds as stored in the AgentInfo table.
const (
	arcEmpty uint8 = iota
	arcFull
	arcBounded
)

func (s *AgentInfoSigned) row() (*store.AgentInfoRow, error) {
	blob, err := s.Encode()
	if err != nil {
		return nil, err
	}
	r := &store.AgentInfoRow{
		Agent:       s.Info.Agent.Core(),
		Space:       s.Info.Space.Core(),
		SignedAtMs:  s.Info.SignedAtMs,
		ExpiresAtMs: s.Info.ExpiresAtMs,
		Blob:        blob,
	}
	switch a := s.Info.StorageArc(); {
	case a.IsEmpty():
		r.ArcKind = arcEmpty
	case a.IsFull():
		r.ArcKind = arcFull
	default:
		r.ArcKind = arcBounded
		r.ArcStart, r.ArcEnd = uint32(a.Start()), uint32(a.End())
	}
	return r, nil
}

func fromRow(r *store.AgentInfoRow) (*AgentInfoSigned, error) {
	var s AgentInfoSigned
	if err := action.Decode(r.Blob, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
