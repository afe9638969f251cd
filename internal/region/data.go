// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package region

import (
	"encoding/hex"
	"fmt"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
)

// Data aggregates the ops in a region. Adding and subtracting commute, so
// the aggregate of a region is the sum of the aggregates of its parts.
type Data struct {
	_msgpack struct{} `msgpack:",as_array"`

	Hash  [core.DigestLen]byte
	Count uint32
	Size  uint32
}

// DataOf aggregates a list of ops.
func DataOf(ops []store.OpLite) (d Data) {
	for _, o := range ops {
		d.AddOp(o)
	}
	return
}

// AddOp adds one op.
func (d *Data) AddOp(o store.OpLite) {
	d.Add(Data{Hash: o.Hash.Digest32(), Count: 1, Size: o.Size})
}

// Add adds another aggregate.
func (d *Data) Add(o Data) {
	for i := range d.Hash {
		d.Hash[i] ^= o.Hash[i]
	}
	d.Count += o.Count
	d.Size += o.Size
}

// Sub removes an aggregate that was added before.
func (d *Data) Sub(o Data) {
	for i := range d.Hash {
		d.Hash[i] ^= o.Hash[i]
	}
	d.Count -= o.Count
	d.Size -= o.Size
}

// Equal compares aggregates.
func (d Data) Equal(o Data) bool {
	return d.Hash == o.Hash && d.Count == o.Count && d.Size == o.Size
}

// IsEmpty returns true if no ops were added.
func (d Data) IsEmpty() bool {
	return d.Count == 0
}

func (d Data) String() string {
	return fmt.Sprintf("data(%s n=%d sz=%d)", hex.EncodeToString(d.Hash[:4]), d.Count, d.Size)
}
