// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package gossip

import (
	"encoding/binary"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/westerndigitalcorporation/agentdht/internal/arq"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/peerstore"
	"github.com/westerndigitalcorporation/agentdht/internal/region"
	"github.com/westerndigitalcorporation/agentdht/internal/wire"
)

// Module is a kind of gossip round.
type Module uint8

const (
	// Recent gossips the ops of the last RecentThreshold with bloom filters.
	Recent Module = iota
	// Historical gossips older ops by comparing region sets.
	Historical
)

func (m Module) String() string {
	switch m {
	case Recent:
		return "recent"
	case Historical:
		return "historical"
	}
	return fmt.Sprintf("module(%d)", uint8(m))
}

// kind is the frame kind a module's messages travel in.
func (m Module) kind() wire.Kind {
	if m == Historical {
		return wire.KindGossipRegionSet
	}
	return wire.KindGossipBloom
}

// MsgType says which step of a round a message is.
type MsgType uint8

const (
	MsgInitiate MsgType = iota
	MsgAccept
	// MsgAgents carries our agent filter when our arcs don't meet.
	MsgAgents
	// MsgMissingAgents answers MsgAgents, and closes an agents only round.
	MsgMissingAgents
	// MsgOps carries both our agent and op filters.
	MsgOps
	// MsgMissingOpHashes answers MsgOps, a leaf region query, and closes
	// ops rounds. It also carries missing agents.
	MsgMissingOpHashes
	MsgOpBatchReceived
	MsgRegionSet
	MsgRegionDiff
	MsgError
	MsgBusy
	MsgNoAgents
)

var msgNames = map[MsgType]string{
	MsgInitiate:        "initiate",
	MsgAccept:          "accept",
	MsgAgents:          "agents",
	MsgMissingAgents:   "missing_agents",
	MsgOps:             "ops",
	MsgMissingOpHashes: "missing_op_hashes",
	MsgOpBatchReceived: "op_batch_received",
	MsgRegionSet:       "region_set",
	MsgRegionDiff:      "region_diff",
	MsgError:           "error",
	MsgBusy:            "busy",
	MsgNoAgents:        "no_agents",
}

func (t MsgType) String() string {
	if s, ok := msgNames[t]; ok {
		return s
	}
	return fmt.Sprintf("msg(%d)", uint8(t))
}

// Message is the payload of gossip frames. Which parts are set depends on
// Type.
type Message struct {
	_msgpack struct{} `msgpack:",as_array"`

	Type  MsgType
	Space core.DnaHash
	Round string

	Initiate        *Initiate
	Accept          *Accept
	Agents          *Filter
	MissingAgents   []*peerstore.AgentInfoSigned
	Ops             *Ops
	MissingOpHashes []core.DhtOpHash
	RegionSet       *region.Set
	RegionDiff      *RegionDiff
	Error           *wire.ErrorMsg
}

// Initiate opens a round.
type Initiate struct {
	_msgpack struct{} `msgpack:",as_array"`

	Module Module
	// Intervals are the arqs of the initiator's local agents.
	Intervals []arq.Arq
	AgentList []*peerstore.AgentInfoSigned
}

// Accept agrees to a round.
type Accept struct {
	_msgpack struct{} `msgpack:",as_array"`

	Intervals []arq.Arq
	AgentList []*peerstore.AgentInfoSigned
}

// Window is a range [From, To) of authored times.
type Window struct {
	_msgpack struct{} `msgpack:",as_array"`

	From, To core.Timestamp
}

// Ops is a filter over the ops in the common arcs and the window.
type Ops struct {
	_msgpack struct{} `msgpack:",as_array"`

	Filter *Filter
	Window Window
}

// RegionDiff queries the aggregates of regions, or the op hashes of one
// leaf region. A reply carries Data in the order of the query.
type RegionDiff struct {
	_msgpack struct{} `msgpack:",as_array"`

	Coords []region.Coords
	Leaf   bool
	Data   []region.Data
}

// Filter is an encoded bloom filter.
type Filter struct {
	_msgpack struct{} `msgpack:",as_array"`

	Bits []byte

	bf *bloom.BloomFilter
}

// NewFilter returns a filter holding 'keys', sized for 'fp' false
// positives.
func NewFilter(fp float64, keys [][]byte) (*Filter, error) {
	bf := bloom.NewWithEstimates(uint(max(len(keys), 1)), fp)
	for _, k := range keys {
		bf.Add(k)
	}
	b, err := bf.GobEncode()
	if err != nil {
		return nil, err
	}
	return &Filter{Bits: b, bf: bf}, nil
}

// Has returns true if 'key' may be in the filter.
func (f *Filter) Has(key []byte) bool {
	return f.bf.Test(key)
}

// decode restores a received filter.
func (f *Filter) decode() error {
	if f.bf != nil {
		return nil
	}
	var bf bloom.BloomFilter
	if err := bf.GobDecode(f.Bits); err != nil {
		return core.ErrCorruptData.Errorf("bad bloom filter: %s", err)
	}
	f.bf = &bf
	return nil
}

func opKey(h core.DhtOpHash) []byte {
	return h.Core()
}

// agentKey names a version of an agent info, so a newer one gets through a
// filter holding an older one.
func agentKey(i *peerstore.AgentInfoSigned) []byte {
	k := i.Info.Agent.Core()
	return binary.BigEndian.AppendUint64(k, uint64(i.Info.SignedAtMs))
}

func errorMessage(err error) *Message {
	return &Message{Type: MsgError, Error: &wire.ErrorMsg{Code: core.ToError(err), Message: err.Error()}}
}

func (m *Message) err() error {
	if m.Error == nil {
		return core.ErrUnknown.Errorf("remote sent an empty error")
	}
	code := m.Error.Code
	if code == core.NoError {
		code = core.ErrUnknown
	}
	return code.Errorf("remote: %s", m.Error.Message)
}
