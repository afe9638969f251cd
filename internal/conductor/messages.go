// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package conductor

import (
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/host"
)

// PublishMsg is the payload of a KindPublish frame: ops sent to an
// authority of their basis. The reply is an empty KindPublish frame.
type PublishMsg struct {
	_msgpack struct{} `msgpack:",as_array"`

	Space core.DnaHash
	Ops   [][]byte
}

// InfoPushMsg is the payload of a KindAgentInfoPublish frame.
type InfoPushMsg struct {
	_msgpack struct{} `msgpack:",as_array"`

	Infos [][]byte
}

// InfoQuery is the payload of a KindAgentInfoQuery frame. It asks for up
// to Limit agents of Space whose arcs hold Near.
type InfoQuery struct {
	_msgpack struct{} `msgpack:",as_array"`

	Space core.DnaHash
	Near  core.Loc
	Limit uint32
}

// RemoteCallMsg is the payload of a KindCallRemote frame. Call is an
// encoded SignedCall, signed by the caller. The reply carries the output
// of the called function.
type RemoteCallMsg struct {
	_msgpack struct{} `msgpack:",as_array"`

	Call      []byte
	Signature core.Signature
}

// SignedCall is what a caller signs. The callee refuses calls past
// ExpiresAtMs.
type SignedCall struct {
	_msgpack struct{} `msgpack:",as_array"`

	Call        host.RemoteCall
	ExpiresAtMs int64
}
