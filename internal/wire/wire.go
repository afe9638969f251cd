// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package wire frames messages between peers. A frame is a big endian u32
// length, a kind byte, and a msgpack payload; the length counts the kind
// byte and the payload.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// Kind says what a frame carries.
type Kind uint8

const (
	// KindHello opens a stream and carries the dialer's URL.
	KindHello Kind = 0

	KindAgentInfoPublish Kind = 1
	KindAgentInfoQuery   Kind = 2
	KindGossipRegionSet  Kind = 3
	KindGossipBloom      Kind = 4
	KindFetchRequest     Kind = 5
	KindFetchResponse    Kind = 6
	KindPublish          Kind = 7
	KindCallRemote       Kind = 8

	KindError Kind = 255
)

var kindNames = map[Kind]string{
	KindHello:            "hello",
	KindAgentInfoPublish: "agent_info_publish",
	KindAgentInfoQuery:   "agent_info_query",
	KindGossipRegionSet:  "gossip_region_set",
	KindGossipBloom:      "gossip_bloom",
	KindFetchRequest:     "fetch_request",
	KindFetchResponse:    "fetch_response",
	KindPublish:          "publish",
	KindCallRemote:       "call_remote",
	KindError:            "error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MaxFrameSize bounds the length field of a frame.
const MaxFrameSize = 16 << 20

const headerLen = 5

// WriteFrame writes one frame.
func WriteFrame(w io.Writer, kind Kind, payload []byte) error {
	n := len(payload) + 1
	if n > MaxFrameSize {
		return core.ErrBadSize.Errorf("frame of %d bytes", n)
	}
	buf := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(n))
	buf[4] = byte(kind)
	copy(buf[headerLen:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame. Frames over MaxFrameSize are refused with
// ErrBadSize before their payload is read.
func ReadFrame(r io.Reader) (Kind, []byte, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:4])
	if n == 0 || n > MaxFrameSize {
		return 0, nil, core.ErrBadSize.Errorf("frame of %d bytes", n)
	}
	payload := make([]byte, n-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return Kind(hdr[4]), payload, nil
}

// Encode encodes a payload.
func Encode(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode decodes a payload. Failures are ErrCorruptData.
func Decode(b []byte, v interface{}) error {
	if err := msgpack.Unmarshal(b, v); err != nil {
		return core.ErrCorruptData.Errorf("%s", err)
	}
	return nil
}

// ErrorMsg is the payload of a KindError frame.
type ErrorMsg struct {
	_msgpack struct{} `msgpack:",as_array"`

	Code    core.Error
	Message string
}

// ErrorPayload encodes 'err' for a KindError reply.
func ErrorPayload(err error) []byte {
	m := ErrorMsg{Code: core.ToError(err), Message: err.Error()}
	b, e := Encode(&m)
	if e != nil {
		panic(e)
	}
	return b
}

// AsError turns a KindError payload back into an error carrying the same
// core.Error.
func AsError(payload []byte) error {
	var m ErrorMsg
	if err := Decode(payload, &m); err != nil {
		return err
	}
	if m.Code == core.NoError {
		m.Code = core.ErrUnknown
	}
	return m.Code.Errorf("remote: %s", m.Message)
}

// Hello is the payload of the first frame on a stream.
type Hello struct {
	_msgpack struct{} `msgpack:",as_array"`

	URL string
}
