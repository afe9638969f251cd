// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package action

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// Encode returns the canonical msgpack encoding of v. Map keys are sorted so
// the same value always produces the same bytes.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode decodes canonical msgpack into v. Decoding errors are reported as
// ErrCorruptData.
func Decode(b []byte, v interface{}) error {
	if err := msgpack.Unmarshal(b, v); err != nil {
		if _, ok := core.CoreError(err); ok {
			return err
		}
		return core.ErrCorruptData.Errorf("%s", err)
	}
	return nil
}
