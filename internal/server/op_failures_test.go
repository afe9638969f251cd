// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

func TestOpFailure(t *testing.T) {
	f := NewOpFailure()
	require.Equal(t, core.NoError, f.Get("publish"))

	cfg, err := json.Marshal(map[string]core.Error{"publish": core.ErrPeerUnreachable})
	require.NoError(t, err)
	require.NoError(t, f.Handler(cfg))
	require.Equal(t, core.ErrPeerUnreachable, f.Get("publish"))
	require.Equal(t, core.NoError, f.Get("fetch_request"))

	require.Error(t, f.Handler(json.RawMessage(`["publish"]`)))
	require.Equal(t, core.ErrPeerUnreachable, f.Get("publish"))

	require.NoError(t, f.Handler(nil))
	require.Equal(t, core.NoError, f.Get("publish"))
}
