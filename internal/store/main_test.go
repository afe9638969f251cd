// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package store

import (
	"testing"

	"github.com/westerndigitalcorporation/agentdht/pkg/testutil"
)

func TestMain(m *testing.M) {
	testutil.TestMain(m)
}
