// Copyright (c) 2017 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"github.com/google/uuid"
)

// GenRequestID returns a unique string used to match replies to requests and
// to name countersigning sessions.
func GenRequestID() string {
	return uuid.NewString()
}
