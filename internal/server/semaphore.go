// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"context"
	"time"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// Semaphore implementation using Go channel.
type Semaphore chan struct{}

// NewSemaphore creates a new semaphore with 'max' number of permits.
func NewSemaphore(max int) Semaphore {
	return make(Semaphore, max)
}

// Acquire tries to acquire a permit from the semaphore, blocking
// until one becomes available.
func (s Semaphore) Acquire() {
	s <- struct{}{}
}

// AcquireTimeout waits for a permit until 'timeout' passes or ctx is done,
// whichever comes first. Both cases return ErrTimeout.
func (s Semaphore) AcquireTimeout(ctx context.Context, timeout time.Duration) error {
	select {
	case s <- struct{}{}:
		return nil
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case s <- struct{}{}:
		return nil
	case <-t.C:
		return core.ErrTimeout.Errorf("no permit after %s", timeout)
	case <-ctx.Done():
		return core.FromContextError(ctx.Err())
	}
}

// Release releases a permit to the semaphore.
func (s Semaphore) Release() {
	<-s
}

// TryAcquire tries to acquire a permit from the semaphore. It
// succeeds if and only if one is available at the invocation time.
func (s Semaphore) TryAcquire() bool {
	select {
	case s <- struct{}{}:
		return true
	default:
		return false
	}
}

// InUse returns the number of permits held.
func (s Semaphore) InUse() int {
	return len(s)
}
