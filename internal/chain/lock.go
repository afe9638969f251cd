// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package chain

import (
	"bytes"
	"context"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
)

// LockChain locks the chain for a countersigning session until 'expiresAt'.
// While it's held, only a commit whose scratch carries 'subject' succeeds.
// It returns the new lock id, or ErrChainLocked if another unexpired lock
// is held.
func (c *SourceChain) LockChain(ctx context.Context, subject []byte, expiresAt core.Timestamp) (string, error) {
	if len(subject) == 0 {
		return "", core.ErrInvalidArgument.Errorf("lock without subject")
	}
	if err := c.lockAuthor(ctx); err != nil {
		return "", err
	}
	defer c.locks.Unlock(c.author)

	id := core.GenRequestID()
	err := c.authored.Write(ctx, func(txn *store.Txn) error {
		old, err := txn.GetChainLock(c.author)
		if err != nil {
			return err
		}
		if old != nil && old.ExpiresAt > c.now() {
			return core.ErrChainLocked.Errorf("lock %s until %s", old.LockID, old.ExpiresAt)
		}
		return txn.PutChainLock(c.author, store.ChainLock{LockID: id, ExpiresAt: expiresAt, Subject: subject})
	})
	if err != nil {
		return "", err
	}
	log.V(1).Infof("chain: %s locked by %s until %s", c.author.Short(), id, expiresAt)
	return id, nil
}

// UnlockChain releases the lock with id 'lockID'. Unlocking a chain that
// isn't locked is fine; unlocking someone else's lock is ErrChainLocked.
func (c *SourceChain) UnlockChain(ctx context.Context, lockID string) error {
	if err := c.lockAuthor(ctx); err != nil {
		return err
	}
	defer c.locks.Unlock(c.author)

	return c.authored.Write(ctx, func(txn *store.Txn) error {
		old, err := txn.GetChainLock(c.author)
		if err != nil || old == nil {
			return err
		}
		if old.LockID != lockID {
			return core.ErrChainLocked.Errorf("lock is %s, not %s", old.LockID, lockID)
		}
		return txn.DeleteChainLock(c.author)
	})
}

// IsChainLocked returns true if an unexpired lock would stop a commit
// carrying 'subject'. A nil subject asks about any lock.
func (c *SourceChain) IsChainLocked(ctx context.Context, subject []byte) (locked bool, err error) {
	err = c.authored.Read(ctx, func(txn *store.Txn) error {
		l, err := txn.GetChainLock(c.author)
		if err != nil || l == nil || l.ExpiresAt <= c.now() {
			return err
		}
		locked = subject == nil || !bytes.Equal(l.Subject, subject)
		return nil
	})
	return
}
