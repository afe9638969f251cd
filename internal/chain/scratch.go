// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package chain

import (
	"github.com/westerndigitalcorporation/agentdht/internal/action"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
)

type staged struct {
	Action action.Action
	Entry  *action.Entry
}

// Scratch holds actions staged for one commit. It lives in memory only;
// dropping it abandons the staged actions.
type Scratch struct {
	base    store.Head
	staged  []staged
	subject []byte
}

// Base returns the head the scratch was opened on.
func (s *Scratch) Base() store.Head {
	return s.base
}

// Len returns the number of staged actions.
func (s *Scratch) Len() int {
	return len(s.staged)
}

// SetSubject binds the scratch to a countersigning session. Committing it
// releases a chain lock with the same subject.
func (s *Scratch) SetSubject(subject []byte) {
	s.subject = append([]byte(nil), subject...)
}

// Records returns the staged actions as unsigned records, in order.
func (s *Scratch) Records() []action.Record {
	out := make([]action.Record, len(s.staged))
	for i, st := range s.staged {
		out[i] = action.NewRecord(action.SignedAction{Action: st.Action}, st.Entry)
	}
	return out
}

// Has returns true if an action with hash 'h' is staged.
func (s *Scratch) Has(h core.ActionHash) bool {
	for _, st := range s.staged {
		if st.Action.Hash() == h {
			return true
		}
	}
	return false
}

func (s *Scratch) top() store.Head {
	if n := len(s.staged); n > 0 {
		a := &s.staged[n-1].Action
		return store.Head{Hash: a.Hash(), Seq: a.Seq, Timestamp: a.Timestamp}
	}
	return s.base
}
