// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error is our own defined error type. It is small enough to be sent over the
// wire as a single integer and mapped back to the same Go error on the other
// side.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	//------ Integrity errors ------//

	// ErrGenesisMissing is returned when a chain hasn't got its three genesis
	// actions (Dna, AgentValidationPkg, Create(Agent)).
	ErrGenesisMissing

	// ErrMissingHead is returned when the chain head we expected is not in
	// storage.
	ErrMissingHead

	// ErrHeaderAndEntryMismatch is returned when an entry doesn't hash to the
	// entry hash carried by its action.
	ErrHeaderAndEntryMismatch

	// ErrInvalidSignature is returned when a signature does not verify.
	ErrInvalidSignature

	// ErrSequenceGap is returned when an action's sequence number is not one
	// more than its predecessor's.
	ErrSequenceGap

	// ErrForkDetected is returned when two actions claim the same previous
	// action.
	ErrForkDetected

	//------ Concurrency errors ------//

	// ErrHeadMoved is returned when another writer advanced the chain head
	// since the scratch was opened. The caller can retry.
	ErrHeadMoved

	// ErrChainLocked is returned when a countersigning session holds the
	// chain lock.
	ErrChainLocked

	// ErrTimeout is returned when the operation deadline expired.
	ErrTimeout

	//------ Authorization errors ------//

	// ErrUnauthorized is returned when a host function is called outside the
	// permissions of the call context.
	ErrUnauthorized

	// ErrMembraneRejected is returned when a membrane proof is rejected.
	ErrMembraneRejected

	//------ Resource errors ------//

	// ErrStorageFull is returned when a database can't take more data.
	ErrStorageFull

	// ErrTooManyPendingFetches is returned when the fetch pool is over its
	// high-water mark.
	ErrTooManyPendingFetches

	// ErrBadSize is returned when something is too big or too small.
	ErrBadSize

	//------ Network errors ------//

	// ErrPeerUnreachable is returned if we fail to talk to a peer.
	ErrPeerUnreachable

	// ErrIncompatible is returned when gossip parameters are too far apart
	// to be reconciled.
	ErrIncompatible

	// ErrDeadlineExceeded is returned when a remote request ran out of time.
	ErrDeadlineExceeded

	//------ Application errors ------//

	// ErrValidationFailed is returned when an op was found invalid.
	ErrValidationFailed

	// ErrUnresolvedDependencies is returned when validation needs data we
	// don't have yet.
	ErrUnresolvedDependencies

	//------ Errors from any level ------//

	// ErrChainEmpty is returned when asking for the head of a chain with no
	// actions.
	ErrChainEmpty

	// ErrNotFound is returned when a looked up thing does not exist.
	ErrNotFound

	// ErrInvalidArgument is returned if an argument is bad or confusing.
	ErrInvalidArgument

	// ErrCorruptData is returned if stored or received bytes don't decode.
	ErrCorruptData

	// ErrWrongKey is returned when an encrypted database or keystore is
	// opened with the wrong passphrase.
	ErrWrongKey

	// ErrClosed is returned for calls after Close.
	ErrClosed

	//------ Meta-error ------//

	// ErrUnknown is an error that we're not really sure about.
	ErrUnknown
)

var description = map[Error]string{
	NoError: "no error",

	ErrGenesisMissing:         "source chain genesis is missing",
	ErrMissingHead:            "chain head is missing from storage",
	ErrHeaderAndEntryMismatch: "entry does not match the hash in its action",
	ErrInvalidSignature:       "signature does not verify",
	ErrSequenceGap:            "action sequence is not contiguous",
	ErrForkDetected:           "source chain fork detected",

	ErrHeadMoved:   "chain head moved since the scratch was opened",
	ErrChainLocked: "source chain is locked",
	ErrTimeout:     "operation timed out",

	ErrUnauthorized:     "host function not permitted in this call context",
	ErrMembraneRejected: "membrane proof rejected",

	ErrStorageFull:           "storage is full",
	ErrTooManyPendingFetches: "too many pending fetches",
	ErrBadSize:               "bad size",

	ErrPeerUnreachable:  "peer unreachable",
	ErrIncompatible:     "gossip parameters incompatible",
	ErrDeadlineExceeded: "remote deadline exceeded",

	ErrValidationFailed:       "validation failed",
	ErrUnresolvedDependencies: "unresolved dependencies",

	ErrChainEmpty:      "source chain is empty",
	ErrNotFound:        "not found",
	ErrInvalidArgument: "invalid argument",
	ErrCorruptData:     "corrupt data",
	ErrWrongKey:        "wrong encryption key",
	ErrClosed:          "closed",

	ErrUnknown: "unknown error",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return fmt.Sprintf("error(%d)", int(e))
}

// Error returns a golang error object with an error message corresponding to
// this core.Error.
func (e Error) Error() error {
	if e == NoError {
		return nil
	}
	return goError(e)
}

// Is checks whether the generic Go error 'g' is actually the receiver error
// underneath, looking through wrapping.
func (e Error) Is(g error) bool {
	var b goError
	return errors.As(g, &b) && Error(b) == e
}

// goError is a wrapper type to make our Error act like Go's 'error'
type goError Error

// Error implements the 'error' interface.
func (g goError) Error() string {
	return (Error)(g).String()
}

// CoreError gets the underlying core.Error from an error.
func CoreError(err error) (Error, bool) {
	if err == nil {
		return NoError, true
	}
	var g goError
	if errors.As(err, &g) {
		return Error(g), true
	}
	return ErrUnknown, false
}

// ToError converts any error to a core.Error, ErrUnknown if it isn't one.
func ToError(err error) Error {
	e, _ := CoreError(err)
	return e
}

// IsRetriable checks if err is a core.Error that is worth retrying.
func IsRetriable(err error) bool {
	e, ok := CoreError(err)
	return ok && IsRetriableError(e)
}

// IsRetriableError checks if we should retry on a given returned error.
// We consider errors that might be transient to be retriable errors.
func IsRetriableError(err Error) bool {
	switch err {
	case ErrHeadMoved, // Re-open the scratch on the new head.
		ErrChainLocked, // Session may finish or expire.
		ErrTimeout,
		ErrPeerUnreachable, // Try another source.
		ErrDeadlineExceeded,
		ErrTooManyPendingFetches, // Pool will drain.
		ErrStorageFull:
		return true
	}
	return false
}

// IsIntegrityError reports whether err is one of the integrity kinds. Those
// are fatal locally and warrantable remotely.
func IsIntegrityError(err error) bool {
	switch ToError(err) {
	case ErrGenesisMissing, ErrMissingHead, ErrHeaderAndEntryMismatch,
		ErrInvalidSignature, ErrSequenceGap, ErrForkDetected:
		return true
	}
	return false
}

// FromContextError maps context errors to ErrTimeout.
func FromContextError(err error) error {
	switch err {
	case nil:
		return nil
	case context.DeadlineExceeded, context.Canceled:
		return ErrTimeout.Error()
	}
	return err
}

// Errorf wraps a core.Error with some detail. The result still matches the
// kind with errors.Is and CoreError.
func (e Error) Errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", e.Error(), fmt.Sprintf(format, args...))
}

// ValidationError is an ErrValidationFailed with the reason the validator gave.
type ValidationError struct {
	Reason string
}

func (v *ValidationError) Error() string {
	return "validation failed: " + v.Reason
}

// Unwrap lets errors.Is find ErrValidationFailed.
func (v *ValidationError) Unwrap() error {
	return ErrValidationFailed.Error()
}

// UnresolvedError is an ErrUnresolvedDependencies carrying the missing hashes.
type UnresolvedError struct {
	Deps []AnyDhtHash
}

func (u *UnresolvedError) Error() string {
	parts := make([]string, len(u.Deps))
	for i, d := range u.Deps {
		parts[i] = d.Short()
	}
	return "unresolved dependencies: " + strings.Join(parts, ",")
}

// Unwrap lets errors.Is find ErrUnresolvedDependencies.
func (u *UnresolvedError) Unwrap() error {
	return ErrUnresolvedDependencies.Error()
}
