// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package integrate

import (
	"context"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/dhtop"
)

// OutcomeKind is what an app validator decided.
type OutcomeKind uint8

const (
	OutcomeValid OutcomeKind = iota
	OutcomeInvalid
	OutcomeUnresolved
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeValid:
		return "valid"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeUnresolved:
		return "unresolved"
	}
	return "unknown"
}

// Outcome is the result of app validation. Reason is set for Invalid, Deps
// for Unresolved.
type Outcome struct {
	_msgpack struct{} `msgpack:",as_array"`

	Kind   OutcomeKind
	Reason string
	Deps   []core.AnyDhtHash
}

// Valid is the outcome of an op that passed.
var Valid = Outcome{Kind: OutcomeValid}

// Invalid returns the outcome of an op the app rejects.
func Invalid(reason string) Outcome {
	return Outcome{Kind: OutcomeInvalid, Reason: reason}
}

// Unresolved returns the outcome of an op that can't be decided until
// 'deps' are held.
func Unresolved(deps ...core.AnyDhtHash) Outcome {
	return Outcome{Kind: OutcomeUnresolved, Deps: deps}
}

// Err returns nil for valid outcomes, and a *core.ValidationError or
// *core.UnresolvedError otherwise.
func (o Outcome) Err() error {
	switch o.Kind {
	case OutcomeValid:
		return nil
	case OutcomeUnresolved:
		return &core.UnresolvedError{Deps: o.Deps}
	}
	return &core.ValidationError{Reason: o.Reason}
}

// OutcomeFromError is the inverse of Err.
func OutcomeFromError(err error) Outcome {
	switch e := err.(type) {
	case nil:
		return Valid
	case *core.UnresolvedError:
		return Unresolved(e.Deps...)
	case *core.ValidationError:
		return Invalid(e.Reason)
	}
	return Invalid(err.Error())
}

// AppValidator runs the application's validation rules on an op that passed
// system validation. 'deps' are the held ops of the action the op depends
// on, if any. An error means the validator couldn't run; the op is tried
// again on a later pass.
type AppValidator interface {
	Validate(ctx context.Context, op *dhtop.DhtOp, deps []*dhtop.DhtOp) (Outcome, error)
}

// AppValidatorFunc adapts a function to AppValidator.
type AppValidatorFunc func(ctx context.Context, op *dhtop.DhtOp, deps []*dhtop.DhtOp) (Outcome, error)

// Validate implements AppValidator.
func (f AppValidatorFunc) Validate(ctx context.Context, op *dhtop.DhtOp, deps []*dhtop.DhtOp) (Outcome, error) {
	return f(ctx, op, deps)
}
