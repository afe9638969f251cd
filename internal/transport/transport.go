// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package transport moves framed requests between peers identified by URL.
package transport

import (
	"context"
	"sync"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/wire"
)

// Transport sends requests to peers and hands out the requests they send.
type Transport interface {
	// Send sends a request and waits for the reply. A KindError reply is
	// returned as an error.
	Send(ctx context.Context, url string, kind wire.Kind, payload []byte) (wire.Kind, []byte, error)

	// Incoming returns the requests other peers sent us. Every request
	// must be responded to exactly once.
	Incoming() <-chan *Request

	// URL returns the URL peers reach us at.
	URL() string

	Close() error
}

// Request is an inbound request.
type Request struct {
	From    string
	Kind    wire.Kind
	Payload []byte

	once  sync.Once
	reply chan<- frame
}

type frame struct {
	kind    wire.Kind
	payload []byte
}

func newRequest(from string, kind wire.Kind, payload []byte) (*Request, <-chan frame) {
	ch := make(chan frame, 1)
	return &Request{From: from, Kind: kind, Payload: payload, reply: ch}, ch
}

// Respond sends the reply. Calls after the first are ignored.
func (r *Request) Respond(kind wire.Kind, payload []byte) {
	r.once.Do(func() { r.reply <- frame{kind, payload} })
}

// RespondError replies with an error frame.
func (r *Request) RespondError(err error) {
	r.Respond(wire.KindError, wire.ErrorPayload(err))
}

func replyOf(f frame) (wire.Kind, []byte, error) {
	if f.kind == wire.KindError {
		return f.kind, nil, wire.AsError(f.payload)
	}
	return f.kind, f.payload, nil
}

// enqueue hands 'req' to 'in', giving up when 'ctx' is done. A full queue
// is how a busy node pushes back.
func enqueue(ctx context.Context, in chan<- *Request, req *Request) error {
	select {
	case in <- req:
		return nil
	case <-ctx.Done():
		return core.ErrDeadlineExceeded.Errorf("inbound queue full")
	}
}
