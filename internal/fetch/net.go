// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package fetch

import (
	"context"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/dhtop"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
	"github.com/westerndigitalcorporation/agentdht/internal/transport"
	"github.com/westerndigitalcorporation/agentdht/internal/wire"
)

// Request is the payload of a KindFetchRequest frame.
type Request struct {
	_msgpack struct{} `msgpack:",as_array"`

	Space  core.DnaHash
	Hashes []core.DhtOpHash
}

// Response is the payload of a KindFetchResponse frame: the encoded ops
// the peer holds, in no particular order.
type Response struct {
	_msgpack struct{} `msgpack:",as_array"`

	Ops [][]byte
}

// NetFetcher fetches over a transport.
type NetFetcher struct {
	Transport transport.Transport
}

// Fetch implements Fetcher.
func (f NetFetcher) Fetch(ctx context.Context, source string, space core.DnaHash, keys []Key) ([]*dhtop.DhtOp, error) {
	req, err := wire.Encode(&Request{Space: space, Hashes: keys})
	if err != nil {
		return nil, err
	}
	kind, reply, err := f.Transport.Send(ctx, source, wire.KindFetchRequest, req)
	if err != nil {
		return nil, err
	}
	if kind != wire.KindFetchResponse {
		return nil, core.ErrCorruptData.Errorf("%s answered a fetch with %s", source, kind)
	}
	var resp Response
	if err := wire.Decode(reply, &resp); err != nil {
		return nil, err
	}
	out := make([]*dhtop.DhtOp, 0, len(resp.Ops))
	for _, b := range resp.Ops {
		o, err := dhtop.Decode(b)
		if err != nil {
			log.Warningf("fetch: undecodable op from %s: %s", source, err)
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// MaxServed bounds how many ops one fetch request is answered with.
const MaxServed = 1000

// Serve answers a fetch request from the ops held in 'dbs', looked up in
// order. Rejected ops aren't served.
func Serve(ctx context.Context, payload []byte, dbs ...*store.DB) ([]byte, error) {
	var req Request
	if err := wire.Decode(payload, &req); err != nil {
		return nil, err
	}
	if len(req.Hashes) > MaxServed {
		return nil, core.ErrBadSize.Errorf("fetch of %d ops", len(req.Hashes))
	}
	var resp Response
	found := make(map[core.DhtOpHash]bool)
	for _, db := range dbs {
		err := db.Read(ctx, func(txn *store.Txn) error {
			for _, h := range req.Hashes {
				if found[h] {
					continue
				}
				r, err := txn.GetOp(h)
				if core.ErrNotFound.Is(err) {
					continue
				} else if err != nil {
					return err
				}
				if r.Status == store.StatusRejected {
					continue
				}
				found[h] = true
				resp.Ops = append(resp.Ops, r.Blob)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return wire.Encode(&resp)
}
