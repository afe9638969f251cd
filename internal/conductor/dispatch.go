// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package conductor

import (
	"context"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/fetch"
	"github.com/westerndigitalcorporation/agentdht/internal/gossip"
	"github.com/westerndigitalcorporation/agentdht/internal/peerstore"
	"github.com/westerndigitalcorporation/agentdht/internal/server"
	"github.com/westerndigitalcorporation/agentdht/internal/transport"
	"github.com/westerndigitalcorporation/agentdht/internal/wire"
)

var inboundOps = server.NewOpMetric("conductor", "inbound", "kind")

// inboundKinds are the frame kinds peers may send us.
var inboundKinds = []wire.Kind{
	wire.KindAgentInfoPublish,
	wire.KindAgentInfoQuery,
	wire.KindGossipRegionSet,
	wire.KindGossipBloom,
	wire.KindFetchRequest,
	wire.KindPublish,
	wire.KindCallRemote,
}

// dispatchLoop serves inbound requests, at most InboundWorkers at a time.
func (c *Conductor) dispatchLoop(ctx context.Context) {
	in := c.tr.Incoming()
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-in:
			if !ok {
				return
			}
			c.inbound.Acquire()
			go func() {
				defer c.inbound.Release()
				c.handle(ctx, req)
			}()
		}
	}
}

// handle serves one request. Gossip answers by itself; everything else is
// answered here.
func (c *Conductor) handle(ctx context.Context, req *transport.Request) {
	op := inboundOps.Start(req.Kind.String())
	if e := c.opFailure.Get(req.Kind.String()); e != core.NoError {
		err := e.Errorf("injected %s failure", req.Kind)
		req.RespondError(err)
		op.EndWithError(err)
		return
	}
	if req.Kind == wire.KindGossipBloom || req.Kind == wire.KindGossipRegionSet {
		var m gossip.Message
		if err := wire.Decode(req.Payload, &m); err != nil {
			req.RespondError(err)
			op.EndWithError(err)
			return
		}
		sp, err := c.space(m.Space)
		if err != nil {
			req.RespondError(err)
			op.EndWithError(err)
			return
		}
		sp.gossip.Handle(ctx, req)
		op.End()
		return
	}

	kind, reply, err := c.serve(ctx, req)
	if err != nil {
		log.V(1).Infof("conductor: %s from %s: %s", req.Kind, req.From, err)
		req.RespondError(err)
	} else {
		req.Respond(kind, reply)
	}
	op.EndWithError(err)
}

func (c *Conductor) serve(ctx context.Context, req *transport.Request) (wire.Kind, []byte, error) {
	switch req.Kind {
	case wire.KindPublish:
		var msg PublishMsg
		if err := wire.Decode(req.Payload, &msg); err != nil {
			return 0, nil, err
		}
		sp, err := c.space(msg.Space)
		if err != nil {
			return 0, nil, err
		}
		return wire.KindPublish, nil, sp.receivePublish(ctx, req.From, &msg)

	case wire.KindFetchRequest:
		var r fetch.Request
		if err := wire.Decode(req.Payload, &r); err != nil {
			return 0, nil, err
		}
		sp, err := c.space(r.Space)
		if err != nil {
			return 0, nil, err
		}
		reply, err := sp.serveFetch(ctx, req.Payload)
		return wire.KindFetchResponse, reply, err

	case wire.KindAgentInfoPublish:
		var msg InfoPushMsg
		if err := wire.Decode(req.Payload, &msg); err != nil {
			return 0, nil, err
		}
		for _, b := range msg.Infos {
			info, err := peerstore.DecodeSigned(b)
			if err != nil {
				log.V(1).Infof("conductor: bad agent info from %s: %s", req.From, err)
				continue
			}
			if sp, err := c.space(info.Info.Space); err == nil {
				sp.putInfo(ctx, info, req.From)
			}
		}
		return wire.KindAgentInfoPublish, nil, nil

	case wire.KindAgentInfoQuery:
		var q InfoQuery
		if err := wire.Decode(req.Payload, &q); err != nil {
			return 0, nil, err
		}
		sp, err := c.space(q.Space)
		if err != nil {
			return 0, nil, err
		}
		limit := int(q.Limit)
		if limit <= 0 || limit > maxInfoQuery {
			limit = maxInfoQuery
		}
		infos, err := sp.peers.NearBasis(ctx, q.Near, limit)
		if err != nil {
			return 0, nil, err
		}
		reply, err := encodeInfos(infos)
		return wire.KindAgentInfoQuery, reply, err

	case wire.KindCallRemote:
		reply, err := c.serveRemoteCall(ctx, req.Payload)
		return wire.KindCallRemote, reply, err
	}
	return 0, nil, core.ErrInvalidArgument.Errorf("unexpected %s", req.Kind)
}

func encodeInfos(infos []*peerstore.AgentInfoSigned) ([]byte, error) {
	msg := InfoPushMsg{Infos: make([][]byte, 0, len(infos))}
	for _, i := range infos {
		b, err := i.Encode()
		if err != nil {
			return nil, err
		}
		msg.Infos = append(msg.Infos, b)
	}
	return wire.Encode(&msg)
}

// putInfo stores an agent info a peer sent us. Infos of our own agents
// come only from us.
func (s *space) putInfo(ctx context.Context, info *peerstore.AgentInfoSigned, from string) {
	if _, ok := s.cell(info.Info.Agent); ok {
		return
	}
	if _, err := s.peers.Put(ctx, info); err != nil {
		log.V(1).Infof("conductor: agent info %s from %s: %s", info, from, err)
	}
}

// putInfos decodes and stores encoded agent infos.
func (s *space) putInfos(ctx context.Context, infos [][]byte, from string) {
	for _, b := range infos {
		info, err := peerstore.DecodeSigned(b)
		if err != nil {
			log.V(1).Infof("conductor: bad agent info from %s: %s", from, err)
			continue
		}
		s.putInfo(ctx, info, from)
	}
}
