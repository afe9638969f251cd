// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package conductor

import (
	"context"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/host"
	"github.com/westerndigitalcorporation/agentdht/internal/keystore"
	"github.com/westerndigitalcorporation/agentdht/internal/peerstore"
	"github.com/westerndigitalcorporation/agentdht/internal/server"
	"github.com/westerndigitalcorporation/agentdht/internal/wire"
)

// maxInfoQuery bounds the infos one agent info query is answered with.
const maxInfoQuery = 64

var remoteCalls = server.NewOpMetric("conductor", "call_remote", "side")

// cellRemote makes the remote calls of one cell.
type cellRemote struct {
	c    *Conductor
	from *Cell
}

// CallRemote implements host.Remote.
func (r cellRemote) CallRemote(ctx context.Context, call host.RemoteCall) ([]byte, error) {
	return r.c.callRemote(ctx, r.from.space, call)
}

func (c *Conductor) callRemote(ctx context.Context, sp *space, call host.RemoteCall) (out []byte, err error) {
	op := remoteCalls.Start("out")
	defer func() { op.EndWithError(err) }()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallRemoteTimeout)
	defer cancel()

	if target, ok := sp.cell(call.To); ok {
		return target.serveCall(ctx, call)
	}
	url, err := c.locate(ctx, sp, call.To)
	if err != nil {
		return nil, err
	}
	payload, err := c.signCall(ctx, call)
	if err != nil {
		return nil, err
	}
	kind, reply, err := c.tr.Send(ctx, url, wire.KindCallRemote, payload)
	if err != nil {
		return nil, err
	}
	if kind != wire.KindCallRemote {
		return nil, core.ErrCorruptData.Errorf("%s answered a call with %s", url, kind)
	}
	return reply, nil
}

func (c *Conductor) signCall(ctx context.Context, call host.RemoteCall) ([]byte, error) {
	b, err := wire.Encode(&SignedCall{
		Call:        call,
		ExpiresAtMs: time.Now().Add(c.cfg.CallRemoteTimeout).UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	sig, err := c.ks.Sign(ctx, call.From, b)
	if err != nil {
		return nil, err
	}
	return wire.Encode(&RemoteCallMsg{Call: b, Signature: sig})
}

// locate returns the URL of 'agent', asking the peers closest to its
// location if the peer store doesn't know it.
func (c *Conductor) locate(ctx context.Context, sp *space, agent core.AgentPubKey) (string, error) {
	info, err := sp.peers.Get(ctx, agent)
	if core.ErrNotFound.Is(err) {
		// Concurrent calls to one unknown agent share a query.
		c.lookups.Do(sp.dna.String()+"/"+agent.String(), func() (interface{}, error) {
			c.queryInfos(ctx, sp, agent.Loc())
			return nil, nil
		})
		info, err = sp.peers.Get(ctx, agent)
	}
	if core.ErrNotFound.Is(err) {
		return "", core.ErrPeerUnreachable.Errorf("agent %s unknown", agent.Short())
	} else if err != nil {
		return "", err
	}
	if len(info.Info.URLs) == 0 {
		return "", core.ErrPeerUnreachable.Errorf("agent %s has no url", agent.Short())
	}
	return info.Info.URLs[0], nil
}

// queryInfos asks the peers nearest 'loc' for the agents they know around
// it, and stores the answers.
func (c *Conductor) queryInfos(ctx context.Context, sp *space, loc core.Loc) {
	near, err := sp.peers.NearBasis(ctx, loc, c.cfg.InfoPushFanout)
	if err != nil {
		log.Errorf("conductor: peers near %d: %s", loc, err)
		return
	}
	q, err := wire.Encode(&InfoQuery{Space: sp.dna, Near: loc, Limit: maxInfoQuery})
	if err != nil {
		log.Errorf("conductor: encoding info query: %s", err)
		return
	}
	for _, p := range c.remotePeers(sp, near) {
		kind, reply, err := c.tr.Send(ctx, p.Info.URLs[0], wire.KindAgentInfoQuery, q)
		if err != nil || kind != wire.KindAgentInfoQuery {
			log.V(1).Infof("conductor: info query to %s: %v", p, err)
			continue
		}
		var msg InfoPushMsg
		if err := wire.Decode(reply, &msg); err != nil {
			continue
		}
		sp.putInfos(ctx, msg.Infos, p.Info.URLs[0])
	}
}

// remotePeers drops our own agents and agents without a URL.
func (c *Conductor) remotePeers(sp *space, in []*peerstore.AgentInfoSigned) []*peerstore.AgentInfoSigned {
	self := c.tr.URL()
	var out []*peerstore.AgentInfoSigned
	for _, p := range in {
		if _, ok := sp.cell(p.Info.Agent); ok || len(p.Info.URLs) == 0 || p.Info.URLs[0] == self {
			continue
		}
		out = append(out, p)
	}
	return out
}

// serveRemoteCall runs a call another agent signed.
func (c *Conductor) serveRemoteCall(ctx context.Context, payload []byte) (out []byte, err error) {
	op := remoteCalls.Start("in")
	defer func() { op.EndWithError(err) }()

	var msg RemoteCallMsg
	if err := wire.Decode(payload, &msg); err != nil {
		return nil, err
	}
	var sc SignedCall
	if err := wire.Decode(msg.Call, &sc); err != nil {
		return nil, err
	}
	if !keystore.Verify(sc.Call.From, msg.Call, msg.Signature) {
		return nil, core.ErrUnauthorized.Errorf("call from %s badly signed", sc.Call.From.Short())
	}
	if time.Now().UnixMilli() > sc.ExpiresAtMs {
		return nil, core.ErrUnauthorized.Errorf("call from %s expired", sc.Call.From.Short())
	}
	target, ok := c.Cell(sc.Call.To)
	if !ok {
		return nil, core.ErrNotFound.Errorf("no cell for agent %s", sc.Call.To.Short())
	}
	return target.serveCall(ctx, sc.Call)
}

// serveCall runs a call made by another agent if a capability grant of
// ours allows it.
func (c *Cell) serveCall(ctx context.Context, call host.RemoteCall) ([]byte, error) {
	if err := c.host.Authorize(ctx, call.From, call.Zome, call.Fn, call.CapSecret); err != nil {
		return nil, err
	}
	return c.call(ctx, call.From, call.Zome, call.Fn, call.Payload)
}
