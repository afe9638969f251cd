// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package conductor

import (
	"context"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/agentdht/internal/peerstore"
	"github.com/westerndigitalcorporation/agentdht/internal/wire"
)

// every calls 'fn' each 'interval' until 'ctx' is done.
func (c *Conductor) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(ctx)
		}
	}
}

// resize runs one arc resize epoch for every cell. Cells whose arqs moved
// push their new infos.
func (c *Conductor) resize(ctx context.Context) {
	for _, sp := range c.spaceList() {
		moved := false
		for _, cell := range sp.cellList() {
			changed, err := cell.resize(ctx)
			if err != nil {
				log.Errorf("conductor: resizing %s: %s", cell.agent.Short(), err)
			}
			moved = moved || changed
		}
		if moved {
			c.pushInfos(ctx, sp)
		}
	}
}

// refresh re-signs the agent infos of every cell before they expire.
func (c *Conductor) refresh(ctx context.Context) {
	for _, sp := range c.spaceList() {
		for _, cell := range sp.cellList() {
			if _, err := cell.sign(ctx); err != nil {
				log.Errorf("conductor: signing info of %s: %s", cell.agent.Short(), err)
			}
		}
		c.pushInfos(ctx, sp)
	}
}

// pushInfos sends our infos of 'sp' to a few random peers.
func (c *Conductor) pushInfos(ctx context.Context, sp *space) {
	mine, _ := sp.localInfos(ctx)
	if len(mine) == 0 {
		return
	}
	payload, err := encodeInfos(mine)
	if err != nil {
		log.Errorf("conductor: encoding infos: %s", err)
		return
	}
	peers, err := sp.peers.Random(ctx, 0)
	if err != nil {
		log.Errorf("conductor: picking peers: %s", err)
		return
	}
	sent := make(map[string]bool)
	for _, p := range c.remotePeers(sp, peers) {
		url := p.Info.URLs[0]
		if sent[url] {
			continue
		}
		if len(sent) == c.cfg.InfoPushFanout {
			break
		}
		sent[url] = true
		if _, _, err := c.tr.Send(ctx, url, wire.KindAgentInfoPublish, payload); err != nil {
			log.V(1).Infof("conductor: pushing infos to %s: %s", url, err)
		}
	}
}

// prune drops expired peers.
func (c *Conductor) prune(ctx context.Context) {
	for _, sp := range c.spaceList() {
		if _, err := sp.peers.PruneExpired(ctx); err != nil {
			log.Errorf("conductor: pruning peers of %s: %s", sp.dna.Short(), err)
		}
	}
}

// expire drops stale fetch pool items and retries unpublished ops.
func (c *Conductor) expire(ctx context.Context) {
	now := time.Now()
	for _, sp := range c.spaceList() {
		if gone := sp.pool.Expire(now); len(gone) > 0 {
			log.Infof("conductor: %d ops of %s expired from the fetch pool", len(gone), sp.dna.Short())
		}
		sp.republish(ctx)
	}
}

// localInfos returns the infos of every cell, for the bootstrap service.
func (c *Conductor) localInfos(ctx context.Context) ([]*peerstore.AgentInfoSigned, error) {
	var out []*peerstore.AgentInfoSigned
	for _, sp := range c.spaceList() {
		infos, err := sp.localInfos(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, infos...)
	}
	return out, nil
}

// bootstrapSpace asks the bootstrap service for the first peers of 'sp'.
func (c *Conductor) bootstrapSpace(ctx context.Context, sp *space) {
	infos, err := c.boot.Random(ctx, sp.dna, c.cfg.Bootstrap.RandomLimit)
	if err != nil {
		log.Errorf("conductor: bootstrapping %s: %s", sp.dna.Short(), err)
		return
	}
	for _, info := range infos {
		sp.putInfo(ctx, info, "bootstrap")
	}
	log.Infof("conductor: bootstrap gave %d peers of %s", len(infos), sp.dna.Short())
}
