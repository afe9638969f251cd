// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package conductor

import (
	"context"
	"sync"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/dhtop"
	"github.com/westerndigitalcorporation/agentdht/internal/server"
	"github.com/westerndigitalcorporation/agentdht/internal/wire"
)

const (
	// maxPublishers bounds the concurrent publish requests of one batch.
	maxPublishers = 8

	// maxRepublish bounds how many unpublished ops one tick retries.
	maxRepublish = 1000
)

var (
	publishOps = server.NewOpMetric("conductor", "publish")

	opsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentdht",
		Subsystem: "conductor",
		Name:      "ops_published",
		Help:      "ops handed to authorities, by whether the authority is local",
	}, []string{"target"})
)

// publishOne implements integrate.Publisher, for our warrants.
func (s *space) publishOne(ctx context.Context, op *dhtop.DhtOp) error {
	s.publish(ctx, []dhtop.DhtOp{*op})
	return nil
}

// publish sends every op to up to PublishFanout agents whose arcs hold its
// basis. Ops one of our own agents is an authority for are integrated
// locally. Ops that reach nobody are kept and retried by republish.
func (s *space) publish(ctx context.Context, ops []dhtop.DhtOp) {
	if len(ops) == 0 {
		return
	}
	self := s.c.tr.URL()
	var local []*dhtop.DhtOp
	remote := make(map[string][]*dhtop.DhtOp)
	for i := range ops {
		d := &ops[i]
		auths, err := s.peers.NearBasis(ctx, d.Loc(), s.c.cfg.PublishFanout)
		if err != nil {
			log.Errorf("conductor: authorities of %s: %s", d, err)
			s.park(d)
			continue
		}
		isLocal := false
		for _, a := range auths {
			if _, ok := s.cell(a.Info.Agent); ok {
				isLocal = true
				continue
			}
			if len(a.Info.URLs) == 0 || a.Info.URLs[0] == self {
				continue
			}
			url := a.Info.URLs[0]
			remote[url] = append(remote[url], d)
		}
		if isLocal {
			local = append(local, d)
		}
	}

	reached := make(map[core.DhtOpHash]bool)
	if len(local) > 0 {
		if err := s.flow.Incoming(ctx, local, "self"); err != nil {
			log.Errorf("conductor: integrating %d of our own ops: %s", len(local), err)
		} else {
			for _, d := range local {
				reached[d.Hash()] = true
			}
			opsPublished.WithLabelValues("local").Add(float64(len(local)))
		}
	}

	var lock sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxPublishers)
	for url, batch := range remote {
		url, batch := url, batch
		g.Go(func() error {
			if err := s.sendPublish(gctx, url, batch); err != nil {
				log.V(1).Infof("conductor: publish of %d ops to %s: %s", len(batch), url, err)
				return nil
			}
			lock.Lock()
			defer lock.Unlock()
			for _, d := range batch {
				reached[d.Hash()] = true
			}
			opsPublished.WithLabelValues("remote").Add(float64(len(batch)))
			return nil
		})
	}
	g.Wait()

	for i := range ops {
		d := &ops[i]
		if reached[d.Hash()] {
			s.unpark(d.Hash())
		} else {
			s.park(d)
		}
	}
}

func (s *space) sendPublish(ctx context.Context, url string, ops []*dhtop.DhtOp) (err error) {
	op := publishOps.Start()
	defer func() { op.EndWithError(err) }()

	msg := PublishMsg{Space: s.dna, Ops: make([][]byte, len(ops))}
	for i, d := range ops {
		msg.Ops[i] = d.Bytes()
	}
	payload, err := wire.Encode(&msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.c.cfg.PublishTimeout)
	defer cancel()
	kind, _, err := s.c.tr.Send(ctx, url, wire.KindPublish, payload)
	if err != nil {
		return err
	}
	if kind != wire.KindPublish {
		return core.ErrCorruptData.Errorf("%s answered a publish with %s", url, kind)
	}
	return nil
}

func (s *space) park(d *dhtop.DhtOp) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.unpublished[d.Hash()] = d
}

func (s *space) unpark(h core.DhtOpHash) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.unpublished, h)
}

// republish tries the ops that reached no authority again.
func (s *space) republish(ctx context.Context) {
	s.lock.Lock()
	ops := make([]dhtop.DhtOp, 0, len(s.unpublished))
	for _, d := range s.unpublished {
		if len(ops) == maxRepublish {
			break
		}
		ops = append(ops, *d)
	}
	s.lock.Unlock()
	if len(ops) > 0 {
		log.V(1).Infof("conductor: republishing %d ops of space %s", len(ops), s.dna.Short())
		s.publish(ctx, ops)
	}
}

// receivePublish stores the ops another agent published to us.
func (s *space) receivePublish(ctx context.Context, from string, msg *PublishMsg) error {
	ops := make([]*dhtop.DhtOp, 0, len(msg.Ops))
	for _, b := range msg.Ops {
		d, err := dhtop.Decode(b)
		if err != nil {
			log.Warningf("conductor: undecodable op published by %s: %s", from, err)
			continue
		}
		ops = append(ops, d)
	}
	return s.flow.Incoming(ctx, ops, from)
}
