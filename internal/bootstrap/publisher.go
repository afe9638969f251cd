// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package bootstrap

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/agentdht/internal/peerstore"
	"github.com/westerndigitalcorporation/agentdht/pkg/retry"
)

// Source returns freshly signed infos of the local agents.
type Source func(ctx context.Context) ([]*peerstore.AgentInfoSigned, error)

// Publisher uploads the local agent infos every Interval, give or take
// Jitter.
type Publisher struct {
	cfg    Config
	client *Client
	source Source
}

// NewPublisher returns a publisher of what 'source' signs.
func NewPublisher(cfg Config, client *Client, source Source) *Publisher {
	return &Publisher{cfg: cfg, client: client, source: source}
}

// Run publishes until 'ctx' is done, starting right away.
func (p *Publisher) Run(ctx context.Context) {
	for {
		if err := p.Publish(ctx); err != nil {
			log.Errorf("bootstrap: %s", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.next()):
		}
	}
}

func (p *Publisher) next() time.Duration {
	if p.cfg.Jitter <= 0 {
		return p.cfg.Interval
	}
	return p.cfg.Interval - p.cfg.Jitter + time.Duration(rand.Int63n(int64(2*p.cfg.Jitter)))
}

// Publish uploads each local info once, retrying failures with backoff.
func (p *Publisher) Publish(ctx context.Context) error {
	infos, err := p.source(ctx)
	if err != nil {
		return err
	}
	failed := 0
	for _, info := range infos {
		r := retry.Retrier{
			MinSleep: p.cfg.RetryMin,
			MaxSleep: p.cfg.RetryMax,
			Attempts: p.cfg.RetryAttempts,
		}
		err := r.Do(ctx, func(try int) error {
			err := p.client.Put(ctx, info)
			if err != nil {
				log.Infof("bootstrap: put of %s failed, try %d: %s", info.Info.Agent.Short(), try, err)
			}
			return err
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d agent infos not published", failed, len(infos))
	}
	return nil
}
