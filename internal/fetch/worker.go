// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package fetch

import (
	"context"
	"time"

	log "github.com/golang/glog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/dhtop"
	"github.com/westerndigitalcorporation/agentdht/internal/server"
)

var fetchOps = server.NewOpMetric("fetch", "request")

// Fetcher gets ops from a peer.
type Fetcher interface {
	Fetch(ctx context.Context, source string, space core.DnaHash, keys []Key) ([]*dhtop.DhtOp, error)
}

// Sink takes fetched ops, typically into the validation pipeline.
type Sink interface {
	Incoming(ctx context.Context, ops []*dhtop.DhtOp, source string) error
}

// Worker drains a Pool: it asks sources for the ops the pool holds and
// hands what arrives to a Sink.
type Worker struct {
	cfg     Config
	pool    *Pool
	fetcher Fetcher
	sink    Sink
	group   singleflight.Group
	now     func() time.Time
}

// NewWorker returns a worker for 'pool'.
func NewWorker(cfg Config, pool *Pool, fetcher Fetcher, sink Sink) *Worker {
	return &Worker{cfg: cfg, pool: pool, fetcher: fetcher, sink: sink, now: time.Now}
}

// Run works until 'ctx' is done.
func (w *Worker) Run(ctx context.Context) {
	log.Infof("fetch: worker started")
	for {
		n, err := w.Step(ctx)
		if err != nil && ctx.Err() == nil {
			log.Errorf("fetch: %s", err)
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			log.Infof("fetch: worker stopped")
			return
		case <-w.pool.Wake():
		case <-time.After(w.cfg.Idle):
		}
	}
}

type batch struct {
	source string
	space  core.DnaHash
	keys   []Key
}

// batches groups assigned items by source and space, BatchSize keys a
// batch.
func batches(items []Assigned, size int) []batch {
	type group struct {
		source string
		space  core.DnaHash
	}
	index := make(map[group]int)
	var out []batch
	for _, it := range items {
		g := group{it.Source, it.Space}
		i, ok := index[g]
		if !ok || len(out[i].keys) >= size {
			out = append(out, batch{source: it.Source, space: it.Space})
			i = len(out) - 1
			index[g] = i
		}
		out[i].keys = append(out[i].keys, it.Key)
	}
	return out
}

// Step hands out what's due, fetches it and returns how many ops arrived.
func (w *Worker) Step(ctx context.Context) (int, error) {
	w.pool.Expire(w.now())
	items := w.pool.NextBatch(w.now(), w.cfg.BatchSize*w.cfg.Parallelism)
	if len(items) == 0 {
		return 0, nil
	}

	bs := batches(items, w.cfg.BatchSize)
	got := make([]int, len(bs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Parallelism)
	for i, b := range bs {
		i, b := i, b
		g.Go(func() error {
			n, err := w.fetchBatch(gctx, b)
			got[i] = n
			return err
		})
	}
	err := g.Wait()
	total := 0
	for _, n := range got {
		total += n
	}
	return total, err
}

// fetchBatch asks one source for one batch. Source failures are recorded
// in the pool and aren't errors; only a failing sink is.
func (w *Worker) fetchBatch(ctx context.Context, b batch) (n int, err error) {
	op := fetchOps.Start()
	defer func() { op.EndWithError(err) }()

	start := w.now()
	rctx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	ops, ferr := w.fetcher.Fetch(rctx, b.source, b.space, b.keys)
	cancel()
	if ferr != nil {
		op.Failed()
		log.V(1).Infof("fetch: %d ops from %s: %s", len(b.keys), b.source, ferr)
		for _, k := range b.keys {
			w.pool.Failed(k, b.source, w.now())
		}
		return 0, nil
	}

	wanted := make(map[Key]bool, len(b.keys))
	for _, k := range b.keys {
		wanted[k] = true
	}
	var good []*dhtop.DhtOp
	for _, o := range ops {
		h := o.Hash()
		if !wanted[h] {
			log.Warningf("fetch: %s sent op %s we didn't ask for", b.source, h.Short())
			continue
		}
		delete(wanted, h)
		good = append(good, o)
	}
	if len(good) > 0 {
		if err := w.sink.Incoming(ctx, good, b.source); err != nil {
			return 0, err
		}
	}
	latency := w.now().Sub(start)
	for _, o := range good {
		w.pool.Succeeded(o.Hash(), b.source, latency)
	}
	for k := range wanted {
		w.pool.Failed(k, b.source, w.now())
	}
	return len(good), nil
}

// FetchNow gets one op right away from the first source that has it.
// Concurrent calls for the same key share one fetch.
func (w *Worker) FetchNow(ctx context.Context, space core.DnaHash, key Key, sources []string) (*dhtop.DhtOp, error) {
	v, err, _ := w.group.Do(key.String(), func() (interface{}, error) {
		var last error = core.ErrNotFound.Errorf("op %s", key.Short())
		for _, src := range sources {
			if w.pool.InBackoff(src, w.now()) {
				continue
			}
			start := w.now()
			rctx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
			ops, err := w.fetcher.Fetch(rctx, src, space, []Key{key})
			cancel()
			if err == nil {
				for _, o := range ops {
					if o.Hash() == key {
						w.pool.Observe(src, w.now().Sub(start))
						return o, nil
					}
				}
				err = core.ErrNotFound.Errorf("op %s at %s", key.Short(), src)
			}
			if ctx.Err() != nil {
				return nil, core.FromContextError(ctx.Err())
			}
			w.pool.Failed(key, src, w.now())
			last = err
		}
		return nil, last
	})
	if err != nil {
		return nil, err
	}
	return v.(*dhtop.DhtOp), nil
}
