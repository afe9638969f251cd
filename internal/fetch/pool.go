// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package fetch

import (
	"sort"
	"sync"
	"time"

	"github.com/beorn7/perks/quantile"
	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/pkg/retry"
)

var (
	poolItems = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentdht",
		Subsystem: "fetch",
		Name:      "pool_items",
		Help:      "op hashes waiting to be fetched",
	})
	poolRefused = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentdht",
		Subsystem: "fetch",
		Name:      "pool_refused",
		Help:      "pushes refused above the high-water mark",
	})
	poolExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentdht",
		Subsystem: "fetch",
		Name:      "pool_expired",
		Help:      "items dropped after their TTL",
	})
)

// Key is what the pool fetches.
type Key = core.DhtOpHash

// ContextReducer merges the application context of two pushes of the same
// key.
type ContextReducer func(a, b uint32) uint32

// OrReducer is the default ContextReducer.
func OrReducer(a, b uint32) uint32 {
	return a | b
}

// Item is a snapshot of one pool entry.
type Item struct {
	Key         Key
	Space       core.DnaHash
	Sources     []string
	Context     uint32
	FirstSeen   time.Time
	LastAttempt time.Time
	Attempts    int
}

type entry struct {
	Item
	seq uint64
}

type source struct {
	failures     int
	backoffUntil time.Time
	latency      *quantile.Stream
	samples      int
}

func newSource() *source {
	return &source{latency: quantile.NewTargeted(map[float64]float64{0.5: 0.05})}
}

func (s *source) p50() float64 {
	if s.samples == 0 {
		return 0
	}
	return s.latency.Query(0.5)
}

// Pool is the keyed queue of outstanding fetches. Nothing it does blocks on
// I/O while holding its lock.
type Pool struct {
	cfg    Config
	reduce ContextReducer

	lock    sync.Mutex
	items   map[Key]*entry
	sources map[string]*source
	seq     uint64

	// Signalled when something is pushed.
	wake chan struct{}
}

// NewPool returns an empty pool. A nil reducer means OrReducer.
func NewPool(cfg Config, reduce ContextReducer) *Pool {
	if reduce == nil {
		reduce = OrReducer
	}
	return &Pool{
		cfg:     cfg,
		reduce:  reduce,
		items:   make(map[Key]*entry),
		sources: make(map[string]*source),
		wake:    make(chan struct{}, 1),
	}
}

// Push adds 'key' with 'src' as a source, or merges into the entry already
// there. Push returns false if the key is new and the pool is at its
// high-water mark; the caller may try again later.
func (p *Pool) Push(key Key, context uint32, src string, space core.DnaHash) bool {
	return p.PushAt(key, context, src, space, time.Now())
}

// PushAt is Push at a given time.
func (p *Pool) PushAt(key Key, context uint32, src string, space core.DnaHash, now time.Time) bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	if e, ok := p.items[key]; ok {
		e.Context = p.reduce(e.Context, context)
		for _, s := range e.Sources {
			if s == src {
				return true
			}
		}
		e.Sources = append(e.Sources, src)
		return true
	}
	if len(p.items) >= p.cfg.MaxItems {
		poolRefused.Inc()
		return false
	}
	p.seq++
	p.items[key] = &entry{
		Item: Item{Key: key, Space: space, Sources: []string{src}, Context: context, FirstSeen: now},
		seq:  p.seq,
	}
	poolItems.Set(float64(len(p.items)))
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of items.
func (p *Pool) Len() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.items)
}

// Get returns a snapshot of the item for 'key'.
func (p *Pool) Get(key Key) (Item, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	e, ok := p.items[key]
	if !ok {
		return Item{}, false
	}
	return e.snapshot(), true
}

func (e *entry) snapshot() Item {
	it := e.Item
	it.Sources = append([]string(nil), e.Sources...)
	return it
}

// priority ranks items: every AgeBoost waited is worth one attempt.
func (p *Pool) priority(e *entry, now time.Time) float64 {
	return float64(now.Sub(e.FirstSeen))/float64(p.cfg.AgeBoost) - float64(e.Attempts)
}

// liveSource picks the source of 'e' with the best median latency among
// those not backing off. Sources we have no samples for go first.
func (p *Pool) liveSource(e *entry, now time.Time) (string, bool) {
	best, bestLat, found := "", 0.0, false
	for _, name := range e.Sources {
		s := p.sources[name]
		if s != nil && now.Before(s.backoffUntil) {
			continue
		}
		lat := 0.0
		if s != nil {
			lat = s.p50()
		}
		if !found || lat < bestLat {
			best, bestLat, found = name, lat, true
		}
	}
	return best, found
}

// Next hands out the most urgent item that is due and has a live source,
// and marks it attempted. Items are taken in arrival order, except that
// items that failed rank lower until they've waited long enough.
func (p *Pool) Next(now time.Time) (Item, string, bool) {
	items := p.NextBatch(now, 1)
	if len(items) == 0 {
		return Item{}, "", false
	}
	return items[0].Item, items[0].Source, true
}

// Assigned is an item handed out together with the source to fetch it from.
type Assigned struct {
	Item
	Source string
}

// NextBatch is Next for up to 'limit' items.
func (p *Pool) NextBatch(now time.Time, limit int) []Assigned {
	p.lock.Lock()
	defer p.lock.Unlock()

	type cand struct {
		e   *entry
		src string
		pri float64
	}
	var cands []cand
	for _, e := range p.items {
		if !e.LastAttempt.IsZero() && now.Sub(e.LastAttempt) < p.cfg.RetryInterval {
			continue
		}
		src, ok := p.liveSource(e, now)
		if !ok {
			continue
		}
		cands = append(cands, cand{e, src, p.priority(e, now)})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].pri != cands[j].pri {
			return cands[i].pri > cands[j].pri
		}
		return cands[i].e.seq < cands[j].e.seq
	})
	if len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]Assigned, len(cands))
	for i, c := range cands {
		c.e.LastAttempt = now
		c.e.Attempts++
		out[i] = Assigned{Item: c.e.snapshot(), Source: c.src}
	}
	return out
}

// Succeeded removes 'key' and records how long 'src' took.
func (p *Pool) Succeeded(key Key, src string, latency time.Duration) {
	p.lock.Lock()
	defer p.lock.Unlock()
	delete(p.items, key)
	poolItems.Set(float64(len(p.items)))
	p.observe(src, latency)
}

// Observe records a successful request to 'src' that wasn't for a pool
// item.
func (p *Pool) Observe(src string, latency time.Duration) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.observe(src, latency)
}

func (p *Pool) observe(src string, latency time.Duration) {
	s := p.source(src)
	s.failures = 0
	s.backoffUntil = time.Time{}
	s.latency.Insert(latency.Seconds())
	s.samples++
}

// Failed records that 'src' didn't deliver. The source backs off
// exponentially; the item stays until another source delivers or it
// expires.
func (p *Pool) Failed(key Key, src string, now time.Time) {
	p.lock.Lock()
	defer p.lock.Unlock()
	s := p.source(src)
	s.failures++
	wait := retry.Backoff(p.cfg.MinSourceBackoff, p.cfg.MaxSourceBackoff, s.failures)
	s.backoffUntil = now.Add(wait)
	log.V(2).Infof("fetch: %s failed for %s, backing off %s", src, key.Short(), wait)
}

// InBackoff returns true if 'src' is being skipped at 'now'.
func (p *Pool) InBackoff(src string, now time.Time) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	s := p.sources[src]
	return s != nil && now.Before(s.backoffUntil)
}

// Remove drops 'key', e.g. because it arrived some other way.
func (p *Pool) Remove(key Key) {
	p.lock.Lock()
	defer p.lock.Unlock()
	delete(p.items, key)
	poolItems.Set(float64(len(p.items)))
}

// Expire drops items that have been in the pool for longer than the TTL and
// returns their keys. It also forgets sources that no remaining item names,
// unless they are still backing off.
func (p *Pool) Expire(now time.Time) []Key {
	p.lock.Lock()
	defer p.lock.Unlock()
	var out []Key
	for k, e := range p.items {
		if now.Sub(e.FirstSeen) >= p.cfg.TTL {
			delete(p.items, k)
			out = append(out, k)
		}
	}
	if len(out) > 0 {
		poolExpired.Add(float64(len(out)))
		poolItems.Set(float64(len(p.items)))
		log.Infof("fetch: expired %d items", len(out))
	}
	p.pruneSources(now)
	return out
}

// must be called with lock held.
func (p *Pool) pruneSources(now time.Time) {
	named := make(map[string]bool, len(p.sources))
	for _, e := range p.items {
		for _, s := range e.Sources {
			named[s] = true
		}
	}
	for name, s := range p.sources {
		if !named[name] && !now.Before(s.backoffUntil) {
			delete(p.sources, name)
		}
	}
}

// Wake is signalled when an item is pushed.
func (p *Pool) Wake() <-chan struct{} {
	return p.wake
}

// must be called with lock held.
func (p *Pool) source(name string) *source {
	s, ok := p.sources[name]
	if !ok {
		s = newSource()
		p.sources[name] = s
	}
	return s
}
