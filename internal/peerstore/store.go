// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package peerstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sort"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/agentdht/internal/arq"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
)

var (
	infosPut = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentdht",
		Subsystem: "peerstore",
		Name:      "infos_put",
		Help:      "agent infos offered to the store, by result",
	}, []string{"result"})

	infosPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentdht",
		Subsystem: "peerstore",
		Name:      "infos_pruned",
		Help:      "expired agent infos removed",
	})
)

// Config holds the peer store's tunables.
type Config struct {
	// ErrorBackoff is how long a peer is skipped after an error.
	ErrorBackoff time.Duration

	// InfoTTL is how long our own signed agent infos are good for.
	InfoTTL time.Duration
}

// DefaultProdConfig is the production config.
var DefaultProdConfig = Config{
	ErrorBackoff: 5 * time.Minute,
	InfoTTL:      20 * time.Minute,
}

// DefaultTestConfig is the config used by tests.
var DefaultTestConfig = Config{
	ErrorBackoff: time.Second,
	InfoTTL:      time.Minute,
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.InfoTTL <= 0 {
		return fmt.Errorf("InfoTTL must be positive")
	}
	if c.ErrorBackoff < 0 {
		return fmt.Errorf("ErrorBackoff must not be negative")
	}
	return nil
}

// Store keeps signed agent infos for one space in the p2p_agents database
// and per-peer metadata in the p2p_metrics database.
type Store struct {
	cfg     Config
	space   core.DnaHash
	agents  *store.DB
	metrics *store.DB
	now     func() time.Time
}

// New returns a Store over the given databases.
func New(cfg Config, space core.DnaHash, agents, metrics *store.DB) *Store {
	return &Store{cfg: cfg, space: space, agents: agents, metrics: metrics, now: time.Now}
}

// Space returns the space this store serves.
func (s *Store) Space() core.DnaHash {
	return s.space
}

// Put verifies and stores an agent info. An info that is older than the
// one held, expired, or for another space is dropped and Put returns false.
func (s *Store) Put(ctx context.Context, info *AgentInfoSigned) (bool, error) {
	if err := info.Verify(); err != nil {
		infosPut.WithLabelValues("invalid").Inc()
		return false, err
	}
	if info.Info.Space != s.space {
		infosPut.WithLabelValues("other_space").Inc()
		return false, core.ErrInvalidArgument.Errorf("agent info for space %s", info.Info.Space.Short())
	}
	if info.Info.Expired(s.now()) {
		infosPut.WithLabelValues("expired").Inc()
		return false, nil
	}
	r, err := info.row()
	if err != nil {
		return false, err
	}
	var put bool
	err = s.agents.Write(ctx, func(txn *store.Txn) error {
		put, err = txn.PutAgentInfo(r)
		return err
	})
	if err != nil {
		return false, err
	}
	if put {
		infosPut.WithLabelValues("stored").Inc()
		log.V(2).Infof("peerstore: stored %s", info)
	} else {
		infosPut.WithLabelValues("stale").Inc()
	}
	return put, nil
}

// Get returns the unexpired info of 'agent', or ErrNotFound.
func (s *Store) Get(ctx context.Context, agent core.AgentPubKey) (info *AgentInfoSigned, err error) {
	err = s.agents.Read(ctx, func(txn *store.Txn) error {
		r, err := txn.GetAgentInfo(s.space.Core(), agent.Core(), s.now().UnixMilli())
		if err != nil {
			return err
		}
		if r == nil {
			return core.ErrNotFound.Errorf("agent info of %s", agent.Short())
		}
		info, err = fromRow(r)
		return err
	})
	return
}

// All returns every unexpired info, ordered by agent.
func (s *Store) All(ctx context.Context) (out []*AgentInfoSigned, err error) {
	err = s.agents.Read(ctx, func(txn *store.Txn) error {
		rows, err := txn.AgentInfos(s.space.Core(), s.now().UnixMilli())
		if err != nil {
			return err
		}
		for _, r := range rows {
			info, err := fromRow(r)
			if err != nil {
				log.Errorf("peerstore: dropping undecodable info: %s", err)
				continue
			}
			out = append(out, info)
		}
		return nil
	})
	return
}

// PruneExpired removes expired infos and metadata.
func (s *Store) PruneExpired(ctx context.Context) (int64, error) {
	now := s.now()
	var n int64
	err := s.agents.Write(ctx, func(txn *store.Txn) (err error) {
		n, err = txn.DeleteExpiredAgentInfos(now.UnixMilli())
		return
	})
	if err != nil {
		return 0, err
	}
	if s.metrics != nil {
		err = s.metrics.Write(ctx, func(txn *store.Txn) error {
			return txn.DeleteExpiredPeerMeta(now.UnixMilli())
		})
	}
	infosPruned.Add(float64(n))
	if n > 0 {
		log.Infof("peerstore: pruned %d expired agent infos", n)
	}
	return n, err
}

// NearBasis returns up to 'limit' agents whose arcs hold 'loc', closest
// arc midpoint first.
func (s *Store) NearBasis(ctx context.Context, loc core.Loc, limit int) ([]*AgentInfoSigned, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []*AgentInfoSigned
	for _, i := range all {
		if i.Info.StorageArc().Contains(loc) {
			out = append(out, i)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return ringDistance(out[a].Info.StorageArc().Midpoint(), loc) < ringDistance(out[b].Info.StorageArc().Midpoint(), loc)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// OverlappingArc returns the agents whose arcs meet 'a'.
func (s *Store) OverlappingArc(ctx context.Context, a arq.Arc) ([]*AgentInfoSigned, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []*AgentInfoSigned
	for _, i := range all {
		if i.Info.StorageArc().Overlaps(a) {
			out = append(out, i)
		}
	}
	return out, nil
}

// Random returns up to 'limit' agents in random order.
func (s *Store) Random(ctx context.Context, limit int) ([]*AgentInfoSigned, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// StorageArcs returns the arqs of every agent except those in 'skip', for
// arc resizing.
func (s *Store) StorageArcs(ctx context.Context, skip ...core.AgentPubKey) ([]arq.Arq, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]arq.Arq, 0, len(all))
outer:
	for _, i := range all {
		for _, k := range skip {
			if i.Info.Agent == k {
				continue outer
			}
		}
		out = append(out, i.Info.Arq)
	}
	return out, nil
}

func ringDistance(a, b core.Loc) uint32 {
	d := uint32(a - b)
	if e := uint32(b - a); e < d {
		return e
	}
	return d
}

const (
	metaLastGossip = "last_gossip"
	metaLastError  = "last_error"
)

func msBytes(t time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.UnixMilli()))
	return b
}

func bytesMs(b []byte) (time.Time, bool) {
	if len(b) != 8 {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(binary.BigEndian.Uint64(b))), true
}

func (s *Store) setMeta(ctx context.Context, agent core.AgentPubKey, key string, t time.Time) error {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.Write(ctx, func(txn *store.Txn) error {
		return txn.PutPeerMeta(agent.Core(), key, msBytes(t), 0)
	})
}

func (s *Store) getMeta(ctx context.Context, agent core.AgentPubKey, key string) (t time.Time, ok bool, err error) {
	if s.metrics == nil {
		return
	}
	err = s.metrics.Read(ctx, func(txn *store.Txn) error {
		b, err := txn.GetPeerMeta(agent.Core(), key, s.now().UnixMilli())
		if err != nil {
			return err
		}
		t, ok = bytesMs(b)
		return nil
	})
	return
}

// SetLastGossip records a finished gossip round with 'agent'.
func (s *Store) SetLastGossip(ctx context.Context, agent core.AgentPubKey, at time.Time) error {
	return s.setMeta(ctx, agent, metaLastGossip, at)
}

// SetLastError records a failed exchange with 'agent'.
func (s *Store) SetLastError(ctx context.Context, agent core.AgentPubKey, at time.Time) error {
	return s.setMeta(ctx, agent, metaLastError, at)
}

// LastGossip returns when we last gossiped with 'agent'; the zero time if
// never.
func (s *Store) LastGossip(ctx context.Context, agent core.AgentPubKey) (time.Time, error) {
	t, _, err := s.getMeta(ctx, agent, metaLastGossip)
	return t, err
}

// InBackoff returns true if 'agent' failed within the last ErrorBackoff.
func (s *Store) InBackoff(ctx context.Context, agent core.AgentPubKey, now time.Time) (bool, error) {
	t, ok, err := s.getMeta(ctx, agent, metaLastError)
	if err != nil || !ok {
		return false, err
	}
	return now.Sub(t) < s.cfg.ErrorBackoff, nil
}

// GossipCandidates returns the agents other than 'self' whose arcs meet
// 'a' and that aren't in error backoff, least recently gossiped first.
func (s *Store) GossipCandidates(ctx context.Context, a arq.Arc, self ...core.AgentPubKey) ([]*AgentInfoSigned, error) {
	infos, err := s.OverlappingArc(ctx, a)
	if err != nil {
		return nil, err
	}
	now := s.now()
	type cand struct {
		info *AgentInfoSigned
		last time.Time
	}
	var cands []cand
outer:
	for _, i := range infos {
		for _, k := range self {
			if i.Info.Agent == k {
				continue outer
			}
		}
		if back, err := s.InBackoff(ctx, i.Info.Agent, now); err != nil {
			return nil, err
		} else if back {
			continue
		}
		last, err := s.LastGossip(ctx, i.Info.Agent)
		if err != nil {
			return nil, err
		}
		cands = append(cands, cand{i, last})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].last.Before(cands[j].last) })
	out := make([]*AgentInfoSigned, len(cands))
	for i, c := range cands {
		out[i] = c.info
	}
	return out, nil
}
