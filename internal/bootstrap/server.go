// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package bootstrap

import (
	"fmt"
	"io"
	"io/ioutil"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/peerstore"
	"github.com/westerndigitalcorporation/agentdht/internal/wire"
)

// maxInfoSize bounds an uploaded agent info.
const maxInfoSize = 64 << 10

// Server is a bootstrap service. It keeps, per space, the most recently
// uploaded infos of up to maxPerSpace agents, in memory.
type Server struct {
	lock   sync.Mutex
	spaces map[core.DnaHash]*space

	maxPerSpace int
	now         func() time.Time
}

// space holds the infos of one space. 'order' evicts the agents that
// uploaded least recently.
type space struct {
	order *lru.Cache
	infos map[core.AgentPubKey]*entry
}

type entry struct {
	signedAtMs int64
	expires    time.Time
	encoded    []byte
}

func newSpace(max int) *space {
	sp := &space{order: lru.New(max), infos: make(map[core.AgentPubKey]*entry)}
	sp.order.OnEvicted = func(k lru.Key, _ interface{}) {
		delete(sp.infos, k.(core.AgentPubKey))
	}
	return sp
}

// NewServer returns a server keeping up to 'maxPerSpace' agents per space.
func NewServer(maxPerSpace int) *Server {
	return &Server{spaces: make(map[core.DnaHash]*space), maxPerSpace: maxPerSpace, now: time.Now}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	body, err := ioutil.ReadAll(io.LimitReader(r.Body, maxInfoSize+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) > maxInfoSize {
		http.Error(w, "request too big", http.StatusRequestEntityTooLarge)
		return
	}

	switch op := r.Header.Get(opHeader); op {
	case opPut:
		info, err := peerstore.DecodeSigned(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if info.Info.Expired(s.now()) {
			http.Error(w, "agent info expired", http.StatusBadRequest)
			return
		}
		s.put(info, body)
		w.WriteHeader(http.StatusOK)

	case opRandom:
		var q RandomQuery
		if err := wire.Decode(body, &q); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		reply, err := wire.Encode(s.random(q.Space, int(q.Limit)))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Write(reply)

	default:
		http.Error(w, fmt.Sprintf("unknown op %q", op), http.StatusBadRequest)
	}
}

func (s *Server) put(info *peerstore.AgentInfoSigned, encoded []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()

	sp, ok := s.spaces[info.Info.Space]
	if !ok {
		sp = newSpace(s.maxPerSpace)
		s.spaces[info.Info.Space] = sp
	}
	agent := info.Info.Agent
	if e, ok := sp.infos[agent]; ok && e.signedAtMs >= info.Info.SignedAtMs {
		return
	}
	sp.infos[agent] = &entry{
		signedAtMs: info.Info.SignedAtMs,
		expires:    time.UnixMilli(info.Info.ExpiresAtMs),
		encoded:    encoded,
	}
	sp.order.Add(agent, nil)
	log.V(2).Infof("bootstrap: stored %s", info)
}

// random picks up to 'limit' unexpired infos of space 'dna'. Expired ones
// are dropped on the way.
func (s *Server) random(dna core.DnaHash, limit int) [][]byte {
	s.lock.Lock()
	defer s.lock.Unlock()

	out := [][]byte{}
	sp, ok := s.spaces[dna]
	if !ok {
		return out
	}
	now := s.now()
	var live []*entry
	for agent, e := range sp.infos {
		if e.expires.After(now) {
			live = append(live, e)
		} else {
			sp.order.Remove(agent)
		}
	}
	rand.Shuffle(len(live), func(i, j int) { live[i], live[j] = live[j], live[i] })
	if len(live) > limit {
		live = live[:limit]
	}
	for _, e := range live {
		out = append(out, e.encoded)
	}
	return out
}
