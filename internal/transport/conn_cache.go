// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package transport

import (
	"context"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	log "github.com/golang/glog"
)

// connCache creates and caches streams to addresses. It is thread-safe.
type connCache struct {
	// Protects conns.
	lock sync.Mutex

	// Holds open streams.
	conns *lru.Cache

	// Our own URL, sent in the hello frame.
	self string

	dialTimeout time.Duration
}

// newConnCache makes a new connCache. If we have more than maxConns
// streams, idle ones may be dropped. If maxConns is zero, we never drop idle
// streams.
func newConnCache(self string, dialTimeout time.Duration, maxConns int) *connCache {
	if maxConns < 0 {
		log.Fatalf("max connections can not be negative")
	}
	conns := lru.New(maxConns)
	conns.OnEvicted = onConnEvicted
	return &connCache{conns: conns, self: self, dialTimeout: dialTimeout}
}

// get returns a stream to 'addr', or nil if one could not be made. The
// caller MUST call done when the request has finished.
func (cc *connCache) get(ctx context.Context, addr string) *refCntStream {
	cc.lock.Lock()
	if v, ok := cc.conns.Get(addr); ok {
		rs := v.(*refCntStream)
		rs.count++
		cc.lock.Unlock()
		return rs
	}

	// Dial without the lock.
	cc.lock.Unlock()
	nctx, cancel := context.WithTimeout(ctx, cc.dialTimeout)
	defer cancel()
	s, err := dialStream(nctx, addr, cc.self)
	if err != nil {
		log.Infof("error connecting to %s: %s", addr, err)
		return nil
	}

	cc.lock.Lock()
	// Somebody else may have dialed in parallel; use theirs.
	if v, ok := cc.conns.Get(addr); ok {
		rs := v.(*refCntStream)
		rs.count++
		cc.lock.Unlock()
		s.Close()
		log.V(2).Infof("established duplicate connection to %s, dropping", addr)
		return rs
	}

	log.V(1).Infof("established connection to %s", addr)

	// Both the cache and the caller hold a reference.
	rs := &refCntStream{count: 2, stream: s}
	cc.conns.Add(addr, rs)
	cc.lock.Unlock()
	return rs
}

// done releases a stream. If the request failed, the stream is dropped from
// the cache so the next request redials.
func (cc *connCache) done(addr string, old *refCntStream, err error) {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	if old.decAndMaybeClose() {
		// Already evicted and now unused.
		return
	}
	if err == nil {
		return
	}

	// Only remove the cached stream if it's still this one; a concurrent
	// failure may have replaced it already.
	if cur, ok := cc.conns.Get(addr); ok && cur == old {
		cc.conns.Remove(addr)
		log.Errorf("connection to %s lost (%s)", addr, err)
	} else {
		log.Errorf("connection to %s lost (%s) (not in cache)", addr, err)
	}
}

// closeAll drops every cached stream. Streams in use are closed when their
// requests finish.
func (cc *connCache) closeAll() {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	for cc.conns.Len() > 0 {
		cc.conns.RemoveOldest()
	}
}

func onConnEvicted(key lru.Key, val interface{}) {
	log.V(10).Infof("%s has been evicted from connection cache, closing the connection", key)
	// Called from the LRU, which is already under the cache lock.
	val.(*refCntStream).decAndMaybeClose()
}

// refCntStream counts users of a stream so we know when to close it.
type refCntStream struct {
	// Protected by the cache lock.
	count int

	*stream
}

// decAndMaybeClose must be called with the cache lock held.
func (c *refCntStream) decAndMaybeClose() (closed bool) {
	c.count--
	if c.count == 0 {
		c.stream.Close()
		return true
	}
	return false
}
