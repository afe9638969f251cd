// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/wire"
	"github.com/westerndigitalcorporation/agentdht/pkg/failures"
)

// MemNetwork connects in-process transports. Messages to a URL can be
// dropped or delayed to simulate a bad network.
type MemNetwork struct {
	lock  sync.Mutex
	nodes map[string]*MemTransport
	drop  map[string]float32
	delay map[string]time.Duration
	rand  *rand.Rand
}

// NewMemNetwork returns an empty network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		nodes: make(map[string]*MemTransport),
		drop:  make(map[string]float32),
		delay: make(map[string]time.Duration),
		rand:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Join adds a node reachable at 'url' with an inbound queue of 'queue'.
func (n *MemNetwork) Join(url string, queue int) *MemTransport {
	t := &MemTransport{net: n, url: url, in: make(chan *Request, queue), quit: make(chan struct{})}
	n.lock.Lock()
	n.nodes[url] = t
	n.lock.Unlock()
	return t
}

// SetDropProb makes messages to 'url' get lost with probability 'p'.
func (n *MemNetwork) SetDropProb(url string, p float32) {
	n.lock.Lock()
	n.drop[url] = p
	n.lock.Unlock()
}

// SetDelay delays every message to 'url' by 'd'.
func (n *MemNetwork) SetDelay(url string, d time.Duration) {
	n.lock.Lock()
	n.delay[url] = d
	n.lock.Unlock()
}

// RegisterFailures exposes the drop probabilities and delays on 'reg' under
// "<prefix>_drop_prob" and "<prefix>_delay_ms", both maps from URL to value.
func (n *MemNetwork) RegisterFailures(reg *failures.Registry, prefix string) error {
	if err := reg.Register(prefix+"_drop_prob", n.dropHandler); err != nil {
		return err
	}
	return reg.Register(prefix+"_delay_ms", n.delayHandler)
}

func (n *MemNetwork) dropHandler(config json.RawMessage) error {
	drop := make(map[string]float32)
	if config != nil {
		if err := json.Unmarshal(config, &drop); err != nil {
			return err
		}
	}
	if drop == nil {
		drop = make(map[string]float32)
	}
	for url, p := range drop {
		if p < 0 || p > 1 {
			return fmt.Errorf("drop probability of %s out of range: %f", url, p)
		}
	}
	log.Infof("mem network: drop probabilities %v", drop)
	n.lock.Lock()
	n.drop = drop
	n.lock.Unlock()
	return nil
}

func (n *MemNetwork) delayHandler(config json.RawMessage) error {
	ms := make(map[string]int)
	if config != nil {
		if err := json.Unmarshal(config, &ms); err != nil {
			return err
		}
	}
	delay := make(map[string]time.Duration)
	for url, v := range ms {
		delay[url] = time.Duration(v) * time.Millisecond
	}
	log.Infof("mem network: delays %v", delay)
	n.lock.Lock()
	n.delay = delay
	n.lock.Unlock()
	return nil
}

func (n *MemNetwork) route(url string) (*MemTransport, bool, time.Duration) {
	n.lock.Lock()
	defer n.lock.Unlock()
	t := n.nodes[url]
	dropped := n.drop[url] > 0 && n.rand.Float32() < n.drop[url]
	return t, dropped, n.delay[url]
}

func (n *MemNetwork) leave(url string) {
	n.lock.Lock()
	delete(n.nodes, url)
	n.lock.Unlock()
}

// MemTransport is one node on a MemNetwork.
type MemTransport struct {
	net  *MemNetwork
	url  string
	in   chan *Request
	quit chan struct{}
	once sync.Once
}

// URL implements Transport.
func (t *MemTransport) URL() string {
	return t.url
}

// Incoming implements Transport.
func (t *MemTransport) Incoming() <-chan *Request {
	return t.in
}

// Send implements Transport.
func (t *MemTransport) Send(ctx context.Context, url string, kind wire.Kind, payload []byte) (wire.Kind, []byte, error) {
	dst, dropped, delay := t.net.route(url)
	if dst == nil || dropped {
		return 0, nil, core.ErrPeerUnreachable.Errorf("%s", url)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, nil, core.FromContextError(ctx.Err())
		}
	}

	// Payloads are copied so neither side can see the other's mutations.
	req, reply := newRequest(t.url, kind, append([]byte(nil), payload...))
	select {
	case dst.in <- req:
	case <-dst.quit:
		return 0, nil, core.ErrPeerUnreachable.Errorf("%s", url)
	case <-ctx.Done():
		return 0, nil, core.FromContextError(ctx.Err())
	}
	select {
	case f := <-reply:
		return replyOf(f)
	case <-dst.quit:
		return 0, nil, core.ErrPeerUnreachable.Errorf("%s", url)
	case <-ctx.Done():
		return 0, nil, core.FromContextError(ctx.Err())
	}
}

// Close leaves the network.
func (t *MemTransport) Close() error {
	t.once.Do(func() {
		t.net.leave(t.url)
		close(t.quit)
	})
	return nil
}
