// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package conductor

import (
	"fmt"
	"time"

	"github.com/westerndigitalcorporation/agentdht/internal/arq"
	"github.com/westerndigitalcorporation/agentdht/internal/bootstrap"
	"github.com/westerndigitalcorporation/agentdht/internal/fetch"
	"github.com/westerndigitalcorporation/agentdht/internal/gossip"
	"github.com/westerndigitalcorporation/agentdht/internal/integrate"
	"github.com/westerndigitalcorporation/agentdht/internal/peerstore"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
	"github.com/westerndigitalcorporation/agentdht/internal/transport"
)

// Config encapsulates parameters for a conductor.
type Config struct {
	DataDir    string // Where the databases of every space live.
	StatusAddr string // Address of the status page, "" for none.
	UseFailure bool   // Whether to enable the failure service.

	// Keystore passphrase. Empty keeps keys unencrypted on disk.
	Passphrase string `json:"-"`

	// --- Subsystems ---
	Transport transport.TCPConfig
	Store     store.Config
	Peers     peerstore.Config
	Gossip    gossip.Config
	Fetch     fetch.Config
	Integrate integrate.Config
	Bootstrap bootstrap.Config
	Strategy  arq.Strategy

	// --- Inbound ---
	// How many inbound requests are served at once. Requests past that wait
	// in the transport queue.
	InboundWorkers int

	// --- Publish ---
	// How many authorities each op is sent to.
	PublishFanout int
	// How long one publish request may take.
	PublishTimeout time.Duration
	// How long a call_remote may take.
	CallRemoteTimeout time.Duration

	// --- Periodic work ---
	ResizeInterval  time.Duration // Arc resize epoch.
	RefreshInterval time.Duration // How often our agent infos are re-signed.
	PruneInterval   time.Duration // How often expired peers are dropped.
	ExpireInterval  time.Duration // How often stale fetch pool items are dropped.
	// How many random peers a refreshed agent info is pushed to.
	InfoPushFanout int
}

// Validate validates the configuration object has reasonable (not obviously
// wrong) values.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("DataDir can not be empty")
	}
	if c.InboundWorkers < 1 {
		return fmt.Errorf("InboundWorkers must be at least 1")
	}
	if c.PublishFanout < 1 {
		return fmt.Errorf("PublishFanout must be at least 1")
	}
	if c.RefreshInterval >= c.Peers.InfoTTL {
		return fmt.Errorf("RefreshInterval must be shorter than the agent info TTL")
	}
	for _, d := range []time.Duration{c.PublishTimeout, c.CallRemoteTimeout, c.ResizeInterval, c.PruneInterval, c.ExpireInterval} {
		if d <= 0 {
			return fmt.Errorf("timeouts and intervals must be positive")
		}
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Peers.Validate(); err != nil {
		return err
	}
	if err := c.Gossip.Validate(); err != nil {
		return err
	}
	if err := c.Fetch.Validate(); err != nil {
		return err
	}
	if err := c.Integrate.Validate(); err != nil {
		return err
	}
	if err := c.Strategy.Validate(); err != nil {
		return err
	}
	if c.Bootstrap.URL != "" {
		return c.Bootstrap.Validate()
	}
	return nil
}

// DefaultProdConfig specifies the default values for Config that is used for
// production.
var DefaultProdConfig = Config{
	StatusAddr: ":8888",

	Transport: transport.DefaultTCPConfig,
	Store:     store.DefaultProdConfig,
	Peers:     peerstore.DefaultProdConfig,
	Gossip:    gossip.DefaultProdConfig,
	Fetch:     fetch.DefaultProdConfig,
	Integrate: integrate.DefaultProdConfig,
	Bootstrap: bootstrap.DefaultProdConfig,
	Strategy:  arq.DefaultStrategy,

	InboundWorkers: 64,

	PublishFanout:     5,
	PublishTimeout:    30 * time.Second,
	CallRemoteTimeout: 30 * time.Second,

	ResizeInterval:  time.Minute,
	RefreshInterval: 10 * time.Minute,
	PruneInterval:   5 * time.Minute,
	ExpireInterval:  time.Minute,
	InfoPushFanout:  3,
}

// DefaultTestConfig specifies the default values for Config that is used for
// testing.
var DefaultTestConfig = Config{
	Transport: transport.DefaultTCPConfig,
	Store:     store.DefaultTestConfig,
	Peers:     peerstore.DefaultTestConfig,
	Gossip:    gossip.DefaultTestConfig,
	Fetch:     fetch.DefaultTestConfig,
	Integrate: integrate.DefaultTestConfig,
	Bootstrap: bootstrap.DefaultTestConfig,
	Strategy:  arq.DefaultStrategy,

	InboundWorkers: 8,

	PublishFanout:     3,
	PublishTimeout:    time.Second,
	CallRemoteTimeout: time.Second,

	ResizeInterval:  50 * time.Millisecond,
	RefreshInterval: 20 * time.Second,
	PruneInterval:   100 * time.Millisecond,
	ExpireInterval:  100 * time.Millisecond,
	InfoPushFanout:  2,
}
