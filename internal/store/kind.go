// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package store

import (
	"fmt"
	"path/filepath"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// Kind is the role of a database. Each role lives in its own file.
type Kind uint8

const (
	// KindAuthored holds one agent's source chain and the ops it authored.
	KindAuthored Kind = iota
	// KindDht holds ops this node is an authority for.
	KindDht
	// KindCache holds ops fetched for reads that we aren't authority for.
	KindCache
	// KindP2pAgents holds signed agent infos.
	KindP2pAgents
	// KindP2pMetrics holds per peer gossip metadata.
	KindP2pMetrics
)

func (k Kind) String() string {
	switch k {
	case KindAuthored:
		return "authored"
	case KindDht:
		return "dht"
	case KindCache:
		return "cache"
	case KindP2pAgents:
		return "p2p_agents"
	case KindP2pMetrics:
		return "p2p_metrics"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// FileName returns the file name for a role. Authored databases are per
// agent; 'agent' is ignored for the others.
func FileName(k Kind, agent core.AgentPubKey) string {
	if k == KindAuthored {
		return fmt.Sprintf("authored_%s.sqlite", agent.String())
	}
	return k.String() + ".sqlite"
}

// PathFor returns the path of a role's database under dir.
func PathFor(dir string, k Kind, agent core.AgentPubKey) string {
	return filepath.Join(dir, FileName(k, agent))
}
