// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"encoding/json"
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// OpFailure maps operation names to the errors the failure service wants
// them to fail with. The config it is registered under is a json object
// from operation name to core.Error number, e.g. {"publish": 7}.
type OpFailure struct {
	lock     sync.Mutex
	failures map[string]core.Error
}

// NewOpFailure creates a new OpFailure that fails nothing.
func NewOpFailure() *OpFailure {
	return &OpFailure{failures: make(map[string]core.Error)}
}

// Get returns the error registered for 'op', or NoError.
func (f *OpFailure) Get(op string) core.Error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.failures[op]
}

// Handler is registered with the failure service. A nil config clears
// every failure.
func (f *OpFailure) Handler(config json.RawMessage) error {
	var failures map[string]core.Error
	if config != nil {
		if err := json.Unmarshal(config, &failures); err != nil {
			log.Errorf("failed to unmarshal op failure config: %s", err)
			return err
		}
	}
	log.Infof("op failures now %v", failures)

	f.lock.Lock()
	defer f.lock.Unlock()
	f.failures = failures
	if f.failures == nil {
		f.failures = make(map[string]core.Error)
	}
	return nil
}
