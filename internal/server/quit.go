// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"net/http"
	"sync"

	log "github.com/golang/glog"
)

// QuitHandler runs 'shutdown' on the first POST it gets. It's for test
// clusters only.
func QuitHandler(shutdown func()) http.Handler {
	var once sync.Once
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST to quit", http.StatusMethodNotAllowed)
			return
		}
		log.Infof("quit requested by %s", r.RemoteAddr)
		w.WriteHeader(http.StatusAccepted)
		go once.Do(shutdown)
	})
}
