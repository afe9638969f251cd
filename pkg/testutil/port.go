// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package testutil

import (
	"net"
	"strconv"

	log "github.com/golang/glog"
)

// FreeAddr returns a "localhost:port" address nothing listens on right
// now. Another process may still take it before the caller does.
func FreeAddr() string {
	return net.JoinHostPort("localhost", strconv.Itoa(GetFreePort()))
}

// GetFreePort returns a local TCP port nothing listens on right now.
func GetFreePort() int {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		log.Fatalf("no free local port: %s", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
