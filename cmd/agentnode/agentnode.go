// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/westerndigitalcorporation/agentdht/internal/bootstrap"
	"github.com/westerndigitalcorporation/agentdht/internal/conductor"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/keystore"
	"github.com/westerndigitalcorporation/agentdht/internal/server"
	"github.com/westerndigitalcorporation/agentdht/internal/transport"
	"github.com/westerndigitalcorporation/agentdht/pkg/failures"
)

/*

Configuring the node follows three steps:

  (1) Default config parameters are pulled from 'conductor.DefaultProdConfig'.

  (2) An optional configuration file (in json format) given with '-nodeCfg' overrides the default values.

  (3) Optional flags override each individual parameter set in the previous two steps, e.g., '-addr=":9000"'.

*/

var (
	// Default configuration. This is the default configuration for production.
	cfg = conductor.DefaultProdConfig

	// Config file name.
	nodeFile = flag.String("nodeCfg", "", "configuration file for the node")

	addr           = flag.String("addr", "", "address to listen for peers on")
	statusAddr     = flag.String("statusAddr", "", "address of the status and metrics pages")
	dataDir        = flag.String("dataDir", "", "directory holding the databases and the keystore")
	bootstrapURL   = flag.String("bootstrap", "", "URL of the bootstrap service")
	passphrase     = flag.String("passphrase", "", "passphrase protecting the keystore and database blobs")
	useFailure     = flag.Bool("useFailure", false, "whether to enable the failure service")
	serveBootstrap = flag.Int("serveBootstrap", 0, "if positive, also serve a bootstrap service at /bootstrap keeping this many agents per space")
	agents         = flag.Int("agents", 1, "how many agents to install if the data dir has none")
)

// Initialize config parameters. It first tries to read from the configuration
// file and then applies the command-line flags to override specified values.
func init() {
	flag.Parse()

	if *nodeFile != "" {
		f, err := os.Open(*nodeFile)
		if err != nil {
			log.Fatalf("couldn't open the provided config file: %s", err)
		}
		if err = json.NewDecoder(f).Decode(&cfg); err != nil {
			log.Fatalf("failed to decode the config file: %s", err)
		}
		f.Close()
	}

	// Flags left at their zero value don't override anything.
	if *addr != "" {
		cfg.Transport.Addr = *addr
	}
	if *statusAddr != "" {
		cfg.StatusAddr = *statusAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *bootstrapURL != "" {
		cfg.Bootstrap.URL = *bootstrapURL
	}
	if *passphrase != "" {
		cfg.Passphrase = *passphrase
	}
	if *useFailure {
		cfg.UseFailure = true
	}
	cfg.Store.Passphrase = cfg.Passphrase
}

func main() {
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Failed to validate configurations: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		log.Fatalf("couldn't create data dir: %s", err)
	}

	if cfg.UseFailure {
		log.Infof("enabling failure service")
		failures.Init()
	}

	ks, err := keystore.OpenBolt(filepath.Join(cfg.DataDir, "keystore.bolt"), []byte(cfg.Passphrase))
	if err != nil {
		log.Fatalf("couldn't open the keystore: %s", err)
	}
	tr, err := transport.NewTCP(cfg.Transport)
	if err != nil {
		log.Fatalf("couldn't listen for peers: %s", err)
	}

	c := conductor.New(cfg, tr, ks)
	c.Start()

	ctx := context.Background()
	guest := newNotesGuest()
	cells, err := c.RestoreCells(ctx, notesDna, guest)
	if err != nil {
		log.Fatalf("couldn't restore cells: %s", err)
	}
	for len(cells) < *agents {
		cell, err := c.InstallCell(ctx, notesDna, guest, nil)
		if err != nil {
			log.Fatalf("couldn't install a cell: %s", err)
		}
		cells = append(cells, cell)
	}
	for _, cell := range cells {
		log.Infof("running agent %s", cell.Agent())
	}

	go func() {
		for s := range c.Signals() {
			log.Infof("signal from %s/%s: %q", s.Agent.Short(), s.Zome, s.Payload)
		}
	}()

	shutdown := func() {
		log.Infof("shutting down")
		c.Close()
		ks.Close()
		log.Flush()
		os.Exit(0)
	}
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-quit
		shutdown()
	}()

	http.Handle("/", c)
	http.Handle("/metrics", promhttp.Handler())
	http.Handle("/call", callHandler{c})
	http.Handle("/_quit", server.QuitHandler(shutdown))
	if *serveBootstrap > 0 {
		http.Handle("/bootstrap", bootstrap.NewServer(*serveBootstrap))
	}

	log.Infof("status page listening on address %s", cfg.StatusAddr)
	err = http.ListenAndServe(cfg.StatusAddr, nil) // this blocks forever
	log.Fatalf("http listener returned error: %v", err)
}

// callHandler runs a zome function of one of our agents:
//
//	POST /call?agent=<agent>&fn=<fn>
//
// with the payload as the body. The agent defaults to the first one.
type callHandler struct {
	c *conductor.Conductor
}

func (h callHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	cell, err := h.cell(r.URL.Query().Get("agent"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	payload, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := cell.CallZome(r.Context(), "notes", r.URL.Query().Get("fn"), payload)
	if err != nil {
		code := http.StatusInternalServerError
		if core.ErrUnauthorized.Is(err) {
			code = http.StatusForbidden
		}
		http.Error(w, err.Error(), code)
		return
	}
	w.Write(out)
}

func (h callHandler) cell(agent string) (*conductor.Cell, error) {
	if agent == "" {
		cells := h.c.Cells()
		if len(cells) == 0 {
			return nil, fmt.Errorf("no agents")
		}
		return cells[0], nil
	}
	hash, err := core.ParseHash(agent)
	if err == nil {
		hash, err = core.AsTyped(hash, core.HashTypeAgent)
	}
	if err != nil {
		return nil, err
	}
	cell, ok := h.c.Cell(core.AgentPubKey{Hash: hash})
	if !ok {
		return nil, fmt.Errorf("no agent %s here", agent)
	}
	return cell, nil
}
