// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	"github.com/peterh/liner"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/dhtop"
	"github.com/westerndigitalcorporation/agentdht/internal/peerstore"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
)

var usage = `
	chaincli inspects the databases of an agentdht node. It only reads, and
	can be pointed at the data dir of a stopped node or of a running one.

	Issue one command:

		chaincli --dataDir <dir> <subcommand> [<flags>...]

	or start an interpreter:

		chaincli --dataDir <dir> shell

	Spaces are named by DNA hash and agents by public key, as 'spaces' and
	'agents' print them. Any unique prefix works.
	`

// chainCli keeps the databases it opened so later commands reuse them.
type chainCli struct {
	app *cli.App
	dbs map[string]*store.DB // by path.
}

func newChainCli() *chainCli {
	b := &chainCli{dbs: make(map[string]*store.DB)}
	app := cli.NewApp()
	app.Name = "chaincli"
	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "dataDir, d",
			Usage: "data dir of the node",
		},
		cli.StringFlag{
			Name:  "passphrase",
			Usage: "passphrase the node's blobs are encrypted with, if any",
		},
	}

	spaceFlag := cli.StringFlag{
		Name:  "space, s",
		Usage: "DNA hash of the space (default: the only one)",
	}
	agentFlag := cli.StringFlag{
		Name:  "agent, a",
		Usage: "agent public key (default: the only one)",
	}
	limitFlag := cli.IntFlag{
		Name:  "limit, l",
		Usage: "at most this many rows",
		Value: 50,
	}

	app.Commands = []cli.Command{
		{
			Name:   "spaces",
			Usage:  "Lists the spaces in the data dir.",
			Action: b.cmdSpaces,
		},
		{
			Name:   "agents",
			Usage:  "Lists the agents of a space with their chain heads.",
			Flags:  []cli.Flag{spaceFlag},
			Action: b.cmdAgents,
		},
		{
			Name:  "chain",
			Usage: "Prints an agent's source chain.",
			Flags: []cli.Flag{
				spaceFlag,
				agentFlag,
				limitFlag,
				cli.IntFlag{Name: "from", Usage: "first seq"},
				cli.BoolFlag{Name: "desc", Usage: "newest first"},
			},
			Action: b.cmdChain,
		},
		{
			Name:  "ops",
			Usage: "Prints the ops of the DHT database in one stage.",
			Flags: []cli.Flag{
				spaceFlag,
				limitFlag,
				cli.StringFlag{Name: "stage", Usage: "stage name", Value: store.StageIntegrated.String()},
			},
			Action: b.cmdOps,
		},
		{
			Name:   "counts",
			Usage:  "Counts the ops of the DHT database by stage.",
			Flags:  []cli.Flag{spaceFlag},
			Action: b.cmdCounts,
		},
		{
			Name:  "op",
			Usage: "Prints one op of the DHT database.",
			Flags: []cli.Flag{
				spaceFlag,
				cli.StringFlag{Name: "hash", Usage: "op hash"},
			},
			Action: b.cmdOp,
		},
		{
			Name:   "peers",
			Usage:  "Lists the agent infos a space knows.",
			Flags:  []cli.Flag{spaceFlag},
			Action: b.cmdPeers,
		},
		{
			Name:   "shell",
			Usage:  "Starts an interpreter.",
			Action: b.cmdShell,
		},
	}
	b.app = app

	// By default 'HelpName' will be the parent command name plus the
	// command name. Overwrite it to be the command name only.
	for i := range b.app.Commands {
		b.app.Commands[i].HelpName = b.app.Commands[i].Name
	}
	return b
}

func (b *chainCli) run(args []string) error {
	return b.app.Run(args)
}

// stop closes every database we opened.
func (b *chainCli) stop() {
	for path, db := range b.dbs {
		if err := db.Close(); err != nil {
			log.Errorf("closing %s: %s", path, err)
		}
	}
	b.dbs = make(map[string]*store.DB)
}

func (b *chainCli) dataDir(c *cli.Context) string {
	dir := c.GlobalString("dataDir")
	if dir == "" {
		log.Errorf("No data dir given. Use --dataDir/-d.")
		os.Exit(1)
	}
	return dir
}

// open returns the database at 'path', opening it on first use.
func (b *chainCli) open(c *cli.Context, path string, kind store.Kind) (*store.DB, error) {
	if db, ok := b.dbs[path]; ok {
		return db, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	cfg := store.DefaultProdConfig
	cfg.Passphrase = c.GlobalString("passphrase")
	db, err := store.Open(path, kind, cfg)
	if err != nil {
		return nil, err
	}
	b.dbs[path] = db
	return db, nil
}

// spaceDirs returns the space directories of the data dir, by DNA hash.
func (b *chainCli) spaceDirs(c *cli.Context) (map[string]core.DnaHash, error) {
	dir := b.dataDir(c)
	files, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]core.DnaHash)
	for _, f := range files {
		if !f.IsDir() {
			continue
		}
		h, err := core.ParseHash(f.Name())
		if err != nil {
			continue
		}
		if h, err = core.AsTyped(h, core.HashTypeDna); err != nil {
			continue
		}
		out[f.Name()] = core.DnaHash{Hash: h}
	}
	return out, nil
}

// pick resolves 'prefix' among 'names'. An empty prefix picks the only
// name.
func pick(what, prefix string, names []string) (string, error) {
	var found []string
	for _, n := range names {
		if strings.HasPrefix(n, prefix) {
			found = append(found, n)
		}
	}
	switch {
	case len(found) == 1:
		return found[0], nil
	case len(found) == 0:
		return "", fmt.Errorf("no %s matches %q", what, prefix)
	case prefix == "":
		return "", fmt.Errorf("%d %ss; pick one", len(found), what)
	}
	return "", fmt.Errorf("%q matches %d %ss", prefix, len(found), what)
}

func (b *chainCli) space(c *cli.Context) (string, core.DnaHash, error) {
	spaces, err := b.spaceDirs(c)
	if err != nil {
		return "", core.DnaHash{}, err
	}
	var names []string
	for n := range spaces {
		names = append(names, n)
	}
	name, err := pick("space", c.String("space"), names)
	if err != nil {
		return "", core.DnaHash{}, err
	}
	return filepath.Join(b.dataDir(c), name), spaces[name], nil
}

// agents lists the agents with an authored database in 'dir'.
func agents(dir string) ([]string, error) {
	files, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range files {
		name := f.Name()
		if strings.HasPrefix(name, "authored_") && strings.HasSuffix(name, ".sqlite") {
			out = append(out, strings.TrimSuffix(strings.TrimPrefix(name, "authored_"), ".sqlite"))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *chainCli) agent(c *cli.Context, dir string) (core.AgentPubKey, error) {
	all, err := agents(dir)
	if err != nil {
		return core.AgentPubKey{}, err
	}
	name, err := pick("agent", c.String("agent"), all)
	if err != nil {
		return core.AgentPubKey{}, err
	}
	h, err := core.ParseHash(name)
	if err == nil {
		h, err = core.AsTyped(h, core.HashTypeAgent)
	}
	return core.AgentPubKey{Hash: h}, err
}

func fail(err error) error {
	log.Errorf("error: %s", err)
	return cli.NewExitError("", 1)
}

func (b *chainCli) cmdSpaces(c *cli.Context) error {
	spaces, err := b.spaceDirs(c)
	if err != nil {
		return fail(err)
	}
	var names []string
	for n := range spaces {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		all, err := agents(filepath.Join(b.dataDir(c), n))
		if err != nil {
			return fail(err)
		}
		fmt.Printf("%s\t%d agents\n", n, len(all))
	}
	return nil
}

func (b *chainCli) cmdAgents(c *cli.Context) error {
	dir, _, err := b.space(c)
	if err != nil {
		return fail(err)
	}
	all, err := agents(dir)
	if err != nil {
		return fail(err)
	}
	for _, name := range all {
		h, err := core.ParseHash(name)
		if err == nil {
			h, err = core.AsTyped(h, core.HashTypeAgent)
		}
		if err != nil {
			fmt.Printf("%s\t(bad name: %s)\n", name, err)
			continue
		}
		agent := core.AgentPubKey{Hash: h}
		db, err := b.open(c, store.PathFor(dir, store.KindAuthored, agent), store.KindAuthored)
		if err != nil {
			return fail(err)
		}
		var head store.Head
		err = db.Read(context.Background(), func(t *store.Txn) (err error) {
			head, err = t.ChainHead(agent)
			return
		})
		if core.ErrNotFound.Is(err) {
			fmt.Printf("%s\tempty chain\n", name)
			continue
		} else if err != nil {
			return fail(err)
		}
		fmt.Printf("%s\tseq %d\thead %s\t%s\n", name, head.Seq, head.Hash, head.Timestamp)
	}
	return nil
}

func (b *chainCli) cmdChain(c *cli.Context) error {
	dir, _, err := b.space(c)
	if err != nil {
		return fail(err)
	}
	agent, err := b.agent(c, dir)
	if err != nil {
		return fail(err)
	}
	db, err := b.open(c, store.PathFor(dir, store.KindAuthored, agent), store.KindAuthored)
	if err != nil {
		return fail(err)
	}
	q := store.ActionQuery{
		Author:     agent,
		SeqFrom:    uint32(c.Int("from")),
		Descending: c.Bool("desc"),
		Limit:      c.Int("limit"),
	}
	return b.read(db, func(t *store.Txn) error {
		actions, err := t.QueryActions(q)
		if err != nil {
			return err
		}
		for _, sa := range actions {
			a := &sa.Action
			line := fmt.Sprintf("%4d  %-22s %s  %s", a.Seq, a.Type, a.Hash(), a.Timestamp)
			if eh, et, ok := a.EntryData(); ok {
				line += fmt.Sprintf("  entry %s (%+v)", eh.Short(), et)
			}
			fmt.Println(line)
		}
		return nil
	})
}

func (b *chainCli) dht(c *cli.Context) (*store.DB, error) {
	dir, _, err := b.space(c)
	if err != nil {
		return nil, err
	}
	return b.open(c, store.PathFor(dir, store.KindDht, core.AgentPubKey{}), store.KindDht)
}

func parseStage(name string) (store.Stage, error) {
	for s := store.StageReceived; s <= store.StageIntegrated; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

func printOp(r *store.OpRow) {
	fmt.Printf("%s  %-24s %-9s %-10s basis %s  authored %s  attempts %d\n",
		r.Hash, dhtop.OpType(r.Type), r.Stage, r.Status, r.Basis.Short(), r.Authored, r.Attempts)
}

func (b *chainCli) cmdOps(c *cli.Context) error {
	stage, err := parseStage(c.String("stage"))
	if err != nil {
		return fail(err)
	}
	db, err := b.dht(c)
	if err != nil {
		return fail(err)
	}
	return b.read(db, func(t *store.Txn) error {
		rows, err := t.OpsInStage(stage, c.Int("limit"))
		if err != nil {
			return err
		}
		for _, r := range rows {
			printOp(r)
		}
		return nil
	})
}

func (b *chainCli) cmdCounts(c *cli.Context) error {
	db, err := b.dht(c)
	if err != nil {
		return fail(err)
	}
	return b.read(db, func(t *store.Txn) error {
		counts, err := t.CountOps()
		if err != nil {
			return err
		}
		for s := store.StageReceived; s <= store.StageIntegrated; s++ {
			fmt.Printf("%-18s %d\n", s, counts[s])
		}
		return nil
	})
}

func (b *chainCli) cmdOp(c *cli.Context) error {
	h, err := core.ParseHash(c.String("hash"))
	if err == nil {
		h, err = core.AsTyped(h, core.HashTypeDhtOp)
	}
	if err != nil {
		return fail(err)
	}
	db, err := b.dht(c)
	if err != nil {
		return fail(err)
	}
	return b.read(db, func(t *store.Txn) error {
		r, err := t.GetOp(core.DhtOpHash{Hash: h})
		if err != nil {
			return err
		}
		printOp(r)
		d, err := dhtop.Decode(r.Blob)
		if err != nil {
			return err
		}
		fmt.Println(d)
		return nil
	})
}

func (b *chainCli) cmdPeers(c *cli.Context) error {
	dir, dna, err := b.space(c)
	if err != nil {
		return fail(err)
	}
	agentsDB, err := b.open(c, store.PathFor(dir, store.KindP2pAgents, core.AgentPubKey{}), store.KindP2pAgents)
	if err != nil {
		return fail(err)
	}
	metricsDB, err := b.open(c, store.PathFor(dir, store.KindP2pMetrics, core.AgentPubKey{}), store.KindP2pMetrics)
	if err != nil {
		return fail(err)
	}
	peers := peerstore.New(peerstore.DefaultProdConfig, dna, agentsDB, metricsDB)
	all, err := peers.All(context.Background())
	if err != nil {
		return fail(err)
	}
	for _, p := range all {
		expires := time.Unix(0, p.Info.ExpiresAtMs*int64(time.Millisecond))
		fmt.Printf("%s  %v  arq %s  expires in %s\n", p.Info.Agent, p.Info.URLs, p.Info.Arq, time.Until(expires).Round(time.Second))
	}
	return nil
}

func (b *chainCli) read(db *store.DB, fn func(*store.Txn) error) error {
	if err := db.Read(context.Background(), fn); err != nil {
		return fail(err)
	}
	return nil
}

// cmdShell implements "shell" subcommand.
func (b *chainCli) cmdShell(c *cli.Context) error {
	// Make cli not exit on errors.
	cli.OsExiter = func(int) {}

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(in string) (out []string) {
		for _, cmd := range b.app.Commands {
			if strings.HasPrefix(cmd.Name, in) {
				out = append(out, cmd.Name)
			}
		}
		return
	})
	defer line.Close()

	for {
		input, err := line.Prompt("(chain) ")
		if err != nil {
			log.Errorf("error: %v", err)
			return nil
		}

		// Split with shell-style rules for quoting and commenting.
		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error: %v", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return nil
		}
		if b.runCommand(c, args...) == nil {
			line.AppendHistory(input)
		}
	}
}

func (b *chainCli) runCommand(c *cli.Context, args ...string) error {
	cliArgs := []string{"chaincli", "--dataDir", c.GlobalString("dataDir"), "--passphrase", c.GlobalString("passphrase")}
	return b.run(append(cliArgs, args...))
}
