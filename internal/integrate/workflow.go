// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package integrate takes ops held for the DHT through validation and into
// the integrated store, and issues warrants against authors of invalid ones.
//
// Ops move through the stages of store.Stage. A pass of the workflow runs
// system validation on received ops, app validation on system validated
// ops, and integrates app validated ones. Ops that miss a dependency park in
// an awaiting stage until it arrives, or until they've been tried
// MaxValidationAttempts times.
package integrate

import (
	"context"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/dhtop"
	"github.com/westerndigitalcorporation/agentdht/internal/keystore"
	"github.com/westerndigitalcorporation/agentdht/internal/server"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
)

var (
	validateOps = server.NewOpMetric("integrate", "validate", "stage")

	opsDone = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentdht",
		Subsystem: "integrate",
		Name:      "ops_done",
		Help:      "ops that left the pipeline, by status",
	}, []string{"status"})
	warrantsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentdht",
		Subsystem: "integrate",
		Name:      "warrants_issued",
		Help:      "warrants we signed, by proof kind",
	}, []string{"kind"})
)

// Publisher hands an op we authored to the publish queue.
type Publisher func(ctx context.Context, op *dhtop.DhtOp) error

// Progress counts what one pass did.
type Progress struct {
	SysValidated int
	AppValidated int
	Integrated   int
	Rejected     int
	Parked       int
	Abandoned    int
}

// Moved returns the number of ops that changed stage.
func (p Progress) Moved() int {
	return p.SysValidated + p.AppValidated + p.Integrated + p.Rejected + p.Parked + p.Abandoned
}

// Workflow validates and integrates the ops in one DHT database.
type Workflow struct {
	cfg Config
	db  *store.DB
	ks  keystore.Keystore
	// issuer signs our warrants. With a zero issuer we don't warrant.
	issuer  core.AgentPubKey
	app     AppValidator
	publish Publisher

	trigger chan struct{}
	now     func() time.Time
}

// New returns a workflow over 'db'. 'app' and 'publish' may be nil.
func New(cfg Config, db *store.DB, ks keystore.Keystore, issuer core.AgentPubKey, app AppValidator, publish Publisher) *Workflow {
	return &Workflow{
		cfg:     cfg,
		db:      db,
		ks:      ks,
		issuer:  issuer,
		app:     app,
		publish: publish,
		trigger: make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Trigger asks Run for a pass soon.
func (w *Workflow) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Incoming stores ops to be validated. Ops we already hold are left alone,
// whatever their stage. It implements fetch.Sink.
func (w *Workflow) Incoming(ctx context.Context, ops []*dhtop.DhtOp, source string) error {
	var added int
	err := w.db.Write(ctx, func(txn *store.Txn) error {
		added = 0
		for _, d := range ops {
			ok, err := txn.PutOp(d.Row(store.StageReceived, store.StatusPending))
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			added++
			if err := wake(txn, d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if added > 0 {
		log.V(2).Infof("integrate: %d new ops of %d from %s", added, len(ops), source)
		w.Trigger()
	}
	return nil
}

// wake sends the ops parked on what 'd' provides back to the stage they
// were parked in.
func wake(txn *store.Txn, d *dhtop.DhtOp) error {
	if d.Chain == nil {
		return nil
	}
	keys := []core.Hash{d.ActionHash().Hash}
	if eh, _, ok := d.Chain.Action().EntryData(); ok {
		keys = append(keys, eh.Hash)
	}
	for _, k := range keys {
		rows, err := txn.OpsAwaiting(k)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if err := txn.SetOpState(r.Hash, unparkStage(r.Stage), store.StatusPending, r.Dependency); err != nil {
				return err
			}
		}
	}
	return nil
}

func unparkStage(s store.Stage) store.Stage {
	if s == store.StageAwaitingAppDeps {
		return store.StageSysValidated
	}
	return store.StageReceived
}

// Run runs passes whenever ops arrive, and retries parked ops every
// RetryInterval, until 'ctx' is done.
func (w *Workflow) Run(ctx context.Context) {
	log.Infof("integrate: workflow started")
	t := time.NewTicker(w.cfg.RetryInterval)
	defer t.Stop()
	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			log.Infof("integrate: workflow stopped")
			return
		case <-w.trigger:
		case <-t.C:
			if err := w.Retry(ctx); err != nil && ctx.Err() == nil {
				log.Errorf("integrate: retry: %s", err)
			}
		}
	}
}

// drain runs passes until one moves nothing.
func (w *Workflow) drain(ctx context.Context) {
	for ctx.Err() == nil {
		p, err := w.Pass(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Errorf("integrate: %s", err)
			}
			return
		}
		if p.Moved() == 0 {
			return
		}
		log.V(1).Infof("integrate: pass %+v", p)
	}
}

// Pass runs each stage once over up to BatchSize ops.
func (w *Workflow) Pass(ctx context.Context) (Progress, error) {
	var p Progress
	if err := w.sysStage(ctx, &p); err != nil {
		return p, err
	}
	if err := w.appStage(ctx, &p); err != nil {
		return p, err
	}
	err := w.integrateStage(ctx, &p)
	return p, err
}

// Retry sends parked ops back for another try.
func (w *Workflow) Retry(ctx context.Context) error {
	var n int
	err := w.db.Write(ctx, func(txn *store.Txn) error {
		n = 0
		for _, s := range []store.Stage{store.StageAwaitingSysDeps, store.StageAwaitingAppDeps} {
			rows, err := txn.OpsInStage(s, w.cfg.BatchSize)
			if err != nil {
				return err
			}
			for _, r := range rows {
				if err := txn.SetOpState(r.Hash, unparkStage(s), store.StatusPending, r.Dependency); err != nil {
					return err
				}
				n++
			}
		}
		return nil
	})
	if n > 0 {
		w.Trigger()
	}
	return err
}

func (w *Workflow) inStage(ctx context.Context, s store.Stage) ([]*store.OpRow, error) {
	var rows []*store.OpRow
	err := w.db.Read(ctx, func(txn *store.Txn) (err error) {
		rows, err = txn.OpsInStage(s, w.cfg.BatchSize)
		return err
	})
	return rows, err
}

func (w *Workflow) sysStage(ctx context.Context, p *Progress) error {
	rows, err := w.inStage(ctx, store.StageReceived)
	if err != nil {
		return err
	}
	for _, r := range rows {
		op := validateOps.Start("sys")
		d, err := dhtop.FromRow(r)
		var v verdict
		if err != nil {
			v = rejected(err)
		} else if v, err = w.sysValidate(ctx, d); err != nil {
			op.EndWithError(err)
			return err
		}
		err = w.apply(ctx, r, d, v, p)
		w.endOp(op, v, err)
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *Workflow) appStage(ctx context.Context, p *Progress) error {
	rows, err := w.inStage(ctx, store.StageSysValidated)
	if err != nil {
		return err
	}
	for _, r := range rows {
		op := validateOps.Start("app")
		d, err := dhtop.FromRow(r)
		var v verdict
		if err != nil {
			v = rejected(err)
		} else if v, err = w.appValidate(ctx, d); err != nil {
			// The validator couldn't run; the op stays for a later pass.
			log.Errorf("integrate: app validation of %s: %s", d, err)
			op.EndWithError(err)
			continue
		}
		err = w.apply(ctx, r, d, v, p)
		w.endOp(op, v, err)
		if err != nil {
			return err
		}
	}
	return nil
}

type measurer interface {
	Result(string)
	EndWithError(error)
}

func (w *Workflow) endOp(op measurer, v verdict, err error) {
	if err == nil {
		switch v.kind {
		case reject:
			op.Result("rejected")
		case park:
			op.Result("parked")
		}
	}
	op.EndWithError(err)
}

// appValidate runs the app validator. Warrants and ops without a validator
// pass.
func (w *Workflow) appValidate(ctx context.Context, d *dhtop.DhtOp) (verdict, error) {
	if w.app == nil || d.Chain == nil {
		return accepted, nil
	}
	deps, err := w.depOps(ctx, d)
	if err != nil {
		return verdict{}, err
	}
	out, err := w.app.Validate(ctx, d, deps)
	if err != nil {
		return verdict{}, err
	}
	switch out.Kind {
	case OutcomeValid:
		return accepted, nil
	case OutcomeUnresolved:
		var dep core.Hash
		if len(out.Deps) > 0 {
			dep = out.Deps[0].Hash
		}
		return parked(dep), nil
	}
	return rejected(out.Err()), nil
}

// apply records a verdict on an op in the received or sys validated stage.
// 'd' is nil if the op didn't decode.
func (w *Workflow) apply(ctx context.Context, r *store.OpRow, d *dhtop.DhtOp, v verdict, p *Progress) error {
	switch v.kind {
	case accept:
		next, status := store.StageAppValidated, store.StatusPending
		if r.Stage == store.StageReceived {
			next = store.StageSysValidated
			if d.Warrant != nil {
				// Warrants carry no app data.
				next, status = store.StageIntegrated, store.StatusValid
			}
		}
		err := w.db.Write(ctx, func(txn *store.Txn) error {
			return txn.SetOpState(r.Hash, next, status, r.Dependency)
		})
		if err != nil {
			return err
		}
		switch next {
		case store.StageSysValidated:
			p.SysValidated++
		case store.StageAppValidated:
			p.AppValidated++
		default:
			p.Integrated++
			opsDone.WithLabelValues(status.String()).Inc()
		}
		return nil

	case park:
		awaiting := store.StageAwaitingSysDeps
		if r.Stage == store.StageSysValidated {
			awaiting = store.StageAwaitingAppDeps
		}
		var abandoned bool
		err := w.db.Write(ctx, func(txn *store.Txn) error {
			n, err := txn.BumpOpAttempts(r.Hash)
			if err != nil {
				return err
			}
			if abandoned = n >= w.cfg.MaxValidationAttempts; abandoned {
				return txn.SetOpState(r.Hash, store.StageIntegrated, store.StatusAbandoned, v.dep)
			}
			return txn.SetOpState(r.Hash, awaiting, store.StatusPending, v.dep)
		})
		if err != nil {
			return err
		}
		if abandoned {
			log.Infof("integrate: abandoned op %s waiting for %s", r.Hash.Short(), v.dep.Short())
			opsDone.WithLabelValues(store.StatusAbandoned.String()).Inc()
			p.Abandoned++
		} else {
			p.Parked++
		}
		return nil
	}

	err := w.db.Write(ctx, func(txn *store.Txn) error {
		return txn.SetOpState(r.Hash, store.StageIntegrated, store.StatusRejected, r.Dependency)
	})
	if err != nil {
		return err
	}
	p.Rejected++
	opsDone.WithLabelValues(store.StatusRejected.String()).Inc()
	if d == nil || d.Chain == nil {
		log.Warningf("integrate: rejected op %s: %s", r.Hash.Short(), v.err)
		return nil
	}
	log.Warningf("integrate: rejected %s: %s", d, v.err)
	wr := dhtop.NewInvalidOpWarrant(w.issuer, w.timestamp(), d.Chain)
	return w.issue(ctx, wr)
}

// integrateStage integrates app validated ops, wakes what waits on them and
// looks for forks among activity ops.
func (w *Workflow) integrateStage(ctx context.Context, p *Progress) error {
	rows, err := w.inStage(ctx, store.StageAppValidated)
	if err != nil {
		return err
	}
	for _, r := range rows {
		d, err := dhtop.FromRow(r)
		if err != nil {
			if err := w.apply(ctx, r, nil, rejected(err), p); err != nil {
				return err
			}
			continue
		}
		err = w.db.Write(ctx, func(txn *store.Txn) error {
			if err := txn.SetOpState(r.Hash, store.StageIntegrated, store.StatusValid, r.Dependency); err != nil {
				return err
			}
			if err := record(txn, d); err != nil {
				return err
			}
			return wake(txn, d)
		})
		if err != nil {
			return err
		}
		p.Integrated++
		opsDone.WithLabelValues(store.StatusValid.String()).Inc()
		if d.Type() == dhtop.RegisterAgentActivity {
			if err := w.checkFork(ctx, d.Chain); err != nil {
				return err
			}
		}
	}
	return nil
}

// record makes the action and entry of a valid chain op readable by record
// and entry lookups.
func record(txn *store.Txn, d *dhtop.DhtOp) error {
	if d.Chain == nil {
		return nil
	}
	if _, err := txn.PutAction(&d.Chain.Signed); err != nil {
		return err
	}
	if d.Chain.Entry != nil {
		return txn.PutEntry(d.Chain.Entry)
	}
	return nil
}

// checkFork warrants the author of 'o' if we integrated another action of
// theirs at the same sequence number.
func (w *Workflow) checkFork(ctx context.Context, o *dhtop.ChainOp) error {
	a := o.Action()
	self := o.ActionHash()
	var other *dhtop.ChainOp
	err := w.db.Read(ctx, func(txn *store.Txn) error {
		other = nil
		rows, err := txn.OpsByBasis(a.Author.Hash, uint8(dhtop.RegisterAgentActivity))
		if err != nil {
			return err
		}
		for _, r := range rows {
			if r.Stage != store.StageIntegrated || r.Status != store.StatusValid || r.Action == self.Hash {
				continue
			}
			d, err := dhtop.FromRow(r)
			if err != nil {
				return err
			}
			if d.Chain.Action().Seq == a.Seq {
				other = d.Chain
				return nil
			}
		}
		return nil
	})
	if err != nil || other == nil {
		return err
	}
	log.Warningf("integrate: %s forked at seq %d", a.Author.Short(), a.Seq)
	wr, err := dhtop.NewForkWarrant(w.issuer, w.timestamp(), &o.Signed, &other.Signed)
	if err != nil {
		return err
	}
	return w.issue(ctx, wr)
}

// issue signs a warrant, stores it as a pending op and publishes it. Only
// the first effective warrant against an action is issued.
func (w *Workflow) issue(ctx context.Context, wr dhtop.Warrant) error {
	if w.issuer.IsZero() {
		log.V(1).Infof("integrate: no issuer, not warranting %s", wr.Warrantee.Short())
		return nil
	}
	warranted, err := w.IsActionWarrantedAsInvalid(ctx, wr.Proof.Action, wr.Warrantee)
	if err != nil || warranted {
		return err
	}
	sw, err := dhtop.SignWarrant(ctx, w.ks, wr)
	if err != nil {
		return err
	}
	d := dhtop.FromWarrant(sw)
	err = w.db.Write(ctx, func(txn *store.Txn) error {
		_, err := txn.PutOp(d.Row(store.StageReceived, store.StatusPending))
		return err
	})
	if err != nil {
		return err
	}
	warrantsIssued.WithLabelValues(wr.Proof.Kind.String()).Inc()
	log.Infof("integrate: issued %s warrant against %s for %s", wr.Proof.Kind, wr.Warrantee.Short(), wr.Proof.Action.Short())
	if w.publish != nil {
		if err := w.publish(ctx, &d); err != nil {
			log.Errorf("integrate: publishing warrant %s: %s", d.Hash().Short(), err)
		}
	}
	w.Trigger()
	return nil
}

// IsActionWarrantedAsInvalid returns true if we hold a pending or valid
// warrant against 'author' naming 'h'.
func (w *Workflow) IsActionWarrantedAsInvalid(ctx context.Context, h core.ActionHash, author core.AgentPubKey) (bool, error) {
	var n int
	err := w.db.Read(ctx, func(txn *store.Txn) (err error) {
		n, err = txn.CountEffectiveWarrants(uint8(dhtop.ChainIntegrityWarrant), h.Hash, author)
		return err
	})
	return n > 0, err
}

// Counts returns the number of ops in each stage.
func (w *Workflow) Counts(ctx context.Context) (map[store.Stage]int, error) {
	var out map[store.Stage]int
	err := w.db.Read(ctx, func(txn *store.Txn) (err error) {
		out, err = txn.CountOps()
		return err
	})
	return out, err
}

func (w *Workflow) timestamp() core.Timestamp {
	return core.TimestampFromTime(w.now())
}
