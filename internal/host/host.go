// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package host is the boundary between a cell and its application code.
//
// Application code implements Guest. The host runs it once per zome call or
// callback as an invocation, which carries the permissions of its
// CallContext and, in contexts that write, a scratch on the source chain.
// Guests reach the cell only through Envelope calls on the API they're
// handed; every call is checked against the invocation's permissions.
package host

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/agentdht/internal/action"
	"github.com/westerndigitalcorporation/agentdht/internal/chain"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/dhtop"
	"github.com/westerndigitalcorporation/agentdht/internal/integrate"
	"github.com/westerndigitalcorporation/agentdht/internal/keystore"
	"github.com/westerndigitalcorporation/agentdht/internal/server"
	"github.com/westerndigitalcorporation/agentdht/internal/store"
)

var (
	guestCalls = server.NewOpMetric("host", "guest_calls", "context")

	hostCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentdht",
		Subsystem: "host",
		Name:      "calls",
		Help:      "host function calls made by guests, by function and result",
	}, []string{"fn", "result"})
)

// ErrNoCallback is returned by guests for functions they don't implement.
// Callbacks that aren't implemented pass.
var ErrNoCallback = errors.New("no such guest function")

// Guest is application code.
type Guest interface {
	// Call runs 'fn' of 'zome'. It talks to the cell only through 'api'.
	Call(ctx context.Context, api API, zome, fn string, payload []byte) ([]byte, error)
}

// GuestFunc adapts a function to Guest.
type GuestFunc func(ctx context.Context, api API, zome, fn string, payload []byte) ([]byte, error)

// Call implements Guest.
func (f GuestFunc) Call(ctx context.Context, api API, zome, fn string, payload []byte) ([]byte, error) {
	return f(ctx, api, zome, fn, payload)
}

// API is what a guest sees of the host.
type API interface {
	Call(ctx context.Context, e Envelope) Result
	Context() CallContext
}

// Activity answers agent activity queries. *integrate.Workflow is one.
type Activity interface {
	AgentActivity(ctx context.Context, author core.AgentPubKey, f integrate.ActivityFilter) (*integrate.AgentActivity, error)
}

// Remote makes zome calls on other agents.
type Remote interface {
	CallRemote(ctx context.Context, call RemoteCall) ([]byte, error)
}

// Env is what the host runs guests against.
type Env struct {
	Dna      *action.DnaDef
	Chain    *chain.SourceChain
	Authored *store.DB
	DHT      *store.DB
	Keystore keystore.Keystore
	Guest    Guest

	// Optional.
	Activity Activity
	Remote   Remote
	Signals  func(Signal)
}

// Host runs the guest of one cell.
type Host struct {
	env Env
	dna core.DnaHash

	// initMu serializes init.
	initMu sync.Mutex
}

// New returns a host for 'env'.
func New(env Env) *Host {
	return &Host{env: env, dna: env.Dna.Hash()}
}

// SetActivity sets the source of agent activity. It must be called before
// the first Run if the workflow that answers activity needs the host.
func (h *Host) SetActivity(a Activity) {
	h.env.Activity = a
}

// Agent returns the agent of the cell.
func (h *Host) Agent() core.AgentPubKey {
	return h.env.Chain.Author()
}

// Output is the result of a zome call.
type Output struct {
	Payload []byte
	// Committed has what the call, and init if it ran first, wrote.
	Committed chain.Committed
}

func (o *Output) add(c *chain.Committed) {
	if c != nil {
		o.Committed.Records = append(o.Committed.Records, c.Records...)
		o.Committed.Ops = append(o.Committed.Ops, c.Ops...)
	}
}

// CallZome runs 'fn' of 'zome' for 'provenance', running init first if the
// chain needs it. What the guest staged is committed if it returns without
// error and dropped otherwise. post_commit runs after a commit that wrote
// something.
func (h *Host) CallZome(ctx context.Context, provenance core.AgentPubKey, zome, fn string, payload []byte) (*Output, error) {
	zi, ok := h.zomeIndex(zome)
	if !ok {
		return nil, core.ErrNotFound.Errorf("zome %q", zome)
	}
	out := &Output{}
	c, err := h.ensureInit(ctx)
	if err != nil {
		return nil, err
	}
	out.add(c)

	res, c, err := h.run(ctx, ZomeCall, provenance, zi, fn, payload)
	if err != nil {
		return nil, err
	}
	out.Payload = res
	out.add(c)
	if c != nil && len(c.Records) > 0 {
		h.postCommit(ctx, c.Records)
	}
	return out, nil
}

// run runs one guest function in context 'cc'. In writing contexts the
// scratch is committed only if the guest succeeds.
func (h *Host) run(ctx context.Context, cc CallContext, provenance core.AgentPubKey, zi int, fn string, payload []byte) ([]byte, *chain.Committed, error) {
	inv, err := h.invocation(ctx, cc, provenance, zi)
	if err != nil {
		return nil, nil, err
	}
	res, err := inv.invoke(ctx, fn, payload)
	if err != nil {
		return nil, nil, err
	}
	if inv.scratch == nil {
		return res, nil, nil
	}
	c, err := h.env.Chain.Commit(ctx, inv.scratch, action.Strict)
	if err != nil {
		return nil, nil, err
	}
	return res, c, nil
}

// ensureInit runs the init callback of every zome once per chain, and
// commits their writes together with InitZomesComplete.
func (h *Host) ensureInit(ctx context.Context) (*chain.Committed, error) {
	h.initMu.Lock()
	defer h.initMu.Unlock()

	needs, err := h.env.Chain.NeedsInit(ctx)
	if err != nil || !needs {
		return nil, err
	}
	s, err := h.env.Chain.NewScratch(ctx)
	if err != nil {
		return nil, err
	}
	for zi, z := range h.env.Dna.IntegrityZome {
		inv := h.newInvocation(Init, h.Agent(), zi)
		inv.scratch = s
		if _, err := inv.invoke(ctx, "init", nil); err != nil && !errors.Is(err, ErrNoCallback) {
			return nil, fmt.Errorf("init of zome %s failed: %s", z.Name, err)
		}
	}
	if _, err := h.env.Chain.Put(ctx, s, action.InitZomesComplete{}, nil); err != nil {
		return nil, err
	}
	c, err := h.env.Chain.Commit(ctx, s, action.Strict)
	if err != nil {
		return nil, err
	}
	log.Infof("host: init of %s done", h.Agent().Short())
	return c, nil
}

// postCommit tells every zome what was committed. Failures are logged only.
func (h *Host) postCommit(ctx context.Context, recs []action.Record) {
	signed := make([]action.SignedAction, len(recs))
	for i := range recs {
		signed[i] = recs[i].Signed
	}
	payload, err := action.Encode(signed)
	if err != nil {
		log.Errorf("host: encoding post_commit input: %s", err)
		return
	}
	for zi, z := range h.env.Dna.IntegrityZome {
		if _, _, err := h.run(ctx, PostCommit, h.Agent(), zi, "post_commit", payload); err != nil && !errors.Is(err, ErrNoCallback) {
			log.Warningf("host: post_commit of zome %s: %s", z.Name, err)
		}
	}
}

// GenesisSelfCheck asks every zome whether our own membrane proof is good
// before genesis is written. A guest answers with an encoded
// integrate.Outcome.
func (h *Host) GenesisSelfCheck(ctx context.Context, membraneProof []byte) error {
	for zi, z := range h.env.Dna.IntegrityZome {
		inv := h.newInvocation(GenesisSelf, h.Agent(), zi)
		res, err := inv.invoke(ctx, "genesis_self_check", membraneProof)
		if errors.Is(err, ErrNoCallback) {
			continue
		} else if err != nil {
			return core.ErrMembraneRejected.Errorf("zome %s: %s", z.Name, err)
		}
		var o integrate.Outcome
		if err := action.Decode(res, &o); err != nil {
			return core.ErrMembraneRejected.Errorf("zome %s answered %s", z.Name, err)
		}
		if o.Kind != integrate.OutcomeValid {
			return core.ErrMembraneRejected.Errorf("zome %s: %s", z.Name, o.Reason)
		}
	}
	return nil
}

// ValidateInput is the input of the validate callback.
type ValidateInput struct {
	_msgpack struct{} `msgpack:",as_array"`
	Op       dhtop.DhtOp
	Deps     []dhtop.DhtOp
}

// Validate runs app validation of 'd' in the zomes it concerns. It
// implements integrate.AppValidator. Guests answer with an encoded
// integrate.Outcome; a guest that fails after a must_get_* miss leaves the
// op unresolved, any other failure makes it invalid.
func (h *Host) Validate(ctx context.Context, d *dhtop.DhtOp, deps []*dhtop.DhtOp) (integrate.Outcome, error) {
	in := ValidateInput{Op: *d}
	for _, dep := range deps {
		in.Deps = append(in.Deps, *dep)
	}
	payload, err := action.Encode(&in)
	if err != nil {
		return integrate.Outcome{}, err
	}
	for _, zi := range h.zomesFor(d) {
		inv := h.newInvocation(Validate, h.Agent(), zi)
		res, err := inv.invoke(ctx, "validate", payload)
		switch {
		case ctx.Err() != nil:
			return integrate.Outcome{}, core.FromContextError(ctx.Err())
		case len(inv.missing) > 0:
			return integrate.Unresolved(inv.missing...), nil
		case errors.Is(err, ErrNoCallback):
			continue
		case err != nil:
			return integrate.Invalid(err.Error()), nil
		}
		var o integrate.Outcome
		if err := action.Decode(res, &o); err != nil {
			return integrate.Invalid(fmt.Sprintf("bad validate answer: %s", err)), nil
		}
		if o.Kind != integrate.OutcomeValid {
			return o, nil
		}
	}
	return integrate.Valid, nil
}

// zomesFor returns the zomes that validate 'd': the zome of its entry or
// link type if it has one, else all of them.
func (h *Host) zomesFor(d *dhtop.DhtOp) []int {
	n := len(h.env.Dna.IntegrityZome)
	if d.Chain != nil {
		a := d.Chain.Action()
		if _, et, ok := a.EntryData(); ok && et.Kind == action.EntryTypeApp && int(et.ZomeIndex) < n {
			return []int{int(et.ZomeIndex)}
		}
		if a.Type == action.TypeCreateLink && int(a.ZomeIndex) < n {
			return []int{int(a.ZomeIndex)}
		}
	}
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	return all
}

func (h *Host) zomeIndex(name string) (int, bool) {
	for i, z := range h.env.Dna.IntegrityZome {
		if z.Name == name {
			return i, true
		}
	}
	return 0, false
}

// Invocation is one run of a guest function.
type Invocation struct {
	h          *Host
	cc         CallContext
	perms      Permissions
	zi         int
	provenance core.AgentPubKey

	// scratch is set in contexts that write.
	scratch *chain.Scratch
	// missing is what must_get_* calls didn't find.
	missing []core.AnyDhtHash
}

func (h *Host) newInvocation(cc CallContext, provenance core.AgentPubKey, zi int) *Invocation {
	return &Invocation{h: h, cc: cc, perms: PermissionsFor(cc), zi: zi, provenance: provenance}
}

func (h *Host) invocation(ctx context.Context, cc CallContext, provenance core.AgentPubKey, zi int) (*Invocation, error) {
	inv := h.newInvocation(cc, provenance, zi)
	if cc.Writes() {
		s, err := h.env.Chain.NewScratch(ctx)
		if err != nil {
			return nil, err
		}
		inv.scratch = s
	}
	return inv, nil
}

// Context implements API.
func (inv *Invocation) Context() CallContext {
	return inv.cc
}

func (inv *Invocation) zome() *action.ZomeDef {
	return &inv.h.env.Dna.IntegrityZome[inv.zi]
}

// invoke runs the guest. A panic fails the invocation; the caller drops the
// scratch.
func (inv *Invocation) invoke(ctx context.Context, fn string, payload []byte) (out []byte, err error) {
	op := guestCalls.Start(inv.cc.String())
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("host: guest panic in %s/%s (%s): %v\n%s", inv.zome().Name, fn, inv.cc, r, debug.Stack())
			out, err = nil, core.ErrUnknown.Errorf("guest panic in %s/%s: %v", inv.zome().Name, fn, r)
		}
		if errors.Is(err, ErrNoCallback) {
			op.Result("no_callback")
			op.End()
			return
		}
		op.EndWithError(err)
	}()
	return inv.h.env.Guest.Call(ctx, inv, inv.zome().Name, fn, payload)
}

// Call implements API.
func (inv *Invocation) Call(ctx context.Context, e Envelope) Result {
	if !inv.perms.Has(e.Fn) {
		hostCalls.WithLabelValues(e.Fn.String(), Unauthorized.String()).Inc()
		return Result{Kind: Unauthorized, Reason: fmt.Sprintf("%s is not allowed in %s", e.Fn, inv.cc)}
	}
	out, err := inv.dispatch(ctx, e)
	if err == nil {
		var b []byte
		if b, err = action.Encode(out); err == nil {
			hostCalls.WithLabelValues(e.Fn.String(), Ok.String()).Inc()
			return Result{Kind: Ok, Payload: b}
		}
	}
	kind := NetworkError
	if core.ErrUnauthorized.Is(err) {
		kind = Unauthorized
	}
	hostCalls.WithLabelValues(e.Fn.String(), kind.String()).Inc()
	return Result{Kind: kind, Reason: err.Error()}
}

func decodeIn(e Envelope, in interface{}) error {
	if err := action.Decode(e.Payload, in); err != nil {
		return core.ErrInvalidArgument.Errorf("input of %s: %s", e.Fn, err)
	}
	return nil
}

func (inv *Invocation) dispatch(ctx context.Context, e Envelope) (interface{}, error) {
	switch e.Fn {
	case FnCreateEntry, FnUpdateEntry, FnDeleteEntry, FnCreateLink, FnDeleteLink:
		return inv.write(ctx, e)

	case FnGet, FnGetDetails:
		var h core.AnyDhtHash
		if err := decodeIn(e, &h); err != nil {
			return nil, err
		}
		if e.Fn == FnGet {
			return inv.h.get(ctx, h)
		}
		return inv.h.details(ctx, h)

	case FnGetLinks, FnGetLinkDetails, FnCountLinks:
		var in LinksInput
		if err := decodeIn(e, &in); err != nil {
			return nil, err
		}
		details, err := inv.h.links(ctx, in)
		if err != nil {
			return nil, err
		}
		switch e.Fn {
		case FnGetLinkDetails:
			return details, nil
		case FnCountLinks:
			return len(liveLinks(details)), nil
		}
		return liveLinks(details), nil

	case FnQuery:
		var in QueryInput
		if err := decodeIn(e, &in); err != nil {
			return nil, err
		}
		return inv.h.env.Chain.Query(ctx, in.filter())

	case FnCallRemote:
		var in RemoteCall
		if err := decodeIn(e, &in); err != nil {
			return nil, err
		}
		if inv.h.env.Remote == nil {
			return nil, core.ErrPeerUnreachable.Errorf("no network")
		}
		in.From = inv.h.Agent()
		return inv.h.env.Remote.CallRemote(ctx, in)

	case FnEmitSignal:
		var payload []byte
		if err := decodeIn(e, &payload); err != nil {
			return nil, err
		}
		if inv.h.env.Signals != nil {
			inv.h.env.Signals(Signal{Agent: inv.h.Agent(), Zome: inv.zome().Name, Payload: payload})
		}
		return nil, nil

	case FnZomeInfo:
		z := inv.zome()
		return ZomeInfo{Name: z.Name, Index: uint8(inv.zi), EntryTypes: z.EntryTypes, LinkTypes: z.LinkTypes}, nil

	case FnDnaInfo:
		d := inv.h.env.Dna
		info := DnaInfo{Hash: inv.h.dna, Name: d.Name, NetworkSeed: d.NetworkSeed, Properties: d.Properties}
		for _, z := range d.IntegrityZome {
			info.Zomes = append(info.Zomes, z.Name)
		}
		return info, nil

	case FnAgentInfo:
		head, err := inv.h.env.Chain.Head(ctx)
		if err != nil {
			return nil, err
		}
		return AgentInfo{
			Agent:      inv.h.Agent(),
			HeadSeq:    head.Seq,
			HeadHash:   head.Hash,
			HeadTime:   head.Timestamp,
			Provenance: inv.provenance,
		}, nil

	case FnSysTime:
		return core.Now(), nil

	case FnMustGetEntry, FnMustGetAction, FnMustGetValidRecord, FnMustGetAgentActivity:
		return inv.mustGet(ctx, e)
	}
	return inv.crypto(ctx, e)
}
