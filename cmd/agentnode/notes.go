// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/westerndigitalcorporation/agentdht/internal/action"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/host"
	"github.com/westerndigitalcorporation/agentdht/internal/integrate"
)

// notesDna is the DNA the node runs: agents post short notes and link them
// from a shared anchor, so every agent can list everybody's notes.
var notesDna = &action.DnaDef{
	Name: "notes",
	IntegrityZome: []action.ZomeDef{{
		Name: "notes",
		EntryTypes: []action.EntryDef{
			{Name: "anchor", Visibility: action.Public},
			{Name: "note", Visibility: action.Public},
		},
		LinkTypes: []string{"anchor_to_note"},
	}},
}

var (
	anchorType = action.AppEntryType(0, 0, action.Public)
	noteType   = action.AppEntryType(0, 1, action.Public)

	anchor = action.AppEntry([]byte("all_notes"))
)

// maxNote bounds the size of a note.
const maxNote = 1024

type notesFn func(ctx context.Context, api host.API, payload []byte) ([]byte, error)

// notesGuest is the notes DNA's only zome.
type notesGuest map[string]notesFn

func newNotesGuest() notesGuest {
	return notesGuest{
		"genesis_self_check": notesGenesisCheck,
		"validate":           notesValidate,
		"add_note":           notesAdd,
		"list_notes":         notesList,
		"share":              notesShare,
		"remote_list":        notesRemoteList,
	}
}

func (g notesGuest) Call(ctx context.Context, api host.API, zome, fn string, payload []byte) ([]byte, error) {
	f, ok := g[fn]
	if !ok {
		return nil, host.ErrNoCallback
	}
	return f(ctx, api, payload)
}

func call(ctx context.Context, api host.API, fn host.HostFn, in, out interface{}) error {
	e, err := host.NewEnvelope(fn, in)
	if err != nil {
		return err
	}
	r := api.Call(ctx, e)
	if out == nil {
		return r.Err()
	}
	return r.Decode(out)
}

func outcome(o integrate.Outcome) ([]byte, error) {
	return action.Encode(o)
}

// Anyone may join.
func notesGenesisCheck(ctx context.Context, api host.API, payload []byte) ([]byte, error) {
	return outcome(integrate.Valid)
}

// notesValidate refuses empty and oversized notes.
func notesValidate(ctx context.Context, api host.API, payload []byte) ([]byte, error) {
	var in host.ValidateInput
	if err := action.Decode(payload, &in); err != nil {
		return nil, err
	}
	op := in.Op.Chain
	if op == nil || op.Entry == nil {
		return outcome(integrate.Valid)
	}
	if _, et, ok := op.Action().EntryData(); !ok || et != noteType {
		return outcome(integrate.Valid)
	}
	e := op.Entry
	if len(e.App) == 0 {
		return outcome(integrate.Invalid("empty note"))
	}
	if len(e.App) > maxNote {
		return outcome(integrate.Invalid(fmt.Sprintf("note longer than %d bytes", maxNote)))
	}
	return outcome(integrate.Valid)
}

// notesAdd posts the payload as a note and links it from the anchor.
func notesAdd(ctx context.Context, api host.API, payload []byte) ([]byte, error) {
	if err := call(ctx, api, host.FnCreateEntry, host.CreateInput{EntryType: anchorType, Entry: *anchor}, nil); err != nil {
		return nil, err
	}
	var note core.ActionHash
	if err := call(ctx, api, host.FnCreateEntry, host.CreateInput{EntryType: noteType, Entry: *action.AppEntry(payload)}, &note); err != nil {
		return nil, err
	}
	link := host.CreateLinkInput{
		Base:   anchor.Hash().IntoAnyLinkable(),
		Target: note.IntoAnyLinkable(),
	}
	if err := call(ctx, api, host.FnCreateLink, link, nil); err != nil {
		return nil, err
	}
	return json.Marshal(note.String())
}

// Note is one note as list_notes returns it.
type Note struct {
	Action string
	Author string
	Text   string
}

// notesList returns every note the DHT links from the anchor, as json.
func notesList(ctx context.Context, api host.API, payload []byte) ([]byte, error) {
	var links []host.Link
	if err := call(ctx, api, host.FnGetLinks, host.LinksInput{Base: anchor.Hash().IntoAnyLinkable()}, &links); err != nil {
		return nil, err
	}
	notes := []Note{}
	for _, l := range links {
		target, ok := l.Target.AsAnyDht()
		if !ok {
			continue
		}
		var rec *action.Record
		if err := call(ctx, api, host.FnGet, target, &rec); err != nil {
			return nil, err
		}
		if rec == nil || rec.Entry == nil {
			continue
		}
		notes = append(notes, Note{Action: target.String(), Author: l.Author.String(), Text: string(rec.Entry.App)})
	}
	return json.Marshal(notes)
}

// notesShare lets any agent call list_notes on us.
func notesShare(ctx context.Context, api host.API, payload []byte) ([]byte, error) {
	grant := &action.CapGrant{
		Tag:       "share",
		Access:    action.Unrestricted,
		Functions: []action.GrantedFunction{{Zome: "notes", Fn: "list_notes"}},
	}
	e := action.Entry{Kind: action.EntryCapGrant, CapGrant: grant}
	return nil, call(ctx, api, host.FnCreateEntry, host.CreateInput{EntryType: action.CapGrantEntryType(), Entry: e}, nil)
}

// notesRemoteList asks the agent named in the payload for its notes view.
func notesRemoteList(ctx context.Context, api host.API, payload []byte) ([]byte, error) {
	h, err := core.ParseHash(string(payload))
	if err != nil {
		return nil, err
	}
	if h, err = core.AsTyped(h, core.HashTypeAgent); err != nil {
		return nil, err
	}
	var out []byte
	err = call(ctx, api, host.FnCallRemote, host.RemoteCall{To: core.AgentPubKey{Hash: h}, Zome: "notes", Fn: "list_notes"}, &out)
	return out, err
}
