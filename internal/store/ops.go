// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// Stage is where an op is in the validation pipeline.
type Stage uint8

const (
	// StageReceived ops wait for system validation.
	StageReceived Stage = iota
	// StageAwaitingSysDeps ops wait for a dependency before system validation.
	StageAwaitingSysDeps
	// StageSysValidated ops wait for app validation.
	StageSysValidated
	// StageAwaitingAppDeps ops wait for a dependency before app validation.
	StageAwaitingAppDeps
	// StageAppValidated ops wait for integration.
	StageAppValidated
	// StageIntegrated ops are done, whatever their status.
	StageIntegrated
)

var stageNames = []string{"received", "awaiting_sys_deps", "sys_validated", "awaiting_app_deps", "app_validated", "integrated"}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

// Status is the validation outcome of an op.
type Status uint8

const (
	// StatusPending ops haven't been decided yet.
	StatusPending Status = iota
	// StatusValid ops passed validation.
	StatusValid
	// StatusRejected ops failed validation.
	StatusRejected
	// StatusAbandoned ops couldn't be validated within the attempt limit.
	StatusAbandoned
)

var statusNames = []string{"pending", "valid", "rejected", "abandoned"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Effective returns true for statuses that count when deciding things, like
// whether a warrant holds.
func (s Status) Effective() bool {
	return s == StatusPending || s == StatusValid
}

// OpRow is one row of the DhtOp table. Blob is the encoded op; this package
// doesn't look inside it.
type OpRow struct {
	Hash           core.DhtOpHash
	Type           uint8
	Action         core.Hash // Action for chain ops, warranted action for warrants.
	Basis          core.Hash
	Authored       core.Timestamp
	Stage          Stage
	Status         Status
	WhenIntegrated core.Timestamp
	RequireReceipt bool
	Dependency     core.Hash
	Size           uint32
	Attempts       int
	Blob           []byte
}

// OpLite is what gossip needs to know about an op.
type OpLite struct {
	Hash     core.DhtOpHash
	Loc      core.Loc
	Authored core.Timestamp
	Size     uint32
}

const opColumns = `hash, type, action_hash, basis_hash, authored_timestamp, validation_stage,
	validation_status, when_integrated, require_receipt, dependency, op_size, num_attempts, blob`

// PutOp inserts an op. An op that is already there is left alone and PutOp
// returns false.
func (t *Txn) PutOp(r *OpRow) (bool, error) {
	blob, err := t.db.sealBlob(r.Blob)
	if err != nil {
		return false, err
	}
	var when interface{}
	if r.WhenIntegrated != 0 {
		when = int64(r.WhenIntegrated)
	}
	res, err := t.exec(`INSERT OR IGNORE INTO DhtOp (`+opColumns+`, location)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Hash.Core(), r.Type, nullCore(r.Action), r.Basis.Core(), int64(r.Authored), uint8(r.Stage),
		uint8(r.Status), when, boolInt(r.RequireReceipt), nullCore(r.Dependency), r.Size, r.Attempts, blob,
		uint32(r.Basis.Loc()))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *Txn) scanOp(s interface{ Scan(...interface{}) error }) (*OpRow, error) {
	var r OpRow
	var hash, act, basis, dep, blob []byte
	var authored int64
	var when sql.NullInt64
	var stage, status uint8
	var receipt int
	if err := s.Scan(&hash, &r.Type, &act, &basis, &authored, &stage, &status, &when, &receipt, &dep, &r.Size, &r.Attempts, &blob); err != nil {
		return nil, err
	}
	h, err := scanHash(core.HashTypeDhtOp, hash)
	if err != nil {
		return nil, err
	}
	r.Hash = core.DhtOpHash{Hash: h}
	// The kind of these columns depends on the op type; callers that care
	// decode the blob.
	if r.Action, err = scanHash(core.HashTypeAction, act); err != nil {
		return nil, err
	}
	if r.Basis, err = scanHash(core.HashTypeEntry, basis); err != nil {
		return nil, err
	}
	if r.Dependency, err = scanHash(core.HashTypeAction, dep); err != nil {
		return nil, err
	}
	r.Authored = core.Timestamp(authored)
	r.Stage, r.Status = Stage(stage), Status(status)
	r.WhenIntegrated = core.Timestamp(when.Int64)
	r.RequireReceipt = receipt != 0
	if r.Blob, err = t.db.openBlob(blob); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *Txn) scanOps(rows *sql.Rows) ([]*OpRow, error) {
	defer rows.Close()
	var out []*OpRow
	for rows.Next() {
		r, err := t.scanOp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetOp reads an op. ErrNotFound if it's not there.
func (t *Txn) GetOp(h core.DhtOpHash) (*OpRow, error) {
	r, err := t.scanOp(t.queryRow("SELECT "+opColumns+" FROM DhtOp WHERE hash=?", h.Core()))
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound.Errorf("op %s", h.Short())
	}
	return r, err
}

// HasOps returns the subset of 'hashes' that we hold.
func (t *Txn) HasOps(hashes []core.DhtOpHash) (map[core.DhtOpHash]bool, error) {
	out := make(map[core.DhtOpHash]bool)
	for _, h := range hashes {
		var n int
		if err := t.queryRow("SELECT COUNT(*) FROM DhtOp WHERE hash=?", h.Core()).Scan(&n); err != nil {
			return nil, err
		}
		if n > 0 {
			out[h] = true
		}
	}
	return out, nil
}

// OpsInStage returns up to 'limit' ops in a stage, oldest first.
func (t *Txn) OpsInStage(stage Stage, limit int) ([]*OpRow, error) {
	rows, err := t.query("SELECT "+opColumns+" FROM DhtOp WHERE validation_stage=? ORDER BY authored_timestamp, hash LIMIT ?",
		uint8(stage), limit)
	if err != nil {
		return nil, err
	}
	return t.scanOps(rows)
}

// OpsAwaiting returns the ops parked on a dependency.
func (t *Txn) OpsAwaiting(dep core.Hash) ([]*OpRow, error) {
	rows, err := t.query("SELECT "+opColumns+" FROM DhtOp WHERE dependency=? AND validation_stage IN (?, ?)",
		dep.Core(), uint8(StageAwaitingSysDeps), uint8(StageAwaitingAppDeps))
	if err != nil {
		return nil, err
	}
	return t.scanOps(rows)
}

// OpsByBasis returns ops on a basis, optionally of the given types, oldest
// first.
func (t *Txn) OpsByBasis(basis core.Hash, types ...uint8) ([]*OpRow, error) {
	stmt := "SELECT " + opColumns + " FROM DhtOp WHERE basis_hash=?"
	args := []interface{}{basis.Core()}
	if len(types) > 0 {
		marks := make([]string, len(types))
		for i, typ := range types {
			marks[i] = "?"
			args = append(args, typ)
		}
		stmt += " AND type IN (" + strings.Join(marks, ",") + ")"
	}
	rows, err := t.query(stmt+" ORDER BY authored_timestamp, hash", args...)
	if err != nil {
		return nil, err
	}
	return t.scanOps(rows)
}

// OpsByAction returns the ops derived from one action.
func (t *Txn) OpsByAction(a core.ActionHash) ([]*OpRow, error) {
	rows, err := t.query("SELECT "+opColumns+" FROM DhtOp WHERE action_hash=? ORDER BY type", a.Core())
	if err != nil {
		return nil, err
	}
	return t.scanOps(rows)
}

// SetOpState moves an op through the pipeline.
func (t *Txn) SetOpState(h core.DhtOpHash, stage Stage, status Status, dep core.Hash) error {
	var when interface{}
	if stage == StageIntegrated {
		when = int64(core.Now())
	}
	_, err := t.exec(`UPDATE DhtOp SET validation_stage=?, validation_status=?, dependency=?,
		when_integrated=COALESCE(when_integrated, ?) WHERE hash=?`,
		uint8(stage), uint8(status), nullCore(dep), when, h.Core())
	return err
}

// BumpOpAttempts counts a validation attempt and returns the new count.
func (t *Txn) BumpOpAttempts(h core.DhtOpHash) (int, error) {
	if _, err := t.exec("UPDATE DhtOp SET num_attempts=num_attempts+1 WHERE hash=?", h.Core()); err != nil {
		return 0, err
	}
	var n int
	err := t.queryRow("SELECT num_attempts FROM DhtOp WHERE hash=?", h.Core()).Scan(&n)
	return n, err
}

// OpsInRegion returns the ops whose basis location is in [locStart, locEnd]
// and whose authored time is in [from, to). Rejected ops are left out. The
// location range must not wrap.
func (t *Txn) OpsInRegion(locStart, locEnd core.Loc, from, to core.Timestamp) ([]OpLite, error) {
	rows, err := t.query(`SELECT hash, location, authored_timestamp, op_size FROM DhtOp
		WHERE location>=? AND location<=? AND authored_timestamp>=? AND authored_timestamp<? AND validation_status!=?
		ORDER BY hash`,
		uint32(locStart), uint32(locEnd), int64(from), int64(to), uint8(StatusRejected))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OpLite
	for rows.Next() {
		var hb []byte
		var loc uint32
		var ts int64
		var o OpLite
		if err := rows.Scan(&hb, &loc, &ts, &o.Size); err != nil {
			return nil, err
		}
		h, err := scanHash(core.HashTypeDhtOp, hb)
		if err != nil {
			return nil, err
		}
		o.Hash, o.Loc, o.Authored = core.DhtOpHash{Hash: h}, core.Loc(loc), core.Timestamp(ts)
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountEffectiveWarrants counts warrant ops of type 'warrantType' against
// 'author' that name 'warranted' and are pending or valid.
func (t *Txn) CountEffectiveWarrants(warrantType uint8, warranted core.Hash, author core.AgentPubKey) (int, error) {
	var n int
	err := t.queryRow(`SELECT COUNT(*) FROM DhtOp WHERE type=? AND action_hash=? AND basis_hash=?
		AND validation_status IN (?, ?)`,
		warrantType, warranted.Core(), author.Core(), uint8(StatusPending), uint8(StatusValid)).Scan(&n)
	return n, err
}

// CountOps returns the number of ops by stage, for status pages.
func (t *Txn) CountOps() (map[Stage]int, error) {
	rows, err := t.query("SELECT validation_stage, COUNT(*) FROM DhtOp GROUP BY validation_stage")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[Stage]int)
	for rows.Next() {
		var s uint8
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[Stage(s)] = n
	}
	return out, rows.Err()
}

// OpsNeedingPublish returns up to 'limit' ops that still wait for a
// validation receipt, least recently authored first.
func (t *Txn) OpsNeedingPublish(limit int) ([]*OpRow, error) {
	rows, err := t.query("SELECT "+opColumns+" FROM DhtOp WHERE require_receipt=1 ORDER BY authored_timestamp, hash LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	return t.scanOps(rows)
}

// SetOpReceipt records whether an op still needs a validation receipt.
func (t *Txn) SetOpReceipt(h core.DhtOpHash, require bool) error {
	_, err := t.exec("UPDATE DhtOp SET require_receipt=? WHERE hash=?", boolInt(require), h.Core())
	return err
}
