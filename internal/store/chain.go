// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package store

import (
	"database/sql"
	"strings"

	"github.com/westerndigitalcorporation/agentdht/internal/action"
	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// Head is the latest action of a chain.
type Head struct {
	Hash      core.ActionHash
	Seq       uint32
	Timestamp core.Timestamp
}

// PutAction stores a signed action. It returns false if the action was
// already there.
func (t *Txn) PutAction(sa *action.SignedAction) (bool, error) {
	a := &sa.Action
	raw, err := action.Encode(sa)
	if err != nil {
		return false, err
	}
	blob, err := t.db.sealBlob(raw)
	if err != nil {
		return false, err
	}
	var eh interface{}
	if h, _, ok := a.EntryData(); ok {
		eh = nullCore(h.Hash)
	}
	res, err := t.exec(`INSERT OR IGNORE INTO Action (hash, author, seq, type, entry_hash, timestamp, private, blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Hash().Core(), a.Author.Core(), a.Seq, uint8(a.Type), eh, int64(a.Timestamp), boolInt(a.IsPrivateEntry()), blob)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *Txn) decodeAction(blob []byte) (*action.SignedAction, error) {
	raw, err := t.db.openBlob(blob)
	if err != nil {
		return nil, err
	}
	var sa action.SignedAction
	if err := action.Decode(raw, &sa); err != nil {
		return nil, err
	}
	return &sa, nil
}

// GetAction reads an action by hash. ErrNotFound if it's not there.
func (t *Txn) GetAction(h core.ActionHash) (*action.SignedAction, error) {
	var blob []byte
	err := t.queryRow("SELECT blob FROM Action WHERE hash=?", h.Core()).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound.Errorf("action %s", h.Short())
	} else if err != nil {
		return nil, err
	}
	return t.decodeAction(blob)
}

// HasAction checks for an action without decoding it.
func (t *Txn) HasAction(h core.ActionHash) (bool, error) {
	var n int
	err := t.queryRow("SELECT COUNT(*) FROM Action WHERE hash=?", h.Core()).Scan(&n)
	return n > 0, err
}

// ActionsAt returns every action an author has at 'seq'. More than one means
// a fork.
func (t *Txn) ActionsAt(author core.AgentPubKey, seq uint32) ([]*action.SignedAction, error) {
	rows, err := t.query("SELECT blob FROM Action WHERE author=? AND seq=? ORDER BY hash", author.Core(), seq)
	if err != nil {
		return nil, err
	}
	return t.scanActions(rows)
}

func (t *Txn) scanActions(rows *sql.Rows) ([]*action.SignedAction, error) {
	defer rows.Close()
	var out []*action.SignedAction
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		sa, err := t.decodeAction(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, sa)
	}
	return out, rows.Err()
}

// ChainHead returns the highest action of an author. ErrChainEmpty if the
// author has none.
func (t *Txn) ChainHead(author core.AgentPubKey) (Head, error) {
	var hb []byte
	var h Head
	var ts int64
	err := t.queryRow("SELECT hash, seq, timestamp FROM Action WHERE author=? ORDER BY seq DESC LIMIT 1",
		author.Core()).Scan(&hb, &h.Seq, &ts)
	if err == sql.ErrNoRows {
		return Head{}, core.ErrChainEmpty.Error()
	} else if err != nil {
		return Head{}, err
	}
	hash, err := scanHash(core.HashTypeAction, hb)
	h.Hash = core.ActionHash{Hash: hash}
	h.Timestamp = core.Timestamp(ts)
	return h, err
}

// ActionQuery selects actions of one author. Zero values don't filter.
type ActionQuery struct {
	Author  core.AgentPubKey
	SeqFrom uint32 // Inclusive.
	SeqTo   uint32 // Exclusive. Zero means no upper bound.
	Types   []action.Type
	After   core.Timestamp // Exclusive.
	Before  core.Timestamp // Exclusive.

	Descending bool
	Limit      int
}

// QueryActions runs an ActionQuery. Results are ordered by seq.
func (t *Txn) QueryActions(q ActionQuery) ([]*action.SignedAction, error) {
	where := []string{"author=?", "seq>=?"}
	args := []interface{}{q.Author.Core(), q.SeqFrom}
	if q.SeqTo != 0 {
		where = append(where, "seq<?")
		args = append(args, q.SeqTo)
	}
	if len(q.Types) > 0 {
		marks := make([]string, len(q.Types))
		for i, typ := range q.Types {
			marks[i] = "?"
			args = append(args, uint8(typ))
		}
		where = append(where, "type IN ("+strings.Join(marks, ",")+")")
	}
	if q.After != 0 {
		where = append(where, "timestamp>?")
		args = append(args, int64(q.After))
	}
	if q.Before != 0 {
		where = append(where, "timestamp<?")
		args = append(args, int64(q.Before))
	}
	stmt := "SELECT blob FROM Action WHERE " + strings.Join(where, " AND ") + " ORDER BY seq"
	if q.Descending {
		stmt += " DESC"
	}
	stmt += ", hash"
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows, err := t.query(stmt, args...)
	if err != nil {
		return nil, err
	}
	return t.scanActions(rows)
}

// ActionsByEntry returns the actions that created or updated to an entry.
func (t *Txn) ActionsByEntry(e core.EntryHash) ([]*action.SignedAction, error) {
	rows, err := t.query("SELECT blob FROM Action WHERE entry_hash=? ORDER BY timestamp, hash", e.Core())
	if err != nil {
		return nil, err
	}
	return t.scanActions(rows)
}

// PutEntry stores an entry. Storing it twice is fine.
func (t *Txn) PutEntry(e *action.Entry) error {
	blob, err := t.db.sealBlob(e.Bytes())
	if err != nil {
		return err
	}
	_, err = t.exec("INSERT OR IGNORE INTO Entry (hash, blob) VALUES (?, ?)", e.Hash().Core(), blob)
	return err
}

// GetEntry reads an entry. ErrNotFound if it's not there.
func (t *Txn) GetEntry(h core.EntryHash) (*action.Entry, error) {
	var blob []byte
	err := t.queryRow("SELECT blob FROM Entry WHERE hash=?", h.Core()).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound.Errorf("entry %s", h.Short())
	} else if err != nil {
		return nil, err
	}
	raw, err := t.db.openBlob(blob)
	if err != nil {
		return nil, err
	}
	var e action.Entry
	if err := action.Decode(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ChainLock is a countersigning lock on a chain.
type ChainLock struct {
	LockID    string
	ExpiresAt core.Timestamp
	Subject   []byte
}

// GetChainLock returns the lock on an author's chain, or nil.
func (t *Txn) GetChainLock(author core.AgentPubKey) (*ChainLock, error) {
	var l ChainLock
	var exp int64
	err := t.queryRow("SELECT lock_id, expires_at, subject FROM ChainLock WHERE author=?", author.Core()).
		Scan(&l.LockID, &exp, &l.Subject)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	l.ExpiresAt = core.Timestamp(exp)
	return &l, nil
}

// PutChainLock sets the lock on an author's chain, replacing any old one.
func (t *Txn) PutChainLock(author core.AgentPubKey, l ChainLock) error {
	_, err := t.exec("INSERT OR REPLACE INTO ChainLock (author, lock_id, expires_at, subject) VALUES (?, ?, ?, ?)",
		author.Core(), l.LockID, int64(l.ExpiresAt), l.Subject)
	return err
}

// DeleteChainLock removes the lock on an author's chain.
func (t *Txn) DeleteChainLock(author core.AgentPubKey) error {
	_, err := t.exec("DELETE FROM ChainLock WHERE author=?", author.Core())
	return err
}
