// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package store

import (
	"database/sql"
)

// AgentInfoRow is one row of the AgentInfo table. Agent and Space are the
// 36 byte cores of the agent key and DNA hash; Blob is the encoded signed
// info.
type AgentInfoRow struct {
	Agent       []byte
	Space       []byte
	SignedAtMs  int64
	ExpiresAtMs int64
	ArcStart    uint32
	ArcEnd      uint32
	ArcKind     uint8
	Blob        []byte
}

const agentInfoColumns = "agent, space, signed_at_ms, expires_at_ms, arc_start, arc_end, arc_kind, blob"

// PutAgentInfo stores an agent info unless we already have one for the same
// agent and space that was signed at the same time or later. It returns
// whether the row was written.
func (t *Txn) PutAgentInfo(r *AgentInfoRow) (bool, error) {
	var signed int64
	err := t.queryRow("SELECT signed_at_ms FROM AgentInfo WHERE agent=? AND space=?", r.Agent, r.Space).Scan(&signed)
	if err == nil && signed >= r.SignedAtMs {
		return false, nil
	} else if err != nil && err != sql.ErrNoRows {
		return false, err
	}
	blob, err := t.db.sealBlob(r.Blob)
	if err != nil {
		return false, err
	}
	_, err = t.exec("INSERT OR REPLACE INTO AgentInfo ("+agentInfoColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		r.Agent, r.Space, r.SignedAtMs, r.ExpiresAtMs, r.ArcStart, r.ArcEnd, r.ArcKind, blob)
	return err == nil, err
}

func (t *Txn) scanAgentInfos(rows *sql.Rows) ([]*AgentInfoRow, error) {
	defer rows.Close()
	var out []*AgentInfoRow
	for rows.Next() {
		var r AgentInfoRow
		var blob []byte
		if err := rows.Scan(&r.Agent, &r.Space, &r.SignedAtMs, &r.ExpiresAtMs, &r.ArcStart, &r.ArcEnd, &r.ArcKind, &blob); err != nil {
			return nil, err
		}
		var err error
		if r.Blob, err = t.db.openBlob(blob); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// GetAgentInfo returns an unexpired agent info, or nil.
func (t *Txn) GetAgentInfo(space, agent []byte, nowMs int64) (*AgentInfoRow, error) {
	rows, err := t.query("SELECT "+agentInfoColumns+" FROM AgentInfo WHERE agent=? AND space=? AND expires_at_ms>?",
		agent, space, nowMs)
	if err != nil {
		return nil, err
	}
	infos, err := t.scanAgentInfos(rows)
	if err != nil || len(infos) == 0 {
		return nil, err
	}
	return infos[0], nil
}

// AgentInfos returns all unexpired agent infos in a space, ordered by agent.
func (t *Txn) AgentInfos(space []byte, nowMs int64) ([]*AgentInfoRow, error) {
	rows, err := t.query("SELECT "+agentInfoColumns+" FROM AgentInfo WHERE space=? AND expires_at_ms>? ORDER BY agent",
		space, nowMs)
	if err != nil {
		return nil, err
	}
	return t.scanAgentInfos(rows)
}

// DeleteExpiredAgentInfos removes expired agent infos and returns how many.
func (t *Txn) DeleteExpiredAgentInfos(nowMs int64) (int64, error) {
	res, err := t.exec("DELETE FROM AgentInfo WHERE expires_at_ms<=?", nowMs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PutPeerMeta sets a metadata value for a peer. expiresAt of zero never
// expires.
func (t *Txn) PutPeerMeta(agent []byte, key string, value []byte, expiresAt int64) error {
	var exp interface{}
	if expiresAt != 0 {
		exp = expiresAt
	}
	_, err := t.exec("INSERT OR REPLACE INTO PeerMeta (agent, key, value, expires_at) VALUES (?, ?, ?, ?)",
		agent, key, value, exp)
	return err
}

// GetPeerMeta reads an unexpired metadata value, or nil.
func (t *Txn) GetPeerMeta(agent []byte, key string, now int64) ([]byte, error) {
	var v []byte
	err := t.queryRow("SELECT value FROM PeerMeta WHERE agent=? AND key=? AND (expires_at IS NULL OR expires_at>?)",
		agent, key, now).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}

// DeleteExpiredPeerMeta removes expired metadata.
func (t *Txn) DeleteExpiredPeerMeta(now int64) error {
	_, err := t.exec("DELETE FROM PeerMeta WHERE expires_at IS NOT NULL AND expires_at<=?", now)
	return err
}
