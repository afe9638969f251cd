// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
)

// Txn is a transaction on a DB. Txns from Write may write; Txns from Read
// and ReadTxn may only read.
type Txn struct {
	tx     *sql.Tx
	db     *DB
	ctx    context.Context
	op     interface{ EndWithError(error) }
	reader bool
}

// Done ends a read transaction from ReadTxn and releases its permit.
func (t *Txn) Done() {
	if !t.reader {
		log.Fatalf("Done called on a write transaction")
	}
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		err = nil
	}
	t.op.EndWithError(err)
	t.db.releaseReader()
	t.reader = false
}

func (t *Txn) exec(query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(t.ctx, query, args...)
}

func (t *Txn) query(query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(t.ctx, query, args...)
}

func (t *Txn) queryRow(query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, query, args...)
}

// GetMeta reads a DbMeta value. ErrNotFound if it's not set.
func (t *Txn) GetMeta(key string) ([]byte, error) {
	var v []byte
	err := t.queryRow("SELECT value FROM DbMeta WHERE key=?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound.Errorf("meta %q", key)
	}
	return v, err
}

// PutMeta sets a DbMeta value.
func (t *Txn) PutMeta(key string, value []byte) error {
	_, err := t.exec("INSERT OR REPLACE INTO DbMeta (key, value) VALUES (?, ?)", key, value)
	return err
}

// nullCore returns the core bytes of h, or nil (NULL) for the zero hash.
func nullCore(h core.Hash) interface{} {
	if h.IsZero() {
		return nil
	}
	return h.Core()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanHash turns a hash column back into a Hash of the kind the column holds.
func scanHash(t core.HashType, b []byte) (core.Hash, error) {
	if len(b) == 0 {
		return core.Hash{}, nil
	}
	h, err := core.HashFromCore(t, b)
	if err != nil {
		return core.Hash{}, core.ErrCorruptData.Errorf("%s column: %s", t, err)
	}
	return h, nil
}
