// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package store persists chains, ops and peer data in sqlite, one database
// file per role. Writes go through a single connection so they serialize;
// reads use a bounded number of reader permits.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"net/url"

	log "github.com/golang/glog"
	"github.com/golang/snappy"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/agentdht/internal/core"
	"github.com/westerndigitalcorporation/agentdht/internal/keystore"
	"github.com/westerndigitalcorporation/agentdht/internal/server"
)

const driverName = "sqlite3_agentdht"

func init() {
	// trusted_schema has no DSN parameter, so set it on every new connection.
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(c *sqlite3.SQLiteConn) error {
			_, err := c.Exec("PRAGMA trusted_schema=0", nil)
			return err
		},
	})
}

var (
	txnOps = server.NewOpMetric("store", "txns", "db", "mode")

	readersInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agentdht",
		Subsystem: "store",
		Name:      "readers_in_use",
		Help:      "reader permits held",
	}, []string{"db"})
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS DbMeta (key TEXT NOT NULL PRIMARY KEY, value BLOB NOT NULL)`,

	`CREATE TABLE IF NOT EXISTS Action (
		hash BLOB NOT NULL PRIMARY KEY,
		author BLOB NOT NULL,
		seq INTEGER NOT NULL,
		type INTEGER NOT NULL,
		entry_hash BLOB,
		timestamp INTEGER NOT NULL,
		private INTEGER NOT NULL,
		blob BLOB NOT NULL)`,
	`CREATE INDEX IF NOT EXISTS Action_author_seq ON Action(author, seq)`,
	`CREATE INDEX IF NOT EXISTS Action_entry_hash ON Action(entry_hash)`,

	`CREATE TABLE IF NOT EXISTS Entry (hash BLOB NOT NULL PRIMARY KEY, blob BLOB NOT NULL)`,

	`CREATE TABLE IF NOT EXISTS DhtOp (
		hash BLOB NOT NULL PRIMARY KEY,
		type INTEGER NOT NULL,
		action_hash BLOB,
		basis_hash BLOB NOT NULL,
		location INTEGER NOT NULL,
		authored_timestamp INTEGER NOT NULL,
		validation_stage INTEGER NOT NULL,
		validation_status INTEGER NOT NULL,
		when_integrated INTEGER,
		require_receipt INTEGER NOT NULL,
		dependency BLOB,
		op_size INTEGER NOT NULL,
		num_attempts INTEGER NOT NULL DEFAULT 0,
		blob BLOB NOT NULL)`,
	`CREATE INDEX IF NOT EXISTS DhtOp_basis ON DhtOp(basis_hash)`,
	`CREATE INDEX IF NOT EXISTS DhtOp_action ON DhtOp(action_hash)`,
	`CREATE INDEX IF NOT EXISTS DhtOp_region ON DhtOp(location, authored_timestamp)`,
	`CREATE INDEX IF NOT EXISTS DhtOp_stage ON DhtOp(validation_stage)`,
	`CREATE INDEX IF NOT EXISTS DhtOp_dependency ON DhtOp(dependency)`,

	`CREATE TABLE IF NOT EXISTS ChainLock (
		author BLOB NOT NULL PRIMARY KEY,
		lock_id TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		subject BLOB)`,

	`CREATE TABLE IF NOT EXISTS AgentInfo (
		agent BLOB NOT NULL,
		space BLOB NOT NULL,
		signed_at_ms INTEGER NOT NULL,
		expires_at_ms INTEGER NOT NULL,
		arc_start INTEGER NOT NULL,
		arc_end INTEGER NOT NULL,
		arc_kind INTEGER NOT NULL,
		blob BLOB NOT NULL,
		PRIMARY KEY (agent, space))`,

	`CREATE TABLE IF NOT EXISTS PeerMeta (
		agent BLOB NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		expires_at INTEGER,
		PRIMARY KEY (agent, key))`,
}

var (
	metaSalt  = "salt"
	metaCheck = "key_check"

	checkPlain = []byte("agentdht plaintext")
	checkValue = []byte("agentdht encrypted")
)

// Blob framing: one flag byte, then the (maybe compressed) data. The whole
// thing is sealed when the database is encrypted.
const (
	blobRaw    byte = 0
	blobSnappy byte = 1
)

// DB is one role's sqlite database.
type DB struct {
	name   string
	kind   Kind
	cfg    Config
	writer *sql.DB
	reader *sql.DB

	// Reader permits.
	permits server.Semaphore

	// Blob encryption key, nil if the database is in the clear.
	key *keystore.SecretKey
}

func dsn(path string, cfg Config, writer bool) string {
	v := url.Values{}
	// The driver sets the journal mode on every new connection, DELETE
	// unless told otherwise, so readers must ask for WAL too or they fail
	// with SQLITE_BUSY while the writer is open.
	v.Set("_journal_mode", "WAL")
	if writer {
		v.Set("_txlock", "immediate")
	}
	v.Set("_synchronous", string(cfg.Synchronous))
	v.Set("_foreign_keys", "1")
	v.Set("_busy_timeout", "5000")
	return "file:" + path + "?" + v.Encode()
}

// Open opens or creates the database at 'path'. If cfg.Passphrase is set
// and doesn't match the one the database was created with, Open returns
// ErrWrongKey.
func Open(path string, kind Kind, cfg Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, core.ErrInvalidArgument.Errorf("%s", err)
	}
	writer, err := sql.Open(driverName, dsn(path, cfg, true))
	if err != nil {
		return nil, err
	}
	writer.SetMaxOpenConns(1)

	db := &DB{name: kind.String(), kind: kind, cfg: cfg, writer: writer, permits: server.NewSemaphore(cfg.ReaderPermits)}
	if err := db.setup(); err != nil {
		writer.Close()
		return nil, err
	}

	reader, err := sql.Open(driverName, dsn(path, cfg, false))
	if err != nil {
		writer.Close()
		return nil, err
	}
	reader.SetMaxOpenConns(cfg.ReaderPermits)
	db.reader = reader

	log.Infof("opened %s database at %s (encrypted=%t)", kind, path, db.key != nil)
	return db, nil
}

// setup checks the key, then creates the schema.
func (db *DB) setup() error {
	if _, err := db.writer.Exec(fmt.Sprintf("PRAGMA cache_size=%d", db.cfg.CacheSize)); err != nil {
		return err
	}
	if _, err := db.writer.Exec(schema[0]); err != nil {
		return err
	}
	if err := db.checkKey(); err != nil {
		return err
	}
	for _, s := range schema[1:] {
		if _, err := db.writer.Exec(s); err != nil {
			log.Errorf("failed to create schema: %s", err)
			return err
		}
	}
	return nil
}

func (db *DB) checkKey() error {
	var check, salt []byte
	err := db.writer.QueryRow("SELECT value FROM DbMeta WHERE key=?", metaCheck).Scan(&check)
	if err == sql.ErrNoRows {
		return db.initKey()
	} else if err != nil {
		return err
	}

	if db.cfg.Passphrase == "" {
		if !bytes.Equal(check, checkPlain) {
			return core.ErrWrongKey.Errorf("database is encrypted")
		}
		return nil
	}
	if err := db.writer.QueryRow("SELECT value FROM DbMeta WHERE key=?", metaSalt).Scan(&salt); err != nil {
		return core.ErrWrongKey.Errorf("database is not encrypted")
	}
	db.key = keystore.DeriveKey([]byte(db.cfg.Passphrase), salt)
	got, err := keystore.SecretBoxOpen(db.key, check)
	if err != nil || !bytes.Equal(got, checkValue) {
		db.key = nil
		return core.ErrWrongKey.Error()
	}
	return nil
}

func (db *DB) initKey() error {
	check := checkPlain
	tx, err := db.writer.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if db.cfg.Passphrase != "" {
		salt, err := keystore.NewSalt()
		if err != nil {
			return err
		}
		db.key = keystore.DeriveKey([]byte(db.cfg.Passphrase), salt)
		if check, err = keystore.SecretBoxSeal(db.key, checkValue); err != nil {
			return err
		}
		if _, err := tx.Exec("INSERT INTO DbMeta (key, value) VALUES (?, ?)", metaSalt, salt); err != nil {
			return err
		}
	}
	if _, err := tx.Exec("INSERT INTO DbMeta (key, value) VALUES (?, ?)", metaCheck, check); err != nil {
		return err
	}
	return tx.Commit()
}

// Kind returns the role of the database.
func (db *DB) Kind() Kind {
	return db.kind
}

// Close closes both connection pools.
func (db *DB) Close() error {
	rerr := db.reader.Close()
	if err := db.writer.Close(); err != nil {
		return err
	}
	return rerr
}

// Write runs fn in a write transaction. If fn returns an error, or ctx ends
// before commit, nothing fn did is kept.
func (db *DB) Write(ctx context.Context, fn func(*Txn) error) (err error) {
	op := txnOps.Start(db.name, "write")
	defer func() { op.EndWithError(err) }()

	sqlTx, err := db.writer.BeginTx(ctx, nil)
	if err != nil {
		return db.mapErr(ctx, err)
	}
	txn := &Txn{tx: sqlTx, db: db, ctx: ctx}
	if err = fn(txn); err != nil {
		sqlTx.Rollback()
		return db.mapErr(ctx, err)
	}
	if err = ctx.Err(); err != nil {
		sqlTx.Rollback()
		return core.FromContextError(err)
	}
	return db.mapErr(ctx, sqlTx.Commit())
}

// Read runs fn in a read transaction. It holds a reader permit while fn
// runs.
func (db *DB) Read(ctx context.Context, fn func(*Txn) error) (err error) {
	txn, err := db.ReadTxn(ctx)
	if err != nil {
		return err
	}
	defer txn.Done()
	return db.mapErr(ctx, fn(txn))
}

// ReadTxn opens a read transaction that the caller must end with Done. It
// waits at most ReaderAcquireTimeout for a reader permit.
func (db *DB) ReadTxn(ctx context.Context) (*Txn, error) {
	if err := db.permits.AcquireTimeout(ctx, db.cfg.ReaderAcquireTimeout); err != nil {
		txnOps.Start(db.name, "read").EndWithError(err)
		return nil, err
	}
	readersInUse.WithLabelValues(db.name).Inc()

	op := txnOps.Start(db.name, "read")
	sqlTx, err := db.reader.BeginTx(ctx, nil)
	if err != nil {
		db.releaseReader()
		op.EndWithError(err)
		return nil, db.mapErr(ctx, err)
	}
	return &Txn{tx: sqlTx, db: db, ctx: ctx, op: op, reader: true}, nil
}

func (db *DB) releaseReader() {
	readersInUse.WithLabelValues(db.name).Dec()
	db.permits.Release()
}

// mapErr turns context and sqlite errors into core errors.
func (db *DB) mapErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return core.FromContextError(ctx.Err())
	}
	if serr, ok := err.(sqlite3.Error); ok {
		switch serr.Code {
		case sqlite3.ErrFull:
			return core.ErrStorageFull.Errorf("%s: %s", db.name, serr)
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return core.ErrTimeout.Errorf("%s: %s", db.name, serr)
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return core.ErrCorruptData.Errorf("%s: %s", db.name, serr)
		}
	}
	return err
}

// sealBlob frames, maybe compresses, and maybe encrypts a blob.
func (db *DB) sealBlob(b []byte) ([]byte, error) {
	var framed []byte
	if len(b) > db.cfg.CompressThreshold {
		framed = append([]byte{blobSnappy}, snappy.Encode(nil, b)...)
	} else {
		framed = append([]byte{blobRaw}, b...)
	}
	if db.key == nil {
		return framed, nil
	}
	return keystore.SecretBoxSeal(db.key, framed)
}

// openBlob reverses sealBlob.
func (db *DB) openBlob(b []byte) ([]byte, error) {
	if db.key != nil {
		var err error
		if b, err = keystore.SecretBoxOpen(db.key, b); err != nil {
			return nil, err
		}
	}
	if len(b) == 0 {
		return nil, core.ErrCorruptData.Errorf("empty blob")
	}
	switch b[0] {
	case blobRaw:
		return b[1:], nil
	case blobSnappy:
		out, err := snappy.Decode(nil, b[1:])
		if err != nil {
			return nil, core.ErrCorruptData.Errorf("snappy: %s", err)
		}
		return out, nil
	}
	return nil, core.ErrCorruptData.Errorf("blob flag %d", b[0])
}
