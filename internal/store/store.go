// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store is the relational half of the engine's storage: it
// owns accounts, threads, messages, label and recipient edges, sync
// state, and the durable pending-ingest queue.  Message bodies live
// in the blob store and are referenced here by content hash.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"mailvault/internal/mailerr"
)

var createTableSQL = []string{
	// The accounts table registers each mailbox.  Rows are never
	// mutated after insert except for display fields.
	`
CREATE TABLE IF NOT EXISTS accounts (
id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
email TEXT NOT NULL UNIQUE,
display_name TEXT NOT NULL DEFAULT '',
avatar_color TEXT NOT NULL DEFAULT '',
created_at INTEGER NOT NULL
);`,
	// The threads table holds one row per conversation.  All fields
	// past id are derived from the thread's messages (subject from
	// the newest one) and are recomputed inside any transaction that
	// mutates one of them.
	//
	// Field: id
	//
	//   The provider's permanent thread ID.  Opaque; never parsed.
	//
	// Field: last_message_at, message_count, snippet, sender_*,
	// is_unread, has_starred
	//
	//   Pure functions of the current message rows.  is_unread is
	//   true while any message carries UNREAD; has_starred while any
	//   carries STARRED.
	`
CREATE TABLE IF NOT EXISTS threads (
id TEXT NOT NULL PRIMARY KEY,
account_id INTEGER NOT NULL,
subject TEXT NOT NULL DEFAULT '',
snippet TEXT NOT NULL DEFAULT '',
last_message_at INTEGER NOT NULL DEFAULT 0,
message_count INTEGER NOT NULL DEFAULT 0,
sender_name TEXT NOT NULL DEFAULT '',
sender_email TEXT NOT NULL DEFAULT '',
is_unread INTEGER NOT NULL DEFAULT 0,
has_starred INTEGER NOT NULL DEFAULT 0,
FOREIGN KEY (account_id) REFERENCES accounts (id)
);`,
	// The messages table holds per-message metadata.  thread_id and
	// account_id are immutable after insert.  Body variants are blob
	// store hashes; NULL when the message has no such part.
	//
	// Field: history_id_seen
	//
	//   The provider's history ID observed when this row was last
	//   written, stored order-preserving (see orderedToSigned).
	`
CREATE TABLE IF NOT EXISTS messages (
id TEXT NOT NULL PRIMARY KEY,
thread_id TEXT NOT NULL,
account_id INTEGER NOT NULL,
from_name TEXT NOT NULL DEFAULT '',
from_email TEXT NOT NULL DEFAULT '',
subject TEXT NOT NULL DEFAULT '',
received_at INTEGER NOT NULL DEFAULT 0,
internal_date INTEGER NOT NULL DEFAULT 0,
body_preview TEXT NOT NULL DEFAULT '',
body_text_hash TEXT,
body_html_hash TEXT,
has_attachment INTEGER NOT NULL DEFAULT 0,
history_id_seen INTEGER NOT NULL DEFAULT 0,
FOREIGN KEY (thread_id) REFERENCES threads (id)
);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages (thread_id);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_account_received ON messages (account_id, received_at DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_history ON messages (history_id_seen);`,
	// The message_labels table maps messages to label IDs.  The
	// label set on a message is the source of truth for all derived
	// thread state.
	`
CREATE TABLE IF NOT EXISTS message_labels (
message_id TEXT NOT NULL,
label_id TEXT NOT NULL,
PRIMARY KEY (message_id, label_id),
FOREIGN KEY (message_id) REFERENCES messages (id) ON DELETE CASCADE
);`,
	`CREATE INDEX IF NOT EXISTS idx_message_labels_label ON message_labels (label_id);`,
	// The message_recipients table holds To and Cc addresses in
	// header order.
	`
CREATE TABLE IF NOT EXISTS message_recipients (
message_id TEXT NOT NULL,
kind TEXT NOT NULL,
name TEXT NOT NULL DEFAULT '',
email TEXT NOT NULL DEFAULT '',
position INTEGER NOT NULL DEFAULT 0,
PRIMARY KEY (message_id, kind, position),
FOREIGN KEY (message_id) REFERENCES messages (id) ON DELETE CASCADE
);`,
	// The sync_state table holds exactly one row per account.  The
	// cursor only advances on success; an explicit reset is the only
	// way back (history-expired fallback).
	`
CREATE TABLE IF NOT EXISTS sync_state (
account_id INTEGER NOT NULL PRIMARY KEY,
history_cursor INTEGER NOT NULL DEFAULT 0,
last_sync_at INTEGER NOT NULL DEFAULT 0,
initial_sync_complete INTEGER NOT NULL DEFAULT 0,
sync_version INTEGER NOT NULL DEFAULT 1,
FOREIGN KEY (account_id) REFERENCES accounts (id)
);`,
	// The pending_ingest table is the durable FIFO between the fetch
	// producer and the ingest consumer.  Rows are removed only after
	// the message is persisted and indexed; rows whose attempts
	// reach the configured cap are marked failed and left as a
	// terminal record.
	`
CREATE TABLE IF NOT EXISTS pending_ingest (
remote_id TEXT NOT NULL PRIMARY KEY,
account_id INTEGER NOT NULL,
enqueued_at INTEGER NOT NULL,
attempts INTEGER NOT NULL DEFAULT 0,
failed INTEGER NOT NULL DEFAULT 0
);`,
	`CREATE INDEX IF NOT EXISTS idx_pending_fifo ON pending_ingest (account_id, failed, enqueued_at);`,
}

// DB wraps the database handle.  Reads go through DB; multi-row
// mutations go through Tx.
type DB struct {
	db *sql.DB
}

// Tx wraps one transaction.
type Tx struct {
	tx *sql.Tx
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens (creating if absent) the store at path and initializes
// the schema.
func Open(ctx context.Context, path string) (*DB, error) {
	// The _busy_timeout extension controls how long SQLite polls a
	// locked database before giving up.  The 5 second default is too
	// short when a sync batch holds the writer; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)},
		"_journal_mode": {"WAL"},
		"_foreign_keys": {"on"},
		"_txlock":       {"immediate"},
	})
	if err != nil {
		return nil, mailerr.E(mailerr.Io, "store.Open",
			errors.Wrapf(err, "could not form a DB DSN from %q", path))
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, mailerr.E(mailerr.Io, "store.Open",
			errors.Wrapf(err, "could not open database at %q", dsn))
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, mailerr.E(mailerr.Io, "store.Open",
			errors.Wrap(err, "could not initialize the database schema"))
	}

	return &DB{db}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Begin starts a write transaction.
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mailerr.E(mailerr.Io, "store.Begin", err)
	}
	return &Tx{tx}, nil
}

func (tx *Tx) Commit() error {
	if err := tx.tx.Commit(); err != nil {
		return mailerr.E(mailerr.Io, "store.Commit", err)
	}
	return nil
}

func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

// Update runs fn inside a transaction, committing on nil and rolling
// back on error.
func (db *DB) Update(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range createTableSQL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "while executing %q", stmt)
		}
	}
	return nil
}

// The history cursor is a uint64 from the provider but SQLite stores
// signed integers.  Map through an order-preserving shift so that
// ORDER BY and the monotone guard keep working at the high end of
// the range.

func orderedToSigned(u uint64) int64 {
	return int64(u - -math.MinInt64) // Imagine 0..255 -> -128..127
}

func orderedToUnsigned(s int64) uint64 {
	return uint64(s) + -math.MinInt64 // Imagine -128..127 -> 0..255
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func timeToMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
