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

package store

import (
	"context"
	"time"

	"mailvault/internal/mail"
	"mailvault/internal/mailerr"
)

// EnqueuePending appends discovered remote IDs to the durable fetch
// queue.  IDs already queued or already persisted as messages are
// skipped, which is what makes the snapshot re-walk after a
// history-expired fallback cheap.  Returns the number actually added.
func (tx *Tx) EnqueuePending(ctx context.Context, accountID int64, ids []mail.MessageID, now time.Time) (int, error) {
	insert, err := tx.tx.PrepareContext(ctx, `
INSERT OR IGNORE INTO pending_ingest (remote_id, account_id, enqueued_at, attempts, failed)
SELECT $1, $2, $3, 0, 0
WHERE NOT EXISTS (SELECT 1 FROM messages WHERE id = $1)`)
	if err != nil {
		return 0, mailerr.E(mailerr.Io, "store.EnqueuePending", err)
	}
	defer insert.Close()

	added := 0
	ms := timeToMs(now)
	for _, id := range ids {
		res, err := insert.ExecContext(ctx, string(id), accountID, ms)
		if err != nil {
			return added, mailerr.E(mailerr.Io, "store.EnqueuePending", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			added++
		}
	}
	return added, nil
}

// TakePending returns up to limit queue entries for the account in
// FIFO order, excluding entries marked failed.
func (db *DB) TakePending(ctx context.Context, accountID int64, limit int) ([]mail.PendingEntry, error) {
	rows, err := db.db.QueryContext(ctx, `
SELECT remote_id, account_id, enqueued_at, attempts
FROM pending_ingest
WHERE account_id = $1 AND failed = 0
ORDER BY enqueued_at, remote_id
LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, mailerr.E(mailerr.Io, "store.TakePending", err)
	}
	defer rows.Close()

	var out []mail.PendingEntry
	for rows.Next() {
		var e mail.PendingEntry
		var id string
		var enqueued int64
		if err := rows.Scan(&id, &e.AccountID, &enqueued, &e.Attempts); err != nil {
			return nil, mailerr.E(mailerr.Io, "store.TakePending", err)
		}
		e.RemoteID = mail.MessageID(id)
		e.EnqueuedAt = msToTime(enqueued)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeletePending removes entries whose messages are durably persisted
// and indexed.
func (tx *Tx) DeletePending(ctx context.Context, ids []mail.MessageID) error {
	stmt, err := tx.tx.PrepareContext(ctx,
		`DELETE FROM pending_ingest WHERE remote_id = $1`)
	if err != nil {
		return mailerr.E(mailerr.Io, "store.DeletePending", err)
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, string(id)); err != nil {
			return mailerr.E(mailerr.Io, "store.DeletePending", err)
		}
	}
	return nil
}

// BumpPendingAttempts increments the attempt counter on entries that
// failed to resolve, marking any that reach maxAttempts as failed.
// Failed entries stay behind as a terminal record and never re-enter
// a batch.
func (tx *Tx) BumpPendingAttempts(ctx context.Context, ids []mail.MessageID, maxAttempts int) error {
	stmt, err := tx.tx.PrepareContext(ctx, `
UPDATE pending_ingest
SET attempts = attempts + 1,
    failed = CASE WHEN attempts + 1 >= $1 THEN 1 ELSE 0 END
WHERE remote_id = $2`)
	if err != nil {
		return mailerr.E(mailerr.Io, "store.BumpPendingAttempts", err)
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, maxAttempts, string(id)); err != nil {
			return mailerr.E(mailerr.Io, "store.BumpPendingAttempts", err)
		}
	}
	return nil
}

// CountPending returns the number of live (non-failed) entries for
// the account.
func (db *DB) CountPending(ctx context.Context, accountID int64) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM pending_ingest WHERE account_id = $1 AND failed = 0`,
		accountID).Scan(&n)
	if err != nil {
		return 0, mailerr.E(mailerr.Io, "store.CountPending", err)
	}
	return n, nil
}

// HasPending reports whether the account's queue holds a live entry
// for the message.
func (db *DB) HasPending(ctx context.Context, id mail.MessageID) (bool, error) {
	var one int
	err := db.db.QueryRowContext(ctx,
		`SELECT 1 FROM pending_ingest WHERE remote_id = $1 AND failed = 0`, string(id)).Scan(&one)
	if err == nil {
		return true, nil
	}
	if isNoRows(err) {
		return false, nil
	}
	return false, mailerr.E(mailerr.Io, "store.HasPending", err)
}
