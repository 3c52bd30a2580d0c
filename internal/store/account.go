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
	"database/sql"
	"time"

	"mailvault/internal/mail"
	"mailvault/internal/mailerr"
)

// InsertAccount registers a new account.  The email must be unique.
func (tx *Tx) InsertAccount(ctx context.Context, email, displayName string, createdAt time.Time) (mail.Account, error) {
	return insertAccount(ctx, tx.tx, email, displayName, createdAt)
}

// RegisterAccount registers a new account outside any caller
// transaction.
func (db *DB) RegisterAccount(ctx context.Context, email, displayName string, createdAt time.Time) (mail.Account, error) {
	var out mail.Account
	err := db.Update(ctx, func(tx *Tx) error {
		var err error
		out, err = insertAccount(ctx, tx.tx, email, displayName, createdAt)
		return err
	})
	return out, err
}

func insertAccount(ctx context.Context, tx *sql.Tx, email, displayName string, createdAt time.Time) (mail.Account, error) {
	var existing int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM accounts WHERE email = $1`, email).Scan(&existing)
	if err == nil {
		return mail.Account{}, mailerr.Errorf(mailerr.AlreadyExists,
			"store.InsertAccount", "account %q already registered", email)
	}
	if err != sql.ErrNoRows {
		return mail.Account{}, mailerr.E(mailerr.Io, "store.InsertAccount", err)
	}

	acct := mail.Account{
		Email:       email,
		DisplayName: displayName,
		AvatarColor: mail.AvatarColor(email),
		CreatedAt:   createdAt.UTC(),
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO accounts (email, display_name, avatar_color, created_at)
VALUES ($1, $2, $3, $4)`,
		acct.Email, acct.DisplayName, acct.AvatarColor, timeToMs(acct.CreatedAt))
	if err != nil {
		return mail.Account{}, mailerr.E(mailerr.Io, "store.InsertAccount", err)
	}
	acct.ID, err = res.LastInsertId()
	if err != nil {
		return mail.Account{}, mailerr.E(mailerr.Io, "store.InsertAccount", err)
	}

	// Seed the sync state row so every account has exactly one.
	_, err = tx.ExecContext(ctx, `
INSERT INTO sync_state (account_id, history_cursor, last_sync_at, initial_sync_complete, sync_version)
VALUES ($1, $2, 0, 0, 1)`,
		acct.ID, orderedToSigned(0))
	if err != nil {
		return mail.Account{}, mailerr.E(mailerr.Io, "store.InsertAccount", err)
	}
	return acct, nil
}

// ListAccounts returns all registered accounts ordered by creation.
func (db *DB) ListAccounts(ctx context.Context) ([]mail.Account, error) {
	rows, err := db.db.QueryContext(ctx, `
SELECT id, email, display_name, avatar_color, created_at
FROM accounts ORDER BY id`)
	if err != nil {
		return nil, mailerr.E(mailerr.Io, "store.ListAccounts", err)
	}
	defer rows.Close()

	var out []mail.Account
	for rows.Next() {
		var a mail.Account
		var created int64
		if err := rows.Scan(&a.ID, &a.Email, &a.DisplayName, &a.AvatarColor, &created); err != nil {
			return nil, mailerr.E(mailerr.Io, "store.ListAccounts", err)
		}
		a.CreatedAt = msToTime(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAccount looks an account up by local id.
func (db *DB) GetAccount(ctx context.Context, id int64) (mail.Account, error) {
	var a mail.Account
	var created int64
	err := db.db.QueryRowContext(ctx, `
SELECT id, email, display_name, avatar_color, created_at
FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Email, &a.DisplayName, &a.AvatarColor, &created)
	if err == sql.ErrNoRows {
		return mail.Account{}, mailerr.Errorf(mailerr.NotFound, "store.GetAccount", "no account %d", id)
	}
	if err != nil {
		return mail.Account{}, mailerr.E(mailerr.Io, "store.GetAccount", err)
	}
	a.CreatedAt = msToTime(created)
	return a, nil
}

// GetSyncState returns the account's sync state, or nil when the
// account does not exist.
func (db *DB) GetSyncState(ctx context.Context, accountID int64) (*mail.SyncState, error) {
	return getSyncState(ctx, db.db.QueryRowContext, accountID)
}

// GetSyncState reads the sync state inside the transaction.
func (tx *Tx) GetSyncState(ctx context.Context, accountID int64) (*mail.SyncState, error) {
	return getSyncState(ctx, tx.tx.QueryRowContext, accountID)
}

type queryRowFunc func(ctx context.Context, query string, args ...interface{}) *sql.Row

func getSyncState(ctx context.Context, queryRow queryRowFunc, accountID int64) (*mail.SyncState, error) {
	var s mail.SyncState
	var cursor, lastSync int64
	var complete int
	err := queryRow(ctx, `
SELECT account_id, history_cursor, last_sync_at, initial_sync_complete, sync_version
FROM sync_state WHERE account_id = $1`, accountID).
		Scan(&s.AccountID, &cursor, &lastSync, &complete, &s.SyncVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mailerr.E(mailerr.Io, "store.GetSyncState", err)
	}
	s.HistoryCursor = orderedToUnsigned(cursor)
	s.LastSyncAt = msToTime(lastSync)
	s.InitialSyncComplete = complete != 0
	return &s, nil
}

// AdvanceCursor moves the history cursor forward.  Attempts to move
// it backwards are refused; the cursor is monotone across successful
// runs.
func (tx *Tx) AdvanceCursor(ctx context.Context, accountID int64, cursor uint64, lastSyncAt int64) error {
	state, err := tx.GetSyncState(ctx, accountID)
	if err != nil {
		return err
	}
	if state == nil {
		return mailerr.Errorf(mailerr.NotFound, "store.AdvanceCursor", "no sync state for account %d", accountID)
	}
	if cursor < state.HistoryCursor {
		return mailerr.Errorf(mailerr.Internal, "store.AdvanceCursor",
			"attempt to decrease the history cursor from %d to %d", state.HistoryCursor, cursor)
	}
	_, err = tx.tx.ExecContext(ctx, `
UPDATE sync_state SET history_cursor = $1, last_sync_at = $2 WHERE account_id = $3`,
		orderedToSigned(cursor), lastSyncAt, accountID)
	if err != nil {
		return mailerr.E(mailerr.Io, "store.AdvanceCursor", err)
	}
	return nil
}

// MarkInitialSyncComplete flips the flag after the final snapshot
// batch commits.
func (tx *Tx) MarkInitialSyncComplete(ctx context.Context, accountID int64, complete bool) error {
	v := 0
	if complete {
		v = 1
	}
	_, err := tx.tx.ExecContext(ctx, `
UPDATE sync_state SET initial_sync_complete = $1 WHERE account_id = $2`, v, accountID)
	if err != nil {
		return mailerr.E(mailerr.Io, "store.MarkInitialSyncComplete", err)
	}
	return nil
}

// ResetCursor clears the history cursor after the server rejects it
// as expired.  Local data is untouched; the snapshot re-walk dedupes
// against it.
func (tx *Tx) ResetCursor(ctx context.Context, accountID int64) error {
	_, err := tx.tx.ExecContext(ctx, `
UPDATE sync_state SET history_cursor = $1, initial_sync_complete = 0 WHERE account_id = $2`,
		orderedToSigned(0), accountID)
	if err != nil {
		return mailerr.E(mailerr.Io, "store.ResetCursor", err)
	}
	return nil
}
