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

	"github.com/pkg/errors"

	"mailvault/internal/mail"
	"mailvault/internal/mailerr"
)

// UpsertMessage inserts or updates a message keyed on its remote ID
// and replaces its label and recipient edges.  The thread row is
// created if absent; callers must follow up with RecomputeThread in
// the same transaction.  Returns true when the row was created.
func (tx *Tx) UpsertMessage(ctx context.Context, m *mail.Message) (bool, error) {
	var existingThread string
	err := tx.tx.QueryRowContext(ctx,
		`SELECT thread_id FROM messages WHERE id = $1`, string(m.ID)).Scan(&existingThread)
	created := err == sql.ErrNoRows
	if err != nil && err != sql.ErrNoRows {
		return false, mailerr.E(mailerr.Io, "store.UpsertMessage", err)
	}
	if !created && existingThread != string(m.ThreadID) {
		return false, mailerr.Errorf(mailerr.Conflict, "store.UpsertMessage",
			"message %s cannot move from thread %s to %s", m.ID, existingThread, m.ThreadID)
	}

	// The thread row must exist before the message row (FK).  Its
	// derived fields are filled by RecomputeThread.
	_, err = tx.tx.ExecContext(ctx, `
INSERT INTO threads (id, account_id, subject)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO NOTHING`,
		string(m.ThreadID), m.AccountID, m.Subject)
	if err != nil {
		return false, mailerr.E(mailerr.Io, "store.UpsertMessage", err)
	}

	_, err = tx.tx.ExecContext(ctx, `
INSERT INTO messages
(id, thread_id, account_id, from_name, from_email, subject, received_at,
 internal_date, body_preview, body_text_hash, body_html_hash, has_attachment, history_id_seen)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET
(from_name, from_email, subject, received_at, internal_date, body_preview,
 body_text_hash, body_html_hash, has_attachment, history_id_seen) =
($4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		string(m.ID), string(m.ThreadID), m.AccountID,
		m.From.Name, m.From.Email, m.Subject, timeToMs(m.ReceivedAt),
		m.InternalDate, m.BodyPreview,
		nullable(m.BodyTextRef), nullable(m.BodyHTMLRef),
		boolToInt(m.HasAttach), orderedToSigned(m.HistoryID))
	if err != nil {
		return false, mailerr.E(mailerr.Io, "store.UpsertMessage", err)
	}

	if err := tx.replaceLabels(ctx, m.ID, m.Labels); err != nil {
		return false, err
	}
	if err := tx.replaceRecipients(ctx, m); err != nil {
		return false, err
	}
	return created, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (tx *Tx) replaceLabels(ctx context.Context, id mail.MessageID, labels []string) error {
	if _, err := tx.tx.ExecContext(ctx,
		`DELETE FROM message_labels WHERE message_id = $1`, string(id)); err != nil {
		return mailerr.E(mailerr.Io, "store.replaceLabels", err)
	}
	stmt, err := tx.tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO message_labels (message_id, label_id) VALUES ($1, $2)`)
	if err != nil {
		return mailerr.E(mailerr.Io, "store.replaceLabels", err)
	}
	defer stmt.Close()
	for _, label := range labels {
		if _, err := stmt.ExecContext(ctx, string(id), label); err != nil {
			return mailerr.E(mailerr.Io, "store.replaceLabels", err)
		}
	}
	return nil
}

func (tx *Tx) replaceRecipients(ctx context.Context, m *mail.Message) error {
	if _, err := tx.tx.ExecContext(ctx,
		`DELETE FROM message_recipients WHERE message_id = $1`, string(m.ID)); err != nil {
		return mailerr.E(mailerr.Io, "store.replaceRecipients", err)
	}
	stmt, err := tx.tx.PrepareContext(ctx, `
INSERT INTO message_recipients (message_id, kind, name, email, position)
VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return mailerr.E(mailerr.Io, "store.replaceRecipients", err)
	}
	defer stmt.Close()
	for i, to := range m.To {
		if _, err := stmt.ExecContext(ctx, string(m.ID), "to", to.Name, to.Email, i); err != nil {
			return mailerr.E(mailerr.Io, "store.replaceRecipients", err)
		}
	}
	for i, cc := range m.Cc {
		if _, err := stmt.ExecContext(ctx, string(m.ID), "cc", cc.Name, cc.Email, i); err != nil {
			return mailerr.E(mailerr.Io, "store.replaceRecipients", err)
		}
	}
	return nil
}

// MessageLabels returns the current label set of a message.
func (tx *Tx) MessageLabels(ctx context.Context, id mail.MessageID) ([]string, error) {
	rows, err := tx.tx.QueryContext(ctx,
		`SELECT label_id FROM message_labels WHERE message_id = $1 ORDER BY label_id`, string(id))
	if err != nil {
		return nil, mailerr.E(mailerr.Io, "store.MessageLabels", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, mailerr.E(mailerr.Io, "store.MessageLabels", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ApplyLabelDelta adds and removes labels on one message.  Adding a
// present label or removing an absent one is a no-op.
func (tx *Tx) ApplyLabelDelta(ctx context.Context, id mail.MessageID, add, remove []string) error {
	for _, label := range add {
		if _, err := tx.tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO message_labels (message_id, label_id) VALUES ($1, $2)`,
			string(id), label); err != nil {
			return mailerr.E(mailerr.Io, "store.ApplyLabelDelta", err)
		}
	}
	for _, label := range remove {
		if _, err := tx.tx.ExecContext(ctx,
			`DELETE FROM message_labels WHERE message_id = $1 AND label_id = $2`,
			string(id), label); err != nil {
			return mailerr.E(mailerr.Io, "store.ApplyLabelDelta", err)
		}
	}
	return nil
}

// DeleteMessage removes a message and its edges.  Returns the thread
// the message belonged to so the caller can recompute it; deleting an
// unknown message returns NotFound.
func (tx *Tx) DeleteMessage(ctx context.Context, id mail.MessageID) (mail.ThreadID, error) {
	var threadID string
	err := tx.tx.QueryRowContext(ctx,
		`SELECT thread_id FROM messages WHERE id = $1`, string(id)).Scan(&threadID)
	if err == sql.ErrNoRows {
		return "", mailerr.Errorf(mailerr.NotFound, "store.DeleteMessage", "no message %s", id)
	}
	if err != nil {
		return "", mailerr.E(mailerr.Io, "store.DeleteMessage", err)
	}
	if _, err := tx.tx.ExecContext(ctx,
		`DELETE FROM message_labels WHERE message_id = $1`, string(id)); err != nil {
		return "", mailerr.E(mailerr.Io, "store.DeleteMessage", err)
	}
	if _, err := tx.tx.ExecContext(ctx,
		`DELETE FROM message_recipients WHERE message_id = $1`, string(id)); err != nil {
		return "", mailerr.E(mailerr.Io, "store.DeleteMessage", err)
	}
	if _, err := tx.tx.ExecContext(ctx,
		`DELETE FROM messages WHERE id = $1`, string(id)); err != nil {
		return "", mailerr.E(mailerr.Io, "store.DeleteMessage", err)
	}
	return mail.ThreadID(threadID), nil
}

// RecomputeThread rewrites the thread's derived fields from its
// current messages, inside the caller's transaction.  A thread whose
// last message is gone is destroyed; the second return reports that.
func (tx *Tx) RecomputeThread(ctx context.Context, threadID mail.ThreadID) (mail.Thread, bool, error) {
	var t mail.Thread
	var lastMs int64
	err := tx.tx.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(MAX(received_at), 0) FROM messages WHERE thread_id = $1`,
		string(threadID)).Scan(&t.MessageCount, &lastMs)
	if err != nil {
		return t, false, mailerr.E(mailerr.Io, "store.RecomputeThread", err)
	}

	if t.MessageCount == 0 {
		if _, err := tx.tx.ExecContext(ctx,
			`DELETE FROM threads WHERE id = $1`, string(threadID)); err != nil {
			return t, false, mailerr.E(mailerr.Io, "store.RecomputeThread", err)
		}
		return mail.Thread{ID: threadID}, true, nil
	}

	// Newest message supplies snippet, subject and sender.
	var subject, snippet, senderName, senderEmail string
	var accountID int64
	err = tx.tx.QueryRowContext(ctx, `
SELECT account_id, subject, body_preview, from_name, from_email
FROM messages WHERE thread_id = $1
ORDER BY received_at DESC, id LIMIT 1`, string(threadID)).
		Scan(&accountID, &subject, &snippet, &senderName, &senderEmail)
	if err != nil {
		return t, false, mailerr.E(mailerr.Io, "store.RecomputeThread", err)
	}

	var unread, starred int
	err = tx.tx.QueryRowContext(ctx, `
SELECT
  EXISTS (SELECT 1 FROM message_labels ml JOIN messages m ON m.id = ml.message_id
          WHERE m.thread_id = $1 AND ml.label_id = $2),
  EXISTS (SELECT 1 FROM message_labels ml JOIN messages m ON m.id = ml.message_id
          WHERE m.thread_id = $1 AND ml.label_id = $3)`,
		string(threadID), mail.LabelUnread, mail.LabelStarred).Scan(&unread, &starred)
	if err != nil {
		return t, false, mailerr.E(mailerr.Io, "store.RecomputeThread", err)
	}

	t = mail.Thread{
		ID:            threadID,
		AccountID:     accountID,
		Subject:       subject,
		Snippet:       snippet,
		LastMessageAt: msToTime(lastMs),
		MessageCount:  t.MessageCount,
		SenderName:    senderName,
		SenderEmail:   senderEmail,
		IsUnread:      unread != 0,
		HasStarred:    starred != 0,
	}
	_, err = tx.tx.ExecContext(ctx, `
UPDATE threads SET
(account_id, subject, snippet, last_message_at, message_count,
 sender_name, sender_email, is_unread, has_starred) =
($1, $2, $3, $4, $5, $6, $7, $8, $9)
WHERE id = $10`,
		t.AccountID, t.Subject, t.Snippet, lastMs, t.MessageCount,
		t.SenderName, t.SenderEmail, boolToInt(t.IsUnread), boolToInt(t.HasStarred), string(threadID))
	if err != nil {
		return t, false, mailerr.E(mailerr.Io, "store.RecomputeThread", err)
	}
	return t, false, nil
}

// MessageIDsForThread returns the IDs of all messages in a thread.
func (tx *Tx) MessageIDsForThread(ctx context.Context, threadID mail.ThreadID) ([]mail.MessageID, error) {
	rows, err := tx.tx.QueryContext(ctx,
		`SELECT id FROM messages WHERE thread_id = $1 ORDER BY received_at, id`, string(threadID))
	if err != nil {
		return nil, mailerr.E(mailerr.Io, "store.MessageIDsForThread", err)
	}
	defer rows.Close()
	var out []mail.MessageID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mailerr.E(mailerr.Io, "store.MessageIDsForThread", err)
		}
		out = append(out, mail.MessageID(id))
	}
	return out, rows.Err()
}

// GetMessage loads one message with labels inside the transaction.
func (tx *Tx) GetMessage(ctx context.Context, id mail.MessageID) (*mail.Message, error) {
	m, err := scanMessage(ctx, tx.tx.QueryRowContext, id)
	if err != nil {
		return nil, err
	}
	m.Labels, err = tx.MessageLabels(ctx, id)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func scanMessage(ctx context.Context, queryRow queryRowFunc, id mail.MessageID) (*mail.Message, error) {
	var m mail.Message
	var msgID, threadID string
	var receivedMs, history int64
	var bodyText, bodyHTML sql.NullString
	var hasAttach int
	err := queryRow(ctx, `
SELECT id, thread_id, account_id, from_name, from_email, subject, received_at,
       internal_date, body_preview, body_text_hash, body_html_hash, has_attachment, history_id_seen
FROM messages WHERE id = $1`, string(id)).
		Scan(&msgID, &threadID, &m.AccountID, &m.From.Name, &m.From.Email, &m.Subject,
			&receivedMs, &m.InternalDate, &m.BodyPreview, &bodyText, &bodyHTML, &hasAttach, &history)
	if err == sql.ErrNoRows {
		return nil, mailerr.Errorf(mailerr.NotFound, "store.GetMessage", "no message %s", id)
	}
	if err != nil {
		return nil, mailerr.E(mailerr.Io, "store.GetMessage", errors.Wrapf(err, "loading message %s", id))
	}
	m.ID = mail.MessageID(msgID)
	m.ThreadID = mail.ThreadID(threadID)
	m.ReceivedAt = msToTime(receivedMs)
	m.BodyTextRef = bodyText.String
	m.BodyHTMLRef = bodyHTML.String
	m.HasAttach = hasAttach != 0
	m.HistoryID = orderedToUnsigned(history)
	return &m, nil
}

// HasMessage reports whether the message row exists.
func (db *DB) HasMessage(ctx context.Context, id mail.MessageID) (bool, error) {
	var one int
	err := db.db.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE id = $1`, string(id)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, mailerr.E(mailerr.Io, "store.HasMessage", err)
	}
	return true, nil
}

// ClearMailData removes all mail rows for one account: messages,
// edges, threads and pending entries.  Accounts and sync state stay.
func (tx *Tx) ClearMailData(ctx context.Context, accountID int64) error {
	stmts := []string{
		`DELETE FROM message_labels WHERE message_id IN (SELECT id FROM messages WHERE account_id = $1)`,
		`DELETE FROM message_recipients WHERE message_id IN (SELECT id FROM messages WHERE account_id = $1)`,
		`DELETE FROM messages WHERE account_id = $1`,
		`DELETE FROM threads WHERE account_id = $1`,
		`DELETE FROM pending_ingest WHERE account_id = $1`,
	}
	for _, stmt := range stmts {
		if _, err := tx.tx.ExecContext(ctx, stmt, accountID); err != nil {
			return mailerr.E(mailerr.Io, "store.ClearMailData", err)
		}
	}
	return nil
}
