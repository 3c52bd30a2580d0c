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

	"mailvault/internal/mail"
	"mailvault/internal/mailerr"
)

// ListThreads returns thread summaries newest-first.  label filters
// to threads with at least one message carrying it; accountID zero
// means all accounts.
func (db *DB) ListThreads(ctx context.Context, label string, accountID int64, limit, offset int) ([]mail.Thread, error) {
	var rows *sql.Rows
	var err error
	switch {
	case label == "":
		rows, err = db.db.QueryContext(ctx, `
SELECT id, account_id, subject, snippet, last_message_at, message_count,
       sender_name, sender_email, is_unread, has_starred
FROM threads
WHERE ($1 = 0 OR account_id = $1)
ORDER BY last_message_at DESC, id
LIMIT $2 OFFSET $3`, accountID, limit, offset)
	default:
		rows, err = db.db.QueryContext(ctx, `
SELECT t.id, t.account_id, t.subject, t.snippet, t.last_message_at, t.message_count,
       t.sender_name, t.sender_email, t.is_unread, t.has_starred
FROM threads t
WHERE ($1 = 0 OR t.account_id = $1)
  AND EXISTS (
    SELECT 1 FROM messages m JOIN message_labels ml ON ml.message_id = m.id
    WHERE m.thread_id = t.id AND ml.label_id = $2)
ORDER BY t.last_message_at DESC, t.id
LIMIT $3 OFFSET $4`, accountID, label, limit, offset)
	}
	if err != nil {
		return nil, mailerr.E(mailerr.Io, "store.ListThreads", err)
	}
	defer rows.Close()

	var out []mail.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanThread(row rowScanner) (mail.Thread, error) {
	var t mail.Thread
	var id string
	var lastMs int64
	var unread, starred int
	err := row.Scan(&id, &t.AccountID, &t.Subject, &t.Snippet, &lastMs, &t.MessageCount,
		&t.SenderName, &t.SenderEmail, &unread, &starred)
	if err != nil {
		return t, mailerr.E(mailerr.Io, "store.scanThread", err)
	}
	t.ID = mail.ThreadID(id)
	t.LastMessageAt = msToTime(lastMs)
	t.IsUnread = unread != 0
	t.HasStarred = starred != 0
	return t, nil
}

// GetThread loads one thread summary.
func (db *DB) GetThread(ctx context.Context, id mail.ThreadID) (mail.Thread, error) {
	row := db.db.QueryRowContext(ctx, `
SELECT id, account_id, subject, snippet, last_message_at, message_count,
       sender_name, sender_email, is_unread, has_starred
FROM threads WHERE id = $1`, string(id))
	t, err := scanThread(row)
	if err != nil {
		if isNoRows(err) {
			return mail.Thread{}, mailerr.Errorf(mailerr.NotFound, "store.GetThread", "no thread %s", id)
		}
		return mail.Thread{}, err
	}
	return t, nil
}

func isNoRows(err error) bool {
	for err != nil {
		if err == sql.ErrNoRows {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ThreadDetail loads a thread and its messages, oldest first, with
// labels and recipients attached.  Bodies stay in the blob store.
func (db *DB) ThreadDetail(ctx context.Context, id mail.ThreadID) (*mail.ThreadDetail, error) {
	thread, err := db.GetThread(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := db.db.QueryContext(ctx, `
SELECT id, thread_id, account_id, from_name, from_email, subject, received_at,
       internal_date, body_preview, body_text_hash, body_html_hash, has_attachment, history_id_seen
FROM messages WHERE thread_id = $1
ORDER BY received_at, id`, string(id))
	if err != nil {
		return nil, mailerr.E(mailerr.Io, "store.ThreadDetail", err)
	}
	defer rows.Close()

	var msgs []mail.Message
	for rows.Next() {
		var m mail.Message
		var msgID, threadID string
		var receivedMs, history int64
		var bodyText, bodyHTML sql.NullString
		var hasAttach int
		err := rows.Scan(&msgID, &threadID, &m.AccountID, &m.From.Name, &m.From.Email,
			&m.Subject, &receivedMs, &m.InternalDate, &m.BodyPreview,
			&bodyText, &bodyHTML, &hasAttach, &history)
		if err != nil {
			return nil, mailerr.E(mailerr.Io, "store.ThreadDetail", err)
		}
		m.ID = mail.MessageID(msgID)
		m.ThreadID = mail.ThreadID(threadID)
		m.ReceivedAt = msToTime(receivedMs)
		m.BodyTextRef = bodyText.String
		m.BodyHTMLRef = bodyHTML.String
		m.HasAttach = hasAttach != 0
		m.HistoryID = orderedToUnsigned(history)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mailerr.E(mailerr.Io, "store.ThreadDetail", err)
	}

	for i := range msgs {
		if err := db.attachEdges(ctx, &msgs[i]); err != nil {
			return nil, err
		}
	}
	return &mail.ThreadDetail{Thread: thread, Messages: msgs}, nil
}

func (db *DB) attachEdges(ctx context.Context, m *mail.Message) error {
	labelRows, err := db.db.QueryContext(ctx,
		`SELECT label_id FROM message_labels WHERE message_id = $1 ORDER BY label_id`, string(m.ID))
	if err != nil {
		return mailerr.E(mailerr.Io, "store.attachEdges", err)
	}
	defer labelRows.Close()
	for labelRows.Next() {
		var l string
		if err := labelRows.Scan(&l); err != nil {
			return mailerr.E(mailerr.Io, "store.attachEdges", err)
		}
		m.Labels = append(m.Labels, l)
	}
	if err := labelRows.Err(); err != nil {
		return mailerr.E(mailerr.Io, "store.attachEdges", err)
	}

	recRows, err := db.db.QueryContext(ctx, `
SELECT kind, name, email FROM message_recipients
WHERE message_id = $1 ORDER BY kind, position`, string(m.ID))
	if err != nil {
		return mailerr.E(mailerr.Io, "store.attachEdges", err)
	}
	defer recRows.Close()
	for recRows.Next() {
		var kind string
		var addr mail.Address
		if err := recRows.Scan(&kind, &addr.Name, &addr.Email); err != nil {
			return mailerr.E(mailerr.Io, "store.attachEdges", err)
		}
		switch kind {
		case "to":
			m.To = append(m.To, addr)
		case "cc":
			m.Cc = append(m.Cc, addr)
		}
	}
	return recRows.Err()
}

// CountThreads counts threads, optionally restricted to a label and
// account.  Exact by design: the cost is bounded by the label's size.
func (db *DB) CountThreads(ctx context.Context, label string, accountID int64) (int, error) {
	var n int
	var err error
	if label == "" {
		err = db.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM threads WHERE ($1 = 0 OR account_id = $1)`, accountID).Scan(&n)
	} else {
		err = db.db.QueryRowContext(ctx, `
SELECT COUNT(DISTINCT m.thread_id)
FROM message_labels ml JOIN messages m ON m.id = ml.message_id
WHERE ml.label_id = $1 AND ($2 = 0 OR m.account_id = $2)`, label, accountID).Scan(&n)
	}
	if err != nil {
		return 0, mailerr.E(mailerr.Io, "store.CountThreads", err)
	}
	return n, nil
}

// CountUnread counts threads carrying the label that have at least
// one unread message.
func (db *DB) CountUnread(ctx context.Context, label string, accountID int64) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, `
SELECT COUNT(DISTINCT m.thread_id)
FROM message_labels ml
JOIN messages m ON m.id = ml.message_id
JOIN threads t ON t.id = m.thread_id
WHERE ml.label_id = $1 AND t.is_unread = 1 AND ($2 = 0 OR m.account_id = $2)`,
		label, accountID).Scan(&n)
	if err != nil {
		return 0, mailerr.E(mailerr.Io, "store.CountUnread", err)
	}
	return n, nil
}

// LiveBlobHashes returns every blob hash referenced by any message,
// for blob store GC.
func (db *DB) LiveBlobHashes(ctx context.Context) (map[string]struct{}, error) {
	rows, err := db.db.QueryContext(ctx, `
SELECT body_text_hash FROM messages WHERE body_text_hash IS NOT NULL
UNION
SELECT body_html_hash FROM messages WHERE body_html_hash IS NOT NULL`)
	if err != nil {
		return nil, mailerr.E(mailerr.Io, "store.LiveBlobHashes", err)
	}
	defer rows.Close()
	live := make(map[string]struct{})
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, mailerr.E(mailerr.Io, "store.LiveBlobHashes", err)
		}
		live[h] = struct{}{}
	}
	return live, rows.Err()
}

// ForEachMessage streams every message (with labels and recipients)
// to handler, for index rebuilds.
func (db *DB) ForEachMessage(ctx context.Context, handler func(*mail.Message) error) error {
	rows, err := db.db.QueryContext(ctx, `SELECT id FROM messages ORDER BY id`)
	if err != nil {
		return mailerr.E(mailerr.Io, "store.ForEachMessage", err)
	}
	var ids []mail.MessageID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return mailerr.E(mailerr.Io, "store.ForEachMessage", err)
		}
		ids = append(ids, mail.MessageID(id))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return mailerr.E(mailerr.Io, "store.ForEachMessage", err)
	}
	rows.Close()

	for _, id := range ids {
		m, err := db.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		if err := handler(m); err != nil {
			return err
		}
	}
	return nil
}

// GetMessage loads one message with labels and recipients.
func (db *DB) GetMessage(ctx context.Context, id mail.MessageID) (*mail.Message, error) {
	m, err := scanMessage(ctx, db.db.QueryRowContext, id)
	if err != nil {
		return nil, err
	}
	if err := db.attachEdges(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}
