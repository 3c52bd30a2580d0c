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

// Package actions turns user intent into thread-scoped label deltas:
// the delta lands locally first, then goes to the server, and a
// failed remote call reverts the local change before the error
// surfaces.
package actions

import (
	"context"

	"mailvault/internal/blob"
	"mailvault/internal/mail"
	"mailvault/internal/mailerr"
	"mailvault/internal/search"
	"mailvault/internal/store"
	syncengine "mailvault/internal/sync"
)

// Handler applies user actions to one storage stack.
type Handler struct {
	db    *store.DB
	index *search.Index
	blobs *blob.Store
}

// New builds an action handler.
func New(db *store.DB, index *search.Index, blobs *blob.Store) *Handler {
	return &Handler{db: db, index: index, blobs: blobs}
}

// Archive removes the thread from the inbox.
func (h *Handler) Archive(ctx context.Context, remote syncengine.LabelModifier, threadID mail.ThreadID) error {
	return h.apply(ctx, remote, threadID, nil, []string{mail.LabelInbox})
}

// Trash moves the thread to the trash.
func (h *Handler) Trash(ctx context.Context, remote syncengine.LabelModifier, threadID mail.ThreadID) error {
	return h.apply(ctx, remote, threadID, []string{mail.LabelTrash}, []string{mail.LabelInbox})
}

// SetRead marks every message of the thread read or unread.
func (h *Handler) SetRead(ctx context.Context, remote syncengine.LabelModifier, threadID mail.ThreadID, read bool) error {
	if read {
		return h.apply(ctx, remote, threadID, nil, []string{mail.LabelUnread})
	}
	return h.apply(ctx, remote, threadID, []string{mail.LabelUnread}, nil)
}

// ToggleStar stars the thread when no message is starred, unstars it
// otherwise.  Returns the new starred state.
func (h *Handler) ToggleStar(ctx context.Context, remote syncengine.LabelModifier, threadID mail.ThreadID) (bool, error) {
	thread, err := h.db.GetThread(ctx, threadID)
	if err != nil {
		return false, err
	}
	if thread.HasStarred {
		return false, h.apply(ctx, remote, threadID, nil, []string{mail.LabelStarred})
	}
	return true, h.apply(ctx, remote, threadID, []string{mail.LabelStarred}, nil)
}

// ApplyLabels applies an arbitrary label delta to the thread.
func (h *Handler) ApplyLabels(ctx context.Context, remote syncengine.LabelModifier, threadID mail.ThreadID, add, remove []string) error {
	return h.apply(ctx, remote, threadID, add, remove)
}

// prior remembers one message's label membership before the delta so
// reconciliation can restore it exactly.
type prior struct {
	id  mail.MessageID
	had map[string]bool
}

// apply runs the action protocol: compute the effective delta from
// current state (empty means return early), apply it locally in one
// transaction with derived fields and index updates, then call the
// server; a remote failure reverts the local delta and surfaces.
func (h *Handler) apply(ctx context.Context, remote syncengine.LabelModifier, threadID mail.ThreadID, add, remove []string) error {
	tx, err := h.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ids, err := tx.MessageIDsForThread(ctx, threadID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return mailerr.Errorf(mailerr.NotFound, "actions.apply", "no thread %s", threadID)
	}

	priors := make([]prior, 0, len(ids))
	changed := false
	for _, id := range ids {
		labels, err := tx.MessageLabels(ctx, id)
		if err != nil {
			return err
		}
		had := make(map[string]bool, len(labels))
		for _, l := range labels {
			had[l] = true
		}
		priors = append(priors, prior{id: id, had: had})
		for _, l := range add {
			if !had[l] {
				changed = true
			}
		}
		for _, l := range remove {
			if had[l] {
				changed = true
			}
		}
	}
	if !changed {
		return nil
	}

	for _, id := range ids {
		if err := tx.ApplyLabelDelta(ctx, id, add, remove); err != nil {
			return err
		}
	}
	if _, _, err := tx.RecomputeThread(ctx, threadID); err != nil {
		return err
	}
	if err := h.reindexThread(ctx, tx, ids); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if err := h.index.Commit(); err != nil {
		return err
	}

	if err := remote.ModifyLabels(ctx, ids, add, remove); err != nil {
		if rerr := h.reconcile(ctx, threadID, priors, add, remove); rerr != nil {
			return mailerr.E(mailerr.Conflict, "actions.apply", rerr)
		}
		return err
	}
	return nil
}

// reconcile reverts the local delta after a failed remote call,
// restoring each message's exact prior label membership.
func (h *Handler) reconcile(ctx context.Context, threadID mail.ThreadID, priors []prior, add, remove []string) error {
	tx, err := h.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var ids []mail.MessageID
	for _, p := range priors {
		var readd, undo []string
		for _, l := range add {
			if !p.had[l] {
				undo = append(undo, l)
			}
		}
		for _, l := range remove {
			if p.had[l] {
				readd = append(readd, l)
			}
		}
		if err := tx.ApplyLabelDelta(ctx, p.id, readd, undo); err != nil {
			return err
		}
		ids = append(ids, p.id)
	}
	if _, _, err := tx.RecomputeThread(ctx, threadID); err != nil {
		return err
	}
	if err := h.reindexThread(ctx, tx, ids); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return h.index.Commit()
}

func (h *Handler) reindexThread(ctx context.Context, tx *store.Tx, ids []mail.MessageID) error {
	for _, id := range ids {
		m, err := tx.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		if err := h.index.Add(m, h.bodyText(m)); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) bodyText(m *mail.Message) string {
	if m.BodyTextRef == "" {
		return ""
	}
	data, err := h.blobs.Get(m.BodyTextRef)
	if err != nil {
		return ""
	}
	return string(data)
}
