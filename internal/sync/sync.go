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

// Package sync keeps the local replica consistent with the remote
// mailbox.  A fetch producer pages remote listings into the durable
// pending queue while an ingest consumer drains it in transactional
// batches; because the queue is durable and the cursor only advances
// after a batch commits, any crash or cancel resumes cleanly.
package sync

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"mailvault/internal/blob"
	"mailvault/internal/config"
	"mailvault/internal/mail"
	"mailvault/internal/mailerr"
	"mailvault/internal/search"
	"mailvault/internal/store"
)

const (
	phaseSnapshotFetch = "snapshot-fetch"
	phaseHistoryFetch  = "history-fetch"
	phaseIngest        = "ingest"

	maxSyncRetries   = 3
	initialBackoff   = time.Second
	maxBackoff       = time.Minute
	consumerIdleWait = 50 * time.Millisecond
	parkPoll         = 100 * time.Millisecond
)

// Engine drives sync for accounts against one storage stack.
type Engine struct {
	db    *store.DB
	blobs *blob.Store
	index *search.Index
	opts  config.Options
	clock Clock
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a sync engine.  A nil clock means the system clock.
func New(db *store.DB, blobs *blob.Store, index *search.Index, opts config.Options, clock Clock) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Engine{db: db, blobs: blobs, index: index, opts: opts, clock: clock, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sync runs one sync for the account.  Snapshot mode runs while the
// initial sync is incomplete, incremental history mode afterwards; a
// rejected cursor falls back to snapshot without deleting local data.
// Transient failures back off and retry a few times before the run is
// surfaced as failed; the next trigger starts from idle again.
func (e *Engine) Sync(ctx context.Context, remote Remote, accountID int64, progress mail.ProgressFunc) (*mail.SyncStats, error) {
	start := e.clock.Now()
	stats := &mail.SyncStats{}

	state, err := e.db.GetSyncState(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, mailerr.Errorf(mailerr.NotFound, "sync.Sync", "no such account %d", accountID)
	}

	pending, err := e.db.CountPending(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if state.InitialSyncComplete && pending == 0 &&
		!CooldownElapsed(e.clock.Now(), state.LastSyncAt, e.opts.SyncCooldown) {
		return nil, mailerr.Errorf(mailerr.RateLimited, "sync.Sync",
			"cooldown: last sync finished %v ago", e.clock.Now().Sub(state.LastSyncAt))
	}

	em := newEmitter(progress, e.clock, e.opts.ProgressInterval)

	backoff := initialBackoff
	for attempt := 0; ; {
		state, err = e.db.GetSyncState(ctx, accountID)
		if err != nil {
			return stats, err
		}

		if !state.InitialSyncComplete {
			err = e.snapshotSync(ctx, remote, accountID, stats, em)
		} else {
			err = e.historySync(ctx, remote, accountID, stats, em)
		}
		if err == nil {
			break
		}

		switch mailerr.KindOf(err) {
		case mailerr.HistoryExpired:
			// Local data stays; the snapshot re-walk dedupes.
			log.Printf("history cursor expired for account %d; falling back to snapshot", accountID)
			rerr := e.db.Update(ctx, func(tx *store.Tx) error {
				return tx.ResetCursor(ctx, accountID)
			})
			if rerr != nil {
				return stats, rerr
			}
		case mailerr.Network, mailerr.RateLimited:
			attempt++
			if attempt >= maxSyncRetries {
				return stats, err
			}
			log.Printf("sync for account %d hit %v; backing off %v", accountID, mailerr.KindOf(err), backoff)
			if serr := e.sleep(ctx, backoff); serr != nil {
				return stats, mailerr.E(mailerr.Cancelled, "sync.Sync", serr)
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
		default:
			return stats, err
		}
	}

	stats.Duration = e.clock.Now().Sub(start)
	return stats, nil
}

// snapshotSync walks the full remote message list.  The history
// cursor is captured first so the catch-up pass can cover messages
// arriving mid-walk; initial_sync_complete flips only after the final
// ingest batch commits.
func (e *Engine) snapshotSync(ctx context.Context, remote Remote, accountID int64, stats *mail.SyncStats, em *emitter) error {
	profile, err := remote.Profile(ctx)
	if err != nil {
		return err
	}
	log.Printf("snapshot sync to cursor %d for %s", profile.HistoryCursor, profile.Email)

	// First contact with a mailbox also pulls the label directory,
	// mostly as an early validity check on the token and account.
	if labels, err := remote.ListLabels(ctx); err == nil {
		log.Printf("remote reports %d labels", len(labels))
	}

	done := make(chan struct{})
	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		defer close(done)
		return e.produceSnapshot(gctx, remote, accountID, stats, em)
	})
	grp.Go(func() error {
		return e.consume(gctx, remote, accountID, stats, em, done)
	})
	if err := grp.Wait(); err != nil {
		if ctx.Err() != nil {
			return mailerr.E(mailerr.Cancelled, "sync.snapshotSync", ctx.Err())
		}
		return err
	}

	err = e.db.Update(ctx, func(tx *store.Tx) error {
		if err := tx.AdvanceCursor(ctx, accountID, profile.HistoryCursor, e.clock.Now().UnixMilli()); err != nil {
			return err
		}
		return tx.MarkInitialSyncComplete(ctx, accountID, true)
	})
	if err != nil {
		return err
	}
	em.flush(phaseSnapshotFetch, stats.MessagesFetched, int(profile.MessageTotal))

	// Catch up on anything that arrived during the walk.  Best
	// effort: the next incremental sync covers a failure here.
	if err := e.historySync(ctx, remote, accountID, stats, em); err != nil {
		if mailerr.Is(err, mailerr.Cancelled) {
			return err
		}
		log.Printf("catch-up sync for account %d failed (non-fatal): %v", accountID, err)
	}
	return nil
}

// produceSnapshot pages the remote list into the pending queue,
// parking when the queue passes the high-water mark.
func (e *Engine) produceSnapshot(ctx context.Context, remote Remote, accountID int64, stats *mail.SyncStats, em *emitter) error {
	pageToken := ""
	fetched := 0
	for {
		page, err := remote.ListMessageIDs(ctx, pageToken)
		if err != nil {
			return err
		}
		if len(page.IDs) > 0 {
			err := e.db.Update(ctx, func(tx *store.Tx) error {
				_, err := tx.EnqueuePending(ctx, accountID, page.IDs, e.clock.Now())
				return err
			})
			if err != nil {
				return err
			}
		}
		fetched += len(page.IDs)
		stats.MessagesFetched = fetched
		em.emit(phaseSnapshotFetch, fetched, int(page.SizeEstimate))

		if page.NextPageToken == "" {
			return nil
		}
		pageToken = page.NextPageToken

		if err := e.park(ctx, accountID); err != nil {
			return err
		}
	}
}

// park blocks the producer while the pending queue sits above the
// high-water mark, resuming once it drains below the low-water mark.
func (e *Engine) park(ctx context.Context, accountID int64) error {
	n, err := e.db.CountPending(ctx, accountID)
	if err != nil {
		return err
	}
	if n < e.opts.PendingHighWater {
		return nil
	}
	log.Printf("pending queue at %d (high water %d); parking producer", n, e.opts.PendingHighWater)
	for n > e.opts.PendingLowWater {
		if err := e.sleep(ctx, parkPoll); err != nil {
			return mailerr.E(mailerr.Cancelled, "sync.park", err)
		}
		if n, err = e.db.CountPending(ctx, accountID); err != nil {
			return err
		}
	}
	return nil
}

// consume drains the pending queue until the producer finishes and
// the queue is empty.
func (e *Engine) consume(ctx context.Context, remote Remote, accountID int64, stats *mail.SyncStats, em *emitter, done <-chan struct{}) error {
	producerDone := false
	for {
		res, err := e.processBatch(ctx, remote, accountID, e.opts.IngestBatchSize, stats, em)
		if err != nil {
			return err
		}
		if res.Processed > 0 {
			continue
		}
		if producerDone && res.Remaining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			producerDone = true
		default:
		}
		if !producerDone {
			if err := e.sleep(ctx, consumerIdleWait); err != nil {
				return mailerr.E(mailerr.Cancelled, "sync.consume", err)
			}
		}
	}
}

// ProcessPendingBatch resolves one batch of the pending queue.  Hosts
// decomposing sync into a fetch phase plus repeated batch calls use
// this directly.
func (e *Engine) ProcessPendingBatch(ctx context.Context, remote MessageGetter, accountID int64, size int) (mail.BatchResult, error) {
	stats := &mail.SyncStats{}
	em := newEmitter(nil, e.clock, e.opts.ProgressInterval)
	return e.processBatch(ctx, remote, accountID, size, stats, em)
}

type fetchResult struct {
	entry mail.PendingEntry
	full  *mail.FullMessage
	err   error
}

// processBatch takes up to size pending entries, resolves them with
// bounded concurrency, and lands blobs, rows and index updates in one
// transaction per batch, committing the index writer afterwards.
func (e *Engine) processBatch(ctx context.Context, remote MessageGetter, accountID int64, size int, stats *mail.SyncStats, em *emitter) (mail.BatchResult, error) {
	var result mail.BatchResult

	entries, err := e.db.TakePending(ctx, accountID, size)
	if err != nil {
		return result, err
	}
	if len(entries) == 0 {
		return result, nil
	}

	results := make([]fetchResult, len(entries))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(e.opts.FetchConcurrency)
	for i, entry := range entries {
		i, entry := i, entry
		grp.Go(func() error {
			full, err := remote.GetMessageFull(gctx, entry.RemoteID)
			results[i] = fetchResult{entry: entry, full: full, err: err}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return result, err
	}
	if ctx.Err() != nil {
		return result, mailerr.E(mailerr.Cancelled, "sync.processBatch", ctx.Err())
	}

	// Bodies land in the blob store before the relational commit so a
	// committed row never references an absent blob.
	type indexOp struct {
		msg      *mail.Message
		bodyText string
	}
	var indexOps []indexOp
	for i := range results {
		r := &results[i]
		if r.err != nil {
			continue
		}
		m := &r.full.Message
		m.AccountID = accountID
		if len(r.full.BodyText) > 0 {
			hash, err := e.blobs.Put(r.full.BodyText)
			if err != nil {
				return result, err
			}
			m.BodyTextRef = hash
		}
		if len(r.full.BodyHTML) > 0 {
			hash, err := e.blobs.Put(r.full.BodyHTML)
			if err != nil {
				return result, err
			}
			m.BodyHTMLRef = hash
		}
		indexOps = append(indexOps, indexOp{msg: m, bodyText: string(r.full.BodyText)})
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	var done, failedRows []mail.MessageID
	threads := make(map[mail.ThreadID]struct{})
	for i := range results {
		r := &results[i]
		id := r.entry.RemoteID
		switch {
		case r.err == nil:
			created, err := tx.UpsertMessage(ctx, &r.full.Message)
			if err != nil {
				return result, err
			}
			if created {
				stats.MessagesCreated++
			} else {
				stats.MessagesUpdated++
			}
			threads[r.full.Message.ThreadID] = struct{}{}
			done = append(done, id)
			result.Processed++
		case mailerr.Is(r.err, mailerr.NotFound):
			// The history feed sometimes lists messages the server
			// no longer serves; drop them.
			done = append(done, id)
			stats.MessagesSkipped++
			result.Processed++
		case mailerr.Is(r.err, mailerr.Cancelled):
			return result, r.err
		default:
			// Parse and transient failures: count, bump, continue.
			// Entries that keep failing go terminal via the attempt
			// cap.
			log.Printf("failed to resolve message %s: %v", id, r.err)
			failedRows = append(failedRows, id)
			stats.Errors++
			result.Errors++
		}
	}

	for threadID := range threads {
		if _, _, err := tx.RecomputeThread(ctx, threadID); err != nil {
			return result, err
		}
	}
	if err := tx.DeletePending(ctx, done); err != nil {
		return result, err
	}
	if err := tx.BumpPendingAttempts(ctx, failedRows, e.opts.MaxPendingAttempts); err != nil {
		return result, err
	}

	for _, op := range indexOps {
		if err := e.index.Add(op.msg, op.bodyText); err != nil {
			return result, err
		}
	}

	if err := tx.Commit(); err != nil {
		return result, err
	}
	if err := e.index.Commit(); err != nil {
		return result, err
	}

	remaining, err := e.db.CountPending(ctx, accountID)
	if err != nil {
		return result, err
	}
	result.Remaining = remaining
	result.HasMore = remaining > 0
	em.emit(phaseIngest, stats.MessagesCreated+stats.MessagesUpdated+stats.MessagesSkipped, 0)
	return result, nil
}

// historySync applies the cursor-driven change feed: added messages
// enqueue for ingest, label changes and deletions apply directly.
// The cursor advances only after the final ingest batch commits.
func (e *Engine) historySync(ctx context.Context, remote Remote, accountID int64, stats *mail.SyncStats, em *emitter) error {
	stats.WasIncremental = true

	state, err := e.db.GetSyncState(ctx, accountID)
	if err != nil {
		return err
	}
	cursor := state.HistoryCursor
	newCursor := cursor
	pageToken := ""
	seen := 0

	for {
		page, err := remote.ListHistory(ctx, cursor, pageToken)
		if err != nil {
			return err
		}
		if err := e.applyHistoryPage(ctx, accountID, page, stats); err != nil {
			return err
		}
		if err := e.index.Commit(); err != nil {
			return err
		}
		seen += len(page.Events)
		em.emit(phaseHistoryFetch, seen, 0)
		if page.NewCursor > newCursor {
			newCursor = page.NewCursor
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	for {
		res, err := e.processBatch(ctx, remote, accountID, e.opts.IngestBatchSize, stats, em)
		if err != nil {
			return err
		}
		if res.Processed == 0 && !res.HasMore {
			break
		}
	}

	err = e.db.Update(ctx, func(tx *store.Tx) error {
		return tx.AdvanceCursor(ctx, accountID, newCursor, e.clock.Now().UnixMilli())
	})
	if err != nil {
		return err
	}
	em.flush(phaseHistoryFetch, seen, 0)
	return nil
}

func (e *Engine) applyHistoryPage(ctx context.Context, accountID int64, page *mail.HistoryPage, stats *mail.SyncStats) error {
	return e.db.Update(ctx, func(tx *store.Tx) error {
		for _, ev := range page.Events {
			switch ev.Kind {
			case mail.HistoryMessageAdded:
				if _, err := tx.EnqueuePending(ctx, accountID, []mail.MessageID{ev.MessageID}, e.clock.Now()); err != nil {
					return err
				}

			case mail.HistoryMessageDeleted:
				threadID, err := tx.DeleteMessage(ctx, ev.MessageID)
				if mailerr.Is(err, mailerr.NotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if _, _, err := tx.RecomputeThread(ctx, threadID); err != nil {
					return err
				}
				e.index.Remove(ev.MessageID)
				stats.MessagesUpdated++

			case mail.HistoryLabelsChanged:
				m, err := tx.GetMessage(ctx, ev.MessageID)
				if mailerr.Is(err, mailerr.NotFound) {
					// Label events can precede the add's ingest; the
					// eventual GetMessageFull carries current labels.
					continue
				}
				if err != nil {
					return err
				}
				if err := tx.ApplyLabelDelta(ctx, ev.MessageID, ev.LabelsAdded, ev.LabelsRemoved); err != nil {
					return err
				}
				m, err = tx.GetMessage(ctx, ev.MessageID)
				if err != nil {
					return err
				}
				if _, _, err := tx.RecomputeThread(ctx, m.ThreadID); err != nil {
					return err
				}
				if err := e.index.Add(m, e.bodyText(m)); err != nil {
					return err
				}
				stats.LabelsUpdated++
			}
		}
		return nil
	})
}

// bodyText loads a message's plain text body for indexing, degrading
// to empty on any miss.
func (e *Engine) bodyText(m *mail.Message) string {
	if m.BodyTextRef == "" {
		return ""
	}
	data, err := e.blobs.Get(m.BodyTextRef)
	if err != nil {
		return ""
	}
	return string(data)
}
