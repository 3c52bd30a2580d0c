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

// Package gmail is the stateless remote adapter.  Every operation is
// synchronous and blocking; concurrency belongs to the caller.
package gmail

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailvault/internal/creds"
	"mailvault/internal/mail"
	"mailvault/internal/mailerr"
)

const (
	// See https://developers.google.com/gmail/api/v1/reference/quota
	quotaUnitsMessagesGet     = 5
	quotaUnitsPerGetProfile   = 2
	quotaUnitsPerHistoryList  = 2
	quotaUnitsPerMessagesList = 1
	quotaUnitsPerLabelsList   = 1
	quotaUnitsPerBatchModify  = 50

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	listPageSize = 500

	maxAttempts    = 5
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 32 * time.Second
)

// refreshingSource bridges the credential port to oauth2.TokenSource
// and lets the retry loop force a single refresh after a 401.
type refreshingSource struct {
	ctx       context.Context
	src       creds.Source
	accountID int64

	mu    sync.Mutex
	force bool
}

func (r *refreshingSource) Token() (*oauth2.Token, error) {
	r.mu.Lock()
	force := r.force
	r.force = false
	r.mu.Unlock()

	var tok creds.Token
	var err error
	if force {
		tok, err = r.src.Refresh(r.ctx, r.accountID)
	} else {
		tok, err = r.src.Token(r.ctx, r.accountID)
	}
	if err != nil {
		return nil, mailerr.E(mailerr.Auth, "gmail.token", err)
	}
	expiry := tok.ExpiresAt
	if expiry.IsZero() {
		expiry = time.Now().Add(5 * time.Minute)
	}
	return &oauth2.Token{AccessToken: tok.Bearer, Expiry: expiry}, nil
}

func (r *refreshingSource) invalidate() {
	r.mu.Lock()
	r.force = true
	r.mu.Unlock()
}

// Options tunes the adapter's transport behavior.
type Options struct {
	RequestTimeout time.Duration
	// Base is the underlying round tripper; nil means
	// http.DefaultTransport.  Hosts inject their transport here.
	Base http.RoundTripper
}

// Service provides access to one account's remote mailbox.
type Service struct {
	svc     *gmail_api.Service
	tokens  *refreshingSource
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
}

// New builds an adapter for the account using tokens from src.
func New(ctx context.Context, src creds.Source, accountID int64, opts Options) (*Service, error) {
	tokens := &refreshingSource{ctx: ctx, src: src, accountID: accountID}

	base := opts.Base
	if base == nil {
		base = http.DefaultTransport
	}
	client := &http.Client{
		Transport: &oauth2.Transport{Source: tokens, Base: base},
		Timeout:   opts.RequestTimeout,
	}
	svc, err := gmail_api.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, mailerr.E(mailerr.Internal, "gmail.New", err)
	}
	return &Service{
		svc:     svc,
		tokens:  tokens,
		limiter: rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
		sleep:   sleepCtx,
	}, nil
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

// do runs call under the retry policy: 5xx and transport errors back
// off exponentially with jitter, 429 honors Retry-After, 401 forces
// one token refresh, all other 4xx surface immediately.
func (s *Service) do(ctx context.Context, op string, call func() error) error {
	backoff := initialBackoff
	refreshed := false
	for attempt := 1; ; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return mailerr.E(mailerr.Cancelled, op, ctx.Err())
		}

		delay := backoff
		switch cause := errors.Cause(err).(type) {
		case *googleapi.Error:
			switch {
			case cause.Code == http.StatusUnauthorized:
				if refreshed {
					return mailerr.E(mailerr.Auth, op, err)
				}
				refreshed = true
				s.tokens.invalidate()
				continue
			case cause.Code == http.StatusTooManyRequests:
				if attempt >= maxAttempts {
					return mailerr.E(mailerr.RateLimited, op, err)
				}
				if after := retryAfter(cause.Header); after > 0 {
					delay = after
				}
			case cause.Code >= 500:
				if attempt >= maxAttempts {
					return mailerr.E(mailerr.Network, op, err)
				}
			default:
				// A plain 4xx will not get better by retrying.
				return mailerr.E(mailerr.Internal, op, err)
			}
		default:
			// Transport-level failure (DNS, reset, timeout).
			if attempt >= maxAttempts {
				return mailerr.E(mailerr.Network, op, err)
			}
		}

		if err := s.sleep(ctx, jittered(delay)); err != nil {
			return mailerr.E(mailerr.Cancelled, op, err)
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	if secs, err := strconv.Atoi(h.Get("Retry-After")); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func jittered(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

func statusCode(err error) (int, bool) {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	if apiErr, ok := errors.Cause(err).(*googleapi.Error); ok {
		return apiErr.Code, true
	}
	return 0, false
}

// ListMessageIDs returns one page of message IDs.  An empty pageToken
// starts from the newest messages.
func (s *Service) ListMessageIDs(ctx context.Context, pageToken string) (*mail.MessagePage, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerMessagesList); err != nil {
		return nil, mailerr.E(mailerr.Cancelled, "gmail.ListMessageIDs", err)
	}
	var resp *gmail_api.ListMessagesResponse
	err := s.do(ctx, "gmail.ListMessageIDs", func() error {
		call := gmail_api.NewUsersMessagesService(s.svc).List("me").
			Context(ctx).MaxResults(listPageSize)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		var err error
		resp, err = call.Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	page := &mail.MessagePage{
		NextPageToken: resp.NextPageToken,
		SizeEstimate:  resp.ResultSizeEstimate,
	}
	for _, ref := range resp.Messages {
		page.IDs = append(page.IDs, mail.MessageID(ref.Id))
	}
	return page, nil
}

// GetMessageFull fetches one message with its full part tree and
// normalizes it.  A message the server no longer has yields NotFound;
// the history feed sometimes lists messages that cannot be fetched.
func (s *Service) GetMessageFull(ctx context.Context, id mail.MessageID) (*mail.FullMessage, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsMessagesGet); err != nil {
		return nil, mailerr.E(mailerr.Cancelled, "gmail.GetMessageFull", err)
	}
	var msg *gmail_api.Message
	err := s.do(ctx, "gmail.GetMessageFull", func() error {
		var err error
		msg, err = gmail_api.NewUsersMessagesService(s.svc).Get("me", string(id)).
			Context(ctx).Format("full").Do()
		return err
	})
	if err != nil {
		if code, ok := statusCode(err); ok && code == http.StatusNotFound {
			return nil, mailerr.Errorf(mailerr.NotFound, "gmail.GetMessageFull", "message %s gone", id)
		}
		return nil, errors.Wrapf(err, "getting message %v", id)
	}
	return Normalize(msg)
}

// ListHistory returns one page of the change feed since cursor.  A
// cursor the server has expired yields HistoryExpired so the sync
// engine can fall back to a snapshot.
func (s *Service) ListHistory(ctx context.Context, cursor uint64, pageToken string) (*mail.HistoryPage, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerHistoryList); err != nil {
		return nil, mailerr.E(mailerr.Cancelled, "gmail.ListHistory", err)
	}
	var resp *gmail_api.ListHistoryResponse
	err := s.do(ctx, "gmail.ListHistory", func() error {
		call := gmail_api.NewUsersHistoryService(s.svc).List("me").
			Context(ctx).StartHistoryId(cursor).
			HistoryTypes("messageAdded", "messageDeleted", "labelAdded", "labelRemoved")
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		var err error
		resp, err = call.Do()
		return err
	})
	if err != nil {
		if code, ok := statusCode(err); ok && code == http.StatusNotFound {
			return nil, mailerr.Errorf(mailerr.HistoryExpired,
				"gmail.ListHistory", "cursor %d rejected", cursor)
		}
		return nil, err
	}

	page := &mail.HistoryPage{
		NextPageToken: resp.NextPageToken,
		NewCursor:     resp.HistoryId,
	}
	for _, rec := range resp.History {
		for _, added := range rec.MessagesAdded {
			page.Events = append(page.Events, mail.HistoryEvent{
				Kind:      mail.HistoryMessageAdded,
				MessageID: mail.MessageID(added.Message.Id),
				ThreadID:  mail.ThreadID(added.Message.ThreadId),
			})
		}
		for _, deleted := range rec.MessagesDeleted {
			page.Events = append(page.Events, mail.HistoryEvent{
				Kind:      mail.HistoryMessageDeleted,
				MessageID: mail.MessageID(deleted.Message.Id),
				ThreadID:  mail.ThreadID(deleted.Message.ThreadId),
			})
		}
		for _, change := range rec.LabelsAdded {
			page.Events = append(page.Events, mail.HistoryEvent{
				Kind:        mail.HistoryLabelsChanged,
				MessageID:   mail.MessageID(change.Message.Id),
				ThreadID:    mail.ThreadID(change.Message.ThreadId),
				LabelsAdded: change.LabelIds,
			})
		}
		for _, change := range rec.LabelsRemoved {
			page.Events = append(page.Events, mail.HistoryEvent{
				Kind:          mail.HistoryLabelsChanged,
				MessageID:     mail.MessageID(change.Message.Id),
				ThreadID:      mail.ThreadID(change.Message.ThreadId),
				LabelsRemoved: change.LabelIds,
			})
		}
	}
	return page, nil
}

// ListLabels returns the account's label definitions.
func (s *Service) ListLabels(ctx context.Context) ([]mail.Label, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerLabelsList); err != nil {
		return nil, mailerr.E(mailerr.Cancelled, "gmail.ListLabels", err)
	}
	var resp *gmail_api.ListLabelsResponse
	err := s.do(ctx, "gmail.ListLabels", func() error {
		var err error
		resp, err = gmail_api.NewUsersLabelsService(s.svc).List("me").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	var out []mail.Label
	for _, l := range resp.Labels {
		out = append(out, mail.Label{
			ID:     l.Id,
			Name:   l.Name,
			Type:   l.Type,
			Total:  l.MessagesTotal,
			Unread: l.MessagesUnread,
		})
	}
	return out, nil
}

// ModifyLabels applies a label delta to the given messages in one
// remote call.  The server treats repeated deltas as no-ops, which is
// what makes actions idempotent.
func (s *Service) ModifyLabels(ctx context.Context, ids []mail.MessageID, add, remove []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.limiter.WaitN(ctx, quotaUnitsPerBatchModify); err != nil {
		return mailerr.E(mailerr.Cancelled, "gmail.ModifyLabels", err)
	}
	req := &gmail_api.BatchModifyMessagesRequest{
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}
	for _, id := range ids {
		req.Ids = append(req.Ids, string(id))
	}
	return s.do(ctx, "gmail.ModifyLabels", func() error {
		return gmail_api.NewUsersMessagesService(s.svc).
			BatchModify("me", req).Context(ctx).Do()
	})
}

// Profile returns per-account metadata, including the current history
// cursor used to anchor a snapshot sync.
func (s *Service) Profile(ctx context.Context) (*mail.Profile, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerGetProfile); err != nil {
		return nil, mailerr.E(mailerr.Cancelled, "gmail.Profile", err)
	}
	var u *gmail_api.Profile
	err := s.do(ctx, "gmail.Profile", func() error {
		var err error
		u, err = gmail_api.NewUsersService(s.svc).GetProfile("me").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &mail.Profile{
		Email:         u.EmailAddress,
		HistoryCursor: u.HistoryId,
		MessageTotal:  u.MessagesTotal,
	}, nil
}
