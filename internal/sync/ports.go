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

package sync

// This file defines the capability interfaces the engine consumes.
// Tests substitute in-memory fakes for every port.

import (
	"context"
	"time"

	"mailvault/internal/mail"
)

// MessageLister lists message identifiers from the remote mailbox,
// either as a full snapshot or as a cursor-driven change feed.
type MessageLister interface {
	ListMessageIDs(ctx context.Context, pageToken string) (*mail.MessagePage, error)
	ListHistory(ctx context.Context, cursor uint64, pageToken string) (*mail.HistoryPage, error)
}

// MessageGetter resolves a remote ID to a full normalized message.
type MessageGetter interface {
	GetMessageFull(ctx context.Context, id mail.MessageID) (*mail.FullMessage, error)
}

// LabelModifier applies label deltas remotely.
type LabelModifier interface {
	ModifyLabels(ctx context.Context, ids []mail.MessageID, add, remove []string) error
}

// Profiler returns per-account remote metadata.
type Profiler interface {
	Profile(ctx context.Context) (*mail.Profile, error)
	ListLabels(ctx context.Context) ([]mail.Label, error)
}

// Remote is everything the sync engine needs from the provider.
type Remote interface {
	MessageLister
	MessageGetter
	LabelModifier
	Profiler
}

// Clock abstracts time for cooldowns and progress coalescing.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// CooldownElapsed reports whether enough time has passed since the
// last successful sync to allow another.  A zero lastSyncAt means
// never synced.
func CooldownElapsed(now, lastSyncAt time.Time, cooldown time.Duration) bool {
	if lastSyncAt.IsZero() {
		return true
	}
	return now.Sub(lastSyncAt) >= cooldown
}
