// Copyright 2025 The NLP Odyssey Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package history provides persistence for voice conversation
// transcripts: the finished user transcriptions and model responses of a
// session, in chronological order.
package history

import (
	"context"
	"time"
)

// TranscriptItem is one finished utterance of the conversation.
type TranscriptItem struct {
	// Role of the speaker, e.g. "user" or "assistant".
	Role string `json:"role"`

	Text string `json:"text"`

	CreatedAt time.Time `json:"created_at"`
}

// Store is the storage protocol for transcript history.
type Store interface {
	// SessionID is the unique identifier of the stored conversation.
	SessionID(ctx context.Context) string

	// GetItems retrieves the transcript history. A non-positive limit
	// fetches all items; otherwise the latest limit items are returned
	// in chronological order.
	GetItems(ctx context.Context, limit int) ([]TranscriptItem, error)

	// AddItems appends new items to the history.
	AddItems(ctx context.Context, items []TranscriptItem) error

	// PopItem removes and returns the most recent item, or nil when the
	// history is empty.
	PopItem(ctx context.Context) (*TranscriptItem, error)

	// ClearSession removes all items for this session.
	ClearSession(ctx context.Context) error

	Close() error
}
