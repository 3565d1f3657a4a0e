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

package voicesession

import (
	"sync/atomic"

	"github.com/nlpodyssey/voicesession-go/asyncqueue"
)

// Inbox is a queue of values pushed from arbitrary threads and drained
// only by the owning thread. It is the sole mechanism by which background
// protocol callbacks influence owning-thread state. Values are delivered
// in the order they were pushed; no ordering is guaranteed across
// different inboxes.
type Inbox[T any] struct {
	q *asyncqueue.Queue[T]
}

func NewInbox[T any]() *Inbox[T] {
	return &Inbox[T]{q: asyncqueue.New[T]()}
}

// Push enqueues a value. Safe to call from any goroutine.
func (in *Inbox[T]) Push(v T) {
	in.q.Put(v)
}

// DrainEach drains the inbox to empty, invoking fn for each value in
// push order. No internal lock is held while fn runs. Owning thread only.
func (in *Inbox[T]) DrainEach(fn func(T)) {
	for {
		v, ok := in.q.GetNoWait()
		if !ok {
			return
		}
		fn(v)
	}
}

// Clear discards all pending values and reports how many were dropped.
func (in *Inbox[T]) Clear() int {
	return in.q.Clear()
}

func (in *Inbox[T]) Len() int {
	return in.q.Len()
}

// Flag is a level-triggered signal for idempotent one-shot notifications,
// where only "has this fired since last drain" matters. Setting it twice
// before a drain delivers a single notification.
type Flag struct {
	set atomic.Bool
}

// Set raises the flag. Safe to call from any goroutine.
func (f *Flag) Set() {
	f.set.Store(true)
}

// TakeSet reports whether the flag was raised since the last call,
// clearing it. Owning thread only.
func (f *Flag) TakeSet() bool {
	return f.set.Swap(false)
}
